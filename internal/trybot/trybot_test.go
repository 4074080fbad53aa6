// Copyright 2026 The LUCI Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package trybot

import (
	"context"
	"testing"
	"time"

	"go.chromium.org/luci/common/clock"
	"go.chromium.org/luci/common/clock/testclock"
	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/retry/transient"
	"go.chromium.org/luci/common/testing/ftt"
	"go.chromium.org/luci/common/testing/truth/assert"
	"go.chromium.org/luci/common/testing/truth/should"

	"go.chromium.org/chromiumos/cq/internal/changelist"
)

func TestRemote(t *testing.T) {
	t.Parallel()

	ftt.Run("Remote", t, func(t *ftt.Test) {
		ctx := context.Background()
		var calls [][]string
		var dirs []string
		var failWith error
		r := &Remote{
			Dir:     "/src",
			Timeout: 240 * time.Minute,
			Run: func(ctx context.Context, dir, name string, args ...string) ([]byte, error) {
				calls = append(calls, append([]string{name}, args...))
				dirs = append(dirs, dir)
				return []byte("some output"), failWith
			},
		}
		changes := []*changelist.Change{
			{Key: changelist.Key{Source: changelist.External, Number: 10, Patchset: 2}},
			{Key: changelist.Key{Source: changelist.Internal, Number: 11, Patchset: 1}},
		}

		t.Run("Runs cbuildbot", func(t *ftt.Test) {
			assert.NoErr(t, r.Dispatch(ctx, changes, []string{"a-pre-cq", "b-pre-cq"}))
			assert.That(t, calls, should.Match([][]string{{
				"cbuildbot", "--remote", "--timeout", "14400", "a-pre-cq", "b-pre-cq",
				"-g", "10", "-g", "*11",
			}}))
			assert.That(t, dirs, should.Match([]string{"/src"}))
		})

		t.Run("Dry run", func(t *ftt.Test) {
			r.DryRun = true
			assert.NoErr(t, r.Dispatch(ctx, changes, []string{"a-pre-cq"}))
			assert.Loosely(t, calls, should.BeEmpty)
		})

		t.Run("Failure is transient", func(t *ftt.Test) {
			failWith = errors.New("exit status 1")
			err := r.Dispatch(ctx, changes, []string{"a-pre-cq"})
			assert.Loosely(t, err, should.ErrLike("some output"))
			assert.Loosely(t, transient.Tag.In(err), should.BeTrue)
		})

		t.Run("A hung command is cut off by the timeout", func(t *ftt.Test) {
			ctx, tc := testclock.UseTime(ctx, testclock.TestRecentTimeUTC)
			tc.SetTimerCallback(func(d time.Duration, _ clock.Timer) { tc.Add(d) })
			var deadline time.Time
			r.Run = func(ctx context.Context, dir, name string, args ...string) ([]byte, error) {
				deadline, _ = ctx.Deadline()
				<-ctx.Done()
				return []byte("still waiting"), ctx.Err()
			}
			err := r.Dispatch(ctx, changes, []string{"a-pre-cq"})
			assert.Loosely(t, err, should.ErrLike("still waiting"))
			assert.Loosely(t, transient.Tag.In(err), should.BeTrue)
			assert.Loosely(t, deadline.Equal(testclock.TestRecentTimeUTC.Add(240*time.Minute)), should.BeTrue)
		})

		t.Run("Nothing to do", func(t *ftt.Test) {
			assert.Loosely(t, r.Dispatch(ctx, nil, []string{"a-pre-cq"}), should.ErrLike("nothing to dispatch"))
			assert.Loosely(t, calls, should.BeEmpty)
		})
	})
}
