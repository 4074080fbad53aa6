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

package main

import (
	"context"
	"strings"
	"testing"
	"time"

	"go.chromium.org/luci/common/clock/testclock"
	"go.chromium.org/luci/common/testing/ftt"
	"go.chromium.org/luci/common/testing/truth/assert"
	"go.chromium.org/luci/common/testing/truth/should"

	"go.chromium.org/chromiumos/cq/internal/changelist"
	"go.chromium.org/chromiumos/cq/internal/cidb"
	"go.chromium.org/chromiumos/cq/internal/clactions"
)

func TestPrintProgress(t *testing.T) {
	t.Parallel()

	ftt.Run("printProgress", t, func(t *ftt.Test) {
		ctx, tc := testclock.UseTime(context.Background(), time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC))
		db := cidb.NewMemory()
		c := &changelist.Change{Key: changelist.Key{Number: 10, Patchset: 2}}
		other := &changelist.Change{Key: changelist.Key{Source: changelist.Internal, Number: 11, Patchset: 1}}

		pending := clactions.New(c, clactions.ValidationPending, "lumpy-pre-cq")
		assert.NoErr(t, db.InsertCLActions(ctx, 0, []clactions.Action{
			clactions.New(c, clactions.PreCQInflight, ""),
			pending,
		}))
		launching := clactions.New(c, clactions.TrybotLaunching, "lumpy-pre-cq")
		assert.NoErr(t, db.InsertCLActions(ctx, 0, []clactions.Action{launching}))
		tc.Add(time.Hour)

		changes := []*changelist.Change{c, other}
		pm, h, err := clactions.ComputeProgress(ctx, db, changes)
		assert.NoErr(t, err)

		var out strings.Builder
		assert.NoErr(t, printProgress(&out, changes, pm, h, tc.Now()))
		lines := strings.Split(strings.TrimSpace(out.String()), "\n")
		assert.Loosely(t, lines, should.HaveLength(3))
		assert.That(t, lines[0], should.ContainSubstring("10:2"))
		assert.That(t, lines[0], should.ContainSubstring("inflight"))
		assert.That(t, lines[0], should.ContainSubstring("1 hour ago"))
		assert.That(t, lines[1], should.ContainSubstring("lumpy-pre-cq"))
		assert.That(t, lines[1], should.ContainSubstring("launched"))
		assert.That(t, lines[2], should.ContainSubstring("*11:1"))
		assert.That(t, lines[2], should.ContainSubstring("None"))
	})
}
