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

package clactions

import (
	"context"
	"testing"
	"time"

	"go.chromium.org/luci/common/testing/ftt"
	"go.chromium.org/luci/common/testing/truth/assert"
	"go.chromium.org/luci/common/testing/truth/should"

	"go.chromium.org/chromiumos/cq/internal/changelist"
)

type historyLog struct {
	h     History
	calls int
}

func (l *historyLog) GetActionsForChanges(ctx context.Context, keys []changelist.Key) (History, error) {
	l.calls++
	return l.h, nil
}

func TestProgress(t *testing.T) {
	t.Parallel()

	ftt.Run("Progress", t, func(t *ftt.Test) {
		epoch := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
		a := &changelist.Change{Key: changelist.Key{Number: 1, Patchset: 1}}
		b := &changelist.Change{Key: changelist.Key{Number: 2, Patchset: 1}}
		c := &changelist.Change{Key: changelist.Key{Source: changelist.Internal, Number: 3, Patchset: 2}}

		var h History
		add := func(ch *changelist.Change, kind Kind, cfg string, buildID int64, d time.Duration) {
			h = append(h, Action{
				ID:        int64(len(h) + 1),
				BuildID:   buildID,
				Change:    ch.Key,
				Kind:      kind,
				Config:    cfg,
				Timestamp: epoch.Add(d),
			})
		}

		t.Run("unscreened changes are absent", func(t *ftt.Test) {
			add(a, Requeued, "", 0, 0)
			pm := GetProgressMap([]*changelist.Change{a}, h)
			assert.Loosely(t, pm, should.BeEmpty)
		})

		t.Run("tracks configs through their lifecycle", func(t *ftt.Test) {
			for _, ch := range []*changelist.Change{a, b, c} {
				add(ch, ValidationPending, "x-pre-cq", 0, 0)
				add(ch, ValidationPending, "y-pre-cq", 0, 0)
				add(ch, ScreenedForPreCQ, "", 0, 0)
			}
			// a: both launched, one picked up.
			add(a, TrybotLaunching, "x-pre-cq", 0, time.Minute)
			add(a, TrybotLaunching, "y-pre-cq", 0, time.Minute)
			add(a, PickedUp, "x-pre-cq", 101, 2*time.Minute)
			// b: one verified, one failed.
			add(b, Verified, "x-pre-cq", 102, 3*time.Minute)
			add(b, KickedOut, "y-pre-cq", 103, 3*time.Minute)
			// c: everything verified; unrelated configs are ignored.
			add(c, Verified, "x-pre-cq", 104, 4*time.Minute)
			add(c, Verified, "y-pre-cq", 105, 4*time.Minute)
			add(c, Verified, "z-pre-cq", 106, 4*time.Minute)

			pm := GetProgressMap([]*changelist.Change{a, b, c}, h)
			assert.That(t, pm[a.Key], should.Match(Progress{
				"x-pre-cq": {Status: ConfigInflight, Timestamp: epoch.Add(2 * time.Minute), BuildID: 101},
				"y-pre-cq": {Status: ConfigLaunched, Timestamp: epoch.Add(time.Minute)},
			}))
			assert.That(t, pm[b.Key]["y-pre-cq"].Status, should.Equal(ConfigFailed))
			assert.That(t, pm[c.Key].Configs(), should.Match([]string{"x-pre-cq", "y-pre-cq"}))

			t.Run("is idempotent", func(t *ftt.Test) {
				assert.That(t, GetProgressMap([]*changelist.Change{a, b, c}, h), should.Match(pm))
			})

			t.Run("categories", func(t *ftt.Test) {
				cat := GetCategories(pm)
				assert.That(t, cat.Busy, should.Match(changelist.NewSet(a)))
				assert.Loosely(t, cat.Inflight, should.BeEmpty)
				assert.That(t, cat.Passed, should.Match(changelist.NewSet(b)))
				assert.That(t, cat.Verified, should.Match(changelist.NewSet(c)))

				add(a, PickedUp, "y-pre-cq", 107, 5*time.Minute)
				add(b, TrybotLaunching, "y-pre-cq", 0, 5*time.Minute)
				cat = GetCategories(GetProgressMap([]*changelist.Change{a, b, c}, h))
				assert.That(t, cat.Inflight, should.Match(changelist.NewSet(a)))
				assert.That(t, cat.Busy, should.Match(changelist.NewSet(a, b)))
				assert.Loosely(t, cat.Passed, should.BeEmpty)
			})

			t.Run("configs to test", func(t *ftt.Test) {
				assert.Loosely(t, ConfigsToTest([]*changelist.Change{a, c}, pm), should.BeEmpty)
				assert.That(t, ConfigsToTest([]*changelist.Change{a, b}, pm), should.Match([]string{"y-pre-cq"}))
			})

			t.Run("reset forgets everything", func(t *ftt.Test) {
				add(c, PreCQReset, "", 0, 10*time.Minute)
				pm := GetProgressMap([]*changelist.Change{c}, h)
				assert.Loosely(t, pm, should.BeEmpty)
				assert.Loosely(t, IsScreened(c.Key, h), should.BeFalse)
			})

			t.Run("other patchsets don't count", func(t *ftt.Test) {
				next := &changelist.Change{Key: changelist.Key{Number: 2, Patchset: 2}}
				assert.Loosely(t, GetProgressMap([]*changelist.Change{next}, h), should.BeEmpty)
				assert.Loosely(t, IsScreened(next.Key, h), should.BeFalse)
				assert.Loosely(t, IsScreened(b.Key, h), should.BeTrue)
			})

			t.Run("ComputeProgress fetches once", func(t *ftt.Test) {
				l := &historyLog{h: h}
				got, _, err := ComputeProgress(context.Background(), l, []*changelist.Change{a, b, c})
				assert.NoErr(t, err)
				assert.That(t, l.calls, should.Equal(1))
				assert.That(t, got, should.Match(pm))
			})
		})
	})
}

func TestStatus(t *testing.T) {
	t.Parallel()

	ftt.Run("Status", t, func(t *ftt.Test) {
		epoch := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
		k := changelist.Key{Number: 7, Patchset: 3}
		var h History
		add := func(kind Kind, d time.Duration) {
			h = append(h, Action{ID: int64(len(h) + 1), Change: k, Kind: kind, Timestamp: epoch.Add(d)})
		}

		t.Run("no actions", func(t *ftt.Test) {
			s, ts := GetCLStatus(k, h)
			assert.That(t, s, should.Equal(StatusNone))
			assert.Loosely(t, ts.IsZero(), should.BeTrue)
		})

		t.Run("latest status wins", func(t *ftt.Test) {
			add(PreCQInflight, time.Minute)
			add(PreCQPassed, 2*time.Minute)
			add(ScreenedForPreCQ, 3*time.Minute)
			s, ts := GetCLStatus(k, h)
			assert.That(t, s, should.Equal(StatusPassed))
			assert.That(t, ts, should.Match(epoch.Add(2*time.Minute)))

			t.Run("reset clears it", func(t *ftt.Test) {
				add(PreCQReset, 4*time.Minute)
				s, _ := GetCLStatus(k, h)
				assert.That(t, s, should.Equal(StatusNone))
			})
		})

		t.Run("ties are broken by ID", func(t *ftt.Test) {
			add(PreCQFailed, time.Minute)
			add(PreCQFullyVerified, time.Minute)
			s, _ := GetCLStatus(k, h)
			assert.That(t, s, should.Equal(StatusFullyVerified))
		})

		t.Run("StatusToAction", func(t *ftt.Test) {
			assert.That(t, StatusToAction(StatusFullyVerified), should.Equal(PreCQFullyVerified))
			assert.Loosely(t, func() { StatusToAction(StatusNone) }, should.Panic)
		})

		t.Run("requeued or speculative", func(t *ftt.Test) {
			assert.That(t, GetRequeuedOrSpeculative(k, h, true), should.Equal(Speculative))
			assert.That(t, GetRequeuedOrSpeculative(k, h, false), should.Equal(Kind("")))

			add(Speculative, time.Minute)
			assert.That(t, GetRequeuedOrSpeculative(k, h, true), should.Equal(Kind("")))
			assert.That(t, GetRequeuedOrSpeculative(k, h, false), should.Equal(Requeued))

			add(Requeued, 2*time.Minute)
			assert.That(t, GetRequeuedOrSpeculative(k, h, false), should.Equal(Kind("")))
			add(KickedOut, 3*time.Minute)
			assert.That(t, GetRequeuedOrSpeculative(k, h, false), should.Equal(Requeued))
		})
	})
}
