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

// Package cidbtest contains a behavior suite shared by cidb.DB
// implementations.
package cidbtest

import (
	"context"
	"testing"
	"time"

	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/testing/ftt"
	"go.chromium.org/luci/common/testing/truth/assert"
	"go.chromium.org/luci/common/testing/truth/should"

	"go.chromium.org/chromiumos/cq/internal/changelist"
	"go.chromium.org/chromiumos/cq/internal/cidb"
	"go.chromium.org/chromiumos/cq/internal/clactions"
)

// Run exercises a cidb.DB implementation. open must return an empty DB.
func Run(t *testing.T, open func(ctx context.Context, t testing.TB) cidb.DB) {
	ftt.Run("CIDB", t, func(t *ftt.Test) {
		ctx := context.Background()
		db := open(ctx, t)
		t.Cleanup(func() { db.Close() })

		a1 := changelist.Key{Number: 100, Patchset: 1}
		a2 := changelist.Key{Number: 100, Patchset: 2}
		internal := changelist.Key{Source: changelist.Internal, Number: 100, Patchset: 1}
		other := changelist.Key{Number: 200, Patchset: 1}

		t.Run("actions round trip in insertion order", func(t *ftt.Test) {
			assert.NoErr(t, db.InsertCLActions(ctx, 7, []clactions.Action{
				{Change: a1, Kind: clactions.ValidationPending, Config: "x-pre-cq"},
				{Change: a1, Kind: clactions.ScreenedForPreCQ},
			}))
			assert.NoErr(t, db.InsertCLActions(ctx, 8, []clactions.Action{
				{Change: a2, Kind: clactions.Requeued, Reason: "again"},
				{Change: internal, Kind: clactions.Speculative},
				{Change: other, Kind: clactions.Submitted, Reason: clactions.StrategyPreCQSubmit},
			}))

			h, err := db.GetActionsForChanges(ctx, []changelist.Key{a2})
			assert.NoErr(t, err)
			assert.Loosely(t, h, should.HaveLength(3))
			kinds := make([]clactions.Kind, len(h))
			for i, a := range h {
				kinds[i] = a.Kind
				assert.Loosely(t, a.Timestamp.IsZero(), should.BeFalse)
				if i > 0 {
					assert.Loosely(t, a.ID, should.BeGreaterThan(h[i-1].ID))
				}
			}
			assert.That(t, kinds, should.Match([]clactions.Kind{
				clactions.ValidationPending, clactions.ScreenedForPreCQ, clactions.Requeued,
			}))
			assert.That(t, h[0].Config, should.Equal("x-pre-cq"))
			assert.That(t, h[0].BuildID, should.Equal(int64(7)))
			assert.That(t, h[2].Reason, should.Equal("again"))
			assert.That(t, h[2].Change, should.Match(a2))

			h, err = db.GetActionsForChanges(ctx, []changelist.Key{internal, other})
			assert.NoErr(t, err)
			assert.Loosely(t, h, should.HaveLength(2))

			h, err = db.GetActionsForChanges(ctx, nil)
			assert.NoErr(t, err)
			assert.Loosely(t, h, should.BeEmpty)
		})

		t.Run("rejects unknown kinds", func(t *ftt.Test) {
			err := db.InsertCLActions(ctx, 1, []clactions.Action{{Change: a1, Kind: "bogus"}})
			assert.Loosely(t, err, should.ErrLike("unknown kind"))
		})

		t.Run("builds", func(t *ftt.Test) {
			id1, err := db.InsertBuild(ctx, &cidb.BuildStatus{Config: "master-paladin", BuilderName: "CQ master", Waterfall: "chromeos", BuildNumber: 11})
			assert.NoErr(t, err)
			id2, err := db.InsertBuild(ctx, &cidb.BuildStatus{Config: "master-paladin", BuildNumber: 12})
			assert.NoErr(t, err)
			_, err = db.InsertBuild(ctx, &cidb.BuildStatus{Config: "x86-paladin", MasterBuildID: id2})
			assert.NoErr(t, err)

			b, err := db.GetBuildStatus(ctx, id1)
			assert.NoErr(t, err)
			assert.That(t, b.BuilderName, should.Equal("CQ master"))
			assert.That(t, b.Status, should.Equal(cidb.StatusInflight))

			_, err = db.GetBuildStatus(ctx, 999)
			assert.Loosely(t, errors.Is(err, cidb.ErrNotFound), should.BeTrue)

			hist, err := db.GetBuildHistory(ctx, "master-paladin", 1, 0)
			assert.NoErr(t, err)
			assert.Loosely(t, hist, should.HaveLength(1))
			assert.That(t, hist[0].ID, should.Equal(id2))

			hist, err = db.GetBuildHistory(ctx, "master-paladin", 10, id2)
			assert.NoErr(t, err)
			assert.Loosely(t, hist, should.HaveLength(1))
			assert.That(t, hist[0].ID, should.Equal(id1))

			bs, err := db.GetBuildStatuses(ctx, []int64{id1, 999, id2})
			assert.NoErr(t, err)
			assert.Loosely(t, bs, should.HaveLength(2))

			assert.NoErr(t, db.UpdateBuildVersion(ctx, id2, "7072.0.0-rc4", "R44-7072.0.0-rc4"))
			b, err = db.GetBuildStatus(ctx, id2)
			assert.NoErr(t, err)
			assert.That(t, b.PlatformVersion, should.Equal("7072.0.0-rc4"))

			now, err := db.GetTime(ctx)
			assert.NoErr(t, err)
			assert.NoErr(t, db.ExtendDeadline(ctx, id2, 4*time.Hour))
			b, err = db.GetBuildStatus(ctx, id2)
			assert.NoErr(t, err)
			assert.Loosely(t, b.Deadline.Before(now.Add(4*time.Hour-time.Minute)), should.BeFalse)

			assert.NoErr(t, db.ExtendDeadline(ctx, id2, time.Minute))
			shorter, err := db.GetBuildStatus(ctx, id2)
			assert.NoErr(t, err)
			assert.That(t, shorter.Deadline, should.Match(b.Deadline))

			assert.Loosely(t, errors.Is(db.ExtendDeadline(ctx, 999, time.Minute), cidb.ErrNotFound), should.BeTrue)
		})
	})
}
