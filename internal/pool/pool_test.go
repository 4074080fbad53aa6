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

package pool

import (
	"context"
	"strings"
	"testing"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"go.chromium.org/luci/common/clock"
	"go.chromium.org/luci/common/clock/testclock"
	"go.chromium.org/luci/common/testing/ftt"
	"go.chromium.org/luci/common/testing/truth/assert"
	"go.chromium.org/luci/common/testing/truth/should"

	"go.chromium.org/chromiumos/cq/internal/changelist"
	"go.chromium.org/chromiumos/cq/internal/cidb"
	"go.chromium.org/chromiumos/cq/internal/clactions"
	"go.chromium.org/chromiumos/cq/internal/gerrit"
	"go.chromium.org/chromiumos/cq/internal/gerrit/gerrittest"
	"go.chromium.org/chromiumos/cq/internal/manifest"
	"go.chromium.org/chromiumos/cq/internal/tree"
	"go.chromium.org/chromiumos/cq/internal/tree/treetest"
)

const testManifest = `<manifest>
  <default remote="cros" revision="refs/heads/main"/>
  <project name="chromiumos/platform/foo" path="src/platform/foo"/>
</manifest>`

func kinds(h clactions.History) []string {
	var out []string
	for _, a := range h {
		out = append(out, a.Change.String()+" "+string(a.Kind)+" "+a.Config+" "+a.Reason)
	}
	return out
}

func TestPool(t *testing.T) {
	t.Parallel()

	ftt.Run("Pool", t, func(t *ftt.Test) {
		ctx, tc := testclock.UseTime(context.Background(), time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC))
		tc.SetTimerCallback(func(d time.Duration, t clock.Timer) { tc.Add(d) })
		now := clock.Now(ctx)
		treeFake := treetest.NewFake(tree.Open)
		ctx = tree.Install(ctx, treeFake)

		base := gerrittest.CI(10, gerrittest.Ready(now))
		fake := gerrittest.NewFake(
			base,
			gerrittest.CI(11, gerrittest.Ready(now), gerrittest.Parent(base)),
			gerrittest.CI(12, gerrittest.Ready(now), gerrittest.Project("chromiumos/infra/config")),
		)
		hosts := &gerrit.Hosts{External: fake}
		db := cidb.NewMemory()
		m, err := manifest.Parse(strings.NewReader(testManifest))
		assert.NoErr(t, err)
		opts := AcquireOptions{
			BuildID:      1,
			Query:        "status:open",
			Manifest:     m,
			TreeURL:      "https://tree",
			PollInterval: time.Minute,
			Timeout:      10 * time.Minute,
		}

		t.Run("Acquire splits by manifest", func(t *ftt.Test) {
			p, err := Acquire(ctx, db, hosts, opts)
			assert.NoErr(t, err)
			assert.Loosely(t, p.TreeOpen, should.BeTrue)
			assert.That(t, changelist.Keys(p.Changes), should.Match([]changelist.Key{
				{Number: 10, Patchset: 1}, {Number: 11, Patchset: 1},
			}))
			assert.That(t, p.Changes[0].ProjectPath, should.Equal("src/platform/foo"))
			assert.That(t, changelist.Keys(p.NonManifest), should.Match([]changelist.Key{{Number: 12, Patchset: 1}}))
		})

		t.Run("Acquire applies the filter", func(t *ftt.Test) {
			opts.Filter = func(ctx context.Context, p *Pool, cs, nm []*changelist.Change) ([]*changelist.Change, []*changelist.Change, error) {
				return cs[:1], nil, nil
			}
			p, err := Acquire(ctx, db, hosts, opts)
			assert.NoErr(t, err)
			assert.Loosely(t, p.Changes, should.HaveLength(1))
			assert.Loosely(t, p.NonManifest, should.BeEmpty)
		})

		t.Run("Duplicate Change-Ids are excluded", func(t *ftt.Test) {
			fake.Put(gerrittest.CI(13, gerrittest.ChangeID("Idup")))
			fake.Put(gerrittest.CI(14, gerrittest.ChangeID("Idup")))
			fake.Put(gerrittest.CI(15, gerrittest.ChangeID("Idup"), gerrittest.Branch("stable")))
			p, err := Acquire(ctx, db, hosts, opts)
			assert.NoErr(t, err)
			var nums []int64
			for _, c := range append(p.Changes, p.NonManifest...) {
				nums = append(nums, c.Number)
			}
			assert.That(t, nums, should.Match([]int64{10, 11, 12, 15}))
		})

		t.Run("Waits for the tree", func(t *ftt.Test) {
			opts.CheckTreeOpen = true
			treeFake.Set(tree.Closed)
			start := clock.Now(ctx)
			p, err := Acquire(ctx, db, hosts, opts)
			assert.NoErr(t, err)
			assert.Loosely(t, p.TreeOpen, should.BeFalse)
			assert.Loosely(t, p.Changes, should.BeEmpty)
			assert.Loosely(t, clock.Now(ctx).Sub(start) >= opts.Timeout, should.BeTrue)
			assert.Loosely(t, treeFake.Calls(), should.BeGreaterThan(5))
		})

		t.Run("Waits for changes", func(t *ftt.Test) {
			opts.WaitForChanges = true
			opts.Query = "nothing"
			opts.Filter = func(ctx context.Context, p *Pool, cs, nm []*changelist.Change) ([]*changelist.Change, []*changelist.Change, error) {
				return nil, nil, nil
			}
			p, err := Acquire(ctx, db, hosts, opts)
			assert.NoErr(t, err)
			assert.Loosely(t, p.TreeOpen, should.BeTrue)
			assert.Loosely(t, p.Changes, should.BeEmpty)
		})

		t.Run("Operations", func(t *ftt.Test) {
			p, err := Acquire(ctx, db, hosts, opts)
			assert.NoErr(t, err)
			a, b := p.Changes[0], p.Changes[1]

			t.Run("SubmitChanges goes dependencies first", func(t *ftt.Test) {
				fake.SubmitErr[12] = status.Error(codes.FailedPrecondition, "conflict")
				submitted, failed, err := p.SubmitChanges(ctx, []*changelist.Change{b, a}, clactions.StrategyPreCQSubmit)
				assert.NoErr(t, err)
				assert.That(t, changelist.Keys(submitted), should.Match([]changelist.Key{a.Key, b.Key}))
				assert.Loosely(t, failed, should.BeEmpty)
				assert.That(t, fake.Submitted, should.Match([]int64{10, 11}))

				submitted, failed, err = p.SubmitNonManifestChanges(ctx)
				assert.NoErr(t, err)
				assert.Loosely(t, submitted, should.BeEmpty)
				assert.Loosely(t, failed, should.HaveLength(1))
				assert.Loosely(t, fake.Messages(12), should.HaveLength(1))

				assert.That(t, kinds(db.Actions()), should.Match([]string{
					"10:1 submitted  strategy:pre-cq-submit",
					"11:1 submitted  strategy:pre-cq-submit",
					"12:1 submit_failed  strategy:non-manifest-submit",
				}))
			})

			t.Run("RemoveReady", func(t *ftt.Test) {
				assert.NoErr(t, p.RemoveReady(ctx, a, "x-pre-cq", "timed out"))
				assert.That(t, fake.Messages(10), should.Match([]string{"timed out"}))
				assert.That(t, kinds(db.Actions()), should.Match([]string{"10:1 kicked_out x-pre-cq x-pre-cq"}))
			})

			t.Run("Statuses and notifications", func(t *ftt.Test) {
				assert.NoErr(t, p.UpdateCLPreCQStatus(ctx, a, clactions.StatusPassed))
				assert.NoErr(t, p.RecordPickedUp(ctx, "master-paladin"))
				assert.NoErr(t, p.HandlePreCQSuccess(ctx, []*changelist.Change{a}))
				assert.NoErr(t, p.HandleApplySuccess(ctx, b, []string{"https://build/1"}))
				assert.That(t, kinds(db.Actions()), should.Match([]string{
					"10:1 pre_cq_passed  ",
					"10:1 picked_up master-paladin ",
					"11:1 picked_up master-paladin ",
				}))
				assert.Loosely(t, fake.Messages(10), should.HaveLength(1))
				assert.Loosely(t, fake.Messages(11)[0], should.ContainSubstring("https://build/1"))
			})

			t.Run("Record failures surface", func(t *ftt.Test) {
				db.FailInserts = status.Error(codes.Unavailable, "db down")
				assert.Loosely(t, p.UpdateCLPreCQStatus(ctx, a, clactions.StatusPassed), should.ErrLike("db down"))
			})
		})

		t.Run("FromManifest", func(t *ftt.Test) {
			m.PendingCommits = []manifest.PendingCommit{
				{Project: "chromiumos/platform/foo", Branch: "main", ChangeID: "I1", Commit: "sha", GerritNumber: "*7", PatchNumber: "2"},
			}
			p, err := FromManifest(ctx, db, hosts, 3, m)
			assert.NoErr(t, err)
			assert.That(t, changelist.Keys(p.Changes), should.Match([]changelist.Key{{Source: changelist.Internal, Number: 7, Patchset: 2}}))
			assert.That(t, p.Changes[0].ProjectPath, should.Equal("src/platform/foo"))
		})
	})
}
