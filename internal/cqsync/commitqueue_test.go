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

package cqsync

import (
	"path/filepath"
	"testing"
	"time"

	"go.chromium.org/luci/common/clock"
	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/testing/ftt"
	"go.chromium.org/luci/common/testing/truth"
	"go.chromium.org/luci/common/testing/truth/assert"
	"go.chromium.org/luci/common/testing/truth/should"

	"go.chromium.org/chromiumos/cq/internal/changelist"
	"go.chromium.org/chromiumos/cq/internal/clactions"
	"go.chromium.org/chromiumos/cq/internal/cqconfig"
	"go.chromium.org/chromiumos/cq/internal/gerrit"
	"go.chromium.org/chromiumos/cq/internal/gerrit/gerrittest"
	"go.chromium.org/chromiumos/cq/internal/manifestversion"
	"go.chromium.org/chromiumos/cq/internal/stage"
	"go.chromium.org/chromiumos/cq/internal/tree"
	"go.chromium.org/chromiumos/cq/internal/tree/treetest"
)

func numbers(cs []*changelist.Change) []int64 {
	out := make([]int64, len(cs))
	for i, c := range cs {
		out[i] = c.Number
	}
	return out
}

func pickedUp(h clactions.History, config string) []int64 {
	var out []int64
	for _, a := range h {
		if a.Kind == clactions.PickedUp && a.Config == config {
			out = append(out, a.Change.Number)
		}
	}
	return out
}

func TestCommitQueueSync(t *testing.T) {
	t.Parallel()

	ftt.Run("CommitQueueSync", t, func(t *ftt.Test) {
		e := newTestEnv(t)
		ctx := e.ctx
		now := clock.Now(ctx)
		treeFake := treetest.NewFake(tree.Open)
		ctx = tree.Install(ctx, treeFake)

		base := gerrittest.CI(10, gerrittest.Ready(now.Add(-time.Hour)))
		fake := gerrittest.NewFake(
			base,
			gerrittest.CI(11, gerrittest.Ready(now), gerrittest.Parent(base)),
			gerrittest.CI(12, gerrittest.Ready(now)),
			gerrittest.CI(13, gerrittest.Ready(now), gerrittest.Project("chromiumos/infra/config")),
		)
		hosts := &gerrit.Hosts{External: fake}
		cfg := cqconfig.Default().CQ

		internalRepo, err := manifestversion.OpenRepo(ctx, filepath.Join(t.TempDir(), "manifest-versions-internal"), "", nil)
		assert.NoErr(t, err)
		newSync := func(id int64, config string, master bool) *CommitQueueSync {
			sub := e.manager(config, true)
			sub.Repo = internalRepo
			sub.Statuses = &manifestversion.RepoStatusStore{Repo: internalRepo}
			sub.Remotes = []string{"cros"}
			return &CommitQueueSync{
				MasterSlaveLKGMSync: MasterSlaveLKGMSync{
					ManifestVersionedSync: ManifestVersionedSync{Env{
						Build:             Build{ID: id, Config: config, Type: "paladin", Master: master},
						DB:                e.db,
						Manager:           e.manager(config, true),
						Checkout:          &fakeCheckout{},
						MasterVersionWait: 5 * time.Minute,
						PollInterval:      time.Minute,
					}},
					Sub: sub,
				},
				Config:         cfg,
				Reviewer:       hosts,
				Manifest:       e.source.m,
				TreeURL:        "https://tree",
				AcquireTimeout: 10 * time.Minute,
			}
		}

		masterID := e.build(t, "master-paladin")
		master := newSync(masterID, "master-paladin", true)
		c11 := &changelist.Change{Key: changelist.Key{Number: 11, Patchset: 1}}
		assert.NoErr(t, e.db.InsertCLActions(ctx, 1, []clactions.Action{
			clactions.New(c11, clactions.PreCQPassed, ""),
		}))

		t.Run("master picks changes and publishes a candidate", func(t *ftt.Test) {
			out, err := master.Run(ctx)
			assert.NoErr(t, err)
			assert.That(t, out, should.Equal(stage.Success))
			assert.That(t, numbers(master.Pool.Changes), should.Match([]int64{10, 11}))
			assert.That(t, numbers(master.Pool.NonManifest), should.Match([]int64{13}))

			cur, ok := master.Manager.Current()
			assert.Loosely(t, ok, should.BeTrue)
			assert.That(t, cur.String(), should.Equal("7072.0.0-rc1"))
			mf, err := master.Manager.BootstrapFromVersion(ctx, cur.String())
			assert.NoErr(t, err)
			pending, err := mf.PendingChanges()
			assert.NoErr(t, err)
			assert.That(t, numbers(pending), should.Match([]int64{10, 11}))

			b, err := e.db.GetBuildStatus(ctx, masterID)
			assert.NoErr(t, err)
			assert.That(t, b.Deadline, should.Match(now.Add(4*time.Hour)))
			assert.That(t, b.FullVersion, should.Equal("R44-7072.0.0-rc1"))
			assert.That(t, pickedUp(e.db.Actions(), "master-paladin"), should.Match([]int64{10, 11}))
			assert.Loosely(t, master.Checkout.(*fakeCheckout).applied, should.BeEmpty)

			ok, err = internalRepo.Exists(master.Sub.SpecPath(cur))
			assert.NoErr(t, err)
			assert.Loosely(t, ok, should.BeTrue)
			blob, err := internalRepo.Read(master.Sub.SpecPath(cur))
			assert.NoErr(t, err)
			assert.That(t, string(blob), should.NotContainSubstring("chromeos/secret"))

			t.Run("slaves apply the same changes", func(t *ftt.Test) {
				slave := newSync(e.build(t, "lumpy-paladin"), "lumpy-paladin", false)
				slave.Build.MasterID = masterID
				out, err := slave.Run(ctx)
				assert.NoErr(t, err)
				assert.That(t, out, should.Equal(stage.Success))
				co := slave.Checkout.(*fakeCheckout)
				assert.Loosely(t, co.synced, should.HaveLength(1))
				assert.That(t, co.applied, should.Match([]changelist.Key{
					{Number: 10, Patchset: 1}, {Number: 11, Patchset: 1},
				}))
				assert.That(t, pickedUp(e.db.Actions(), "lumpy-paladin"), should.Match([]int64{10, 11}))
			})

			t.Run("next candidate is rc2 based on the passed one", func(t *ftt.Test) {
				assert.NoErr(t, master.Manager.SetPassed(ctx, cur))
				next := newSync(e.build(t, "master-paladin"), "master-paladin", true)
				_, err := next.Run(ctx)
				assert.NoErr(t, err)
				v, _ := next.Manager.Current()
				assert.That(t, v.String(), should.Equal("7072.0.0-rc2"))
				mf, err := next.Manager.BootstrapFromVersion(ctx, v.String())
				assert.NoErr(t, err)
				assert.That(t, mf.LKGM.Version, should.Equal("7072.0.0-rc1"))
			})

			t.Run("forced versions load the pool", func(t *ftt.Test) {
				forced := newSync(e.build(t, "master-paladin"), "master-paladin", true)
				forced.Build.ForceVersion = cur.String()
				out, err := forced.Run(ctx)
				assert.NoErr(t, err)
				assert.That(t, out, should.Equal(stage.Success))
				assert.That(t, numbers(forced.Pool.Changes), should.Match([]int64{10, 11}))
			})
		})

		t.Run("slaves need a master", func(t *ftt.Test) {
			slave := newSync(e.build(t, "lumpy-paladin"), "lumpy-paladin", false)
			_, err := slave.Run(ctx)
			assert.Loosely(t, errors.Is(err, ErrMissingMasterID), should.BeTrue)
			assert.Loosely(t, stage.FatalTag.In(err), should.BeTrue)
		})

		t.Run("closed tree", func(t *ftt.Test) {
			treeFake.Set(tree.Closed)
			out, err := master.Run(ctx)
			assert.NoErr(t, err)
			assert.That(t, out, should.Equal(stage.TreeClosed))
			_, ok := master.Manager.Current()
			assert.Loosely(t, ok, should.BeFalse)
			assert.Loosely(t, pickedUp(e.db.Actions(), "master-paladin"), should.BeEmpty)
		})

		t.Run("ChangeFilter", func(t *ftt.Test) {
			filter := func() []int64 {
				changes, err := hosts.Query(ctx, cfg.Query)
				assert.NoErr(t, err, truth.LineContext())
				got, _, err := master.ChangeFilter(ctx, nil, changelist.Sort(changes), nil)
				assert.NoErr(t, err, truth.LineContext())
				return numbers(got)
			}

			t.Run("Pre-CQ passed changes with their dependencies", func(t *ftt.Test) {
				assert.That(t, filter(), should.Match([]int64{10, 11}))
			})

			t.Run("Commit-Queue+2 bypasses the Pre-CQ", func(t *ftt.Test) {
				master.DB = newTestEnv(t).db
				fake.Put(gerrittest.CI(12, gerrittest.Ready(now), gerrittest.Vote("Commit-Queue", 2, now)))
				assert.That(t, filter(), should.Match([]int64{12}))
			})

			t.Run("everything after the Pre-CQ timeout", func(t *ftt.Test) {
				master.DB = newTestEnv(t).db
				assert.Loosely(t, filter(), should.BeEmpty)
				e.tc.Add(cfg.PreCQTimeout.D())
				assert.That(t, filter(), should.Match([]int64{10, 11, 12, 13}))
			})
		})
	})
}
