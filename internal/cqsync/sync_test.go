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
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.chromium.org/luci/common/clock"
	"go.chromium.org/luci/common/clock/testclock"
	"go.chromium.org/luci/common/testing/ftt"
	"go.chromium.org/luci/common/testing/truth/assert"
	"go.chromium.org/luci/common/testing/truth/should"

	"go.chromium.org/chromiumos/cq/internal/changelist"
	"go.chromium.org/chromiumos/cq/internal/cidb"
	"go.chromium.org/chromiumos/cq/internal/manifest"
	"go.chromium.org/chromiumos/cq/internal/manifestversion"
	"go.chromium.org/chromiumos/cq/internal/stage"
)

const testManifest = `<manifest>
  <remote name="cros" fetch="https://chromium.googlesource.com"/>
  <remote name="cros-internal" fetch="https://chrome-internal.googlesource.com"/>
  <default remote="cros" revision="refs/heads/main"/>
  <project name="chromiumos/platform/foo" path="src/platform/foo"/>
  <project name="chromeos/secret" path="src/secret" remote="cros-internal"/>
</manifest>`

type staticSource struct {
	m *manifest.Manifest
}

func (s *staticSource) Snapshot(ctx context.Context) (*manifest.Manifest, error) {
	return s.m.Clone(), nil
}

type fakeCheckout struct {
	synced  []*manifest.Manifest
	applied []changelist.Key
}

func (f *fakeCheckout) Sync(ctx context.Context, m *manifest.Manifest) error {
	f.synced = append(f.synced, m)
	return nil
}

func (f *fakeCheckout) Apply(ctx context.Context, m *manifest.Manifest, cs []*changelist.Change) error {
	f.applied = append(f.applied, changelist.Keys(cs)...)
	return nil
}

// testEnv is shared by the sync tests.
type testEnv struct {
	ctx    context.Context
	tc     testclock.TestClock
	db     *cidb.Memory
	repo   *manifestversion.GitRepo
	source *staticSource
}

func newTestEnv(t testing.TB) *testEnv {
	ctx, tc := testclock.UseTime(context.Background(), time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC))
	tc.SetTimerCallback(func(d time.Duration, _ clock.Timer) { tc.Add(d) })
	m, err := manifest.Parse(strings.NewReader(testManifest))
	assert.NoErr(t, err)
	m.Pin(map[string]string{"src/platform/foo": "aaa", "src/secret": "sss"})
	repo, err := manifestversion.OpenRepo(ctx, filepath.Join(t.TempDir(), "manifest-versions"), "", nil)
	assert.NoErr(t, err)
	return &testEnv{ctx: ctx, tc: tc, db: cidb.NewMemory(), repo: repo, source: &staticSource{m: m}}
}

func (e *testEnv) manager(builder string, candidates bool) *manifestversion.Manager {
	return &manifestversion.Manager{
		Repo:       e.repo,
		Statuses:   &manifestversion.RepoStatusStore{Repo: e.repo},
		Source:     e.source,
		Builder:    builder,
		Branch:     "main",
		Milestone:  44,
		Incr:       manifestversion.IncrBuild,
		Base:       manifestversion.Version{Build: 7072},
		Candidates: candidates,
	}
}

func (e *testEnv) build(t testing.TB, config string) int64 {
	id, err := e.db.InsertBuild(e.ctx, &cidb.BuildStatus{Config: config, Status: cidb.StatusInflight})
	assert.NoErr(t, err)
	return id
}

func TestManifestVersionedSync(t *testing.T) {
	t.Parallel()

	ftt.Run("ManifestVersionedSync", t, func(t *ftt.Test) {
		e := newTestEnv(t)
		ctx := e.ctx
		co := &fakeCheckout{}
		masterID := e.build(t, "release-master")
		master := &ManifestVersionedSync{Env{
			Build:    Build{ID: masterID, Config: "release-master", Master: true, DashboardURL: "https://ci/1"},
			DB:       e.db,
			Manager:  e.manager("release-master", false),
			Checkout: co,
		}}

		out, err := master.Run(ctx)
		assert.NoErr(t, err)
		assert.That(t, out, should.Equal(stage.Success))
		b, err := e.db.GetBuildStatus(ctx, masterID)
		assert.NoErr(t, err)
		assert.That(t, b.PlatformVersion, should.Equal("7072.0.0"))
		assert.That(t, b.FullVersion, should.Equal("R44-7072.0.0"))
		assert.Loosely(t, co.synced, should.BeEmpty)
		cur, _ := master.Manager.Current()
		st, err := master.Manager.Statuses.Get(ctx, "release-master", cur)
		assert.NoErr(t, err)
		assert.That(t, st, should.Match(&manifestversion.BuilderStatus{Status: manifestversion.StatusInflight, DashboardURL: "https://ci/1"}))

		t.Run("no work when nothing changed", func(t *ftt.Test) {
			next := &ManifestVersionedSync{master.Env}
			next.Build.ID = e.build(t, "release-master")
			next.Manager = e.manager("release-master", false)

			assert.NoErr(t, master.Manager.SetPassed(ctx, cur))
			out, err := next.Run(ctx)
			assert.NoErr(t, err)
			assert.That(t, out, should.Equal(stage.NoWork))

			assert.NoErr(t, master.Manager.SetFailed(ctx, cur))
			_, err = next.Run(ctx)
			assert.Loosely(t, err, should.ErrLike("the previous build failed"))
		})

		t.Run("slaves use the master's version", func(t *ftt.Test) {
			slaveCo := &fakeCheckout{}
			slave := &ManifestVersionedSync{Env{
				Build:             Build{ID: e.build(t, "lumpy-release"), Config: "lumpy-release", MasterID: masterID},
				DB:                e.db,
				Manager:           e.manager("lumpy-release", false),
				Checkout:          slaveCo,
				MasterVersionWait: 5 * time.Minute,
				PollInterval:      time.Minute,
			}}
			out, err := slave.Run(ctx)
			assert.NoErr(t, err)
			assert.That(t, out, should.Equal(stage.Success))
			assert.Loosely(t, slaveCo.synced, should.HaveLength(1))
			assert.That(t, slaveCo.synced[0].Projects[0].Revision, should.Equal("aaa"))
			sb, err := e.db.GetBuildStatus(ctx, slave.Build.ID)
			assert.NoErr(t, err)
			assert.That(t, sb.FullVersion, should.Equal("R44-7072.0.0"))

			t.Run("supplanted master", func(t *ftt.Test) {
				e.build(t, "release-master")
				_, err := slave.Run(ctx)
				assert.Loosely(t, err, should.ErrLike("was supplanted by"))
			})

			t.Run("forced versions are for masters", func(t *ftt.Test) {
				slave.Build.ForceVersion = "7072.0.0"
				_, err := slave.Run(ctx)
				assert.Loosely(t, err, should.ErrLike("can't force a version"))
				assert.Loosely(t, stage.FatalTag.In(err), should.BeTrue)
			})
		})

		t.Run("slaves wait for the master's version", func(t *ftt.Test) {
			newMaster := e.build(t, "release-master")
			slave := &ManifestVersionedSync{Env{
				Build:             Build{ID: e.build(t, "lumpy-release"), MasterID: newMaster},
				DB:                e.db,
				Manager:           e.manager("lumpy-release", false),
				MasterVersionWait: 5 * time.Minute,
				PollInterval:      time.Minute,
			}}
			start := clock.Now(ctx)
			_, err := slave.Run(ctx)
			assert.Loosely(t, err, should.ErrLike("published no version within 5m0s"))
			assert.That(t, clock.Now(ctx).Sub(start), should.Equal(5*time.Minute))
		})

		t.Run("forced version", func(t *ftt.Test) {
			forced := &ManifestVersionedSync{master.Env}
			forced.Build.ID = e.build(t, "release-master")
			forced.Build.ForceVersion = "7072.0.0"
			forced.Manager = e.manager("release-master", false)
			out, err := forced.Run(ctx)
			assert.NoErr(t, err)
			assert.That(t, out, should.Equal(stage.Success))
			assert.Loosely(t, co.synced, should.HaveLength(1))

			forced.Build.ForceVersion = "7999.0.0"
			assert.Loosely(t, forced.HandleSkip(ctx), should.ErrLike("is not published"))
		})
	})
}
