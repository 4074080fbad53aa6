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

package manifestversion

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"

	"go.chromium.org/luci/common/clock/testclock"
	"go.chromium.org/luci/common/testing/ftt"
	"go.chromium.org/luci/common/testing/truth/assert"
	"go.chromium.org/luci/common/testing/truth/should"

	"go.chromium.org/chromiumos/cq/internal/changelist"
	"go.chromium.org/chromiumos/cq/internal/manifest"
)

const sourceManifest = `<manifest>
  <remote name="cros" fetch="https://chromium.googlesource.com"/>
  <remote name="cros-internal" fetch="https://chrome-internal.googlesource.com"/>
  <default remote="cros" revision="refs/heads/main"/>
  <project name="chromiumos/platform/foo" path="src/platform/foo"/>
  <project name="chromeos/secret" path="src/secret" remote="cros-internal"/>
</manifest>`

type fakeSource struct {
	m *manifest.Manifest
}

func (f *fakeSource) Snapshot(ctx context.Context) (*manifest.Manifest, error) {
	return f.m.Clone(), nil
}

func (f *fakeSource) move(path, rev string) {
	f.m.Pin(map[string]string{path: rev})
}

func TestManager(t *testing.T) {
	t.Parallel()

	ftt.Run("Manager", t, func(t *ftt.Test) {
		ctx, _ := testclock.UseTime(context.Background(), time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC))

		src, err := manifest.Parse(strings.NewReader(sourceManifest))
		assert.NoErr(t, err)
		source := &fakeSource{m: src}
		source.move("src/platform/foo", "aaa")
		source.move("src/secret", "sss")

		newManager := func(candidates bool) *Manager {
			repo, err := OpenRepo(ctx, filepath.Join(t.TempDir(), "manifest-versions"), "", nil)
			assert.NoErr(t, err)
			return &Manager{
				Repo:       repo,
				Statuses:   &RepoStatusStore{Repo: repo},
				Source:     source,
				Builder:    "master-paladin",
				Branch:     "main",
				Milestone:  44,
				Incr:       IncrBuild,
				Base:       Version{Build: 7072},
				Candidates: candidates,
			}
		}

		t.Run("Build specs", func(t *ftt.Test) {
			m := newManager(false)

			mf, err := m.GetNextBuildSpec(ctx, 1)
			assert.NoErr(t, err)
			assert.Loosely(t, mf, should.NotBeNil)
			cur, ok := m.Current()
			assert.Loosely(t, ok, should.BeTrue)
			assert.That(t, cur.Full(), should.Equal("R44-7072.0.0"))
			ok, err = m.Repo.Exists("buildspecs/44/7072.0.0.xml")
			assert.NoErr(t, err)
			assert.Loosely(t, ok, should.BeTrue)

			t.Run("no work without changes", func(t *ftt.Test) {
				mf, err := m.GetNextBuildSpec(ctx, 2)
				assert.NoErr(t, err)
				assert.Loosely(t, mf, should.BeNil)
			})

			t.Run("moved sources bump the build number", func(t *ftt.Test) {
				source.move("src/platform/foo", "bbb")
				defer source.move("src/platform/foo", "aaa")
				mf, err := m.GetNextBuildSpec(ctx, 2)
				assert.NoErr(t, err)
				assert.That(t, mf.Projects[0].Revision, should.Equal("bbb"))
				cur, _ := m.Current()
				assert.That(t, cur.String(), should.Equal("7073.0.0"))

				back, err := m.BootstrapFromVersion(ctx, "7073.0.0")
				assert.NoErr(t, err)
				assert.That(t, back.Projects[0].Revision, should.Equal("bbb"))
				assert.That(t, back.Projects[0].Upstream, should.Equal("refs/heads/main"))
			})

			t.Run("force and branch increments", func(t *ftt.Test) {
				m.Force = true
				m.Incr = IncrBranch
				_, err := m.GetNextBuildSpec(ctx, 2)
				assert.NoErr(t, err)
				cur, _ := m.Current()
				assert.That(t, cur.String(), should.Equal("7072.1.0"))
			})

			t.Run("statuses", func(t *ftt.Test) {
				v, _ := m.Current()
				failed, err := m.DidLastBuildFail(ctx)
				assert.NoErr(t, err)
				assert.Loosely(t, failed, should.BeFalse)

				assert.NoErr(t, m.SetInFlight(ctx, v, "https://ci/builds/1"))
				s, err := m.Statuses.Get(ctx, "master-paladin", v)
				assert.NoErr(t, err)
				assert.That(t, s, should.Match(&BuilderStatus{Status: StatusInflight, DashboardURL: "https://ci/builds/1"}))
				_, ok, err := m.GetLatestPassingSpec(ctx)
				assert.NoErr(t, err)
				assert.Loosely(t, ok, should.BeFalse)

				assert.NoErr(t, m.SetFailed(ctx, v))
				source.move("src/platform/foo", "ccc")
				defer source.move("src/platform/foo", "aaa")
				_, err = m.GetNextBuildSpec(ctx, 2)
				assert.NoErr(t, err)
				failed, err = m.DidLastBuildFail(ctx)
				assert.NoErr(t, err)
				assert.Loosely(t, failed, should.BeTrue)

				assert.NoErr(t, m.SetPassed(ctx, v))
				latest, ok, err := m.GetLatestPassingSpec(ctx)
				assert.NoErr(t, err)
				assert.Loosely(t, ok, should.BeTrue)
				assert.That(t, latest, should.Equal(v))
			})
		})

		t.Run("Candidates", func(t *ftt.Test) {
			m := newManager(true)
			_, err := m.GetNextBuildSpec(ctx, 1)
			assert.NoErr(t, err)

			changes := []*changelist.Change{{
				Key:      changelist.Key{Number: 10, Patchset: 2},
				Project:  "chromiumos/platform/foo",
				Branch:   "main",
				ChangeID: "I10",
				Revision: "rev10",
			}}
			mf, err := m.CreateNewCandidate(ctx, changes, 7)
			assert.NoErr(t, err)
			rc1, _ := m.Current()
			assert.That(t, rc1.Full(), should.Equal("R44-7072.0.0-rc1"))
			assert.Loosely(t, mf.PendingCommits, should.HaveLength(1))
			assert.Loosely(t, mf.LKGM, should.BeNil)
			ok, err := m.Repo.Exists("LKGM-candidates/buildspecs/44/7072.0.0-rc1.xml")
			assert.NoErr(t, err)
			assert.Loosely(t, ok, should.BeTrue)

			assert.NoErr(t, m.SetPassed(ctx, rc1))
			mf, err = m.CreateNewCandidate(ctx, nil, 8)
			assert.NoErr(t, err)
			rc2, _ := m.Current()
			assert.That(t, rc2.String(), should.Equal("7072.0.0-rc2"))
			assert.That(t, mf.LKGM, should.Match(&manifest.LKGM{Version: "7072.0.0-rc1"}))

			t.Run("slave bootstrap", func(t *ftt.Test) {
				slave := &Manager{Repo: m.Repo, Statuses: m.Statuses, Builder: "lumpy-paladin", Milestone: 44, Candidates: true}
				mf, err := slave.BootstrapFromVersion(ctx, "R44-7072.0.0-rc1")
				assert.NoErr(t, err)
				pending, err := mf.PendingChanges()
				assert.NoErr(t, err)
				assert.That(t, changelist.Keys(pending), should.Match(changelist.Keys(changes)))
				assert.That(t, pending[0].ProjectPath, should.Equal("src/platform/foo"))

				_, err = slave.BootstrapFromVersion(ctx, "7072.0.0-rc9")
				assert.Loosely(t, err, should.ErrLike("is not published"))
				_, err = slave.BootstrapFromVersion(ctx, "latest")
				assert.Loosely(t, err, should.ErrLike("malformed version"))
			})

			t.Run("sub-manager mirrors the external scope", func(t *ftt.Test) {
				sub := newManager(true)
				sub.Remotes = []string{"cros"}
				assert.NoErr(t, sub.CreateFromManifest(ctx, mf, rc2, 8))
				cur, _ := sub.Current()
				assert.That(t, cur, should.Equal(rc2))

				blob, err := sub.Repo.Read("LKGM-candidates/buildspecs/44/7072.0.0-rc2.xml")
				assert.NoErr(t, err)
				assert.Loosely(t, string(blob), should.ContainSubstring("chromiumos/platform/foo"))
				assert.Loosely(t, string(blob), should.NotContainSubstring("chromeos/secret"))

				err = sub.CreateFromManifest(ctx, mf, rc2, 8)
				assert.Loosely(t, err, should.ErrLike("already published"))
			})
		})
	})
}

func TestGitRepo(t *testing.T) {
	t.Parallel()

	ftt.Run("GitRepo", t, func(t *ftt.Test) {
		ctx, _ := testclock.UseTime(context.Background(), time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC))
		tmp := t.TempDir()

		seed, err := OpenRepo(ctx, filepath.Join(tmp, "seed"), "", nil)
		assert.NoErr(t, err)
		remote := filepath.Join(tmp, "remote.git")
		_, err = git.PlainClone(remote, true, &git.CloneOptions{URL: seed.Dir})
		assert.NoErr(t, err)

		r, err := OpenRepo(ctx, filepath.Join(tmp, "work"), remote, nil)
		assert.NoErr(t, err)

		t.Run("publish pushes", func(t *ftt.Test) {
			assert.NoErr(t, r.Publish(ctx, "buildspecs/1/1.0.0.xml", []byte("<manifest/>"), "Automatic: Start"))

			other, err := OpenRepo(ctx, filepath.Join(tmp, "other"), remote, nil)
			assert.NoErr(t, err)
			blob, err := other.Read("buildspecs/1/1.0.0.xml")
			assert.NoErr(t, err)
			assert.That(t, string(blob), should.Equal("<manifest/>"))

			names, err := other.List("buildspecs/1")
			assert.NoErr(t, err)
			assert.That(t, names, should.Match([]string{"1.0.0.xml"}))

			err = r.Publish(ctx, "buildspecs/1/1.0.0.xml", []byte("<manifest></manifest>"), "again")
			assert.Loosely(t, err, should.ErrLike("already published"))
		})

		t.Run("failed push rolls back", func(t *ftt.Test) {
			head, err := r.repo.Head()
			assert.NoErr(t, err)
			assert.NoErr(t, os.RemoveAll(remote))

			err = r.Publish(ctx, "buildspecs/1/2.0.0.xml", []byte("<manifest/>"), "Automatic: Start")
			assert.Loosely(t, err, should.ErrLike("failed to push"))

			after, err := r.repo.Head()
			assert.NoErr(t, err)
			assert.That(t, after.Hash(), should.Equal(head.Hash()))
			ok, err := r.Exists("buildspecs/1/2.0.0.xml")
			assert.NoErr(t, err)
			assert.Loosely(t, ok, should.BeFalse)
		})

		t.Run("missing directories are empty", func(t *ftt.Test) {
			names, err := r.List("nope")
			assert.NoErr(t, err)
			assert.Loosely(t, names, should.BeEmpty)
		})
	})
}

func TestCheckoutSource(t *testing.T) {
	t.Parallel()

	ftt.Run("CheckoutSource pins HEADs", t, func(t *ftt.Test) {
		ctx := context.Background()
		root := t.TempDir()
		for _, p := range []string{"src/platform/foo", "src/secret"} {
			_, err := OpenRepo(ctx, filepath.Join(root, p), "", nil)
			assert.NoErr(t, err)
		}
		m, err := manifest.Parse(strings.NewReader(sourceManifest))
		assert.NoErr(t, err)

		snap, err := (&CheckoutSource{Root: root, Manifest: m}).Snapshot(ctx)
		assert.NoErr(t, err)
		foo, err := git.PlainOpen(filepath.Join(root, "src/platform/foo"))
		assert.NoErr(t, err)
		head, err := foo.Head()
		assert.NoErr(t, err)
		assert.That(t, snap.Projects[0].Revision, should.Equal(head.Hash().String()))
		assert.That(t, snap.Projects[0].Upstream, should.Equal("refs/heads/main"))
		assert.Loosely(t, m.Projects[0].Revision, should.BeEmpty)

		assert.NoErr(t, os.RemoveAll(filepath.Join(root, "src/secret")))
		_, err = (&CheckoutSource{Root: root, Manifest: m}).Snapshot(ctx)
		assert.Loosely(t, err, should.ErrLike("failed to open checkout of chromeos/secret"))
	})
}
