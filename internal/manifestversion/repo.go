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
	"bytes"
	"context"
	"os"
	"path"
	"sort"

	"github.com/go-git/go-billy/v5/util"
	"github.com/go-git/go-git/v5"
	gitconfig "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/transport"

	"go.chromium.org/luci/common/clock"
	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/logging"
	"go.chromium.org/luci/common/retry/transient"
)

// ErrExists is returned when publishing a file which is already published.
var ErrExists = errors.New("already published")

const remoteName = "origin"

// GitRepo is a local clone of a manifest-versions repository.
//
// Every write is a single commit, pushed to the remote when one is
// configured, so readers of the remote never see a partial publish.
type GitRepo struct {
	Dir string
	// Auth is used to talk to the remote.
	Auth transport.AuthMethod
	// Author signs the commits.
	Author string
	Email  string
	// NoPush keeps commits local even when a remote exists.
	NoPush bool

	repo *git.Repository
}

// OpenRepo opens the clone at dir. If dir holds no repository, the remote
// is cloned into it, or, without a remote or when the remote is empty, a
// new repository with an initial commit is created.
func OpenRepo(ctx context.Context, dir, remoteURL string, auth transport.AuthMethod) (*GitRepo, error) {
	r := &GitRepo{Dir: dir, Auth: auth, Author: "chromeos-cq", Email: "chromeos-cq@chromium.org"}
	repo, err := git.PlainOpen(dir)
	switch {
	case err == nil:
		r.repo = repo
	case err != git.ErrRepositoryNotExists:
		return nil, errors.Annotate(err, "failed to open %s", dir).Err()
	case remoteURL != "":
		logging.Infof(ctx, "Cloning %s into %s", remoteURL, dir)
		repo, err = git.PlainCloneContext(ctx, dir, false, &git.CloneOptions{URL: remoteURL, Auth: auth})
		if err == nil {
			r.repo = repo
			break
		}
		if err != transport.ErrEmptyRemoteRepository {
			return nil, errors.Annotate(err, "failed to clone %s", remoteURL).Tag(transient.Tag).Err()
		}
		// The clone left an initialized repository behind.
		if err := os.RemoveAll(dir); err != nil {
			return nil, errors.Annotate(err, "failed to clean %s", dir).Err()
		}
		fallthrough
	default:
		if err := r.init(ctx); err != nil {
			return nil, err
		}
	}

	if remoteURL != "" {
		_, err := r.repo.Remote(remoteName)
		switch {
		case err == git.ErrRemoteNotFound:
			_, err = r.repo.CreateRemote(&gitconfig.RemoteConfig{Name: remoteName, URLs: []string{remoteURL}})
			if err != nil {
				return nil, errors.Annotate(err, "failed to add remote %s", remoteURL).Err()
			}
		case err != nil:
			return nil, errors.Annotate(err, "failed to read remote").Err()
		}
	}
	return r, nil
}

func (r *GitRepo) init(ctx context.Context) error {
	repo, err := git.PlainInit(r.Dir, false)
	if err != nil {
		return errors.Annotate(err, "failed to init %s", r.Dir).Err()
	}
	r.repo = repo
	return r.commit(ctx, "README", []byte("Manifest versions.\n"), "Initial commit")
}

func (r *GitRepo) hasRemote() bool {
	if r.NoPush {
		return false
	}
	_, err := r.repo.Remote(remoteName)
	return err == nil
}

// Refresh pulls the remote, if any.
func (r *GitRepo) Refresh(ctx context.Context) error {
	if !r.hasRemote() {
		return nil
	}
	wt, err := r.repo.Worktree()
	if err != nil {
		return errors.Annotate(err, "failed to get worktree").Err()
	}
	err = wt.PullContext(ctx, &git.PullOptions{RemoteName: remoteName, Auth: r.Auth})
	switch {
	case err == nil, err == git.NoErrAlreadyUpToDate:
		return nil
	default:
		return errors.Annotate(err, "failed to pull %s", r.Dir).Tag(transient.Tag).Err()
	}
}

// Exists is true if the file is present in the worktree.
func (r *GitRepo) Exists(name string) (bool, error) {
	wt, err := r.repo.Worktree()
	if err != nil {
		return false, errors.Annotate(err, "failed to get worktree").Err()
	}
	switch _, err := wt.Filesystem.Stat(name); {
	case err == nil:
		return true, nil
	case os.IsNotExist(err):
		return false, nil
	default:
		return false, errors.Annotate(err, "failed to stat %s", name).Err()
	}
}

// Read returns the content of a file.
func (r *GitRepo) Read(name string) ([]byte, error) {
	wt, err := r.repo.Worktree()
	if err != nil {
		return nil, errors.Annotate(err, "failed to get worktree").Err()
	}
	blob, err := util.ReadFile(wt.Filesystem, name)
	if err != nil {
		return nil, errors.Annotate(err, "failed to read %s", name).Err()
	}
	return blob, nil
}

// List returns the sorted names of the regular files in dir. A missing
// directory is empty.
func (r *GitRepo) List(dir string) ([]string, error) {
	wt, err := r.repo.Worktree()
	if err != nil {
		return nil, errors.Annotate(err, "failed to get worktree").Err()
	}
	infos, err := wt.Filesystem.ReadDir(dir)
	switch {
	case os.IsNotExist(err):
		return nil, nil
	case err != nil:
		return nil, errors.Annotate(err, "failed to list %s", dir).Err()
	}
	var out []string
	for _, fi := range infos {
		if !fi.IsDir() {
			out = append(out, fi.Name())
		}
	}
	sort.Strings(out)
	return out, nil
}

// Publish commits a new file. Published files are immutable: publishing
// an existing name fails with ErrExists.
func (r *GitRepo) Publish(ctx context.Context, name string, blob []byte, msg string) error {
	switch exists, err := r.Exists(name); {
	case err != nil:
		return err
	case exists:
		return errors.Annotate(ErrExists, "%s", name).Err()
	}
	return r.Write(ctx, name, blob, msg)
}

// Write commits the file, replacing any previous content, and pushes.
//
// On failure the worktree is reset to the previous HEAD.
func (r *GitRepo) Write(ctx context.Context, name string, blob []byte, msg string) error {
	// Rewriting the same content would be an empty commit.
	if cur, err := r.Read(name); err == nil && bytes.Equal(cur, blob) {
		return nil
	}
	head, err := r.repo.Head()
	if err != nil {
		return errors.Annotate(err, "failed to resolve HEAD").Err()
	}
	if err := r.commit(ctx, name, blob, msg); err != nil {
		r.rollback(ctx, head, name)
		return err
	}
	if !r.hasRemote() {
		return nil
	}
	err = r.repo.PushContext(ctx, &git.PushOptions{RemoteName: remoteName, Auth: r.Auth})
	if err != nil && err != git.NoErrAlreadyUpToDate {
		r.rollback(ctx, head, name)
		return errors.Annotate(err, "failed to push %s", name).Tag(transient.Tag).Err()
	}
	return nil
}

func (r *GitRepo) commit(ctx context.Context, name string, blob []byte, msg string) error {
	wt, err := r.repo.Worktree()
	if err != nil {
		return errors.Annotate(err, "failed to get worktree").Err()
	}
	if dir := path.Dir(name); dir != "." {
		if err := wt.Filesystem.MkdirAll(dir, 0755); err != nil {
			return errors.Annotate(err, "failed to create %s", dir).Err()
		}
	}
	if err := util.WriteFile(wt.Filesystem, name, blob, 0644); err != nil {
		return errors.Annotate(err, "failed to write %s", name).Err()
	}
	if _, err := wt.Add(name); err != nil {
		return errors.Annotate(err, "failed to add %s", name).Err()
	}
	sig := &object.Signature{Name: r.Author, Email: r.Email, When: clock.Now(ctx)}
	if _, err := wt.Commit(msg, &git.CommitOptions{Author: sig, Committer: sig}); err != nil {
		return errors.Annotate(err, "failed to commit %s", name).Err()
	}
	return nil
}

func (r *GitRepo) rollback(ctx context.Context, head *plumbing.Reference, name string) {
	wt, err := r.repo.Worktree()
	if err != nil {
		logging.Errorf(ctx, "Failed to roll back %s: %s", r.Dir, err)
		return
	}
	if err := wt.Reset(&git.ResetOptions{Commit: head.Hash(), Mode: git.HardReset}); err != nil {
		logging.Errorf(ctx, "Failed to reset %s to %s: %s", r.Dir, head.Hash(), err)
	}
	// A file new to the commit may survive the reset as untracked.
	if existed, err := r.existsAt(head, name); err == nil && !existed {
		if err := wt.Filesystem.Remove(name); err != nil && !os.IsNotExist(err) {
			logging.Warningf(ctx, "Failed to remove %s: %s", name, err)
		}
	}
}

// existsAt is true if the file is in the tree of the commit.
func (r *GitRepo) existsAt(ref *plumbing.Reference, name string) (bool, error) {
	c, err := r.repo.CommitObject(ref.Hash())
	if err != nil {
		return false, err
	}
	switch _, err := c.File(name); {
	case err == nil:
		return true, nil
	case err == object.ErrFileNotFound:
		return false, nil
	default:
		return false, err
	}
}
