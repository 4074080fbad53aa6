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
	"fmt"
	"os"
	"path/filepath"

	"github.com/kballard/go-shellquote"

	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/logging"
	"go.chromium.org/luci/common/retry/transient"

	"go.chromium.org/chromiumos/cq/internal/changelist"
	"go.chromium.org/chromiumos/cq/internal/manifest"
	"go.chromium.org/chromiumos/cq/internal/trybot"
)

// Checkout is the source tree a build runs in.
type Checkout interface {
	// Sync checks out the revisions pinned by the manifest.
	Sync(ctx context.Context, m *manifest.Manifest) error
	// Apply applies the changes, in order, on top of the checkout.
	Apply(ctx context.Context, m *manifest.Manifest, changes []*changelist.Change) error
}

// RepoCheckout is a checkout managed by the repo tool.
type RepoCheckout struct {
	Root string
	// Run runs commands. Defaults to running subprocesses.
	Run trybot.RunFunc
}

var _ Checkout = (*RepoCheckout)(nil)

func (r *RepoCheckout) run(ctx context.Context, dir, name string, args ...string) error {
	run := r.Run
	if run == nil {
		run = trybot.Subprocess
	}
	cmdline := shellquote.Join(append([]string{name}, args...)...)
	logging.Debugf(ctx, "Running in %s: %s", dir, cmdline)
	if out, err := run(ctx, dir, name, args...); err != nil {
		return errors.Annotate(err, "%s failed, output:\n%s", cmdline, out).Err()
	}
	return nil
}

// Sync implements Checkout.
func (r *RepoCheckout) Sync(ctx context.Context, m *manifest.Manifest) error {
	blob, err := m.Marshal()
	if err != nil {
		return err
	}
	f, err := os.CreateTemp("", "manifest-*.xml")
	if err != nil {
		return errors.Annotate(err, "failed to create a temporary manifest").Err()
	}
	defer os.Remove(f.Name())
	if _, err := f.Write(blob); err != nil {
		f.Close()
		return errors.Annotate(err, "failed to write %s", f.Name()).Err()
	}
	if err := f.Close(); err != nil {
		return errors.Annotate(err, "failed to write %s", f.Name()).Err()
	}
	if err := r.run(ctx, r.Root, "repo", "sync", "--force-sync", "-m", f.Name()); err != nil {
		return errors.Annotate(err, "failed to sync").Tag(transient.Tag).Err()
	}
	return nil
}

// Apply implements Checkout.
func (r *RepoCheckout) Apply(ctx context.Context, m *manifest.Manifest, changes []*changelist.Change) error {
	for _, c := range changes {
		url, ok := m.FetchURL(c.Project)
		if !ok {
			return errors.Reason("%s is on %s, which is not in the manifest", c, c.Project).Err()
		}
		path := c.ProjectPath
		if path == "" {
			if path, ok = m.ProjectPath(c.Project, c.Branch); !ok {
				return errors.Reason("%s is on %s:%s, which is not checked out", c, c.Project, c.Branch).Err()
			}
		}
		dir := filepath.Join(r.Root, path)
		ref := fmt.Sprintf("refs/changes/%02d/%d/%d", c.Number%100, c.Number, c.Patchset)
		if err := r.run(ctx, dir, "git", "fetch", url, ref); err != nil {
			return errors.Annotate(err, "failed to fetch %s", c).Tag(transient.Tag).Err()
		}
		if err := r.run(ctx, dir, "git", "cherry-pick", "FETCH_HEAD"); err != nil {
			if abortErr := r.run(ctx, dir, "git", "cherry-pick", "--abort"); abortErr != nil {
				logging.Warningf(ctx, "%s", abortErr)
			}
			return errors.Annotate(err, "failed to apply %s", c).Err()
		}
		logging.Infof(ctx, "Applied %s", c)
	}
	return nil
}
