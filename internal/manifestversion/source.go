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
	"path/filepath"
	"sync"

	"github.com/go-git/go-git/v5"
	"golang.org/x/sync/errgroup"

	"go.chromium.org/luci/common/errors"

	"go.chromium.org/chromiumos/cq/internal/manifest"
)

// Source snapshots the revisions a new version is built from.
type Source interface {
	// Snapshot returns the manifest with every project pinned.
	Snapshot(ctx context.Context) (*manifest.Manifest, error)
}

// CheckoutSource pins the projects of a manifest to the HEAD of their
// checkouts under Root.
type CheckoutSource struct {
	Root     string
	Manifest *manifest.Manifest
}

var _ Source = (*CheckoutSource)(nil)

// Snapshot implements Source.
func (s *CheckoutSource) Snapshot(ctx context.Context) (*manifest.Manifest, error) {
	var mu sync.Mutex
	revs := make(map[string]string, len(s.Manifest.Projects))
	eg, _ := errgroup.WithContext(ctx)
	eg.SetLimit(8)
	for _, p := range s.Manifest.Projects {
		eg.Go(func() error {
			dir := p.CheckoutPath()
			repo, err := git.PlainOpen(filepath.Join(s.Root, dir))
			if err != nil {
				return errors.Annotate(err, "failed to open checkout of %s", p.Name).Err()
			}
			head, err := repo.Head()
			if err != nil {
				return errors.Annotate(err, "failed to resolve HEAD of %s", p.Name).Err()
			}
			mu.Lock()
			revs[dir] = head.Hash().String()
			mu.Unlock()
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	m := s.Manifest.Clone()
	m.Pin(revs)
	return m, nil
}
