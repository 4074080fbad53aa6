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
	"bytes"
	"context"

	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/logging"

	"go.chromium.org/chromiumos/cq/internal/manifest"
	"go.chromium.org/chromiumos/cq/internal/manifestversion"
	"go.chromium.org/chromiumos/cq/internal/stage"
)

// DefaultLKGMPath is where the last known good manifest lives in the
// versions repository.
const DefaultLKGMPath = "LKGM/lkgm.xml"

// LKGMSync syncs a build to the last known good manifest blessed by the
// builders. It publishes nothing.
type LKGMSync struct {
	Repo *manifestversion.GitRepo
	// Path is the manifest in Repo, DefaultLKGMPath if empty.
	Path     string
	Checkout Checkout
}

var _ stage.Stage = (*LKGMSync)(nil)

// Kind implements stage.Stage.
func (s *LKGMSync) Kind() stage.Kind { return stage.LKGMSync }

// HandleSkip implements stage.Stage.
func (s *LKGMSync) HandleSkip(ctx context.Context) error { return nil }

// Run implements stage.Stage.
func (s *LKGMSync) Run(ctx context.Context) (stage.Outcome, error) {
	path := s.Path
	if path == "" {
		path = DefaultLKGMPath
	}
	if err := s.Repo.Refresh(ctx); err != nil {
		return stage.Success, err
	}
	blob, err := s.Repo.Read(path)
	if err != nil {
		return stage.Success, errors.Annotate(err, "failed to read the LKGM").Err()
	}
	mf, err := manifest.Parse(bytes.NewReader(blob))
	if err != nil {
		return stage.Success, errors.Annotate(err, "failed to parse the LKGM %s", path).Err()
	}
	logging.Infof(ctx, "Syncing to the LKGM %s", path)
	if err := s.Checkout.Sync(ctx, mf); err != nil {
		return stage.Success, err
	}
	return stage.Success, nil
}
