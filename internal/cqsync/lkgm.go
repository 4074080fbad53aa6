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

	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/logging"

	"go.chromium.org/chromiumos/cq/internal/changelist"
	"go.chromium.org/chromiumos/cq/internal/manifest"
	"go.chromium.org/chromiumos/cq/internal/manifestversion"
	"go.chromium.org/chromiumos/cq/internal/stage"
)

// maxBuildHistory bounds the builds searched for the previous version.
const maxBuildHistory = 10

// MasterSlaveLKGMSync has the master create an LKGM candidate which its
// slaves then sync to.
type MasterSlaveLKGMSync struct {
	ManifestVersionedSync
	// Sub, if set, mirrors every candidate into a second manifest scope,
	// e.g. the external manifest of an internal master.
	Sub *manifestversion.Manager
}

var _ stage.Stage = (*MasterSlaveLKGMSync)(nil)

// Kind implements stage.Stage.
func (s *MasterSlaveLKGMSync) Kind() stage.Kind { return stage.MasterSlaveLKGMSync }

// Run implements stage.Stage.
func (s *MasterSlaveLKGMSync) Run(ctx context.Context) (stage.Outcome, error) {
	return s.perform(ctx, s)
}

// HandleSkip bootstraps the forced version, if any.
func (s *MasterSlaveLKGMSync) HandleSkip(ctx context.Context) error {
	if v := s.Build.ForceVersion; v != "" {
		_, err := s.forceVersion(ctx, v)
		return err
	}
	return nil
}

func (s *MasterSlaveLKGMSync) verifyMasterID(ctx context.Context) error {
	if err := s.Env.verifyMasterID(ctx); err != nil {
		return err
	}
	if !s.Build.Master && s.Build.MasterID == 0 && s.Build.ForceVersion == "" {
		return errors.Annotate(ErrMissingMasterID, "start the master instead").Tag(stage.FatalTag).Err()
	}
	return nil
}

func (s *MasterSlaveLKGMSync) forceVersion(ctx context.Context, version string) (*manifest.Manifest, error) {
	mf, err := s.ManifestVersionedSync.forceVersion(ctx, version)
	if err != nil {
		return nil, err
	}
	if s.Sub != nil {
		if _, err := s.Sub.BootstrapFromVersion(ctx, version); err != nil {
			return nil, err
		}
	}
	return mf, nil
}

func (s *MasterSlaveLKGMSync) nextManifest(ctx context.Context) (*manifest.Manifest, stage.Outcome, error) {
	mf, err := s.createCandidate(ctx, nil)
	return mf, stage.Success, err
}

// createCandidate publishes a new candidate and mirrors it.
func (s *MasterSlaveLKGMSync) createCandidate(ctx context.Context, changes []*changelist.Change) (*manifest.Manifest, error) {
	if !s.Build.Master {
		return nil, errors.Reason("only masters create candidates").Err()
	}
	mf, err := s.Manager.CreateNewCandidate(ctx, changes, s.Build.ID)
	if err != nil {
		return nil, err
	}
	if s.Sub != nil {
		cur, _ := s.Manager.Current()
		if err := s.Sub.CreateFromManifest(ctx, mf, cur, s.Build.ID); err != nil {
			return nil, err
		}
	}
	return mf, nil
}

func (s *MasterSlaveLKGMSync) checkedOut(ctx context.Context, m *manifest.Manifest) error {
	return s.logBlamelistBase(ctx)
}

// logBlamelistBase logs the version of the previous build of the config
// which got one.
func (s *MasterSlaveLKGMSync) logBlamelistBase(ctx context.Context) error {
	builds, err := s.DB.GetBuildHistory(ctx, s.Build.Config, maxBuildHistory, s.Build.ID)
	if err != nil {
		return errors.Annotate(err, "failed to read the history of %s", s.Build.Config).Err()
	}
	for _, b := range builds {
		if b.FullVersion == "" {
			continue
		}
		v, err := manifestversion.ParseVersion(b.FullVersion)
		if err != nil {
			logging.Warningf(ctx, "Build %d has a bad version: %s", b.ID, err)
			return nil
		}
		if ok, err := s.Manager.Repo.Exists(s.Manager.SpecPath(v)); err != nil || !ok {
			logging.Errorf(ctx, "Could not generate the blamelist, %s is missing", s.Manager.SpecPath(v))
			return nil
		}
		logging.Infof(ctx, "Blamelist against %s (build %d)", v.Full(), b.ID)
		return nil
	}
	return nil
}
