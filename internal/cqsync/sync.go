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

// Package cqsync implements the sync stages of release, LKGM and Commit
// Queue builds: they pick or create a manifest version, check it out and
// tell slaves which version to use.
package cqsync

import (
	"context"
	"time"

	"go.chromium.org/luci/common/clock"
	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/logging"

	"go.chromium.org/chromiumos/cq/internal/cidb"
	"go.chromium.org/chromiumos/cq/internal/manifest"
	"go.chromium.org/chromiumos/cq/internal/manifestversion"
	"go.chromium.org/chromiumos/cq/internal/stage"
)

var (
	// ErrMasterSupplanted is returned to a slave whose master is no longer
	// the latest build of its config.
	ErrMasterSupplanted = errors.New("master build was supplanted by a newer one")
	// ErrMissingMasterID is returned to a slave started without a master.
	ErrMissingMasterID = errors.New("slave build started without a master build id")
)

// Build describes the build running the sync.
type Build struct {
	ID     int64
	Config string
	// Type selects the master deadline extension, e.g. "paladin".
	Type   string
	Master bool
	// MasterID is the master of a slave build.
	MasterID int64
	// ForceVersion makes the build use an already published version.
	ForceVersion string
	DashboardURL string
}

// Env holds what every sync stage needs.
type Env struct {
	Build    Build
	DB       cidb.DB
	Manager  *manifestversion.Manager
	Checkout Checkout
	// MasterVersionWait bounds how long a slave waits for its master to
	// publish a version, polling every PollInterval.
	MasterVersionWait time.Duration
	PollInterval      time.Duration
}

// flavor customizes the steps of a sync.
type flavor interface {
	verifyMasterID(ctx context.Context) error
	forceVersion(ctx context.Context, version string) (*manifest.Manifest, error)
	nextManifest(ctx context.Context) (*manifest.Manifest, stage.Outcome, error)
	checkedOut(ctx context.Context, m *manifest.Manifest) error
}

// perform runs the sync steps shared by every flavor.
func (e *Env) perform(ctx context.Context, f flavor) (stage.Outcome, error) {
	if err := f.verifyMasterID(ctx); err != nil {
		return stage.Success, err
	}
	version := e.Build.ForceVersion
	if e.Build.MasterID != 0 {
		var err error
		if version, err = e.masterVersion(ctx); err != nil {
			return stage.Success, err
		}
	}

	var mf *manifest.Manifest
	out := stage.Success
	var err error
	if version != "" {
		mf, err = f.forceVersion(ctx, version)
	} else {
		mf, out, err = f.nextManifest(ctx)
	}
	if err != nil {
		return stage.Success, err
	}

	if mf == nil {
		logging.Infof(ctx, "Found no work to do")
		switch failed, err := e.Manager.DidLastBuildFail(ctx); {
		case err != nil:
			return out, err
		case failed:
			return out, errors.Reason("the previous build failed").Err()
		}
		if out == stage.Success {
			out = stage.NoWork
		}
		return out, nil
	}

	cur, _ := e.Manager.Current()
	logging.Infof(ctx, "RELEASETAG: %s", cur)
	// Masters already have the sources the new version was created from.
	if version != "" && e.Checkout != nil {
		if err := e.Checkout.Sync(ctx, mf); err != nil {
			return stage.Success, err
		}
	}
	if err := f.checkedOut(ctx, mf); err != nil {
		return stage.Success, err
	}
	if err := e.DB.UpdateBuildVersion(ctx, e.Build.ID, cur.String(), cur.Full()); err != nil {
		return stage.Success, errors.Annotate(err, "failed to record version %s", cur.Full()).Err()
	}
	// Inflight is set last, once everything is synced.
	if err := e.Manager.SetInFlight(ctx, cur, e.Build.DashboardURL); err != nil {
		return stage.Success, err
	}
	return stage.Success, nil
}

// masterVersion waits for the master to publish its version.
func (e *Env) masterVersion(ctx context.Context) (string, error) {
	deadline := clock.Now(ctx).Add(e.MasterVersionWait)
	for {
		b, err := e.DB.GetBuildStatus(ctx, e.Build.MasterID)
		if err != nil {
			return "", errors.Annotate(err, "failed to read master build %d", e.Build.MasterID).Err()
		}
		if b.PlatformVersion != "" {
			logging.Infof(ctx, "Master build %d uses version %s", b.ID, b.PlatformVersion)
			return b.PlatformVersion, nil
		}
		remaining := deadline.Sub(clock.Now(ctx))
		if remaining <= 0 {
			return "", errors.Reason("master build %d published no version within %s", e.Build.MasterID, e.MasterVersionWait).Err()
		}
		logging.Infof(ctx, "%s until timeout...", remaining)
		wait := e.PollInterval
		if wait <= 0 || wait > remaining {
			wait = remaining
		}
		if res := <-clock.After(ctx, wait); res.Err != nil {
			return "", res.Err
		}
	}
}

func (e *Env) verifyMasterID(ctx context.Context) error {
	id := e.Build.MasterID
	if id == 0 {
		return nil
	}
	if e.Build.ForceVersion != "" {
		return errors.Reason("a slave of master build %d can't force a version", id).Tag(stage.FatalTag).Err()
	}
	master, err := e.DB.GetBuildStatus(ctx, id)
	if err != nil {
		return errors.Annotate(err, "failed to read master build %d", id).Err()
	}
	latest, err := e.DB.GetBuildHistory(ctx, master.Config, 1, 0)
	if err != nil {
		return errors.Annotate(err, "failed to read the history of %s", master.Config).Err()
	}
	if len(latest) > 0 && latest[0].ID != id {
		return errors.Annotate(ErrMasterSupplanted, "master build %d was supplanted by %d, aborting", id, latest[0].ID).Err()
	}
	return nil
}

// ManifestVersionedSync syncs to the next build spec, or to the version
// forced or published by the master.
type ManifestVersionedSync struct {
	Env
}

var _ stage.Stage = (*ManifestVersionedSync)(nil)

// Kind implements stage.Stage.
func (s *ManifestVersionedSync) Kind() stage.Kind { return stage.ManifestVersionedSync }

// Run implements stage.Stage.
func (s *ManifestVersionedSync) Run(ctx context.Context) (stage.Outcome, error) {
	return s.perform(ctx, s)
}

// HandleSkip bootstraps the forced version, if any.
func (s *ManifestVersionedSync) HandleSkip(ctx context.Context) error {
	if v := s.Build.ForceVersion; v != "" {
		_, err := s.forceVersion(ctx, v)
		return err
	}
	return nil
}

func (s *ManifestVersionedSync) forceVersion(ctx context.Context, version string) (*manifest.Manifest, error) {
	logging.Infof(ctx, "Using version %s", version)
	return s.Manager.BootstrapFromVersion(ctx, version)
}

func (s *ManifestVersionedSync) nextManifest(ctx context.Context) (*manifest.Manifest, stage.Outcome, error) {
	mf, err := s.Manager.GetNextBuildSpec(ctx, s.Build.ID)
	if err != nil || mf == nil {
		return nil, stage.Success, err
	}
	cur, _ := s.Manager.Current()
	switch prev, ok, err := s.Manager.GetLatestPassingSpec(ctx); {
	case err != nil:
		logging.Warningf(ctx, "Failed to find the latest passing version: %s", err)
	case ok:
		logging.Infof(ctx, "Blamelist: from %s to %s", prev, cur)
	}
	return mf, stage.Success, nil
}

func (s *ManifestVersionedSync) checkedOut(ctx context.Context, m *manifest.Manifest) error {
	return nil
}
