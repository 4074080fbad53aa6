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

// Package manifestversion maintains the versioned manifest history shared
// by master and slave builds: build specs, LKGM candidates and the
// statuses builders report on them.
package manifestversion

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"sort"
	"strconv"
	"strings"

	"github.com/google/go-cmp/cmp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/logging"
	"go.chromium.org/luci/common/retry"
	"go.chromium.org/luci/common/retry/transient"

	"go.chromium.org/chromiumos/cq/internal/changelist"
	"go.chromium.org/chromiumos/cq/internal/manifest"
)

var tracer = otel.Tracer("go.chromium.org/chromiumos/cq/internal/manifestversion")

const (
	buildSpecsDir = "buildspecs"
	candidatesDir = "LKGM-candidates/buildspecs"
)

// Manager allocates versions and publishes their manifests.
//
// A Manager is scoped to one build run.
type Manager struct {
	Repo     *GitRepo
	Statuses StatusStore
	Source   Source

	// Builder names the builder whose statuses are read and written.
	Builder string
	// Branch is the manifest branch, used in commit messages.
	Branch    string
	Milestone int
	Incr      Increment
	// Base is the first version when nothing is published yet.
	Base Version
	// Candidates makes status lookups use LKGM candidates rather than
	// build specs.
	Candidates bool
	// Force publishes a build spec even if no project moved.
	Force bool
	// Remotes, if set, restricts published manifests to the projects of
	// these remotes.
	Remotes []string

	current *Version
}

// Current returns the version this build uses.
func (m *Manager) Current() (Version, bool) {
	if m.current == nil {
		return Version{}, false
	}
	return *m.current, true
}

// SpecPath returns the path of the version's manifest in the repository.
func (m *Manager) SpecPath(v Version) string {
	dir := buildSpecsDir
	if v.RC > 0 {
		dir = candidatesDir
	}
	return path.Join(dir, strconv.Itoa(m.Milestone), v.String()+".xml")
}

func (m *Manager) norm(v Version) Version {
	v.Milestone = m.Milestone
	return v
}

// versions lists the published versions in dir, oldest first.
func (m *Manager) versions(ctx context.Context, dir string) ([]Version, error) {
	names, err := m.Repo.List(path.Join(dir, strconv.Itoa(m.Milestone)))
	if err != nil {
		return nil, err
	}
	out := make([]Version, 0, len(names))
	for _, n := range names {
		if !strings.HasSuffix(n, ".xml") {
			continue
		}
		v, err := ParseVersion(strings.TrimSuffix(n, ".xml"))
		if err != nil {
			logging.Warningf(ctx, "Ignoring %s: %s", n, err)
			continue
		}
		out = append(out, m.norm(v))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out, nil
}

func (m *Manager) statusVersions(ctx context.Context) ([]Version, error) {
	if m.Candidates {
		return m.versions(ctx, candidatesDir)
	}
	return m.versions(ctx, buildSpecsDir)
}

// latestBuildSpec returns the newest build spec, or Base if there is none.
func (m *Manager) latestBuildSpec(ctx context.Context) (Version, bool, error) {
	vs, err := m.versions(ctx, buildSpecsDir)
	if err != nil || len(vs) == 0 {
		return m.norm(m.Base), false, err
	}
	return vs[len(vs)-1], true, nil
}

func (m *Manager) read(v Version) (*manifest.Manifest, error) {
	blob, err := m.Repo.Read(m.SpecPath(v))
	if err != nil {
		return nil, err
	}
	return manifest.Parse(bytes.NewReader(blob))
}

func (m *Manager) scope(mf *manifest.Manifest) *manifest.Manifest {
	if len(m.Remotes) == 0 {
		return mf
	}
	return mf.FilterRemotes(m.Remotes...)
}

func (m *Manager) publish(ctx context.Context, v Version, mf *manifest.Manifest, buildID int64) error {
	blob, err := m.scope(mf).Marshal()
	if err != nil {
		return err
	}
	msg := fmt.Sprintf("Automatic: Start %s %s %s\n\nCrOS-Build-Id: %d\n", m.Builder, m.Branch, v, buildID)
	if err := m.Repo.Publish(ctx, m.SpecPath(v), blob, msg); err != nil {
		return errors.Annotate(err, "failed to publish %s", v.Full()).Err()
	}
	logging.Infof(ctx, "Published %s", v.Full())
	m.current = &v
	return nil
}

// GetNextBuildSpec allocates the next build spec, pins the sources into it
// and publishes it. It returns nil if no project moved since the latest
// build spec, unless Force is set.
func (m *Manager) GetNextBuildSpec(ctx context.Context, buildID int64) (mf *manifest.Manifest, err error) {
	ctx, span := tracer.Start(ctx, "manifestversion.GetNextBuildSpec")
	defer func() {
		if err != nil {
			span.RecordError(err)
		}
		span.End()
	}()

	err = retry.Retry(ctx, transient.Only(retry.Default), func() error {
		mf = nil
		if err := m.Repo.Refresh(ctx); err != nil {
			return err
		}
		snap, err := m.Source.Snapshot(ctx)
		if err != nil {
			return err
		}
		latest, ok, err := m.latestBuildSpec(ctx)
		if err != nil {
			return err
		}
		next := latest
		if ok {
			if !m.Force {
				prev, err := m.read(latest)
				if err != nil {
					return err
				}
				diff := cmp.Diff(revisions(prev), revisions(m.scope(snap)))
				if diff == "" {
					logging.Infof(ctx, "Nothing changed since %s", latest.Full())
					return nil
				}
				logging.Debugf(ctx, "Revisions since %s (-old +new):\n%s", latest.Full(), diff)
			}
			next = m.norm(latest.Next(m.Incr))
		}
		if err := m.publish(ctx, next, snap, buildID); err != nil {
			return err
		}
		mf = snap
		return nil
	}, retry.LogCallback(ctx, "manifestversion.GetNextBuildSpec"))
	if cur, ok := m.Current(); ok && mf != nil {
		span.SetAttributes(attribute.String("version", cur.Full()))
	}
	return mf, err
}

// CreateNewCandidate publishes the next LKGM candidate of the latest build
// spec, carrying the given changes as pending commits.
func (m *Manager) CreateNewCandidate(ctx context.Context, changes []*changelist.Change, buildID int64) (mf *manifest.Manifest, err error) {
	ctx, span := tracer.Start(ctx, "manifestversion.CreateNewCandidate")
	defer func() {
		if err != nil {
			span.RecordError(err)
		}
		span.End()
	}()
	span.SetAttributes(attribute.Int("changes", len(changes)))

	err = retry.Retry(ctx, transient.Only(retry.Default), func() error {
		mf = nil
		if err := m.Repo.Refresh(ctx); err != nil {
			return err
		}
		snap, err := m.Source.Snapshot(ctx)
		if err != nil {
			return err
		}
		base, _, err := m.latestBuildSpec(ctx)
		if err != nil {
			return err
		}
		cands, err := m.versions(ctx, candidatesDir)
		if err != nil {
			return err
		}
		next := base
		next.RC = 1
		for _, c := range cands {
			if c.Base() == base && c.RC >= next.RC {
				next.RC = c.RC + 1
			}
		}
		switch lkgm, ok, err := m.latestPassing(ctx, cands); {
		case err != nil:
			return err
		case ok:
			snap.LKGM = &manifest.LKGM{Version: lkgm.String()}
		}
		snap.SetPendingChanges(changes)
		if err := m.publish(ctx, next, snap, buildID); err != nil {
			return err
		}
		mf = snap
		return nil
	}, retry.LogCallback(ctx, "manifestversion.CreateNewCandidate"))
	return mf, err
}

// CreateFromManifest publishes the manifest of another manager under the
// same version, so that both scopes stay aligned.
func (m *Manager) CreateFromManifest(ctx context.Context, mf *manifest.Manifest, v Version, buildID int64) error {
	ctx, span := tracer.Start(ctx, "manifestversion.CreateFromManifest")
	defer span.End()
	err := retry.Retry(ctx, transient.Only(retry.Default), func() error {
		if err := m.Repo.Refresh(ctx); err != nil {
			return err
		}
		return m.publish(ctx, m.norm(v), mf, buildID)
	}, retry.LogCallback(ctx, "manifestversion.CreateFromManifest"))
	if err != nil {
		span.RecordError(err)
	}
	return err
}

// BootstrapFromVersion makes an already published version current and
// returns its manifest.
func (m *Manager) BootstrapFromVersion(ctx context.Context, version string) (*manifest.Manifest, error) {
	v, err := ParseVersion(version)
	if err != nil {
		return nil, err
	}
	v = m.norm(v)
	if err := m.Repo.Refresh(ctx); err != nil {
		return nil, err
	}
	switch ok, err := m.Repo.Exists(m.SpecPath(v)); {
	case err != nil:
		return nil, err
	case !ok:
		return nil, errors.Reason("version %s is not published", v.Full()).Err()
	}
	mf, err := m.read(v)
	if err != nil {
		return nil, err
	}
	m.current = &v
	return mf, nil
}

// GetLatestPassingSpec returns the newest version the builder passed.
func (m *Manager) GetLatestPassingSpec(ctx context.Context) (Version, bool, error) {
	vs, err := m.statusVersions(ctx)
	if err != nil {
		return Version{}, false, err
	}
	return m.latestPassing(ctx, vs)
}

func (m *Manager) latestPassing(ctx context.Context, vs []Version) (Version, bool, error) {
	for i := len(vs) - 1; i >= 0; i-- {
		s, err := m.Statuses.Get(ctx, m.Builder, vs[i])
		if err != nil {
			return Version{}, false, err
		}
		if s != nil && s.Status == StatusPassed {
			return vs[i], true, nil
		}
	}
	return Version{}, false, nil
}

// DidLastBuildFail is true if the newest version the builder reported on,
// other than the current one, failed.
func (m *Manager) DidLastBuildFail(ctx context.Context) (bool, error) {
	vs, err := m.statusVersions(ctx)
	if err != nil {
		return false, err
	}
	cur, hasCur := m.Current()
	for i := len(vs) - 1; i >= 0; i-- {
		if hasCur && vs[i] == cur {
			continue
		}
		s, err := m.Statuses.Get(ctx, m.Builder, vs[i])
		switch {
		case err != nil:
			return false, err
		case s != nil:
			return s.Status == StatusFailed, nil
		}
	}
	return false, nil
}

// SetInFlight marks the version as being built.
func (m *Manager) SetInFlight(ctx context.Context, v Version, dashboardURL string) error {
	return m.setStatus(ctx, v, &BuilderStatus{Status: StatusInflight, DashboardURL: dashboardURL})
}

// SetPassed marks the version as passed.
func (m *Manager) SetPassed(ctx context.Context, v Version) error {
	return m.setStatus(ctx, v, &BuilderStatus{Status: StatusPassed})
}

// SetFailed marks the version as failed.
func (m *Manager) SetFailed(ctx context.Context, v Version) error {
	return m.setStatus(ctx, v, &BuilderStatus{Status: StatusFailed})
}

func (m *Manager) setStatus(ctx context.Context, v Version, s *BuilderStatus) error {
	v = m.norm(v)
	err := retry.Retry(ctx, transient.Only(retry.Default), func() error {
		return m.Statuses.Set(ctx, m.Builder, v, s)
	}, retry.LogCallback(ctx, "manifestversion.setStatus"))
	if err != nil {
		return errors.Annotate(err, "failed to mark %s %s", v.Full(), s.Status).Err()
	}
	return nil
}

// revisions maps checkout paths to pinned revisions.
func revisions(mf *manifest.Manifest) map[string]string {
	revs := make(map[string]string, len(mf.Projects))
	for _, p := range mf.Projects {
		revs[p.CheckoutPath()] = p.Revision
	}
	return revs
}
