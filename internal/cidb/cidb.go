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

// Package cidb defines the narrow repository interface over the CI database
// which stores CL actions and build statuses.
package cidb

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"go.chromium.org/luci/common/errors"

	"go.chromium.org/chromiumos/cq/internal/changelist"
	"go.chromium.org/chromiumos/cq/internal/clactions"
)

// ErrNotFound is returned when a build doesn't exist.
var ErrNotFound = errors.New("not found")

// Build status values.
const (
	StatusInflight = "inflight"
	StatusPassed   = "pass"
	StatusFailed   = "fail"
	StatusAborted  = "aborted"
)

// BuildStatus is one row of the build table.
type BuildStatus struct {
	ID            int64
	MasterBuildID int64
	Config        string
	BuilderName   string
	Waterfall     string
	BuildNumber   int64
	Status        string
	// PlatformVersion is the manifest version the build synced to, e.g.
	// "7072.0.0-rc4". Masters write it once a candidate is published.
	PlatformVersion string
	// FullVersion includes the milestone, e.g. "R44-7072.0.0-rc4".
	FullVersion string
	StartTime   time.Time
	// Deadline is when the build is considered timed out.
	Deadline time.Time
}

// DashboardURL returns the buildbot page of the build.
func (b *BuildStatus) DashboardURL() string {
	return fmt.Sprintf("https://uberchromegw.corp.google.com/i/%s/builders/%s/builds/%d",
		url.PathEscape(b.Waterfall), url.PathEscape(b.BuilderName), b.BuildNumber)
}

// DB is the CI database.
//
// Actions are append-only: implementations never update or delete them.
type DB interface {
	// GetActionsForChanges returns all actions on all patchsets of the
	// changes in insertion order.
	GetActionsForChanges(ctx context.Context, changes []changelist.Key) (clactions.History, error)
	// InsertCLActions appends actions on behalf of a build, assigning IDs and
	// the database time.
	InsertCLActions(ctx context.Context, buildID int64, actions []clactions.Action) error
	// GetBuildStatuses returns the builds which exist among the given IDs.
	GetBuildStatuses(ctx context.Context, buildIDs []int64) ([]*BuildStatus, error)
	// GetTime returns the database time.
	GetTime(ctx context.Context) (time.Time, error)

	// GetBuildStatus returns one build or ErrNotFound.
	GetBuildStatus(ctx context.Context, buildID int64) (*BuildStatus, error)
	// GetBuildHistory returns up to limit most recent builds of a config,
	// newest first, excluding ignoreID.
	GetBuildHistory(ctx context.Context, config string, limit int, ignoreID int64) ([]*BuildStatus, error)
	// InsertBuild stores a new build and returns its ID.
	InsertBuild(ctx context.Context, b *BuildStatus) (int64, error)
	// UpdateBuildVersion records the manifest version a build uses.
	UpdateBuildVersion(ctx context.Context, buildID int64, platformVersion, fullVersion string) error
	// ExtendDeadline moves the deadline of a build to at least now+timeout.
	ExtendDeadline(ctx context.Context, buildID int64, timeout time.Duration) error

	Close() error
}

// ValidateActions checks actions before insertion.
func ValidateActions(actions []clactions.Action) error {
	for _, a := range actions {
		switch {
		case !a.Kind.Valid():
			return errors.Reason("action on %s has unknown kind %q", a.Change, a.Kind).Err()
		case a.Change.Number <= 0 || a.Change.Patchset <= 0:
			return errors.Reason("action %q has invalid change %s", a.Kind, a.Change).Err()
		}
	}
	return nil
}

// ChangeFilter matches actions by change, ignoring the patchset.
type ChangeFilter map[changelist.Dep]struct{}

// NewChangeFilter returns a filter matching any patchset of the changes.
func NewChangeFilter(keys []changelist.Key) ChangeFilter {
	f := make(ChangeFilter, len(keys))
	for _, k := range keys {
		f[changelist.Dep{Source: k.Source, Number: k.Number}] = struct{}{}
	}
	return f
}

// Has is true if the action's change is matched.
func (f ChangeFilter) Has(k changelist.Key) bool {
	_, ok := f[changelist.Dep{Source: k.Source, Number: k.Number}]
	return ok
}
