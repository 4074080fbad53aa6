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

package cidb

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.chromium.org/luci/common/clock"
	"go.chromium.org/luci/common/errors"

	"go.chromium.org/chromiumos/cq/internal/changelist"
	"go.chromium.org/chromiumos/cq/internal/clactions"
)

// Memory is an in-process DB. Its time is the context clock.
//
// It is used by dry runs and tests.
type Memory struct {
	mu      sync.Mutex
	actions clactions.History
	builds  map[int64]*BuildStatus
	nextID  int64

	// FailInserts, if set, is returned by InsertCLActions.
	FailInserts error
	// FailGetTime, if set, is returned by the next GetTime call and then
	// cleared.
	FailGetTime error
}

var _ DB = (*Memory)(nil)

// NewMemory returns an empty in-memory DB.
func NewMemory() *Memory {
	return &Memory{builds: map[int64]*BuildStatus{}}
}

// GetActionsForChanges implements DB.
func (m *Memory) GetActionsForChanges(ctx context.Context, changes []changelist.Key) (clactions.History, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f := NewChangeFilter(changes)
	var out clactions.History
	for _, a := range m.actions {
		if f.Has(a.Change) {
			out = append(out, a)
		}
	}
	return out, nil
}

// InsertCLActions implements DB.
func (m *Memory) InsertCLActions(ctx context.Context, buildID int64, actions []clactions.Action) error {
	if err := ValidateActions(actions); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailInserts != nil {
		return m.FailInserts
	}
	now := clock.Now(ctx).UTC()
	for _, a := range actions {
		a.ID = int64(len(m.actions) + 1)
		a.BuildID = buildID
		a.Timestamp = now
		m.actions = append(m.actions, a)
	}
	return nil
}

// Actions returns a copy of every stored action.
func (m *Memory) Actions() clactions.History {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append(clactions.History(nil), m.actions...)
}

// GetBuildStatuses implements DB.
func (m *Memory) GetBuildStatuses(ctx context.Context, buildIDs []int64) ([]*BuildStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*BuildStatus
	for _, id := range buildIDs {
		if b, ok := m.builds[id]; ok {
			cpy := *b
			out = append(out, &cpy)
		}
	}
	return out, nil
}

// GetTime implements DB.
func (m *Memory) GetTime(ctx context.Context) (time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.FailGetTime; err != nil {
		m.FailGetTime = nil
		return time.Time{}, err
	}
	return clock.Now(ctx).UTC(), nil
}

// GetBuildStatus implements DB.
func (m *Memory) GetBuildStatus(ctx context.Context, buildID int64) (*BuildStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.builds[buildID]
	if !ok {
		return nil, errors.Annotate(ErrNotFound, "build %d", buildID).Err()
	}
	cpy := *b
	return &cpy, nil
}

// GetBuildHistory implements DB.
func (m *Memory) GetBuildHistory(ctx context.Context, config string, limit int, ignoreID int64) ([]*BuildStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*BuildStatus
	for id, b := range m.builds {
		if b.Config == config && id != ignoreID {
			cpy := *b
			out = append(out, &cpy)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// InsertBuild implements DB.
func (m *Memory) InsertBuild(ctx context.Context, b *BuildStatus) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	cpy := *b
	cpy.ID = m.nextID
	if cpy.StartTime.IsZero() {
		cpy.StartTime = clock.Now(ctx).UTC()
	}
	if cpy.Status == "" {
		cpy.Status = StatusInflight
	}
	m.builds[cpy.ID] = &cpy
	return cpy.ID, nil
}

// UpdateBuildVersion implements DB.
func (m *Memory) UpdateBuildVersion(ctx context.Context, buildID int64, platformVersion, fullVersion string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.builds[buildID]
	if !ok {
		return errors.Annotate(ErrNotFound, "build %d", buildID).Err()
	}
	b.PlatformVersion = platformVersion
	b.FullVersion = fullVersion
	return nil
}

// ExtendDeadline implements DB.
func (m *Memory) ExtendDeadline(ctx context.Context, buildID int64, timeout time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.builds[buildID]
	if !ok {
		return errors.Annotate(ErrNotFound, "build %d", buildID).Err()
	}
	if d := clock.Now(ctx).UTC().Add(timeout); d.After(b.Deadline) {
		b.Deadline = d
	}
	return nil
}

// Close implements DB.
func (m *Memory) Close() error { return nil }
