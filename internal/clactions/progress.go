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

package clactions

import (
	"context"
	"sort"
	"time"

	"go.chromium.org/luci/common/errors"

	"go.chromium.org/chromiumos/cq/internal/changelist"
)

// ConfigStatus is the Pre-CQ status of one change for one config.
type ConfigStatus string

const (
	ConfigPending  ConfigStatus = "pending"
	ConfigLaunched ConfigStatus = "launched"
	ConfigInflight ConfigStatus = "inflight"
	ConfigFailed   ConfigStatus = "fail"
	ConfigVerified ConfigStatus = "verified"
)

// ConfigProgress is the progress of one change on one config.
type ConfigProgress struct {
	Status ConfigStatus
	// Timestamp is when Status was reached.
	Timestamp time.Time
	// BuildID is the build that reported Status, 0 for pending and launched
	// configs.
	BuildID int64
}

// Progress maps config names to progress.
type Progress map[string]ConfigProgress

// ProgressMap maps screened changes to their progress.
//
// Changes without any tracked config are absent: they have not been screened
// since their last reset.
type ProgressMap map[changelist.Key]Progress

// Configs returns the config names, sorted.
func (p Progress) Configs() []string {
	out := make([]string, 0, len(p))
	for c := range p {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// GetProgressMap computes the per-config progress of the changes.
//
// Only actions on the exact patchset recorded after its last reset count. A
// config becomes tracked with a validation_pending_pre_cq action naming it.
// After that, the most recent of trybot_launching, picked_up, kicked_out and
// verified for that config determines its status.
func GetProgressMap(changes []*changelist.Change, h History) ProgressMap {
	pm := ProgressMap{}
	for _, c := range changes {
		if p := progressFor(h.SinceLastReset(c.Key)); len(p) > 0 {
			pm[c.Key] = p
		}
	}
	return pm
}

func progressFor(acts History) Progress {
	p := Progress{}
	for _, a := range acts {
		if a.Kind == ValidationPending {
			cfg := a.Config
			if cfg == "" {
				cfg = a.Reason
			}
			if _, ok := p[cfg]; !ok && cfg != "" {
				p[cfg] = ConfigProgress{Status: ConfigPending, Timestamp: a.Timestamp}
			}
		}
	}
	for _, a := range acts {
		cur, ok := p[a.Config]
		if !ok {
			continue
		}
		switch a.Kind {
		case TrybotLaunching:
			cur = ConfigProgress{Status: ConfigLaunched, Timestamp: a.Timestamp}
		case PickedUp:
			cur = ConfigProgress{Status: ConfigInflight, Timestamp: a.Timestamp, BuildID: a.BuildID}
		case KickedOut:
			cur = ConfigProgress{Status: ConfigFailed, Timestamp: a.Timestamp, BuildID: a.BuildID}
		case Verified:
			cur = ConfigProgress{Status: ConfigVerified, Timestamp: a.Timestamp, BuildID: a.BuildID}
		default:
			continue
		}
		p[a.Config] = cur
	}
	return p
}

// Categories partitions screened changes by progress.
//
// Busy, Passed and Verified are disjoint. Inflight is a subset of Busy.
type Categories struct {
	// Busy changes have at least one config launched or inflight.
	Busy changelist.Set
	// Inflight changes have every config either inflight or verified, and at
	// least one inflight.
	Inflight changelist.Set
	// Passed changes have some, but not all, configs verified and nothing
	// running.
	Passed changelist.Set
	// Verified changes have every config verified.
	Verified changelist.Set
}

// GetCategories partitions the progress map.
func GetCategories(pm ProgressMap) Categories {
	cat := Categories{
		Busy:     changelist.Set{},
		Inflight: changelist.Set{},
		Passed:   changelist.Set{},
		Verified: changelist.Set{},
	}
	for k, p := range pm {
		if len(p) == 0 {
			continue
		}
		var busy, verified, inflightOrVerified int
		for _, cp := range p {
			switch cp.Status {
			case ConfigLaunched:
				busy++
			case ConfigInflight:
				busy++
				inflightOrVerified++
			case ConfigVerified:
				verified++
				inflightOrVerified++
			}
		}
		switch {
		case verified == len(p):
			cat.Verified.Add(k)
		case busy > 0:
			cat.Busy.Add(k)
			if inflightOrVerified == len(p) {
				cat.Inflight.Add(k)
			}
		case verified > 0:
			cat.Passed.Add(k)
		}
	}
	return cat
}

// ConfigsToTest returns the configs that still need a run for any of the
// changes, sorted.
func ConfigsToTest(changes []*changelist.Change, pm ProgressMap) []string {
	set := map[string]struct{}{}
	for _, c := range changes {
		for cfg, cp := range pm[c.Key] {
			if cp.Status == ConfigPending || cp.Status == ConfigFailed {
				set[cfg] = struct{}{}
			}
		}
	}
	out := make([]string, 0, len(set))
	for cfg := range set {
		out = append(out, cfg)
	}
	sort.Strings(out)
	return out
}

// Fetcher loads the action history of changes.
type Fetcher interface {
	// GetActionsForChanges returns every action of every patchset of the
	// changes, in insertion order.
	GetActionsForChanges(ctx context.Context, changes []changelist.Key) (History, error)
}

// ComputeProgress fetches the history of the changes with one query and
// computes their progress.
func ComputeProgress(ctx context.Context, f Fetcher, changes []*changelist.Change) (ProgressMap, History, error) {
	h, err := f.GetActionsForChanges(ctx, changelist.Keys(changes))
	if err != nil {
		return nil, nil, errors.Annotate(err, "failed to fetch CL actions").Err()
	}
	return GetProgressMap(changes, h), h, nil
}
