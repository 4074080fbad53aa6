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
	"fmt"
	"time"

	"go.chromium.org/chromiumos/cq/internal/changelist"
)

// Status is the overall Pre-CQ status of a change.
type Status string

const (
	// StatusNone means the change has no Pre-CQ status, e.g. it was never
	// seen or it was reset.
	StatusNone          Status = ""
	StatusFailed        Status = "fail"
	StatusInflight      Status = "inflight"
	StatusPassed        Status = "pass"
	StatusLaunching     Status = "launching"
	StatusWaiting       Status = "waiting"
	StatusReadyToSubmit Status = "ready-to-submit"
	StatusFullyVerified Status = "fully-verified"
)

// AllStatuses lists every status, StatusNone included.
var AllStatuses = []Status{
	StatusNone, StatusFailed, StatusInflight, StatusPassed, StatusLaunching,
	StatusWaiting, StatusReadyToSubmit, StatusFullyVerified,
}

// MetricName is the status as a metric field value.
func (s Status) MetricName() string {
	if s == StatusNone {
		return "None"
	}
	return string(s)
}

var statusActions = map[Status]Kind{
	StatusFailed:        PreCQFailed,
	StatusInflight:      PreCQInflight,
	StatusPassed:        PreCQPassed,
	StatusLaunching:     PreCQLaunching,
	StatusWaiting:       PreCQWaiting,
	StatusReadyToSubmit: PreCQReadyToSubmit,
	StatusFullyVerified: PreCQFullyVerified,
}

var actionStatuses = func() map[Kind]Status {
	m := make(map[Kind]Status, len(statusActions)+1)
	for s, k := range statusActions {
		m[k] = s
	}
	m[PreCQReset] = StatusNone
	return m
}()

// StatusToAction returns the action which records a status.
//
// Panics on StatusNone, which is recorded with a reset.
func StatusToAction(s Status) Kind {
	k, ok := statusActions[s]
	if !ok {
		panic(fmt.Errorf("no action records status %q", s))
	}
	return k
}

// GetCLStatus returns the Pre-CQ status of the patchset and when it was
// reached.
func GetCLStatus(k changelist.Key, h History) (Status, time.Time) {
	acts := h.ForPatch(k)
	for i := len(acts) - 1; i >= 0; i-- {
		if s, ok := actionStatuses[acts[i].Kind]; ok {
			if s == StatusNone {
				return StatusNone, time.Time{}
			}
			return s, acts[i].Timestamp
		}
	}
	return StatusNone, time.Time{}
}

// IsScreened is true if the patchset was screened since its last reset.
func IsScreened(k changelist.Key, h History) bool {
	_, ok := h.SinceLastReset(k).Latest(ScreenedForPreCQ)
	return ok
}

// GetRequeuedOrSpeculative returns the action to record for a change that is
// in the pool again, or "" if nothing needs recording.
//
// A speculative change is marked speculative unless that is already its
// latest mark. A mergeable change which was kicked out, failed the Pre-CQ or
// was speculative is marked requeued.
func GetRequeuedOrSpeculative(k changelist.Key, h History, speculative bool) Kind {
	acts := h.ForPatch(k)
	if speculative {
		if last, ok := acts.Latest(Requeued, Speculative); !ok || last.Kind != Speculative {
			return Speculative
		}
		return ""
	}
	if last, ok := acts.Latest(Requeued, Speculative, KickedOut, PreCQFailed); ok && last.Kind != Requeued {
		return Requeued
	}
	return ""
}
