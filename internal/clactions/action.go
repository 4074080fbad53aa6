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

// Package clactions models the append-only log of CL actions and derives
// Pre-CQ progress from it.
package clactions

import (
	"sort"
	"time"

	"go.chromium.org/chromiumos/cq/internal/changelist"
)

// Kind is the kind of a CL action, as stored in CIDB.
type Kind string

const (
	PickedUp     Kind = "picked_up"
	Submitted    Kind = "submitted"
	KickedOut    Kind = "kicked_out"
	SubmitFailed Kind = "submit_failed"
	Verified     Kind = "verified"
	Forgiven     Kind = "forgiven"

	PreCQInflight      Kind = "pre_cq_inflight"
	PreCQPassed        Kind = "pre_cq_passed"
	PreCQFailed        Kind = "pre_cq_failed"
	PreCQLaunching     Kind = "pre_cq_launching"
	PreCQWaiting       Kind = "pre_cq_waiting"
	PreCQFullyVerified Kind = "pre_cq_fully_verified"
	PreCQReadyToSubmit Kind = "pre_cq_ready_to_submit"
	PreCQReset         Kind = "pre_cq_reset"
	Requeued           Kind = "requeued"
	Speculative        Kind = "speculative"
	ScreenedForPreCQ   Kind = "screened_for_pre_cq"
	ValidationPending  Kind = "validation_pending_pre_cq"
	IrrelevantToSlave  Kind = "irrelevant_to_slave"
	TrybotLaunching    Kind = "trybot_launching"
)

// AllKinds lists every known action kind.
var AllKinds = []Kind{
	PickedUp, Submitted, KickedOut, SubmitFailed, Verified, Forgiven,
	PreCQInflight, PreCQPassed, PreCQFailed, PreCQLaunching, PreCQWaiting,
	PreCQFullyVerified, PreCQReadyToSubmit, PreCQReset, Requeued, Speculative,
	ScreenedForPreCQ, ValidationPending, IrrelevantToSlave, TrybotLaunching,
}

// Valid is true for known kinds.
func (k Kind) Valid() bool {
	for _, v := range AllKinds {
		if v == k {
			return true
		}
	}
	return false
}

// Submission strategies recorded as the reason of Submitted actions.
const (
	StrategyCQSuccess   = "strategy:cq-success"
	StrategyPreCQSubmit = "strategy:pre-cq-submit"
	StrategyNonManifest = "strategy:non-manifest-submit"
)

// Action is one immutable record in the CL action log.
type Action struct {
	// ID is assigned by the database on insertion and orders actions with
	// equal timestamps.
	ID int64
	// BuildID is the build which recorded the action, 0 if unknown.
	BuildID int64
	Change  changelist.Key
	Kind    Kind
	// Config is the verification config the action concerns, if any.
	Config string
	Reason string
	// Timestamp is assigned by the database on insertion.
	Timestamp time.Time
}

// New returns an action for a change, to be inserted into CIDB.
func New(c *changelist.Change, kind Kind, config string) Action {
	return Action{Change: c.Key, Kind: kind, Config: config}
}

// History is a list of actions in insertion order.
type History []Action

// Sort orders actions by timestamp, then by ID.
func (h History) Sort() History {
	sort.SliceStable(h, func(i, j int) bool {
		if !h[i].Timestamp.Equal(h[j].Timestamp) {
			return h[i].Timestamp.Before(h[j].Timestamp)
		}
		return h[i].ID < h[j].ID
	})
	return h
}

// ForPatch returns the actions of exactly this patchset, in order.
func (h History) ForPatch(k changelist.Key) History {
	var out History
	for _, a := range h {
		if a.Change == k {
			out = append(out, a)
		}
	}
	return out.Sort()
}

// SinceLastReset returns the actions of the patchset recorded after its most
// recent pre_cq_reset.
func (h History) SinceLastReset(k changelist.Key) History {
	acts := h.ForPatch(k)
	for i := len(acts) - 1; i >= 0; i-- {
		if acts[i].Kind == PreCQReset {
			return acts[i+1:]
		}
	}
	return acts
}

// Latest returns the most recent action of one of the given kinds.
func (h History) Latest(kinds ...Kind) (Action, bool) {
	for i := len(h) - 1; i >= 0; i-- {
		for _, k := range kinds {
			if h[i].Kind == k {
				return h[i], true
			}
		}
	}
	return Action{}, false
}
