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

// Package changelist defines the Change value type handled by the Pre-CQ
// launcher and the Commit Queue.
package changelist

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.chromium.org/luci/common/errors"
)

// Source identifies the Gerrit instance a change lives on.
type Source int8

const (
	// External is the public Gerrit host.
	External Source = iota
	// Internal is the internal Gerrit host. Changes on it are prefixed with '*'.
	Internal
)

func (s Source) String() string {
	if s == Internal {
		return "internal"
	}
	return "external"
}

// Prefix is the change-number prefix used by cbuildbot and CIDB.
func (s Source) Prefix() string {
	if s == Internal {
		return "*"
	}
	return ""
}

// Gerrit labels consulted by the queues.
const (
	LabelCodeReview  = "Code-Review"
	LabelVerified    = "Verified"
	LabelCommitQueue = "Commit-Queue"
	LabelTrybotReady = "Trybot-Ready"
)

// Key identifies one patchset of one change.
//
// Keys are comparable and are used as map keys throughout.
type Key struct {
	Source   Source
	Number   int64
	Patchset int32
}

// String returns "[*]number:patchset".
func (k Key) String() string {
	return fmt.Sprintf("%s%d:%d", k.Source.Prefix(), k.Number, k.Patchset)
}

// Ref returns "[*]number", the form accepted by `cbuildbot -g`.
func (k Key) Ref() string {
	return k.Source.Prefix() + strconv.FormatInt(k.Number, 10)
}

// ParseKey parses the output of Key.String.
func ParseKey(s string) (Key, error) {
	k := Key{}
	rest := strings.TrimSpace(s)
	if strings.HasPrefix(rest, "*") {
		k.Source = Internal
		rest = rest[1:]
	}
	num, ps, ok := strings.Cut(rest, ":")
	if !ok {
		return Key{}, errors.Reason("change key %q must be [*]number:patchset", s).Err()
	}
	var err error
	if k.Number, err = strconv.ParseInt(num, 10, 64); err != nil || k.Number <= 0 {
		return Key{}, errors.Reason("change key %q has invalid number", s).Err()
	}
	p, err := strconv.ParseInt(ps, 10, 32)
	if err != nil || p <= 0 {
		return Key{}, errors.Reason("change key %q has invalid patchset", s).Err()
	}
	k.Patchset = int32(p)
	return k, nil
}

// Less orders keys by source, number and patchset.
func (k Key) Less(o Key) bool {
	switch {
	case k.Source != o.Source:
		return k.Source < o.Source
	case k.Number != o.Number:
		return k.Number < o.Number
	default:
		return k.Patchset < o.Patchset
	}
}

// Dep is a dependency edge from one change to another change.
//
// Deps refer to a change, not a patchset: whichever patchset of the target is
// in the pool satisfies it.
type Dep struct {
	Source Source
	Number int64
	// Merged is true if the dependency has already been submitted.
	Merged bool
}

// Ref returns "[*]number".
func (d Dep) Ref() string {
	return d.Source.Prefix() + strconv.FormatInt(d.Number, 10)
}

// Change is one reviewable patchset with dependency edges to other changes.
type Change struct {
	Key

	// Project is the Gerrit project, e.g. "chromiumos/overlays/chromiumos-overlay".
	Project string
	// Branch is the target branch without "refs/heads/".
	Branch string
	// ChangeID is the "I..." Change-Id footer value.
	ChangeID string
	// ProjectPath is where the project is checked out, relative to the
	// source root. Empty if the project isn't in the manifest.
	ProjectPath string
	// Revision is the commit hash of the patchset.
	Revision string
	// CommitMessage is the full commit message of the patchset.
	CommitMessage string
	// URL points to the change on Gerrit.
	URL string
	// ApprovalTime is when the latest relevant approval was given.
	ApprovalTime time.Time
	// Approvals maps a label name to the maximum value voted on it.
	Approvals map[string]int32
	// BeingMerged is set when Gerrit reports a submit in progress.
	BeingMerged bool

	Deps []Dep
}

// Approval returns the maximum vote on the label.
func (c *Change) Approval(label string) int32 {
	return c.Approvals[label]
}

// HasApproval is true if the label was voted at least min.
func (c *Change) HasApproval(label string, min int32) bool {
	return c.Approval(label) >= min
}

// IsMergeable is true if the change has every approval needed to be
// submitted. Changes which are not mergeable are tested speculatively.
func (c *Change) IsMergeable() bool {
	return c.HasApproval(LabelCodeReview, 2) &&
		c.HasApproval(LabelVerified, 1) &&
		c.HasApproval(LabelCommitQueue, 1)
}

// HasReadyFlag is true if the developer marked the change ready for the
// Commit Queue or for a trybot run.
func (c *Change) HasReadyFlag() bool {
	return c.HasApproval(LabelCommitQueue, 1) || c.HasApproval(LabelTrybotReady, 1)
}

// DependsOn returns true if one of the change's deps points at o.
func (c *Change) DependsOn(o *Change) bool {
	for _, d := range c.Deps {
		if d.Source == o.Source && d.Number == o.Number {
			return true
		}
	}
	return false
}

// String implements fmt.Stringer.
func (c *Change) String() string {
	return c.Key.String()
}

// Sort sorts changes by key in place and returns them.
func Sort(cs []*Change) []*Change {
	sort.Slice(cs, func(i, j int) bool { return cs[i].Key.Less(cs[j].Key) })
	return cs
}

// Keys returns the keys of the changes in the same order.
func Keys(cs []*Change) []Key {
	ks := make([]Key, len(cs))
	for i, c := range cs {
		ks[i] = c.Key
	}
	return ks
}

// JoinString renders changes as "12:1 *34:2" in key order.
func JoinString(cs []*Change) string {
	sorted := Sort(append([]*Change(nil), cs...))
	parts := make([]string, len(sorted))
	for i, c := range sorted {
		parts[i] = c.String()
	}
	return strings.Join(parts, " ")
}

// Set is a set of change keys.
type Set map[Key]struct{}

// NewSet returns a set of the keys of the given changes.
func NewSet(cs ...*Change) Set {
	s := make(Set, len(cs))
	for _, c := range cs {
		s[c.Key] = struct{}{}
	}
	return s
}

// Add adds a key.
func (s Set) Add(k Key) { s[k] = struct{}{} }

// Has is true if the key is in the set.
func (s Set) Has(k Key) bool {
	_, ok := s[k]
	return ok
}

// Sorted returns the keys in order.
func (s Set) Sorted() []Key {
	ks := make([]Key, 0, len(s))
	for k := range s {
		ks = append(ks, k)
	}
	sort.Slice(ks, func(i, j int) bool { return ks[i].Less(ks[j]) })
	return ks
}
