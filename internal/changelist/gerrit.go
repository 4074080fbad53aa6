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

package changelist

import (
	"regexp"
	"sort"
	"strconv"
	"strings"

	"google.golang.org/protobuf/types/known/timestamppb"

	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/git/footer"
	gerritpb "go.chromium.org/luci/common/proto/gerrit"
)

const (
	cqDependKey = "Cq-Depend"
	changeIDKey = "Change-Id"
)

// internalSubdomain is the CQ-Depend subdomain naming the internal host.
const internalSubdomain = "chrome-internal"

var depValueRegexp = regexp.MustCompile(`^\s*(\*|\w[-\w]*:)?(\d+)\s*$`)

// ParseCqDepend returns the dependencies declared with CQ-Depend footers.
//
// Each value is `[*]NUMBER` or `SUBDOMAIN:NUMBER`. A '*' prefix or the
// "chrome-internal" subdomain refers to the internal host; any other subdomain
// is ignored. Invalid values are skipped. The result is sorted and has no
// duplicates.
func ParseCqDepend(message string) []Dep {
	var deps []Dep
	for _, v := range footer.ParseMessage(message)[cqDependKey] {
		for _, item := range strings.Split(v, ",") {
			if d, err := parseDep(item); err == nil {
				deps = append(deps, d)
			}
		}
	}
	return dedupDeps(deps)
}

func parseDep(v string) (Dep, error) {
	res := depValueRegexp.FindStringSubmatch(v)
	if len(res) != 3 {
		return Dep{}, errors.Reason("invalid CQ-Depend value %q", v).Err()
	}
	d := Dep{}
	switch strings.ToLower(res[1]) {
	case "":
	case "*", internalSubdomain + ":":
		d.Source = Internal
	case "chromium:":
	default:
		return Dep{}, errors.Reason("CQ-Depend value %q refers to an unknown host", v).Err()
	}
	n, err := strconv.ParseInt(res[2], 10, 64)
	if err != nil {
		return Dep{}, errors.Reason("CQ-Depend value %q: change number too large", v).Err()
	}
	d.Number = n
	return d, nil
}

func dedupDeps(deps []Dep) []Dep {
	if len(deps) <= 1 {
		return deps
	}
	sort.SliceStable(deps, func(i, j int) bool {
		if deps[i].Source != deps[j].Source {
			return deps[i].Source < deps[j].Source
		}
		return deps[i].Number < deps[j].Number
	})
	l := 0
	for i := 1; i < len(deps); i++ {
		if deps[i].Source != deps[l].Source || deps[i].Number != deps[l].Number {
			l++
			deps[l] = deps[i]
		}
	}
	return deps[:l+1]
}

// FromGerrit converts the current revision of a Gerrit change.
//
// parents are the changes on which the revision is based in git, as resolved
// by the caller from Gerrit's related changes. CQ-Depend footers in the commit
// message are added to them.
func FromGerrit(source Source, ci *gerritpb.ChangeInfo, parents []Dep) (*Change, error) {
	rev := ci.GetRevisions()[ci.GetCurrentRevision()]
	if rev == nil {
		return nil, errors.Reason("change %d has no current revision", ci.GetNumber()).Err()
	}
	msg := rev.GetCommit().GetMessage()
	c := &Change{
		Key: Key{
			Source:   source,
			Number:   ci.GetNumber(),
			Patchset: rev.GetNumber(),
		},
		Project:       ci.GetProject(),
		Branch:        strings.TrimPrefix(ci.GetRef(), "refs/heads/"),
		Revision:      ci.GetCurrentRevision(),
		CommitMessage: msg,
		Approvals:     map[string]int32{},
	}
	if ids := footer.ParseMessage(msg)[changeIDKey]; len(ids) > 0 {
		c.ChangeID = ids[0]
	}
	if ci.GetStatus() == gerritpb.ChangeStatus_MERGED {
		return nil, errors.Reason("change %d is already merged", ci.GetNumber()).Err()
	}

	var latest *timestamppb.Timestamp
	for name, li := range ci.GetLabels() {
		for _, a := range li.GetAll() {
			if a.GetValue() > c.Approvals[name] {
				c.Approvals[name] = a.GetValue()
			}
			if a.GetValue() > 0 && (latest == nil || a.GetDate().AsTime().After(latest.AsTime())) {
				latest = a.GetDate()
			}
		}
	}
	if latest == nil {
		latest = ci.GetUpdated()
	}
	c.ApprovalTime = latest.AsTime().UTC()

	c.Deps = dedupDeps(append(append([]Dep(nil), parents...), ParseCqDepend(msg)...))
	return c, nil
}
