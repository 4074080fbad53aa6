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

package manifestversion

import (
	"fmt"
	"regexp"
	"strconv"

	"go.chromium.org/luci/common/errors"
)

// Increment names the part of a version bumped for a new build spec.
type Increment string

const (
	IncrBuild  Increment = "build"
	IncrBranch Increment = "branch"
	IncrPatch  Increment = "patch"
)

// IncrementForBranch returns the increment used by builders of the branch:
// main lines bump the build number, release branches the branch number.
func IncrementForBranch(branch string) Increment {
	switch branch {
	case "", "master", "main":
		return IncrBuild
	default:
		return IncrBranch
	}
}

// Version is a platform version such as "7072.0.0", optionally carrying a
// milestone ("R44-7072.0.0") and a candidate number ("7072.0.0-rc4").
type Version struct {
	Milestone int
	Build     int
	Branch    int
	Patch     int
	// RC is the LKGM candidate number; 0 for build specs.
	RC int
}

var versionRe = regexp.MustCompile(`^(?:R(\d+)-)?(\d+)\.(\d+)\.(\d+)(?:-rc(\d+))?$`)

// ParseVersion parses "[R<milestone>-]<build>.<branch>.<patch>[-rc<N>]".
func ParseVersion(s string) (Version, error) {
	m := versionRe.FindStringSubmatch(s)
	if m == nil {
		return Version{}, errors.Reason("malformed version %q", s).Err()
	}
	num := func(s string) int {
		if s == "" {
			return 0
		}
		n, _ := strconv.Atoi(s)
		return n
	}
	return Version{
		Milestone: num(m[1]),
		Build:     num(m[2]),
		Branch:    num(m[3]),
		Patch:     num(m[4]),
		RC:        num(m[5]),
	}, nil
}

// String returns the platform version without the milestone.
func (v Version) String() string {
	s := fmt.Sprintf("%d.%d.%d", v.Build, v.Branch, v.Patch)
	if v.RC > 0 {
		s += fmt.Sprintf("-rc%d", v.RC)
	}
	return s
}

// Full returns the version with the milestone prefix, if known.
func (v Version) Full() string {
	if v.Milestone == 0 {
		return v.String()
	}
	return fmt.Sprintf("R%d-%s", v.Milestone, v)
}

// Base drops the candidate number.
func (v Version) Base() Version {
	v.RC = 0
	return v
}

// Next returns the version following v for the increment type.
func (v Version) Next(incr Increment) Version {
	n := Version{Milestone: v.Milestone, Build: v.Build, Branch: v.Branch, Patch: v.Patch}
	switch incr {
	case IncrBranch:
		n.Branch++
		n.Patch = 0
	case IncrPatch:
		n.Patch++
	default:
		n.Build++
		n.Branch = 0
		n.Patch = 0
	}
	return n
}

// Less orders versions, ignoring the milestone.
func (v Version) Less(o Version) bool {
	switch {
	case v.Build != o.Build:
		return v.Build < o.Build
	case v.Branch != o.Branch:
		return v.Branch < o.Branch
	case v.Patch != o.Patch:
		return v.Patch < o.Patch
	default:
		return v.RC < o.RC
	}
}
