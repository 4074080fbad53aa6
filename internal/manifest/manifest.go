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

// Package manifest models repo manifests: pinned project revisions plus the
// changes selected for a build.
package manifest

import (
	"bytes"
	"encoding/xml"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"

	"go.chromium.org/luci/common/errors"

	"go.chromium.org/chromiumos/cq/internal/changelist"
)

// Manifest is a repo manifest.
type Manifest struct {
	XMLName        xml.Name        `xml:"manifest"`
	Remotes        []Remote        `xml:"remote"`
	Default        *Default        `xml:"default"`
	Projects       []Project       `xml:"project"`
	LKGM           *LKGM           `xml:"lkgm"`
	PendingCommits []PendingCommit `xml:"pending_commit"`
}

// LKGM names the last known good version a candidate was built on.
type LKGM struct {
	Version string `xml:"version,attr"`
}

// Remote is a git server.
type Remote struct {
	Name   string `xml:"name,attr"`
	Fetch  string `xml:"fetch,attr"`
	Review string `xml:"review,attr,omitempty"`
}

// Default holds the values projects inherit.
type Default struct {
	Remote   string `xml:"remote,attr,omitempty"`
	Revision string `xml:"revision,attr,omitempty"`
	SyncJ    string `xml:"sync-j,attr,omitempty"`
}

// Project is one checked out repository.
type Project struct {
	Name     string `xml:"name,attr"`
	Path     string `xml:"path,attr,omitempty"`
	Remote   string `xml:"remote,attr,omitempty"`
	Revision string `xml:"revision,attr,omitempty"`
	// Upstream is the branch a pinned Revision was taken from.
	Upstream string `xml:"upstream,attr,omitempty"`
}

// PendingCommit is a change applied on top of the pinned revisions.
type PendingCommit struct {
	Project  string `xml:"project,attr"`
	Branch   string `xml:"branch,attr,omitempty"`
	ChangeID string `xml:"change_id,attr"`
	Commit   string `xml:"commit,attr"`
	// GerritNumber carries the internal prefix, as in "*1234".
	GerritNumber string `xml:"gerrit_number,attr"`
	PatchNumber  string `xml:"patch_number,attr"`
}

// Parse parses a manifest.
func Parse(r io.Reader) (*Manifest, error) {
	m := &Manifest{}
	if err := xml.NewDecoder(r).Decode(m); err != nil {
		return nil, errors.Annotate(err, "failed to parse manifest").Err()
	}
	return m, nil
}

// Load parses the manifest at path.
func Load(path string) (*Manifest, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Annotate(err, "failed to open manifest").Err()
	}
	defer f.Close()
	return Parse(f)
}

// Marshal renders the manifest as an XML document.
func (m *Manifest) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	enc := xml.NewEncoder(&buf)
	enc.Indent("", "  ")
	if err := enc.Encode(m); err != nil {
		return nil, errors.Annotate(err, "failed to render manifest").Err()
	}
	buf.WriteByte('\n')
	return buf.Bytes(), nil
}

// Clone returns a deep copy.
func (m *Manifest) Clone() *Manifest {
	c := &Manifest{
		Remotes:        append([]Remote(nil), m.Remotes...),
		Projects:       append([]Project(nil), m.Projects...),
		PendingCommits: append([]PendingCommit(nil), m.PendingCommits...),
	}
	if m.Default != nil {
		d := *m.Default
		c.Default = &d
	}
	if m.LKGM != nil {
		l := *m.LKGM
		c.LKGM = &l
	}
	return c
}

// FilterRemotes returns a copy keeping only the projects fetched from the
// given remotes, and the pending commits on those projects.
func (m *Manifest) FilterRemotes(remotes ...string) *Manifest {
	keep := make(map[string]bool, len(remotes))
	for _, r := range remotes {
		keep[r] = true
	}
	c := m.Clone()
	c.Remotes = c.Remotes[:0]
	for _, r := range m.Remotes {
		if keep[r.Name] {
			c.Remotes = append(c.Remotes, r)
		}
	}
	projects := map[string]bool{}
	c.Projects = c.Projects[:0]
	for _, p := range m.Projects {
		remote := p.Remote
		if remote == "" && m.Default != nil {
			remote = m.Default.Remote
		}
		if keep[remote] {
			c.Projects = append(c.Projects, p)
			projects[p.Name] = true
		}
	}
	c.PendingCommits = c.PendingCommits[:0]
	for _, pc := range m.PendingCommits {
		if projects[pc.Project] {
			c.PendingCommits = append(c.PendingCommits, pc)
		}
	}
	return c
}

// Branch returns the branch the project tracks.
func (m *Manifest) Branch(p Project) string {
	rev := p.Upstream
	if rev == "" {
		rev = p.Revision
	}
	if rev == "" && m.Default != nil {
		rev = m.Default.Revision
	}
	return strings.TrimPrefix(rev, "refs/heads/")
}

// FetchURL returns the URL the project is fetched from.
func (m *Manifest) FetchURL(project string) (string, bool) {
	for _, p := range m.Projects {
		if p.Name != project {
			continue
		}
		remote := p.Remote
		if remote == "" && m.Default != nil {
			remote = m.Default.Remote
		}
		for _, r := range m.Remotes {
			if r.Name == remote {
				return strings.TrimSuffix(r.Fetch, "/") + "/" + p.Name, true
			}
		}
		return "", false
	}
	return "", false
}

// ProjectPath returns where the project is checked out for the branch.
func (m *Manifest) ProjectPath(project, branch string) (string, bool) {
	for _, p := range m.Projects {
		if p.Name == project && m.Branch(p) == branch {
			return p.CheckoutPath(), true
		}
	}
	return "", false
}

// CheckoutPath is where the project is checked out.
func (p Project) CheckoutPath() string {
	if p.Path == "" {
		return p.Name
	}
	return p.Path
}

// Pin sets the revision of every project found in revs, keyed by checkout
// path, remembering the branch it tracked.
func (m *Manifest) Pin(revs map[string]string) {
	for i := range m.Projects {
		p := &m.Projects[i]
		sha, ok := revs[p.CheckoutPath()]
		if !ok {
			continue
		}
		if p.Upstream == "" {
			p.Upstream = "refs/heads/" + m.Branch(*p)
		}
		p.Revision = sha
	}
}

// SetPendingChanges replaces the pending commits with the given changes.
func (m *Manifest) SetPendingChanges(cs []*changelist.Change) {
	m.PendingCommits = nil
	for _, c := range changelist.Sort(append([]*changelist.Change(nil), cs...)) {
		m.PendingCommits = append(m.PendingCommits, PendingCommit{
			Project:      c.Project,
			Branch:       c.Branch,
			ChangeID:     c.ChangeID,
			Commit:       c.Revision,
			GerritNumber: c.Ref(),
			PatchNumber:  strconv.Itoa(int(c.Patchset)),
		})
	}
}

// PendingChanges converts the pending commits back to changes.
//
// Project paths are resolved against the manifest's projects.
func (m *Manifest) PendingChanges() ([]*changelist.Change, error) {
	var out []*changelist.Change
	for _, pc := range m.PendingCommits {
		k, err := changelist.ParseKey(pc.GerritNumber + ":" + pc.PatchNumber)
		if err != nil {
			return nil, errors.Annotate(err, "bad pending commit for %s", pc.Project).Err()
		}
		c := &changelist.Change{
			Key:      k,
			Project:  pc.Project,
			Branch:   pc.Branch,
			ChangeID: pc.ChangeID,
			Revision: pc.Commit,
		}
		c.ProjectPath, _ = m.ProjectPath(pc.Project, pc.Branch)
		out = append(out, c)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Key.Less(out[j].Key) })
	return out, nil
}
