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

// Package pool implements the validation pool: the set of changes a build
// works on, and the operations that change their standing.
package pool

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.chromium.org/luci/common/clock"
	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/logging"

	"go.chromium.org/chromiumos/cq/internal/changelist"
	"go.chromium.org/chromiumos/cq/internal/cidb"
	"go.chromium.org/chromiumos/cq/internal/clactions"
	"go.chromium.org/chromiumos/cq/internal/gerrit"
	"go.chromium.org/chromiumos/cq/internal/manifest"
	"go.chromium.org/chromiumos/cq/internal/tree"
)

// Reviewer is the code review system holding the changes.
type Reviewer interface {
	// Query returns the open changes matching the query.
	Query(ctx context.Context, query string) ([]*changelist.Change, error)
	// Notify posts a message on the change.
	Notify(ctx context.Context, c *changelist.Change, msg string) error
	// RemoveReady clears the ready flags of the change.
	RemoveReady(ctx context.Context, c *changelist.Change, msg string) error
	// Submit merges the change.
	Submit(ctx context.Context, c *changelist.Change) error
}

var _ Reviewer = (*gerrit.Hosts)(nil)

// Filter narrows the changes of a pool.
//
// It receives the manifest and non-manifest changes and returns those to
// keep. An error aborts the acquisition.
type Filter func(ctx context.Context, p *Pool, changes, nonManifest []*changelist.Change) ([]*changelist.Change, []*changelist.Change, error)

// Pool is the set of changes a build is working on.
type Pool struct {
	// BuildID is the build recording actions.
	BuildID  int64
	DB       cidb.DB
	Reviewer Reviewer

	// Changes are the changes to projects in the manifest.
	Changes []*changelist.Change
	// NonManifest are changes to projects outside of the manifest. They are
	// submitted without verification.
	NonManifest []*changelist.Change
	// TreeOpen is the tree state seen by the last acquisition.
	TreeOpen bool
}

// AcquireOptions configure Acquire.
type AcquireOptions struct {
	BuildID int64
	Query   string
	// Manifest splits changes into manifest and non-manifest ones and
	// resolves project paths. If nil, every change is a manifest change.
	Manifest *manifest.Manifest
	// Filter, if set, is applied to the changes after every query.
	Filter Filter

	// CheckTreeOpen makes Acquire wait for the tree at TreeURL to open.
	CheckTreeOpen bool
	TreeURL       string
	// WaitForChanges makes Acquire wait until some change is found.
	WaitForChanges bool
	// PollInterval separates two attempts.
	PollInterval time.Duration
	// Timeout bounds the waiting. When it expires, the pool is returned as
	// is: callers check TreeOpen and the changes.
	Timeout time.Duration
}

// Acquire queries the code review system for ready changes.
func Acquire(ctx context.Context, db cidb.DB, r Reviewer, opts AcquireOptions) (*Pool, error) {
	p := &Pool{BuildID: opts.BuildID, DB: db, Reviewer: r}
	deadline := clock.Now(ctx).Add(opts.Timeout)
	for {
		p.TreeOpen = !opts.CheckTreeOpen || tree.IsOpen(ctx, opts.TreeURL, true)
		if p.TreeOpen {
			if err := p.refresh(ctx, opts); err != nil {
				return nil, err
			}
			if !opts.WaitForChanges || len(p.Changes)+len(p.NonManifest) > 0 {
				return p, nil
			}
			logging.Infof(ctx, "No changes found, waiting")
		} else {
			logging.Infof(ctx, "Tree is closed, waiting")
		}
		if !clock.Now(ctx).Before(deadline) {
			return p, nil
		}
		if res := <-clock.After(ctx, opts.PollInterval); res.Err != nil {
			return nil, res.Err
		}
	}
}

// FromManifest returns the pool recorded in a manifest by a master build.
func FromManifest(ctx context.Context, db cidb.DB, r Reviewer, buildID int64, m *manifest.Manifest) (*Pool, error) {
	cs, err := m.PendingChanges()
	if err != nil {
		return nil, err
	}
	logging.Infof(ctx, "Loaded %d changes from the manifest: %s", len(cs), changelist.JoinString(cs))
	return &Pool{BuildID: buildID, DB: db, Reviewer: r, Changes: cs, TreeOpen: true}, nil
}

func (p *Pool) refresh(ctx context.Context, opts AcquireOptions) error {
	all, err := p.Reviewer.Query(ctx, opts.Query)
	if err != nil {
		return errors.Annotate(err, "failed to acquire changes").Err()
	}
	all = excludeDuplicateChangeIDs(ctx, all)

	var changes, nonManifest []*changelist.Change
	for _, c := range all {
		if opts.Manifest == nil {
			changes = append(changes, c)
			continue
		}
		path, ok := opts.Manifest.ProjectPath(c.Project, c.Branch)
		if !ok {
			nonManifest = append(nonManifest, c)
			continue
		}
		c.ProjectPath = path
		changes = append(changes, c)
	}
	if opts.Filter != nil {
		if changes, nonManifest, err = opts.Filter(ctx, p, changes, nonManifest); err != nil {
			return err
		}
	}
	p.Changes, p.NonManifest = changes, nonManifest
	return nil
}

// excludeDuplicateChangeIDs drops every change sharing its Change-Id with
// another change on the same project and branch, since neither can be told
// apart from the other.
func excludeDuplicateChangeIDs(ctx context.Context, cs []*changelist.Change) []*changelist.Change {
	type id struct{ changeID, project, branch string }
	groups := map[id][]*changelist.Change{}
	for _, c := range cs {
		if c.ChangeID == "" {
			continue
		}
		k := id{c.ChangeID, c.Project, c.Branch}
		groups[k] = append(groups[k], c)
	}
	bad := changelist.Set{}
	for k, g := range groups {
		if len(g) > 1 {
			logging.Errorf(ctx, "Changes %s share Change-Id %s on %s:%s, ignoring all of them",
				changelist.JoinString(g), k.changeID, k.project, k.branch)
			for _, c := range g {
				bad.Add(c.Key)
			}
		}
	}
	if len(bad) == 0 {
		return cs
	}
	out := make([]*changelist.Change, 0, len(cs)-len(bad))
	for _, c := range cs {
		if !bad.Has(c.Key) {
			out = append(out, c)
		}
	}
	return out
}

// Record inserts actions on behalf of the pool's build.
func (p *Pool) Record(ctx context.Context, actions ...clactions.Action) error {
	if len(actions) == 0 {
		return nil
	}
	if err := p.DB.InsertCLActions(ctx, p.BuildID, actions); err != nil {
		return errors.Annotate(err, "failed to record %d actions", len(actions)).Err()
	}
	return nil
}

// RecordPickedUp records that the build picked up all of the pool's changes.
func (p *Pool) RecordPickedUp(ctx context.Context, config string) error {
	actions := make([]clactions.Action, len(p.Changes))
	for i, c := range p.Changes {
		actions[i] = clactions.New(c, clactions.PickedUp, config)
	}
	return p.Record(ctx, actions...)
}

// SendNotification posts msg on the change.
func (p *Pool) SendNotification(ctx context.Context, c *changelist.Change, msg string) error {
	if err := p.Reviewer.Notify(ctx, c, msg); err != nil {
		return errors.Annotate(err, "failed to notify %s", c).Err()
	}
	return nil
}

// UpdateCLPreCQStatus records a new Pre-CQ status for the change.
func (p *Pool) UpdateCLPreCQStatus(ctx context.Context, c *changelist.Change, s clactions.Status) error {
	logging.Infof(ctx, "%s has Pre-CQ status %s", c, s)
	return p.Record(ctx, clactions.New(c, clactions.StatusToAction(s), ""))
}

// RemoveReady kicks the change out: its ready flags are cleared with an
// explanation and the kick out is recorded against config.
//
// A failure to update the change is logged. The kick out is still recorded
// so the change isn't retried.
func (p *Pool) RemoveReady(ctx context.Context, c *changelist.Change, config, reason string) error {
	if err := p.Reviewer.RemoveReady(ctx, c, reason); err != nil {
		logging.Errorf(ctx, "Failed to remove the ready flags of %s: %s", c, err)
	}
	a := clactions.New(c, clactions.KickedOut, config)
	a.Reason = config
	return p.Record(ctx, a)
}

// HandlePreCQSuccess tells the authors that their changes passed the Pre-CQ.
func (p *Pool) HandlePreCQSuccess(ctx context.Context, changes []*changelist.Change) error {
	var merr errors.MultiError
	for _, c := range changes {
		msg := "This change passed the Pre-CQ and is ready for the Commit Queue."
		if err := p.SendNotification(ctx, c, msg); err != nil {
			merr = append(merr, err)
		}
	}
	if len(merr) > 0 {
		return merr
	}
	return nil
}

// HandleApplySuccess tells the author that builds started testing the change.
func (p *Pool) HandleApplySuccess(ctx context.Context, c *changelist.Change, urls []string) error {
	msg := "The Pre-CQ started testing this change."
	if len(urls) > 0 {
		msg += " Follow progress at:\n" + strings.Join(urls, "\n")
	}
	return p.SendNotification(ctx, c, msg)
}

// SubmitChanges submits changes, dependencies first, and records the outcome
// of each with the submission strategy as reason.
//
// Changes which fail to submit are reported back and their authors are
// notified. The returned error is only about recording.
func (p *Pool) SubmitChanges(ctx context.Context, changes []*changelist.Change, strategy string) (submitted, failed []*changelist.Change, err error) {
	var actions []clactions.Action
	for _, c := range submitOrder(changes) {
		kind := clactions.Submitted
		if err := p.Reviewer.Submit(ctx, c); err != nil {
			logging.Warningf(ctx, "Failed to submit %s: %s", c, err)
			kind = clactions.SubmitFailed
			failed = append(failed, c)
			msg := fmt.Sprintf("Failed to submit this change: %s", err)
			if err := p.SendNotification(ctx, c, msg); err != nil {
				logging.Warningf(ctx, "%s", err)
			}
		} else {
			logging.Infof(ctx, "Submitted %s (%s)", c, strategy)
			submitted = append(submitted, c)
		}
		a := clactions.New(c, kind, "")
		a.Reason = strategy
		actions = append(actions, a)
	}
	return submitted, failed, p.Record(ctx, actions...)
}

// SubmitNonManifestChanges submits the non-manifest changes.
func (p *Pool) SubmitNonManifestChanges(ctx context.Context) (submitted, failed []*changelist.Change, err error) {
	return p.SubmitChanges(ctx, p.NonManifest, clactions.StrategyNonManifest)
}

// submitOrder sorts changes so that dependencies within the list come first.
// Ties and cycles are broken by key.
func submitOrder(cs []*changelist.Change) []*changelist.Change {
	sorted := changelist.Sort(append([]*changelist.Change(nil), cs...))
	byRef := map[changelist.Dep]*changelist.Change{}
	for _, c := range sorted {
		byRef[changelist.Dep{Source: c.Source, Number: c.Number}] = c
	}
	out := make([]*changelist.Change, 0, len(cs))
	state := map[*changelist.Change]int{} // 1: visiting, 2: done
	var visit func(c *changelist.Change)
	visit = func(c *changelist.Change) {
		if state[c] != 0 {
			return
		}
		state[c] = 1
		deps := append([]changelist.Dep(nil), c.Deps...)
		sort.Slice(deps, func(i, j int) bool {
			if deps[i].Source != deps[j].Source {
				return deps[i].Source < deps[j].Source
			}
			return deps[i].Number < deps[j].Number
		})
		for _, d := range deps {
			if dc := byRef[changelist.Dep{Source: d.Source, Number: d.Number}]; dc != nil {
				visit(dc)
			}
		}
		state[c] = 2
		out = append(out, c)
	}
	for _, c := range sorted {
		visit(c)
	}
	return out
}
