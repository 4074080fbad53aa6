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

package cqsync

import (
	"context"
	"time"

	"go.chromium.org/luci/common/clock"
	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/logging"

	"go.chromium.org/chromiumos/cq/internal/changelist"
	"go.chromium.org/chromiumos/cq/internal/clactions"
	"go.chromium.org/chromiumos/cq/internal/cqconfig"
	"go.chromium.org/chromiumos/cq/internal/manifest"
	"go.chromium.org/chromiumos/cq/internal/pool"
	"go.chromium.org/chromiumos/cq/internal/stage"
	"go.chromium.org/chromiumos/cq/internal/txnplan"
)

// CommitQueueSync is the sync of Commit Queue builds.
//
// The master picks the ready changes, records them in a new candidate and
// extends its deadline so that slaves have time to finish. Slaves sync to
// the candidate and apply the same changes.
type CommitQueueSync struct {
	MasterSlaveLKGMSync

	Config   cqconfig.CQ
	Reviewer pool.Reviewer
	// Manifest splits the ready changes into manifest and non-manifest ones.
	Manifest *manifest.Manifest
	TreeURL  string
	// AcquireTimeout bounds how long the master waits for the tree and for
	// ready changes.
	AcquireTimeout time.Duration
	// DryRun skips the tree check.
	DryRun bool

	// Pool is the set of changes the build tests once the stage ran.
	Pool *pool.Pool
}

var _ stage.Stage = (*CommitQueueSync)(nil)

// Kind implements stage.Stage.
func (s *CommitQueueSync) Kind() stage.Kind { return stage.CommitQueueSync }

// Run implements stage.Stage.
func (s *CommitQueueSync) Run(ctx context.Context) (stage.Outcome, error) {
	if s.Build.ForceVersion != "" {
		return stage.Success, s.HandleSkip(ctx)
	}
	return s.perform(ctx, s)
}

// HandleSkip bootstraps the forced version and loads the pool from it.
func (s *CommitQueueSync) HandleSkip(ctx context.Context) error {
	v := s.Build.ForceVersion
	if v == "" {
		return errors.Reason("no version to load the changes from").Tag(stage.FatalTag).Err()
	}
	mf, err := s.forceVersion(ctx, v)
	if err != nil {
		return err
	}
	return s.setPoolFromManifest(ctx, mf)
}

func (s *CommitQueueSync) setPoolFromManifest(ctx context.Context, mf *manifest.Manifest) error {
	p, err := pool.FromManifest(ctx, s.DB, s.Reviewer, s.Build.ID, mf)
	if err != nil {
		return err
	}
	s.Pool = p
	return nil
}

func (s *CommitQueueSync) nextManifest(ctx context.Context) (*manifest.Manifest, stage.Outcome, error) {
	if !s.Build.Master {
		return nil, stage.Success, errors.Reason("only masters pick changes").Err()
	}
	p, err := pool.Acquire(ctx, s.DB, s.Reviewer, pool.AcquireOptions{
		BuildID:        s.Build.ID,
		Query:          s.Config.Query,
		Manifest:       s.Manifest,
		Filter:         s.ChangeFilter,
		CheckTreeOpen:  !s.DryRun,
		TreeURL:        s.TreeURL,
		WaitForChanges: true,
		PollInterval:   s.PollInterval,
		Timeout:        s.AcquireTimeout,
	})
	if err != nil {
		return nil, stage.Success, err
	}
	if !p.TreeOpen {
		logging.Warningf(ctx, "The tree is closed")
		return nil, stage.TreeClosed, nil
	}
	s.Pool = p

	// The deadline moves before slaves learn about the candidate.
	timeout := s.Config.MasterBuildTimeout(s.Build.Type)
	if err := s.DB.ExtendDeadline(ctx, s.Build.ID, timeout); err != nil {
		return nil, stage.Success, errors.Annotate(err, "failed to extend the deadline of build %d", s.Build.ID).Err()
	}

	mf, err := s.createCandidate(ctx, p.Changes)
	if err != nil {
		return nil, stage.Success, err
	}
	if err := p.RecordPickedUp(ctx, s.Build.Config); err != nil {
		return nil, stage.Success, err
	}
	return mf, stage.Success, nil
}

func (s *CommitQueueSync) checkedOut(ctx context.Context, mf *manifest.Manifest) error {
	if err := s.MasterSlaveLKGMSync.checkedOut(ctx, mf); err != nil {
		return err
	}
	if mf.LKGM != nil {
		logging.Infof(ctx, "Candidate is based on LKGM %s", mf.LKGM.Version)
	}
	// The master applied nothing: it tests the changes it picked.
	if s.Build.Master && s.Pool != nil {
		return nil
	}
	if err := s.setPoolFromManifest(ctx, mf); err != nil {
		return err
	}
	if s.Checkout != nil {
		if err := s.Checkout.Apply(ctx, mf, s.Pool.Changes); err != nil {
			return err
		}
	}
	return s.Pool.RecordPickedUp(ctx, s.Build.Config)
}

// ChangeFilter selects the changes the Commit Queue tests.
//
// Changes which passed the Pre-CQ come first. Without any, changes voted
// Commit-Queue+2 bypass the Pre-CQ. Without those either, every change is
// tested if the oldest one waited longer than PreCQTimeout, so that the
// Commit Queue keeps working when the Pre-CQ is down. Dependencies of the
// selected changes which are in the pool are added.
func (s *CommitQueueSync) ChangeFilter(ctx context.Context, p *pool.Pool, changes, nonManifest []*changelist.Change) ([]*changelist.Change, []*changelist.Change, error) {
	h, err := s.DB.GetActionsForChanges(ctx, changelist.Keys(changes))
	if err != nil {
		return nil, nil, errors.Annotate(err, "failed to fetch actions").Err()
	}
	var toTest []*changelist.Change
	for _, c := range changes {
		if st, _ := clactions.GetCLStatus(c.Key, h); st == clactions.StatusPassed {
			toTest = append(toTest, c)
		}
	}

	if len(toTest) == 0 {
		for _, c := range changes {
			if c.HasApproval(changelist.LabelCommitQueue, 2) {
				toTest = append(toTest, c)
			}
		}
	}

	if len(changes) > 0 && len(toTest) == 0 {
		oldest := changes[0].ApprovalTime
		for _, c := range changes[1:] {
			if c.ApprovalTime.Before(oldest) {
				oldest = c.ApprovalTime
			}
		}
		if clock.Now(ctx).After(oldest.Add(s.Config.PreCQTimeout.D())) {
			logging.Warningf(ctx, "No change passed the Pre-CQ and the oldest was approved at %s, testing all of them", oldest)
			toTest = changes
		}
	}

	return withDependencies(ctx, toTest, changes), nonManifest, nil
}

// withDependencies adds to selected their dependencies in the pool. Changes
// whose dependencies can't be satisfied are dropped.
func withDependencies(ctx context.Context, selected, all []*changelist.Change) []*changelist.Change {
	everything := changelist.NewSet(all...)
	seen := changelist.Set{}
	var out []*changelist.Change
	for _, c := range selected {
		txn, err := txnplan.Closure(c, all, everything)
		if err != nil {
			logging.Warningf(ctx, "Not testing %s: %s", c, err)
			continue
		}
		for _, dc := range txn {
			if !seen.Has(dc.Key) {
				seen.Add(dc.Key)
				out = append(out, dc)
			}
		}
	}
	return changelist.Sort(out)
}
