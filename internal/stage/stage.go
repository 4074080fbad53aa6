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

// Package stage runs the steps of a build as a pipeline of stages.
package stage

import (
	"context"
	"fmt"

	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/errors/errtag"
	"go.chromium.org/luci/common/logging"
)

// Kind identifies a stage.
type Kind int

const (
	PreCQLauncher Kind = iota + 1
	ManifestVersionedSync
	MasterSlaveLKGMSync
	CommitQueueSync
	LKGMSync
)

func (k Kind) String() string {
	switch k {
	case PreCQLauncher:
		return "PreCQLauncher"
	case ManifestVersionedSync:
		return "ManifestVersionedSync"
	case MasterSlaveLKGMSync:
		return "MasterSlaveLKGMSync"
	case CommitQueueSync:
		return "CommitQueueSync"
	case LKGMSync:
		return "LKGMSync"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Outcome is how a stage that didn't fail ended.
type Outcome int

const (
	// Success lets the pipeline continue.
	Success Outcome = iota
	// NoWork means there is nothing to build.
	NoWork
	// TreeClosed means the tree didn't open in time.
	TreeClosed
)

func (o Outcome) String() string {
	switch o {
	case Success:
		return "success"
	case NoWork:
		return "no work"
	case TreeClosed:
		return "tree closed"
	default:
		return fmt.Sprintf("Outcome(%d)", int(o))
	}
}

// FatalTag marks errors caused by the environment the build runs in, e.g.
// a slave started without a master. Retrying the build won't help.
var FatalTag = errtag.Make("fatal stage error", true)

// Stage is one step of a build.
type Stage interface {
	Kind() Kind
	// Run performs the stage.
	Run(ctx context.Context) (Outcome, error)
	// HandleSkip is called instead of Run when the stage is skipped, to
	// set up whatever later stages expect from it.
	HandleSkip(ctx context.Context) error
}

// Pipeline runs stages in order.
type Pipeline struct {
	Stages []Stage
	// Skip lists the kinds of stages to skip.
	Skip map[Kind]bool
}

// Run runs the stages until one fails or doesn't succeed, and returns the
// outcome of the last stage run.
func (p *Pipeline) Run(ctx context.Context) (Outcome, error) {
	for _, s := range p.Stages {
		k := s.Kind()
		sctx := logging.SetField(ctx, "stage", k.String())
		if p.Skip[k] {
			logging.Infof(sctx, "Skipping stage %s", k)
			if err := s.HandleSkip(sctx); err != nil {
				return Success, errors.Annotate(err, "stage %s failed to skip", k).Err()
			}
			continue
		}
		logging.Infof(sctx, "Running stage %s", k)
		out, err := s.Run(sctx)
		if err != nil {
			return out, errors.Annotate(err, "stage %s failed", k).Err()
		}
		if out != Success {
			logging.Infof(sctx, "Stage %s: %s", k, out)
			return out, nil
		}
	}
	return Success, nil
}
