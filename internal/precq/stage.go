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

package precq

import (
	"context"
	"time"

	"go.chromium.org/luci/common/logging"

	"go.chromium.org/chromiumos/cq/internal/manifest"
	"go.chromium.org/chromiumos/cq/internal/pool"
	"go.chromium.org/chromiumos/cq/internal/stage"
)

// Stage polls the ready changes and runs a Pre-CQ cycle on each poll until
// Duration elapses.
type Stage struct {
	Launcher *Launcher
	Reviewer pool.Reviewer
	BuildID  int64
	// Manifest splits changes into manifest and non-manifest ones.
	Manifest *manifest.Manifest
	Duration time.Duration
}

var _ stage.Stage = (*Stage)(nil)

// Kind implements stage.Stage.
func (s *Stage) Kind() stage.Kind { return stage.PreCQLauncher }

// HandleSkip implements stage.Stage.
func (s *Stage) HandleSkip(ctx context.Context) error { return nil }

// Run implements stage.Stage.
func (s *Stage) Run(ctx context.Context) (stage.Outcome, error) {
	cfg := s.Launcher.Config
	_, err := pool.Acquire(ctx, s.Launcher.DB, s.Reviewer, pool.AcquireOptions{
		BuildID:        s.BuildID,
		Query:          cfg.PreCQ.Query,
		Manifest:       s.Manifest,
		Filter:         s.Launcher.ProcessChanges,
		WaitForChanges: true,
		PollInterval:   cfg.PreCQ.PollInterval.D(),
		Timeout:        s.Duration,
	})
	if err != nil {
		return stage.Success, err
	}
	logging.Infof(ctx, "Pre-CQ launcher ran for %s", s.Duration)
	return stage.Success, nil
}
