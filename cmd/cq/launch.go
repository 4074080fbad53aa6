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

package main

import (
	"context"
	"time"

	"github.com/maruel/subcommands"

	"go.chromium.org/luci/auth"
	"go.chromium.org/luci/common/cli"
	"go.chromium.org/luci/common/clock"
	"go.chromium.org/luci/common/data/text"
	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/logging"

	"go.chromium.org/chromiumos/cq/internal/cidb"
	"go.chromium.org/chromiumos/cq/internal/cqconfig"
	"go.chromium.org/chromiumos/cq/internal/precq"
	"go.chromium.org/chromiumos/cq/internal/stage"
	"go.chromium.org/chromiumos/cq/internal/trybot"
)

const launcherConfig = "pre-cq-launcher"

func cmdLaunch(authOpts auth.Options) *subcommands.Command {
	return &subcommands.Command{
		UsageLine: "launch [flags]",
		ShortDesc: "runs the Pre-CQ launcher",
		LongDesc: text.Doc(`
			Runs the Pre-CQ launcher.

			Polls the ready changes, launches Pre-CQ trybots for them and
			submits those which passed, until -loop-duration elapses.
		`),
		CommandRun: func() subcommands.CommandRun {
			r := &launchRun{}
			r.registerBaseFlags(authOpts)
			r.Flags.DurationVar(&r.loopDuration, "loop-duration", 8*time.Hour, "How long to run the launcher for.")
			r.Flags.StringVar(&r.builderName, "builder-name", "Pre-CQ Launcher", "Builder name recorded in CIDB.")
			r.Flags.Int64Var(&r.buildNumber, "build-number", 0, "Build number recorded in CIDB.")
			return r
		},
	}
}

type launchRun struct {
	commandBase

	loopDuration time.Duration
	builderName  string
	buildNumber  int64
}

func (r *launchRun) Run(a subcommands.Application, args []string, env subcommands.Env) int {
	ctx := cli.GetContext(a, r, env)
	ctx, err := r.init(ctx)
	if err == nil {
		if len(args) != 0 {
			err = errors.New("unexpected positional arguments")
		} else {
			err = r.run(ctx)
		}
	}
	return r.done(ctx, err)
}

func (r *launchRun) run(ctx context.Context) error {
	db, err := r.openDB(ctx)
	if err != nil {
		return err
	}
	defer db.Close()
	reviewer, err := r.reviewer()
	if err != nil {
		return err
	}
	m, err := r.manifest()
	if err != nil {
		return err
	}

	id, err := db.InsertBuild(ctx, &cidb.BuildStatus{
		Config:      launcherConfig,
		BuilderName: r.builderName,
		BuildNumber: r.buildNumber,
		Waterfall:   r.cfg.CQ.Waterfall,
		Status:      cidb.StatusInflight,
		StartTime:   clock.Now(ctx),
	})
	if err != nil {
		return errors.Annotate(err, "failed to record the launcher build").Err()
	}
	ctx = logging.SetField(ctx, "build", id)

	p := &stage.Pipeline{Stages: []stage.Stage{&precq.Stage{
		Launcher: &precq.Launcher{
			Config:  r.cfg,
			DB:      db,
			Options: cqconfig.FileOptions{Root: r.cfg.SourceRoot},
			Dispatcher: &trybot.Remote{
				Command: r.cfg.PreCQ.Command,
				Dir:     r.cfg.SourceRoot,
				Timeout: r.cfg.PreCQ.InflightTimeout.D(),
				DryRun:  r.cfg.DryRun,
				Run:     trybot.Subprocess,
			},
		},
		Reviewer: reviewer,
		BuildID:  id,
		Manifest: m,
		Duration: r.loopDuration,
	}}}
	_, err = p.Run(ctx)
	return err
}
