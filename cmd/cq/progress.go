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
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/maruel/subcommands"

	"go.chromium.org/luci/auth"
	"go.chromium.org/luci/common/cli"
	"go.chromium.org/luci/common/clock"
	"go.chromium.org/luci/common/data/text"
	"go.chromium.org/luci/common/errors"

	"go.chromium.org/chromiumos/cq/internal/changelist"
	"go.chromium.org/chromiumos/cq/internal/clactions"
)

func cmdShowProgress(authOpts auth.Options) *subcommands.Command {
	return &subcommands.Command{
		UsageLine: "show-progress [flags] CHANGE [CHANGE...]",
		ShortDesc: "prints the Pre-CQ progress of changes",
		LongDesc: text.Doc(`
			Prints the Pre-CQ status of changes and the progress of each of
			their configs, as recorded in CIDB.

			CHANGE is "number:patchset", prefixed with "*" for internal
			changes.
		`),
		CommandRun: func() subcommands.CommandRun {
			r := &showProgressRun{}
			r.registerBaseFlags(authOpts)
			return r
		},
	}
}

type showProgressRun struct {
	commandBase
}

func (r *showProgressRun) Run(a subcommands.Application, args []string, env subcommands.Env) int {
	ctx := cli.GetContext(a, r, env)
	ctx, err := r.init(ctx)
	switch {
	case err != nil:
	case len(args) == 0:
		err = errors.New("at least one change is required")
	default:
		err = r.run(ctx, args)
	}
	return r.done(ctx, err)
}

func (r *showProgressRun) run(ctx context.Context, args []string) error {
	changes := make([]*changelist.Change, len(args))
	for i, arg := range args {
		k, err := changelist.ParseKey(arg)
		if err != nil {
			return err
		}
		changes[i] = &changelist.Change{Key: k}
	}

	db, err := r.openDB(ctx)
	if err != nil {
		return err
	}
	defer db.Close()
	pm, h, err := clactions.ComputeProgress(ctx, db, changes)
	if err != nil {
		return err
	}
	return printProgress(os.Stdout, changes, pm, h, clock.Now(ctx))
}

func printProgress(w io.Writer, changes []*changelist.Change, pm clactions.ProgressMap, h clactions.History, now time.Time) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for _, c := range changes {
		st, since := clactions.GetCLStatus(c.Key, h)
		when := ""
		if !since.IsZero() {
			when = humanize.RelTime(since, now, "ago", "from now")
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\n", c.Key, st.MetricName(), when)
		p := pm[c.Key]
		for _, cfg := range p.Configs() {
			cp := p[cfg]
			line := fmt.Sprintf("  %s\t%s\t%s", cfg, cp.Status, humanize.RelTime(cp.Timestamp, now, "ago", "from now"))
			if cp.BuildID != 0 {
				line += fmt.Sprintf("\tbuild %d", cp.BuildID)
			}
			fmt.Fprintln(tw, line)
		}
	}
	return tw.Flush()
}
