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

// Package trybot dispatches verification runs to remote builders.
package trybot

import (
	"context"
	"strconv"
	"time"

	"github.com/kballard/go-shellquote"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"go.chromium.org/luci/common/clock"
	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/exec"
	"go.chromium.org/luci/common/logging"
	"go.chromium.org/luci/common/retry/transient"

	"go.chromium.org/chromiumos/cq/internal/changelist"
)

var tracer = otel.Tracer("go.chromium.org/chromiumos/cq/internal/trybot")

// Dispatcher launches one remote run testing changes against configs.
//
// A nil error means the run was accepted. The dispatcher doesn't wait for
// the run to finish.
type Dispatcher interface {
	Dispatch(ctx context.Context, changes []*changelist.Change, configs []string) error
}

// RunFunc runs a command in dir and returns its combined output.
type RunFunc func(ctx context.Context, dir, name string, args ...string) ([]byte, error)

// Remote dispatches by running `cbuildbot --remote`.
type Remote struct {
	// Command is the binary to run, "cbuildbot" if empty.
	Command string
	// Dir is the checkout the command runs in.
	Dir string
	// Timeout bounds the remote run and the local command dispatching it.
	Timeout time.Duration
	// DryRun logs the command instead of running it.
	DryRun bool
	// Run runs the command. Defaults to running a subprocess.
	Run RunFunc
}

var _ Dispatcher = (*Remote)(nil)

// Args returns the command line arguments, without the binary.
func (r *Remote) Args(changes []*changelist.Change, configs []string) []string {
	args := []string{"--remote", "--timeout", strconv.Itoa(int(r.Timeout / time.Second))}
	args = append(args, configs...)
	for _, c := range changes {
		args = append(args, "-g", c.Ref())
	}
	return args
}

// Dispatch implements Dispatcher.
func (r *Remote) Dispatch(ctx context.Context, changes []*changelist.Change, configs []string) error {
	if len(changes) == 0 || len(configs) == 0 {
		return errors.Reason("nothing to dispatch: %d changes, %d configs", len(changes), len(configs)).Err()
	}
	ctx, span := tracer.Start(ctx, "trybot.Dispatch")
	defer span.End()
	span.SetAttributes(
		attribute.Int("changes", len(changes)),
		attribute.StringSlice("configs", configs),
	)

	name := r.Command
	if name == "" {
		name = "cbuildbot"
	}
	args := r.Args(changes, configs)
	cmdline := shellquote.Join(append([]string{name}, args...)...)
	if r.DryRun {
		logging.Infof(ctx, "Would have launched tryjob with %s", cmdline)
		return nil
	}
	logging.Infof(ctx, "Launching tryjob: %s", cmdline)
	run := r.Run
	if run == nil {
		run = Subprocess
	}
	if r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = clock.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}
	if out, err := run(ctx, r.Dir, name, args...); err != nil {
		span.RecordError(err)
		return errors.Annotate(err, "%s failed, output:\n%s", cmdline, out).Tag(transient.Tag).Err()
	}
	return nil
}

// Subprocess is the RunFunc running a local command.
func Subprocess(ctx context.Context, dir, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	return cmd.CombinedOutput()
}
