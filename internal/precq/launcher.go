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

// Package precq implements the Pre-CQ launcher, which screens ready changes,
// launches trybots on dependency-closed groups of them and tracks their
// progress until they pass, fail or expire.
package precq

import (
	"context"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"go.chromium.org/luci/common/clock"
	"go.chromium.org/luci/common/data/stringset"
	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/logging"
	"go.chromium.org/luci/common/retry/transient"

	"go.chromium.org/chromiumos/cq/internal/changelist"
	"go.chromium.org/chromiumos/cq/internal/cidb"
	"go.chromium.org/chromiumos/cq/internal/clactions"
	"go.chromium.org/chromiumos/cq/internal/cqconfig"
	"go.chromium.org/chromiumos/cq/internal/metrics"
	"go.chromium.org/chromiumos/cq/internal/pool"
	"go.chromium.org/chromiumos/cq/internal/tree"
	"go.chromium.org/chromiumos/cq/internal/trybot"
	"go.chromium.org/chromiumos/cq/internal/txnplan"
)

var tracer = otel.Tracer("go.chromium.org/chromiumos/cq/internal/precq")

// preCQConfigsPrefix introduces the commit message option listing configs.
const preCQConfigsPrefix = "pre-cq-configs:"

// Launcher runs the Pre-CQ.
//
// It is not safe for concurrent use: exactly one launcher may process a pool
// at a time.
type Launcher struct {
	Config     *cqconfig.Config
	DB         cidb.DB
	Options    cqconfig.OptionReader
	Dispatcher trybot.Dispatcher

	// LastCycleLaunchCount is the number of configs launched by the previous
	// ProcessChanges call. It bounds the launches of the next one.
	LastCycleLaunchCount int
}

// ProcessChanges runs one Pre-CQ cycle over the ready changes.
//
// It has the signature of a pool.Filter and returns no changes, so that the
// pool keeps polling. A transient action log failure only ends the current
// cycle, the next poll retries it. Other errors are returned.
func (l *Launcher) ProcessChanges(ctx context.Context, p *pool.Pool, changes, nonManifest []*changelist.Change) ([]*changelist.Change, []*changelist.Change, error) {
	ctx, span := tracer.Start(ctx, "precq.ProcessChanges")
	defer span.End()
	span.SetAttributes(attribute.Int("changes", len(changes)))
	if err := l.processChanges(ctx, p, changelist.Sort(append([]*changelist.Change(nil), changes...)), nonManifest); err != nil {
		span.RecordError(err)
		if transient.Tag.In(err) {
			logging.Warningf(ctx, "Pre-CQ cycle failed, retrying on the next poll: %s", err)
			return nil, nil, nil
		}
		return nil, nil, err
	}
	return nil, nil, nil
}

func (l *Launcher) processChanges(ctx context.Context, p *pool.Pool, changes, nonManifest []*changelist.Change) error {
	history, err := l.DB.GetActionsForChanges(ctx, changelist.Keys(changes))
	if err != nil {
		return errors.Annotate(err, "failed to fetch actions").Err()
	}
	var marks []clactions.Action
	for _, c := range changes {
		if kind := clactions.GetRequeuedOrSpeculative(c.Key, history, !c.IsMergeable()); kind != "" {
			marks = append(marks, clactions.New(c, kind, ""))
		}
	}
	if err := p.Record(ctx, marks...); err != nil {
		return err
	}

	statuses := make(map[changelist.Key]clactions.Status, len(changes))
	for _, c := range changes {
		statuses[c.Key], _ = clactions.GetCLStatus(c.Key, history)
	}

	// Failed changes stay out until they are marked ready again.
	all := changes
	changes = nil
	for _, c := range all {
		if statuses[c.Key] != clactions.StatusFailed || c.HasReadyFlag() {
			changes = append(changes, c)
		}
	}

	progress := clactions.GetProgressMap(changes, history)
	cat := clactions.GetCategories(progress)
	now, err := l.DB.GetTime(ctx)
	if err != nil {
		return errors.Annotate(err, "failed to get the database time").Err()
	}

	var toProcess []*changelist.Change
	for _, c := range changes {
		if statuses[c.Key] != clactions.StatusPassed {
			toProcess = append(toProcess, c)
		}
	}

	var toMarkVerified []*changelist.Change
	canSubmit := changelist.Set{}
	for _, c := range toProcess {
		if !cat.Verified.Has(c.Key) {
			continue
		}
		if statuses[c.Key] != clactions.StatusFullyVerified {
			toMarkVerified = append(toMarkVerified, c)
		}
		if c.IsMergeable() && l.canSubmitInPreCQ(ctx, c) {
			canSubmit.Add(c.Key)
		}
	}
	if err := l.updateStatuses(ctx, p, toMarkVerified, clactions.StatusFullyVerified); err != nil {
		return err
	}
	if len(toMarkVerified) > 0 {
		if err := p.HandlePreCQSuccess(ctx, toMarkVerified); err != nil {
			logging.Warningf(ctx, "Failed to notify verified changes: %s", err)
		}
	}

	l.reportStatuses(ctx, all, statuses)

	for _, c := range changes {
		if cat.Inflight.Has(c.Key) && statuses[c.Key] != clactions.StatusInflight {
			if err := l.markInflight(ctx, p, c, progress[c.Key]); err != nil {
				return err
			}
		}
	}

	willSubmit := changelist.Set{}
	var submitList, willPass []*changelist.Change
	for _, c := range toProcess {
		switch {
		case cat.Verified.Has(c.Key) && c.IsMergeable():
			if willSubmit.Has(c.Key) {
				continue
			}
			if canSubmit.Has(c.Key) {
				logging.Infof(ctx, "Attempting to determine if %s can be submitted", c)
				txn, err := txnplan.Closure(c, changes, canSubmit)
				if err == nil {
					for _, tc := range txn {
						if !willSubmit.Has(tc.Key) {
							willSubmit.Add(tc.Key)
							submitList = append(submitList, tc)
						}
					}
					continue
				}
				logging.Infof(ctx, "Not submitting %s in the Pre-CQ: %s", c, err)
			}
			willPass = append(willPass, c)
		case !clactions.IsScreened(c.Key, history):
			if err := l.screen(ctx, p, c); err != nil {
				return err
			}
		default:
			if err := l.processTimeouts(ctx, p, c, progress[c.Key], now); err != nil {
				return err
			}
		}
	}

	if err := l.launch(ctx, p, changes, progress); err != nil {
		return err
	}

	if err := l.updateStatuses(ctx, p, willPass, clactions.StatusPassed); err != nil {
		return err
	}

	for _, c := range all {
		if err := l.processExpiry(ctx, p, c, history, now); err != nil {
			return err
		}
	}

	if tree.IsOpen(ctx, l.Config.TreeStatus.URL, true) {
		if _, _, err := p.SubmitChanges(ctx, nonManifest, clactions.StrategyNonManifest); err != nil {
			return err
		}
		if _, _, err := p.SubmitChanges(ctx, submitList, clactions.StrategyPreCQSubmit); err != nil {
			return err
		}
	} else if len(nonManifest)+len(submitList) > 0 {
		logging.Infof(ctx, "Tree is closed, not submitting %s", changelist.JoinString(append(append([]*changelist.Change(nil), nonManifest...), submitList...)))
	}
	return nil
}

func (l *Launcher) updateStatuses(ctx context.Context, p *pool.Pool, cs []*changelist.Change, s clactions.Status) error {
	actions := make([]clactions.Action, len(cs))
	for i, c := range cs {
		actions[i] = clactions.New(c, clactions.StatusToAction(s), "")
	}
	if len(cs) > 0 {
		logging.Infof(ctx, "Marking %s as %s", changelist.JoinString(cs), s)
	}
	return p.Record(ctx, actions...)
}

func (l *Launcher) reportStatuses(ctx context.Context, cs []*changelist.Change, statuses map[changelist.Key]clactions.Status) {
	counts := map[string]map[clactions.Status]int{
		metrics.SubtypeMergeable:   {},
		metrics.SubtypeSpeculative: {},
	}
	for _, c := range cs {
		sub := metrics.SubtypeSpeculative
		if c.IsMergeable() {
			sub = metrics.SubtypeMergeable
		}
		counts[sub][statuses[c.Key]]++
	}
	metrics.ReportStatuses(ctx, counts)
}

// markInflight records that trybots started on the change and sends the
// author links to them.
func (l *Launcher) markInflight(ctx context.Context, p *pool.Pool, c *changelist.Change, pr clactions.Progress) error {
	if err := p.UpdateCLPreCQStatus(ctx, c, clactions.StatusInflight); err != nil {
		return err
	}
	var ids []int64
	seen := map[int64]bool{}
	for _, cfg := range pr.Configs() {
		if id := pr[cfg].BuildID; id != 0 && !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	builds, err := l.DB.GetBuildStatuses(ctx, ids)
	if err != nil {
		return errors.Annotate(err, "failed to fetch builds of %s", c).Err()
	}
	urls := make([]string, len(builds))
	for i, b := range builds {
		urls[i] = b.DashboardURL()
	}
	if err := p.HandleApplySuccess(ctx, c, urls); err != nil {
		logging.Warningf(ctx, "%s", err)
	}
	return nil
}

// verificationsFor returns the configs the change must pass.
//
// The commit message option wins over the project option, which wins over
// the defaults. An option naming an unknown config is ignored.
func (l *Launcher) verificationsFor(ctx context.Context, c *changelist.Change) ([]string, error) {
	var configs stringset.Set
	if lines := cqconfig.OptionLines(c.CommitMessage, preCQConfigsPrefix); lines != nil {
		configs = l.parseConfigs(ctx, c, strings.Join(lines, " "))
	}
	if configs == nil && l.Options != nil {
		opt, err := l.Options.GetOption(c, cqconfig.SectionGeneral, cqconfig.OptionPreCQConfigs)
		if err != nil {
			return nil, err
		}
		configs = l.parseConfigs(ctx, c, opt)
	}
	if configs == nil {
		configs = stringset.NewFromSlice(l.Config.PreCQ.DefaultConfigs...)
	}
	if bin := l.Config.PreCQ.BinhostConfig; bin != "" && strings.Contains(c.Project, "/overlays/") {
		configs.Add(bin)
	}
	return configs.ToSortedSlice(), nil
}

func (l *Launcher) parseConfigs(ctx context.Context, c *changelist.Change, opt string) stringset.Set {
	fields := strings.Fields(opt)
	if len(fields) == 0 {
		return nil
	}
	configs := stringset.NewFromSlice(fields...)
	if configs.Has("default") {
		configs.Del("default")
		configs.AddAll(l.Config.PreCQ.DefaultConfigs)
	}
	known := l.Config.Known()
	for _, cfg := range configs.ToSortedSlice() {
		if !known.Has(cfg) {
			logging.Warningf(ctx, "%s asks for unknown config %q, ignoring %q", c, cfg, opt)
			return nil
		}
	}
	return configs
}

// screen records the configs the change must pass.
func (l *Launcher) screen(ctx context.Context, p *pool.Pool, c *changelist.Change) error {
	configs, err := l.verificationsFor(ctx, c)
	if err != nil {
		if cqconfig.ErrMalformed.In(err) {
			logging.Errorf(ctx, "Not screening %s: %s", c, err)
			return nil
		}
		return errors.Annotate(err, "failed to screen %s", c).Err()
	}
	logging.Infof(ctx, "Screened %s for %s", c, strings.Join(configs, " "))
	actions := make([]clactions.Action, 0, len(configs)+1)
	for _, cfg := range configs {
		actions = append(actions, clactions.New(c, clactions.ValidationPending, cfg))
	}
	actions = append(actions, clactions.New(c, clactions.ScreenedForPreCQ, ""))
	return p.Record(ctx, actions...)
}

func (l *Launcher) canSubmitInPreCQ(ctx context.Context, c *changelist.Change) bool {
	if l.Options == nil {
		return false
	}
	v, err := l.Options.GetOption(c, cqconfig.SectionGeneral, cqconfig.OptionSubmitInPreCQ)
	if err != nil {
		logging.Errorf(ctx, "%s has a malformed config file: %s", c, err)
		return false
	}
	return strings.EqualFold(v, "yes")
}

// processTimeouts fails the change if one of its configs was launched or
// inflight for too long. The author is told once.
func (l *Launcher) processTimeouts(ctx context.Context, p *pool.Pool, c *changelist.Change, pr clactions.Progress, now time.Time) error {
	cfg := l.Config.PreCQ
	for _, name := range pr.Configs() {
		cp := pr[name]
		var timeout time.Duration
		var msg string
		switch cp.Status {
		case clactions.ConfigLaunched:
			timeout = cfg.LaunchTimeout.D()
			msg = launchTimeoutMessage(name, timeout)
		case clactions.ConfigInflight:
			timeout = cfg.InflightTimeout.D()
			msg = inflightTimeoutMessage(name, timeout)
		default:
			continue
		}
		if now.Sub(cp.Timestamp) <= timeout {
			continue
		}
		logging.Warningf(ctx, "%s timed out on %s (%s since %s)", c, name, cp.Status, cp.Timestamp)
		if err := p.RemoveReady(ctx, c, name, msg); err != nil {
			return err
		}
		return p.UpdateCLPreCQStatus(ctx, c, clactions.StatusFailed)
	}
	return nil
}

// processExpiry resets a passed or fully verified status which is too old.
func (l *Launcher) processExpiry(ctx context.Context, p *pool.Pool, c *changelist.Change, h clactions.History, now time.Time) error {
	st, at := clactions.GetCLStatus(c.Key, h)
	if st != clactions.StatusPassed && st != clactions.StatusFullyVerified {
		return nil
	}
	expiry := l.Config.PreCQ.StatusExpiry.D()
	if at.IsZero() || now.Sub(at) <= expiry {
		return nil
	}
	logging.Infof(ctx, "Pre-CQ status %s of %s expired", st, c)
	if err := p.SendNotification(ctx, c, expiryMessage(expiry)); err != nil {
		logging.Warningf(ctx, "%s", err)
	}
	return p.Record(ctx, clactions.New(c, clactions.PreCQReset, ""))
}

// launch dispatches trybots for the launchable transactions.
//
// The number of configs launched is capped by the previous cycle's count
// plus the allowed derivative. Dispatch failures are logged and skipped.
// Failing to record a dispatched launch aborts the cycle.
func (l *Launcher) launch(ctx context.Context, p *pool.Pool, changes []*changelist.Change, progress clactions.ProgressMap) error {
	cfg := l.Config.PreCQ

	treeOpen := tree.IsOpen(ctx, l.Config.TreeStatus.URL, true)
	plans := txnplan.PlanTransactions(ctx, txnplan.PlanInput{
		Pool:        changes,
		Progress:    progress,
		MaxTxnLen:   cfg.MaxPatchesPerTrybotRun,
		LaunchDelay: cfg.LaunchDelay.D(),
		Now:         clock.Now(ctx),
	})

	limit := l.LastCycleLaunchCount + cfg.MaxLaunchesPerCycleDerivative
	launchCount, clLaunchCount := 0, 0
	defer func() {
		metrics.PreCQ.TickCount.Add(ctx, 1)
		l.LastCycleLaunchCount = launchCount
		logging.Infof(ctx, "Launched %d configs (%d change launches), limit was %d", launchCount, clLaunchCount, limit)
	}()

	for _, plan := range plans {
		configs := plan.Configs
		switch remaining := limit - launchCount; {
		case !treeOpen:
			logging.Infof(ctx, "Tree is closed, not launching configs %q for %s", configs, plan.Changes)
			continue
		case remaining <= 0:
			logging.Infof(ctx, "Hit the maximum launch count of %d this cycle, not launching configs %q for %s", limit, configs, plan.Changes)
			continue
		case len(configs) > remaining:
			logging.Infof(ctx, "Launch count limit of %d leaves room for %d configs, deferring %q for %s", limit, remaining, configs[remaining:], plan.Changes)
			configs = configs[:remaining]
		}

		if err := l.Dispatcher.Dispatch(ctx, plan.Changes, configs); err != nil {
			logging.Errorf(ctx, "Failed to launch %q for %s: %s", configs, plan.Changes, err)
			continue
		}
		launchCount += len(configs)
		clLaunchCount += len(configs) * len(plan.Changes)
		for _, name := range configs {
			metrics.PreCQ.LaunchCount.Add(ctx, 1, name)
			metrics.PreCQ.CLLaunchCount.Add(ctx, int64(len(plan.Changes)), name)
		}

		actions := make([]clactions.Action, 0, len(configs)*len(plan.Changes))
		for _, c := range plan.Changes {
			for _, name := range configs {
				actions = append(actions, clactions.New(c, clactions.TrybotLaunching, name))
			}
		}
		if err := p.Record(ctx, actions...); err != nil {
			return errors.Annotate(err, "launched %q for %s but failed to record it", configs, plan.Changes).Err()
		}
	}
	return nil
}
