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
	"time"

	"github.com/maruel/subcommands"

	"go.chromium.org/luci/auth"
	"go.chromium.org/luci/common/cli"
	"go.chromium.org/luci/common/clock"
	"go.chromium.org/luci/common/data/text"
	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/logging"

	"go.chromium.org/chromiumos/cq/internal/cidb"
	"go.chromium.org/chromiumos/cq/internal/cqsync"
	"go.chromium.org/chromiumos/cq/internal/manifestversion"
	"go.chromium.org/chromiumos/cq/internal/stage"
	"go.chromium.org/chromiumos/cq/internal/trybot"
)

// externalRemote is the manifest remote of public projects.
const externalRemote = "cros"

func cmdSync(authOpts auth.Options) *subcommands.Command {
	return &subcommands.Command{
		UsageLine: "sync [flags]",
		ShortDesc: "syncs a build to its manifest version",
		LongDesc: text.Doc(`
			Syncs a build to its manifest version.

			Masters publish a new version: a build spec for -type release, an
			LKGM candidate for -type lkgm and a candidate carrying the ready
			changes for -type cq. Slaves sync to the version published by
			-master-build-id. -force-version syncs to an already published
			version instead. -type lkgm-sync syncs to the last known good
			manifest and publishes nothing.
		`),
		CommandRun: func() subcommands.CommandRun {
			r := &syncRun{}
			r.registerBaseFlags(authOpts)
			r.Flags.StringVar(&r.syncType, "type", "cq", "Sync type: release, lkgm, lkgm-sync or cq.")
			r.Flags.StringVar(&r.role, "role", "master", "Build role: master or slave.")
			r.Flags.StringVar(&r.buildConfig, "build-config", "", "Build config name. Defaults to cq.build_config.")
			r.Flags.Int64Var(&r.buildNumber, "build-number", 0, "Build number recorded in CIDB.")
			r.Flags.Int64Var(&r.masterID, "master-build-id", 0, "CIDB id of the master of a slave build.")
			r.Flags.StringVar(&r.forceVersion, "force-version", "", "Sync to this published version.")
			r.Flags.StringVar(&r.baseVersion, "base-version", "1.0.0", "First version when nothing is published yet.")
			r.Flags.BoolVar(&r.force, "force", false, "Publish a build spec even if no project moved.")
			r.Flags.DurationVar(&r.acquireTimeout, "acquire-timeout", 30*time.Minute, "How long a CQ master waits for the tree and for changes.")
			return r
		},
	}
}

type syncRun struct {
	commandBase

	syncType       string
	role           string
	buildConfig    string
	buildNumber    int64
	masterID       int64
	forceVersion   string
	baseVersion    string
	force          bool
	acquireTimeout time.Duration
}

func (r *syncRun) validate() error {
	switch {
	case r.syncType != "release" && r.syncType != "lkgm" && r.syncType != "lkgm-sync" && r.syncType != "cq":
		return errors.Reason("unknown -type %q", r.syncType).Err()
	case r.role != "master" && r.role != "slave":
		return errors.Reason("unknown -role %q", r.role).Err()
	case r.role == "master" && r.masterID != 0:
		return errors.New("-master-build-id is for slaves")
	default:
		return nil
	}
}

func (r *syncRun) Run(a subcommands.Application, args []string, env subcommands.Env) int {
	ctx := cli.GetContext(a, r, env)
	ctx, err := r.init(ctx)
	switch {
	case err != nil:
	case len(args) != 0:
		err = errors.New("unexpected positional arguments")
	default:
		if err = r.validate(); err == nil {
			err = r.run(ctx)
		}
	}
	return r.done(ctx, err)
}

// newManager opens the versions repository in dir.
func (r *syncRun) newManager(ctx context.Context, dir, builder string, base manifestversion.Version, src manifestversion.Source) (*manifestversion.Manager, error) {
	gitAuth, err := r.gitAuth()
	if err != nil {
		return nil, err
	}
	repo, err := manifestversion.OpenRepo(ctx, dir, r.cfg.Manifest.Remote, gitAuth)
	if err != nil {
		return nil, err
	}
	repo.NoPush = r.cfg.DryRun

	var statuses manifestversion.StatusStore = &manifestversion.RepoStatusStore{Repo: repo}
	if bucket := r.cfg.Manifest.StatusBucket; bucket != "" {
		client, err := r.storageClient(ctx)
		if err != nil {
			return nil, err
		}
		statuses = &manifestversion.GSStatusStore{Client: client, Bucket: bucket}
	}
	return &manifestversion.Manager{
		Repo:       repo,
		Statuses:   statuses,
		Source:     src,
		Builder:    builder,
		Branch:     r.cfg.CQ.Branch,
		Milestone:  r.cfg.Manifest.Milestone,
		Incr:       manifestversion.IncrementForBranch(r.cfg.CQ.Branch),
		Base:       base,
		Candidates: r.syncType != "release",
		Force:      r.force,
	}, nil
}

func (r *syncRun) run(ctx context.Context) error {
	base, err := manifestversion.ParseVersion(r.baseVersion)
	if err != nil {
		return errors.Annotate(err, "bad -base-version").Err()
	}
	config := r.buildConfig
	if config == "" {
		config = r.cfg.CQ.BuildConfig
	}
	master := r.role == "master"

	db, err := r.openDB(ctx)
	if err != nil {
		return err
	}
	defer db.Close()
	m, err := r.manifest()
	if err != nil {
		return err
	}

	b := &cidb.BuildStatus{
		MasterBuildID: r.masterID,
		Config:        config,
		BuilderName:   r.cfg.CQ.BuilderName,
		Waterfall:     r.cfg.CQ.Waterfall,
		BuildNumber:   r.buildNumber,
		Status:        cidb.StatusInflight,
		StartTime:     clock.Now(ctx),
	}
	if b.ID, err = db.InsertBuild(ctx, b); err != nil {
		return errors.Annotate(err, "failed to record the build").Err()
	}
	ctx = logging.SetField(ctx, "build", b.ID)

	src := &manifestversion.CheckoutSource{Root: r.cfg.SourceRoot, Manifest: m}
	dir := r.cfg.Manifest.VersionsDir
	if r.cfg.Manifest.InternalVersionsDir != "" {
		dir = r.cfg.Manifest.InternalVersionsDir
	}
	mgr, err := r.newManager(ctx, dir, config, base, src)
	if err != nil {
		return err
	}

	env := cqsync.Env{
		Build: cqsync.Build{
			ID:           b.ID,
			Config:       config,
			Type:         r.cfg.CQ.BuildType,
			Master:       master,
			MasterID:     r.masterID,
			ForceVersion: r.forceVersion,
			DashboardURL: b.DashboardURL(),
		},
		DB:                db,
		Manager:           mgr,
		Checkout:          &cqsync.RepoCheckout{Root: r.cfg.SourceRoot, Run: trybot.Subprocess},
		MasterVersionWait: r.cfg.CQ.MasterVersionWait.D(),
		PollInterval:      r.cfg.PreCQ.PollInterval.D(),
	}

	var st stage.Stage
	switch r.syncType {
	case "release":
		st = &cqsync.ManifestVersionedSync{Env: env}
	case "lkgm-sync":
		st = &cqsync.LKGMSync{Repo: mgr.Repo, Checkout: env.Checkout}
	default:
		lkgm := cqsync.MasterSlaveLKGMSync{ManifestVersionedSync: cqsync.ManifestVersionedSync{Env: env}}
		// Internal masters also publish the public part of their versions.
		if master && r.cfg.Manifest.InternalVersionsDir != "" && r.cfg.Manifest.VersionsDir != "" {
			if lkgm.Sub, err = r.newManager(ctx, r.cfg.Manifest.VersionsDir, config, base, src); err != nil {
				return err
			}
			lkgm.Sub.Remotes = []string{externalRemote}
		}
		if r.syncType == "lkgm" {
			st = &lkgm
			break
		}
		reviewer, err := r.reviewer()
		if err != nil {
			return err
		}
		st = &cqsync.CommitQueueSync{
			MasterSlaveLKGMSync: lkgm,
			Config:              r.cfg.CQ,
			Reviewer:            reviewer,
			Manifest:            m,
			TreeURL:             r.cfg.TreeStatus.URL,
			AcquireTimeout:      r.acquireTimeout,
			DryRun:              r.cfg.DryRun,
		}
	}

	out, err := (&stage.Pipeline{Stages: []stage.Stage{st}}).Run(ctx)
	if err != nil {
		return err
	}
	if v, ok := mgr.Current(); ok {
		fmt.Printf("%s: %s\n", out, v.Full())
	} else {
		fmt.Println(out)
	}
	return nil
}
