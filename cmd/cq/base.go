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
	"net/http"
	"time"

	"cloud.google.com/go/storage"
	"github.com/go-git/go-git/v5/plumbing/transport"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"
	"github.com/maruel/subcommands"
	"google.golang.org/api/option"

	"go.chromium.org/luci/auth"
	"go.chromium.org/luci/auth/client/authcli"
	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/logging"
	"go.chromium.org/luci/common/tsmon"
	"go.chromium.org/luci/common/tsmon/target"

	"go.chromium.org/chromiumos/cq/internal/cidb"
	"go.chromium.org/chromiumos/cq/internal/cidb/badgercidb"
	"go.chromium.org/chromiumos/cq/internal/cidb/sqlcidb"
	"go.chromium.org/chromiumos/cq/internal/cqconfig"
	"go.chromium.org/chromiumos/cq/internal/gerrit"
	"go.chromium.org/chromiumos/cq/internal/manifest"
	"go.chromium.org/chromiumos/cq/internal/stage"
)

const (
	// Exit codes.
	ecOK    = 0
	ecError = 1
	ecFatal = 2
)

// commandBase carries the flags and clients shared by every subcommand.
type commandBase struct {
	subcommands.CommandRunBase

	authFlags  authcli.Flags
	logConfig  logging.Config
	tsmonFlags tsmon.Flags
	configPath string
	dryRun     bool

	cfg           *cqconfig.Config
	authenticator *auth.Authenticator
}

func (c *commandBase) registerBaseFlags(authOpts auth.Options) {
	c.logConfig.Level = logging.Info
	c.logConfig.AddFlags(&c.Flags)
	c.authFlags.Register(&c.Flags, authOpts)

	c.tsmonFlags = tsmon.NewFlags()
	c.tsmonFlags.Flush = tsmon.FlushAuto
	c.tsmonFlags.Target.TargetType = target.TaskType
	c.tsmonFlags.Target.TaskServiceName = "cq"
	c.tsmonFlags.Target.TaskJobName = "default"
	c.tsmonFlags.Register(&c.Flags)

	c.Flags.StringVar(&c.configPath, "config", "", "Path to the YAML config. Defaults apply if empty.")
	c.Flags.BoolVar(&c.dryRun, "dry-run", false, "Don't dispatch trybots nor write to Gerrit.")
}

// init loads the config and sets up logging, monitoring and authentication.
func (c *commandBase) init(ctx context.Context) (context.Context, error) {
	ctx = c.logConfig.Set(ctx)

	// A failure here is non-fatal, metrics are just not sent.
	if err := tsmon.InitializeFromFlags(ctx, &c.tsmonFlags); err != nil {
		logging.Errorf(ctx, "Failed to initialize tsmon: %s", err)
	}

	if c.configPath == "" {
		c.cfg = cqconfig.Default()
	} else {
		var err error
		if c.cfg, err = cqconfig.Load(c.configPath); err != nil {
			return ctx, err
		}
	}
	if c.dryRun {
		c.cfg.DryRun = true
	}

	opts, err := c.authFlags.Options()
	if err != nil {
		return ctx, err
	}
	c.authenticator = auth.NewAuthenticator(ctx, auth.SilentLogin, opts)
	return ctx, nil
}

func (c *commandBase) httpClient() (*http.Client, error) {
	client, err := c.authenticator.Client()
	if err != nil {
		return nil, errors.Annotate(err, "failed to create an authenticated client").Err()
	}
	return client, nil
}

// gitAuth authenticates pushes to the manifest-versions remotes.
func (c *commandBase) gitAuth() (transport.AuthMethod, error) {
	tok, err := c.authenticator.GetAccessToken(5 * time.Minute)
	if err != nil {
		return nil, errors.Annotate(err, "failed to get an access token").Err()
	}
	return &githttp.BasicAuth{Username: "git", Password: tok.AccessToken}, nil
}

func (c *commandBase) openDB(ctx context.Context) (cidb.DB, error) {
	switch b := c.cfg.CIDB; b.Backend {
	case "memory":
		logging.Warningf(ctx, "Using an in-memory CIDB, nothing will persist")
		return cidb.NewMemory(), nil
	case "badger":
		return badgercidb.Open(b.DSN)
	case "sqlite":
		return sqlcidb.Open(ctx, sqlcidb.Config{Dialect: sqlcidb.SQLite, DSN: b.DSN})
	case "postgres":
		return sqlcidb.Open(ctx, sqlcidb.Config{Dialect: sqlcidb.Postgres, DSN: b.DSN})
	default:
		return nil, errors.Reason("unknown CIDB backend %q", b.Backend).Err()
	}
}

func (c *commandBase) reviewer() (*gerrit.Hosts, error) {
	client, err := c.httpClient()
	if err != nil {
		return nil, err
	}
	h, err := gerrit.NewRESTHosts(client, c.cfg.Gerrit.ExternalHost, c.cfg.Gerrit.InternalHost)
	if err != nil {
		return nil, err
	}
	h.DryRun = c.cfg.DryRun
	return h, nil
}

func (c *commandBase) manifest() (*manifest.Manifest, error) {
	if c.cfg.Manifest.Path == "" {
		return nil, errors.Reason("manifest.path is required").Err()
	}
	return manifest.Load(c.cfg.Manifest.Path)
}

func (c *commandBase) storageClient(ctx context.Context) (*storage.Client, error) {
	client, err := c.httpClient()
	if err != nil {
		return nil, err
	}
	return storage.NewClient(ctx, option.WithHTTPClient(client))
}

// done flushes the metrics, logs the error if any, and returns the exit
// code.
func (c *commandBase) done(ctx context.Context, err error) int {
	tsmon.Shutdown(ctx)
	switch {
	case err == nil:
		return ecOK
	case stage.FatalTag.In(err):
		logging.Errorf(ctx, "Fatal: %s", err)
		return ecFatal
	default:
		errors.Log(ctx, err)
		return ecError
	}
}
