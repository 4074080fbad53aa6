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

// Command cq runs the Chromium OS Pre-CQ launcher and Commit Queue syncs.
package main

import (
	"context"
	"os"

	"cloud.google.com/go/storage"
	"github.com/maruel/subcommands"

	"go.chromium.org/luci/auth"
	"go.chromium.org/luci/auth/client/authcli"
	"go.chromium.org/luci/common/cli"
	"go.chromium.org/luci/common/flag/fixflagpos"
	"go.chromium.org/luci/common/logging/gologger"
	"go.chromium.org/luci/hardcoded/chromeinfra"
)

const gerritScope = "https://www.googleapis.com/auth/gerritcodereview"

var logCfg = gologger.LoggerConfig{
	Out: os.Stderr,
}

func application(authOpts auth.Options) *cli.Application {
	authOpts.Scopes = []string{auth.OAuthScopeEmail, gerritScope, storage.ScopeReadWrite}
	return &cli.Application{
		Name:  "cq",
		Title: "Chromium OS Pre-CQ launcher and Commit Queue.",
		Context: func(ctx context.Context) context.Context {
			return logCfg.Use(ctx)
		},
		Commands: []*subcommands.Command{
			cmdLaunch(authOpts),
			cmdSync(authOpts),
			cmdShowProgress(authOpts),

			{}, // a separator
			authcli.SubcommandLogin(authOpts, "auth-login", false),
			authcli.SubcommandLogout(authOpts, "auth-logout", false),
			authcli.SubcommandInfo(authOpts, "auth-info", false),

			{}, // a separator
			subcommands.CmdHelp,
		},
	}
}

func main() {
	app := application(chromeinfra.DefaultAuthOptions())
	os.Exit(subcommands.Run(app, fixflagpos.FixSubcommands(os.Args[1:])))
}
