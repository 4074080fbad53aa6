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

// Package cqconfig loads the configuration of the Pre-CQ launcher and the
// Commit Queue, and per-project options.
package cqconfig

import (
	"os"
	"time"

	"gopkg.in/yaml.v2"

	"go.chromium.org/luci/common/data/stringset"
	"go.chromium.org/luci/common/errors"
)

// Duration is a time.Duration written as "2m", "4h", etc.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(unmarshal func(any) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return errors.Annotate(err, "bad duration %q", s).Err()
	}
	*d = Duration(v)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// D returns the time.Duration.
func (d Duration) D() time.Duration { return time.Duration(d) }

// Config is the top-level configuration file.
type Config struct {
	PreCQ      PreCQ      `yaml:"pre_cq"`
	CQ         CQ         `yaml:"cq"`
	Gerrit     Gerrit     `yaml:"gerrit"`
	CIDB       CIDB       `yaml:"cidb"`
	TreeStatus TreeStatus `yaml:"tree_status"`
	Manifest   Manifest   `yaml:"manifest"`

	// SourceRoot is the checkout in which project paths are resolved.
	SourceRoot string `yaml:"source_root"`
	// KnownConfigs lists every valid build config name.
	KnownConfigs []string `yaml:"known_configs"`
	// DryRun disables dispatch and Gerrit writes.
	DryRun bool `yaml:"dry_run"`
}

// PreCQ configures the Pre-CQ launcher.
type PreCQ struct {
	// LaunchDelay is how long a change must be idle after approval before
	// a trybot is launched for it.
	LaunchDelay Duration `yaml:"launch_delay"`
	// LaunchTimeout bounds the time between dispatch and the trybot picking
	// up the change.
	LaunchTimeout Duration `yaml:"launch_timeout"`
	// InflightTimeout bounds the run time of a trybot.
	InflightTimeout Duration `yaml:"inflight_timeout"`
	// StatusExpiry is how long a passed or fully verified status lasts.
	StatusExpiry Duration `yaml:"status_expiry"`

	MaxPatchesPerTrybotRun        int `yaml:"max_patches_per_trybot_run"`
	MaxLaunchesPerCycleDerivative int `yaml:"max_launches_per_cycle_derivative"`

	DefaultConfigs []string `yaml:"default_configs"`
	// BinhostConfig is added for changes to overlays.
	BinhostConfig string `yaml:"binhost_config"`
	// PollInterval separates two ProcessChanges cycles.
	PollInterval Duration `yaml:"poll_interval"`
	// Query selects the changes to consider.
	Query string `yaml:"query"`
	// Command is the dispatch binary.
	Command string `yaml:"command"`
}

// CQ configures the Commit Queue sync.
type CQ struct {
	BuildConfig string `yaml:"build_config"`
	BuildType   string `yaml:"build_type"`
	BuilderName string `yaml:"builder_name"`
	Waterfall   string `yaml:"waterfall"`
	Branch      string `yaml:"branch"`
	Master      bool   `yaml:"master"`
	Query       string `yaml:"query"`
	// PreCQTimeout is how old the oldest ready change must be for the CQ to
	// test changes the Pre-CQ never passed.
	PreCQTimeout Duration `yaml:"pre_cq_timeout"`
	// MasterBuildTimeouts maps build types to master deadlines.
	MasterBuildTimeouts       map[string]Duration `yaml:"master_build_timeouts"`
	DefaultMasterBuildTimeout Duration            `yaml:"default_master_build_timeout"`
	// MasterVersionWait bounds how long a slave waits for its master to
	// publish a version.
	MasterVersionWait Duration `yaml:"master_version_wait"`
}

// MasterBuildTimeout returns the deadline extension for the build type.
func (c *CQ) MasterBuildTimeout(buildType string) time.Duration {
	if d, ok := c.MasterBuildTimeouts[buildType]; ok {
		return d.D()
	}
	return c.DefaultMasterBuildTimeout.D()
}

// Gerrit names the code review hosts.
type Gerrit struct {
	ExternalHost string `yaml:"external_host"`
	InternalHost string `yaml:"internal_host"`
}

// CIDB selects the database backend.
type CIDB struct {
	// Backend is one of "memory", "sqlite", "postgres" or "badger".
	Backend string `yaml:"backend"`
	// DSN is a postgres URL, a SQLite file or a badger directory.
	DSN string `yaml:"dsn"`
}

// TreeStatus names the tree status endpoint.
type TreeStatus struct {
	URL string `yaml:"url"`
}

// Manifest configures the manifest-versions repositories.
type Manifest struct {
	// Path is the manifest XML used for new versions.
	Path string `yaml:"path"`
	// VersionsDir and InternalVersionsDir are local clones of the
	// manifest-versions repositories.
	VersionsDir         string `yaml:"versions_dir"`
	InternalVersionsDir string `yaml:"internal_versions_dir"`
	// Remote, if set, is pushed to after each publish.
	Remote string `yaml:"remote"`
	// Milestone prefixes LKGM candidate versions.
	Milestone int `yaml:"milestone"`
	// StatusBucket stores build statuses per version in Google Storage.
	// Empty keeps statuses in the versions repository.
	StatusBucket string `yaml:"status_bucket"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		PreCQ: PreCQ{
			LaunchDelay:                   Duration(2 * time.Minute),
			LaunchTimeout:                 Duration(30 * time.Minute),
			InflightTimeout:               Duration(240 * time.Minute),
			StatusExpiry:                  Duration(7 * 24 * time.Hour),
			MaxPatchesPerTrybotRun:        50,
			MaxLaunchesPerCycleDerivative: 20,
			DefaultConfigs:                []string{"rambi-pre-cq", "mixed-a-pre-cq", "mixed-b-pre-cq", "mixed-c-pre-cq"},
			BinhostConfig:                 "binhost-pre-cq",
			PollInterval:                  Duration(30 * time.Second),
			Query:                         "status:open is:mergeable label:Code-Review=+2 label:Verified=+1 (label:Commit-Queue>=1 OR label:Trybot-Ready=+1)",
			Command:                       "cbuildbot",
		},
		CQ: CQ{
			BuildConfig:               "master-paladin",
			BuildType:                 "paladin",
			BuilderName:               "CQ master",
			Waterfall:                 "chromeos",
			Branch:                    "master",
			Master:                    true,
			Query:                     "status:open is:mergeable label:Code-Review=+2 label:Verified=+1 label:Commit-Queue>=1",
			PreCQTimeout:              Duration(2 * time.Hour),
			DefaultMasterBuildTimeout: Duration(4 * time.Hour),
			MasterVersionWait:         Duration(5 * time.Minute),
		},
		CIDB: CIDB{Backend: "memory"},
	}
}

// Parse parses YAML on top of the defaults and validates the result.
func Parse(blob []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.UnmarshalStrict(blob, cfg); err != nil {
		return nil, errors.Annotate(err, "failed to parse config").Err()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Load reads and parses a config file.
func Load(path string) (*Config, error) {
	blob, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Annotate(err, "failed to read config").Err()
	}
	cfg, err := Parse(blob)
	if err != nil {
		return nil, errors.Annotate(err, "bad config %q", path).Err()
	}
	return cfg, nil
}

// Validate checks the config for consistency.
func (c *Config) Validate() error {
	var merr errors.MultiError
	check := func(cond bool, format string, args ...any) {
		if !cond {
			merr = append(merr, errors.Reason(format, args...).Err())
		}
	}
	p := c.PreCQ
	check(p.LaunchTimeout > 0, "pre_cq.launch_timeout must be positive")
	check(p.InflightTimeout > 0, "pre_cq.inflight_timeout must be positive")
	check(p.StatusExpiry > 0, "pre_cq.status_expiry must be positive")
	check(p.LaunchDelay >= 0, "pre_cq.launch_delay must be >= 0")
	check(p.MaxPatchesPerTrybotRun > 0, "pre_cq.max_patches_per_trybot_run must be positive")
	check(p.MaxLaunchesPerCycleDerivative > 0, "pre_cq.max_launches_per_cycle_derivative must be positive")
	check(len(p.DefaultConfigs) > 0, "pre_cq.default_configs must not be empty")
	if len(c.KnownConfigs) > 0 {
		known := c.Known()
		for _, cfg := range append(append([]string(nil), p.DefaultConfigs...), p.BinhostConfig) {
			check(cfg == "" || known.Has(cfg), "config %q is not in known_configs", cfg)
		}
	}
	switch c.CIDB.Backend {
	case "memory":
	case "sqlite", "postgres", "badger":
		check(c.CIDB.DSN != "", "cidb.dsn is required for the %s backend", c.CIDB.Backend)
	default:
		check(false, "unknown cidb.backend %q", c.CIDB.Backend)
	}
	check(c.CQ.PreCQTimeout > 0, "cq.pre_cq_timeout must be positive")
	if len(merr) > 0 {
		return errors.Annotate(merr, "invalid config").Err()
	}
	return nil
}

// Known returns the set of valid build configs. When known_configs is
// empty, the defaults and the binhost config are the only known ones.
func (c *Config) Known() stringset.Set {
	if len(c.KnownConfigs) > 0 {
		return stringset.NewFromSlice(c.KnownConfigs...)
	}
	s := stringset.NewFromSlice(c.PreCQ.DefaultConfigs...)
	if c.PreCQ.BinhostConfig != "" {
		s.Add(c.PreCQ.BinhostConfig)
	}
	return s
}
