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

package cqconfig

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/go-ini/ini"

	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/errors/errtag"

	"go.chromium.org/chromiumos/cq/internal/changelist"
)

// ProjectConfigFile is the per-project options file, at the root of the
// project checkout.
const ProjectConfigFile = "COMMIT-QUEUE.ini"

// Per-project options.
const (
	SectionGeneral      = "GENERAL"
	OptionPreCQConfigs  = "pre-cq-configs"
	OptionSubmitInPreCQ = "submit-in-pre-cq"
)

// ErrMalformed tags errors caused by an unparsable options file.
var ErrMalformed = errtag.Make("malformed COMMIT-QUEUE.ini", true)

// OptionReader looks up per-project options of a change.
type OptionReader interface {
	// GetOption returns the value of the option, or "" if it isn't set.
	GetOption(c *changelist.Change, section, option string) (string, error)
}

// FileOptions reads COMMIT-QUEUE.ini from a source checkout.
type FileOptions struct {
	// Root is the source checkout in which project paths are resolved.
	Root string
}

// GetOption implements OptionReader.
//
// Changes to projects outside of the checkout have no options. A missing
// file or option is not an error.
func (f FileOptions) GetOption(c *changelist.Change, section, option string) (string, error) {
	if c.ProjectPath == "" {
		return "", nil
	}
	path := filepath.Join(f.Root, c.ProjectPath, ProjectConfigFile)
	blob, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		return "", nil
	case err != nil:
		return "", errors.Annotate(err, "failed to read %s", path).Err()
	}
	return ParseOption(blob, section, option)
}

// ParseOption extracts an option from the contents of an options file.
func ParseOption(blob []byte, section, option string) (string, error) {
	cfg, err := ini.LoadSources(ini.LoadOptions{
		KeyValueDelimiters:         "=:",
		AllowPythonMultilineValues: true,
	}, blob)
	if err != nil {
		return "", errors.Annotate(err, "failed to parse %s", ProjectConfigFile).Tag(ErrMalformed).Err()
	}
	sec, err := cfg.GetSection(section)
	if err != nil {
		return "", nil
	}
	if !sec.HasKey(option) {
		return "", nil
	}
	return strings.TrimSpace(sec.Key(option).String()), nil
}

// StaticOptions serves options from memory, keyed by project.
type StaticOptions map[string]string

// GetOption implements OptionReader. The map values are file contents.
func (s StaticOptions) GetOption(c *changelist.Change, section, option string) (string, error) {
	blob, ok := s[c.Project]
	if !ok {
		return "", nil
	}
	return ParseOption([]byte(blob), section, option)
}

// OptionLines returns the remainders of commit message lines that start with
// prefix, case insensitively. It returns nil if there are none.
func OptionLines(message, prefix string) []string {
	var out []string
	lp := strings.ToLower(prefix)
	for _, line := range strings.Split(message, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(strings.ToLower(line), lp) {
			out = append(out, strings.TrimSpace(line[len(prefix):]))
		}
	}
	return out
}
