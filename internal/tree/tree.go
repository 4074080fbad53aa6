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

// Package tree fetches the tree status, which gates launches and submission.
package tree

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/logging"
	"go.chromium.org/luci/common/retry"
	"go.chromium.org/luci/common/retry/transient"
)

// Client fetches the tree status.
type Client interface {
	// FetchLatest fetches the latest tree status.
	FetchLatest(ctx context.Context, endpoint string) (Status, error)
}

// Status models the status returned by the tree status app.
type Status struct {
	// State describes the tree state.
	State State
	// Since is the timestamp when the tree obtained the current state.
	Since time.Time
	// Message is the status message set by the sheriffs.
	Message string
}

// State enumerates possible values for tree state.
type State int8

const (
	StateUnknown State = iota
	Open
	Closed
	Throttled
	InMaintenance
)

func (s State) String() string {
	switch s {
	case Open:
		return "open"
	case Closed:
		return "closed"
	case Throttled:
		return "throttled"
	case InMaintenance:
		return "maintenance"
	default:
		return "unknown"
	}
}

func convertToTreeState(s string) State {
	switch s {
	case "open":
		return Open
	case "close", "closed":
		return Closed
	case "throttled":
		return Throttled
	case "maintenance":
		return InMaintenance
	default:
		return StateUnknown
	}
}

var clientCtxKey = "go.chromium.org/chromiumos/cq/internal/tree.Client"

// NewHTTPClient returns a Client talking to the tree status app over HTTP.
func NewHTTPClient(c *http.Client) Client {
	return httpClientImpl{c}
}

// Install puts the given `Client` implementation into the context.
func Install(ctx context.Context, c Client) context.Context {
	return context.WithValue(ctx, &clientCtxKey, c)
}

// MustClient returns the `Client` implementation stored in the context.
//
// Panics if not found.
func MustClient(ctx context.Context) Client {
	c := ctx.Value(&clientCtxKey)
	if c == nil {
		panic("Tree Status Client not found in the context")
	}
	return c.(Client)
}

// FetchLatest fetches the latest tree status.
//
// This is a shortcut of `tree.MustClient(ctx).FetchLatest(ctx, endpoint)`.
func FetchLatest(ctx context.Context, endpoint string) (Status, error) {
	return MustClient(ctx).FetchLatest(ctx, endpoint)
}

// IsOpen reports whether the tree at endpoint accepts changes.
//
// Transient failures are retried. A tree whose status cannot be fetched is
// treated as closed. An empty endpoint means there is no tree to check.
func IsOpen(ctx context.Context, endpoint string, throttledOK bool) bool {
	if endpoint == "" {
		return true
	}
	var st Status
	err := retry.Retry(ctx, transient.Only(retry.Default), func() (err error) {
		st, err = FetchLatest(ctx, endpoint)
		return err
	}, retry.LogCallback(ctx, "tree_status"))
	if err != nil {
		logging.Warningf(ctx, "Failed to fetch tree status, assuming closed: %s", err)
		return false
	}
	switch st.State {
	case Open:
		return true
	case Throttled:
		return throttledOK
	default:
		logging.Infof(ctx, "Tree is %s since %s: %q", st.State, st.Since, st.Message)
		return false
	}
}

type httpClientImpl struct {
	*http.Client
}

// FetchLatest fetches the latest tree status.
func (c httpClientImpl) FetchLatest(ctx context.Context, endpoint string) (Status, error) {
	url := fmt.Sprintf("%s/current?format=json", strings.TrimSuffix(endpoint, "/"))

	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return Status{}, errors.Annotate(err, "failed to create new request").Err()
	}
	resp, err := c.Do(req)
	if err != nil {
		return Status{}, errors.Annotate(err, "failed to get latest tree status from %s", url).Tag(transient.Tag).Err()
	}
	defer resp.Body.Close()
	bs, err := io.ReadAll(resp.Body)
	if err != nil {
		return Status{}, errors.Annotate(err, "failed to read response body from %s", url).Tag(transient.Tag).Err()
	}
	if resp.StatusCode >= 400 {
		logging.Errorf(ctx, "received error response when calling %s; response body: %q", url, string(bs))
		err := errors.Reason("received HTTP %d when calling %s", resp.StatusCode, url)
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			err = err.Tag(transient.Tag)
		}
		return Status{}, err.Err()
	}
	var raw struct {
		State   string `json:"general_state"`
		Date    string `json:"date"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(bs, &raw); err != nil {
		return Status{}, errors.Annotate(err, "failed to unmarshal JSON %q", string(bs)).Err()
	}
	const dateFormat = "2006-01-02 15:04:05.999999"
	t, err := time.Parse(dateFormat, raw.Date)
	if err != nil {
		return Status{}, errors.Annotate(err, "failed to parse date %s", raw.Date).Err()
	}
	return Status{
		State:   convertToTreeState(raw.State),
		Since:   t,
		Message: raw.Message,
	}, nil
}
