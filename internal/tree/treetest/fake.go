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

// Package treetest provides a fake tree status client.
package treetest

import (
	"context"
	"sync"

	"go.chromium.org/chromiumos/cq/internal/tree"
)

// Fake always returns the status it holds.
type Fake struct {
	mu     sync.Mutex
	status tree.Status
	err    error
	calls  int
}

// NewFake returns a Fake reporting the given state.
func NewFake(s tree.State) *Fake {
	return &Fake{status: tree.Status{State: s}}
}

// Set changes the reported state.
func (f *Fake) Set(s tree.State) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status.State = s
}

// Fail makes FetchLatest return err.
func (f *Fake) Fail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

// Calls returns the number of fetches.
func (f *Fake) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *Fake) FetchLatest(ctx context.Context, endpoint string) (tree.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.status, f.err
}
