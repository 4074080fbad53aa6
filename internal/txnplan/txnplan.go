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

// Package txnplan groups pending changes into disjoint, dependency-closed
// transactions which can be tested together.
package txnplan

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.chromium.org/luci/common/logging"

	"go.chromium.org/chromiumos/cq/internal/changelist"
	"go.chromium.org/chromiumos/cq/internal/clactions"
)

// Transaction is a dependency-closed set of changes, sorted by key.
type Transaction []*changelist.Change

// String implements fmt.Stringer.
func (t Transaction) String() string {
	return changelist.JoinString(t)
}

// DependencyError explains why a change can't be planned.
type DependencyError struct {
	Change changelist.Key
	// Missing lists the unmerged dependencies outside of the pool, if any.
	Missing []changelist.Dep
	// Blocked is set when a dependency of the change is itself unplannable.
	Blocked *changelist.Key
	// TooLarge is the size of the transaction when it exceeds the limit.
	TooLarge int
}

func (e *DependencyError) Error() string {
	switch {
	case len(e.Missing) > 0:
		refs := make([]string, len(e.Missing))
		for i, d := range e.Missing {
			refs[i] = d.Ref()
		}
		return fmt.Sprintf("%s depends on %s which are neither merged nor ready", e.Change, strings.Join(refs, ", "))
	case e.Blocked != nil:
		return fmt.Sprintf("%s depends on %s which can't be tested", e.Change, e.Blocked)
	default:
		return fmt.Sprintf("%s is part of a transaction of %d changes, too large to test at once", e.Change, e.TooLarge)
	}
}

type ref struct {
	source changelist.Source
	number int64
}

func refOf(c *changelist.Change) ref { return ref{c.Source, c.Number} }

// graph indexes a pool by change number.
type graph struct {
	byRef map[ref]*changelist.Change
}

func newGraph(pool []*changelist.Change) *graph {
	g := &graph{byRef: make(map[ref]*changelist.Change, len(pool))}
	for _, c := range pool {
		g.byRef[refOf(c)] = c
	}
	return g
}

// deps returns the unresolved dependencies of c inside the pool and the
// unmerged ones missing from it.
func (g *graph) deps(c *changelist.Change) (in []*changelist.Change, missing []changelist.Dep) {
	for _, d := range c.Deps {
		if d.Source == c.Source && d.Number == c.Number {
			continue
		}
		if dc, ok := g.byRef[ref{d.Source, d.Number}]; ok {
			in = append(in, dc)
		} else if !d.Merged {
			missing = append(missing, d)
		}
	}
	return
}

// CreateDisjointTransactions partitions the pool into the smallest
// dependency-closed sets.
//
// Changes sharing an unresolved dependency, directly or transitively, end up
// in the same transaction; dependency cycles are allowed. A change that
// depends on an unmerged change outside of the pool can't be tested, and
// neither can changes depending on it. Transactions with more than maxLen
// changes are not returned. Every change left out is explained by one
// DependencyError. The result doesn't depend on the order of the pool.
func CreateDisjointTransactions(pool []*changelist.Change, maxLen int) ([]Transaction, []*DependencyError) {
	pool = changelist.Sort(append([]*changelist.Change(nil), pool...))
	g := newGraph(pool)

	var errs []*DependencyError
	bad := map[ref]bool{}
	dependents := map[ref][]*changelist.Change{}
	var queue []*changelist.Change
	for _, c := range pool {
		in, missing := g.deps(c)
		for _, dc := range in {
			dependents[refOf(dc)] = append(dependents[refOf(dc)], c)
		}
		if len(missing) > 0 {
			bad[refOf(c)] = true
			errs = append(errs, &DependencyError{Change: c.Key, Missing: missing})
			queue = append(queue, c)
		}
	}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, dep := range dependents[refOf(cur)] {
			if !bad[refOf(dep)] {
				bad[refOf(dep)] = true
				blocker := cur.Key
				errs = append(errs, &DependencyError{Change: dep.Key, Blocked: &blocker})
				queue = append(queue, dep)
			}
		}
	}

	uf := newUnionFind()
	for _, c := range pool {
		if bad[refOf(c)] {
			continue
		}
		uf.add(refOf(c))
		in, _ := g.deps(c)
		for _, dc := range in {
			uf.union(refOf(c), refOf(dc))
		}
	}
	groups := map[ref]Transaction{}
	var roots []ref
	for _, c := range pool {
		if bad[refOf(c)] {
			continue
		}
		root := uf.find(refOf(c))
		if _, ok := groups[root]; !ok {
			roots = append(roots, root)
		}
		groups[root] = append(groups[root], c)
	}

	var txns []Transaction
	for _, root := range roots {
		txn := groups[root]
		if maxLen > 0 && len(txn) > maxLen {
			for _, c := range txn {
				errs = append(errs, &DependencyError{Change: c.Key, TooLarge: len(txn)})
			}
			continue
		}
		txns = append(txns, txn)
	}
	sort.Slice(errs, func(i, j int) bool { return errs[i].Change.Less(errs[j].Change) })
	return txns, errs
}

// Closure returns change and its unresolved dependencies, transitively.
//
// Every dependency must be merged or be in limitTo, otherwise a
// DependencyError is returned.
func Closure(change *changelist.Change, pool []*changelist.Change, limitTo changelist.Set) (Transaction, error) {
	g := newGraph(pool)
	seen := map[ref]bool{refOf(change): true}
	txn := Transaction{change}
	for i := 0; i < len(txn); i++ {
		cur := txn[i]
		in, missing := g.deps(cur)
		if len(missing) > 0 {
			return nil, &DependencyError{Change: cur.Key, Missing: missing}
		}
		for _, dc := range in {
			if seen[refOf(dc)] {
				continue
			}
			if !limitTo.Has(dc.Key) {
				blocker := dc.Key
				return nil, &DependencyError{Change: cur.Key, Blocked: &blocker}
			}
			seen[refOf(dc)] = true
			txn = append(txn, dc)
		}
	}
	return Transaction(changelist.Sort(txn)), nil
}

// Launch is a transaction paired with the configs it must be tested on.
type Launch struct {
	Changes Transaction
	Configs []string
}

// PlanInput is the state of one scheduling cycle.
type PlanInput struct {
	// Pool holds the changes which may be launched.
	Pool []*changelist.Change
	// Progress covers the screened changes of the pool.
	Progress clactions.ProgressMap
	// MaxTxnLen bounds the number of changes tested together.
	MaxTxnLen int
	// LaunchDelay is how long a change must stay untouched after its latest
	// approval before it is launched.
	LaunchDelay time.Duration
	Now         time.Time
}

// PlanTransactions returns the transactions to launch this cycle, with the
// configs each still needs.
//
// A transaction is skipped if any change is unscreened or busy, if all its
// changes are verified, or if a change was approved within the launch
// delay. Skips and dependency problems are logged, never returned.
func PlanTransactions(ctx context.Context, in PlanInput) []Launch {
	cat := clactions.GetCategories(in.Progress)
	txns, errs := CreateDisjointTransactions(in.Pool, in.MaxTxnLen)
	for _, err := range errs {
		logging.Warningf(ctx, "Not testing: %s", err)
	}

	var out []Launch
	for _, txn := range txns {
		var unscreened, busy, idle []*changelist.Change
		allVerified, delayed := true, false
		for _, c := range txn {
			if _, ok := in.Progress[c.Key]; !ok {
				unscreened = append(unscreened, c)
			}
			if cat.Busy.Has(c.Key) {
				busy = append(busy, c)
			} else {
				idle = append(idle, c)
			}
			if !cat.Verified.Has(c.Key) {
				allVerified = false
			}
			if c.ApprovalTime.Add(in.LaunchDelay).After(in.Now) {
				delayed = true
			}
		}
		switch {
		case len(unscreened) > 0:
			logging.Infof(ctx, "CLs waiting to be screened: %s", changelist.JoinString(unscreened))
		case allVerified:
			logging.Infof(ctx, "CLs already verified: %s", txn)
		case len(busy) > 0:
			logging.Infof(ctx, "CLs currently being verified: %s", changelist.JoinString(busy))
			if len(idle) > 0 {
				logging.Infof(ctx, "CLs waiting on verification of dependencies: %s", changelist.JoinString(idle))
			}
		case delayed:
			logging.Infof(ctx, "CLs waiting on launch delay: %s", txn)
		default:
			if configs := clactions.ConfigsToTest(txn, in.Progress); len(configs) > 0 {
				out = append(out, Launch{Changes: txn, Configs: configs})
			}
		}
	}
	return out
}
