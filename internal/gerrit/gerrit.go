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

// Package gerrit talks to the code review hosts holding the changes.
package gerrit

import (
	"context"
	"fmt"
	"net/http"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"

	"go.chromium.org/luci/common/api/gerrit"
	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/logging"
	gerritpb "go.chromium.org/luci/common/proto/gerrit"
	"go.chromium.org/luci/common/retry/transient"
	"go.chromium.org/luci/grpc/grpcutil"

	"go.chromium.org/chromiumos/cq/internal/changelist"
)

// Client defines the subset of the Gerrit API used by the queues.
type Client interface {
	// Lists changes that match a query.
	//
	// https://gerrit-review.googlesource.com/Documentation/rest-api-changes.html#list-changes
	ListChanges(ctx context.Context, in *gerritpb.ListChangesRequest, opts ...grpc.CallOption) (*gerritpb.ListChangesResponse, error)

	// Loads a change by id.
	//
	// https://gerrit-review.googlesource.com/Documentation/rest-api-changes.html#get-change
	GetChange(ctx context.Context, in *gerritpb.GetChangeRequest, opts ...grpc.CallOption) (*gerritpb.ChangeInfo, error)

	// Retrieves related changes of a revision.
	//
	// https://gerrit-review.googlesource.com/Documentation/rest-api-changes.html#get-related-changes
	GetRelatedChanges(ctx context.Context, in *gerritpb.GetRelatedChangesRequest, opts ...grpc.CallOption) (*gerritpb.GetRelatedChangesResponse, error)

	// Set various review bits on a change.
	//
	// https://gerrit-review.googlesource.com/Documentation/rest-api-changes.html#set-review
	SetReview(ctx context.Context, in *gerritpb.SetReviewRequest, opts ...grpc.CallOption) (*gerritpb.ReviewResult, error)

	// Submit a specific revision of a change.
	//
	// https://gerrit-review.googlesource.com/Documentation/rest-api-changes.html#submit-revision
	SubmitRevision(ctx context.Context, in *gerritpb.SubmitRevisionRequest, opts ...grpc.CallOption) (*gerritpb.SubmitInfo, error)
}

// Client must be a subset of gerritpb.Client.
var _ Client = (gerritpb.GerritClient)(nil)

// Hosts holds the clients of the external and internal hosts.
type Hosts struct {
	External Client
	Internal Client
	// DryRun logs writes instead of doing them.
	DryRun bool
}

// NewRESTHosts returns REST clients for the hosts. An empty host name
// leaves that source without a client.
func NewRESTHosts(httpClient *http.Client, externalHost, internalHost string) (*Hosts, error) {
	h := &Hosts{}
	for _, x := range []struct {
		host string
		dst  *Client
	}{{externalHost, &h.External}, {internalHost, &h.Internal}} {
		if x.host == "" {
			continue
		}
		c, err := gerrit.NewRESTClient(httpClient, x.host, true)
		if err != nil {
			return nil, errors.Annotate(err, "failed to create Gerrit client for %s", x.host).Err()
		}
		*x.dst = c
	}
	return h, nil
}

func (h *Hosts) client(s changelist.Source) (Client, error) {
	c := h.External
	if s == changelist.Internal {
		c = h.Internal
	}
	if c == nil {
		return nil, errors.Reason("no Gerrit client for %s changes", s).Err()
	}
	return c, nil
}

func (h *Hosts) sources() []changelist.Source {
	var out []changelist.Source
	if h.External != nil {
		out = append(out, changelist.External)
	}
	if h.Internal != nil {
		out = append(out, changelist.Internal)
	}
	return out
}

func rpcErr(err error, format string, args ...any) error {
	a := errors.Annotate(err, format, args...)
	if grpcutil.IsTransientCode(grpcutil.Code(err)) {
		a = a.Tag(transient.Tag)
	}
	return a.Err()
}

// Query returns the changes matching the query on every host.
//
// The dependencies of each change are its git parent, if it is an open
// change, and its CQ-Depend footers. Dependencies which are not in the result
// are looked up to tell whether they are merged.
func (h *Hosts) Query(ctx context.Context, query string) ([]*changelist.Change, error) {
	var out []*changelist.Change
	for _, s := range h.sources() {
		cl, _ := h.client(s)
		resp, err := cl.ListChanges(ctx, &gerritpb.ListChangesRequest{
			Query: query,
			Options: []gerritpb.QueryOption{
				gerritpb.QueryOption_CURRENT_REVISION,
				gerritpb.QueryOption_CURRENT_COMMIT,
				gerritpb.QueryOption_DETAILED_LABELS,
			},
		})
		if err != nil {
			return nil, rpcErr(err, "failed to query %s changes", s)
		}
		for _, ci := range resp.GetChanges() {
			parents, err := gitParents(ctx, cl, s, ci)
			if err != nil {
				return nil, err
			}
			c, err := changelist.FromGerrit(s, ci, parents)
			if err != nil {
				logging.Warningf(ctx, "Skipping %s change %d: %s", s, ci.GetNumber(), err)
				continue
			}
			c.URL = changeURL(s, ci)
			out = append(out, c)
		}
	}
	if err := h.resolveMerged(ctx, out); err != nil {
		return nil, err
	}
	return changelist.Sort(out), nil
}

func changeURL(s changelist.Source, ci *gerritpb.ChangeInfo) string {
	host := "chromium-review.googlesource.com"
	if s == changelist.Internal {
		host = "chrome-internal-review.googlesource.com"
	}
	return fmt.Sprintf("https://%s/c/%s/+/%d", host, ci.GetProject(), ci.GetNumber())
}

// gitParents returns the open change the current revision is based on.
func gitParents(ctx context.Context, cl Client, s changelist.Source, ci *gerritpb.ChangeInfo) ([]changelist.Dep, error) {
	rev := ci.GetRevisions()[ci.GetCurrentRevision()]
	parents := rev.GetCommit().GetParents()
	if len(parents) == 0 {
		return nil, nil
	}
	resp, err := cl.GetRelatedChanges(ctx, &gerritpb.GetRelatedChangesRequest{
		Number:     ci.GetNumber(),
		Project:    ci.GetProject(),
		RevisionId: ci.GetCurrentRevision(),
	})
	if err != nil {
		return nil, rpcErr(err, "failed to get related changes of %s change %d", s, ci.GetNumber())
	}
	for _, rc := range resp.GetChanges() {
		if rc.GetCommit().GetId() == parents[0].GetId() && rc.GetNumber() != ci.GetNumber() {
			return []changelist.Dep{{Source: s, Number: rc.GetNumber()}}, nil
		}
	}
	return nil, nil
}

func (h *Hosts) resolveMerged(ctx context.Context, cs []*changelist.Change) error {
	inPool := map[changelist.Dep]bool{}
	for _, c := range cs {
		inPool[changelist.Dep{Source: c.Source, Number: c.Number}] = true
	}
	merged := map[changelist.Dep]bool{}
	for _, c := range cs {
		for i, d := range c.Deps {
			ref := changelist.Dep{Source: d.Source, Number: d.Number}
			if inPool[ref] || d.Merged {
				continue
			}
			m, ok := merged[ref]
			if !ok {
				var err error
				if m, err = h.isMerged(ctx, ref); err != nil {
					return err
				}
				merged[ref] = m
			}
			c.Deps[i].Merged = m
		}
	}
	return nil
}

func (h *Hosts) isMerged(ctx context.Context, d changelist.Dep) (bool, error) {
	cl, err := h.client(d.Source)
	if err != nil {
		return false, nil
	}
	ci, err := cl.GetChange(ctx, &gerritpb.GetChangeRequest{Number: d.Number})
	switch code := grpcutil.Code(err); {
	case code == codes.NotFound || code == codes.PermissionDenied:
		return false, nil
	case err != nil:
		return false, rpcErr(err, "failed to get change %s", d.Ref())
	}
	return ci.GetStatus() == gerritpb.ChangeStatus_MERGED, nil
}

// Notify posts a message on the change, notifying its owner.
func (h *Hosts) Notify(ctx context.Context, c *changelist.Change, msg string) error {
	return h.setReview(ctx, c, &gerritpb.SetReviewRequest{Message: msg, Notify: gerritpb.Notify_NOTIFY_OWNER})
}

// RemoveReady clears the ready flags of the change, explaining why.
func (h *Hosts) RemoveReady(ctx context.Context, c *changelist.Change, msg string) error {
	labels := map[string]int32{}
	for _, l := range []string{changelist.LabelCommitQueue, changelist.LabelTrybotReady} {
		if c.Approval(l) > 0 {
			labels[l] = 0
		}
	}
	return h.setReview(ctx, c, &gerritpb.SetReviewRequest{Message: msg, Labels: labels, Notify: gerritpb.Notify_NOTIFY_OWNER})
}

func (h *Hosts) setReview(ctx context.Context, c *changelist.Change, req *gerritpb.SetReviewRequest) error {
	req.Number = c.Number
	req.Project = c.Project
	req.RevisionId = c.Revision
	if h.DryRun {
		logging.Infof(ctx, "Would have reviewed %s: labels %v, message %q", c, req.Labels, req.Message)
		return nil
	}
	cl, err := h.client(c.Source)
	if err != nil {
		return err
	}
	if _, err := cl.SetReview(ctx, req); err != nil {
		return rpcErr(err, "failed to review %s", c)
	}
	return nil
}

// Submit submits the current revision of the change.
func (h *Hosts) Submit(ctx context.Context, c *changelist.Change) error {
	if h.DryRun {
		logging.Infof(ctx, "Would have submitted %s", c)
		return nil
	}
	cl, err := h.client(c.Source)
	if err != nil {
		return err
	}
	_, err = cl.SubmitRevision(ctx, &gerritpb.SubmitRevisionRequest{
		Number:     c.Number,
		Project:    c.Project,
		RevisionId: c.Revision,
	})
	if err != nil {
		return rpcErr(err, "failed to submit %s", c)
	}
	return nil
}
