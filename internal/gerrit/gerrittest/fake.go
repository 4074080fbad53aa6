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

// Package gerrittest provides an in-memory Gerrit fake for tests.
package gerrittest

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/timestamppb"

	gerritpb "go.chromium.org/luci/common/proto/gerrit"
)

// Fake is a single Gerrit host.
//
// ListChanges ignores the query and returns every open change.
type Fake struct {
	mu      sync.Mutex
	changes map[int64]*gerritpb.ChangeInfo

	// Reviews and Submitted record the writes in order.
	Reviews   []*gerritpb.SetReviewRequest
	Submitted []int64

	// SubmitErr, if set, is returned by SubmitRevision for the given change.
	SubmitErr map[int64]error
}

// NewFake returns a Fake holding the given changes.
func NewFake(cis ...*gerritpb.ChangeInfo) *Fake {
	f := &Fake{changes: map[int64]*gerritpb.ChangeInfo{}, SubmitErr: map[int64]error{}}
	for _, ci := range cis {
		f.Put(ci)
	}
	return f
}

// Put adds or replaces a change.
func (f *Fake) Put(ci *gerritpb.ChangeInfo) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.changes[ci.GetNumber()] = ci
}

// Messages returns the review messages posted on the change.
func (f *Fake) Messages(number int64) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, r := range f.Reviews {
		if r.GetNumber() == number && r.GetMessage() != "" {
			out = append(out, r.GetMessage())
		}
	}
	return out
}

func (f *Fake) ListChanges(ctx context.Context, in *gerritpb.ListChangesRequest, opts ...grpc.CallOption) (*gerritpb.ListChangesResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	resp := &gerritpb.ListChangesResponse{}
	for _, ci := range f.changes {
		if ci.GetStatus() == gerritpb.ChangeStatus_NEW {
			resp.Changes = append(resp.Changes, proto.Clone(ci).(*gerritpb.ChangeInfo))
		}
	}
	return resp, nil
}

func (f *Fake) GetChange(ctx context.Context, in *gerritpb.GetChangeRequest, opts ...grpc.CallOption) (*gerritpb.ChangeInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ci, ok := f.changes[in.GetNumber()]
	if !ok {
		return nil, status.Errorf(codes.NotFound, "change %d not found", in.GetNumber())
	}
	return proto.Clone(ci).(*gerritpb.ChangeInfo), nil
}

// GetRelatedChanges returns every change whose current commit is known,
// which is enough for parent matching.
func (f *Fake) GetRelatedChanges(ctx context.Context, in *gerritpb.GetRelatedChangesRequest, opts ...grpc.CallOption) (*gerritpb.GetRelatedChangesResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	resp := &gerritpb.GetRelatedChangesResponse{}
	for _, ci := range f.changes {
		rev := ci.GetRevisions()[ci.GetCurrentRevision()]
		if rev == nil {
			continue
		}
		resp.Changes = append(resp.Changes, &gerritpb.GetRelatedChangesResponse_ChangeAndCommit{
			Project: ci.GetProject(),
			Number:  ci.GetNumber(),
			Commit:  &gerritpb.CommitInfo{Id: ci.GetCurrentRevision()},
		})
	}
	return resp, nil
}

func (f *Fake) SetReview(ctx context.Context, in *gerritpb.SetReviewRequest, opts ...grpc.CallOption) (*gerritpb.ReviewResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ci, ok := f.changes[in.GetNumber()]
	if !ok {
		return nil, status.Errorf(codes.NotFound, "change %d not found", in.GetNumber())
	}
	f.Reviews = append(f.Reviews, proto.Clone(in).(*gerritpb.SetReviewRequest))
	for label, v := range in.GetLabels() {
		if ci.Labels == nil {
			ci.Labels = map[string]*gerritpb.LabelInfo{}
		}
		ci.Labels[label] = &gerritpb.LabelInfo{All: []*gerritpb.ApprovalInfo{{Value: v, Date: timestamppb.Now()}}}
	}
	return &gerritpb.ReviewResult{}, nil
}

func (f *Fake) SubmitRevision(ctx context.Context, in *gerritpb.SubmitRevisionRequest, opts ...grpc.CallOption) (*gerritpb.SubmitInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.SubmitErr[in.GetNumber()]; err != nil {
		return nil, err
	}
	ci, ok := f.changes[in.GetNumber()]
	if !ok {
		return nil, status.Errorf(codes.NotFound, "change %d not found", in.GetNumber())
	}
	ci.Status = gerritpb.ChangeStatus_MERGED
	f.Submitted = append(f.Submitted, in.GetNumber())
	return &gerritpb.SubmitInfo{}, nil
}

// CI builds a ChangeInfo. Options modify it.
func CI(number int64, opts ...CIOption) *gerritpb.ChangeInfo {
	rev := fmt.Sprintf("rev-%d-1", number)
	ci := &gerritpb.ChangeInfo{
		Number:          number,
		Project:         "chromiumos/platform/foo",
		Ref:             "refs/heads/main",
		Status:          gerritpb.ChangeStatus_NEW,
		CurrentRevision: rev,
		Updated:         timestamppb.New(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)),
		Revisions: map[string]*gerritpb.RevisionInfo{
			rev: {
				Number: 1,
				Commit: &gerritpb.CommitInfo{
					Id:      rev,
					Message: fmt.Sprintf("Change %d\n\nChange-Id: I%040d\n", number, number),
					Parents: []*gerritpb.CommitInfo_Parent{{Id: "base"}},
				},
			},
		},
		Labels: map[string]*gerritpb.LabelInfo{},
	}
	for _, o := range opts {
		o(ci)
	}
	return ci
}

// CIOption modifies a ChangeInfo built by CI.
type CIOption func(ci *gerritpb.ChangeInfo)

// Project sets the project.
func Project(p string) CIOption {
	return func(ci *gerritpb.ChangeInfo) { ci.Project = p }
}

// PS moves the change to patchset ps.
func PS(ps int32) CIOption {
	return func(ci *gerritpb.ChangeInfo) {
		old := ci.Revisions[ci.CurrentRevision]
		delete(ci.Revisions, ci.CurrentRevision)
		rev := fmt.Sprintf("rev-%d-%d", ci.Number, ps)
		old.Number = ps
		old.Commit.Id = rev
		ci.CurrentRevision = rev
		ci.Revisions[rev] = old
	}
}

// Vote adds an approval at time t.
func Vote(label string, value int32, t time.Time) CIOption {
	return func(ci *gerritpb.ChangeInfo) {
		li := ci.Labels[label]
		if li == nil {
			li = &gerritpb.LabelInfo{}
			ci.Labels[label] = li
		}
		li.All = append(li.All, &gerritpb.ApprovalInfo{Value: value, Date: timestamppb.New(t)})
	}
}

// Ready gives the change the votes needed to be mergeable.
func Ready(t time.Time) CIOption {
	return func(ci *gerritpb.ChangeInfo) {
		Vote("Code-Review", 2, t)(ci)
		Vote("Verified", 1, t)(ci)
		Vote("Commit-Queue", 1, t)(ci)
	}
}

// Message appends lines to the commit message, before the Change-Id footer.
func Message(lines ...string) CIOption {
	return func(ci *gerritpb.ChangeInfo) {
		c := ci.Revisions[ci.CurrentRevision].Commit
		idx := strings.LastIndex(c.Message, "Change-Id:")
		c.Message = c.Message[:idx] + strings.Join(lines, "\n") + "\n" + c.Message[idx:]
	}
}

// Parent makes the change's commit a child of the other change's commit.
func Parent(other *gerritpb.ChangeInfo) CIOption {
	return func(ci *gerritpb.ChangeInfo) {
		ci.Revisions[ci.CurrentRevision].Commit.Parents = []*gerritpb.CommitInfo_Parent{{Id: other.GetCurrentRevision()}}
	}
}

// Merged marks the change as merged.
func Merged() CIOption {
	return func(ci *gerritpb.ChangeInfo) { ci.Status = gerritpb.ChangeStatus_MERGED }
}

// ChangeID replaces the Change-Id footer.
func ChangeID(id string) CIOption {
	return func(ci *gerritpb.ChangeInfo) {
		c := ci.Revisions[ci.CurrentRevision].Commit
		idx := strings.LastIndex(c.Message, "Change-Id:")
		c.Message = c.Message[:idx] + "Change-Id: " + id + "\n"
	}
}

// Branch sets the destination branch.
func Branch(b string) CIOption {
	return func(ci *gerritpb.ChangeInfo) { ci.Ref = "refs/heads/" + b }
}
