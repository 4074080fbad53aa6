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

package changelist

import (
	"testing"
	"time"

	"google.golang.org/protobuf/types/known/timestamppb"

	gerritpb "go.chromium.org/luci/common/proto/gerrit"
	"go.chromium.org/luci/common/testing/ftt"
	"go.chromium.org/luci/common/testing/truth/assert"
	"go.chromium.org/luci/common/testing/truth/should"
)

func TestKey(t *testing.T) {
	t.Parallel()

	ftt.Run("Key", t, func(t *ftt.Test) {
		t.Run("String and Ref", func(t *ftt.Test) {
			assert.That(t, Key{Number: 12345, Patchset: 3}.String(), should.Equal("12345:3"))
			assert.That(t, Key{Source: Internal, Number: 4567, Patchset: 1}.String(), should.Equal("*4567:1"))
			assert.That(t, Key{Source: Internal, Number: 4567, Patchset: 1}.Ref(), should.Equal("*4567"))
		})

		t.Run("ParseKey round trips", func(t *ftt.Test) {
			for _, k := range []Key{{Number: 1, Patchset: 1}, {Source: Internal, Number: 99, Patchset: 7}} {
				got, err := ParseKey(k.String())
				assert.NoErr(t, err)
				assert.That(t, got, should.Match(k))
			}
		})

		t.Run("ParseKey rejects garbage", func(t *ftt.Test) {
			for _, s := range []string{"", "12", "a:1", "12:b", "0:1", "*12:0"} {
				_, err := ParseKey(s)
				assert.Loosely(t, err, should.NotBeNil)
			}
		})

		t.Run("Sort orders external first", func(t *ftt.Test) {
			cs := []*Change{
				{Key: Key{Source: Internal, Number: 1, Patchset: 1}},
				{Key: Key{Number: 5, Patchset: 2}},
				{Key: Key{Number: 5, Patchset: 1}},
			}
			assert.That(t, JoinString(cs), should.Equal("5:1 5:2 *1:1"))
		})
	})
}

func TestApprovals(t *testing.T) {
	t.Parallel()

	ftt.Run("Approvals", t, func(t *ftt.Test) {
		c := &Change{Approvals: map[string]int32{}}
		assert.Loosely(t, c.IsMergeable(), should.BeFalse)
		assert.Loosely(t, c.HasReadyFlag(), should.BeFalse)

		c.Approvals[LabelTrybotReady] = 1
		assert.Loosely(t, c.HasReadyFlag(), should.BeTrue)

		c.Approvals[LabelCodeReview] = 2
		c.Approvals[LabelVerified] = 1
		assert.Loosely(t, c.IsMergeable(), should.BeFalse)
		c.Approvals[LabelCommitQueue] = 1
		assert.Loosely(t, c.IsMergeable(), should.BeTrue)
	})
}

func TestParseCqDepend(t *testing.T) {
	t.Parallel()

	ftt.Run("ParseCqDepend", t, func(t *ftt.Test) {
		t.Run("mixed hosts", func(t *ftt.Test) {
			msg := "Title\n\nBody.\n\nCq-Depend: 12, *34, chrome-internal:56\nCq-Depend: chromium:12, pdfium:9, bad\nChange-Id: I1234\n"
			assert.That(t, ParseCqDepend(msg), should.Match([]Dep{
				{Number: 12},
				{Source: Internal, Number: 34},
				{Source: Internal, Number: 56},
			}))
		})

		t.Run("not in the last paragraph", func(t *ftt.Test) {
			msg := "Title\n\nCq-Depend: 12\n\nChange-Id: I1234\n"
			assert.Loosely(t, ParseCqDepend(msg), should.BeEmpty)
		})
	})
}

func TestFromGerrit(t *testing.T) {
	t.Parallel()

	ftt.Run("FromGerrit", t, func(t *ftt.Test) {
		epoch := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
		ci := &gerritpb.ChangeInfo{
			Number:          1001,
			Project:         "chromiumos/overlays/chromiumos-overlay",
			Ref:             "refs/heads/main",
			Status:          gerritpb.ChangeStatus_NEW,
			CurrentRevision: "deadbeef",
			Updated:         timestamppb.New(epoch),
			Revisions: map[string]*gerritpb.RevisionInfo{
				"deadbeef": {
					Number: 4,
					Commit: &gerritpb.CommitInfo{
						Message: "Fix it\n\nCq-Depend: 900\nChange-Id: Iabc\n",
					},
				},
			},
			Labels: map[string]*gerritpb.LabelInfo{
				LabelCodeReview: {All: []*gerritpb.ApprovalInfo{
					{Value: 1, Date: timestamppb.New(epoch.Add(time.Minute))},
					{Value: 2, Date: timestamppb.New(epoch.Add(2 * time.Minute))},
				}},
				LabelCommitQueue: {All: []*gerritpb.ApprovalInfo{
					{Value: 1, Date: timestamppb.New(epoch.Add(5 * time.Minute))},
				}},
			},
		}

		c, err := FromGerrit(External, ci, []Dep{{Number: 1000, Merged: true}})
		assert.NoErr(t, err)
		assert.That(t, c.Key, should.Match(Key{Number: 1001, Patchset: 4}))
		assert.That(t, c.Branch, should.Equal("main"))
		assert.That(t, c.ChangeID, should.Equal("Iabc"))
		assert.That(t, c.Approval(LabelCodeReview), should.Equal(int32(2)))
		assert.That(t, c.ApprovalTime, should.Match(epoch.Add(5*time.Minute)))
		assert.That(t, c.Deps, should.Match([]Dep{{Number: 900}, {Number: 1000, Merged: true}}))

		t.Run("without votes uses the update time", func(t *ftt.Test) {
			ci.Labels = nil
			c, err := FromGerrit(External, ci, nil)
			assert.NoErr(t, err)
			assert.That(t, c.ApprovalTime, should.Match(epoch))
		})

		t.Run("missing revision", func(t *ftt.Test) {
			ci.CurrentRevision = "cafe"
			_, err := FromGerrit(External, ci, nil)
			assert.Loosely(t, err, should.ErrLike("no current revision"))
		})
	})
}
