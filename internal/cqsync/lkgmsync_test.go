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

package cqsync

import (
	"testing"

	"go.chromium.org/luci/common/testing/ftt"
	"go.chromium.org/luci/common/testing/truth/assert"
	"go.chromium.org/luci/common/testing/truth/should"

	"go.chromium.org/chromiumos/cq/internal/stage"
)

func TestLKGMSync(t *testing.T) {
	t.Parallel()

	ftt.Run("LKGMSync", t, func(t *ftt.Test) {
		e := newTestEnv(t)
		co := &fakeCheckout{}
		s := &LKGMSync{Repo: e.repo, Checkout: co}

		t.Run("Syncs to the published LKGM", func(t *ftt.Test) {
			lkgm := e.source.m.Clone()
			blob, err := lkgm.Marshal()
			assert.NoErr(t, err)
			assert.NoErr(t, e.repo.Write(e.ctx, DefaultLKGMPath, blob, "Update LKGM"))

			out, err := s.Run(e.ctx)
			assert.NoErr(t, err)
			assert.That(t, out, should.Equal(stage.Success))
			assert.Loosely(t, co.synced, should.HaveLength(1))
			assert.That(t, co.synced[0].Projects[0].Name, should.Equal("chromiumos/platform/foo"))
			assert.That(t, co.synced[0].Projects[0].Revision, should.Equal("aaa"))
		})

		t.Run("Fails without an LKGM", func(t *ftt.Test) {
			_, err := s.Run(e.ctx)
			assert.Loosely(t, err, should.ErrLike("failed to read the LKGM"))
			assert.Loosely(t, co.synced, should.BeEmpty)
		})

		t.Run("Fails on a malformed LKGM", func(t *ftt.Test) {
			s.Path = "LKGM/broken.xml"
			assert.NoErr(t, e.repo.Write(e.ctx, s.Path, []byte("<manifest"), "Break LKGM"))
			_, err := s.Run(e.ctx)
			assert.Loosely(t, err, should.ErrLike("failed to parse the LKGM"))
		})
	})
}
