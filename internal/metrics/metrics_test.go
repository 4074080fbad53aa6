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

package metrics

import (
	"context"
	"testing"

	"go.chromium.org/luci/common/testing/ftt"
	"go.chromium.org/luci/common/testing/truth/assert"
	"go.chromium.org/luci/common/testing/truth/should"
	"go.chromium.org/luci/common/tsmon"

	"go.chromium.org/chromiumos/cq/internal/clactions"
)

func TestReportStatuses(t *testing.T) {
	t.Parallel()

	ftt.Run("ReportStatuses", t, func(t *ftt.Test) {
		ctx, _ := tsmon.WithDummyInMemory(context.Background())
		ReportStatuses(ctx, map[string]map[clactions.Status]int{
			SubtypeMergeable:   {clactions.StatusPassed: 2},
			SubtypeSpeculative: {clactions.StatusNone: 1},
		})
		assert.That(t, PreCQ.CLStatus.Get(ctx, clactions.StatusPassed.MetricName(), SubtypeMergeable), should.Equal(int64(2)))
		assert.That(t, PreCQ.CLStatus.Get(ctx, "None", SubtypeSpeculative), should.Equal(int64(1)))
		assert.That(t, PreCQ.CLStatus.Get(ctx, clactions.StatusFailed.MetricName(), SubtypeSpeculative), should.Equal(int64(0)))
	})
}
