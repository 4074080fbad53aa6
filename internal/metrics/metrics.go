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

// Package metrics defines the Pre-CQ launcher metrics.
package metrics

import (
	"context"

	"go.chromium.org/luci/common/tsmon/field"
	"go.chromium.org/luci/common/tsmon/metric"

	"go.chromium.org/chromiumos/cq/internal/clactions"
)

// Subtypes split the status gauge.
const (
	SubtypeMergeable   = "mergeable"
	SubtypeSpeculative = "speculative"
)

// PreCQ contains the metrics reported by the launcher.
var PreCQ = struct {
	LaunchCount   metric.Counter
	CLLaunchCount metric.Counter
	TickCount     metric.Counter
	CLStatus      metric.Int
}{
	LaunchCount: metric.NewCounter(
		"chromeos/cq/precq/launch_count",
		"Number of configs launched.",
		nil,
		field.String("config"),
	),
	CLLaunchCount: metric.NewCounter(
		"chromeos/cq/precq/cl_launch_count",
		"Number of changes launched, counted once per config.",
		nil,
		field.String("config"),
	),
	TickCount: metric.NewCounter(
		"chromeos/cq/precq/tick_count",
		"Number of ProcessChanges cycles.",
		nil,
	),
	CLStatus: metric.NewInt(
		"chromeos/cq/precq/cl_status",
		"Number of changes per Pre-CQ status.",
		nil,
		field.String("status"),
		field.String("subtype"),
	),
}

// ReportStatuses sets the status gauge for every status.
//
// counts is keyed by subtype. Missing statuses are reported as 0.
func ReportStatuses(ctx context.Context, counts map[string]map[clactions.Status]int) {
	for _, sub := range []string{SubtypeMergeable, SubtypeSpeculative} {
		for _, st := range clactions.AllStatuses {
			PreCQ.CLStatus.Set(ctx, int64(counts[sub][st]), st.MetricName(), sub)
		}
	}
}
