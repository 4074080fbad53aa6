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

package precq

import (
	"fmt"
	"time"
)

const (
	launchTimeoutFormat = "We were not able to launch a %s trybot for your change within " +
		"%d minutes.\n\n" +
		"This problem can happen if the trybot waterfall is very " +
		"busy, or if there is an infrastructure issue. Please " +
		"notify the sheriff and mark your change as ready again. If " +
		"this problem occurs multiple times in a row, please file a " +
		"bug."

	inflightTimeoutFormat = "The %s trybot for your change timed out after %d minutes." +
		"\n\n" +
		"This problem can happen if your change causes the builder " +
		"to hang, or if there is some infrastructure issue. If your " +
		"change is not at fault you may mark your change as ready " +
		"again. If this problem occurs multiple times please notify " +
		"the sheriff and file a bug."

	expiryFormat = "The pre-cq verification for this change expired after %d minutes. No " +
		"action is required on your part." +
		"\n\n" +
		"In order to protect the CQ from picking up stale changes, the pre-cq " +
		"status for changes are cleared after a generous timeout. This change " +
		"will be re-tested by the pre-cq before the CQ picks it up."
)

func minutes(d time.Duration) int {
	return int(d / time.Minute)
}

func launchTimeoutMessage(config string, timeout time.Duration) string {
	return fmt.Sprintf(launchTimeoutFormat, config, minutes(timeout))
}

func inflightTimeoutMessage(config string, timeout time.Duration) string {
	return fmt.Sprintf(inflightTimeoutFormat, config, minutes(timeout))
}

func expiryMessage(expiry time.Duration) string {
	return fmt.Sprintf(expiryFormat, minutes(expiry))
}
