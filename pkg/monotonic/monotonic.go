// Copyright 2025 CloudWeGo Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package monotonic reads the raw monotonic clock that all capture
// timestamps are expressed against.
package monotonic

import "golang.org/x/sys/unix"

// Now returns CLOCK_MONOTONIC_RAW in nanoseconds. This is the same clock
// perf events are configured with, so ring timestamps and kernel samples
// share one origin.
func Now() int64 {
	var ts unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_MONOTONIC_RAW, &ts); err != nil {
		// CLOCK_MONOTONIC_RAW is Linux 2.6.28+; nothing this daemon runs on
		// lacks it. Fall back anyway rather than lose the sample.
		_ = unix.ClockGettime(unix.CLOCK_MONOTONIC, &ts)
	}
	return ts.Nano()
}
