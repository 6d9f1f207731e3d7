/*
 * Copyright 2024 CloudWeGo Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package child

import (
	"strconv"
	"time"

	"golang.org/x/sys/unix"

	"github.com/gatord/gatord/pkg/wire"
)

// SummaryInfo carries the fields of the summary frame, the first frame of
// every capture stream.
type SummaryInfo struct {
	RealtimeNs       int64
	UptimeNs         int64
	MonotonicStarted int64
	Uname            string
	PageSize         int
	// NoSync is set when the monotonic and perf clocks could not be
	// correlated; the host then aligns streams heuristically.
	NoSync bool
	Extras map[string]string
}

// CollectSummary gathers the host facts reported in the summary frame.
func CollectSummary(monotonicStarted int64) SummaryInfo {
	info := SummaryInfo{
		RealtimeNs:       time.Now().UnixNano(),
		MonotonicStarted: monotonicStarted,
		PageSize:         unix.Getpagesize(),
	}

	var si unix.Sysinfo_t
	if err := unix.Sysinfo(&si); err == nil {
		info.UptimeNs = int64(si.Uptime) * int64(time.Second)
	}

	var uts unix.Utsname
	if err := unix.Uname(&uts); err == nil {
		info.Uname = cstr(uts.Sysname[:]) + " " + cstr(uts.Nodename[:]) + " " +
			cstr(uts.Release[:]) + " " + cstr(uts.Version[:]) + " " + cstr(uts.Machine[:])
	}
	return info
}

// Append encodes the summary packet: three timestamps, then key/value
// pairs terminated by an empty key.
func (s *SummaryInfo) Append(buf []byte) []byte {
	buf = wire.PackInt32(buf, int32(wire.FrameSummary))
	buf = wire.PackInt64(buf, s.RealtimeNs)
	buf = wire.PackInt64(buf, s.UptimeNs)
	buf = wire.PackInt64(buf, s.MonotonicStarted)
	buf = wire.AppendString(buf, "uname")
	buf = wire.AppendString(buf, s.Uname)
	buf = wire.AppendString(buf, "PAGESIZE")
	buf = wire.AppendString(buf, strconv.Itoa(s.PageSize))
	if s.NoSync {
		buf = wire.AppendString(buf, "nosync")
		buf = wire.AppendString(buf, "1")
	}
	for k, v := range s.Extras {
		buf = wire.AppendString(buf, k)
		buf = wire.AppendString(buf, v)
	}
	return wire.AppendString(buf, "")
}

func cstr(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}
