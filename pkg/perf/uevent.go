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

package perf

import (
	"strconv"
	"strings"

	"github.com/avast/retry-go/v4"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// UEvent is one parsed kernel uevent.
type UEvent struct {
	Action    string
	DevPath   string
	Subsystem string
}

// CPU returns the cpu index when the event is a cpu hotplug notification.
func (e *UEvent) CPU() (int, bool) {
	if e.Subsystem != "cpu" {
		return 0, false
	}
	idx := strings.LastIndex(e.DevPath, "/cpu")
	if idx < 0 {
		return 0, false
	}
	n, err := strconv.Atoi(e.DevPath[idx+len("/cpu"):])
	if err != nil {
		return 0, false
	}
	return n, true
}

// UEventSocket watches kernel object uevents for CPU hot-plug.
type UEventSocket struct {
	fd  int
	buf [16 * 1024]byte
}

// NewUEventSocket binds a netlink socket to the kernel uevent group.
// Binding can transiently fail right after a netlink namespace change, so
// it is retried a few times.
func NewUEventSocket() (*UEventSocket, error) {
	var s *UEventSocket
	err := retry.Do(func() error {
		fd, err := unix.Socket(unix.AF_NETLINK, unix.SOCK_RAW|unix.SOCK_CLOEXEC, unix.NETLINK_KOBJECT_UEVENT)
		if err != nil {
			return errors.Wrap(err, "netlink socket")
		}
		sa := &unix.SockaddrNetlink{
			Family: unix.AF_NETLINK,
			Groups: 1, // (1 << 0) kernel events, (1 << 1) udev events
		}
		if err := unix.Bind(fd, sa); err != nil {
			unix.Close(fd)
			return errors.Wrap(err, "netlink bind")
		}
		s = &UEventSocket{fd: fd}
		return nil
	}, retry.Attempts(3), retry.LastErrorOnly(true))
	return s, err
}

// Fd returns the netlink fd for the monitor.
func (s *UEventSocket) Fd() int { return s.fd }

// Read receives and parses one uevent.
func (s *UEventSocket) Read() (UEvent, error) {
	n, err := unix.Read(s.fd, s.buf[:])
	if err != nil {
		return UEvent{}, errors.Wrap(err, "netlink recv")
	}
	return parseUEvent(s.buf[:n]), nil
}

// Close releases the socket.
func (s *UEventSocket) Close() {
	if s.fd >= 0 {
		unix.Close(s.fd)
		s.fd = -1
	}
}

// parseUEvent splits the NUL-separated KEY=value pairs.
func parseUEvent(raw []byte) UEvent {
	var ev UEvent
	for _, field := range strings.Split(string(raw), "\x00") {
		switch {
		case strings.HasPrefix(field, "ACTION="):
			ev.Action = field[len("ACTION="):]
		case strings.HasPrefix(field, "DEVPATH="):
			ev.DevPath = field[len("DEVPATH="):]
		case strings.HasPrefix(field, "SUBSYSTEM="):
			ev.Subsystem = field[len("SUBSYSTEM="):]
		}
	}
	return ev
}
