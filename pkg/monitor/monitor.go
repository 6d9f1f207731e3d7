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

// Package monitor wraps an epoll instance behind the small fd-set interface
// the sources poll on. Each Monitor is used single-threaded by its owner.
package monitor

import (
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// Monitor is a level-triggered readiness notifier over a set of fds: fds are
// registered without EPOLLET, so Wait keeps reporting an fd for as long as
// it stays readable.
type Monitor struct {
	epfd int
	size int
}

// New creates the epoll instance.
func New() (*Monitor, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, errors.Wrap(err, "epoll_create1")
	}
	return &Monitor{epfd: epfd}, nil
}

func (m *Monitor) control(fd int, op int) error {
	ev := unix.EpollEvent{
		Events: unix.EPOLLIN | unix.EPOLLERR | unix.EPOLLHUP,
		Fd:     int32(fd),
	}
	return unix.EpollCtl(m.epfd, op, fd, &ev)
}

// Add registers fd for input readiness.
func (m *Monitor) Add(fd int) error {
	if err := m.control(fd, unix.EPOLL_CTL_ADD); err != nil {
		return errors.Wrapf(err, "epoll_ctl add fd %d", fd)
	}
	m.size++
	return nil
}

// Remove unregisters fd.
func (m *Monitor) Remove(fd int) error {
	if err := m.control(fd, unix.EPOLL_CTL_DEL); err != nil {
		return errors.Wrapf(err, "epoll_ctl del fd %d", fd)
	}
	m.size--
	return nil
}

// Size returns the number of registered fds.
func (m *Monitor) Size() int { return m.size }

// Wait fills events with ready fds, waiting up to timeoutMs (-1 = forever).
// An interrupted wait reports zero ready fds, not an error.
func (m *Monitor) Wait(events []unix.EpollEvent, timeoutMs int) (int, error) {
	n, err := unix.EpollWait(m.epfd, events, timeoutMs)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, errors.Wrap(err, "epoll_wait")
	}
	return n, nil
}

// Close releases the epoll instance.
func (m *Monitor) Close() error {
	if m.epfd < 0 {
		return nil
	}
	err := unix.Close(m.epfd)
	m.epfd = -1
	return err
}
