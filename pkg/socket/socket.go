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

// Package socket provides the raw-fd socket plumbing shared by the
// listeners and sources: abstract-domain unix sockets, the host TCP
// socket and the discovery UDP socket. Raw fds (not net.Conn) so that
// everything can sit in one epoll set.
package socket

import (
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// Abstract socket names. The leading NUL puts them in the abstract
// namespace; Go strings carry it directly.
const (
	StreamlineData      = "\x00streamline-data"
	AnnotateParent      = "\x00streamline-annotate-parent"
	AnnotateChild       = "\x00streamline-annotate"
	MaliVideoStartup    = "\x00mali-video-startup"
	MaliGraphicsStartup = "\x00mali_thirdparty_client"
	MaliUtgardStartup   = "\x00mali-utgard-startup"
	MaliUtgardSetup     = "\x00mali-utgard-setup"
)

// ListenUnix creates a listening stream socket bound to an abstract name.
func ListenUnix(name string) (int, error) {
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, errors.Wrap(err, "socket")
	}
	sa := &unix.SockaddrUnix{Name: name}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return -1, errors.Wrapf(err, "bind %q", name)
	}
	if err := unix.Listen(fd, 128); err != nil {
		unix.Close(fd)
		return -1, errors.Wrapf(err, "listen %q", name)
	}
	return fd, nil
}

// ConnectUnix connects to an abstract name, returning -1 with a nil error
// when nobody is listening (the vendor service is simply absent).
func ConnectUnix(name string) (int, error) {
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, errors.Wrap(err, "socket")
	}
	if err := unix.Connect(fd, &unix.SockaddrUnix{Name: name}); err != nil {
		unix.Close(fd)
		if err == unix.ECONNREFUSED || err == unix.ENOENT {
			return -1, nil
		}
		return -1, errors.Wrapf(err, "connect %q", name)
	}
	return fd, nil
}

// ListenTCP creates a listening TCP socket on port with SO_REUSEADDR.
func ListenTCP(port int) (int, error) {
	fd, err := unix.Socket(unix.AF_INET6, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, errors.Wrap(err, "socket")
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return -1, errors.Wrap(err, "setsockopt SO_REUSEADDR")
	}
	// Dual stack: accept IPv4 peers too.
	_ = unix.SetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_V6ONLY, 0)
	if err := unix.Bind(fd, &unix.SockaddrInet6{Port: port}); err != nil {
		unix.Close(fd)
		return -1, errors.Wrapf(err, "bind port %d", port)
	}
	if err := unix.Listen(fd, 128); err != nil {
		unix.Close(fd)
		return -1, errors.Wrapf(err, "listen port %d", port)
	}
	return fd, nil
}

// BindUDP creates a UDP socket bound to port.
func BindUDP(port int) (int, error) {
	fd, err := unix.Socket(unix.AF_INET6, unix.SOCK_DGRAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, errors.Wrap(err, "socket")
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return -1, errors.Wrap(err, "setsockopt SO_REUSEADDR")
	}
	_ = unix.SetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_V6ONLY, 0)
	if err := unix.Bind(fd, &unix.SockaddrInet6{Port: port}); err != nil {
		unix.Close(fd)
		return -1, errors.Wrapf(err, "bind udp port %d", port)
	}
	return fd, nil
}

// Accept accepts one connection, retrying on EINTR.
func Accept(fd int) (int, error) {
	for {
		nfd, _, err := unix.Accept4(fd, unix.SOCK_CLOEXEC)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return -1, errors.Wrap(err, "accept")
		}
		return nfd, nil
	}
}

// SetNonblock marks fd non-blocking.
func SetNonblock(fd int) error {
	return errors.Wrap(unix.SetNonblock(fd, true), "set nonblock")
}

// Pipe returns a cloexec pipe used for self-pipe interrupts.
func Pipe() (r, w int, err error) {
	var p [2]int
	if err := unix.Pipe2(p[:], unix.O_CLOEXEC); err != nil {
		return -1, -1, errors.Wrap(err, "pipe2")
	}
	return p[0], p[1], nil
}

// ReceiveNBytes reads exactly len(buf) bytes from a blocking fd, retrying
// on EINTR and short reads. A peer close is reported as an error.
func ReceiveNBytes(fd int, buf []byte) error {
	off := 0
	for off < len(buf) {
		n, err := unix.Read(fd, buf[off:])
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return errors.Wrap(err, "read")
		}
		if n == 0 {
			return errors.New("socket: unexpected disconnect")
		}
		off += n
	}
	return nil
}

// WriteAll writes the whole buffer, retrying on EINTR and short writes.
func WriteAll(fd int, buf []byte) error {
	for len(buf) > 0 {
		n, err := unix.Write(fd, buf)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return errors.Wrap(err, "write")
		}
		buf = buf[n:]
	}
	return nil
}
