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

// Package annotate accepts user annotation connections and defines the
// in-band annotation packet format. The listener is owned by the capture
// supervisor so annotation clients survive across capture sessions.
package annotate

import (
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/gatord/gatord/pkg/socket"
)

// TCPPort is the optional TCP annotation port.
const TCPPort = 8082

// Listener owns the annotation server sockets and the set of accepted
// client fds.
type Listener struct {
	mu      sync.Mutex
	clients map[int]struct{}
	udsFd   int
	tcpFd   int
	log     *zap.Logger
}

// NewListener binds the abstract-domain annotation socket and, when
// withTCP is set, the TCP annotation port.
func NewListener(withTCP bool, log *zap.Logger) (*Listener, error) {
	uds, err := socket.ListenUnix(socket.AnnotateParent)
	if err != nil {
		return nil, err
	}
	l := &Listener{clients: make(map[int]struct{}), udsFd: uds, tcpFd: -1, log: log}
	if withTCP {
		tcp, err := socket.ListenTCP(TCPPort)
		if err != nil {
			unix.Close(uds)
			return nil, err
		}
		l.tcpFd = tcp
	}
	return l, nil
}

// UdsFd returns the abstract-domain server fd for the owner's monitor.
func (l *Listener) UdsFd() int { return l.udsFd }

// TCPFd returns the TCP server fd, or -1 when TCP annotations are off.
func (l *Listener) TCPFd() int { return l.tcpFd }

// HandleAccept accepts one pending connection on serverFd and records the
// client.
func (l *Listener) HandleAccept(serverFd int) error {
	fd, err := socket.Accept(serverFd)
	if err != nil {
		return err
	}
	l.mu.Lock()
	l.clients[fd] = struct{}{}
	n := len(l.clients)
	l.mu.Unlock()
	l.log.Debug("annotate: client connected", zap.Int("fd", fd), zap.Int("clients", n))
	return nil
}

// Signal writes one zero byte to every client as a wake signal. Clients
// whose write fails are closed and forgotten.
func (l *Listener) Signal() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for fd := range l.clients {
		if _, err := unix.Write(fd, []byte{0}); err != nil {
			unix.Close(fd)
			delete(l.clients, fd)
			l.log.Debug("annotate: client dropped", zap.Int("fd", fd))
		}
	}
}

// ClientCount returns the number of live clients.
func (l *Listener) ClientCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.clients)
}

// Close closes the server sockets and every client fd.
func (l *Listener) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.udsFd >= 0 {
		unix.Close(l.udsFd)
		l.udsFd = -1
	}
	if l.tcpFd >= 0 {
		unix.Close(l.tcpFd)
		l.tcpFd = -1
	}
	for fd := range l.clients {
		unix.Close(fd)
		delete(l.clients, fd)
	}
}
