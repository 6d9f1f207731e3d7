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

package annotate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/gatord/gatord/pkg/wire"
)

func TestMessageRoundTrip(t *testing.T) {
	in := Message{Tid: 1234, Time: 987654321012, CPU: 3, Payload: []byte("marker: frame start")}
	buf := in.Append(nil)

	out, n, err := Decode(buf)
	require.NoError(t, err)
	assert.Equal(t, len(buf), n)
	assert.Equal(t, in.Tid, out.Tid)
	assert.Equal(t, in.Time, out.Time)
	assert.Equal(t, in.CPU, out.CPU)
	assert.Equal(t, in.Payload, out.Payload)
}

func TestDecodePartialWaitsForMore(t *testing.T) {
	in := Message{Tid: 1, Time: 2, CPU: 0, Payload: make([]byte, 64)}
	buf := in.Append(nil)
	for i := 0; i < len(buf); i++ {
		_, _, err := Decode(buf[:i])
		assert.ErrorIs(t, err, wire.ErrTruncated, "cut at %d", i)
	}
}

func TestDecodeEmptyPayload(t *testing.T) {
	in := Message{Tid: 7, Time: 77, CPU: 1}
	out, n, err := Decode(in.Append(nil))
	require.NoError(t, err)
	assert.Equal(t, n, len(in.Append(nil)))
	assert.Empty(t, out.Payload)
}

// clientPair registers one fake client into the listener via a socketpair
// and returns the peer fd.
func clientPair(t *testing.T, l *Listener) int {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	require.NoError(t, err)
	l.mu.Lock()
	l.clients[fds[0]] = struct{}{}
	l.mu.Unlock()
	return fds[1]
}

func TestSignalWritesWakeByte(t *testing.T) {
	l := &Listener{clients: make(map[int]struct{}), udsFd: -1, tcpFd: -1, log: zap.NewNop()}
	defer l.Close()

	peer := clientPair(t, l)
	defer unix.Close(peer)

	l.Signal()

	buf := make([]byte, 4)
	n, err := unix.Read(peer, buf)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	assert.Equal(t, byte(0), buf[0])
}

func TestSignalDropsDeadClients(t *testing.T) {
	l := &Listener{clients: make(map[int]struct{}), udsFd: -1, tcpFd: -1, log: zap.NewNop()}
	defer l.Close()

	peer := clientPair(t, l)
	live := clientPair(t, l)
	defer unix.Close(live)
	require.Equal(t, 2, l.ClientCount())

	// Close the peer end so the next write fails with EPIPE.
	require.NoError(t, unix.Close(peer))
	l.Signal()
	// The write may need a second signal to observe the broken pipe.
	l.Signal()

	assert.Equal(t, 1, l.ClientCount())
}
