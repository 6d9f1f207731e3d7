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

package source

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/gatord/gatord/pkg/ring"
	"github.com/gatord/gatord/pkg/session"
	"github.com/gatord/gatord/pkg/wire"
)

type captureSender struct {
	body []byte
}

func (s *captureSender) WriteDataParts(parts [][]byte, _ wire.ResponseType, _ bool) error {
	for _, p := range parts {
		s.body = append(s.body, p...)
	}
	return nil
}

func testSession() *session.Session {
	s := session.NewSession(session.Config{MmapPages: 4, SampleRate: session.RateNormal})
	s.SetMonotonicStarted(1)
	s.MarkSummarySent()
	return s
}

func unpackAll(t *testing.T, body []byte) []int64 {
	t.Helper()
	var out []int64
	for len(body) > 0 {
		v, n, err := wire.UnpackInt64(body)
		require.NoError(t, err)
		out = append(out, v)
		body = body[n:]
	}
	return out
}

func TestExternalForward(t *testing.T) {
	sem := make(chan struct{}, 1)
	e := &External{
		sess: testSession(),
		log:  zap.NewNop(),
		buf:  ring.New(-1, wire.FrameExternal, externalRingSize, sem),
	}

	e.forward(7, []byte("MALI_GRAPHICS 1\n"))

	s := &captureSender{}
	require.NoError(t, e.buf.Write(s))

	ft, n, err := wire.UnpackInt32(s.body)
	require.NoError(t, err)
	assert.Equal(t, int32(wire.FrameExternal), ft)
	fd, m, err := wire.UnpackInt32(s.body[n:])
	require.NoError(t, err)
	assert.Equal(t, int32(7), fd)
	assert.Equal(t, []byte("MALI_GRAPHICS 1\n"), s.body[n+m:])
}

func TestExternalClosedSentinel(t *testing.T) {
	sem := make(chan struct{}, 1)
	e := &External{
		sess: testSession(),
		log:  zap.NewNop(),
		buf:  ring.New(-1, wire.FrameExternal, externalRingSize, sem),
	}

	e.forwardClosed(9)

	s := &captureSender{}
	require.NoError(t, e.buf.Write(s))
	got := unpackAll(t, s.body)
	assert.Equal(t, []int64{int64(wire.FrameExternal), -9}, got)
}

type fakeDriver struct {
	procDriver
	value int64
}

func newFakeDriver(value int64) *fakeDriver {
	d := &fakeDriver{value: value}
	d.name = "fake"
	d.claims = []string{"fake_counter"}
	d.counters = make(map[string]session.Counter)
	d.sample = func(pd *procDriver, buf *ring.Buffer) {
		pd.emit(buf, "fake_counter", d.value)
	}
	return d
}

func TestShouldStart(t *testing.T) {
	d := newFakeDriver(1)
	assert.False(t, ShouldStart([]PolledDriver{d}))
	d.SetupCounter(session.Counter{Name: "fake_counter", Key: 21})
	assert.True(t, ShouldStart([]PolledDriver{d}))
}

func TestUserSpaceEmitsCounters(t *testing.T) {
	d := newFakeDriver(424242)
	d.SetupCounter(session.Counter{Name: "fake_counter", Key: 21})

	sess := testSession()
	sem := make(chan struct{}, 4)
	u := NewUserSpace(sess, []PolledDriver{d}, sem, func() {}, clock.New(), zap.NewNop())
	require.NoError(t, u.Prepare())
	require.NoError(t, u.Start())

	// The first sample is taken immediately; give the goroutine a moment.
	time.Sleep(30 * time.Millisecond)
	sess.Deactivate()
	u.Interrupt()

	s := &captureSender{}
	deadline := time.After(2 * time.Second)
	for !u.IsDone() {
		require.NoError(t, u.Write(s))
		select {
		case <-deadline:
			t.Fatal("user-space source did not finish")
		case <-time.After(time.Millisecond):
		}
	}
	require.NoError(t, u.Write(s))

	got := unpackAll(t, s.body)
	assert.Contains(t, got, int64(wire.FrameBlockCounter))
	assert.Contains(t, got, int64(21))
	assert.Contains(t, got, int64(424242))
}

func TestReadKVFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "meminfo")
	require.NoError(t, os.WriteFile(path, []byte(
		"MemTotal:       16315504 kB\nMemFree:         5028180 kB\nBuffers:          517724 kB\n"), 0o644))

	got := readKVFile(path, ":")
	assert.Equal(t, int64(16315504), got["MemTotal"])
	assert.Equal(t, int64(5028180), got["MemFree"])
	assert.Equal(t, int64(517724), got["Buffers"])
}

func TestReadNetDev(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dev")
	require.NoError(t, os.WriteFile(path, []byte(`Inter-|   Receive                                                |  Transmit
 face |bytes    packets errs drop fifo frame compressed multicast|bytes    packets errs drop fifo colls carrier compressed
    lo:  999999    1000    0    0    0     0          0         0   999999    1000    0    0    0     0       0          0
  eth0: 1000000    2000    0    0    0     0          0         0  2000000    3000    0    0    0     0       0          0
 wlan0:  500000    1000    0    0    0     0          0         0   250000     800    0    0    0     0       0          0
`), 0o644))

	rx, tx := readNetDev(path)
	assert.Equal(t, int64(1500000), rx, "loopback is excluded")
	assert.Equal(t, int64(2250000), tx)
}

func TestReadDiskstats(t *testing.T) {
	path := filepath.Join(t.TempDir(), "diskstats")
	require.NoError(t, os.WriteFile(path, []byte(
		" 259       0 nvme0n1 100 0 2048 50 200 0 4096 80 0 100 130\n"), 0o644))

	rd, wr := readDiskstats(path)
	assert.Equal(t, int64(2048*512), rd)
	assert.Equal(t, int64(4096*512), wr)
}

func TestMeminfoDriverClaims(t *testing.T) {
	d := NewMeminfoDriver()
	assert.Contains(t, d.Claims(), "Linux_meminfo_memused")
	assert.False(t, d.CountersEnabled())
	d.SetupCounter(session.Counter{Name: "Linux_meminfo_memused", Key: 30})
	assert.True(t, d.CountersEnabled())
}
