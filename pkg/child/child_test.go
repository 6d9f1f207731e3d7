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
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/gatord/gatord/pkg/ring"
	"github.com/gatord/gatord/pkg/sender"
	"github.com/gatord/gatord/pkg/session"
	"github.com/gatord/gatord/pkg/wire"
)

type stopRecorder struct {
	stops int
	pings int
}

func (r *stopRecorder) OnStop() { r.stops++ }
func (r *stopRecorder) OnPing() { r.pings++ }

func frame(cmd wire.CommandType, body []byte) []byte {
	out := []byte{byte(cmd)}
	out = binary.LittleEndian.AppendUint32(out, uint32(len(body)))
	return append(out, body...)
}

func TestStopLoopApcStop(t *testing.T) {
	rec := &stopRecorder{}
	StopLoop(bytes.NewReader(frame(wire.CommandAPCStop, nil)), rec, zap.NewNop())
	assert.Equal(t, 1, rec.stops)
	assert.Zero(t, rec.pings)
}

func TestStopLoopPing(t *testing.T) {
	var in bytes.Buffer
	in.Write(frame(wire.CommandPing, nil))
	in.Write(frame(wire.CommandPing, nil))
	in.Write(frame(wire.CommandAPCStop, nil))

	rec := &stopRecorder{}
	StopLoop(&in, rec, zap.NewNop())
	assert.Equal(t, 2, rec.pings)
	assert.Equal(t, 1, rec.stops)
}

func TestStopLoopIgnoresUnknownAndBadPing(t *testing.T) {
	var in bytes.Buffer
	// Unexpected mid-capture command, a ping with a body, and an unknown
	// command byte: all logged and ignored.
	in.Write(frame(wire.CommandDeliverXML, []byte("<x/>")))
	in.Write(frame(wire.CommandPing, []byte{1, 2, 3}))
	in.Write(frame(wire.CommandType(200), []byte("whatever...")))
	in.Write(frame(wire.CommandAPCStop, nil))

	rec := &stopRecorder{}
	StopLoop(&in, rec, zap.NewNop())
	assert.Zero(t, rec.pings)
	assert.Equal(t, 1, rec.stops)
}

func TestStopLoopClosedSocketEndsSession(t *testing.T) {
	rec := &stopRecorder{}
	StopLoop(bytes.NewReader(nil), rec, zap.NewNop())
	assert.Equal(t, 1, rec.stops)
}

func TestSummaryEncoding(t *testing.T) {
	info := SummaryInfo{
		RealtimeNs:       111,
		UptimeNs:         222,
		MonotonicStarted: 333,
		Uname:            "Linux host 6.1.0 #1 SMP aarch64",
		PageSize:         4096,
		NoSync:           true,
	}
	buf := info.Append(nil)

	ft, n, err := wire.UnpackInt32(buf)
	require.NoError(t, err)
	assert.Equal(t, int32(wire.FrameSummary), ft)
	buf = buf[n:]

	for _, want := range []int64{111, 222, 333} {
		v, n, err := wire.UnpackInt64(buf)
		require.NoError(t, err)
		assert.Equal(t, want, v)
		buf = buf[n:]
	}

	kv := map[string]string{}
	for {
		k, n, err := wire.UnpackString(buf)
		require.NoError(t, err)
		buf = buf[n:]
		if k == "" {
			break
		}
		v, n, err := wire.UnpackString(buf)
		require.NoError(t, err)
		buf = buf[n:]
		kv[k] = v
	}
	assert.Empty(t, buf, "the empty key terminates the packet")
	assert.Equal(t, "Linux host 6.1.0 #1 SMP aarch64", kv["uname"])
	assert.Equal(t, "4096", kv["PAGESIZE"])
	assert.Equal(t, "1", kv["nosync"])
}

func TestCollectSummary(t *testing.T) {
	info := CollectSummary(42)
	assert.Equal(t, int64(42), info.MonotonicStarted)
	assert.Positive(t, info.RealtimeNs)
	assert.Positive(t, info.PageSize)
	assert.Contains(t, info.Uname, "Linux")
}

func TestExitCodeMessages(t *testing.T) {
	for code := ExitOK; code <= ExitAfterCapture; code++ {
		assert.NotEqual(t, "unknown exit status", ExitCodeMessage(code), "code %d", code)
	}
	assert.Equal(t, "unknown exit status", ExitCodeMessage(127))
}

func TestFindProcesses(t *testing.T) {
	root := t.TempDir()
	mk := func(pid int, comm, cmdline string) {
		dir := filepath.Join(root, strconv.Itoa(pid))
		require.NoError(t, os.MkdirAll(dir, 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(dir, "comm"), []byte(comm+"\n"), 0o644))
		require.NoError(t, os.WriteFile(filepath.Join(dir, "cmdline"), []byte(cmdline), 0o644))
	}
	mk(100, "myapp", "/usr/bin/myapp\x00--flag\x00")
	mk(200, "other", "/usr/bin/other\x00")
	mk(300, "sh", "/bin/myapp\x00") // comm differs, cmdline matches
	require.NoError(t, os.MkdirAll(filepath.Join(root, "self"), 0o755))

	assert.ElementsMatch(t, []int{100, 300}, FindProcesses(root, "myapp"))
	assert.Empty(t, FindProcesses(root, "absent"))
}

type fakeSource struct {
	name        string
	interrupted int
	done        bool
}

func (f *fakeSource) Name() string              { return f.name }
func (f *fakeSource) Prepare() error            { return nil }
func (f *fakeSource) Start() error              { return nil }
func (f *fakeSource) Interrupt()                { f.interrupted++ }
func (f *fakeSource) IsDone() bool              { return f.done }
func (f *fakeSource) Write(_ ring.Sender) error { return nil }

func TestEndSessionIdempotent(t *testing.T) {
	sess := session.NewSession(session.Config{MmapPages: 4})
	var out bytes.Buffer
	c := New(sess, sender.New(&out, zap.NewNop()), nil, &session.LastError{}, zap.NewNop())
	c.clk = clock.NewMock() // keeps the watchdog from firing
	c.exit = func(int) { t.Fatal("exit must not be called") }

	fake := &fakeSource{name: "fake"}
	c.sources = append(c.sources, fake)

	c.EndSession()
	c.EndSession()
	c.EndSession()

	assert.False(t, sess.IsActive())
	assert.Equal(t, 1, fake.interrupted, "N calls behave like one")

	select {
	case <-c.oneShotGate:
	default:
		t.Fatal("the one-shot gate must be released")
	}
}

func TestHasSuffixFold(t *testing.T) {
	assert.True(t, hasSuffixFold("ARMv8_Cortex_A55_CYCLES", "_cycles"))
	assert.True(t, hasSuffixFold("pmnc_cnt", "_cnt"))
	assert.False(t, hasSuffixFold("cycles_total", "_cycles"))
	assert.False(t, hasSuffixFold("x", "_cycles"))
}
