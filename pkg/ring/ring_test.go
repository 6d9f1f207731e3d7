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

package ring

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gatord/gatord/pkg/wire"
)

type captureSender struct {
	responses [][]byte
}

func (s *captureSender) WriteDataParts(parts [][]byte, rt wire.ResponseType, _ bool) error {
	var body []byte
	for _, p := range parts {
		body = append(body, p...)
	}
	s.responses = append(s.responses, body)
	return nil
}

func newTestRing(t *testing.T, size int) (*Buffer, chan struct{}) {
	t.Helper()
	sem := make(chan struct{}, 1)
	return New(-1, wire.FrameExternal, size, sem), sem
}

func drain(t *testing.T, b *Buffer) []byte {
	t.Helper()
	s := &captureSender{}
	require.NoError(t, b.Write(s))
	var all []byte
	for _, r := range s.responses {
		all = append(all, r...)
	}
	return all
}

func TestNewRejectsNonPowerOfTwo(t *testing.T) {
	sem := make(chan struct{}, 1)
	assert.Panics(t, func() { New(0, wire.FrameExternal, 1000, sem) })
}

func TestWriteCommitDrain(t *testing.T) {
	b, sem := newTestRing(t, 1024)

	token := b.BeginFrame(wire.FrameExternal, -1)
	b.PackInt(42)
	b.WriteString("hello")
	b.EndFrame(0, false, token)
	_, err := b.Commit(0, true)
	require.NoError(t, err)

	select {
	case <-sem:
	default:
		t.Fatal("commit did not post the reader semaphore")
	}

	body := drain(t, b)
	ft, n, err := wire.UnpackInt32(body)
	require.NoError(t, err)
	assert.Equal(t, int32(wire.FrameExternal), ft)
	v, m, err := wire.UnpackInt32(body[n:])
	require.NoError(t, err)
	assert.Equal(t, int32(42), v)
	s, _, err := wire.UnpackString(body[n+m:])
	require.NoError(t, err)
	assert.Equal(t, "hello", s)
}

func TestAbortLeavesNoTrace(t *testing.T) {
	b, _ := newTestRing(t, 1024)

	before := b.BytesAvailable()
	token := b.BeginFrame(wire.FrameExternal, -1)
	b.WriteString("partial data that should vanish")
	b.EndFrame(0, true, token)

	assert.Equal(t, before, b.BytesAvailable())
	_, err := b.Commit(0, true)
	require.NoError(t, err)
	assert.Empty(t, drain(t, b))
}

func TestCommitElision(t *testing.T) {
	b, _ := newTestRing(t, 1024)

	b.PackInt(7)
	committed, err := b.Commit(time.Millisecond.Nanoseconds(), false)
	require.NoError(t, err)
	assert.False(t, committed, "small pending data inside the holdoff must not commit")

	committed, err = b.Commit(time.Millisecond.Nanoseconds(), true)
	require.NoError(t, err)
	assert.True(t, committed)

	// Past the holdoff, even a small amount commits.
	b.PackInt(8)
	committed, err = b.Commit(time.Second.Nanoseconds(), false)
	require.NoError(t, err)
	assert.True(t, committed)

	// More than half the ring pending commits regardless of time.
	b.WriteBytes(make([]byte, 600))
	committed, err = b.Commit(time.Second.Nanoseconds()+1, false)
	require.NoError(t, err)
	assert.True(t, committed)
}

func TestWraparound(t *testing.T) {
	b, _ := newTestRing(t, 64)

	// Fill most of the ring, drain, then write across the boundary.
	b.WriteBytes(make([]byte, 48))
	_, err := b.Commit(0, true)
	require.NoError(t, err)
	require.Len(t, drain(t, b), 48)

	payload := make([]byte, 40)
	for i := range payload {
		payload[i] = byte(i)
	}
	b.WriteBytes(payload)
	_, err = b.Commit(0, true)
	require.NoError(t, err)

	s := &captureSender{}
	require.NoError(t, b.Write(s))
	require.Len(t, s.responses, 1, "a wrapped segment is still one response")
	assert.Equal(t, payload, s.responses[0])
}

func TestBytesAvailable(t *testing.T) {
	b, _ := newTestRing(t, 128)
	assert.Equal(t, 128, b.BytesAvailable())
	b.WriteBytes(make([]byte, 100))
	assert.Equal(t, 28, b.BytesAvailable())
	_, err := b.Commit(0, true)
	require.NoError(t, err)
	drain(t, b)
	assert.Equal(t, 128, b.BytesAvailable())
}

func TestWaitForSpaceUnblocks(t *testing.T) {
	b, _ := newTestRing(t, 64)
	b.WriteBytes(make([]byte, 64))
	_, err := b.Commit(0, true)
	require.NoError(t, err)

	released := make(chan struct{})
	go func() {
		b.WaitForSpace(32)
		close(released)
	}()

	select {
	case <-released:
		t.Fatal("WaitForSpace returned with a full ring")
	case <-time.After(10 * time.Millisecond):
	}

	drain(t, b)
	select {
	case <-released:
	case <-time.After(time.Second):
		t.Fatal("WaitForSpace did not wake after the reader advanced")
	}
}

func TestOverfullCommit(t *testing.T) {
	b, _ := newTestRing(t, 64)
	b.WriteBytes(make([]byte, 64))
	b.writePos += 8 // simulate a producer that ignored WaitForSpace
	_, err := b.Commit(0, true)
	assert.ErrorIs(t, err, ErrFull)
}

func TestDeltaCodedEvents(t *testing.T) {
	sem := make(chan struct{}, 1)
	b := New(2, wire.FrameBlockCounter, 1024, sem)

	require.True(t, b.CounterMessage(100, 2, 11, 1111))
	// Same time and core: neither header nor core is re-emitted.
	require.True(t, b.Event64(12, 2222))
	_, err := b.Commit(100, true)
	require.NoError(t, err)

	body := drain(t, b)
	var got []int64
	for len(body) > 0 {
		v, n, err := wire.UnpackInt64(body)
		require.NoError(t, err)
		got = append(got, v)
		body = body[n:]
	}
	assert.Equal(t, []int64{
		int64(wire.FrameBlockCounter), 2, // frame header with core
		int64(wire.CodeHeader), 100,
		int64(wire.CodeCore), 2,
		11, 1111,
		12, 2222,
	}, got)
}

func TestDeltaStateResetsAcrossCommits(t *testing.T) {
	sem := make(chan struct{}, 1)
	b := New(0, wire.FrameBlockCounter, 1024, sem)

	require.True(t, b.CounterMessage(100, 0, 5, 50))
	_, err := b.Commit(100, true)
	require.NoError(t, err)
	drain(t, b)

	// A new commit span re-emits the full header even if nothing changed.
	require.True(t, b.CounterMessage(100, 0, 5, 51))
	_, err = b.Commit(100, true)
	require.NoError(t, err)

	body := drain(t, b)
	v, n, err := wire.UnpackInt32(body)
	require.NoError(t, err)
	assert.Equal(t, int32(wire.FrameBlockCounter), v)
	_, m, err := wire.UnpackInt32(body[n:])
	require.NoError(t, err)
	code, _, err := wire.UnpackInt32(body[n+m:])
	require.NoError(t, err)
	assert.Equal(t, wire.CodeHeader, code)
}

func TestDoneLifecycle(t *testing.T) {
	b, sem := newTestRing(t, 64)
	assert.False(t, b.IsDone())

	b.PackInt(1)
	_, err := b.Commit(0, true)
	require.NoError(t, err)
	b.SetDone()
	assert.False(t, b.IsDone(), "not done until committed data is drained")

	<-sem
	drain(t, b)
	assert.True(t, b.IsDone())
}
