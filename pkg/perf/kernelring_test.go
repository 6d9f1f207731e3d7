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
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/gatord/gatord/pkg/ring"
	"github.com/gatord/gatord/pkg/wire"
)

// fakeKernelRing builds an in-memory ring the way the kernel would fill it.
func fakeKernelRing(size int) *KernelRing {
	return &KernelRing{
		fd:   -1,
		meta: &unix.PerfEventMmapPage{},
		data: make([]byte, size),
	}
}

// putRecord writes one {type, misc, size, payload} record at the head.
func putRecord(r *KernelRing, typ uint32, payload []byte) {
	size := recordHeaderSize + len(payload)
	var hdr [recordHeaderSize]byte
	binary.LittleEndian.PutUint32(hdr[0:4], typ)
	binary.LittleEndian.PutUint16(hdr[6:8], uint16(size))

	mask := uint64(len(r.data) - 1)
	pos := r.meta.Data_head
	for _, b := range append(hdr[:], payload...) {
		r.data[pos&mask] = b
		pos++
	}
	r.meta.Data_head = pos
}

func drainInto(t *testing.T, kr *KernelRing, cpu int32) ([]byte, uint64) {
	t.Helper()
	sem := make(chan struct{}, 8)
	out := ring.New(cpu, wire.FramePerfData, 1<<16, sem)
	lost, err := kr.Drain(out, cpu, 0)
	require.NoError(t, err)
	_, err = out.Commit(0, true)
	require.NoError(t, err)

	s := &captureSender{}
	require.NoError(t, out.Write(s))
	return s.body, lost
}

type captureSender struct {
	body []byte
}

func (s *captureSender) WriteDataParts(parts [][]byte, _ wire.ResponseType, _ bool) error {
	for _, p := range parts {
		s.body = append(s.body, p...)
	}
	return nil
}

func TestDrainForwardsSamples(t *testing.T) {
	kr := fakeKernelRing(4096)
	payload := []byte{0xde, 0xad, 0xbe, 0xef, 1, 2, 3, 4}
	putRecord(kr, recordSample, payload)

	body, lost := drainInto(t, kr, 3)
	assert.Zero(t, lost)

	ft, n, err := wire.UnpackInt32(body)
	require.NoError(t, err)
	assert.Equal(t, int32(wire.FramePerfData), ft)
	cpu, m, err := wire.UnpackInt32(body[n:])
	require.NoError(t, err)
	assert.Equal(t, int32(3), cpu)
	size, k, err := wire.UnpackInt32(body[n+m:])
	require.NoError(t, err)
	assert.Equal(t, int32(recordHeaderSize+len(payload)), size)

	record := body[n+m+k:]
	require.Len(t, record, recordHeaderSize+len(payload))
	assert.Equal(t, payload, record[recordHeaderSize:])

	assert.Equal(t, kr.meta.Data_head, kr.meta.Data_tail, "the tail is published back to the kernel")
}

func TestDrainCountsLostRecords(t *testing.T) {
	kr := fakeKernelRing(4096)

	var lostBody [16]byte
	binary.LittleEndian.PutUint64(lostBody[0:8], 1)   // id
	binary.LittleEndian.PutUint64(lostBody[8:16], 37) // lost count
	putRecord(kr, recordLost, lostBody[:])
	putRecord(kr, recordSample, []byte{1, 2, 3, 4, 5, 6, 7, 8})

	_, lost := drainInto(t, kr, 0)
	assert.Equal(t, uint64(37), lost)
	assert.Equal(t, uint64(37), kr.Lost())
}

func TestDrainHandlesWrapAround(t *testing.T) {
	kr := fakeKernelRing(64)

	// Advance head and tail near the end, then write a record across the
	// boundary.
	kr.meta.Data_head = 56
	kr.meta.Data_tail = 56
	payload := []byte{9, 8, 7, 6, 5, 4, 3, 2, 1, 0, 11, 12, 13, 14, 15, 16}
	putRecord(kr, recordSample, payload)

	body, lost := drainInto(t, kr, 1)
	assert.Zero(t, lost)

	_, n, err := wire.UnpackInt32(body)
	require.NoError(t, err)
	_, m, err := wire.UnpackInt32(body[n:])
	require.NoError(t, err)
	_, k, err := wire.UnpackInt32(body[n+m:])
	require.NoError(t, err)
	record := body[n+m+k:]
	assert.Equal(t, payload, record[recordHeaderSize:])
}

func TestDrainStopsAtPartialRecord(t *testing.T) {
	kr := fakeKernelRing(4096)
	putRecord(kr, recordSample, []byte{1, 2, 3, 4, 5, 6, 7, 8})

	// A record whose header claims more bytes than were published yet.
	var hdr [recordHeaderSize]byte
	binary.LittleEndian.PutUint32(hdr[0:4], recordSample)
	binary.LittleEndian.PutUint16(hdr[6:8], 64)
	copy(kr.data[kr.meta.Data_head:], hdr[:])
	kr.meta.Data_head += recordHeaderSize // body not yet visible

	before := kr.meta.Data_head
	_, lost := drainInto(t, kr, 0)
	assert.Zero(t, lost)
	assert.Equal(t, before-recordHeaderSize, kr.meta.Data_tail,
		"the partial record stays for the next drain")
}
