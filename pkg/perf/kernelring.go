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
	"sync/atomic"
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/gatord/gatord/pkg/ring"
	"github.com/gatord/gatord/pkg/wire"
)

// Kernel record types handled by the drain loop.
const (
	recordLost   = 2
	recordSample = 9
)

const recordHeaderSize = 8

// auxAreaSize reserves the AUX region used by SPE leaders.
const auxAreaSize = 1 << 20

var hostUint64 = func(b []byte) uint64 { return binary.LittleEndian.Uint64(b) }

// KernelRing is one mmap'd perf ring: a metadata page followed by
// (2^mmapPages) data pages, plus an optional AUX region.
type KernelRing struct {
	fd   int
	mmap []byte
	aux  []byte
	meta *unix.PerfEventMmapPage
	data []byte
	lost uint64
}

// MapRing maps the kernel ring of a group leader. The data region is
// (1 + 2^mmapPages) * pageSize as the kernel requires the extra metadata
// page.
func MapRing(fd, mmapPages, pageSize int, withAux bool) (*KernelRing, error) {
	dataSize := (1 << mmapPages) * pageSize
	size := pageSize + dataSize

	mem, err := unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, errors.Wrap(err, "mmap perf ring")
	}

	r := &KernelRing{
		fd:   fd,
		mmap: mem,
		meta: (*unix.PerfEventMmapPage)(unsafe.Pointer(&mem[0])),
		data: mem[pageSize : pageSize+dataSize],
	}

	if withAux {
		r.meta.Aux_offset = uint64(size)
		r.meta.Aux_size = auxAreaSize
		aux, err := unix.Mmap(fd, int64(size), auxAreaSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
		if err != nil {
			unix.Munmap(mem)
			return nil, errors.Wrap(err, "mmap perf aux area")
		}
		r.aux = aux
	}
	return r, nil
}

// Fd returns the leader fd the ring is mapped over.
func (r *KernelRing) Fd() int { return r.fd }

// Lost returns the cumulative number of records the kernel dropped because
// this ring overflowed.
func (r *KernelRing) Lost() uint64 { return atomic.LoadUint64(&r.lost) }

// Close unmaps the ring.
func (r *KernelRing) Close() {
	if r.aux != nil {
		unix.Munmap(r.aux)
		r.aux = nil
	}
	if r.mmap != nil {
		unix.Munmap(r.mmap)
		r.mmap = nil
	}
}

// maxEventSize bounds a single kernel record; a drain blocks for at most
// this much ring space before copying a record.
const maxEventSize = 1 << 16

// Drain copies every complete record between the kernel head and tail into
// out as PERF_DATA frames, attributing them to cpu. The tail is published
// back so the kernel can reuse the space. Returns the number of newly lost
// records.
func (r *KernelRing) Drain(out *ring.Buffer, cpu int32, now int64) (uint64, error) {
	head := atomic.LoadUint64(&r.meta.Data_head)
	tail := atomic.LoadUint64(&r.meta.Data_tail)
	if head == tail {
		return 0, nil
	}

	mask := uint64(len(r.data) - 1)
	var newlyLost uint64

	for tail < head {
		if head-tail < recordHeaderSize {
			break
		}
		var hdr [recordHeaderSize]byte
		r.copyOut(hdr[:], tail, mask)
		typ := binary.LittleEndian.Uint32(hdr[0:4])
		size := int(binary.LittleEndian.Uint16(hdr[6:8]))
		if size < recordHeaderSize || head-tail < uint64(size) {
			break // partial record still being written
		}

		switch typ {
		case recordLost:
			// {header, id u64, lost u64}
			var body [16]byte
			r.copyOut(body[:], tail+recordHeaderSize, mask)
			newlyLost += binary.LittleEndian.Uint64(body[8:16])
		default:
			if err := r.forward(out, cpu, now, tail, size, mask); err != nil {
				return newlyLost, err
			}
		}
		tail += uint64(size)
	}

	atomic.StoreUint64(&r.meta.Data_tail, tail)
	if newlyLost > 0 {
		atomic.AddUint64(&r.lost, newlyLost)
	}
	return newlyLost, nil
}

// forward packs one raw kernel record into the per-CPU ring:
// {frame header, record length, record bytes}.
func (r *KernelRing) forward(out *ring.Buffer, cpu int32, now int64, tail uint64, size int, mask uint64) error {
	need := size + 2*wire.MaxPackedInt32 + wire.MaxPackedInt64
	out.WaitForSpace(need)

	token := out.BeginFrame(wire.FramePerfData, cpu)
	out.PackInt(int32(size))

	start := tail & mask
	end := (tail + uint64(size)) & mask
	if start < end {
		out.WriteBytes(r.data[start:end])
	} else {
		out.WriteBytes(r.data[start:])
		out.WriteBytes(r.data[:end])
	}
	out.EndFrame(now, false, token)
	return nil
}

// copyOut reads length bytes at pos handling wrap-around.
func (r *KernelRing) copyOut(dst []byte, pos uint64, mask uint64) {
	start := pos & mask
	n := copy(dst, r.data[start:])
	if n < len(dst) {
		copy(dst[n:], r.data[:len(dst)-n])
	}
}
