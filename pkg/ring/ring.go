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

// Package ring implements the per-source byte ring between one producer
// thread and the sender thread. Positions grow monotonically and are masked
// into the buffer; commitPos and readPos are published with release/acquire
// semantics so no lock is needed on the data path.
package ring

import (
	"time"

	"github.com/pkg/errors"
	"go.uber.org/atomic"

	"github.com/gatord/gatord/pkg/wire"
)

// Sender consumes committed ring segments. Implemented by pkg/sender.
type Sender interface {
	WriteDataParts(parts [][]byte, rt wire.ResponseType, ignoreLockErrors bool) error
}

// ErrFull is returned by Commit when a single uncommitted span exceeds the
// ring size, which can only resolve by aborting the capture.
var ErrFull = errors.New("ring: pending frame larger than buffer")

const commitHoldoff = 100 * time.Millisecond

// Buffer is a single-producer single-consumer byte ring.
//
// Invariant: readPos <= commitPos <= writePos and
// writePos-readPos <= size at every observation.
type Buffer struct {
	core      int32
	frameType wire.FrameType
	size      int64
	mask      int64
	buf       []byte

	// readerSem is shared with the sender thread and posted on commit;
	// writerSem is private and posted when the reader advances. Both are
	// capacity-1 channels; sends coalesce.
	readerSem chan<- struct{}
	writerSem chan struct{}

	writePos  int64 // producer owned
	commitPos atomic.Int64
	readPos   atomic.Int64

	commitTime int64 // producer owned, monotonic ns of last commit
	done       atomic.Bool

	lastEventTime int64
	lastEventCore int32
	lastEventTid  int32

	scratch [wire.MaxPackedInt64]byte
}

// New creates a ring of the given power-of-two size owned by core (or -1).
// readerSem must be the capacity-1 channel shared with the sender thread.
func New(core int32, frameType wire.FrameType, size int, readerSem chan<- struct{}) *Buffer {
	if size <= 0 || size&(size-1) != 0 {
		panic("ring: size must be a power of two")
	}
	return &Buffer{
		core:          core,
		frameType:     frameType,
		size:          int64(size),
		mask:          int64(size) - 1,
		buf:           make([]byte, size),
		readerSem:     readerSem,
		writerSem:     make(chan struct{}, 1),
		lastEventCore: -1,
		lastEventTid:  -1,
	}
}

// FrameType returns the tagged kind of data this ring carries.
func (b *Buffer) FrameType() wire.FrameType { return b.frameType }

// Core returns the owning CPU, or -1.
func (b *Buffer) Core() int32 { return b.core }

// BytesAvailable returns the free space. Producer side only.
func (b *Buffer) BytesAvailable() int {
	return int(b.size - (b.writePos - b.readPos.Load()))
}

// ContiguousSpaceAvailable returns the free space before the write position
// would wrap. Producer side only.
func (b *Buffer) ContiguousSpaceAvailable() int {
	free := b.size - (b.writePos - b.readPos.Load())
	contig := b.size - (b.writePos & b.mask)
	if contig < free {
		return int(contig)
	}
	return int(free)
}

func (b *Buffer) checkSpace(bytes int) bool {
	return b.BytesAvailable() >= bytes
}

// WaitForSpace blocks the producer on the writer semaphore until at least
// bytes of space is free.
func (b *Buffer) WaitForSpace(bytes int) {
	for !b.checkSpace(bytes) {
		<-b.writerSem
	}
}

// writeByte appends one byte, wrapping at the boundary. The caller has
// guaranteed space via WaitForSpace.
func (b *Buffer) writeByte(c byte) {
	b.buf[b.writePos&b.mask] = c
	b.writePos++
}

// WriteBytes appends raw bytes.
func (b *Buffer) WriteBytes(data []byte) {
	for len(data) > 0 {
		idx := b.writePos & b.mask
		n := copy(b.buf[idx:], data)
		b.writePos += int64(n)
		data = data[n:]
	}
}

// PackInt appends a signed base-128 varint.
func (b *Buffer) PackInt(x int32) int {
	return b.PackInt64(int64(x))
}

// PackInt64 appends a signed base-128 varint.
func (b *Buffer) PackInt64(x int64) int {
	enc := wire.PackInt64(b.scratch[:0], x)
	b.WriteBytes(enc)
	return len(enc)
}

// WriteString appends a packed length followed by the raw bytes.
func (b *Buffer) WriteString(s string) {
	b.PackInt(int32(len(s)))
	b.WriteBytes([]byte(s))
}

// BeginFrame starts a new frame, emitting the frame type and, for per-CPU
// frame kinds, the core number. It returns a token for EndFrame.
func (b *Buffer) BeginFrame(frameType wire.FrameType, core int32) int64 {
	token := b.writePos
	b.PackInt(int32(frameType))
	if frameType.SendsCPU() {
		b.PackInt(core)
	}
	return token
}

// EndFrame completes the frame begun at token. If abort is set the write
// position is rewound and the partial frame leaves no trace.
func (b *Buffer) EndFrame(now int64, abort bool, token int64) {
	if abort {
		b.writePos = token
		return
	}
	b.Check(now)
}

// Commit publishes the write position to the reader. Unless force is set the
// commit is elided while fewer than half the ring is pending and the last
// commit was under 100ms ago.
func (b *Buffer) Commit(now int64, force bool) (bool, error) {
	pending := b.writePos - b.commitPos.Load()
	if pending > b.size {
		return false, ErrFull
	}
	if !force && pending < b.size/2 && now < b.commitTime+commitHoldoff.Nanoseconds() {
		return false, nil
	}
	b.commitTime = now
	// Frame headers are delta-coded per commit, not across commits.
	b.lastEventTime = 0
	b.lastEventCore = -1
	b.lastEventTid = -1
	b.commitPos.Store(b.writePos) // release: data written above is visible
	b.postReader()
	return true, nil
}

// Check commits if the pending data or elapsed time crossed the thresholds.
func (b *Buffer) Check(now int64) error {
	_, err := b.Commit(now, false)
	return err
}

func (b *Buffer) postReader() {
	select {
	case b.readerSem <- struct{}{}:
	default:
	}
}

// SetDone marks the producer finished. The producer must not touch the ring
// afterwards. The reader semaphore is posted so the sender observes the
// terminal state.
func (b *Buffer) SetDone() {
	b.done.Store(true)
	b.postReader()
}

// IsDone reports whether the producer finished and the reader drained
// everything that was committed.
func (b *Buffer) IsDone() bool {
	return b.done.Load() && b.readPos.Load() == b.commitPos.Load()
}

// Write hands the committed segment to the sender as one or two spans
// (wrap-around), advances the read position and wakes the producer.
// Consumer side only.
func (b *Buffer) Write(sender Sender) error {
	rp := b.readPos.Load()
	cp := b.commitPos.Load() // acquire: pairs with the store in Commit
	if rp == cp {
		return nil
	}
	start := rp & b.mask
	end := cp & b.mask
	var parts [][]byte
	if start < end {
		parts = [][]byte{b.buf[start:end]}
	} else {
		parts = [][]byte{b.buf[start:], b.buf[:end]}
		if end == 0 {
			parts = parts[:1]
		}
	}
	if err := sender.WriteDataParts(parts, wire.ResponseAPCData, false); err != nil {
		return err
	}
	b.readPos.Store(cp)
	select {
	case b.writerSem <- struct{}{}:
	default:
	}
	return nil
}
