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

import "github.com/gatord/gatord/pkg/wire"

// Delta-coded event helpers for block-counter style rings. Time, core and
// tid are only re-emitted when they changed since the previous event in the
// same commit span.

const maxEventHeader = 3*wire.MaxPackedInt32 + 3*wire.MaxPackedInt64

// ensureFrame opens a frame header if the ring is at a commit boundary.
func (b *Buffer) ensureFrame() {
	if b.writePos == b.commitPos.Load() {
		b.PackInt(int32(b.frameType))
		if b.frameType.SendsCPU() {
			b.PackInt(b.core)
		}
	}
}

// EventHeader emits the event timestamp if it changed. It returns false when
// the ring has no room, leaving the ring untouched.
func (b *Buffer) EventHeader(now int64) bool {
	if !b.checkSpace(maxEventHeader) {
		return false
	}
	b.ensureFrame()
	if now != b.lastEventTime {
		b.PackInt(wire.CodeHeader)
		b.PackInt64(now)
		b.lastEventTime = now
	}
	return true
}

// EventCore emits the core number if it changed.
func (b *Buffer) EventCore(core int32) bool {
	if !b.checkSpace(maxEventHeader) {
		return false
	}
	b.ensureFrame()
	if core != b.lastEventCore {
		b.PackInt(wire.CodeCore)
		b.PackInt(core)
		b.lastEventCore = core
	}
	return true
}

// EventTid emits the thread id if it changed.
func (b *Buffer) EventTid(tid int32) bool {
	if !b.checkSpace(maxEventHeader) {
		return false
	}
	b.ensureFrame()
	if tid != b.lastEventTid {
		b.PackInt(wire.CodeTid)
		b.PackInt(tid)
		b.lastEventTid = tid
	}
	return true
}

// Event appends a key/value pair.
func (b *Buffer) Event(key int32, value int32) bool {
	if !b.checkSpace(2 * wire.MaxPackedInt32) {
		return false
	}
	b.ensureFrame()
	b.PackInt(key)
	b.PackInt(value)
	return true
}

// Event64 appends a key with a 64-bit value.
func (b *Buffer) Event64(key int32, value int64) bool {
	if !b.checkSpace(wire.MaxPackedInt32 + wire.MaxPackedInt64) {
		return false
	}
	b.ensureFrame()
	b.PackInt(key)
	b.PackInt64(value)
	return true
}

// CounterMessage emits a full counter event for one core.
func (b *Buffer) CounterMessage(now int64, core int32, key int32, value int64) bool {
	return b.EventHeader(now) && b.EventCore(core) && b.Event64(key, value)
}

// ThreadCounterMessage emits a counter event attributed to a thread.
func (b *Buffer) ThreadCounterMessage(now int64, core int32, tid int32, key int32, value int64) bool {
	return b.EventHeader(now) && b.EventCore(core) && b.EventTid(tid) && b.Event64(key, value)
}
