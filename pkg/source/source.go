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

// Package source defines the data-source contract the capture child drives,
// and implements the external and user-space sources.
package source

import (
	"runtime"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/gatord/gatord/pkg/ring"
)

// Source is one producer feeding the capture stream. Prepare is called
// before any source starts; Start launches the producer goroutine; Interrupt
// unblocks it so it can observe the session ending; Write drains committed
// ring data into the sender and is only called from the sender goroutine.
type Source interface {
	Name() string
	Prepare() error
	Start() error
	Interrupt()
	IsDone() bool
	Write(sender ring.Sender) error
}

// SetThreadName pins the calling goroutine to its OS thread and names it so
// the capture shows up usefully in ps/top. Producer goroutines call this
// first.
func SetThreadName(name string) {
	runtime.LockOSThread()
	// The kernel copies at most 16 bytes including the terminator.
	var buf [16]byte
	copy(buf[:15], name)
	_ = unix.Prctl(unix.PR_SET_NAME, uintptr(unsafe.Pointer(&buf[0])), 0, 0, 0)
}
