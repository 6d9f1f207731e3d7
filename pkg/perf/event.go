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

// Package perf owns the primary data source: perf-event groups per CPU,
// their mmap'd kernel rings, the CPU online/offline state machine and the
// drain loop feeding the per-CPU ring buffers.
package perf

import (
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/gatord/gatord/pkg/session"
)

// EventFlags select how one perf event is opened and grouped.
type EventFlags uint32

const (
	// FlagLeader marks the event opened first in its group and pinned.
	FlagLeader EventFlags = 1 << iota
	// FlagPerCPU opens the event once per CPU of the cluster.
	FlagPerCPU
	// FlagClusterPinned restricts the event to its cluster's CPUs.
	FlagClusterPinned
	// FlagSampleIDAll requests sample_id_all so non-sample records carry ids.
	FlagSampleIDAll
	// FlagKernel includes kernel space, subject to the exclude ladder.
	FlagKernel
	// FlagFreq interprets the period as a frequency.
	FlagFreq
)

// Event is one resolved perf event attribute set, pre perf_event_open.
type Event struct {
	Key     int32
	Type    uint32
	Config  uint64
	Config1 uint64
	Config2 uint64
	Period  uint64
	Flags   EventFlags
	Cluster int // index into the detected cluster list, -1 = any
}

// Leader reports whether this event leads its group.
func (e *Event) Leader() bool { return e.Flags&FlagLeader != 0 }

// Group is an ordered set of events opened together per CPU, leader first.
// All fds of a group share the leader's kernel ring.
type Group struct {
	Cluster int
	PerCPU  bool
	CPUs    []int // cluster cpu set; nil = every CPU
	Events  []*Event

	sampleType uint64
	readFormat uint64
	needsAux   bool
}

// SampleType returns the PERF_SAMPLE_* bits common to the group.
func (g *Group) SampleType() uint64 { return g.sampleType }

// NeedsAux reports whether the leader requires an AUX area (SPE).
func (g *Group) NeedsAux() bool { return g.needsAux }

// OnCPU reports whether this group opens fds on the given CPU.
func (g *Group) OnCPU(cpu int) bool {
	if g.CPUs == nil {
		return true
	}
	for _, c := range g.CPUs {
		if c == cpu {
			return true
		}
	}
	return false
}

// computeSampleType derives the group's sample_type bits: the fixed set,
// plus CALLCHAIN when unwinding, RAW when a tracepoint body is needed and
// PERIOD under event-based sampling.
func computeSampleType(hasTracepoint bool, backtraceDepth int, eventBased bool) uint64 {
	st := uint64(unix.PERF_SAMPLE_IP | unix.PERF_SAMPLE_TID | unix.PERF_SAMPLE_TIME |
		unix.PERF_SAMPLE_READ | unix.PERF_SAMPLE_ID)
	if backtraceDepth > 0 {
		st |= unix.PERF_SAMPLE_CALLCHAIN
	}
	if hasTracepoint {
		st |= unix.PERF_SAMPLE_RAW
	}
	if eventBased {
		st |= unix.PERF_SAMPLE_PERIOD
	}
	return st
}

// newGroup seals a leader-first event list into a group.
func newGroup(cluster int, perCPU bool, events []*Event, cfg *session.Config) *Group {
	hasTracepoint := false
	eventBased := false
	for _, ev := range events {
		if ev.Type == unix.PERF_TYPE_TRACEPOINT {
			hasTracepoint = true
		}
		if ev.Period > 0 && ev.Flags&FlagFreq == 0 {
			eventBased = true
		}
	}
	return &Group{
		Cluster:    cluster,
		PerCPU:     perCPU,
		Events:     events,
		sampleType: computeSampleType(hasTracepoint, cfg.BacktraceDepth, eventBased),
		readFormat: unix.PERF_FORMAT_ID | unix.PERF_FORMAT_GROUP,
	}
}

// attr materializes the kernel attribute struct for one event of the group.
func (g *Group) attr(ev *Event, caps Capabilities, excl excludeBits) unix.PerfEventAttr {
	attr := unix.PerfEventAttr{
		Type:        ev.Type,
		Size:        uint32(unsafe.Sizeof(unix.PerfEventAttr{})),
		Config:      ev.Config,
		Ext1:        ev.Config1,
		Ext2:        ev.Config2,
		Sample:      ev.Period,
		Sample_type: g.sampleType,
		Read_format: g.readFormat,
	}

	attr.Bits = unix.PerfBitDisabled // enabled by ioctl once the group is armed
	if ev.Leader() {
		attr.Bits |= unix.PerfBitPinned
	}
	if ev.Flags&FlagFreq != 0 {
		attr.Bits |= unix.PerfBitFreq
	}
	if ev.Flags&FlagSampleIDAll != 0 {
		attr.Bits |= unix.PerfBitSampleIDAll
	}
	if excl.kernel {
		attr.Bits |= unix.PerfBitExcludeKernel
	}
	if excl.hv {
		attr.Bits |= unix.PerfBitExcludeHv
	}
	if excl.idle {
		attr.Bits |= unix.PerfBitExcludeIdle
	}
	if caps.HasClockID {
		attr.Bits |= unix.PerfBitUseClockID
		attr.Clockid = unix.CLOCK_MONOTONIC_RAW
	}
	return attr
}

// excludeBits is one rung of the permission fallback ladder.
type excludeBits struct {
	kernel bool
	hv     bool
	idle   bool
}

// excludeLadder returns the exclude-bit progression tried on
// EACCES/EPERM/ENOTSUP, most privileged first when kernel profiling is
// allowed.
func excludeLadder(allowKernel bool) []excludeBits {
	userOnly := []excludeBits{
		{kernel: true, hv: true, idle: true},
		{kernel: true, hv: true, idle: false},
		{kernel: true, hv: false, idle: true},
		{kernel: true, hv: false, idle: false},
	}
	if !allowKernel {
		return userOnly
	}
	return append([]excludeBits{
		{kernel: false, hv: false, idle: false},
		{kernel: false, hv: true, idle: false},
	}, userOnly...)
}
