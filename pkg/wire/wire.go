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

// Package wire defines the binary protocol spoken between the daemon and the
// analysis front-end: frame types carried inside APC_DATA packets, the
// request/response command bytes, and the packed-int encoding shared by every
// ring buffer.
package wire

// ProtocolVersion is reported in the discovery answer and the summary frame.
const ProtocolVersion = 940

// MaxResponseLength bounds the body of a single framed response.
// Longer payloads must be split at frame boundaries by the producer.
const MaxResponseLength = 16 * 1024 * 1024

// FrameType tags the kind of data carried by a ring buffer and, on the wire,
// is the first packed int of every APC_DATA packet body.
type FrameType int32

const (
	FrameSummary       FrameType = 1
	FrameBacktrace     FrameType = 2
	FrameName          FrameType = 3
	FrameCounter       FrameType = 4
	FrameBlockCounter  FrameType = 5
	FrameAnnotate      FrameType = 6
	FrameSchedTrace    FrameType = 7
	FrameGPUTrace      FrameType = 8
	FrameIdle          FrameType = 9
	FrameExternal      FrameType = 10
	FramePerfAttrs     FrameType = 11
	FramePerfData      FrameType = 12
	FrameActivityTrace FrameType = 13
)

// SendsCPU reports whether a frame header carries the originating core number
// after the frame type.
func (ft FrameType) SendsCPU() bool {
	switch ft {
	case FrameBlockCounter, FrameName, FrameSchedTrace, FramePerfAttrs, FramePerfData:
		return true
	}
	return false
}

func (ft FrameType) String() string {
	switch ft {
	case FrameSummary:
		return "summary"
	case FrameBacktrace:
		return "backtrace"
	case FrameName:
		return "name"
	case FrameCounter:
		return "counter"
	case FrameBlockCounter:
		return "block_counter"
	case FrameAnnotate:
		return "annotate"
	case FrameSchedTrace:
		return "sched_trace"
	case FrameGPUTrace:
		return "gpu_trace"
	case FrameIdle:
		return "idle"
	case FrameExternal:
		return "external"
	case FramePerfAttrs:
		return "perf_attrs"
	case FramePerfData:
		return "perf_data"
	case FrameActivityTrace:
		return "activity_trace"
	}
	return "unknown"
}

// CommandType is the first byte of a request frame from the host.
type CommandType uint8

const (
	CommandRequestXML           CommandType = 0
	CommandDeliverXML           CommandType = 1
	CommandAPCStart             CommandType = 2
	CommandAPCStop              CommandType = 3
	CommandDisconnect           CommandType = 4
	CommandPing                 CommandType = 5
	CommandExitOK               CommandType = 6
	CommandRequestCurrentConfig CommandType = 7
)

// ResponseType is the first byte of a response frame to the host.
type ResponseType uint8

const (
	// ResponseRaw is never put on the wire: it tells the sender to forward
	// the payload without adding a frame header.
	ResponseRaw ResponseType = 0

	ResponseXML           ResponseType = 1
	ResponseAPCData       ResponseType = 3
	ResponseACK           ResponseType = 4
	ResponseNAK           ResponseType = 5
	ResponseCurrentConfig ResponseType = 6
	ResponseError         ResponseType = 0xFF
)

// Message codes used inside block-counter style frames. A code is only
// emitted when the corresponding value changed since the previous event in
// the same commit span; each commit starts a new span.
const (
	CodeHeader int32 = 1
	CodeCore   int32 = 2
	CodeTid    int32 = 3
)
