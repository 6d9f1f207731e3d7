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

package session

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Counter is one enabled counter after catalog resolution. The key is the
// wire identifier; the name only appears in the setup XML.
type Counter struct {
	Name      string
	Key       int32
	EventCode int64 // -1 once resolution failed: the counter is disabled
	Period    int64 // sampling period, 0 = not event-based
	Cores     int
	Driver    string
}

// Enabled reports whether the counter survived resolution.
func (c *Counter) Enabled() bool { return c.EventCode != -1 }

// KeyAllocator hands out stable small wire keys. Key 0 is reserved and 1..3
// collide with the event message codes, so allocation starts at 4.
type KeyAllocator struct {
	next int32
}

// NewKeyAllocator returns an allocator starting at the first usable key.
func NewKeyAllocator() *KeyAllocator {
	return &KeyAllocator{next: 4}
}

// Next returns a fresh key.
func (a *KeyAllocator) Next() int32 {
	k := a.next
	a.next++
	return k
}

// ParseCounterSpec splits a --counters item NAME[:EVENT].
func ParseCounterSpec(spec string) (name string, event int64, err error) {
	event = -1
	name, ev, found := strings.Cut(spec, ":")
	if name == "" {
		return "", 0, errors.Errorf("empty counter in %q", spec)
	}
	if found {
		event, err = strconv.ParseInt(ev, 0, 64)
		if err != nil {
			return "", 0, errors.Wrapf(err, "bad event code in %q", spec)
		}
	}
	return name, event, nil
}

// SPEOp is one sampled operation class of the statistical profiling
// extension.
type SPEOp uint8

const (
	SPELoad SPEOp = 1 << iota
	SPEStore
	SPEBranch
)

// MaxSPEMinLatency bounds the minimum latency filter.
const MaxSPEMinLatency = 4096

// CapturedSPE is one statistical-profiling-extension configuration.
type CapturedSPE struct {
	ID          string
	EventFilter uint64
	Ops         SPEOp
	MinLatency  int
}

// ParseSPESpec parses a --spe item ID[:events=N][:ops=LD,ST,B][:min_latency=N].
func ParseSPESpec(spec string) (CapturedSPE, error) {
	parts := strings.Split(spec, ":")
	if parts[0] == "" {
		return CapturedSPE{}, errors.Errorf("empty SPE id in %q", spec)
	}
	out := CapturedSPE{ID: parts[0], Ops: SPELoad | SPEStore | SPEBranch}
	for _, part := range parts[1:] {
		k, v, found := strings.Cut(part, "=")
		if !found {
			return CapturedSPE{}, errors.Errorf("bad SPE option %q", part)
		}
		switch k {
		case "events":
			f, err := strconv.ParseUint(v, 0, 64)
			if err != nil {
				return CapturedSPE{}, errors.Wrapf(err, "bad SPE event filter %q", v)
			}
			out.EventFilter = f
		case "ops":
			out.Ops = 0
			for _, op := range strings.Split(v, ",") {
				switch strings.ToUpper(op) {
				case "LD", "LOAD":
					out.Ops |= SPELoad
				case "ST", "STORE":
					out.Ops |= SPEStore
				case "B", "BRANCH":
					out.Ops |= SPEBranch
				default:
					return CapturedSPE{}, errors.Errorf("unknown SPE op %q", op)
				}
			}
		case "min_latency":
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 || n >= MaxSPEMinLatency {
				return CapturedSPE{}, errors.Errorf("SPE min_latency %q out of range [0, %d)", v, MaxSPEMinLatency)
			}
			out.MinLatency = n
		default:
			return CapturedSPE{}, errors.Errorf("unknown SPE option %q", k)
		}
	}
	return out, nil
}
