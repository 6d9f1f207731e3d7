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
	"github.com/pkg/errors"

	"github.com/gatord/gatord/pkg/session"
)

// arm_spe_0 attr config bit positions (see the kernel's arm_spe_pmu
// format directory).
const (
	speTsEnableBit      = 0
	speLoadFilterBit    = 33
	speStoreFilterBit   = 34
	speBranchFilterBit  = 32
	speMinLatencyShift  = 0 // config2
	speEventFilterShift = 0 // config1
)

// SPEEvent builds the AUX-sampled event for one claimed SPE configuration
// against the arm_spe PMU.
func SPEEvent(spe session.CapturedSPE, pmu PMU, key int32) (*Event, error) {
	if spe.MinLatency < 0 || spe.MinLatency >= session.MaxSPEMinLatency {
		return nil, errors.Errorf("spe min latency %d out of range", spe.MinLatency)
	}

	var config uint64
	config |= 1 << speTsEnableBit
	if spe.Ops&session.SPELoad != 0 {
		config |= 1 << speLoadFilterBit
	}
	if spe.Ops&session.SPEStore != 0 {
		config |= 1 << speStoreFilterBit
	}
	if spe.Ops&session.SPEBranch != 0 {
		config |= 1 << speBranchFilterBit
	}

	return &Event{
		Key:     key,
		Type:    pmu.Type,
		Config:  config,
		Config1: spe.EventFilter << speEventFilterShift,
		Config2: uint64(spe.MinLatency) << speMinLatencyShift,
		Period:  1,
		Flags:   FlagLeader | FlagPerCPU | FlagClusterPinned | FlagSampleIDAll | FlagKernel,
	}, nil
}

// SPEGroup wraps the SPE event in its own single-event group whose leader
// maps an AUX area.
func SPEGroup(ev *Event, cluster int, cpus []int, cfg *session.Config) *Group {
	g := newGroup(cluster, true, []*Event{ev}, cfg)
	g.CPUs = cpus
	g.needsAux = true
	return g
}
