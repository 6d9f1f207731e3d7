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
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/gatord/gatord/pkg/session"
)

func TestComputeSampleType(t *testing.T) {
	base := uint64(unix.PERF_SAMPLE_IP | unix.PERF_SAMPLE_TID | unix.PERF_SAMPLE_TIME |
		unix.PERF_SAMPLE_READ | unix.PERF_SAMPLE_ID)

	assert.Equal(t, base, computeSampleType(false, 0, false))
	assert.Equal(t, base|unix.PERF_SAMPLE_CALLCHAIN, computeSampleType(false, 128, false))
	assert.Equal(t, base|unix.PERF_SAMPLE_RAW, computeSampleType(true, 0, false))
	assert.Equal(t, base|unix.PERF_SAMPLE_PERIOD, computeSampleType(false, 0, true))
	assert.Equal(t,
		base|unix.PERF_SAMPLE_CALLCHAIN|unix.PERF_SAMPLE_RAW|unix.PERF_SAMPLE_PERIOD,
		computeSampleType(true, 128, true))
}

func TestExcludeLadder(t *testing.T) {
	userOnly := excludeLadder(false)
	require.Len(t, userOnly, 4)
	assert.Equal(t, excludeBits{kernel: true, hv: true, idle: true}, userOnly[0])
	assert.Equal(t, excludeBits{kernel: true, hv: false, idle: false}, userOnly[3])
	for _, rung := range userOnly {
		assert.True(t, rung.kernel, "user-only ladder must always exclude the kernel")
	}

	withKernel := excludeLadder(true)
	require.Len(t, withKernel, 6)
	assert.Equal(t, excludeBits{}, withKernel[0])
	assert.Equal(t, excludeBits{hv: true}, withKernel[1])
	assert.Equal(t, userOnly, withKernel[2:])
}

func TestGroupAttr(t *testing.T) {
	cfg := &session.Config{BacktraceDepth: 128}
	leader := &Event{Key: 4, Type: unix.PERF_TYPE_HARDWARE, Config: unix.PERF_COUNT_HW_CPU_CYCLES,
		Period: 1009, Flags: FlagLeader | FlagPerCPU | FlagFreq}
	member := &Event{Key: 5, Type: unix.PERF_TYPE_HARDWARE, Config: unix.PERF_COUNT_HW_CACHE_MISSES,
		Flags: FlagPerCPU}
	g := newGroup(0, true, []*Event{leader, member}, cfg)

	caps := Capabilities{HasClockID: true}
	attr := g.attr(leader, caps, excludeBits{kernel: true})
	assert.NotZero(t, attr.Bits&unix.PerfBitDisabled, "events start disabled and are enabled via ioctl")
	assert.NotZero(t, attr.Bits&unix.PerfBitPinned)
	assert.NotZero(t, attr.Bits&unix.PerfBitFreq)
	assert.NotZero(t, attr.Bits&unix.PerfBitExcludeKernel)
	assert.Zero(t, attr.Bits&unix.PerfBitExcludeHv)
	assert.NotZero(t, attr.Bits&unix.PerfBitUseClockID)
	assert.Equal(t, int32(unix.CLOCK_MONOTONIC_RAW), attr.Clockid)
	assert.NotZero(t, attr.Sample_type&unix.PERF_SAMPLE_CALLCHAIN)

	mattr := g.attr(member, Capabilities{}, excludeBits{kernel: true, hv: true, idle: true})
	assert.Zero(t, mattr.Bits&unix.PerfBitPinned)
	assert.Zero(t, mattr.Bits&unix.PerfBitUseClockID)
	assert.NotZero(t, mattr.Bits&unix.PerfBitExcludeHv)
	assert.NotZero(t, mattr.Bits&unix.PerfBitExcludeIdle)
}

func TestLeaderFirst(t *testing.T) {
	a := &Event{Key: 1}
	b := &Event{Key: 2, Flags: FlagLeader}
	c := &Event{Key: 3}
	got := leaderFirst([]*Event{a, b, c})
	assert.Same(t, b, got[0])

	// Without a cycle counter the first event is promoted.
	d := &Event{Key: 4}
	e := &Event{Key: 5}
	got = leaderFirst([]*Event{d, e})
	assert.Same(t, d, got[0])
	assert.True(t, got[0].Leader())
}

func TestParseCPUList(t *testing.T) {
	cases := map[string][]int{
		"0":       {0},
		"0-3":     {0, 1, 2, 3},
		"0-2,5":   {0, 1, 2, 5},
		"1,3-4,7": {1, 3, 4, 7},
		"":        nil,
	}
	for in, want := range cases {
		got, err := ParseCPUList(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseCPUList("0-x")
	assert.Error(t, err)
}

func TestEnumeratePMUs(t *testing.T) {
	root := t.TempDir()
	write := func(rel, content string) {
		p := filepath.Join(root, rel)
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	}
	write("armv8_pmuv3_0/type", "8\n")
	write("armv8_pmuv3_0/cpus", "0-3\n")
	write("uncore_dsu_0/type", "9\n")
	write("uncore_dsu_0/cpumask", "0\n")
	write("software/type", "1\n")

	pmus, err := EnumeratePMUs(root)
	require.NoError(t, err)
	require.Len(t, pmus, 3)

	byName := map[string]PMU{}
	for _, p := range pmus {
		byName[p.Name] = p
	}
	cpuPMU := byName["armv8_pmuv3_0"]
	assert.Equal(t, uint32(8), cpuPMU.Type)
	assert.Equal(t, []int{0, 1, 2, 3}, cpuPMU.CPUs)
	assert.True(t, cpuPMU.IsCPUPMU())

	uncore := byName["uncore_dsu_0"]
	assert.True(t, uncore.Uncore)
	assert.False(t, uncore.IsCPUPMU())
}

func TestDetectClustersFallback(t *testing.T) {
	clusters := DetectClusters(nil, []int{0, 1}, zap.NewNop())
	require.Len(t, clusters, 1)
	assert.Equal(t, uint32(unix.PERF_TYPE_RAW), clusters[0].PMU.Type)
	assert.Equal(t, []int{0, 1}, clusters[0].CPUs)
}

func TestAssign(t *testing.T) {
	cfg := &session.Config{BacktraceDepth: 0}
	clusters := []Cluster{{PMU: PMU{Name: "armv8_pmuv3", Type: 8}, CPUs: []int{0, 1, 2, 3}}}
	a := NewAssigner(Capabilities{}, cfg, clusters, zap.NewNop())

	counters := []session.Counter{
		{Name: "armv8_pmuv3_cycles", Key: 4, EventCode: 0x11},
		{Name: "armv8_pmuv3_cache_miss", Key: 5, EventCode: 0x3},
		{Name: "cpu_wait_contention", Key: 6, EventCode: 0},
		{Name: "broken_counter", Key: 7, EventCode: -1},
	}
	got := a.Assign(counters)

	require.Len(t, got.Groups, 1)
	g := got.Groups[0]
	require.Len(t, g.Events, 2)
	assert.True(t, g.Events[0].Leader(), "the cycle counter leads the group")
	assert.Equal(t, int32(4), g.Events[0].Key)
	assert.Equal(t, []int{0, 1, 2, 3}, g.CPUs)

	require.Len(t, got.Synthetic, 1)
	assert.Equal(t, int32(6), got.Synthetic[0].Key)
	require.Len(t, got.Disabled, 1)
	assert.Equal(t, int32(7), got.Disabled[0].Key)
}

func TestParseGroupIDs(t *testing.T) {
	buf := make([]byte, 8+16*2)
	binary.LittleEndian.PutUint64(buf[0:], 2)
	binary.LittleEndian.PutUint64(buf[8:], 1000)  // value 0
	binary.LittleEndian.PutUint64(buf[16:], 77)   // id 0
	binary.LittleEndian.PutUint64(buf[24:], 2000) // value 1
	binary.LittleEndian.PutUint64(buf[32:], 78)   // id 1

	ids, err := parseGroupIDs(buf, 2)
	require.NoError(t, err)
	assert.Equal(t, []uint64{77, 78}, ids)

	// A racing read that returned too few events is retried by the caller.
	_, err = parseGroupIDs(buf, 3)
	assert.Error(t, err)
	_, err = parseGroupIDs(buf[:4], 1)
	assert.Error(t, err)
}

func TestUEventParse(t *testing.T) {
	raw := []byte("online@/devices/system/cpu/cpu2\x00ACTION=online\x00DEVPATH=/devices/system/cpu/cpu2\x00SUBSYSTEM=cpu\x00SEQNUM=4711\x00")
	ev := parseUEvent(raw)
	assert.Equal(t, "online", ev.Action)
	assert.Equal(t, "cpu", ev.Subsystem)

	cpu, ok := ev.CPU()
	require.True(t, ok)
	assert.Equal(t, 2, cpu)

	other := parseUEvent([]byte("ACTION=add\x00DEVPATH=/devices/platform/leds\x00SUBSYSTEM=leds\x00"))
	_, ok = other.CPU()
	assert.False(t, ok)
}

func TestSPEEvent(t *testing.T) {
	spe := session.CapturedSPE{ID: "arm_spe_0", EventFilter: 0x40, Ops: session.SPELoad | session.SPEBranch, MinLatency: 32}
	ev, err := SPEEvent(spe, PMU{Name: "arm_spe_0", Type: 12}, 9)
	require.NoError(t, err)

	assert.Equal(t, uint32(12), ev.Type)
	assert.NotZero(t, ev.Config&(1<<speTsEnableBit))
	assert.NotZero(t, ev.Config&(1<<speLoadFilterBit))
	assert.Zero(t, ev.Config&(1<<speStoreFilterBit))
	assert.NotZero(t, ev.Config&(1<<speBranchFilterBit))
	assert.Equal(t, uint64(0x40), ev.Config1)
	assert.Equal(t, uint64(32), ev.Config2)
	assert.True(t, ev.Leader())

	g := SPEGroup(ev, 0, []int{0, 1}, &session.Config{})
	assert.True(t, g.NeedsAux())

	_, err = SPEEvent(session.CapturedSPE{MinLatency: 4096}, PMU{}, 1)
	assert.Error(t, err)
}

func TestTracepointName(t *testing.T) {
	assert.Equal(t, "sched/sched_switch", tracepointName("sched_switch"))
	assert.Equal(t, "power/cpu_frequency", tracepointName("cpu_frequency"))
	assert.Equal(t, "mali/mali_job_slots_event", tracepointName("mali_job_slots_event"))
	assert.Empty(t, tracepointName("armv8_pmuv3_cycles"))
}
