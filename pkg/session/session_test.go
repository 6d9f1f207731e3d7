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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() Config {
	return Config{MmapPages: 4, Port: DefaultPort, SampleRate: RateNormal}
}

func TestValidateMmapPages(t *testing.T) {
	for _, pages := range []int{1, 2, 4, 1 << 30} {
		cfg := validConfig()
		cfg.MmapPages = pages
		assert.NoError(t, cfg.Validate(), "pages %d", pages)
	}
	for _, pages := range []int{0, -1, 3, 6, 1000} {
		cfg := validConfig()
		cfg.MmapPages = pages
		err := cfg.Validate()
		require.Error(t, err, "pages %d", pages)
		assert.Contains(t, err.Error(), "not a power of 2")
	}
}

func TestValidateApp(t *testing.T) {
	cfg := validConfig()
	cfg.AppArgs = []string{""}
	assert.Error(t, cfg.Validate())

	cfg.AppArgs = []string{"sleep", "2"}
	assert.NoError(t, cfg.Validate())
}

func TestValidateLocalCapture(t *testing.T) {
	cfg := validConfig()
	cfg.LocalCapture = true
	assert.Error(t, cfg.Validate())
	cfg.APCDir = "/tmp/x.apc"
	assert.NoError(t, cfg.Validate())
}

func TestParseSampleRate(t *testing.T) {
	cases := map[string]SampleRate{
		"none": RateNone, "low": RateLow, "normal": RateNormal, "high": RateHigh,
	}
	for in, want := range cases {
		got, err := ParseSampleRate(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ParseSampleRate("turbo")
	assert.Error(t, err)
}

func TestDeactivateOnce(t *testing.T) {
	s := NewSession(validConfig())
	require.True(t, s.IsActive())
	assert.True(t, s.Deactivate())
	assert.False(t, s.Deactivate())
	assert.False(t, s.IsActive())
}

func TestOneShotLatch(t *testing.T) {
	s := NewSession(validConfig())
	assert.True(t, s.FireOneShot())
	assert.False(t, s.FireOneShot())
}

func TestKeyAllocator(t *testing.T) {
	a := NewKeyAllocator()
	k1 := a.Next()
	k2 := a.Next()
	assert.Greater(t, k1, int32(3), "keys must not collide with message codes")
	assert.Equal(t, k1+1, k2)
}

func TestParseCounterSpec(t *testing.T) {
	name, event, err := ParseCounterSpec("ARMv8_Cortex_A55_cycles")
	require.NoError(t, err)
	assert.Equal(t, "ARMv8_Cortex_A55_cycles", name)
	assert.Equal(t, int64(-1), event)

	name, event, err = ParseCounterSpec("cache_misses:0x17")
	require.NoError(t, err)
	assert.Equal(t, "cache_misses", name)
	assert.Equal(t, int64(0x17), event)

	_, _, err = ParseCounterSpec(":0x1")
	assert.Error(t, err)
}

func TestParseSPESpec(t *testing.T) {
	spe, err := ParseSPESpec("arm_spe_0")
	require.NoError(t, err)
	assert.Equal(t, "arm_spe_0", spe.ID)
	assert.Equal(t, SPELoad|SPEStore|SPEBranch, spe.Ops)

	spe, err = ParseSPESpec("arm_spe_0:events=0x40:ops=LD,ST:min_latency=16")
	require.NoError(t, err)
	assert.Equal(t, uint64(0x40), spe.EventFilter)
	assert.Equal(t, SPELoad|SPEStore, spe.Ops)
	assert.Equal(t, 16, spe.MinLatency)

	_, err = ParseSPESpec("arm_spe_0:min_latency=4096")
	assert.Error(t, err)
	_, err = ParseSPESpec("arm_spe_0:ops=JMP")
	assert.Error(t, err)
}

func TestLastError(t *testing.T) {
	var e LastError
	assert.Empty(t, e.Get())
	e.Set("perf_event_open failed on cpu %d", 3)
	assert.Equal(t, "perf_event_open failed on cpu 3", e.Get())
}
