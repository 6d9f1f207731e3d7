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
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"unsafe"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// Capabilities records what the running kernel's perf interface supports.
type Capabilities struct {
	HasFdCloexec  bool
	HasIoctlID    bool
	HasClockID    bool
	HasSystemWide bool
}

// Probe detects the kernel capabilities by opening throwaway software
// events.
func Probe(log *zap.Logger) Capabilities {
	var caps Capabilities

	attr := unix.PerfEventAttr{
		Type:   unix.PERF_TYPE_SOFTWARE,
		Size:   uint32(unsafe.Sizeof(unix.PerfEventAttr{})),
		Config: unix.PERF_COUNT_SW_CPU_CLOCK,
		Bits:   unix.PerfBitDisabled | unix.PerfBitExcludeKernel | unix.PerfBitExcludeHv,
	}

	if fd, err := unix.PerfEventOpen(&attr, 0, -1, -1, unix.PERF_FLAG_FD_CLOEXEC); err == nil {
		caps.HasFdCloexec = true
		unix.Close(fd)
	}

	flags := 0
	if caps.HasFdCloexec {
		flags = unix.PERF_FLAG_FD_CLOEXEC
	}

	if fd, err := unix.PerfEventOpen(&attr, 0, -1, -1, flags); err == nil {
		if _, err := ioctlGetID(fd); err == nil {
			caps.HasIoctlID = true
		}
		unix.Close(fd)
	}

	clockAttr := attr
	clockAttr.Bits |= unix.PerfBitUseClockID
	clockAttr.Clockid = unix.CLOCK_MONOTONIC_RAW
	if fd, err := unix.PerfEventOpen(&clockAttr, 0, -1, -1, flags); err == nil {
		caps.HasClockID = true
		unix.Close(fd)
	}

	// System-wide: pid -1 on a concrete cpu needs CAP_PERFMON or a
	// permissive perf_event_paranoid.
	if fd, err := unix.PerfEventOpen(&attr, -1, 0, -1, flags); err == nil {
		caps.HasSystemWide = true
		unix.Close(fd)
	}

	log.Debug("perf capabilities",
		zap.Bool("fd_cloexec", caps.HasFdCloexec),
		zap.Bool("ioctl_id", caps.HasIoctlID),
		zap.Bool("clockid", caps.HasClockID),
		zap.Bool("system_wide", caps.HasSystemWide))
	return caps
}

// PMU is one entry under /sys/bus/event_source/devices.
type PMU struct {
	Name   string
	Type   uint32
	CPUs   []int // empty for uncore PMUs without a cpumask
	Uncore bool
}

// EventSourceRoot is the sysfs directory PMUs are enumerated from.
const EventSourceRoot = "/sys/bus/event_source/devices"

// EnumeratePMUs reads the PMU catalog from root (EventSourceRoot in
// production, a fixture in tests).
func EnumeratePMUs(root string) ([]PMU, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, errors.Wrap(err, "enumerate PMUs")
	}
	var pmus []PMU
	for _, e := range entries {
		typ, err := readIntFile(filepath.Join(root, e.Name(), "type"))
		if err != nil {
			continue
		}
		pmu := PMU{Name: e.Name(), Type: uint32(typ)}
		if cpus, err := readCPUList(filepath.Join(root, e.Name(), "cpus")); err == nil {
			pmu.CPUs = cpus
		} else if cpus, err := readCPUList(filepath.Join(root, e.Name(), "cpumask")); err == nil {
			pmu.CPUs = cpus
			pmu.Uncore = true
		}
		pmus = append(pmus, pmu)
	}
	return pmus, nil
}

// IsCPUPMU reports whether the PMU samples per-CPU hardware counters
// rather than an uncore block.
func (p *PMU) IsCPUPMU() bool {
	if p.Uncore {
		return false
	}
	return strings.Contains(p.Name, "armv") || strings.Contains(p.Name, "cpu") ||
		strings.HasPrefix(p.Name, "cortex") || len(p.CPUs) > 0
}

// ReadMIDR returns the main id register of one CPU, used to recognise cores
// whose PMU has not registered yet.
func ReadMIDR(cpu int) (uint64, error) {
	path := "/sys/devices/system/cpu/cpu" + strconv.Itoa(cpu) + "/regs/identification/midr_el1"
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, errors.Wrapf(err, "read midr for cpu %d", cpu)
	}
	v, err := strconv.ParseUint(strings.TrimSpace(string(raw)), 0, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "parse midr for cpu %d", cpu)
	}
	return v, nil
}

// OnlineCPUs parses /sys/devices/system/cpu/online.
func OnlineCPUs() ([]int, error) {
	return readCPUList("/sys/devices/system/cpu/online")
}

// PresentCPUs parses /sys/devices/system/cpu/present.
func PresentCPUs() ([]int, error) {
	return readCPUList("/sys/devices/system/cpu/present")
}

func readIntFile(path string) (int, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(raw)))
}

// readCPUList parses a kernel cpu list such as "0-3,5,7-8".
func readCPUList(path string) ([]int, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseCPUList(strings.TrimSpace(string(raw)))
}

// ParseCPUList parses the kernel's "0-3,5" cpu list syntax.
func ParseCPUList(s string) ([]int, error) {
	if s == "" {
		return nil, nil
	}
	var cpus []int
	for _, part := range strings.Split(s, ",") {
		lo, hi, isRange := strings.Cut(part, "-")
		start, err := strconv.Atoi(strings.TrimSpace(lo))
		if err != nil {
			return nil, errors.Wrapf(err, "bad cpu list %q", s)
		}
		end := start
		if isRange {
			end, err = strconv.Atoi(strings.TrimSpace(hi))
			if err != nil {
				return nil, errors.Wrapf(err, "bad cpu list %q", s)
			}
		}
		for cpu := start; cpu <= end; cpu++ {
			cpus = append(cpus, cpu)
		}
	}
	return cpus, nil
}
