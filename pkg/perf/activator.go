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
	"github.com/avast/retry-go/v4"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/gatord/gatord/pkg/session"
)

// Per-CPU activation states.
//
//	Offline --PrepareCPU--> Armed --OnlineCPU--> Enabled
//	   ^                                            |
//	   +----------------OfflineCPU------------------+
type cpuState int

const (
	stateOffline cpuState = iota
	stateArmed
	stateEnabled
)

// Errors the caller demotes to drop-and-continue.
var (
	// ErrCPUOffline: the CPU went away under us (ENOENT from the kernel).
	ErrCPUOffline = errors.New("perf: cpu offline")
	// ErrProcessGone: a watched pid exited (ESRCH).
	ErrProcessGone = errors.New("perf: watched process exited")
)

// openedEvent is one live fd of a group on one CPU.
type openedEvent struct {
	event *Event
	fd    int
	id    uint64
}

// cpuGroup is the per-(group, CPU) runtime state. All fds, across every
// captured pid, share one mmap'd kernel ring owned by the first leader.
type cpuGroup struct {
	group  *Group
	opened []openedEvent
	ring   *KernelRing
}

// cpuContext aggregates every group opened on one CPU.
type cpuContext struct {
	state  cpuState
	groups []*cpuGroup
}

// Activator drives the per-CPU perf-event state machine.
type Activator struct {
	caps     Capabilities
	cfg      *session.Config
	groups   []*Group
	pageSize int
	cpus     map[int]*cpuContext
	onKeyID  func(cpu int, key int32, id uint64)
	log      *zap.Logger
}

// NewActivator prepares the state machine over the formed groups. onKeyID is
// invoked for every (cpu, key, kernel sample id) triple as fds are opened so
// the attrs frame can associate ids with counter keys.
func NewActivator(caps Capabilities, cfg *session.Config, groups []*Group,
	onKeyID func(cpu int, key int32, id uint64), log *zap.Logger) *Activator {
	return &Activator{
		caps:     caps,
		cfg:      cfg,
		groups:   groups,
		pageSize: unix.Getpagesize(),
		cpus:     make(map[int]*cpuContext),
		onKeyID:  onKeyID,
		log:      log,
	}
}

// State returns the activation state of one CPU.
func (a *Activator) State(cpu int) string {
	ctx, ok := a.cpus[cpu]
	if !ok {
		return "offline"
	}
	switch ctx.state {
	case stateArmed:
		return "armed"
	case stateEnabled:
		return "enabled"
	}
	return "offline"
}

func (a *Activator) flags() int {
	if a.caps.HasFdCloexec {
		return unix.PERF_FLAG_FD_CLOEXEC
	}
	return 0
}

// openEvent walks the exclude-bits ladder until a rung is accepted.
func (a *Activator) openEvent(g *Group, ev *Event, cpu, pid, groupFd int) (int, error) {
	allowKernel := ev.Flags&FlagKernel != 0
	var lastErr error
	for _, excl := range excludeLadder(allowKernel) {
		attr := g.attr(ev, a.caps, excl)
		fd, err := unix.PerfEventOpen(&attr, pid, cpu, groupFd, a.flags())
		if err == nil {
			return fd, nil
		}
		lastErr = err
		switch err {
		case unix.EACCES, unix.EPERM, unix.ENOTSUP:
			continue // try the next rung
		case unix.ENOENT, unix.ENODEV:
			return -1, ErrCPUOffline
		case unix.ESRCH:
			return -1, ErrProcessGone
		case unix.EINVAL:
			if a.cfg.SystemWide {
				return -1, errors.Wrapf(err,
					"perf_event_open(type=%d, config=%#x) rejected in system-wide mode; "+
						"another consumer may hold the PMU", ev.Type, ev.Config)
			}
			return -1, errors.Wrapf(err, "perf_event_open(type=%d, config=%#x) invalid", ev.Type, ev.Config)
		default:
			return -1, errors.Wrapf(err, "perf_event_open(type=%d, config=%#x)", ev.Type, ev.Config)
		}
	}
	return -1, errors.Wrap(lastErr, "perf_event_open: every exclude combination was rejected")
}

// pidsFor returns the pid arguments to open against on one CPU.
func (a *Activator) pidsFor() []int {
	if a.cfg.SystemWide || len(a.cfg.CapturedPids) == 0 {
		return []int{-1}
	}
	return a.cfg.CapturedPids
}

// PrepareCPU opens every group on one CPU and maps the kernel rings:
// Offline -> Armed. A pid that died mid-way is dropped and the CPU retried.
func (a *Activator) PrepareCPU(cpu int) error {
	if ctx, ok := a.cpus[cpu]; ok && ctx.state != stateOffline {
		return nil
	}
	for {
		err := a.prepareCPUOnce(cpu)
		if errors.Is(err, ErrProcessGone) && len(a.cfg.CapturedPids) > 0 {
			continue
		}
		return err
	}
}

func (a *Activator) prepareCPUOnce(cpu int) error {
	ctx := &cpuContext{state: stateOffline}
	for _, g := range a.groups {
		if !g.OnCPU(cpu) {
			continue
		}
		cg := &cpuGroup{group: g}
		if err := a.openGroup(cg, g, cpu); err != nil {
			cg.close()
			a.teardown(ctx)
			if errors.Is(err, ErrProcessGone) {
				// The pid is gone for every group; forget it before retrying.
				a.dropGonePids()
			}
			return err
		}
		if len(cg.opened) == 0 {
			continue
		}
		if err := a.mapGroup(cg, cpu); err != nil {
			cg.close()
			a.teardown(ctx)
			return err
		}
		ctx.groups = append(ctx.groups, cg)
	}
	ctx.state = stateArmed
	a.cpus[cpu] = ctx
	a.log.Debug("perf: cpu armed", zap.Int("cpu", cpu), zap.Int("groups", len(ctx.groups)))
	return nil
}

// openGroup opens the group's events for every captured pid, leader first
// per pid.
func (a *Activator) openGroup(cg *cpuGroup, g *Group, cpu int) error {
	for _, pid := range a.pidsFor() {
		leaderFd := -1
		for _, ev := range g.Events {
			fd, err := a.openEvent(g, ev, cpu, pid, leaderFd)
			if err != nil {
				return err
			}
			if leaderFd == -1 {
				leaderFd = fd
			}
			cg.opened = append(cg.opened, openedEvent{event: ev, fd: fd})
		}
	}
	return nil
}

// mapGroup maps the leader's kernel ring, redirects every other fd into it
// and resolves the sample ids.
func (a *Activator) mapGroup(cg *cpuGroup, cpu int) error {
	ring, err := MapRing(cg.opened[0].fd, a.cfg.MmapPages, a.pageSize, cg.group.NeedsAux())
	if err != nil {
		return errors.Wrapf(err, "map kernel ring for cpu %d", cpu)
	}
	cg.ring = ring
	for _, oe := range cg.opened[1:] {
		if err := ioctlSetOutput(oe.fd, cg.opened[0].fd); err != nil {
			return errors.Wrapf(err, "redirect event output on cpu %d", cpu)
		}
	}
	return a.resolveIDs(cg, cpu)
}

// OnlineCPU enables every armed group on the CPU: Armed -> Enabled.
func (a *Activator) OnlineCPU(cpu int) error {
	ctx, ok := a.cpus[cpu]
	if !ok || ctx.state == stateOffline {
		if err := a.PrepareCPU(cpu); err != nil {
			return err
		}
		ctx = a.cpus[cpu]
	}
	if ctx.state == stateEnabled {
		return nil
	}
	for _, cg := range ctx.groups {
		if err := ioctlEnableGroup(cg.opened[0].fd); err != nil {
			return errors.Wrapf(err, "enable group on cpu %d", cpu)
		}
	}
	ctx.state = stateEnabled
	a.log.Debug("perf: cpu enabled", zap.Int("cpu", cpu))
	return nil
}

// OfflineCPU disables the groups, lets the caller drain the rings via
// drain, then closes everything: Enabled -> Offline.
func (a *Activator) OfflineCPU(cpu int, drain func(*KernelRing)) {
	ctx, ok := a.cpus[cpu]
	if !ok || ctx.state == stateOffline {
		return
	}
	for _, cg := range ctx.groups {
		_ = ioctlDisableGroup(cg.opened[0].fd)
		if drain != nil && cg.ring != nil {
			drain(cg.ring)
		}
	}
	a.teardown(ctx)
	ctx.state = stateOffline
	a.log.Debug("perf: cpu offline", zap.Int("cpu", cpu))
}

// RingFds returns (leader fd, ring) for every mapped group on the CPU so
// the source can register them with its monitor.
func (a *Activator) RingFds(cpu int) map[int]*KernelRing {
	ctx, ok := a.cpus[cpu]
	if !ok {
		return nil
	}
	out := make(map[int]*KernelRing, len(ctx.groups))
	for _, cg := range ctx.groups {
		if cg.ring != nil {
			out[cg.opened[0].fd] = cg.ring
		}
	}
	return out
}

// CloseAll tears down every CPU.
func (a *Activator) CloseAll() {
	for cpu := range a.cpus {
		a.OfflineCPU(cpu, nil)
	}
}

// dropGonePids removes pids that no longer exist from the capture set.
func (a *Activator) dropGonePids() {
	kept := a.cfg.CapturedPids[:0]
	for _, p := range a.cfg.CapturedPids {
		if unix.Kill(p, 0) == nil {
			kept = append(kept, p)
		} else {
			a.log.Info("perf: dropped exited pid", zap.Int("pid", p))
		}
	}
	a.cfg.CapturedPids = kept
}

func (a *Activator) teardown(ctx *cpuContext) {
	for _, cg := range ctx.groups {
		cg.close()
	}
	ctx.groups = nil
}

func (cg *cpuGroup) close() {
	if cg.ring != nil {
		cg.ring.Close()
		cg.ring = nil
	}
	for _, oe := range cg.opened {
		unix.Close(oe.fd)
	}
	cg.opened = nil
}

// resolveIDs obtains each event's kernel sample id, via ioctl where
// supported, otherwise by parsing one grouped read. The grouped read races
// against pinning, so it is retried a bounded number of times.
func (a *Activator) resolveIDs(cg *cpuGroup, cpu int) error {
	if a.caps.HasIoctlID {
		for i := range cg.opened {
			id, err := ioctlGetID(cg.opened[i].fd)
			if err != nil {
				return errors.Wrapf(err, "PERF_EVENT_IOC_ID on cpu %d", cpu)
			}
			cg.opened[i].id = id
			a.onKeyID(cpu, cg.opened[i].event.Key, id)
		}
		return nil
	}

	perPid := len(cg.group.Events)
	return retry.Do(
		func() error {
			ids, err := readGroupIDs(cg.opened[0].fd, perPid)
			if err != nil {
				return err
			}
			for i := 0; i < perPid && i < len(cg.opened); i++ {
				cg.opened[i].id = ids[i]
				a.onKeyID(cpu, cg.opened[i].event.Key, ids[i])
			}
			return nil
		},
		retry.Attempts(10),
		retry.LastErrorOnly(true),
	)
}

// readGroupIDs performs the legacy grouped read: {nr, {value, id} * nr}.
func readGroupIDs(leaderFd, want int) ([]uint64, error) {
	buf := make([]byte, 8+16*want)
	n, err := unix.Read(leaderFd, buf)
	if err != nil {
		return nil, errors.Wrap(err, "legacy grouped read")
	}
	return parseGroupIDs(buf[:n], want)
}

func parseGroupIDs(buf []byte, want int) ([]uint64, error) {
	if len(buf) < 8 {
		return nil, errors.New("perf: grouped read too short")
	}
	nr := int(hostUint64(buf))
	if nr != want || len(buf) < 8+16*nr {
		return nil, errors.Errorf("perf: grouped read returned %d of %d events", nr, want)
	}
	ids := make([]uint64, nr)
	for i := 0; i < nr; i++ {
		ids[i] = hostUint64(buf[8+16*i+8:])
	}
	return ids, nil
}
