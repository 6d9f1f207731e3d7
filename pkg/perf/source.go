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
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/gatord/gatord/pkg/monitor"
	"github.com/gatord/gatord/pkg/monotonic"
	"github.com/gatord/gatord/pkg/ring"
	"github.com/gatord/gatord/pkg/session"
	"github.com/gatord/gatord/pkg/socket"
	"github.com/gatord/gatord/pkg/source"
	"github.com/gatord/gatord/pkg/wire"
)

const (
	perCPURingSize = 1 << 20
	attrsRingSize  = 1 << 16
)

// Source is the primary capture source: it owns the perf-event groups, the
// kernel rings and the per-CPU byte rings, and establishes the monotonic
// time origin every other source gates on.
type Source struct {
	sess       *session.Session
	counters   []session.Counter
	spes       []session.CapturedSPE
	endSession func()
	log        *zap.Logger

	caps       Capabilities
	clusters   []Cluster
	assignment Assignment
	activator  *Activator

	mon        *monitor.Monitor
	uevent     *UEventSocket
	intR, intW int

	readerSem chan<- struct{}
	rings     map[int]*ring.Buffer // cpu -> data ring
	attrs     *ring.Buffer
	fdToCPU   map[int]int
	fdToRing  map[int]*KernelRing
	lostKey   int32
}

// NewSource constructs the primary source. lostKey is the wire key the
// kernel overflow counter is reported under.
func NewSource(sess *session.Session, counters []session.Counter, spes []session.CapturedSPE,
	lostKey int32, readerSem chan<- struct{}, endSession func(), log *zap.Logger) *Source {
	return &Source{
		sess:       sess,
		counters:   counters,
		spes:       spes,
		endSession: endSession,
		log:        log.Named("perf"),
		readerSem:  readerSem,
		rings:      make(map[int]*ring.Buffer),
		fdToCPU:    make(map[int]int),
		fdToRing:   make(map[int]*KernelRing),
		lostKey:    lostKey,
		intR:       -1,
		intW:       -1,
	}
}

// Name implements source.Source.
func (s *Source) Name() string { return "gatord-perf" }

// Prepare detects the kernel surface, forms the groups and arms every
// online CPU.
func (s *Source) Prepare() error {
	s.caps = Probe(s.log)
	if s.sess.SystemWide && !s.caps.HasSystemWide {
		s.log.Warn("perf: system-wide capture not permitted, check perf_event_paranoid")
	}

	pmus, err := EnumeratePMUs(EventSourceRoot)
	if err != nil {
		return err
	}
	present, err := PresentCPUs()
	if err != nil {
		return err
	}
	online, err := OnlineCPUs()
	if err != nil {
		return err
	}
	s.probeLatePMUs(present, pmus)
	s.clusters = DetectClusters(pmus, present, s.log)

	assigner := NewAssigner(s.caps, &s.sess.Config, s.clusters, s.log)
	s.assignment = assigner.Assign(s.counters)
	s.addSPEGroups(pmus)
	for _, c := range s.assignment.Disabled {
		s.log.Info("perf: counter disabled", zap.String("counter", c.Name))
	}

	s.attrs = ring.New(-1, wire.FramePerfAttrs, attrsRingSize, s.readerSem)
	for _, cpu := range present {
		s.rings[cpu] = ring.New(int32(cpu), wire.FramePerfData, perCPURingSize, s.readerSem)
	}

	if s.mon, err = monitor.New(); err != nil {
		return err
	}
	if s.uevent, err = NewUEventSocket(); err != nil {
		return err
	}
	if err := s.mon.Add(s.uevent.Fd()); err != nil {
		return err
	}
	if s.intR, s.intW, err = socket.Pipe(); err != nil {
		return err
	}
	if err := s.mon.Add(s.intR); err != nil {
		return err
	}

	s.activator = NewActivator(s.caps, &s.sess.Config, s.assignment.Groups, s.recordKeyID, s.log)
	for _, cpu := range online {
		if err := s.activator.PrepareCPU(cpu); err != nil {
			if errors.Is(err, ErrCPUOffline) {
				continue
			}
			return err
		}
		if err := s.registerCPU(cpu); err != nil {
			return err
		}
	}
	s.emitSynthetics()
	return nil
}

// recordKeyID writes one key/id association into the attrs ring so the host
// can attribute kernel sample ids to counters.
func (s *Source) recordKeyID(cpu int, key int32, id uint64) {
	token := s.attrs.BeginFrame(wire.FramePerfAttrs, int32(cpu))
	s.attrs.PackInt(key)
	s.attrs.PackInt64(int64(id))
	s.attrs.EndFrame(0, false, token)
	_, _ = s.attrs.Commit(0, true)
}

// emitSynthetics gives derived counters their key announcement without fds.
func (s *Source) emitSynthetics() {
	for _, c := range s.assignment.Synthetic {
		token := s.attrs.BeginFrame(wire.FramePerfAttrs, -1)
		s.attrs.PackInt(c.Key)
		s.attrs.PackInt64(0)
		s.attrs.EndFrame(0, false, token)
	}
	_, _ = s.attrs.Commit(0, true)
}

// probeLatePMUs reads each present CPU's MIDR so cores whose PMU has not
// registered yet are at least identified in the log.
func (s *Source) probeLatePMUs(present []int, pmus []PMU) {
	known := make(map[int]bool)
	for _, pmu := range pmus {
		for _, cpu := range pmu.CPUs {
			known[cpu] = true
		}
	}
	for _, cpu := range present {
		if known[cpu] {
			continue
		}
		if midr, err := ReadMIDR(cpu); err == nil {
			s.log.Debug("perf: cpu without registered PMU", zap.Int("cpu", cpu), zap.Uint64("midr", midr))
		}
	}
}

// addSPEGroups claims SPE configurations against the arm_spe PMUs.
func (s *Source) addSPEGroups(pmus []PMU) {
	keys := session.NewKeyAllocator()
	for _, spe := range s.spes {
		claimed := false
		for _, pmu := range pmus {
			if pmu.Name != spe.ID && pmu.Name != "arm_spe_0" {
				continue
			}
			ev, err := SPEEvent(spe, pmu, keys.Next())
			if err != nil {
				s.log.Warn("perf: bad SPE configuration", zap.String("id", spe.ID), zap.Error(err))
				break
			}
			s.assignment.Groups = append(s.assignment.Groups, SPEGroup(ev, 0, pmu.CPUs, &s.sess.Config))
			claimed = true
			break
		}
		if !claimed {
			s.log.Warn("perf: SPE configuration unclaimed", zap.String("id", spe.ID))
		}
	}
}

// registerCPU adds the CPU's kernel ring fds to the monitor.
func (s *Source) registerCPU(cpu int) error {
	for fd, kr := range s.activator.RingFds(cpu) {
		if err := s.mon.Add(fd); err != nil {
			return err
		}
		s.fdToCPU[fd] = cpu
		s.fdToRing[fd] = kr
	}
	return nil
}

// unregisterCPU removes the CPU's fds from the monitor before teardown.
func (s *Source) unregisterCPU(cpu int) {
	for fd := range s.activator.RingFds(cpu) {
		_ = s.mon.Remove(fd)
		delete(s.fdToCPU, fd)
		delete(s.fdToRing, fd)
	}
}

// Start launches the drain loop.
func (s *Source) Start() error {
	go s.run()
	return nil
}

func (s *Source) run() {
	source.SetThreadName(s.Name())

	started := monotonic.Now()
	s.sess.SetMonotonicStarted(started)

	online, _ := OnlineCPUs()
	for _, cpu := range online {
		if err := s.activator.OnlineCPU(cpu); err != nil {
			s.log.Warn("perf: enable failed", zap.Int("cpu", cpu), zap.Error(err))
		}
	}

	events := make([]unix.EpollEvent, 64)
	for s.sess.IsActive() {
		n, err := s.mon.Wait(events, -1)
		if err != nil {
			s.log.Error("perf: monitor wait failed", zap.Error(err))
			break
		}
		for i := 0; i < n; i++ {
			fd := int(events[i].Fd)
			switch fd {
			case s.uevent.Fd():
				s.handleUEvent()
			case s.intR:
				var b [1]byte
				_, _ = unix.Read(s.intR, b[:])
			default:
				s.drainFd(fd)
			}
		}
	}

	s.shutdown()
}

func (s *Source) rel(ns int64) int64 {
	return ns - s.sess.MonotonicStarted()
}

func (s *Source) drainFd(fd int) {
	kr, ok := s.fdToRing[fd]
	if !ok {
		return
	}
	cpu := s.fdToCPU[fd]
	out := s.rings[cpu]
	now := s.rel(monotonic.Now())

	lost, err := kr.Drain(out, int32(cpu), now)
	if err != nil {
		s.log.Error("perf: drain failed", zap.Int("cpu", cpu), zap.Error(err))
		return
	}
	if lost > 0 {
		out.CounterMessage(now, int32(cpu), s.lostKey, int64(kr.Lost()))
		s.log.Debug("perf: kernel ring overflowed", zap.Int("cpu", cpu), zap.Uint64("lost", lost))
	}
	if err := out.Check(now); err != nil {
		s.log.Error("perf: ring commit failed", zap.Int("cpu", cpu), zap.Error(err))
	}
	if s.sess.OneShot && s.sess.IsActive() && out.BytesAvailable() <= 0 {
		s.log.Debug("perf: one shot")
		s.endSession()
	}
}

func (s *Source) handleUEvent() {
	ev, err := s.uevent.Read()
	if err != nil {
		s.log.Debug("perf: uevent read failed", zap.Error(err))
		return
	}
	cpu, ok := ev.CPU()
	if !ok {
		return
	}
	switch ev.Action {
	case "online", "add":
		if err := s.activator.OnlineCPU(cpu); err != nil {
			s.log.Warn("perf: cpu online failed", zap.Int("cpu", cpu), zap.Error(err))
			return
		}
		if err := s.registerCPU(cpu); err != nil {
			s.log.Warn("perf: cpu register failed", zap.Int("cpu", cpu), zap.Error(err))
		}
	case "offline", "remove":
		s.unregisterCPU(cpu)
		now := s.rel(monotonic.Now())
		s.activator.OfflineCPU(cpu, func(kr *KernelRing) {
			if out := s.rings[cpu]; out != nil {
				_, _ = kr.Drain(out, int32(cpu), now)
				_ = out.Check(now)
			}
		})
	}
}

// shutdown disables and drains every CPU, then marks the rings done.
func (s *Source) shutdown() {
	now := s.rel(monotonic.Now())
	online, _ := OnlineCPUs()
	for _, cpu := range online {
		cpu := cpu
		s.activator.OfflineCPU(cpu, func(kr *KernelRing) {
			if out := s.rings[cpu]; out != nil {
				_, _ = kr.Drain(out, int32(cpu), now)
			}
		})
	}
	s.activator.CloseAll()
	for _, b := range s.rings {
		_, _ = b.Commit(now, true)
		b.SetDone()
	}
	_, _ = s.attrs.Commit(now, true)
	s.attrs.SetDone()

	s.uevent.Close()
	_ = s.mon.Close()
	if s.intR >= 0 {
		unix.Close(s.intR)
	}
	if s.intW >= 0 {
		unix.Close(s.intW)
	}
	s.log.Debug("perf: source stopped")
}

// Interrupt unblocks the drain loop via the self-pipe.
func (s *Source) Interrupt() {
	if s.intW >= 0 {
		_, _ = unix.Write(s.intW, []byte{1})
	}
}

// IsDone reports whether every ring has been fully drained.
func (s *Source) IsDone() bool {
	if !s.attrs.IsDone() {
		return false
	}
	for _, b := range s.rings {
		if !b.IsDone() {
			return false
		}
	}
	return true
}

// Write drains committed data: attrs first so key associations precede the
// samples that reference them.
func (s *Source) Write(sender ring.Sender) error {
	if err := s.attrs.Write(sender); err != nil {
		return err
	}
	for _, b := range s.rings {
		if err := b.Write(sender); err != nil {
			return err
		}
	}
	return nil
}
