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

// Package child runs one capture: it owns every source, the sender
// goroutine, the duration and stop waiters, and the launched workload.
package child

import (
	"io"
	"os"
	"os/signal"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/gatord/gatord/pkg/mali"
	"github.com/gatord/gatord/pkg/perf"
	"github.com/gatord/gatord/pkg/sender"
	"github.com/gatord/gatord/pkg/session"
	"github.com/gatord/gatord/pkg/source"
	"github.com/gatord/gatord/pkg/wire"
)

// shutdownGrace bounds the drain after end-of-session before the watchdog
// forces an exit.
const shutdownGrace = 5 * time.Second

const senderWakePeriod = 100 * time.Millisecond

// maliSysfsRoot is where Mali device nodes surface.
const maliSysfsRoot = "/sys/class/misc"

// Child is one capture process.
type Child struct {
	sess      *session.Session
	lastError *session.LastError
	snd       *sender.Sender
	host      io.Reader // live host socket, nil for local capture
	clk       clock.Clock
	log       *zap.Logger

	senderSem chan struct{}
	sources   []source.Source // drain order: external, mali, userspace, primary
	primary   *perf.Source
	command   *Command

	oneShotGate chan struct{}
	gateOnce    sync.Once
	watchdog    *clock.Timer
	exit        func(code int)
}

// New creates a child for one capture. host is the live connection or nil
// for local capture.
func New(sess *session.Session, snd *sender.Sender, host io.Reader,
	lastError *session.LastError, log *zap.Logger) *Child {
	return &Child{
		sess:        sess,
		lastError:   lastError,
		snd:         snd,
		host:        host,
		clk:         clock.New(),
		log:         log.Named("child"),
		senderSem:   make(chan struct{}, 1),
		oneShotGate: make(chan struct{}),
		exit:        os.Exit,
	}
}

// fail records a fatal capture error, pushes it to the host and returns the
// exception exit code.
func (c *Child) fail(err error) int {
	c.lastError.Set("%v", err)
	c.log.Error("capture failed", zap.Error(err))
	_ = c.snd.WriteData([]byte(err.Error()), wire.ResponseError, true)
	return ExitException
}

// Run performs the capture and returns the process exit code.
func (c *Child) Run() int {
	keys := session.NewKeyAllocator()

	// Polled drivers and the GPU selection claim their counters first;
	// what remains goes to the perf source.
	polled := source.DefaultPolledDrivers()
	perfCounters, maliCounters := c.setupCounters(keys, polled)
	lostKey := keys.Next()

	spes, err := c.parseSPEs()
	if err != nil {
		return c.fail(err)
	}

	if len(c.sess.AppArgs) > 0 {
		cmd, err := NewCommand(c.sess.AppArgs, c.sess.CaptureUser, c.sess.CaptureWorkDir,
			c.onCommandExit, c.log)
		if err != nil {
			return c.fail(err)
		}
		c.command = cmd
	}

	if c.sess.WaitProcess != "" {
		c.log.Info("waiting for process", zap.String("name", c.sess.WaitProcess))
		pids := WaitForProcess("/proc", c.sess.WaitProcess, c.clk, func() bool { return !c.sess.IsActive() })
		c.sess.CapturedPids = append(c.sess.CapturedPids, pids...)
	}

	if code, err := c.buildSources(perfCounters, maliCounters, spes, lostKey, polled); err != nil {
		return code
	}

	c.installSignalHandlers()

	// The primary source establishes the time origin; everything else
	// gates on it, and the summary frame must precede all payload.
	if err := c.primary.Start(); err != nil {
		return c.fail(err)
	}
	for c.sess.IsActive() && c.sess.MonotonicStarted() <= 0 {
		c.clk.Sleep(time.Millisecond)
	}
	if err := c.writeSummary(); err != nil {
		return c.fail(err)
	}

	for _, s := range c.sources {
		if s == source.Source(c.primary) {
			continue
		}
		if err := s.Start(); err != nil {
			return c.fail(err)
		}
	}

	if c.command != nil {
		if err := c.command.Start(); err != nil {
			c.EndSession()
			return ExitCommandFailed
		}
	}

	if d := c.sess.Duration(); d > 0 {
		c.clk.AfterFunc(d, func() {
			c.log.Info("maximum duration reached")
			c.EndSession()
		})
	}

	if c.host != nil {
		go func() {
			source.SetThreadName("gatord-stopper")
			StopLoop(c.host, c, c.log)
		}()
	}

	c.senderLoop()

	if c.host != nil {
		// Tell the supervisor the live capture finished.
		_ = unix.Kill(unix.Getppid(), unix.SIGUSR1)
	}
	c.log.Info("capture complete")
	return ExitOK
}

// setupCounters resolves the CLI counter specs: polled drivers and the GPU
// selection claim theirs by name, the rest become perf counters.
func (c *Child) setupCounters(keys *session.KeyAllocator, polled []source.PolledDriver) (perfCounters, maliCounters []session.Counter) {
	claims := make(map[string]source.PolledDriver)
	for _, d := range polled {
		for _, name := range d.Claims() {
			claims[name] = d
		}
	}

	for _, spec := range c.sess.CounterSpecs {
		name, event, err := session.ParseCounterSpec(spec)
		if err != nil {
			c.log.Warn("ignoring malformed counter", zap.String("spec", spec), zap.Error(err))
			continue
		}
		counter := session.Counter{Name: name, Key: keys.Next(), EventCode: event}
		if d, ok := claims[name]; ok {
			counter.EventCode = 0
			counter.Driver = d.Name()
			d.SetupCounter(counter)
			continue
		}
		if _, _, ok := mali.ParseCounterName(name); ok {
			counter.EventCode = 0
			counter.Driver = "mali"
			maliCounters = append(maliCounters, counter)
			continue
		}
		if counter.EventCode == -1 {
			// Without a catalog event code only the architected cycle
			// counter can be defaulted.
			if isCycles(name) {
				counter.EventCode = unix.PERF_COUNT_HW_CPU_CYCLES
			} else {
				c.log.Warn("counter has no event code and no driver claimed it", zap.String("counter", name))
			}
		}
		counter.Driver = "perf"
		perfCounters = append(perfCounters, counter)
	}
	return perfCounters, maliCounters
}

func isCycles(name string) bool {
	return name == "cycles" || hasSuffixFold(name, "_cycles") || hasSuffixFold(name, "_cnt")
}

func hasSuffixFold(s, suffix string) bool {
	if len(s) < len(suffix) {
		return false
	}
	tail := s[len(s)-len(suffix):]
	for i := 0; i < len(suffix); i++ {
		a, b := tail[i], suffix[i]
		if a >= 'A' && a <= 'Z' {
			a += 'a' - 'A'
		}
		if a != b {
			return false
		}
	}
	return true
}

func (c *Child) parseSPEs() ([]session.CapturedSPE, error) {
	var spes []session.CapturedSPE
	for _, spec := range c.sess.SPESpecs {
		spe, err := session.ParseSPESpec(spec)
		if err != nil {
			return nil, err
		}
		spes = append(spes, spe)
	}
	return spes, nil
}

// buildSources constructs and prepares the sources in dependency order:
// primary, external, GPU, user-space. The resulting c.sources slice is in
// drain order: external, GPU, user-space, primary.
func (c *Child) buildSources(perfCounters, maliCounters []session.Counter,
	spes []session.CapturedSPE, lostKey int32, polled []source.PolledDriver) (int, error) {

	c.primary = perf.NewSource(c.sess, perfCounters, spes, lostKey, c.senderSem, c.EndSession, c.log)
	external := source.NewExternal(c.sess, nil, c.senderSem, c.EndSession, c.log)

	prepared := []source.Source{c.primary, external}
	ordered := []source.Source{external}

	if gpu := c.buildMaliSource(maliCounters); gpu != nil {
		prepared = append(prepared, gpu)
		ordered = append(ordered, gpu)
	}
	if source.ShouldStart(polled) {
		us := source.NewUserSpace(c.sess, polled, c.senderSem, c.EndSession, c.clk, c.log)
		prepared = append(prepared, us)
		ordered = append(ordered, us)
	}
	ordered = append(ordered, c.primary)

	for _, s := range prepared {
		if err := s.Prepare(); err != nil {
			return c.fail(err), err
		}
	}
	c.sources = ordered
	return 0, nil
}

// buildMaliSource opens a reader per discovered device when GPU counters
// were selected.
func (c *Child) buildMaliSource(maliCounters []session.Counter) source.Source {
	sel, claimed := mali.BuildSelection(maliCounters)
	if sel == nil {
		return nil
	}
	devices, err := mali.DiscoverDevices(maliSysfsRoot)
	if err != nil {
		c.log.Warn("mali discovery failed", zap.Error(err))
		return nil
	}
	if len(devices) == 0 {
		c.log.Warn("GPU counters selected but no mali device found",
			zap.Int("counters", len(claimed)))
		return nil
	}

	var readers []mali.DeviceReader
	var selections []mali.Selection
	var opened []*mali.Device
	for _, dev := range devices {
		r, err := mali.OpenReader(dev)
		if err != nil {
			c.log.Warn("mali device unavailable", zap.String("device", dev.Path), zap.Error(err))
			continue
		}
		opened = append(opened, dev)
		readers = append(readers, r)
		selections = append(selections, sel)
	}
	if len(opened) == 0 {
		return nil
	}
	return mali.NewHwCntr(c.sess, opened, readers, selections, c.senderSem, c.EndSession, c.clk, c.log)
}

// installSignalHandlers wires the first-signal/second-signal behavior: the
// first INT/TERM/ABRT ends the session, a second forces exit.
func (c *Child) installSignalHandlers() {
	sigs := make(chan os.Signal, 4)
	signal.Notify(sigs, unix.SIGINT, unix.SIGTERM, unix.SIGABRT)
	go func() {
		<-sigs
		c.log.Info("signal received, ending session")
		c.EndSession()
		<-sigs
		c.log.Warn("second signal received, exiting")
		c.exit(ExitSecondSignal)
	}()
}

// writeSummary emits the first frame of the stream.
func (c *Child) writeSummary() error {
	info := CollectSummary(c.sess.MonotonicStarted())
	if err := c.snd.WriteData(info.Append(nil), wire.ResponseAPCData, false); err != nil {
		return err
	}
	c.sess.MarkSummarySent()
	return nil
}

// onCommandExit implements --stop-on-exit.
func (c *Child) onCommandExit(err error) {
	if c.sess.StopOnExit {
		c.log.Info("launched command finished, ending session")
		c.EndSession()
	}
}

// OnStop implements StopHandler.
func (c *Child) OnStop() { c.EndSession() }

// OnPing implements StopHandler.
func (c *Child) OnPing() {
	_ = c.snd.WriteData(nil, wire.ResponseACK, false)
}

// EndSession is the single cancellation point. It is idempotent and safe
// from any goroutine: the first call deactivates the session, interrupts
// every source, releases a parked sender and arms the shutdown watchdog.
func (c *Child) EndSession() {
	if !c.sess.Deactivate() {
		return
	}
	c.log.Debug("ending session")
	for _, s := range c.sources {
		s.Interrupt()
	}
	c.gateOnce.Do(func() { close(c.oneShotGate) })
	c.watchdog = c.clk.AfterFunc(shutdownGrace, func() {
		c.log.Error("shutdown watchdog fired")
		c.exit(ExitAlarm)
	})
}

// senderLoop drains committed ring data to the transport until every source
// finished, in a fixed source order so the host sees a deterministic
// interleaving.
func (c *Child) senderLoop() {
	if c.sess.OneShot {
		// One-shot captures hold all data until the trigger.
		<-c.oneShotGate
	}

	for !c.allDone() {
		select {
		case <-c.senderSem:
		case <-c.clk.After(senderWakePeriod):
		}
		c.drain()
	}
	// Final pass so data committed after the last wake is not stranded.
	c.drain()

	if c.host != nil {
		_ = c.snd.WriteEndOfStream()
	}
	if c.watchdog != nil {
		c.watchdog.Stop()
	}
}

func (c *Child) drain() {
	for _, s := range c.sources {
		if err := s.Write(c.snd); err != nil {
			c.log.Debug("sender write failed", zap.Error(err))
			return
		}
	}
}

func (c *Child) allDone() bool {
	for _, s := range c.sources {
		if !s.IsDone() {
			return false
		}
	}
	return true
}
