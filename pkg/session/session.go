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

// Package session holds the per-capture configuration and the small amount
// of runtime state shared between sources. Everything in Config is
// read-only once the capture starts.
package session

import (
	"fmt"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/atomic"
)

// SampleRate selects the timer sampling frequency. The values are prime so
// samples do not beat against periodic workloads.
type SampleRate int

const (
	RateNone   SampleRate = 0
	RateLow    SampleRate = 101
	RateNormal SampleRate = 1009
	RateHigh   SampleRate = 10007
)

// ParseSampleRate maps the CLI spelling onto a rate.
func ParseSampleRate(s string) (SampleRate, error) {
	switch s {
	case "none":
		return RateNone, nil
	case "low":
		return RateLow, nil
	case "normal":
		return RateNormal, nil
	case "high":
		return RateHigh, nil
	}
	return 0, errors.Errorf("invalid sample rate %q", s)
}

// BacktraceDepth used when call stack unwinding is enabled.
const BacktraceDepth = 128

// Config is the parsed capture configuration.
type Config struct {
	SystemWide      bool
	OneShot         bool
	DurationSec     int
	SampleRate      SampleRate
	BacktraceDepth  int
	MmapPages       int // ring is (1 + 2^n) pages
	CapturedPids    []int
	WaitProcess     string
	StopOnExit      bool
	LocalCapture    bool
	APCDir          string
	Port            int  // host TCP port
	UseUDS          bool // abstract streamline-data socket instead of TCP
	AllowCommand    bool
	CaptureUser     string
	CaptureWorkDir  string
	AppArgs         []string
	CounterSpecs    []string
	SPESpecs        []string
	EfficientFtrace bool
	TCPAnnotations  bool
}

// DefaultPort is the live capture TCP port.
const DefaultPort = 8080

// Validate rejects configurations the capture core cannot honor.
func (c *Config) Validate() error {
	if c.MmapPages < 1 || c.MmapPages&(c.MmapPages-1) != 0 {
		return errors.Errorf("--mmap-pages %d is not a power of 2", c.MmapPages)
	}
	if len(c.AppArgs) == 1 && c.AppArgs[0] == "" {
		return errors.New("--app requires a command")
	}
	if c.DurationSec < 0 {
		return errors.New("--max-duration must not be negative")
	}
	if c.LocalCapture && c.APCDir == "" {
		return errors.New("local capture requires an output directory")
	}
	return nil
}

// Duration returns the capture duration, zero meaning run until stopped.
func (c *Config) Duration() time.Duration {
	return time.Duration(c.DurationSec) * time.Second
}

// Session is the runtime state of one capture.
type Session struct {
	Config

	active           atomic.Bool
	monotonicStarted atomic.Int64
	oneShotFired     atomic.Bool
	sentSummary      atomic.Bool
}

// NewSession creates an active session from a validated config.
func NewSession(cfg Config) *Session {
	s := &Session{Config: cfg}
	s.active.Store(true)
	return s
}

// IsActive reports whether the capture is still running.
func (s *Session) IsActive() bool { return s.active.Load() }

// Deactivate marks the session over; it returns true exactly once.
func (s *Session) Deactivate() bool { return s.active.CompareAndSwap(true, false) }

// MonotonicStarted returns the capture start timestamp in monotonic
// nanoseconds, or zero before the primary source started.
func (s *Session) MonotonicStarted() int64 { return s.monotonicStarted.Load() }

// SetMonotonicStarted publishes the capture start time. Sources gate on a
// non-zero value before producing so nothing predates the origin.
func (s *Session) SetMonotonicStarted(ns int64) { s.monotonicStarted.Store(ns) }

// SummarySent reports whether the summary frame went out. No external
// payload is forwarded before it.
func (s *Session) SummarySent() bool { return s.sentSummary.Load() }

// MarkSummarySent records the summary frame emission.
func (s *Session) MarkSummarySent() { s.sentSummary.Store(true) }

// FireOneShot latches the one-shot trigger; it returns true exactly once.
func (s *Session) FireOneShot() bool { return s.oneShotFired.CompareAndSwap(false, true) }

// LastError is the capture error text served to a second host connection.
type LastError struct {
	v atomic.String
}

// Set records the most recent capture error.
func (e *LastError) Set(format string, args ...interface{}) {
	e.v.Store(fmt.Sprintf(format, args...))
}

// Get returns the most recent capture error text.
func (e *LastError) Get() string { return e.v.Load() }
