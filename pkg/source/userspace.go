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

package source

import (
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/gatord/gatord/pkg/monotonic"
	"github.com/gatord/gatord/pkg/ring"
	"github.com/gatord/gatord/pkg/session"
	"github.com/gatord/gatord/pkg/wire"
)

const userSpaceRingSize = 1 << 20

// userSpacePeriod is the fixed polling cadence; the capture sample rate
// deliberately does not apply to software counters.
const userSpacePeriod = 100 * time.Millisecond

// UserSpace polls the enabled software counter drivers at 10Hz.
type UserSpace struct {
	sess       *session.Session
	drivers    []PolledDriver
	endSession func()
	clk        clock.Clock
	log        *zap.Logger

	buf  *ring.Buffer
	stop chan struct{}
}

// NewUserSpace creates the user-space source over the claimed drivers.
func NewUserSpace(sess *session.Session, drivers []PolledDriver, readerSem chan<- struct{},
	endSession func(), clk clock.Clock, log *zap.Logger) *UserSpace {
	return &UserSpace{
		sess:       sess,
		drivers:    drivers,
		endSession: endSession,
		clk:        clk,
		log:        log.Named("counters"),
		buf:        ring.New(0, wire.FrameBlockCounter, userSpaceRingSize, readerSem),
		stop:       make(chan struct{}, 1),
	}
}

// ShouldStart reports whether any driver claimed a counter; with none there
// is nothing to poll.
func ShouldStart(drivers []PolledDriver) bool {
	for _, d := range drivers {
		if d.CountersEnabled() {
			return true
		}
	}
	return false
}

// Name implements Source.
func (u *UserSpace) Name() string { return "gatord-counters" }

// Prepare implements Source.
func (u *UserSpace) Prepare() error { return nil }

// Start launches the polling loop.
func (u *UserSpace) Start() error {
	go u.run()
	return nil
}

func (u *UserSpace) run() {
	SetThreadName(u.Name())

	var enabled []PolledDriver
	for _, d := range u.drivers {
		if d.CountersEnabled() {
			d.Start()
			enabled = append(enabled, d)
		}
	}

	for u.sess.IsActive() && u.sess.MonotonicStarted() <= 0 {
		u.clk.Sleep(time.Millisecond)
	}
	started := u.sess.MonotonicStarted()

	var nextTime time.Duration
	for u.sess.IsActive() {
		now := time.Duration(monotonic.Now() - started)
		nextTime += userSpacePeriod
		if nextTime < now {
			u.log.Debug("counters: sampling fell behind",
				zap.Duration("now", now), zap.Duration("next", nextTime))
			nextTime = now
		}

		if u.buf.EventHeader(int64(now)) {
			for _, d := range enabled {
				d.Read(u.buf)
			}
			// Commit after every driver wrote, so the timestamp and its
			// counters land in the same frame.
			if err := u.buf.Check(int64(now)); err != nil {
				u.log.Error("counters: commit failed", zap.Error(err))
			}
		}

		if u.sess.OneShot && u.sess.IsActive() && u.buf.BytesAvailable() <= 0 {
			u.log.Debug("counters: one shot")
			u.endSession()
		}

		select {
		case <-u.stop:
		case <-u.clk.After(nextTime - now):
		}
	}

	now := monotonic.Now() - started
	_, _ = u.buf.Commit(now, true)
	u.buf.SetDone()
	u.log.Debug("counters: source stopped")
}

// Interrupt wakes the polling loop so it can observe the session ending.
func (u *UserSpace) Interrupt() {
	select {
	case u.stop <- struct{}{}:
	default:
	}
}

// IsDone implements Source.
func (u *UserSpace) IsDone() bool { return u.buf.IsDone() }

// Write implements Source.
func (u *UserSpace) Write(sender ring.Sender) error { return u.buf.Write(sender) }
