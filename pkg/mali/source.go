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

package mali

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/gatord/gatord/pkg/monotonic"
	"github.com/gatord/gatord/pkg/ring"
	"github.com/gatord/gatord/pkg/session"
	"github.com/gatord/gatord/pkg/source"
	"github.com/gatord/gatord/pkg/wire"
)

const hwcntRingSize = 1 << 19

// DeviceReader produces hardware counter sample dumps from one device. The
// vendor ioctl dialect lives behind this interface.
type DeviceReader interface {
	// WaitForSample blocks until the next periodic dump is available.
	WaitForSample() ([]BlockSample, error)
	// Interrupt unblocks a pending WaitForSample.
	Interrupt()
	Close() error
}

// Selection maps a (block, counter index) pair to its wire key.
type Selection map[BlockType]map[int]int32

// Filmstrip is selected at most once across the whole capture; the daemon
// rejects a second selection rather than trusting the host to prevent it.
type Filmstrip struct {
	mu       sync.Mutex
	selected bool
}

// Claim reserves the filmstrip, failing on a second claim.
func (f *Filmstrip) Claim() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.selected {
		return false
	}
	f.selected = true
	return true
}

// deviceTask samples one device.
type deviceTask struct {
	device    *Device
	reader    DeviceReader
	selection Selection
	buf       *ring.Buffer
}

// HwCntr periodically samples Mali GPU hardware counters on every
// configured device.
type HwCntr struct {
	sess       *session.Session
	endSession func()
	clk        clock.Clock
	log        *zap.Logger

	tasks []*deviceTask
	wg    sync.WaitGroup
}

// NewHwCntr builds the source over the configured devices. Devices,
// readers and selections are parallel slices.
func NewHwCntr(sess *session.Session, devices []*Device, readers []DeviceReader,
	selections []Selection, readerSem chan<- struct{}, endSession func(),
	clk clock.Clock, log *zap.Logger) *HwCntr {
	h := &HwCntr{
		sess:       sess,
		endSession: endSession,
		clk:        clk,
		log:        log.Named("mali"),
	}
	for i, dev := range devices {
		h.tasks = append(h.tasks, &deviceTask{
			device:    dev,
			reader:    readers[i],
			selection: selections[i],
			buf:       ring.New(0, wire.FrameBlockCounter, hwcntRingSize, readerSem),
		})
	}
	return h
}

// Name implements source.Source.
func (h *HwCntr) Name() string { return "gatord-hwcnt" }

// Prepare implements source.Source.
func (h *HwCntr) Prepare() error { return nil }

// SamplePeriod derives the dump cadence from the capture sample rate,
// falling back to 10Hz when sampling is off.
func SamplePeriod(rate session.SampleRate) time.Duration {
	if rate == session.RateNone {
		return 100 * time.Millisecond
	}
	return time.Second / time.Duration(rate)
}

// Start launches one sampling task per device.
func (h *HwCntr) Start() error {
	for _, t := range h.tasks {
		h.wg.Add(1)
		go h.run(t)
	}
	return nil
}

func (h *HwCntr) run(t *deviceTask) {
	defer h.wg.Done()
	source.SetThreadName(h.Name())

	for h.sess.IsActive() && h.sess.MonotonicStarted() <= 0 {
		h.clk.Sleep(time.Millisecond)
	}
	started := h.sess.MonotonicStarted()
	period := SamplePeriod(h.sess.SampleRate)

	for h.sess.IsActive() {
		samples, err := t.reader.WaitForSample()
		if err != nil {
			if h.sess.IsActive() {
				h.log.Warn("mali: sample failed", zap.String("device", t.device.Path), zap.Error(err))
			}
			break
		}

		now := monotonic.Now() - started
		if t.buf.EventHeader(now) {
			h.emit(t, Accumulate(samples))
			if err := t.buf.Check(now); err != nil {
				h.log.Error("mali: commit failed", zap.Error(err))
			}
		}

		if h.sess.OneShot && h.sess.IsActive() && t.buf.BytesAvailable() <= 0 {
			h.log.Debug("mali: one shot")
			h.endSession()
		}

		h.clk.Sleep(period)
	}

	now := monotonic.Now() - started
	_, _ = t.buf.Commit(now, true)
	t.buf.SetDone()
	_ = t.reader.Close()
}

// emit resolves the accumulated block values against the user's selection.
func (h *HwCntr) emit(t *deviceTask, blocks map[BlockType][CountersPerBlock]uint64) {
	for blockType, values := range blocks {
		picked := t.selection[blockType]
		for idx, key := range picked {
			if idx >= 0 && idx < CountersPerBlock {
				t.buf.Event64(key, int64(values[idx]))
			}
		}
	}
}

// Interrupt unblocks every pending device wait.
func (h *HwCntr) Interrupt() {
	for _, t := range h.tasks {
		t.reader.Interrupt()
	}
}

// IsDone implements source.Source.
func (h *HwCntr) IsDone() bool {
	for _, t := range h.tasks {
		if !t.buf.IsDone() {
			return false
		}
	}
	return true
}

// Write implements source.Source.
func (h *HwCntr) Write(sender ring.Sender) error {
	for _, t := range h.tasks {
		if err := t.buf.Write(sender); err != nil {
			return err
		}
	}
	return nil
}
