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
	"os"
	"strconv"
	"strings"

	"github.com/gatord/gatord/pkg/ring"
	"github.com/gatord/gatord/pkg/session"
)

// PolledDriver is a software counter provider sampled by the user-space
// source. SetupCounter claims a counter by name; Read emits one value per
// claimed counter.
type PolledDriver interface {
	Name() string
	// Claims reports the counter names this driver can provide.
	Claims() []string
	// SetupCounter binds a resolved counter to the driver.
	SetupCounter(c session.Counter)
	// CountersEnabled reports whether any counter was claimed.
	CountersEnabled() bool
	// Start is called once before the first Read.
	Start()
	// Read samples every claimed counter into the ring.
	Read(buf *ring.Buffer)
}

// procDriver is the common shape of the /proc and /sys backed drivers.
type procDriver struct {
	name     string
	claims   []string
	counters map[string]session.Counter
	sample   func(d *procDriver, buf *ring.Buffer)
}

func (d *procDriver) Name() string     { return d.name }
func (d *procDriver) Claims() []string { return d.claims }

func (d *procDriver) SetupCounter(c session.Counter) {
	d.counters[c.Name] = c
}

func (d *procDriver) CountersEnabled() bool { return len(d.counters) > 0 }
func (d *procDriver) Start()                {}

func (d *procDriver) Read(buf *ring.Buffer) {
	d.sample(d, buf)
}

// emit writes one claimed counter value.
func (d *procDriver) emit(buf *ring.Buffer, name string, value int64) {
	if c, ok := d.counters[name]; ok {
		buf.Event64(c.Key, value)
	}
}

// NewMeminfoDriver samples /proc/meminfo.
func NewMeminfoDriver() PolledDriver {
	return &procDriver{
		name:     "meminfo",
		claims:   []string{"Linux_meminfo_memused", "Linux_meminfo_memfree", "Linux_meminfo_bufferram"},
		counters: make(map[string]session.Counter),
		sample: func(d *procDriver, buf *ring.Buffer) {
			fields := readKVFile("/proc/meminfo", ":")
			total := fields["MemTotal"]
			free := fields["MemFree"]
			d.emit(buf, "Linux_meminfo_memused", (total-free)*1024)
			d.emit(buf, "Linux_meminfo_memfree", free*1024)
			d.emit(buf, "Linux_meminfo_bufferram", fields["Buffers"]*1024)
		},
	}
}

// NewNetDriver samples /proc/net/dev receive and transmit byte totals.
func NewNetDriver() PolledDriver {
	return &procDriver{
		name:     "net",
		claims:   []string{"Linux_net_rx", "Linux_net_tx"},
		counters: make(map[string]session.Counter),
		sample: func(d *procDriver, buf *ring.Buffer) {
			rx, tx := readNetDev("/proc/net/dev")
			d.emit(buf, "Linux_net_rx", rx)
			d.emit(buf, "Linux_net_tx", tx)
		},
	}
}

// NewDiskstatsDriver samples /proc/diskstats sector totals.
func NewDiskstatsDriver() PolledDriver {
	return &procDriver{
		name:     "diskstats",
		claims:   []string{"Linux_block_rq_rd", "Linux_block_rq_wr"},
		counters: make(map[string]session.Counter),
		sample: func(d *procDriver, buf *ring.Buffer) {
			rd, wr := readDiskstats("/proc/diskstats")
			d.emit(buf, "Linux_block_rq_rd", rd)
			d.emit(buf, "Linux_block_rq_wr", wr)
		},
	}
}

// DefaultPolledDrivers returns the software counter drivers available on
// every Linux target.
func DefaultPolledDrivers() []PolledDriver {
	return []PolledDriver{NewMeminfoDriver(), NewNetDriver(), NewDiskstatsDriver()}
}

// readKVFile parses "Key: value" lines, returning numeric values.
func readKVFile(path, sep string) map[string]int64 {
	out := make(map[string]int64)
	raw, err := os.ReadFile(path)
	if err != nil {
		return out
	}
	for _, line := range strings.Split(string(raw), "\n") {
		key, rest, found := strings.Cut(line, sep)
		if !found {
			continue
		}
		fields := strings.Fields(rest)
		if len(fields) == 0 {
			continue
		}
		if v, err := strconv.ParseInt(fields[0], 10, 64); err == nil {
			out[strings.TrimSpace(key)] = v
		}
	}
	return out
}

// readNetDev sums rx/tx bytes over every interface except loopback.
func readNetDev(path string) (rx, tx int64) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, 0
	}
	for _, line := range strings.Split(string(raw), "\n") {
		name, rest, found := strings.Cut(line, ":")
		if !found || strings.TrimSpace(name) == "lo" {
			continue
		}
		fields := strings.Fields(rest)
		if len(fields) < 9 {
			continue
		}
		if v, err := strconv.ParseInt(fields[0], 10, 64); err == nil {
			rx += v
		}
		if v, err := strconv.ParseInt(fields[8], 10, 64); err == nil {
			tx += v
		}
	}
	return rx, tx
}

// readDiskstats sums read/written sectors over every line of the file,
// partitions included, and returns the totals in bytes (512-byte sectors).
func readDiskstats(path string) (rd, wr int64) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, 0
	}
	for _, line := range strings.Split(string(raw), "\n") {
		fields := strings.Fields(line)
		// major minor name reads merged rsect ... writes merged wsect
		if len(fields) < 10 {
			continue
		}
		if v, err := strconv.ParseInt(fields[5], 10, 64); err == nil {
			rd += v * 512
		}
		if v, err := strconv.ParseInt(fields[9], 10, 64); err == nil {
			wr += v * 512
		}
	}
	return rd, wr
}
