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
	"encoding/binary"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/gatord/gatord/pkg/socket"
)

// counterWidth is the per-counter width of a hardware counter dump.
const counterWidth = 4

// Layout describes the block order of one device's dump buffer: job
// manager, tiler, one MMU/L2 block per L2 slice, then one block per shader
// core. LayoutFor uses this order for every product; the product's V4 flag
// is not consulted.
type Layout struct {
	Blocks []BlockDescriptor
}

// BlockDescriptor is one block instance's position in the dump.
type BlockDescriptor struct {
	Type  BlockType
	Index int
}

// LayoutFor derives the dump layout from the device shape.
func LayoutFor(dev *Device) Layout {
	var l Layout
	l.Blocks = append(l.Blocks, BlockDescriptor{Type: BlockJobManager})
	l.Blocks = append(l.Blocks, BlockDescriptor{Type: BlockTiler})
	for i := 0; i < dev.L2Slices; i++ {
		l.Blocks = append(l.Blocks, BlockDescriptor{Type: BlockMMUL2, Index: i})
	}
	for i := 0; i < dev.ShaderCores; i++ {
		l.Blocks = append(l.Blocks, BlockDescriptor{Type: BlockShader, Index: i})
	}
	return l
}

// DumpSize returns the byte size of one full dump.
func (l Layout) DumpSize() int {
	return len(l.Blocks) * CountersPerBlock * counterWidth
}

// ParseDump splits a raw dump buffer according to the layout.
func (l Layout) ParseDump(raw []byte) ([]BlockSample, error) {
	if len(raw) < l.DumpSize() {
		return nil, errors.Errorf("mali: short dump, got %d want %d bytes", len(raw), l.DumpSize())
	}
	samples := make([]BlockSample, len(l.Blocks))
	off := 0
	for i, desc := range l.Blocks {
		samples[i].Type = desc.Type
		samples[i].Index = desc.Index
		for c := 0; c < CountersPerBlock; c++ {
			samples[i].Values[c] = uint64(binary.LittleEndian.Uint32(raw[off:]))
			off += counterWidth
		}
	}
	return samples, nil
}

// fdReader samples a real device node. The vendor ioctl setup is performed
// by the driver stack; the reader consumes the periodic dump stream.
type fdReader struct {
	fd         int
	intR, intW int
	layout     Layout
	buf        []byte
}

// OpenReader opens the device node for periodic sampling.
func OpenReader(dev *Device) (DeviceReader, error) {
	fd, err := unix.Open(dev.Path, unix.O_RDONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, errors.Wrapf(err, "open %q", dev.Path)
	}
	intR, intW, err := socket.Pipe()
	if err != nil {
		unix.Close(fd)
		return nil, err
	}
	layout := LayoutFor(dev)
	return &fdReader{
		fd:     fd,
		intR:   intR,
		intW:   intW,
		layout: layout,
		buf:    make([]byte, layout.DumpSize()),
	}, nil
}

// WaitForSample implements DeviceReader: poll the device until a dump is
// ready, interruptible through the self-pipe.
func (r *fdReader) WaitForSample() ([]BlockSample, error) {
	fds := []unix.PollFd{
		{Fd: int32(r.fd), Events: unix.POLLIN},
		{Fd: int32(r.intR), Events: unix.POLLIN},
	}
	for {
		n, err := unix.Poll(fds, -1)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return nil, errors.Wrap(err, "poll mali device")
		}
		if n == 0 {
			continue
		}
		if fds[1].Revents != 0 {
			return nil, errors.New("mali: interrupted")
		}
		break
	}

	off := 0
	for off < len(r.buf) {
		n, err := unix.Read(r.fd, r.buf[off:])
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return nil, errors.Wrap(err, "read mali dump")
		}
		if n == 0 {
			return nil, errors.New("mali: device closed")
		}
		off += n
	}
	return r.layout.ParseDump(r.buf)
}

// Interrupt implements DeviceReader.
func (r *fdReader) Interrupt() {
	_, _ = unix.Write(r.intW, []byte{1})
}

// Close implements DeviceReader.
func (r *fdReader) Close() error {
	unix.Close(r.intR)
	unix.Close(r.intW)
	return unix.Close(r.fd)
}
