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

// Package mali samples Mali GPU hardware counters through the vendor device
// interface and accumulates the per-block values into capture counters.
package mali

import (
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// BlockType identifies one hardware counter block of the GPU.
type BlockType int

const (
	BlockJobManager BlockType = iota
	BlockTiler
	BlockShader
	BlockMMUL2
)

func (b BlockType) String() string {
	switch b {
	case BlockJobManager:
		return "JM"
	case BlockTiler:
		return "Tiler"
	case BlockShader:
		return "Shader"
	case BlockMMUL2:
		return "MMU_L2"
	}
	return "unknown"
}

// CountersPerBlock is the fixed per-block counter count of the hardware
// counter dump layout.
const CountersPerBlock = 64

// Product describes one GPU's block layout.
type Product struct {
	ID   uint32
	Mask uint32
	Name string
	V4   bool // legacy 4-slice Midgard layout
}

// products is the known product table, matched against GPU_ID >> 16.
var products = []Product{
	{ID: 0x6956, Mask: 0xffff, Name: "Mali-T60x", V4: true},
	{ID: 0x0620, Mask: 0xffff, Name: "Mali-T62x", V4: true},
	{ID: 0x0720, Mask: 0xffff, Name: "Mali-T72x", V4: true},
	{ID: 0x0750, Mask: 0xffff, Name: "Mali-T76x"},
	{ID: 0x0820, Mask: 0xffff, Name: "Mali-T82x"},
	{ID: 0x0830, Mask: 0xffff, Name: "Mali-T83x"},
	{ID: 0x0860, Mask: 0xffff, Name: "Mali-T86x"},
	{ID: 0x0880, Mask: 0xffff, Name: "Mali-T88x"},
	{ID: 0x6000, Mask: 0xf00f, Name: "Mali-G71"},
	{ID: 0x6001, Mask: 0xf00f, Name: "Mali-G72"},
	{ID: 0x7000, Mask: 0xf00f, Name: "Mali-G51"},
	{ID: 0x7001, Mask: 0xf00f, Name: "Mali-G76"},
	{ID: 0x7002, Mask: 0xf00f, Name: "Mali-G52"},
	{ID: 0x7003, Mask: 0xf00f, Name: "Mali-G31"},
}

// LookupProduct resolves a GPU id to its product entry.
func LookupProduct(gpuID uint32) (Product, bool) {
	for _, p := range products {
		if gpuID&p.Mask == p.ID&p.Mask {
			return p, true
		}
	}
	return Product{}, false
}

// Device is one discovered Mali GPU.
type Device struct {
	Path        string
	Product     Product
	ShaderCores int
	L2Slices    int
}

// DiscoverDevices scans sysfsRoot (normally /sys/class/misc) for mali<n>
// device nodes and reads their gpuinfo.
func DiscoverDevices(sysfsRoot string) ([]*Device, error) {
	entries, err := os.ReadDir(sysfsRoot)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "scan mali devices")
	}
	var devices []*Device
	for _, e := range entries {
		if !strings.HasPrefix(e.Name(), "mali") {
			continue
		}
		dev, err := readDevice(sysfsRoot + "/" + e.Name())
		if err != nil {
			continue
		}
		dev.Path = "/dev/" + e.Name()
		devices = append(devices, dev)
	}
	return devices, nil
}

// readDevice parses the "<name> <cores> cores r<n>p<n> 0x<gpuid>" gpuinfo
// line.
func readDevice(dir string) (*Device, error) {
	raw, err := os.ReadFile(dir + "/device/gpuinfo")
	if err != nil {
		return nil, err
	}
	fields := strings.Fields(string(raw))
	if len(fields) < 2 {
		return nil, errors.Errorf("malformed gpuinfo %q", strings.TrimSpace(string(raw)))
	}
	dev := &Device{ShaderCores: 1, L2Slices: 1}
	if n, err := strconv.Atoi(fields[1]); err == nil && n > 0 {
		dev.ShaderCores = n
	}
	gpuID, err := strconv.ParseUint(strings.TrimPrefix(fields[len(fields)-1], "0x"), 16, 32)
	if err != nil {
		return nil, errors.Wrap(err, "parse gpu id")
	}
	product, ok := LookupProduct(uint32(gpuID))
	if !ok {
		return nil, errors.Errorf("unknown mali product %#x", gpuID)
	}
	dev.Product = product
	return dev, nil
}

// BlockSample is the values of one block instance in a sample dump.
type BlockSample struct {
	Type   BlockType
	Index  int // core or slice index within the block type
	Values [CountersPerBlock]uint64
}

// Accumulate folds the per-instance block samples into one value per
// (block, counter): shader-core counters are averaged across cores, MMU/L2
// counters are summed across slices, everything else passes through.
func Accumulate(samples []BlockSample) map[BlockType][CountersPerBlock]uint64 {
	sums := make(map[BlockType][CountersPerBlock]uint64)
	counts := make(map[BlockType]uint64)
	for _, s := range samples {
		acc := sums[s.Type]
		for i, v := range s.Values {
			acc[i] += v
		}
		sums[s.Type] = acc
		counts[s.Type]++
	}
	if n := counts[BlockShader]; n > 1 {
		acc := sums[BlockShader]
		for i := range acc {
			acc[i] /= n
		}
		sums[BlockShader] = acc
	}
	return sums
}
