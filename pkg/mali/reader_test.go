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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLayoutFor(t *testing.T) {
	dev := &Device{ShaderCores: 4, L2Slices: 2}
	l := LayoutFor(dev)

	require.Len(t, l.Blocks, 1+1+2+4)
	assert.Equal(t, BlockJobManager, l.Blocks[0].Type)
	assert.Equal(t, BlockTiler, l.Blocks[1].Type)
	assert.Equal(t, BlockMMUL2, l.Blocks[2].Type)
	assert.Equal(t, BlockShader, l.Blocks[4].Type)
	assert.Equal(t, 3, l.Blocks[7].Index)

	assert.Equal(t, 8*CountersPerBlock*counterWidth, l.DumpSize())
}

func TestParseDump(t *testing.T) {
	dev := &Device{ShaderCores: 1, L2Slices: 1}
	l := LayoutFor(dev)

	raw := make([]byte, l.DumpSize())
	// Tiler block (second) counter 10 = 777.
	tilerOff := (1*CountersPerBlock + 10) * counterWidth
	binary.LittleEndian.PutUint32(raw[tilerOff:], 777)

	samples, err := l.ParseDump(raw)
	require.NoError(t, err)
	require.Len(t, samples, 4)
	assert.Equal(t, uint64(777), samples[1].Values[10])
	assert.Equal(t, BlockTiler, samples[1].Type)

	_, err = l.ParseDump(raw[:10])
	assert.Error(t, err)
}
