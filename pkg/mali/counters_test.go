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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gatord/gatord/pkg/session"
)

func TestParseCounterName(t *testing.T) {
	block, idx, ok := ParseCounterName("ARM_Mali_SC_3")
	require.True(t, ok)
	assert.Equal(t, BlockShader, block)
	assert.Equal(t, 3, idx)

	block, idx, ok = ParseCounterName("ARM_Mali_MMU_L2_12")
	require.True(t, ok, "the block name itself may contain underscores")
	assert.Equal(t, BlockMMUL2, block)
	assert.Equal(t, 12, idx)

	for _, bad := range []string{"ARM_Mali_SC_64", "ARM_Mali_GPU_1", "ARM_Mali_SC", "cycles", "ARM_Mali_SC_-1"} {
		_, _, ok := ParseCounterName(bad)
		assert.False(t, ok, bad)
	}
}

func TestBuildSelection(t *testing.T) {
	counters := []session.Counter{
		{Name: "ARM_Mali_SC_3", Key: 40},
		{Name: "ARM_Mali_JM_0", Key: 41},
		{Name: "cycles", Key: 42},
	}
	sel, claimed := BuildSelection(counters)
	require.NotNil(t, sel)
	assert.Equal(t, int32(40), sel[BlockShader][3])
	assert.Equal(t, int32(41), sel[BlockJobManager][0])
	assert.Len(t, claimed, 2)

	sel, claimed = BuildSelection([]session.Counter{{Name: "cycles", Key: 1}})
	assert.Nil(t, sel)
	assert.Nil(t, claimed)
}
