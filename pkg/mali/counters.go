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
	"strconv"
	"strings"

	"github.com/gatord/gatord/pkg/session"
)

// CounterPrefix marks GPU hardware counters on the CLI surface:
// ARM_Mali_<block>_<index>.
const CounterPrefix = "ARM_Mali_"

var blockNames = map[string]BlockType{
	"JM":     BlockJobManager,
	"Tiler":  BlockTiler,
	"SC":     BlockShader,
	"MMU_L2": BlockMMUL2,
}

// ParseCounterName resolves an ARM_Mali_<block>_<index> counter name to its
// block and counter index.
func ParseCounterName(name string) (BlockType, int, bool) {
	rest, found := strings.CutPrefix(name, CounterPrefix)
	if !found {
		return 0, 0, false
	}
	blockName, idxStr, found := cutLast(rest, "_")
	if !found {
		return 0, 0, false
	}
	block, ok := blockNames[blockName]
	if !ok {
		return 0, 0, false
	}
	idx, err := strconv.Atoi(idxStr)
	if err != nil || idx < 0 || idx >= CountersPerBlock {
		return 0, 0, false
	}
	return block, idx, true
}

// cutLast splits around the last occurrence of sep.
func cutLast(s, sep string) (before, after string, found bool) {
	i := strings.LastIndex(s, sep)
	if i < 0 {
		return s, "", false
	}
	return s[:i], s[i+len(sep):], true
}

// BuildSelection claims the GPU counters out of the counter list, returning
// the per-block selection and the claimed counters.
func BuildSelection(counters []session.Counter) (Selection, []session.Counter) {
	sel := make(Selection)
	var claimed []session.Counter
	for _, c := range counters {
		block, idx, ok := ParseCounterName(c.Name)
		if !ok {
			continue
		}
		if sel[block] == nil {
			sel[block] = make(map[int]int32)
		}
		sel[block][idx] = c.Key
		claimed = append(claimed, c)
	}
	if len(sel) == 0 {
		return nil, nil
	}
	return sel, claimed
}
