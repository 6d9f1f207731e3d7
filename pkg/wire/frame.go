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

package wire

import "encoding/binary"

// FrameHeaderLength is the size of a request or response frame header:
// one type byte followed by a little-endian uint32 body length.
const FrameHeaderLength = 5

// AppendResponseHeader appends the 5-byte response frame header.
func AppendResponseHeader(buf []byte, rt ResponseType, length int) []byte {
	buf = append(buf, byte(rt))
	return binary.LittleEndian.AppendUint32(buf, uint32(length))
}

// ParseRequestHeader decodes a 5-byte request frame header.
func ParseRequestHeader(hdr [FrameHeaderLength]byte) (CommandType, int) {
	return CommandType(hdr[0]), int(binary.LittleEndian.Uint32(hdr[1:]))
}
