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

import "github.com/pkg/errors"

// MaxPackedInt32 and MaxPackedInt64 are the worst-case encoded sizes.
const (
	MaxPackedInt32 = 5
	MaxPackedInt64 = 10
)

// ErrTruncated is returned by the Unpack functions when the buffer ends in
// the middle of a varint.
var ErrTruncated = errors.New("wire: truncated packed int")

// PackInt32 appends x as a signed little-endian base-128 varint. The sign is
// carried by bit 6 of the terminal byte.
func PackInt32(buf []byte, x int32) []byte {
	return PackInt64(buf, int64(x))
}

// PackInt64 appends x as a signed little-endian base-128 varint.
func PackInt64(buf []byte, x int64) []byte {
	for {
		b := byte(x & 0x7f)
		x >>= 7 // arithmetic shift
		if (x == 0 && b&0x40 == 0) || (x == -1 && b&0x40 != 0) {
			return append(buf, b)
		}
		buf = append(buf, b|0x80)
	}
}

// UnpackInt64 decodes one packed int from buf, returning the value and the
// number of bytes consumed.
func UnpackInt64(buf []byte) (int64, int, error) {
	var x int64
	var shift uint
	for i, b := range buf {
		x |= int64(b&0x7f) << shift
		shift += 7
		if b&0x80 == 0 {
			// sign extend from bit 6 of the terminal byte
			if shift < 64 && b&0x40 != 0 {
				x |= -1 << shift
			}
			return x, i + 1, nil
		}
		if shift >= 64 {
			return 0, 0, errors.New("wire: packed int overflows 64 bits")
		}
	}
	return 0, 0, ErrTruncated
}

// UnpackInt32 decodes one packed int and rejects values outside int32 range.
func UnpackInt32(buf []byte) (int32, int, error) {
	x, n, err := UnpackInt64(buf)
	if err != nil {
		return 0, 0, err
	}
	if x < -1<<31 || x > 1<<31-1 {
		return 0, 0, errors.New("wire: packed int overflows 32 bits")
	}
	return int32(x), n, nil
}

// AppendString appends a packed length followed by the raw bytes.
func AppendString(buf []byte, s string) []byte {
	buf = PackInt32(buf, int32(len(s)))
	return append(buf, s...)
}

// UnpackString decodes a length-prefixed string.
func UnpackString(buf []byte) (string, int, error) {
	n, hdr, err := UnpackInt32(buf)
	if err != nil {
		return "", 0, err
	}
	if n < 0 || int(n) > len(buf)-hdr {
		return "", 0, ErrTruncated
	}
	return string(buf[hdr : hdr+int(n)]), hdr + int(n), nil
}
