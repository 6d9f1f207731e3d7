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

package annotate

import (
	"github.com/pkg/errors"

	"github.com/gatord/gatord/pkg/wire"
)

// Message is one in-band annotation packet as written by user code over an
// annotation connection. The external source forwards the encoded bytes
// verbatim; the host demultiplexes them by originating fd.
type Message struct {
	Tid     int32
	Time    int64
	CPU     int32
	Payload []byte
}

// Append encodes m.
func (m *Message) Append(buf []byte) []byte {
	buf = wire.PackInt32(buf, m.Tid)
	buf = wire.PackInt64(buf, m.Time)
	buf = wire.PackInt32(buf, m.CPU)
	buf = wire.PackInt32(buf, int32(len(m.Payload)))
	return append(buf, m.Payload...)
}

// Decode parses one packet from buf, returning the message and the number
// of bytes consumed. wire.ErrTruncated is returned on a partial packet so
// stream readers can wait for more bytes.
func Decode(buf []byte) (Message, int, error) {
	var m Message
	off := 0

	tid, n, err := wire.UnpackInt32(buf)
	if err != nil {
		return m, 0, err
	}
	off += n
	t, n, err := wire.UnpackInt64(buf[off:])
	if err != nil {
		return m, 0, err
	}
	off += n
	cpu, n, err := wire.UnpackInt32(buf[off:])
	if err != nil {
		return m, 0, err
	}
	off += n
	size, n, err := wire.UnpackInt32(buf[off:])
	if err != nil {
		return m, 0, err
	}
	off += n
	if size < 0 {
		return m, 0, errors.New("annotate: negative payload size")
	}
	if len(buf)-off < int(size) {
		return m, 0, wire.ErrTruncated
	}

	m.Tid = tid
	m.Time = t
	m.CPU = cpu
	m.Payload = buf[off : off+int(size)]
	return m, off + int(size), nil
}
