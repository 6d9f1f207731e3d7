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

// Package sender frames response bodies and writes them to the capture
// transport, either the host socket or the local capture data file. At most
// one response is in flight at any time.
package sender

import (
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/bytedance/gopkg/lang/mcache"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/gatord/gatord/pkg/wire"
)

// ErrClosed is reported once the transport has failed terminally; later
// writes become no-ops.
var ErrClosed = errors.New("sender: transport closed")

// ErrTooLong rejects a response body over the 16MiB limit. Sources split
// longer payloads at frame boundaries before handing them over.
var ErrTooLong = errors.New("sender: response exceeds maximum length")

// Sender serializes framed responses onto one writer.
type Sender struct {
	mu   sync.Mutex
	out  io.Writer
	file *os.File
	err  error
	log  *zap.Logger
}

// New wraps the host connection (or any writer).
func New(out io.Writer, log *zap.Logger) *Sender {
	return &Sender{out: out, log: log}
}

// NewDataFile opens apcDir/data for a local capture and returns a Sender
// writing to it.
func NewDataFile(apcDir string, log *zap.Logger) (*Sender, error) {
	f, err := os.OpenFile(filepath.Join(apcDir, "data"), os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, errors.Wrap(err, "create capture data file")
	}
	return &Sender{out: f, file: f, log: log}, nil
}

// WriteData frames a single-part response.
func (s *Sender) WriteData(data []byte, rt wire.ResponseType, ignoreLockErrors bool) error {
	return s.WriteDataParts([][]byte{data}, rt, ignoreLockErrors)
}

// WriteDataParts frames one response whose body is the concatenation of
// parts. With ResponseRaw the parts are forwarded without a header. When
// ignoreLockErrors is set a terminally failed transport is still attempted;
// this is only used on the final error path.
func (s *Sender) WriteDataParts(parts [][]byte, rt wire.ResponseType, ignoreLockErrors bool) error {
	total := 0
	for _, p := range parts {
		total += len(p)
	}
	if total > wire.MaxResponseLength {
		return ErrTooLong
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.err != nil && !ignoreLockErrors {
		return s.err
	}

	// Assemble into one contiguous write so responses never interleave and
	// short socket writes cannot tear a frame header from its body.
	n := total
	if rt != wire.ResponseRaw {
		n += wire.FrameHeaderLength
	}
	buf := mcache.Malloc(n)[:0]
	defer mcache.Free(buf)
	if rt != wire.ResponseRaw {
		buf = wire.AppendResponseHeader(buf, rt, total)
	}
	for _, p := range parts {
		buf = append(buf, p...)
	}

	if _, err := s.out.Write(buf); err != nil {
		if isDisconnect(err) {
			s.err = ErrClosed
			s.log.Debug("sender: peer disconnected", zap.Error(err))
			return s.err
		}
		s.err = errors.Wrap(err, "sender: write")
		return s.err
	}
	return nil
}

// WriteEndOfStream emits the zero-length APC_DATA frame terminating a live
// capture stream.
func (s *Sender) WriteEndOfStream() error {
	return s.WriteDataParts(nil, wire.ResponseAPCData, true)
}

// LastError returns the terminal transport error, if any.
func (s *Sender) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close closes the local capture file if one is open.
func (s *Sender) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file != nil {
		err := s.file.Close()
		s.file = nil
		return err
	}
	return nil
}

func isDisconnect(err error) bool {
	return errors.Is(err, unix.EPIPE) || errors.Is(err, unix.ECONNRESET) || errors.Is(err, io.ErrClosedPipe)
}
