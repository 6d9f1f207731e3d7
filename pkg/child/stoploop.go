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

package child

import (
	"io"

	"go.uber.org/zap"

	"github.com/gatord/gatord/pkg/wire"
)

// StopHandler reacts to host commands received while a live capture runs.
type StopHandler interface {
	// OnStop ends the capture session.
	OnStop()
	// OnPing acknowledges a keepalive.
	OnPing()
}

// maxCommandLength bounds a request body; anything larger is a protocol
// violation.
const maxCommandLength = 1024 * 1024

// StopLoop reads host request frames until the capture ends or the socket
// closes. APC_STOP stops the session; PING with an empty body is
// acknowledged; anything else is logged at debug and ignored. A closed
// socket counts as end-of-session.
func StopLoop(r io.Reader, handler StopHandler, log *zap.Logger) {
	var hdr [wire.FrameHeaderLength]byte
	for {
		if _, err := io.ReadFull(r, hdr[:]); err != nil {
			log.Debug("stop: host connection closed", zap.Error(err))
			handler.OnStop()
			return
		}
		cmd, length := wire.ParseRequestHeader(hdr)
		if length < 0 || length > maxCommandLength {
			log.Debug("stop: invalid length", zap.Int("length", length))
			handler.OnStop()
			return
		}
		if length > 0 {
			if _, err := io.CopyN(io.Discard, r, int64(length)); err != nil {
				handler.OnStop()
				return
			}
		}

		switch cmd {
		case wire.CommandAPCStop:
			log.Debug("stop: received APC_STOP")
			handler.OnStop()
			return
		case wire.CommandPing:
			if length != 0 {
				log.Debug("stop: ping with unexpected payload", zap.Int("length", length))
				continue
			}
			handler.OnPing()
		default:
			log.Debug("stop: ignoring unexpected command", zap.Uint8("command", uint8(cmd)), zap.Int("length", length))
		}
	}
}
