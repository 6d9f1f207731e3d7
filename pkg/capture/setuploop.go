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

package capture

import (
	"io"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/gatord/gatord/pkg/sender"
	"github.com/gatord/gatord/pkg/wire"
)

// SetupState says how the pre-capture command loop ended.
type SetupState int

const (
	// SetupStart: the host sent APC_START; begin capturing.
	SetupStart SetupState = iota
	// SetupDisconnect: the host disconnected or stopped before starting.
	SetupDisconnect
	// SetupExit: the host asked the whole daemon to exit.
	SetupExit
)

// XMLProvider serves the configuration documents the host exchanges before
// a capture. Catalog generation is an external collaborator; the daemon
// only moves the bytes.
type XMLProvider interface {
	// RequestXML returns the document the host asked for by attribute.
	RequestXML(request string) ([]byte, error)
	// DeliverXML accepts a document pushed by the host (session or
	// configuration xml).
	DeliverXML(doc []byte) error
	// CurrentConfigXML returns the daemon's current configuration.
	CurrentConfigXML() ([]byte, error)
}

const maxSetupCommandLength = 1024 * 1024

// readRequest reads one request frame.
func readRequest(r io.Reader) (wire.CommandType, []byte, error) {
	var hdr [wire.FrameHeaderLength]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return 0, nil, errors.Wrap(err, "unexpected socket disconnect")
	}
	cmd, length := wire.ParseRequestHeader(hdr)
	if length < 0 || length > maxSetupCommandLength {
		return 0, nil, errors.Errorf("invalid request length %d", length)
	}
	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return 0, nil, errors.Wrap(err, "unexpected socket disconnect")
	}
	return cmd, body, nil
}

// SetupLoop processes host commands until the host starts the capture,
// disconnects or asks the daemon to exit.
func SetupLoop(r io.Reader, snd *sender.Sender, xml XMLProvider, log *zap.Logger) SetupState {
	for {
		cmd, body, err := readRequest(r)
		if err != nil {
			log.Debug("setup: read failed", zap.Error(err))
			return SetupDisconnect
		}
		switch cmd {
		case wire.CommandRequestXML:
			doc, err := xml.RequestXML(string(body))
			if err != nil {
				_ = snd.WriteData([]byte(err.Error()), wire.ResponseNAK, false)
				continue
			}
			_ = snd.WriteData(doc, wire.ResponseXML, false)
		case wire.CommandDeliverXML:
			if err := xml.DeliverXML(body); err != nil {
				log.Warn("setup: rejected delivered xml", zap.Error(err))
				_ = snd.WriteData([]byte(err.Error()), wire.ResponseNAK, false)
				continue
			}
			_ = snd.WriteData(nil, wire.ResponseACK, false)
		case wire.CommandAPCStart:
			if len(body) != 0 {
				log.Debug("setup: APC_START with unexpected payload", zap.Int("length", len(body)))
			}
			return SetupStart
		case wire.CommandAPCStop, wire.CommandDisconnect:
			if len(body) != 0 {
				log.Debug("setup: stop with unexpected payload", zap.Int("length", len(body)))
			}
			return SetupDisconnect
		case wire.CommandPing:
			_ = snd.WriteData(nil, wire.ResponseACK, false)
		case wire.CommandExitOK:
			return SetupExit
		case wire.CommandRequestCurrentConfig:
			doc, err := xml.CurrentConfigXML()
			if err != nil {
				_ = snd.WriteData([]byte(err.Error()), wire.ResponseNAK, false)
				continue
			}
			_ = snd.WriteData(doc, wire.ResponseCurrentConfig, false)
		default:
			log.Debug("setup: unknown command", zap.Uint8("command", uint8(cmd)))
			return SetupDisconnect
		}
	}
}
