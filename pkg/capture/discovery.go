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
	"bytes"
	"encoding/binary"
	"os"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/gatord/gatord/pkg/session"
	"github.com/gatord/gatord/pkg/socket"
	"github.com/gatord/gatord/pkg/wire"
)

// UDPDiscoveryPort answers host discovery probes.
const UDPDiscoveryPort = 30001

// dstReq is the exact 12-byte discovery probe.
var dstReq = []byte{'D', 'S', 'T', '_', 'R', 'E', 'Q', ' ', 0, 0, 0, 0x64}

// configureAnswer is the legacy RVI configuration record the discovery
// reply reuses. The defaultGateway field is subverted to carry a
// non-default TCP port and subnetMask to carry the protocol version.
type configureAnswer struct {
	RVIHeader         [8]byte
	MessageID         uint32
	EthernetAddress   [8]byte
	EthernetType      uint32
	DHCP              uint32
	DHCPName          [40]byte
	IPAddress         uint32
	DefaultGateway    uint32
	SubnetMask        uint32
	ActiveConnections uint32
}

// BuildDiscoveryAnswer formats the STR_ANS reply for the given data port.
func BuildDiscoveryAnswer(port int) []byte {
	var ans configureAnswer
	copy(ans.RVIHeader[:], "STR_ANS ")

	hostname, err := os.Hostname()
	if err != nil || len(hostname) >= len(ans.DHCPName) {
		hostname = "Unknown hostname"
	}
	copy(ans.DHCPName[:len(ans.DHCPName)-1], hostname)

	if port != session.DefaultPort {
		ans.DefaultGateway = uint32(port)
	}
	ans.SubnetMask = wire.ProtocolVersion

	var buf bytes.Buffer
	_ = binary.Write(&buf, binary.LittleEndian, &ans)
	return buf.Bytes()
}

// IsDiscoveryRequest matches the probe.
func IsDiscoveryRequest(buf []byte) bool {
	return bytes.Equal(buf, dstReq)
}

// discoveryLoop answers probes until the socket is closed.
func discoveryLoop(fd, port int, log *zap.Logger) {
	answer := BuildDiscoveryAnswer(port)
	buf := make([]byte, 128)
	for {
		n, from, err := unix.Recvfrom(fd, buf, 0)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			log.Debug("discovery: socket closed", zap.Error(err))
			return
		}
		if IsDiscoveryRequest(buf[:n]) {
			// A lost reply is harmless; the host retries.
			_ = unix.Sendto(fd, answer, 0, from)
		}
	}
}

// startDiscovery binds the discovery socket and serves it.
func startDiscovery(port int, log *zap.Logger) (int, error) {
	fd, err := socket.BindUDP(UDPDiscoveryPort)
	if err != nil {
		return -1, err
	}
	go discoveryLoop(fd, port, log)
	return fd, nil
}
