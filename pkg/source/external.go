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

package source

import (
	"time"

	"github.com/bytedance/gopkg/lang/mcache"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/gatord/gatord/pkg/monitor"
	"github.com/gatord/gatord/pkg/monotonic"
	"github.com/gatord/gatord/pkg/ring"
	"github.com/gatord/gatord/pkg/session"
	"github.com/gatord/gatord/pkg/socket"
	"github.com/gatord/gatord/pkg/wire"
)

// Protocol handshakes written into the stream when a vendor connection is
// established, so the host knows which dialect follows.
const (
	handshakeMaliVideo    = "MALI_VIDEO 1\n"
	handshakeMaliGraphics = "MALI_GRAPHICS 1\n"
	handshakeFtraceV1     = "FTRACE 1\n"
	handshakeFtraceV2     = "FTRACE 2\n"
)

const (
	externalRingSize = 128 * 1024
	readChunk        = 4096
	// TCPAnnotatePort accepts annotation clients over TCP inside the child.
	TCPAnnotatePort = 8083
)

// FtraceDriver hands over the trace pipe fds once tracing is armed. The
// ftrace configuration itself is an external collaborator.
type FtraceDriver interface {
	Supported() bool
	// Prepare arms tracing and returns the pipe fds and whether the legacy
	// (v1) dialect is in use.
	Prepare() (fds []int, legacy bool, err error)
}

// External demultiplexes incoming byte streams from vendor sockets, ftrace
// pipes and annotation clients into the EXTERNAL ring.
type External struct {
	sess       *session.Session
	ftrace     FtraceDriver
	endSession func()
	log        *zap.Logger

	buf *ring.Buffer
	mon *monitor.Monitor

	mveStartupFd     int
	midgardStartupFd int
	utgardStartupFd  int
	annotateUdsFd    int
	annotateTCPFd    int
	intR, intW       int

	conns map[int]struct{}
}

// NewExternal creates the external source.
func NewExternal(sess *session.Session, ftrace FtraceDriver, readerSem chan<- struct{},
	endSession func(), log *zap.Logger) *External {
	return &External{
		sess:       sess,
		ftrace:     ftrace,
		endSession: endSession,
		log:        log.Named("external"),
		buf:        ring.New(-1, wire.FrameExternal, externalRingSize, readerSem),
		conns:      make(map[int]struct{}),

		mveStartupFd:     -1,
		midgardStartupFd: -1,
		utgardStartupFd:  -1,
		annotateUdsFd:    -1,
		annotateTCPFd:    -1,
		intR:             -1,
		intW:             -1,
	}
}

// Name implements Source.
func (e *External) Name() string { return "gatord-external" }

// Prepare binds the startup server sockets and registers everything with
// the monitor.
func (e *External) Prepare() (err error) {
	if e.mon, err = monitor.New(); err != nil {
		return err
	}

	servers := []struct {
		name string
		fd   *int
	}{
		{socket.MaliVideoStartup, &e.mveStartupFd},
		{socket.MaliGraphicsStartup, &e.midgardStartupFd},
		{socket.MaliUtgardStartup, &e.utgardStartupFd},
		{socket.AnnotateChild, &e.annotateUdsFd},
	}
	for _, srv := range servers {
		fd, err := socket.ListenUnix(srv.name)
		if err != nil {
			// Another daemon instance may own the vendor socket; the source
			// still runs without it.
			e.log.Debug("external: startup socket unavailable", zap.String("name", srv.name), zap.Error(err))
			continue
		}
		if err := socket.SetNonblock(fd); err != nil {
			return err
		}
		if err := e.mon.Add(fd); err != nil {
			return err
		}
		*srv.fd = fd
	}

	if e.sess.TCPAnnotations {
		fd, err := socket.ListenTCP(TCPAnnotatePort)
		if err != nil {
			return err
		}
		if err := socket.SetNonblock(fd); err != nil {
			return err
		}
		if err := e.mon.Add(fd); err != nil {
			return err
		}
		e.annotateTCPFd = fd
	}

	if e.intR, e.intW, err = socket.Pipe(); err != nil {
		return err
	}
	if err := e.mon.Add(e.intR); err != nil {
		return err
	}

	e.connectFtrace()
	return nil
}

// connectFtrace registers the trace pipes with their dialect handshake.
func (e *External) connectFtrace() {
	if e.ftrace == nil || !e.ftrace.Supported() {
		return
	}
	fds, legacy, err := e.ftrace.Prepare()
	if err != nil {
		e.log.Warn("external: ftrace prepare failed", zap.Error(err))
		return
	}
	handshake := handshakeFtraceV2
	if legacy {
		handshake = handshakeFtraceV1
	}
	for _, fd := range fds {
		e.addConnection(fd, handshake)
	}
}

// addConnection registers a byte-stream fd and writes its handshake into
// the ring.
func (e *External) addConnection(fd int, handshake string) {
	if err := socket.SetNonblock(fd); err != nil {
		e.log.Warn("external: set nonblock failed", zap.Int("fd", fd), zap.Error(err))
		unix.Close(fd)
		return
	}
	if err := e.mon.Add(fd); err != nil {
		e.log.Warn("external: monitor add failed", zap.Int("fd", fd), zap.Error(err))
		unix.Close(fd)
		return
	}
	e.conns[fd] = struct{}{}
	if handshake != "" {
		e.forward(fd, []byte(handshake))
	}
}

// waitFor blocks until the ring has room, ending a one-shot session that
// can no longer make progress.
func (e *External) waitFor(bytes int) {
	if e.sess.OneShot && e.sess.IsActive() && e.buf.BytesAvailable() <= bytes {
		e.log.Debug("external: one shot")
		e.endSession()
	}
	e.buf.WaitForSpace(bytes)
}

// forward packs one {fd, payload} chunk as a frame and commits it.
func (e *External) forward(fd int, data []byte) {
	now := monotonic.Now() - e.sess.MonotonicStarted()
	e.waitFor(len(data) + 3*wire.MaxPackedInt32)
	token := e.buf.BeginFrame(wire.FrameExternal, -1)
	e.buf.PackInt(int32(fd))
	e.buf.WriteBytes(data)
	e.buf.EndFrame(now, false, token)
	_, _ = e.buf.Commit(now, true)
}

// forwardClosed emits the negative-fd sentinel telling the host the
// connection ended.
func (e *External) forwardClosed(fd int) {
	now := monotonic.Now() - e.sess.MonotonicStarted()
	e.waitFor(2 * wire.MaxPackedInt32)
	token := e.buf.BeginFrame(wire.FrameExternal, -1)
	e.buf.PackInt(int32(-fd))
	e.buf.EndFrame(now, false, token)
	_, _ = e.buf.Commit(now, true)
}

// Start launches the transfer loop.
func (e *External) Start() error {
	go e.run()
	return nil
}

func (e *External) run() {
	SetThreadName(e.Name())

	// Wait for the primary source to establish the time origin, then for
	// the summary frame, so nothing in the stream predates either.
	for e.sess.IsActive() && (e.sess.MonotonicStarted() <= 0 || !e.sess.SummarySent()) {
		time.Sleep(time.Millisecond)
	}

	events := make([]unix.EpollEvent, 32)
	for e.sess.IsActive() {
		n, err := e.mon.Wait(events, -1)
		if err != nil {
			e.log.Error("external: monitor wait failed", zap.Error(err))
			break
		}
		for i := 0; i < n; i++ {
			e.handle(int(events[i].Fd))
		}
	}

	e.shutdown()
}

func (e *External) handle(fd int) {
	switch fd {
	case e.intR:
		var b [1]byte
		_, _ = unix.Read(e.intR, b[:])
	case e.mveStartupFd:
		e.accept(fd, handshakeMaliVideo)
	case e.midgardStartupFd:
		e.accept(fd, handshakeMaliGraphics)
	case e.utgardStartupFd:
		e.accept(fd, "")
	case e.annotateUdsFd, e.annotateTCPFd:
		e.accept(fd, "")
	default:
		e.transfer(fd)
	}
}

func (e *External) accept(serverFd int, handshake string) {
	fd, err := socket.Accept(serverFd)
	if err != nil {
		e.log.Debug("external: accept failed", zap.Error(err))
		return
	}
	e.addConnection(fd, handshake)
	e.log.Debug("external: connection accepted", zap.Int("fd", fd))
}

// transfer moves whatever is readable right now; a short read yields back
// to the monitor.
func (e *External) transfer(fd int) {
	if _, ok := e.conns[fd]; !ok {
		return
	}
	buf := mcache.Malloc(readChunk)
	defer mcache.Free(buf)
	for {
		n, err := unix.Read(fd, buf[:readChunk])
		if err == unix.EAGAIN {
			return
		}
		if err == unix.EINTR {
			continue
		}
		if err != nil || n == 0 {
			e.drop(fd)
			return
		}
		e.forward(fd, buf[:n])
		if n < readChunk {
			return // no more data right now
		}
	}
}

func (e *External) drop(fd int) {
	_ = e.mon.Remove(fd)
	delete(e.conns, fd)
	e.forwardClosed(fd)
	unix.Close(fd)
	e.log.Debug("external: connection closed", zap.Int("fd", fd))
}

func (e *External) shutdown() {
	for fd := range e.conns {
		unix.Close(fd)
		delete(e.conns, fd)
	}
	for _, fd := range []int{e.mveStartupFd, e.midgardStartupFd, e.utgardStartupFd,
		e.annotateUdsFd, e.annotateTCPFd, e.intR, e.intW} {
		if fd >= 0 {
			unix.Close(fd)
		}
	}
	_ = e.mon.Close()

	now := monotonic.Now() - e.sess.MonotonicStarted()
	_, _ = e.buf.Commit(now, true)
	e.buf.SetDone()
	e.log.Debug("external: source stopped")
}

// Interrupt unblocks the transfer loop.
func (e *External) Interrupt() {
	if e.intW >= 0 {
		_, _ = unix.Write(e.intW, []byte{1})
	}
}

// IsDone implements Source.
func (e *External) IsDone() bool { return e.buf.IsDone() }

// Write implements Source.
func (e *External) Write(sender ring.Sender) error { return e.buf.Write(sender) }
