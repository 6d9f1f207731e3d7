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

// Package capture hosts the long-lived supervisor process: it accepts host
// connections, spawns one capture child per session, and keeps annotation
// clients alive across sessions.
package capture

import (
	"os"
	"os/exec"
	"os/signal"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/gatord/gatord/pkg/annotate"
	"github.com/gatord/gatord/pkg/child"
	"github.com/gatord/gatord/pkg/sender"
	"github.com/gatord/gatord/pkg/session"
	"github.com/gatord/gatord/pkg/socket"
	"github.com/gatord/gatord/pkg/wire"
)

// minOpenFiles is the RLIMIT_NOFILE floor; a system-wide capture on a large
// machine holds thousands of perf fds.
const minOpenFiles = 32768

// daemonPriority keeps the daemon ahead of the workload it profiles.
const daemonPriority = -19

// supervisor states.
type state int

const (
	stateIdle state = iota
	stateCapturing
	stateExiting
)

// ChildCommand is the hidden sub-command the supervisor re-execs itself
// with to run one capture; the accepted host socket is passed as fd 3.
const ChildCommand = "agent-child"

// Supervisor is the long-lived parent process.
type Supervisor struct {
	cfg       session.Config
	log       *zap.Logger
	lastError *session.LastError

	annotate *annotate.Listener
	listenFd int
	udpFd    int

	state      state
	childProc  *exec.Cmd
	conns      chan int
	childExits chan int
	signals    chan os.Signal
	usr1       chan os.Signal
}

// NewSupervisor creates the supervisor for a live-capture daemon.
func NewSupervisor(cfg session.Config, log *zap.Logger) *Supervisor {
	return &Supervisor{
		cfg:        cfg,
		log:        log.Named("supervisor"),
		lastError:  &session.LastError{},
		listenFd:   -1,
		udpFd:      -1,
		conns:      make(chan int, 4),
		childExits: make(chan int, 1),
		signals:    make(chan os.Signal, 4),
		usr1:       make(chan os.Signal, 4),
	}
}

// Run serves capture sessions until a termination signal arrives.
func (s *Supervisor) Run() error {
	s.setupProcess()

	var err error
	if s.annotate, err = annotate.NewListener(s.cfg.TCPAnnotations, s.log); err != nil {
		// Annotations are optional; captures still work without them.
		s.log.Warn("annotation listener unavailable", zap.Error(err))
	} else {
		go s.acceptAnnotations(s.annotate.UdsFd())
		if s.annotate.TCPFd() >= 0 {
			go s.acceptAnnotations(s.annotate.TCPFd())
		}
	}

	if s.cfg.UseUDS {
		s.listenFd, err = socket.ListenUnix(socket.StreamlineData)
	} else {
		s.listenFd, err = socket.ListenTCP(s.cfg.Port)
	}
	if err != nil {
		return err
	}
	go s.acceptHosts()

	if !s.cfg.UseUDS {
		if s.udpFd, err = startDiscovery(s.cfg.Port, s.log); err != nil {
			s.log.Warn("discovery unavailable", zap.Error(err))
		}
	}

	signal.Notify(s.signals, unix.SIGINT, unix.SIGTERM)
	signal.Notify(s.usr1, unix.SIGUSR1)

	s.log.Info("ready", zap.Int("port", s.cfg.Port), zap.Bool("uds", s.cfg.UseUDS))
	return s.eventLoop()
}

// setupProcess detaches the supervisor into its own process group, raises
// its priority and lifts the fd limit.
func (s *Supervisor) setupProcess() {
	// Fails when we already lead a session; that is fine.
	_, _ = unix.Setsid()

	if err := unix.Setpriority(unix.PRIO_PROCESS, 0, daemonPriority); err != nil {
		s.log.Debug("setpriority failed", zap.Error(err))
	}

	var lim unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &lim); err == nil && lim.Cur < minOpenFiles {
		lim.Cur = minOpenFiles
		if lim.Max < lim.Cur {
			lim.Max = lim.Cur
		}
		if err := unix.Setrlimit(unix.RLIMIT_NOFILE, &lim); err != nil {
			s.log.Debug("setrlimit failed", zap.Error(err))
		}
	}
}

func (s *Supervisor) acceptAnnotations(serverFd int) {
	for {
		if err := s.annotate.HandleAccept(serverFd); err != nil {
			return
		}
	}
}

func (s *Supervisor) acceptHosts() {
	for {
		fd, err := socket.Accept(s.listenFd)
		if err != nil {
			close(s.conns)
			return
		}
		s.conns <- fd
	}
}

func (s *Supervisor) eventLoop() error {
	for {
		select {
		case fd, ok := <-s.conns:
			if !ok {
				return errors.New("supervisor: listen socket closed")
			}
			s.handleConnection(fd)

		case code := <-s.childExits:
			s.log.Info("capture child exited", zap.Int("code", code),
				zap.String("status", child.ExitCodeMessage(code)))
			s.childProc = nil
			if s.state == stateExiting || code == child.ExitOKToExit {
				s.shutdown()
				return nil
			}
			s.state = stateIdle

		case <-s.usr1:
			s.log.Debug("live capture stopped")

		case <-s.signals:
			if s.state == stateCapturing && s.childProc != nil {
				s.log.Info("forwarding SIGINT to capture child")
				_ = s.childProc.Process.Signal(unix.SIGINT)
				s.state = stateExiting
				continue
			}
			if s.state == stateExiting {
				s.log.Warn("second signal, killing process group")
				_ = unix.Kill(0, unix.SIGKILL)
			}
			s.shutdown()
			return nil
		}
	}
}

// handleConnection starts a capture for the first host and turns any
// concurrent host away with the last capture error.
func (s *Supervisor) handleConnection(fd int) {
	if s.state != stateIdle {
		s.rejectConnection(fd)
		return
	}
	// spawnChild owns fd from here on, success or not.
	if err := s.spawnChild(fd); err != nil {
		s.lastError.Set("%v", err)
		s.log.Error("failed to start capture child", zap.Error(err))
		return
	}
	s.state = stateCapturing
	// Wake annotation clients so they reconnect into the new session.
	if s.annotate != nil {
		s.annotate.Signal()
	}
}

// rejectConnection serves one ERROR frame carrying the last error text.
func (s *Supervisor) rejectConnection(fd int) {
	f := os.NewFile(uintptr(fd), "host")
	defer f.Close()
	snd := sender.New(f, s.log)
	msg := s.lastError.Get()
	if msg == "" {
		msg = "another capture is already in progress"
	}
	_ = snd.WriteData([]byte(msg), wire.ResponseError, true)
	s.log.Info("rejected concurrent host connection")
}

// spawnChild re-execs this binary as the capture child, handing over the
// host socket as fd 3.
func (s *Supervisor) spawnChild(fd int) error {
	f := os.NewFile(uintptr(fd), "host")

	exe, err := os.Executable()
	if err != nil {
		f.Close()
		return errors.Wrap(err, "locate executable")
	}

	cmd := exec.Command(exe, childArgs(&s.cfg)...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.ExtraFiles = []*os.File{f}
	err = cmd.Start()
	// The child holds its own duplicate now either way.
	f.Close()
	if err != nil {
		return errors.Wrap(err, "spawn capture child")
	}
	s.childProc = cmd

	go func() {
		err := cmd.Wait()
		code := 0
		if exitErr, ok := err.(*exec.ExitError); ok {
			code = exitErr.ExitCode()
		} else if err != nil {
			code = child.ExitException
		}
		s.childExits <- code
	}()
	return nil
}

func (s *Supervisor) shutdown() {
	if s.childProc != nil {
		_ = s.childProc.Process.Signal(unix.SIGINT)
	}
	if s.annotate != nil {
		s.annotate.Close()
	}
	if s.listenFd >= 0 {
		unix.Close(s.listenFd)
	}
	if s.udpFd >= 0 {
		unix.Close(s.udpFd)
	}
	s.log.Info("supervisor stopped")
}
