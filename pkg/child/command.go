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
	"os/exec"
	"os/user"
	"strconv"
	"syscall"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// Command launches the profiled workload. The process starts in its own
// group with default priority, optionally under a different user; it is
// started only once the capture's time origin exists so none of its
// activity predates the stream.
type Command struct {
	cmd    *exec.Cmd
	log    *zap.Logger
	onExit func(err error)
}

// NewCommand prepares the workload from --app and the capture user/workdir
// settings. onExit runs when the workload terminates.
func NewCommand(args []string, captureUser, workDir string, onExit func(error), log *zap.Logger) (*Command, error) {
	if len(args) == 0 || args[0] == "" {
		return nil, errors.New("command: no program given")
	}

	cmd := exec.Command(args[0], args[1:]...)
	cmd.Dir = workDir
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if captureUser != "" {
		u, err := user.Lookup(captureUser)
		if err != nil {
			return nil, errors.Wrapf(err, "command: unknown capture user %q", captureUser)
		}
		uid, err := strconv.Atoi(u.Uid)
		if err != nil {
			return nil, errors.Wrap(err, "command: parse uid")
		}
		gid, err := strconv.Atoi(u.Gid)
		if err != nil {
			return nil, errors.Wrap(err, "command: parse gid")
		}
		cmd.SysProcAttr.Credential = &syscall.Credential{Uid: uint32(uid), Gid: uint32(gid)}
	}

	return &Command{cmd: cmd, log: log.Named("command"), onExit: onExit}, nil
}

// Start launches the workload and the reaper goroutine. The daemon runs at
// raised priority; the workload is reset to the default.
func (c *Command) Start() error {
	if err := c.cmd.Start(); err != nil {
		return errors.Wrapf(err, "command: exec %q", c.cmd.Path)
	}
	if err := unix.Setpriority(unix.PRIO_PROCESS, c.cmd.Process.Pid, 0); err != nil {
		c.log.Debug("command: setpriority failed", zap.Error(err))
	}
	c.log.Info("command: started", zap.String("path", c.cmd.Path), zap.Int("pid", c.cmd.Process.Pid))

	go func() {
		err := c.cmd.Wait()
		if err != nil {
			c.log.Info("command: exited", zap.Error(err))
		} else {
			c.log.Info("command: exited")
		}
		c.onExit(err)
	}()
	return nil
}

// Pid returns the workload pid, or -1 before Start.
func (c *Command) Pid() int {
	if c.cmd.Process == nil {
		return -1
	}
	return c.cmd.Process.Pid
}

// Kill terminates the workload's process group.
func (c *Command) Kill() {
	if c.cmd.Process != nil {
		_ = unix.Kill(-c.cmd.Process.Pid, unix.SIGKILL)
	}
}
