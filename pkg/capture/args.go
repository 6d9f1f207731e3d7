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
	"strconv"
	"strings"

	"github.com/gatord/gatord/pkg/session"
)

// childArgs serializes the capture configuration back into the CLI surface
// for the re-exec'd capture child.
func childArgs(cfg *session.Config) []string {
	args := []string{
		ChildCommand,
		"--system-wide", yesNo(cfg.SystemWide),
		"--sample-rate", rateName(cfg.SampleRate),
		"--max-duration", strconv.Itoa(cfg.DurationSec),
		"--call-stack-unwinding", yesNo(cfg.BacktraceDepth > 0),
		"--use-efficient-ftrace", yesNo(cfg.EfficientFtrace),
		"--stop-on-exit", yesNo(cfg.StopOnExit),
		"--mmap-pages", strconv.Itoa(cfg.MmapPages),
	}
	if len(cfg.CapturedPids) > 0 {
		var pids []string
		for _, pid := range cfg.CapturedPids {
			pids = append(pids, strconv.Itoa(pid))
		}
		args = append(args, "--pid", strings.Join(pids, ","))
	}
	if cfg.WaitProcess != "" {
		args = append(args, "--wait-process", cfg.WaitProcess)
	}
	if len(cfg.CounterSpecs) > 0 {
		args = append(args, "--counters", strings.Join(cfg.CounterSpecs, ","))
	}
	for _, spe := range cfg.SPESpecs {
		args = append(args, "--spe", spe)
	}
	if cfg.CaptureUser != "" {
		args = append(args, "--capture-user", cfg.CaptureUser)
	}
	if cfg.CaptureWorkDir != "" {
		args = append(args, "--capture-workdir", cfg.CaptureWorkDir)
	}
	if cfg.AllowCommand {
		args = append(args, "--allow-command")
	}
	// --app must stay last: it consumes the remainder.
	if len(cfg.AppArgs) > 0 {
		args = append(args, "--app")
		args = append(args, cfg.AppArgs...)
	}
	return args
}

func yesNo(v bool) string {
	if v {
		return "yes"
	}
	return "no"
}

func rateName(r session.SampleRate) string {
	switch r {
	case session.RateLow:
		return "low"
	case session.RateNormal:
		return "normal"
	case session.RateHigh:
		return "high"
	}
	return "none"
}
