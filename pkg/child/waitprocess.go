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
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
)

const waitProcessPollInterval = 100 * time.Millisecond

// FindProcesses scans procRoot for processes whose comm or executable name
// matches name.
func FindProcesses(procRoot, name string) []int {
	entries, err := os.ReadDir(procRoot)
	if err != nil {
		return nil
	}
	var pids []int
	for _, e := range entries {
		pid, err := strconv.Atoi(e.Name())
		if err != nil {
			continue
		}
		if processMatches(procRoot+"/"+e.Name(), name) {
			pids = append(pids, pid)
		}
	}
	return pids
}

func processMatches(dir, name string) bool {
	if raw, err := os.ReadFile(dir + "/comm"); err == nil {
		if strings.TrimSpace(string(raw)) == name {
			return true
		}
	}
	raw, err := os.ReadFile(dir + "/cmdline")
	if err != nil || len(raw) == 0 {
		return false
	}
	argv0, _, _ := strings.Cut(string(raw), "\x00")
	return argv0 == name || strings.HasSuffix(argv0, "/"+name)
}

// WaitForProcess polls /proc until at least one process matches name or
// cancelled() reports the session ended.
func WaitForProcess(procRoot, name string, clk clock.Clock, cancelled func() bool) []int {
	for !cancelled() {
		if pids := FindProcesses(procRoot, name); len(pids) > 0 {
			return pids
		}
		clk.Sleep(waitProcessPollInterval)
	}
	return nil
}
