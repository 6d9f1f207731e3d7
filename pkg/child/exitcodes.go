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

// Process exit codes shared between the capture child and its supervisor.
const (
	ExitOK              = 0
	ExitException       = 1
	ExitSecondException = 2
	ExitSecondSignal    = 3
	ExitAlarm           = 4
	ExitNoSingleton     = 5
	ExitSignalFailed    = 6
	ExitOKToExit        = 7
	ExitCommandFailed   = 8
	ExitAfterCapture    = 9
)

// ExitCodeMessage maps a child exit status to a supervisor log line.
func ExitCodeMessage(code int) string {
	switch code {
	case ExitOK:
		return "capture completed"
	case ExitException:
		return "capture failed"
	case ExitSecondException:
		return "capture failed during error handling"
	case ExitSecondSignal:
		return "capture aborted by repeated signal"
	case ExitAlarm:
		return "capture shutdown watchdog fired"
	case ExitNoSingleton:
		return "capture child could not register itself"
	case ExitSignalFailed:
		return "capture child could not install signal handlers"
	case ExitOKToExit:
		return "host requested daemon exit"
	case ExitCommandFailed:
		return "launched command failed"
	case ExitAfterCapture:
		return "capture child exited after capture"
	}
	return "unknown exit status"
}
