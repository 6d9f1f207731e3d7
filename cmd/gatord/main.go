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

// gatord is the profiling daemon: it collects perf-event samples, driver
// traces, GPU counters and user annotations, and streams them to the
// analysis front-end or into a local capture directory.
package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/gatord/gatord/pkg/capture"
	"github.com/gatord/gatord/pkg/child"
	"github.com/gatord/gatord/pkg/logging"
	"github.com/gatord/gatord/pkg/sender"
	"github.com/gatord/gatord/pkg/session"
)

type cliOptions struct {
	systemWide      string
	sampleRate      string
	maxDuration     int
	callStack       string
	efficientFtrace string
	stopOnExit      string
	pidCSV          string
	waitProcess     string
	countersCSV     string
	speSpecs        []string
	output          string
	port            string
	mmapPages       int
	allowCommand    bool
	tcpAnnotations  bool
	captureUser     string
	captureWorkDir  string
	debug           bool

	appArgs []string
}

func main() {
	var o cliOptions

	// --app consumes the remainder of the command line, which flag parsing
	// cannot express; split it off first.
	args := os.Args[1:]
	for i, a := range args {
		if a == "--app" {
			o.appArgs = args[i+1:]
			args = args[:i]
			break
		}
	}

	root := &cobra.Command{
		Use:           "gatord",
		Short:         "Profiling daemon for Arm targets",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(&o, false)
		},
	}
	addFlags(root, &o)

	agentChild := &cobra.Command{
		Use:    capture.ChildCommand,
		Hidden: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(&o, true)
		},
	}
	addFlags(agentChild, &o)
	root.AddCommand(agentChild)

	root.SetArgs(args)
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "gatord:", err)
		os.Exit(child.ExitException)
	}
}

func addFlags(cmd *cobra.Command, o *cliOptions) {
	f := cmd.Flags()
	f.StringVar(&o.systemWide, "system-wide", "yes", "profile every process (yes|no)")
	f.StringVar(&o.sampleRate, "sample-rate", "normal", "sampling rate (none|low|normal|high)")
	f.IntVar(&o.maxDuration, "max-duration", 0, "capture duration in seconds, 0 runs until stopped")
	f.StringVar(&o.callStack, "call-stack-unwinding", "yes", "collect call stacks (yes|no)")
	f.StringVar(&o.efficientFtrace, "use-efficient-ftrace", "yes", "use the efficient ftrace transport (yes|no)")
	f.StringVar(&o.stopOnExit, "stop-on-exit", "no", "end the capture when the --app command exits (yes|no)")
	f.StringVar(&o.pidCSV, "pid", "", "comma separated pids to profile")
	f.StringVar(&o.waitProcess, "wait-process", "", "wait for the named process before starting")
	f.StringVar(&o.countersCSV, "counters", "", "comma separated counters NAME[:EVENT]")
	f.StringArrayVar(&o.speSpecs, "spe", nil, "SPE configuration ID[:events=N][:ops=LD,ST,B][:min_latency=N]")
	f.StringVar(&o.output, "output", "", "write a local capture into this .apc directory")
	f.StringVar(&o.port, "port", strconv.Itoa(session.DefaultPort), "host TCP port, or 'uds' for the abstract socket")
	f.IntVar(&o.mmapPages, "mmap-pages", 8, "perf ring pages per CPU (power of two)")
	f.BoolVar(&o.allowCommand, "allow-command", false, "allow the host to request command execution")
	f.BoolVar(&o.tcpAnnotations, "tcp-annotations", false, "accept annotations over TCP")
	f.StringVar(&o.captureUser, "capture-user", "", "run the --app command as this user")
	f.StringVar(&o.captureWorkDir, "capture-workdir", "", "working directory for the --app command")
	f.BoolVar(&o.debug, "debug", false, "verbose logging")
}

func parseYesNo(flag, v string) (bool, error) {
	switch v {
	case "yes":
		return true, nil
	case "no":
		return false, nil
	}
	return false, fmt.Errorf("--%s must be yes or no, got %q", flag, v)
}

func buildConfig(o *cliOptions) (session.Config, error) {
	var cfg session.Config
	var err error

	if cfg.SystemWide, err = parseYesNo("system-wide", o.systemWide); err != nil {
		return cfg, err
	}
	if cfg.SampleRate, err = session.ParseSampleRate(o.sampleRate); err != nil {
		return cfg, err
	}
	unwind, err := parseYesNo("call-stack-unwinding", o.callStack)
	if err != nil {
		return cfg, err
	}
	if unwind {
		cfg.BacktraceDepth = session.BacktraceDepth
	}
	if cfg.EfficientFtrace, err = parseYesNo("use-efficient-ftrace", o.efficientFtrace); err != nil {
		return cfg, err
	}
	if cfg.StopOnExit, err = parseYesNo("stop-on-exit", o.stopOnExit); err != nil {
		return cfg, err
	}

	cfg.DurationSec = o.maxDuration
	cfg.MmapPages = o.mmapPages
	cfg.WaitProcess = o.waitProcess
	cfg.AllowCommand = o.allowCommand
	cfg.TCPAnnotations = o.tcpAnnotations
	cfg.CaptureUser = o.captureUser
	cfg.CaptureWorkDir = o.captureWorkDir
	cfg.AppArgs = o.appArgs

	if o.output != "" {
		cfg.LocalCapture = true
		cfg.APCDir = o.output
	}

	if o.port == "uds" {
		cfg.UseUDS = true
		cfg.Port = session.DefaultPort
	} else {
		if cfg.Port, err = strconv.Atoi(o.port); err != nil {
			return cfg, fmt.Errorf("--port must be a number or 'uds', got %q", o.port)
		}
	}

	if o.pidCSV != "" {
		for _, p := range strings.Split(o.pidCSV, ",") {
			pid, err := strconv.Atoi(strings.TrimSpace(p))
			if err != nil {
				return cfg, fmt.Errorf("--pid contains %q which is not a pid", p)
			}
			cfg.CapturedPids = append(cfg.CapturedPids, pid)
		}
	}
	if o.countersCSV != "" {
		cfg.CounterSpecs = strings.Split(o.countersCSV, ",")
	}
	cfg.SPESpecs = o.speSpecs

	if len(o.appArgs) == 0 && o.appArgs != nil {
		return cfg, fmt.Errorf("--app requires a command")
	}

	return cfg, cfg.Validate()
}

func run(o *cliOptions, isAgentChild bool) error {
	cfg, err := buildConfig(o)
	if err != nil {
		return err
	}

	log, err := logging.New(o.debug)
	if err != nil {
		return err
	}
	defer log.Sync()

	switch {
	case isAgentChild:
		os.Exit(runAgentChild(cfg, log))
	case cfg.LocalCapture:
		os.Exit(runLocalCapture(cfg, log))
	default:
		return capture.NewSupervisor(cfg, log).Run()
	}
	return nil
}

// runLocalCapture performs one capture into the APC directory in-process.
func runLocalCapture(cfg session.Config, log *zap.Logger) int {
	if err := capture.PrepareAPCDir(cfg.APCDir); err != nil {
		log.Error("cannot prepare capture directory", zap.Error(err))
		return child.ExitException
	}

	snd, err := sender.NewDataFile(cfg.APCDir, log)
	if err != nil {
		log.Error("cannot create capture data file", zap.Error(err))
		return child.ExitException
	}
	defer snd.Close()

	sess := session.NewSession(cfg)
	lastErr := &session.LastError{}
	code := child.New(sess, snd, nil, lastErr, log).Run()
	if code != child.ExitOK {
		// Remove the incomplete capture rather than leave a broken APC.
		_ = capture.RemoveAPCDir(cfg.APCDir)
		return code
	}

	cores, _ := os.ReadFile("/sys/devices/system/cpu/online")
	_ = capture.WriteCapturedXML(cfg.APCDir, &cfg, nil, strings.Count(string(cores), ",")+1)
	_ = capture.WriteEventsXML(cfg.APCDir, nil)
	_ = capture.WriteCountersXML(cfg.APCDir, nil)
	return child.ExitOK
}

// runAgentChild serves one live capture over the socket inherited as fd 3.
func runAgentChild(cfg session.Config, log *zap.Logger) int {
	host := os.NewFile(3, "host")
	if host == nil {
		log.Error("agent child started without a host socket")
		return child.ExitException
	}
	defer host.Close()

	snd := sender.New(host, log)
	xml := &capture.BasicXMLProvider{Cfg: &cfg}
	switch capture.SetupLoop(host, snd, xml, log) {
	case capture.SetupDisconnect:
		return child.ExitAfterCapture
	case capture.SetupExit:
		return child.ExitOKToExit
	}

	sess := session.NewSession(cfg)
	lastErr := &session.LastError{}
	return child.New(sess, snd, host, lastErr, log).Run()
}
