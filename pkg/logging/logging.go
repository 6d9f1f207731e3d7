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

// Package logging builds the process logger. Besides the console core, if
// GATORD_LOG_FILE_PATH names an existing directory a per-pid TSV mirror of
// every structured message is written there, which is how the host-side
// tooling collects agent logs.
package logging

import (
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// EnvLogDir is the environment variable naming the TSV mirror directory.
const EnvLogDir = "GATORD_LOG_FILE_PATH"

// New constructs the root logger. debug selects the console verbosity; the
// TSV mirror always records down to debug level.
func New(debug bool) (*zap.Logger, error) {
	level := zapcore.InfoLevel
	if debug {
		level = zapcore.DebugLevel
	}

	consoleEnc := zapcore.NewConsoleEncoder(zapcore.EncoderConfig{
		TimeKey:        "ts",
		LevelKey:       "level",
		NameKey:        "logger",
		MessageKey:     "msg",
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeLevel:    zapcore.CapitalLevelEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
	})
	cores := []zapcore.Core{
		zapcore.NewCore(consoleEnc, zapcore.Lock(os.Stderr), level),
	}

	if dir := os.Getenv(EnvLogDir); dir != "" {
		if st, err := os.Stat(dir); err == nil && st.IsDir() {
			f, err := os.OpenFile(
				filepath.Join(dir, fmt.Sprintf("gatord-%d.log", os.Getpid())),
				os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
			if err != nil {
				return nil, err
			}
			tsvEnc := zapcore.NewConsoleEncoder(zapcore.EncoderConfig{
				TimeKey:          "ts",
				LevelKey:         "level",
				NameKey:          "logger",
				MessageKey:       "msg",
				EncodeTime:       zapcore.EpochMillisTimeEncoder,
				EncodeLevel:      zapcore.LowercaseLevelEncoder,
				ConsoleSeparator: "\t",
			})
			cores = append(cores, zapcore.NewCore(tsvEnc, zapcore.AddSync(f), zapcore.DebugLevel))
		}
	}

	return zap.New(zapcore.NewTee(cores...)), nil
}
