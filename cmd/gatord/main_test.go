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

package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gatord/gatord/pkg/session"
)

func defaultOptions() cliOptions {
	return cliOptions{
		systemWide:      "yes",
		sampleRate:      "normal",
		callStack:       "yes",
		efficientFtrace: "yes",
		stopOnExit:      "no",
		port:            "8080",
		mmapPages:       8,
	}
}

func TestBuildConfigDefaults(t *testing.T) {
	o := defaultOptions()
	cfg, err := buildConfig(&o)
	require.NoError(t, err)

	assert.True(t, cfg.SystemWide)
	assert.Equal(t, session.RateNormal, cfg.SampleRate)
	assert.Equal(t, session.BacktraceDepth, cfg.BacktraceDepth)
	assert.Equal(t, 8080, cfg.Port)
	assert.False(t, cfg.UseUDS)
	assert.False(t, cfg.LocalCapture)
}

func TestBuildConfigRejectsBadMmapPages(t *testing.T) {
	o := defaultOptions()
	o.mmapPages = 3
	_, err := buildConfig(&o)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not a power of 2")
}

func TestBuildConfigRejectsEmptyApp(t *testing.T) {
	o := defaultOptions()
	o.appArgs = []string{}
	_, err := buildConfig(&o)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--app")
}

func TestBuildConfigUDS(t *testing.T) {
	o := defaultOptions()
	o.port = "uds"
	cfg, err := buildConfig(&o)
	require.NoError(t, err)
	assert.True(t, cfg.UseUDS)

	o.port = "not-a-port"
	_, err = buildConfig(&o)
	assert.Error(t, err)
}

func TestBuildConfigPids(t *testing.T) {
	o := defaultOptions()
	o.pidCSV = "100, 200,300"
	cfg, err := buildConfig(&o)
	require.NoError(t, err)
	assert.Equal(t, []int{100, 200, 300}, cfg.CapturedPids)

	o.pidCSV = "100,abc"
	_, err = buildConfig(&o)
	assert.Error(t, err)
}

func TestBuildConfigCallStackOff(t *testing.T) {
	o := defaultOptions()
	o.callStack = "no"
	cfg, err := buildConfig(&o)
	require.NoError(t, err)
	assert.Zero(t, cfg.BacktraceDepth)

	o.callStack = "maybe"
	_, err = buildConfig(&o)
	assert.Error(t, err)
}

func TestBuildConfigLocalCapture(t *testing.T) {
	o := defaultOptions()
	o.output = "/tmp/cap.apc"
	cfg, err := buildConfig(&o)
	require.NoError(t, err)
	assert.True(t, cfg.LocalCapture)
	assert.Equal(t, "/tmp/cap.apc", cfg.APCDir)
}

func TestBuildConfigDuration(t *testing.T) {
	o := defaultOptions()
	o.maxDuration = 0
	cfg, err := buildConfig(&o)
	require.NoError(t, err)
	assert.Zero(t, cfg.Duration(), "zero duration runs until told to stop")

	o.maxDuration = -1
	_, err = buildConfig(&o)
	assert.Error(t, err)
}
