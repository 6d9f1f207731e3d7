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

package perf

import (
	"os"
	"strconv"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/gatord/gatord/pkg/session"
)

// Tracepoint names the daemon knows how to wire. The mali_ prefix covers
// the vendor GPU tracepoints.
var tracepointPaths = map[string]string{
	"sched_switch":  "sched/sched_switch",
	"cpu_idle":      "power/cpu_idle",
	"cpu_frequency": "power/cpu_frequency",
}

// derivedSuffixes name counters computed on the host from other events; they
// get a wire key but no fd.
var derivedSuffixes = []string{"_system", "_user"}

const derivedContention = "cpu_wait_contention"

// tracingRoots are tried in order when resolving a tracepoint id.
var tracingRoots = []string{
	"/sys/kernel/tracing/events",
	"/sys/kernel/debug/tracing/events",
}

// Assignment is the result of mapping the enabled counters onto perf
// events.
type Assignment struct {
	Groups    []*Group
	Synthetic []session.Counter // derived counters emitted without an fd
	Disabled  []session.Counter // counters whose resolution failed
}

// Assigner builds perf events from resolved counters.
type Assigner struct {
	caps     Capabilities
	cfg      *session.Config
	clusters []Cluster
	log      *zap.Logger
}

// Cluster is a set of CPUs sharing one PMU type.
type Cluster struct {
	PMU  PMU
	CPUs []int
}

// NewAssigner creates an assigner over the detected CPU clusters.
func NewAssigner(caps Capabilities, cfg *session.Config, clusters []Cluster, log *zap.Logger) *Assigner {
	return &Assigner{caps: caps, cfg: cfg, clusters: clusters, log: log}
}

// DetectClusters pairs CPU PMUs with their cpu sets. With no recognised CPU
// PMU a single raw-architected cluster covering every present CPU is
// returned.
func DetectClusters(pmus []PMU, present []int, log *zap.Logger) []Cluster {
	var clusters []Cluster
	for _, pmu := range pmus {
		if pmu.IsCPUPMU() {
			clusters = append(clusters, Cluster{PMU: pmu, CPUs: pmu.CPUs})
		}
	}
	if len(clusters) == 0 {
		log.Info("perf: no CPU PMU recognised, using raw architected counters")
		clusters = append(clusters, Cluster{
			PMU:  PMU{Name: "cpu", Type: unix.PERF_TYPE_RAW},
			CPUs: present,
		})
	}
	return clusters
}

// Assign maps every enabled counter onto events grouped per (cluster,
// per-cpu), one pinned cycle-counter leader per group.
func (a *Assigner) Assign(counters []session.Counter) Assignment {
	var out Assignment
	perCluster := make([][]*Event, len(a.clusters))

	for _, c := range counters {
		switch {
		case !c.Enabled():
			out.Disabled = append(out.Disabled, c)
		case isDerived(c.Name):
			out.Synthetic = append(out.Synthetic, c)
		case tracepointName(c.Name) != "":
			ev, ok := a.tracepointEvent(c)
			if !ok {
				out.Disabled = append(out.Disabled, c)
				continue
			}
			// Tracepoints fire on every cluster's CPUs; attach to the first.
			perCluster[0] = append(perCluster[0], ev)
		default:
			cluster := a.clusterFor(c)
			perCluster[cluster] = append(perCluster[cluster], a.pmuEvent(c, cluster))
		}
	}

	for i, events := range perCluster {
		if len(events) == 0 {
			continue
		}
		ordered := leaderFirst(events)
		g := newGroup(i, true, ordered, a.cfg)
		g.CPUs = a.clusters[i].CPUs
		out.Groups = append(out.Groups, g)
	}
	return out
}

// clusterFor picks the cluster whose PMU the counter names, defaulting to
// the first.
func (a *Assigner) clusterFor(c session.Counter) int {
	for i, cl := range a.clusters {
		if strings.HasPrefix(c.Name, cl.PMU.Name) || strings.Contains(c.Name, cl.PMU.Name) {
			return i
		}
	}
	return 0
}

func (a *Assigner) pmuEvent(c session.Counter, cluster int) *Event {
	ev := &Event{
		Key:     c.Key,
		Type:    a.clusters[cluster].PMU.Type,
		Config:  uint64(c.EventCode),
		Period:  uint64(c.Period),
		Flags:   FlagPerCPU | FlagClusterPinned | FlagSampleIDAll,
		Cluster: cluster,
	}
	if isCycleCounter(c.Name) {
		ev.Flags |= FlagLeader
	}
	return ev
}

func (a *Assigner) tracepointEvent(c session.Counter) (*Event, bool) {
	id, err := TracepointID(tracepointName(c.Name))
	if err != nil {
		a.log.Info("perf: tracepoint unavailable", zap.String("counter", c.Name), zap.Error(err))
		return nil, false
	}
	return &Event{
		Key:     c.Key,
		Type:    unix.PERF_TYPE_TRACEPOINT,
		Config:  uint64(id),
		Period:  1,
		Flags:   FlagPerCPU | FlagSampleIDAll | FlagKernel,
		Cluster: 0,
	}, true
}

// leaderFirst moves the pinned cycle-counter leader (or, failing that, the
// first event promoted to leader) to the front.
func leaderFirst(events []*Event) []*Event {
	for i, ev := range events {
		if ev.Leader() {
			events[0], events[i] = events[i], events[0]
			return events
		}
	}
	events[0].Flags |= FlagLeader
	return events
}

// isCycleCounter recognises the cycle counters preferred as group leaders.
func isCycleCounter(name string) bool {
	lower := strings.ToLower(name)
	return strings.HasSuffix(lower, "_cycles") || strings.HasSuffix(lower, "_cnt") ||
		lower == "cycles" || strings.Contains(lower, "cpu_cycles")
}

// isDerived recognises host-computed counters that get a key but no fd.
func isDerived(name string) bool {
	if name == derivedContention {
		return true
	}
	for _, suffix := range derivedSuffixes {
		if strings.HasSuffix(name, suffix) {
			return true
		}
	}
	return false
}

// tracepointName returns the event path for a tracepoint-backed counter, or
// empty when the counter is not a tracepoint.
func tracepointName(counter string) string {
	if p, ok := tracepointPaths[counter]; ok {
		return p
	}
	if strings.HasPrefix(counter, "mali_") {
		return "mali/" + counter
	}
	return ""
}

// TracepointID resolves a tracepoint id from the tracing filesystem.
func TracepointID(path string) (int64, error) {
	var lastErr error
	for _, root := range tracingRoots {
		raw, err := os.ReadFile(root + "/" + path + "/id")
		if err != nil {
			lastErr = err
			continue
		}
		return strconv.ParseInt(strings.TrimSpace(string(raw)), 10, 64)
	}
	return 0, lastErr
}
