// Copyright 2025 The OpenRunner Authors. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

// Package stats samples CPU and resident memory for every supervised process
// tree on a fixed cadence. Per-pid readings come from gopsutil; the sampler
// keeps process handles between ticks so CPU percentages are deltas over the
// tick interval rather than lifetime averages.
package stats

import (
	"context"
	"sync"
	"time"

	"github.com/openrunner/openrunner/internal/events"
	"github.com/openrunner/openrunner/pkg/log"
	"github.com/openrunner/openrunner/pkg/model"
	"github.com/shirou/gopsutil/v3/process"
)

var sclog = log.WithComponent("stats.Collector")

// Target is one running process tree to sample.
type Target struct {
	ProjectID string
	GroupID   string
	SessionID string
	RootPid   int
}

// TargetSource yields the current running handles. The supervisor implements
// this; the collector never mutates supervisor state.
type TargetSource func() []Target

// MetricSink persists one aggregated sample for a session.
type MetricSink interface {
	InsertMetric(sessionID string, cpu float64, mem uint64) error
}

// Sample is one aggregated reading over a process tree.
type Sample struct {
	CPUPercent float64
	MemoryRSS  uint64
	Pid        int
	SampledAt  time.Time
}

// Collector runs the recurring sampler.
type Collector struct {
	interval time.Duration
	source   TargetSource
	sink     MetricSink
	broker   *events.Broker

	mu       sync.RWMutex
	snapshot map[string]Sample // keyed by project id

	// process handles survive across ticks so CPUPercent is delta-based
	procs map[int32]*process.Process
}

// NewCollector builds a collector; Run starts it.
func NewCollector(interval time.Duration, source TargetSource, sink MetricSink, broker *events.Broker) *Collector {
	return &Collector{
		interval: interval,
		source:   source,
		sink:     sink,
		broker:   broker,
		snapshot: make(map[string]Sample),
		procs:    make(map[int32]*process.Process),
	}
}

// Run ticks until the context is cancelled. A tick that overruns delays the
// next one; ticks are never coalesced into bursts.
func (c *Collector) Run(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	sclog.WithField("interval", c.interval.String()).Debug("Stats collector started.")
	for {
		select {
		case <-ctx.Done():
			sclog.Debug("Stats collector stopped.")
			return
		case <-ticker.C:
			c.tick()
		}
	}
}

// Snapshot returns the latest sample for a project, if any.
func (c *Collector) Snapshot(projectID string) (Sample, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.snapshot[projectID]
	return s, ok
}

func (c *Collector) tick() {
	targets := c.source()

	fresh := make(map[string]Sample, len(targets))
	infos := make([]model.ProcessInfo, 0, len(targets))
	seen := make(map[int32]struct{})

	for _, t := range targets {
		cpu, rss, err := c.sampleTree(int32(t.RootPid), seen)
		if err != nil {
			// one failing project must not stop the others
			sclog.WithError(err).WithProject(t.ProjectID).Debug("sampling failed, skipping project")
			continue
		}
		s := Sample{CPUPercent: cpu, MemoryRSS: rss, Pid: t.RootPid, SampledAt: time.Now()}
		fresh[t.ProjectID] = s

		cpuCopy, rssCopy := cpu, rss
		infos = append(infos, model.ProcessInfo{
			ProjectID:  t.ProjectID,
			GroupID:    t.GroupID,
			Status:     model.StatusRunning,
			Pid:        t.RootPid,
			SessionID:  t.SessionID,
			CPUPercent: &cpuCopy,
			MemoryRSS:  &rssCopy,
		})

		if t.SessionID != "" && c.sink != nil {
			if err := c.sink.InsertMetric(t.SessionID, cpu, rss); err != nil {
				sclog.WithError(err).WithProject(t.ProjectID).Warn("can't persist metric sample")
			}
		}
	}

	c.mu.Lock()
	c.snapshot = fresh
	c.mu.Unlock()

	c.dropDeadHandles(seen)

	if c.broker != nil && len(infos) > 0 {
		c.broker.Emit(events.Event{Type: events.TypeProcessStatsUpdated, ProcessStats: infos})
	}
}

// sampleTree aggregates CPU and RSS over root and all its descendants (BFS).
// A pid that vanishes or denies access mid-walk skips its subtree only.
func (c *Collector) sampleTree(root int32, seen map[int32]struct{}) (cpu float64, rss uint64, err error) {
	rootProc, err := c.handle(root)
	if err != nil {
		return 0, 0, err
	}

	queue := []*process.Process{rootProc}
	for len(queue) > 0 {
		p := queue[0]
		queue = queue[1:]
		if _, dup := seen[p.Pid]; dup {
			continue
		}
		seen[p.Pid] = struct{}{}

		if pct, cerr := p.CPUPercent(); cerr == nil {
			cpu += pct
		}
		if mem, merr := p.MemoryInfo(); merr == nil && mem != nil {
			rss += mem.RSS
		}

		children, cerr := p.Children()
		if cerr != nil {
			continue // leaf, or gone
		}
		for _, child := range children {
			cached, herr := c.handle(child.Pid)
			if herr != nil {
				continue
			}
			queue = append(queue, cached)
		}
	}
	return cpu, rss, nil
}

func (c *Collector) handle(pid int32) (*process.Process, error) {
	if p, ok := c.procs[pid]; ok {
		return p, nil
	}
	p, err := process.NewProcess(pid)
	if err != nil {
		return nil, err
	}
	// prime the CPU counter so the next tick yields a delta
	_, _ = p.CPUPercent()
	c.procs[pid] = p
	return p, nil
}

func (c *Collector) dropDeadHandles(seen map[int32]struct{}) {
	for pid := range c.procs {
		if _, ok := seen[pid]; !ok {
			delete(c.procs, pid)
		}
	}
}
