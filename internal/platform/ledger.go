// Copyright 2025 The OpenRunner Authors. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package platform

import (
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/openrunner/openrunner/pkg/log"
	"github.com/pkg/errors"
)

var ldlog = log.WithComponent("platform.Ledger")

// Ledger is the orphan-pid file: one decimal root pid per line for every
// child currently running. It is rewritten on every change and truncated on
// clean shutdown, so pids found in it at startup belong to a crashed run.
type Ledger struct {
	mu   sync.Mutex
	path string
	pids map[int]struct{}
}

// NewLedger opens (creating if needed) the ledger at path.
func NewLedger(path string) *Ledger {
	return &Ledger{path: path, pids: make(map[int]struct{})}
}

// Load reads the pids recorded by a previous run.
func (l *Ledger) Load() ([]int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	raw, err := os.ReadFile(l.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "can't read pid ledger")
	}

	var pids []int
	for _, line := range strings.Split(string(raw), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		pid, err := strconv.Atoi(line)
		if err != nil {
			ldlog.WithField("line", line).Warn("skipping malformed ledger line")
			continue
		}
		pids = append(pids, pid)
	}
	return pids, nil
}

// Add records a freshly spawned root pid.
func (l *Ledger) Add(pid int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pids[pid] = struct{}{}
	return l.flush()
}

// Remove drops a reaped root pid.
func (l *Ledger) Remove(pid int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.pids, pid)
	return l.flush()
}

// Clear truncates the ledger. Called on clean shutdown after every child has
// been stopped.
func (l *Ledger) Clear() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pids = make(map[int]struct{})
	return l.flush()
}

func (l *Ledger) flush() error {
	var sb strings.Builder
	for pid := range l.pids {
		sb.WriteString(strconv.Itoa(pid))
		sb.WriteByte('\n')
	}
	if err := os.WriteFile(l.path, []byte(sb.String()), 0o644); err != nil {
		return errors.Wrap(err, "can't write pid ledger")
	}
	return nil
}

// KillOrphanedProcesses force-kills every pid still alive from a previous
// run and truncates the ledger. Must run before any new spawn.
func (l *Ledger) KillOrphanedProcesses() error {
	pids, err := l.Load()
	if err != nil {
		return err
	}
	for _, pid := range pids {
		if !IsProcessRunning(pid) {
			continue
		}
		ldlog.WithField("pid", pid).Warn("reaping orphaned process from previous run")
		if err := ForceKill(pid); err != nil {
			ldlog.WithError(err).WithField("pid", pid).Warn("can't kill orphan group, trying single pid")
			if p, perr := os.FindProcess(pid); perr == nil {
				_ = p.Kill()
			}
		}
	}
	return l.Clear()
}
