// Copyright 2025 The OpenRunner Authors. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package supervisor

import (
	"os/exec"
	"sync"

	"github.com/openrunner/openrunner/internal/iopump"
	"github.com/openrunner/openrunner/internal/watcher"
	"github.com/openrunner/openrunner/pkg/model"
)

// handle is the in-memory state of one running child. It exists from the
// Starting transition until the exit observer tears it down; everything else
// about the project lives in the stores.
type handle struct {
	projectID string
	groupID   string
	sessionID string
	kind      model.ProjectType

	cmd     *exec.Cmd
	pty     *iopump.PTY
	rootPid int

	autoRestart bool
	interactive bool

	fw *watcher.ProjectWatcher

	mu       sync.Mutex
	status   model.ProcessStatus
	stopping bool
	// exited closes when the exit observer has run; Stop waits on it
	exited chan struct{}
}

func (h *handle) setStatus(s model.ProcessStatus) {
	h.mu.Lock()
	h.status = s
	h.mu.Unlock()
}

func (h *handle) getStatus() model.ProcessStatus {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status
}

func (h *handle) markStopping() {
	h.mu.Lock()
	h.stopping = true
	h.status = model.StatusStopping
	h.mu.Unlock()
}

func (h *handle) isStopping() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stopping
}
