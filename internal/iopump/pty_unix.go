// Copyright 2025 The OpenRunner Authors. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

//go:build linux || darwin || freebsd
// +build linux darwin freebsd

package iopump

import (
	"os"
	"os/exec"
	"sync"

	"github.com/creack/pty"
	"github.com/openrunner/openrunner/pkg/model"
	"github.com/pkg/errors"
)

// PTY wraps an allocated pseudo-terminal master. The child runs with the
// slave as its controlling terminal in a fresh session, so signaling the
// negative root pid still reaches the whole tree.
type PTY struct {
	master  *os.File
	writeMu sync.Mutex
}

// StartPTY spawns cmd attached to a new pseudo-terminal sized cols x rows.
// Zero dimensions fall back to 80x24.
func StartPTY(cmd *exec.Cmd, cols, rows uint16) (*PTY, error) {
	if cols == 0 {
		cols = 80
	}
	if rows == 0 {
		rows = 24
	}
	master, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: cols, Rows: rows})
	if err != nil {
		return nil, errors.Wrapf(model.ErrSpawn, "pty start: %v", err)
	}
	return &PTY{master: master}, nil
}

// Reader returns the multiplexed output stream of the terminal.
func (p *PTY) Reader() *os.File {
	return p.master
}

// WriteStdin forwards bytes to the child's terminal input. Serialized so UI
// keystrokes never interleave mid-sequence.
func (p *PTY) WriteStdin(data []byte) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	if _, err := p.master.Write(data); err != nil {
		return errors.Wrapf(model.ErrPlatform, "pty write: %v", err)
	}
	return nil
}

// Resize adjusts the terminal dimensions.
func (p *PTY) Resize(cols, rows uint16) error {
	if err := pty.Setsize(p.master, &pty.Winsize{Cols: cols, Rows: rows}); err != nil {
		return errors.Wrapf(model.ErrPlatform, "pty resize: %v", err)
	}
	return nil
}

// Close releases the master side. The child observes EOF/SIGHUP.
func (p *PTY) Close() error {
	return p.master.Close()
}
