// Copyright 2025 The OpenRunner Authors. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

//go:build linux || darwin || freebsd
// +build linux darwin freebsd

package platform

import (
	"os/exec"
	"syscall"

	"github.com/openrunner/openrunner/pkg/model"
	"github.com/pkg/errors"
)

// ApplySpawnAttrs detaches the child into its own process group so the whole
// tree can be signaled by the negative root pid.
func ApplySpawnAttrs(cmd *exec.Cmd) {
	attrs := &syscall.SysProcAttr{Setpgid: true}
	hardenSpawnAttrs(attrs)
	cmd.SysProcAttr = attrs
}

// ApplyPtySpawnAttrs hardens a child that will be attached to a terminal.
// The terminal start already places it in a fresh session (which is also a
// fresh process group), so only parent-death signaling is added here.
func ApplyPtySpawnAttrs(cmd *exec.Cmd) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	hardenSpawnAttrs(cmd.SysProcAttr)
}

// GracefulShutdown sends SIGTERM to the root pid's process group.
func GracefulShutdown(rootPid int) error {
	if err := syscall.Kill(-rootPid, syscall.SIGTERM); err != nil {
		return errors.Wrapf(model.ErrPlatform, "SIGTERM group %d: %v", rootPid, err)
	}
	return nil
}

// ForceKill sends SIGKILL to the root pid's process group.
func ForceKill(rootPid int) error {
	if err := syscall.Kill(-rootPid, syscall.SIGKILL); err != nil {
		return errors.Wrapf(model.ErrPlatform, "SIGKILL group %d: %v", rootPid, err)
	}
	return nil
}

// IsProcessRunning reports whether a process with the given pid exists.
// Signal 0 performs the existence check without delivering anything.
func IsProcessRunning(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	if err == nil {
		return true
	}
	return err == syscall.EPERM
}
