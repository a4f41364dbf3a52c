// Copyright 2025 The OpenRunner Authors. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package platform

import (
	"os/exec"
	"strconv"
	"syscall"

	"github.com/openrunner/openrunner/pkg/model"
	"github.com/pkg/errors"
	"golang.org/x/sys/windows"
)

// ApplySpawnAttrs puts the child into a fresh process group so the tree can
// be terminated as one unit.
func ApplySpawnAttrs(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		CreationFlags: windows.CREATE_NEW_PROCESS_GROUP,
	}
}

// ApplyPtySpawnAttrs is a no-op: PTY mode is not supported on Windows.
func ApplyPtySpawnAttrs(_ *exec.Cmd) {}

// GracefulShutdown terminates the process tree via the OS helper. Windows
// has no SIGTERM equivalent that reaches a whole tree, so both the graceful
// and force paths use taskkill; the graceful one omits /F.
func GracefulShutdown(rootPid int) error {
	return taskkill(rootPid, false)
}

// ForceKill forcibly terminates the process tree.
func ForceKill(rootPid int) error {
	return taskkill(rootPid, true)
}

func taskkill(pid int, force bool) error {
	args := []string{"/T", "/PID", strconv.Itoa(pid)}
	if force {
		args = append(args, "/F")
	}
	if err := exec.Command("taskkill", args...).Run(); err != nil {
		return errors.Wrapf(model.ErrPlatform, "taskkill pid %d: %v", pid, err)
	}
	return nil
}

// IsProcessRunning reports whether a process with the given pid exists.
func IsProcessRunning(pid int) bool {
	if pid <= 0 {
		return false
	}
	h, err := windows.OpenProcess(windows.PROCESS_QUERY_LIMITED_INFORMATION, false, uint32(pid))
	if err != nil {
		return false
	}
	defer windows.CloseHandle(h)

	var code uint32
	if err := windows.GetExitCodeProcess(h, &code); err != nil {
		return false
	}
	const stillActive = 259
	return code == stillActive
}
