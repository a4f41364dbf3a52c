// Copyright 2025 The OpenRunner Authors. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package platform

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// hardenSpawnAttrs asks the kernel to SIGTERM the shell if the supervisor
// dies without running its shutdown path.
func hardenSpawnAttrs(attrs *syscall.SysProcAttr) {
	attrs.Pdeathsig = unix.SIGTERM
}
