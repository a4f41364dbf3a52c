// Copyright 2025 The OpenRunner Authors. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

//go:build darwin || freebsd
// +build darwin freebsd

package platform

import (
	"syscall"
)

// parent-death signaling is Linux-only
func hardenSpawnAttrs(_ *syscall.SysProcAttr) {}
