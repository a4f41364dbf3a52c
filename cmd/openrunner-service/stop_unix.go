// Copyright 2025 The OpenRunner Authors. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

//go:build linux || darwin || freebsd
// +build linux darwin freebsd

package main

import (
	"os"
	"syscall"
)

func signalGracefulStop(p *os.Process) error {
	return p.Signal(syscall.SIGTERM)
}
