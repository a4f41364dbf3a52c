// Copyright 2025 The OpenRunner Authors. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

//go:build windows
// +build windows

package main

import "os"

// Windows has no cross-console graceful signal for a detached child; the
// core's own SCM integration handles clean shutdown, so terminate directly.
func signalGracefulStop(p *os.Process) error {
	return p.Kill()
}
