// Copyright 2025 The OpenRunner Authors. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/OpenPeeDeeP/xdg"
)

const (
	envPrefix = "openrunner"

	defaultDatabaseName  = "runner-ui.db"
	defaultPidLedgerName = "openrunner.pids"

	defaultHTTPServerHost = "localhost"
	defaultHTTPServerPort = 43210

	defaultLogFormat = "text"

	// DefaultStatsInterval is the resource sampler cadence.
	DefaultStatsInterval = 2 * time.Second
	// DefaultGracefulTimeout is the SIGTERM→SIGKILL window.
	DefaultGracefulTimeout = 5 * time.Second
	// DefaultRestartBackoff delays service auto-restarts.
	DefaultRestartBackoff = 500 * time.Millisecond
	// DefaultWatchDebounce coalesces file-change bursts.
	DefaultWatchDebounce = 500 * time.Millisecond
	// DefaultYamlSuppressWindow is the self-write suppression window.
	DefaultYamlSuppressWindow = 500 * time.Millisecond

	// floor keeping auto-restart under 3 per second
	minRestartBackoff = 334 * time.Millisecond
)

// defaultDataDir resolves the per-platform user-data directory.
func defaultDataDir() string {
	if dir := xdg.New("", "openrunner").DataHome(); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".openrunner"
	}
	return filepath.Join(home, ".openrunner")
}
