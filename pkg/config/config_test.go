// Copyright 2025 The OpenRunner Authors. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewConfig_Defaults(t *testing.T) {
	cfg := NewConfig()

	assert.Equal(t, "runner-ui.db", cfg.DatabaseName)
	assert.Equal(t, 43210, cfg.HTTPServerPort)
	assert.Equal(t, 2*time.Second, cfg.StatsInterval)
	assert.Equal(t, 5*time.Second, cfg.GracefulTimeout)
	assert.Equal(t, 500*time.Millisecond, cfg.RestartBackoff)
}

func TestLoadConfig_FileAndEnvOverride(t *testing.T) {
	dir := t.TempDir()
	cfgFile := filepath.Join(dir, "openrunner-config.yml")
	content := "data_dir: " + dir + "\nhttp_server_port: 9999\nverbose: 1\n"
	require.NoError(t, os.WriteFile(cfgFile, []byte(content), 0o644))

	t.Setenv("OPENRUNNER_HTTP_SERVER_PORT", "8888")

	cfg, err := LoadConfig(cfgFile)
	require.NoError(t, err)

	assert.Equal(t, dir, cfg.DataDir)
	assert.Equal(t, 8888, cfg.HTTPServerPort, "environment should win over file")
	assert.Equal(t, 1, cfg.Verbose)
}

func TestLoadConfig_InvalidYAML(t *testing.T) {
	dir := t.TempDir()
	cfgFile := filepath.Join(dir, "bad.yml")
	require.NoError(t, os.WriteFile(cfgFile, []byte("{invalid"), 0o644))

	_, err := LoadConfig(cfgFile)
	assert.ErrorIs(t, err, ErrUnableToParseConfigFile)
}

func TestNormalizeConfig_BackoffFloor(t *testing.T) {
	cfg := NewTest(t.TempDir())
	cfg.RestartBackoff = 10 * time.Millisecond

	require.NoError(t, NormalizeConfig(cfg))

	assert.Equal(t, DefaultRestartBackoff, cfg.RestartBackoff,
		"backoff below the 3/s floor must be reset")
}

func TestConfig_Paths(t *testing.T) {
	cfg := NewTest(t.TempDir())
	require.NoError(t, NormalizeConfig(cfg))

	assert.Equal(t, filepath.Join(cfg.DataDir, "runner-ui.db"), cfg.DatabasePath())
	assert.Equal(t, filepath.Join(cfg.DataDir, "openrunner.pids"), cfg.PidLedgerPath())
}
