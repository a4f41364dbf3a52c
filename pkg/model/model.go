// Copyright 2025 The OpenRunner Authors. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

// Package model holds the data types shared across the OpenRunner core:
// groups, projects, sessions, log chunks, metric points and the closed
// enumerations used by the command and event surfaces.
package model

import (
	"time"
)

// ProjectType discriminates long-running services from one-shot tasks.
type ProjectType string

const (
	TypeService ProjectType = "service"
	TypeTask    ProjectType = "task"
)

// Valid returns whether t is one of the known project types.
func (t ProjectType) Valid() bool {
	return t == TypeService || t == TypeTask
}

// ProcessStatus is the externally visible state of a supervised process.
type ProcessStatus string

const (
	StatusStopped  ProcessStatus = "stopped"
	StatusStarting ProcessStatus = "starting"
	StatusRunning  ProcessStatus = "running"
	StatusStopping ProcessStatus = "stopping"
	StatusErrored  ProcessStatus = "errored"
)

// ExitStatus is the terminal status recorded on a session. A session that is
// still running carries ExitRunning (persisted as NULL ended_at).
type ExitStatus string

const (
	ExitRunning ExitStatus = "running"
	ExitStopped ExitStatus = "stopped"
	ExitErrored ExitStatus = "errored"
)

// LogStream tags a log chunk with its origin pipe.
type LogStream string

const (
	StreamStdout LogStream = "stdout"
	StreamStderr LogStream = "stderr"
)

// Group is a named collection of projects sharing a working directory and a
// base environment. When SyncEnabled is set, YamlPath points at the
// openrunner.yaml file mirroring the group.
type Group struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	Directory   string            `json:"directory"`
	Projects    []Project         `json:"projects"`
	EnvVars     map[string]string `json:"envVars,omitempty"`
	YamlPath    string            `json:"yamlPath,omitempty"`
	SyncEnabled bool              `json:"syncEnabled"`
}

// Project is a single shell command under supervision, owned by one group.
type Project struct {
	ID                string            `json:"id"`
	GroupID           string            `json:"groupId"`
	Name              string            `json:"name"`
	Command           string            `json:"command"`
	Type              ProjectType       `json:"type"`
	AutoRestart       bool              `json:"autoRestart"`
	EnvVars           map[string]string `json:"envVars,omitempty"`
	Cwd               string            `json:"cwd,omitempty"`
	Interactive       bool              `json:"interactive"`
	WatchPatterns     []string          `json:"watchPatterns,omitempty"`
	AutoStartOnLaunch bool              `json:"autoStartOnLaunch,omitempty"`
}

// Session is one run of a project's process, from spawn to final exit.
type Session struct {
	ID         string     `json:"id"`
	ProjectID  string     `json:"projectId"`
	StartedAt  time.Time  `json:"startedAt"`
	EndedAt    *time.Time `json:"endedAt,omitempty"`
	ExitStatus ExitStatus `json:"exitStatus"`
}

// SessionWithStats augments a session with per-session log and metric
// aggregates for listing views.
type SessionWithStats struct {
	Session
	LogCount    int64 `json:"logCount"`
	LogSize     int64 `json:"logSize"`
	MetricCount int64 `json:"metricCount"`
}

// LogChunk is an immutable piece of process output. Data is raw bytes as
// produced by the child, partial lines and ANSI escapes included.
type LogChunk struct {
	ID        int64     `json:"id"`
	SessionID string    `json:"sessionId"`
	Stream    LogStream `json:"stream"`
	Data      []byte    `json:"data"`
	Timestamp time.Time `json:"timestamp"`
}

// MetricPoint is one aggregated CPU/memory sample over a process tree.
// CPUPercent is the whole-tree aggregate, not normalized by core count.
type MetricPoint struct {
	ID         int64     `json:"id"`
	SessionID  string    `json:"sessionId"`
	Timestamp  time.Time `json:"timestamp"`
	CPUPercent float64   `json:"cpuPercent"`
	MemoryRSS  uint64    `json:"memoryRss"`
}

// ProcessInfo is the status snapshot pushed to the UI on every status change
// and on every stats tick.
type ProcessInfo struct {
	ProjectID  string        `json:"projectId"`
	GroupID    string        `json:"groupId"`
	Status     ProcessStatus `json:"status"`
	Pid        int           `json:"pid,omitempty"`
	SessionID  string        `json:"sessionId,omitempty"`
	CPUPercent *float64      `json:"cpuPercent,omitempty"`
	MemoryRSS  *uint64       `json:"memoryRss,omitempty"`
}

// StorageStats summarizes what the session store currently holds.
type StorageStats struct {
	SessionCount int64 `json:"sessionCount"`
	LogCount     int64 `json:"logCount"`
	LogSize      int64 `json:"logSize"`
	MetricCount  int64 `json:"metricCount"`
	DatabaseSize int64 `json:"databaseSize"`
}

// Settings is the free-form application settings bag persisted in the
// settings table. Keys the UI currently uses: defaultShell, editor, theme.
type Settings map[string]string
