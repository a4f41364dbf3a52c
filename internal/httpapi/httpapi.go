// Copyright 2025 The OpenRunner Authors. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

// Package httpapi exposes the command and event surfaces over a local HTTP
// server: request/response commands as JSON endpoints and the push events as
// a server-sent-events stream on /v1/events.
package httpapi

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/julienschmidt/httprouter"

	"github.com/openrunner/openrunner/internal/events"
	"github.com/openrunner/openrunner/internal/supervisor"
	"github.com/openrunner/openrunner/pkg/config"
	"github.com/openrunner/openrunner/pkg/log"
)

const (
	readyAPIPath               = "/v1/ready"
	eventsAPIPath              = "/v1/events"
	readinessProbeRetryBackoff = 100 * time.Millisecond
	readinessProbeTimeout      = 5 * time.Second
)

// ErrURLUnreachable is returned when the readiness probe never succeeds.
var ErrURLUnreachable = errors.New("cannot reach url")

// Server runtime for the command/event API.
type Server struct {
	address  string
	commands *supervisor.Commands
	broker   *events.Broker
	logger   log.Entry
	readyCh  chan struct{}
	timeout  time.Duration
}

// NewServer creates the API server bound to the configured host and port.
func NewServer(cfg *config.Config, commands *supervisor.Commands, broker *events.Broker) *Server {
	return &Server{
		address:  net.JoinHostPort(cfg.HTTPServerHost, fmt.Sprint(cfg.HTTPServerPort)),
		commands: commands,
		broker:   broker,
		logger:   log.WithComponent("httpapi.Server"),
		readyCh:  make(chan struct{}),
		timeout:  readinessProbeTimeout,
	}
}

// Serve starts the listener and blocks until the context is cancelled or the
// server dies. It returns once the readiness probe has either confirmed the
// server is answering or given up.
func (s *Server) Serve(ctx context.Context) error {
	serverErr := make(chan error, 1)

	srv := &http.Server{
		Handler: s.router(),
		Addr:    s.address,
	}

	go func() {
		defer close(serverErr)
		s.logger.WithField("address", s.address).Debug("Command API starting listening.")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
			return
		}
		s.logger.Debug("Command API stopped.")
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.logger.WithError(err).Warn("API shutdown did not drain in time")
		}
	}()

	if err := s.waitUntilReadyOrError(serverErr); err != nil {
		return err
	}
	close(s.readyCh)

	if err := <-serverErr; err != nil {
		s.logger.WithError(err).Error("unable to serve command API")
		return err
	}
	return nil
}

func (s *Server) router() *httprouter.Router {
	router := httprouter.New()

	router.GET(readyAPIPath, s.handleReady)
	router.GET(eventsAPIPath, s.handleEvents)

	// groups
	router.GET("/v1/groups", s.handleGetGroups)
	router.POST("/v1/groups", s.handleCreateGroup)
	router.GET("/v1/groups/:id", s.handleGetGroup)
	router.PATCH("/v1/groups/:id/name", s.handleRenameGroup)
	router.PATCH("/v1/groups/:id/directory", s.handleUpdateGroupDirectory)
	router.PUT("/v1/groups/:id/env", s.handleUpdateGroupEnvVars)
	router.DELETE("/v1/groups/:id", s.handleDeleteGroup)
	router.PUT("/v1/groups/:id/sync", s.handleToggleGroupSync)
	router.POST("/v1/groups/:id/reload", s.handleReloadGroup)
	router.POST("/v1/groups/:id/export", s.handleExportGroup)
	router.POST("/v1/import", s.handleImportGroup)
	router.GET("/v1/groups/:id/resolve-cwd", s.handleResolveGroupCwd)

	// projects
	router.POST("/v1/projects", s.handleCreateProject)
	router.PUT("/v1/projects/:id", s.handleUpdateProject)
	router.DELETE("/v1/projects/:id", s.handleDeleteProject)
	router.POST("/v1/projects/delete", s.handleDeleteProjects)
	router.POST("/v1/projects/convert", s.handleConvertProjects)
	router.GET("/v1/projects/:id/cwd", s.handleProjectCwd)

	// processes
	router.GET("/v1/processes", s.handleGetAllStatuses)
	router.POST("/v1/processes/:id/start", s.handleStartProcess)
	router.POST("/v1/processes/:id/stop", s.handleStopProcess)
	router.POST("/v1/processes/:id/restart", s.handleRestartProcess)
	router.POST("/v1/processes/:id/stdin", s.handleWriteStdin)
	router.POST("/v1/processes/:id/resize", s.handleResizePty)

	// sessions, logs, metrics
	router.GET("/v1/projects/:id/sessions", s.handleProjectSessions)
	router.GET("/v1/projects/:id/sessions/stats", s.handleProjectSessionsWithStats)
	router.GET("/v1/projects/:id/sessions/last-completed", s.handleLastCompletedSession)
	router.GET("/v1/projects/:id/logs", s.handleReadProjectLogs)
	router.GET("/v1/projects/:id/logs/recent", s.handleRecentLogs)
	router.DELETE("/v1/projects/:id/logs", s.handleClearProjectLogs)
	router.GET("/v1/sessions/:id", s.handleGetSession)
	router.GET("/v1/sessions/:id/logs", s.handleSessionLogs)
	router.GET("/v1/sessions/:id/metrics", s.handleSessionMetrics)
	router.GET("/v1/sessions/:id/metrics/last", s.handleLastMetric)
	router.DELETE("/v1/sessions/:id", s.handleDeleteSession)

	// settings, storage, system
	router.GET("/v1/settings", s.handleGetSettings)
	router.PUT("/v1/settings", s.handleUpdateSettings)
	router.GET("/v1/system/editor", s.handleDetectEditor)
	router.GET("/v1/system/shell", s.handleDetectShell)
	router.GET("/v1/system/database-path", s.handleDatabasePath)
	router.GET("/v1/storage/stats", s.handleStorageStats)
	router.POST("/v1/storage/cleanup", s.handleCleanupStorage)
	router.POST("/v1/storage/cleanup-all", s.handleCleanupAllStorage)

	return router
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	w.WriteHeader(http.StatusOK)
}

// waitUntilReadyOrError probes the ready endpoint until it answers, the
// server errors out, or the probe window expires.
func (s *Server) waitUntilReadyOrError(serverErrCh <-chan error) error {
	client := http.Client{}
	url := fmt.Sprintf("http://%s%s", s.address, readyAPIPath)
	timer := time.NewTimer(s.timeout)
	defer timer.Stop()

	for {
		if s.isGetSuccessful(client, url) {
			return nil
		}
		select {
		case err := <-serverErrCh:
			if err != nil {
				return err
			}
		case <-timer.C:
			return fmt.Errorf("error reading url:%s %w", url, ErrURLUnreachable)
		default:
		}
		time.Sleep(readinessProbeRetryBackoff)
	}
}

func (s *Server) isGetSuccessful(c http.Client, url string) bool {
	req, err := http.NewRequest(http.MethodGet, url, bytes.NewReader([]byte{}))
	if err != nil {
		s.logger.Warnf("cannot create request for %s, error: %s", url, err)
		return false
	}
	resp, err := c.Do(req)
	if err != nil {
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	return resp.StatusCode == http.StatusOK
}

// WaitUntilReady blocks until the server answers its readiness probe.
func (s *Server) WaitUntilReady() {
	<-s.readyCh
}
