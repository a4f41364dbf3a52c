// Copyright 2025 The OpenRunner Authors. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

//go:build linux || darwin || freebsd
// +build linux darwin freebsd

package httpapi

import (
	"bufio"
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openrunner/openrunner/internal/events"
	"github.com/openrunner/openrunner/internal/platform"
	"github.com/openrunner/openrunner/internal/store"
	"github.com/openrunner/openrunner/internal/supervisor"
	"github.com/openrunner/openrunner/internal/yamlmirror"
	"github.com/openrunner/openrunner/pkg/config"
	"github.com/openrunner/openrunner/pkg/model"
)

type apiFixture struct {
	srv    *httptest.Server
	broker *events.Broker
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	dir := t.TempDir()

	db, err := store.Open(filepath.Join(dir, "runner-ui.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	cfg := config.NewTest(dir)
	cfg.DefaultShell = "/bin/sh"
	cfg.GracefulTimeout = 2 * time.Second

	broker := events.NewBroker()
	projects := store.NewConfigStore(db)
	sessions := store.NewSessionStore(db)
	sup := supervisor.New(cfg, projects, sessions, broker, platform.NewLedger(filepath.Join(dir, "openrunner.pids")))
	t.Cleanup(func() { _ = sup.Shutdown() })

	mirror := yamlmirror.NewMirror(broker, cfg.YamlSuppressWindow)
	t.Cleanup(mirror.Close)

	commands := supervisor.NewCommands(cfg, sup, projects, sessions, mirror, broker, nil)
	server := NewServer(cfg, commands, broker)

	srv := httptest.NewServer(server.router())
	t.Cleanup(srv.Close)
	return &apiFixture{srv: srv, broker: broker}
}

func (f *apiFixture) postJSON(t *testing.T, path string, body interface{}) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(f.srv.URL+path, "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	return resp
}

func (f *apiFixture) get(t *testing.T, path string) *http.Response {
	t.Helper()
	resp, err := http.Get(f.srv.URL + path)
	require.NoError(t, err)
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	defer func() { _ = resp.Body.Close() }()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func TestAPI_Ready(t *testing.T) {
	f := newAPIFixture(t)
	resp := f.get(t, "/v1/ready")
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAPI_GroupLifecycle(t *testing.T) {
	f := newAPIFixture(t)

	// create
	resp := f.postJSON(t, "/v1/groups", map[string]interface{}{
		"name": "web", "directory": t.TempDir(), "syncEnabled": false,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var g model.Group
	decodeBody(t, resp, &g)
	require.NotEmpty(t, g.ID)

	// list
	resp = f.get(t, "/v1/groups")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var groups []model.Group
	decodeBody(t, resp, &groups)
	require.Len(t, groups, 1)
	assert.Equal(t, "web", groups[0].Name)

	// rename
	req, err := http.NewRequest(http.MethodPatch, f.srv.URL+"/v1/groups/"+g.ID+"/name",
		strings.NewReader(`{"name":"frontend"}`))
	require.NoError(t, err)
	renameResp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	_ = renameResp.Body.Close()
	assert.Equal(t, http.StatusNoContent, renameResp.StatusCode)

	resp = f.get(t, "/v1/groups/"+g.ID)
	var got model.Group
	decodeBody(t, resp, &got)
	assert.Equal(t, "frontend", got.Name)

	// delete
	req, err = http.NewRequest(http.MethodDelete, f.srv.URL+"/v1/groups/"+g.ID, nil)
	require.NoError(t, err)
	delResp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	_ = delResp.Body.Close()
	assert.Equal(t, http.StatusNoContent, delResp.StatusCode)
}

func TestAPI_ErrorMapping(t *testing.T) {
	f := newAPIFixture(t)

	// unknown group is a 404
	resp := f.get(t, "/v1/groups/nope")
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	// reload on an unsynced group is a 409
	created := f.postJSON(t, "/v1/groups", map[string]interface{}{
		"name": "g", "directory": t.TempDir(),
	})
	var g model.Group
	decodeBody(t, created, &g)
	resp = f.postJSON(t, "/v1/groups/"+g.ID+"/reload", map[string]interface{}{})
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	// malformed body is a 422
	badResp, err := http.Post(f.srv.URL+"/v1/groups", "application/json", strings.NewReader("{nope"))
	require.NoError(t, err)
	_ = badResp.Body.Close()
	assert.Equal(t, http.StatusUnprocessableEntity, badResp.StatusCode)
}

func TestAPI_StartWithEmptyBodyUsesDefaults(t *testing.T) {
	f := newAPIFixture(t)

	created := f.postJSON(t, "/v1/groups", map[string]interface{}{
		"name": "g", "directory": t.TempDir(),
	})
	var g model.Group
	decodeBody(t, created, &g)

	projResp := f.postJSON(t, "/v1/projects", model.Project{
		GroupID: g.ID, Name: "quick", Command: "true", Type: model.TypeTask,
	})
	require.Equal(t, http.StatusCreated, projResp.StatusCode)
	var p model.Project
	decodeBody(t, projResp, &p)

	// WHEN starting with no request body at all
	resp, err := http.Post(f.srv.URL+"/v1/processes/"+p.ID+"/start", "application/json", nil)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	// THEN the start is accepted with default options
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestAPI_ProcessRoundTrip(t *testing.T) {
	f := newAPIFixture(t)

	created := f.postJSON(t, "/v1/groups", map[string]interface{}{
		"name": "g", "directory": t.TempDir(),
	})
	var g model.Group
	decodeBody(t, created, &g)

	projResp := f.postJSON(t, "/v1/projects", model.Project{
		GroupID: g.ID, Name: "hello", Command: "echo over-http", Type: model.TypeTask,
	})
	require.Equal(t, http.StatusCreated, projResp.StatusCode)
	var p model.Project
	decodeBody(t, projResp, &p)

	startResp := f.postJSON(t, "/v1/processes/"+p.ID+"/start", map[string]interface{}{"groupId": g.ID})
	_ = startResp.Body.Close()
	require.Equal(t, http.StatusNoContent, startResp.StatusCode)

	// the task finishes on its own; its logs become readable
	require.Eventually(t, func() bool {
		resp := f.get(t, "/v1/projects/"+p.ID+"/sessions")
		var sessions []model.Session
		decodeBody(t, resp, &sessions)
		return len(sessions) == 1 && sessions[0].EndedAt != nil
	}, 5*time.Second, 50*time.Millisecond)

	logsResp := f.get(t, "/v1/projects/"+p.ID+"/logs")
	defer func() { _ = logsResp.Body.Close() }()
	buf := new(bytes.Buffer)
	_, err := buf.ReadFrom(logsResp.Body)
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "over-http")

	// statuses include the now-stopped project
	statusResp := f.get(t, "/v1/processes")
	var infos []model.ProcessInfo
	decodeBody(t, statusResp, &infos)
	require.Len(t, infos, 1)
	assert.Equal(t, model.StatusStopped, infos[0].Status)
}

func TestAPI_StartUnknownProjectIs404(t *testing.T) {
	f := newAPIFixture(t)
	resp := f.postJSON(t, "/v1/processes/ghost/start", map[string]interface{}{})
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAPI_SettingsAndSystem(t *testing.T) {
	f := newAPIFixture(t)

	req, err := http.NewRequest(http.MethodPut, f.srv.URL+"/v1/settings",
		strings.NewReader(`{"theme":"dark"}`))
	require.NoError(t, err)
	putResp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	_ = putResp.Body.Close()
	require.Equal(t, http.StatusNoContent, putResp.StatusCode)

	resp := f.get(t, "/v1/settings")
	var settings model.Settings
	decodeBody(t, resp, &settings)
	assert.Equal(t, "dark", settings["theme"])

	shellResp := f.get(t, "/v1/system/shell")
	var shell map[string]string
	decodeBody(t, shellResp, &shell)
	assert.NotEmpty(t, shell["shell"])

	dbResp := f.get(t, "/v1/system/database-path")
	var dbPath map[string]string
	decodeBody(t, dbResp, &dbPath)
	assert.True(t, strings.HasSuffix(dbPath["path"], "runner-ui.db"))
}

func TestAPI_EventsStreamDeliversBrokerEvents(t *testing.T) {
	f := newAPIFixture(t)

	resp := f.get(t, "/v1/events")
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	lines := make(chan string, 16)
	go func() {
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	// let the handler subscribe before emitting
	time.Sleep(100 * time.Millisecond)
	f.broker.EmitStatus(model.ProcessInfo{ProjectID: "p1", Status: model.StatusRunning})

	deadline := time.After(3 * time.Second)
	var sawEvent, sawData bool
	for !(sawEvent && sawData) {
		select {
		case line, ok := <-lines:
			if !ok {
				t.Fatal("stream closed before the event arrived")
			}
			if line == "event: ProcessStatusChanged" {
				sawEvent = true
			}
			if strings.HasPrefix(line, "data: ") && strings.Contains(line, `"p1"`) {
				sawData = true
			}
		case <-deadline:
			t.Fatal("no SSE event observed")
		}
	}
}
