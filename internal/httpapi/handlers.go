// Copyright 2025 The OpenRunner Authors. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/julienschmidt/httprouter"

	"github.com/openrunner/openrunner/pkg/model"
)

type responseError struct {
	Error string `json:"error"`
}

// statusFor maps the typed error kinds onto HTTP status codes. Anything
// unrecognized is an internal error.
func statusFor(err error) int {
	switch {
	case errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, model.ErrConflict), errors.Is(err, model.ErrState):
		return http.StatusConflict
	case errors.Is(err, model.ErrParse):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=UTF-8")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.WithError(err).Warn("couldn't encode response")
	}
}

func (s *Server) writeCreated(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=UTF-8")
	w.WriteHeader(http.StatusCreated)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.WithError(err).Warn("couldn't encode response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json; charset=UTF-8")
	w.WriteHeader(statusFor(err))
	if jerr := json.NewEncoder(w).Encode(responseError{Error: err.Error()}); jerr != nil {
		s.logger.WithError(jerr).Warn("couldn't encode a failed response")
	}
}

func (s *Server) writeText(w http.ResponseWriter, text string) {
	w.Header().Set("Content-Type", "text/plain; charset=UTF-8")
	if _, err := w.Write([]byte(text)); err != nil {
		s.logger.WithError(err).Warn("cannot write response body")
	}
}

// decode reads a JSON request body; a failure is reported as a parse error.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.writeError(w, model.ErrParse)
		return false
	}
	return true
}

// decodeOptional reads a JSON body whose fields are all optional; an empty
// body leaves v at its zero value.
func (s *Server) decodeOptional(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	err := json.NewDecoder(r.Body).Decode(v)
	if err != nil && err != io.EOF {
		s.writeError(w, model.ErrParse)
		return false
	}
	return true
}

func (s *Server) noContent(w http.ResponseWriter, err error) {
	if err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- groups ---

func (s *Server) handleGetGroups(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	groups, err := s.commands.GetGroups()
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, groups)
}

func (s *Server) handleGetGroup(w http.ResponseWriter, _ *http.Request, ps httprouter.Params) {
	g, err := s.commands.GetGroup(ps.ByName("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, g)
}

func (s *Server) handleCreateGroup(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req struct {
		Name        string `json:"name"`
		Directory   string `json:"directory"`
		SyncEnabled bool   `json:"syncEnabled"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	g, err := s.commands.CreateGroup(req.Name, req.Directory, req.SyncEnabled)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeCreated(w, g)
}

func (s *Server) handleRenameGroup(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	var req struct {
		Name string `json:"name"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	s.noContent(w, s.commands.RenameGroup(ps.ByName("id"), req.Name))
}

func (s *Server) handleUpdateGroupDirectory(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	var req struct {
		Directory string `json:"directory"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	s.noContent(w, s.commands.UpdateGroupDirectory(ps.ByName("id"), req.Directory))
}

func (s *Server) handleUpdateGroupEnvVars(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	var req struct {
		EnvVars map[string]string `json:"envVars"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	s.noContent(w, s.commands.UpdateGroupEnvVars(ps.ByName("id"), req.EnvVars))
}

func (s *Server) handleDeleteGroup(w http.ResponseWriter, _ *http.Request, ps httprouter.Params) {
	s.noContent(w, s.commands.DeleteGroup(ps.ByName("id")))
}

func (s *Server) handleToggleGroupSync(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	var req struct {
		Enabled bool `json:"enabled"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	g, err := s.commands.ToggleGroupSync(ps.ByName("id"), req.Enabled)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, g)
}

func (s *Server) handleReloadGroup(w http.ResponseWriter, _ *http.Request, ps httprouter.Params) {
	g, err := s.commands.ReloadGroupFromYaml(ps.ByName("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, g)
}

func (s *Server) handleExportGroup(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	var req struct {
		FilePath string `json:"filePath"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	s.noContent(w, s.commands.ExportGroup(ps.ByName("id"), req.FilePath))
}

func (s *Server) handleImportGroup(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req struct {
		FilePath string `json:"filePath"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	g, err := s.commands.ImportGroup(req.FilePath)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeCreated(w, g)
}

func (s *Server) handleResolveGroupCwd(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	resolved, err := s.commands.ResolveProjectWorkingDir(ps.ByName("id"), r.URL.Query().Get("cwd"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, map[string]string{"path": resolved})
}

// --- projects ---

func (s *Server) handleCreateProject(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var p model.Project
	if !s.decode(w, r, &p) {
		return
	}
	created, err := s.commands.CreateProject(p)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeCreated(w, created)
}

func (s *Server) handleUpdateProject(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	var p model.Project
	if !s.decode(w, r, &p) {
		return
	}
	p.ID = ps.ByName("id")
	s.noContent(w, s.commands.UpdateProject(p))
}

func (s *Server) handleDeleteProject(w http.ResponseWriter, _ *http.Request, ps httprouter.Params) {
	s.noContent(w, s.commands.DeleteProject(ps.ByName("id")))
}

func (s *Server) handleDeleteProjects(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req struct {
		IDs []string `json:"ids"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	s.noContent(w, s.commands.DeleteProjects(req.IDs))
}

func (s *Server) handleConvertProjects(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req struct {
		IDs  []string          `json:"ids"`
		Type model.ProjectType `json:"type"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	if !req.Type.Valid() {
		s.writeError(w, model.ErrParse)
		return
	}
	s.noContent(w, s.commands.ConvertProjects(req.IDs, req.Type))
}

func (s *Server) handleProjectCwd(w http.ResponseWriter, _ *http.Request, ps httprouter.Params) {
	resolved, err := s.commands.ResolveWorkingDirByProject(ps.ByName("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, map[string]string{"path": resolved})
}

// --- processes ---

func (s *Server) handleGetAllStatuses(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	infos, err := s.commands.GetAllStatuses()
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, infos)
}

func (s *Server) handleStartProcess(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	var req struct {
		GroupID string `json:"groupId"`
		Cols    uint16 `json:"cols"`
		Rows    uint16 `json:"rows"`
	}
	// the whole body is optional; a bare start uses default PTY dimensions
	if !s.decodeOptional(w, r, &req) {
		return
	}
	s.noContent(w, s.commands.StartProcess(req.GroupID, ps.ByName("id"), req.Cols, req.Rows))
}

func (s *Server) handleStopProcess(w http.ResponseWriter, _ *http.Request, ps httprouter.Params) {
	s.noContent(w, s.commands.StopProcess(ps.ByName("id")))
}

func (s *Server) handleRestartProcess(w http.ResponseWriter, _ *http.Request, ps httprouter.Params) {
	s.noContent(w, s.commands.RestartProcess(ps.ByName("id")))
}

func (s *Server) handleWriteStdin(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	var req struct {
		Data string `json:"data"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	s.noContent(w, s.commands.WriteToProcessStdin(ps.ByName("id"), []byte(req.Data)))
}

func (s *Server) handleResizePty(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	var req struct {
		Cols uint16 `json:"cols"`
		Rows uint16 `json:"rows"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	s.noContent(w, s.commands.ResizePty(ps.ByName("id"), req.Cols, req.Rows))
}

// --- sessions, logs, metrics ---

func (s *Server) handleProjectSessions(w http.ResponseWriter, _ *http.Request, ps httprouter.Params) {
	sessions, err := s.commands.GetProjectSessions(ps.ByName("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, sessions)
}

func (s *Server) handleProjectSessionsWithStats(w http.ResponseWriter, _ *http.Request, ps httprouter.Params) {
	sessions, err := s.commands.GetProjectSessionsWithStats(ps.ByName("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, sessions)
}

func (s *Server) handleLastCompletedSession(w http.ResponseWriter, _ *http.Request, ps httprouter.Params) {
	sess, err := s.commands.GetLastCompletedSession(ps.ByName("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, sess)
}

func (s *Server) handleGetSession(w http.ResponseWriter, _ *http.Request, ps httprouter.Params) {
	sess, err := s.commands.GetSession(ps.ByName("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, sess)
}

func (s *Server) handleSessionLogs(w http.ResponseWriter, _ *http.Request, ps httprouter.Params) {
	logs, err := s.commands.GetSessionLogs(ps.ByName("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeText(w, logs)
}

func (s *Server) handleSessionMetrics(w http.ResponseWriter, _ *http.Request, ps httprouter.Params) {
	metrics, err := s.commands.GetSessionMetrics(ps.ByName("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, metrics)
}

func (s *Server) handleLastMetric(w http.ResponseWriter, _ *http.Request, ps httprouter.Params) {
	metric, err := s.commands.GetLastMetric(ps.ByName("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, metric)
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, _ *http.Request, ps httprouter.Params) {
	s.noContent(w, s.commands.DeleteSession(ps.ByName("id")))
}

func (s *Server) handleReadProjectLogs(w http.ResponseWriter, _ *http.Request, ps httprouter.Params) {
	logs, err := s.commands.ReadProjectLogs(ps.ByName("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeText(w, logs)
}

func (s *Server) handleRecentLogs(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	limit := 1000
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			s.writeError(w, model.ErrParse)
			return
		}
		limit = parsed
	}
	logs, err := s.commands.GetRecentLogs(ps.ByName("id"), limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, logs)
}

func (s *Server) handleClearProjectLogs(w http.ResponseWriter, _ *http.Request, ps httprouter.Params) {
	s.noContent(w, s.commands.ClearProjectLogs(ps.ByName("id")))
}

// --- settings, storage, system ---

func (s *Server) handleGetSettings(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	settings, err := s.commands.GetSettings()
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, settings)
}

func (s *Server) handleUpdateSettings(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var settings model.Settings
	if !s.decode(w, r, &settings) {
		return
	}
	s.noContent(w, s.commands.UpdateSettings(settings))
}

func (s *Server) handleDetectEditor(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	s.writeJSON(w, map[string]string{"editor": s.commands.DetectSystemEditor()})
}

func (s *Server) handleDetectShell(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	shell, err := s.commands.DetectSystemShell()
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, map[string]string{"shell": shell})
}

func (s *Server) handleDatabasePath(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	s.writeJSON(w, map[string]string{"path": s.commands.GetDatabasePath()})
}

func (s *Server) handleStorageStats(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	stats, err := s.commands.GetStorageStats()
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, stats)
}

func (s *Server) handleCleanupStorage(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req struct {
		Days int `json:"days"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	removed, err := s.commands.CleanupStorage(req.Days)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, map[string]int64{"removed": removed})
}

func (s *Server) handleCleanupAllStorage(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	removed, err := s.commands.CleanupAllStorage()
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, map[string]int64{"removed": removed})
}
