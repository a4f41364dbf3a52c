// Copyright 2025 The OpenRunner Authors. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package supervisor

import (
	"fmt"
	"path/filepath"

	"github.com/openrunner/openrunner/internal/events"
	"github.com/openrunner/openrunner/internal/platform"
	"github.com/openrunner/openrunner/internal/stats"
	"github.com/openrunner/openrunner/internal/store"
	"github.com/openrunner/openrunner/internal/yamlmirror"
	"github.com/openrunner/openrunner/pkg/config"
	"github.com/openrunner/openrunner/pkg/log"
	"github.com/openrunner/openrunner/pkg/model"
)

var cmlog = log.WithComponent("supervisor.Commands")

// Commands is the single entry point for everything the UI may ask the core
// to do. It orchestrates the config store, the session store, the YAML
// mirror and the supervisor so individual handlers stay thin; the mutation
// ordering rules (stop before delete, stop-then-replace on reload, mirror
// rewrite after config change) live here.
type Commands struct {
	cfg       *config.Config
	sup       *Supervisor
	projects  *store.ConfigStore
	sessions  *store.SessionStore
	mirror    *yamlmirror.Mirror
	broker    *events.Broker
	collector *stats.Collector
}

// NewCommands wires the command layer. collector may be nil in tests; stats
// enrichment is then skipped.
func NewCommands(cfg *config.Config, sup *Supervisor, projects *store.ConfigStore, sessions *store.SessionStore, mirror *yamlmirror.Mirror, broker *events.Broker, collector *stats.Collector) *Commands {
	return &Commands{
		cfg:       cfg,
		sup:       sup,
		projects:  projects,
		sessions:  sessions,
		mirror:    mirror,
		broker:    broker,
		collector: collector,
	}
}

// WatchSyncedGroups arms the mirror watcher for every sync-enabled group.
// Called once at boot, after the store is open.
func (c *Commands) WatchSyncedGroups() {
	groups, err := c.projects.ListGroups()
	if err != nil {
		cmlog.WithError(err).Warn("can't list groups for mirror watching")
		return
	}
	for _, g := range groups {
		if !g.SyncEnabled || g.YamlPath == "" {
			continue
		}
		if err := c.mirror.Watch(g.ID, g.YamlPath); err != nil {
			cmlog.WithError(err).WithGroup(g.ID).Warn("can't watch mirrored file")
		}
	}
}

// --- groups ---

func (c *Commands) GetGroups() ([]model.Group, error) {
	return c.projects.ListGroups()
}

func (c *Commands) GetGroup(id string) (model.Group, error) {
	return c.projects.GetGroup(id)
}

// CreateGroup creates a group. With syncEnabled an existing openrunner.yaml
// in the directory seeds the project list (import semantics); otherwise the
// mirror file is written immediately so the sync invariant holds from the
// first moment.
func (c *Commands) CreateGroup(name, directory string, syncEnabled bool) (model.Group, error) {
	g := model.Group{Name: name, Directory: directory, SyncEnabled: syncEnabled}

	if syncEnabled {
		if path, found := yamlmirror.FindFile(directory); found {
			parsed, err := yamlmirror.Parse(path)
			if err != nil {
				return model.Group{}, err
			}
			g = yamlmirror.ToGroup(parsed, directory, path)
			g.Name = name
		} else {
			g.YamlPath = filepath.Join(directory, yamlmirror.DefaultFileName)
		}
	}

	created, err := c.projects.CreateGroup(g)
	if err != nil {
		return model.Group{}, err
	}
	if syncEnabled {
		if err := c.mirror.Write(created, created.YamlPath); err != nil {
			return model.Group{}, err
		}
		if err := c.mirror.Watch(created.ID, created.YamlPath); err != nil {
			cmlog.WithError(err).WithGroup(created.ID).Warn("can't watch mirrored file")
		}
	}
	return created, nil
}

func (c *Commands) RenameGroup(id, name string) error {
	if err := c.projects.RenameGroup(id, name); err != nil {
		return err
	}
	c.syncGroup(id)
	return nil
}

// UpdateGroupDirectory moves the group root. A sync-enabled group gets its
// mirror file re-created in the new directory and re-watched there.
func (c *Commands) UpdateGroupDirectory(id, directory string) error {
	if err := c.projects.UpdateGroupDirectory(id, directory); err != nil {
		return err
	}
	g, err := c.projects.GetGroup(id)
	if err != nil {
		return err
	}
	if !g.SyncEnabled {
		return nil
	}
	newPath := filepath.Join(directory, yamlmirror.DefaultFileName)
	if err := c.projects.UpdateGroupSync(id, newPath, true); err != nil {
		return err
	}
	g.YamlPath = newPath
	if err := c.mirror.Write(g, newPath); err != nil {
		return err
	}
	c.mirror.Unwatch(id)
	if err := c.mirror.Watch(id, newPath); err != nil {
		cmlog.WithError(err).WithGroup(id).Warn("can't watch mirrored file")
	}
	return nil
}

func (c *Commands) UpdateGroupEnvVars(id string, envVars map[string]string) error {
	if err := c.projects.UpdateGroupEnvVars(id, envVars); err != nil {
		return err
	}
	c.syncGroup(id)
	return nil
}

// DeleteGroup stops every running project of the group first, then removes
// the group. The mirrored file, if any, is left on disk.
func (c *Commands) DeleteGroup(id string) error {
	if err := c.sup.StopGroup(id); err != nil {
		cmlog.WithError(err).WithGroup(id).Warn("stopping group processes before delete")
	}
	c.mirror.Unwatch(id)
	return c.projects.DeleteGroup(id)
}

// ToggleGroupSync enables or disables mirroring. Enabling writes the file
// right away; disabling stops the watcher and clears the path.
func (c *Commands) ToggleGroupSync(id string, enabled bool) (model.Group, error) {
	g, err := c.projects.GetGroup(id)
	if err != nil {
		return model.Group{}, err
	}

	if !enabled {
		c.mirror.Unwatch(id)
		if err := c.projects.UpdateGroupSync(id, "", false); err != nil {
			return model.Group{}, err
		}
		return c.projects.GetGroup(id)
	}

	path := g.YamlPath
	if path == "" {
		if found, ok := yamlmirror.FindFile(g.Directory); ok {
			path = found
		} else {
			path = filepath.Join(g.Directory, yamlmirror.DefaultFileName)
		}
	}
	if err := c.projects.UpdateGroupSync(id, path, true); err != nil {
		return model.Group{}, err
	}
	g, err = c.projects.GetGroup(id)
	if err != nil {
		return model.Group{}, err
	}
	if err := c.mirror.Write(g, path); err != nil {
		return model.Group{}, err
	}
	if err := c.mirror.Watch(id, path); err != nil {
		cmlog.WithError(err).WithGroup(id).Warn("can't watch mirrored file")
	}
	return g, nil
}

// ReloadGroupFromYaml re-reads the group's mirrored file and swaps the
// persisted group for the parsed one. Project ids survive for projects whose
// names match. A project dropped by the file is stopped before the replace.
// On a parse error the stored group stays untouched.
func (c *Commands) ReloadGroupFromYaml(id string) (model.Group, error) {
	g, err := c.projects.GetGroup(id)
	if err != nil {
		return model.Group{}, err
	}
	if !g.SyncEnabled || g.YamlPath == "" {
		return model.Group{}, fmt.Errorf("%w: group %s is not sync-enabled", model.ErrConflict, id)
	}

	parsed, err := yamlmirror.Parse(g.YamlPath)
	if err != nil {
		return model.Group{}, err
	}
	updated := yamlmirror.UpdateGroupFromYaml(g, parsed, g.Directory)

	kept := make(map[string]struct{}, len(updated.Projects))
	for _, p := range updated.Projects {
		kept[p.ID] = struct{}{}
	}
	for _, p := range g.Projects {
		if _, ok := kept[p.ID]; ok {
			continue
		}
		if err := c.sup.Stop(p.ID); err != nil {
			cmlog.WithError(err).WithProject(p.ID).Warn("stopping dropped project before replace")
		}
	}

	if err := c.projects.ReplaceGroup(updated); err != nil {
		return model.Group{}, err
	}
	c.emitConfigReloaded()
	return c.projects.GetGroup(id)
}

// ExportGroup writes the group's canonical YAML form to an arbitrary path.
func (c *Commands) ExportGroup(id, filePath string) error {
	g, err := c.projects.GetGroup(id)
	if err != nil {
		return err
	}
	return c.mirror.Write(g, filePath)
}

// ImportGroup creates a new sync-enabled group from an existing YAML file.
func (c *Commands) ImportGroup(filePath string) (model.Group, error) {
	parsed, err := yamlmirror.Parse(filePath)
	if err != nil {
		return model.Group{}, err
	}
	dir := filepath.Dir(filePath)
	created, err := c.projects.CreateGroup(yamlmirror.ToGroup(parsed, dir, filePath))
	if err != nil {
		return model.Group{}, err
	}
	if err := c.mirror.Watch(created.ID, filePath); err != nil {
		cmlog.WithError(err).WithGroup(created.ID).Warn("can't watch mirrored file")
	}
	return created, nil
}

// syncGroup rewrites the mirror file after a config mutation. Failures are
// logged, not propagated: the store commit already happened.
func (c *Commands) syncGroup(groupID string) {
	g, err := c.projects.GetGroup(groupID)
	if err != nil || !g.SyncEnabled || g.YamlPath == "" {
		return
	}
	if err := c.mirror.Write(g, g.YamlPath); err != nil {
		cmlog.WithError(err).WithGroup(groupID).Warn("can't rewrite mirrored file")
	}
}

func (c *Commands) emitConfigReloaded() {
	groups, err := c.projects.ListGroups()
	if err != nil {
		cmlog.WithError(err).Warn("can't list groups for reload event")
		return
	}
	c.broker.Emit(events.Event{Type: events.TypeConfigReloaded, Config: &events.ConfigPayload{Groups: groups}})
}

// --- projects ---

func (c *Commands) CreateProject(p model.Project) (model.Project, error) {
	created, err := c.projects.CreateProject(p)
	if err != nil {
		return model.Project{}, err
	}
	c.syncGroup(created.GroupID)
	return created, nil
}

func (c *Commands) UpdateProject(p model.Project) error {
	if err := c.projects.UpdateProject(p); err != nil {
		return err
	}
	c.sup.ReconcileWatcher(p.ID)
	c.syncGroup(p.GroupID)
	return nil
}

// DeleteProject stops the project's process first, then removes it.
func (c *Commands) DeleteProject(id string) error {
	p, err := c.projects.GetProject(id)
	if err != nil {
		return err
	}
	if err := c.sup.Stop(id); err != nil {
		return err
	}
	if err := c.projects.DeleteProject(id); err != nil {
		return err
	}
	c.syncGroup(p.GroupID)
	return nil
}

// DeleteProjects is the batch form; all stops happen before the single
// atomic delete.
func (c *Commands) DeleteProjects(ids []string) error {
	groupIDs := make(map[string]struct{})
	for _, id := range ids {
		p, err := c.projects.GetProject(id)
		if err != nil {
			return err
		}
		groupIDs[p.GroupID] = struct{}{}
		if err := c.sup.Stop(id); err != nil {
			return err
		}
	}
	if err := c.projects.DeleteProjects(ids); err != nil {
		return err
	}
	for gid := range groupIDs {
		c.syncGroup(gid)
	}
	return nil
}

// ConvertProjects changes the kind of a batch of projects. Running services
// converted to tasks lose their file watcher on the spot.
func (c *Commands) ConvertProjects(ids []string, newType model.ProjectType) error {
	if err := c.projects.ConvertProjects(ids, newType); err != nil {
		return err
	}
	groupIDs := make(map[string]struct{})
	for _, id := range ids {
		c.sup.ReconcileWatcher(id)
		if p, err := c.projects.GetProject(id); err == nil {
			groupIDs[p.GroupID] = struct{}{}
		}
	}
	for gid := range groupIDs {
		c.syncGroup(gid)
	}
	return nil
}

// --- processes ---

func (c *Commands) StartProcess(groupID, projectID string, cols, rows uint16) error {
	p, err := c.projects.GetProject(projectID)
	if err != nil {
		return err
	}
	if groupID != "" && p.GroupID != groupID {
		return model.NotFoundf("project %s not in group %s", projectID, groupID)
	}
	return c.sup.Start(projectID, cols, rows)
}

func (c *Commands) StopProcess(projectID string) error {
	return c.sup.Stop(projectID)
}

func (c *Commands) RestartProcess(projectID string) error {
	return c.sup.Restart(projectID)
}

// GetAllStatuses returns one ProcessInfo per known project, stopped entries
// included, with the latest stats sample attached to running ones.
func (c *Commands) GetAllStatuses() ([]model.ProcessInfo, error) {
	groups, err := c.projects.ListGroups()
	if err != nil {
		return nil, err
	}
	var infos []model.ProcessInfo
	for _, g := range groups {
		for _, p := range g.Projects {
			info := c.sup.Status(p.ID)
			info.GroupID = g.ID
			if info.Status == model.StatusRunning && c.collector != nil {
				if sample, ok := c.collector.Snapshot(p.ID); ok {
					cpu, rss := sample.CPUPercent, sample.MemoryRSS
					info.CPUPercent = &cpu
					info.MemoryRSS = &rss
				}
			}
			infos = append(infos, info)
		}
	}
	return infos, nil
}

func (c *Commands) WriteToProcessStdin(projectID string, data []byte) error {
	return c.sup.WriteStdin(projectID, data)
}

func (c *Commands) ResizePty(projectID string, cols, rows uint16) error {
	return c.sup.ResizePty(projectID, cols, rows)
}

// --- sessions, logs, metrics ---

func (c *Commands) GetProjectSessions(projectID string) ([]model.Session, error) {
	return c.sessions.GetProjectSessions(projectID)
}

func (c *Commands) GetProjectSessionsWithStats(projectID string) ([]model.SessionWithStats, error) {
	return c.sessions.GetProjectSessionsWithStats(projectID)
}

func (c *Commands) GetSession(id string) (model.Session, error) {
	return c.sessions.GetSession(id)
}

func (c *Commands) GetSessionLogs(sessionID string) (string, error) {
	return c.sessions.GetSessionLogsAsString(sessionID)
}

func (c *Commands) GetSessionMetrics(sessionID string) ([]model.MetricPoint, error) {
	return c.sessions.GetSessionMetrics(sessionID)
}

func (c *Commands) GetLastCompletedSession(projectID string) (model.Session, error) {
	return c.sessions.GetLastCompletedSession(projectID)
}

func (c *Commands) GetRecentLogs(projectID string, limit int) ([]model.LogChunk, error) {
	return c.sessions.GetRecentLogs(projectID, limit)
}

func (c *Commands) GetLastMetric(sessionID string) (model.MetricPoint, error) {
	return c.sessions.GetLastMetric(sessionID)
}

func (c *Commands) DeleteSession(id string) error {
	return c.sessions.DeleteSession(id)
}

// ReadProjectLogs concatenates the newest session's logs, running or not.
func (c *Commands) ReadProjectLogs(projectID string) (string, error) {
	sessions, err := c.sessions.GetProjectSessions(projectID)
	if err != nil {
		return "", err
	}
	if len(sessions) == 0 {
		return "", nil
	}
	return c.sessions.GetSessionLogsAsString(sessions[0].ID)
}

func (c *Commands) ClearProjectLogs(projectID string) error {
	return c.sessions.ClearProjectLogs(projectID)
}

// --- settings & misc ---

func (c *Commands) GetSettings() (model.Settings, error) {
	return c.projects.GetSettings()
}

func (c *Commands) UpdateSettings(settings model.Settings) error {
	return c.projects.UpdateSettings(settings)
}

func (c *Commands) DetectSystemEditor() string {
	return platform.DetectSystemEditor()
}

// DetectSystemShell returns the shell path the platform detection resolves
// to, ignoring any configured override.
func (c *Commands) DetectSystemShell() (string, error) {
	sh, err := platform.DetectShell("")
	if err != nil {
		return "", err
	}
	return sh.Path, nil
}

// ResolveProjectWorkingDir resolves a cwd override against a group's
// directory without requiring a stored project.
func (c *Commands) ResolveProjectWorkingDir(groupID, cwd string) (string, error) {
	g, err := c.projects.GetGroup(groupID)
	if err != nil {
		return "", err
	}
	return ResolveWorkingDir(g, model.Project{Cwd: cwd}), nil
}

// ResolveWorkingDirByProject resolves a stored project's effective cwd.
func (c *Commands) ResolveWorkingDirByProject(projectID string) (string, error) {
	p, err := c.projects.GetProject(projectID)
	if err != nil {
		return "", err
	}
	g, err := c.projects.GetGroup(p.GroupID)
	if err != nil {
		return "", err
	}
	return ResolveWorkingDir(g, p), nil
}

func (c *Commands) GetStorageStats() (model.StorageStats, error) {
	return c.sessions.GetStorageStats()
}

func (c *Commands) CleanupStorage(days int) (int64, error) {
	return c.sessions.CleanupOldSessions(days)
}

func (c *Commands) CleanupAllStorage() (int64, error) {
	return c.sessions.CleanupAllSessions()
}

func (c *Commands) GetDatabasePath() string {
	return c.cfg.DatabasePath()
}
