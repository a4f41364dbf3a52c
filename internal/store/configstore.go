// Copyright 2025 The OpenRunner Authors. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"database/sql"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/openrunner/openrunner/pkg/log"
	"github.com/openrunner/openrunner/pkg/model"
)

var cslog = log.WithComponent("store.Config")

// ConfigStore owns the persisted Group/Project records and the settings
// table. Every mutation commits atomically across the group and its nested
// projects and env vars, or leaves state unchanged.
type ConfigStore struct {
	db *DB
}

// NewConfigStore returns a config store over the shared database.
func NewConfigStore(db *DB) *ConfigStore {
	return &ConfigStore{db: db}
}

// ListGroups returns all groups with their projects in insertion order.
func (s *ConfigStore) ListGroups() ([]model.Group, error) {
	rows, err := s.db.sql.Query(
		`SELECT id, name, directory, yaml_path, sync_enabled FROM groups ORDER BY position, rowid`)
	if err != nil {
		return nil, storageErr(err, "list groups")
	}
	defer rows.Close()

	var groups []model.Group
	for rows.Next() {
		var g model.Group
		var syncEnabled int
		if err := rows.Scan(&g.ID, &g.Name, &g.Directory, &g.YamlPath, &syncEnabled); err != nil {
			return nil, storageErr(err, "scan group")
		}
		g.SyncEnabled = syncEnabled != 0
		groups = append(groups, g)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr(err, "list groups")
	}

	for i := range groups {
		if err := s.fillGroup(&groups[i]); err != nil {
			return nil, err
		}
	}
	return groups, nil
}

// GetGroup returns one group with projects and env vars.
func (s *ConfigStore) GetGroup(id string) (model.Group, error) {
	var g model.Group
	var syncEnabled int
	err := s.db.sql.QueryRow(
		`SELECT id, name, directory, yaml_path, sync_enabled FROM groups WHERE id = ?`, id).
		Scan(&g.ID, &g.Name, &g.Directory, &g.YamlPath, &syncEnabled)
	if err == sql.ErrNoRows {
		return g, model.NotFoundf("group %s", id)
	}
	if err != nil {
		return g, storageErr(err, "get group")
	}
	g.SyncEnabled = syncEnabled != 0
	if err := s.fillGroup(&g); err != nil {
		return g, err
	}
	return g, nil
}

func (s *ConfigStore) fillGroup(g *model.Group) error {
	g.EnvVars = map[string]string{}
	rows, err := s.db.sql.Query(
		`SELECT key, value FROM group_env_vars WHERE group_id = ?`, g.ID)
	if err != nil {
		return storageErr(err, "group env vars")
	}
	defer rows.Close()
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return storageErr(err, "scan env var")
		}
		g.EnvVars[k] = v
	}

	prows, err := s.db.sql.Query(
		`SELECT id, name, command, type, auto_restart, cwd, interactive, watch_patterns, auto_start_on_launch
		 FROM projects WHERE group_id = ? ORDER BY position, rowid`, g.ID)
	if err != nil {
		return storageErr(err, "group projects")
	}
	defer prows.Close()

	g.Projects = nil
	for prows.Next() {
		p, err := scanProject(prows, g.ID)
		if err != nil {
			return err
		}
		g.Projects = append(g.Projects, p)
	}

	for i := range g.Projects {
		envs, err := s.projectEnvVars(g.Projects[i].ID)
		if err != nil {
			return err
		}
		g.Projects[i].EnvVars = envs
	}
	return nil
}

func scanProject(rows *sql.Rows, groupID string) (model.Project, error) {
	var p model.Project
	var autoRestart, interactive, autoStart int
	var patterns string
	if err := rows.Scan(&p.ID, &p.Name, &p.Command, &p.Type, &autoRestart, &p.Cwd,
		&interactive, &patterns, &autoStart); err != nil {
		return p, storageErr(err, "scan project")
	}
	p.GroupID = groupID
	p.AutoRestart = autoRestart != 0
	p.Interactive = interactive != 0
	p.AutoStartOnLaunch = autoStart != 0
	if patterns != "" {
		if err := json.Unmarshal([]byte(patterns), &p.WatchPatterns); err != nil {
			cslog.WithError(err).WithField("project", p.ID).Warn("discarding malformed watch patterns")
		}
	}
	return p, nil
}

func (s *ConfigStore) projectEnvVars(projectID string) (map[string]string, error) {
	envs := map[string]string{}
	rows, err := s.db.sql.Query(
		`SELECT key, value FROM project_env_vars WHERE project_id = ?`, projectID)
	if err != nil {
		return nil, storageErr(err, "project env vars")
	}
	defer rows.Close()
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, storageErr(err, "scan env var")
		}
		envs[k] = v
	}
	return envs, nil
}

// GetProject locates a project by id across all groups. The row scan must
// fully release its connection before the env-var query runs; the pool holds
// a single connection.
func (s *ConfigStore) GetProject(id string) (model.Project, error) {
	var p model.Project
	var autoRestart, interactive, autoStart int
	var patterns string
	err := s.db.sql.QueryRow(
		`SELECT id, name, command, type, auto_restart, cwd, interactive, watch_patterns, auto_start_on_launch, group_id
		 FROM projects WHERE id = ?`, id).
		Scan(&p.ID, &p.Name, &p.Command, &p.Type, &autoRestart, &p.Cwd,
			&interactive, &patterns, &autoStart, &p.GroupID)
	if err == sql.ErrNoRows {
		return model.Project{}, model.NotFoundf("project %s", id)
	}
	if err != nil {
		return model.Project{}, storageErr(err, "get project")
	}
	p.AutoRestart = autoRestart != 0
	p.Interactive = interactive != 0
	p.AutoStartOnLaunch = autoStart != 0
	if patterns != "" {
		if err := json.Unmarshal([]byte(patterns), &p.WatchPatterns); err != nil {
			cslog.WithError(err).WithField("project", p.ID).Warn("discarding malformed watch patterns")
		}
	}
	envs, err := s.projectEnvVars(p.ID)
	if err != nil {
		return p, err
	}
	p.EnvVars = envs
	return p, nil
}

// CreateGroup inserts a new group. A missing id gets a fresh uuid.
func (s *ConfigStore) CreateGroup(g model.Group) (model.Group, error) {
	if g.ID == "" {
		g.ID = uuid.New().String()
	}
	err := s.db.inTx(func(tx *sql.Tx) error {
		return insertGroupTx(tx, &g)
	})
	if err != nil {
		return g, err
	}
	cslog.WithGroup(g.ID).WithField("name", g.Name).Debug("Group created.")
	return g, nil
}

func insertGroupTx(tx *sql.Tx, g *model.Group) error {
	var pos int64
	if err := tx.QueryRow(`SELECT COALESCE(MAX(position)+1, 0) FROM groups`).Scan(&pos); err != nil {
		return storageErr(err, "group position")
	}
	if _, err := tx.Exec(
		`INSERT INTO groups (id, name, directory, yaml_path, sync_enabled, position) VALUES (?, ?, ?, ?, ?, ?)`,
		g.ID, g.Name, g.Directory, g.YamlPath, boolInt(g.SyncEnabled), pos); err != nil {
		return storageErr(err, "insert group")
	}
	for k, v := range g.EnvVars {
		if _, err := tx.Exec(
			`INSERT INTO group_env_vars (group_id, key, value) VALUES (?, ?, ?)`, g.ID, k, v); err != nil {
			return storageErr(err, "insert group env var")
		}
	}
	for i := range g.Projects {
		p := &g.Projects[i]
		if p.ID == "" {
			p.ID = uuid.New().String()
		}
		p.GroupID = g.ID
		if err := insertProjectTx(tx, p, i); err != nil {
			return err
		}
	}
	return nil
}

func insertProjectTx(tx *sql.Tx, p *model.Project, position int) error {
	if !p.Type.Valid() {
		p.Type = model.TypeService
	}
	patterns := ""
	if len(p.WatchPatterns) > 0 {
		raw, err := json.Marshal(p.WatchPatterns)
		if err != nil {
			return storageErr(err, "encode watch patterns")
		}
		patterns = string(raw)
	}
	if _, err := tx.Exec(
		`INSERT INTO projects (id, group_id, name, command, type, auto_restart, cwd, interactive, watch_patterns, auto_start_on_launch, position)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.GroupID, p.Name, p.Command, string(p.Type), boolInt(p.AutoRestart), p.Cwd,
		boolInt(p.Interactive), patterns, boolInt(p.AutoStartOnLaunch), position); err != nil {
		return storageErr(err, "insert project")
	}
	for k, v := range p.EnvVars {
		if _, err := tx.Exec(
			`INSERT INTO project_env_vars (project_id, key, value) VALUES (?, ?, ?)`, p.ID, k, v); err != nil {
			return storageErr(err, "insert project env var")
		}
	}
	return nil
}

// RenameGroup updates the display name.
func (s *ConfigStore) RenameGroup(id, name string) error {
	return s.updateGroupField(id, `UPDATE groups SET name = ? WHERE id = ?`, name)
}

// UpdateGroupDirectory updates the working directory.
func (s *ConfigStore) UpdateGroupDirectory(id, directory string) error {
	return s.updateGroupField(id, `UPDATE groups SET directory = ? WHERE id = ?`, directory)
}

func (s *ConfigStore) updateGroupField(id, stmt string, value interface{}) error {
	return s.db.inTx(func(tx *sql.Tx) error {
		res, err := tx.Exec(stmt, value, id)
		if err != nil {
			return storageErr(err, "update group")
		}
		return requireRow(res, "group", id)
	})
}

// UpdateGroupEnvVars replaces the group's env-var map.
func (s *ConfigStore) UpdateGroupEnvVars(id string, envVars map[string]string) error {
	return s.db.inTx(func(tx *sql.Tx) error {
		if err := groupExistsTx(tx, id); err != nil {
			return err
		}
		if _, err := tx.Exec(`DELETE FROM group_env_vars WHERE group_id = ?`, id); err != nil {
			return storageErr(err, "clear group env vars")
		}
		for k, v := range envVars {
			if _, err := tx.Exec(
				`INSERT INTO group_env_vars (group_id, key, value) VALUES (?, ?, ?)`, id, k, v); err != nil {
				return storageErr(err, "insert group env var")
			}
		}
		return nil
	})
}

// UpdateGroupSync sets the YAML mirror path and flag. Enabling sync without a
// path is a conflict.
func (s *ConfigStore) UpdateGroupSync(id, yamlPath string, enabled bool) error {
	if enabled && yamlPath == "" {
		return model.Conflictf("sync enabled without a YAML path for group %s", id)
	}
	return s.db.inTx(func(tx *sql.Tx) error {
		res, err := tx.Exec(
			`UPDATE groups SET yaml_path = ?, sync_enabled = ? WHERE id = ?`,
			yamlPath, boolInt(enabled), id)
		if err != nil {
			return storageErr(err, "update group sync")
		}
		return requireRow(res, "group", id)
	})
}

// DeleteGroup removes the group; projects and env vars cascade.
func (s *ConfigStore) DeleteGroup(id string) error {
	return s.db.inTx(func(tx *sql.Tx) error {
		res, err := tx.Exec(`DELETE FROM groups WHERE id = ?`, id)
		if err != nil {
			return storageErr(err, "delete group")
		}
		return requireRow(res, "group", id)
	})
}

// ReplaceGroup swaps the whole group content in one transaction. This is the
// only mutation that discards child identities; it is used by YAML reload,
// which brings its own ids.
func (s *ConfigStore) ReplaceGroup(g model.Group) error {
	return s.db.inTx(func(tx *sql.Tx) error {
		if err := groupExistsTx(tx, g.ID); err != nil {
			return err
		}
		var pos int64
		if err := tx.QueryRow(`SELECT position FROM groups WHERE id = ?`, g.ID).Scan(&pos); err != nil {
			return storageErr(err, "group position")
		}
		if _, err := tx.Exec(`DELETE FROM groups WHERE id = ?`, g.ID); err != nil {
			return storageErr(err, "delete group")
		}
		if _, err := tx.Exec(
			`INSERT INTO groups (id, name, directory, yaml_path, sync_enabled, position) VALUES (?, ?, ?, ?, ?, ?)`,
			g.ID, g.Name, g.Directory, g.YamlPath, boolInt(g.SyncEnabled), pos); err != nil {
			return storageErr(err, "insert group")
		}
		for k, v := range g.EnvVars {
			if _, err := tx.Exec(
				`INSERT INTO group_env_vars (group_id, key, value) VALUES (?, ?, ?)`, g.ID, k, v); err != nil {
				return storageErr(err, "insert group env var")
			}
		}
		for i := range g.Projects {
			p := &g.Projects[i]
			if p.ID == "" {
				p.ID = uuid.New().String()
			}
			p.GroupID = g.ID
			if err := insertProjectTx(tx, p, i); err != nil {
				return err
			}
		}
		return nil
	})
}

// CreateProject appends a project to its group.
func (s *ConfigStore) CreateProject(p model.Project) (model.Project, error) {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	err := s.db.inTx(func(tx *sql.Tx) error {
		if err := groupExistsTx(tx, p.GroupID); err != nil {
			return err
		}
		var pos int64
		if err := tx.QueryRow(
			`SELECT COALESCE(MAX(position)+1, 0) FROM projects WHERE group_id = ?`, p.GroupID).Scan(&pos); err != nil {
			return storageErr(err, "project position")
		}
		return insertProjectTx(tx, &p, int(pos))
	})
	if err != nil {
		return p, err
	}
	cslog.WithProject(p.ID).WithField("name", p.Name).Debug("Project created.")
	return p, nil
}

// UpdateProject rewrites a project's attributes and env vars, preserving its
// id and position.
func (s *ConfigStore) UpdateProject(p model.Project) error {
	return s.db.inTx(func(tx *sql.Tx) error {
		if !p.Type.Valid() {
			p.Type = model.TypeService
		}
		patterns := ""
		if len(p.WatchPatterns) > 0 {
			raw, err := json.Marshal(p.WatchPatterns)
			if err != nil {
				return storageErr(err, "encode watch patterns")
			}
			patterns = string(raw)
		}
		res, err := tx.Exec(
			`UPDATE projects SET name = ?, command = ?, type = ?, auto_restart = ?, cwd = ?, interactive = ?, watch_patterns = ?, auto_start_on_launch = ?
			 WHERE id = ?`,
			p.Name, p.Command, string(p.Type), boolInt(p.AutoRestart), p.Cwd,
			boolInt(p.Interactive), patterns, boolInt(p.AutoStartOnLaunch), p.ID)
		if err != nil {
			return storageErr(err, "update project")
		}
		if err := requireRow(res, "project", p.ID); err != nil {
			return err
		}
		if _, err := tx.Exec(`DELETE FROM project_env_vars WHERE project_id = ?`, p.ID); err != nil {
			return storageErr(err, "clear project env vars")
		}
		for k, v := range p.EnvVars {
			if _, err := tx.Exec(
				`INSERT INTO project_env_vars (project_id, key, value) VALUES (?, ?, ?)`, p.ID, k, v); err != nil {
				return storageErr(err, "insert project env var")
			}
		}
		return nil
	})
}

// DeleteProject removes one project.
func (s *ConfigStore) DeleteProject(id string) error {
	return s.db.inTx(func(tx *sql.Tx) error {
		res, err := tx.Exec(`DELETE FROM projects WHERE id = ?`, id)
		if err != nil {
			return storageErr(err, "delete project")
		}
		return requireRow(res, "project", id)
	})
}

// DeleteProjects removes a batch of projects atomically.
func (s *ConfigStore) DeleteProjects(ids []string) error {
	return s.db.inTx(func(tx *sql.Tx) error {
		for _, id := range ids {
			res, err := tx.Exec(`DELETE FROM projects WHERE id = ?`, id)
			if err != nil {
				return storageErr(err, "delete project")
			}
			if err := requireRow(res, "project", id); err != nil {
				return err
			}
		}
		return nil
	})
}

// ConvertProjects flips a batch of projects to a new kind. Converting to task
// clears autoRestart, which only applies to services.
func (s *ConfigStore) ConvertProjects(ids []string, newType model.ProjectType) error {
	if !newType.Valid() {
		return model.Conflictf("unknown project type %q", newType)
	}
	return s.db.inTx(func(tx *sql.Tx) error {
		for _, id := range ids {
			var res sql.Result
			var err error
			if newType == model.TypeTask {
				res, err = tx.Exec(
					`UPDATE projects SET type = ?, auto_restart = 0 WHERE id = ?`, string(newType), id)
			} else {
				res, err = tx.Exec(`UPDATE projects SET type = ? WHERE id = ?`, string(newType), id)
			}
			if err != nil {
				return storageErr(err, "convert project")
			}
			if err := requireRow(res, "project", id); err != nil {
				return err
			}
		}
		return nil
	})
}

// GetSettings reads the whole settings table.
func (s *ConfigStore) GetSettings() (model.Settings, error) {
	rows, err := s.db.sql.Query(`SELECT key, value FROM settings`)
	if err != nil {
		return nil, storageErr(err, "get settings")
	}
	defer rows.Close()
	settings := model.Settings{}
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, storageErr(err, "scan setting")
		}
		settings[k] = v
	}
	return settings, nil
}

// UpdateSettings upserts the given keys. Existing keys not present in the
// argument are left alone.
func (s *ConfigStore) UpdateSettings(settings model.Settings) error {
	return s.db.inTx(func(tx *sql.Tx) error {
		for k, v := range settings {
			if _, err := tx.Exec(
				`INSERT INTO settings (key, value) VALUES (?, ?)
				 ON CONFLICT(key) DO UPDATE SET value = excluded.value`, k, v); err != nil {
				return storageErr(err, "upsert setting")
			}
		}
		return nil
	})
}

func groupExistsTx(tx *sql.Tx, id string) error {
	var one int
	err := tx.QueryRow(`SELECT 1 FROM groups WHERE id = ?`, id).Scan(&one)
	if err == sql.ErrNoRows {
		return model.NotFoundf("group %s", id)
	}
	if err != nil {
		return storageErr(err, "group lookup")
	}
	return nil
}

func requireRow(res sql.Result, kind, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return storageErr(err, "rows affected")
	}
	if n == 0 {
		return model.NotFoundf("%s %s", kind, id)
	}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
