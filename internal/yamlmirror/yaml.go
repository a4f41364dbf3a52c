// Copyright 2025 The OpenRunner Authors. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

// Package yamlmirror bridges sync-enabled groups with their on-disk
// openrunner.yaml files, in both directions. Reads apply the documented
// defaults; writes omit empty values so diffs stay stable.
package yamlmirror

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/openrunner/openrunner/pkg/model"
	"gopkg.in/yaml.v2"
)

// DefaultFileName is what the mirror writes; FindFile also accepts .yml.
const DefaultFileName = "openrunner.yaml"

var readNames = []string{DefaultFileName, "openrunner.yml"}

// Version is the only schema version in circulation.
const Version = "1.0"

// YamlConfig is the file schema. Field order matches the written layout.
type YamlConfig struct {
	Version  string            `yaml:"version"`
	Name     string            `yaml:"name"`
	EnvVars  map[string]string `yaml:"envVars,omitempty"`
	Projects []YamlProject     `yaml:"projects"`
}

// YamlProject is one project entry in the file.
type YamlProject struct {
	Name              string            `yaml:"name"`
	Command           string            `yaml:"command"`
	Type              string            `yaml:"type,omitempty"`
	AutoRestart       *bool             `yaml:"autoRestart,omitempty"`
	Cwd               string            `yaml:"cwd,omitempty"`
	Interactive       bool              `yaml:"interactive,omitempty"`
	EnvVars           map[string]string `yaml:"envVars,omitempty"`
	WatchPatterns     []string          `yaml:"watchPatterns,omitempty"`
	AutoStartOnLaunch bool              `yaml:"autoStartOnLaunch,omitempty"`
}

// FindFile looks for a mirror file directly inside dir.
func FindFile(dir string) (string, bool) {
	for _, name := range readNames {
		path := filepath.Join(dir, name)
		if info, err := os.Stat(path); err == nil && !info.IsDir() {
			return path, true
		}
	}
	return "", false
}

// Parse reads and validates a mirror file.
func Parse(path string) (YamlConfig, error) {
	var cfg YamlConfig
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("%w: %s: %s", model.ErrParse, path, err.Error())
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("%w: %s: %s", model.ErrParse, path, err.Error())
	}
	if cfg.Name == "" {
		return cfg, fmt.Errorf("%w: %s: missing group name", model.ErrParse, path)
	}
	for i, p := range cfg.Projects {
		if p.Name == "" || p.Command == "" {
			return cfg, fmt.Errorf("%w: %s: project %d needs name and command", model.ErrParse, path, i)
		}
	}
	return cfg, nil
}

// FromGroup renders a group into the file schema, dropping defaults: empty
// env maps, empty watch lists and false autoStartOnLaunch are omitted.
func FromGroup(g model.Group) YamlConfig {
	cfg := YamlConfig{
		Version: Version,
		Name:    g.Name,
	}
	if len(g.EnvVars) > 0 {
		cfg.EnvVars = g.EnvVars
	}
	for _, p := range g.Projects {
		yp := YamlProject{
			Name:              p.Name,
			Command:           p.Command,
			Type:              string(p.Type),
			Cwd:               p.Cwd,
			Interactive:       p.Interactive,
			AutoStartOnLaunch: p.AutoStartOnLaunch,
		}
		autoRestart := p.AutoRestart
		yp.AutoRestart = &autoRestart
		if len(p.EnvVars) > 0 {
			yp.EnvVars = p.EnvVars
		}
		if len(p.WatchPatterns) > 0 {
			yp.WatchPatterns = p.WatchPatterns
		}
		cfg.Projects = append(cfg.Projects, yp)
	}
	return cfg
}

// ToGroup materializes a parsed file into a fresh group rooted at dir. All
// project ids are newly minted; use UpdateGroupFromYaml to preserve ids.
func ToGroup(cfg YamlConfig, dir, path string) model.Group {
	g := model.Group{
		ID:          uuid.New().String(),
		Name:        cfg.Name,
		Directory:   dir,
		EnvVars:     cfg.EnvVars,
		YamlPath:    path,
		SyncEnabled: true,
	}
	for _, yp := range cfg.Projects {
		p := projectFromYaml(yp)
		p.ID = uuid.New().String()
		p.GroupID = g.ID
		g.Projects = append(g.Projects, p)
	}
	return g
}

// UpdateGroupFromYaml merges a parsed file into an existing group,
// preserving project ids by matching entries to existing projects by name.
// Unmatched entries get fresh ids; projects whose names left the file drop.
func UpdateGroupFromYaml(existing model.Group, cfg YamlConfig, dir string) model.Group {
	byName := make(map[string]model.Project, len(existing.Projects))
	for _, p := range existing.Projects {
		byName[p.Name] = p
	}

	updated := existing
	updated.Name = cfg.Name
	updated.Directory = dir
	updated.EnvVars = cfg.EnvVars
	updated.Projects = nil

	for _, yp := range cfg.Projects {
		p := projectFromYaml(yp)
		if prev, ok := byName[yp.Name]; ok {
			p.ID = prev.ID
		} else {
			p.ID = uuid.New().String()
		}
		p.GroupID = existing.ID
		updated.Projects = append(updated.Projects, p)
	}
	return updated
}

func projectFromYaml(yp YamlProject) model.Project {
	p := model.Project{
		Name:              yp.Name,
		Command:           yp.Command,
		Type:              model.ProjectType(yp.Type),
		Cwd:               yp.Cwd,
		Interactive:       yp.Interactive,
		EnvVars:           yp.EnvVars,
		WatchPatterns:     yp.WatchPatterns,
		AutoStartOnLaunch: yp.AutoStartOnLaunch,
	}
	if !p.Type.Valid() {
		p.Type = model.TypeService
	}
	// autoRestart defaults to true on read, but never applies to tasks
	if yp.AutoRestart != nil {
		p.AutoRestart = *yp.AutoRestart
	} else {
		p.AutoRestart = true
	}
	if p.Type == model.TypeTask {
		p.AutoRestart = false
	}
	return p
}
