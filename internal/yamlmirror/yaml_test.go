// Copyright 2025 The OpenRunner Authors. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package yamlmirror

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/openrunner/openrunner/pkg/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v2"
)

func mirrorGroup() model.Group {
	return model.Group{
		ID:          "g1",
		Name:        "web",
		Directory:   "/srv/web",
		SyncEnabled: true,
		EnvVars:     map[string]string{"NODE_ENV": "development"},
		Projects: []model.Project{
			{
				ID:            "p1",
				GroupID:       "g1",
				Name:          "api",
				Command:       "npm run dev",
				Type:          model.TypeService,
				AutoRestart:   true,
				WatchPatterns: []string{"**/*.ts"},
			},
			{
				ID:      "p2",
				GroupID: "g1",
				Name:    "migrate",
				Command: "npm run migrate",
				Type:    model.TypeTask,
			},
		},
	}
}

func TestFromGroup_OmitsEmptyValues(t *testing.T) {
	g := mirrorGroup()
	raw, err := yaml.Marshal(FromGroup(g))
	require.NoError(t, err)
	text := string(raw)

	assert.Contains(t, text, "version: \"1.0\"")
	assert.Contains(t, text, "type: service")
	assert.NotContains(t, text, "autoStartOnLaunch", "false autoStartOnLaunch is omitted")
	assert.NotContains(t, text, "interactive", "false interactive is omitted")
	// the task has no env vars or watch patterns: those keys only appear once
	assert.Equal(t, 1, countOccurrences(text, "watchPatterns"))
}

func countOccurrences(s, sub string) int {
	n := 0
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			n++
		}
	}
	return n
}

func TestParse_AppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, DefaultFileName)
	content := `version: "1.0"
name: web
projects:
  - name: api
    command: npm run dev
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Parse(path)
	require.NoError(t, err)

	g := ToGroup(cfg, dir, path)
	require.Len(t, g.Projects, 1)
	p := g.Projects[0]
	assert.Equal(t, model.TypeService, p.Type, "type defaults to service")
	assert.True(t, p.AutoRestart, "autoRestart defaults to true")
	assert.False(t, p.Interactive)
	assert.True(t, g.SyncEnabled)
	assert.Equal(t, path, g.YamlPath)
}

func TestParse_RejectsInvalid(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, DefaultFileName)
	require.NoError(t, os.WriteFile(path, []byte("projects: [{command: x}]\n"), 0o644))

	_, err := Parse(path)
	assert.ErrorIs(t, err, model.ErrParse)
}

func TestFindFile_AcceptsYmlOnRead(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "openrunner.yml"), []byte("name: x\n"), 0o644))

	path, ok := FindFile(dir)
	require.True(t, ok)
	assert.Equal(t, filepath.Join(dir, "openrunner.yml"), path)

	_, ok = FindFile(t.TempDir())
	assert.False(t, ok)
}

func TestRoundTrip_NamesPreservedIdsFresh(t *testing.T) {
	g := mirrorGroup()
	raw, err := yaml.Marshal(FromGroup(g))
	require.NoError(t, err)

	var cfg YamlConfig
	require.NoError(t, yaml.Unmarshal(raw, &cfg))
	got := ToGroup(cfg, g.Directory, "x.yaml")

	require.Len(t, got.Projects, 2)
	for i := range g.Projects {
		assert.Equal(t, g.Projects[i].Name, got.Projects[i].Name)
		assert.Equal(t, g.Projects[i].Command, got.Projects[i].Command)
		assert.Equal(t, g.Projects[i].Type, got.Projects[i].Type)
		assert.NotEqual(t, g.Projects[i].ID, got.Projects[i].ID, "ToGroup mints fresh ids")
	}
}

func TestUpdateGroupFromYaml_PreservesIdsByName(t *testing.T) {
	g := mirrorGroup()
	raw, err := yaml.Marshal(FromGroup(g))
	require.NoError(t, err)
	var cfg YamlConfig
	require.NoError(t, yaml.Unmarshal(raw, &cfg))

	updated := UpdateGroupFromYaml(g, cfg, g.Directory)

	require.Len(t, updated.Projects, 2)
	assert.Equal(t, "p1", updated.Projects[0].ID, "matching names keep their ids")
	assert.Equal(t, "p2", updated.Projects[1].ID)
	assert.Equal(t, g.ID, updated.ID)
}

func TestUpdateGroupFromYaml_DropsAndAdds(t *testing.T) {
	g := mirrorGroup()
	cfg := FromGroup(g)
	// rename one project away and add a new one
	cfg.Projects[1].Name = "worker"
	cfg.Projects = append(cfg.Projects, YamlProject{Name: "extra", Command: "true"})

	updated := UpdateGroupFromYaml(g, cfg, g.Directory)

	require.Len(t, updated.Projects, 3)
	assert.Equal(t, "p1", updated.Projects[0].ID)
	assert.NotEqual(t, "p2", updated.Projects[1].ID, "renamed project gets a fresh id")
	names := []string{updated.Projects[0].Name, updated.Projects[1].Name, updated.Projects[2].Name}
	assert.Equal(t, []string{"api", "worker", "extra"}, names)
}

func TestProjectFromYaml_TaskNeverAutoRestarts(t *testing.T) {
	yes := true
	p := projectFromYaml(YamlProject{Name: "t", Command: "true", Type: "task", AutoRestart: &yes})
	assert.False(t, p.AutoRestart)
}
