// Copyright 2025 The OpenRunner Authors. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package yamlmirror

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/openrunner/openrunner/internal/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMirror_SelfWriteSuppression(t *testing.T) {
	defer leaktest.Check(t)()

	broker := events.NewBroker()
	sub, cancelSub := broker.Subscribe()
	defer cancelSub()

	dir := t.TempDir()
	path := filepath.Join(dir, DefaultFileName)
	g := mirrorGroup()
	g.YamlPath = path

	m := NewMirror(broker, 500*time.Millisecond)
	defer m.Close()
	require.NoError(t, m.Write(g, path))
	require.NoError(t, m.Watch(g.ID, path))

	// WHEN the mirror itself rewrites the file
	require.NoError(t, m.Write(g, path))

	// THEN no YamlFileChanged arrives within the suppression window
	select {
	case ev := <-sub:
		t.Fatalf("self-write produced event %v", ev.Type)
	case <-time.After(700 * time.Millisecond):
	}

	// AND an external edit after the window does emit
	require.NoError(t, os.WriteFile(path, []byte("name: edited\nprojects: []\n"), 0o644))
	select {
	case ev := <-sub:
		require.Equal(t, events.TypeYamlFileChanged, ev.Type)
		assert.Equal(t, g.ID, ev.YamlFile.GroupID)
		assert.Equal(t, path, ev.YamlFile.FilePath)
	case <-time.After(2 * time.Second):
		t.Fatal("external edit did not emit YamlFileChanged")
	}
}

func TestMirror_WatcherFiltersOtherFiles(t *testing.T) {
	defer leaktest.Check(t)()

	broker := events.NewBroker()
	sub, cancelSub := broker.Subscribe()
	defer cancelSub()

	dir := t.TempDir()
	path := filepath.Join(dir, DefaultFileName)
	require.NoError(t, os.WriteFile(path, []byte("name: x\nprojects: []\n"), 0o644))

	m := NewMirror(broker, 500*time.Millisecond)
	defer m.Close()
	require.NoError(t, m.Watch("g1", path))

	require.NoError(t, os.WriteFile(filepath.Join(dir, "unrelated.txt"), []byte("x"), 0o644))

	select {
	case ev := <-sub:
		t.Fatalf("unrelated file produced event %v", ev.Type)
	case <-time.After(500 * time.Millisecond):
	}
}

func TestMirror_UnwatchStopsEvents(t *testing.T) {
	defer leaktest.Check(t)()

	broker := events.NewBroker()
	sub, cancelSub := broker.Subscribe()
	defer cancelSub()

	dir := t.TempDir()
	path := filepath.Join(dir, DefaultFileName)
	require.NoError(t, os.WriteFile(path, []byte("name: x\nprojects: []\n"), 0o644))

	m := NewMirror(broker, 100*time.Millisecond)
	defer m.Close()
	require.NoError(t, m.Watch("g1", path))
	m.Unwatch("g1")
	m.Unwatch("g1") // idempotent

	time.Sleep(150 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte("name: y\nprojects: []\n"), 0o644))

	select {
	case ev := <-sub:
		t.Fatalf("unwatched group produced event %v", ev.Type)
	case <-time.After(500 * time.Millisecond):
	}
}
