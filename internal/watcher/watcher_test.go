// Copyright 2025 The OpenRunner Authors. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package watcher

import (
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func startWatcher(t *testing.T, root string, patterns []string, fired *int32, lastPath *atomic.Value) *ProjectWatcher {
	t.Helper()
	w, err := New(Config{
		Root:          root,
		GroupDir:      root,
		WatchPatterns: patterns,
		Debounce:      100 * time.Millisecond,
	}, func(path string) {
		atomic.AddInt32(fired, 1)
		if lastPath != nil {
			lastPath.Store(path)
		}
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Close() })
	return w
}

func TestWatcher_DebouncesBurstIntoOneCallback(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "a.ts"), "x")

	var fired int32
	startWatcher(t, root, []string{"**/*.ts", "*.ts"}, &fired, nil)

	// two touches 50ms apart, inside one debounce window
	writeFile(t, filepath.Join(root, "a.ts"), "y")
	time.Sleep(50 * time.Millisecond)
	writeFile(t, filepath.Join(root, "a.ts"), "z")

	time.Sleep(400 * time.Millisecond)
	assert.EqualValues(t, 1, atomic.LoadInt32(&fired), "a burst must collapse into one restart")
}

func TestWatcher_HardIgnoreList(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "node_modules", "x.ts"), "x")

	var fired int32
	startWatcher(t, root, []string{"**/*.ts", "*.ts"}, &fired, nil)

	writeFile(t, filepath.Join(root, "node_modules", "x.ts"), "y")

	time.Sleep(400 * time.Millisecond)
	assert.Zero(t, atomic.LoadInt32(&fired), "node_modules changes must never restart")
}

func TestWatcher_UserPatternsFilterFiles(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "notes.md"), "x")

	var fired int32
	startWatcher(t, root, []string{"**/*.ts", "*.ts"}, &fired, nil)

	writeFile(t, filepath.Join(root, "notes.md"), "y")

	time.Sleep(400 * time.Millisecond)
	assert.Zero(t, atomic.LoadInt32(&fired), "non-matching files are filtered")
}

func TestWatcher_NoPatternsAcceptsAnyFile(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "anything.txt"), "x")

	var fired int32
	var last atomic.Value
	startWatcher(t, root, nil, &fired, &last)

	writeFile(t, filepath.Join(root, "anything.txt"), "y")

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&fired) == 1
	}, 2*time.Second, 20*time.Millisecond)
	assert.Contains(t, last.Load().(string), "anything.txt")
}

func TestWatcher_GitignorePatterns(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, ".gitignore"), "*.log\n/coverage/\ntmp\n")
	writeFile(t, filepath.Join(root, "coverage", "out.ts"), "x")
	writeFile(t, filepath.Join(root, "deep", "tmp", "f.ts"), "x")

	var fired int32
	startWatcher(t, root, []string{"**/*.ts", "*.ts", "**/*.log", "*.log"}, &fired, nil)

	// all three changes fall under gitignore rules
	writeFile(t, filepath.Join(root, "app.log"), "y")
	writeFile(t, filepath.Join(root, "coverage", "out.ts"), "y")
	writeFile(t, filepath.Join(root, "deep", "tmp", "f.ts"), "y")

	time.Sleep(400 * time.Millisecond)
	assert.Zero(t, atomic.LoadInt32(&fired))
}

func TestWatcher_NewSubdirectoryIsPickedUp(t *testing.T) {
	root := t.TempDir()

	var fired int32
	startWatcher(t, root, []string{"**/*.ts"}, &fired, nil)

	// a directory created after the watcher started must become watchable
	require.NoError(t, os.MkdirAll(filepath.Join(root, "src"), 0o755))
	time.Sleep(100 * time.Millisecond)
	writeFile(t, filepath.Join(root, "src", "new.ts"), "x")

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&fired) >= 1
	}, 2*time.Second, 20*time.Millisecond)
}

func TestIgnoreSet_GitignoreSemantics(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, ".gitignore"), "/anchored.txt\nlogs/\nbare\n")

	s := newIgnoreSet(root, []string{root})

	// leading slash anchors at the gitignore's directory
	assert.True(t, s.Ignored("anchored.txt"))
	assert.False(t, s.Ignored("sub/anchored.txt"))
	// trailing slash means directory plus contents
	assert.True(t, s.Ignored("logs"))
	assert.True(t, s.Ignored("logs/app.log"))
	assert.True(t, s.Ignored("nested/logs/app.log"))
	// bare name matches files and dirs at any depth
	assert.True(t, s.Ignored("bare"))
	assert.True(t, s.Ignored("a/b/bare"))
	assert.True(t, s.Ignored("a/bare/c.txt"))
	assert.False(t, s.Ignored("barely.txt"))
}

func TestCollectGitignoreDirs(t *testing.T) {
	dirs := collectGitignoreDirs("/a/b/c", "/a")
	assert.Equal(t, []string{"/a/b/c", "/a/b", "/a"}, dirs)

	// watch root outside the group dir stops at the root
	dirs = collectGitignoreDirs("/x/y", "/a")
	assert.Equal(t, "/x/y", dirs[0])
	assert.Equal(t, "/", dirs[len(dirs)-1])
}
