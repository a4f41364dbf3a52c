// Copyright 2025 The OpenRunner Authors. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

// Package watcher implements the per-project recursive file watcher that
// triggers restarts. Change events are filtered against a gitignore-aware
// ignore set and optional user watch patterns, then debounced so one burst
// of writes turns into a single restart.
package watcher

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/gobwas/glob"
	"github.com/openrunner/openrunner/pkg/log"
	"github.com/pkg/errors"
)

var wlog = log.WithComponent("watcher.Project")

// Callback fires once per debounced burst with the path of the last
// surviving event.
type Callback func(path string)

// ProjectWatcher watches one project's working directory recursively.
type ProjectWatcher struct {
	root     string
	ignore   *ignoreSet
	patterns []glob.Glob
	debounce time.Duration
	cb       Callback
	fsw      *fsnotify.Watcher

	mu     sync.Mutex
	timer  *time.Timer
	closed bool
	done   chan struct{}
}

// Config carries everything needed to build a project watcher.
type Config struct {
	// Root is the project's effective working directory.
	Root string
	// GroupDir bounds the upward .gitignore collection (inclusive).
	GroupDir string
	// WatchPatterns are the user's globs; empty means "any file".
	WatchPatterns []string
	// Debounce is the quiet window before the callback fires.
	Debounce time.Duration
}

// New builds and starts a recursive watcher. The callback is invoked on the
// watcher's own goroutine; callers re-serialize into their own queues.
func New(cfg Config, cb Callback) (*ProjectWatcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "can't create fs watcher")
	}

	var patterns []glob.Glob
	for _, p := range cfg.WatchPatterns {
		g, gerr := glob.Compile(p, '/')
		if gerr != nil {
			wlog.WithField("pattern", p).Warn("ignoring uncompilable watch pattern")
			continue
		}
		patterns = append(patterns, g)
	}

	w := &ProjectWatcher{
		root:     cfg.Root,
		ignore:   newIgnoreSet(cfg.Root, collectGitignoreDirs(cfg.Root, cfg.GroupDir)),
		patterns: patterns,
		debounce: cfg.Debounce,
		cb:       cb,
		fsw:      fsw,
		done:     make(chan struct{}),
	}

	if err := w.addRecursive(cfg.Root); err != nil {
		_ = fsw.Close()
		return nil, err
	}

	go w.loop()
	return w, nil
}

// Close tears the watcher down and cancels any pending debounce.
func (w *ProjectWatcher) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	if w.timer != nil {
		w.timer.Stop()
	}
	w.mu.Unlock()

	err := w.fsw.Close()
	<-w.done
	return err
}

func (w *ProjectWatcher) addRecursive(dir string) error {
	return filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil // unreadable entries are skipped, not fatal
		}
		if !info.IsDir() {
			return nil
		}
		rel, rerr := filepath.Rel(w.root, path)
		if rerr == nil && rel != "." && w.ignore.Ignored(rel) {
			return filepath.SkipDir
		}
		if aerr := w.fsw.Add(path); aerr != nil {
			wlog.WithError(aerr).WithField("dir", path).Debug("can't watch directory")
		}
		return nil
	})
}

func (w *ProjectWatcher) loop() {
	defer close(w.done)
	for {
		select {
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			wlog.WithError(err).Debug("watcher error")
		}
	}
}

func (w *ProjectWatcher) handleEvent(event fsnotify.Event) {
	if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
		return
	}
	rel, err := filepath.Rel(w.root, event.Name)
	if err != nil {
		return
	}
	rel = filepath.ToSlash(rel)

	// ignores apply before anything else, debounce included
	if w.ignore.Ignored(rel) {
		return
	}

	isDir := false
	if info, serr := os.Stat(event.Name); serr == nil && info.IsDir() {
		isDir = true
	}

	if isDir {
		// directories must stay traversable to reach matching files inside,
		// so user patterns never filter them
		if event.Op&fsnotify.Create != 0 {
			if err := w.addRecursive(event.Name); err != nil {
				wlog.WithError(err).WithField("dir", event.Name).Debug("can't extend watch")
			}
		}
	} else if len(w.patterns) > 0 && !w.matchesAny(rel) {
		return
	}

	w.arm(event.Name)
}

func (w *ProjectWatcher) matchesAny(rel string) bool {
	for _, g := range w.patterns {
		if g.Match(rel) {
			return true
		}
	}
	return false
}

// arm starts or resets the debounce timer; the burst collapses into one
// callback carrying the last path.
func (w *ProjectWatcher) arm(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, func() {
		w.mu.Lock()
		closed := w.closed
		w.mu.Unlock()
		if closed {
			return
		}
		wlog.WithField("path", path).Debug("debounced change, firing callback")
		w.cb(path)
	})
}
