// Copyright 2025 The OpenRunner Authors. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package yamlmirror

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/openrunner/openrunner/internal/events"
	"github.com/openrunner/openrunner/pkg/log"
	"github.com/openrunner/openrunner/pkg/model"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"
)

var mlog = log.WithComponent("yamlmirror.Mirror")

// Mirror owns every mirrored file write and the per-group file watchers.
// It keeps a per-path last-self-write timestamp so filesystem events caused
// by its own writes are discarded; edits made outside the application pass
// through as YamlFileChanged events.
type Mirror struct {
	broker         *events.Broker
	suppressWindow time.Duration

	mu            sync.Mutex
	lastSelfWrite map[string]time.Time
	watchers      map[string]*groupWatcher // keyed by group id
}

// NewMirror builds a mirror publishing change events to broker.
func NewMirror(broker *events.Broker, suppressWindow time.Duration) *Mirror {
	return &Mirror{
		broker:         broker,
		suppressWindow: suppressWindow,
		lastSelfWrite:  make(map[string]time.Time),
		watchers:       make(map[string]*groupWatcher),
	}
}

// Write renders the group to path, recording the write so the watcher
// suppresses the resulting filesystem event.
func (m *Mirror) Write(g model.Group, path string) error {
	raw, err := yaml.Marshal(FromGroup(g))
	if err != nil {
		return errors.Wrap(err, "can't encode group")
	}

	m.mu.Lock()
	m.lastSelfWrite[path] = time.Now()
	m.mu.Unlock()

	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return errors.Wrapf(model.ErrStorage, "write %s: %v", path, err)
	}
	mlog.WithGroup(g.ID).WithField("path", path).Debug("Mirror file written.")
	return nil
}

// suppressed reports whether a change event on path falls inside the
// self-write window.
func (m *Mirror) suppressed(path string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	last, ok := m.lastSelfWrite[path]
	return ok && time.Since(last) < m.suppressWindow
}

// Watch starts (or restarts) the directory-level watcher for a synced
// group, filtered to the mirror file's exact name.
func (m *Mirror) Watch(groupID, path string) error {
	m.mu.Lock()
	prev := m.watchers[groupID]
	delete(m.watchers, groupID)
	m.mu.Unlock()
	if prev != nil {
		prev.stop()
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "can't create yaml watcher")
	}
	if err := fsw.Add(filepath.Dir(path)); err != nil {
		_ = fsw.Close()
		return errors.Wrapf(err, "can't watch %s", filepath.Dir(path))
	}

	gw := &groupWatcher{
		groupID: groupID,
		path:    path,
		fsw:     fsw,
		mirror:  m,
		done:    make(chan struct{}),
	}
	m.mu.Lock()
	m.watchers[groupID] = gw
	m.mu.Unlock()

	go gw.loop()
	return nil
}

// Unwatch tears down the group's file watcher, if any.
func (m *Mirror) Unwatch(groupID string) {
	m.mu.Lock()
	gw, ok := m.watchers[groupID]
	delete(m.watchers, groupID)
	m.mu.Unlock()
	if ok {
		gw.stop()
	}
}

// Close tears down every watcher.
func (m *Mirror) Close() {
	m.mu.Lock()
	all := make([]*groupWatcher, 0, len(m.watchers))
	for _, gw := range m.watchers {
		all = append(all, gw)
	}
	m.watchers = make(map[string]*groupWatcher)
	m.mu.Unlock()
	for _, gw := range all {
		gw.stop()
	}
}

type groupWatcher struct {
	groupID string
	path    string
	fsw     *fsnotify.Watcher
	mirror  *Mirror
	done    chan struct{}
}

func (gw *groupWatcher) stop() {
	_ = gw.fsw.Close()
	<-gw.done
}

func (gw *groupWatcher) loop() {
	defer close(gw.done)
	glog := mlog.WithGroup(gw.groupID).WithField("path", gw.path)
	for {
		select {
		case event, ok := <-gw.fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(gw.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if gw.mirror.suppressed(gw.path) {
				glog.Debug("suppressing self-write event")
				continue
			}
			glog.Debug("external mirror file change")
			gw.mirror.broker.Emit(events.Event{
				Type: events.TypeYamlFileChanged,
				YamlFile: &events.YamlFilePayload{
					GroupID:  gw.groupID,
					FilePath: gw.path,
				},
			})
		case err, ok := <-gw.fsw.Errors:
			if !ok {
				return
			}
			glog.WithError(err).Debug("yaml watcher error")
		}
	}
}
