// Copyright 2025 The OpenRunner Authors. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

// Package supervisor owns the lifecycle of every supervised child: the
// per-project state machine, session linkage, stop escalation, auto-restart
// and the file watchers that trigger restarts. It is the only component
// allowed to signal a child or mutate the running-process map.
package supervisor

import (
	"fmt"
	"os/exec"
	"sync"
	"time"

	"github.com/tevino/abool"
	"go.uber.org/multierr"

	"github.com/openrunner/openrunner/internal/events"
	"github.com/openrunner/openrunner/internal/iopump"
	"github.com/openrunner/openrunner/internal/platform"
	"github.com/openrunner/openrunner/internal/stats"
	"github.com/openrunner/openrunner/internal/store"
	"github.com/openrunner/openrunner/internal/watcher"
	"github.com/openrunner/openrunner/pkg/config"
	"github.com/openrunner/openrunner/pkg/log"
	"github.com/openrunner/openrunner/pkg/model"
)

var splog = log.WithComponent("supervisor.Supervisor")

// restartDelay is the pause between the stop and start halves of a restart.
const restartDelay = 100 * time.Millisecond

// Supervisor drives child processes for all projects. All state transitions
// for one project are serialized behind a per-project lock; operations on
// different projects run in parallel.
type Supervisor struct {
	cfg      *config.Config
	projects *store.ConfigStore
	sessions *store.SessionStore
	broker   *events.Broker
	ledger   *platform.Ledger

	shuttingDown *abool.AtomicBool

	mu       sync.Mutex
	locks    map[string]*sync.Mutex
	handles  map[string]*handle
	restarts map[string]*pendingRestart
}

// pendingRestart is a scheduled crash-restart that has not fired yet. It
// stays in the map until the timer wins the project lock, so a stop landing
// in the backoff window can still cancel it.
type pendingRestart struct {
	groupID string
	timer   *time.Timer
}

// New builds a supervisor over the given stores and broker.
func New(cfg *config.Config, projects *store.ConfigStore, sessions *store.SessionStore, broker *events.Broker, ledger *platform.Ledger) *Supervisor {
	return &Supervisor{
		cfg:          cfg,
		projects:     projects,
		sessions:     sessions,
		broker:       broker,
		ledger:       ledger,
		shuttingDown: abool.New(),
		locks:        make(map[string]*sync.Mutex),
		handles:      make(map[string]*handle),
		restarts:     make(map[string]*pendingRestart),
	}
}

// projectLock returns the serialization lock for a project, creating it on
// first use. Locks are never removed; a deleted project leaves an idle mutex.
func (s *Supervisor) projectLock(projectID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lk, ok := s.locks[projectID]
	if !ok {
		lk = &sync.Mutex{}
		s.locks[projectID] = lk
	}
	return lk
}

func (s *Supervisor) getHandle(projectID string) *handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handles[projectID]
}

func (s *Supervisor) putHandle(h *handle) {
	s.mu.Lock()
	s.handles[h.projectID] = h
	s.mu.Unlock()
}

func (s *Supervisor) dropHandle(h *handle) {
	s.mu.Lock()
	if s.handles[h.projectID] == h {
		delete(s.handles, h.projectID)
	}
	s.mu.Unlock()
}

// Start spawns the project's command under supervision. cols/rows size the
// PTY in interactive mode; zero means default. Starting an already-running
// project returns ErrState.
func (s *Supervisor) Start(projectID string, cols, rows uint16) error {
	lk := s.projectLock(projectID)
	lk.Lock()
	defer lk.Unlock()

	// a manual start supersedes any crash-restart still in its backoff
	s.cancelRestart(projectID)
	return s.startLocked(projectID, cols, rows)
}

func (s *Supervisor) startLocked(projectID string, cols, rows uint16) error {
	if s.shuttingDown.IsSet() {
		return fmt.Errorf("%w: supervisor is shutting down", model.ErrState)
	}

	if h := s.getHandle(projectID); h != nil {
		return fmt.Errorf("%w: project %s is %s", model.ErrState, projectID, h.getStatus())
	}

	proj, err := s.projects.GetProject(projectID)
	if err != nil {
		return err
	}
	group, err := s.projects.GetGroup(proj.GroupID)
	if err != nil {
		return err
	}

	sessionID, err := s.sessions.CreateSession(projectID)
	if err != nil {
		return err
	}

	h := &handle{
		projectID:   proj.ID,
		groupID:     proj.GroupID,
		sessionID:   sessionID,
		kind:        proj.Type,
		autoRestart: proj.AutoRestart,
		interactive: proj.Interactive,
		status:      model.StatusStarting,
		exited:      make(chan struct{}),
	}
	s.emitStatus(h, model.StatusStarting)

	if err := s.spawn(h, group, proj, cols, rows); err != nil {
		if serr := s.sessions.EndSession(sessionID, model.ExitErrored); serr != nil {
			splog.WithError(serr).WithSession(sessionID).Warn("can't finalize failed session")
		}
		s.emitStatus(h, model.StatusErrored)
		return err
	}

	if err := s.ledger.Add(h.rootPid); err != nil {
		splog.WithError(err).WithProject(proj.ID).Warn("can't record pid in orphan ledger")
	}

	s.putHandle(h)
	h.setStatus(model.StatusRunning)
	s.emitStatus(h, model.StatusRunning)
	splog.WithProject(proj.ID).WithSession(sessionID).
		WithField("pid", h.rootPid).Debug("Process started.")

	s.startWatcher(h, proj, group)
	return nil
}

// spawn builds and launches the child, wiring output pumps and the exit
// observer. On return with nil error the handle carries the root pid.
func (s *Supervisor) spawn(h *handle, group model.Group, proj model.Project, cols, rows uint16) error {
	sh, err := platform.DetectShell(s.shellOverride())
	if err != nil {
		return err
	}
	argv := sh.CommandLine(proj.Command)

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = ResolveWorkingDir(group, proj)
	cmd.Env = composeEnv(group.EnvVars, proj.EnvVars)

	sink := s.logSink(h)
	var pumps sync.WaitGroup

	if proj.Interactive {
		platform.ApplyPtySpawnAttrs(cmd)
		p, err := iopump.StartPTY(cmd, cols, rows)
		if err != nil {
			return err
		}
		h.pty = p
		pumps.Add(1)
		go func() {
			defer pumps.Done()
			iopump.Pump(p.Reader(), model.StreamStdout, sink)
		}()
	} else {
		platform.ApplySpawnAttrs(cmd)
		stdout, perr := cmd.StdoutPipe()
		if perr != nil {
			return fmt.Errorf("%w: stdout pipe: %s", model.ErrSpawn, perr.Error())
		}
		stderr, perr := cmd.StderrPipe()
		if perr != nil {
			return fmt.Errorf("%w: stderr pipe: %s", model.ErrSpawn, perr.Error())
		}
		if err := cmd.Start(); err != nil {
			return fmt.Errorf("%w: %s: %s", model.ErrSpawn, proj.Command, err.Error())
		}
		pumps.Add(2)
		go func() {
			defer pumps.Done()
			iopump.Pump(stdout, model.StreamStdout, sink)
		}()
		go func() {
			defer pumps.Done()
			iopump.Pump(stderr, model.StreamStderr, sink)
		}()
	}

	h.cmd = cmd
	h.rootPid = cmd.Process.Pid

	go func() {
		// pipes must drain before Wait reaps the child
		pumps.Wait()
		err := cmd.Wait()
		s.onExit(h, err)
	}()
	return nil
}

// logSink persists and broadcasts output chunks. Storage failures are logged
// and swallowed: a full disk must not take the child down.
func (s *Supervisor) logSink(h *handle) iopump.Sink {
	return func(c iopump.Chunk) {
		if err := s.sessions.InsertLog(h.sessionID, c.Stream, c.Data, c.Timestamp); err != nil {
			splog.WithError(err).WithSession(h.sessionID).Warn("can't persist log chunk")
		}
		s.broker.EmitLog(h.projectID, c.Stream, c.Data, c.Timestamp)
	}
}

// onExit runs once per child, after the last output byte has been pumped.
func (s *Supervisor) onExit(h *handle, waitErr error) {
	lk := s.projectLock(h.projectID)
	lk.Lock()

	stopping := h.isStopping()
	exit := model.ExitStopped
	if !stopping {
		if code := exitCode(h, waitErr); code != 0 {
			exit = model.ExitErrored
		}
	}

	if h.pty != nil {
		if err := h.pty.Close(); err != nil {
			splog.WithError(err).WithProject(h.projectID).Debug("pty close failed")
		}
	}
	s.stopWatcher(h)

	if err := s.ledger.Remove(h.rootPid); err != nil {
		splog.WithError(err).WithProject(h.projectID).Warn("can't remove pid from orphan ledger")
	}
	if err := s.sessions.EndSession(h.sessionID, exit); err != nil {
		splog.WithError(err).WithSession(h.sessionID).Warn("can't finalize session")
	}

	status := model.StatusStopped
	if exit == model.ExitErrored {
		status = model.StatusErrored
	}
	h.setStatus(status)
	s.dropHandle(h)
	close(h.exited)
	lk.Unlock()

	s.emitStatus(h, status)
	splog.WithProject(h.projectID).WithSession(h.sessionID).
		WithField("exit", string(exit)).Debug("Process exited.")

	if s.shouldAutoRestart(h, exit, stopping) {
		splog.WithProject(h.projectID).
			WithField("backoff", s.cfg.RestartBackoff.String()).Debug("Scheduling auto-restart.")
		s.scheduleRestart(h)
	}
}

// scheduleRestart arms the crash-restart backoff timer and tracks it so a
// stop landing before it fires wins.
func (s *Supervisor) scheduleRestart(h *handle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.restarts[h.projectID]; ok {
		prev.timer.Stop()
	}
	pr := &pendingRestart{groupID: h.groupID}
	pr.timer = time.AfterFunc(s.cfg.RestartBackoff, func() {
		s.runPendingRestart(h.projectID, pr)
	})
	s.restarts[h.projectID] = pr
}

// runPendingRestart is the backoff timer body. It claims the project lock
// first and only proceeds if the pending entry is still its own: a stop that
// raced the timer has already removed it.
func (s *Supervisor) runPendingRestart(projectID string, pr *pendingRestart) {
	lk := s.projectLock(projectID)
	lk.Lock()
	defer lk.Unlock()

	s.mu.Lock()
	if s.restarts[projectID] != pr {
		s.mu.Unlock()
		return
	}
	delete(s.restarts, projectID)
	s.mu.Unlock()

	if err := s.startLocked(projectID, 0, 0); err != nil {
		splog.WithError(err).WithProject(projectID).Warn("auto-restart failed")
	}
}

// cancelRestart discards a pending crash-restart, if any.
func (s *Supervisor) cancelRestart(projectID string) {
	s.mu.Lock()
	if pr, ok := s.restarts[projectID]; ok {
		pr.timer.Stop()
		delete(s.restarts, projectID)
	}
	s.mu.Unlock()
}

// shouldAutoRestart applies the crash-restart policy: services with the flag
// set restart after an errored exit; tasks and user-initiated stops never do.
func (s *Supervisor) shouldAutoRestart(h *handle, exit model.ExitStatus, stopping bool) bool {
	if stopping || s.shuttingDown.IsSet() {
		return false
	}
	return h.kind == model.TypeService && h.autoRestart && exit == model.ExitErrored
}

func exitCode(h *handle, waitErr error) int {
	if h.cmd != nil && h.cmd.ProcessState != nil {
		return h.cmd.ProcessState.ExitCode()
	}
	if waitErr != nil {
		return -1
	}
	return 0
}

// Stop terminates the project's process: graceful signal to the whole tree,
// then force-kill when the 5 s window expires. Stopping a stopped project is
// a no-op. The exit outcome is recorded as stopped regardless of exit code.
func (s *Supervisor) Stop(projectID string) error {
	lk := s.projectLock(projectID)
	lk.Lock()

	// a crash-looping service may have no live handle, only a backoff timer
	s.cancelRestart(projectID)

	h := s.getHandle(projectID)
	if h == nil {
		lk.Unlock()
		return nil
	}
	if h.isStopping() {
		lk.Unlock()
		s.awaitExit(h)
		return nil
	}

	h.markStopping()
	s.emitStatus(h, model.StatusStopping)

	if err := platform.GracefulShutdown(h.rootPid); err != nil {
		// a dead group is fine; anything else escalates to the force step
		splog.WithError(err).WithProject(projectID).Debug("graceful signal failed")
	}
	forceTimer := time.AfterFunc(s.cfg.GracefulTimeout, func() {
		splog.WithProject(projectID).WithField("pid", h.rootPid).
			Info("Graceful window expired, force-killing process tree.")
		if err := platform.ForceKill(h.rootPid); err != nil {
			splog.WithError(err).WithProject(projectID).Warn("force kill failed")
		}
	})
	lk.Unlock()

	s.awaitExit(h)
	forceTimer.Stop()
	return nil
}

// awaitExit blocks until the exit observer has run, bounded by the graceful
// window plus a second of slack for the force kill to land.
func (s *Supervisor) awaitExit(h *handle) {
	select {
	case <-h.exited:
	case <-time.After(s.cfg.GracefulTimeout + time.Second):
		splog.WithProject(h.projectID).WithField("pid", h.rootPid).
			Warn("process did not exit after force kill")
	}
}

// Restart is stop-then-start with a brief intermediate delay.
func (s *Supervisor) Restart(projectID string) error {
	if err := s.Stop(projectID); err != nil {
		return err
	}
	time.Sleep(restartDelay)
	return s.Start(projectID, 0, 0)
}

// WriteStdin forwards bytes to an interactive child's terminal. Writes to a
// non-running or non-interactive project are silently dropped.
func (s *Supervisor) WriteStdin(projectID string, data []byte) error {
	h := s.getHandle(projectID)
	if h == nil || h.pty == nil || h.getStatus() != model.StatusRunning {
		return nil
	}
	return h.pty.WriteStdin(data)
}

// ResizePty adjusts an interactive child's terminal size. A no-op for
// non-interactive or stopped projects.
func (s *Supervisor) ResizePty(projectID string, cols, rows uint16) error {
	h := s.getHandle(projectID)
	if h == nil || h.pty == nil {
		return nil
	}
	return h.pty.Resize(cols, rows)
}

// Status returns the live snapshot for one project; stopped when no handle.
func (s *Supervisor) Status(projectID string) model.ProcessInfo {
	h := s.getHandle(projectID)
	if h == nil {
		return model.ProcessInfo{ProjectID: projectID, Status: model.StatusStopped}
	}
	return model.ProcessInfo{
		ProjectID: h.projectID,
		GroupID:   h.groupID,
		Status:    h.getStatus(),
		Pid:       h.rootPid,
		SessionID: h.sessionID,
	}
}

// Statuses returns a snapshot for every project with a live handle.
func (s *Supervisor) Statuses() []model.ProcessInfo {
	s.mu.Lock()
	hs := make([]*handle, 0, len(s.handles))
	for _, h := range s.handles {
		hs = append(hs, h)
	}
	s.mu.Unlock()

	infos := make([]model.ProcessInfo, 0, len(hs))
	for _, h := range hs {
		infos = append(infos, model.ProcessInfo{
			ProjectID: h.projectID,
			GroupID:   h.groupID,
			Status:    h.getStatus(),
			Pid:       h.rootPid,
			SessionID: h.sessionID,
		})
	}
	return infos
}

// Targets feeds the stats collector with every running process tree.
func (s *Supervisor) Targets() []stats.Target {
	s.mu.Lock()
	defer s.mu.Unlock()
	targets := make([]stats.Target, 0, len(s.handles))
	for _, h := range s.handles {
		if h.getStatus() != model.StatusRunning {
			continue
		}
		targets = append(targets, stats.Target{
			ProjectID: h.projectID,
			GroupID:   h.groupID,
			SessionID: h.sessionID,
			RootPid:   h.rootPid,
		})
	}
	return targets
}

// StopGroup stops every running project of the group in parallel. Used before
// group deletion and YAML stop-then-replace.
func (s *Supervisor) StopGroup(groupID string) error {
	s.mu.Lock()
	var ids []string
	for _, h := range s.handles {
		if h.groupID == groupID {
			ids = append(ids, h.projectID)
		}
	}
	for id, pr := range s.restarts {
		if pr.groupID == groupID {
			ids = append(ids, id)
		}
	}
	s.mu.Unlock()
	return s.stopAll(ids)
}

// Shutdown stops every running project in parallel, then truncates the
// orphan-pid ledger. No new starts are accepted once it begins.
func (s *Supervisor) Shutdown() error {
	s.shuttingDown.Set()

	s.mu.Lock()
	ids := make([]string, 0, len(s.handles)+len(s.restarts))
	for id := range s.handles {
		ids = append(ids, id)
	}
	for id := range s.restarts {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	splog.WithField("running", len(ids)).Info("Stopping all supervised processes.")
	err := s.stopAll(ids)
	return multierr.Append(err, s.ledger.Clear())
}

func (s *Supervisor) stopAll(ids []string) error {
	var (
		wg    sync.WaitGroup
		errMu sync.Mutex
		errs  error
	)
	for _, id := range ids {
		wg.Add(1)
		go func(projectID string) {
			defer wg.Done()
			if err := s.Stop(projectID); err != nil {
				errMu.Lock()
				errs = multierr.Append(errs, err)
				errMu.Unlock()
			}
		}(id)
	}
	wg.Wait()
	return errs
}

// StartOnLaunch starts every project flagged autoStartOnLaunch. Failures are
// logged per project; a bad command must not block the rest of the boot.
func (s *Supervisor) StartOnLaunch() {
	groups, err := s.projects.ListGroups()
	if err != nil {
		splog.WithError(err).Warn("can't list groups for launch autostart")
		return
	}
	for _, g := range groups {
		for _, p := range g.Projects {
			if !p.AutoStartOnLaunch {
				continue
			}
			if err := s.Start(p.ID, 0, 0); err != nil {
				splog.WithError(err).WithProject(p.ID).Warn("launch autostart failed")
			}
		}
	}
}

func (s *Supervisor) emitStatus(h *handle, status model.ProcessStatus) {
	info := model.ProcessInfo{
		ProjectID: h.projectID,
		GroupID:   h.groupID,
		Status:    status,
	}
	// terminal states carry no pid or session; stats are nulled implicitly
	if status == model.StatusRunning || status == model.StatusStopping {
		info.Pid = h.rootPid
		info.SessionID = h.sessionID
	}
	s.broker.EmitStatus(info)
}

// shellOverride prefers the user's persisted default shell, then the config
// file value. Empty means platform detection.
func (s *Supervisor) shellOverride() string {
	settings, err := s.projects.GetSettings()
	if err == nil {
		if sh, ok := settings["defaultShell"]; ok && sh != "" {
			return sh
		}
	}
	return s.cfg.DefaultShell
}

// startWatcher creates the restart-triggering file watcher for services with
// autoRestart. Watcher failures degrade to no file-watching, never to a
// failed start.
func (s *Supervisor) startWatcher(h *handle, proj model.Project, group model.Group) {
	if proj.Type != model.TypeService || !proj.AutoRestart {
		return
	}
	fw, err := watcher.New(watcher.Config{
		Root:          ResolveWorkingDir(group, proj),
		GroupDir:      group.Directory,
		WatchPatterns: proj.WatchPatterns,
		Debounce:      s.cfg.WatchDebounce,
	}, func(path string) {
		splog.WithProject(proj.ID).WithField("path", path).Info("File change detected, restarting.")
		go func() {
			if err := s.Restart(proj.ID); err != nil {
				splog.WithError(err).WithProject(proj.ID).Warn("watch-triggered restart failed")
			}
		}()
	})
	if err != nil {
		splog.WithError(err).WithProject(proj.ID).Warn("can't start file watcher")
		return
	}
	h.fw = fw
}

func (s *Supervisor) stopWatcher(h *handle) {
	if h.fw == nil {
		return
	}
	if err := h.fw.Close(); err != nil {
		splog.WithError(err).WithProject(h.projectID).Debug("watcher close failed")
	}
	h.fw = nil
}

// ReconcileWatcher re-evaluates the file watcher of a running project after
// its definition changed: kind, autoRestart or watch patterns may have
// flipped. Stopped projects are untouched; their next start picks the new
// definition up anyway.
func (s *Supervisor) ReconcileWatcher(projectID string) {
	lk := s.projectLock(projectID)
	lk.Lock()
	defer lk.Unlock()

	h := s.getHandle(projectID)
	if h == nil || h.getStatus() != model.StatusRunning {
		return
	}
	proj, err := s.projects.GetProject(projectID)
	if err != nil {
		return
	}
	group, err := s.projects.GetGroup(proj.GroupID)
	if err != nil {
		return
	}
	s.stopWatcher(h)
	h.kind = proj.Type
	h.autoRestart = proj.AutoRestart
	s.startWatcher(h, proj, group)
}
