// Copyright 2025 The OpenRunner Authors. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

//go:build linux || darwin || freebsd
// +build linux darwin freebsd

package supervisor

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openrunner/openrunner/internal/events"
	"github.com/openrunner/openrunner/internal/platform"
	"github.com/openrunner/openrunner/internal/store"
	"github.com/openrunner/openrunner/pkg/config"
	"github.com/openrunner/openrunner/pkg/model"
)

type testEnv struct {
	sup      *Supervisor
	projects *store.ConfigStore
	sessions *store.SessionStore
	broker   *events.Broker
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()

	db, err := store.Open(filepath.Join(dir, "runner-ui.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	cfg := config.NewTest(dir)
	cfg.DefaultShell = "/bin/sh"
	cfg.GracefulTimeout = 2 * time.Second
	cfg.RestartBackoff = 400 * time.Millisecond
	cfg.WatchDebounce = 100 * time.Millisecond

	env := &testEnv{
		projects: store.NewConfigStore(db),
		sessions: store.NewSessionStore(db),
		broker:   events.NewBroker(),
	}
	env.sup = New(cfg, env.projects, env.sessions, env.broker, platform.NewLedger(filepath.Join(dir, "openrunner.pids")))
	t.Cleanup(func() { _ = env.sup.Shutdown() })
	return env
}

// seedProject stores a one-project group and returns the project.
func (e *testEnv) seedProject(t *testing.T, p model.Project) model.Project {
	t.Helper()
	g, err := e.projects.CreateGroup(model.Group{
		Name:      "g",
		Directory: t.TempDir(),
		Projects:  []model.Project{p},
	})
	require.NoError(t, err)
	return g.Projects[0]
}

// waitSessionEnded polls until the newest session of the project has a
// terminal status and returns it.
func (e *testEnv) waitSessionEnded(t *testing.T, projectID string, within time.Duration) model.Session {
	t.Helper()
	var last model.Session
	require.Eventually(t, func() bool {
		sessions, err := e.sessions.GetProjectSessions(projectID)
		if err != nil || len(sessions) == 0 || sessions[0].EndedAt == nil {
			return false
		}
		last = sessions[0]
		return true
	}, within, 20*time.Millisecond)
	return last
}

func TestSupervisor_TaskRunsToCompletion(t *testing.T) {
	env := newTestEnv(t)
	// GIVEN a stored one-shot task that prints and exits cleanly
	p := env.seedProject(t, model.Project{Name: "hello", Command: "echo hi", Type: model.TypeTask})

	// WHEN it is started
	require.NoError(t, env.sup.Start(p.ID, 0, 0))

	// THEN its session ends as stopped and carries the output
	sess := env.waitSessionEnded(t, p.ID, 5*time.Second)
	assert.Equal(t, model.ExitStopped, sess.ExitStatus)

	out, err := env.sessions.GetSessionLogsAsString(sess.ID)
	require.NoError(t, err)
	assert.Contains(t, out, "hi")

	assert.Equal(t, model.StatusStopped, env.sup.Status(p.ID).Status)
}

func TestSupervisor_StartTwiceIsRejected(t *testing.T) {
	env := newTestEnv(t)
	p := env.seedProject(t, model.Project{Name: "sleeper", Command: "sleep 30", Type: model.TypeService})

	require.NoError(t, env.sup.Start(p.ID, 0, 0))
	err := env.sup.Start(p.ID, 0, 0)
	assert.ErrorIs(t, err, model.ErrState)

	require.NoError(t, env.sup.Stop(p.ID))
}

func TestSupervisor_SpawnFailureEndsSessionErrored(t *testing.T) {
	env := newTestEnv(t)
	// GIVEN a project whose shell binary does not exist
	p := env.seedProject(t, model.Project{Name: "broken", Command: "echo hi", Type: model.TypeTask})
	require.NoError(t, env.projects.UpdateSettings(model.Settings{"defaultShell": "/nonexistent/shell"}))

	// WHEN starting it
	err := env.sup.Start(p.ID, 0, 0)

	// THEN the caller sees a spawn error and the session is errored
	require.ErrorIs(t, err, model.ErrSpawn)
	sessions, serr := env.sessions.GetProjectSessions(p.ID)
	require.NoError(t, serr)
	require.Len(t, sessions, 1)
	assert.Equal(t, model.ExitErrored, sessions[0].ExitStatus)
	assert.Equal(t, model.StatusStopped, env.sup.Status(p.ID).Status)
}

func TestSupervisor_StopIsRecordedAsStopped(t *testing.T) {
	env := newTestEnv(t)
	p := env.seedProject(t, model.Project{Name: "srv", Command: "sleep 60", Type: model.TypeService})
	require.NoError(t, env.sup.Start(p.ID, 0, 0))

	start := time.Now()
	require.NoError(t, env.sup.Stop(p.ID))

	// graceful SIGTERM lands well before the force window
	assert.Less(t, time.Since(start), 2*time.Second)
	sess := env.waitSessionEnded(t, p.ID, time.Second)
	assert.Equal(t, model.ExitStopped, sess.ExitStatus)
}

func TestSupervisor_StopOnStoppedIsNoop(t *testing.T) {
	env := newTestEnv(t)
	p := env.seedProject(t, model.Project{Name: "idle", Command: "true", Type: model.TypeTask})
	assert.NoError(t, env.sup.Stop(p.ID))
}

func TestSupervisor_CrashingServiceAutoRestarts(t *testing.T) {
	env := newTestEnv(t)
	// GIVEN a service that exits nonzero immediately
	p := env.seedProject(t, model.Project{Name: "crasher", Command: "false", Type: model.TypeService, AutoRestart: true})

	// WHEN it runs for a while
	require.NoError(t, env.sup.Start(p.ID, 0, 0))

	// THEN sessions keep accumulating, each errored
	require.Eventually(t, func() bool {
		sessions, err := env.sessions.GetProjectSessions(p.ID)
		return err == nil && len(sessions) >= 2
	}, 5*time.Second, 50*time.Millisecond)

	sessions, err := env.sessions.GetProjectSessions(p.ID)
	require.NoError(t, err)
	for _, s := range sessions {
		if s.EndedAt != nil {
			assert.Equal(t, model.ExitErrored, s.ExitStatus)
		}
	}
}

func TestSupervisor_StopCancelsPendingRestart(t *testing.T) {
	env := newTestEnv(t)
	// GIVEN a crash-looping service that has exited into its backoff window
	p := env.seedProject(t, model.Project{Name: "crasher", Command: "false", Type: model.TypeService, AutoRestart: true})
	require.NoError(t, env.sup.Start(p.ID, 0, 0))
	env.waitSessionEnded(t, p.ID, 2*time.Second)

	// WHEN the user stops it before the backoff elapses
	require.NoError(t, env.sup.Stop(p.ID))
	before, err := env.sessions.GetProjectSessions(p.ID)
	require.NoError(t, err)

	// THEN no restart fires afterwards
	time.Sleep(env.sup.cfg.RestartBackoff + 500*time.Millisecond)
	after, err := env.sessions.GetProjectSessions(p.ID)
	require.NoError(t, err)
	assert.Len(t, after, len(before), "stop must cancel the scheduled restart")
	assert.Equal(t, model.StatusStopped, env.sup.Status(p.ID).Status)
}

func TestSupervisor_TaskNeverAutoRestarts(t *testing.T) {
	env := newTestEnv(t)
	// autoRestart is set but must be ignored for tasks
	p := env.seedProject(t, model.Project{Name: "once", Command: "false", Type: model.TypeTask, AutoRestart: true})

	require.NoError(t, env.sup.Start(p.ID, 0, 0))
	env.waitSessionEnded(t, p.ID, 5*time.Second)

	time.Sleep(time.Second)
	sessions, err := env.sessions.GetProjectSessions(p.ID)
	require.NoError(t, err)
	assert.Len(t, sessions, 1)
	assert.Equal(t, model.ExitErrored, sessions[0].ExitStatus)
}

func TestSupervisor_StdinToNonRunningIsSilentlyDropped(t *testing.T) {
	env := newTestEnv(t)
	p := env.seedProject(t, model.Project{Name: "idle", Command: "cat", Type: model.TypeService, Interactive: true})

	assert.NoError(t, env.sup.WriteStdin(p.ID, []byte("ignored\n")))
	assert.NoError(t, env.sup.ResizePty(p.ID, 80, 24))
}

func TestSupervisor_InteractiveEchoesThroughPty(t *testing.T) {
	env := newTestEnv(t)
	// GIVEN a cat process attached to a PTY
	p := env.seedProject(t, model.Project{Name: "cat", Command: "cat", Type: model.TypeService, Interactive: true})
	require.NoError(t, env.sup.Start(p.ID, 80, 24))

	ch, cancel := env.broker.Subscribe()
	defer cancel()

	// WHEN bytes are written to its stdin
	require.Eventually(t, func() bool {
		return env.sup.Status(p.ID).Status == model.StatusRunning
	}, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, env.sup.WriteStdin(p.ID, []byte("hi\n")))

	// THEN the echo comes back as a log event on the stdout stream
	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev := <-ch:
			if ev.Type == events.TypeProcessLog && ev.ProcessLog.ProjectID == p.ID &&
				ev.ProcessLog.Stream == model.StreamStdout && len(ev.ProcessLog.Data) > 0 {
				require.NoError(t, env.sup.ResizePty(p.ID, 100, 40))
				require.NoError(t, env.sup.Stop(p.ID))
				return
			}
		case <-deadline:
			t.Fatal("no PTY output observed")
		}
	}
}

func TestSupervisor_StatusesAndTargetsTrackRunningHandles(t *testing.T) {
	env := newTestEnv(t)
	p := env.seedProject(t, model.Project{Name: "srv", Command: "sleep 30", Type: model.TypeService})
	require.NoError(t, env.sup.Start(p.ID, 0, 0))

	infos := env.sup.Statuses()
	require.Len(t, infos, 1)
	assert.Equal(t, model.StatusRunning, infos[0].Status)
	assert.NotZero(t, infos[0].Pid)

	targets := env.sup.Targets()
	require.Len(t, targets, 1)
	assert.Equal(t, p.ID, targets[0].ProjectID)
	assert.Equal(t, infos[0].Pid, targets[0].RootPid)

	require.NoError(t, env.sup.Stop(p.ID))
	assert.Empty(t, env.sup.Targets())
}

func TestSupervisor_ShutdownStopsEverythingAndClearsLedger(t *testing.T) {
	env := newTestEnv(t)
	p1 := env.seedProject(t, model.Project{Name: "a", Command: "sleep 30", Type: model.TypeService})
	p2 := env.seedProject(t, model.Project{Name: "b", Command: "sleep 30", Type: model.TypeService})
	require.NoError(t, env.sup.Start(p1.ID, 0, 0))
	require.NoError(t, env.sup.Start(p2.ID, 0, 0))

	require.NoError(t, env.sup.Shutdown())

	assert.Empty(t, env.sup.Statuses())
	pids, err := env.sup.ledger.Load()
	require.NoError(t, err)
	assert.Empty(t, pids, "ledger must be truncated on clean shutdown")

	// no new starts once shutting down
	assert.ErrorIs(t, env.sup.Start(p1.ID, 0, 0), model.ErrState)
}

func TestSupervisor_EnvComposition(t *testing.T) {
	t.Setenv("ORDER_TEST", "process")

	env := composeEnv(
		map[string]string{"ORDER_TEST": "group", "GROUP_ONLY": "g"},
		map[string]string{"ORDER_TEST": "project"},
	)

	assert.Contains(t, env, "ORDER_TEST=project", "project vars win")
	assert.Contains(t, env, "GROUP_ONLY=g")
	assert.Contains(t, env, "FORCE_COLOR=1")
	assert.Contains(t, env, "CLICOLOR_FORCE=1")
}

func TestResolveWorkingDir(t *testing.T) {
	g := model.Group{Directory: "/srv/app"}

	assert.Equal(t, "/srv/app", ResolveWorkingDir(g, model.Project{}))
	assert.Equal(t, "/srv/app/web", ResolveWorkingDir(g, model.Project{Cwd: "web"}))
	assert.Equal(t, "/opt/elsewhere", ResolveWorkingDir(g, model.Project{Cwd: "/opt/elsewhere"}))
}
