// Copyright 2025 The OpenRunner Authors. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

// openrunner-service runs the OpenRunner core under the OS service manager
// (systemd, launchd, SCM). It launches the sibling openrunner binary and
// relays stop requests as a graceful signal, force-killing on timeout.
package main

import (
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"github.com/kardianos/service"

	"github.com/openrunner/openrunner/pkg/log"
)

const svcName = "openrunner"

var (
	gracefulExitTimeout    = 10 * time.Second
	errGracefulExitTimeout = errors.New("graceful stop time exceeded... forcing stop")
)

var svclog = log.WithComponent("service.Wrapper")

// commandPath returns the absolute path of the core binary to run, next to
// the wrapper.
func commandPath(svcCmd string) string {
	path := filepath.Join(filepath.Dir(svcCmd), svcName)
	if runtime.GOOS == "windows" {
		return path + ".exe"
	}
	return path
}

type daemon struct {
	sync.Mutex
	args      []string
	cmd       *exec.Cmd
	exitCodeC chan int
}

type wrapper struct {
	daemon daemon
}

// Start launches the core and keeps the service manager happy by returning
// immediately; the child is monitored on its own goroutine.
func (w *wrapper) Start(service.Service) error {
	w.daemon.Lock()
	defer w.daemon.Unlock()

	exe := commandPath(w.daemon.args[0])
	w.daemon.cmd = exec.Command(exe, w.daemon.args[1:]...)
	w.daemon.cmd.Stdout = os.Stdout
	w.daemon.cmd.Stderr = os.Stderr
	w.daemon.exitCodeC = make(chan int, 1)

	if err := w.daemon.cmd.Start(); err != nil {
		return err
	}
	svclog.WithField("pid", w.daemon.cmd.Process.Pid).Info("Core process started.")

	go func() {
		err := w.daemon.cmd.Wait()
		code := 0
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
		} else if err != nil {
			code = 1
		}
		w.daemon.exitCodeC <- code
	}()
	return nil
}

// Stop signals the core to shut down and waits for the exit, forcing a kill
// when the graceful window runs out.
func (w *wrapper) Stop(service.Service) error {
	w.daemon.Lock()
	defer w.daemon.Unlock()

	if w.daemon.cmd == nil || w.daemon.cmd.Process == nil {
		return nil
	}
	if err := signalGracefulStop(w.daemon.cmd.Process); err != nil {
		svclog.WithError(err).Warn("can't signal core process")
	}

	select {
	case code := <-w.daemon.exitCodeC:
		svclog.WithField("exitCode", code).Info("Core process stopped.")
		return nil
	case <-time.After(gracefulExitTimeout):
		svclog.Warn(errGracefulExitTimeout.Error())
		return w.daemon.cmd.Process.Kill()
	}
}

func main() {
	log.SetOutput(os.Stdout)
	svclog.Infof("Starting core process: %s", commandPath(os.Args[0]))

	svc, err := service.New(
		&wrapper{daemon: daemon{args: os.Args}},
		&service.Config{Name: svcName},
	)
	if err != nil {
		svclog.WithError(err).Error("Initializing service manager support...")
		os.Exit(1)
	}

	if err := svc.Run(); err != nil {
		// not necessarily an error: the child may have already exited
		svclog.WithError(err).Debug("Service run exit.")
		os.Exit(1)
	}
}
