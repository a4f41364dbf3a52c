// Copyright 2025 The OpenRunner Authors. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/openrunner/openrunner/internal/events"
	"github.com/openrunner/openrunner/internal/httpapi"
	"github.com/openrunner/openrunner/internal/platform"
	"github.com/openrunner/openrunner/internal/stats"
	"github.com/openrunner/openrunner/internal/store"
	"github.com/openrunner/openrunner/internal/supervisor"
	"github.com/openrunner/openrunner/internal/yamlmirror"
	"github.com/openrunner/openrunner/pkg/config"
	wlog "github.com/openrunner/openrunner/pkg/log"
)

var (
	configFile  string
	validate    bool
	showVersion bool
	verbose     int

	buildVersion = "development"
	gitCommit    = ""
)

func init() {
	flag.StringVar(&configFile, "config", "", "Overrides default configuration file")
	flag.BoolVar(&validate, "validate", false, "Validate configuration and exit")
	flag.BoolVar(&showVersion, "version", false, "Shows version details")
	flag.IntVar(&verbose, "verbose", 0, "Higher numbers increase levels of logging. When enabled overrides provided config.")
}

var alog = wlog.WithComponent("OpenRunner")

func main() {
	flag.Parse()

	if showVersion {
		fmt.Printf("OpenRunner version: %s, GoVersion: %s, GitCommit: %s\n",
			buildVersion, runtime.Version(), gitCommit)
		os.Exit(0)
	}

	// SIGQUIT dumps goroutines without dying, for stuck-process triage
	go func() {
		sigs := make(chan os.Signal, 1)
		signal.Notify(sigs, syscall.SIGQUIT)
		for {
			<-sigs
			buf := make([]byte, 1<<20)
			n := runtime.Stack(buf, true)
			alog.Info(fmt.Sprintf("== SIGQUIT RECEIVED ==\n%s", buf[:n]))
		}
	}()

	cfg, err := config.LoadConfig(configFile)
	if validate {
		if err != nil {
			alog.Info(fmt.Sprintf("config validation failed with error: %s", err.Error()))
		} else {
			alog.Info("config validation finished without errors")
		}
		os.Exit(0)
	}
	if err != nil {
		alog.WithError(err).Error("can't load configuration file")
		os.Exit(1)
	}
	if verbose > 0 {
		cfg.Verbose = verbose
	}
	configureLogging(cfg)

	alog.WithField("dataDir", cfg.DataDir).Info("Starting OpenRunner core.")

	if err := run(cfg); err != nil {
		alog.WithError(err).Error("OpenRunner core exited with error")
		os.Exit(1)
	}
}

func configureLogging(cfg *config.Config) {
	if cfg.Verbose > 0 {
		wlog.SetLevel(logrus.DebugLevel)
	}
	if cfg.LogFormat == "json" {
		wlog.SetFormatter(&logrus.JSONFormatter{})
	}
	if cfg.LogFile != "" {
		f, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			alog.WithError(err).Warn("can't open log file, logging to stderr only")
			return
		}
		wlog.SetOutput(io.MultiWriter(os.Stderr, f))
	}
}

func run(cfg *config.Config) error {
	db, err := store.Open(cfg.DatabasePath())
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	// orphan reaping must complete before any new spawn is permitted
	ledger := platform.NewLedger(cfg.PidLedgerPath())
	if err := ledger.KillOrphanedProcesses(); err != nil {
		alog.WithError(err).Warn("orphan reap incomplete")
	}

	projects := store.NewConfigStore(db)
	sessions := store.NewSessionStore(db)
	broker := events.NewBroker()

	if cfg.SessionRetentionDays > 0 {
		if removed, err := sessions.CleanupOldSessions(cfg.SessionRetentionDays); err != nil {
			alog.WithError(err).Warn("startup session prune failed")
		} else if removed > 0 {
			alog.WithField("sessions", removed).Info("Pruned old sessions.")
		}
	}

	sup := supervisor.New(cfg, projects, sessions, broker, ledger)
	collector := stats.NewCollector(cfg.StatsInterval, sup.Targets, sessions, broker)
	mirror := yamlmirror.NewMirror(broker, cfg.YamlSuppressWindow)
	defer mirror.Close()

	commands := supervisor.NewCommands(cfg, sup, projects, sessions, mirror, broker, collector)
	commands.WatchSyncedGroups()
	sup.StartOnLaunch()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go collector.Run(ctx)

	go func() {
		sigs := make(chan os.Signal, 1)
		signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigs
		alog.WithField("signal", sig.String()).Info("Shutting down.")
		cancel()
	}()

	api := httpapi.NewServer(cfg, commands, broker)
	serveErr := api.Serve(ctx)

	if err := sup.Shutdown(); err != nil {
		alog.WithError(err).Warn("not all processes stopped cleanly")
	}
	return serveErr
}
