// Copyright 2026 The Vigil Authors
// SPDX-License-Identifier: Apache-2.0

// vigild is the session orchestration daemon. It receives lifecycle
// hooks over HTTP, polls session transcripts as a fallback source,
// folds both into one append-only event log, derives task and session
// state, and delivers operator commands into tmux panes.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/vigil-sh/vigil/lib/broadcast"
	"github.com/vigil-sh/vigil/lib/cadence"
	"github.com/vigil-sh/vigil/lib/config"
	"github.com/vigil-sh/vigil/lib/deliver"
	"github.com/vigil-sh/vigil/lib/event"
	"github.com/vigil-sh/vigil/lib/hooks"
	"github.com/vigil-sh/vigil/lib/process"
	"github.com/vigil-sh/vigil/lib/service"
	"github.com/vigil-sh/vigil/lib/session"
	"github.com/vigil-sh/vigil/lib/supervise"
	"github.com/vigil-sh/vigil/lib/task"
	"github.com/vigil-sh/vigil/lib/tmux"
	"github.com/vigil-sh/vigil/lib/transcript"
	"github.com/vigil-sh/vigil/lib/version"
)

func main() {
	if err := run(); err != nil {
		process.Fatal(err)
	}
}

func run() error {
	var configPath string
	var showVersion bool

	flags := pflag.NewFlagSet("vigild", pflag.ContinueOnError)
	flags.StringVar(&configPath, "config", "", "path to config file (default: $VIGIL_CONFIG or built-in defaults)")
	flags.BoolVar(&showVersion, "version", false, "print version information and exit")
	if err := flags.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}
	if showVersion {
		version.Print("vigild")
		return nil
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(cfg.Paths.Root, 0o755); err != nil {
		return fmt.Errorf("creating state dir: %w", err)
	}

	log, err := event.OpenLog(event.LogConfig{
		Dir:          cfg.Paths.EventLog,
		RotateBytes:  cfg.EventLog.RotateBytes,
		WriteRetries: cfg.EventLog.WriteRetries,
		RetryBackoff: cfg.EventLog.RetryBackoff.Std(),
		Logger:       logger,
	})
	if err != nil {
		return fmt.Errorf("opening event log: %w", err)
	}
	defer log.Close()

	// The projection database is derived state: drop it and rebuild
	// from the log so replay never duplicates rows.
	for _, suffix := range []string{"", "-wal", "-shm"} {
		os.Remove(cfg.Paths.Database + suffix)
	}
	store, err := task.OpenStore(cfg.Paths.Database, logger)
	if err != nil {
		return fmt.Errorf("opening projection store: %w", err)
	}
	defer store.Close()

	registry := session.NewRegistry(time.Now)
	bus := broadcast.New(logger)

	if err := replayLog(ctx, cfg.Paths.EventLog, registry, store, cfg.Poll.MatchWindow.Std(), logger); err != nil {
		return fmt.Errorf("replaying event log: %w", err)
	}
	logger.Info("event log replayed", "sessions", registry.Len())

	machine := task.NewMachine(task.MachineConfig{
		Registry:  registry,
		Store:     store,
		Log:       log,
		Broadcast: bus,
		Logger:    logger,
	})

	controller := cadence.New(cadence.Config{
		ReconcileInterval: cfg.Poll.ReconcileInterval.Std(),
		FallbackInterval:  cfg.Poll.FallbackInterval.Std(),
		SilenceThreshold:  cfg.Poll.SilenceThreshold.Std(),
		Logger:            logger,
	})

	reconciler := transcript.NewReconciler(transcript.ReconcilerConfig{
		Store:       store,
		Machine:     machine,
		Broadcast:   bus,
		MatchWindow: cfg.Poll.MatchWindow.Std(),
		Logger:      logger,
	})

	poller := transcript.NewPoller(transcript.PollerConfig{
		Registry:          registry,
		Log:               log,
		Reconciler:        reconciler,
		Machine:           machine,
		Cadence:           controller,
		Debounce:          cfg.Poll.Debounce.Std(),
		InactivityTimeout: cfg.Poll.InactivityTimeout.Std(),
		Logger:            logger,
	})

	bridge := deliver.NewBridge(deliver.Config{
		Server:       tmux.NewServer(cfg.Delivery.TmuxSocket),
		ConfirmDelay: cfg.Delivery.ConfirmDelay.Std(),
		SendTimeout:  cfg.Delivery.SendTimeout.Std(),
		Logger:       logger,
	})

	supervisor := supervise.New(supervise.Config{
		CrashFile: filepath.Join(cfg.Paths.Root, "crash.json"),
		Logger:    logger,
	})
	reportPreviousCrash(cfg.Paths.Root, logger)

	receiver := hooks.NewReceiver(hooks.Config{
		Registry:  registry,
		Log:       log,
		Machine:   machine,
		Cadence:   controller,
		Store:     store,
		Bridge:    bridge,
		Broadcast: bus,
		LastPoll:  poller.LastPoll,
		Rejected:  machine.Rejected,
		Dropped:   log.Dropped,
		Degraded:  supervisor.Degraded,
		Logger:    logger,
	})

	httpServer := service.NewHTTPServer(service.HTTPServerConfig{
		Address:         cfg.Listen,
		Handler:         receiver.Handler(),
		ShutdownTimeout: cfg.Hooks.ShutdownTimeout.Std(),
		Logger:          logger,
	})

	pollerDone := make(chan struct{})
	go func() {
		defer close(pollerDone)
		supervisor.Loop(ctx, "poller", func(ctx context.Context) error {
			poller.Run(ctx)
			return ctx.Err()
		})
	}()

	serveDone := make(chan error, 1)
	go func() {
		serveDone <- httpServer.Serve(ctx)
	}()

	<-httpServer.Ready()
	logger.Info("vigild running",
		"listen", httpServer.Addr().String(),
		"state_dir", cfg.Paths.Root,
	)

	<-ctx.Done()
	logger.Info("shutting down")

	if err := <-serveDone; err != nil {
		logger.Error("http server error", "error", err)
	}
	<-pollerDone

	// Intake has stopped; flush what the log buffered before exit.
	if err := log.Sync(); err != nil {
		logger.Error("event log flush failed", "error", err)
	}
	return nil
}

// loadConfig resolves the configuration: explicit flag first, then the
// VIGIL_CONFIG environment variable, then defaults.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFile(path)
	}
	return config.Load()
}

// replayLog rebuilds the in-memory registry and the projection store
// from the durable event log. The replay machine appends nowhere:
// replayed transitions are already in the log. Poll-sourced turns go
// through a reconciler exactly as they did live, so an utterance the
// log holds from both sources rebuilds as one turn with the upgraded
// timestamp instead of two.
func replayLog(ctx context.Context, dir string, registry *session.Registry, store *task.Store, matchWindow time.Duration, logger *slog.Logger) error {
	bus := broadcast.New(nil)
	replayer := task.NewMachine(task.MachineConfig{
		Registry:  registry,
		Store:     store,
		Log:       task.DiscardAppender{},
		Broadcast: bus,
		Logger:    slog.New(slog.DiscardHandler),
	})
	reconciler := transcript.NewReconciler(transcript.ReconcilerConfig{
		Store:       store,
		Machine:     replayer,
		Broadcast:   bus,
		MatchWindow: matchWindow,
		Logger:      slog.New(slog.DiscardHandler),
	})
	return event.Replay(dir, func(ev *event.Event) error {
		if ev.Kind == event.KindTurnDetected && ev.Source == event.SourcePoll {
			return reconciler.Reconcile(ctx, ev)
		}
		return replayer.Apply(ctx, ev)
	})
}

// reportPreviousCrash surfaces a crash file left by an earlier run.
func reportPreviousCrash(root string, logger *slog.Logger) {
	crash, err := supervise.ReadCrashFile(filepath.Join(root, "crash.json"))
	if err != nil {
		return
	}
	logger.Warn("previous run recorded a crash",
		"loop", crash.Loop,
		"reason", crash.Reason,
		"at", crash.Timestamp,
	)
}
