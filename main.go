package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/term"

	"board-sync/cmd"
	"board-sync/internal/config"
	"board-sync/internal/events"
	"board-sync/internal/logging"
	"board-sync/internal/util"
)

const logFile = ".sync_temp/logs/board-sync.log"

func initLogging() {
	dir, _ := util.ProjectRootFromWorkingDir(config.ConfigFileName)
	lc := logging.Config{Level: "info", Format: "json", OutputPath: filepath.Join(dir, logFile)}
	if cfg, err := config.LoadFrom(dir); err == nil {
		lc.Level = cfg.Log.Level
		if cfg.Log.Format != "" {
			lc.Format = cfg.Log.Format
		}
		if cfg.Log.File != "" {
			lc.OutputPath = cfg.Log.File
		}
	}
	if err := os.MkdirAll(filepath.Dir(lc.OutputPath), 0755); err != nil {
		fmt.Fprintf(os.Stderr, "failed to create log directory: %v\n", err)
		return
	}
	if err := logging.Init(lc); err != nil {
		fmt.Fprintf(os.Stderr, "failed to open log file: %v\n", err)
	}
}

func main() {
	initLogging()
	defer logging.Sync()
	log := logging.Named("main")

	// Capture original terminal state (if stdin is a TTY) so we can restore on forced exit.
	var origState *term.State
	if term.IsTerminal(int(os.Stdin.Fd())) {
		if st, err := term.GetState(int(os.Stdin.Fd())); err == nil {
			origState = st
		}
	}
	restore := func() {
		if origState != nil {
			_ = term.Restore(int(os.Stdin.Fd()), origState)
		}
	}
	forceExit := func(code int) {
		_ = util.RestoreGlobal()
		restore()
		logging.Sync()
		os.Exit(code)
	}

	// Context used to issue graceful cancellation to command tree.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var once sync.Once
	shutdown := make(chan struct{})
	events.GlobalBus.Subscribe(events.EventShutdownRequested, func(reason string) {
		once.Do(func() {
			log.Info("shutdown requested", zap.String("reason", reason))
			cancel()
			close(shutdown)
		})
	})

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		for sig := range sigCh {
			select {
			case <-shutdown:
				// second signal while shutting down
				log.Warn("forced exit", zap.String("signal", sig.String()))
				forceExit(130)
			default:
			}
			util.Default.Println("\nStopping, press Ctrl+C again to force")
			events.GlobalBus.Publish(events.EventShutdownRequested, sig.String())
		}
	}()

	done := make(chan error, 1)
	go func() { done <- cmd.ExecuteContext(ctx) }()

	var err error
	select {
	case err = <-done:
	case <-shutdown:
		select {
		case err = <-done:
			log.Info("command exited cleanly after shutdown")
		case <-time.After(15 * time.Second):
			log.Warn("timeout waiting for command after shutdown, forcing exit")
			forceExit(1)
		}
	}
	events.GlobalBus.Publish(events.EventShutdownComplete)

	restore()
	if err != nil {
		util.Default.Println(err)
		logging.Sync()
		os.Exit(1)
	}
}
