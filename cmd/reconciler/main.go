// Package main provides the reconciliation worker entry point for the property exchange settlement service.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/property-exchange/internal/app"
	"github.com/property-exchange/internal/config"
	"github.com/property-exchange/internal/logging"
)

func main() {
	var (
		once         = flag.Bool("once", false, "Run a single sweep, print the report and exit")
		useIntentLog = flag.Bool("intent-log", false, "Open INTENT_LOG_PATH; only safe while the server is stopped")
		intervalFlag = flag.Duration("interval", 0, "Sweep interval (defaults to RECONCILE_INTERVAL)")
	)
	flag.Parse()

	fmt.Println("Property Exchange Reconciler")
	log.Println("Reconciler starting...")

	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logging.InitGlobalLogger(logging.ParseLogLevel(cfg.Logging.Level), logging.ParseLogFormat(cfg.Logging.Format))
	logger := logging.GetGlobalLogger().WithField("component", "reconciler")
	defer func() { _ = logger.Sync() }()

	if cfg.Database.Backend == config.StorageBackendMemory {
		logger.Warn("STORAGE_BACKEND is memory; this process cannot see the server's attempts")
	}

	// The server holds the intent log open while it runs
	if !*useIntentLog {
		cfg.IntentLog.Path = ""
	}

	interval := cfg.Reconciliation.Interval
	if *intervalFlag > 0 {
		interval = *intervalFlag
	}

	ctx, cancel := context.WithCancel(logging.WithLogger(context.Background(), logger))
	defer cancel()

	components, err := app.Build(ctx, cfg, app.Options{})
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize settlement components")
	}
	defer components.Close()

	if *once {
		report, err := components.Reconciler.RunOnce(ctx)
		if err != nil {
			logger.WithError(err).Fatal("Reconciliation sweep failed")
		}
		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		if err := encoder.Encode(report); err != nil {
			logger.WithError(err).Fatal("Failed to write report")
		}
		return
	}

	done := make(chan struct{})
	go func() {
		components.Reconciler.Start(ctx, interval)
		close(done)
	}()

	// Wait for interrupt signal to gracefully shutdown the worker
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down reconciler...")
	cancel()
	<-done

	logger.Info("Reconciler exited")
}
