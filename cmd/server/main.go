// Package main provides the API server entry point for the property exchange settlement service.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/property-exchange/internal/api"
	"github.com/property-exchange/internal/app"
	"github.com/property-exchange/internal/config"
	"github.com/property-exchange/internal/logging"
)

func main() {
	seedFile := flag.String("seed", "", "Load development fixtures from a JSON file")
	flag.Parse()

	fmt.Println("Property Exchange API Server")
	log.Println("Server starting...")

	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Initialize structured logging
	logLevel := logging.ParseLogLevel(cfg.Logging.Level)
	logFormat := logging.ParseLogFormat(cfg.Logging.Format)
	logging.InitGlobalLogger(logLevel, logFormat)

	logger := logging.GetGlobalLogger()
	defer func() { _ = logger.Sync() }()
	logger.WithFields(map[string]interface{}{
		"level":  cfg.Logging.Level,
		"format": cfg.Logging.Format,
	}).Info("Structured logging initialized")

	logger.WithFields(map[string]interface{}{
		"storage": cfg.Database.Backend,
		"ledger":  cfg.Ledger.Mode,
		"locks":   cfg.Settlement.LockBackend,
	}).Info("Initializing settlement components...")

	ctx, stop := context.WithCancel(logging.WithLogger(context.Background(), logger))
	defer stop()

	components, err := app.Build(ctx, cfg, app.Options{SeedFile: *seedFile})
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize settlement components")
	}
	defer components.Close()

	logger.Info("Services initialized")

	// Memory stores are invisible to a separate reconciler process, so sweep here
	if cfg.Database.Backend == config.StorageBackendMemory && cfg.Reconciliation.Interval > 0 {
		go components.Reconciler.Start(ctx, cfg.Reconciliation.Interval)
		logger.WithField("interval", cfg.Reconciliation.Interval.String()).Info("In-process reconciliation started")
	}

	healthChecks := make(map[string]api.HealthCheck, len(components.HealthChecks))
	for name, check := range components.HealthChecks {
		healthChecks[name] = check
	}

	// Create server configuration
	serverConfig := &api.ServerConfig{
		Host:            cfg.Server.Host,
		Port:            cfg.Server.Port,
		ReadTimeout:     15 * time.Second,
		WriteTimeout:    cfg.Ledger.CallTimeout + 15*time.Second,
		IdleTimeout:     60 * time.Second,
		ShutdownTimeout: 10 * time.Second,
		AllowedOrigins:  cfg.Server.AllowedOrigins,
		AdminToken:      cfg.Server.AdminToken,
		RequestsPerSec:  cfg.RateLimit.RequestsPerSecond,
		Burst:           cfg.RateLimit.Burst,
	}
	if serverConfig.AdminToken == "" {
		logger.Warn("ADMIN_TOKEN is not set; admin routes are disabled")
	}

	server := api.NewServer(serverConfig, components.Trading, components.Reconciler, healthChecks)

	// Start server in a goroutine
	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Fatal("Server failed to start")
		}
	}()

	logger.WithFields(map[string]interface{}{
		"host": cfg.Server.Host,
		"port": cfg.Server.Port,
	}).Info("Server started successfully")

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")
	stop()

	// Create shutdown context with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), serverConfig.ShutdownTimeout)
	defer cancel()

	// Attempt graceful shutdown
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("Server forced to shutdown")
	}

	logger.Info("Server exited")
}
