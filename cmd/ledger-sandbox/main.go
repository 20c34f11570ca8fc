// Package main serves an in-memory token ledger over JSON-RPC for local development.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/property-exchange/internal/adapter"
	"github.com/property-exchange/internal/logging"
	"github.com/property-exchange/internal/seed"
)

func main() {
	var (
		addr          = flag.String("addr", ":8545", "Listen address")
		seedFile      = flag.String("seed", "", "Mint supply and register signers from a JSON fixture file")
		dropResponses = flag.Int("drop-responses", 0, "Commit but never answer the next N transfers")
		delay         = flag.Duration("delay", 0, "Delay every ledger call")
		hang          = flag.Duration("hang", 30*time.Second, "How long a dropped transfer blocks before answering")
		logLevel      = flag.String("log-level", "info", "Log level")
	)
	flag.Parse()

	fmt.Println("Property Exchange Ledger Sandbox")

	logging.InitGlobalLogger(logging.ParseLogLevel(*logLevel), logging.FormatText)
	logger := logging.GetGlobalLogger().WithField("component", "ledger-sandbox")
	defer func() { _ = logger.Sync() }()

	ledger := adapter.NewMemoryLedger()
	if *seedFile != "" {
		fixtures, err := seed.Load(*seedFile)
		if err != nil {
			log.Fatalf("Failed to load seed file: %v", err)
		}
		if err := fixtures.SeedLedger(ledger); err != nil {
			log.Fatalf("Failed to seed ledger: %v", err)
		}
		logger.WithFields(map[string]interface{}{
			"properties": len(fixtures.Properties),
			"treasury":   fixtures.Treasury.AccountID,
		}).Info("Ledger seeded")
	}
	if *dropResponses > 0 {
		ledger.DropNextResponses(*dropResponses)
		logger.Warnf("Dropping the next %d transfer responses", *dropResponses)
	}
	if *delay > 0 {
		ledger.SetDelay(*delay)
	}

	service := adapter.NewLedgerService(ledger)
	service.LostResponseHang = *hang

	rpcServer, err := adapter.NewRPCServer(service)
	if err != nil {
		log.Fatalf("Failed to register ledger service: %v", err)
	}
	defer rpcServer.Stop()

	router := mux.NewRouter()
	router.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}).Methods(http.MethodGet)
	router.HandleFunc("/balances/{tokenId}/{accountId}", func(w http.ResponseWriter, r *http.Request) {
		vars := mux.Vars(r)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"tokenId":   vars["tokenId"],
			"accountId": vars["accountId"],
			"balance":   ledger.Balance(vars["tokenId"], vars["accountId"]),
		})
	}).Methods(http.MethodGet)
	router.Handle("/", rpcServer).Methods(http.MethodPost)

	httpServer := &http.Server{
		Addr:              *addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Fatal("Sandbox failed to start")
		}
	}()
	logger.WithField("addr", *addr).Infof("Serving %s namespace over JSON-RPC", adapter.Namespace)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		logger.WithError(err).Error("Sandbox forced to shutdown")
	}
	logger.Info("Sandbox exited")
}
