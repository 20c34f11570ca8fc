// Package app wires the settlement components from configuration.
package app

import (
	"context"
	"fmt"

	"github.com/property-exchange/internal/adapter"
	"github.com/property-exchange/internal/config"
	"github.com/property-exchange/internal/events"
	"github.com/property-exchange/internal/logging"
	"github.com/property-exchange/internal/seed"
	"github.com/property-exchange/internal/service"
	"github.com/property-exchange/internal/storage"
	"github.com/property-exchange/internal/telemetry"
)

// Version is reported in telemetry resources
const Version = "1.0.0"

// Options adjust how the components are built
type Options struct {
	// SeedFile loads fixtures into memory stores and the memory ledger
	SeedFile string
}

// App holds the wired settlement components
type App struct {
	Config      *config.Config
	Coordinator *service.TradeCoordinator
	Trading     *service.TradingService
	Reconciler  *service.Reconciler

	// HealthChecks are probed by the health endpoint
	HealthChecks map[string]func(ctx context.Context) error

	closers []func() error
}

// Build connects to every configured backend and wires the settlement pipeline.
// The returned App must be closed.
func Build(ctx context.Context, cfg *config.Config, opts Options) (*App, error) {
	logger := logging.FromContext(ctx)
	a := &App{
		Config:       cfg,
		HealthChecks: make(map[string]func(ctx context.Context) error),
	}

	built, err := a.build(ctx, logger, opts)
	if err != nil {
		a.Close()
		return nil, err
	}
	return built, nil
}

func (a *App) build(ctx context.Context, logger *logging.Logger, opts Options) (*App, error) {
	cfg := a.Config

	var fixtures *seed.File
	if opts.SeedFile != "" {
		f, err := seed.Load(opts.SeedFile)
		if err != nil {
			return nil, err
		}
		fixtures = f
	}

	// Metrics
	shutdown, err := telemetry.InitMetrics(ctx, telemetry.MetricConfig{
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: Version,
		Environment:    cfg.Telemetry.Environment,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize metrics: %w", err)
	}
	a.onClose(func() error { return shutdown(context.Background()) })

	metrics, err := telemetry.NewMetrics()
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics: %w", err)
	}

	// Stores
	stores, err := a.openStores(ctx, logger)
	if err != nil {
		return nil, err
	}
	if fixtures != nil {
		if err := fixtures.SeedStores(ctx, stores.wallets, stores.properties); err != nil {
			return nil, err
		}
		logger.WithFields(map[string]interface{}{
			"properties": len(fixtures.Properties),
			"wallets":    len(fixtures.Wallets),
		}).Info("Seeded stores")
	}

	// Redis backs holding locks and the price cache when available
	var redisCache *storage.RedisCache
	if cfg.Settlement.LockBackend == config.LockBackendRedis {
		redisCache, err = storage.NewRedisCache(&cfg.Database.Redis)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to Redis: %w", err)
		}
		a.onClose(redisCache.Close)
		a.HealthChecks["redis"] = redisCache.Ping
		logger.Info("Connected to Redis")
	}

	var locker storage.KeyLocker = storage.NewLocalLocker()
	var prices service.PriceCache
	if redisCache != nil {
		locker = storage.NewRedisLocker(redisCache)
		prices = storage.NewPriceCache(redisCache, cfg.Cache.PriceTTL)
	}

	// Ledger
	ledger, err := a.openLedger(ctx, logger, fixtures)
	if err != nil {
		return nil, err
	}

	// Intent log
	intents, err := storage.OpenIntentLog(cfg.IntentLog.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open intent log: %w", err)
	}
	a.onClose(intents.Close)
	if cfg.IntentLog.Path == "" {
		logger.Warn("Intent log is in memory; in-flight attempts are recovered from the journal only")
	}

	// Journal mirrors
	var mirrors []storage.JournalMirror
	if cfg.Database.ClickHouse.Enabled {
		ch, err := storage.NewClickHouseDB(&cfg.Database.ClickHouse)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to ClickHouse: %w", err)
		}
		a.onClose(ch.Close)
		a.HealthChecks["clickhouse"] = ch.Ping

		mirror := storage.NewClickHouseJournalMirror(ch)
		if err := mirror.EnsureSchema(ctx); err != nil {
			return nil, fmt.Errorf("failed to prepare journal mirror: %w", err)
		}
		mirrors = append(mirrors, mirror)
		logger.Info("Journal mirror enabled")
	}

	// Settlement events
	var publisher events.Publisher = events.NoopPublisher{}
	if len(cfg.Kafka.Brokers) > 0 {
		kafka := events.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		a.onClose(kafka.Close)
		publisher = kafka
		logger.WithFields(map[string]interface{}{
			"brokers": cfg.Kafka.Brokers,
			"topic":   cfg.Kafka.Topic,
		}).Info("Publishing settlement events")
	}

	// Settlement pipeline
	executor := service.NewLedgerExecutor(ledger, service.ExecutorConfig{
		TreasuryAccount:    cfg.Ledger.TreasuryAccount,
		TreasuryCredential: cfg.Ledger.TreasuryCredential,
		CallTimeout:        cfg.Ledger.CallTimeout,
		BreakerMaxFailures: cfg.Ledger.BreakerMaxFailures,
		BreakerResetAfter:  cfg.Ledger.BreakerResetAfter,
	}, metrics)

	a.Coordinator = service.NewTradeCoordinator(service.CoordinatorDeps{
		Validator: service.NewTradeValidator(stores.wallets, stores.properties, stores.holdings),
		Executor:  executor,
		Holdings:  service.NewHoldingsLedger(stores.holdings, locker, cfg.Settlement.LockTTL),
		Journal:   service.NewTransactionJournal(stores.journal, mirrors...),
		Wallets:   stores.wallets,
		Intents:   intents,
		Publisher: publisher,
		Metrics:   metrics,
	}, service.CoordinatorConfig{
		RecordingAttempts: cfg.Settlement.RecordingAttempts,
		RecordingBackoff:  cfg.Settlement.RecordingBackoff,
	})

	a.Trading = service.NewTradingService(a.Coordinator, stores.properties, prices)
	a.Reconciler = service.NewReconciler(a.Coordinator, service.ReconcilerConfig{
		MinAge:        cfg.Reconciliation.MinAge,
		BatchSize:     cfg.Reconciliation.BatchSize,
		LedgerTimeout: cfg.Ledger.CallTimeout,
	})

	return a, nil
}

// storeSet groups the persistence backends of one storage mode
type storeSet struct {
	wallets interface {
		storage.WalletStore
		seed.WalletSaver
	}
	properties interface {
		storage.PropertyStore
		seed.PropertySaver
	}
	holdings storage.HoldingStore
	journal  storage.JournalStore
}

func (a *App) openStores(_ context.Context, logger *logging.Logger) (*storeSet, error) {
	cfg := a.Config

	if cfg.Database.Backend == config.StorageBackendMemory {
		logger.Warn("Using in-memory storage; state is lost on restart")
		properties := storage.NewMemoryPropertyRepository()
		return &storeSet{
			wallets:    storage.NewMemoryWalletRepository(),
			properties: properties,
			holdings:   storage.NewMemoryHoldingRepository(properties),
			journal:    storage.NewMemoryJournalRepository(),
		}, nil
	}

	postgres, err := storage.NewPostgresDB(&cfg.Database.Postgres)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Postgres: %w", err)
	}
	a.onClose(func() error {
		postgres.Close()
		return nil
	})
	a.HealthChecks["postgres"] = postgres.Ping
	logger.Info("Connected to Postgres")

	return &storeSet{
		wallets:    storage.NewWalletRepository(postgres),
		properties: storage.NewPropertyRepository(postgres),
		holdings:   storage.NewHoldingRepository(postgres),
		journal:    storage.NewJournalRepository(postgres),
	}, nil
}

func (a *App) openLedger(ctx context.Context, logger *logging.Logger, fixtures *seed.File) (adapter.Ledger, error) {
	cfg := a.Config

	if cfg.Ledger.Mode == config.LedgerModeRPC {
		ledger, err := adapter.NewRPCLedger(ctx, cfg.Ledger.RPCURL)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to ledger: %w", err)
		}
		a.onClose(func() error {
			ledger.Close()
			return nil
		})
		logger.WithField("url", cfg.Ledger.RPCURL).Info("Connected to ledger")
		return ledger, nil
	}

	logger.Warn("Using in-memory ledger")
	ledger := adapter.NewMemoryLedger()
	if fixtures != nil {
		if err := fixtures.SeedLedger(ledger); err != nil {
			return nil, err
		}
	}
	return ledger, nil
}

func (a *App) onClose(fn func() error) {
	a.closers = append(a.closers, fn)
}

// Close releases every backend in reverse order of opening
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			logging.WithError(err).Warn("Failed to close resource")
		}
	}
	a.closers = nil
}
