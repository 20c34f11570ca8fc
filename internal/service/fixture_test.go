package service

import (
	"context"
	stderrors "errors"
	"sync"
	"testing"
	"time"

	"github.com/property-exchange/internal/adapter"
	"github.com/property-exchange/internal/events"
	"github.com/property-exchange/internal/models"
	"github.com/property-exchange/internal/storage"
	"github.com/property-exchange/internal/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

const (
	testPropertyID = "prop-1"
	testTokenID    = "0.0.5005"
	treasuryID     = "0.0.1001"
	testSupply     = 1000
)

// flakyHoldingStore fails the next n applies and can run a hook on the next IsApplied
type flakyHoldingStore struct {
	storage.HoldingStore

	mu          sync.Mutex
	failApply   int
	onIsApplied func()
}

func (s *flakyHoldingStore) IsApplied(ctx context.Context, settlementRef string) (bool, error) {
	s.mu.Lock()
	hook := s.onIsApplied
	s.onIsApplied = nil
	s.mu.Unlock()
	if hook != nil {
		hook()
	}
	return s.HoldingStore.IsApplied(ctx, settlementRef)
}

func (s *flakyHoldingStore) OnNextIsApplied(hook func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onIsApplied = hook
}

func (s *flakyHoldingStore) Apply(ctx context.Context, change storage.HoldingChange) error {
	s.mu.Lock()
	if s.failApply > 0 {
		s.failApply--
		s.mu.Unlock()
		return stderrors.New("connection refused")
	}
	s.mu.Unlock()
	return s.HoldingStore.Apply(ctx, change)
}

func (s *flakyHoldingStore) FailApplies(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failApply = n
}

type fixture struct {
	t *testing.T

	ledger     *adapter.MemoryLedger
	wallets    *storage.MemoryWalletRepository
	properties *storage.MemoryPropertyRepository
	holdingsDB *flakyHoldingStore
	journalDB  *storage.MemoryJournalRepository
	intents    *storage.PebbleIntentLog
	publisher  *events.RecordingPublisher

	holdings    *HoldingsLedger
	journal     *TransactionJournal
	executor    *LedgerExecutor
	coordinator *TradeCoordinator
	trading     *TradingService
	reconciler  *Reconciler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	f := &fixture{
		t:          t,
		ledger:     adapter.NewMemoryLedger(),
		wallets:    storage.NewMemoryWalletRepository(),
		properties: storage.NewMemoryPropertyRepository(),
		journalDB:  storage.NewMemoryJournalRepository(),
		publisher:  &events.RecordingPublisher{},
	}
	f.holdingsDB = &flakyHoldingStore{HoldingStore: storage.NewMemoryHoldingRepository(f.properties)}

	intents, err := storage.OpenIntentLog("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = intents.Close() })
	f.intents = intents

	require.NoError(t, f.properties.Save(ctx, &models.TokenizedProperty{
		ID:                testPropertyID,
		Name:              "Harbour Lofts",
		TokenID:           testTokenID,
		TotalSupply:       testSupply,
		MinimumInvestment: decimal.NewFromInt(100),
		TokenPrice:        decimal.NewFromInt(50),
		Status:            types.PropertyActive,
	}))
	f.ledger.Mint(testTokenID, treasuryID, testSupply)

	for _, user := range []string{"user-1", "user-2", "user-3"} {
		f.addWallet(user, true)
	}

	f.holdings = NewHoldingsLedger(f.holdingsDB, storage.NewLocalLocker(), time.Second)
	f.journal = NewTransactionJournal(f.journalDB)
	f.executor = NewLedgerExecutor(f.ledger, ExecutorConfig{
		TreasuryAccount:    treasuryID,
		TreasuryCredential: "treasury-key",
		CallTimeout:        200 * time.Millisecond,
		BreakerMaxFailures: 100,
	}, nil)
	f.coordinator = NewTradeCoordinator(CoordinatorDeps{
		Validator: NewTradeValidator(f.wallets, f.properties, f.holdingsDB),
		Executor:  f.executor,
		Holdings:  f.holdings,
		Journal:   f.journal,
		Wallets:   f.wallets,
		Intents:   f.intents,
		Publisher: f.publisher,
	}, CoordinatorConfig{RecordingAttempts: 2, RecordingBackoff: time.Millisecond})
	f.trading = NewTradingService(f.coordinator, f.properties, nil)
	f.reconciler = NewReconciler(f.coordinator, ReconcilerConfig{MinAge: time.Minute, LedgerTimeout: time.Minute})

	return f
}

func accountFor(userID string) string {
	return "0.0." + userID
}

func (f *fixture) addWallet(userID string, ready bool) {
	f.t.Helper()
	require.NoError(f.t, f.wallets.Save(context.Background(), &models.Wallet{
		UserID:      userID,
		AccountID:   accountFor(userID),
		Credential:  userID + "-key",
		LedgerReady: ready,
	}))
}

// sweepLater runs a reconciliation sweep as if it happened an hour from now
func (f *fixture) sweepLater() *ReconciliationReport {
	f.t.Helper()
	f.reconciler.now = func() time.Time { return time.Now().UTC().Add(time.Hour) }
	report, err := f.reconciler.RunOnce(context.Background())
	require.NoError(f.t, err)
	return report
}

func (f *fixture) records(attemptID string) []*models.TransactionRecord {
	f.t.Helper()
	records, err := f.journal.ByAttempt(context.Background(), attemptID)
	require.NoError(f.t, err)
	return records
}

func (f *fixture) holding(userID string) *models.Holding {
	f.t.Helper()
	h, err := f.holdings.Get(context.Background(), userID, testPropertyID)
	require.NoError(f.t, err)
	return h
}

func trade(userID string, side types.TradeSide, amount int64, price int64) *models.TradeRequest {
	return &models.TradeRequest{
		PropertyID:    testPropertyID,
		TokenAmount:   amount,
		PricePerToken: decimal.NewFromInt(price),
		Side:          side,
		HolderID:      userID,
		OrderKind:     types.OrderMarket,
	}
}
