package service

import (
	"context"
	"time"

	"github.com/property-exchange/internal/adapter"
	"github.com/property-exchange/internal/models"
	"github.com/property-exchange/internal/types"
)

// Validator resolves a request into a trade that may be executed
type Validator interface {
	Resolve(ctx context.Context, req *models.TradeRequest) (*ValidatedTrade, error)
}

// Executor moves tokens on the ledger
type Executor interface {
	Accounts(side types.TradeSide, wallet *models.Wallet) (from, to string)
	Execute(ctx context.Context, attemptID string, trade *ValidatedTrade) (*adapter.TransferReceipt, error)
	// Lookup returns adapter.ErrTransferNotFound when nothing was committed under memo
	Lookup(ctx context.Context, memo string) (*adapter.TransferReceipt, error)
	Compensate(ctx context.Context, original *adapter.TransferReceipt, wallet *models.Wallet) (*adapter.TransferReceipt, error)
}

// Holdings keeps local ownership in step with settled transfers
type Holdings interface {
	Apply(ctx context.Context, in ApplyInput) (*ApplyResult, error)
	IsApplied(ctx context.Context, settlementRef string) (bool, error)
	// WithLock runs fn while holding the lock Apply takes for the holding
	WithLock(ctx context.Context, holderID, propertyID string, fn func(ctx context.Context) error) error
}

// Journal is the append-only record of settlement attempts
type Journal interface {
	Record(ctx context.Context, in RecordInput) (*models.TransactionRecord, error)
	History(ctx context.Context, userID string, limit int) ([]*models.TransactionRecord, error)
	ByAttempt(ctx context.Context, attemptID string) ([]*models.TransactionRecord, error)
	Terminal(ctx context.Context, attemptID string) (*models.TransactionRecord, error)
	Unresolved(ctx context.Context, olderThan time.Time, limit int) ([]*models.TransactionRecord, error)
}

var (
	_ Validator = (*TradeValidator)(nil)
	_ Executor  = (*LedgerExecutor)(nil)
	_ Holdings  = (*HoldingsLedger)(nil)
	_ Journal   = (*TransactionJournal)(nil)
)
