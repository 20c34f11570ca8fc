package storage

import (
	"context"
	"errors"
	"time"

	"github.com/property-exchange/internal/models"
	"github.com/property-exchange/internal/types"
)

var (
	// ErrNotFound indicates the requested row does not exist
	ErrNotFound = errors.New("not found")

	// ErrVersionConflict indicates a holding changed since it was read
	ErrVersionConflict = errors.New("holding version conflict")

	// ErrAlreadyApplied indicates the settlement was already applied to holdings
	ErrAlreadyApplied = errors.New("settlement already applied")

	// ErrSupplyExceeded indicates a change would put more tokens in holdings than exist
	ErrSupplyExceeded = errors.New("property token supply exceeded")

	// ErrDuplicateTerminal indicates the attempt already has a confirmed or failed record
	ErrDuplicateTerminal = errors.New("attempt already has a terminal record")
)

// WalletStore reads wallets
type WalletStore interface {
	GetByUserID(ctx context.Context, userID string) (*models.Wallet, error)
}

// PropertyStore reads tokenized properties
type PropertyStore interface {
	GetByID(ctx context.Context, id string) (*models.TokenizedProperty, error)
}

// HoldingChange is one compare-and-swap write to a holding row
type HoldingChange struct {
	HolderID   string
	PropertyID string
	Side       types.TradeSide
	Delta      int64
	// ExpectedVersion is the version that was read; zero means no row existed
	ExpectedVersion int64
	// Next is the row to store; nil removes the row
	Next *models.Holding
	// SettlementRef identifies the ledger transfer being applied
	SettlementRef string
	// EnforceSupply checks the property supply under a row lock before writing
	EnforceSupply bool
}

// HoldingStore persists holdings with optimistic concurrency
type HoldingStore interface {
	// Get returns ErrNotFound when the holder owns no tokens of the property
	Get(ctx context.Context, holderID, propertyID string) (*models.Holding, error)

	// Apply writes the change atomically with a record of its settlement ref.
	// Returns ErrVersionConflict, ErrAlreadyApplied or ErrSupplyExceeded.
	Apply(ctx context.Context, change HoldingChange) error

	// IsApplied reports whether a settlement ref was already applied
	IsApplied(ctx context.Context, settlementRef string) (bool, error)

	// TotalHeld sums tokens owned across every holder of the property
	TotalHeld(ctx context.Context, propertyID string) (int64, error)

	// ListByProperty returns every holding of the property
	ListByProperty(ctx context.Context, propertyID string) ([]*models.Holding, error)
}

// JournalStore persists the append-only transaction journal
type JournalStore interface {
	// Append inserts a record. When a terminal record already exists for the
	// attempt it returns that record together with ErrDuplicateTerminal.
	Append(ctx context.Context, rec *models.TransactionRecord) (*models.TransactionRecord, error)

	// ListByHolder returns the holder's records, newest first
	ListByHolder(ctx context.Context, holderID string, limit int) ([]*models.TransactionRecord, error)

	// ListByAttempt returns every record of one attempt, oldest first
	ListByAttempt(ctx context.Context, attemptID string) ([]*models.TransactionRecord, error)

	// ListUnresolved returns the latest pending record of each attempt that has no
	// terminal record and was created before olderThan, oldest first
	ListUnresolved(ctx context.Context, olderThan time.Time, limit int) ([]*models.TransactionRecord, error)
}
