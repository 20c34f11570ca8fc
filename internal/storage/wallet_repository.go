package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/property-exchange/internal/models"
)

// WalletRepository handles wallet persistence
type WalletRepository struct {
	db *PostgresDB
}

// NewWalletRepository creates a new wallet repository
func NewWalletRepository(db *PostgresDB) *WalletRepository {
	return &WalletRepository{db: db}
}

// Save inserts or updates the wallet of a user
func (r *WalletRepository) Save(ctx context.Context, wallet *models.Wallet) error {
	if wallet.ID == "" {
		wallet.ID = uuid.New().String()
	}
	if wallet.CreatedAt.IsZero() {
		wallet.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO wallets (id, user_id, account_id, credential, ledger_ready, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (user_id) DO UPDATE SET
			account_id = EXCLUDED.account_id,
			credential = EXCLUDED.credential,
			ledger_ready = EXCLUDED.ledger_ready
	`

	_, err := r.db.Pool().Exec(ctx, query,
		wallet.ID,
		wallet.UserID,
		wallet.AccountID,
		wallet.Credential,
		wallet.LedgerReady,
		wallet.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save wallet: %w", err)
	}

	return nil
}

// GetByUserID retrieves the wallet of a user
func (r *WalletRepository) GetByUserID(ctx context.Context, userID string) (*models.Wallet, error) {
	query := `
		SELECT id, user_id, account_id, credential, ledger_ready, created_at
		FROM wallets
		WHERE user_id = $1
	`

	var wallet models.Wallet
	err := r.db.Pool().QueryRow(ctx, query, userID).Scan(
		&wallet.ID,
		&wallet.UserID,
		&wallet.AccountID,
		&wallet.Credential,
		&wallet.LedgerReady,
		&wallet.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("wallet for user %s: %w", userID, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get wallet: %w", err)
	}

	return &wallet, nil
}
