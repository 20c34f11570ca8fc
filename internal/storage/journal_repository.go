package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/property-exchange/internal/models"
	"github.com/property-exchange/internal/types"
	"github.com/shopspring/decimal"
)

const uniqueViolation = "23505"

// JournalRepository persists the transaction journal in Postgres
type JournalRepository struct {
	db *PostgresDB
}

// NewJournalRepository creates a new journal repository
func NewJournalRepository(db *PostgresDB) *JournalRepository {
	return &JournalRepository{db: db}
}

const journalColumns = `id, attempt_id, property_id, holder_id, side, from_account, to_account,
	token_amount, price_per_token::text, total_value::text, status, settlement_ref, metadata, created_at`

func scanRecord(row rowScanner) (*models.TransactionRecord, error) {
	var (
		rec          models.TransactionRecord
		side, status string
		price, total string
		metadata     []byte
	)
	if err := row.Scan(
		&rec.ID,
		&rec.AttemptID,
		&rec.PropertyID,
		&rec.HolderID,
		&side,
		&rec.FromAccount,
		&rec.ToAccount,
		&rec.TokenAmount,
		&price,
		&total,
		&status,
		&rec.SettlementRef,
		&metadata,
		&rec.CreatedAt,
	); err != nil {
		return nil, err
	}

	rec.Side = types.TradeSide(side)
	rec.Status = types.TransactionStatus(status)

	var err error
	if rec.PricePerToken, err = decimal.NewFromString(price); err != nil {
		return nil, fmt.Errorf("invalid price on record %s: %w", rec.ID, err)
	}
	if rec.TotalValue, err = decimal.NewFromString(total); err != nil {
		return nil, fmt.Errorf("invalid total on record %s: %w", rec.ID, err)
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &rec.Metadata); err != nil {
			return nil, fmt.Errorf("invalid metadata on record %s: %w", rec.ID, err)
		}
	}
	return &rec, nil
}

// Append inserts an immutable journal record
func (r *JournalRepository) Append(ctx context.Context, rec *models.TransactionRecord) (*models.TransactionRecord, error) {
	if err := rec.Validate(); err != nil {
		return nil, err
	}
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	metadata := []byte("{}")
	if len(rec.Metadata) > 0 {
		var err error
		if metadata, err = json.Marshal(rec.Metadata); err != nil {
			return nil, fmt.Errorf("failed to encode metadata: %w", err)
		}
	}

	query := `
		INSERT INTO transaction_journal (
			id, attempt_id, property_id, holder_id, side, from_account, to_account,
			token_amount, price_per_token, total_value, status, settlement_ref, metadata, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::numeric, $10::numeric, $11, $12, $13, $14)
	`

	_, err := r.db.Pool().Exec(ctx, query,
		rec.ID,
		rec.AttemptID,
		rec.PropertyID,
		rec.HolderID,
		string(rec.Side),
		rec.FromAccount,
		rec.ToAccount,
		rec.TokenAmount,
		rec.PricePerToken.String(),
		rec.TotalValue.String(),
		string(rec.Status),
		rec.SettlementRef,
		metadata,
		rec.CreatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			existing, lookupErr := r.terminalFor(ctx, rec.AttemptID)
			if lookupErr != nil {
				return nil, fmt.Errorf("failed to load existing terminal record: %w", lookupErr)
			}
			return existing, ErrDuplicateTerminal
		}
		return nil, fmt.Errorf("failed to append journal record: %w", err)
	}

	return rec, nil
}

func (r *JournalRepository) terminalFor(ctx context.Context, attemptID string) (*models.TransactionRecord, error) {
	query := `SELECT ` + journalColumns + ` FROM transaction_journal
		WHERE attempt_id = $1 AND status IN ('confirmed', 'failed')`

	rec, err := scanRecord(r.db.Pool().QueryRow(ctx, query, attemptID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("terminal record for %s: %w", attemptID, ErrNotFound)
		}
		return nil, err
	}
	return rec, nil
}

// ListByHolder returns the holder's records, newest first
func (r *JournalRepository) ListByHolder(ctx context.Context, holderID string, limit int) ([]*models.TransactionRecord, error) {
	query := `SELECT ` + journalColumns + ` FROM transaction_journal
		WHERE holder_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2`
	return r.list(ctx, query, holderID, limit)
}

// ListByAttempt returns every record of an attempt, oldest first
func (r *JournalRepository) ListByAttempt(ctx context.Context, attemptID string) ([]*models.TransactionRecord, error) {
	query := `SELECT ` + journalColumns + ` FROM transaction_journal
		WHERE attempt_id = $1
		ORDER BY created_at ASC, id ASC`
	return r.list(ctx, query, attemptID)
}

// ListUnresolved returns the latest pending record of each attempt with no terminal record
func (r *JournalRepository) ListUnresolved(ctx context.Context, olderThan time.Time, limit int) ([]*models.TransactionRecord, error) {
	query := `SELECT ` + journalColumns + ` FROM (
			SELECT DISTINCT ON (j.attempt_id) j.*
			FROM transaction_journal j
			WHERE j.status = 'pending'
			  AND j.created_at < $1
			  AND NOT EXISTS (
				SELECT 1 FROM transaction_journal t
				WHERE t.attempt_id = j.attempt_id AND t.status IN ('confirmed', 'failed')
			  )
			ORDER BY j.attempt_id, j.created_at DESC
		) latest
		ORDER BY created_at ASC
		LIMIT $2`
	return r.list(ctx, query, olderThan, limit)
}

func (r *JournalRepository) list(ctx context.Context, query string, args ...any) ([]*models.TransactionRecord, error) {
	rows, err := r.db.Pool().Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query journal: %w", err)
	}
	defer rows.Close()

	var records []*models.TransactionRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan journal record: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}
