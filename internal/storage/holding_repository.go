package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/property-exchange/internal/models"
	"github.com/shopspring/decimal"
)

// HoldingRepository persists holdings in Postgres
type HoldingRepository struct {
	db *PostgresDB
}

// NewHoldingRepository creates a new holding repository
func NewHoldingRepository(db *PostgresDB) *HoldingRepository {
	return &HoldingRepository{db: db}
}

const holdingColumns = `holder_id, property_id, tokens_owned, total_investment::text, acquisition_date, version, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanHolding(row rowScanner) (*models.Holding, error) {
	var (
		h          models.Holding
		investment string
	)
	if err := row.Scan(
		&h.HolderID,
		&h.PropertyID,
		&h.TokensOwned,
		&investment,
		&h.AcquisitionDate,
		&h.Version,
		&h.UpdatedAt,
	); err != nil {
		return nil, err
	}

	var err error
	if h.TotalInvestment, err = decimal.NewFromString(investment); err != nil {
		return nil, fmt.Errorf("invalid investment for holding %s/%s: %w", h.HolderID, h.PropertyID, err)
	}
	if err := h.Validate(); err != nil {
		return nil, err
	}
	return &h, nil
}

// Get retrieves a holding
func (r *HoldingRepository) Get(ctx context.Context, holderID, propertyID string) (*models.Holding, error) {
	query := `SELECT ` + holdingColumns + ` FROM holdings WHERE holder_id = $1 AND property_id = $2`

	h, err := scanHolding(r.db.Pool().QueryRow(ctx, query, holderID, propertyID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("holding %s/%s: %w", holderID, propertyID, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get holding: %w", err)
	}
	return h, nil
}

// ListByProperty returns every holding of a property
func (r *HoldingRepository) ListByProperty(ctx context.Context, propertyID string) ([]*models.Holding, error) {
	query := `SELECT ` + holdingColumns + ` FROM holdings WHERE property_id = $1 ORDER BY holder_id`

	rows, err := r.db.Pool().Query(ctx, query, propertyID)
	if err != nil {
		return nil, fmt.Errorf("failed to list holdings: %w", err)
	}
	defer rows.Close()

	var holdings []*models.Holding
	for rows.Next() {
		h, err := scanHolding(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan holding: %w", err)
		}
		holdings = append(holdings, h)
	}
	return holdings, rows.Err()
}

// TotalHeld sums tokens owned across holders of a property
func (r *HoldingRepository) TotalHeld(ctx context.Context, propertyID string) (int64, error) {
	var total int64
	err := r.db.Pool().QueryRow(ctx,
		`SELECT COALESCE(SUM(tokens_owned), 0)::bigint FROM holdings WHERE property_id = $1`,
		propertyID,
	).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("failed to sum holdings: %w", err)
	}
	return total, nil
}

// IsApplied reports whether a settlement ref was already applied
func (r *HoldingRepository) IsApplied(ctx context.Context, settlementRef string) (bool, error) {
	var exists bool
	err := r.db.Pool().QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM holding_applications WHERE settlement_ref = $1)`,
		settlementRef,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check settlement application: %w", err)
	}
	return exists, nil
}

// Apply writes a holding change in one transaction together with its settlement ref
func (r *HoldingRepository) Apply(ctx context.Context, change HoldingChange) error {
	return r.db.WithTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			INSERT INTO holding_applications (settlement_ref, holder_id, property_id, side, token_amount)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (settlement_ref) DO NOTHING
		`, change.SettlementRef, change.HolderID, change.PropertyID, string(change.Side), change.Delta)
		if err != nil {
			return fmt.Errorf("failed to record settlement application: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrAlreadyApplied
		}

		if change.EnforceSupply && change.Next != nil {
			if err := checkSupply(ctx, tx, change); err != nil {
				return err
			}
		}

		return writeHolding(ctx, tx, change)
	})
}

// checkSupply locks the property row so concurrent buys of different holders serialize
func checkSupply(ctx context.Context, tx pgx.Tx, change HoldingChange) error {
	var supply int64
	err := tx.QueryRow(ctx,
		`SELECT total_supply FROM tokenized_properties WHERE id = $1 FOR UPDATE`,
		change.PropertyID,
	).Scan(&supply)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("property %s: %w", change.PropertyID, ErrNotFound)
		}
		return fmt.Errorf("failed to lock property: %w", err)
	}

	var others int64
	err = tx.QueryRow(ctx,
		`SELECT COALESCE(SUM(tokens_owned), 0)::bigint FROM holdings WHERE property_id = $1 AND holder_id <> $2`,
		change.PropertyID, change.HolderID,
	).Scan(&others)
	if err != nil {
		return fmt.Errorf("failed to sum holdings: %w", err)
	}

	if others+change.Next.TokensOwned > supply {
		return fmt.Errorf("%w: %d held by others, %d requested, supply %d",
			ErrSupplyExceeded, others, change.Next.TokensOwned, supply)
	}
	return nil
}

func writeHolding(ctx context.Context, tx pgx.Tx, change HoldingChange) error {
	var (
		tag pgconn.CommandTag
		err error
	)
	now := time.Now().UTC()

	switch {
	case change.Next == nil:
		tag, err = tx.Exec(ctx,
			`DELETE FROM holdings WHERE holder_id = $1 AND property_id = $2 AND version = $3`,
			change.HolderID, change.PropertyID, change.ExpectedVersion,
		)

	case change.ExpectedVersion == 0:
		if err := change.Next.Validate(); err != nil {
			return err
		}
		tag, err = tx.Exec(ctx, `
			INSERT INTO holdings (holder_id, property_id, tokens_owned, total_investment, acquisition_date, version, updated_at)
			VALUES ($1, $2, $3, $4::numeric, $5, 1, $6)
			ON CONFLICT (holder_id, property_id) DO NOTHING
		`, change.HolderID, change.PropertyID, change.Next.TokensOwned,
			change.Next.TotalInvestment.String(), change.Next.AcquisitionDate, now)

	default:
		if err := change.Next.Validate(); err != nil {
			return err
		}
		tag, err = tx.Exec(ctx, `
			UPDATE holdings
			SET tokens_owned = $3, total_investment = $4::numeric, version = version + 1, updated_at = $5
			WHERE holder_id = $1 AND property_id = $2 AND version = $6
		`, change.HolderID, change.PropertyID, change.Next.TokensOwned,
			change.Next.TotalInvestment.String(), now, change.ExpectedVersion)
	}

	if err != nil {
		return fmt.Errorf("failed to write holding: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrVersionConflict
	}
	return nil
}
