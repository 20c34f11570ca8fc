package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/property-exchange/internal/models"
	"github.com/property-exchange/internal/types"
	"github.com/shopspring/decimal"
)

// PropertyRepository handles tokenized property persistence
type PropertyRepository struct {
	db *PostgresDB
}

// NewPropertyRepository creates a new property repository
func NewPropertyRepository(db *PostgresDB) *PropertyRepository {
	return &PropertyRepository{db: db}
}

// Save inserts or updates a property listing
func (r *PropertyRepository) Save(ctx context.Context, p *models.TokenizedProperty) error {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO tokenized_properties
			(id, name, token_id, total_supply, minimum_investment, token_price, status, created_at)
		VALUES ($1, $2, $3, $4, $5::numeric, $6::numeric, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			minimum_investment = EXCLUDED.minimum_investment,
			token_price = EXCLUDED.token_price,
			status = EXCLUDED.status
	`

	_, err := r.db.Pool().Exec(ctx, query,
		p.ID,
		p.Name,
		p.TokenID,
		p.TotalSupply,
		p.MinimumInvestment.String(),
		p.TokenPrice.String(),
		string(p.Status),
		p.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save property: %w", err)
	}

	return nil
}

// GetByID retrieves a property by ID
func (r *PropertyRepository) GetByID(ctx context.Context, id string) (*models.TokenizedProperty, error) {
	query := `
		SELECT id, name, token_id, total_supply, minimum_investment::text, token_price::text, status, created_at
		FROM tokenized_properties
		WHERE id = $1
	`

	var (
		p              models.TokenizedProperty
		minimum, price string
		status         string
	)
	err := r.db.Pool().QueryRow(ctx, query, id).Scan(
		&p.ID,
		&p.Name,
		&p.TokenID,
		&p.TotalSupply,
		&minimum,
		&price,
		&status,
		&p.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("property %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get property: %w", err)
	}

	if p.MinimumInvestment, err = decimal.NewFromString(minimum); err != nil {
		return nil, fmt.Errorf("invalid minimum investment for property %s: %w", id, err)
	}
	if p.TokenPrice, err = decimal.NewFromString(price); err != nil {
		return nil, fmt.Errorf("invalid token price for property %s: %w", id, err)
	}
	p.Status = types.PropertyStatus(status)

	return &p, nil
}
