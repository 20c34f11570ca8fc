package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/property-exchange/internal/config"
	"github.com/property-exchange/internal/models"
)

// ClickHouseDB wraps the ClickHouse connection used for journal analytics
type ClickHouseDB struct {
	conn driver.Conn
}

// NewClickHouseDB creates a new ClickHouse database connection
func NewClickHouseDB(cfg *config.ClickHouseConfig) (*ClickHouseDB, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{fmt.Sprintf("%s:%s", cfg.Host, cfg.Port)},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.User,
			Password: cfg.Password,
		},
		Settings: clickhouse.Settings{
			"max_execution_time": 60,
		},
		DialTimeout:      10 * time.Second,
		MaxOpenConns:     5,
		MaxIdleConns:     2,
		ConnMaxLifetime:  time.Hour,
		ConnOpenStrategy: clickhouse.ConnOpenInOrder,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ClickHouse: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := conn.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping ClickHouse: %w", err)
	}

	return &ClickHouseDB{conn: conn}, nil
}

// Close closes the ClickHouse connection
func (db *ClickHouseDB) Close() error {
	if db.conn != nil {
		return db.conn.Close()
	}
	return nil
}

// Ping checks if the database is reachable
func (db *ClickHouseDB) Ping(ctx context.Context) error {
	return db.conn.Ping(ctx)
}

const journalMirrorDDL = `
CREATE TABLE IF NOT EXISTS settlement_journal (
	id              String,
	attempt_id      String,
	property_id     String,
	holder_id       String,
	side            LowCardinality(String),
	token_amount    Int64,
	price_per_token Decimal(38, 8),
	total_value     Decimal(38, 8),
	status          LowCardinality(String),
	settlement_ref  String,
	metadata        String,
	created_at      DateTime64(3, 'UTC')
) ENGINE = MergeTree()
ORDER BY (property_id, created_at)
`

// JournalMirror receives a copy of every journal record
type JournalMirror interface {
	Mirror(ctx context.Context, rec *models.TransactionRecord) error
}

// ClickHouseJournalMirror copies journal records into ClickHouse for market analytics.
// Postgres remains the source of truth.
type ClickHouseJournalMirror struct {
	db *ClickHouseDB
}

// NewClickHouseJournalMirror creates a mirror writing to db
func NewClickHouseJournalMirror(db *ClickHouseDB) *ClickHouseJournalMirror {
	return &ClickHouseJournalMirror{db: db}
}

// EnsureSchema creates the mirror table when missing
func (m *ClickHouseJournalMirror) EnsureSchema(ctx context.Context) error {
	if err := m.db.conn.Exec(ctx, journalMirrorDDL); err != nil {
		return fmt.Errorf("failed to create settlement_journal: %w", err)
	}
	return nil
}

// Mirror inserts one record
func (m *ClickHouseJournalMirror) Mirror(ctx context.Context, rec *models.TransactionRecord) error {
	metadata, err := json.Marshal(rec.Metadata)
	if err != nil {
		return fmt.Errorf("failed to encode metadata: %w", err)
	}

	err = m.db.conn.Exec(ctx, `
		INSERT INTO settlement_journal
			(id, attempt_id, property_id, holder_id, side, token_amount,
			 price_per_token, total_value, status, settlement_ref, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID,
		rec.AttemptID,
		rec.PropertyID,
		rec.HolderID,
		string(rec.Side),
		rec.TokenAmount,
		rec.PricePerToken,
		rec.TotalValue,
		string(rec.Status),
		rec.Ref(),
		string(metadata),
		rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to mirror journal record %s: %w", rec.ID, err)
	}
	return nil
}
