//go:build integration

package storage

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/property-exchange/internal/models"
	"github.com/property-exchange/internal/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

func setupPostgres(t *testing.T) *PostgresDB {
	t.Helper()
	ctx := context.Background()

	container, err := postgres.Run(ctx,
		"postgres:18-alpine",
		postgres.WithDatabase("property_exchange"),
		postgres.WithUsername("exchange"),
		postgres.WithPassword("exchange"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := testcontainers.TerminateContainer(container); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	})

	url, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	require.NoError(t, RunMigrations(url))
	version, dirty, err := MigrationVersion(url)
	require.NoError(t, err)
	assert.Equal(t, uint(1), version)
	assert.False(t, dirty)

	db, err := NewPostgresDBFromURL(url, 10)
	require.NoError(t, err)
	t.Cleanup(db.Close)
	return db
}

func TestPostgresRepositories(t *testing.T) {
	db := setupPostgres(t)
	ctx := testContext(t)

	wallets := NewWalletRepository(db)
	props := NewPropertyRepository(db)
	holdings := NewHoldingRepository(db)
	journal := NewJournalRepository(db)

	require.NoError(t, wallets.Save(ctx, &models.Wallet{UserID: "u1", AccountID: "acct-1", LedgerReady: true}))
	w, err := wallets.GetByUserID(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "acct-1", w.AccountID)

	_, err = wallets.GetByUserID(ctx, "nobody")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, props.Save(ctx, &models.TokenizedProperty{
		ID:                "prop-1",
		Name:              "Harbor Lofts",
		TokenID:           "tok-1",
		TotalSupply:       1000,
		MinimumInvestment: decimal.NewFromInt(100),
		TokenPrice:        decimal.RequireFromString("50.125"),
		Status:            types.PropertyActive,
	}))
	p, err := props.GetByID(ctx, "prop-1")
	require.NoError(t, err)
	assert.True(t, p.TokenPrice.Equal(decimal.RequireFromString("50.125")))

	t.Run("holding lifecycle", func(t *testing.T) {
		require.NoError(t, holdings.Apply(ctx, HoldingChange{
			HolderID: "u1", PropertyID: "prop-1", Side: types.SideBuy, Delta: 100,
			Next: holding("u1", 100, 5000), SettlementRef: "ref-1", EnforceSupply: true,
		}))

		h, err := holdings.Get(ctx, "u1", "prop-1")
		require.NoError(t, err)
		assert.Equal(t, int64(100), h.TokensOwned)
		assert.Equal(t, int64(1), h.Version)

		err = holdings.Apply(ctx, HoldingChange{
			HolderID: "u1", PropertyID: "prop-1", Side: types.SideBuy, Delta: 100,
			ExpectedVersion: 1, Next: holding("u1", 200, 10000), SettlementRef: "ref-1",
		})
		assert.ErrorIs(t, err, ErrAlreadyApplied)

		err = holdings.Apply(ctx, HoldingChange{
			HolderID: "u1", PropertyID: "prop-1", Side: types.SideBuy, Delta: 5,
			ExpectedVersion: 7, Next: holding("u1", 105, 5250), SettlementRef: "ref-stale",
		})
		assert.ErrorIs(t, err, ErrVersionConflict)
		applied, err := holdings.IsApplied(ctx, "ref-stale")
		require.NoError(t, err)
		assert.False(t, applied, "rolled back with the conflict")

		err = holdings.Apply(ctx, HoldingChange{
			HolderID: "u2", PropertyID: "prop-1", Side: types.SideBuy, Delta: 901,
			Next: holding("u2", 901, 45050), SettlementRef: "ref-big", EnforceSupply: true,
		})
		assert.ErrorIs(t, err, ErrSupplyExceeded)

		require.NoError(t, holdings.Apply(ctx, HoldingChange{
			HolderID: "u1", PropertyID: "prop-1", Side: types.SideSell, Delta: 100,
			ExpectedVersion: 1, SettlementRef: "ref-2",
		}))
		_, err = holdings.Get(ctx, "u1", "prop-1")
		assert.ErrorIs(t, err, ErrNotFound)

		total, err := holdings.TotalHeld(ctx, "prop-1")
		require.NoError(t, err)
		assert.Zero(t, total)
	})

	t.Run("concurrent buys never exceed supply", func(t *testing.T) {
		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				holder := "c" + string(rune('a'+i))
				_ = holdings.Apply(ctx, HoldingChange{
					HolderID: holder, PropertyID: "prop-1", Side: types.SideBuy, Delta: 300,
					Next: holding(holder, 300, 15000), SettlementRef: "conc-" + holder, EnforceSupply: true,
				})
			}(i)
		}
		wg.Wait()

		total, err := holdings.TotalHeld(ctx, "prop-1")
		require.NoError(t, err)
		assert.LessOrEqual(t, total, int64(1000))
		assert.Equal(t, int64(900), total)
	})

	t.Run("journal", func(t *testing.T) {
		pending := record("att-1", types.StatusPending, "")
		pending.Metadata = map[string]interface{}{"reason": "ledger timeout"}
		pending.CreatedAt = time.Now().UTC().Add(-time.Hour)
		_, err := journal.Append(ctx, pending)
		require.NoError(t, err)

		unresolved, err := journal.ListUnresolved(ctx, time.Now().UTC(), 10)
		require.NoError(t, err)
		require.Len(t, unresolved, 1)
		assert.Equal(t, "ledger timeout", unresolved[0].Metadata["reason"])

		first, err := journal.Append(ctx, record("att-1", types.StatusConfirmed, "tok-1@1.1"))
		require.NoError(t, err)

		existing, err := journal.Append(ctx, record("att-1", types.StatusFailed, ""))
		assert.ErrorIs(t, err, ErrDuplicateTerminal)
		require.NotNil(t, existing)
		assert.Equal(t, first.ID, existing.ID)

		unresolved, err = journal.ListUnresolved(ctx, time.Now().UTC(), 10)
		require.NoError(t, err)
		assert.Empty(t, unresolved)

		history, err := journal.ListByHolder(ctx, "h1", 10)
		require.NoError(t, err)
		require.Len(t, history, 2)
		assert.Equal(t, types.StatusConfirmed, history[0].Status)

		_, err = db.Pool().Exec(ctx, `UPDATE transaction_journal SET status = 'failed' WHERE id = $1`, first.ID)
		assert.Error(t, err, "journal is append-only")
	})

	t.Run("rollback migration", func(t *testing.T) {
		// Runs last since it drops the schema.
		url := db.Pool().Config().ConnString()
		require.NoError(t, RollbackMigrations(url))
		version, _, err := MigrationVersion(url)
		require.NoError(t, err)
		assert.Zero(t, version)
	})
}
