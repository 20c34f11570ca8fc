package service

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/property-exchange/internal/errors"
	"github.com/property-exchange/internal/storage"
	"github.com/property-exchange/internal/types"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateTradeHasNoSideEffects(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	req := trade("user-1", types.SideBuy, 100, 50)
	first, err := f.trading.ValidateTrade(ctx, req)
	require.NoError(t, err)
	second, err := f.trading.ValidateTrade(ctx, req)
	require.NoError(t, err)

	assert.True(t, first.IsValid)
	assert.Equal(t, first, second)

	invalid, err := f.trading.ValidateTrade(ctx, trade("user-1", types.SideSell, 5, 50))
	require.NoError(t, err)
	assert.False(t, invalid.IsValid)
	assert.Equal(t, errors.CodeInsufficientTokens, invalid.Code)
	assert.Contains(t, invalid.Reason, "has 0, requested 5")

	history, err := f.trading.GetTradeHistory(ctx, "user-1", 0)
	require.NoError(t, err)
	assert.Empty(t, history)
	assert.Zero(t, f.ledger.Calls("isAssociated"))
	assert.Zero(t, f.ledger.Calls("transfer"))
}

func TestExecuteTradeResult(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	done := f.trading.ExecuteTrade(ctx, trade("user-1", types.SideBuy, 100, 50))
	assert.True(t, done.Success)
	assert.Equal(t, types.TradeCompleted, done.Status)
	require.NotNil(t, done.Transaction)
	assert.Equal(t, done.SettlementRef, done.Transaction.Ref())
	assert.Empty(t, done.Error)

	rejected := f.trading.ExecuteTrade(ctx, trade("user-1", types.SideBuy, 1, 50))
	assert.False(t, rejected.Success)
	assert.Equal(t, types.TradeRejected, rejected.Status)
	assert.Equal(t, errors.CodeBelowMinimum, rejected.Code)
	assert.Contains(t, rejected.Error, "below the minimum")

	f.ledger.DropNextResponses(1)
	pending := f.trading.ExecuteTrade(ctx, trade("user-2", types.SideBuy, 10, 50))
	assert.Equal(t, types.TradePending, pending.Status)
	assert.Equal(t, errors.CodeLedgerTimeout, pending.Code)

	f.holdingsDB.FailApplies(10)
	partial := f.trading.ExecuteTrade(ctx, trade("user-3", types.SideBuy, 10, 50))
	assert.Equal(t, types.TradeProcessing, partial.Status)
	assert.Equal(t, errors.CodeReconciliationRequired, partial.Code)
	assert.NotEmpty(t, partial.SettlementRef)
}

func TestExecuteTradeHidesInvariantDetails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Holdings claim the whole supply while the ledger treasury still has it
	_, err := f.holdings.Apply(ctx, buyInput("user-2", testSupply, 50, "out-of-band"))
	require.NoError(t, err)

	res := f.trading.ExecuteTrade(ctx, trade("user-1", types.SideBuy, 10, 50))
	assert.False(t, res.Success)
	assert.Equal(t, types.TradeProcessing, res.Status)
	assert.Equal(t, errors.CodeReconciliationRequired, res.Code)
	assert.Equal(t, errors.SupportMessage, res.Error)
	assert.True(t, errors.IsInvariantViolation(res.Err))
	assert.Nil(t, f.holding("user-1"))
}

func TestGetMarketPriceUsesCache(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	prices := storage.NewPriceCache(storage.NewRedisCacheFromClient(client), time.Minute)
	svc := NewTradingService(f.coordinator, f.properties, prices)

	price, err := svc.GetMarketPrice(ctx, testPropertyID)
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(50).Equal(price))

	property, err := f.properties.GetByID(ctx, testPropertyID)
	require.NoError(t, err)
	property.TokenPrice = decimal.NewFromInt(55)
	require.NoError(t, f.properties.Save(ctx, property))

	price, err = svc.GetMarketPrice(ctx, testPropertyID)
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(50).Equal(price), "served from cache")

	mr.FastForward(2 * time.Minute)
	price, err = svc.GetMarketPrice(ctx, testPropertyID)
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(55).Equal(price))

	_, err = svc.GetMarketPrice(ctx, "prop-missing")
	assert.True(t, errors.HasCode(err, errors.CodePropertyNotFound))
}

func TestGetMarketPriceSurvivesCacheOutage(t *testing.T) {
	f := newFixture(t)

	mr, err := miniredis.Run()
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	mr.Close()

	svc := NewTradingService(f.coordinator, f.properties, storage.NewPriceCache(storage.NewRedisCacheFromClient(client), time.Minute))
	price, err := svc.GetMarketPrice(context.Background(), testPropertyID)
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(50).Equal(price))
}

func TestGetTradeHistory(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first := f.trading.ExecuteTrade(ctx, trade("user-1", types.SideBuy, 10, 50))
	second := f.trading.ExecuteTrade(ctx, trade("user-1", types.SideBuy, 20, 50))
	f.trading.ExecuteTrade(ctx, trade("user-2", types.SideBuy, 30, 50))

	history, err := f.trading.GetTradeHistory(ctx, "user-1", 10)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, second.AttemptID, history[0].AttemptID)
	assert.Equal(t, first.AttemptID, history[1].AttemptID)

	history, err = f.trading.GetTradeHistory(ctx, "user-1", 1)
	require.NoError(t, err)
	assert.Len(t, history, 1)

	_, err = f.trading.GetTradeHistory(ctx, "", 10)
	assert.True(t, errors.HasCode(err, errors.CodeInvalidParameter))
}
