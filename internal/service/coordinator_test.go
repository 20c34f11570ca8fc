package service

import (
	"context"
	stderrors "errors"
	"testing"
	"time"

	"github.com/property-exchange/internal/adapter"
	"github.com/property-exchange/internal/errors"
	"github.com/property-exchange/internal/models"
	"github.com/property-exchange/internal/storage"
	"github.com/property-exchange/internal/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSettleBuyThenOversell(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	bought := f.coordinator.Settle(ctx, trade("user-1", types.SideBuy, 100, 50))
	require.NoError(t, bought.Err)
	assert.Equal(t, types.StateDone, bought.State)
	assert.NotEmpty(t, bought.SettlementRef)
	require.NotNil(t, bought.Holding)
	assert.Equal(t, int64(100), bought.Holding.TokensOwned)
	assert.True(t, decimal.NewFromInt(5000).Equal(bought.Holding.TotalInvestment))

	records := f.records(bought.AttemptID)
	require.Len(t, records, 1)
	assert.Equal(t, types.StatusConfirmed, records[0].Status)
	assert.Equal(t, bought.SettlementRef, records[0].Ref())
	assert.Equal(t, treasuryID, records[0].FromAccount)
	assert.Equal(t, accountFor("user-1"), records[0].ToAccount)
	assert.Equal(t, int64(100), f.ledger.Balance(testTokenID, accountFor("user-1")))

	_, err := f.intents.Get(ctx, bought.AttemptID)
	assert.ErrorIs(t, err, storage.ErrNotFound, "intent is cleared once recorded")

	rejected := f.coordinator.Settle(ctx, trade("user-1", types.SideSell, 150, 50))
	assert.Equal(t, types.StateRejected, rejected.State)
	assert.True(t, errors.HasCode(rejected.Err, errors.CodeInsufficientTokens))
	assert.Contains(t, rejected.Err.Error(), "has 100, requested 150")
	assert.Empty(t, f.records(rejected.AttemptID))

	assert.Equal(t, int64(100), f.holding("user-1").TokensOwned)
	assert.Equal(t, int64(100), f.ledger.Balance(testTokenID, accountFor("user-1")))
	assert.Equal(t, 1, f.ledger.Calls("transfer"))
}

func TestSettleRejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.addWallet("user-unready", false)
	require.NoError(t, f.properties.Save(ctx, &models.TokenizedProperty{
		ID:                "prop-closed",
		TokenID:           "0.0.6006",
		TotalSupply:       10,
		MinimumInvestment: decimal.NewFromInt(1),
		TokenPrice:        decimal.NewFromInt(1),
		Status:            types.PropertyInactive,
	}))

	tests := []struct {
		name string
		req  *models.TradeRequest
		code string
	}{
		{"nil request", nil, errors.CodeInvalidTradeRequest},
		{"zero amount", trade("user-1", types.SideBuy, 0, 50), errors.CodeInvalidTradeRequest},
		{"no wallet", trade("ghost", types.SideBuy, 10, 50), errors.CodeNoWallet},
		{"wallet not ready", trade("user-unready", types.SideBuy, 10, 50), errors.CodeWalletNotReady},
		{"unknown property", func() *models.TradeRequest {
			r := trade("user-1", types.SideBuy, 10, 50)
			r.PropertyID = "prop-missing"
			return r
		}(), errors.CodePropertyNotFound},
		{"inactive property", func() *models.TradeRequest {
			r := trade("user-1", types.SideBuy, 10, 50)
			r.PropertyID = "prop-closed"
			return r
		}(), errors.CodePropertyInactive},
		{"below minimum", trade("user-1", types.SideBuy, 1, 50), errors.CodeBelowMinimum},
		{"sell without holding", trade("user-1", types.SideSell, 1, 50), errors.CodeInsufficientTokens},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := f.coordinator.Settle(ctx, tt.req)
			assert.Equal(t, types.StateRejected, result.State)
			assert.True(t, errors.HasCode(result.Err, tt.code), "got %v", result.Err)
			assert.Empty(t, f.records(result.AttemptID))
		})
	}

	assert.Zero(t, f.ledger.Calls("transfer"))
	assert.Zero(t, f.ledger.Calls("isAssociated"))
}

func TestSettleLedgerRejection(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// The treasury only holds the supply
	result := f.coordinator.Settle(ctx, trade("user-1", types.SideBuy, testSupply+1, 50))
	assert.Equal(t, types.StateFailed, result.State)
	assert.True(t, errors.IsLedgerError(result.Err))
	assert.Empty(t, result.SettlementRef)

	records := f.records(result.AttemptID)
	require.Len(t, records, 1)
	assert.Equal(t, types.StatusFailed, records[0].Status)
	assert.Nil(t, records[0].SettlementRef)
	assert.Equal(t, errors.CodeLedgerError, records[0].Metadata["errorCode"])

	assert.Nil(t, f.holding("user-1"))
	assert.Equal(t, int64(testSupply), f.ledger.Balance(testTokenID, treasuryID))

	_, err := f.intents.Get(ctx, result.AttemptID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestSettleSellUsesAverageCost(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.coordinator.Settle(ctx, trade("user-1", types.SideBuy, 100, 50)).Err)
	require.NoError(t, f.coordinator.Settle(ctx, trade("user-1", types.SideBuy, 100, 70)).Err)

	sold := f.coordinator.Settle(ctx, trade("user-1", types.SideSell, 50, 90))
	require.NoError(t, sold.Err)
	require.NotNil(t, sold.Holding)
	assert.Equal(t, int64(150), sold.Holding.TokensOwned)
	assert.True(t, decimal.NewFromInt(9000).Equal(sold.Holding.TotalInvestment), "got %s", sold.Holding.TotalInvestment)
	assert.True(t, decimal.NewFromInt(60).Equal(sold.Holding.AverageCost()))

	records := f.records(sold.AttemptID)
	require.Len(t, records, 1)
	assert.Equal(t, accountFor("user-1"), records[0].FromAccount)
	assert.Equal(t, treasuryID, records[0].ToAccount)
	assert.Equal(t, int64(850), f.ledger.Balance(testTokenID, treasuryID))
}

func TestSettleFullLiquidationRemovesHolding(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.coordinator.Settle(ctx, trade("user-1", types.SideBuy, 100, 50)).Err)

	sold := f.coordinator.Settle(ctx, trade("user-1", types.SideSell, 100, 50))
	require.NoError(t, sold.Err)
	assert.Equal(t, types.StateDone, sold.State)
	assert.Nil(t, sold.Holding)
	assert.Nil(t, f.holding("user-1"))
	assert.Zero(t, f.ledger.Balance(testTokenID, accountFor("user-1")))
}

func TestSettleLostResponseIsReconciled(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.ledger.DropNextResponses(1)
	result := f.coordinator.Settle(ctx, trade("user-1", types.SideBuy, 100, 50))
	assert.Equal(t, types.StateUnknown, result.State)
	assert.True(t, errors.IsLedgerTimeout(result.Err))

	records := f.records(result.AttemptID)
	require.Len(t, records, 1)
	assert.Equal(t, types.StatusPending, records[0].Status)
	assert.Nil(t, f.holding("user-1"), "holdings wait for reconciliation")
	assert.Equal(t, int64(100), f.ledger.Balance(testTokenID, accountFor("user-1")), "the transfer committed")

	// Too young for a sweep
	report, err := f.reconciler.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Checked)

	report = f.sweepLater()
	assert.Equal(t, 1, report.Checked)
	assert.Equal(t, 1, report.Confirmed)

	records = f.records(result.AttemptID)
	require.Len(t, records, 2)
	assert.Equal(t, types.StatusConfirmed, records[1].Status)
	assert.Equal(t, true, records[1].Metadata["reconciled"])
	assert.Equal(t, int64(100), f.holding("user-1").TokensOwned)

	report = f.sweepLater()
	assert.Zero(t, report.Checked)
	assert.Equal(t, int64(100), f.holding("user-1").TokensOwned, "applied exactly once")
	assert.Equal(t, 1, f.ledger.Calls("transfer"))
}

func TestSettleUnansweredTransferNeverCommitted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.coordinator.Settle(ctx, trade("user-1", types.SideBuy, 100, 50)).Err)

	f.ledger.FailNext(stderrors.New("connection reset by peer"))
	result := f.coordinator.Settle(ctx, trade("user-1", types.SideSell, 40, 50))
	assert.Equal(t, types.StateUnknown, result.State)

	report := f.sweepLater()
	assert.Equal(t, 1, report.Failed)

	terminal, err := f.journal.Terminal(ctx, result.AttemptID)
	require.NoError(t, err)
	require.NotNil(t, terminal)
	assert.Equal(t, types.StatusFailed, terminal.Status)
	assert.Equal(t, "not_settled", terminal.Metadata["reason"])
	assert.Equal(t, int64(100), f.holding("user-1").TokensOwned)
}

func TestSettleRecordingFailureIsPartial(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.holdingsDB.FailApplies(10)
	result := f.coordinator.Settle(ctx, trade("user-1", types.SideBuy, 100, 50))
	assert.Equal(t, types.StatePartial, result.State)
	assert.True(t, errors.IsReconciliation(result.Err))
	assert.NotEmpty(t, result.SettlementRef)

	records := f.records(result.AttemptID)
	require.Len(t, records, 1)
	assert.Equal(t, types.StatusPending, records[0].Status)
	assert.Equal(t, result.SettlementRef, records[0].Ref())
	assert.Nil(t, f.holding("user-1"))

	intent, err := f.intents.Get(ctx, result.AttemptID)
	require.NoError(t, err)
	assert.Equal(t, models.IntentSettled, intent.Stage)

	f.holdingsDB.FailApplies(0)
	report := f.sweepLater()
	assert.Equal(t, 1, report.Confirmed)

	terminal, err := f.journal.Terminal(ctx, result.AttemptID)
	require.NoError(t, err)
	require.NotNil(t, terminal)
	assert.Equal(t, result.SettlementRef, terminal.Ref())
	assert.Equal(t, int64(100), f.holding("user-1").TokensOwned)
}

func TestCompensatePartialBuy(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.holdingsDB.FailApplies(10)
	result := f.coordinator.Settle(ctx, trade("user-1", types.SideBuy, 100, 50))
	require.Equal(t, types.StatePartial, result.State)
	f.holdingsDB.FailApplies(0)

	comp, err := f.coordinator.Compensate(ctx, result.AttemptID, "customer withdrew")
	require.NoError(t, err)
	assert.Equal(t, result.AttemptID, comp.AttemptID)
	assert.NotEqual(t, result.AttemptID, comp.CompensationAttemptID)
	require.Len(t, comp.Records, 2)

	assert.Zero(t, f.ledger.Balance(testTokenID, accountFor("user-1")))
	assert.Equal(t, int64(testSupply), f.ledger.Balance(testTokenID, treasuryID))
	assert.Nil(t, f.holding("user-1"))

	reversal := f.records(comp.CompensationAttemptID)
	require.Len(t, reversal, 1)
	assert.Equal(t, types.StatusConfirmed, reversal[0].Status)
	assert.Equal(t, types.SideSell, reversal[0].Side)
	assert.Equal(t, result.AttemptID, reversal[0].Metadata["compensates"])

	original, err := f.journal.Terminal(ctx, result.AttemptID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusFailed, original.Status)
	assert.Equal(t, comp.CompensationAttemptID, original.Metadata["compensated_by"])
	assert.Equal(t, result.SettlementRef, original.Metadata["settlementRef"])

	_, err = f.coordinator.Compensate(ctx, result.AttemptID, "again")
	assert.True(t, errors.HasCode(err, errors.CodeCompensationRefused))

	report := f.sweepLater()
	assert.Zero(t, report.Checked)
}

func TestCompensateHoldsOffConcurrentSweep(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.holdingsDB.FailApplies(10)
	result := f.coordinator.Settle(ctx, trade("user-1", types.SideBuy, 100, 50))
	require.Equal(t, types.StatePartial, result.State)
	f.holdingsDB.FailApplies(0)

	// A sweep starts while compensation is checking the holdings
	f.reconciler.now = func() time.Time { return time.Now().UTC().Add(time.Hour) }
	swept := make(chan *ReconciliationReport, 1)
	f.holdingsDB.OnNextIsApplied(func() {
		go func() {
			report, err := f.reconciler.RunOnce(ctx)
			if err != nil {
				report = nil
			}
			swept <- report
		}()
		time.Sleep(20 * time.Millisecond)
	})

	comp, err := f.coordinator.Compensate(ctx, result.AttemptID, "customer withdrew")
	require.NoError(t, err)
	require.Len(t, comp.Records, 2)
	assert.Equal(t, types.StatusFailed, comp.Records[0].Status)
	assert.Equal(t, result.AttemptID, comp.Records[0].AttemptID)
	assert.Equal(t, types.StatusConfirmed, comp.Records[1].Status)
	assert.Equal(t, comp.CompensationAttemptID, comp.Records[1].AttemptID)

	var report *ReconciliationReport
	select {
	case report = <-swept:
	case <-time.After(5 * time.Second):
		t.Fatal("sweep did not finish")
	}
	require.NotNil(t, report)
	assert.Zero(t, report.Confirmed)

	// Ledger and holdings agree that the buy was undone
	assert.Zero(t, f.ledger.Balance(testTokenID, accountFor("user-1")))
	assert.Nil(t, f.holding("user-1"))

	original, err := f.journal.Terminal(ctx, result.AttemptID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusFailed, original.Status)
	assert.Equal(t, comp.CompensationAttemptID, original.Metadata["compensated_by"])
}

func TestCompensateAfterSweepConfirmed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.holdingsDB.FailApplies(10)
	result := f.coordinator.Settle(ctx, trade("user-1", types.SideBuy, 100, 50))
	require.Equal(t, types.StatePartial, result.State)
	f.holdingsDB.FailApplies(0)

	report := f.sweepLater()
	require.Equal(t, 1, report.Confirmed)

	_, err := f.coordinator.Compensate(ctx, result.AttemptID, "too late")
	assert.True(t, errors.HasCode(err, errors.CodeCompensationRefused))
	assert.Equal(t, int64(100), f.ledger.Balance(testTokenID, accountFor("user-1")))
	assert.Equal(t, int64(100), f.holding("user-1").TokensOwned)
}

func TestCompensateResumesUnrecordedReversal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.holdingsDB.FailApplies(10)
	result := f.coordinator.Settle(ctx, trade("user-1", types.SideBuy, 100, 50))
	require.Equal(t, types.StatePartial, result.State)
	f.holdingsDB.FailApplies(0)

	// The reversal commits but its answer is lost
	f.ledger.DropNextResponses(1)
	_, err := f.coordinator.Compensate(ctx, result.AttemptID, "customer withdrew")
	require.Error(t, err)
	assert.Zero(t, f.ledger.Balance(testTokenID, accountFor("user-1")))

	claim, err := f.journal.Terminal(ctx, result.AttemptID)
	require.NoError(t, err)
	require.NotNil(t, claim)
	assert.Equal(t, types.StatusFailed, claim.Status)

	comp, err := f.coordinator.Compensate(ctx, result.AttemptID, "customer withdrew")
	require.NoError(t, err)
	assert.Equal(t, claim.Metadata["compensated_by"], comp.CompensationAttemptID)
	assert.Zero(t, f.ledger.Balance(testTokenID, accountFor("user-1")))
	assert.Equal(t, int64(testSupply), f.ledger.Balance(testTokenID, treasuryID))

	reversal := f.records(comp.CompensationAttemptID)
	require.Len(t, reversal, 1)
	assert.Equal(t, types.StatusConfirmed, reversal[0].Status)
}

func TestCompensateRefusals(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.coordinator.Compensate(ctx, "no-such-attempt", "test")
	assert.True(t, errors.HasCode(err, errors.CodeNotFound))

	done := f.coordinator.Settle(ctx, trade("user-1", types.SideBuy, 100, 50))
	require.NoError(t, done.Err)
	_, err = f.coordinator.Compensate(ctx, done.AttemptID, "test")
	assert.True(t, errors.HasCode(err, errors.CodeCompensationRefused))

	f.ledger.FailNext(stderrors.New("connection reset by peer"))
	unknown := f.coordinator.Settle(ctx, trade("user-1", types.SideSell, 10, 50))
	require.Equal(t, types.StateUnknown, unknown.State)
	_, err = f.coordinator.Compensate(ctx, unknown.AttemptID, "test")
	assert.True(t, errors.HasCode(err, errors.CodeCompensationRefused))
	assert.Contains(t, err.Error(), "no transfer")
}

func TestSettlePublishesEvents(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	done := f.coordinator.Settle(ctx, trade("user-1", types.SideBuy, 100, 50))
	rejected := f.coordinator.Settle(ctx, trade("user-1", types.SideBuy, 1, 50))

	published := f.publisher.Events()
	require.Len(t, published, 2)
	assert.Equal(t, done.AttemptID, published[0].AttemptID)
	assert.Equal(t, types.StateDone, published[0].State)
	assert.Equal(t, done.SettlementRef, published[0].SettlementRef)
	assert.Equal(t, rejected.AttemptID, published[1].AttemptID)
	assert.Equal(t, types.StateRejected, published[1].State)
	assert.Equal(t, errors.CodeBelowMinimum, published[1].ErrorCode)
}

// stubExecutor stands in for the ledger executor and fails every transfer with err
type stubExecutor struct {
	err   error
	calls int
}

func (e *stubExecutor) Accounts(side types.TradeSide, wallet *models.Wallet) (string, string) {
	if side == types.SideBuy {
		return treasuryID, wallet.AccountID
	}
	return wallet.AccountID, treasuryID
}

func (e *stubExecutor) Execute(context.Context, string, *ValidatedTrade) (*adapter.TransferReceipt, error) {
	e.calls++
	return nil, e.err
}

func (e *stubExecutor) Lookup(context.Context, string) (*adapter.TransferReceipt, error) {
	return nil, adapter.ErrTransferNotFound
}

func (e *stubExecutor) Compensate(context.Context, *adapter.TransferReceipt, *models.Wallet) (*adapter.TransferReceipt, error) {
	return nil, e.err
}

func TestSettleClassifiesExecutorErrors(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantState  types.SettlementState
		wantStatus types.TransactionStatus
	}{
		{
			name:       "timeout leaves the outcome unknown",
			err:        errors.NewLedgerTimeoutError("transfer", context.DeadlineExceeded),
			wantState:  types.StateUnknown,
			wantStatus: types.StatusPending,
		},
		{
			name:       "definitive failure",
			err:        errors.NewLedgerError("transfer", stderrors.New("INSUFFICIENT_TOKEN_BALANCE")),
			wantState:  types.StateFailed,
			wantStatus: types.StatusFailed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			ctx := context.Background()

			executor := &stubExecutor{err: tt.err}
			coordinator := NewTradeCoordinator(CoordinatorDeps{
				Validator: NewTradeValidator(f.wallets, f.properties, f.holdingsDB),
				Executor:  executor,
				Holdings:  f.holdings,
				Journal:   f.journal,
				Wallets:   f.wallets,
				Intents:   f.intents,
			}, CoordinatorConfig{RecordingAttempts: 1})

			result := coordinator.Settle(ctx, trade("user-1", types.SideBuy, 100, 50))
			assert.Equal(t, tt.wantState, result.State)
			assert.Equal(t, 1, executor.calls)
			assert.Nil(t, f.holding("user-1"))
			assert.Equal(t, int64(testSupply), f.ledger.Balance(testTokenID, treasuryID))

			records := f.records(result.AttemptID)
			require.Len(t, records, 1)
			assert.Equal(t, tt.wantStatus, records[0].Status)
		})
	}
}
