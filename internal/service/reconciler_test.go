package service

import (
	"context"
	stderrors "errors"
	"testing"
	"time"

	"github.com/property-exchange/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReconcilerUsesJournalWhenIntentIsGone(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.ledger.DropNextResponses(1)
	result := f.coordinator.Settle(ctx, trade("user-2", types.SideBuy, 20, 50))
	require.Equal(t, types.StateUnknown, result.State)

	// Lost along with the node that took the trade
	require.NoError(t, f.intents.Complete(ctx, result.AttemptID))

	f.reconciler.now = func() time.Time { return time.Now().UTC().Add(time.Hour) }
	unresolved, err := f.reconciler.Unresolved(ctx)
	require.NoError(t, err)
	require.Len(t, unresolved, 1)
	assert.Equal(t, result.AttemptID, unresolved[0].AttemptID)

	report := f.sweepLater()
	assert.Equal(t, 1, report.Checked)
	assert.Equal(t, 1, report.Confirmed)
	assert.Equal(t, int64(20), f.holding("user-2").TokensOwned)
}

func TestReconcilerSkipsWhenLedgerIsDown(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.ledger.DropNextResponses(1)
	result := f.coordinator.Settle(ctx, trade("user-1", types.SideBuy, 20, 50))
	require.Equal(t, types.StateUnknown, result.State)

	f.ledger.FailNext(stderrors.New("dial tcp: connection refused"))
	report := f.sweepLater()
	assert.Equal(t, 1, report.Checked)
	assert.Equal(t, 1, report.Skipped)
	require.Len(t, report.Errors, 1)
	assert.Contains(t, report.Errors[0], result.AttemptID)
	assert.Nil(t, f.holding("user-1"))

	report = f.sweepLater()
	assert.Equal(t, 1, report.Confirmed)
	assert.Equal(t, int64(20), f.holding("user-1").TokensOwned)
}

func TestReconcilerWaitsForLedgerTimeoutBeforeFailing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.reconciler.config.LedgerTimeout = 2 * time.Hour

	require.NoError(t, f.coordinator.Settle(ctx, trade("user-1", types.SideBuy, 20, 50)).Err)
	f.ledger.FailNext(stderrors.New("connection reset by peer"))
	result := f.coordinator.Settle(ctx, trade("user-1", types.SideSell, 10, 50))
	require.Equal(t, types.StateUnknown, result.State)

	report := f.sweepLater()
	assert.Equal(t, 1, report.Skipped)

	terminal, err := f.journal.Terminal(ctx, result.AttemptID)
	require.NoError(t, err)
	assert.Nil(t, terminal, "a late transfer could still land")
}

func TestReconcilerStartStopsWithContext(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		f.reconciler.Start(ctx, 10*time.Millisecond)
		close(done)
	}()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("reconciler did not stop")
	}
}
