package service

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"time"

	"github.com/property-exchange/internal/adapter"
	"github.com/property-exchange/internal/errors"
	"github.com/property-exchange/internal/logging"
	"github.com/property-exchange/internal/models"
	"github.com/property-exchange/internal/storage"
	"github.com/property-exchange/internal/telemetry"
	"github.com/property-exchange/internal/types"
)

const defaultLedgerTimeout = 10 * time.Second

// ReconcilerConfig configures reconciliation sweeps
type ReconcilerConfig struct {
	// MinAge skips attempts younger than this so in-flight trades are left alone
	MinAge time.Duration
	// BatchSize bounds the unresolved journal rows read per sweep
	BatchSize int
	// LedgerTimeout is how long after an attempt a missing transfer counts as never settled
	LedgerTimeout time.Duration
}

// ReconciliationReport summarizes one sweep
type ReconciliationReport struct {
	Checked    int       `json:"checked"`
	Confirmed  int       `json:"confirmed"`
	Failed     int       `json:"failed"`
	Skipped    int       `json:"skipped"`
	Errors     []string  `json:"errors,omitempty"`
	StartedAt  time.Time `json:"startedAt"`
	FinishedAt time.Time `json:"finishedAt"`
}

// Reconciler resolves attempts whose outcome was unknown or whose recording did
// not finish, by asking the ledger what actually moved
type Reconciler struct {
	coordinator *TradeCoordinator
	journal     Journal
	executor    Executor
	intents     storage.IntentLog
	metrics     *telemetry.Metrics
	config      ReconcilerConfig
	now         func() time.Time

	mu sync.Mutex
}

// NewReconciler creates a new reconciler
func NewReconciler(coordinator *TradeCoordinator, config ReconcilerConfig) *Reconciler {
	if config.MinAge <= 0 {
		config.MinAge = 2 * time.Minute
	}
	if config.BatchSize <= 0 {
		config.BatchSize = 100
	}
	if config.LedgerTimeout <= 0 {
		config.LedgerTimeout = defaultLedgerTimeout
	}
	return &Reconciler{
		coordinator: coordinator,
		journal:     coordinator.journal,
		executor:    coordinator.executor,
		intents:     coordinator.intents,
		metrics:     coordinator.metrics,
		config:      config,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

type candidate struct {
	attemptID string
	request   *models.TradeRequest
	from      string
	to        string
	createdAt time.Time
}

// Unresolved lists the attempts a sweep would look at
func (r *Reconciler) Unresolved(ctx context.Context) ([]*models.TransactionRecord, error) {
	return r.journal.Unresolved(ctx, r.now(), r.config.BatchSize)
}

// RunOnce performs a single sweep. Sweeps never overlap.
func (r *Reconciler) RunOnce(ctx context.Context) (*ReconciliationReport, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	report := &ReconciliationReport{StartedAt: r.now()}
	logger := logging.FromContext(ctx)

	candidates, err := r.candidates(ctx)
	if err != nil {
		return nil, err
	}

	for _, cand := range candidates {
		if ctx.Err() != nil {
			break
		}
		report.Checked++
		outcome, err := r.reconcile(ctx, cand)
		if err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("%s: %v", cand.attemptID, err))
		}
		switch outcome {
		case "confirmed":
			report.Confirmed++
		case "failed":
			report.Failed++
		default:
			report.Skipped++
		}
		r.metrics.RecordReconciliation(ctx, outcome)
	}

	report.FinishedAt = r.now()
	logger.WithFields(map[string]interface{}{
		"checked":   report.Checked,
		"confirmed": report.Confirmed,
		"failed":    report.Failed,
		"skipped":   report.Skipped,
		"errors":    len(report.Errors),
	}).Info("Reconciliation sweep finished")

	return report, nil
}

// Start runs a sweep every interval until ctx is done
func (r *Reconciler) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	logger := logging.FromContext(ctx)
	logger.Infof("Starting reconciliation every %v", interval)

	for {
		if _, err := r.RunOnce(ctx); err != nil {
			logger.WithError(err).Error("Reconciliation sweep failed")
		}

		select {
		case <-ctx.Done():
			logger.Info("Stopping reconciliation")
			return
		case <-ticker.C:
		}
	}
}

// candidates merges leftover intents with unresolved journal rows, intents first
func (r *Reconciler) candidates(ctx context.Context) ([]candidate, error) {
	cutoff := r.now().Add(-r.config.MinAge)
	seen := make(map[string]bool)
	var out []candidate

	intents, err := r.intents.Pending(ctx, cutoff)
	if err != nil {
		return nil, errors.NewInternalError("failed to read settlement intents", err)
	}
	for _, intent := range intents {
		req := intent.Request
		seen[intent.AttemptID] = true
		out = append(out, candidate{
			attemptID: intent.AttemptID,
			request:   &req,
			from:      intent.FromAccount,
			to:        intent.ToAccount,
			createdAt: intent.CreatedAt,
		})
	}

	records, err := r.journal.Unresolved(ctx, cutoff, r.config.BatchSize)
	if err != nil {
		return nil, err
	}
	for _, rec := range records {
		if seen[rec.AttemptID] {
			continue
		}
		seen[rec.AttemptID] = true
		out = append(out, candidate{
			attemptID: rec.AttemptID,
			request:   requestFromRecord(rec),
			from:      rec.FromAccount,
			to:        rec.ToAccount,
			createdAt: rec.CreatedAt,
		})
	}
	return out, nil
}

// reconcile resolves one attempt and returns confirmed, failed or skipped
func (r *Reconciler) reconcile(ctx context.Context, cand candidate) (string, error) {
	logger := logging.FromContext(ctx).WithField("attemptId", cand.attemptID)

	terminal, err := r.journal.Terminal(ctx, cand.attemptID)
	if err != nil {
		return "skipped", err
	}
	if terminal != nil {
		r.coordinator.completeIntent(ctx, cand.attemptID)
		return "skipped", nil
	}

	receipt, err := r.executor.Lookup(ctx, cand.attemptID)
	switch {
	case stderrors.Is(err, adapter.ErrTransferNotFound):
		if r.now().Sub(cand.createdAt) < r.config.LedgerTimeout {
			return "skipped", nil
		}
		_, err := r.journal.Record(ctx, RecordInput{
			AttemptID:   cand.attemptID,
			Request:     cand.request,
			FromAccount: cand.from,
			ToAccount:   cand.to,
			Status:      types.StatusFailed,
			Metadata:    map[string]interface{}{"reason": "not_settled", "reconciled": true},
		})
		if err != nil {
			return "skipped", err
		}
		r.coordinator.completeIntent(ctx, cand.attemptID)
		logger.Info("Attempt never settled on the ledger, marked failed")
		return "failed", nil

	case err != nil:
		logger.WithError(err).Warn("Ledger lookup failed, retrying next sweep")
		return "skipped", err
	}

	expected := adapter.TransferRequest{
		TokenID: receipt.TokenID,
		From:    cand.from,
		To:      cand.to,
		Amount:  cand.request.TokenAmount,
	}
	if !receipt.Matches(expected) {
		err := errors.NewInvariantViolationError("receipt_matches_attempt", map[string]interface{}{
			"attemptId":     cand.attemptID,
			"settlementRef": receipt.SettlementRef,
		})
		logger.WithError(err).Critical("Ledger transfer does not match the recorded attempt")
		return "skipped", err
	}

	_, _, err = r.coordinator.completeSettlement(ctx, cand.attemptID, cand.request, cand.from, cand.to,
		receipt.SettlementRef, map[string]interface{}{"reconciled": true})
	if err != nil {
		if errors.HasCode(err, errors.CodeAttemptResolved) {
			logger.Info("Attempt was resolved while reconciling, leaving it")
			return "skipped", nil
		}
		if errors.IsInvariantViolation(err) {
			logger.WithError(err).Critical("Invariant violated while reconciling a settled trade")
		}
		return "skipped", err
	}

	r.coordinator.completeIntent(ctx, cand.attemptID)
	logger.WithField("settlementRef", receipt.SettlementRef).Info("Attempt reconciled as confirmed")
	return "confirmed", nil
}
