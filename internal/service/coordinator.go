// Package service implements trade settlement: validation, ledger execution,
// holdings, the transaction journal and the coordinator that sequences them.
package service

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/property-exchange/internal/adapter"
	"github.com/property-exchange/internal/errors"
	"github.com/property-exchange/internal/events"
	"github.com/property-exchange/internal/logging"
	"github.com/property-exchange/internal/models"
	"github.com/property-exchange/internal/retry"
	"github.com/property-exchange/internal/storage"
	"github.com/property-exchange/internal/telemetry"
	"github.com/property-exchange/internal/types"
)

// CoordinatorConfig configures the recording step
type CoordinatorConfig struct {
	RecordingAttempts int
	RecordingBackoff  time.Duration
}

// CoordinatorDeps are the collaborators of the coordinator
type CoordinatorDeps struct {
	Validator Validator
	Executor  Executor
	Holdings  Holdings
	Journal   Journal
	Wallets   storage.WalletStore
	Intents   storage.IntentLog
	Publisher events.Publisher
	Metrics   *telemetry.Metrics
}

// TradeCoordinator runs a trade through VALIDATING, EXECUTING and RECORDING
type TradeCoordinator struct {
	validator Validator
	executor  Executor
	holdings  Holdings
	journal   Journal
	wallets   storage.WalletStore
	intents   storage.IntentLog
	publisher events.Publisher
	metrics   *telemetry.Metrics
	recording retry.RetryConfig

	newAttemptID func() string
	now          func() time.Time
}

// NewTradeCoordinator creates a new trade coordinator
func NewTradeCoordinator(deps CoordinatorDeps, config CoordinatorConfig) *TradeCoordinator {
	recording := *retry.DefaultRetryConfig()
	if config.RecordingAttempts > 0 {
		recording.MaxAttempts = config.RecordingAttempts
	}
	if config.RecordingBackoff > 0 {
		recording.InitialDelay = config.RecordingBackoff
	}
	recording.MaxDelay = 2 * time.Second
	recording.Retryable = errors.IsRetryable

	publisher := deps.Publisher
	if publisher == nil {
		publisher = events.NoopPublisher{}
	}

	return &TradeCoordinator{
		validator:    deps.Validator,
		executor:     deps.Executor,
		holdings:     deps.Holdings,
		journal:      deps.Journal,
		wallets:      deps.Wallets,
		intents:      deps.Intents,
		publisher:    publisher,
		metrics:      deps.Metrics,
		recording:    recording,
		newAttemptID: func() string { return uuid.New().String() },
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// Settle runs one trade to a final state. The returned result always carries
// the state reached; Err is set for every state except DONE.
func (c *TradeCoordinator) Settle(ctx context.Context, req *models.TradeRequest) *models.SettlementResult {
	start := c.now()
	result := &models.SettlementResult{
		AttemptID: c.newAttemptID(),
		State:     types.StateValidating,
	}

	logger := logging.FromContext(ctx).WithField("attemptId", result.AttemptID)
	if req != nil {
		logger = logger.WithFields(map[string]interface{}{
			"holderId":   req.HolderID,
			"propertyId": req.PropertyID,
			"side":       req.Side,
			"amount":     req.TokenAmount,
		})
	}
	ctx = logging.WithLogger(ctx, logger)

	trade, err := c.validator.Resolve(ctx, req)
	if err != nil {
		logger.WithError(err).Info("Trade rejected")
		return c.finish(ctx, req, result, types.StateRejected, err, start)
	}

	// From here on the ledger may be touched; the caller can no longer cancel.
	ctx = context.WithoutCancel(ctx)
	c.advance(ctx, result, types.StateExecuting)

	from, to := c.executor.Accounts(req.Side, trade.Wallet)
	intent := &models.SettlementIntent{
		AttemptID:   result.AttemptID,
		Request:     *req,
		TokenID:     trade.Property.TokenID,
		FromAccount: from,
		ToAccount:   to,
		Stage:       models.IntentExecuting,
	}
	if err := c.intents.Begin(ctx, intent); err != nil {
		err = errors.NewInternalError("failed to write settlement intent", err)
		c.recordFailure(ctx, result.AttemptID, req, from, to, err)
		return c.finish(ctx, req, result, types.StateFailed, err, start)
	}

	receipt, err := c.executor.Execute(ctx, result.AttemptID, trade)
	if err != nil {
		if errors.IsLedgerTimeout(err) {
			logger.WithError(err).Warn("Ledger outcome unknown, leaving attempt for reconciliation")
			c.recordPending(ctx, result.AttemptID, req, from, to, "", err)
			return c.finish(ctx, req, result, types.StateUnknown, err, start)
		}

		logger.WithError(err).Warn("Ledger execution failed")
		if c.recordFailure(ctx, result.AttemptID, req, from, to, err) {
			c.completeIntent(ctx, result.AttemptID)
		}
		return c.finish(ctx, req, result, types.StateFailed, err, start)
	}

	result.SettlementRef = receipt.SettlementRef
	if err := c.intents.MarkSettled(ctx, result.AttemptID, receipt.SettlementRef); err != nil {
		logger.WithError(err).Warn("Failed to mark intent settled")
	}
	c.advance(ctx, result, types.StateRecording)

	applied, rec, err := c.completeSettlement(ctx, result.AttemptID, req, from, to, receipt.SettlementRef, nil)
	if err != nil {
		c.reportRecordingFailure(ctx, receipt.SettlementRef, err)
		c.recordPending(ctx, result.AttemptID, req, from, to, receipt.SettlementRef, err)
		return c.finish(ctx, req, result, types.StatePartial,
			errors.NewReconciliationError(result.AttemptID, receipt.SettlementRef, err), start)
	}

	c.completeIntent(ctx, result.AttemptID)
	result.Holding = applied.Holding
	result.Record = rec
	logger.WithField("settlementRef", receipt.SettlementRef).Info("Trade settled")
	return c.finish(ctx, req, result, types.StateDone, nil, start)
}

// completeSettlement applies holdings and writes the confirmed record for a
// settled transfer. Both steps are idempotent by settlement ref and attempt,
// so the whole step is retried and may be repeated by reconciliation.
func (c *TradeCoordinator) completeSettlement(ctx context.Context, attemptID string, req *models.TradeRequest, from, to, ref string, metadata map[string]interface{}) (*ApplyResult, *models.TransactionRecord, error) {
	var (
		applied *ApplyResult
		rec     *models.TransactionRecord
	)

	cfg := c.recording
	result := retry.WithExponentialBackoff(ctx, &cfg, func(ctx context.Context, attempt int) error {
		var err error
		applied, err = c.holdings.Apply(ctx, ApplyInput{
			HolderID:      req.HolderID,
			PropertyID:    req.PropertyID,
			TokenAmount:   req.TokenAmount,
			PricePerToken: req.PricePerToken,
			Side:          req.Side,
			SettlementRef: ref,
			Precondition: func(ctx context.Context) error {
				return c.ensureNotFailed(ctx, attemptID)
			},
		})
		if err != nil {
			return err
		}

		rec, err = c.journal.Record(ctx, RecordInput{
			AttemptID:     attemptID,
			Request:       req,
			FromAccount:   from,
			ToAccount:     to,
			SettlementRef: ref,
			Status:        types.StatusConfirmed,
			Metadata:      metadata,
		})
		return err
	})
	if !result.Success {
		return nil, nil, result.LastError
	}

	if rec.Status != types.StatusConfirmed {
		return nil, nil, errors.NewInvariantViolationError("settled_attempt_confirmed", map[string]interface{}{
			"attemptId":      attemptID,
			"settlementRef":  ref,
			"existingStatus": string(rec.Status),
		})
	}
	return applied, rec, nil
}

// ensureNotFailed stops holdings from being applied for an attempt that was
// already resolved as failed, for example by a compensation claim
func (c *TradeCoordinator) ensureNotFailed(ctx context.Context, attemptID string) error {
	terminal, err := c.journal.Terminal(ctx, attemptID)
	if err != nil {
		return err
	}
	if terminal != nil && terminal.Status != types.StatusConfirmed {
		return errors.NewAttemptResolvedError(attemptID, terminal.Status)
	}
	return nil
}

// reportRecordingFailure logs the failure. Broken invariants are raised at the highest severity.
func (c *TradeCoordinator) reportRecordingFailure(ctx context.Context, ref string, err error) {
	logger := logging.FromContext(ctx).
		WithField("settlementRef", ref).
		WithError(err)
	if errors.IsInvariantViolation(err) {
		logger.Critical("Invariant violated while recording a settled trade")
	} else {
		logger.Error("Failed to record settled trade, reconciliation required")
	}
}

// recordFailure writes the failed record. It reports whether the write succeeded.
func (c *TradeCoordinator) recordFailure(ctx context.Context, attemptID string, req *models.TradeRequest, from, to string, cause error) bool {
	_, err := c.journal.Record(ctx, RecordInput{
		AttemptID:   attemptID,
		Request:     req,
		FromAccount: from,
		ToAccount:   to,
		Status:      types.StatusFailed,
		Metadata:    failureMetadata(cause),
	})
	if err != nil {
		logging.FromContext(ctx).WithError(err).Error("Failed to record failed attempt")
		return false
	}
	return true
}

func (c *TradeCoordinator) recordPending(ctx context.Context, attemptID string, req *models.TradeRequest, from, to, ref string, cause error) {
	_, err := c.journal.Record(ctx, RecordInput{
		AttemptID:     attemptID,
		Request:       req,
		FromAccount:   from,
		ToAccount:     to,
		SettlementRef: ref,
		Status:        types.StatusPending,
		Metadata:      failureMetadata(cause),
	})
	if err != nil {
		logging.FromContext(ctx).WithError(err).Error("Failed to record pending attempt")
	}
}

func (c *TradeCoordinator) completeIntent(ctx context.Context, attemptID string) {
	if err := c.intents.Complete(ctx, attemptID); err != nil {
		logging.FromContext(ctx).WithError(err).Warn("Failed to complete settlement intent")
	}
}

func failureMetadata(cause error) map[string]interface{} {
	metadata := map[string]interface{}{}
	if catErr := errors.Categorize(cause); catErr != nil {
		metadata["errorCode"] = catErr.Code
		metadata["reason"] = catErr.Message
	}
	return metadata
}

func (c *TradeCoordinator) advance(ctx context.Context, result *models.SettlementResult, to types.SettlementState) {
	if !types.CanTransition(result.State, to) {
		logging.FromContext(ctx).
			WithField("from", result.State).
			WithField("to", to).
			Critical("Illegal settlement state transition")
	}
	result.State = to
}

func (c *TradeCoordinator) finish(ctx context.Context, req *models.TradeRequest, result *models.SettlementResult, state types.SettlementState, err error, start time.Time) *models.SettlementResult {
	c.advance(ctx, result, state)
	result.Err = err

	if req == nil {
		return result
	}

	c.metrics.RecordSettlement(ctx, req.Side, state, c.now().Sub(start))

	event := events.SettlementEvent{
		AttemptID:     result.AttemptID,
		PropertyID:    req.PropertyID,
		HolderID:      req.HolderID,
		Side:          req.Side,
		TokenAmount:   req.TokenAmount,
		PricePerToken: req.PricePerToken,
		State:         state,
		SettlementRef: result.SettlementRef,
		OccurredAt:    c.now(),
	}
	if catErr := errors.Categorize(err); catErr != nil {
		event.ErrorCode = catErr.Code
	}
	if pubErr := c.publisher.Publish(ctx, event); pubErr != nil {
		logging.FromContext(ctx).WithError(pubErr).Warn("Failed to publish settlement event")
	}
	return result
}

// Validate runs the validator without side effects
func (c *TradeCoordinator) Validate(ctx context.Context, req *models.TradeRequest) error {
	_, err := c.validator.Resolve(ctx, req)
	return err
}

// History returns a holder's journal records, newest first
func (c *TradeCoordinator) History(ctx context.Context, userID string, limit int) ([]*models.TransactionRecord, error) {
	return c.journal.History(ctx, userID, limit)
}

// CompensationResult describes a reversed attempt
type CompensationResult struct {
	AttemptID             string                      `json:"attemptId"`
	CompensationAttemptID string                      `json:"compensationAttemptId"`
	SettlementRef         string                      `json:"settlementRef"`
	Records               []*models.TransactionRecord `json:"records"`
}

// Compensate reverses an unresolved attempt whose transfer committed on the
// ledger but whose holdings were never applied. It runs under the holding
// lock and claims the attempt as failed before the reversal is sent, so a
// reconciliation sweep cannot confirm it halfway through. A claimed attempt
// whose reversal was never recorded is resumed by calling Compensate again.
func (c *TradeCoordinator) Compensate(ctx context.Context, attemptID, reason string) (*CompensationResult, error) {
	ctx = context.WithoutCancel(ctx)

	records, err := c.journal.ByAttempt(ctx, attemptID)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, errors.NewNotFoundError("attempt", attemptID)
	}
	original := records[0]

	var result *CompensationResult
	err = c.holdings.WithLock(ctx, original.HolderID, original.PropertyID, func(ctx context.Context) error {
		var err error
		result, err = c.compensateLocked(ctx, attemptID, reason)
		return err
	})
	if err != nil {
		return nil, err
	}

	c.completeIntent(ctx, attemptID)
	logging.FromContext(ctx).WithFields(map[string]interface{}{
		"attemptId":             attemptID,
		"compensationAttemptId": result.CompensationAttemptID,
		"settlementRef":         result.SettlementRef,
		"reason":                reason,
	}).Warn("Attempt compensated")
	return result, nil
}

func (c *TradeCoordinator) compensateLocked(ctx context.Context, attemptID, reason string) (*CompensationResult, error) {
	logger := logging.FromContext(ctx).WithField("attemptId", attemptID)

	// Re-read under the lock; a sweep may have resolved the attempt meanwhile
	records, err := c.journal.ByAttempt(ctx, attemptID)
	if err != nil {
		return nil, err
	}
	original := records[0]

	compensationID, claim, err := c.compensationClaim(ctx, attemptID, records)
	if err != nil {
		return nil, err
	}

	receipt, err := c.executor.Lookup(ctx, attemptID)
	if err != nil {
		if stderrors.Is(err, adapter.ErrTransferNotFound) {
			return nil, errors.NewCompensationRefusedError(attemptID, "ledger has no transfer for the attempt")
		}
		return nil, err
	}

	applied, err := c.holdings.IsApplied(ctx, receipt.SettlementRef)
	if err != nil {
		return nil, err
	}
	if applied {
		return nil, errors.NewCompensationRefusedError(attemptID, "holdings already reflect the transfer")
	}

	wallet, err := c.wallets.GetByUserID(ctx, original.HolderID)
	if err != nil {
		return nil, errors.NewDatabaseError("get wallet", err)
	}

	req := requestFromRecord(original)
	if claim == nil {
		compensationID = c.newAttemptID()
		claim, err = c.journal.Record(ctx, RecordInput{
			AttemptID:   attemptID,
			Request:     req,
			FromAccount: original.FromAccount,
			ToAccount:   original.ToAccount,
			Status:      types.StatusFailed,
			Metadata: map[string]interface{}{
				"compensated_by": compensationID,
				"settlementRef":  receipt.SettlementRef,
				"reason":         reason,
			},
		})
		if err != nil {
			return nil, err
		}
		if claim.Status != types.StatusFailed {
			return nil, errors.NewCompensationRefusedError(attemptID, fmt.Sprintf("attempt was resolved as %s", claim.Status))
		}
	} else {
		logger.WithField("compensationAttemptId", compensationID).Info("Resuming claimed compensation")
	}

	reversal, err := c.reversal(ctx, attemptID, receipt, wallet)
	if err != nil {
		logger.WithError(err).Error("Compensation claimed but reversal did not settle, retry the compensation")
		return nil, err
	}

	reverse := *req
	reverse.Side = req.Side.Opposite()
	confirmed, err := c.journal.Record(ctx, RecordInput{
		AttemptID:     compensationID,
		Request:       &reverse,
		FromAccount:   reversal.From,
		ToAccount:     reversal.To,
		SettlementRef: reversal.SettlementRef,
		Status:        types.StatusConfirmed,
		Metadata: map[string]interface{}{
			"compensates": attemptID,
			"reason":      reason,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("compensation transfer %s settled but was not recorded: %w", reversal.SettlementRef, err)
	}
	if confirmed.Status != types.StatusConfirmed {
		err := errors.NewInvariantViolationError("compensation_confirmed", map[string]interface{}{
			"attemptId":             attemptID,
			"compensationAttemptId": compensationID,
			"existingStatus":        string(confirmed.Status),
		})
		logger.WithError(err).Critical("Compensation transfer settled but its record disagrees")
		return nil, err
	}

	return &CompensationResult{
		AttemptID:             attemptID,
		CompensationAttemptID: compensationID,
		SettlementRef:         reversal.SettlementRef,
		Records:               []*models.TransactionRecord{claim, confirmed},
	}, nil
}

// compensationClaim inspects the terminal record of an attempt. A claim left by
// an unfinished compensation is returned with its compensation attempt id; any
// other terminal record refuses the compensation.
func (c *TradeCoordinator) compensationClaim(ctx context.Context, attemptID string, records []*models.TransactionRecord) (string, *models.TransactionRecord, error) {
	for _, rec := range records {
		if !rec.Status.Terminal() {
			continue
		}
		compensationID, _ := rec.Metadata["compensated_by"].(string)
		if rec.Status != types.StatusFailed || compensationID == "" {
			return "", nil, errors.NewCompensationRefusedError(attemptID, "attempt is already resolved")
		}
		done, err := c.journal.Terminal(ctx, compensationID)
		if err != nil {
			return "", nil, err
		}
		if done != nil {
			return "", nil, errors.NewCompensationRefusedError(attemptID, "attempt is already compensated")
		}
		return compensationID, rec, nil
	}
	return "", nil, nil
}

// reversal returns the compensating transfer, reusing one already committed
func (c *TradeCoordinator) reversal(ctx context.Context, attemptID string, original *adapter.TransferReceipt, wallet *models.Wallet) (*adapter.TransferReceipt, error) {
	existing, err := c.executor.Lookup(ctx, CompensationMemoPrefix+attemptID)
	switch {
	case err == nil:
		return existing, nil
	case stderrors.Is(err, adapter.ErrTransferNotFound):
		return c.executor.Compensate(ctx, original, wallet)
	default:
		return nil, err
	}
}

func requestFromRecord(rec *models.TransactionRecord) *models.TradeRequest {
	return &models.TradeRequest{
		PropertyID:    rec.PropertyID,
		TokenAmount:   rec.TokenAmount,
		PricePerToken: rec.PricePerToken,
		Side:          rec.Side,
		HolderID:      rec.HolderID,
	}
}
