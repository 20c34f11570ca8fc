package service

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/property-exchange/internal/errors"
	"github.com/property-exchange/internal/logging"
	"github.com/property-exchange/internal/models"
	"github.com/property-exchange/internal/storage"
	"github.com/property-exchange/internal/types"
	"github.com/shopspring/decimal"
)

// investmentScale matches NUMERIC(38, 8)
const investmentScale = 8

// ApplyInput is one settled transfer to reflect in holdings
type ApplyInput struct {
	HolderID      string
	PropertyID    string
	TokenAmount   int64
	PricePerToken decimal.Decimal
	Side          types.TradeSide
	SettlementRef string
	// Precondition runs under the holding lock before anything is written.
	// An error from it aborts the apply unchanged.
	Precondition func(ctx context.Context) error
}

// ApplyResult is the holding after an apply
type ApplyResult struct {
	Holding *models.Holding
	// Removed is set when the holder no longer owns tokens of the property
	Removed bool
	// AlreadyApplied is set when the settlement ref had been applied before
	AlreadyApplied bool
}

// HoldingsLedger keeps the local record of token ownership in step with settled transfers
type HoldingsLedger struct {
	store   storage.HoldingStore
	locker  storage.KeyLocker
	lockTTL time.Duration
	now     func() time.Time
}

// NewHoldingsLedger creates a new holdings ledger
func NewHoldingsLedger(store storage.HoldingStore, locker storage.KeyLocker, lockTTL time.Duration) *HoldingsLedger {
	if lockTTL <= 0 {
		lockTTL = 10 * time.Second
	}
	return &HoldingsLedger{
		store:   store,
		locker:  locker,
		lockTTL: lockTTL,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func holdingLockKey(holderID, propertyID string) string {
	return "holding:" + holderID + ":" + propertyID
}

// Get returns the current holding or nil when the holder owns none
func (h *HoldingsLedger) Get(ctx context.Context, holderID, propertyID string) (*models.Holding, error) {
	holding, err := h.store.Get(ctx, holderID, propertyID)
	if err != nil {
		if stderrors.Is(err, storage.ErrNotFound) {
			return nil, nil
		}
		return nil, errors.NewDatabaseError("get holding", err)
	}
	return holding, nil
}

// IsApplied reports whether a settlement was already reflected in holdings
func (h *HoldingsLedger) IsApplied(ctx context.Context, settlementRef string) (bool, error) {
	applied, err := h.store.IsApplied(ctx, settlementRef)
	if err != nil {
		return false, errors.NewDatabaseError("check settlement application", err)
	}
	return applied, nil
}

// WithLock runs fn while holding the per-holding lock that Apply takes
func (h *HoldingsLedger) WithLock(ctx context.Context, holderID, propertyID string, fn func(ctx context.Context) error) error {
	release, err := h.locker.Acquire(ctx, holdingLockKey(holderID, propertyID), h.lockTTL)
	if err != nil {
		return errors.NewCacheError("acquire holding lock", err)
	}
	defer func() {
		if err := release(context.WithoutCancel(ctx)); err != nil {
			logging.FromContext(ctx).
				WithField("holderId", holderID).
				WithField("propertyId", propertyID).
				WithError(err).
				Warn("Failed to release holding lock")
		}
	}()
	return fn(ctx)
}

// Apply reflects one settled transfer in holdings. Applying the same
// settlement ref twice changes nothing the second time.
func (h *HoldingsLedger) Apply(ctx context.Context, in ApplyInput) (*ApplyResult, error) {
	var result *ApplyResult
	err := h.WithLock(ctx, in.HolderID, in.PropertyID, func(ctx context.Context) error {
		if in.Precondition != nil {
			if err := in.Precondition(ctx); err != nil {
				return err
			}
		}
		var err error
		result, err = h.apply(ctx, in)
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// apply must run under the holding lock
func (h *HoldingsLedger) apply(ctx context.Context, in ApplyInput) (*ApplyResult, error) {
	applied, err := h.IsApplied(ctx, in.SettlementRef)
	if err != nil {
		return nil, err
	}
	if applied {
		return h.current(ctx, in, true)
	}

	current, err := h.Get(ctx, in.HolderID, in.PropertyID)
	if err != nil {
		return nil, err
	}

	change, err := h.nextState(in, current)
	if err != nil {
		return nil, err
	}

	err = h.store.Apply(ctx, change)
	switch {
	case err == nil:
	case stderrors.Is(err, storage.ErrAlreadyApplied):
		return h.current(ctx, in, true)
	case stderrors.Is(err, storage.ErrVersionConflict):
		return nil, errors.NewHoldingConflictError(in.HolderID, in.PropertyID)
	case stderrors.Is(err, storage.ErrSupplyExceeded):
		return nil, errors.NewInvariantViolationError("supply", map[string]interface{}{
			"propertyId": in.PropertyID,
			"requested":  in.TokenAmount,
			"reason":     err.Error(),
		})
	default:
		return nil, errors.NewDatabaseError("apply holding change", err)
	}

	if change.Next == nil {
		logging.FromContext(ctx).WithFields(map[string]interface{}{
			"holderId":      in.HolderID,
			"propertyId":    in.PropertyID,
			"settlementRef": in.SettlementRef,
		}).Info("Holding fully liquidated")
		return &ApplyResult{Removed: true}, nil
	}
	stored := *change.Next
	stored.Version = change.ExpectedVersion + 1
	return &ApplyResult{Holding: &stored}, nil
}

func (h *HoldingsLedger) current(ctx context.Context, in ApplyInput, alreadyApplied bool) (*ApplyResult, error) {
	holding, err := h.Get(ctx, in.HolderID, in.PropertyID)
	if err != nil {
		return nil, err
	}
	return &ApplyResult{Holding: holding, Removed: holding == nil, AlreadyApplied: alreadyApplied}, nil
}

// nextState computes the compare-and-swap write for in against current.
// A sell that would go below zero is an invariant violation, never clamped.
func (h *HoldingsLedger) nextState(in ApplyInput, current *models.Holding) (storage.HoldingChange, error) {
	change := storage.HoldingChange{
		HolderID:      in.HolderID,
		PropertyID:    in.PropertyID,
		Side:          in.Side,
		Delta:         in.TokenAmount,
		SettlementRef: in.SettlementRef,
	}
	if current != nil {
		change.ExpectedVersion = current.Version
	}

	amount := decimal.NewFromInt(in.TokenAmount)

	switch in.Side {
	case types.SideBuy:
		next := &models.Holding{
			HolderID:        in.HolderID,
			PropertyID:      in.PropertyID,
			TokensOwned:     in.TokenAmount,
			TotalInvestment: in.PricePerToken.Mul(amount),
			AcquisitionDate: h.now(),
		}
		if current != nil {
			next.TokensOwned += current.TokensOwned
			next.TotalInvestment = next.TotalInvestment.Add(current.TotalInvestment)
			next.AcquisitionDate = current.AcquisitionDate
		}
		change.Next = next
		change.EnforceSupply = true

	case types.SideSell:
		if current == nil {
			return change, errors.NewInvariantViolationError("non_negative_holding", map[string]interface{}{
				"holderId":   in.HolderID,
				"propertyId": in.PropertyID,
				"balance":    0,
				"requested":  in.TokenAmount,
			})
		}
		remaining := current.TokensOwned - in.TokenAmount
		if remaining < 0 {
			return change, errors.NewInvariantViolationError("non_negative_holding", map[string]interface{}{
				"holderId":   in.HolderID,
				"propertyId": in.PropertyID,
				"balance":    current.TokensOwned,
				"requested":  in.TokenAmount,
			})
		}
		if remaining == 0 {
			return change, nil
		}
		// Average cost basis: the investment left is proportional to the tokens left
		investment := current.TotalInvestment.
			Mul(decimal.NewFromInt(remaining)).
			Div(decimal.NewFromInt(current.TokensOwned)).
			Round(investmentScale)
		change.Next = &models.Holding{
			HolderID:        in.HolderID,
			PropertyID:      in.PropertyID,
			TokensOwned:     remaining,
			TotalInvestment: investment,
			AcquisitionDate: current.AcquisitionDate,
		}

	default:
		return change, errors.NewInvalidTradeError("side", "must be buy or sell")
	}

	if err := change.Next.Validate(); err != nil {
		return change, errors.NewInvariantViolationError("holding_shape", map[string]interface{}{
			"reason": err.Error(),
		})
	}
	return change, nil
}
