package service

import (
	"context"
	stderrors "errors"

	"github.com/property-exchange/internal/errors"
	"github.com/property-exchange/internal/logging"
	"github.com/property-exchange/internal/models"
	"github.com/property-exchange/internal/storage"
	"github.com/property-exchange/internal/types"
	"github.com/shopspring/decimal"
)

// PriceCache caches property token prices
type PriceCache interface {
	Get(ctx context.Context, propertyID string) (decimal.Decimal, bool, error)
	Set(ctx context.Context, propertyID string, price decimal.Decimal) error
}

// ValidationResult is the answer to a pre-trade check
type ValidationResult struct {
	IsValid bool                   `json:"isValid"`
	Reason  string                 `json:"reason,omitempty"`
	Code    string                 `json:"code,omitempty"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// TradeResult is the caller-facing outcome of a trade
type TradeResult struct {
	Success       bool                      `json:"success"`
	Status        types.TradeStatus         `json:"status"`
	AttemptID     string                    `json:"attemptId"`
	SettlementRef string                    `json:"settlementRef,omitempty"`
	Holding       *models.Holding           `json:"holding,omitempty"`
	Transaction   *models.TransactionRecord `json:"transaction,omitempty"`
	Error         string                    `json:"error,omitempty"`
	Code          string                    `json:"code,omitempty"`

	State types.SettlementState `json:"-"`
	Err   error                 `json:"-"`
}

// TradingService is the caller-facing trading surface
type TradingService struct {
	coordinator *TradeCoordinator
	properties  storage.PropertyStore
	prices      PriceCache
}

// NewTradingService creates a new trading service. prices may be nil.
func NewTradingService(coordinator *TradeCoordinator, properties storage.PropertyStore, prices PriceCache) *TradingService {
	return &TradingService{
		coordinator: coordinator,
		properties:  properties,
		prices:      prices,
	}
}

// ValidateTrade checks a request without side effects
func (s *TradingService) ValidateTrade(ctx context.Context, req *models.TradeRequest) (*ValidationResult, error) {
	err := s.coordinator.Validate(ctx, req)
	if err == nil {
		return &ValidationResult{IsValid: true}, nil
	}
	if errors.IsSystemError(err) {
		return nil, err
	}
	catErr := errors.Categorize(err)
	return &ValidationResult{
		IsValid: false,
		Reason:  catErr.Message,
		Code:    catErr.Code,
		Details: catErr.Details,
	}, nil
}

// ExecuteTrade settles a trade and reports its outcome
func (s *TradingService) ExecuteTrade(ctx context.Context, req *models.TradeRequest) *TradeResult {
	settled := s.coordinator.Settle(ctx, req)

	result := &TradeResult{
		Success:       settled.Succeeded(),
		Status:        types.StatusForState(settled.State),
		AttemptID:     settled.AttemptID,
		SettlementRef: settled.SettlementRef,
		Holding:       settled.Holding,
		Transaction:   settled.Record,
		State:         settled.State,
		Err:           settled.Err,
	}
	if settled.Err != nil {
		catErr := errors.Categorize(settled.Err)
		result.Code = catErr.Code
		result.Error = errors.PublicMessage(settled.Err)
		if errors.IsInvariantViolation(settled.Err) {
			result.Error = errors.SupportMessage
		}
	}
	return result
}

// GetMarketPrice returns the current token price of a property
func (s *TradingService) GetMarketPrice(ctx context.Context, propertyID string) (decimal.Decimal, error) {
	logger := logging.FromContext(ctx).WithField("propertyId", propertyID)

	if s.prices != nil {
		price, ok, err := s.prices.Get(ctx, propertyID)
		if err != nil {
			logger.WithError(err).Warn("Price cache read failed")
		} else if ok {
			return price, nil
		}
	}

	property, err := s.properties.GetByID(ctx, propertyID)
	if err != nil {
		if stderrors.Is(err, storage.ErrNotFound) {
			return decimal.Zero, errors.NewPropertyNotFoundError(propertyID)
		}
		return decimal.Zero, errors.NewDatabaseError("get property", err)
	}

	if s.prices != nil {
		if err := s.prices.Set(ctx, propertyID, property.TokenPrice); err != nil {
			logger.WithError(err).Warn("Price cache write failed")
		}
	}
	return property.TokenPrice, nil
}

// GetTradeHistory returns a user's journal records, newest first
func (s *TradingService) GetTradeHistory(ctx context.Context, userID string, limit int) ([]*models.TransactionRecord, error) {
	if userID == "" {
		return nil, errors.NewInvalidParameterError("userId", "must not be empty")
	}
	return s.coordinator.History(ctx, userID, limit)
}

// Compensate reverses an unresolved attempt
func (s *TradingService) Compensate(ctx context.Context, attemptID, reason string) (*CompensationResult, error) {
	return s.coordinator.Compensate(ctx, attemptID, reason)
}
