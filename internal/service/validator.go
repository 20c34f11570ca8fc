package service

import (
	"context"
	stderrors "errors"

	"github.com/property-exchange/internal/errors"
	"github.com/property-exchange/internal/models"
	"github.com/property-exchange/internal/storage"
	"github.com/property-exchange/internal/types"
)

// ValidatedTrade is a trade that passed every business rule, with the records it was checked against
type ValidatedTrade struct {
	Request  *models.TradeRequest
	Wallet   *models.Wallet
	Property *models.TokenizedProperty
}

// TradeValidator checks a trade request against wallets, listings and holdings.
// It never writes.
type TradeValidator struct {
	wallets    storage.WalletStore
	properties storage.PropertyStore
	holdings   storage.HoldingStore
}

// NewTradeValidator creates a new trade validator
func NewTradeValidator(wallets storage.WalletStore, properties storage.PropertyStore, holdings storage.HoldingStore) *TradeValidator {
	return &TradeValidator{
		wallets:    wallets,
		properties: properties,
		holdings:   holdings,
	}
}

// Validate returns the request unchanged when it may be executed
func (v *TradeValidator) Validate(ctx context.Context, req *models.TradeRequest) (*models.TradeRequest, error) {
	trade, err := v.Resolve(ctx, req)
	if err != nil {
		return nil, err
	}
	return trade.Request, nil
}

// Resolve runs the checks in order and returns the first failure
func (v *TradeValidator) Resolve(ctx context.Context, req *models.TradeRequest) (*ValidatedTrade, error) {
	if req == nil {
		return nil, errors.NewInvalidTradeError("request", "must not be empty")
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}

	wallet, err := v.wallets.GetByUserID(ctx, req.HolderID)
	if err != nil {
		if stderrors.Is(err, storage.ErrNotFound) {
			return nil, errors.NewNoWalletError(req.HolderID)
		}
		return nil, errors.NewDatabaseError("get wallet", err)
	}
	if !wallet.LedgerReady {
		return nil, errors.NewWalletNotReadyError(req.HolderID)
	}

	property, err := v.properties.GetByID(ctx, req.PropertyID)
	if err != nil {
		if stderrors.Is(err, storage.ErrNotFound) {
			return nil, errors.NewPropertyNotFoundError(req.PropertyID)
		}
		return nil, errors.NewDatabaseError("get property", err)
	}
	if !property.Active() {
		return nil, errors.NewPropertyInactiveError(req.PropertyID)
	}

	switch req.Side {
	case types.SideSell:
		var balance int64
		holding, err := v.holdings.Get(ctx, req.HolderID, req.PropertyID)
		switch {
		case err == nil:
			balance = holding.TokensOwned
		case stderrors.Is(err, storage.ErrNotFound):
		default:
			return nil, errors.NewDatabaseError("get holding", err)
		}
		if balance < req.TokenAmount {
			return nil, errors.NewInsufficientTokensError(balance, req.TokenAmount)
		}

	case types.SideBuy:
		total := req.TotalValue()
		if total.LessThan(property.MinimumInvestment) {
			return nil, errors.NewBelowMinimumInvestmentError(total.String(), property.MinimumInvestment.String())
		}
	}

	return &ValidatedTrade{Request: req, Wallet: wallet, Property: property}, nil
}
