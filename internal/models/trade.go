// Package models provides data models for the property exchange settlement system.
package models

import (
	"strings"

	"github.com/property-exchange/internal/errors"
	"github.com/property-exchange/internal/types"
	"github.com/shopspring/decimal"
)

// TradeRequest is a caller's request to buy or sell property tokens
type TradeRequest struct {
	PropertyID    string          `json:"propertyId"`
	TokenAmount   int64           `json:"tokenAmount"`
	PricePerToken decimal.Decimal `json:"pricePerToken"`
	Side          types.TradeSide `json:"side"`
	HolderID      string          `json:"holderId"`
	OrderKind     types.OrderKind `json:"orderKind"`
}

// Validate checks the request shape. Business rules are checked by the trade validator.
func (r *TradeRequest) Validate() error {
	switch {
	case strings.TrimSpace(r.HolderID) == "":
		return errors.NewInvalidTradeError("holderId", "must not be empty")
	case strings.TrimSpace(r.PropertyID) == "":
		return errors.NewInvalidTradeError("propertyId", "must not be empty")
	case r.TokenAmount <= 0:
		return errors.NewInvalidTradeError("tokenAmount", "must be a positive integer")
	case !r.PricePerToken.IsPositive():
		return errors.NewInvalidTradeError("pricePerToken", "must be positive")
	case !r.Side.Valid():
		return errors.NewInvalidTradeError("side", "must be buy or sell")
	case r.OrderKind != "" && !r.OrderKind.Valid():
		return errors.NewInvalidTradeError("orderKind", "must be market or limit")
	}
	return nil
}

// TotalValue returns tokenAmount * pricePerToken
func (r *TradeRequest) TotalValue() decimal.Decimal {
	return r.PricePerToken.Mul(decimal.NewFromInt(r.TokenAmount))
}
