package models

import (
	"fmt"
	"time"

	"github.com/property-exchange/internal/types"
	"github.com/shopspring/decimal"
)

// TransactionRecord is an immutable journal entry for one settlement attempt outcome
type TransactionRecord struct {
	ID            string                  `json:"id" db:"id"`
	AttemptID     string                  `json:"attemptId" db:"attempt_id"`
	PropertyID    string                  `json:"propertyId" db:"property_id"`
	HolderID      string                  `json:"holderId" db:"holder_id"`
	Side          types.TradeSide         `json:"side" db:"side"`
	FromAccount   string                  `json:"fromAccount" db:"from_account"`
	ToAccount     string                  `json:"toAccount" db:"to_account"`
	TokenAmount   int64                   `json:"tokenAmount" db:"token_amount"`
	PricePerToken decimal.Decimal         `json:"pricePerToken" db:"price_per_token"`
	TotalValue    decimal.Decimal         `json:"totalValue" db:"total_value"`
	Status        types.TransactionStatus `json:"status" db:"status"`
	SettlementRef *string                 `json:"settlementRef,omitempty" db:"settlement_ref"`
	Metadata      map[string]interface{}  `json:"metadata,omitempty" db:"metadata"`
	CreatedAt     time.Time               `json:"createdAt" db:"created_at"`
}

// Validate checks a record loaded from or about to be written to storage
func (t *TransactionRecord) Validate() error {
	if t.AttemptID == "" {
		return fmt.Errorf("transaction record has no attempt id")
	}
	if t.TokenAmount <= 0 {
		return fmt.Errorf("transaction record %s has non-positive amount %d", t.AttemptID, t.TokenAmount)
	}
	if !t.Side.Valid() {
		return fmt.Errorf("transaction record %s has invalid side %q", t.AttemptID, t.Side)
	}
	switch t.Status {
	case types.StatusConfirmed:
		if t.SettlementRef == nil || *t.SettlementRef == "" {
			return fmt.Errorf("confirmed record %s has no settlement reference", t.AttemptID)
		}
	case types.StatusFailed, types.StatusPending:
	default:
		return fmt.Errorf("transaction record %s has invalid status %q", t.AttemptID, t.Status)
	}
	if !t.TotalValue.Equal(t.PricePerToken.Mul(decimal.NewFromInt(t.TokenAmount))) {
		return fmt.Errorf("transaction record %s total value does not match amount and price", t.AttemptID)
	}
	return nil
}

// Ref returns the settlement reference or an empty string
func (t *TransactionRecord) Ref() string {
	if t.SettlementRef == nil {
		return ""
	}
	return *t.SettlementRef
}
