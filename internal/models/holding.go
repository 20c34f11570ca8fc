package models

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Holding is the local record of how many tokens of a property a holder owns.
// Rows with zero tokens are removed rather than stored.
type Holding struct {
	HolderID        string          `json:"holderId" db:"holder_id"`
	PropertyID      string          `json:"propertyId" db:"property_id"`
	TokensOwned     int64           `json:"tokensOwned" db:"tokens_owned"`
	TotalInvestment decimal.Decimal `json:"totalInvestment" db:"total_investment"`
	AcquisitionDate time.Time       `json:"acquisitionDate" db:"acquisition_date"`
	Version         int64           `json:"version" db:"version"`
	UpdatedAt       time.Time       `json:"updatedAt" db:"updated_at"`
}

// Validate checks a holding loaded from or about to be written to storage
func (h *Holding) Validate() error {
	if h.HolderID == "" || h.PropertyID == "" {
		return fmt.Errorf("holding key is incomplete")
	}
	if h.TokensOwned <= 0 {
		return fmt.Errorf("holding %s/%s has non-positive token count %d", h.HolderID, h.PropertyID, h.TokensOwned)
	}
	if h.TotalInvestment.IsNegative() {
		return fmt.Errorf("holding %s/%s has negative investment %s", h.HolderID, h.PropertyID, h.TotalInvestment)
	}
	return nil
}

// AverageCost returns the investment per token
func (h *Holding) AverageCost() decimal.Decimal {
	if h.TokensOwned == 0 {
		return decimal.Zero
	}
	return h.TotalInvestment.Div(decimal.NewFromInt(h.TokensOwned))
}
