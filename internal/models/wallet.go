package models

import (
	"time"

	"github.com/property-exchange/internal/types"
	"github.com/shopspring/decimal"
)

// Wallet links a platform user to a ledger account
type Wallet struct {
	ID        string `json:"id" db:"id"`
	UserID    string `json:"userId" db:"user_id"`
	AccountID string `json:"accountId" db:"account_id"`
	// Credential references the signing key for the account. Never serialized.
	Credential  string    `json:"-" db:"credential"`
	LedgerReady bool      `json:"ledgerReady" db:"ledger_ready"`
	CreatedAt   time.Time `json:"createdAt" db:"created_at"`
}

// TokenizedProperty is a real-world property represented by a ledger token type
type TokenizedProperty struct {
	ID                string               `json:"id" db:"id"`
	Name              string               `json:"name" db:"name"`
	TokenID           string               `json:"tokenId" db:"token_id"`
	TotalSupply       int64                `json:"totalSupply" db:"total_supply"`
	MinimumInvestment decimal.Decimal      `json:"minimumInvestment" db:"minimum_investment"`
	TokenPrice        decimal.Decimal      `json:"tokenPrice" db:"token_price"`
	Status            types.PropertyStatus `json:"status" db:"status"`
	CreatedAt         time.Time            `json:"createdAt" db:"created_at"`
}

// Active reports whether the property accepts trades
func (p *TokenizedProperty) Active() bool {
	return p.Status == types.PropertyActive
}
