package models

import (
	"time"

	"github.com/property-exchange/internal/types"
)

// IntentStage marks how far an in-flight settlement attempt progressed
type IntentStage string

const (
	// IntentExecuting is written before the ledger transfer is sent
	IntentExecuting IntentStage = "executing"
	// IntentSettled is written once the ledger confirmed the transfer
	IntentSettled IntentStage = "settled"
)

// SettlementIntent is the durable note of an attempt that has not reached a
// final local outcome. It lets reconciliation finish work after a crash.
type SettlementIntent struct {
	AttemptID     string       `json:"attemptId"`
	Request       TradeRequest `json:"request"`
	TokenID       string       `json:"tokenId"`
	FromAccount   string       `json:"fromAccount"`
	ToAccount     string       `json:"toAccount"`
	Stage         IntentStage  `json:"stage"`
	SettlementRef string       `json:"settlementRef,omitempty"`
	CreatedAt     time.Time    `json:"createdAt"`
	UpdatedAt     time.Time    `json:"updatedAt"`
}

// SettlementResult is the outcome of one pass through the settlement state machine
type SettlementResult struct {
	AttemptID     string                `json:"attemptId"`
	State         types.SettlementState `json:"state"`
	SettlementRef string                `json:"settlementRef,omitempty"`
	Holding       *Holding              `json:"holding,omitempty"`
	Record        *TransactionRecord    `json:"record,omitempty"`
	Err           error                 `json:"-"`
}

// Succeeded reports whether the trade settled and was fully recorded
func (r *SettlementResult) Succeeded() bool {
	return r.State == types.StateDone
}
