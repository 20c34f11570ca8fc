// Package types provides common type definitions for the property exchange settlement system.
package types

// TradeSide represents the direction of a trade from the holder's point of view
type TradeSide string

const (
	// SideBuy moves tokens from the treasury to the holder
	SideBuy TradeSide = "buy"
	// SideSell moves tokens from the holder to the treasury
	SideSell TradeSide = "sell"
)

// Valid reports whether the side is a known value
func (s TradeSide) Valid() bool {
	return s == SideBuy || s == SideSell
}

// Opposite returns the side that reverses this one
func (s TradeSide) Opposite() TradeSide {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// OrderKind represents how the trade price was specified
type OrderKind string

const (
	// OrderMarket settles at the quoted market price
	OrderMarket OrderKind = "market"
	// OrderLimit settles at the caller supplied price
	OrderLimit OrderKind = "limit"
)

// Valid reports whether the order kind is a known value
func (k OrderKind) Valid() bool {
	return k == OrderMarket || k == OrderLimit
}

// TransactionStatus represents the status of a journal record
type TransactionStatus string

const (
	// StatusPending marks an attempt whose outcome is not yet known locally
	StatusPending TransactionStatus = "pending"
	// StatusConfirmed marks a settled and recorded attempt
	StatusConfirmed TransactionStatus = "confirmed"
	// StatusFailed marks an attempt that did not move tokens
	StatusFailed TransactionStatus = "failed"
)

// Terminal reports whether the status resolves an attempt
func (s TransactionStatus) Terminal() bool {
	return s == StatusConfirmed || s == StatusFailed
}

// PropertyStatus represents the listing status of a tokenized property
type PropertyStatus string

const (
	// PropertyActive properties accept trades
	PropertyActive PropertyStatus = "active"
	// PropertyInactive properties are delisted or suspended
	PropertyInactive PropertyStatus = "inactive"
)

// SettlementState represents a stage of the settlement state machine
type SettlementState string

const (
	StateValidating SettlementState = "VALIDATING"
	StateExecuting  SettlementState = "EXECUTING"
	StateRecording  SettlementState = "RECORDING"
	StateDone       SettlementState = "DONE"
	StateRejected   SettlementState = "REJECTED"
	StateFailed     SettlementState = "FAILED"
	// StateUnknown means the ledger call timed out and reconciliation decides the outcome
	StateUnknown SettlementState = "UNKNOWN"
	// StatePartial means tokens moved on the ledger but local recording did not complete
	StatePartial SettlementState = "PARTIAL"
)

// Terminal reports whether no further transition is possible from this state
func (s SettlementState) Terminal() bool {
	switch s {
	case StateDone, StateRejected, StateFailed, StateUnknown, StatePartial:
		return true
	default:
		return false
	}
}

// CanTransition reports whether the coordinator may move from one state to another
func CanTransition(from, to SettlementState) bool {
	switch from {
	case StateValidating:
		return to == StateExecuting || to == StateRejected
	case StateExecuting:
		return to == StateRecording || to == StateFailed || to == StateUnknown
	case StateRecording:
		return to == StateDone || to == StatePartial
	default:
		return false
	}
}

// TradeStatus is the caller facing status of an executeTrade call
type TradeStatus string

const (
	// TradeCompleted means the trade settled and was recorded
	TradeCompleted TradeStatus = "completed"
	// TradeRejected means validation refused the trade
	TradeRejected TradeStatus = "rejected"
	// TradeFailed means the ledger refused the transfer and nothing moved
	TradeFailed TradeStatus = "failed"
	// TradePending means the ledger outcome is unknown and reconciliation will resolve it
	TradePending TradeStatus = "pending"
	// TradeProcessing means tokens moved and local recording is being reconciled
	TradeProcessing TradeStatus = "processing"
)

// StatusForState maps a terminal settlement state to a caller facing trade status
func StatusForState(s SettlementState) TradeStatus {
	switch s {
	case StateDone:
		return TradeCompleted
	case StateRejected:
		return TradeRejected
	case StateFailed:
		return TradeFailed
	case StateUnknown:
		return TradePending
	default:
		return TradeProcessing
	}
}

// ServiceError represents a structured error response
type ServiceError struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func (e *ServiceError) Error() string {
	return e.Message
}
