// Package adapter provides clients for the distributed ledger that settles property token transfers.
package adapter

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
)

// Ledger is the settlement boundary. Implementations must treat Memo as an
// idempotency key: a second Transfer with the same memo returns the first receipt.
type Ledger interface {
	// IsAssociated reports whether the account may hold the token type
	IsAssociated(ctx context.Context, tokenID, accountID string) (bool, error)

	// Associate enables the account to hold the token type
	Associate(ctx context.Context, req AssociateRequest) error

	// Transfer moves tokens between accounts and returns the settlement receipt
	Transfer(ctx context.Context, req TransferRequest) (*TransferReceipt, error)

	// LookupTransfer finds a committed transfer by memo. Returns ErrTransferNotFound
	// when the ledger has no transfer with that memo.
	LookupTransfer(ctx context.Context, memo string) (*TransferReceipt, error)
}

// AssociateRequest asks the ledger to enable an account for a token type
type AssociateRequest struct {
	TokenID    string `json:"tokenId"`
	AccountID  string `json:"accountId"`
	Credential string `json:"-"`
}

// TransferRequest moves Amount tokens of TokenID from one account to another
type TransferRequest struct {
	TokenID    string `json:"tokenId"`
	From       string `json:"from"`
	To         string `json:"to"`
	Amount     int64  `json:"amount"`
	Memo       string `json:"memo"`
	Credential string `json:"-"`
}

// TransferReceipt is the ledger's confirmation of a committed transfer
type TransferReceipt struct {
	SettlementRef string    `json:"settlementRef"`
	TokenID       string    `json:"tokenId"`
	From          string    `json:"from"`
	To            string    `json:"to"`
	Amount        int64     `json:"amount"`
	Memo          string    `json:"memo"`
	ConsensusAt   time.Time `json:"consensusAt"`
}

// Matches reports whether the receipt settles exactly the given request
func (r *TransferReceipt) Matches(req TransferRequest) bool {
	return r.TokenID == req.TokenID && r.From == req.From && r.To == req.To && r.Amount == req.Amount
}

var (
	// ErrTransferNotFound indicates the ledger has no transfer with the given memo
	ErrTransferNotFound = errors.New("transfer not found")

	// ErrResponseLost indicates the ledger may have committed but the response never arrived
	ErrResponseLost = errors.New("ledger response lost")
)

// Rejection codes reported by the ledger
const (
	RejectInsufficientBalance = 1001
	RejectNotAssociated       = 1002
	RejectUnknownAccount      = 1003
	RejectInvalidSignature    = 1004
	RejectMemoReused          = 1005
	RejectInvalidAmount       = 1006
)

// RejectionError is a definitive refusal by the ledger. Nothing moved.
type RejectionError struct {
	Code   int
	Reason string
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("ledger rejected request (code %d): %s", e.Code, e.Reason)
}

// ErrorCode lets the JSON-RPC server report the rejection code
func (e *RejectionError) ErrorCode() int {
	return e.Code
}

// IsRejection reports whether err is a definitive ledger refusal
func IsRejection(err error) bool {
	var rej *RejectionError
	return errors.As(err, &rej)
}

// CallError wraps a ledger error with the operation that produced it
type CallError struct {
	Op      string
	Err     error
	Details map[string]interface{}
}

func (e *CallError) Error() string {
	if len(e.Details) > 0 {
		return fmt.Sprintf("ledger %s: %v (details: %+v)", e.Op, e.Err, e.Details)
	}
	return fmt.Sprintf("ledger %s: %v", e.Op, e.Err)
}

func (e *CallError) Unwrap() error {
	return e.Err
}

func newCallError(op string, err error, details map[string]interface{}) *CallError {
	return &CallError{Op: op, Err: err, Details: details}
}

// TransferDigest is the hash a transfer's sender signs
func TransferDigest(req TransferRequest) []byte {
	payload := fmt.Sprintf("transfer|%s|%s|%s|%d|%s", req.TokenID, req.From, req.To, req.Amount, req.Memo)
	return crypto.Keccak256([]byte(payload))
}

// AssociateDigest is the hash an account signs to associate with a token
func AssociateDigest(req AssociateRequest) []byte {
	payload := fmt.Sprintf("associate|%s|%s", req.TokenID, req.AccountID)
	return crypto.Keccak256([]byte(payload))
}
