package adapter

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// MemoryLedger is an in-process ledger used by the sandbox binary and tests.
// It keeps balances per token and account and honours memo idempotency.
type MemoryLedger struct {
	mu         sync.Mutex
	balances   map[string]map[string]int64 // token -> account -> balance
	associated map[string]map[string]bool  // token -> account -> associated
	signers    map[string]common.Address   // account -> registered signer
	byMemo     map[string]*TransferReceipt
	seq        uint64

	// fault injection
	failures     []error
	dropResponse int
	delay        time.Duration
	calls        map[string]int
}

// NewMemoryLedger creates an empty in-memory ledger
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		balances:   make(map[string]map[string]int64),
		associated: make(map[string]map[string]bool),
		signers:    make(map[string]common.Address),
		byMemo:     make(map[string]*TransferReceipt),
		calls:      make(map[string]int),
	}
}

// Mint credits tokens to an account and associates it with the token
func (l *MemoryLedger) Mint(tokenID, accountID string, amount int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.associateLocked(tokenID, accountID)
	l.balances[tokenID][accountID] += amount
}

// RegisterSigner requires transfers from accountID arriving over RPC to be signed by signer
func (l *MemoryLedger) RegisterSigner(accountID string, signer common.Address) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.signers[accountID] = signer
}

// Signer returns the registered signer for an account
func (l *MemoryLedger) Signer(accountID string) (common.Address, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.signers[accountID]
	return s, ok
}

// Balance returns the token balance of an account
func (l *MemoryLedger) Balance(tokenID, accountID string) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balances[tokenID][accountID]
}

// Calls returns how many times an operation was invoked
func (l *MemoryLedger) Calls(op string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls[op]
}

// FailNext makes the next calls return the given errors, in order, without side effects
func (l *MemoryLedger) FailNext(errs ...error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failures = append(l.failures, errs...)
}

// DropNextResponses commits the next n transfers but reports ErrResponseLost to the caller
func (l *MemoryLedger) DropNextResponses(n int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.dropResponse += n
}

// SetDelay makes every call wait before doing any work
func (l *MemoryLedger) SetDelay(d time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.delay = d
}

// enter records the call, applies delay and returns an injected failure if any
func (l *MemoryLedger) enter(ctx context.Context, op string) error {
	l.mu.Lock()
	l.calls[op]++
	delay := l.delay
	l.mu.Unlock()

	if delay > 0 {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.failures) > 0 {
		err := l.failures[0]
		l.failures = l.failures[1:]
		return err
	}
	return nil
}

// IsAssociated implements Ledger
func (l *MemoryLedger) IsAssociated(ctx context.Context, tokenID, accountID string) (bool, error) {
	if err := l.enter(ctx, "isAssociated"); err != nil {
		return false, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.associated[tokenID][accountID], nil
}

// Associate implements Ledger
func (l *MemoryLedger) Associate(ctx context.Context, req AssociateRequest) error {
	if err := l.enter(ctx, "associate"); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.associateLocked(req.TokenID, req.AccountID)
	return nil
}

func (l *MemoryLedger) associateLocked(tokenID, accountID string) {
	if l.associated[tokenID] == nil {
		l.associated[tokenID] = make(map[string]bool)
		l.balances[tokenID] = make(map[string]int64)
	}
	l.associated[tokenID][accountID] = true
}

// Transfer implements Ledger
func (l *MemoryLedger) Transfer(ctx context.Context, req TransferRequest) (*TransferReceipt, error) {
	if err := l.enter(ctx, "transfer"); err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if existing, ok := l.byMemo[req.Memo]; ok && req.Memo != "" {
		if !existing.Matches(req) {
			return nil, &RejectionError{Code: RejectMemoReused, Reason: fmt.Sprintf("memo %s already used for a different transfer", req.Memo)}
		}
		receipt := *existing
		return &receipt, nil
	}

	if req.Amount <= 0 {
		return nil, &RejectionError{Code: RejectInvalidAmount, Reason: "amount must be positive"}
	}
	if !l.associated[req.TokenID][req.From] {
		return nil, &RejectionError{Code: RejectNotAssociated, Reason: fmt.Sprintf("account %s is not associated with %s", req.From, req.TokenID)}
	}
	if !l.associated[req.TokenID][req.To] {
		return nil, &RejectionError{Code: RejectNotAssociated, Reason: fmt.Sprintf("account %s is not associated with %s", req.To, req.TokenID)}
	}
	if l.balances[req.TokenID][req.From] < req.Amount {
		return nil, &RejectionError{
			Code:   RejectInsufficientBalance,
			Reason: fmt.Sprintf("account %s has %d, needs %d", req.From, l.balances[req.TokenID][req.From], req.Amount),
		}
	}

	l.balances[req.TokenID][req.From] -= req.Amount
	l.balances[req.TokenID][req.To] += req.Amount
	l.seq++

	now := time.Now().UTC()
	receipt := &TransferReceipt{
		SettlementRef: fmt.Sprintf("%s@%d.%09d", req.TokenID, now.Unix(), l.seq),
		TokenID:       req.TokenID,
		From:          req.From,
		To:            req.To,
		Amount:        req.Amount,
		Memo:          req.Memo,
		ConsensusAt:   now,
	}
	if req.Memo != "" {
		l.byMemo[req.Memo] = receipt
	}

	if l.dropResponse > 0 {
		l.dropResponse--
		return nil, ErrResponseLost
	}

	out := *receipt
	return &out, nil
}

// LookupTransfer implements Ledger
func (l *MemoryLedger) LookupTransfer(ctx context.Context, memo string) (*TransferReceipt, error) {
	if err := l.enter(ctx, "lookupTransfer"); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	receipt, ok := l.byMemo[memo]
	if !ok {
		return nil, ErrTransferNotFound
	}
	out := *receipt
	return &out, nil
}
