package adapter

import (
	"context"
	"errors"
	"time"

	"github.com/ethereum/go-ethereum/rpc"
)

// Namespace is the JSON-RPC namespace the ledger methods are served under
const Namespace = "ledger"

// AssociateArgs is the wire form of an association request
type AssociateArgs struct {
	TokenID   string `json:"tokenId"`
	AccountID string `json:"accountId"`
	Signature string `json:"signature,omitempty"`
}

// TransferArgs is the wire form of a transfer request
type TransferArgs struct {
	TokenID   string `json:"tokenId"`
	From      string `json:"from"`
	To        string `json:"to"`
	Amount    int64  `json:"amount"`
	Memo      string `json:"memo"`
	Signature string `json:"signature,omitempty"`
}

func (a TransferArgs) request() TransferRequest {
	return TransferRequest{TokenID: a.TokenID, From: a.From, To: a.To, Amount: a.Amount, Memo: a.Memo}
}

// LedgerService exposes a MemoryLedger over JSON-RPC. Accounts with a
// registered signer must sign their transfers and associations.
type LedgerService struct {
	ledger *MemoryLedger
	// LostResponseHang is how long a transfer whose response is dropped
	// blocks before answering, so callers observe a timeout.
	LostResponseHang time.Duration
}

// NewLedgerService creates the RPC receiver for a memory ledger
func NewLedgerService(ledger *MemoryLedger) *LedgerService {
	return &LedgerService{ledger: ledger, LostResponseHang: 30 * time.Second}
}

// NewRPCServer registers the ledger service on a fresh JSON-RPC server
func NewRPCServer(service *LedgerService) (*rpc.Server, error) {
	server := rpc.NewServer()
	if err := server.RegisterName(Namespace, service); err != nil {
		return nil, err
	}
	return server, nil
}

// IsAssociated serves ledger_isAssociated
func (s *LedgerService) IsAssociated(ctx context.Context, tokenID, accountID string) (bool, error) {
	return s.ledger.IsAssociated(ctx, tokenID, accountID)
}

// Associate serves ledger_associate
func (s *LedgerService) Associate(ctx context.Context, args AssociateArgs) (bool, error) {
	req := AssociateRequest{TokenID: args.TokenID, AccountID: args.AccountID}
	if err := s.verify(args.AccountID, AssociateDigest(req), args.Signature); err != nil {
		return false, err
	}
	if err := s.ledger.Associate(ctx, req); err != nil {
		return false, err
	}
	return true, nil
}

// Transfer serves ledger_transfer
func (s *LedgerService) Transfer(ctx context.Context, args TransferArgs) (*TransferReceipt, error) {
	req := args.request()
	if err := s.verify(args.From, TransferDigest(req), args.Signature); err != nil {
		return nil, err
	}
	receipt, err := s.ledger.Transfer(ctx, req)
	if errors.Is(err, ErrResponseLost) {
		timer := time.NewTimer(s.LostResponseHang)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
		}
		return nil, err
	}
	return receipt, err
}

// GetTransferByMemo serves ledger_getTransferByMemo. A missing transfer is a null result.
func (s *LedgerService) GetTransferByMemo(ctx context.Context, memo string) (*TransferReceipt, error) {
	receipt, err := s.ledger.LookupTransfer(ctx, memo)
	if errors.Is(err, ErrTransferNotFound) {
		return nil, nil
	}
	return receipt, err
}

func (s *LedgerService) verify(accountID string, digest []byte, signature string) error {
	expected, ok := s.ledger.Signer(accountID)
	if !ok {
		return nil
	}
	if signature == "" {
		return &RejectionError{Code: RejectInvalidSignature, Reason: "signature required for " + accountID}
	}
	got, err := RecoverSigner(digest, signature)
	if err != nil {
		return &RejectionError{Code: RejectInvalidSignature, Reason: err.Error()}
	}
	if got != expected {
		return &RejectionError{Code: RejectInvalidSignature, Reason: "signature does not match account " + accountID}
	}
	return nil
}
