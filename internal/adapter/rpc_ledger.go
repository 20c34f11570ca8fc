package adapter

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/ethereum/go-ethereum/rpc"
)

// RPCLedger talks to a ledger gateway over JSON-RPC. Payloads carrying a
// credential are signed with that key before they are sent.
type RPCLedger struct {
	client  *rpc.Client
	signers sync.Map // credential -> *KeySigner
}

// NewRPCLedger dials a ledger gateway
func NewRPCLedger(ctx context.Context, url string) (*RPCLedger, error) {
	client, err := rpc.DialContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ledger at %s: %w", url, err)
	}
	return NewRPCLedgerWithClient(client), nil
}

// NewRPCLedgerWithClient wraps an existing RPC client
func NewRPCLedgerWithClient(client *rpc.Client) *RPCLedger {
	return &RPCLedger{client: client}
}

// Close closes the underlying connection
func (l *RPCLedger) Close() {
	l.client.Close()
}

// IsAssociated implements Ledger
func (l *RPCLedger) IsAssociated(ctx context.Context, tokenID, accountID string) (bool, error) {
	var associated bool
	if err := l.client.CallContext(ctx, &associated, Namespace+"_isAssociated", tokenID, accountID); err != nil {
		return false, newCallError("isAssociated", classify(err), map[string]interface{}{
			"tokenId":   tokenID,
			"accountId": accountID,
		})
	}
	return associated, nil
}

// Associate implements Ledger
func (l *RPCLedger) Associate(ctx context.Context, req AssociateRequest) error {
	args := AssociateArgs{TokenID: req.TokenID, AccountID: req.AccountID}
	if req.Credential != "" {
		sig, err := l.sign(req.Credential, AssociateDigest(req))
		if err != nil {
			return newCallError("associate", err, nil)
		}
		args.Signature = sig
	}

	var ok bool
	if err := l.client.CallContext(ctx, &ok, Namespace+"_associate", args); err != nil {
		return newCallError("associate", classify(err), map[string]interface{}{
			"tokenId":   req.TokenID,
			"accountId": req.AccountID,
		})
	}
	return nil
}

// Transfer implements Ledger
func (l *RPCLedger) Transfer(ctx context.Context, req TransferRequest) (*TransferReceipt, error) {
	args := TransferArgs{
		TokenID: req.TokenID,
		From:    req.From,
		To:      req.To,
		Amount:  req.Amount,
		Memo:    req.Memo,
	}
	if req.Credential != "" {
		sig, err := l.sign(req.Credential, TransferDigest(req))
		if err != nil {
			return nil, newCallError("transfer", err, nil)
		}
		args.Signature = sig
	}

	var receipt *TransferReceipt
	if err := l.client.CallContext(ctx, &receipt, Namespace+"_transfer", args); err != nil {
		return nil, newCallError("transfer", classify(err), map[string]interface{}{
			"memo": req.Memo,
		})
	}
	if receipt == nil {
		return nil, newCallError("transfer", ErrResponseLost, map[string]interface{}{"memo": req.Memo})
	}
	return receipt, nil
}

// LookupTransfer implements Ledger
func (l *RPCLedger) LookupTransfer(ctx context.Context, memo string) (*TransferReceipt, error) {
	var receipt *TransferReceipt
	if err := l.client.CallContext(ctx, &receipt, Namespace+"_getTransferByMemo", memo); err != nil {
		return nil, newCallError("lookupTransfer", classify(err), map[string]interface{}{"memo": memo})
	}
	if receipt == nil {
		return nil, ErrTransferNotFound
	}
	return receipt, nil
}

func (l *RPCLedger) sign(credential string, digest []byte) (string, error) {
	if cached, ok := l.signers.Load(credential); ok {
		return cached.(*KeySigner).Sign(digest)
	}
	signer, err := NewKeySigner(credential)
	if err != nil {
		return "", err
	}
	l.signers.Store(credential, signer)
	return signer.Sign(digest)
}

// classify turns errors the gateway answered with into RejectionError.
// Anything else (deadline, transport, 5xx) is left as is.
func classify(err error) error {
	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) {
		return &RejectionError{Code: rpcErr.ErrorCode(), Reason: rpcErr.Error()}
	}
	var httpErr rpc.HTTPError
	if errors.As(err, &httpErr) && httpErr.StatusCode >= 400 && httpErr.StatusCode < 500 &&
		httpErr.StatusCode != http.StatusRequestTimeout {
		return &RejectionError{Code: httpErr.StatusCode, Reason: httpErr.Status}
	}
	return err
}
