package service

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/property-exchange/internal/adapter"
	"github.com/property-exchange/internal/circuitbreaker"
	"github.com/property-exchange/internal/errors"
	"github.com/property-exchange/internal/logging"
	"github.com/property-exchange/internal/models"
	"github.com/property-exchange/internal/telemetry"
	"github.com/property-exchange/internal/types"
)

// CompensationMemoPrefix prefixes the memo of a reversing transfer
const CompensationMemoPrefix = "compensate:"

// ExecutorConfig configures the ledger executor
type ExecutorConfig struct {
	TreasuryAccount    string
	TreasuryCredential string
	CallTimeout        time.Duration
	BreakerMaxFailures int
	BreakerResetAfter  time.Duration
}

// LedgerExecutor performs the ledger side of a trade: association and transfer
type LedgerExecutor struct {
	ledger  adapter.Ledger
	breaker *circuitbreaker.CircuitBreaker
	config  ExecutorConfig
	metrics *telemetry.Metrics
}

// NewLedgerExecutor creates a new ledger executor
func NewLedgerExecutor(ledger adapter.Ledger, config ExecutorConfig, metrics *telemetry.Metrics) *LedgerExecutor {
	if config.CallTimeout <= 0 {
		config.CallTimeout = 10 * time.Second
	}
	breakerCfg := circuitbreaker.DefaultConfig("ledger")
	if config.BreakerMaxFailures > 0 {
		breakerCfg.MaxFailures = config.BreakerMaxFailures
	}
	if config.BreakerResetAfter > 0 {
		breakerCfg.Timeout = config.BreakerResetAfter
	}
	// Rejections and missing transfers mean the ledger is up and answering
	breakerCfg.IsFailure = func(err error) bool {
		return !adapter.IsRejection(err) && !stderrors.Is(err, adapter.ErrTransferNotFound)
	}

	return &LedgerExecutor{
		ledger:  ledger,
		breaker: circuitbreaker.NewCircuitBreaker(breakerCfg),
		config:  config,
		metrics: metrics,
	}
}

// Accounts returns the source and destination ledger accounts of a trade
func (e *LedgerExecutor) Accounts(side types.TradeSide, wallet *models.Wallet) (from, to string) {
	if side == types.SideBuy {
		return e.config.TreasuryAccount, wallet.AccountID
	}
	return wallet.AccountID, e.config.TreasuryAccount
}

// Execute dispatches on the trade side
func (e *LedgerExecutor) Execute(ctx context.Context, attemptID string, trade *ValidatedTrade) (*adapter.TransferReceipt, error) {
	if trade.Request.Side == types.SideBuy {
		return e.ExecuteBuy(ctx, attemptID, trade.Request, trade.Wallet, trade.Property)
	}
	return e.ExecuteSell(ctx, attemptID, trade.Request, trade.Wallet, trade.Property)
}

// ExecuteBuy associates the buyer with the token when needed and moves the
// tokens from the treasury to the buyer
func (e *LedgerExecutor) ExecuteBuy(ctx context.Context, attemptID string, req *models.TradeRequest, wallet *models.Wallet, property *models.TokenizedProperty) (*adapter.TransferReceipt, error) {
	if err := e.ensureAssociated(ctx, property.TokenID, wallet); err != nil {
		return nil, err
	}

	return e.transfer(ctx, adapter.TransferRequest{
		TokenID:    property.TokenID,
		From:       e.config.TreasuryAccount,
		To:         wallet.AccountID,
		Amount:     req.TokenAmount,
		Memo:       attemptID,
		Credential: e.config.TreasuryCredential,
	})
}

// ExecuteSell moves the tokens from the seller to the treasury
func (e *LedgerExecutor) ExecuteSell(ctx context.Context, attemptID string, req *models.TradeRequest, wallet *models.Wallet, property *models.TokenizedProperty) (*adapter.TransferReceipt, error) {
	return e.transfer(ctx, adapter.TransferRequest{
		TokenID:    property.TokenID,
		From:       wallet.AccountID,
		To:         e.config.TreasuryAccount,
		Amount:     req.TokenAmount,
		Memo:       attemptID,
		Credential: wallet.Credential,
	})
}

// Lookup asks the ledger what was moved under a memo, which is the attempt id
// for trades. Returns adapter.ErrTransferNotFound when nothing was committed.
func (e *LedgerExecutor) Lookup(ctx context.Context, memo string) (*adapter.TransferReceipt, error) {
	var receipt *adapter.TransferReceipt
	err := e.call(ctx, "lookupTransfer", func(ctx context.Context) error {
		var err error
		receipt, err = e.ledger.LookupTransfer(ctx, memo)
		return err
	})
	if err != nil {
		if stderrors.Is(err, adapter.ErrTransferNotFound) {
			return nil, adapter.ErrTransferNotFound
		}
		if isBreakerRefusal(err) {
			return nil, errors.NewLedgerUnavailableError("lookupTransfer", err)
		}
		return nil, errors.NewLedgerError("lookupTransfer", err)
	}
	return receipt, nil
}

// Compensate issues the opposite of a committed transfer. The treasury signs
// returns to itself; a buyer's tokens are moved back with the buyer's credential.
func (e *LedgerExecutor) Compensate(ctx context.Context, original *adapter.TransferReceipt, wallet *models.Wallet) (*adapter.TransferReceipt, error) {
	credential := e.config.TreasuryCredential
	if original.To == wallet.AccountID {
		credential = wallet.Credential
	}
	return e.transfer(ctx, adapter.TransferRequest{
		TokenID:    original.TokenID,
		From:       original.To,
		To:         original.From,
		Amount:     original.Amount,
		Memo:       CompensationMemoPrefix + original.Memo,
		Credential: credential,
	})
}

func (e *LedgerExecutor) ensureAssociated(ctx context.Context, tokenID string, wallet *models.Wallet) error {
	var associated bool
	err := e.call(ctx, "isAssociated", func(ctx context.Context) error {
		var err error
		associated, err = e.ledger.IsAssociated(ctx, tokenID, wallet.AccountID)
		return err
	})
	if err != nil {
		return e.associationError("isAssociated", err)
	}
	if associated {
		return nil
	}

	logging.FromContext(ctx).
		WithField("tokenId", tokenID).
		WithField("accountId", wallet.AccountID).
		Info("Associating account with token")

	err = e.call(ctx, "associate", func(ctx context.Context) error {
		return e.ledger.Associate(ctx, adapter.AssociateRequest{
			TokenID:    tokenID,
			AccountID:  wallet.AccountID,
			Credential: wallet.Credential,
		})
	})
	if err != nil {
		return e.associationError("associate", err)
	}
	return nil
}

// associationError is always definitive since no tokens move during association
func (e *LedgerExecutor) associationError(op string, err error) error {
	if isBreakerRefusal(err) {
		return errors.NewLedgerUnavailableError(op, err)
	}
	return errors.NewLedgerError(op, err)
}

func (e *LedgerExecutor) transfer(ctx context.Context, req adapter.TransferRequest) (*adapter.TransferReceipt, error) {
	var receipt *adapter.TransferReceipt
	err := e.call(ctx, "transfer", func(ctx context.Context) error {
		var err error
		receipt, err = e.ledger.Transfer(ctx, req)
		return err
	})

	switch {
	case err == nil:
		if !receipt.Matches(req) {
			return nil, errors.NewLedgerTimeoutError("transfer",
				fmt.Errorf("receipt %s does not match memo %s", receipt.SettlementRef, req.Memo))
		}
		return receipt, nil
	case isBreakerRefusal(err):
		return nil, errors.NewLedgerUnavailableError("transfer", err)
	case adapter.IsRejection(err):
		return nil, errors.NewLedgerError("transfer", err)
	default:
		// Sent but unanswered: the ledger may have committed
		return nil, errors.NewLedgerTimeoutError("transfer", err)
	}
}

// call runs fn under the breaker with the configured timeout. Caller
// cancellation does not cut a call short once it is sent.
func (e *LedgerExecutor) call(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.config.CallTimeout)
	defer cancel()

	err := e.breaker.Execute(callCtx, fn)
	e.metrics.RecordLedgerCall(ctx, op, callOutcome(err))
	return err
}

func callOutcome(err error) string {
	switch {
	case err == nil, stderrors.Is(err, adapter.ErrTransferNotFound):
		return "ok"
	case isBreakerRefusal(err):
		return "unavailable"
	case adapter.IsRejection(err):
		return "rejected"
	default:
		return "ambiguous"
	}
}

func isBreakerRefusal(err error) bool {
	return stderrors.Is(err, circuitbreaker.ErrCircuitOpen) || stderrors.Is(err, circuitbreaker.ErrTooManyRequests)
}
