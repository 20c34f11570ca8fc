package service

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/property-exchange/internal/errors"
	"github.com/property-exchange/internal/logging"
	"github.com/property-exchange/internal/models"
	"github.com/property-exchange/internal/storage"
	"github.com/property-exchange/internal/types"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
)

// RecordInput describes one journal entry for a settlement attempt
type RecordInput struct {
	AttemptID     string
	Request       *models.TradeRequest
	FromAccount   string
	ToAccount     string
	SettlementRef string
	Status        types.TransactionStatus
	Metadata      map[string]interface{}
}

// TransactionJournal is the append-only history of settlement attempts
type TransactionJournal struct {
	store   storage.JournalStore
	mirrors []storage.JournalMirror
}

// NewTransactionJournal creates a journal over store. Mirrors receive a copy
// of every record and never fail a write.
func NewTransactionJournal(store storage.JournalStore, mirrors ...storage.JournalMirror) *TransactionJournal {
	return &TransactionJournal{store: store, mirrors: mirrors}
}

// Record appends an entry. When the attempt already has a terminal entry the
// existing one is returned instead.
func (j *TransactionJournal) Record(ctx context.Context, in RecordInput) (*models.TransactionRecord, error) {
	rec := &models.TransactionRecord{
		AttemptID:     in.AttemptID,
		PropertyID:    in.Request.PropertyID,
		HolderID:      in.Request.HolderID,
		Side:          in.Request.Side,
		FromAccount:   in.FromAccount,
		ToAccount:     in.ToAccount,
		TokenAmount:   in.Request.TokenAmount,
		PricePerToken: in.Request.PricePerToken,
		TotalValue:    in.Request.TotalValue(),
		Status:        in.Status,
		Metadata:      in.Metadata,
	}
	if in.SettlementRef != "" {
		ref := in.SettlementRef
		rec.SettlementRef = &ref
	}
	if err := rec.Validate(); err != nil {
		return nil, errors.NewInvariantViolationError("journal_record", map[string]interface{}{
			"attemptId": in.AttemptID,
			"reason":    err.Error(),
		})
	}

	stored, err := j.store.Append(ctx, rec)
	if err != nil {
		if stderrors.Is(err, storage.ErrDuplicateTerminal) && stored != nil {
			logging.FromContext(ctx).
				WithField("attemptId", in.AttemptID).
				WithField("existingStatus", stored.Status).
				Info("Attempt already has a terminal record")
			return stored, nil
		}
		return nil, errors.NewDatabaseError("append journal record", err)
	}

	for _, m := range j.mirrors {
		if err := m.Mirror(ctx, stored); err != nil {
			logging.FromContext(ctx).
				WithField("recordId", stored.ID).
				WithError(err).
				Warn("Failed to mirror journal record")
		}
	}

	return stored, nil
}

// History returns a holder's records, newest first
func (j *TransactionJournal) History(ctx context.Context, userID string, limit int) ([]*models.TransactionRecord, error) {
	switch {
	case limit <= 0:
		limit = defaultHistoryLimit
	case limit > maxHistoryLimit:
		limit = maxHistoryLimit
	}
	records, err := j.store.ListByHolder(ctx, userID, limit)
	if err != nil {
		return nil, errors.NewDatabaseError("list trade history", err)
	}
	if records == nil {
		records = []*models.TransactionRecord{}
	}
	return records, nil
}

// ByAttempt returns every record of an attempt, oldest first
func (j *TransactionJournal) ByAttempt(ctx context.Context, attemptID string) ([]*models.TransactionRecord, error) {
	records, err := j.store.ListByAttempt(ctx, attemptID)
	if err != nil {
		return nil, errors.NewDatabaseError("list attempt records", err)
	}
	return records, nil
}

// Terminal returns the confirmed or failed record of an attempt, or nil
func (j *TransactionJournal) Terminal(ctx context.Context, attemptID string) (*models.TransactionRecord, error) {
	records, err := j.ByAttempt(ctx, attemptID)
	if err != nil {
		return nil, err
	}
	for _, rec := range records {
		if rec.Status.Terminal() {
			return rec, nil
		}
	}
	return nil, nil
}

// Unresolved returns attempts still waiting for a terminal record
func (j *TransactionJournal) Unresolved(ctx context.Context, olderThan time.Time, limit int) ([]*models.TransactionRecord, error) {
	records, err := j.store.ListUnresolved(ctx, olderThan, limit)
	if err != nil {
		return nil, errors.NewDatabaseError("list unresolved attempts", err)
	}
	return records, nil
}
