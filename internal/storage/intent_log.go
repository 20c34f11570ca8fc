package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/property-exchange/internal/models"
)

const intentPrefix = "intent/"

// IntentLog is the local write-ahead record of in-flight settlements
type IntentLog interface {
	Begin(ctx context.Context, intent *models.SettlementIntent) error
	MarkSettled(ctx context.Context, attemptID, settlementRef string) error
	Complete(ctx context.Context, attemptID string) error
	Get(ctx context.Context, attemptID string) (*models.SettlementIntent, error)
	Pending(ctx context.Context, olderThan time.Time) ([]*models.SettlementIntent, error)
}

// PebbleIntentLog stores settlement intents in a Pebble database. Every
// write is synced so an intent survives a process crash.
type PebbleIntentLog struct {
	db  *pebble.DB
	now func() time.Time
}

// OpenIntentLog opens the log at path. An empty path keeps it in memory.
func OpenIntentLog(path string) (*PebbleIntentLog, error) {
	opts := &pebble.Options{}
	if path == "" {
		opts.FS = vfs.NewMem()
	}
	db, err := pebble.Open(path, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open intent log: %w", err)
	}
	return &PebbleIntentLog{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

// Close closes the underlying database
func (l *PebbleIntentLog) Close() error {
	return l.db.Close()
}

func intentKey(attemptID string) []byte {
	return []byte(intentPrefix + attemptID)
}

func (l *PebbleIntentLog) put(intent *models.SettlementIntent) error {
	data, err := json.Marshal(intent)
	if err != nil {
		return fmt.Errorf("failed to encode intent: %w", err)
	}
	if err := l.db.Set(intentKey(intent.AttemptID), data, pebble.Sync); err != nil {
		return fmt.Errorf("failed to write intent %s: %w", intent.AttemptID, err)
	}
	return nil
}

// Begin records that an attempt is about to reach the ledger
func (l *PebbleIntentLog) Begin(_ context.Context, intent *models.SettlementIntent) error {
	now := l.now()
	if intent.CreatedAt.IsZero() {
		intent.CreatedAt = now
	}
	intent.UpdatedAt = now
	if intent.Stage == "" {
		intent.Stage = models.IntentExecuting
	}
	return l.put(intent)
}

// MarkSettled records the ledger reference of a confirmed transfer
func (l *PebbleIntentLog) MarkSettled(ctx context.Context, attemptID, settlementRef string) error {
	intent, err := l.Get(ctx, attemptID)
	if err != nil {
		return err
	}
	intent.Stage = models.IntentSettled
	intent.SettlementRef = settlementRef
	intent.UpdatedAt = l.now()
	return l.put(intent)
}

// Complete removes the intent once the attempt reached a final local outcome
func (l *PebbleIntentLog) Complete(_ context.Context, attemptID string) error {
	if err := l.db.Delete(intentKey(attemptID), pebble.Sync); err != nil {
		return fmt.Errorf("failed to complete intent %s: %w", attemptID, err)
	}
	return nil
}

// Get returns the intent of an attempt or ErrNotFound
func (l *PebbleIntentLog) Get(_ context.Context, attemptID string) (*models.SettlementIntent, error) {
	data, closer, err := l.db.Get(intentKey(attemptID))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, fmt.Errorf("intent %s: %w", attemptID, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to read intent %s: %w", attemptID, err)
	}
	defer closer.Close()

	var intent models.SettlementIntent
	if err := json.Unmarshal(data, &intent); err != nil {
		return nil, fmt.Errorf("failed to decode intent %s: %w", attemptID, err)
	}
	return &intent, nil
}

// Pending returns intents last updated before olderThan, oldest first
func (l *PebbleIntentLog) Pending(_ context.Context, olderThan time.Time) ([]*models.SettlementIntent, error) {
	iter, err := l.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(intentPrefix),
		UpperBound: []byte("intent0"), // '0' follows '/'
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan intents: %w", err)
	}
	defer iter.Close()

	var intents []*models.SettlementIntent
	for iter.First(); iter.Valid(); iter.Next() {
		var intent models.SettlementIntent
		if err := json.Unmarshal(iter.Value(), &intent); err != nil {
			return nil, fmt.Errorf("failed to decode intent %s: %w", iter.Key(), err)
		}
		if intent.UpdatedAt.Before(olderThan) {
			intents = append(intents, &intent)
		}
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("failed to scan intents: %w", err)
	}

	sort.Slice(intents, func(i, j int) bool {
		return intents[i].CreatedAt.Before(intents[j].CreatedAt)
	})
	return intents, nil
}

var _ IntentLog = (*PebbleIntentLog)(nil)
