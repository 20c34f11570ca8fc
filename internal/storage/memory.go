package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/property-exchange/internal/models"
	"github.com/property-exchange/internal/types"
)

// In-memory stores with the same semantics as the Postgres repositories.
// Used by tests and by the server when no database is configured.

// MemoryWalletRepository keeps wallets in memory
type MemoryWalletRepository struct {
	mu      sync.RWMutex
	wallets map[string]*models.Wallet
}

// NewMemoryWalletRepository creates an empty wallet store
func NewMemoryWalletRepository() *MemoryWalletRepository {
	return &MemoryWalletRepository{wallets: make(map[string]*models.Wallet)}
}

// Save stores the wallet of its user
func (r *MemoryWalletRepository) Save(_ context.Context, wallet *models.Wallet) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if wallet.ID == "" {
		wallet.ID = uuid.New().String()
	}
	w := *wallet
	r.wallets[wallet.UserID] = &w
	return nil
}

// GetByUserID retrieves the wallet of a user
func (r *MemoryWalletRepository) GetByUserID(_ context.Context, userID string) (*models.Wallet, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.wallets[userID]
	if !ok {
		return nil, fmt.Errorf("wallet for user %s: %w", userID, ErrNotFound)
	}
	out := *w
	return &out, nil
}

// MemoryPropertyRepository keeps properties in memory
type MemoryPropertyRepository struct {
	mu         sync.RWMutex
	properties map[string]*models.TokenizedProperty
}

// NewMemoryPropertyRepository creates an empty property store
func NewMemoryPropertyRepository() *MemoryPropertyRepository {
	return &MemoryPropertyRepository{properties: make(map[string]*models.TokenizedProperty)}
}

// Save stores a property
func (r *MemoryPropertyRepository) Save(_ context.Context, p *models.TokenizedProperty) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *p
	r.properties[p.ID] = &cp
	return nil
}

// GetByID retrieves a property
func (r *MemoryPropertyRepository) GetByID(_ context.Context, id string) (*models.TokenizedProperty, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.properties[id]
	if !ok {
		return nil, fmt.Errorf("property %s: %w", id, ErrNotFound)
	}
	out := *p
	return &out, nil
}

type holdingKey struct {
	holder   string
	property string
}

// MemoryHoldingRepository keeps holdings in memory
type MemoryHoldingRepository struct {
	mu         sync.Mutex
	holdings   map[holdingKey]*models.Holding
	applied    map[string]struct{}
	properties PropertyStore
}

// NewMemoryHoldingRepository creates an empty holding store. The property
// store is consulted for supply checks and may be nil when none are needed.
func NewMemoryHoldingRepository(properties PropertyStore) *MemoryHoldingRepository {
	return &MemoryHoldingRepository{
		holdings:   make(map[holdingKey]*models.Holding),
		applied:    make(map[string]struct{}),
		properties: properties,
	}
}

// Get retrieves a holding
func (r *MemoryHoldingRepository) Get(_ context.Context, holderID, propertyID string) (*models.Holding, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.holdings[holdingKey{holderID, propertyID}]
	if !ok {
		return nil, fmt.Errorf("holding %s/%s: %w", holderID, propertyID, ErrNotFound)
	}
	out := *h
	return &out, nil
}

// Apply writes a holding change together with its settlement ref
func (r *MemoryHoldingRepository) Apply(ctx context.Context, change HoldingChange) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.applied[change.SettlementRef]; ok {
		return ErrAlreadyApplied
	}

	key := holdingKey{change.HolderID, change.PropertyID}
	current, exists := r.holdings[key]

	switch {
	case change.ExpectedVersion == 0 && exists:
		return ErrVersionConflict
	case change.ExpectedVersion != 0 && (!exists || current.Version != change.ExpectedVersion):
		return ErrVersionConflict
	}

	if change.Next != nil {
		if err := change.Next.Validate(); err != nil {
			return err
		}
		if change.EnforceSupply {
			if err := r.checkSupply(ctx, change); err != nil {
				return err
			}
		}
		next := *change.Next
		next.Version = change.ExpectedVersion + 1
		next.UpdatedAt = time.Now().UTC()
		r.holdings[key] = &next
	} else {
		delete(r.holdings, key)
	}

	r.applied[change.SettlementRef] = struct{}{}
	return nil
}

func (r *MemoryHoldingRepository) checkSupply(ctx context.Context, change HoldingChange) error {
	if r.properties == nil {
		return nil
	}
	p, err := r.properties.GetByID(ctx, change.PropertyID)
	if err != nil {
		return err
	}
	var others int64
	for k, h := range r.holdings {
		if k.property == change.PropertyID && k.holder != change.HolderID {
			others += h.TokensOwned
		}
	}
	if others+change.Next.TokensOwned > p.TotalSupply {
		return fmt.Errorf("%w: %d held by others, %d requested, supply %d",
			ErrSupplyExceeded, others, change.Next.TokensOwned, p.TotalSupply)
	}
	return nil
}

// IsApplied reports whether a settlement ref was already applied
func (r *MemoryHoldingRepository) IsApplied(_ context.Context, settlementRef string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.applied[settlementRef]
	return ok, nil
}

// TotalHeld sums tokens owned across holders of a property
func (r *MemoryHoldingRepository) TotalHeld(_ context.Context, propertyID string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var total int64
	for k, h := range r.holdings {
		if k.property == propertyID {
			total += h.TokensOwned
		}
	}
	return total, nil
}

// ListByProperty returns every holding of a property ordered by holder
func (r *MemoryHoldingRepository) ListByProperty(_ context.Context, propertyID string) ([]*models.Holding, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.Holding
	for k, h := range r.holdings {
		if k.property == propertyID {
			cp := *h
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].HolderID < out[j].HolderID })
	return out, nil
}

// MemoryJournalRepository keeps the journal in memory
type MemoryJournalRepository struct {
	mu      sync.RWMutex
	records []*models.TransactionRecord
	now     func() time.Time
}

// NewMemoryJournalRepository creates an empty journal
func NewMemoryJournalRepository() *MemoryJournalRepository {
	return &MemoryJournalRepository{now: func() time.Time { return time.Now().UTC() }}
}

// Append inserts an immutable journal record
func (r *MemoryJournalRepository) Append(_ context.Context, rec *models.TransactionRecord) (*models.TransactionRecord, error) {
	if err := rec.Validate(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if rec.Status.Terminal() {
		for _, existing := range r.records {
			if existing.AttemptID == rec.AttemptID && existing.Status.Terminal() {
				out := *existing
				return &out, ErrDuplicateTerminal
			}
		}
	}

	stored := *rec
	if stored.ID == "" {
		stored.ID = uuid.New().String()
	}
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = r.now()
	}
	r.records = append(r.records, &stored)

	out := stored
	return &out, nil
}

// ListByHolder returns the holder's records, newest first
func (r *MemoryJournalRepository) ListByHolder(_ context.Context, holderID string, limit int) ([]*models.TransactionRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*models.TransactionRecord
	for i := len(r.records) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		if r.records[i].HolderID == holderID {
			cp := *r.records[i]
			out = append(out, &cp)
		}
	}
	return out, nil
}

// ListByAttempt returns every record of an attempt, oldest first
func (r *MemoryJournalRepository) ListByAttempt(_ context.Context, attemptID string) ([]*models.TransactionRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*models.TransactionRecord
	for _, rec := range r.records {
		if rec.AttemptID == attemptID {
			cp := *rec
			out = append(out, &cp)
		}
	}
	return out, nil
}

// ListUnresolved returns the latest pending record of attempts with no terminal record
func (r *MemoryJournalRepository) ListUnresolved(_ context.Context, olderThan time.Time, limit int) ([]*models.TransactionRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	resolved := make(map[string]bool)
	latest := make(map[string]*models.TransactionRecord)
	var order []string
	for _, rec := range r.records {
		if rec.Status.Terminal() {
			resolved[rec.AttemptID] = true
			continue
		}
		if rec.Status != types.StatusPending || !rec.CreatedAt.Before(olderThan) {
			continue
		}
		if _, seen := latest[rec.AttemptID]; !seen {
			order = append(order, rec.AttemptID)
		}
		latest[rec.AttemptID] = rec
	}

	var out []*models.TransactionRecord
	for _, id := range order {
		if resolved[id] {
			continue
		}
		cp := *latest[id]
		out = append(out, &cp)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

var (
	_ WalletStore   = (*MemoryWalletRepository)(nil)
	_ PropertyStore = (*MemoryPropertyRepository)(nil)
	_ HoldingStore  = (*MemoryHoldingRepository)(nil)
	_ JournalStore  = (*MemoryJournalRepository)(nil)

	_ WalletStore   = (*WalletRepository)(nil)
	_ PropertyStore = (*PropertyRepository)(nil)
	_ HoldingStore  = (*HoldingRepository)(nil)
	_ JournalStore  = (*JournalRepository)(nil)
)
