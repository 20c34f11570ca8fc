// Package seed loads development fixtures into the stores and the in-memory ledger.
package seed

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/property-exchange/internal/adapter"
	"github.com/property-exchange/internal/models"
)

// Account is a ledger account and the hex key that signs for it
type Account struct {
	AccountID string `json:"accountId"`
	Key       string `json:"key,omitempty"`
}

// Wallet is a platform user with a ledger account
type Wallet struct {
	UserID      string `json:"userId"`
	AccountID   string `json:"accountId"`
	Key         string `json:"key,omitempty"`
	LedgerReady bool   `json:"ledgerReady"`
}

// File is the fixture format
type File struct {
	Treasury   Account                    `json:"treasury"`
	Properties []models.TokenizedProperty `json:"properties"`
	Wallets    []Wallet                   `json:"wallets"`
}

// WalletSaver stores wallets
type WalletSaver interface {
	Save(ctx context.Context, wallet *models.Wallet) error
}

// PropertySaver stores properties
type PropertySaver interface {
	Save(ctx context.Context, property *models.TokenizedProperty) error
}

// Load reads a fixture file
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read seed file: %w", err)
	}
	var f File
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse seed file %s: %w", path, err)
	}
	if f.Treasury.AccountID == "" {
		return nil, fmt.Errorf("seed file %s has no treasury account", path)
	}
	return &f, nil
}

// SeedStores saves every property and wallet
func (f *File) SeedStores(ctx context.Context, wallets WalletSaver, properties PropertySaver) error {
	for i := range f.Properties {
		p := f.Properties[i]
		if err := properties.Save(ctx, &p); err != nil {
			return fmt.Errorf("failed to seed property %s: %w", p.ID, err)
		}
	}
	for _, w := range f.Wallets {
		wallet := &models.Wallet{
			UserID:      w.UserID,
			AccountID:   w.AccountID,
			Credential:  w.Key,
			LedgerReady: w.LedgerReady,
		}
		if err := wallets.Save(ctx, wallet); err != nil {
			return fmt.Errorf("failed to seed wallet for %s: %w", w.UserID, err)
		}
	}
	return nil
}

// SeedLedger mints each property's supply to the treasury and registers the
// signer of every account that has a key
func (f *File) SeedLedger(ledger *adapter.MemoryLedger) error {
	for _, p := range f.Properties {
		ledger.Mint(p.TokenID, f.Treasury.AccountID, p.TotalSupply)
	}

	accounts := []Account{f.Treasury}
	for _, w := range f.Wallets {
		accounts = append(accounts, Account{AccountID: w.AccountID, Key: w.Key})
	}
	for _, a := range accounts {
		if a.Key == "" {
			continue
		}
		signer, err := adapter.NewKeySigner(a.Key)
		if err != nil {
			return fmt.Errorf("invalid key for account %s: %w", a.AccountID, err)
		}
		ledger.RegisterSigner(a.AccountID, signer.Address())
	}
	return nil
}
