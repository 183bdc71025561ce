// Package memory provides in-process stores for development and tests.
package memory

import (
	"context"
	"sync"

	"github.com/JakeFAU/verifyd/internal/orchestrator"
)

// AccountStore keeps accounts in a map.
type AccountStore struct {
	mu       sync.RWMutex
	accounts map[int64]orchestrator.Account
	byCode   map[string]int64
}

// NewAccountStore constructs an empty AccountStore.
func NewAccountStore() *AccountStore {
	return &AccountStore{
		accounts: make(map[int64]orchestrator.Account),
		byCode:   make(map[string]int64),
	}
}

// LoadAccount returns a copy of the stored account.
func (s *AccountStore) LoadAccount(_ context.Context, userID int64) (orchestrator.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	acct, ok := s.accounts[userID]
	if !ok {
		return orchestrator.Account{}, orchestrator.ErrAccountNotFound
	}
	return acct.Clone(), nil
}

// SaveAccount replaces the stored account atomically.
func (s *AccountStore) SaveAccount(_ context.Context, acct orchestrator.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.accounts[acct.UserID]; ok && prev.ReferralCode != acct.ReferralCode {
		delete(s.byCode, prev.ReferralCode)
	}
	s.accounts[acct.UserID] = acct.Clone()
	if acct.ReferralCode != "" {
		s.byCode[acct.ReferralCode] = acct.UserID
	}
	return nil
}

// FindByReferralCode looks up the account owning code.
func (s *AccountStore) FindByReferralCode(_ context.Context, code string) (orchestrator.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byCode[code]
	if !ok {
		return orchestrator.Account{}, orchestrator.ErrAccountNotFound
	}
	return s.accounts[id].Clone(), nil
}

// Count returns the number of accounts.
func (s *AccountStore) Count(context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.accounts), nil
}
