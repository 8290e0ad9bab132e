package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/harvestd/harvestd/internal/harvest"
)

// AccountStore provides an in-memory account backend for development.
type AccountStore struct {
	mu       sync.RWMutex
	accounts map[int64]harvest.Account
}

// NewAccountStore constructs an AccountStore seeded with the provided
// accounts.
func NewAccountStore(accounts ...harvest.Account) *AccountStore {
	s := &AccountStore{accounts: make(map[int64]harvest.Account, len(accounts))}
	for _, a := range accounts {
		s.accounts[a.ID] = a
	}
	return s
}

// ListAccounts returns all accounts ordered by ID.
func (s *AccountStore) ListAccounts(context.Context) ([]harvest.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]harvest.Account, 0, len(s.accounts))
	for _, a := range s.accounts {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// SetAccountStatus updates one account's status.
func (s *AccountStore) SetAccountStatus(_ context.Context, id int64, status harvest.AccountStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[id]
	if !ok {
		return fmt.Errorf("%w: account %d", harvest.ErrNotFound, id)
	}
	a.Status = status
	s.accounts[id] = a
	return nil
}

// RecordAccountUsage writes back usage counters for an account.
func (s *AccountStore) RecordAccountUsage(_ context.Context, id int64, usageCount int64, lastUsedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[id]
	if !ok {
		return fmt.Errorf("%w: account %d", harvest.ErrNotFound, id)
	}
	a.UsageCount = usageCount
	a.LastUsedAt = lastUsedAt
	s.accounts[id] = a
	return nil
}
