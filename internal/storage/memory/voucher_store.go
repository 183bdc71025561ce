package memory

import (
	"context"
	"sync"

	"github.com/JakeFAU/verifyd/internal/orchestrator"
)

// VoucherStore tracks redemptions per code.
type VoucherStore struct {
	mu       sync.Mutex
	redeemed map[string]map[int64]struct{}
}

// NewVoucherStore constructs an empty VoucherStore.
func NewVoucherStore() *VoucherStore {
	return &VoucherStore{redeemed: make(map[string]map[int64]struct{})}
}

// Redeem records userID's redemption of code. maxRedemptions <= 0 means unlimited.
func (s *VoucherStore) Redeem(_ context.Context, code string, userID int64, maxRedemptions int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	users := s.redeemed[code]
	if users == nil {
		users = make(map[int64]struct{})
		s.redeemed[code] = users
	}
	if _, dup := users[userID]; dup {
		return orchestrator.ErrVoucherLimitReached
	}
	if maxRedemptions > 0 && len(users) >= maxRedemptions {
		return orchestrator.ErrVoucherLimitReached
	}
	users[userID] = struct{}{}
	return nil
}

// Unredeem removes userID's redemption of code, if any.
func (s *VoucherStore) Unredeem(_ context.Context, code string, userID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.redeemed[code], userID)
	return nil
}

// Redemptions returns how many users redeemed code.
func (s *VoucherStore) Redemptions(_ context.Context, code string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.redeemed[code]), nil
}
