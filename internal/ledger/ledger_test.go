package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/verifyd/internal/id/uuid"
	"github.com/JakeFAU/verifyd/internal/orchestrator"
	"github.com/JakeFAU/verifyd/internal/storage/memory"
)

type fakeClock struct{ now time.Time }

func (c fakeClock) Now() time.Time { return c.now }

var testNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

// flakyAccounts fails SaveAccount while failSaves is set, and fails saves of
// the failUser account while that is non-zero.
type flakyAccounts struct {
	*memory.AccountStore
	failSaves atomic.Bool
	failUser  atomic.Int64
}

func (f *flakyAccounts) SaveAccount(ctx context.Context, acct orchestrator.Account) error {
	if f.failSaves.Load() || (acct.UserID != 0 && f.failUser.Load() == acct.UserID) {
		return errors.New("disk full")
	}
	return f.AccountStore.SaveAccount(ctx, acct)
}

type fixedCodes struct {
	mu    sync.Mutex
	codes []string
}

func (f *fixedCodes) NewReferralCode() (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.codes) == 0 {
		return "", errors.New("out of codes")
	}
	code := f.codes[0]
	f.codes = f.codes[1:]
	return code, nil
}

type fixture struct {
	ledger   *Ledger
	accounts *flakyAccounts
	stats    *memory.StatsStore
}

func newFixture(t *testing.T, cfg Config) fixture {
	t.Helper()
	accounts := &flakyAccounts{AccountStore: memory.NewAccountStore()}
	stats := memory.NewStatsStore()
	ids := uuid.New()
	l := New(accounts, stats, memory.NewVoucherStore(), ids, ids, fakeClock{now: testNow}, cfg, nil)
	return fixture{ledger: l, accounts: accounts, stats: stats}
}

func defaultConfig() Config {
	return Config{WelcomeGrant: 3, ReferralBonus: 2}
}

func TestEnsureAccountGrantsWelcomeOnce(t *testing.T) {
	t.Parallel()

	f := newFixture(t, defaultConfig())
	ctx := context.Background()

	acct, created, err := f.ledger.EnsureAccount(ctx, 1)
	require.NoError(t, err)
	require.True(t, created)
	require.Equal(t, int64(3), acct.CreditBalance)
	require.Len(t, acct.ReferralCode, 8)
	require.Equal(t, testNow, acct.JoinedAt)

	again, created, err := f.ledger.EnsureAccount(ctx, 1)
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, acct, again)

	events := f.stats.Events(1)
	require.Len(t, events, 1)
	require.Equal(t, orchestrator.StatWelcomeGrant, events[0].Kind)
	require.Equal(t, int64(3), events[0].Balance)
	require.NotEmpty(t, events[0].ID)
}

func TestEnsureAccountRetriesReferralCodeCollision(t *testing.T) {
	t.Parallel()

	accounts := memory.NewAccountStore()
	codes := &fixedCodes{codes: []string{"AAAA0001", "AAAA0001", "AAAA0002"}}
	l := New(accounts, nil, nil, nil, codes, fakeClock{now: testNow}, defaultConfig(), nil)
	ctx := context.Background()

	first, _, err := l.EnsureAccount(ctx, 1)
	require.NoError(t, err)
	second, _, err := l.EnsureAccount(ctx, 2)
	require.NoError(t, err)
	require.Equal(t, "AAAA0001", first.ReferralCode)
	require.Equal(t, "AAAA0002", second.ReferralCode)
}

func TestTryDebitAndInsufficientCredit(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{WelcomeGrant: 1})
	ctx := context.Background()
	_, _, err := f.ledger.EnsureAccount(ctx, 1)
	require.NoError(t, err)

	require.NoError(t, f.ledger.TryDebit(ctx, 10, 1, 1))
	// Repeating the debit for the same job is a no-op.
	require.NoError(t, f.ledger.TryDebit(ctx, 10, 1, 1))
	balance, err := f.ledger.Balance(ctx, 1)
	require.NoError(t, err)
	require.Zero(t, balance)

	err = f.ledger.TryDebit(ctx, 11, 1, 1)
	require.ErrorIs(t, err, orchestrator.ErrInsufficientCredit)

	err = f.ledger.TryDebit(ctx, 12, 99, 1)
	require.ErrorIs(t, err, orchestrator.ErrAccountNotFound)
}

func TestRefundIsIdempotent(t *testing.T) {
	t.Parallel()

	f := newFixture(t, defaultConfig())
	ctx := context.Background()
	_, _, err := f.ledger.EnsureAccount(ctx, 1)
	require.NoError(t, err)

	require.ErrorIs(t, f.ledger.Refund(ctx, 5, 1, 1), orchestrator.ErrNotDebited)

	require.NoError(t, f.ledger.TryDebit(ctx, 5, 1, 1))
	require.NoError(t, f.ledger.Refund(ctx, 5, 1, 1))
	require.ErrorIs(t, f.ledger.Refund(ctx, 5, 1, 1), orchestrator.ErrAlreadyRefunded)
	require.Error(t, f.ledger.Refund(ctx, 5, 2, 1), "refund for another user must fail")

	balance, err := f.ledger.Balance(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, int64(3), balance)

	var kinds []orchestrator.StatKind
	for _, evt := range f.stats.Events(1) {
		kinds = append(kinds, evt.Kind)
	}
	require.Equal(t, []orchestrator.StatKind{
		orchestrator.StatWelcomeGrant,
		orchestrator.StatDebit,
		orchestrator.StatRefund,
	}, kinds)
}

func TestConcurrentDebitsNeverOverspend(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{WelcomeGrant: 10})
	ctx := context.Background()
	_, _, err := f.ledger.EnsureAccount(ctx, 1)
	require.NoError(t, err)

	var ok atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := f.ledger.TryDebit(ctx, orchestrator.JobID(i), 1, 1); err == nil {
				ok.Add(1)
			}
		}()
	}
	wg.Wait()
	require.Equal(t, int32(10), ok.Load())
	balance, err := f.ledger.Balance(ctx, 1)
	require.NoError(t, err)
	require.Zero(t, balance)
}

func TestConcurrentGrantsAndDebitsAreLinearizable(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{WelcomeGrant: 0})
	ctx := context.Background()
	_, _, err := f.ledger.EnsureAccount(ctx, 1)
	require.NoError(t, err)

	var debited atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			require.NoError(t, f.ledger.Grant(ctx, 1, 1, "test"))
		}()
		go func() {
			defer wg.Done()
			if err := f.ledger.TryDebit(ctx, orchestrator.JobID(i), 1, 1); err == nil {
				debited.Add(1)
			}
		}()
	}
	wg.Wait()

	balance, err := f.ledger.Balance(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, 40-debited.Load(), balance)
	require.GreaterOrEqual(t, balance, int64(0))

	// Every recorded balance is consistent with the event that produced it.
	var running int64
	for _, evt := range f.stats.Events(1) {
		running += evt.Amount
		require.Equal(t, running, evt.Balance, "event %s", evt.Kind)
	}
}

func TestFailedSaveLeavesBalanceUnchanged(t *testing.T) {
	t.Parallel()

	f := newFixture(t, defaultConfig())
	ctx := context.Background()
	_, _, err := f.ledger.EnsureAccount(ctx, 1)
	require.NoError(t, err)

	f.accounts.failSaves.Store(true)
	require.Error(t, f.ledger.TryDebit(ctx, 1, 1, 1))
	require.Error(t, f.ledger.Grant(ctx, 1, 5, "test"))
	f.accounts.failSaves.Store(false)

	balance, err := f.ledger.Balance(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, int64(3), balance)

	// The failed debit was never recorded, so the job can still be charged.
	require.ErrorIs(t, f.ledger.Refund(ctx, 1, 1, 1), orchestrator.ErrNotDebited)
	require.NoError(t, f.ledger.TryDebit(ctx, 1, 1, 1))
}

func TestGrantRejectsNonPositive(t *testing.T) {
	t.Parallel()

	f := newFixture(t, defaultConfig())
	_, _, err := f.ledger.EnsureAccount(context.Background(), 1)
	require.NoError(t, err)
	require.Error(t, f.ledger.Grant(context.Background(), 1, 0, "zero"))
}

func TestReferralRewardPaidOnce(t *testing.T) {
	t.Parallel()

	f := newFixture(t, defaultConfig())
	ctx := context.Background()
	referrer, _, err := f.ledger.EnsureAccount(ctx, 1)
	require.NoError(t, err)
	_, _, err = f.ledger.EnsureAccount(ctx, 2)
	require.NoError(t, err)

	refID, err := f.ledger.ApplyReferral(ctx, 2, " "+referrer.ReferralCode+" ")
	require.NoError(t, err)
	require.Equal(t, int64(1), refID)

	// Concurrent successes for the invitee pay the bonus exactly once.
	var paid atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rewarded, err := f.ledger.RewardReferrer(ctx, 2)
			require.NoError(t, err)
			if rewarded {
				paid.Add(1)
			}
		}()
	}
	wg.Wait()
	require.Equal(t, int32(1), paid.Load())

	acct, err := f.ledger.Account(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, int64(5), acct.CreditBalance)
	require.Equal(t, 1, acct.Referrals)

	invitee, err := f.ledger.Account(ctx, 2)
	require.NoError(t, err)
	require.True(t, invitee.ReferralRewarded)
	require.Equal(t, int64(1), *invitee.ReferredBy)
}

func TestApplyReferralErrors(t *testing.T) {
	t.Parallel()

	f := newFixture(t, defaultConfig())
	ctx := context.Background()
	a, _, err := f.ledger.EnsureAccount(ctx, 1)
	require.NoError(t, err)
	b, _, err := f.ledger.EnsureAccount(ctx, 2)
	require.NoError(t, err)
	_, _, err = f.ledger.EnsureAccount(ctx, 3)
	require.NoError(t, err)

	_, err = f.ledger.ApplyReferral(ctx, 2, "NOPE")
	require.ErrorIs(t, err, orchestrator.ErrReferralCodeUnknown)

	_, err = f.ledger.ApplyReferral(ctx, 1, a.ReferralCode)
	require.ErrorIs(t, err, orchestrator.ErrSelfReferral)

	_, err = f.ledger.ApplyReferral(ctx, 3, a.ReferralCode)
	require.NoError(t, err)
	_, err = f.ledger.ApplyReferral(ctx, 3, b.ReferralCode)
	require.ErrorIs(t, err, orchestrator.ErrAlreadyReferred)

	// No referrer means no reward.
	rewarded, err := f.ledger.RewardReferrer(ctx, 2)
	require.NoError(t, err)
	require.False(t, rewarded)
}

func TestRecordOutcome(t *testing.T) {
	t.Parallel()

	f := newFixture(t, defaultConfig())
	ctx := context.Background()
	_, _, err := f.ledger.EnsureAccount(ctx, 1)
	require.NoError(t, err)

	require.NoError(t, f.ledger.RecordOutcome(ctx, 1, 1, orchestrator.JobStatusSucceeded, ""))
	require.NoError(t, f.ledger.RecordOutcome(ctx, 2, 1, orchestrator.JobStatusFailedPermanent, "not eligible"))
	require.NoError(t, f.ledger.RecordOutcome(ctx, 3, 1, orchestrator.JobStatusCancelled, ""))

	acct, err := f.ledger.Account(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, 2, acct.TotalVerifications)
	require.Equal(t, 1, acct.TotalSuccesses)

	stats, err := f.stats.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, orchestrator.Stats{Total: 2, Success: 1, Failed: 1}, stats)
}

func TestRedeemVoucher(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{
		WelcomeGrant: 3,
		Vouchers: []Voucher{
			{Code: "launch", Amount: 5, MaxRedemptions: 2},
			{Code: "OLD", Amount: 1, ExpiresAt: testNow.Add(-time.Hour)},
		},
	})
	ctx := context.Background()
	for i := int64(1); i <= 3; i++ {
		_, _, err := f.ledger.EnsureAccount(ctx, i)
		require.NoError(t, err)
	}

	tests := []struct {
		user    int64
		code    string
		wantErr error
	}{
		{user: 1, code: "LAUNCH"},
		{user: 1, code: "launch", wantErr: orchestrator.ErrVoucherLimitReached},
		{user: 2, code: "Launch"},
		{user: 3, code: "LAUNCH", wantErr: orchestrator.ErrVoucherLimitReached},
		{user: 3, code: "OLD", wantErr: orchestrator.ErrVoucherExpired},
		{user: 3, code: "BOGUS", wantErr: orchestrator.ErrVoucherInvalid},
		{user: 42, code: "LAUNCH", wantErr: orchestrator.ErrAccountNotFound},
	}
	for _, tc := range tests {
		t.Run(fmt.Sprintf("%d-%s", tc.user, tc.code), func(t *testing.T) {
			amount, err := f.ledger.RedeemVoucher(ctx, tc.user, tc.code)
			if tc.wantErr != nil {
				require.ErrorIs(t, err, tc.wantErr)
				return
			}
			require.NoError(t, err)
			require.Equal(t, int64(5), amount)
		})
	}

	for user, want := range map[int64]int64{1: 8, 2: 8, 3: 3} {
		balance, err := f.ledger.Balance(ctx, user)
		require.NoError(t, err)
		require.Equal(t, want, balance, "user %d", user)
	}
}

func TestReferralRewardRetriedAfterFailedGrant(t *testing.T) {
	t.Parallel()

	f := newFixture(t, defaultConfig())
	ctx := context.Background()
	referrer, _, err := f.ledger.EnsureAccount(ctx, 1)
	require.NoError(t, err)
	_, _, err = f.ledger.EnsureAccount(ctx, 2)
	require.NoError(t, err)
	_, err = f.ledger.ApplyReferral(ctx, 2, referrer.ReferralCode)
	require.NoError(t, err)

	f.accounts.failUser.Store(1)
	rewarded, err := f.ledger.RewardReferrer(ctx, 2)
	require.Error(t, err)
	require.False(t, rewarded)
	invitee, err := f.ledger.Account(ctx, 2)
	require.NoError(t, err)
	require.False(t, invitee.ReferralRewarded, "a failed grant leaves the reward unclaimed")

	f.accounts.failUser.Store(0)
	rewarded, err = f.ledger.RewardReferrer(ctx, 2)
	require.NoError(t, err)
	require.True(t, rewarded)
	balance, err := f.ledger.Balance(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, int64(5), balance)
}

func TestRedeemVoucherUndoneWhenGrantFails(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{
		WelcomeGrant: 3,
		Vouchers:     []Voucher{{Code: "LAUNCH", Amount: 5, MaxRedemptions: 1}},
	})
	ctx := context.Background()
	_, _, err := f.ledger.EnsureAccount(ctx, 1)
	require.NoError(t, err)

	f.accounts.failSaves.Store(true)
	_, err = f.ledger.RedeemVoucher(ctx, 1, "LAUNCH")
	require.Error(t, err)
	require.NotErrorIs(t, err, orchestrator.ErrVoucherLimitReached)

	f.accounts.failSaves.Store(false)
	amount, err := f.ledger.RedeemVoucher(ctx, 1, "LAUNCH")
	require.NoError(t, err)
	require.Equal(t, int64(5), amount)
	balance, err := f.ledger.Balance(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, int64(8), balance)
}

func TestForgetDropsJobMarkers(t *testing.T) {
	t.Parallel()

	f := newFixture(t, defaultConfig())
	ctx := context.Background()
	_, _, err := f.ledger.EnsureAccount(ctx, 1)
	require.NoError(t, err)

	require.NoError(t, f.ledger.TryDebit(ctx, 1, 1, 1))
	require.NoError(t, f.ledger.TryDebit(ctx, 2, 1, 1))
	require.NoError(t, f.ledger.Refund(ctx, 1, 1, 1))
	require.Equal(t, 2, f.ledger.Outstanding())

	f.ledger.Forget(1)
	f.ledger.Forget(2)
	f.ledger.Forget(3)
	require.Zero(t, f.ledger.Outstanding())

	err = f.ledger.Refund(ctx, 1, 1, 1)
	require.ErrorIs(t, err, orchestrator.ErrNotDebited)
	balance, err := f.ledger.Balance(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, int64(2), balance, "a forgotten job is never refunded twice")
}
