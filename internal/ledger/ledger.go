// Package ledger owns user credit balances.
//
// Every mutation runs under the account's lock as load, mutate a copy, save,
// then commit. A failed save leaves the stored balance untouched. Debits and
// refunds are keyed by job ID so retries never charge or refund twice.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/verifyd/internal/metrics"
	"github.com/JakeFAU/verifyd/internal/orchestrator"
)

const maxCodeAttempts = 5

// Config sets the credit amounts.
type Config struct {
	WelcomeGrant  int64
	ReferralBonus int64
	Vouchers      []Voucher
}

// Voucher is a redeemable code worth Amount credits.
type Voucher struct {
	Code           string    `json:"code" mapstructure:"code"`
	Amount         int64     `json:"amount" mapstructure:"amount"`
	MaxRedemptions int       `json:"max_redemptions" mapstructure:"max_redemptions"`
	ExpiresAt      time.Time `json:"expires_at" mapstructure:"expires_at"`
}

// CodeGenerator produces referral codes.
type CodeGenerator interface {
	NewReferralCode() (string, error)
}

// Ledger implements the credit operations over an AccountStore.
type Ledger struct {
	accounts orchestrator.AccountStore
	stats    orchestrator.StatsStore
	vouchers orchestrator.VoucherStore
	ids      orchestrator.IDGenerator
	codes    CodeGenerator
	clock    orchestrator.Clock
	cfg      Config
	defs     map[string]Voucher
	logger   *zap.Logger

	locksMu sync.Mutex
	locks   map[int64]*sync.Mutex

	jobsMu   sync.Mutex
	debits   map[orchestrator.JobID]debit
	refunded map[orchestrator.JobID]struct{}
}

type debit struct {
	userID int64
	amount int64
}

// New constructs a Ledger.
func New(
	accounts orchestrator.AccountStore,
	stats orchestrator.StatsStore,
	vouchers orchestrator.VoucherStore,
	ids orchestrator.IDGenerator,
	codes CodeGenerator,
	clock orchestrator.Clock,
	cfg Config,
	logger *zap.Logger,
) *Ledger {
	if logger == nil {
		logger = zap.NewNop()
	}
	defs := make(map[string]Voucher, len(cfg.Vouchers))
	for _, v := range cfg.Vouchers {
		defs[normalizeCode(v.Code)] = v
	}
	return &Ledger{
		accounts: accounts,
		stats:    stats,
		vouchers: vouchers,
		ids:      ids,
		codes:    codes,
		clock:    clock,
		cfg:      cfg,
		defs:     defs,
		logger:   logger,
		locks:    make(map[int64]*sync.Mutex),
		debits:   make(map[orchestrator.JobID]debit),
		refunded: make(map[orchestrator.JobID]struct{}),
	}
}

// EnsureAccount returns the user's account, creating it with the welcome grant
// on first contact. created reports whether this call created it.
func (l *Ledger) EnsureAccount(ctx context.Context, userID int64) (orchestrator.Account, bool, error) {
	unlock := l.lock(userID)
	defer unlock()

	acct, err := l.accounts.LoadAccount(ctx, userID)
	if err == nil {
		return acct, false, nil
	}
	if !errors.Is(err, orchestrator.ErrAccountNotFound) {
		return orchestrator.Account{}, false, fmt.Errorf("load account %d: %w", userID, err)
	}

	code, err := l.uniqueReferralCode(ctx)
	if err != nil {
		return orchestrator.Account{}, false, err
	}
	acct = orchestrator.Account{
		UserID:        userID,
		CreditBalance: l.cfg.WelcomeGrant,
		ReferralCode:  code,
		JoinedAt:      l.clock.Now(),
	}
	if err := l.accounts.SaveAccount(ctx, acct); err != nil {
		metrics.ObserveLedger("create", err)
		return orchestrator.Account{}, false, fmt.Errorf("create account %d: %w", userID, err)
	}
	metrics.ObserveLedger("create", nil)
	l.logger.Info("account created",
		zap.Int64("user_id", userID),
		zap.Int64("welcome_grant", l.cfg.WelcomeGrant),
	)
	if l.cfg.WelcomeGrant > 0 {
		l.appendStat(ctx, orchestrator.StatEvent{
			Kind:    orchestrator.StatWelcomeGrant,
			UserID:  userID,
			Amount:  l.cfg.WelcomeGrant,
			Balance: acct.CreditBalance,
		})
	}
	return acct, true, nil
}

// Account loads a user's account.
func (l *Ledger) Account(ctx context.Context, userID int64) (orchestrator.Account, error) {
	acct, err := l.accounts.LoadAccount(ctx, userID)
	if err != nil {
		return orchestrator.Account{}, fmt.Errorf("load account %d: %w", userID, err)
	}
	return acct, nil
}

// Balance returns the user's credit balance.
func (l *Ledger) Balance(ctx context.Context, userID int64) (int64, error) {
	acct, err := l.Account(ctx, userID)
	if err != nil {
		return 0, err
	}
	return acct.CreditBalance, nil
}

// TryDebit charges amount for jobID if the balance covers it. A repeated call
// for a job that was already charged is a no-op.
func (l *Ledger) TryDebit(ctx context.Context, jobID orchestrator.JobID, userID int64, amount int64) error {
	unlock := l.lock(userID)
	defer unlock()

	if _, done := l.debitFor(jobID); done {
		return nil
	}
	var balance int64
	err := l.mutate(ctx, userID, func(acct *orchestrator.Account) error {
		if acct.CreditBalance < amount {
			return orchestrator.ErrInsufficientCredit
		}
		acct.CreditBalance -= amount
		balance = acct.CreditBalance
		return nil
	})
	metrics.ObserveLedger("debit", err)
	if err != nil {
		return fmt.Errorf("debit job %d: %w", jobID, err)
	}
	l.jobsMu.Lock()
	l.debits[jobID] = debit{userID: userID, amount: amount}
	l.jobsMu.Unlock()

	l.appendStat(ctx, orchestrator.StatEvent{
		Kind:    orchestrator.StatDebit,
		UserID:  userID,
		JobID:   jobID,
		Amount:  -amount,
		Balance: balance,
	})
	return nil
}

// Refund returns the credit charged for jobID. It fails with ErrNotDebited
// when the job was never charged and ErrAlreadyRefunded on repeats.
func (l *Ledger) Refund(ctx context.Context, jobID orchestrator.JobID, userID int64, amount int64) error {
	unlock := l.lock(userID)
	defer unlock()

	d, ok := l.debitFor(jobID)
	if !ok {
		return fmt.Errorf("refund job %d: %w", jobID, orchestrator.ErrNotDebited)
	}
	if d.userID != userID || d.amount != amount {
		return fmt.Errorf("refund job %d: debit was %d for user %d", jobID, d.amount, d.userID)
	}
	l.jobsMu.Lock()
	_, already := l.refunded[jobID]
	l.jobsMu.Unlock()
	if already {
		return fmt.Errorf("refund job %d: %w", jobID, orchestrator.ErrAlreadyRefunded)
	}

	var balance int64
	err := l.mutate(ctx, userID, func(acct *orchestrator.Account) error {
		acct.CreditBalance += amount
		balance = acct.CreditBalance
		return nil
	})
	metrics.ObserveLedger("refund", err)
	if err != nil {
		return fmt.Errorf("refund job %d: %w", jobID, err)
	}
	l.jobsMu.Lock()
	l.refunded[jobID] = struct{}{}
	l.jobsMu.Unlock()

	l.appendStat(ctx, orchestrator.StatEvent{
		Kind:    orchestrator.StatRefund,
		UserID:  userID,
		JobID:   jobID,
		Amount:  amount,
		Balance: balance,
	})
	return nil
}

// Forget drops the debit and refund markers kept for jobID. The finisher calls
// it once the job is terminal; after that a Refund reports ErrNotDebited.
func (l *Ledger) Forget(jobID orchestrator.JobID) {
	l.jobsMu.Lock()
	defer l.jobsMu.Unlock()
	delete(l.debits, jobID)
	delete(l.refunded, jobID)
}

// Outstanding reports how many jobs still have a debit marker.
func (l *Ledger) Outstanding() int {
	l.jobsMu.Lock()
	defer l.jobsMu.Unlock()
	return len(l.debits)
}

// Grant adds amount credits to the user.
func (l *Ledger) Grant(ctx context.Context, userID int64, amount int64, reason string) error {
	return l.grant(ctx, userID, amount, orchestrator.StatManualGrant, reason)
}

func (l *Ledger) grant(ctx context.Context, userID int64, amount int64, kind orchestrator.StatKind, reason string) error {
	if amount <= 0 {
		return fmt.Errorf("grant amount must be positive, got %d", amount)
	}
	unlock := l.lock(userID)
	defer unlock()

	var balance int64
	err := l.mutate(ctx, userID, func(acct *orchestrator.Account) error {
		acct.CreditBalance += amount
		balance = acct.CreditBalance
		return nil
	})
	metrics.ObserveLedger(string(kind), err)
	if err != nil {
		return fmt.Errorf("grant %d to user %d: %w", amount, userID, err)
	}
	l.appendStat(ctx, orchestrator.StatEvent{
		Kind:    kind,
		UserID:  userID,
		Amount:  amount,
		Balance: balance,
		Reason:  reason,
	})
	return nil
}

// ApplyReferral links userID to the owner of code. The referrer is set once.
func (l *Ledger) ApplyReferral(ctx context.Context, userID int64, code string) (int64, error) {
	referrer, err := l.accounts.FindByReferralCode(ctx, normalizeCode(code))
	if err != nil {
		if errors.Is(err, orchestrator.ErrAccountNotFound) {
			return 0, orchestrator.ErrReferralCodeUnknown
		}
		return 0, fmt.Errorf("find referral code: %w", err)
	}
	if referrer.UserID == userID {
		return 0, orchestrator.ErrSelfReferral
	}

	unlock := l.lock(userID)
	err = l.mutate(ctx, userID, func(acct *orchestrator.Account) error {
		if acct.ReferredBy != nil {
			return orchestrator.ErrAlreadyReferred
		}
		ref := referrer.UserID
		acct.ReferredBy = &ref
		return nil
	})
	unlock()
	metrics.ObserveLedger("referral", err)
	if err != nil {
		return 0, fmt.Errorf("apply referral for user %d: %w", userID, err)
	}

	unlock = l.lock(referrer.UserID)
	defer unlock()
	if err := l.mutate(ctx, referrer.UserID, func(acct *orchestrator.Account) error {
		acct.Referrals++
		return nil
	}); err != nil {
		// The link is in place; only the counter is stale.
		l.logger.Warn("failed to bump referral counter",
			zap.Int64("referrer_id", referrer.UserID),
			zap.Error(err),
		)
	}
	l.logger.Info("referral applied",
		zap.Int64("user_id", userID),
		zap.Int64("referrer_id", referrer.UserID),
	)
	return referrer.UserID, nil
}

// RewardReferrer credits the user's referrer once, on the user's first
// successful verification. It reports whether a reward was granted by this call.
func (l *Ledger) RewardReferrer(ctx context.Context, userID int64) (bool, error) {
	var referrerID int64
	unlock := l.lock(userID)
	err := l.mutate(ctx, userID, func(acct *orchestrator.Account) error {
		if acct.ReferredBy == nil || acct.ReferralRewarded {
			return errNothingToDo
		}
		referrerID = *acct.ReferredBy
		acct.ReferralRewarded = true
		return nil
	})
	unlock()
	if errors.Is(err, errNothingToDo) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("claim referral reward for user %d: %w", userID, err)
	}
	if l.cfg.ReferralBonus <= 0 {
		return false, nil
	}
	reason := fmt.Sprintf("referral:%d", userID)
	if err := l.grant(ctx, referrerID, l.cfg.ReferralBonus, orchestrator.StatReferralGrant, reason); err != nil {
		// Reopen the claim so a later success pays the referrer.
		l.unclaimReferral(ctx, userID)
		return false, err
	}
	l.logger.Info("referral reward granted",
		zap.Int64("user_id", userID),
		zap.Int64("referrer_id", referrerID),
		zap.Int64("amount", l.cfg.ReferralBonus),
	)
	return true, nil
}

func (l *Ledger) unclaimReferral(ctx context.Context, userID int64) {
	unlock := l.lock(userID)
	defer unlock()
	err := l.mutate(ctx, userID, func(acct *orchestrator.Account) error {
		acct.ReferralRewarded = false
		return nil
	})
	if err != nil {
		l.logger.Error("reopen referral claim failed", zap.Int64("user_id", userID), zap.Error(err))
	}
}

// RecordOutcome bumps the user's verification counters and appends the
// matching stat event. Cancelled jobs are not verifications and are skipped.
func (l *Ledger) RecordOutcome(
	ctx context.Context,
	jobID orchestrator.JobID,
	userID int64,
	status orchestrator.JobStatus,
	reason string,
) error {
	var kind orchestrator.StatKind
	switch status {
	case orchestrator.JobStatusSucceeded:
		kind = orchestrator.StatVerificationSucceeded
	case orchestrator.JobStatusFailedTechnical:
		kind = orchestrator.StatVerificationTechnical
	case orchestrator.JobStatusFailedPermanent:
		kind = orchestrator.StatVerificationPermanent
	default:
		return nil
	}
	unlock := l.lock(userID)
	defer unlock()
	var balance int64
	err := l.mutate(ctx, userID, func(acct *orchestrator.Account) error {
		acct.TotalVerifications++
		if status == orchestrator.JobStatusSucceeded {
			acct.TotalSuccesses++
		}
		balance = acct.CreditBalance
		return nil
	})
	if err != nil {
		return fmt.Errorf("record outcome for user %d: %w", userID, err)
	}
	l.appendStat(ctx, orchestrator.StatEvent{
		Kind:    kind,
		UserID:  userID,
		JobID:   jobID,
		Balance: balance,
		Reason:  reason,
	})
	return nil
}

// RedeemVoucher grants the voucher's amount to userID.
func (l *Ledger) RedeemVoucher(ctx context.Context, userID int64, code string) (int64, error) {
	code = normalizeCode(code)
	def, ok := l.defs[code]
	if !ok || def.Amount <= 0 {
		return 0, orchestrator.ErrVoucherInvalid
	}
	if !def.ExpiresAt.IsZero() && !l.clock.Now().Before(def.ExpiresAt) {
		return 0, orchestrator.ErrVoucherExpired
	}
	if _, err := l.accounts.LoadAccount(ctx, userID); err != nil {
		return 0, fmt.Errorf("load account %d: %w", userID, err)
	}
	if err := l.vouchers.Redeem(ctx, code, userID, def.MaxRedemptions); err != nil {
		metrics.ObserveLedger("voucher", err)
		return 0, fmt.Errorf("redeem voucher: %w", err)
	}
	if err := l.grant(ctx, userID, def.Amount, orchestrator.StatVoucherGrant, "voucher:"+code); err != nil {
		if uerr := l.vouchers.Unredeem(ctx, code, userID); uerr != nil {
			l.logger.Error("undo voucher redemption failed",
				zap.String("code", code),
				zap.Int64("user_id", userID),
				zap.Error(uerr),
			)
		}
		return 0, err
	}
	return def.Amount, nil
}

var errNothingToDo = errors.New("nothing to do")

// mutate applies fn to a copy of the stored account and saves it. Callers hold
// the account lock.
func (l *Ledger) mutate(ctx context.Context, userID int64, fn func(*orchestrator.Account) error) error {
	acct, err := l.accounts.LoadAccount(ctx, userID)
	if err != nil {
		return fmt.Errorf("load account: %w", err)
	}
	next := acct.Clone()
	if err := fn(&next); err != nil {
		return err
	}
	if err := l.accounts.SaveAccount(ctx, next); err != nil {
		return fmt.Errorf("save account: %w", err)
	}
	return nil
}

func (l *Ledger) lock(userID int64) func() {
	l.locksMu.Lock()
	mu, ok := l.locks[userID]
	if !ok {
		mu = &sync.Mutex{}
		l.locks[userID] = mu
	}
	l.locksMu.Unlock()
	mu.Lock()
	return mu.Unlock
}

func (l *Ledger) debitFor(jobID orchestrator.JobID) (debit, bool) {
	l.jobsMu.Lock()
	defer l.jobsMu.Unlock()
	d, ok := l.debits[jobID]
	return d, ok
}

func (l *Ledger) uniqueReferralCode(ctx context.Context) (string, error) {
	for i := 0; i < maxCodeAttempts; i++ {
		code, err := l.codes.NewReferralCode()
		if err != nil {
			return "", fmt.Errorf("referral code: %w", err)
		}
		_, err = l.accounts.FindByReferralCode(ctx, code)
		if errors.Is(err, orchestrator.ErrAccountNotFound) {
			return code, nil
		}
		if err != nil {
			return "", fmt.Errorf("check referral code: %w", err)
		}
	}
	return "", fmt.Errorf("no unique referral code after %d attempts", maxCodeAttempts)
}

// appendStat records a stat event. Balances are already committed, so a
// failure here is logged and not returned.
func (l *Ledger) appendStat(ctx context.Context, evt orchestrator.StatEvent) {
	if l.stats == nil {
		return
	}
	if evt.ID == "" && l.ids != nil {
		id, err := l.ids.NewID()
		if err != nil {
			l.logger.Warn("stat event id", zap.Error(err))
		}
		evt.ID = id
	}
	if evt.At.IsZero() {
		evt.At = l.clock.Now()
	}
	if err := l.stats.AppendStatEvent(ctx, evt); err != nil {
		l.logger.Warn("append stat event failed",
			zap.String("kind", string(evt.Kind)),
			zap.Int64("user_id", evt.UserID),
			zap.Error(err),
		)
	}
}

func normalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}
