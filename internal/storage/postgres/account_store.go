package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/verifyd/internal/orchestrator"
)

const accountColumns = `user_id, credits, referral_code, referred_by, referral_rewarded,
	referrals, total_verifications, total_successes, joined_at`

// LoadAccount fetches one account.
func (s *Store) LoadAccount(ctx context.Context, userID int64) (orchestrator.Account, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE user_id = $1`, userID)
	acct, err := scanAccount(row)
	if err != nil {
		return orchestrator.Account{}, fmt.Errorf("load account %d: %w", userID, err)
	}
	return acct, nil
}

// FindByReferralCode fetches the account owning code.
func (s *Store) FindByReferralCode(ctx context.Context, code string) (orchestrator.Account, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE referral_code = $1`, code)
	acct, err := scanAccount(row)
	if err != nil {
		return orchestrator.Account{}, fmt.Errorf("find referral code: %w", err)
	}
	return acct, nil
}

// SaveAccount upserts the whole account row in one statement.
func (s *Store) SaveAccount(ctx context.Context, acct orchestrator.Account) error {
	query := `
INSERT INTO accounts (` + accountColumns + `)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
ON CONFLICT (user_id) DO UPDATE SET
	credits = EXCLUDED.credits,
	referral_code = EXCLUDED.referral_code,
	referred_by = EXCLUDED.referred_by,
	referral_rewarded = EXCLUDED.referral_rewarded,
	referrals = EXCLUDED.referrals,
	total_verifications = EXCLUDED.total_verifications,
	total_successes = EXCLUDED.total_successes`
	_, err := s.pool.Exec(ctx, query,
		acct.UserID,
		acct.CreditBalance,
		acct.ReferralCode,
		acct.ReferredBy,
		acct.ReferralRewarded,
		acct.Referrals,
		acct.TotalVerifications,
		acct.TotalSuccesses,
		acct.JoinedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert account %d: %w", acct.UserID, err)
	}
	return nil
}

func scanAccount(row pgx.Row) (orchestrator.Account, error) {
	var acct orchestrator.Account
	err := row.Scan(
		&acct.UserID,
		&acct.CreditBalance,
		&acct.ReferralCode,
		&acct.ReferredBy,
		&acct.ReferralRewarded,
		&acct.Referrals,
		&acct.TotalVerifications,
		&acct.TotalSuccesses,
		&acct.JoinedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return orchestrator.Account{}, orchestrator.ErrAccountNotFound
	}
	if err != nil {
		return orchestrator.Account{}, err
	}
	return acct, nil
}
