package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/verifyd/internal/orchestrator"
)

// Redeem records a redemption inside a transaction holding an advisory lock
// on the code, so the max-redemption check and insert are atomic.
func (s *Store) Redeem(ctx context.Context, code string, userID int64, maxRedemptions int) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin redeem: %w", err)
	}
	if err := redeemTx(ctx, tx, code, userID, maxRedemptions); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil {
			return fmt.Errorf("%w (rollback: %v)", err, rbErr)
		}
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit redeem: %w", err)
	}
	return nil
}

func redeemTx(ctx context.Context, tx pgx.Tx, code string, userID int64, maxRedemptions int) error {
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, code); err != nil {
		return fmt.Errorf("lock voucher %s: %w", code, err)
	}
	var (
		used int
		mine bool
	)
	err := tx.QueryRow(ctx, `
SELECT count(*), coalesce(bool_or(user_id = $2), false)
FROM voucher_redemptions WHERE code = $1`, code, userID).Scan(&used, &mine)
	if err != nil {
		return fmt.Errorf("count redemptions: %w", err)
	}
	if mine || (maxRedemptions > 0 && used >= maxRedemptions) {
		return orchestrator.ErrVoucherLimitReached
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO voucher_redemptions (code, user_id) VALUES ($1, $2)`, code, userID); err != nil {
		return fmt.Errorf("insert redemption: %w", err)
	}
	return nil
}

// Unredeem deletes userID's redemption of code.
func (s *Store) Unredeem(ctx context.Context, code string, userID int64) error {
	if _, err := s.pool.Exec(ctx,
		`DELETE FROM voucher_redemptions WHERE code = $1 AND user_id = $2`, code, userID); err != nil {
		return fmt.Errorf("delete redemption: %w", err)
	}
	return nil
}

// Redemptions counts how many users redeemed code.
func (s *Store) Redemptions(ctx context.Context, code string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT count(*) FROM voucher_redemptions WHERE code = $1`, code).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count redemptions: %w", err)
	}
	return n, nil
}
