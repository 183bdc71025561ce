package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/verifyd/internal/orchestrator"
)

func newMockStore(t *testing.T) (*Store, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	store, err := NewStoreWithPool(mock)
	require.NoError(t, err)
	return store, mock
}

var accountCols = []string{
	"user_id", "credits", "referral_code", "referred_by", "referral_rewarded",
	"referrals", "total_verifications", "total_successes", "joined_at",
}

func TestNewStoreRequiresDSN(t *testing.T) {
	t.Parallel()

	_, err := NewStore(context.Background(), Config{})
	require.Error(t, err)
	_, err = NewStoreWithPool(nil)
	require.Error(t, err)
}

func TestMigrateAppliesSchema(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS accounts").
		WillReturnResult(pgxmock.NewResult("CREATE", 0))
	require.NoError(t, store.Migrate(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLoadAccount(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	joined := time.Unix(1700000000, 0).UTC()
	ref := int64(9)
	mock.ExpectQuery("SELECT (.+) FROM accounts WHERE user_id").
		WithArgs(int64(1)).
		WillReturnRows(pgxmock.NewRows(accountCols).
			AddRow(int64(1), int64(3), "ABCD1234", &ref, false, 0, 2, 1, joined))

	acct, err := store.LoadAccount(context.Background(), 1)
	require.NoError(t, err)
	require.Equal(t, int64(3), acct.CreditBalance)
	require.Equal(t, "ABCD1234", acct.ReferralCode)
	require.Equal(t, int64(9), *acct.ReferredBy)
	require.Equal(t, 2, acct.TotalVerifications)
	require.Equal(t, joined, acct.JoinedAt)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLoadAccountNotFound(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectQuery("SELECT (.+) FROM accounts WHERE user_id").
		WithArgs(int64(2)).
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectQuery("SELECT (.+) FROM accounts WHERE referral_code").
		WithArgs("NOPE").
		WillReturnError(pgx.ErrNoRows)

	_, err := store.LoadAccount(context.Background(), 2)
	require.ErrorIs(t, err, orchestrator.ErrAccountNotFound)
	_, err = store.FindByReferralCode(context.Background(), "NOPE")
	require.ErrorIs(t, err, orchestrator.ErrAccountNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveAccountUpserts(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	acct := orchestrator.Account{
		UserID:        1,
		CreditBalance: 2,
		ReferralCode:  "ABCD1234",
		JoinedAt:      time.Unix(1700000000, 0).UTC(),
	}
	mock.ExpectExec("INSERT INTO accounts").
		WithArgs(
			acct.UserID,
			acct.CreditBalance,
			acct.ReferralCode,
			pgxmock.AnyArg(),
			acct.ReferralRewarded,
			acct.Referrals,
			acct.TotalVerifications,
			acct.TotalSuccesses,
			acct.JoinedAt,
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO accounts").
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnError(errors.New("connection reset"))

	require.NoError(t, store.SaveAccount(context.Background(), acct))
	err := store.SaveAccount(context.Background(), acct)
	require.ErrorContains(t, err, "upsert account 1")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAppendStatEventAndStats(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	at := time.Unix(1700000000, 0).UTC()
	mock.ExpectExec("INSERT INTO stat_events").
		WithArgs("evt-1", "debit", int64(1), pgxmock.AnyArg(), int64(-1), int64(2), "", at).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectQuery("SELECT (.+) FROM stat_events").
		WithArgs("verification_succeeded", "verification_failed_technical", "verification_failed_permanent").
		WillReturnRows(pgxmock.NewRows([]string{"success", "failed"}).AddRow(int64(7), int64(3)))

	require.NoError(t, store.AppendStatEvent(context.Background(), orchestrator.StatEvent{
		ID:      "evt-1",
		Kind:    orchestrator.StatDebit,
		UserID:  1,
		JobID:   5,
		Amount:  -1,
		Balance: 2,
		At:      at,
	}))
	stats, err := store.Stats(context.Background())
	require.NoError(t, err)
	require.Equal(t, orchestrator.Stats{Total: 10, Success: 7, Failed: 3}, stats)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveAndGetJob(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	submitted := time.Unix(1700000000, 0).UTC()
	job := orchestrator.NewJob(42, 7, orchestrator.Payload(`{"a":1}`), submitted).Snapshot()
	job.Status = orchestrator.JobStatusFailedTechnical
	job.Reason = "timeout"

	mock.ExpectExec("INSERT INTO jobs").
		WithArgs(
			int64(42), int64(7), "failed_technical", []byte(`{"a":1}`), submitted,
			pgxmock.AnyArg(), pgxmock.AnyArg(),
			"", "timeout", "", "", 0, false, false,
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	require.NoError(t, store.SaveJob(context.Background(), job))

	finished := submitted.Add(time.Minute)
	mock.ExpectQuery("SELECT (.+) FROM jobs WHERE id").
		WithArgs(int64(42)).
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "user_id", "status", "payload", "submitted_at", "started_at", "finished_at",
			"proxy", "reason", "evidence_uri", "evidence_sha256", "deferrals", "charged", "refunded",
		}).AddRow(
			int64(42), int64(7), "failed_technical", []byte(`{"a":1}`), submitted, &submitted, &finished,
			"http://p:1", "timeout", "", "", 1, true, true,
		))
	got, err := store.GetJob(context.Background(), 42)
	require.NoError(t, err)
	require.Equal(t, orchestrator.JobID(42), got.ID)
	require.Equal(t, orchestrator.JobStatusFailedTechnical, got.Status)
	require.JSONEq(t, `{"a":1}`, string(got.Payload))
	require.True(t, got.Refunded)
	require.Equal(t, finished, *got.FinishedAt)

	mock.ExpectQuery("SELECT (.+) FROM jobs WHERE id").
		WithArgs(int64(43)).
		WillReturnError(pgx.ErrNoRows)
	_, err = store.GetJob(context.Background(), 43)
	require.ErrorIs(t, err, orchestrator.ErrJobNotFound)

	mock.ExpectQuery("SELECT coalesce").
		WillReturnRows(pgxmock.NewRows([]string{"max"}).AddRow(int64(42)))
	last, err := store.LastJobID(context.Background())
	require.NoError(t, err)
	require.Equal(t, orchestrator.JobID(42), last)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListByUser(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	submitted := time.Unix(1700000000, 0).UTC()
	mock.ExpectQuery("SELECT (.+) FROM jobs WHERE user_id").
		WithArgs(int64(7), 2).
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "user_id", "status", "payload", "submitted_at", "started_at", "finished_at",
			"proxy", "reason", "evidence_uri", "evidence_sha256", "deferrals", "charged", "refunded",
		}).
			AddRow(int64(9), int64(7), "queued", []byte(nil), submitted, nil, nil, "", "", "", "", 0, false, false).
			AddRow(int64(4), int64(7), "succeeded", []byte(`{}`), submitted, &submitted, &submitted,
				"http://p:1", "", "gs://bucket/evidence", "ab12", 0, true, false))

	jobs, err := store.ListByUser(context.Background(), 7, 2)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	require.Equal(t, orchestrator.JobID(9), jobs[0].ID)
	require.Nil(t, jobs[0].StartedAt)
	require.Equal(t, orchestrator.JobStatusSucceeded, jobs[1].Status)
	require.Equal(t, "gs://bucket/evidence", jobs[1].EvidenceURI)
	require.Equal(t, "ab12", jobs[1].EvidenceSHA256)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRedeemCommits(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectExec("SELECT pg_advisory_xact_lock").
		WithArgs("LAUNCH").
		WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectQuery("SELECT count\\(\\*\\), coalesce").
		WithArgs("LAUNCH", int64(1)).
		WillReturnRows(pgxmock.NewRows([]string{"count", "mine"}).AddRow(1, false))
	mock.ExpectExec("INSERT INTO voucher_redemptions").
		WithArgs("LAUNCH", int64(1)).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	require.NoError(t, store.Redeem(context.Background(), "LAUNCH", 1, 2))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRedeemLimitReachedRollsBack(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		used int
		mine bool
	}{
		{name: "exhausted", used: 2},
		{name: "already redeemed", used: 1, mine: true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			store, mock := newMockStore(t)
			mock.ExpectBegin()
			mock.ExpectExec("SELECT pg_advisory_xact_lock").
				WithArgs("LAUNCH").
				WillReturnResult(pgxmock.NewResult("SELECT", 1))
			mock.ExpectQuery("SELECT count\\(\\*\\), coalesce").
				WithArgs("LAUNCH", int64(1)).
				WillReturnRows(pgxmock.NewRows([]string{"count", "mine"}).AddRow(tc.used, tc.mine))
			mock.ExpectRollback()

			err := store.Redeem(context.Background(), "LAUNCH", 1, 2)
			require.ErrorIs(t, err, orchestrator.ErrVoucherLimitReached)
			require.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestRedemptions(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectQuery("SELECT count\\(\\*\\) FROM voucher_redemptions").
		WithArgs("LAUNCH").
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(3))
	n, err := store.Redemptions(context.Background(), "LAUNCH")
	require.NoError(t, err)
	require.Equal(t, 3, n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUnredeemDeletesRow(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectExec("DELETE FROM voucher_redemptions").
		WithArgs("LAUNCH", int64(1)).
		WillReturnResult(pgxmock.NewResult("DELETE", 1))
	require.NoError(t, store.Unredeem(context.Background(), "LAUNCH", 1))

	mock.ExpectExec("DELETE FROM voucher_redemptions").
		WithArgs("LAUNCH", int64(2)).
		WillReturnError(errors.New("connection reset"))
	err := store.Unredeem(context.Background(), "LAUNCH", 2)
	require.ErrorContains(t, err, "delete redemption")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPingWrapsError(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	store, err := NewStoreWithPool(mock)
	require.NoError(t, err)

	mock.ExpectPing()
	require.NoError(t, store.Ping(context.Background()))

	mock.ExpectPing().WillReturnError(errors.New("conn refused"))
	require.ErrorContains(t, store.Ping(context.Background()), "ping postgres")
	require.NoError(t, mock.ExpectationsWereMet())
}
