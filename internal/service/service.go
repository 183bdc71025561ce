// Package service is the front-end facing facade over the verification core:
// submission, cancellation, status lookups, and account operations.
package service

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/verifyd/internal/ledger"
	"github.com/JakeFAU/verifyd/internal/metrics"
	"github.com/JakeFAU/verifyd/internal/orchestrator"
	"github.com/JakeFAU/verifyd/internal/policy/daily"
	"github.com/JakeFAU/verifyd/internal/progress"
	"github.com/JakeFAU/verifyd/internal/proxy"
)

// Queue is the job queue as seen by submitters.
type Queue interface {
	orchestrator.Queue
	Position(id orchestrator.JobID) int
}

// Ledger is the credit ledger as seen by submitters.
type Ledger interface {
	EnsureAccount(ctx context.Context, userID int64) (orchestrator.Account, bool, error)
	Account(ctx context.Context, userID int64) (orchestrator.Account, error)
	Balance(ctx context.Context, userID int64) (int64, error)
	ApplyReferral(ctx context.Context, userID int64, code string) (int64, error)
	RedeemVoucher(ctx context.Context, userID int64, code string) (int64, error)
}

// DailyWindow reports the daily verification window.
type DailyWindow interface {
	Policy() daily.Policy
	Limit() int
	Used() int
	Exhausted() bool
	ResetAt() time.Time
}

// ProxyPool reports proxy health.
type ProxyPool interface {
	Snapshot() []orchestrator.Proxy
	HealthyCount() int
}

// Throttle limits per-user submission rate.
type Throttle interface {
	Allow(userID int64) bool
}

// Canceller settles a job that is removed before it ran.
type Canceller interface {
	Cancel(ctx context.Context, job *orchestrator.Job, reason string)
}

// JobLister is implemented by job stores that can list a user's history.
type JobLister interface {
	ListByUser(ctx context.Context, userID int64, limit int) ([]orchestrator.Job, error)
}

// Config controls submission checks.
type Config struct {
	// Cost is the credit price of one verification.
	Cost    int64
	Workers int
}

// Deps groups the Service collaborators. Limiter and Throttle are optional.
type Deps struct {
	Queue     Queue
	Ledger    Ledger
	Jobs      orchestrator.JobStore
	Stats     orchestrator.StatsStore
	Limiter   DailyWindow
	Pool      ProxyPool
	Throttle  Throttle
	Canceller Canceller
	Emitter   progress.Emitter
	Clock     orchestrator.Clock
}

// Service implements the front-end operations.
type Service struct {
	deps   Deps
	cfg    Config
	nextID atomic.Uint64
	logger *zap.Logger
}

// New builds a Service. Job IDs continue after lastID, so a restarted
// process never reuses an ID already persisted.
func New(deps Deps, cfg Config, lastID orchestrator.JobID, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Cost <= 0 {
		cfg.Cost = 1
	}
	s := &Service{deps: deps, cfg: cfg, logger: logger}
	s.nextID.Store(uint64(lastID))
	return s
}

// Submit validates and enqueues a verification job for userID. The account is
// created on first contact. Jobs are rejected up front, with no ledger
// mutation, when the user cannot pay or the daily window rejects work.
func (s *Service) Submit(ctx context.Context, userID int64, payload orchestrator.Payload) (*orchestrator.Handle, error) {
	logger := s.logger.With(zap.Int64("user_id", userID))
	if s.deps.Throttle != nil && !s.deps.Throttle.Allow(userID) {
		metrics.ObserveSubmission("throttled")
		return nil, orchestrator.ErrRateLimited
	}
	acct, _, err := s.deps.Ledger.EnsureAccount(ctx, userID)
	if err != nil {
		metrics.ObserveSubmission("error")
		return nil, fmt.Errorf("ensure account: %w", err)
	}
	if w := s.deps.Limiter; w != nil && w.Policy() == daily.PolicyReject && w.Exhausted() {
		metrics.ObserveSubmission("limit_reached")
		return nil, orchestrator.ErrLimitReached
	}
	if acct.CreditBalance < s.cfg.Cost {
		metrics.ObserveSubmission("no_credit")
		return nil, orchestrator.ErrInsufficientCredit
	}

	job := orchestrator.NewJob(orchestrator.JobID(s.nextID.Add(1)), userID, payload, s.deps.Clock.Now())
	if s.deps.Jobs != nil {
		if err := s.deps.Jobs.SaveJob(ctx, job.Snapshot()); err != nil {
			metrics.ObserveSubmission("error")
			return nil, fmt.Errorf("save job: %w", err)
		}
	}
	if err := s.deps.Queue.Enqueue(ctx, job); err != nil {
		metrics.ObserveSubmission("error")
		s.discard(ctx, job)
		return nil, fmt.Errorf("enqueue job: %w", err)
	}
	metrics.ObserveSubmission("accepted")
	metrics.SetQueueDepth(s.deps.Queue.Len())
	if s.deps.Emitter != nil {
		s.deps.Emitter.Emit(progress.Event{
			JobID:  job.ID,
			UserID: userID,
			TS:     job.SubmittedAt,
			Stage:  progress.StageJobQueued,
		})
	}
	logger.Info("job queued", zap.Uint64("job_id", uint64(job.ID)))
	return job.Handle(), nil
}

// discard marks a job that never made it into the queue as cancelled.
func (s *Service) discard(ctx context.Context, job *orchestrator.Job) {
	if s.deps.Canceller != nil {
		s.deps.Canceller.Cancel(context.WithoutCancel(ctx), job, "not queued")
	}
}

// Cancel removes a still-queued job. It reports false when the job already
// started, finished, or is unknown.
func (s *Service) Cancel(ctx context.Context, id orchestrator.JobID) bool {
	job, ok := s.deps.Queue.Cancel(id)
	if !ok {
		return false
	}
	metrics.SetQueueDepth(s.deps.Queue.Len())
	if s.deps.Canceller != nil {
		s.deps.Canceller.Cancel(ctx, job, "cancelled by user")
	}
	return true
}

// JobStatus is a job snapshot plus its place in line while queued.
type JobStatus struct {
	orchestrator.Job
	Position int `json:"position,omitempty"`
}

// Status returns the latest snapshot of a job.
func (s *Service) Status(ctx context.Context, id orchestrator.JobID) (JobStatus, error) {
	if s.deps.Jobs == nil {
		return JobStatus{}, orchestrator.ErrJobNotFound
	}
	job, err := s.deps.Jobs.GetJob(ctx, id)
	if err != nil {
		return JobStatus{}, fmt.Errorf("job %d: %w", id, err)
	}
	return JobStatus{Job: job, Position: s.deps.Queue.Position(id)}, nil
}

// History lists a user's recent jobs when the job store supports it.
func (s *Service) History(ctx context.Context, userID int64, limit int) ([]orchestrator.Job, error) {
	lister, ok := s.deps.Jobs.(JobLister)
	if !ok {
		return nil, nil
	}
	jobs, err := lister.ListByUser(ctx, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return jobs, nil
}

// Register creates the user's account if needed and, when referralCode is
// set, links the account to its referrer.
func (s *Service) Register(ctx context.Context, userID int64, referralCode string) (orchestrator.Account, bool, error) {
	acct, created, err := s.deps.Ledger.EnsureAccount(ctx, userID)
	if err != nil {
		return orchestrator.Account{}, false, fmt.Errorf("ensure account: %w", err)
	}
	if referralCode == "" {
		return acct, created, nil
	}
	if _, err := s.deps.Ledger.ApplyReferral(ctx, userID, referralCode); err != nil {
		return acct, created, fmt.Errorf("apply referral: %w", err)
	}
	acct, err = s.deps.Ledger.Account(ctx, userID)
	if err != nil {
		return orchestrator.Account{}, created, fmt.Errorf("reload account: %w", err)
	}
	return acct, created, nil
}

// Account returns the user's account.
func (s *Service) Account(ctx context.Context, userID int64) (orchestrator.Account, error) {
	acct, err := s.deps.Ledger.Account(ctx, userID)
	if err != nil {
		return orchestrator.Account{}, fmt.Errorf("account %d: %w", userID, err)
	}
	return acct, nil
}

// Balance returns the user's credit balance.
func (s *Service) Balance(ctx context.Context, userID int64) (int64, error) {
	balance, err := s.deps.Ledger.Balance(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("balance %d: %w", userID, err)
	}
	return balance, nil
}

// RedeemVoucher applies a voucher code and returns the credits granted.
func (s *Service) RedeemVoucher(ctx context.Context, userID int64, code string) (int64, error) {
	if _, _, err := s.deps.Ledger.EnsureAccount(ctx, userID); err != nil {
		return 0, fmt.Errorf("ensure account: %w", err)
	}
	amount, err := s.deps.Ledger.RedeemVoucher(ctx, userID, code)
	if err != nil {
		return 0, fmt.Errorf("redeem voucher: %w", err)
	}
	return amount, nil
}

// VoucherOutcome maps a RedeemVoucher error to its outcome name.
func VoucherOutcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, orchestrator.ErrVoucherInvalid):
		return "invalid"
	case errors.Is(err, orchestrator.ErrVoucherExpired):
		return "expired"
	case errors.Is(err, orchestrator.ErrVoucherLimitReached):
		return "limit_reached"
	default:
		return "error"
	}
}

// QueueStatus summarizes the engine for status screens.
type QueueStatus struct {
	Length         int       `json:"length"`
	Workers        int       `json:"workers"`
	HealthyProxies int       `json:"healthy_proxies"`
	TotalProxies   int       `json:"total_proxies"`
	DailyUsed      int       `json:"daily_used"`
	DailyLimit     int       `json:"daily_limit"`
	ResetAt        time.Time `json:"reset_at,omitzero"`
}

// QueueStatus reports queue length, worker count, proxy health and the
// daily window.
func (s *Service) QueueStatus() QueueStatus {
	st := QueueStatus{
		Length:  s.deps.Queue.Len(),
		Workers: s.cfg.Workers,
	}
	if s.deps.Pool != nil {
		st.HealthyProxies = s.deps.Pool.HealthyCount()
		st.TotalProxies = len(s.deps.Pool.Snapshot())
	}
	if w := s.deps.Limiter; w != nil {
		st.DailyUsed = w.Used()
		st.DailyLimit = w.Limit()
		st.ResetAt = w.ResetAt()
	}
	return st
}

// Proxies returns proxy snapshots with credentials stripped.
func (s *Service) Proxies() []orchestrator.Proxy {
	if s.deps.Pool == nil {
		return nil
	}
	snap := s.deps.Pool.Snapshot()
	for i := range snap {
		snap[i].Address = proxy.Redact(snap[i].Address)
	}
	return snap
}

// Stats returns the global verification counters.
func (s *Service) Stats(ctx context.Context) (orchestrator.Stats, error) {
	if s.deps.Stats == nil {
		return orchestrator.Stats{}, nil
	}
	stats, err := s.deps.Stats.Stats(ctx)
	if err != nil {
		return orchestrator.Stats{}, fmt.Errorf("stats: %w", err)
	}
	return stats, nil
}

var _ Ledger = (*ledger.Ledger)(nil)
