// Package worker runs verification jobs pulled from the queue: daily-window
// reservation, debit, proxy lease, execution, and settlement.
package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/verifyd/internal/metrics"
	"github.com/JakeFAU/verifyd/internal/orchestrator"
	"github.com/JakeFAU/verifyd/internal/progress"
	"github.com/JakeFAU/verifyd/internal/proxy"
	"github.com/JakeFAU/verifyd/internal/storage"
)

const (
	defaultCost            = 1
	defaultExecTimeout     = 5 * time.Minute
	defaultMaxDeferrals    = 3
	defaultDeferralBackoff = 30 * time.Second
	defaultRefundAttempts  = 3
	defaultRefundBackoff   = 200 * time.Millisecond
)

// Config controls Worker behavior.
type Config struct {
	Cost        int64
	ExecTimeout time.Duration
	// MaxDeferrals is how many times a job may wait for a proxy before it
	// fails as unavailable.
	MaxDeferrals    int
	DeferralBackoff time.Duration
	// CooldownBetweenJobs pauses the worker after a job when more work is queued.
	CooldownBetweenJobs time.Duration
	// Topic receives outcome notifications; empty disables publishing.
	Topic string
	// RefundAttempts bounds how often a failed refund is tried before the
	// job settles without it. RefundBackoff doubles between tries.
	RefundAttempts int
	RefundBackoff  time.Duration
}

func (c Config) withDefaults() Config {
	if c.Cost <= 0 {
		c.Cost = defaultCost
	}
	if c.ExecTimeout <= 0 {
		c.ExecTimeout = defaultExecTimeout
	}
	if c.MaxDeferrals <= 0 {
		c.MaxDeferrals = defaultMaxDeferrals
	}
	if c.DeferralBackoff <= 0 {
		c.DeferralBackoff = defaultDeferralBackoff
	}
	if c.RefundAttempts <= 0 {
		c.RefundAttempts = defaultRefundAttempts
	}
	if c.RefundBackoff <= 0 {
		c.RefundBackoff = defaultRefundBackoff
	}
	return c
}

// Ledger is the slice of the credit ledger a worker needs.
type Ledger interface {
	TryDebit(ctx context.Context, jobID orchestrator.JobID, userID int64, amount int64) error
	Refund(ctx context.Context, jobID orchestrator.JobID, userID int64, amount int64) error
	RewardReferrer(ctx context.Context, userID int64) (bool, error)
	RecordOutcome(ctx context.Context, jobID orchestrator.JobID, userID int64, status orchestrator.JobStatus, reason string) error
	Forget(jobID orchestrator.JobID)
}

// ProxyPool hands out proxies and takes health feedback.
type ProxyPool interface {
	Acquire() (proxy.Lease, error)
	ReportSuccess(addr string)
	ReportFailure(addr string)
	Release(addr string)
}

// Limiter is the daily verification window.
type Limiter interface {
	TryReserve() (time.Time, error)
	Release(window time.Time)
	WaitReset(ctx context.Context) error
	Used() int
}

// Hasher digests evidence bytes.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Deps groups the collaborators shared by every worker.
type Deps struct {
	Executor  orchestrator.Executor
	Pool      ProxyPool
	Finisher  *Finisher
	Blobs     orchestrator.BlobStore
	Hasher    Hasher
	Clock     orchestrator.Clock
	Emitter   progress.Emitter
	Ledger    Ledger
	Limiter   Limiter
	JobStore  orchestrator.JobStore
	Publisher orchestrator.Publisher
}

// Worker consumes queue items and executes the verification pipeline.
type Worker struct {
	id       int
	queue    orchestrator.Queue
	executor orchestrator.Executor
	pool     ProxyPool
	ledger   Ledger
	limiter  Limiter
	blobs    orchestrator.BlobStore
	hasher   Hasher
	clock    orchestrator.Clock
	emitter  progress.Emitter
	finisher *Finisher
	tracer   trace.Tracer
	cfg      Config
	logger   *zap.Logger

	sleep func(context.Context, time.Duration) error
}

// New constructs a Worker. When deps.Finisher is nil one is built from deps.
func New(id int, queue orchestrator.Queue, deps Deps, cfg Config, logger *zap.Logger) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.withDefaults()
	finisher := deps.Finisher
	if finisher == nil {
		finisher = NewFinisher(deps, cfg, logger)
	}
	return &Worker{
		id:       id,
		queue:    queue,
		executor: deps.Executor,
		pool:     deps.Pool,
		ledger:   deps.Ledger,
		limiter:  deps.Limiter,
		blobs:    deps.Blobs,
		hasher:   deps.Hasher,
		clock:    deps.Clock,
		emitter:  deps.Emitter,
		finisher: finisher,
		tracer:   otel.Tracer("github.com/JakeFAU/verifyd/internal/worker"),
		cfg:      cfg,
		logger:   logger.With(zap.Int("worker", id)),
		sleep:    sleepContext,
	}
}

// Run blocks, consuming jobs until the context finishes or the queue closes.
func (w *Worker) Run(ctx context.Context) {
	// Once ctx ends no new job is taken; the dispatcher settles what is left.
	for ctx.Err() == nil {
		job, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, orchestrator.ErrQueueClosed) {
				return
			}
			w.logger.Error("queue dequeue failed", zap.Error(err))
			continue
		}
		metrics.SetQueueDepth(w.queue.Len())
		w.logger.Debug("dequeued job", zap.Uint64("job_id", uint64(job.ID)))
		if ran := w.processJob(ctx, job); ran {
			w.cooldown(ctx)
		}
	}
}

// processJob drives one dequeue of job. It reports whether an attempt ran.
func (w *Worker) processJob(ctx context.Context, job *orchestrator.Job) bool {
	logger := w.logger.With(zap.Uint64("job_id", uint64(job.ID)), zap.Int64("user_id", job.UserID))

	job.HeldUntil = time.Time{}

	if w.limiter != nil && job.Reservation.IsZero() {
		window, err := w.limiter.TryReserve()
		if errors.Is(err, orchestrator.ErrLimitReached) {
			logger.Info("daily limit reached, holding job")
			w.emitJob(job, progress.StageJobDeferred, "daily limit reached")
			w.requeue(ctx, job)
			if err := w.limiter.WaitReset(ctx); err != nil {
				logger.Debug("stopped waiting for daily reset", zap.Error(err))
			}
			return false
		}
		job.Reservation = window
		metrics.SetDailySlotsUsed(w.limiter.Used())
	}

	settleCtx := context.WithoutCancel(ctx)
	if !job.Charged {
		err := w.ledger.TryDebit(settleCtx, job.ID, job.UserID, w.cfg.Cost)
		switch {
		case errors.Is(err, orchestrator.ErrInsufficientCredit):
			w.finisher.settle(settleCtx, job, settlement{
				status:      orchestrator.JobStatusFailedPermanent,
				reason:      "insufficient credit",
				err:         orchestrator.ErrInsufficientCredit,
				releaseSlot: true,
			})
			return false
		case err != nil:
			logger.Error("debit failed", zap.Error(err))
			w.finisher.settle(settleCtx, job, settlement{
				status:      orchestrator.JobStatusFailedTechnical,
				reason:      "ledger unavailable",
				err:         err,
				releaseSlot: true,
			})
			return false
		}
		job.Charged = true
	}

	lease, err := w.pool.Acquire()
	if err != nil {
		w.deferJob(ctx, job, err)
		return false
	}

	w.runAttempt(ctx, job, lease, logger)
	return true
}

// deferJob records a missed proxy acquisition and either requeues the job at
// the head or fails it once its deferrals are spent.
func (w *Worker) deferJob(ctx context.Context, job *orchestrator.Job, cause error) {
	job.Deferrals++
	if job.Deferrals > w.cfg.MaxDeferrals {
		w.finisher.settle(context.WithoutCancel(ctx), job, settlement{
			status:      orchestrator.JobStatusFailedTechnical,
			reason:      "no proxy available",
			err:         orchestrator.ErrNoProxyAvailable,
			refund:      true,
			releaseSlot: true,
		})
		return
	}
	w.logger.Info("no healthy proxy, deferring job",
		zap.Uint64("job_id", uint64(job.ID)),
		zap.Int("deferrals", job.Deferrals),
		zap.Error(cause),
	)
	w.emitJob(job, progress.StageJobDeferred, cause.Error())
	w.finisher.persist(context.WithoutCancel(ctx), job)
	// The queue holds the job at its head, where it can still be cancelled.
	job.HeldUntil = w.clock.Now().Add(w.cfg.DeferralBackoff)
	w.requeue(ctx, job)
}

func (w *Worker) runAttempt(ctx context.Context, job *orchestrator.Job, lease proxy.Lease, logger *zap.Logger) {
	addr := lease.Address()
	logger = logger.With(zap.String("proxy", proxy.Redact(addr)), zap.Bool("trial", lease.Trial))

	started := w.clock.Now()
	job.Status = orchestrator.JobStatusRunning
	job.StartedAt = &started
	job.ProxyAddress = proxy.Redact(addr)
	settleCtx := context.WithoutCancel(ctx)
	w.finisher.persist(settleCtx, job)
	w.emitJob(job, progress.StageJobStart, "")
	logger.Info("verification started")

	metrics.IncActiveWorkers()
	outcome := w.execute(ctx, job, lease)
	metrics.DecActiveWorkers()

	switch outcome.Kind {
	case orchestrator.OutcomeSuccess:
		w.pool.ReportSuccess(addr)
		w.storeEvidence(settleCtx, job, outcome.Evidence, logger)
		if _, err := w.ledger.RewardReferrer(settleCtx, job.UserID); err != nil {
			logger.Error("referral reward failed", zap.Error(err))
		}
		w.finisher.settle(settleCtx, job, settlement{
			status:    orchestrator.JobStatusSucceeded,
			attempted: true,
		})
	case orchestrator.OutcomePermanentFailure:
		w.pool.Release(addr)
		w.finisher.settle(settleCtx, job, settlement{
			status:    orchestrator.JobStatusFailedPermanent,
			reason:    outcome.Reason,
			attempted: true,
		})
	default:
		w.pool.ReportFailure(addr)
		w.finisher.settle(settleCtx, job, settlement{
			status:    orchestrator.JobStatusFailedTechnical,
			reason:    outcome.Reason,
			refund:    true,
			attempted: true,
		})
	}
}

// execute runs the executor under ExecTimeout. Panics, timeouts and unknown
// outcome kinds become technical failures. Shutdown does not cut an attempt
// short; only the timeout does.
func (w *Worker) execute(ctx context.Context, job *orchestrator.Job, lease proxy.Lease) orchestrator.Outcome {
	execCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.cfg.ExecTimeout)
	defer cancel()
	execCtx, span := w.tracer.Start(execCtx, "verification.execute", trace.WithAttributes(
		attribute.Int64("verifyd.job_id", int64(job.ID)),
		attribute.Int64("verifyd.user_id", job.UserID),
		attribute.String("verifyd.proxy", proxy.DisplayName(lease.Address())),
		attribute.Bool("verifyd.trial", lease.Trial),
	))
	defer span.End()

	if w.executor == nil {
		return orchestrator.TechnicalFailure("no executor configured")
	}
	done := make(chan orchestrator.Outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- orchestrator.TechnicalFailure(fmt.Sprintf("executor panic: %v", r))
			}
		}()
		done <- w.executor.Execute(execCtx, job.Payload, lease.Proxy)
	}()

	var outcome orchestrator.Outcome
	select {
	case outcome = <-done:
	case <-execCtx.Done():
		outcome = orchestrator.TechnicalFailure("execution timed out")
	}
	switch outcome.Kind {
	case orchestrator.OutcomeSuccess, orchestrator.OutcomeTechnicalFailure, orchestrator.OutcomePermanentFailure:
	default:
		outcome = orchestrator.TechnicalFailure(fmt.Sprintf("unknown outcome kind %q", outcome.Kind))
	}
	span.SetAttributes(attribute.String("verifyd.outcome", string(outcome.Kind)))
	if outcome.Kind != orchestrator.OutcomeSuccess {
		span.SetStatus(codes.Error, outcome.Reason)
	}
	return outcome
}

// storeEvidence records the evidence digest and uploads the bytes. Failures
// are logged; they never change the job's outcome.
func (w *Worker) storeEvidence(ctx context.Context, job *orchestrator.Job, evidence []byte, logger *zap.Logger) {
	if len(evidence) == 0 {
		return
	}
	if w.hasher != nil {
		sum, err := w.hasher.Hash(evidence)
		if err != nil {
			logger.Warn("hash evidence failed", zap.Error(err))
		}
		job.EvidenceSHA256 = sum
	}
	if w.blobs == nil {
		return
	}
	path := storage.EvidencePath(job.ID, job.UserID, w.clock.Now())
	uri, err := w.blobs.PutObject(ctx, path, storage.ContentType(evidence), bytes.NewReader(evidence))
	if err != nil {
		logger.Error("store evidence failed", zap.String("path", path), zap.Error(err))
		return
	}
	job.EvidenceURI = uri
}

// requeue puts job back at the head of the queue. If the queue is closed the
// job is cancelled here, since no drain will see it.
func (w *Worker) requeue(ctx context.Context, job *orchestrator.Job) {
	if err := w.queue.PushFront(job); err != nil {
		w.logger.Info("queue closed, cancelling job",
			zap.Uint64("job_id", uint64(job.ID)),
			zap.Error(err),
		)
		w.finisher.Cancel(context.WithoutCancel(ctx), job, "shutting down")
	}
}

func (w *Worker) cooldown(ctx context.Context) {
	if w.cfg.CooldownBetweenJobs <= 0 || w.queue.Len() == 0 {
		return
	}
	if err := w.sleep(ctx, w.cfg.CooldownBetweenJobs); err != nil {
		w.logger.Debug("cooldown interrupted", zap.Error(err))
	}
}

func (w *Worker) emitJob(job *orchestrator.Job, stage progress.Stage, note string) {
	if w.emitter == nil {
		return
	}
	w.emitter.Emit(progress.Event{
		JobID:  job.ID,
		UserID: job.UserID,
		TS:     w.clock.Now(),
		Stage:  stage,
		Proxy:  job.ProxyAddress,
		Note:   note,
	})
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Nudger releases jobs the queue is holding for a proxy.
type Nudger interface {
	Nudge()
}

// ChangeNotifier signals proxy state changes.
type ChangeNotifier interface {
	Changed() <-chan struct{}
}

// WakeOnRecovery nudges q whenever the proxy pool changes state, so a held
// job is retried as soon as a proxy can take it. It returns when ctx ends.
func WakeOnRecovery(ctx context.Context, pool ChangeNotifier, q Nudger) {
	changed := pool.Changed()
	for {
		select {
		case <-ctx.Done():
			return
		case <-changed:
			changed = pool.Changed()
			q.Nudge()
		}
	}
}
