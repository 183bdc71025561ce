package worker

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/verifyd/internal/metrics"
	"github.com/JakeFAU/verifyd/internal/orchestrator"
	"github.com/JakeFAU/verifyd/internal/progress"
	"github.com/JakeFAU/verifyd/internal/publisher"
)

// Finisher moves jobs into a terminal status: refund, daily slot release,
// persistence, notification, and handle resolution.
type Finisher struct {
	ledger    Ledger
	limiter   Limiter
	jobs      orchestrator.JobStore
	publisher orchestrator.Publisher
	emitter   progress.Emitter
	clock     orchestrator.Clock
	cost      int64
	topic     string
	logger    *zap.Logger

	refundAttempts int
	refundBackoff  time.Duration
	sleep          func(context.Context, time.Duration) error
}

// NewFinisher builds a Finisher from the shared worker dependencies.
func NewFinisher(deps Deps, cfg Config, logger *zap.Logger) *Finisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.withDefaults()
	return &Finisher{
		ledger:    deps.Ledger,
		limiter:   deps.Limiter,
		jobs:      deps.JobStore,
		publisher: deps.Publisher,
		emitter:   deps.Emitter,
		clock:     deps.Clock,
		cost:      cfg.Cost,
		topic:     cfg.Topic,
		logger:    logger,

		refundAttempts: cfg.RefundAttempts,
		refundBackoff:  cfg.RefundBackoff,
		sleep:          sleepContext,
	}
}

type settlement struct {
	status orchestrator.JobStatus
	reason string
	err    error
	// refund returns the job's charge when it was debited.
	refund bool
	// releaseSlot hands the daily reservation back.
	releaseSlot bool
	// attempted marks an executed attempt; only those count as verifications.
	attempted bool
}

// Cancel settles job as cancelled, refunding any charge and returning its
// daily slot. It is a no-op for jobs that already finished.
func (f *Finisher) Cancel(ctx context.Context, job *orchestrator.Job, reason string) {
	f.settle(ctx, job, settlement{
		status:      orchestrator.JobStatusCancelled,
		reason:      reason,
		refund:      true,
		releaseSlot: true,
	})
}

func (f *Finisher) settle(ctx context.Context, job *orchestrator.Job, s settlement) {
	if job.Status.Terminal() {
		return
	}
	logger := f.logger.With(
		zap.Uint64("job_id", uint64(job.ID)),
		zap.Int64("user_id", job.UserID),
		zap.String("status", string(s.status)),
	)

	if s.refund && job.Charged && !job.Refunded {
		f.refund(ctx, job, logger)
	}
	if s.releaseSlot && f.limiter != nil && !job.Reservation.IsZero() {
		f.limiter.Release(job.Reservation)
		job.Reservation = time.Time{}
		metrics.SetDailySlotsUsed(f.limiter.Used())
	}

	finished := f.clock.Now()
	job.Status = s.status
	job.Reason = s.reason
	job.FinishedAt = &finished

	if s.attempted && f.ledger != nil {
		if err := f.ledger.RecordOutcome(ctx, job.ID, job.UserID, s.status, s.reason); err != nil {
			logger.Error("record outcome failed", zap.Error(err))
		}
	}
	f.persist(ctx, job)

	res := orchestrator.Result{
		JobID:    job.ID,
		Status:   s.status,
		Reason:   s.reason,
		Err:      s.err,
		Refunded: job.Refunded,
	}
	f.notify(ctx, job, res, logger)

	if f.emitter != nil {
		evt := progress.Event{
			JobID:  job.ID,
			UserID: job.UserID,
			TS:     finished,
			Stage:  progress.StageJobDone,
			Status: s.status,
			Proxy:  job.ProxyAddress,
			Note:   s.reason,
		}
		if job.StartedAt != nil {
			evt.Dur = finished.Sub(*job.StartedAt)
		}
		f.emitter.Emit(evt)
	}
	logger.Info("job finished", zap.String("reason", s.reason), zap.Bool("refunded", job.Refunded))

	if job.Charged && f.ledger != nil {
		f.ledger.Forget(job.ID)
	}
	if h := job.Handle(); h != nil {
		h.Resolve(res)
	}
}

// refund returns the job's charge, retrying store failures with a doubling
// backoff. A refund that never lands is logged and counted as refund_lost so
// it can be reconciled from the job record (charged, not refunded).
func (f *Finisher) refund(ctx context.Context, job *orchestrator.Job, logger *zap.Logger) {
	backoff := f.refundBackoff
	var err error
retry:
	for attempt := 1; ; attempt++ {
		err = f.ledger.Refund(ctx, job.ID, job.UserID, f.cost)
		switch {
		case err == nil:
			job.Refunded = true
			return
		case errors.Is(err, orchestrator.ErrAlreadyRefunded):
			logger.Debug("job already refunded")
			job.Refunded = true
			return
		case errors.Is(err, orchestrator.ErrNotDebited), attempt >= f.refundAttempts:
			break retry
		}
		logger.Warn("refund failed, retrying", zap.Int("attempt", attempt), zap.Error(err))
		if f.sleep(ctx, backoff) != nil {
			break
		}
		backoff *= 2
	}
	metrics.ObserveLedger("refund_lost", err)
	logger.Error("refund lost",
		zap.Int64("amount", f.cost),
		zap.Int("attempts", f.refundAttempts),
		zap.Error(err),
	)
}
