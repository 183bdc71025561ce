// Package dispatcher manages worker fan-out over the job queue.
package dispatcher

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/verifyd/internal/orchestrator"
)

// Queue is the job queue plus the shutdown hooks the dispatcher drives.
type Queue interface {
	orchestrator.Queue
	Close()
	Drain() []*orchestrator.Job
}

// Runner is a worker loop.
type Runner interface {
	Run(ctx context.Context)
}

// Canceller settles jobs that never ran.
type Canceller interface {
	Cancel(ctx context.Context, job *orchestrator.Job, reason string)
}

// Dispatcher fans out queue work to a pool of workers.
type Dispatcher struct {
	queue     Queue
	workers   []Runner
	canceller Canceller
	logger    *zap.Logger
}

// New creates a Dispatcher.
func New(queue Queue, workers []Runner, canceller Canceller, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		queue:     queue,
		workers:   workers,
		canceller: canceller,
		logger:    logger,
	}
}

// Run starts all workers and blocks until the context finishes. On shutdown
// the queue is closed, in-flight attempts finish, and jobs still waiting are
// cancelled with a refund.
func (d *Dispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, w := range d.workers {
		wg.Add(1)
		go func(wk Runner) {
			defer wg.Done()
			wk.Run(ctx)
		}(w)
	}
	<-ctx.Done()
	d.queue.Close()
	wg.Wait()

	pending := d.queue.Drain()
	if len(pending) > 0 {
		d.logger.Info("cancelling queued jobs on shutdown", zap.Int("count", len(pending)))
	}
	shutdownCtx := context.WithoutCancel(ctx)
	for _, job := range pending {
		if d.canceller != nil {
			d.canceller.Cancel(shutdownCtx, job, "shutting down")
		}
	}
}

// Enqueue proxies to the underlying queue.
func (d *Dispatcher) Enqueue(ctx context.Context, job *orchestrator.Job) error {
	if err := d.queue.Enqueue(ctx, job); err != nil {
		return fmt.Errorf("queue enqueue: %w", err)
	}
	return nil
}
