// Package memory provides the in-process FIFO job queue.
package memory

import (
	"container/list"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/JakeFAU/verifyd/internal/orchestrator"
)

// Queue is an unbounded strict-FIFO queue with context-aware operations.
// Each job is handed to exactly one Dequeue caller. A job pushed back with a
// HeldUntil time stays at the head, still cancellable, until that time
// passes or Nudge releases it.
type Queue struct {
	mu     sync.Mutex
	items  *list.List
	index  map[orchestrator.JobID]*list.Element
	held   map[orchestrator.JobID]time.Time
	ready  chan struct{}
	closed bool
	now    func() time.Time
}

// Option configures a Queue.
type Option func(*Queue)

// WithClock sets the clock hold times are compared against.
func WithClock(clock orchestrator.Clock) Option {
	return func(q *Queue) {
		if clock != nil {
			q.now = clock.Now
		}
	}
}

// NewQueue constructs an empty queue.
func NewQueue(opts ...Option) *Queue {
	q := &Queue{
		items: list.New(),
		index: make(map[orchestrator.JobID]*list.Element),
		held:  make(map[orchestrator.JobID]time.Time),
		ready: make(chan struct{}),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Enqueue appends a job at the tail, or fails once the queue is closed.
func (q *Queue) Enqueue(ctx context.Context, job *orchestrator.Job) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("enqueue canceled: %w", err)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return orchestrator.ErrQueueClosed
	}
	if _, exists := q.index[job.ID]; exists {
		return fmt.Errorf("job %d already queued", job.ID)
	}
	q.index[job.ID] = q.items.PushBack(job)
	q.signalLocked()
	return nil
}

// PushFront reinserts a job at the head so it is the next one dequeued. When
// job.HeldUntil is set the head is not handed out before then.
func (q *Queue) PushFront(job *orchestrator.Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return orchestrator.ErrQueueClosed
	}
	if _, exists := q.index[job.ID]; exists {
		return fmt.Errorf("job %d already queued", job.ID)
	}
	q.index[job.ID] = q.items.PushFront(job)
	if !job.HeldUntil.IsZero() {
		q.held[job.ID] = job.HeldUntil
	}
	q.signalLocked()
	return nil
}

// Dequeue pops the oldest job, blocking while the queue is empty or its head
// is held. A held head blocks the jobs behind it.
func (q *Queue) Dequeue(ctx context.Context) (*orchestrator.Job, error) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return nil, orchestrator.ErrQueueClosed
		}
		var wait time.Duration
		if front := q.items.Front(); front != nil {
			job, _ := front.Value.(*orchestrator.Job)
			if until, ok := q.held[job.ID]; ok {
				wait = until.Sub(q.now())
			}
			if wait <= 0 {
				q.items.Remove(front)
				q.forgetLocked(job.ID)
				q.mu.Unlock()
				return job, nil
			}
		}
		ready := q.ready
		q.mu.Unlock()

		if err := waitReady(ctx, ready, wait); err != nil {
			return nil, err
		}
	}
}

func waitReady(ctx context.Context, ready <-chan struct{}, wait time.Duration) error {
	var expired <-chan time.Time
	if wait > 0 {
		timer := time.NewTimer(wait)
		defer timer.Stop()
		expired = timer.C
	}
	select {
	case <-ctx.Done():
		return fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case <-ready:
	case <-expired:
	}
	return nil
}

// Nudge releases every held job, typically because a proxy became usable.
func (q *Queue) Nudge() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.held) == 0 {
		return
	}
	clear(q.held)
	q.signalLocked()
}

// Cancel removes a still-queued job. It reports false when the job is not
// waiting in the queue (already dispatched, finished, or unknown).
func (q *Queue) Cancel(id orchestrator.JobID) (*orchestrator.Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	elem, ok := q.index[id]
	if !ok {
		return nil, false
	}
	job, _ := q.items.Remove(elem).(*orchestrator.Job)
	q.forgetLocked(id)
	// A Dequeue blocked on this job's hold must look at the new head.
	q.signalLocked()
	return job, true
}

// Len returns the number of waiting jobs.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Len()
}

// Position returns the 1-based ticket number of a waiting job, or 0. It
// walks the queue from the head, so it is O(n) in the queue length.
func (q *Queue) Position(id orchestrator.JobID) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.index[id]; !ok {
		return 0
	}
	pos := 1
	for e := q.items.Front(); e != nil; e = e.Next() {
		if job, _ := e.Value.(*orchestrator.Job); job != nil && job.ID == id {
			return pos
		}
		pos++
	}
	return 0
}

// Close stops the queue and wakes every blocked Dequeue. It is safe to call
// more than once.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.ready)
}

// Drain removes and returns every waiting job in FIFO order. It is meant for
// shutdown, after Close.
func (q *Queue) Drain() []*orchestrator.Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*orchestrator.Job, 0, q.items.Len())
	for e := q.items.Front(); e != nil; e = e.Next() {
		if job, _ := e.Value.(*orchestrator.Job); job != nil {
			out = append(out, job)
		}
	}
	q.items.Init()
	q.index = make(map[orchestrator.JobID]*list.Element)
	clear(q.held)
	return out
}

func (q *Queue) forgetLocked(id orchestrator.JobID) {
	delete(q.index, id)
	delete(q.held, id)
}

func (q *Queue) signalLocked() {
	if q.closed {
		// Close already woke every waiter and left ready closed.
		return
	}
	close(q.ready)
	q.ready = make(chan struct{})
}
