package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// Category groups terminal results into user-facing message families.
type Category string

// One category per terminal result.
const (
	CategorySuccess     Category = "success"
	CategoryRefunded    Category = "refunded"
	CategoryNoCredit    Category = "no_credit"
	CategoryRejected    Category = "rejected"
	CategoryCancelled   Category = "cancelled"
	CategoryUnavailable Category = "unavailable"
)

// Result is the terminal state delivered through a Handle.
type Result struct {
	JobID    JobID
	Status   JobStatus
	Reason   string
	Err      error
	Refunded bool
}

// Category maps the result to exactly one message family.
func (r Result) Category() Category {
	switch r.Status {
	case JobStatusSucceeded:
		return CategorySuccess
	case JobStatusCancelled:
		return CategoryCancelled
	case JobStatusFailedTechnical:
		if errors.Is(r.Err, ErrNoProxyAvailable) {
			return CategoryUnavailable
		}
		return CategoryRefunded
	case JobStatusFailedPermanent:
		if errors.Is(r.Err, ErrInsufficientCredit) {
			return CategoryNoCredit
		}
		return CategoryRejected
	default:
		return CategoryRejected
	}
}

// Handle lets a submitter observe a job's terminal result.
type Handle struct {
	id     JobID
	once   sync.Once
	done   chan struct{}
	result Result
}

func newHandle(id JobID) *Handle {
	return &Handle{id: id, done: make(chan struct{})}
}

// ID returns the job identifier.
func (h *Handle) ID() JobID {
	return h.id
}

// Done is closed once the job reaches a terminal status.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Result returns the terminal result and whether it is available yet.
func (h *Handle) Result() (Result, bool) {
	select {
	case <-h.done:
		return h.result, true
	default:
		return Result{}, false
	}
}

// Wait blocks until the job finishes or ctx ends.
func (h *Handle) Wait(ctx context.Context) (Result, error) {
	select {
	case <-h.done:
		return h.result, nil
	case <-ctx.Done():
		return Result{}, fmt.Errorf("wait for job %d: %w", h.id, ctx.Err())
	}
}

// Resolve publishes the terminal result. Only the first call has any effect;
// it reports whether this call was the one that resolved the handle.
func (h *Handle) Resolve(res Result) bool {
	resolved := false
	h.once.Do(func() {
		res.JobID = h.id
		h.result = res
		close(h.done)
		resolved = true
	})
	return resolved
}
