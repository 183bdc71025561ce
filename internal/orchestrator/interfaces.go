package orchestrator

import (
	"context"
	"io"
	"time"
)

// Executor performs one verification attempt through the given proxy. The
// attempt must honor ctx, which carries the per-attempt timeout.
type Executor interface {
	Execute(ctx context.Context, payload Payload, proxy Proxy) Outcome
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, payload Payload, proxy Proxy) Outcome

// Execute calls f.
func (f ExecutorFunc) Execute(ctx context.Context, payload Payload, proxy Proxy) Outcome {
	return f(ctx, payload, proxy)
}

// AccountStore persists accounts. SaveAccount must be atomic per account.
type AccountStore interface {
	LoadAccount(ctx context.Context, userID int64) (Account, error)
	SaveAccount(ctx context.Context, account Account) error
	FindByReferralCode(ctx context.Context, code string) (Account, error)
}

// StatsStore appends stat events and serves the aggregate counters.
type StatsStore interface {
	AppendStatEvent(ctx context.Context, event StatEvent) error
	Stats(ctx context.Context) (Stats, error)
}

// VoucherStore records voucher redemptions. Redeem must fail with
// ErrVoucherLimitReached when the user already redeemed code or when max
// redemptions are used up, and must be atomic per code. Unredeem removes a
// redemption whose credit could not be granted.
type VoucherStore interface {
	Redeem(ctx context.Context, code string, userID int64, maxRedemptions int) error
	Unredeem(ctx context.Context, code string, userID int64) error
	Redemptions(ctx context.Context, code string) (int, error)
}

// JobStore keeps job snapshots for status lookups after dequeue.
type JobStore interface {
	SaveJob(ctx context.Context, job Job) error
	GetJob(ctx context.Context, id JobID) (Job, error)
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Publisher pushes completion events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Queue provides FIFO semantics for verification jobs.
type Queue interface {
	Enqueue(ctx context.Context, job *Job) error
	Dequeue(ctx context.Context) (*Job, error)
	PushFront(job *Job) error
	Cancel(id JobID) (*Job, bool)
	Len() int
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces opaque string IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
