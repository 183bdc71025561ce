package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/verifyd/internal/orchestrator"
)

func newJob(id orchestrator.JobID) *orchestrator.Job {
	return orchestrator.NewJob(id, 1, nil, time.Unix(int64(id), 0))
}

func TestQueueEnqueueDequeue(t *testing.T) {
	t.Parallel()

	q := NewQueue()
	result := make(chan *orchestrator.Job, 1)
	errCh := make(chan error, 1)

	go func() {
		job, err := q.Dequeue(context.Background())
		if err != nil {
			errCh <- err
			return
		}
		result <- job
	}()

	time.Sleep(10 * time.Millisecond) // allow goroutine to block
	if err := q.Enqueue(context.Background(), newJob(1)); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	select {
	case err := <-errCh:
		t.Fatalf("Dequeue() error = %v", err)
	case got := <-result:
		if got.ID != 1 {
			t.Fatalf("expected job 1, got %+v", got)
		}
	case <-time.After(time.Second):
		t.Fatal("dequeue did not return job")
	}
}

func TestQueueStrictFIFO(t *testing.T) {
	t.Parallel()

	q := NewQueue()
	ctx := context.Background()
	for i := 1; i <= 50; i++ {
		require.NoError(t, q.Enqueue(ctx, newJob(orchestrator.JobID(i))))
	}
	for i := 1; i <= 50; i++ {
		job, err := q.Dequeue(ctx)
		require.NoError(t, err)
		require.Equal(t, orchestrator.JobID(i), job.ID)
	}
	require.Zero(t, q.Len())
}

func TestQueueConcurrentDequeueNoDuplicates(t *testing.T) {
	t.Parallel()

	const total = 500
	q := NewQueue()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		mu   sync.Mutex
		seen = make(map[orchestrator.JobID]int)
		wg   sync.WaitGroup
	)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var last orchestrator.JobID
			for {
				job, err := q.Dequeue(ctx)
				if err != nil {
					return
				}
				// Each consumer observes a strictly increasing subsequence.
				if job.ID <= last {
					t.Errorf("out of order: %d after %d", job.ID, last)
				}
				last = job.ID
				mu.Lock()
				seen[job.ID]++
				done := len(seen) == total
				mu.Unlock()
				if done {
					cancel()
				}
			}
		}()
	}
	for i := 1; i <= total; i++ {
		require.NoError(t, q.Enqueue(context.Background(), newJob(orchestrator.JobID(i))))
	}
	wg.Wait()

	require.Len(t, seen, total)
	for id, n := range seen {
		require.Equalf(t, 1, n, "job %d dispatched %d times", id, n)
	}
}

func TestQueueCancel(t *testing.T) {
	t.Parallel()

	q := NewQueue()
	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, newJob(1)))
	require.NoError(t, q.Enqueue(ctx, newJob(2)))
	require.NoError(t, q.Enqueue(ctx, newJob(3)))
	require.Equal(t, 2, q.Position(2))

	job, ok := q.Cancel(2)
	require.True(t, ok)
	require.Equal(t, orchestrator.JobID(2), job.ID)
	_, ok = q.Cancel(2)
	require.False(t, ok, "second cancel must be a no-op")
	require.Zero(t, q.Position(2))

	first, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.Equal(t, orchestrator.JobID(1), first.ID)
	_, ok = q.Cancel(1)
	require.False(t, ok, "dispatched job cannot be cancelled")

	next, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.Equal(t, orchestrator.JobID(3), next.ID)
}

func TestQueuePushFront(t *testing.T) {
	t.Parallel()

	q := NewQueue()
	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, newJob(1)))
	require.NoError(t, q.Enqueue(ctx, newJob(2)))

	head, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NoError(t, q.PushFront(head))
	require.Error(t, q.PushFront(head), "duplicate insert rejected")

	again, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.Equal(t, orchestrator.JobID(1), again.ID)
}

func TestQueueCancelationErrors(t *testing.T) {
	t.Parallel()

	q := NewQueue()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := q.Dequeue(ctx); err == nil ||
		err.Error() != "dequeue canceled: context canceled" {
		t.Fatalf("expected dequeue cancel error, got %v", err)
	}
	if err := q.Enqueue(ctx, newJob(1)); err == nil ||
		err.Error() != "enqueue canceled: context canceled" {
		t.Fatalf("expected enqueue cancel error, got %v", err)
	}
}

func TestQueueClose(t *testing.T) {
	t.Parallel()

	q := NewQueue()
	require.NoError(t, q.Enqueue(context.Background(), newJob(7)))

	blocked := make(chan error, 1)
	empty := NewQueue()
	go func() {
		_, err := empty.Dequeue(context.Background())
		blocked <- err
	}()
	time.Sleep(10 * time.Millisecond)
	empty.Close()
	select {
	case err := <-blocked:
		require.True(t, errors.Is(err, orchestrator.ErrQueueClosed))
	case <-time.After(time.Second):
		t.Fatal("close did not wake blocked dequeue")
	}

	q.Close()
	q.Close() // Closing twice should be safe.
	err := q.Enqueue(context.Background(), newJob(8))
	require.ErrorIs(t, err, orchestrator.ErrQueueClosed)
	_, err = q.Dequeue(context.Background())
	require.ErrorIs(t, err, orchestrator.ErrQueueClosed)

	drained := q.Drain()
	require.Len(t, drained, 1)
	require.Equal(t, orchestrator.JobID(7), drained[0].ID)
	require.Zero(t, q.Len())
}

type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *stepClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestQueueHeldHeadStaysCancellable(t *testing.T) {
	t.Parallel()

	clock := &stepClock{now: time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)}
	q := NewQueue(WithClock(clock))
	ctx := context.Background()

	held := newJob(1)
	held.HeldUntil = clock.Now().Add(time.Hour)
	require.NoError(t, q.Enqueue(ctx, newJob(2)))
	require.NoError(t, q.PushFront(held))
	require.Equal(t, 1, q.Position(1))
	require.Equal(t, 2, q.Position(2))

	got := make(chan *orchestrator.Job, 1)
	go func() {
		job, err := q.Dequeue(ctx)
		if err == nil {
			got <- job
		}
	}()
	select {
	case job := <-got:
		t.Fatalf("held head dispatched early: job %d", job.ID)
	case <-time.After(20 * time.Millisecond):
	}

	job, ok := q.Cancel(1)
	require.True(t, ok)
	require.Equal(t, orchestrator.JobID(1), job.ID)

	select {
	case job := <-got:
		require.Equal(t, orchestrator.JobID(2), job.ID)
	case <-time.After(time.Second):
		t.Fatal("cancelling the held head did not release the next job")
	}
}

func TestQueueHoldExpires(t *testing.T) {
	t.Parallel()

	clock := &stepClock{now: time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)}
	q := NewQueue(WithClock(clock))
	ctx := context.Background()

	held := newJob(1)
	held.HeldUntil = clock.Now().Add(time.Minute)
	require.NoError(t, q.PushFront(held))

	clock.Advance(time.Minute)
	job, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.Equal(t, orchestrator.JobID(1), job.ID)
	require.Zero(t, q.Position(1))
}

func TestQueueNudgeReleasesHold(t *testing.T) {
	t.Parallel()

	clock := &stepClock{now: time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)}
	q := NewQueue(WithClock(clock))

	held := newJob(1)
	held.HeldUntil = clock.Now().Add(time.Hour)
	require.NoError(t, q.PushFront(held))

	got := make(chan *orchestrator.Job, 1)
	go func() {
		job, err := q.Dequeue(context.Background())
		if err == nil {
			got <- job
		}
	}()
	time.Sleep(10 * time.Millisecond)
	q.Nudge()

	select {
	case job := <-got:
		require.Equal(t, orchestrator.JobID(1), job.ID)
	case <-time.After(time.Second):
		t.Fatal("nudge did not release the held job")
	}
}

func TestQueueCancelAfterClose(t *testing.T) {
	t.Parallel()

	q := NewQueue()
	require.NoError(t, q.Enqueue(context.Background(), newJob(1)))
	q.Close()
	_, ok := q.Cancel(1)
	require.True(t, ok)
}
