package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/scrape-dispatch/internal/scrape"
)

func newTestQueue(clk *manualClock, policy scrape.RetryPolicy) *Queue {
	return NewQueue(Config{
		Policy:            policy,
		VisibilityTimeout: time.Minute,
		PollInterval:      5 * time.Millisecond,
	}, clk, &seqIDs{})
}

func TestQueueEnqueueDequeue(t *testing.T) {
	t.Parallel()

	q := newTestQueue(newManualClock(), scrape.DefaultRetryPolicy())
	result := make(chan scrape.Job, 1)
	errCh := make(chan error, 1)

	go func() {
		job, err := q.Dequeue(context.Background())
		if err != nil {
			errCh <- err
			return
		}
		result <- job
	}()

	job, err := q.Enqueue(context.Background(), scrape.EnqueueRequest{URL: "https://Example.com/a#frag", SubmittedBy: "u1"})
	require.NoError(t, err)
	require.Equal(t, scrape.JobStatusWaiting, job.Status)
	require.Equal(t, "https://example.com/a", job.URL)

	select {
	case err := <-errCh:
		t.Fatalf("Dequeue() error = %v", err)
	case got := <-result:
		require.Equal(t, job.ID, got.ID)
		require.Equal(t, scrape.JobStatusActive, got.Status)
		require.NotNil(t, got.LeaseExpiresAt)
	case <-time.After(time.Second):
		t.Fatal("dequeue did not return job")
	}
}

func TestQueueRejectsInvalidURL(t *testing.T) {
	t.Parallel()

	q := newTestQueue(newManualClock(), scrape.DefaultRetryPolicy())
	_, err := q.Enqueue(context.Background(), scrape.EnqueueRequest{URL: "ftp://example.com"})
	require.True(t, scrape.IsValidation(err))
}

func TestQueueDequeueCanceled(t *testing.T) {
	t.Parallel()

	q := newTestQueue(newManualClock(), scrape.DefaultRetryPolicy())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := q.Dequeue(ctx)
	require.ErrorIs(t, err, context.Canceled)
}

func TestQueueFIFO(t *testing.T) {
	t.Parallel()

	q := newTestQueue(newManualClock(), scrape.DefaultRetryPolicy())
	ctx := context.Background()
	var ids []string
	for i := 0; i < 3; i++ {
		job, err := q.Enqueue(ctx, scrape.EnqueueRequest{URL: fmt.Sprintf("https://example.com/%d", i)})
		require.NoError(t, err)
		ids = append(ids, job.ID)
	}
	for _, want := range ids {
		got, err := q.Dequeue(ctx)
		require.NoError(t, err)
		require.Equal(t, want, got.ID)
	}
}

func TestQueueConcurrentDequeueIsExclusive(t *testing.T) {
	t.Parallel()

	q := newTestQueue(newManualClock(), scrape.DefaultRetryPolicy())
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	const jobs = 50
	for i := 0; i < jobs; i++ {
		_, err := q.Enqueue(ctx, scrape.EnqueueRequest{URL: fmt.Sprintf("https://example.com/%d", i)})
		require.NoError(t, err)
	}

	var (
		mu    sync.Mutex
		seen  = make(map[string]int)
		count atomic.Int32
		wg    sync.WaitGroup
	)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for count.Load() < jobs {
				dctx, dcancel := context.WithTimeout(ctx, 50*time.Millisecond)
				job, err := q.Dequeue(dctx)
				dcancel()
				if err != nil {
					continue
				}
				count.Add(1)
				mu.Lock()
				seen[job.ID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	require.Len(t, seen, jobs)
	for id, n := range seen {
		require.Equalf(t, 1, n, "job %s claimed %d times", id, n)
	}
}

func TestQueueNackRetriesThenFails(t *testing.T) {
	t.Parallel()

	clk := newManualClock()
	q := newTestQueue(clk, scrape.RetryPolicy{MaxAttempts: 2, BaseDelay: time.Second, MaxDelay: time.Minute})
	ctx := context.Background()

	job, err := q.Enqueue(ctx, scrape.EnqueueRequest{URL: "https://example.com"})
	require.NoError(t, err)

	claimed, err := q.Dequeue(ctx)
	require.NoError(t, err)
	updated, err := q.Nack(ctx, job.ID, claimed.Lease, errors.New("boom"))
	require.NoError(t, err)
	require.Equal(t, scrape.JobStatusWaiting, updated.Status)
	require.Equal(t, 1, updated.Attempts)
	require.Equal(t, "boom", updated.LastError)

	// Backoff keeps the job out of reach until the delay passes.
	_, ok, err := q.tryClaim()
	require.NoError(t, err)
	require.False(t, ok)
	clk.Advance(time.Second)

	claimed, err = q.Dequeue(ctx)
	require.NoError(t, err)
	updated, err = q.Nack(ctx, job.ID, claimed.Lease, errors.New("boom again"))
	require.NoError(t, err)
	require.Equal(t, scrape.JobStatusFailed, updated.Status)
	require.Equal(t, 2, updated.Attempts)

	_, err = q.Ack(ctx, job.ID, claimed.Lease)
	require.ErrorIs(t, err, scrape.ErrJobFinished)
	_, err = q.Nack(ctx, job.ID, claimed.Lease, errors.New("late"))
	require.ErrorIs(t, err, scrape.ErrJobFinished)

	got, err := q.Get(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, scrape.JobStatusFailed, got.Status)
}

func TestQueueAckIsTerminal(t *testing.T) {
	t.Parallel()

	q := newTestQueue(newManualClock(), scrape.DefaultRetryPolicy())
	ctx := context.Background()
	job, err := q.Enqueue(ctx, scrape.EnqueueRequest{URL: "https://example.com"})
	require.NoError(t, err)
	claimed, err := q.Dequeue(ctx)
	require.NoError(t, err)

	done, err := q.Ack(ctx, job.ID, claimed.Lease)
	require.NoError(t, err)
	require.Equal(t, scrape.JobStatusCompleted, done.Status)
	require.Nil(t, done.LeaseExpiresAt)

	_, err = q.Ack(ctx, job.ID, claimed.Lease)
	require.ErrorIs(t, err, scrape.ErrJobFinished)
	_, err = q.Ack(ctx, "missing", 1)
	require.ErrorIs(t, err, scrape.ErrNotFound)
	_, err = q.Get(ctx, "missing")
	require.ErrorIs(t, err, scrape.ErrNotFound)
}

func TestQueueReclaimsExpiredLease(t *testing.T) {
	t.Parallel()

	clk := newManualClock()
	q := newTestQueue(clk, scrape.RetryPolicy{MaxAttempts: 3})
	ctx := context.Background()
	job, err := q.Enqueue(ctx, scrape.EnqueueRequest{URL: "https://example.com"})
	require.NoError(t, err)

	_, err = q.Dequeue(ctx)
	require.NoError(t, err)
	clk.Advance(2 * time.Minute)

	again, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.Equal(t, job.ID, again.ID)
	require.Equal(t, 1, again.Attempts)
	require.Equal(t, scrape.ErrLeaseExpired.Error(), again.LastError)
}

func TestQueueRejectsSettleFromLostLease(t *testing.T) {
	t.Parallel()

	clk := newManualClock()
	q := newTestQueue(clk, scrape.RetryPolicy{MaxAttempts: 3})
	ctx := context.Background()
	job, err := q.Enqueue(ctx, scrape.EnqueueRequest{URL: "https://example.com"})
	require.NoError(t, err)

	_, err = q.Nack(ctx, job.ID, job.Lease, errors.New("never claimed"))
	require.ErrorIs(t, err, scrape.ErrLeaseLost)

	first, err := q.Dequeue(ctx)
	require.NoError(t, err)
	clk.Advance(2 * time.Minute)
	second, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID)
	require.NotEqual(t, first.Lease, second.Lease)

	_, err = q.Nack(ctx, job.ID, first.Lease, errors.New("late"))
	require.ErrorIs(t, err, scrape.ErrLeaseLost)
	_, err = q.Ack(ctx, job.ID, first.Lease)
	require.ErrorIs(t, err, scrape.ErrLeaseLost)

	got, err := q.Get(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, scrape.JobStatusActive, got.Status)
	require.Equal(t, 1, got.Attempts)

	// Nothing is claimable while the second consumer holds the job.
	_, ok, err := q.tryClaim()
	require.NoError(t, err)
	require.False(t, ok)

	done, err := q.Ack(ctx, job.ID, second.Lease)
	require.NoError(t, err)
	require.Equal(t, scrape.JobStatusCompleted, done.Status)
}

func TestQueueClose(t *testing.T) {
	t.Parallel()

	q := newTestQueue(newManualClock(), scrape.DefaultRetryPolicy())
	q.Close()
	q.Close()
	_, err := q.Dequeue(context.Background())
	require.ErrorIs(t, err, ErrClosed)
}

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func newManualClock() *manualClock {
	return &manualClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type seqIDs struct {
	n atomic.Int64
}

func (s *seqIDs) NewID() (string, error) {
	return fmt.Sprintf("job-%03d", s.n.Add(1)), nil
}
