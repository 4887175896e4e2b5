// Package memory provides queue implementations for local development.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/scrape-dispatch/internal/scrape"
)

// Config tunes lease and polling behavior.
type Config struct {
	Policy            scrape.RetryPolicy
	VisibilityTimeout time.Duration
	PollInterval      time.Duration
}

// Queue is an in-memory job queue with leases and retry bookkeeping.
type Queue struct {
	mu     sync.Mutex
	jobs   map[string]*entry
	seq    uint64
	notify chan struct{}
	closed bool

	cfg   Config
	clock scrape.Clock
	idGen scrape.IDGenerator
}

type entry struct {
	job scrape.Job
	seq uint64
}

// ErrClosed is returned by Dequeue after Close.
var ErrClosed = errors.New("queue closed")

// NewQueue constructs an empty queue.
func NewQueue(cfg Config, clock scrape.Clock, idGen scrape.IDGenerator) *Queue {
	if cfg.VisibilityTimeout <= 0 {
		cfg.VisibilityTimeout = 2 * time.Minute
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	return &Queue{
		jobs:   make(map[string]*entry),
		notify: make(chan struct{}, 1),
		cfg:    cfg,
		clock:  clock,
		idGen:  idGen,
	}
}

// Enqueue validates the URL and stores a waiting job.
func (q *Queue) Enqueue(ctx context.Context, req scrape.EnqueueRequest) (scrape.Job, error) {
	if err := ctx.Err(); err != nil {
		return scrape.Job{}, fmt.Errorf("enqueue canceled: %w", err)
	}
	normalized, err := scrape.ValidateURL(req.URL)
	if err != nil {
		return scrape.Job{}, err
	}
	req.URL = normalized
	id, err := q.idGen.NewID()
	if err != nil {
		return scrape.Job{}, fmt.Errorf("generate job id: %w", err)
	}
	job := scrape.NewJob(id, req, q.cfg.Policy.MaxAttempts, q.clock.Now())

	q.mu.Lock()
	q.seq++
	q.jobs[id] = &entry{job: job, seq: q.seq}
	q.mu.Unlock()

	q.wake()
	return job, nil
}

// Dequeue claims the oldest eligible job, blocking until one exists or the
// context ends.
func (q *Queue) Dequeue(ctx context.Context) (scrape.Job, error) {
	for {
		job, ok, err := q.tryClaim()
		if err != nil {
			return scrape.Job{}, err
		}
		if ok {
			return job, nil
		}
		timer := time.NewTimer(q.cfg.PollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return scrape.Job{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
		case <-q.notify:
			timer.Stop()
		case <-timer.C:
		}
	}
}

func (q *Queue) tryClaim() (scrape.Job, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return scrape.Job{}, false, ErrClosed
	}
	now := q.clock.Now()
	q.reclaimExpiredLocked(now)

	candidates := make([]*entry, 0, len(q.jobs))
	for _, e := range q.jobs {
		if e.job.Claimable(now) {
			candidates = append(candidates, e)
		}
	}
	if len(candidates) == 0 {
		return scrape.Job{}, false, nil
	}
	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if !a.job.AvailableAt.Equal(b.job.AvailableAt) {
			return a.job.AvailableAt.Before(b.job.AvailableAt)
		}
		return a.seq < b.seq
	})
	next := candidates[0]
	next.job = next.job.Claim(now, q.cfg.VisibilityTimeout)
	return next.job, true, nil
}

func (q *Queue) reclaimExpiredLocked(now time.Time) {
	for _, e := range q.jobs {
		if !e.job.LeaseExpired(now) {
			continue
		}
		if updated, err := q.cfg.Policy.Fail(e.job, e.job.Lease, scrape.ErrLeaseExpired, now); err == nil {
			e.job = updated
		}
	}
}

// Ack marks the job completed if the caller still holds lease.
func (q *Queue) Ack(_ context.Context, jobID string, lease int64) (scrape.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.jobs[jobID]
	if !ok {
		return scrape.Job{}, scrape.ErrNotFound
	}
	updated, err := e.job.Complete(lease, q.clock.Now())
	if err != nil {
		return updated, err
	}
	e.job = updated
	return updated, nil
}

// Nack records a failed attempt and applies the retry policy if the caller
// still holds lease.
func (q *Queue) Nack(_ context.Context, jobID string, lease int64, cause error) (scrape.Job, error) {
	q.mu.Lock()
	e, ok := q.jobs[jobID]
	if !ok {
		q.mu.Unlock()
		return scrape.Job{}, scrape.ErrNotFound
	}
	updated, err := q.cfg.Policy.Fail(e.job, lease, cause, q.clock.Now())
	if err != nil {
		q.mu.Unlock()
		return updated, err
	}
	e.job = updated
	q.mu.Unlock()

	if updated.Status == scrape.JobStatusWaiting {
		q.wake()
	}
	return updated, nil
}

// Get returns a snapshot of the job.
func (q *Queue) Get(_ context.Context, jobID string) (scrape.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.jobs[jobID]
	if !ok {
		return scrape.Job{}, scrape.ErrNotFound
	}
	return e.job, nil
}

// Close stops future dequeues. Closing twice is safe.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *Queue) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}
