package scrape

import (
	"time"
)

// RetryPolicy decides what happens to a job after a failed attempt.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// Decision is the outcome of applying the policy to one failed attempt.
type Decision struct {
	Status   JobStatus
	Attempts int
	Delay    time.Duration
}

// DefaultRetryPolicy mirrors the queue defaults.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: DefaultMaxAttempts,
		BaseDelay:   time.Second,
		MaxDelay:    30 * time.Second,
	}
}

// Decide is a pure function of the current status and attempt count. The
// boolean is false when the status is terminal and nothing may change.
func (p RetryPolicy) Decide(status JobStatus, attempts int) (Decision, bool) {
	if status.Terminal() {
		return Decision{Status: status, Attempts: attempts}, false
	}
	next := attempts + 1
	if next >= p.maxAttempts() {
		return Decision{Status: JobStatusFailed, Attempts: next}, true
	}
	return Decision{Status: JobStatusWaiting, Attempts: next, Delay: p.Backoff(next)}, true
}

// Backoff returns base*2^(attempt-1), capped at MaxDelay. A zero base means
// the job is eligible again immediately.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if p.BaseDelay <= 0 || attempt <= 0 {
		return 0
	}
	delay := p.BaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if p.MaxDelay > 0 && delay >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		return p.MaxDelay
	}
	return delay
}

func (p RetryPolicy) maxAttempts() int {
	if p.MaxAttempts <= 0 {
		return DefaultMaxAttempts
	}
	return p.MaxAttempts
}

// NewJob builds a waiting job for the request.
func NewJob(id string, req EnqueueRequest, maxAttempts int, now time.Time) Job {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	return Job{
		ID:          id,
		URL:         req.URL,
		Status:      JobStatusWaiting,
		MaxAttempts: maxAttempts,
		SubmittedBy: req.SubmittedBy,
		CreatedAt:   now,
		UpdatedAt:   now,
		AvailableAt: now,
	}
}

// Claimable reports whether the job may be handed to a consumer at now.
func (j Job) Claimable(now time.Time) bool {
	return j.Status == JobStatusWaiting && !j.AvailableAt.After(now)
}

// LeaseExpired reports whether an active job's consumer missed its deadline.
func (j Job) LeaseExpired(now time.Time) bool {
	return j.Status == JobStatusActive && j.LeaseExpiresAt != nil && !j.LeaseExpiresAt.After(now)
}

// Claim moves a job to active with a lease and a fresh lease number.
func (j Job) Claim(now time.Time, lease time.Duration) Job {
	expires := now.Add(lease)
	j.Status = JobStatusActive
	j.LeaseExpiresAt = &expires
	j.Lease++
	j.UpdatedAt = now
	return j
}

// Holds reports whether a consumer presenting lease still owns the job.
func (j Job) Holds(lease int64) error {
	if j.Status.Terminal() {
		return ErrJobFinished
	}
	if j.Status != JobStatusActive || j.Lease != lease {
		return ErrLeaseLost
	}
	return nil
}

// Complete moves the job held under lease to completed. Anything else leaves
// it untouched.
func (j Job) Complete(lease int64, now time.Time) (Job, error) {
	if err := j.Holds(lease); err != nil {
		return j, err
	}
	j.Status = JobStatusCompleted
	j.LeaseExpiresAt = nil
	j.UpdatedAt = now
	return j, nil
}

// Fail records a failed attempt on the job held under lease and applies the
// policy. Anything else leaves it untouched.
func (p RetryPolicy) Fail(j Job, lease int64, cause error, now time.Time) (Job, error) {
	if err := j.Holds(lease); err != nil {
		return j, err
	}
	if j.MaxAttempts > 0 {
		p.MaxAttempts = j.MaxAttempts
	}
	decision, ok := p.Decide(j.Status, j.Attempts)
	if !ok {
		return j, ErrJobFinished
	}
	j.Status = decision.Status
	j.Attempts = decision.Attempts
	if cause != nil {
		j.LastError = cause.Error()
	}
	j.LeaseExpiresAt = nil
	j.UpdatedAt = now
	j.AvailableAt = now.Add(decision.Delay)
	return j, nil
}
