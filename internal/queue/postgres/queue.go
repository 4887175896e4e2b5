// Package postgres implements a durable job queue on Postgres row locks.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/scrape-dispatch/internal/scrape"
	pgstore "github.com/JakeFAU/scrape-dispatch/internal/storage/postgres"
)

// Config tunes lease and polling behavior.
type Config struct {
	Policy            scrape.RetryPolicy
	VisibilityTimeout time.Duration
	PollInterval      time.Duration
	ReclaimBatch      int
}

// Queue stores jobs in scrape_jobs. Claims use SELECT ... FOR UPDATE SKIP
// LOCKED so any number of processes can consume concurrently.
type Queue struct {
	db     pgstore.DB
	cfg    Config
	clock  scrape.Clock
	idGen  scrape.IDGenerator
	logger *zap.Logger
}

const jobColumns = `id, url, status, attempts, max_attempts, last_error, submitted_by,
	created_at, updated_at, available_at, lease_expires_at, lease`

// New constructs a Queue over an existing pool.
func New(db pgstore.DB, cfg Config, clock scrape.Clock, idGen scrape.IDGenerator, logger *zap.Logger) (*Queue, error) {
	if db == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if cfg.VisibilityTimeout <= 0 {
		cfg.VisibilityTimeout = 2 * time.Minute
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.ReclaimBatch <= 0 {
		cfg.ReclaimBatch = 100
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{db: db, cfg: cfg, clock: clock, idGen: idGen, logger: logger.Named("pg_queue")}, nil
}

// Enqueue validates the URL and inserts a waiting job.
func (q *Queue) Enqueue(ctx context.Context, req scrape.EnqueueRequest) (scrape.Job, error) {
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
	_, err = q.db.Exec(ctx, `
INSERT INTO scrape_jobs (id, url, status, attempts, max_attempts, last_error, submitted_by,
	created_at, updated_at, available_at, lease_expires_at, lease)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		job.ID, job.URL, string(job.Status), job.Attempts, job.MaxAttempts, job.LastError, job.SubmittedBy,
		job.CreatedAt, job.UpdatedAt, job.AvailableAt, job.LeaseExpiresAt, job.Lease,
	)
	if err != nil {
		return scrape.Job{}, &scrape.PersistenceError{Op: "enqueue job", Err: err}
	}
	return job, nil
}

// Dequeue claims the oldest eligible job, polling until one exists or the
// context ends.
func (q *Queue) Dequeue(ctx context.Context) (scrape.Job, error) {
	for {
		if err := q.reclaimExpired(ctx); err != nil {
			if ctx.Err() != nil {
				return scrape.Job{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
			}
			q.logger.Warn("lease reclaim failed", zap.Error(err))
		}
		job, ok, err := q.claim(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return scrape.Job{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
			}
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
		case <-timer.C:
		}
	}
}

func (q *Queue) claim(ctx context.Context) (scrape.Job, bool, error) {
	var (
		job     scrape.Job
		claimed bool
	)
	err := q.inTx(ctx, func(tx pgx.Tx) error {
		now := q.clock.Now()
		row := tx.QueryRow(ctx, `SELECT `+jobColumns+` FROM scrape_jobs
WHERE status = $1 AND available_at <= $2
ORDER BY available_at, seq
LIMIT 1
FOR UPDATE SKIP LOCKED`, string(scrape.JobStatusWaiting), now)
		current, err := scanJob(row)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		job = current.Claim(now, q.cfg.VisibilityTimeout)
		if err := update(ctx, tx, job); err != nil {
			return err
		}
		claimed = true
		return nil
	})
	if err != nil {
		return scrape.Job{}, false, &scrape.PersistenceError{Op: "claim job", Err: err}
	}
	return job, claimed, nil
}

// reclaimExpired fails every active job whose lease has run out.
func (q *Queue) reclaimExpired(ctx context.Context) error {
	return q.inTx(ctx, func(tx pgx.Tx) error {
		now := q.clock.Now()
		rows, err := tx.Query(ctx, `SELECT `+jobColumns+` FROM scrape_jobs
WHERE status = $1 AND lease_expires_at <= $2
ORDER BY lease_expires_at
LIMIT $3
FOR UPDATE SKIP LOCKED`, string(scrape.JobStatusActive), now, q.cfg.ReclaimBatch)
		if err != nil {
			return err
		}
		var expired []scrape.Job
		for rows.Next() {
			job, err := scanJob(rows)
			if err != nil {
				rows.Close()
				return err
			}
			expired = append(expired, job)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}
		for _, job := range expired {
			updated, err := q.cfg.Policy.Fail(job, job.Lease, scrape.ErrLeaseExpired, now)
			if err != nil {
				continue
			}
			if err := update(ctx, tx, updated); err != nil {
				return err
			}
			q.logger.Info("reclaimed expired lease",
				zap.String("job_id", updated.ID),
				zap.Int("attempts", updated.Attempts),
				zap.String("status", string(updated.Status)),
			)
		}
		return nil
	})
}

// Ack marks the job completed if the caller still holds lease.
func (q *Queue) Ack(ctx context.Context, jobID string, lease int64) (scrape.Job, error) {
	return q.transition(ctx, jobID, "ack job", func(job scrape.Job, now time.Time) (scrape.Job, error) {
		return job.Complete(lease, now)
	})
}

// Nack records a failed attempt and applies the retry policy if the caller
// still holds lease.
func (q *Queue) Nack(ctx context.Context, jobID string, lease int64, cause error) (scrape.Job, error) {
	return q.transition(ctx, jobID, "nack job", func(job scrape.Job, now time.Time) (scrape.Job, error) {
		return q.cfg.Policy.Fail(job, lease, cause, now)
	})
}

func (q *Queue) transition(
	ctx context.Context,
	jobID, op string,
	apply func(scrape.Job, time.Time) (scrape.Job, error),
) (scrape.Job, error) {
	var out scrape.Job
	err := q.inTx(ctx, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `SELECT `+jobColumns+` FROM scrape_jobs WHERE id = $1 FOR UPDATE`, jobID)
		current, err := scanJob(row)
		if err != nil {
			return err
		}
		updated, err := apply(current, q.clock.Now())
		out = updated
		if err != nil {
			return err
		}
		return update(ctx, tx, updated)
	})
	switch {
	case err == nil:
		return out, nil
	case errors.Is(err, pgx.ErrNoRows):
		return scrape.Job{}, scrape.ErrNotFound
	case errors.Is(err, scrape.ErrJobFinished), errors.Is(err, scrape.ErrLeaseLost):
		return out, err
	default:
		return scrape.Job{}, &scrape.PersistenceError{Op: op, Err: err}
	}
}

// Get returns the stored job.
func (q *Queue) Get(ctx context.Context, jobID string) (scrape.Job, error) {
	row := q.db.QueryRow(ctx, `SELECT `+jobColumns+` FROM scrape_jobs WHERE id = $1`, jobID)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return scrape.Job{}, scrape.ErrNotFound
	}
	if err != nil {
		return scrape.Job{}, &scrape.PersistenceError{Op: "get job", Err: err}
	}
	return job, nil
}

func (q *Queue) inTx(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := q.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			q.logger.Warn("rollback failed", zap.Error(rbErr))
		}
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func update(ctx context.Context, tx pgx.Tx, job scrape.Job) error {
	_, err := tx.Exec(ctx, `
UPDATE scrape_jobs
SET status = $2, attempts = $3, last_error = $4, updated_at = $5, available_at = $6, lease_expires_at = $7,
	lease = $8
WHERE id = $1`,
		job.ID, string(job.Status), job.Attempts, job.LastError, job.UpdatedAt, job.AvailableAt, job.LeaseExpiresAt,
		job.Lease,
	)
	if err != nil {
		return fmt.Errorf("update job %s: %w", job.ID, err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (scrape.Job, error) {
	var (
		job    scrape.Job
		status string
	)
	err := row.Scan(
		&job.ID, &job.URL, &status, &job.Attempts, &job.MaxAttempts, &job.LastError, &job.SubmittedBy,
		&job.CreatedAt, &job.UpdatedAt, &job.AvailableAt, &job.LeaseExpiresAt, &job.Lease,
	)
	if err != nil {
		return scrape.Job{}, err
	}
	job.Status = scrape.JobStatus(status)
	return job, nil
}
