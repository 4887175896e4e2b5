package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/scrape-dispatch/internal/scrape"
)

var jobCols = []string{
	"id", "url", "status", "attempts", "max_attempts", "last_error", "submitted_by",
	"created_at", "updated_at", "available_at", "lease_expires_at", "lease",
}

func newMockQueue(t *testing.T, policy scrape.RetryPolicy) (*Queue, pgxmock.PgxPoolIface, time.Time) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	now := time.Unix(1700000000, 0).UTC()
	q, err := New(mock, Config{Policy: policy, VisibilityTimeout: time.Minute, PollInterval: time.Millisecond},
		fixedClock{now: now}, fixedIDs{id: "job-1"}, nil)
	require.NoError(t, err)
	return q, mock, now
}

func TestNewRequiresPool(t *testing.T) {
	t.Parallel()

	_, err := New(nil, Config{}, fixedClock{}, fixedIDs{}, nil)
	require.Error(t, err)
}

func TestEnqueueInsertsWaitingJob(t *testing.T) {
	t.Parallel()

	q, mock, now := newMockQueue(t, scrape.DefaultRetryPolicy())
	mock.ExpectExec("INSERT INTO scrape_jobs").
		WithArgs("job-1", "https://example.com/", "waiting", 0, 3, "", "u1", now, now, now, pgxmock.AnyArg(), int64(0)).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	job, err := q.Enqueue(context.Background(), scrape.EnqueueRequest{URL: "https://example.com/", SubmittedBy: "u1"})
	require.NoError(t, err)
	require.Equal(t, scrape.JobStatusWaiting, job.Status)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnqueueRejectsInvalidURL(t *testing.T) {
	t.Parallel()

	q, mock, _ := newMockQueue(t, scrape.DefaultRetryPolicy())
	_, err := q.Enqueue(context.Background(), scrape.EnqueueRequest{URL: ""})
	require.True(t, scrape.IsValidation(err))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDequeueClaimsWithSkipLocked(t *testing.T) {
	t.Parallel()

	q, mock, now := newMockQueue(t, scrape.DefaultRetryPolicy())

	mock.ExpectBegin()
	mock.ExpectQuery("FOR UPDATE SKIP LOCKED").
		WithArgs("active", now, 100).
		WillReturnRows(mock.NewRows(jobCols))
	mock.ExpectCommit()

	mock.ExpectBegin()
	mock.ExpectQuery("FOR UPDATE SKIP LOCKED").
		WithArgs("waiting", now).
		WillReturnRows(mock.NewRows(jobCols).
			AddRow("job-1", "https://example.com", "waiting", 0, 3, "", "u1", now, now, now, nil, int64(0)))
	mock.ExpectExec("UPDATE scrape_jobs").
		WithArgs("job-1", "active", 0, "", now, now, pgxmock.AnyArg(), int64(1)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	job, err := q.Dequeue(context.Background())
	require.NoError(t, err)
	require.Equal(t, scrape.JobStatusActive, job.Status)
	require.NotNil(t, job.LeaseExpiresAt)
	require.Equal(t, now.Add(time.Minute), *job.LeaseExpiresAt)
	require.Equal(t, int64(1), job.Lease)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDequeueReclaimsExpiredLease(t *testing.T) {
	t.Parallel()

	q, mock, now := newMockQueue(t, scrape.RetryPolicy{MaxAttempts: 1})
	expired := now.Add(-time.Second)

	mock.ExpectBegin()
	mock.ExpectQuery("FOR UPDATE SKIP LOCKED").
		WithArgs("active", now, 100).
		WillReturnRows(mock.NewRows(jobCols).
			AddRow("job-9", "https://example.com", "active", 0, 1, "", "", now, now, now, &expired, int64(4)))
	mock.ExpectExec("UPDATE scrape_jobs").
		WithArgs("job-9", "failed", 1, scrape.ErrLeaseExpired.Error(), now, now, pgxmock.AnyArg(), int64(4)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	require.NoError(t, q.reclaimExpired(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDequeueHonorsCancellation(t *testing.T) {
	t.Parallel()

	q, _, _ := newMockQueue(t, scrape.DefaultRetryPolicy())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := q.Dequeue(ctx)
	require.ErrorIs(t, err, context.Canceled)
}

func TestAckCompletesAndIsSticky(t *testing.T) {
	t.Parallel()

	q, mock, now := newMockQueue(t, scrape.DefaultRetryPolicy())
	lease := now.Add(time.Minute)

	mock.ExpectBegin()
	mock.ExpectQuery("WHERE id = (.+) FOR UPDATE").
		WithArgs("job-1").
		WillReturnRows(mock.NewRows(jobCols).
			AddRow("job-1", "https://example.com", "active", 0, 3, "", "", now, now, now, &lease, int64(2)))
	mock.ExpectExec("UPDATE scrape_jobs").
		WithArgs("job-1", "completed", 0, "", now, now, pgxmock.AnyArg(), int64(2)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	mock.ExpectBegin()
	mock.ExpectQuery("WHERE id = (.+) FOR UPDATE").
		WithArgs("job-1").
		WillReturnRows(mock.NewRows(jobCols).
			AddRow("job-1", "https://example.com", "completed", 0, 3, "", "", now, now, now, nil, int64(2)))
	mock.ExpectRollback()

	job, err := q.Ack(context.Background(), "job-1", 2)
	require.NoError(t, err)
	require.Equal(t, scrape.JobStatusCompleted, job.Status)

	_, err = q.Nack(context.Background(), "job-1", 2, errors.New("late"))
	require.ErrorIs(t, err, scrape.ErrJobFinished)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestNackUnknownJob(t *testing.T) {
	t.Parallel()

	q, mock, _ := newMockQueue(t, scrape.DefaultRetryPolicy())
	mock.ExpectBegin()
	mock.ExpectQuery("WHERE id = (.+) FOR UPDATE").
		WithArgs("missing").
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectRollback()

	_, err := q.Nack(context.Background(), "missing", 1, errors.New("boom"))
	require.ErrorIs(t, err, scrape.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestNackSchedulesRetry(t *testing.T) {
	t.Parallel()

	policy := scrape.RetryPolicy{MaxAttempts: 3, BaseDelay: time.Second, MaxDelay: time.Minute}
	q, mock, now := newMockQueue(t, policy)
	lease := now.Add(time.Minute)

	mock.ExpectBegin()
	mock.ExpectQuery("WHERE id = (.+) FOR UPDATE").
		WithArgs("job-1").
		WillReturnRows(mock.NewRows(jobCols).
			AddRow("job-1", "https://example.com", "active", 0, 3, "", "", now, now, now, &lease, int64(1)))
	mock.ExpectExec("UPDATE scrape_jobs").
		WithArgs("job-1", "waiting", 1, "boom", now, now.Add(time.Second), pgxmock.AnyArg(), int64(1)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	job, err := q.Nack(context.Background(), "job-1", 1, errors.New("boom"))
	require.NoError(t, err)
	require.Equal(t, scrape.JobStatusWaiting, job.Status)
	require.Equal(t, 1, job.Attempts)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStaleLeaseLeavesRowUntouched(t *testing.T) {
	t.Parallel()

	q, mock, now := newMockQueue(t, scrape.DefaultRetryPolicy())
	lease := now.Add(time.Minute)

	// Reclaimed and handed to another consumer: the row carries lease 2.
	mock.ExpectBegin()
	mock.ExpectQuery("WHERE id = (.+) FOR UPDATE").
		WithArgs("job-1").
		WillReturnRows(mock.NewRows(jobCols).
			AddRow("job-1", "https://example.com", "active", 1, 3, "lease expired before ack", "", now, now, now, &lease, int64(2)))
	mock.ExpectRollback()

	// Never dequeued.
	mock.ExpectBegin()
	mock.ExpectQuery("WHERE id = (.+) FOR UPDATE").
		WithArgs("job-2").
		WillReturnRows(mock.NewRows(jobCols).
			AddRow("job-2", "https://example.com", "waiting", 0, 3, "", "", now, now, now, nil, int64(0)))
	mock.ExpectRollback()

	job, err := q.Nack(context.Background(), "job-1", 1, errors.New("late"))
	require.ErrorIs(t, err, scrape.ErrLeaseLost)
	require.Equal(t, scrape.JobStatusActive, job.Status)
	require.Equal(t, 1, job.Attempts)

	_, err = q.Ack(context.Background(), "job-2", 0)
	require.ErrorIs(t, err, scrape.ErrLeaseLost)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetMissingJob(t *testing.T) {
	t.Parallel()

	q, mock, _ := newMockQueue(t, scrape.DefaultRetryPolicy())
	mock.ExpectQuery("FROM scrape_jobs WHERE id").
		WithArgs("missing").
		WillReturnError(pgx.ErrNoRows)

	_, err := q.Get(context.Background(), "missing")
	require.ErrorIs(t, err, scrape.ErrNotFound)
}

type fixedClock struct {
	now time.Time
}

func (c fixedClock) Now() time.Time { return c.now }

type fixedIDs struct {
	id string
}

func (f fixedIDs) NewID() (string, error) { return f.id, nil }
