// Package worker implements the scrape execution loop: dequeue, fetch, persist,
// then acknowledge.
package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/scrape-dispatch/internal/logging"
	"github.com/JakeFAU/scrape-dispatch/internal/metrics"
	"github.com/JakeFAU/scrape-dispatch/internal/scrape"
)

// Config controls Worker behavior.
type Config struct {
	// FetchTimeout bounds one Fetch Service call.
	FetchTimeout time.Duration
	// ThrottleTimeout bounds the wait for a rate limiter slot. Jobs run
	// detached from shutdown, so the wait needs its own deadline.
	ThrottleTimeout time.Duration
	// ErrorPause is how long Run sleeps after a failed Dequeue.
	ErrorPause  time.Duration
	ContentType string
	BlobPrefix  string
	// Topic receives lifecycle events. Empty disables publishing.
	Topic string
}

// Worker consumes jobs one at a time. Job state only changes through the
// queue's Ack and Nack.
type Worker struct {
	queue     scrape.Queue
	results   scrape.ResultStore
	fetcher   scrape.Fetcher
	limiter   scrape.RateLimiter
	blobStore scrape.BlobStore
	publisher scrape.Publisher
	hasher    scrape.Hasher
	idGen     scrape.IDGenerator
	clock     scrape.Clock
	cfg       Config
	logger    *zap.Logger
}

// New constructs a Worker. limiter, blobStore, publisher and hasher may be nil.
func New(
	queue scrape.Queue,
	results scrape.ResultStore,
	fetcher scrape.Fetcher,
	limiter scrape.RateLimiter,
	blobStore scrape.BlobStore,
	publisher scrape.Publisher,
	hasher scrape.Hasher,
	idGen scrape.IDGenerator,
	clock scrape.Clock,
	cfg Config,
	logger *zap.Logger,
) *Worker {
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 30 * time.Second
	}
	if cfg.ErrorPause <= 0 {
		cfg.ErrorPause = time.Second
	}
	if cfg.ContentType == "" {
		cfg.ContentType = "text/html; charset=utf-8"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		queue:     queue,
		results:   results,
		fetcher:   fetcher,
		limiter:   limiter,
		blobStore: blobStore,
		publisher: publisher,
		hasher:    hasher,
		idGen:     idGen,
		clock:     clock,
		cfg:       cfg,
		logger:    logger,
	}
}

// Run blocks, consuming jobs until the context finishes. A job already in
// progress when ctx ends is allowed to finish.
func (w *Worker) Run(ctx context.Context) {
	for {
		job, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Error("queue dequeue failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(w.cfg.ErrorPause):
			}
			continue
		}
		w.logger.Debug("dequeued job", zap.String("job_id", job.ID), zap.Int("attempts", job.Attempts))
		w.processJob(context.WithoutCancel(ctx), job)
	}
}

// stored is what a successful attempt produced before the Ack.
type stored struct {
	result      scrape.ScrapeResult
	contentHash string
	archiveURI  string
}

func (w *Worker) processJob(ctx context.Context, job scrape.Job) {
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()
	start := time.Now()

	defer func() {
		if rec := recover(); rec != nil {
			w.logger.Error("job panicked", zap.String("job_id", job.ID), zap.Any("panic", rec))
			w.nack(ctx, job, fmt.Errorf("panic while processing job: %v", rec), start)
		}
	}()

	out, err := w.attempt(ctx, job)
	if err != nil {
		w.nack(ctx, job, err, start)
		return
	}
	w.ack(ctx, job, out, start)
}

// attempt runs every step that may still be retried: throttle, fetch, insert.
func (w *Worker) attempt(ctx context.Context, job scrape.Job) (stored, error) {
	if err := w.throttle(ctx, job.URL); err != nil {
		return stored{}, err
	}

	outcome, err := w.fetch(ctx, job.URL)
	if err != nil {
		metrics.ObserveFetch(job.URL, "failure", 0)
		return stored{}, err
	}
	metrics.ObserveFetch(job.URL, "success", len(outcome.Content))

	id, err := w.idGen.NewID()
	if err != nil {
		return stored{}, fmt.Errorf("generate result id: %w", err)
	}
	result := scrape.ScrapeResult{
		ID:        id,
		JobID:     job.ID,
		URL:       job.URL,
		Content:   outcome.Content,
		CreatedAt: w.clock.Now(),
	}
	// A redelivered job keeps the row written by its first delivery.
	result.ID, err = w.results.InsertResult(ctx, result)
	if err != nil {
		return stored{}, fmt.Errorf("insert result: %w", err)
	}

	out := stored{result: result}
	out.contentHash, out.archiveURI = w.archive(ctx, job, outcome.Content)
	return out, nil
}

func (w *Worker) throttle(ctx context.Context, url string) error {
	if w.limiter == nil {
		return nil
	}
	if w.cfg.ThrottleTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.cfg.ThrottleTimeout)
		defer cancel()
	}
	if err := w.limiter.Wait(ctx, url); err != nil {
		return fmt.Errorf("wait for rate limit: %w", err)
	}
	return nil
}

func (w *Worker) fetch(ctx context.Context, url string) (scrape.FetchOutcome, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, w.cfg.FetchTimeout)
	defer cancel()
	outcome, err := w.fetcher.Fetch(fetchCtx, url)
	if err != nil {
		var failure *scrape.FetchFailure
		if errors.As(err, &failure) {
			return scrape.FetchOutcome{}, failure
		}
		return scrape.FetchOutcome{}, &scrape.FetchFailure{URL: url, Err: err}
	}
	return outcome, nil
}

// archive stores the raw page. Failures are logged and never fail the job.
func (w *Worker) archive(ctx context.Context, job scrape.Job, content string) (string, string) {
	if w.hasher == nil {
		return "", ""
	}
	hash, err := w.hasher.Hash([]byte(content))
	if err != nil {
		w.logger.Warn("hash content failed", zap.String("job_id", job.ID), zap.Error(err))
		return "", ""
	}
	if w.blobStore == nil {
		return hash, ""
	}
	uri, err := w.blobStore.PutObject(ctx, w.buildBlobPath(hash), w.cfg.ContentType, strings.NewReader(content))
	if err != nil {
		w.logger.Warn("archive content failed", append(logging.JobFields(job), zap.Error(err))...)
		return hash, ""
	}
	return hash, uri
}

func (w *Worker) buildBlobPath(hash string) string {
	shard := hash
	if len(shard) > 2 {
		shard = shard[:2]
	}
	prefix := strings.Trim(w.cfg.BlobPrefix, "/")
	if prefix == "" {
		return fmt.Sprintf("%s/%s.html", shard, hash)
	}
	return fmt.Sprintf("%s/%s/%s.html", prefix, shard, hash)
}

func (w *Worker) ack(ctx context.Context, job scrape.Job, out stored, start time.Time) {
	done, err := w.queue.Ack(ctx, job.ID, job.Lease)
	if errors.Is(err, scrape.ErrLeaseLost) {
		w.logger.Warn("lease lost before ack", logging.JobFields(job)...)
		return
	}
	if err != nil {
		// The result row is keyed by job id, so a redelivery after a lost
		// Ack cannot duplicate it.
		w.logger.Error("ack failed", append(logging.JobFields(job), zap.Error(err))...)
		return
	}
	metrics.ObserveJob(string(scrape.JobStatusCompleted))
	metrics.ObserveJobDuration(string(scrape.JobStatusCompleted), time.Since(start))
	w.logger.With(logging.JobFields(done)...).Info("job completed",
		zap.String("result_id", out.result.ID),
		zap.String("archive_uri", out.archiveURI),
	)
	w.publish(ctx, scrape.Event{
		Type:        scrape.EventJobCompleted,
		JobID:       done.ID,
		URL:         done.URL,
		Attempts:    done.Attempts,
		ResultID:    out.result.ID,
		ContentHash: out.contentHash,
		ArchiveURI:  out.archiveURI,
		Timestamp:   w.clock.Now(),
	})
}

func (w *Worker) nack(ctx context.Context, job scrape.Job, cause error, start time.Time) {
	updated, err := w.queue.Nack(ctx, job.ID, job.Lease, cause)
	if errors.Is(err, scrape.ErrLeaseLost) {
		w.logger.With(logging.JobFields(job)...).Warn("lease lost before nack", zap.NamedError("cause", cause))
		return
	}
	if err != nil {
		w.logger.With(logging.JobFields(job)...).Error("nack failed",
			zap.NamedError("cause", cause),
			zap.Error(err),
		)
		return
	}

	log := w.logger.With(logging.JobFields(updated)...)
	if updated.Status != scrape.JobStatusFailed {
		metrics.ObserveJob("retried")
		metrics.ObserveJobDuration("retried", time.Since(start))
		log.Warn("job attempt failed, retry scheduled",
			zap.Time("available_at", updated.AvailableAt),
			zap.Error(cause),
		)
		return
	}

	metrics.ObserveJob(string(scrape.JobStatusFailed))
	metrics.ObserveJobDuration(string(scrape.JobStatusFailed), time.Since(start))
	log.Error("job failed", zap.String("last_error", updated.LastError))
	w.publish(ctx, scrape.Event{
		Type:      scrape.EventJobFailed,
		JobID:     updated.ID,
		URL:       updated.URL,
		Attempts:  updated.Attempts,
		Error:     updated.LastError,
		Timestamp: w.clock.Now(),
	})
}

func (w *Worker) publish(ctx context.Context, evt scrape.Event) {
	if w.cfg.Topic == "" || w.publisher == nil {
		return
	}
	if _, err := w.publisher.Publish(ctx, w.cfg.Topic, evt); err != nil {
		w.logger.Warn("publish event failed",
			zap.String("job_id", evt.JobID),
			zap.String("type", string(evt.Type)),
			zap.Error(err),
		)
	}
}
