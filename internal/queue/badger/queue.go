// Package badger implements a durable embedded job queue on BadgerDB.
package badger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"

	"github.com/JakeFAU/scrape-dispatch/internal/scrape"
)

// Key layout:
//
//	scrape:job:{id}                      -> JSON record
//	scrape:ready:{availableAt}:{seq}:{id} -> empty, one per waiting job
//	scrape:lease:{leaseExpiresAt}:{id}    -> empty, one per active job
//
// Timestamps and sequence numbers are zero padded so byte order matches
// numeric order.
const (
	jobPrefix   = "scrape:job:"
	readyPrefix = "scrape:ready:"
	leasePrefix = "scrape:lease:"
	seqKey      = "scrape:seq"
)

// Config tunes lease and polling behavior.
type Config struct {
	Policy            scrape.RetryPolicy
	VisibilityTimeout time.Duration
	PollInterval      time.Duration
}

// Queue is a Badger-backed scrape.Queue. Claims run in optimistic
// transactions; a conflicting commit means another consumer won the job.
type Queue struct {
	db     *badger.DB
	seq    *badger.Sequence
	cfg    Config
	clock  scrape.Clock
	idGen  scrape.IDGenerator
	logger *zap.Logger
	notify chan struct{}
}

type record struct {
	Job scrape.Job `json:"job"`
	Seq uint64     `json:"seq"`
}

// Open opens a Badger database at path. An empty path opens an in-memory
// store.
func Open(path string) (*badger.DB, error) {
	opts := badger.DefaultOptions(path).WithLogger(nil)
	if path == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	return db, nil
}

// New constructs a Queue on an open database. The caller owns db.
func New(db *badger.DB, cfg Config, clock scrape.Clock, idGen scrape.IDGenerator, logger *zap.Logger) (*Queue, error) {
	if db == nil {
		return nil, errors.New("badger db is required")
	}
	if cfg.VisibilityTimeout <= 0 {
		cfg.VisibilityTimeout = 2 * time.Minute
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	seq, err := db.GetSequence([]byte(seqKey), 100)
	if err != nil {
		return nil, fmt.Errorf("job sequence: %w", err)
	}
	return &Queue{
		db:     db,
		seq:    seq,
		cfg:    cfg,
		clock:  clock,
		idGen:  idGen,
		logger: logger.Named("badger_queue"),
		notify: make(chan struct{}, 1),
	}, nil
}

// Close releases the sequence lease. It does not close the database.
func (q *Queue) Close() error {
	if err := q.seq.Release(); err != nil {
		return fmt.Errorf("release sequence: %w", err)
	}
	return nil
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
	seq, err := q.seq.Next()
	if err != nil {
		return scrape.Job{}, &scrape.PersistenceError{Op: "next sequence", Err: err}
	}
	rec := record{Job: scrape.NewJob(id, req, q.cfg.Policy.MaxAttempts, q.clock.Now()), Seq: seq}
	err = q.db.Update(func(txn *badger.Txn) error {
		return writeRecord(txn, rec, scrape.Job{})
	})
	if err != nil {
		return scrape.Job{}, &scrape.PersistenceError{Op: "enqueue job", Err: err}
	}
	q.wake()
	return rec.Job, nil
}

// Dequeue claims the oldest eligible job, blocking until one exists or the
// context ends.
func (q *Queue) Dequeue(ctx context.Context) (scrape.Job, error) {
	for {
		if err := ctx.Err(); err != nil {
			return scrape.Job{}, fmt.Errorf("dequeue canceled: %w", err)
		}
		if err := q.reclaimExpired(); err != nil && !errors.Is(err, badger.ErrConflict) {
			q.logger.Warn("lease reclaim failed", zap.Error(err))
		}
		job, ok, err := q.claim()
		if errors.Is(err, badger.ErrConflict) {
			continue
		}
		if err != nil {
			return scrape.Job{}, &scrape.PersistenceError{Op: "claim job", Err: err}
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

func (q *Queue) claim() (scrape.Job, bool, error) {
	var (
		claimed scrape.Job
		found   bool
	)
	err := q.db.Update(func(txn *badger.Txn) error {
		now := q.clock.Now()
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(readyPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			key := it.Item().KeyCopy(nil)
			ts, id, err := parseIndexKey(key, readyPrefix)
			if err != nil {
				continue
			}
			if ts.After(now) {
				break
			}
			rec, err := readRecord(txn, id)
			if errors.Is(err, badger.ErrKeyNotFound) {
				if err := txn.Delete(key); err != nil {
					return err
				}
				continue
			}
			if err != nil {
				return err
			}
			if !rec.Job.Claimable(now) {
				continue
			}
			prev := rec.Job
			rec.Job = rec.Job.Claim(now, q.cfg.VisibilityTimeout)
			if err := writeRecord(txn, rec, prev); err != nil {
				return err
			}
			claimed, found = rec.Job, true
			return nil
		}
		return nil
	})
	if err != nil {
		return scrape.Job{}, false, err
	}
	return claimed, found, nil
}

func (q *Queue) reclaimExpired() error {
	return q.db.Update(func(txn *badger.Txn) error {
		now := q.clock.Now()
		expired := expiredLeases(txn, now)
		for _, id := range expired {
			rec, err := readRecord(txn, id)
			if err != nil {
				return err
			}
			prev := rec.Job
			updated, err := q.cfg.Policy.Fail(prev, prev.Lease, scrape.ErrLeaseExpired, now)
			if err != nil {
				continue
			}
			rec.Job = updated
			if err := writeRecord(txn, rec, prev); err != nil {
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

func expiredLeases(txn *badger.Txn, now time.Time) []string {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	it := txn.NewIterator(opts)
	defer it.Close()

	var expired []string
	prefix := []byte(leasePrefix)
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		ts, id, err := parseIndexKey(it.Item().Key(), leasePrefix)
		if err != nil {
			continue
		}
		if ts.After(now) {
			break
		}
		expired = append(expired, id)
	}
	return expired
}

// Ack marks the job completed if the caller still holds lease.
func (q *Queue) Ack(_ context.Context, jobID string, lease int64) (scrape.Job, error) {
	return q.transition(jobID, "ack job", func(job scrape.Job, now time.Time) (scrape.Job, error) {
		return job.Complete(lease, now)
	})
}

// Nack records a failed attempt and applies the retry policy if the caller
// still holds lease.
func (q *Queue) Nack(_ context.Context, jobID string, lease int64, cause error) (scrape.Job, error) {
	job, err := q.transition(jobID, "nack job", func(job scrape.Job, now time.Time) (scrape.Job, error) {
		return q.cfg.Policy.Fail(job, lease, cause, now)
	})
	if err == nil && job.Status == scrape.JobStatusWaiting {
		q.wake()
	}
	return job, err
}

func (q *Queue) transition(
	jobID, op string,
	apply func(scrape.Job, time.Time) (scrape.Job, error),
) (scrape.Job, error) {
	for {
		var out scrape.Job
		err := q.db.Update(func(txn *badger.Txn) error {
			rec, err := readRecord(txn, jobID)
			if err != nil {
				return err
			}
			prev := rec.Job
			updated, err := apply(prev, q.clock.Now())
			out = updated
			if err != nil {
				return err
			}
			rec.Job = updated
			return writeRecord(txn, rec, prev)
		})
		switch {
		case err == nil:
			return out, nil
		case errors.Is(err, badger.ErrConflict):
			continue
		case errors.Is(err, badger.ErrKeyNotFound):
			return scrape.Job{}, scrape.ErrNotFound
		case errors.Is(err, scrape.ErrJobFinished), errors.Is(err, scrape.ErrLeaseLost):
			return out, err
		default:
			return scrape.Job{}, &scrape.PersistenceError{Op: op, Err: err}
		}
	}
}

// Get returns the stored job.
func (q *Queue) Get(_ context.Context, jobID string) (scrape.Job, error) {
	var rec record
	err := q.db.View(func(txn *badger.Txn) error {
		var err error
		rec, err = readRecord(txn, jobID)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return scrape.Job{}, scrape.ErrNotFound
	}
	if err != nil {
		return scrape.Job{}, &scrape.PersistenceError{Op: "get job", Err: err}
	}
	return rec.Job, nil
}

func (q *Queue) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func readRecord(txn *badger.Txn, id string) (record, error) {
	item, err := txn.Get(jobKey(id))
	if err != nil {
		return record{}, err
	}
	var rec record
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &rec)
	}); err != nil {
		return record{}, fmt.Errorf("decode job %s: %w", id, err)
	}
	return rec, nil
}

// writeRecord stores rec and moves its index entries from prev's state to
// the new one. A zero prev means the job is new.
func writeRecord(txn *badger.Txn, rec record, prev scrape.Job) error {
	switch prev.Status {
	case scrape.JobStatusWaiting:
		if err := txn.Delete(readyKey(prev.AvailableAt, rec.Seq, prev.ID)); err != nil {
			return err
		}
	case scrape.JobStatusActive:
		if prev.LeaseExpiresAt != nil {
			if err := txn.Delete(leaseKey(*prev.LeaseExpiresAt, prev.ID)); err != nil {
				return err
			}
		}
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode job %s: %w", rec.Job.ID, err)
	}
	if err := txn.Set(jobKey(rec.Job.ID), data); err != nil {
		return err
	}
	switch rec.Job.Status {
	case scrape.JobStatusWaiting:
		return txn.Set(readyKey(rec.Job.AvailableAt, rec.Seq, rec.Job.ID), nil)
	case scrape.JobStatusActive:
		if rec.Job.LeaseExpiresAt != nil {
			return txn.Set(leaseKey(*rec.Job.LeaseExpiresAt, rec.Job.ID), nil)
		}
	}
	return nil
}

func jobKey(id string) []byte {
	return []byte(jobPrefix + id)
}

func readyKey(at time.Time, seq uint64, id string) []byte {
	return []byte(fmt.Sprintf("%s%020d:%020d:%s", readyPrefix, at.UnixNano(), seq, id))
}

func leaseKey(at time.Time, id string) []byte {
	return []byte(fmt.Sprintf("%s%020d:%s", leasePrefix, at.UnixNano(), id))
}

// parseIndexKey returns the leading timestamp and trailing id of an index key.
func parseIndexKey(key []byte, prefix string) (time.Time, string, error) {
	rest, ok := strings.CutPrefix(string(key), prefix)
	if !ok || len(rest) < 21 {
		return time.Time{}, "", fmt.Errorf("invalid index key %q", key)
	}
	nanos, err := strconv.ParseInt(rest[:20], 10, 64)
	if err != nil {
		return time.Time{}, "", fmt.Errorf("invalid index key %q: %w", key, err)
	}
	idx := strings.LastIndexByte(rest, ':')
	if idx < 20 || idx == len(rest)-1 {
		return time.Time{}, "", fmt.Errorf("invalid index key %q", key)
	}
	return time.Unix(0, nanos), rest[idx+1:], nil
}
