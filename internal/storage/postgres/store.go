package postgres

import (
	"context"
	"fmt"
	"time"
)

// Store implements the user, session, and result stores on one pool.
type Store struct {
	db      DB
	timeout time.Duration
}

// NewStore wraps an existing pool. timeout bounds each statement; zero
// leaves deadlines to the caller.
func NewStore(db DB, timeout time.Duration) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &Store{db: db, timeout: timeout}, nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.db == nil {
		return
	}
	s.db.Close()
}

func (s *Store) ctx(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.timeout)
}
