package scrape

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound signals that the requested record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict signals a uniqueness violation, e.g. a duplicate email.
	ErrConflict = errors.New("conflict")
	// ErrJobFinished is returned by Ack and Nack once a job is terminal.
	ErrJobFinished = errors.New("job already finished")
	// ErrLeaseLost is returned by Ack and Nack when the caller no longer holds
	// the claim: the job was reclaimed, or it was never dequeued.
	ErrLeaseLost = errors.New("lease no longer held")
	// ErrLeaseExpired is recorded as the cause when a consumer never acked.
	ErrLeaseExpired = errors.New("lease expired before ack")
)

// ValidationError reports missing or malformed input. It is never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// FetchFailure reports that the Fetch Service could not produce content.
type FetchFailure struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *FetchFailure) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("fetch %s: status %d: %v", e.URL, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
}

func (e *FetchFailure) Unwrap() error {
	return e.Err
}

// PersistenceError wraps a storage failure with the operation that failed.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// IsValidation reports whether err carries a *ValidationError.
func IsValidation(err error) bool {
	var verr *ValidationError
	return errors.As(err, &verr)
}
