package scrape

import (
	"context"
	"io"
	"time"
)

// Queue is the single owner of job state. Workers must only change a job
// through Ack and Nack.
type Queue interface {
	Enqueue(ctx context.Context, req EnqueueRequest) (Job, error)
	Dequeue(ctx context.Context) (Job, error)
	Ack(ctx context.Context, jobID string, lease int64) (Job, error)
	Nack(ctx context.Context, jobID string, lease int64, cause error) (Job, error)
	Get(ctx context.Context, jobID string) (Job, error)
}

// UserStore persists user records.
type UserStore interface {
	CreateUser(ctx context.Context, user User) error
	GetUserByEmail(ctx context.Context, email string) (User, error)
	GetUser(ctx context.Context, id string) (User, error)
	CountUsers(ctx context.Context) (int, error)
	RecentUsers(ctx context.Context, limit int) ([]User, error)
}

// SessionStore persists refresh sessions.
type SessionStore interface {
	CreateSession(ctx context.Context, session Session) error
	GetSession(ctx context.Context, id string) (Session, error)
	RevokeSession(ctx context.Context, id string) error
	CountSessions(ctx context.Context) (total int, active int, err error)
}

// ResultStore persists scrape outcomes.
type ResultStore interface {
	// InsertResult writes a result and returns the ID of the stored row. A
	// second insert for the same JobID stores nothing and returns the ID of
	// the first, so redelivered jobs never produce duplicate rows.
	InsertResult(ctx context.Context, result ScrapeResult) (string, error)
	// InsertSeed writes rows, skipping any whose URL and content already exist.
	InsertSeed(ctx context.Context, results []ScrapeResult) (int, error)
	ListResults(ctx context.Context, query ListResultsQuery) (ResultPage, error)
	CountResults(ctx context.Context) (int, error)
	TopDomains(ctx context.Context, limit int) ([]DomainCount, error)
}

// Fetcher retrieves page content. Failures are returned as *FetchFailure.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (FetchOutcome, error)
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Publisher pushes lifecycle events to Pub/Sub, Kafka, or similar.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// RateLimiter throttles outbound fetches per domain.
type RateLimiter interface {
	Wait(ctx context.Context, url string) error
}

// Hasher computes content digests.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces record IDs.
type IDGenerator interface {
	NewID() (string, error)
}
