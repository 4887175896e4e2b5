package scrape

import (
	"time"
)

// JobStatus represents the lifecycle state of a scrape job.
type JobStatus string

// Job status values persisted by the queue backends.
const (
	JobStatusWaiting   JobStatus = "waiting"
	JobStatusActive    JobStatus = "active"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

// Terminal reports whether no further transitions are allowed.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// DefaultMaxAttempts bounds the fetch attempts for a job.
const DefaultMaxAttempts = 3

// Role tags a user account.
type Role string

// Supported roles.
const (
	RoleAdmin Role = "admin"
	RoleUser  Role = "user"
)

// Valid reports whether the role is one of the known values.
func (r Role) Valid() bool {
	return r == RoleAdmin || r == RoleUser
}

// User is a persisted account owned by the credential store.
type User struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	Role         Role      `json:"role"`
	CreatedAt    time.Time `json:"created_at"`
}

// Session backs a refresh token. Sessions are never deleted, only revoked.
type Session struct {
	ID           string    `json:"id"`
	UserID       string    `json:"user_id"`
	RefreshToken string    `json:"-"`
	Revoked      bool      `json:"revoked"`
	CreatedAt    time.Time `json:"created_at"`
}

// Job is one unit of work: fetch URL and persist the outcome.
type Job struct {
	ID             string     `json:"id"`
	URL            string     `json:"url"`
	Status         JobStatus  `json:"status"`
	Attempts       int        `json:"attempts"`
	MaxAttempts    int        `json:"max_attempts"`
	LastError      string     `json:"last_error,omitempty"`
	SubmittedBy    string     `json:"submitted_by,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	AvailableAt    time.Time  `json:"available_at"`
	LeaseExpiresAt *time.Time `json:"lease_expires_at,omitempty"`
	// Lease counts claims. Ack and Nack must present the value Dequeue
	// returned.
	Lease int64 `json:"lease"`
}

// EnqueueRequest carries what a client submits for a new job.
type EnqueueRequest struct {
	URL         string
	SubmittedBy string
}

// ScrapeResult is the persisted outcome of a successful fetch. JobID is empty
// for rows written by the seed path.
type ScrapeResult struct {
	ID        string    `json:"id"`
	JobID     string    `json:"-"`
	URL       string    `json:"url"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
}

// ListResultsQuery pages through results newest first.
type ListResultsQuery struct {
	Limit  int
	Cursor string
}

// ResultPage is one page of results plus the cursor for the next one.
type ResultPage struct {
	Results    []ScrapeResult
	NextCursor string
}

// FetchOutcome is the successful payload returned by the Fetch Service.
type FetchOutcome struct {
	URL        string
	Content    string
	StatusCode int
	Duration   time.Duration
}

// EventType names a job lifecycle event.
type EventType string

// Lifecycle events published on terminal transitions.
const (
	EventJobCompleted EventType = "job.completed"
	EventJobFailed    EventType = "job.failed"
)

// Event is the payload published to the configured topic.
type Event struct {
	Type        EventType `json:"type"`
	JobID       string    `json:"job_id"`
	URL         string    `json:"url"`
	Attempts    int       `json:"attempts"`
	Error       string    `json:"error,omitempty"`
	ResultID    string    `json:"result_id,omitempty"`
	ContentHash string    `json:"content_hash,omitempty"`
	ArchiveURI  string    `json:"archive_uri,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// Overview summarizes store contents for operators.
type Overview struct {
	Users          int            `json:"users"`
	Sessions       int            `json:"sessions"`
	ActiveSessions int            `json:"active_sessions"`
	Results        int            `json:"results"`
	RecentUsers    []User         `json:"recent_users"`
	RecentResults  []ResultDigest `json:"recent_results"`
	TopDomains     []DomainCount  `json:"top_domains"`
}

// ResultDigest describes a result without its content.
type ResultDigest struct {
	ID            string    `json:"id"`
	URL           string    `json:"url"`
	ContentLength int       `json:"content_length"`
	CreatedAt     time.Time `json:"created_at"`
}

// DomainCount is the number of results stored for one host.
type DomainCount struct {
	Domain string `json:"domain"`
	Count  int    `json:"count"`
}
