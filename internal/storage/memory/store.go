package memory

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/JakeFAU/scrape-dispatch/internal/scrape"
)

// Store implements the user, session, and result stores in memory.
type Store struct {
	mu       sync.RWMutex
	users    map[string]scrape.User
	byEmail  map[string]string
	sessions map[string]scrape.Session
	results  []scrape.ScrapeResult
	byJob    map[string]string
}

// NewStore constructs an empty Store.
func NewStore() *Store {
	return &Store{
		users:    make(map[string]scrape.User),
		byEmail:  make(map[string]string),
		sessions: make(map[string]scrape.Session),
		byJob:    make(map[string]string),
	}
}

// CreateUser stores a user; emails are unique case-insensitively.
func (s *Store) CreateUser(_ context.Context, user scrape.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	email := strings.ToLower(user.Email)
	if _, exists := s.byEmail[email]; exists {
		return scrape.ErrConflict
	}
	if _, exists := s.users[user.ID]; exists {
		return scrape.ErrConflict
	}
	user.Email = email
	s.users[user.ID] = user
	s.byEmail[email] = user.ID
	return nil
}

// GetUserByEmail looks a user up by email.
func (s *Store) GetUserByEmail(_ context.Context, email string) (scrape.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byEmail[strings.ToLower(email)]
	if !ok {
		return scrape.User{}, scrape.ErrNotFound
	}
	return s.users[id], nil
}

// GetUser looks a user up by id.
func (s *Store) GetUser(_ context.Context, id string) (scrape.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	user, ok := s.users[id]
	if !ok {
		return scrape.User{}, scrape.ErrNotFound
	}
	return user, nil
}

// CountUsers returns the number of accounts.
func (s *Store) CountUsers(context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.users), nil
}

// RecentUsers returns the newest accounts first.
func (s *Store) RecentUsers(_ context.Context, limit int) ([]scrape.User, error) {
	s.mu.RLock()
	users := make([]scrape.User, 0, len(s.users))
	for _, u := range s.users {
		users = append(users, u)
	}
	s.mu.RUnlock()
	sort.Slice(users, func(i, j int) bool {
		if users[i].CreatedAt.Equal(users[j].CreatedAt) {
			return users[i].ID > users[j].ID
		}
		return users[i].CreatedAt.After(users[j].CreatedAt)
	})
	if limit > 0 && len(users) > limit {
		users = users[:limit]
	}
	return users, nil
}

// CreateSession stores a session.
func (s *Store) CreateSession(_ context.Context, session scrape.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.sessions[session.ID]; exists {
		return scrape.ErrConflict
	}
	s.sessions[session.ID] = session
	return nil
}

// GetSession loads a session by id.
func (s *Store) GetSession(_ context.Context, id string) (scrape.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.sessions[id]
	if !ok {
		return scrape.Session{}, scrape.ErrNotFound
	}
	return session, nil
}

// RevokeSession marks a session revoked. Revoking twice is a no-op.
func (s *Store) RevokeSession(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[id]
	if !ok {
		return scrape.ErrNotFound
	}
	session.Revoked = true
	s.sessions[id] = session
	return nil
}

// CountSessions returns total and non-revoked counts.
func (s *Store) CountSessions(context.Context) (int, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	active := 0
	for _, session := range s.sessions {
		if !session.Revoked {
			active++
		}
	}
	return len(s.sessions), active, nil
}

// InsertResult stores a result once per job id and returns the stored ID.
func (s *Store) InsertResult(_ context.Context, result scrape.ScrapeResult) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if result.JobID != "" {
		if existing, dup := s.byJob[result.JobID]; dup {
			return existing, nil
		}
		s.byJob[result.JobID] = result.ID
	}
	s.results = append(s.results, result)
	return result.ID, nil
}

// InsertSeed stores rows whose URL and content are not already present.
func (s *Store) InsertSeed(_ context.Context, results []scrape.ScrapeResult) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inserted := 0
	for _, r := range results {
		if s.hasContentLocked(r.URL, r.Content) {
			continue
		}
		s.results = append(s.results, r)
		inserted++
	}
	return inserted, nil
}

func (s *Store) hasContentLocked(url, content string) bool {
	for _, existing := range s.results {
		if existing.URL == url && existing.Content == content {
			return true
		}
	}
	return false
}

// ListResults pages newest first by (CreatedAt, ID).
func (s *Store) ListResults(_ context.Context, query scrape.ListResultsQuery) (scrape.ResultPage, error) {
	limit := query.Limit
	if limit <= 0 {
		limit = 50
	}
	var cursor *scrape.Cursor
	if query.Cursor != "" {
		c, err := scrape.DecodeCursor(query.Cursor)
		if err != nil {
			return scrape.ResultPage{}, err
		}
		cursor = &c
	}

	s.mu.RLock()
	rows := make([]scrape.ScrapeResult, 0, len(s.results))
	for _, r := range s.results {
		if cursor == nil || cursor.Follows(r.CreatedAt, r.ID) {
			rows = append(rows, r)
		}
	}
	s.mu.RUnlock()

	sortNewestFirst(rows)
	if len(rows) <= limit {
		return scrape.ResultPage{Results: rows}, nil
	}
	rows = rows[:limit]
	last := rows[len(rows)-1]
	return scrape.ResultPage{
		Results:    rows,
		NextCursor: scrape.Cursor{CreatedAt: last.CreatedAt, ID: last.ID}.Encode(),
	}, nil
}

// CountResults returns the number of stored results.
func (s *Store) CountResults(context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.results), nil
}

// TopDomains groups results by host, most frequent first.
func (s *Store) TopDomains(_ context.Context, limit int) ([]scrape.DomainCount, error) {
	s.mu.RLock()
	counts := make(map[string]int)
	for _, r := range s.results {
		counts[scrape.Hostname(r.URL)]++
	}
	s.mu.RUnlock()

	out := make([]scrape.DomainCount, 0, len(counts))
	for domain, n := range counts {
		out = append(out, scrape.DomainCount{Domain: domain, Count: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count == out[j].Count {
			return out[i].Domain < out[j].Domain
		}
		return out[i].Count > out[j].Count
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func sortNewestFirst(rows []scrape.ScrapeResult) {
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].CreatedAt.Equal(rows[j].CreatedAt) {
			return rows[i].ID > rows[j].ID
		}
		return rows[i].CreatedAt.After(rows[j].CreatedAt)
	})
}
