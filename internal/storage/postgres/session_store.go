package postgres

import (
	"context"

	"github.com/JakeFAU/scrape-dispatch/internal/scrape"
)

// CreateSession inserts a new, non-revoked session.
func (s *Store) CreateSession(ctx context.Context, session scrape.Session) error {
	ctx, cancel := s.ctx(ctx)
	defer cancel()
	_, err := s.db.Exec(ctx,
		`INSERT INTO sessions (id, user_id, refresh_token, revoked, created_at) VALUES ($1, $2, $3, $4, $5)`,
		session.ID, session.UserID, session.RefreshToken, session.Revoked, session.CreatedAt,
	)
	return classify("insert session", err)
}

// GetSession loads a session by id.
func (s *Store) GetSession(ctx context.Context, id string) (scrape.Session, error) {
	ctx, cancel := s.ctx(ctx)
	defer cancel()
	var session scrape.Session
	err := s.db.QueryRow(ctx,
		`SELECT id, user_id, refresh_token, revoked, created_at FROM sessions WHERE id = $1`, id,
	).Scan(&session.ID, &session.UserID, &session.RefreshToken, &session.Revoked, &session.CreatedAt)
	if err != nil {
		return scrape.Session{}, classify("get session", err)
	}
	return session, nil
}

// RevokeSession flips the revoked flag. Revoking twice is a no-op.
func (s *Store) RevokeSession(ctx context.Context, id string) error {
	ctx, cancel := s.ctx(ctx)
	defer cancel()
	tag, err := s.db.Exec(ctx, `UPDATE sessions SET revoked = TRUE WHERE id = $1`, id)
	if err != nil {
		return classify("revoke session", err)
	}
	if tag.RowsAffected() == 0 {
		return scrape.ErrNotFound
	}
	return nil
}

// CountSessions returns total and non-revoked session counts.
func (s *Store) CountSessions(ctx context.Context) (int, int, error) {
	ctx, cancel := s.ctx(ctx)
	defer cancel()
	var total, active int
	err := s.db.QueryRow(ctx,
		`SELECT count(*), count(*) FILTER (WHERE NOT revoked) FROM sessions`,
	).Scan(&total, &active)
	if err != nil {
		return 0, 0, classify("count sessions", err)
	}
	return total, active, nil
}
