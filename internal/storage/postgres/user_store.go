package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/JakeFAU/scrape-dispatch/internal/scrape"
)

const userColumns = `id, email, password_hash, role, created_at`

// CreateUser inserts a user. A duplicate email yields scrape.ErrConflict.
func (s *Store) CreateUser(ctx context.Context, user scrape.User) error {
	ctx, cancel := s.ctx(ctx)
	defer cancel()
	_, err := s.db.Exec(ctx,
		`INSERT INTO users (`+userColumns+`) VALUES ($1, $2, $3, $4, $5)`,
		user.ID, strings.ToLower(user.Email), user.PasswordHash, string(user.Role), user.CreatedAt,
	)
	return classify("insert user", err)
}

// GetUserByEmail looks a user up by lower-cased email.
func (s *Store) GetUserByEmail(ctx context.Context, email string) (scrape.User, error) {
	ctx, cancel := s.ctx(ctx)
	defer cancel()
	row := s.db.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE email = $1`, strings.ToLower(email))
	return scanUser(row, "get user by email")
}

// GetUser looks a user up by id.
func (s *Store) GetUser(ctx context.Context, id string) (scrape.User, error) {
	ctx, cancel := s.ctx(ctx)
	defer cancel()
	row := s.db.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id)
	return scanUser(row, "get user")
}

// CountUsers returns the number of accounts.
func (s *Store) CountUsers(ctx context.Context) (int, error) {
	ctx, cancel := s.ctx(ctx)
	defer cancel()
	var n int
	if err := s.db.QueryRow(ctx, `SELECT count(*) FROM users`).Scan(&n); err != nil {
		return 0, classify("count users", err)
	}
	return n, nil
}

// RecentUsers returns the newest accounts first.
func (s *Store) RecentUsers(ctx context.Context, limit int) ([]scrape.User, error) {
	ctx, cancel := s.ctx(ctx)
	defer cancel()
	rows, err := s.db.Query(ctx,
		`SELECT `+userColumns+` FROM users ORDER BY created_at DESC, id DESC LIMIT $1`, limit)
	if err != nil {
		return nil, classify("recent users", err)
	}
	defer rows.Close()
	var users []scrape.User
	for rows.Next() {
		user, err := scanUser(rows, "recent users")
		if err != nil {
			return nil, err
		}
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("recent users", err)
	}
	return users, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanUser(row scanner, op string) (scrape.User, error) {
	var (
		user scrape.User
		role string
	)
	if err := row.Scan(&user.ID, &user.Email, &user.PasswordHash, &role, &user.CreatedAt); err != nil {
		return scrape.User{}, classify(op, err)
	}
	user.Role = scrape.Role(role)
	if !user.Role.Valid() {
		return scrape.User{}, &scrape.PersistenceError{Op: op, Err: fmt.Errorf("unknown role %q", role)}
	}
	return user, nil
}
