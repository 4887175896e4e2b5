package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/scrape-dispatch/internal/scrape"
)

func newMockStore(t *testing.T) (*Store, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	store, err := NewStore(mock, time.Second)
	require.NoError(t, err)
	return store, mock
}

func TestNewStoreRequiresPool(t *testing.T) {
	t.Parallel()

	_, err := NewStore(nil, 0)
	require.Error(t, err)
}

func TestCreateUserLowercasesEmail(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	now := time.Unix(1700000000, 0).UTC()
	mock.ExpectExec("INSERT INTO users").
		WithArgs("u1", "alice@example.com", "hash", "user", now).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err := store.CreateUser(context.Background(), scrape.User{
		ID: "u1", Email: "Alice@Example.com", PasswordHash: "hash", Role: scrape.RoleUser, CreatedAt: now,
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateUserDuplicateIsConflict(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectExec("INSERT INTO users").
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnError(&pgconn.PgError{Code: "23505"})

	err := store.CreateUser(context.Background(), scrape.User{ID: "u1", Email: "a@b.c", Role: scrape.RoleUser})
	require.ErrorIs(t, err, scrape.ErrConflict)
}

func TestGetUserByEmail(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	now := time.Unix(1700000000, 0).UTC()
	mock.ExpectQuery("SELECT (.+) FROM users WHERE email").
		WithArgs("alice@example.com").
		WillReturnRows(mock.NewRows([]string{"id", "email", "password_hash", "role", "created_at"}).
			AddRow("u1", "alice@example.com", "hash", "admin", now))

	user, err := store.GetUserByEmail(context.Background(), "ALICE@example.com")
	require.NoError(t, err)
	require.Equal(t, scrape.RoleAdmin, user.Role)
	require.Equal(t, now, user.CreatedAt)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetUserMissing(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectQuery("SELECT (.+) FROM users WHERE id").
		WithArgs("nope").
		WillReturnError(pgx.ErrNoRows)

	_, err := store.GetUser(context.Background(), "nope")
	require.ErrorIs(t, err, scrape.ErrNotFound)
}

func TestSessionLifecycle(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	ctx := context.Background()
	now := time.Unix(1700000000, 0).UTC()

	mock.ExpectExec("INSERT INTO sessions").
		WithArgs("s1", "u1", "token", false, now).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("UPDATE sessions SET revoked").
		WithArgs("s1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectQuery("SELECT (.+) FROM sessions WHERE id").
		WithArgs("s1").
		WillReturnRows(mock.NewRows([]string{"id", "user_id", "refresh_token", "revoked", "created_at"}).
			AddRow("s1", "u1", "token", true, now))
	mock.ExpectExec("UPDATE sessions SET revoked").
		WithArgs("missing").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	require.NoError(t, store.CreateSession(ctx, scrape.Session{ID: "s1", UserID: "u1", RefreshToken: "token", CreatedAt: now}))
	require.NoError(t, store.RevokeSession(ctx, "s1"))
	session, err := store.GetSession(ctx, "s1")
	require.NoError(t, err)
	require.True(t, session.Revoked)
	require.ErrorIs(t, store.RevokeSession(ctx, "missing"), scrape.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertResultUsesJobIDConflict(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	now := time.Unix(1700000000, 0).UTC()
	mock.ExpectQuery(`ON CONFLICT \(job_id\) DO NOTHING`).
		WithArgs("r1", "job-1", "https://example.com", "<html/>", now).
		WillReturnRows(mock.NewRows([]string{"id"}).AddRow("r1"))

	// Redelivery: the insert is skipped and the first row's ID comes back.
	mock.ExpectQuery(`ON CONFLICT \(job_id\) DO NOTHING`).
		WithArgs("r2", "job-1", "https://example.com", "<html/>", now).
		WillReturnRows(mock.NewRows([]string{"id"}))
	mock.ExpectQuery(`SELECT id FROM scrape_results WHERE job_id`).
		WithArgs("job-1").
		WillReturnRows(mock.NewRows([]string{"id"}).AddRow("r1"))

	result := scrape.ScrapeResult{ID: "r1", JobID: "job-1", URL: "https://example.com", Content: "<html/>", CreatedAt: now}
	id, err := store.InsertResult(context.Background(), result)
	require.NoError(t, err)
	require.Equal(t, "r1", id)

	result.ID = "r2"
	id, err = store.InsertResult(context.Background(), result)
	require.NoError(t, err)
	require.Equal(t, "r1", id)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertSeedCountsInsertedRows(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	now := time.Unix(1700000000, 0).UTC()
	mock.ExpectExec("WHERE NOT EXISTS").
		WithArgs("r1", nil, "https://a.com", "a", now).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("WHERE NOT EXISTS").
		WithArgs("r2", nil, "https://b.com", "b", now).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))

	n, err := store.InsertSeed(context.Background(), []scrape.ScrapeResult{
		{ID: "r1", URL: "https://a.com", Content: "a", CreatedAt: now},
		{ID: "r2", URL: "https://b.com", Content: "b", CreatedAt: now},
	})
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListResultsPagesWithCursor(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	t3 := time.Unix(1700000300, 0).UTC()
	t2 := time.Unix(1700000200, 0).UTC()
	t1 := time.Unix(1700000100, 0).UTC()
	cols := []string{"id", "url", "content", "created_at"}

	mock.ExpectQuery("SELECT id, url, content, created_at FROM scrape_results").
		WithArgs(3).
		WillReturnRows(mock.NewRows(cols).
			AddRow("r3", "https://c.com", "c", t3).
			AddRow("r2", "https://b.com", "b", t2).
			AddRow("r1", "https://a.com", "a", t1))

	page, err := store.ListResults(context.Background(), scrape.ListResultsQuery{Limit: 2})
	require.NoError(t, err)
	require.Len(t, page.Results, 2)
	require.Equal(t, "r3", page.Results[0].ID)
	require.NotEmpty(t, page.NextCursor)

	mock.ExpectQuery(`WHERE \(created_at, id\) <`).
		WithArgs(pgxmock.AnyArg(), "r2", 3).
		WillReturnRows(mock.NewRows(cols).AddRow("r1", "https://a.com", "a", t1))

	next, err := store.ListResults(context.Background(), scrape.ListResultsQuery{Limit: 2, Cursor: page.NextCursor})
	require.NoError(t, err)
	require.Len(t, next.Results, 1)
	require.Empty(t, next.NextCursor)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListResultsRejectsBadCursor(t *testing.T) {
	t.Parallel()

	store, _ := newMockStore(t)
	_, err := store.ListResults(context.Background(), scrape.ListResultsQuery{Cursor: "%%%"})
	require.True(t, scrape.IsValidation(err))
}

func TestCountsAndDomains(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	ctx := context.Background()
	domain := "example.com"

	mock.ExpectQuery("SELECT count").WillReturnRows(mock.NewRows([]string{"count"}).AddRow(4))
	mock.ExpectQuery("FROM sessions").WillReturnRows(mock.NewRows([]string{"count", "count"}).AddRow(3, 2))
	mock.ExpectQuery("GROUP BY domain").
		WithArgs(5).
		WillReturnRows(mock.NewRows([]string{"domain", "n"}).AddRow(&domain, 7))

	users, err := store.CountUsers(ctx)
	require.NoError(t, err)
	require.Equal(t, 4, users)

	total, active, err := store.CountSessions(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, total)
	require.Equal(t, 2, active)

	domains, err := store.TopDomains(ctx, 5)
	require.NoError(t, err)
	require.Equal(t, []scrape.DomainCount{{Domain: "example.com", Count: 7}}, domains)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnsureSchema(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS users").WillReturnResult(pgxmock.NewResult("CREATE", 0))

	require.NoError(t, EnsureSchema(context.Background(), mock))
	require.NoError(t, mock.ExpectationsWereMet())
}
