package auth

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/scrape-dispatch/internal/scrape"
	"github.com/JakeFAU/scrape-dispatch/internal/storage/memory"
)

func newTestService(t *testing.T) (*Service, *memory.Store, *manualClock) {
	t.Helper()
	clk := newManualClock()
	store := memory.NewStore()
	tokens := newTokenService(t, clk)
	svc := NewService(store, store, tokens, &seqIDs{}, clk, nil, WithArgon2Params(fastParams))
	return svc, store, clk
}

func TestRegisterLoginVerify(t *testing.T) {
	t.Parallel()

	svc, _, _ := newTestService(t)
	ctx := context.Background()

	user, err := svc.Register(ctx, "Alice@Example.com", "password123")
	require.NoError(t, err)
	require.Equal(t, "alice@example.com", user.Email)
	require.Equal(t, scrape.RoleUser, user.Role)
	require.NotEqual(t, "password123", user.PasswordHash)

	result, err := svc.Login(ctx, "alice@example.com", "password123")
	require.NoError(t, err)

	claims, err := svc.Tokens().VerifyAccess(result.AccessToken)
	require.NoError(t, err)
	require.Equal(t, user.ID, claims.UserID())
	require.Equal(t, scrape.RoleUser, claims.Role)
}

func TestRegisterValidation(t *testing.T) {
	t.Parallel()

	svc, _, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Register(ctx, "not-an-email", "pw")
	require.True(t, scrape.IsValidation(err))
	_, err = svc.Register(ctx, "a@b.io", "")
	require.True(t, scrape.IsValidation(err))
	_, err = svc.RegisterWithRole(ctx, "a@b.io", "pw", scrape.Role("root"))
	require.True(t, scrape.IsValidation(err))

	_, err = svc.Register(ctx, "a@b.io", "pw")
	require.NoError(t, err)
	_, err = svc.Register(ctx, "A@B.io", "pw")
	require.ErrorIs(t, err, scrape.ErrConflict)
}

func TestLoginRejectsBadCredentials(t *testing.T) {
	t.Parallel()

	svc, _, _ := newTestService(t)
	ctx := context.Background()
	_, err := svc.Register(ctx, "a@b.io", "right")
	require.NoError(t, err)

	_, err = svc.Login(ctx, "a@b.io", "wrong")
	require.ErrorIs(t, err, ErrInvalidCredentials)
	_, err = svc.Login(ctx, "nobody@b.io", "right")
	require.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestLoginHashesForUnknownEmail(t *testing.T) {
	t.Parallel()

	svc, _, _ := newTestService(t)
	ctx := context.Background()
	_, err := svc.Register(ctx, "a@b.io", "right")
	require.NoError(t, err)

	var checked []string
	svc.verify = func(password, encoded string) (bool, error) {
		checked = append(checked, encoded)
		return VerifyPassword(password, encoded)
	}

	_, err = svc.Login(ctx, "nobody@b.io", "right")
	require.ErrorIs(t, err, ErrInvalidCredentials)
	_, err = svc.Login(ctx, "a@b.io", "wrong")
	require.ErrorIs(t, err, ErrInvalidCredentials)

	require.Len(t, checked, 2)
	require.Equal(t, svc.decoyHash(), checked[0])
	require.True(t, strings.HasPrefix(checked[0], "$argon2id$"))
	require.Contains(t, checked[0], fmt.Sprintf("m=%d,t=%d", fastParams.Memory, fastParams.Time))
}

func TestLoginCreatesSessionBoundToRefreshToken(t *testing.T) {
	t.Parallel()

	svc, store, _ := newTestService(t)
	ctx := context.Background()
	_, err := svc.Register(ctx, "a@b.io", "pw")
	require.NoError(t, err)

	result, err := svc.Login(ctx, "a@b.io", "pw")
	require.NoError(t, err)

	claims, err := svc.Tokens().VerifyRefresh(result.RefreshToken)
	require.NoError(t, err)
	session, err := store.GetSession(ctx, claims.SessionID())
	require.NoError(t, err)
	require.False(t, session.Revoked)
	require.Equal(t, result.RefreshToken, session.RefreshToken)
	require.Equal(t, result.User.ID, session.UserID)
}

func TestRefreshAndLogout(t *testing.T) {
	t.Parallel()

	svc, _, _ := newTestService(t)
	ctx := context.Background()
	_, err := svc.RegisterWithRole(ctx, "admin@b.io", "pw", scrape.RoleAdmin)
	require.NoError(t, err)
	result, err := svc.Login(ctx, "admin@b.io", "pw")
	require.NoError(t, err)

	access, err := svc.Refresh(ctx, result.RefreshToken)
	require.NoError(t, err)
	claims, err := svc.Tokens().VerifyAccess(access)
	require.NoError(t, err)
	require.Equal(t, scrape.RoleAdmin, claims.Role)

	require.NoError(t, svc.Logout(ctx, result.RefreshToken))

	// The token still verifies cryptographically; the session lookup rejects it.
	_, err = svc.Tokens().VerifyRefresh(result.RefreshToken)
	require.NoError(t, err)
	_, err = svc.Refresh(ctx, result.RefreshToken)
	require.ErrorIs(t, err, ErrRevokedSession)
	require.ErrorIs(t, err, ErrInvalidToken)
	require.ErrorIs(t, svc.Logout(ctx, result.RefreshToken), ErrRevokedSession)
}

func TestRefreshRejectsUnknownSessionAndAccessTokens(t *testing.T) {
	t.Parallel()

	svc, _, _ := newTestService(t)
	ctx := context.Background()
	user, err := svc.Register(ctx, "a@b.io", "pw")
	require.NoError(t, err)

	forged, err := svc.Tokens().IssueRefreshToken(user.ID, "no-such-session")
	require.NoError(t, err)
	_, err = svc.Refresh(ctx, forged)
	require.ErrorIs(t, err, ErrRevokedSession)

	result, err := svc.Login(ctx, "a@b.io", "pw")
	require.NoError(t, err)
	_, err = svc.Refresh(ctx, result.AccessToken)
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestRefreshRejectsTokenNotStoredOnSession(t *testing.T) {
	t.Parallel()

	svc, _, clk := newTestService(t)
	ctx := context.Background()
	user, err := svc.Register(ctx, "a@b.io", "pw")
	require.NoError(t, err)
	result, err := svc.Login(ctx, "a@b.io", "pw")
	require.NoError(t, err)

	claims, err := svc.Tokens().VerifyRefresh(result.RefreshToken)
	require.NoError(t, err)
	clk.Advance(2 * time.Second)
	reissued, err := svc.Tokens().IssueRefreshToken(user.ID, claims.SessionID())
	require.NoError(t, err)
	require.NotEqual(t, result.RefreshToken, reissued)

	_, err = svc.Refresh(ctx, reissued)
	require.ErrorIs(t, err, ErrRevokedSession)
}

type seqIDs struct {
	n atomic.Int64
}

func (s *seqIDs) NewID() (string, error) {
	return fmt.Sprintf("id-%03d", s.n.Add(1)), nil
}
