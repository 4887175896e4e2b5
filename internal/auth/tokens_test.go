package auth

import (
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/scrape-dispatch/internal/scrape"
)

func newTokenService(t *testing.T, clk *manualClock) *TokenService {
	t.Helper()
	svc, err := NewTokenService([]byte("test-secret"), 0, 0, clk)
	require.NoError(t, err)
	return svc
}

func TestNewTokenServiceRequiresSecret(t *testing.T) {
	t.Parallel()

	_, err := NewTokenService(nil, 0, 0, newManualClock())
	require.Error(t, err)
}

func TestAccessTokenRoundTrip(t *testing.T) {
	t.Parallel()

	svc := newTokenService(t, newManualClock())
	raw, err := svc.IssueAccessToken("user-1", scrape.RoleAdmin)
	require.NoError(t, err)

	claims, err := svc.VerifyAccess(raw)
	require.NoError(t, err)
	require.Equal(t, "user-1", claims.UserID())
	require.Equal(t, scrape.RoleAdmin, claims.Role)

	_, err = svc.VerifyRefresh(raw)
	require.ErrorIs(t, err, ErrMalformedToken)
}

func TestRefreshTokenCarriesSession(t *testing.T) {
	t.Parallel()

	svc := newTokenService(t, newManualClock())
	raw, err := svc.IssueRefreshToken("user-1", "session-1")
	require.NoError(t, err)

	claims, err := svc.VerifyRefresh(raw)
	require.NoError(t, err)
	require.Equal(t, "session-1", claims.SessionID())

	_, err = svc.VerifyAccess(raw)
	require.ErrorIs(t, err, ErrInvalidToken)

	_, err = svc.IssueRefreshToken("user-1", "")
	require.Error(t, err)
}

func TestExpiredTokens(t *testing.T) {
	t.Parallel()

	clk := newManualClock()
	svc := newTokenService(t, clk)
	access, err := svc.IssueAccessToken("user-1", scrape.RoleUser)
	require.NoError(t, err)
	refresh, err := svc.IssueRefreshToken("user-1", "s1")
	require.NoError(t, err)

	clk.Advance(6 * time.Minute)
	_, err = svc.VerifyAccess(access)
	require.ErrorIs(t, err, ErrExpiredToken)
	require.ErrorIs(t, err, ErrInvalidToken)
	_, err = svc.VerifyRefresh(refresh)
	require.NoError(t, err)

	clk.Advance(7 * 24 * time.Hour)
	_, err = svc.VerifyRefresh(refresh)
	require.ErrorIs(t, err, ErrExpiredToken)
}

func TestVerifyRejectsTampering(t *testing.T) {
	t.Parallel()

	clk := newManualClock()
	svc := newTokenService(t, clk)
	raw, err := svc.IssueAccessToken("user-1", scrape.RoleUser)
	require.NoError(t, err)

	other, err := NewTokenService([]byte("other-secret"), 0, 0, clk)
	require.NoError(t, err)
	_, err = other.Verify(raw)
	require.ErrorIs(t, err, ErrMalformedToken)

	parts := strings.Split(raw, ".")
	require.Len(t, parts, 3)
	_, err = svc.Verify(parts[0] + "." + parts[1] + ".AAAA")
	require.ErrorIs(t, err, ErrInvalidToken)

	_, err = svc.Verify("not-a-jwt")
	require.ErrorIs(t, err, ErrMalformedToken)
}

func TestVerifyRejectsOtherAlgorithms(t *testing.T) {
	t.Parallel()

	clk := newManualClock()
	svc := newTokenService(t, clk)
	claims := Claims{Type: TypeAccess, RegisteredClaims: svc.registered("user-1", "", time.Minute)}
	token := jwt.NewWithClaims(jwt.SigningMethodHS512, claims)
	raw, err := token.SignedString([]byte("test-secret"))
	require.NoError(t, err)

	_, err = svc.Verify(raw)
	require.True(t, errors.Is(err, ErrMalformedToken))

	unsigned, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	_, err = svc.Verify(unsigned)
	require.ErrorIs(t, err, ErrMalformedToken)
}

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func newManualClock() *manualClock {
	return &manualClock{now: time.Now().UTC().Truncate(time.Second)}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}
