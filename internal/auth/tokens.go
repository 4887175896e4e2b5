package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/JakeFAU/scrape-dispatch/internal/scrape"
)

var (
	// ErrInvalidToken is the root of every token rejection.
	ErrInvalidToken = errors.New("invalid token")
	// ErrExpiredToken means the signature is valid but the token has expired.
	ErrExpiredToken = fmt.Errorf("%w: expired", ErrInvalidToken)
	// ErrMalformedToken covers bad signatures, algorithms, claims, or encoding.
	ErrMalformedToken = fmt.Errorf("%w: malformed", ErrInvalidToken)
	// ErrRevokedSession means the refresh token's session is gone, revoked,
	// or holds a different token.
	ErrRevokedSession = fmt.Errorf("%w: session revoked", ErrInvalidToken)
)

// Token types carried in the typ claim.
const (
	TypeAccess  = "access"
	TypeRefresh = "refresh"
)

// Default lifetimes.
const (
	DefaultAccessTTL  = 5 * time.Minute
	DefaultRefreshTTL = 7 * 24 * time.Hour
)

// Claims is the decoded token payload.
type Claims struct {
	Role scrape.Role `json:"role,omitempty"`
	Type string      `json:"typ"`
	jwt.RegisteredClaims
}

// UserID returns the subject.
func (c Claims) UserID() string {
	return c.Subject
}

// SessionID returns the jti, set only on refresh tokens.
func (c Claims) SessionID() string {
	return c.ID
}

// TokenService signs and verifies HS256 tokens with an injected secret.
type TokenService struct {
	secret     []byte
	accessTTL  time.Duration
	refreshTTL time.Duration
	clock      scrape.Clock
}

// NewTokenService validates the secret and applies default lifetimes.
func NewTokenService(secret []byte, accessTTL, refreshTTL time.Duration, clock scrape.Clock) (*TokenService, error) {
	if len(secret) == 0 {
		return nil, errors.New("token secret is required")
	}
	if accessTTL <= 0 {
		accessTTL = DefaultAccessTTL
	}
	if refreshTTL <= 0 {
		refreshTTL = DefaultRefreshTTL
	}
	return &TokenService{
		secret:     append([]byte(nil), secret...),
		accessTTL:  accessTTL,
		refreshTTL: refreshTTL,
		clock:      clock,
	}, nil
}

// IssueAccessToken signs a short-lived token for userID.
func (s *TokenService) IssueAccessToken(userID string, role scrape.Role) (string, error) {
	return s.sign(Claims{
		Role:             role,
		Type:             TypeAccess,
		RegisteredClaims: s.registered(userID, "", s.accessTTL),
	})
}

// IssueRefreshToken signs a long-lived token bound to sessionID.
func (s *TokenService) IssueRefreshToken(userID, sessionID string) (string, error) {
	if sessionID == "" {
		return "", errors.New("session id is required")
	}
	return s.sign(Claims{
		Type:             TypeRefresh,
		RegisteredClaims: s.registered(userID, sessionID, s.refreshTTL),
	})
}

func (s *TokenService) registered(userID, jti string, ttl time.Duration) jwt.RegisteredClaims {
	now := s.clock.Now()
	return jwt.RegisteredClaims{
		Subject:   userID,
		ID:        jti,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
}

func (s *TokenService) sign(claims Claims) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign jwt: %w", err)
	}
	return signed, nil
}

// Verify checks the algorithm, signature, and expiry of any token type.
func (s *TokenService) Verify(raw string) (Claims, error) {
	var claims Claims
	token, err := jwt.ParseWithClaims(raw, &claims, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(s.clock.Now),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Claims{}, ErrExpiredToken
		}
		return Claims{}, fmt.Errorf("%w: %v", ErrMalformedToken, err)
	}
	if !token.Valid || claims.Subject == "" {
		return Claims{}, ErrMalformedToken
	}
	return claims, nil
}

// VerifyAccess verifies raw and requires typ=access.
func (s *TokenService) VerifyAccess(raw string) (Claims, error) {
	return s.verifyType(raw, TypeAccess)
}

// VerifyRefresh verifies raw and requires typ=refresh with a session id.
func (s *TokenService) VerifyRefresh(raw string) (Claims, error) {
	claims, err := s.verifyType(raw, TypeRefresh)
	if err != nil {
		return Claims{}, err
	}
	if claims.SessionID() == "" {
		return Claims{}, ErrMalformedToken
	}
	return claims, nil
}

func (s *TokenService) verifyType(raw, typ string) (Claims, error) {
	claims, err := s.Verify(raw)
	if err != nil {
		return Claims{}, err
	}
	if claims.Type != typ {
		return Claims{}, fmt.Errorf("%w: expected %s token", ErrMalformedToken, typ)
	}
	return claims, nil
}

// RefreshTTL is the lifetime of refresh tokens, used for cookie Max-Age.
func (s *TokenService) RefreshTTL() time.Duration {
	return s.refreshTTL
}
