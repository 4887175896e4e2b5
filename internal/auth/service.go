package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/JakeFAU/scrape-dispatch/internal/scrape"
)

// ErrInvalidCredentials is returned for an unknown email or a wrong password.
var ErrInvalidCredentials = errors.New("invalid credentials")

// Service implements the account and session flows.
type Service struct {
	users    scrape.UserStore
	sessions scrape.SessionStore
	tokens   *TokenService
	ids      scrape.IDGenerator
	clock    scrape.Clock
	params   Argon2Params
	validate *validator.Validate
	logger   *zap.Logger

	verify    func(password, encoded string) (bool, error)
	decoyOnce sync.Once
	decoy     string
}

// ServiceOption customizes a Service.
type ServiceOption func(*Service)

// WithArgon2Params overrides the hashing cost, mainly so tests stay fast.
func WithArgon2Params(p Argon2Params) ServiceOption {
	return func(s *Service) {
		s.params = p
	}
}

// NewService wires the stores and token service.
func NewService(
	users scrape.UserStore,
	sessions scrape.SessionStore,
	tokens *TokenService,
	ids scrape.IDGenerator,
	clock scrape.Clock,
	logger *zap.Logger,
	opts ...ServiceOption,
) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Service{
		users:    users,
		sessions: sessions,
		tokens:   tokens,
		ids:      ids,
		clock:    clock,
		params:   DefaultArgon2Params,
		validate: validator.New(),
		logger:   logger.Named("auth"),
		verify:   VerifyPassword,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Tokens exposes the token service for request authentication.
func (s *Service) Tokens() *TokenService {
	return s.tokens
}

// LoginResult is what a successful login hands back to the caller.
type LoginResult struct {
	User         scrape.User
	AccessToken  string
	RefreshToken string
}

// Register creates a user account with the user role.
func (s *Service) Register(ctx context.Context, email, password string) (scrape.User, error) {
	return s.RegisterWithRole(ctx, email, password, scrape.RoleUser)
}

// RegisterWithRole creates an account with an explicit role. A duplicate
// email yields scrape.ErrConflict.
func (s *Service) RegisterWithRole(ctx context.Context, email, password string, role scrape.Role) (scrape.User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if err := s.validate.Var(email, "required,email"); err != nil {
		return scrape.User{}, &scrape.ValidationError{Field: "email", Reason: "must be a valid email address"}
	}
	if password == "" {
		return scrape.User{}, &scrape.ValidationError{Field: "password", Reason: "is required"}
	}
	if !role.Valid() {
		return scrape.User{}, &scrape.ValidationError{Field: "role", Reason: "unknown role"}
	}
	hash, err := HashPassword(password, s.params)
	if err != nil {
		return scrape.User{}, err
	}
	id, err := s.ids.NewID()
	if err != nil {
		return scrape.User{}, fmt.Errorf("generate user id: %w", err)
	}
	user := scrape.User{
		ID:           id,
		Email:        email,
		PasswordHash: hash,
		Role:         role,
		CreatedAt:    s.clock.Now(),
	}
	if err := s.users.CreateUser(ctx, user); err != nil {
		return scrape.User{}, err
	}
	s.logger.Info("user registered", zap.String("user_id", user.ID), zap.String("role", string(role)))
	return user, nil
}

// Login checks credentials, opens a session, and issues both tokens.
func (s *Service) Login(ctx context.Context, email, password string) (LoginResult, error) {
	user, err := s.users.GetUserByEmail(ctx, strings.ToLower(strings.TrimSpace(email)))
	if errors.Is(err, scrape.ErrNotFound) {
		// Unknown emails pay for a hash check too, so response time does
		// not reveal which accounts exist.
		_, _ = s.verify(password, s.decoyHash())
		return LoginResult{}, ErrInvalidCredentials
	}
	if err != nil {
		return LoginResult{}, err
	}
	ok, err := s.verify(password, user.PasswordHash)
	if err != nil {
		s.logger.Warn("stored password hash unreadable", zap.String("user_id", user.ID), zap.Error(err))
		return LoginResult{}, ErrInvalidCredentials
	}
	if !ok {
		return LoginResult{}, ErrInvalidCredentials
	}

	sessionID, err := s.ids.NewID()
	if err != nil {
		return LoginResult{}, fmt.Errorf("generate session id: %w", err)
	}
	refresh, err := s.tokens.IssueRefreshToken(user.ID, sessionID)
	if err != nil {
		return LoginResult{}, err
	}
	session := scrape.Session{
		ID:           sessionID,
		UserID:       user.ID,
		RefreshToken: refresh,
		CreatedAt:    s.clock.Now(),
	}
	if err := s.sessions.CreateSession(ctx, session); err != nil {
		return LoginResult{}, err
	}
	access, err := s.tokens.IssueAccessToken(user.ID, user.Role)
	if err != nil {
		return LoginResult{}, err
	}
	s.logger.Info("session opened", zap.String("user_id", user.ID), zap.String("session_id", sessionID))
	return LoginResult{User: user, AccessToken: access, RefreshToken: refresh}, nil
}

// decoyHash is a fixed hash with the service's cost, checked against when
// the email is unknown.
func (s *Service) decoyHash() string {
	s.decoyOnce.Do(func() {
		hash, err := HashPassword("decoy", s.params)
		if err != nil {
			s.logger.Warn("decoy hash unavailable", zap.Error(err))
			return
		}
		s.decoy = hash
	})
	return s.decoy
}

// Refresh exchanges a live refresh token for a new access token. The
// session store is consulted on every call.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (string, error) {
	claims, session, err := s.liveSession(ctx, refreshToken)
	if err != nil {
		return "", err
	}
	user, err := s.users.GetUser(ctx, claims.UserID())
	if errors.Is(err, scrape.ErrNotFound) {
		return "", ErrRevokedSession
	}
	if err != nil {
		return "", err
	}
	s.logger.Debug("access token refreshed", zap.String("session_id", session.ID))
	return s.tokens.IssueAccessToken(user.ID, user.Role)
}

// Logout revokes the session behind refreshToken. Revocation is terminal.
func (s *Service) Logout(ctx context.Context, refreshToken string) error {
	_, session, err := s.liveSession(ctx, refreshToken)
	if err != nil {
		return err
	}
	if err := s.sessions.RevokeSession(ctx, session.ID); err != nil {
		return err
	}
	s.logger.Info("session revoked", zap.String("user_id", session.UserID), zap.String("session_id", session.ID))
	return nil
}

func (s *Service) liveSession(ctx context.Context, refreshToken string) (Claims, scrape.Session, error) {
	claims, err := s.tokens.VerifyRefresh(refreshToken)
	if err != nil {
		return Claims{}, scrape.Session{}, err
	}
	session, err := s.sessions.GetSession(ctx, claims.SessionID())
	if errors.Is(err, scrape.ErrNotFound) {
		return Claims{}, scrape.Session{}, ErrRevokedSession
	}
	if err != nil {
		return Claims{}, scrape.Session{}, err
	}
	if session.Revoked || session.UserID != claims.UserID() || session.RefreshToken != refreshToken {
		return Claims{}, scrape.Session{}, ErrRevokedSession
	}
	return claims, session, nil
}
