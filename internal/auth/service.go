package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/CodeMonkeyCybersecurity/vigil/internal/config"
	"github.com/CodeMonkeyCybersecurity/vigil/internal/core"
	"github.com/CodeMonkeyCybersecurity/vigil/internal/database"
	"github.com/CodeMonkeyCybersecurity/vigil/internal/logger"
	"github.com/CodeMonkeyCybersecurity/vigil/pkg/types"
)

var (
	ErrMissingCredentials = errors.New("Missing username or password")
	ErrUsernameTaken      = errors.New("Username already exists")
	ErrInvalidCredentials = errors.New("Invalid username or password")
	ErrUsernameTooLong    = fmt.Errorf("Username must be at most %d characters", MaxUsernameLength)
)

// MaxUsernameLength matches the users.username column.
const MaxUsernameLength = 64

// Session is what a successful login hands back to the client.
type Session struct {
	Token     string
	ExpiresAt time.Time
	User      *types.User
}

type Service struct {
	users    core.UserStore
	tokens   *TokenManager
	sessions SessionStore
	cost     int
	logger   *logger.Logger

	// dummyHash keeps the cost of a login for an unknown user in line with a
	// wrong password for a known one.
	dummyHash string
}

func NewService(users core.UserStore, tokens *TokenManager, sessions SessionStore, cfg config.SecurityConfig, log *logger.Logger) (*Service, error) {
	dummy, err := HashPassword("vigil-dummy-password", cfg.BcryptCost)
	if err != nil {
		return nil, err
	}
	return &Service{
		users:     users,
		tokens:    tokens,
		sessions:  sessions,
		cost:      cfg.BcryptCost,
		logger:    log.WithComponent("auth"),
		dummyHash: dummy,
	}, nil
}

func (s *Service) Register(ctx context.Context, username, password string) (*types.User, error) {
	username = strings.TrimSpace(username)
	if username == "" || password == "" {
		return nil, ErrMissingCredentials
	}
	if utf8.RuneCountInString(username) > MaxUsernameLength {
		return nil, ErrUsernameTooLong
	}

	hash, err := HashPassword(password, s.cost)
	if err != nil {
		return nil, err
	}

	user, err := s.users.CreateUser(ctx, username, hash)
	if err != nil {
		if errors.Is(err, database.ErrDuplicate) {
			return nil, ErrUsernameTaken
		}
		return nil, fmt.Errorf("failed to register user: %w", err)
	}

	s.logger.Infow("User registered", "user_id", user.ID, "username", user.Username)
	return user, nil
}

func (s *Service) Login(ctx context.Context, username, password string) (*Session, error) {
	username = strings.TrimSpace(username)
	if username == "" || password == "" {
		return nil, ErrInvalidCredentials
	}

	user, err := s.users.GetUserByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			CheckPassword(s.dummyHash, password)
			return nil, ErrInvalidCredentials
		}
		return nil, fmt.Errorf("failed to load user: %w", err)
	}
	if !CheckPassword(user.PasswordHash, password) {
		s.logger.Infow("Login rejected", "username", username)
		return nil, ErrInvalidCredentials
	}

	token, claims, err := s.tokens.Issue(user)
	if err != nil {
		return nil, err
	}
	if err := s.sessions.Create(ctx, claims.SessionID(), user.ID, s.tokens.TTL()); err != nil {
		return nil, err
	}

	s.logger.Infow("User logged in", "user_id", user.ID)
	return &Session{
		Token:     token,
		ExpiresAt: claims.ExpiresAt.Time,
		User:      user,
	}, nil
}

// Authenticate verifies the token signature, that its session has not been
// revoked and that the user still exists.
func (s *Service) Authenticate(ctx context.Context, token string) (*Claims, error) {
	claims, err := s.tokens.Parse(token)
	if err != nil {
		return nil, err
	}
	ok, err := s.sessions.Valid(ctx, claims.SessionID())
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: session revoked", ErrInvalidToken)
	}
	if _, err := s.users.GetUser(ctx, claims.UserID); err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return nil, fmt.Errorf("%w: user no longer exists", ErrInvalidToken)
		}
		return nil, fmt.Errorf("failed to load user: %w", err)
	}
	return claims, nil
}

// Logout revokes the session behind token. An invalid token has nothing to
// revoke and is not an error.
func (s *Service) Logout(ctx context.Context, token string) error {
	claims, err := s.tokens.Parse(token)
	if err != nil {
		return nil
	}
	if err := s.sessions.Revoke(ctx, claims.SessionID()); err != nil {
		return err
	}
	s.logger.Infow("User logged out", "user_id", claims.UserID)
	return nil
}
