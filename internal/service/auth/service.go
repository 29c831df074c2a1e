package auth

import (
	"context"
	"errors"
	"strings"
	"time"

	"log/slog"

	"github.com/google/uuid"

	"github.com/ctfrange/ctfrange/internal/apperr"
	"github.com/ctfrange/ctfrange/internal/domain"
	"github.com/ctfrange/ctfrange/internal/repository"
	"github.com/ctfrange/ctfrange/pkg/crypto"
	jwtpkg "github.com/ctfrange/ctfrange/pkg/jwt"
)

const minPasswordLength = 8

// Service handles authentication workflows.
type Service struct {
	users     repository.UserRepository
	logger    *slog.Logger
	jwtSecret string
	tokenTTL  time.Duration
}

// New constructs a Service.
func New(users repository.UserRepository, jwtSecret string, tokenTTL time.Duration, logger *slog.Logger) Service {
	return Service{users: users, jwtSecret: jwtSecret, tokenTTL: tokenTTL, logger: logger}
}

// Signup registers a new user and returns a session token.
func (s Service) Signup(ctx context.Context, email, username, password string) (*domain.User, string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	username = strings.TrimSpace(username)
	if email == "" || !strings.Contains(email, "@") {
		return nil, "", apperr.New(apperr.Validation, "a valid email is required")
	}
	if username == "" {
		return nil, "", apperr.New(apperr.Validation, "username is required")
	}
	if len(password) < minPasswordLength {
		return nil, "", apperr.New(apperr.Validation, "password must be at least 8 characters")
	}

	hash, err := crypto.HashPassword(password)
	if err != nil {
		return nil, "", apperr.Wrap(apperr.Runtime, "hash password", err)
	}
	user := &domain.User{
		ID:           uuid.NewString(),
		Email:        email,
		Username:     username,
		PasswordHash: hash,
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.users.CreateUser(ctx, user); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			return nil, "", apperr.New(apperr.Conflict, "email already registered")
		}
		return nil, "", apperr.Wrap(apperr.Persistence, "create user", err)
	}

	token, err := jwtpkg.GenerateToken(user.ID, s.jwtSecret, s.tokenTTL)
	if err != nil {
		return nil, "", apperr.Wrap(apperr.Runtime, "issue token", err)
	}
	s.logger.Info("user registered", "user_id", user.ID)
	return user, token, nil
}

// Login authenticates a user and returns a session token. Unknown emails
// and wrong passwords report the same error.
func (s Service) Login(ctx context.Context, email, password string) (*domain.User, string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	user, err := s.users.GetUserByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, "", apperr.New(apperr.NotFound, "invalid email or password")
		}
		return nil, "", apperr.Wrap(apperr.Persistence, "load user", err)
	}
	if err := crypto.ComparePassword(user.PasswordHash, password); err != nil {
		return nil, "", apperr.New(apperr.NotFound, "invalid email or password")
	}

	token, err := jwtpkg.GenerateToken(user.ID, s.jwtSecret, s.tokenTTL)
	if err != nil {
		return nil, "", apperr.Wrap(apperr.Runtime, "issue token", err)
	}
	s.logger.Info("user logged in", "user_id", user.ID)
	return user, token, nil
}

// Authorize validates a bearer token and returns the associated user.
func (s Service) Authorize(ctx context.Context, token string) (*domain.User, error) {
	trimmed := strings.TrimSpace(token)
	if trimmed == "" {
		return nil, apperr.New(apperr.Validation, "token required")
	}
	claims, err := jwtpkg.Parse(trimmed, s.jwtSecret)
	if err != nil {
		return nil, apperr.Wrap(apperr.Validation, "invalid token", err)
	}
	user, err := s.users.GetUserByID(ctx, claims.UserID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, apperr.New(apperr.NotFound, "user not found")
		}
		return nil, apperr.Wrap(apperr.Persistence, "load user", err)
	}
	return user, nil
}
