package challenge

import (
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"
	"strings"

	"github.com/ctfrange/ctfrange/internal/apperr"
	"github.com/ctfrange/ctfrange/internal/domain"
	"github.com/ctfrange/ctfrange/internal/repository"
)

// Service exposes the challenge catalog and accepts flag submissions.
type Service struct {
	challenges repository.ChallengeRepository
	users      repository.UserRepository
	logger     *slog.Logger
}

func New(challenges repository.ChallengeRepository, users repository.UserRepository, logger *slog.Logger) *Service {
	return &Service{challenges: challenges, users: users, logger: logger}
}

// List returns the catalog with flags and container definitions stripped.
func (s *Service) List(ctx context.Context) ([]domain.Challenge, error) {
	challenges, err := s.challenges.ListChallenges(ctx)
	if err != nil {
		return nil, apperr.Wrap(apperr.Persistence, "list challenges", err)
	}
	out := make([]domain.Challenge, len(challenges))
	for i, c := range challenges {
		out[i] = sanitize(c)
	}
	return out, nil
}

// Get returns one sanitized challenge.
func (s *Service) Get(ctx context.Context, challengeID string) (*domain.Challenge, error) {
	c, err := s.challenges.GetChallengeByID(ctx, challengeID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, apperr.New(apperr.NotFound, "challenge not found")
		}
		return nil, apperr.Wrap(apperr.Persistence, "load challenge", err)
	}
	clean := sanitize(*c)
	return &clean, nil
}

// SubmitFlag checks a flag and records the solve when it matches.
// Resubmitting a correct flag for an already solved challenge reports
// success again.
func (s *Service) SubmitFlag(ctx context.Context, userID, challengeID, flag string) (bool, error) {
	c, err := s.challenges.GetChallengeByID(ctx, challengeID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return false, apperr.New(apperr.NotFound, "challenge not found")
		}
		return false, apperr.Wrap(apperr.Persistence, "load challenge", err)
	}

	submitted := strings.TrimSpace(flag)
	if submitted == "" {
		return false, apperr.New(apperr.Validation, "flag cannot be empty")
	}
	if subtle.ConstantTimeCompare([]byte(submitted), []byte(c.Flag)) != 1 {
		return false, nil
	}

	if err := s.users.MarkChallengeSolved(ctx, userID, challengeID); err != nil {
		return false, apperr.Wrap(apperr.Persistence, "record solve", err)
	}
	s.logger.Info("challenge solved", "user_id", userID, "challenge_id", challengeID)
	return true, nil
}

func sanitize(c domain.Challenge) domain.Challenge {
	c.Flag = ""
	c.ContainerSpecs = nil
	return c
}
