package repository

import (
	"context"
	"time"

	"github.com/ctfrange/ctfrange/internal/domain"
)

// UserRepository persists users and their solves.
type UserRepository interface {
	CreateUser(ctx context.Context, user *domain.User) error
	GetUserByEmail(ctx context.Context, email string) (*domain.User, error)
	GetUserByID(ctx context.Context, id string) (*domain.User, error)
	ListSolvedChallengeIDs(ctx context.Context, userID string) ([]string, error)
	MarkChallengeSolved(ctx context.Context, userID, challengeID string) error
}

// ChallengeRepository exposes the catalog read-only. Seeding and CRUD belong
// to external tooling.
type ChallengeRepository interface {
	ListChallenges(ctx context.Context) ([]domain.Challenge, error)
	GetChallengeByID(ctx context.Context, challengeID string) (*domain.Challenge, error)
}

// InstanceRepository persists instance records. All mutations are atomic at
// the single-row level; callers must not assume cross-record transactions.
type InstanceRepository interface {
	CreateInstance(ctx context.Context, instance *domain.Instance) error
	GetInstanceForUser(ctx context.Context, instanceID, userID string) (*domain.Instance, error)
	GetActiveInstanceByUser(ctx context.Context, userID string) (*domain.Instance, error)
	ListLivePorts(ctx context.Context, excludeInstanceID string) ([]int, error)
	UpdateInstance(ctx context.Context, update domain.InstanceUpdate) error
	DeleteInstance(ctx context.Context, instanceID string) error
	ListExpiredLiveInstances(ctx context.Context, now time.Time) ([]domain.Instance, error)
}
