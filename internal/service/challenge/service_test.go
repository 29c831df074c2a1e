package challenge

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/ctfrange/ctfrange/internal/apperr"
	"github.com/ctfrange/ctfrange/internal/domain"
	"github.com/ctfrange/ctfrange/internal/repository"
)

type fakeChallengeRepo struct {
	challenges map[string]*domain.Challenge
}

func (r *fakeChallengeRepo) ListChallenges(context.Context) ([]domain.Challenge, error) {
	out := make([]domain.Challenge, 0, len(r.challenges))
	for _, c := range r.challenges {
		out = append(out, *c)
	}
	return out, nil
}

func (r *fakeChallengeRepo) GetChallengeByID(_ context.Context, id string) (*domain.Challenge, error) {
	c, ok := r.challenges[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

type fakeUserRepo struct {
	mu     sync.Mutex
	solves map[string][]string
}

func (r *fakeUserRepo) CreateUser(context.Context, *domain.User) error { return nil }
func (r *fakeUserRepo) GetUserByEmail(context.Context, string) (*domain.User, error) {
	return nil, repository.ErrNotFound
}
func (r *fakeUserRepo) GetUserByID(context.Context, string) (*domain.User, error) {
	return nil, repository.ErrNotFound
}
func (r *fakeUserRepo) ListSolvedChallengeIDs(_ context.Context, userID string) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.solves[userID], nil
}
func (r *fakeUserRepo) MarkChallengeSolved(_ context.Context, userID, challengeID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.solves == nil {
		r.solves = make(map[string][]string)
	}
	r.solves[userID] = append(r.solves[userID], challengeID)
	return nil
}

func newTestService() (*Service, *fakeUserRepo) {
	challenges := &fakeChallengeRepo{challenges: map[string]*domain.Challenge{
		"chal-1": {
			ID:   "chal-1",
			Name: "stack smash",
			Flag: "CTF{secret}",
			ContainerSpecs: []domain.ContainerSpec{
				{Name: "api", Kind: domain.KindBackend, Image: "c/api", InternalPort: 8080},
			},
			HasLiveTarget: true,
		},
	}}
	users := &fakeUserRepo{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(challenges, users, logger), users
}

func TestListStripsSecrets(t *testing.T) {
	svc, _ := newTestService()
	challenges, err := svc.List(context.Background())
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(challenges) != 1 {
		t.Fatalf("expected one challenge, got %d", len(challenges))
	}
	if challenges[0].Flag != "" {
		t.Error("flag leaked in list")
	}
	if challenges[0].ContainerSpecs != nil {
		t.Error("container specs leaked in list")
	}
}

func TestGetUnknownChallenge(t *testing.T) {
	svc, _ := newTestService()
	if _, err := svc.Get(context.Background(), "nope"); apperr.KindOf(err) != apperr.NotFound {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestSubmitFlagCorrect(t *testing.T) {
	svc, users := newTestService()
	ok, err := svc.SubmitFlag(context.Background(), "user-1", "chal-1", " CTF{secret} ")
	if err != nil {
		t.Fatalf("SubmitFlag failed: %v", err)
	}
	if !ok {
		t.Fatal("trimmed correct flag should succeed")
	}
	if len(users.solves["user-1"]) != 1 {
		t.Errorf("solve not recorded: %v", users.solves)
	}
}

func TestSubmitFlagIncorrect(t *testing.T) {
	svc, users := newTestService()
	ok, err := svc.SubmitFlag(context.Background(), "user-1", "chal-1", "CTF{nope}")
	if err != nil {
		t.Fatalf("SubmitFlag failed: %v", err)
	}
	if ok {
		t.Fatal("wrong flag must not succeed")
	}
	if len(users.solves["user-1"]) != 0 {
		t.Errorf("wrong flag recorded a solve: %v", users.solves)
	}
}

func TestSubmitFlagEmpty(t *testing.T) {
	svc, _ := newTestService()
	if _, err := svc.SubmitFlag(context.Background(), "user-1", "chal-1", "   "); apperr.KindOf(err) != apperr.Validation {
		t.Fatalf("expected validation error, got %v", err)
	}
}
