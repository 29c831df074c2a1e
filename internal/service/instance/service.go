package instance

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/ctfrange/ctfrange/internal/apperr"
	"github.com/ctfrange/ctfrange/internal/docker"
	"github.com/ctfrange/ctfrange/internal/domain"
	"github.com/ctfrange/ctfrange/internal/repository"
)

// Launcher starts and stops the container pairs behind instances.
type Launcher interface {
	StartPair(ctx context.Context, req docker.StartPairRequest) (*docker.StartResult, error)
	StopContainers(ctx context.Context, names []string) error
}

// PortAllocator reserves host ports for exposed containers.
type PortAllocator interface {
	Reserve(used []int) (int, error)
	Release(port int)
}

// Events receives instance lifecycle notifications, keyed by the owning
// user. A nil-safe no-op implementation is acceptable.
type Events interface {
	Broadcast(userID string, payload any)
}

// Event is the payload broadcast on instance state transitions.
type Event struct {
	Type     string        `json:"type"`
	Instance *InstanceView `json:"instance"`
}

// InstanceView is the external shape of an instance, shared by the HTTP
// handlers and the event stream.
type InstanceView struct {
	ID          string     `json:"id"`
	ChallengeID string     `json:"ctfId"`
	UserID      string     `json:"userId"`
	Status      string     `json:"status"`
	URL         string     `json:"url,omitempty"`
	ExpiresAt   *time.Time `json:"expiresAt,omitempty"`
}

// View projects an instance into its external shape.
func View(inst *domain.Instance) *InstanceView {
	if inst == nil {
		return nil
	}
	return &InstanceView{
		ID:          inst.ID,
		ChallengeID: inst.ChallengeID,
		UserID:      inst.UserID,
		Status:      string(inst.Status),
		URL:         inst.URL,
		ExpiresAt:   inst.ExpiresAt,
	}
}

type noopEvents struct{}

func (noopEvents) Broadcast(string, any) {}

// Service orchestrates the instance lifecycle: creation with port
// reservation and container startup, user-initiated stop, and lookup.
type Service struct {
	instances  repository.InstanceRepository
	challenges repository.ChallengeRepository
	users      repository.UserRepository
	launcher   Launcher
	ports      PortAllocator
	events     Events
	ttl        time.Duration
	logger     *slog.Logger
	now        func() time.Time
}

func New(
	instances repository.InstanceRepository,
	challenges repository.ChallengeRepository,
	users repository.UserRepository,
	launcher Launcher,
	ports PortAllocator,
	events Events,
	ttl time.Duration,
	logger *slog.Logger,
) *Service {
	if events == nil {
		events = noopEvents{}
	}
	return &Service{
		instances:  instances,
		challenges: challenges,
		users:      users,
		launcher:   launcher,
		ports:      ports,
		events:     events,
		ttl:        ttl,
		logger:     logger,
		now:        time.Now,
	}
}

// Create provisions a live instance of a challenge for a user. Creation is
// idempotent for a RUNNING instance of the same challenge and resumes an
// interrupted PENDING one; any other live instance is a conflict, as is a
// challenge the user has already solved. The bool reports whether new
// containers were brought up by this call.
func (s *Service) Create(ctx context.Context, userID, challengeID string) (*domain.Instance, bool, error) {
	challenge, err := s.challenges.GetChallengeByID(ctx, challengeID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, false, apperr.New(apperr.NotFound, "challenge not found")
		}
		return nil, false, apperr.Wrap(apperr.Persistence, "load challenge", err)
	}
	if !challenge.HasLiveTarget {
		return nil, false, apperr.New(apperr.Validation, "challenge has no live target")
	}
	if len(challenge.ContainerSpecs) != 2 {
		return nil, false, apperr.New(apperr.Validation, "challenge must define exactly two containers")
	}

	solved, err := s.users.ListSolvedChallengeIDs(ctx, userID)
	if err != nil {
		return nil, false, apperr.Wrap(apperr.Persistence, "load solves", err)
	}
	for _, id := range solved {
		if id == challengeID {
			return nil, false, apperr.New(apperr.Conflict, "challenge already solved")
		}
	}

	inst, err := s.claimInstance(ctx, userID, challengeID)
	if err != nil {
		return nil, false, err
	}
	if inst.Status == domain.StatusRunning {
		return inst, false, nil
	}

	running, err := s.provision(ctx, inst, challenge)
	if err != nil {
		return nil, false, err
	}
	return running, true, nil
}

// claimInstance returns the live instance creation should proceed with: an
// already RUNNING instance of the same challenge, a resumed PENDING one, or
// a freshly persisted PENDING record.
func (s *Service) claimInstance(ctx context.Context, userID, challengeID string) (*domain.Instance, error) {
	existing, err := s.instances.GetActiveInstanceByUser(ctx, userID)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return nil, apperr.Wrap(apperr.Persistence, "load active instance", err)
	}
	if existing != nil {
		if existing.ChallengeID != challengeID {
			return nil, apperr.New(apperr.Conflict, "another challenge instance is already active")
		}
		switch existing.Status {
		case domain.StatusRunning:
			return existing, nil
		case domain.StatusPending:
			s.logger.Info("resuming pending instance", "instance_id", existing.ID, "user_id", userID)
			return existing, nil
		}
	}

	inst := &domain.Instance{
		ID:          uuid.NewString(),
		UserID:      userID,
		ChallengeID: challengeID,
		Status:      domain.StatusPending,
		CreatedAt:   s.now(),
		UpdatedAt:   s.now(),
	}
	if err := s.instances.CreateInstance(ctx, inst); err != nil {
		if errors.Is(err, repository.ErrDuplicateActive) {
			return nil, apperr.New(apperr.Conflict, "another challenge instance is already active")
		}
		return nil, apperr.Wrap(apperr.Persistence, "create instance record", err)
	}
	s.events.Broadcast(userID, Event{Type: "instance.pending", Instance: View(inst)})
	return inst, nil
}

// provision takes a PENDING instance through port reservation and container
// startup to RUNNING. Every failure path deletes the PENDING record so the
// user can retry, and releases the port reservation exactly once.
func (s *Service) provision(ctx context.Context, inst *domain.Instance, challenge *domain.Challenge) (*domain.Instance, error) {
	used, err := s.instances.ListLivePorts(ctx, inst.ID)
	if err != nil {
		s.discard(ctx, inst)
		return nil, apperr.Wrap(apperr.Persistence, "list live ports", err)
	}
	port, err := s.ports.Reserve(used)
	if err != nil {
		s.discard(ctx, inst)
		return nil, err
	}
	defer s.ports.Release(port)

	expiresAt := s.now().Add(s.ttl)
	result, err := s.launcher.StartPair(ctx, docker.StartPairRequest{
		InstanceID:  inst.ID,
		UserID:      inst.UserID,
		ChallengeID: inst.ChallengeID,
		Specs:       challenge.ContainerSpecs,
		HostPort:    port,
		ExpiresAt:   expiresAt,
	})
	if err != nil {
		s.discard(ctx, inst)
		return nil, err
	}
	if result.URL == "" {
		s.rollbackContainers(ctx, inst, startedNames(result))
		return nil, apperr.New(apperr.Runtime, "instance came up without a reachable URL")
	}

	containers := make([]domain.InstanceContainer, 0, len(result.Containers))
	for _, c := range result.Containers {
		containers = append(containers, domain.InstanceContainer{Name: c.Name, Port: c.Port})
	}
	update := domain.InstanceUpdate{
		InstanceID: inst.ID,
		Status:     domain.StatusRunning,
		URL:        result.URL,
		Containers: containers,
		ExpiresAt:  &expiresAt,
	}
	if err := s.instances.UpdateInstance(ctx, update); err != nil {
		s.rollbackContainers(ctx, inst, startedNames(result))
		return nil, apperr.Wrap(apperr.Persistence, "persist running instance", err)
	}

	inst.Status = domain.StatusRunning
	inst.URL = result.URL
	inst.Containers = containers
	inst.ExpiresAt = &expiresAt
	inst.UpdatedAt = s.now()

	s.logger.Info("instance running",
		"instance_id", inst.ID,
		"user_id", inst.UserID,
		"challenge_id", inst.ChallengeID,
		"port", port,
	)
	s.events.Broadcast(inst.UserID, Event{Type: "instance.running", Instance: View(inst)})
	return inst, nil
}

// Active returns the user's live instance, if any.
func (s *Service) Active(ctx context.Context, userID string) (*domain.Instance, error) {
	inst, err := s.instances.GetActiveInstanceByUser(ctx, userID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, apperr.New(apperr.NotFound, "no active instance")
		}
		return nil, apperr.Wrap(apperr.Persistence, "load active instance", err)
	}
	return inst, nil
}

// Stop terminates the user's instance. Stopping an already terminated or
// stopped instance succeeds without touching the runtime; container stop
// failures are logged and do not block the status transition.
func (s *Service) Stop(ctx context.Context, userID, instanceID string) (*domain.Instance, error) {
	inst, err := s.instances.GetInstanceForUser(ctx, instanceID, userID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, apperr.New(apperr.NotFound, "instance not found")
		}
		return nil, apperr.Wrap(apperr.Persistence, "load instance", err)
	}
	if inst.Status.Terminal() {
		return inst, nil
	}

	if err := s.launcher.StopContainers(ctx, inst.ContainerNames()); err != nil {
		s.logger.Warn("container stop failed, terminating anyway",
			"instance_id", inst.ID, "error", err)
	}

	update := domain.InstanceUpdate{InstanceID: inst.ID, Status: domain.StatusTerminated}
	if err := s.instances.UpdateInstance(ctx, update); err != nil {
		return nil, apperr.Wrap(apperr.Persistence, "persist terminated instance", err)
	}
	inst.Status = domain.StatusTerminated
	inst.UpdatedAt = s.now()

	s.logger.Info("instance terminated by user", "instance_id", inst.ID, "user_id", userID)
	s.events.Broadcast(userID, Event{Type: "instance.terminated", Instance: View(inst)})
	return inst, nil
}

// Terminate shuts down an instance on behalf of the expiry sweep. Container
// stop failures mark the instance FAILED instead of TERMINATED so operators
// can find leaked containers. A failed TERMINATED write falls back to a
// FAILED write; if that fails too the instance is left for the next sweep.
func (s *Service) Terminate(ctx context.Context, inst domain.Instance) error {
	status := domain.StatusTerminated
	if err := s.launcher.StopContainers(ctx, inst.ContainerNames()); err != nil {
		s.logger.Error("expired instance cleanup failed",
			"instance_id", inst.ID, "error", err)
		status = domain.StatusFailed
	}

	if err := s.instances.UpdateInstance(ctx, domain.InstanceUpdate{InstanceID: inst.ID, Status: status}); err != nil {
		if status == domain.StatusTerminated {
			s.logger.Error("failed to persist reaped instance, marking failed",
				"instance_id", inst.ID, "error", err)
			status = domain.StatusFailed
			err = s.instances.UpdateInstance(ctx, domain.InstanceUpdate{InstanceID: inst.ID, Status: status})
		}
		if err != nil {
			s.logger.Error("failed to mark reaped instance failed",
				"instance_id", inst.ID, "error", err)
			return nil
		}
	}

	inst.Status = status
	eventType := "instance.terminated"
	if status == domain.StatusFailed {
		eventType = "instance.failed"
	}
	s.events.Broadcast(inst.UserID, Event{Type: eventType, Instance: View(&inst)})
	return nil
}

// ListExpired returns live instances whose lease ended before now.
func (s *Service) ListExpired(ctx context.Context, now time.Time) ([]domain.Instance, error) {
	return s.instances.ListExpiredLiveInstances(ctx, now)
}

// discard removes a PENDING record after a provisioning failure. Losing the
// delete only leaves a resumable PENDING row behind.
func (s *Service) discard(ctx context.Context, inst *domain.Instance) {
	if err := s.instances.DeleteInstance(ctx, inst.ID); err != nil {
		s.logger.Error("failed to delete pending instance",
			"instance_id", inst.ID, "error", err)
	}
}

// rollbackContainers tears down started containers and the PENDING record
// after a post-launch failure.
func (s *Service) rollbackContainers(ctx context.Context, inst *domain.Instance, names []string) {
	if err := s.launcher.StopContainers(ctx, names); err != nil {
		s.logger.Error("rollback container stop failed",
			"instance_id", inst.ID, "error", err)
	}
	s.discard(ctx, inst)
}

func startedNames(result *docker.StartResult) []string {
	names := make([]string, 0, len(result.Containers))
	for _, c := range result.Containers {
		names = append(names, c.Name)
	}
	return names
}
