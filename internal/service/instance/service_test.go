package instance

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/ctfrange/ctfrange/internal/apperr"
	"github.com/ctfrange/ctfrange/internal/docker"
	"github.com/ctfrange/ctfrange/internal/domain"
	"github.com/ctfrange/ctfrange/internal/repository"
)

type fakeInstanceRepo struct {
	mu        sync.Mutex
	instances map[string]*domain.Instance
	livePorts []int

	createErr         error
	updateErr         error
	updateErrByStatus map[domain.InstanceStatus]error
	deleteErr         error
	portsErr          error

	created  []string
	updated  []domain.InstanceUpdate
	deleted  []string
	excluded []string
}

func newFakeInstanceRepo() *fakeInstanceRepo {
	return &fakeInstanceRepo{instances: map[string]*domain.Instance{}}
}

func (r *fakeInstanceRepo) CreateInstance(_ context.Context, inst *domain.Instance) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.createErr != nil {
		return r.createErr
	}
	for _, existing := range r.instances {
		if existing.UserID == inst.UserID && existing.Status.Live() {
			return repository.ErrDuplicateActive
		}
	}
	cp := *inst
	r.instances[inst.ID] = &cp
	r.created = append(r.created, inst.ID)
	return nil
}

func (r *fakeInstanceRepo) GetInstanceForUser(_ context.Context, instanceID, userID string) (*domain.Instance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	inst, ok := r.instances[instanceID]
	if !ok || inst.UserID != userID {
		return nil, repository.ErrNotFound
	}
	cp := *inst
	return &cp, nil
}

func (r *fakeInstanceRepo) GetActiveInstanceByUser(_ context.Context, userID string) (*domain.Instance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, inst := range r.instances {
		if inst.UserID == userID && inst.Status.Live() {
			cp := *inst
			return &cp, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (r *fakeInstanceRepo) ListLivePorts(_ context.Context, excludeInstanceID string) ([]int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.excluded = append(r.excluded, excludeInstanceID)
	if r.portsErr != nil {
		return nil, r.portsErr
	}
	return r.livePorts, nil
}

func (r *fakeInstanceRepo) UpdateInstance(_ context.Context, update domain.InstanceUpdate) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.updateErr != nil {
		return r.updateErr
	}
	if err := r.updateErrByStatus[update.Status]; err != nil {
		return err
	}
	r.updated = append(r.updated, update)
	inst, ok := r.instances[update.InstanceID]
	if !ok {
		return repository.ErrNotFound
	}
	inst.Status = update.Status
	if len(update.Containers) > 0 {
		inst.Containers = update.Containers
		inst.URL = update.URL
		inst.ExpiresAt = update.ExpiresAt
	}
	return nil
}

func (r *fakeInstanceRepo) DeleteInstance(_ context.Context, instanceID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.deleteErr != nil {
		return r.deleteErr
	}
	delete(r.instances, instanceID)
	r.deleted = append(r.deleted, instanceID)
	return nil
}

func (r *fakeInstanceRepo) ListExpiredLiveInstances(_ context.Context, now time.Time) ([]domain.Instance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Instance
	for _, inst := range r.instances {
		if inst.Status.Live() && inst.ExpiresAt != nil && inst.ExpiresAt.Before(now) {
			out = append(out, *inst)
		}
	}
	return out, nil
}

type fakeChallengeRepo struct {
	challenges map[string]*domain.Challenge
}

func (r *fakeChallengeRepo) ListChallenges(context.Context) ([]domain.Challenge, error) {
	return nil, nil
}

func (r *fakeChallengeRepo) GetChallengeByID(_ context.Context, id string) (*domain.Challenge, error) {
	c, ok := r.challenges[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return c, nil
}

type fakeUserRepo struct {
	solved map[string][]string
}

func (r *fakeUserRepo) CreateUser(context.Context, *domain.User) error { return nil }
func (r *fakeUserRepo) GetUserByEmail(context.Context, string) (*domain.User, error) {
	return nil, repository.ErrNotFound
}
func (r *fakeUserRepo) GetUserByID(context.Context, string) (*domain.User, error) {
	return nil, repository.ErrNotFound
}
func (r *fakeUserRepo) ListSolvedChallengeIDs(_ context.Context, userID string) ([]string, error) {
	return r.solved[userID], nil
}
func (r *fakeUserRepo) MarkChallengeSolved(context.Context, string, string) error { return nil }

type fakeLauncher struct {
	mu        sync.Mutex
	startErr  error
	emptyURL  bool
	stopErr   error
	started   []docker.StartPairRequest
	stopCalls [][]string
}

func (l *fakeLauncher) StartPair(_ context.Context, req docker.StartPairRequest) (*docker.StartResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.startErr != nil {
		return nil, l.startErr
	}
	l.started = append(l.started, req)
	port := req.HostPort
	url := "http://localhost:" + strconv.Itoa(port)
	if l.emptyURL {
		url = ""
	}
	return &docker.StartResult{
		Containers: []docker.StartedContainer{
			{Name: "api_" + req.InstanceID, Kind: domain.KindBackend},
			{Name: "web_" + req.InstanceID, Kind: domain.KindFrontend, Port: &port},
		},
		URL: url,
	}, nil
}

func (l *fakeLauncher) StopContainers(_ context.Context, names []string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stopCalls = append(l.stopCalls, names)
	return l.stopErr
}

type fakeAllocator struct {
	mu       sync.Mutex
	port     int
	err      error
	reserves [][]int
	released []int
}

func (a *fakeAllocator) Reserve(used []int) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.reserves = append(a.reserves, used)
	if a.err != nil {
		return 0, a.err
	}
	return a.port, nil
}

func (a *fakeAllocator) Release(port int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.released = append(a.released, port)
}

type fakeEvents struct {
	mu     sync.Mutex
	events []Event
}

func (e *fakeEvents) Broadcast(_ string, payload any) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if ev, ok := payload.(Event); ok {
		e.events = append(e.events, ev)
	}
}

func (e *fakeEvents) types() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, 0, len(e.events))
	for _, ev := range e.events {
		out = append(out, ev.Type)
	}
	return out
}

type fixture struct {
	svc        *Service
	instances  *fakeInstanceRepo
	challenges *fakeChallengeRepo
	users      *fakeUserRepo
	launcher   *fakeLauncher
	allocator  *fakeAllocator
	events     *fakeEvents
}

func newFixture() *fixture {
	instances := newFakeInstanceRepo()
	challenges := &fakeChallengeRepo{challenges: map[string]*domain.Challenge{
		"chal-1": {
			ID:            "chal-1",
			Name:          "heap of trouble",
			HasLiveTarget: true,
			ContainerSpecs: []domain.ContainerSpec{
				{Name: "api", Kind: domain.KindBackend, Image: "c/api", InternalPort: 8080},
				{Name: "web", Kind: domain.KindFrontend, Image: "c/web", InternalPort: 80},
			},
		},
	}}
	users := &fakeUserRepo{solved: map[string][]string{}}
	launcher := &fakeLauncher{}
	allocator := &fakeAllocator{port: 3456}
	events := &fakeEvents{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := New(instances, challenges, users, launcher, allocator, events, time.Hour, logger)
	svc.now = func() time.Time { return time.Unix(1700000000, 0) }
	return &fixture{svc, instances, challenges, users, launcher, allocator, events}
}

func TestCreateHappyPath(t *testing.T) {
	f := newFixture()

	inst, created, err := f.svc.Create(context.Background(), "user-1", "chal-1")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if !created {
		t.Error("fresh create must report created")
	}
	if inst.Status != domain.StatusRunning {
		t.Errorf("expected RUNNING, got %s", inst.Status)
	}
	if inst.URL != "http://localhost:3456" {
		t.Errorf("unexpected URL %q", inst.URL)
	}
	if inst.ExpiresAt == nil || !inst.ExpiresAt.Equal(time.Unix(1700000000, 0).Add(time.Hour)) {
		t.Errorf("expected one hour lease, got %v", inst.ExpiresAt)
	}
	if len(f.instances.updated) != 1 || f.instances.updated[0].Status != domain.StatusRunning {
		t.Errorf("RUNNING transition not persisted: %+v", f.instances.updated)
	}
	if len(f.allocator.released) != 1 || f.allocator.released[0] != 3456 {
		t.Errorf("port reservation must be released after persist, got %v", f.allocator.released)
	}
	want := []string{"instance.pending", "instance.running"}
	got := f.events.types()
	if len(got) != 2 || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("expected events %v, got %v", want, got)
	}
}

func TestCreateRejectsSolvedChallenge(t *testing.T) {
	f := newFixture()
	f.users.solved["user-1"] = []string{"chal-1"}

	_, _, err := f.svc.Create(context.Background(), "user-1", "chal-1")
	if apperr.KindOf(err) != apperr.Conflict {
		t.Fatalf("expected conflict, got %v", err)
	}
	if len(f.instances.created) != 0 {
		t.Errorf("no record should be created for a solved challenge")
	}
}

func TestCreateUnknownChallenge(t *testing.T) {
	f := newFixture()
	if _, _, err := f.svc.Create(context.Background(), "user-1", "nope"); apperr.KindOf(err) != apperr.NotFound {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestCreateRejectsStaticChallenge(t *testing.T) {
	f := newFixture()
	f.challenges.challenges["static"] = &domain.Challenge{ID: "static", HasLiveTarget: false}
	if _, _, err := f.svc.Create(context.Background(), "user-1", "static"); apperr.KindOf(err) != apperr.Validation {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestCreateRejectsWrongSpecCount(t *testing.T) {
	f := newFixture()
	f.challenges.challenges["solo"] = &domain.Challenge{
		ID:            "solo",
		HasLiveTarget: true,
		ContainerSpecs: []domain.ContainerSpec{
			{Name: "api", Kind: domain.KindBackend, Image: "c/api", InternalPort: 8080},
		},
	}
	if _, _, err := f.svc.Create(context.Background(), "user-1", "solo"); apperr.KindOf(err) != apperr.Validation {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestCreateIdempotentForRunningInstance(t *testing.T) {
	f := newFixture()
	first, _, err := f.svc.Create(context.Background(), "user-1", "chal-1")
	if err != nil {
		t.Fatalf("first Create failed: %v", err)
	}

	second, created, err := f.svc.Create(context.Background(), "user-1", "chal-1")
	if err != nil {
		t.Fatalf("second Create failed: %v", err)
	}
	if created {
		t.Error("idempotent return must not report created")
	}
	if second.ID != first.ID {
		t.Errorf("expected the same instance back, got %s and %s", first.ID, second.ID)
	}
	if len(f.launcher.started) != 1 {
		t.Errorf("no new containers should start, got %d starts", len(f.launcher.started))
	}
}

func TestCreateConflictsAcrossChallenges(t *testing.T) {
	f := newFixture()
	f.challenges.challenges["chal-2"] = &domain.Challenge{
		ID:             "chal-2",
		HasLiveTarget:  true,
		ContainerSpecs: f.challenges.challenges["chal-1"].ContainerSpecs,
	}
	if _, _, err := f.svc.Create(context.Background(), "user-1", "chal-1"); err != nil {
		t.Fatalf("first Create failed: %v", err)
	}

	_, _, err := f.svc.Create(context.Background(), "user-1", "chal-2")
	if apperr.KindOf(err) != apperr.Conflict {
		t.Fatalf("expected conflict for a second challenge, got %v", err)
	}
}

func TestCreateResumesPendingInstance(t *testing.T) {
	f := newFixture()
	pending := &domain.Instance{
		ID:          "inst-pending",
		UserID:      "user-1",
		ChallengeID: "chal-1",
		Status:      domain.StatusPending,
	}
	f.instances.instances[pending.ID] = pending

	inst, _, err := f.svc.Create(context.Background(), "user-1", "chal-1")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if inst.ID != "inst-pending" {
		t.Errorf("expected the pending instance to be resumed, got %s", inst.ID)
	}
	if len(f.instances.created) != 0 {
		t.Errorf("resume must not create a new record")
	}
	if len(f.instances.excluded) != 1 || f.instances.excluded[0] != "inst-pending" {
		t.Errorf("live port listing must exclude the resumed instance, got %v", f.instances.excluded)
	}
}

func TestCreatePortExhaustionDeletesPending(t *testing.T) {
	f := newFixture()
	f.allocator.err = apperr.New(apperr.Capacity, "no free ports available, try again later")

	_, _, err := f.svc.Create(context.Background(), "user-1", "chal-1")
	if apperr.KindOf(err) != apperr.Capacity {
		t.Fatalf("expected capacity error, got %v", err)
	}
	if len(f.instances.deleted) != 1 {
		t.Errorf("pending record must be deleted on exhaustion, got %v", f.instances.deleted)
	}
	if len(f.instances.instances) != 0 {
		t.Errorf("no live record should remain")
	}
}

func TestCreateLauncherFailureRollsBack(t *testing.T) {
	f := newFixture()
	f.launcher.startErr = apperr.Wrap(apperr.Runtime, "start backend container", errors.New("boom"))

	_, _, err := f.svc.Create(context.Background(), "user-1", "chal-1")
	if apperr.KindOf(err) != apperr.Runtime {
		t.Fatalf("expected runtime error, got %v", err)
	}
	if len(f.instances.deleted) != 1 {
		t.Errorf("pending record must be deleted, got %v", f.instances.deleted)
	}
	if len(f.allocator.released) != 1 || f.allocator.released[0] != 3456 {
		t.Errorf("port must be released on failure, got %v", f.allocator.released)
	}
}

func TestCreateMissingURLStopsContainers(t *testing.T) {
	f := newFixture()
	f.launcher.emptyURL = true

	_, _, err := f.svc.Create(context.Background(), "user-1", "chal-1")
	if apperr.KindOf(err) != apperr.Runtime {
		t.Fatalf("expected runtime error, got %v", err)
	}
	if len(f.launcher.stopCalls) != 1 || len(f.launcher.stopCalls[0]) != 2 {
		t.Errorf("both containers must be stopped, got %v", f.launcher.stopCalls)
	}
	if len(f.instances.deleted) != 1 {
		t.Errorf("pending record must be deleted")
	}
}

func TestCreatePersistFailureRollsBackContainers(t *testing.T) {
	f := newFixture()
	f.instances.updateErr = errors.New("connection reset")

	_, _, err := f.svc.Create(context.Background(), "user-1", "chal-1")
	if apperr.KindOf(err) != apperr.Persistence {
		t.Fatalf("expected persistence error, got %v", err)
	}
	if len(f.launcher.stopCalls) != 1 {
		t.Errorf("containers must be stopped when persist fails, got %v", f.launcher.stopCalls)
	}
	if len(f.allocator.released) != 1 {
		t.Errorf("port must be released, got %v", f.allocator.released)
	}
}

func TestCreateDuplicateActiveMapsToConflict(t *testing.T) {
	f := newFixture()
	f.instances.createErr = repository.ErrDuplicateActive

	if _, _, err := f.svc.Create(context.Background(), "user-1", "chal-1"); apperr.KindOf(err) != apperr.Conflict {
		t.Fatalf("expected conflict from duplicate-active insert, got %v", err)
	}
}

func TestStopHappyPath(t *testing.T) {
	f := newFixture()
	inst, _, err := f.svc.Create(context.Background(), "user-1", "chal-1")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	stopped, err := f.svc.Stop(context.Background(), "user-1", inst.ID)
	if err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if stopped.Status != domain.StatusTerminated {
		t.Errorf("expected TERMINATED, got %s", stopped.Status)
	}
	last := f.instances.updated[len(f.instances.updated)-1]
	if last.Status != domain.StatusTerminated {
		t.Errorf("TERMINATED not persisted, got %+v", last)
	}
}

func TestStopUnknownInstance(t *testing.T) {
	f := newFixture()
	if _, err := f.svc.Stop(context.Background(), "user-1", "ghost"); apperr.KindOf(err) != apperr.NotFound {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestStopOtherUsersInstance(t *testing.T) {
	f := newFixture()
	inst, _, err := f.svc.Create(context.Background(), "user-1", "chal-1")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if _, err := f.svc.Stop(context.Background(), "user-2", inst.ID); apperr.KindOf(err) != apperr.NotFound {
		t.Fatalf("cross-user stop must read as not found, got %v", err)
	}
}

func TestStopIsIdempotent(t *testing.T) {
	f := newFixture()
	inst, _, err := f.svc.Create(context.Background(), "user-1", "chal-1")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if _, err := f.svc.Stop(context.Background(), "user-1", inst.ID); err != nil {
		t.Fatalf("first Stop failed: %v", err)
	}
	stops := len(f.launcher.stopCalls)

	again, err := f.svc.Stop(context.Background(), "user-1", inst.ID)
	if err != nil {
		t.Fatalf("second Stop failed: %v", err)
	}
	if again.Status != domain.StatusTerminated {
		t.Errorf("expected TERMINATED, got %s", again.Status)
	}
	if len(f.launcher.stopCalls) != stops {
		t.Errorf("second stop must not touch the runtime")
	}
}

func TestStopToleratesRuntimeErrors(t *testing.T) {
	f := newFixture()
	inst, _, err := f.svc.Create(context.Background(), "user-1", "chal-1")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	f.launcher.stopErr = errors.New("daemon unavailable")

	stopped, err := f.svc.Stop(context.Background(), "user-1", inst.ID)
	if err != nil {
		t.Fatalf("Stop should succeed despite runtime errors: %v", err)
	}
	if stopped.Status != domain.StatusTerminated {
		t.Errorf("expected TERMINATED, got %s", stopped.Status)
	}
}

func TestActiveReturnsNotFoundWhenIdle(t *testing.T) {
	f := newFixture()
	if _, err := f.svc.Active(context.Background(), "user-1"); apperr.KindOf(err) != apperr.NotFound {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestTerminateMarksFailedOnRuntimeError(t *testing.T) {
	f := newFixture()
	inst, _, err := f.svc.Create(context.Background(), "user-1", "chal-1")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	f.launcher.stopErr = errors.New("daemon unavailable")

	if err := f.svc.Terminate(context.Background(), *inst); err != nil {
		t.Fatalf("Terminate should persist FAILED: %v", err)
	}
	last := f.instances.updated[len(f.instances.updated)-1]
	if last.Status != domain.StatusFailed {
		t.Errorf("expected FAILED, got %s", last.Status)
	}
}

func TestTerminateFallsBackToFailedWhenPersistFails(t *testing.T) {
	f := newFixture()
	inst, _, err := f.svc.Create(context.Background(), "user-1", "chal-1")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	f.instances.updateErrByStatus = map[domain.InstanceStatus]error{
		domain.StatusTerminated: errors.New("connection reset"),
	}

	if err := f.svc.Terminate(context.Background(), *inst); err != nil {
		t.Fatalf("Terminate should fall back to FAILED: %v", err)
	}
	last := f.instances.updated[len(f.instances.updated)-1]
	if last.Status != domain.StatusFailed {
		t.Fatalf("expected FAILED write after TERMINATED write error, got %s", last.Status)
	}
	if got := f.instances.instances[inst.ID].Status; got != domain.StatusFailed {
		t.Errorf("expected stored status FAILED, got %s", got)
	}
	types := f.events.types()
	if len(types) == 0 || types[len(types)-1] != "instance.failed" {
		t.Errorf("expected instance.failed event, got %v", types)
	}
}

func TestTerminateLogsOnlyWhenFallbackPersistFails(t *testing.T) {
	f := newFixture()
	inst, _, err := f.svc.Create(context.Background(), "user-1", "chal-1")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	events := len(f.events.types())
	f.instances.updateErr = errors.New("connection reset")

	if err := f.svc.Terminate(context.Background(), *inst); err != nil {
		t.Fatalf("Terminate should swallow a double persist failure: %v", err)
	}
	if got := f.instances.instances[inst.ID].Status; got != domain.StatusRunning {
		t.Errorf("expected instance left RUNNING for the next sweep, got %s", got)
	}
	if got := f.events.types(); len(got) != events {
		t.Errorf("expected no event after double persist failure, got %v", got[events:])
	}
}

func TestTerminateMarksTerminated(t *testing.T) {
	f := newFixture()
	inst, _, err := f.svc.Create(context.Background(), "user-1", "chal-1")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	if err := f.svc.Terminate(context.Background(), *inst); err != nil {
		t.Fatalf("Terminate failed: %v", err)
	}
	last := f.instances.updated[len(f.instances.updated)-1]
	if last.Status != domain.StatusTerminated {
		t.Errorf("expected TERMINATED, got %s", last.Status)
	}
}
