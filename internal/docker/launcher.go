package docker

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/ctfrange/ctfrange/internal/apperr"
	"github.com/ctfrange/ctfrange/internal/domain"
)

// Runtime is the slice of the container runtime the launcher needs.
// *Client satisfies it against a real Docker daemon.
type Runtime interface {
	CreateAndStart(ctx context.Context, req ContainerRequest) (string, error)
	Status(ctx context.Context, nameOrID string) (string, error)
	Stop(ctx context.Context, nameOrID string, timeout time.Duration) error
}

// LauncherConfig carries the knobs for starting challenge containers.
type LauncherConfig struct {
	NetworkMode        string
	MemoryBytes        int64
	NanoCPUs           int64
	HealthMaxAttempts  int
	HealthPollInterval time.Duration
	StopTimeout        time.Duration
	ServerHost         string
	ServerScheme       string
}

// StartedContainer reports one container brought up for an instance.
type StartedContainer struct {
	Name string
	Kind domain.ContainerKind
	Port *int
}

// StartResult is the outcome of starting a full container pair.
type StartResult struct {
	Containers []StartedContainer
	URL        string
}

// Launcher starts and stops the container pairs that back live challenge
// instances.
type Launcher struct {
	runtime Runtime
	cfg     LauncherConfig
	logger  *slog.Logger
}

func NewLauncher(runtime Runtime, cfg LauncherConfig, logger *slog.Logger) *Launcher {
	return &Launcher{runtime: runtime, cfg: cfg, logger: logger}
}

// StartPairRequest identifies the instance a pair is started for. Specs
// must hold exactly one backend and one frontend, backend first.
type StartPairRequest struct {
	InstanceID  string
	UserID      string
	ChallengeID string
	Specs       []domain.ContainerSpec
	HostPort    int
	ExpiresAt   time.Time
}

// StartPair brings up the backend container, waits for it to report
// running, then brings up the frontend bound to the reserved host port.
// Any failure tears down every container started so far before returning.
func (l *Launcher) StartPair(ctx context.Context, req StartPairRequest) (*StartResult, error) {
	if len(req.Specs) != 2 {
		return nil, apperr.New(apperr.Validation, "challenge must define exactly two containers")
	}
	backend, frontend := req.Specs[0], req.Specs[1]
	if backend.Kind != domain.KindBackend {
		return nil, apperr.New(apperr.Validation, "first container spec must be the backend")
	}
	if frontend.Kind != domain.KindFrontend {
		return nil, apperr.New(apperr.Validation, "second container spec must be the frontend")
	}

	labels := map[string]string{
		"expires_at":    strconv.FormatInt(req.ExpiresAt.UnixMilli(), 10),
		"ctf_challenge": req.ChallengeID,
		"ctf_user":      req.UserID,
	}

	backendName := containerName(backend.Name, req.InstanceID)
	frontendName := containerName(frontend.Name, req.InstanceID)

	var started []string
	fail := func(err error) (*StartResult, error) {
		l.teardown(ctx, started)
		return nil, err
	}

	backendReq := ContainerRequest{
		Name:         backendName,
		Image:        backend.Image,
		Env:          append(envList(backend.Env), fmt.Sprintf("PORT=%d", backend.InternalPort)),
		Labels:       mergeLabels(backend.Labels, labels),
		NetworkMode:  networkMode(backend, l.cfg.NetworkMode),
		InternalPort: backend.InternalPort,
		MemoryBytes:  l.cfg.MemoryBytes,
		NanoCPUs:     l.cfg.NanoCPUs,
	}
	// Track the name before creating so a container that was created but
	// failed to start still gets stopped and removed on rollback.
	started = append(started, backendName)
	if _, err := l.runtime.CreateAndStart(ctx, backendReq); err != nil {
		return fail(apperr.Wrap(apperr.Runtime, "start backend container", err))
	}
	if err := l.waitRunning(ctx, backendName); err != nil {
		return fail(err)
	}

	frontendReq := ContainerRequest{
		Name: frontendName,
		Env: append(envList(frontend.Env),
			fmt.Sprintf("BACKEND_HOST=%s", backendName),
			fmt.Sprintf("BACKEND_PORT=%d", backend.InternalPort),
		),
		Image:        frontend.Image,
		Labels:       mergeLabels(frontend.Labels, labels),
		NetworkMode:  networkMode(frontend, l.cfg.NetworkMode),
		InternalPort: frontend.InternalPort,
		HostPort:     req.HostPort,
		MemoryBytes:  l.cfg.MemoryBytes,
		NanoCPUs:     l.cfg.NanoCPUs,
	}
	started = append(started, frontendName)
	if _, err := l.runtime.CreateAndStart(ctx, frontendReq); err != nil {
		return fail(apperr.Wrap(apperr.Runtime, "start frontend container", err))
	}
	if err := l.waitRunning(ctx, frontendName); err != nil {
		return fail(err)
	}

	hostPort := req.HostPort
	return &StartResult{
		Containers: []StartedContainer{
			{Name: backendName, Kind: domain.KindBackend},
			{Name: frontendName, Kind: domain.KindFrontend, Port: &hostPort},
		},
		URL: fmt.Sprintf("%s://%s:%d", l.cfg.ServerScheme, l.cfg.ServerHost, hostPort),
	}, nil
}

// StopContainers stops every named container, tolerating containers the
// runtime no longer knows about. The first error is returned after all
// stops have been attempted.
func (l *Launcher) StopContainers(ctx context.Context, names []string) error {
	var firstErr error
	for _, name := range names {
		if err := l.runtime.Stop(ctx, name, l.cfg.StopTimeout); err != nil {
			l.logger.Warn("failed to stop container", "container", name, "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	if firstErr != nil {
		return apperr.Wrap(apperr.Runtime, "stop containers", firstErr)
	}
	return nil
}

func (l *Launcher) waitRunning(ctx context.Context, name string) error {
	for attempt := 0; attempt < l.cfg.HealthMaxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return apperr.Wrap(apperr.Runtime, "health check canceled", ctx.Err())
			case <-time.After(l.cfg.HealthPollInterval):
			}
		}
		status, err := l.runtime.Status(ctx, name)
		if err != nil {
			l.logger.Debug("container inspect failed during health check", "container", name, "error", err)
			continue
		}
		if status == "running" {
			return nil
		}
	}
	return apperr.New(apperr.Runtime, fmt.Sprintf("container %s did not become healthy", name))
}

func (l *Launcher) teardown(ctx context.Context, names []string) {
	for i := len(names) - 1; i >= 0; i-- {
		if err := l.runtime.Stop(ctx, names[i], l.cfg.StopTimeout); err != nil {
			l.logger.Warn("rollback stop failed", "container", names[i], "error", err)
		}
	}
}

func containerName(specName, instanceID string) string {
	return fmt.Sprintf("%s_%s", specName, instanceID)
}

func envList(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, fmt.Sprintf("%s=%s", k, v))
	}
	return out
}

func mergeLabels(specLabels, shared map[string]string) map[string]string {
	out := make(map[string]string, len(specLabels)+len(shared))
	for k, v := range specLabels {
		out[k] = v
	}
	for k, v := range shared {
		out[k] = v
	}
	return out
}

func networkMode(spec domain.ContainerSpec, fallback string) string {
	if spec.NetworkMode != "" {
		return spec.NetworkMode
	}
	return fallback
}
