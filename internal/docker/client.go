package docker

import (
	"context"
	"fmt"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
)

// Client wraps the Docker SDK client.
type Client struct {
	inner *client.Client
}

// New creates a new Docker client using environment defaults.
func New(host string) (*Client, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}
	inner, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	return &Client{inner: inner}, nil
}

// Ping validates connectivity to the Docker daemon.
func (c *Client) Ping(ctx context.Context) error {
	if c == nil || c.inner == nil {
		return fmt.Errorf("docker client not initialized")
	}
	ping, err := c.inner.Ping(ctx)
	if err != nil {
		return fmt.Errorf("docker ping: %w", err)
	}
	if ping.APIVersion == "" {
		return fmt.Errorf("docker ping returned empty API version")
	}
	return nil
}

// Close releases resources held by the Docker client.
func (c *Client) Close() error {
	if c.inner == nil {
		return nil
	}
	return c.inner.Close()
}

// ContainerRequest describes one container to create and start. HostPort
// zero means the container is not exposed on the host.
type ContainerRequest struct {
	Name         string
	Image        string
	Env          []string
	Labels       map[string]string
	NetworkMode  string
	InternalPort int
	HostPort     int
	MemoryBytes  int64
	NanoCPUs     int64
}

// CreateAndStart creates a container with fixed resource caps and
// auto-removal, starts it, and returns its runtime id. Exposed containers
// are bound to the loopback interface only.
func (c *Client) CreateAndStart(ctx context.Context, req ContainerRequest) (string, error) {
	if req.Name == "" {
		return "", fmt.Errorf("container name cannot be empty")
	}
	if req.Image == "" {
		return "", fmt.Errorf("container image cannot be empty")
	}

	internal := nat.Port(fmt.Sprintf("%d/tcp", req.InternalPort))
	cfg := &container.Config{
		Image:        req.Image,
		Env:          req.Env,
		Labels:       req.Labels,
		ExposedPorts: nat.PortSet{internal: struct{}{}},
	}
	hostCfg := &container.HostConfig{
		AutoRemove:  true,
		NetworkMode: container.NetworkMode(req.NetworkMode),
		Resources: container.Resources{
			Memory:     req.MemoryBytes,
			MemorySwap: req.MemoryBytes,
			NanoCPUs:   req.NanoCPUs,
		},
	}
	if req.HostPort > 0 {
		hostCfg.PortBindings = nat.PortMap{
			internal: []nat.PortBinding{{HostIP: "127.0.0.1", HostPort: fmt.Sprintf("%d", req.HostPort)}},
		}
	}

	created, err := c.inner.ContainerCreate(ctx, cfg, hostCfg, nil, nil, req.Name)
	if err != nil {
		return "", fmt.Errorf("container create: %w", err)
	}
	if err := c.inner.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		return "", fmt.Errorf("container start: %w", err)
	}
	return created.ID, nil
}

// Status returns the runtime-reported state of a container ("running",
// "exited", ...).
func (c *Client) Status(ctx context.Context, nameOrID string) (string, error) {
	inspect, err := c.inner.ContainerInspect(ctx, nameOrID)
	if err != nil {
		return "", fmt.Errorf("container inspect: %w", err)
	}
	if inspect.State == nil {
		return "", fmt.Errorf("container %s has no state", nameOrID)
	}
	return inspect.State.Status, nil
}

// Stop stops a container gracefully and removes it. Removal covers
// containers that were created but never started, which auto-removal does
// not reap; it races with auto-removal for the rest, so a container already
// gone from the runtime is not an error.
func (c *Client) Stop(ctx context.Context, nameOrID string, timeout time.Duration) error {
	seconds := int(timeout / time.Second)
	if err := c.inner.ContainerStop(ctx, nameOrID, container.StopOptions{Timeout: &seconds}); err != nil {
		if client.IsErrNotFound(err) {
			return nil
		}
		return fmt.Errorf("container stop: %w", err)
	}
	if err := c.inner.ContainerRemove(ctx, nameOrID, container.RemoveOptions{Force: true}); err != nil && !client.IsErrNotFound(err) {
		return fmt.Errorf("container remove: %w", err)
	}
	return nil
}
