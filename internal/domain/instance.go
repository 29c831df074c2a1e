package domain

import "time"

// InstanceStatus is the lifecycle state of a challenge instance.
type InstanceStatus string

const (
	StatusPending    InstanceStatus = "PENDING"
	StatusRunning    InstanceStatus = "RUNNING"
	StatusStopped    InstanceStatus = "STOPPED"
	StatusFailed     InstanceStatus = "FAILED"
	StatusTerminated InstanceStatus = "TERMINATED"
)

// Live reports whether the status still holds containers or a port claim.
func (s InstanceStatus) Live() bool {
	return s == StatusPending || s == StatusRunning
}

// Terminal reports whether the status admits no further transitions.
func (s InstanceStatus) Terminal() bool {
	return s == StatusTerminated || s == StatusFailed || s == StatusStopped
}

// InstanceContainer records one container belonging to an instance. Port is
// nil for containers that are not exposed on the host.
type InstanceContainer struct {
	Name string
	Port *int
}

// Instance is a user-scoped, time-bounded set of running containers backing
// one challenge attempt.
type Instance struct {
	ID          string
	UserID      string
	ChallengeID string
	Status      InstanceStatus
	URL         string
	Containers  []InstanceContainer
	ExpiresAt   *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Ports returns the host ports held by the instance's containers.
func (i Instance) Ports() []int {
	ports := make([]int, 0, len(i.Containers))
	for _, c := range i.Containers {
		if c.Port != nil {
			ports = append(ports, *c.Port)
		}
	}
	return ports
}

// ContainerNames returns the runtime names of the instance's containers.
func (i Instance) ContainerNames() []string {
	names := make([]string, 0, len(i.Containers))
	for _, c := range i.Containers {
		names = append(names, c.Name)
	}
	return names
}

// InstanceUpdate carries the mutable fields persisted when an instance
// changes state. Containers, URL and ExpiresAt are only written on the
// transition to RUNNING.
type InstanceUpdate struct {
	InstanceID string
	Status     InstanceStatus
	URL        string
	Containers []InstanceContainer
	ExpiresAt  *time.Time
}
