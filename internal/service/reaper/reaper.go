package reaper

import (
	"context"
	"log/slog"
	"time"

	"github.com/ctfrange/ctfrange/internal/domain"
)

const (
	defaultInterval = 5 * time.Minute
	sweepTimeout    = 60 * time.Second
)

// InstanceTerminator shuts down expired instances. Implemented by the
// instance service.
type InstanceTerminator interface {
	ListExpired(ctx context.Context, now time.Time) ([]domain.Instance, error)
	Terminate(ctx context.Context, inst domain.Instance) error
}

// Controller sweeps expired instances on a fixed interval.
type Controller struct {
	instances InstanceTerminator
	logger    *slog.Logger
	interval  time.Duration

	now func() time.Time
}

func New(instances InstanceTerminator, interval time.Duration, logger *slog.Logger) *Controller {
	if instances == nil {
		return nil
	}
	if interval <= 0 {
		interval = defaultInterval
	}
	ctrl := &Controller{
		instances: instances,
		interval:  interval,
		logger:    logger,
		now:       time.Now,
	}
	if ctrl.logger != nil {
		ctrl.logger = ctrl.logger.With("component", "reaper")
	}
	return ctrl
}

// Run executes the sweep loop until the context is cancelled.
func (c *Controller) Run(ctx context.Context) {
	if c == nil {
		return
	}
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.logger.Info("instance reaper started", "interval", c.interval)
	c.runIteration(ctx)

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("instance reaper stopped")
			return
		case <-ticker.C:
			c.runIteration(ctx)
		}
	}
}

// runIteration sweeps once. Each instance is handled independently so one
// bad record cannot block the rest of the pass.
func (c *Controller) runIteration(parent context.Context) {
	if c == nil {
		return
	}
	timeout := sweepTimeout
	if c.interval > 0 && c.interval < timeout {
		timeout = c.interval
	}
	opCtx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	now := c.now()
	expired, err := c.instances.ListExpired(opCtx, now)
	if err != nil {
		c.logger.Warn("failed to list expired instances", "error", err)
		return
	}
	if len(expired) == 0 {
		return
	}

	c.logger.Info("reaping expired instances", "count", len(expired))
	for _, inst := range expired {
		if err := c.instances.Terminate(opCtx, inst); err != nil {
			c.logger.Error("failed to reap instance",
				"instance_id", inst.ID,
				"user_id", inst.UserID,
				"error", err,
			)
		}
	}
}
