// Package reconcile repairs queue state that request paths could not finish:
// waiting lanes, undelivered stop signals and deployments that never reported back.
package reconcile

import (
	"context"
	"log/slog"
	"time"

	"github.com/splax/saturn/internal/domain"
	"github.com/splax/saturn/internal/repository"
)

const (
	defaultInterval  = 30 * time.Second
	reconcileTimeout = 15 * time.Second
	batchSize        = 100
)

// Queue is the deploy service surface the controller drives.
type Queue interface {
	AdmitWaiting(ctx context.Context, serverID string) (int, error)
	SignalStop(ctx context.Context, entry *domain.QueueEntry) error
	Expire(ctx context.Context, entry domain.QueueEntry) (bool, error)
}

// Controller periodically reconciles the deployment queue.
type Controller struct {
	entries repository.QueueRepository
	queue   Queue
	logger  *slog.Logger

	interval time.Duration
	timeout  time.Duration

	now func() time.Time
}

// New constructs a controller. A zero deploymentTimeout disables expiry of stuck deployments.
func New(entries repository.QueueRepository, queue Queue, logger *slog.Logger, interval, deploymentTimeout time.Duration) *Controller {
	if entries == nil || queue == nil {
		return nil
	}
	if interval <= 0 {
		interval = defaultInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		entries:  entries,
		queue:    queue,
		logger:   logger.With("component", "reconcile"),
		interval: interval,
		timeout:  deploymentTimeout,
		now:      time.Now,
	}
}

// Run executes the reconciliation loop until the context is cancelled.
func (c *Controller) Run(ctx context.Context) {
	if c == nil {
		return
	}
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.logger.Info("queue reconciler started", "interval", c.interval, "deployment_timeout", c.timeout)
	c.runIteration(ctx)

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("queue reconciler stopped")
			return
		case <-ticker.C:
			c.runIteration(ctx)
		}
	}
}

func (c *Controller) runIteration(parent context.Context) {
	if c == nil {
		return
	}
	timeout := reconcileTimeout
	if c.interval < timeout {
		timeout = c.interval
	}
	opCtx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	c.expireStale(opCtx)
	c.resendStops(opCtx)

	admitted, err := c.queue.AdmitWaiting(opCtx, "")
	if err != nil {
		c.logger.Warn("failed to admit waiting deployments", "error", err)
	}
	if admitted > 0 {
		c.logger.Info("admitted waiting deployments", "count", admitted)
	}
}

func (c *Controller) expireStale(ctx context.Context) {
	if c.timeout <= 0 {
		return
	}
	cutoff := c.now().UTC().Add(-c.timeout)
	stale, err := c.entries.ListStaleInProgress(ctx, cutoff, batchSize)
	if err != nil {
		c.logger.Warn("failed to list stale deployments", "error", err)
		return
	}
	for _, entry := range stale {
		if _, err := c.queue.Expire(ctx, entry); err != nil {
			c.logger.Warn("failed to expire deployment", "deployment_uuid", entry.DeploymentUUID, "error", err)
		}
	}
}

func (c *Controller) resendStops(ctx context.Context) {
	pending, err := c.entries.ListPendingStops(ctx, batchSize)
	if err != nil {
		c.logger.Warn("failed to list pending stop signals", "error", err)
		return
	}
	for i := range pending {
		if err := c.queue.SignalStop(ctx, &pending[i]); err != nil {
			continue
		}
		c.logger.Info("stop signal delivered", "deployment_uuid", pending[i].DeploymentUUID)
	}
}
