package health

import (
	"context"
	"log/slog"
	"time"

	"mcp-orchestrator/backend/pkg/models"
)

// Prober probes one instance address, returning nil when it is healthy.
// Implemented by the mcpwire client's /health call.
type Prober interface {
	Health(ctx context.Context, address string) error
}

// Checker periodically probes every registered instance and updates the
// registry. It is the only writer of health state.
type Checker struct {
	registry *Registry
	prober   Prober
	interval time.Duration
	timeout  time.Duration
	logger   *slog.Logger
}

// NewChecker creates a Checker with defaults applied.
func NewChecker(registry *Registry, prober Prober, interval, timeout time.Duration, logger *slog.Logger) *Checker {
	if interval == 0 {
		interval = 15 * time.Second
	}
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	return &Checker{registry: registry, prober: prober, interval: interval, timeout: timeout, logger: logger}
}

// Run sweeps immediately, then on every tick, until the context is
// cancelled.
func (c *Checker) Run(ctx context.Context) {
	c.Sweep(ctx)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Sweep(ctx)
		}
	}
}

// Sweep probes every instance once.
func (c *Checker) Sweep(ctx context.Context) {
	for _, inst := range c.registry.Snapshot() {
		probeCtx, cancel := context.WithTimeout(ctx, c.timeout)
		err := c.prober.Health(probeCtx, inst.Address)
		cancel()

		verdict := models.HealthHealthy
		if err != nil {
			verdict = models.HealthUnhealthy
		}
		if verdict != inst.Health {
			c.logger.Info("server instance health changed",
				"server_type", inst.ServerType, "address", inst.Address, "health", verdict)
		}
		c.registry.SetHealth(inst.ServerType, inst.Address, verdict, time.Now().UTC())
	}
}
