// Package health aggregates component probes into one service health flag.
package health

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// HealthChecker is implemented by component-level checkers (store, relay).
type HealthChecker interface {
	Name() string
	IsHealthy() bool
	Start(ctx context.Context, interval time.Duration)
}

// ServiceHealthChecker aggregates component checkers into a single service health flag.
type ServiceHealthChecker struct {
	healthy atomic.Int32
	prev    atomic.Int32
	deps    []HealthChecker
	log     zerolog.Logger
}

func NewServiceHealthChecker(log zerolog.Logger, deps ...HealthChecker) *ServiceHealthChecker {
	h := &ServiceHealthChecker{deps: deps, log: log}
	h.healthy.Store(0)
	return h
}

// IsHealthy returns cached service health.
func (h *ServiceHealthChecker) IsHealthy() bool { return h.healthy.Load() == 1 }

// Components reports the cached health of every dependency by name.
func (h *ServiceHealthChecker) Components() map[string]bool {
	out := make(map[string]bool, len(h.deps))
	for _, c := range h.deps {
		out[c.Name()] = c.IsHealthy()
	}
	return out
}

// Evaluate recomputes the service flag from the dependencies once.
func (h *ServiceHealthChecker) Evaluate() bool {
	all := true
	for _, c := range h.deps {
		if !c.IsHealthy() {
			all = false
		}
	}
	cur := int32(0)
	if all {
		cur = 1
	}
	h.healthy.Store(cur)
	if h.prev.Swap(cur) != cur {
		if all {
			h.log.Info().Msg("service health: UP")
		} else {
			h.log.Error().Stack().Msg("service health: DOWN")
		}
	}
	return all
}

// Start periodically evaluates dependency health and updates the service flag.
func (h *ServiceHealthChecker) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	h.Evaluate()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.Evaluate()
		}
	}
}
