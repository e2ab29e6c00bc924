// Package health implements the /health liveness endpoint and the
// /health/deep readiness probe that gates blue-green deployments: the
// deep variant runs every registered provider's RPC connectivity check
// concurrently, plus Redis, and reports per-check status.
package health

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"

	"github.com/fogoware/x402facilitator/internal/cache"
)

// Status represents the health status.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
	StatusDegraded  Status = "degraded"
)

// Check represents a single health check.
type Check struct {
	Name    string `json:"name"`
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
}

// Response is the health check response.
type Response struct {
	Status  Status  `json:"status"`
	Checks  []Check `json:"checks,omitempty"`
	Version string  `json:"version,omitempty"`
}

// Probe is one named deep check: a provider's RPC connectivity probe or
// the compliance screener's list-freshness check.
type Probe func(ctx context.Context) error

// Checker performs health checks. Probes are registered at startup and
// the set is read-only afterward.
type Checker struct {
	redis   *cache.Client
	version string

	mu     sync.Mutex
	probes map[string]Probe

	// observer is notified of each deep-probe outcome, wired to the
	// chain-health gauge.
	observer func(name string, up bool)
}

// NewChecker creates a new health checker.
func NewChecker(redis *cache.Client, version string) *Checker {
	return &Checker{redis: redis, version: version, probes: make(map[string]Probe)}
}

// AddProbe registers a named deep check.
func (h *Checker) AddProbe(name string, probe Probe) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.probes[name] = probe
}

// Observe sets a callback invoked with every deep-probe outcome.
func (h *Checker) Observe(fn func(name string, up bool)) {
	h.observer = fn
}

// HealthHandler returns a handler for /health (liveness). It never
// touches the network.
func (h *Checker) HealthHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, Response{
			Status:  StatusHealthy,
			Version: h.version,
		})
	}
}

// DeepHandler returns a handler for /health/deep (readiness): every
// registered probe plus Redis, run concurrently with a shared timeout.
func (h *Checker) DeepHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 10*time.Second)
		defer cancel()

		checks := h.runChecks(ctx)
		overallStatus := h.calculateOverallStatus(checks)

		status := http.StatusOK
		if overallStatus != StatusHealthy {
			status = http.StatusServiceUnavailable
		}

		c.JSON(status, Response{
			Status:  overallStatus,
			Checks:  checks,
			Version: h.version,
		})
	}
}

// runChecks runs redis plus every registered probe concurrently.
func (h *Checker) runChecks(ctx context.Context) []Check {
	h.mu.Lock()
	probes := make(map[string]Probe, len(h.probes)+1)
	for name, probe := range h.probes {
		probes[name] = probe
	}
	h.mu.Unlock()
	if h.redis != nil {
		probes["redis"] = h.redis.Ping
	}

	var mu sync.Mutex
	var checks []Check

	g, gctx := errgroup.WithContext(ctx)
	for name, probe := range probes {
		name, probe := name, probe
		g.Go(func() error {
			check := Check{Name: name, Status: StatusHealthy}
			if err := probe(gctx); err != nil {
				check.Status = StatusUnhealthy
				check.Message = err.Error()
			}
			if h.observer != nil {
				h.observer(name, check.Status == StatusHealthy)
			}
			mu.Lock()
			checks = append(checks, check)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	sort.Slice(checks, func(i, j int) bool { return checks[i].Name < checks[j].Name })
	return checks
}

// calculateOverallStatus determines the overall health status.
func (h *Checker) calculateOverallStatus(checks []Check) Status {
	hasUnhealthy := false
	hasDegraded := false

	for _, check := range checks {
		switch check.Status {
		case StatusUnhealthy:
			hasUnhealthy = true
		case StatusDegraded:
			hasDegraded = true
		}
	}

	if hasUnhealthy {
		return StatusUnhealthy
	}
	if hasDegraded {
		return StatusDegraded
	}
	return StatusHealthy
}
