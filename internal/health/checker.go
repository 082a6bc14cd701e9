// Package health provides periodic health checks with optional recovery.
// Three checks run every interval: store reachability, the node's home
// directory, and event-loop liveness.
package health

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/tutu-network/conductor/internal/infra/metrics"
)

// Pinger is a store that can report reachability.
type Pinger interface {
	Ping() error
}

// Check defines a single health check with optional recovery action.
type Check struct {
	Name      string
	CheckFn   func(ctx context.Context) error
	RecoverFn func(ctx context.Context) error
}

// Status represents the result of a health check.
type Status struct {
	Name      string    `json:"name"`
	Healthy   bool      `json:"healthy"`
	Error     string    `json:"error,omitempty"`
	CheckedAt time.Time `json:"checked_at"`
}

// Checker runs periodic health checks with auto-recovery.
type Checker struct {
	mu       sync.RWMutex
	checks   []Check
	statuses []Status
	interval time.Duration
}

// NewChecker creates a health checker with the standard checks. lastBeat
// reports when the event loop last ran; the loop is unhealthy once that is
// older than maxLag.
func NewChecker(store Pinger, homeDir string, lastBeat func() time.Time, maxLag time.Duration) *Checker {
	return &Checker{
		interval: 30 * time.Second,
		checks: []Check{
			{
				Name: "store",
				CheckFn: func(ctx context.Context) error {
					return store.Ping()
				},
			},
			{
				Name: "home_dir",
				CheckFn: func(ctx context.Context) error {
					return checkDir(homeDir)
				},
				RecoverFn: func(ctx context.Context) error {
					return os.MkdirAll(homeDir, 0o755)
				},
			},
			{
				Name: "event_loop",
				CheckFn: func(ctx context.Context) error {
					return checkHeartbeat(lastBeat(), maxLag, time.Now())
				},
			},
		},
	}
}

// WithInterval sets the check period.
func (c *Checker) WithInterval(d time.Duration) *Checker {
	if d > 0 {
		c.interval = d
	}
	return c
}

// Run starts the health check loop. Call in a goroutine.
func (c *Checker) Run(ctx context.Context) {
	// Run immediately on start
	c.runAll(ctx)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.runAll(ctx)
		}
	}
}

func (c *Checker) runAll(ctx context.Context) {
	statuses := make([]Status, len(c.checks))
	for i, check := range c.checks {
		s := Status{
			Name:      check.Name,
			CheckedAt: time.Now(),
		}
		if err := check.CheckFn(ctx); err != nil {
			s.Healthy = false
			s.Error = err.Error()
			// Attempt recovery
			if check.RecoverFn != nil {
				_ = check.RecoverFn(ctx)
			}
			metrics.HealthStatus.WithLabelValues(check.Name).Set(0)
		} else {
			s.Healthy = true
			metrics.HealthStatus.WithLabelValues(check.Name).Set(1)
		}
		statuses[i] = s
	}

	c.mu.Lock()
	c.statuses = statuses
	c.mu.Unlock()
}

// Statuses returns the latest health check results.
func (c *Checker) Statuses() []Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	result := make([]Status, len(c.statuses))
	copy(result, c.statuses)
	return result
}

// IsHealthy returns true if all checks pass.
func (c *Checker) IsHealthy() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, s := range c.statuses {
		if !s.Healthy {
			return false
		}
	}
	return true
}

// ─── Check Implementations ──────────────────────────────────────────────────

func checkDir(dir string) error {
	info, err := os.Stat(dir)
	if err != nil {
		return fmt.Errorf("check home dir: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", dir)
	}
	return nil
}

func checkHeartbeat(last time.Time, maxLag time.Duration, now time.Time) error {
	if last.IsZero() {
		return fmt.Errorf("event loop has not started")
	}
	if lag := now.Sub(last); lag > maxLag {
		return fmt.Errorf("event loop stalled for %s", lag.Round(time.Millisecond))
	}
	return nil
}
