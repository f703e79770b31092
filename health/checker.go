// Package health runs liveness checks on demand against the components a
// TrustEdge deployment depends on: key backends, the session registry, and
// the transport listener, and aggregates them into one status a load
// balancer or operator can poll.
package health

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/trustedge-io/trustedge/internal/logger"
)

// Status represents the health status of a component.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// CheckResult represents the result of a health check.
type CheckResult struct {
	Name      string                 `json:"name"`
	Status    Status                 `json:"status"`
	Message   string                 `json:"message,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Duration  time.Duration          `json:"duration"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

// Check represents a single health check function.
type Check func(ctx context.Context) error

// Checker manages a set of named health checks.
type Checker struct {
	checks   map[string]Check
	timeout  time.Duration
	mu       sync.RWMutex
	logger   logger.Logger
	cacheTTL time.Duration
	cache    map[string]*cachedResult
}

type cachedResult struct {
	result    *CheckResult
	expiresAt time.Time
}

// NewChecker creates a Checker with the given per-check timeout.
func NewChecker(timeout time.Duration) *Checker {
	if timeout == 0 {
		timeout = 5 * time.Second
	}

	return &Checker{
		checks:   make(map[string]Check),
		timeout:  timeout,
		logger:   logger.GetDefaultLogger(),
		cacheTTL: 10 * time.Second,
		cache:    make(map[string]*cachedResult),
	}
}

// SetLogger overrides the checker's logger.
func (h *Checker) SetLogger(l logger.Logger) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.logger = l
}

// SetCacheTTL overrides how long a check result is reused before re-running.
func (h *Checker) SetCacheTTL(ttl time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.cacheTTL = ttl
}

// Register adds a named check.
func (h *Checker) Register(name string, check Check) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.checks[name] = check
	h.logger.Info("health check registered", logger.String("name", name))
}

// Unregister removes a named check.
func (h *Checker) Unregister(name string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	delete(h.checks, name)
	delete(h.cache, name)
}

// Run executes a single named check, using a cached result if still fresh.
func (h *Checker) Run(ctx context.Context, name string) (*CheckResult, error) {
	h.mu.RLock()
	check, exists := h.checks[name]
	h.mu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("health: check not found: %s", name)
	}

	if cached := h.getCached(name); cached != nil {
		return cached, nil
	}

	checkCtx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	start := time.Now()
	err := check(checkCtx)
	duration := time.Since(start)

	result := &CheckResult{
		Name:      name,
		Timestamp: time.Now(),
		Duration:  duration,
	}

	if err != nil {
		result.Status = StatusUnhealthy
		result.Message = err.Error()
		h.logger.Warn("health check failed",
			logger.String("name", name),
			logger.Error(err),
			logger.Duration("duration", duration),
		)
	} else {
		result.Status = StatusHealthy
		h.logger.Debug("health check passed",
			logger.String("name", name),
			logger.Duration("duration", duration),
		)
	}

	h.cacheResult(name, result)
	return result, nil
}

// RunAll executes every registered check concurrently.
func (h *Checker) RunAll(ctx context.Context) map[string]*CheckResult {
	h.mu.RLock()
	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	h.mu.RUnlock()

	results := make(map[string]*CheckResult, len(names))
	var mu sync.Mutex
	var wg sync.WaitGroup

	for _, name := range names {
		wg.Add(1)
		go func(checkName string) {
			defer wg.Done()
			result, err := h.Run(ctx, checkName)
			if err != nil {
				result = &CheckResult{
					Name:      checkName,
					Status:    StatusUnhealthy,
					Message:   fmt.Sprintf("check failed: %v", err),
					Timestamp: time.Now(),
				}
			}
			mu.Lock()
			results[checkName] = result
			mu.Unlock()
		}(name)
	}

	wg.Wait()
	return results
}

// OverallStatus derives one status from every registered check.
func (h *Checker) OverallStatus(ctx context.Context) Status {
	results := h.RunAll(ctx)
	if len(results) == 0 {
		return StatusHealthy
	}

	unhealthy, degraded := false, false
	for _, result := range results {
		switch result.Status {
		case StatusUnhealthy:
			unhealthy = true
		case StatusDegraded:
			degraded = true
		}
	}

	switch {
	case unhealthy:
		return StatusUnhealthy
	case degraded:
		return StatusDegraded
	default:
		return StatusHealthy
	}
}

func (h *Checker) getCached(name string) *CheckResult {
	h.mu.RLock()
	defer h.mu.RUnlock()

	cached, exists := h.cache[name]
	if !exists || time.Now().After(cached.expiresAt) {
		return nil
	}
	return cached.result
}

func (h *Checker) cacheResult(name string, result *CheckResult) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.cache[name] = &cachedResult{
		result:    result,
		expiresAt: time.Now().Add(h.cacheTTL),
	}
}

// Report is the aggregate health document served over HTTP.
type Report struct {
	Status    Status                  `json:"status"`
	Timestamp time.Time               `json:"timestamp"`
	Checks    map[string]*CheckResult `json:"checks"`
}

// Report runs every check and returns the aggregate document.
func (h *Checker) Report(ctx context.Context) *Report {
	checks := h.RunAll(ctx)
	return &Report{
		Status:    h.OverallStatus(ctx),
		Timestamp: time.Now(),
		Checks:    checks,
	}
}

// BackendCheck wraps a key backend's liveness probe (e.g. a software HSM's
// index file, or a PKCS#11 token session) as a Check.
func BackendCheck(probe func(context.Context) error) Check {
	return func(ctx context.Context) error {
		if probe == nil {
			return fmt.Errorf("health: backend probe not configured")
		}
		return probe(ctx)
	}
}

// SessionRegistryCheck returns an error, which Checker.Run reports as
// unhealthy, when the live session count exceeds maxSessions.
func SessionRegistryCheck(count func() int, maxSessions int) Check {
	return func(ctx context.Context) error {
		if count == nil {
			return fmt.Errorf("health: session counter not configured")
		}
		if n := count(); n > maxSessions {
			return fmt.Errorf("health: %d active sessions exceeds limit %d", n, maxSessions)
		}
		return nil
	}
}

// ListenerCheck reports unhealthy if dial fails to reach the server's own
// listen address, catching a wedged accept loop.
func ListenerCheck(dial func(context.Context) error) Check {
	return func(ctx context.Context) error {
		if dial == nil {
			return fmt.Errorf("health: listener dialer not configured")
		}
		return dial(ctx)
	}
}
