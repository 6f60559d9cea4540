// Package health aggregates dependency probes for the readiness endpoint.
package health

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Status of one check or of the aggregate.
type Status string

const (
	// StatusReady is the aggregate status while every critical check passes.
	StatusReady     Status = "ready"
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
)

// Checker probes one dependency.
type Checker interface {
	Name() string
	Check(ctx context.Context) error
	// Critical checks fail readiness; non-critical ones only report.
	Critical() bool
}

// CheckResult is the outcome of one probe.
type CheckResult struct {
	Status  Status        `json:"status"`
	Error   string        `json:"error,omitempty"`
	Latency time.Duration `json:"-"`
}

// Manager runs registered checkers on demand.
type Manager struct {
	mu       sync.RWMutex
	checkers []Checker
	timeout  time.Duration
	logger   *zap.Logger
}

func NewManager(logger *zap.Logger) *Manager {
	return &Manager{timeout: 5 * time.Second, logger: logger}
}

// Register adds a checker. Not safe to call after serving begins.
func (m *Manager) Register(c Checker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkers = append(m.checkers, c)
}

// CheckAll probes every dependency concurrently and reports the aggregate:
// ready unless a critical check fails.
func (m *Manager) CheckAll(ctx context.Context) (Status, map[string]CheckResult) {
	m.mu.RLock()
	checkers := make([]Checker, len(m.checkers))
	copy(checkers, m.checkers)
	m.mu.RUnlock()

	results := make(map[string]CheckResult, len(checkers))
	var wg sync.WaitGroup
	var resMu sync.Mutex
	overall := StatusReady

	for _, c := range checkers {
		wg.Add(1)
		go func(c Checker) {
			defer wg.Done()
			probeCtx, cancel := context.WithTimeout(ctx, m.timeout)
			defer cancel()

			started := time.Now()
			err := c.Check(probeCtx)
			result := CheckResult{Status: StatusHealthy, Latency: time.Since(started)}
			if err != nil {
				result.Status = StatusUnhealthy
				result.Error = err.Error()
				m.logger.Warn("Health check failed",
					zap.String("check", c.Name()), zap.Error(err))
			}

			resMu.Lock()
			results[c.Name()] = result
			if err != nil && c.Critical() {
				overall = StatusUnhealthy
			}
			resMu.Unlock()
		}(c)
	}
	wg.Wait()
	return overall, results
}
