package monitoring

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

type HealthChecker struct {
	checks []HealthCheck
	mu     sync.RWMutex
}

type HealthCheck struct {
	Name    string
	Check   func(ctx context.Context) (bool, error)
	Timeout time.Duration
	// Optional checks degrade the status instead of failing it.
	Optional bool
}

type HealthStatus struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Checks    map[string]string `json:"checks"`
}

const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

func NewHealthChecker() *HealthChecker {
	return &HealthChecker{
		checks: make([]HealthCheck, 0),
	}
}

func (h *HealthChecker) AddCheck(name string, check func(ctx context.Context) (bool, error), timeout time.Duration) {
	h.add(HealthCheck{Name: name, Check: check, Timeout: timeout})
}

func (h *HealthChecker) AddOptionalCheck(name string, check func(ctx context.Context) (bool, error), timeout time.Duration) {
	h.add(HealthCheck{Name: name, Check: check, Timeout: timeout, Optional: true})
}

func (h *HealthChecker) add(check HealthCheck) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks = append(h.checks, check)
}

// AddRedisCheck reports the relay's Redis connection as an optional check.
func (h *HealthChecker) AddRedisCheck(client redis.UniversalClient, timeout time.Duration) {
	h.AddOptionalCheck("redis", func(ctx context.Context) (bool, error) {
		if err := client.Ping(ctx).Err(); err != nil {
			return false, err
		}
		return true, nil
	}, timeout)
}

func (h *HealthChecker) CheckAll(ctx context.Context) HealthStatus {
	h.mu.RLock()
	checks := append([]HealthCheck(nil), h.checks...)
	h.mu.RUnlock()

	status := HealthStatus{
		Status:    StatusHealthy,
		Timestamp: time.Now(),
		Checks:    make(map[string]string, len(checks)),
	}

	for _, check := range checks {
		healthy, err := run(ctx, check)
		if err == nil && healthy {
			status.Checks[check.Name] = StatusHealthy
			continue
		}

		if err != nil {
			status.Checks[check.Name] = err.Error()
		} else {
			status.Checks[check.Name] = "check failed"
		}
		if check.Optional {
			if status.Status == StatusHealthy {
				status.Status = StatusDegraded
			}
		} else {
			status.Status = StatusUnhealthy
		}
	}

	return status
}

func run(ctx context.Context, check HealthCheck) (bool, error) {
	timeout := check.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		healthy bool
		err     error
	}
	done := make(chan result, 1)
	go func() {
		healthy, err := check.Check(ctx)
		done <- result{healthy, err}
	}()

	select {
	case r := <-done:
		return r.healthy, r.err
	case <-ctx.Done():
		return false, errors.New("check timed out")
	}
}
