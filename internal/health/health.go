// Package health serves liveness and readiness checks.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	StatusHealthy   = "healthy"
	StatusUnhealthy = "unhealthy"

	DefaultTimeout = 5 * time.Second
)

var ErrCheckTimeout = errors.New("health check timed out")

// CheckFunc reports whether a dependency is usable.
type CheckFunc func(ctx context.Context) error

// Checks maps a dependency name to its check.
type Checks map[string]CheckFunc

type Check struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

type Response struct {
	Status string           `json:"status"`
	Checks map[string]Check `json:"checks,omitempty"`
}

func LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, &Response{Status: StatusHealthy})
	}
}

// ReadinessHandler runs every check in parallel and answers 503 if any of
// them fails or does not finish within timeout.
func ReadinessHandler(checks Checks, timeout time.Duration, logger *zap.Logger) http.HandlerFunc {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	return func(w http.ResponseWriter, r *http.Request) {
		resp := Run(r.Context(), checks, timeout)

		status := http.StatusOK
		if resp.Status == StatusUnhealthy {
			status = http.StatusServiceUnavailable
			for name, c := range resp.Checks {
				if c.Status == StatusUnhealthy {
					logger.Warn("readiness check failed",
						zap.String("check", name),
						zap.String("error", c.Error),
					)
				}
			}
		}

		writeJSON(w, status, resp)
	}
}

// Run executes checks concurrently with a shared deadline.
func Run(ctx context.Context, checks Checks, timeout time.Duration) *Response {
	if len(checks) == 0 {
		return &Response{Status: StatusHealthy}
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var (
		mu      sync.Mutex
		wg      sync.WaitGroup
		results = make(map[string]Check, len(checks))
		failed  bool
	)

	for name, check := range checks {
		wg.Add(1)
		go func(name string, check CheckFunc) {
			defer wg.Done()

			err := runOne(ctx, check)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failed = true
				results[name] = Check{Status: StatusUnhealthy, Error: err.Error()}
				return
			}
			results[name] = Check{Status: StatusHealthy}
		}(name, check)
	}
	wg.Wait()

	resp := &Response{Status: StatusHealthy, Checks: results}
	if failed {
		resp.Status = StatusUnhealthy
	}
	return resp
}

func runOne(ctx context.Context, check CheckFunc) error {
	done := make(chan error, 1)
	go func() { done <- check(ctx) }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ErrCheckTimeout
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
