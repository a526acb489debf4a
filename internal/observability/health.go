package observability

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const checkTimeout = 3 * time.Second

// depCheck is one registered dependency check. Optional checks (the trace
// exporter, a metrics sink) degrade readiness when they fail; required ones
// (the usage store) make the process unready, since serving chat turns
// without durable metering would hand out free credits.
type depCheck struct {
	name     string
	fn       func(ctx context.Context) error
	optional bool
}

// HealthChecker aggregates dependency checks into liveness and readiness.
type HealthChecker struct {
	mu     sync.Mutex
	checks []depCheck
	start  time.Time
	logger *slog.Logger
}

// HealthStatus is the JSON body for the health and readiness endpoints.
type HealthStatus struct {
	Status string                 `json:"status"` // "ok", "degraded" or "unavailable"
	Uptime string                 `json:"uptime,omitempty"`
	Checks map[string]CheckResult `json:"checks,omitempty"`
}

// CheckResult is the outcome of one dependency check.
type CheckResult struct {
	Status  string `json:"status"` // "ok" or "fail"
	Message string `json:"message,omitempty"`
	Took    string `json:"took,omitempty"`
}

// Ready reports whether the status allows serving traffic. Degraded still
// serves; only a failed required dependency takes the process out of rotation.
func (s HealthStatus) Ready() bool {
	return s.Status != "unavailable"
}

// NewHealthChecker creates a HealthChecker with no checks registered.
func NewHealthChecker(logger *slog.Logger) *HealthChecker {
	return &HealthChecker{start: time.Now(), logger: logger}
}

// AddCheck registers a required dependency check.
func (h *HealthChecker) AddCheck(name string, fn func(ctx context.Context) error) {
	h.add(depCheck{name: name, fn: fn})
}

// AddOptionalCheck registers a check whose failure degrades readiness
// without taking the process out of rotation.
func (h *HealthChecker) AddOptionalCheck(name string, fn func(ctx context.Context) error) {
	h.add(depCheck{name: name, fn: fn, optional: true})
}

func (h *HealthChecker) add(c depCheck) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks = append(h.checks, c)
}

// CheckHealth returns liveness. The process answering at all is the signal;
// dependencies are readiness concerns.
func (h *HealthChecker) CheckHealth() HealthStatus {
	return HealthStatus{
		Status: "ok",
		Uptime: time.Since(h.start).Round(time.Second).String(),
	}
}

// CheckReady runs all checks concurrently and aggregates the outcome:
// "ok" when everything passes, "degraded" when only optional checks fail,
// "unavailable" when a required one does.
func (h *HealthChecker) CheckReady(ctx context.Context) HealthStatus {
	h.mu.Lock()
	checks := make([]depCheck, len(h.checks))
	copy(checks, h.checks)
	h.mu.Unlock()

	status := HealthStatus{Status: "ok"}
	if len(checks) == 0 {
		return status
	}

	checkCtx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()

	results := make([]CheckResult, len(checks))
	var wg sync.WaitGroup
	for i, c := range checks {
		wg.Add(1)
		go func(i int, c depCheck) {
			defer wg.Done()
			start := time.Now()
			err := c.fn(checkCtx)
			res := CheckResult{Status: "ok", Took: time.Since(start).Round(time.Millisecond).String()}
			if err != nil {
				res.Status = "fail"
				res.Message = err.Error()
			}
			results[i] = res
		}(i, c)
	}
	wg.Wait()

	status.Checks = make(map[string]CheckResult, len(checks))
	for i, c := range checks {
		status.Checks[c.name] = results[i]
		if results[i].Status != "fail" {
			continue
		}
		if c.optional {
			if status.Status == "ok" {
				status.Status = "degraded"
			}
		} else {
			status.Status = "unavailable"
		}
		if h.logger != nil {
			h.logger.Warn("readiness check failed",
				slog.String("check", c.name),
				slog.Bool("optional", c.optional),
				slog.String("error", results[i].Message),
			)
		}
	}
	return status
}
