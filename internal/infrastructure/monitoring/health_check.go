package monitoring

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

const (
	StatusHealthy   = "healthy"
	StatusUnhealthy = "unhealthy"
)

// HealthChecker runs named dependency checks for the readiness endpoint.
type HealthChecker struct {
	mu      sync.RWMutex
	checks  []HealthCheck
	started time.Time
}

type HealthCheck struct {
	Name    string
	Check   func(ctx context.Context) error
	Timeout time.Duration
}

type HealthStatus struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Uptime    string            `json:"uptime"`
	Checks    map[string]string `json:"checks,omitempty"`
}

func NewHealthChecker() *HealthChecker {
	return &HealthChecker{started: time.Now()}
}

func (h *HealthChecker) AddCheck(name string, check func(ctx context.Context) error, timeout time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks = append(h.checks, HealthCheck{Name: name, Check: check, Timeout: timeout})
}

// CheckAll runs every check concurrently, each under its own timeout.
func (h *HealthChecker) CheckAll(ctx context.Context) HealthStatus {
	h.mu.RLock()
	checks := append([]HealthCheck(nil), h.checks...)
	h.mu.RUnlock()

	status := HealthStatus{
		Status:    StatusHealthy,
		Timestamp: time.Now(),
		Uptime:    time.Since(h.started).Round(time.Second).String(),
		Checks:    make(map[string]string, len(checks)),
	}

	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)
	for _, check := range checks {
		wg.Add(1)
		go func(check HealthCheck) {
			defer wg.Done()
			checkCtx, cancel := context.WithTimeout(ctx, check.Timeout)
			defer cancel()

			result := StatusHealthy
			if err := check.Check(checkCtx); err != nil {
				result = err.Error()
			}

			mu.Lock()
			defer mu.Unlock()
			status.Checks[check.Name] = result
			if result != StatusHealthy {
				status.Status = StatusUnhealthy
			}
		}(check)
	}
	wg.Wait()
	return status
}

func (h *HealthChecker) IsReady(ctx context.Context) bool {
	return h.CheckAll(ctx).Status == StatusHealthy
}

// LivenessHandler reports the process is up without touching dependencies.
func (h *HealthChecker) LivenessHandler(c *gin.Context) {
	c.JSON(http.StatusOK, HealthStatus{
		Status:    StatusHealthy,
		Timestamp: time.Now(),
		Uptime:    time.Since(h.started).Round(time.Second).String(),
	})
}

// ReadinessHandler answers 503 while any dependency check fails.
func (h *HealthChecker) ReadinessHandler(c *gin.Context) {
	status := h.CheckAll(c.Request.Context())
	code := http.StatusOK
	if status.Status != StatusHealthy {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, status)
}
