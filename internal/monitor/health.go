package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/omnivenue/routing/pkg/types"
)

// HealthStatus grades a component.
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusDegraded  HealthStatus = "degraded"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
)

// HealthCheck probes one component.
type HealthCheck func(ctx context.Context) ComponentHealth

// ComponentHealth is one component's probe result.
type ComponentHealth struct {
	Name        string                 `json:"name"`
	Status      HealthStatus           `json:"status"`
	Message     string                 `json:"message,omitempty"`
	LastChecked time.Time              `json:"last_checked"`
	Details     map[string]interface{} `json:"details,omitempty"`
}

// SystemHealth is the aggregated service health.
type SystemHealth struct {
	Status     HealthStatus      `json:"status"`
	Components []ComponentHealth `json:"components"`
	Version    string            `json:"version"`
	Uptime     string            `json:"uptime"`
	Timestamp  time.Time         `json:"timestamp"`
}

// HealthChecker runs registered checks in parallel with a short result
// cache, and serves them over HTTP.
type HealthChecker struct {
	mu          sync.RWMutex
	checks      map[string]HealthCheck
	lastResults map[string]ComponentHealth
	cacheExpiry time.Duration
	startTime   time.Time
	version     string
}

// NewHealthChecker creates a checker with a 10s result cache.
func NewHealthChecker(version string) *HealthChecker {
	return &HealthChecker{
		checks:      make(map[string]HealthCheck),
		lastResults: make(map[string]ComponentHealth),
		cacheExpiry: 10 * time.Second,
		startTime:   time.Now(),
		version:     version,
	}
}

// RegisterCheck adds a named component check.
func (hc *HealthChecker) RegisterCheck(name string, check HealthCheck) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	hc.checks[name] = check
}

// CheckHealth runs all checks in parallel and folds the worst component
// status into the overall one.
func (hc *HealthChecker) CheckHealth(ctx context.Context) SystemHealth {
	hc.mu.RLock()
	checks := make(map[string]HealthCheck, len(hc.checks))
	for name, check := range hc.checks {
		checks[name] = check
	}
	hc.mu.RUnlock()

	var wg sync.WaitGroup
	results := make(chan ComponentHealth, len(checks))

	for name, check := range checks {
		wg.Add(1)
		go func(n string, c HealthCheck) {
			defer wg.Done()

			if cached, ok := hc.getCachedResult(n); ok {
				results <- cached
				return
			}

			checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()

			result := c(checkCtx)
			result.Name = n
			result.LastChecked = time.Now()
			hc.setCachedResult(n, result)
			results <- result
		}(name, check)
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	var components []ComponentHealth
	overall := HealthStatusHealthy
	for result := range results {
		components = append(components, result)
		if result.Status == HealthStatusUnhealthy {
			overall = HealthStatusUnhealthy
		} else if result.Status == HealthStatusDegraded && overall == HealthStatusHealthy {
			overall = HealthStatusDegraded
		}
	}

	return SystemHealth{
		Status:     overall,
		Components: components,
		Version:    hc.version,
		Uptime:     time.Since(hc.startTime).String(),
		Timestamp:  time.Now(),
	}
}

func (hc *HealthChecker) getCachedResult(name string) (ComponentHealth, bool) {
	hc.mu.RLock()
	defer hc.mu.RUnlock()
	if result, ok := hc.lastResults[name]; ok {
		if time.Since(result.LastChecked) < hc.cacheExpiry {
			return result, true
		}
	}
	return ComponentHealth{}, false
}

func (hc *HealthChecker) setCachedResult(name string, result ComponentHealth) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	hc.lastResults[name] = result
}

// HTTPHandler serves the aggregated health as JSON. Degraded still answers
// 200; only unhealthy returns 503.
func (hc *HealthChecker) HTTPHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		health := hc.CheckHealth(r.Context())

		statusCode := http.StatusOK
		if health.Status == HealthStatusUnhealthy {
			statusCode = http.StatusServiceUnavailable
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(statusCode)
		json.NewEncoder(w).Encode(health)
	}
}

// VenueHealthSource provides venue state and quality snapshots; the router
// satisfies it.
type VenueHealthSource interface {
	GetVenueHealth() []types.VenueHealth
}

// VenuesHealthCheck folds every venue's connection state into one
// component: all connected is healthy, any degraded venue degrades it, no
// live venue at all is unhealthy.
func VenuesHealthCheck(src VenueHealthSource) HealthCheck {
	return func(ctx context.Context) ComponentHealth {
		venues := src.GetVenueHealth()
		if len(venues) == 0 {
			return ComponentHealth{
				Status:  HealthStatusUnhealthy,
				Message: "no venues registered",
			}
		}

		details := make(map[string]interface{}, len(venues))
		live := 0
		degraded := 0
		for _, v := range venues {
			details[v.Venue] = map[string]interface{}{
				"state":           string(v.State),
				"success_rate":    v.Score.SuccessRate,
				"avg_latency_ms":  v.Score.AvgLatency.Milliseconds(),
				"cost_efficiency": v.Score.CostEfficiency(),
			}
			switch v.State {
			case types.StateConnected:
				live++
			case types.StateDegraded:
				degraded++
			}
		}

		status := HealthStatusHealthy
		msg := fmt.Sprintf("%d/%d venues connected", live, len(venues))
		switch {
		case live == 0 && degraded == 0:
			status = HealthStatusUnhealthy
		case live < len(venues):
			status = HealthStatusDegraded
		}
		return ComponentHealth{Status: status, Message: msg, Details: details}
	}
}

// BusConn reports broker connectivity; pkg/bus.Client satisfies it.
type BusConn interface {
	IsConnected() bool
}

// BusHealthCheck reports message bus connectivity. A nil or disconnected
// bus degrades the service but does not fail it: routing works without
// publishing.
func BusHealthCheck(conn BusConn) HealthCheck {
	return func(ctx context.Context) ComponentHealth {
		if conn == nil || !conn.IsConnected() {
			return ComponentHealth{
				Status:  HealthStatusDegraded,
				Message: "message bus not connected",
			}
		}
		return ComponentHealth{
			Status:  HealthStatusHealthy,
			Message: "message bus connected",
		}
	}
}
