package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"

	"concierge/pkg/errors"
	"concierge/pkg/logger"
)

const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// CheckFunc probes one dependency. A nil error means healthy.
type CheckFunc func(ctx context.Context) error

type check struct {
	name     string
	critical bool
	fn       CheckFunc
}

// Handler provides health check endpoints. Only configured components are
// registered, so a broker running without Postgres or ClickHouse still reports ready.
type Handler struct {
	log         *logger.Logger
	checks      []check
	startTime   time.Time
	serviceName string
	version     string
}

// New creates a new health check handler
func New(log *logger.Logger, serviceName, version string) *Handler {
	return &Handler{
		log:         log.With("component", "health"),
		startTime:   time.Now(),
		serviceName: serviceName,
		version:     version,
	}
}

// AddCheck registers a probe. Critical probes gate readiness; the rest only
// degrade the detailed report.
func (h *Handler) AddCheck(name string, critical bool, fn CheckFunc) *Handler {
	h.checks = append(h.checks, check{name: name, critical: critical, fn: fn})
	return h
}

// HealthStatus represents the overall health status
type HealthStatus struct {
	Status    string                     `json:"status"`
	Service   string                     `json:"service"`
	Version   string                     `json:"version"`
	Uptime    string                     `json:"uptime"`
	Timestamp string                     `json:"timestamp"`
	Checks    map[string]ComponentHealth `json:"checks"`
}

// ComponentHealth represents health of a single component
type ComponentHealth struct {
	Status       string `json:"status"`
	Critical     bool   `json:"critical"`
	ResponseTime string `json:"response_time,omitempty"`
	Error        string `json:"error,omitempty"`
}

// HandleLiveness returns 200 OK if the process is serving
func (h *Handler) HandleLiveness(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
}

// HandleReadiness returns 503 when any critical probe fails
func (h *Handler) HandleReadiness(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := h.evaluate(ctx)
	code := http.StatusOK
	if status.Status == StatusUnhealthy {
		code = http.StatusServiceUnavailable
		h.log.Warnw("Readiness check failed", "checks", failing(status.Checks))
	}
	writeJSON(w, code, status)
}

// HandleHealth returns the detailed report. Degraded still answers 200.
func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	status := h.evaluate(ctx)
	code := http.StatusOK
	if status.Status == StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, status)
}

func (h *Handler) evaluate(ctx context.Context) HealthStatus {
	results := make(map[string]ComponentHealth, len(h.checks))
	var mu sync.Mutex
	var wg sync.WaitGroup

	for _, c := range h.checks {
		wg.Add(1)
		go func(c check) {
			defer wg.Done()
			res := h.run(ctx, c)
			mu.Lock()
			results[c.name] = res
			mu.Unlock()
		}(c)
	}
	wg.Wait()

	overall := StatusHealthy
	for _, res := range results {
		if res.Status == StatusHealthy {
			continue
		}
		if res.Critical {
			overall = StatusUnhealthy
			break
		}
		overall = StatusDegraded
	}

	return HealthStatus{
		Status:    overall,
		Service:   h.serviceName,
		Version:   h.version,
		Uptime:    time.Since(h.startTime).Round(time.Second).String(),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Checks:    results,
	}
}

func (h *Handler) run(ctx context.Context, c check) ComponentHealth {
	start := time.Now()
	err := c.fn(ctx)
	elapsed := time.Since(start)

	if err != nil {
		h.log.Errorw("Health check failed",
			"component", c.name,
			"error", err,
			"elapsed", elapsed,
		)
		return ComponentHealth{
			Status:       StatusUnhealthy,
			Critical:     c.critical,
			ResponseTime: elapsed.String(),
			Error:        err.Error(),
		}
	}

	return ComponentHealth{
		Status:       StatusHealthy,
		Critical:     c.critical,
		ResponseTime: elapsed.String(),
	}
}

// ModelsCheck fails when the registry resolved no models for any provider
func ModelsCheck(counts func() map[string]int) CheckFunc {
	return func(context.Context) error {
		for _, n := range counts() {
			if n > 0 {
				return nil
			}
		}
		return errors.Wrap(errors.ErrUnavailable, "no models resolved")
	}
}

func failing(checks map[string]ComponentHealth) []string {
	var out []string
	for name, c := range checks {
		if c.Status != StatusHealthy {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
