package observability

import (
	"context"
	"encoding/json"
	"net/http"
	"runtime"
	"sync"
	"time"
)

// Status is the aggregate health of the engine.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// Probe checks one collaborator. A failing critical probe takes the whole
// service unhealthy; a failing non-critical one only degrades it.
type Probe struct {
	Name     string
	Check    func(context.Context) error
	Timeout  time.Duration
	Critical bool
}

// Health runs registered probes on demand and serves the results over
// HTTP. The zero value is not usable; construct with NewHealth.
type Health struct {
	version string
	started time.Time

	mu     sync.RWMutex
	probes []Probe
}

// NewHealth creates an empty probe registry. version appears in reports
// when non-empty.
func NewHealth(version string) *Health {
	return &Health{version: version, started: time.Now()}
}

// Register adds a probe. A zero timeout defaults to five seconds.
func (h *Health) Register(p Probe) {
	if p.Timeout == 0 {
		p.Timeout = 5 * time.Second
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.probes = append(h.probes, p)
}

// Report is the JSON body of the health endpoint.
type Report struct {
	Status    Status                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Version   string                 `json:"version,omitempty"`
	UptimeSec float64                `json:"uptime_seconds"`
	Probes    map[string]ProbeResult `json:"checks"`
	System    SystemInfo             `json:"system"`
}

// ProbeResult is one probe's outcome within a Report.
type ProbeResult struct {
	Status   Status `json:"status"`
	Error    string `json:"error,omitempty"`
	Duration string `json:"duration"`
}

// SystemInfo carries process-level runtime numbers.
type SystemInfo struct {
	Goroutines int    `json:"goroutines"`
	CPUs       int    `json:"cpus"`
	AllocMB    uint64 `json:"alloc_mb"`
	SysMB      uint64 `json:"sys_mb"`
}

// Check runs every registered probe and aggregates the worst outcome.
func (h *Health) Check(ctx context.Context) Report {
	h.mu.RLock()
	probes := append([]Probe(nil), h.probes...)
	h.mu.RUnlock()

	report := Report{
		Status:    StatusHealthy,
		Timestamp: time.Now(),
		Version:   h.version,
		UptimeSec: time.Since(h.started).Seconds(),
		Probes:    make(map[string]ProbeResult, len(probes)),
		System:    systemInfo(),
	}

	for _, p := range probes {
		result := h.run(ctx, p)
		report.Probes[p.Name] = result

		switch {
		case result.Status == StatusUnhealthy:
			report.Status = StatusUnhealthy
		case result.Status == StatusDegraded && report.Status == StatusHealthy:
			report.Status = StatusDegraded
		}
	}

	return report
}

// run executes one probe under its timeout. The probe goroutine is left
// behind if it ignores cancellation; the result does not wait for it.
func (h *Health) run(ctx context.Context, p Probe) ProbeResult {
	ctx, cancel := context.WithTimeout(ctx, p.Timeout)
	defer cancel()

	start := time.Now()
	done := make(chan error, 1)
	go func() { done <- p.Check(ctx) }()

	var err error
	select {
	case err = <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}

	result := ProbeResult{
		Status:   StatusHealthy,
		Duration: time.Since(start).Round(time.Microsecond).String(),
	}
	if err != nil {
		result.Error = err.Error()
		result.Status = StatusDegraded
		if p.Critical {
			result.Status = StatusUnhealthy
		}
	}
	return result
}

// Handler serves the full health report. Unhealthy answers 503.
func (h *Health) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		report := h.Check(r.Context())
		code := http.StatusOK
		if report.Status == StatusUnhealthy {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, report)
	}
}

// Liveness answers liveness probes: the process is up.
func (h *Health) Liveness() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
	}
}

// Readiness answers readiness probes. Only a fully healthy engine takes
// traffic; degraded is not ready.
func (h *Health) Readiness() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if h.Check(r.Context()).Status == StatusHealthy {
			writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
			return
		}
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready"})
	}
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}

func systemInfo() SystemInfo {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return SystemInfo{
		Goroutines: runtime.NumGoroutine(),
		CPUs:       runtime.NumCPU(),
		AllocMB:    m.Alloc >> 20,
		SysMB:      m.Sys >> 20,
	}
}

// SessionStoreProbe wraps the session store's liveness check. The store is
// critical: runs cannot load or persist history without it.
func SessionStoreProbe(check func(context.Context) error) Probe {
	return Probe{Name: "session_store", Check: check, Timeout: 5 * time.Second, Critical: true}
}

// ProviderProbe wraps one model provider's reachability check.
func ProviderProbe(name string, check func(context.Context) error) Probe {
	return Probe{Name: "provider_" + name, Check: check, Timeout: 10 * time.Second}
}
