package observability

import (
	"fmt"
	"net/http"
	"sync/atomic"
	"time"
)

// HealthChecker backs the /healthz and /readyz probes. Liveness is
// unconditional; readiness flips on only after snapshot recovery
// completes and the NATS and Postgres connections are up, and flips
// back off when shutdown begins so the load balancer drains first.
type HealthChecker struct {
	ready   atomic.Bool
	started time.Time
}

func NewHealthChecker() *HealthChecker {
	return &HealthChecker{started: time.Now()}
}

func (h *HealthChecker) SetReady(ready bool) { h.ready.Store(ready) }

func (h *HealthChecker) IsReady() bool { return h.ready.Load() }

func (h *HealthChecker) LivenessHandler(w http.ResponseWriter, _ *http.Request) {
	writeProbe(w, http.StatusOK, "alive", time.Since(h.started))
}

func (h *HealthChecker) ReadinessHandler(w http.ResponseWriter, _ *http.Request) {
	if !h.ready.Load() {
		writeProbe(w, http.StatusServiceUnavailable, "not_ready", time.Since(h.started))
		return
	}
	writeProbe(w, http.StatusOK, "ready", time.Since(h.started))
}

func writeProbe(w http.ResponseWriter, code int, status string, uptime time.Duration) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	fmt.Fprintf(w, `{"status":%q,"uptime":%q}`+"\n", status, uptime.Round(time.Second))
}
