package observability

import (
	"encoding/json"
	"net/http"
	"sync/atomic"
)

// HealthServer answers liveness and readiness probes for the relay
// daemon. Liveness is unconditional; readiness flips once the gateway
// is consuming its source, and back off again during shutdown so load
// balancers drain the instance before the source stops.
type HealthServer struct {
	ready atomic.Bool
}

// NewHealthServer creates a health server that reports not-ready.
func NewHealthServer() *HealthServer {
	return &HealthServer{}
}

// SetReady marks the gateway as ready (or, on shutdown, not ready) to
// take traffic.
func (h *HealthServer) SetReady(ready bool) {
	h.ready.Store(ready)
}

// Handler returns the /healthz and /readyz endpoints.
func (h *HealthServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", h.handleHealth)
	mux.HandleFunc("GET /readyz", h.handleReady)
	return mux
}

func (h *HealthServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeStatus(w, http.StatusOK, "ok")
}

func (h *HealthServer) handleReady(w http.ResponseWriter, _ *http.Request) {
	if h.ready.Load() {
		writeStatus(w, http.StatusOK, "ready")
		return
	}
	writeStatus(w, http.StatusServiceUnavailable, "not ready")
}

func writeStatus(w http.ResponseWriter, code int, status string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"service": "relayd",
		"status":  status,
	})
}
