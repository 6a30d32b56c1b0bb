package observability

import (
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"
)

// HealthChecker tracks liveness and readiness. Readiness requires every
// expected component (one per store, plus optional dependencies) to have
// reported in.
type HealthChecker struct {
	mu        sync.RWMutex
	pending   map[string]struct{}
	startTime time.Time
}

func NewHealthChecker() *HealthChecker {
	return &HealthChecker{
		pending:   make(map[string]struct{}),
		startTime: time.Now(),
	}
}

// Expect registers components that must report ready.
func (h *HealthChecker) Expect(components ...string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, c := range components {
		h.pending[c] = struct{}{}
	}
}

// MarkReady records that component is ready.
func (h *HealthChecker) MarkReady(component string) {
	h.mu.Lock()
	delete(h.pending, component)
	h.mu.Unlock()
}

func (h *HealthChecker) IsReady() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.pending) == 0
}

// Pending lists components that have not reported ready, sorted.
func (h *HealthChecker) Pending() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, 0, len(h.pending))
	for c := range h.pending {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// LivenessHandler always returns OK while the process runs.
func (h *HealthChecker) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status": "alive",
		"uptime": time.Since(h.startTime).String(),
	})
}

// ReadinessHandler returns 200 once ready, 503 with the pending list
// otherwise.
func (h *HealthChecker) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if h.IsReady() {
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"status": "ready",
		})
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":  "not_ready",
		"pending": h.Pending(),
	})
}
