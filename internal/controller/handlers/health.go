package handlers

import "net/http"

// Health is a liveness probe.
// It returns 200 OK if the server is running.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	h.respondJson(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// Ready is a readiness probe.
// It reports 503 once the dispatcher stops accepting submissions.
func (h *Handlers) Ready(w http.ResponseWriter, r *http.Request) {
	if !h.deployer.Ready() {
		h.httpError(w, "Dispatcher not accepting work", http.StatusServiceUnavailable)
		return
	}
	h.respondJson(w, http.StatusOK, map[string]string{"status": "ready"})
}
