package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"devopsagent/internal/logger"
	"devopsagent/internal/store"
	"devopsagent/pkg/api"
)

// sseWriter writes Server-Sent Events frames to a response.
type sseWriter struct {
	mu      sync.Mutex
	w       io.Writer
	flusher http.Flusher
	log     *slog.Logger
	closed  bool
}

func (s *sseWriter) send(ev api.LogEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return io.EOF
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", payload); err != nil {
		s.closed = true
		s.log.Warn("sse send failed", "error", err)
		return err
	}
	s.flusher.Flush()
	return nil
}

func (s *sseWriter) heartbeat() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return io.EOF
	}
	if _, err := fmt.Fprint(s.w, ": ping\n\n"); err != nil {
		s.closed = true
		return err
	}
	s.flusher.Flush()
	return nil
}

func (s *sseWriter) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}

// StreamLogs handles GET /api/deploy/{id}/logs.
// It replays the buffered log and follows it until the job finishes,
// ending with a done frame that carries the final status.
func (h *Handlers) StreamLogs(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := r.PathValue("id")
	log := logger.FromContext(ctx, h.logger).With("job_id", id)

	if _, ok := h.deployer.Get(id); !ok {
		h.httpError(w, "Job not found", http.StatusNotFound)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		h.httpError(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	// Streams outlive the server's write timeout.
	if err := http.NewResponseController(w).SetWriteDeadline(time.Time{}); err != nil && !errors.Is(err, http.ErrNotSupported) {
		log.Debug("failed to clear write deadline", "error", err)
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	sse := &sseWriter{w: w, flusher: flusher, log: log}
	defer sse.close()

	if h.HeartbeatInterval > 0 {
		stopHeartbeat := make(chan struct{})
		defer close(stopHeartbeat)
		go func() {
			ticker := time.NewTicker(h.HeartbeatInterval)
			defer ticker.Stop()
			for {
				select {
				case <-stopHeartbeat:
					return
				case <-ticker.C:
					if sse.heartbeat() != nil {
						return
					}
				}
			}
		}()
	}

	err := h.logs.Stream(ctx, id, sse.send)
	switch {
	case err == nil:
		log.Debug("log stream completed")
	case errors.Is(err, store.ErrJobNotFound):
		log.Warn("job disappeared during log stream")
	case ctx.Err() != nil:
		log.Debug("log stream client disconnected")
	default:
		log.Warn("log stream ended early", "error", err)
	}
}
