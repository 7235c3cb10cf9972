package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"devopsagent/internal/logger"
	"devopsagent/internal/store"
	"devopsagent/pkg/api"

	"github.com/gorilla/websocket"
)

const wsWriteWait = 10 * time.Second

// wsClient writes log events as JSON text messages.
type wsClient struct {
	conn *websocket.Conn
	log  *slog.Logger
}

func (c *wsClient) send(ev api.LogEvent) error {
	_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	if err := c.conn.WriteJSON(ev); err != nil {
		c.log.Warn("websocket send failed", "error", err)
		return err
	}
	return nil
}

func (c *wsClient) close(code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsWriteWait))
	_ = c.conn.Close()
}

// StreamLogsWS handles GET /api/deploy/{id}/logs/ws.
// It carries the same events as the SSE stream, one JSON message each, and
// closes normally with the final status as the close reason.
func (h *Handlers) StreamLogsWS(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	log := logger.FromContext(r.Context(), h.logger).With("job_id", id)

	if _, ok := h.deployer.Get(id); !ok {
		h.httpError(w, "Job not found", http.StatusNotFound)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error("websocket upgrade failed", "error", err)
		return
	}
	client := &wsClient{conn: conn, log: log}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Clients never send data; reading surfaces their close frame.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	var final api.LogEvent
	err = h.logs.Stream(ctx, id, func(ev api.LogEvent) error {
		if ev.Done {
			final = ev
		}
		return client.send(ev)
	})
	switch {
	case err == nil:
		log.Debug("websocket log stream completed")
		client.close(websocket.CloseNormalClosure, final.Status)
	case errors.Is(err, store.ErrJobNotFound):
		log.Warn("job disappeared during log stream")
		client.close(websocket.CloseInternalServerErr, "job not found")
	case ctx.Err() != nil:
		log.Debug("websocket client disconnected")
		client.close(websocket.CloseGoingAway, "")
	default:
		log.Warn("websocket log stream ended early", "error", err)
		_ = conn.Close()
	}
}
