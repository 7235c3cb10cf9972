// Package handlers contains HTTP handlers for the agent API.
package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"devopsagent/internal/store"
	"devopsagent/pkg/api"

	"github.com/gorilla/websocket"
)

// Deployer is the dispatcher surface used by the handlers.
type Deployer interface {
	Submit(ctx context.Context, req api.DeployRequest) (store.Job, error)
	Get(id string) (store.Job, bool)
	Position(id string) (int, bool)
	Ready() bool
}

// LogStreamer replays and follows a job's log.
type LogStreamer interface {
	Stream(ctx context.Context, jobID string, send func(api.LogEvent) error) error
}

// Handlers holds all HTTP handlers and their dependencies.
type Handlers struct {
	deployer Deployer
	logs     LogStreamer
	logger   *slog.Logger
	upgrader websocket.Upgrader

	// HeartbeatInterval spaces SSE keep-alive comments on idle streams.
	HeartbeatInterval time.Duration
}

// New creates a new Handlers instance.
func New(d Deployer, logs LogStreamer, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{
		deployer:          d,
		logs:              logs,
		logger:            logger,
		HeartbeatInterval: 15 * time.Second,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// A helper function to write standard JSON responses.
func (h *Handlers) respondJson(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload != nil {
		json.NewEncoder(w).Encode(payload)
	}
}

// A helper function to return consistent error messages.
func (h *Handlers) httpError(w http.ResponseWriter, message string, code int) {
	h.respondJson(w, code, api.ErrorResponse{
		Error: message,
		Code:  strconv.Itoa(code),
	})
}

func toJobResponse(job store.Job, position int) api.JobResponse {
	logs := job.Logs
	if logs == nil {
		logs = []string{}
	}
	return api.JobResponse{
		JobID:     job.ID,
		Status:    string(job.Status),
		Request:   job.Request,
		StartTime: job.StartTime,
		EndTime:   job.EndTime,
		Position:  position,
		Logs:      logs,
		Error:     job.Error,
	}
}
