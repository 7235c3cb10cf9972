package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"devopsagent/internal/logger"
	"devopsagent/internal/store"
	"devopsagent/internal/worker"
	"devopsagent/pkg/api"
)

const maxRequestBody = 1 << 20

// SubmitDeploy handles POST /api/deploy.
// It accepts the request and returns before the deployment runs.
func (h *Handlers) SubmitDeploy(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := logger.FromContext(ctx, h.logger)

	var req api.DeployRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&req); err != nil {
		h.httpError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	job, err := h.deployer.Submit(ctx, req)
	switch {
	case errors.Is(err, worker.ErrValidation):
		h.httpError(w, strings.TrimPrefix(err.Error(), worker.ErrValidation.Error()+": "), http.StatusBadRequest)
		return
	case errors.Is(err, worker.ErrConflict):
		h.httpError(w, err.Error(), http.StatusConflict)
		return
	case errors.Is(err, worker.ErrShuttingDown):
		h.httpError(w, "Service is shutting down", http.StatusServiceUnavailable)
		return
	case err != nil:
		log.Error("failed to submit deployment", "error", err)
		h.httpError(w, "Failed to submit deployment", http.StatusInternalServerError)
		return
	}

	resp := api.SubmitResponse{
		JobID:     job.ID,
		Status:    string(job.Status),
		Message:   "Deployment started",
		StartTime: job.StartTime,
	}
	if job.Status == store.StatusPending {
		if pos, ok := h.deployer.Position(job.ID); ok {
			resp.Position = pos
			resp.Message = fmt.Sprintf("Deployment queued at position %d", pos)
		}
	}

	log.Info("deployment submitted", "job_id", job.ID, "status", job.Status)
	h.respondJson(w, http.StatusAccepted, resp)
}

// GetDeploy handles GET /api/deploy/{id}.
func (h *Handlers) GetDeploy(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	job, ok := h.deployer.Get(id)
	if !ok {
		h.httpError(w, "Job not found", http.StatusNotFound)
		return
	}

	position := 0
	if job.Status == store.StatusPending {
		position, _ = h.deployer.Position(id)
	}
	h.respondJson(w, http.StatusOK, toJobResponse(job, position))
}
