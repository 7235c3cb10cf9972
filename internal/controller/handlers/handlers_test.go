package handlers

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http/httptest"
	"testing"
	"time"

	"devopsagent/internal/store"
	"devopsagent/pkg/api"
)

// Mock Deployer
type mockDeployer struct {
	submitErr  error
	submitResp store.Job
	submitted  []api.DeployRequest

	jobs      map[string]store.Job
	positions map[string]int
	notReady  bool
}

func newMockDeployer() *mockDeployer {
	return &mockDeployer{
		jobs:      make(map[string]store.Job),
		positions: make(map[string]int),
	}
}

func (m *mockDeployer) Submit(ctx context.Context, req api.DeployRequest) (store.Job, error) {
	if m.submitErr != nil {
		return store.Job{}, m.submitErr
	}
	m.submitted = append(m.submitted, req)
	return m.submitResp, nil
}

func (m *mockDeployer) Get(id string) (store.Job, bool) {
	job, ok := m.jobs[id]
	return job, ok
}

func (m *mockDeployer) Position(id string) (int, bool) {
	pos, ok := m.positions[id]
	return pos, ok
}

func (m *mockDeployer) Ready() bool { return !m.notReady }

// Mock LogStreamer replaying fixed events.
type mockStreamer struct {
	events []api.LogEvent
	err    error
}

func (m *mockStreamer) Stream(ctx context.Context, jobID string, send func(api.LogEvent) error) error {
	for _, ev := range m.events {
		if err := send(ev); err != nil {
			return err
		}
	}
	return m.err
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func sampleJob(id string, status store.Status) store.Job {
	return store.Job{
		ID:        id,
		Request:   api.DeployRequest{Name: "shop", Branch: "main"},
		Status:    status,
		StartTime: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		Logs:      []string{"line 1"},
	}
}

func decodeError(t *testing.T, rr *httptest.ResponseRecorder) api.ErrorResponse {
	t.Helper()
	var resp api.ErrorResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode error response: %v (%s)", err, rr.Body.String())
	}
	return resp
}
