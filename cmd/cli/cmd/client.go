package cmd

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"devopsagent/pkg/api"
)

// DeployClient handles API calls to the deployment agent.
type DeployClient struct {
	BaseURL    string
	HTTPClient *http.Client
	// StreamClient has no overall timeout; log streams last as long as the job.
	StreamClient *http.Client
}

// NewDeployClient creates a new client for the agent at baseURL.
func NewDeployClient(baseURL string) *DeployClient {
	return &DeployClient{
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		StreamClient: &http.Client{},
	}
}

// APIError represents an error response from the API.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error (%d): %s", e.StatusCode, e.Message)
}

// errStreamEnded is returned when the server closes a log stream before the
// completion event.
var errStreamEnded = errors.New("log stream ended before the deployment finished")

// Submit sends POST /api/deploy.
func (c *DeployClient) Submit(req api.DeployRequest) (*api.SubmitResponse, error) {
	bodyBytes, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequest(http.MethodPost, c.BaseURL+"/api/deploy", bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Add("Content-Type", "application/json")

	resp, err := c.HTTPClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusAccepted && resp.StatusCode != http.StatusOK {
		return nil, newAPIError(resp.StatusCode, respBody)
	}

	var result api.SubmitResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	return &result, nil
}

// GetJob sends GET /api/deploy/{id}.
func (c *DeployClient) GetJob(jobID string) (*api.JobResponse, error) {
	httpReq, err := http.NewRequest(http.MethodGet, c.jobURL(jobID), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.HTTPClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return nil, newAPIError(resp.StatusCode, respBody)
	}

	var result api.JobResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	return &result, nil
}

// StreamLogs opens GET /api/deploy/{id}/logs and calls fn for every event
// until the completion event arrives, fn fails or ctx ends.
func (c *DeployClient) StreamLogs(ctx context.Context, jobID string, fn func(api.LogEvent) error) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.jobURL(jobID)+"/logs", nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Add("Accept", "text/event-stream")

	resp, err := c.StreamClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return newAPIError(resp.StatusCode, respBody)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		// Blank lines end a frame and ":" lines are heartbeats.
		data, ok := strings.CutPrefix(line, "data:")
		if !ok {
			continue
		}

		var event api.LogEvent
		if err := json.Unmarshal([]byte(strings.TrimSpace(data)), &event); err != nil {
			return fmt.Errorf("failed to parse event: %w", err)
		}
		if err := fn(event); err != nil {
			return err
		}
		if event.Done {
			return nil
		}
	}
	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("failed to read log stream: %w", err)
	}
	return errStreamEnded
}

func (c *DeployClient) jobURL(jobID string) string {
	return fmt.Sprintf("%s/api/deploy/%s", c.BaseURL, url.PathEscape(jobID))
}

// newAPIError prefers the message of a JSON error body over the raw bytes.
func newAPIError(status int, body []byte) *APIError {
	var errResp api.ErrorResponse
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error != "" {
		return &APIError{StatusCode: status, Message: errResp.Error}
	}
	return &APIError{StatusCode: status, Message: strings.TrimSpace(string(body))}
}
