// Package api contains shared JSON request/response structs.
// This package is shared between the CLI, the agent and the deploy worker payload.
package api

import "time"

// Deployment types accepted in DeployRequest.Type.
const (
	TypeFront = "front"
	TypeBack  = "back"
)

// DeployRequest is the body of POST /api/deploy and the single positional
// argument handed to the deploy worker payload.
type DeployRequest struct {
	Name      string `json:"name"`
	RepoOwner string `json:"repoOwner,omitempty"`
	RepoSlug  string `json:"repoSlug,omitempty"`

	Type        string `json:"type,omitempty"`
	Branch      string `json:"branch,omitempty"`
	Path        string `json:"path,omitempty"`
	Environment string `json:"environment,omitempty"`

	Domain string `json:"domain,omitempty"`
	Port   int    `json:"port,omitempty"`
	Image  string `json:"image,omitempty"`

	// Private is a pointer so an explicit false survives defaulting.
	Private     *bool  `json:"private,omitempty"`
	Description string `json:"description,omitempty"`
}

// IsPrivate reports the effective repository visibility.
func (r DeployRequest) IsPrivate() bool {
	return r.Private == nil || *r.Private
}

// SubmitResponse is returned after a deployment request was accepted.
type SubmitResponse struct {
	JobID     string    `json:"jobId"`
	Status    string    `json:"status"`
	Message   string    `json:"message"`
	Position  int       `json:"position,omitempty"`
	StartTime time.Time `json:"startTime"`
}

// JobResponse is the full job record returned by GET /api/deploy/{id}.
type JobResponse struct {
	JobID     string        `json:"jobId"`
	Status    string        `json:"status"`
	Request   DeployRequest `json:"request"`
	StartTime time.Time     `json:"startTime"`
	EndTime   *time.Time    `json:"endTime,omitempty"`
	Position  int           `json:"position,omitempty"`
	Logs      []string      `json:"logs"`
	Error     string        `json:"error,omitempty"`
}

// LogEvent is one Server-Sent Events frame of GET /api/deploy/{id}/logs.
// Either Log is set, or Done is true and Status carries the final status.
type LogEvent struct {
	Log    string `json:"log,omitempty"`
	Done   bool   `json:"done,omitempty"`
	Status string `json:"status,omitempty"`
	Error  string `json:"error,omitempty"`
}

// ErrorResponse is the standard error response format.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details string `json:"details,omitempty"`
}
