// Package store holds the in-memory job registry and the single-slot queue.
package store

import (
	"time"

	"devopsagent/pkg/api"

	"github.com/google/uuid"
)

// Status represents the lifecycle state of a deployment job.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Terminal reports whether no further transition is allowed from s.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

// Job is one deployment request's execution record.
type Job struct {
	ID        string
	Request   api.DeployRequest
	Status    Status
	StartTime time.Time
	EndTime   *time.Time
	Logs      []string
	Error     string
}

// Outcome is the terminal result reported for a running job.
type Outcome struct {
	Success bool
	Error   string
}

// Status returns the terminal status the outcome maps to.
func (o Outcome) Status() Status {
	if o.Success {
		return StatusSucceeded
	}
	return StatusFailed
}

// jobIDPrefix is joined with an underscore, which cluster naming later rewrites.
const jobIDPrefix = "deploy"

// NewJobID returns a time-ordered, collision resistant job identifier.
func NewJobID() string {
	return jobIDPrefix + "_" + uuid.Must(uuid.NewV7()).String()
}

// clone returns a copy of j that shares no mutable memory with it.
func (j *Job) clone() Job {
	c := *j
	c.Request = cloneRequest(j.Request)
	c.Logs = append([]string(nil), j.Logs...)
	if j.EndTime != nil {
		t := *j.EndTime
		c.EndTime = &t
	}
	return c
}

func cloneRequest(r api.DeployRequest) api.DeployRequest {
	if r.Private != nil {
		p := *r.Private
		r.Private = &p
	}
	return r
}
