// Package runtime provides the execution backends that run the deploy worker payload.
package runtime

import (
	"context"
	"errors"
	"time"

	"devopsagent/pkg/api"
)

// ErrTimeout is the outcome error of an execution stopped by its deadline.
var ErrTimeout = errors.New("timeout")

// Runtime defines the interface for executing deployment jobs.
// Implementations are the local process runtime and the Kubernetes Job runtime.
type Runtime interface {
	// Name identifies the backend in logs and metrics.
	Name() string

	// Start begins execution of a job and returns a handle.
	Start(ctx context.Context, opts StartOptions) (Handle, error)
}

// StartOptions contains the parameters for starting a job.
type StartOptions struct {
	JobID   string
	Request api.DeployRequest
	Timeout time.Duration
}

// Handle represents a running job execution.
//
// Logs is closed once no more lines will be produced; exactly one Outcome is
// then delivered on Done. Both stop being served once the Start context ends.
type Handle interface {
	Logs() <-chan LogLine
	Done() <-chan Outcome

	// Stop forcefully terminates the execution.
	Stop(ctx context.Context) error
}

// Log sources.
const (
	SourceStdout = "stdout"
	SourceStderr = "stderr"
	SourcePod    = "pod"
)

// LogLine is one line of payload output.
type LogLine struct {
	Source string
	Text   string
}

// Outcome is the terminal result of an execution.
type Outcome struct {
	Success  bool
	ExitCode int
	Err      error
}

// handle is the channel plumbing shared by both backends.
type handle struct {
	logs chan LogLine
	done chan Outcome
}

func newHandle() handle {
	return handle{
		logs: make(chan LogLine, 100),
		done: make(chan Outcome, 1),
	}
}

func (h *handle) Logs() <-chan LogLine { return h.logs }

func (h *handle) Done() <-chan Outcome { return h.done }

// emit forwards a line unless ctx has ended.
func (h *handle) emit(ctx context.Context, source, text string) bool {
	select {
	case h.logs <- LogLine{Source: source, Text: text}:
		return true
	case <-ctx.Done():
		return false
	}
}

// finish closes the log channel and publishes the outcome.
func (h *handle) finish(o Outcome) {
	close(h.logs)
	h.done <- o
}
