package worker

import (
	"context"
	"fmt"
	"time"

	"devopsagent/internal/store"
	"devopsagent/pkg/api"
)

// Relay replays a job's buffered log and follows new lines until the job ends.
type Relay struct {
	store        store.JobStore
	pollInterval time.Duration
}

// NewRelay creates a relay. pollInterval bounds how long a follower waits
// between re-reads when no change notification arrives (default 500ms).
func NewRelay(s store.JobStore, pollInterval time.Duration) *Relay {
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	return &Relay{store: s, pollInterval: pollInterval}
}

// Stream calls send for every log line of jobID in order, then once more with
// a completion event carrying the final status. It fails immediately with
// store.ErrJobNotFound for an unknown id and stops early if send fails or ctx ends.
func (r *Relay) Stream(ctx context.Context, jobID string, send func(api.LogEvent) error) error {
	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	offset := 0
	for {
		slice, ok := r.store.LogsSince(jobID, offset)
		if !ok {
			return fmt.Errorf("%w: %s", store.ErrJobNotFound, jobID)
		}

		for _, line := range slice.Lines {
			if err := send(api.LogEvent{Log: line}); err != nil {
				return err
			}
		}
		offset = slice.Offset + len(slice.Lines)

		// Terminal jobs accept no more lines, so the slice above was the full tail.
		if slice.Status.Terminal() {
			return send(api.LogEvent{
				Done:   true,
				Status: string(slice.Status),
				Error:  slice.Error,
			})
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-slice.Changed:
		case <-ticker.C:
		}
	}
}
