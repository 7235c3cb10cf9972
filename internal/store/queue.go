package store

import (
	"log/slog"
	"sync"
)

// Queue admits one job at a time into the active slot, in FIFO order.
// All admission and completion goes through its lock.
type Queue struct {
	mu       sync.Mutex
	registry *Registry
	pending  []string
	active   string
	handlers []AdmissionHandler
	logger   *slog.Logger
}

// NewQueue creates a queue that records transitions into registry.
func NewQueue(registry *Registry, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		registry: registry,
		logger:   logger,
	}
}

// Subscribe registers h for admission events.
// Subscribers must be registered before the first Enqueue.
func (q *Queue) Subscribe(h AdmissionHandler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers = append(q.handlers, h)
}

// Enqueue appends id to the pending sequence and returns its 1-based position.
func (q *Queue) Enqueue(id string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending = append(q.pending, id)
	return len(q.pending)
}

// TryAdmitNext admits the head of the pending sequence if no job is active.
// It reports whether a job was admitted.
func (q *Queue) TryAdmitNext() bool {
	q.mu.Lock()
	job, handlers, ok := q.admitLocked()
	q.mu.Unlock()

	if !ok {
		return false
	}
	for _, h := range handlers {
		h.OnAdmit(job)
	}
	return true
}

// admitLocked pops pending ids until one can be moved to running. Caller holds q.mu.
func (q *Queue) admitLocked() (Job, []AdmissionHandler, bool) {
	if q.active != "" {
		return Job{}, nil, false
	}

	for len(q.pending) > 0 {
		id := q.pending[0]
		q.pending[0] = ""
		q.pending = q.pending[1:]

		if err := q.registry.SetStatus(id, StatusRunning, ""); err != nil {
			q.logger.Warn("skipping unadmittable job", "job_id", id, "error", err)
			continue
		}

		q.active = id
		job, _ := q.registry.Get(id)
		return job, append([]AdmissionHandler(nil), q.handlers...), true
	}
	return Job{}, nil, false
}

// Finish records the terminal outcome of a running job, frees the active slot
// when it held id, and admits the next pending job. Calls for jobs that are not
// running (already finished, or never admitted) are ignored.
func (q *Queue) Finish(id string, outcome Outcome) bool {
	q.mu.Lock()
	if err := q.registry.SetStatus(id, outcome.Status(), outcome.Error); err != nil {
		q.mu.Unlock()
		q.logger.Debug("ignoring finish", "job_id", id, "error", err)
		return false
	}
	if q.active == id {
		q.active = ""
	}
	job, handlers, admitted := q.admitLocked()
	q.mu.Unlock()

	if admitted {
		for _, h := range handlers {
			h.OnAdmit(job)
		}
	}
	return true
}

// PositionOf returns the 1-based rank of id among pending jobs.
// The active job is not part of the pending sequence.
func (q *Queue) PositionOf(id string) (int, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, p := range q.pending {
		if p == id {
			return i + 1, true
		}
	}
	return 0, false
}

// Active returns the id holding the active slot.
func (q *Queue) Active() (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.active, q.active != ""
}

// Depth returns the number of pending jobs.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Busy reports whether a job is active or waiting.
func (q *Queue) Busy() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.active != "" || len(q.pending) > 0
}
