package store

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"devopsagent/pkg/api"
)

var (
	// ErrDuplicateJob is returned by Create when the id is already registered.
	ErrDuplicateJob = errors.New("job already exists")

	// ErrJobNotFound is returned for operations on an unknown job id.
	ErrJobNotFound = errors.New("job not found")

	// ErrInvalidTransition is returned when a status change would skip or revisit a state.
	ErrInvalidTransition = errors.New("invalid status transition")
)

// LogSlice is a consistent view of a job's log tail.
type LogSlice struct {
	Lines   []string
	Offset  int // offset of the first element of Lines
	Status  Status
	Error   string
	Changed <-chan struct{}
}

type entry struct {
	job     Job
	changed chan struct{}
}

// Registry maps job ids to job records for the lifetime of the process.
type Registry struct {
	mu   sync.RWMutex
	jobs map[string]*entry
	now  func() time.Time
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		jobs: make(map[string]*entry),
		now:  func() time.Time { return time.Now().UTC() },
	}
}

// Create registers a pending job carrying a frozen copy of req.
func (r *Registry) Create(id string, req api.DeployRequest) (Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.jobs[id]; ok {
		return Job{}, fmt.Errorf("%w: %s", ErrDuplicateJob, id)
	}

	e := &entry{
		job: Job{
			ID:        id,
			Request:   cloneRequest(req),
			Status:    StatusPending,
			StartTime: r.now(),
			Logs:      []string{},
		},
		changed: make(chan struct{}),
	}
	r.jobs[id] = e
	return e.job.clone(), nil
}

// Get returns a snapshot of the job.
func (r *Registry) Get(id string) (Job, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.jobs[id]
	if !ok {
		return Job{}, false
	}
	return e.job.clone(), true
}

// AppendLog adds a line to the job's log. Unknown ids and terminal jobs are ignored.
func (r *Registry) AppendLog(id, line string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.jobs[id]
	if !ok || e.job.Status.Terminal() {
		return false
	}
	e.job.Logs = append(e.job.Logs, line)
	e.notify()
	return true
}

// SetStatus moves the job to status. Only pending→running and running→terminal
// are accepted; EndTime is stamped on the terminal transition.
func (r *Registry) SetStatus(id string, status Status, errMsg string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.jobs[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}

	from := e.job.Status
	switch {
	case from == StatusPending && status == StatusRunning:
	case from == StatusRunning && status.Terminal():
		end := r.now()
		e.job.EndTime = &end
		e.job.Error = errMsg
	default:
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, status)
	}

	e.job.Status = status
	e.notify()
	return nil
}

// LogsSince returns the lines appended at or after offset.
func (r *Registry) LogsSince(id string, offset int) (LogSlice, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.jobs[id]
	if !ok {
		return LogSlice{}, false
	}

	if offset < 0 {
		offset = 0
	}
	if offset > len(e.job.Logs) {
		offset = len(e.job.Logs)
	}

	return LogSlice{
		Lines:   append([]string(nil), e.job.Logs[offset:]...),
		Offset:  offset,
		Status:  e.job.Status,
		Error:   e.job.Error,
		Changed: e.changed,
	}, true
}

// Len returns the number of registered jobs.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.jobs)
}

// notify wakes every waiter on the current change channel. Caller holds r.mu.
func (e *entry) notify() {
	close(e.changed)
	e.changed = make(chan struct{})
}
