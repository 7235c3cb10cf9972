package store

// JobStore is the read/write surface of the job registry used by the
// dispatcher and the log relay.
type JobStore interface {
	// Get returns a snapshot of the job.
	Get(id string) (Job, bool)

	// AppendLog adds a line to a non-terminal job. It reports whether the line was kept.
	AppendLog(id, line string) bool

	// LogsSince returns the log lines from offset on, the current status and error,
	// and a channel closed on the next mutation of the job.
	LogsSince(id string, offset int) (LogSlice, bool)
}

// AdmissionHandler is notified when the queue admits a job into the active slot.
// OnAdmit is called outside the queue lock and must not block.
type AdmissionHandler interface {
	OnAdmit(job Job)
}

// AdmissionFunc adapts a plain function to AdmissionHandler.
type AdmissionFunc func(job Job)

// OnAdmit calls f(job).
func (f AdmissionFunc) OnAdmit(job Job) { f(job) }
