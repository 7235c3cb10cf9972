// Package worker runs admitted deployment jobs on an execution backend.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"devopsagent/internal/store"
	"devopsagent/internal/worker/runtime"
	"devopsagent/pkg/api"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var (
	// ErrConflict is returned by Submit when RejectWhenBusy is set and a job is in flight.
	ErrConflict = errors.New("a deployment is already in progress")

	// ErrShuttingDown is returned by Submit after Shutdown was called.
	ErrShuttingDown = errors.New("dispatcher is shutting down")

	// ErrTimeout is the error recorded on jobs killed by the global deadline.
	ErrTimeout = runtime.ErrTimeout
)

// BackendSelector picks the execution backend for an admitted job.
type BackendSelector interface {
	Select() (runtime.Runtime, error)
}

// Config holds configuration for the dispatcher.
type Config struct {
	JobTimeout     time.Duration   // Global per-job deadline (default: 10m)
	StopTimeout    time.Duration   // Budget for stopping a timed out backend (default: 10s)
	RejectWhenBusy bool            // Refuse submissions while a job is active or queued
	Defaults       RequestDefaults // Applied to omitted request fields
}

// Dispatcher accepts deployment requests, feeds them through the queue and
// drives each admitted job on the selected backend.
type Dispatcher struct {
	registry  *store.Registry
	queue     *store.Queue
	selector  BackendSelector
	config    Config
	logger    *slog.Logger
	telemetry *telemetry

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	submitMu sync.Mutex
	closed   bool
}

// New creates a dispatcher and subscribes it to the queue's admission events.
func New(registry *store.Registry, queue *store.Queue, selector BackendSelector, config Config, logger *slog.Logger) *Dispatcher {
	if config.JobTimeout <= 0 {
		config.JobTimeout = 10 * time.Minute
	}
	if config.StopTimeout <= 0 {
		config.StopTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	// Executions are independent of any request context.
	ctx, cancel := context.WithCancel(context.Background())

	d := &Dispatcher{
		registry: registry,
		queue:    queue,
		selector: selector,
		config:   config,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
	}
	d.telemetry = newTelemetry(func() int64 { return int64(queue.Depth()) }, logger)
	queue.Subscribe(d)
	return d
}

// Submit validates req, registers a job for it and hands it to the queue.
// It returns as soon as the job is accepted, not when it completes.
func (d *Dispatcher) Submit(ctx context.Context, req api.DeployRequest) (store.Job, error) {
	normalized, err := NormalizeRequest(req, d.config.Defaults)
	if err != nil {
		return store.Job{}, err
	}

	d.submitMu.Lock()
	if d.closed {
		d.submitMu.Unlock()
		return store.Job{}, ErrShuttingDown
	}
	if d.config.RejectWhenBusy && d.queue.Busy() {
		d.submitMu.Unlock()
		return store.Job{}, ErrConflict
	}

	job, err := d.registry.Create(store.NewJobID(), normalized)
	if err != nil {
		d.submitMu.Unlock()
		return store.Job{}, fmt.Errorf("failed to register job: %w", err)
	}
	position := d.queue.Enqueue(job.ID)
	admitted := d.queue.TryAdmitNext()
	d.submitMu.Unlock()

	d.telemetry.recordSubmitted(ctx)
	d.logger.Info("deployment accepted", "job_id", job.ID, "name", normalized.Name, "position", position)

	if !admitted {
		if pos, ok := d.queue.PositionOf(job.ID); ok {
			d.appendf(job.ID, "Job queued at position %d", pos)
		}
	}

	snapshot, _ := d.registry.Get(job.ID)
	return snapshot, nil
}

// Get returns the job record for id.
func (d *Dispatcher) Get(id string) (store.Job, bool) {
	return d.registry.Get(id)
}

// Position returns the 1-based pending rank of id.
func (d *Dispatcher) Position(id string) (int, bool) {
	return d.queue.PositionOf(id)
}

// Ready reports whether new submissions are accepted.
func (d *Dispatcher) Ready() bool {
	d.submitMu.Lock()
	defer d.submitMu.Unlock()
	return !d.closed
}

// OnAdmit implements store.AdmissionHandler.
func (d *Dispatcher) OnAdmit(job store.Job) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.execute(job)
	}()
}

// Shutdown stops accepting work, cancels running executions and waits for
// their goroutines to finish or ctx to end.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.submitMu.Lock()
	d.closed = true
	d.submitMu.Unlock()

	d.cancel()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// execute runs one admitted job to a terminal status.
func (d *Dispatcher) execute(job store.Job) {
	ctx, cancel := context.WithCancel(d.ctx)
	defer cancel()

	ctx, span := d.telemetry.tracer.Start(ctx, "deploy_job",
		trace.WithAttributes(
			attribute.String("job.id", job.ID),
			attribute.String("deploy.name", job.Request.Name),
			attribute.String("deploy.type", job.Request.Type),
		),
		trace.WithSpanKind(trace.SpanKindConsumer),
	)
	defer span.End()

	admitted := time.Now()
	backend := "none"
	logger := d.logger.With("job_id", job.ID)

	defer func() {
		if r := recover(); r != nil {
			logger.Error("job execution panicked", "panic", r)
			d.fail(ctx, span, job.ID, backend, admitted, fmt.Errorf("internal error: %v", r))
		}
	}()

	if err := d.ctx.Err(); err != nil {
		d.fail(ctx, span, job.ID, backend, admitted, ErrShuttingDown)
		return
	}

	rt, err := d.selector.Select()
	if err != nil {
		d.fail(ctx, span, job.ID, backend, admitted, err)
		return
	}
	backend = rt.Name()
	span.SetAttributes(attribute.String("deploy.backend", backend))

	d.appendf(job.ID, "Starting deployment on %s backend...", backend)
	d.appendf(job.ID, "Job ID: %s", job.ID)
	if payload, err := json.Marshal(job.Request); err == nil {
		d.appendf(job.ID, "Request: %s", payload)
	}

	handle, err := rt.Start(ctx, runtime.StartOptions{
		JobID:   job.ID,
		Request: job.Request,
		Timeout: d.config.JobTimeout,
	})
	if err != nil {
		d.fail(ctx, span, job.ID, backend, admitted, fmt.Errorf("failed to start %s backend: %w", backend, err))
		return
	}
	logger.Info("job started", "backend", backend)

	deadline := time.NewTimer(d.config.JobTimeout)
	defer deadline.Stop()

	logs := handle.Logs()
	for {
		select {
		case line, ok := <-logs:
			if !ok {
				logs = nil
				continue
			}
			d.registry.AppendLog(job.ID, formatLine(line))

		case out := <-handle.Done():
			deadline.Stop()
			if !out.Success && d.ctx.Err() != nil {
				// The backend ended because the agent is shutting down.
				d.abort(ctx, span, logger, handle, job.ID, backend, admitted)
				return
			}
			// Logs is closed before the outcome is published; flush what is buffered.
			if logs != nil {
				for line := range logs {
					d.registry.AppendLog(job.ID, formatLine(line))
				}
			}
			d.complete(ctx, span, job.ID, backend, admitted, out)
			return

		case <-deadline.C:
			logger.Warn("job exceeded deadline, stopping backend", "timeout", d.config.JobTimeout)
			d.stopBackend(logger, handle, job.ID, backend)
			d.appendf(job.ID, "Deployment timed out after %s", d.config.JobTimeout)
			d.finish(ctx, span, job.ID, backend, admitted, store.Outcome{Error: ErrTimeout.Error()})
			return

		case <-ctx.Done():
			d.abort(ctx, span, logger, handle, job.ID, backend, admitted)
			return
		}
	}
}

// stopBackend tears the backend down within StopTimeout. A failure is logged
// to the job but does not change how the job ends.
func (d *Dispatcher) stopBackend(logger *slog.Logger, handle runtime.Handle, jobID, backend string) {
	stopCtx, cancel := context.WithTimeout(context.Background(), d.config.StopTimeout)
	defer cancel()
	if err := handle.Stop(stopCtx); err != nil {
		logger.Error("failed to stop backend", "error", err)
		d.appendf(jobID, "[ERROR] failed to stop %s backend: %v", backend, err)
	}
}

// abort ends a running job on shutdown, releasing its backend resources.
func (d *Dispatcher) abort(ctx context.Context, span trace.Span, logger *slog.Logger, handle runtime.Handle, jobID, backend string, admitted time.Time) {
	logger.Warn("agent shutting down, stopping backend")
	d.stopBackend(logger, handle, jobID, backend)
	d.appendf(jobID, "Deployment aborted: %v", ErrShuttingDown)
	d.finish(ctx, span, jobID, backend, admitted, store.Outcome{Error: ErrShuttingDown.Error()})
}

func (d *Dispatcher) complete(ctx context.Context, span trace.Span, jobID, backend string, admitted time.Time, out runtime.Outcome) {
	if out.Success {
		d.appendf(jobID, "Deployment succeeded")
		d.finish(ctx, span, jobID, backend, admitted, store.Outcome{Success: true})
		return
	}

	err := out.Err
	if err == nil {
		err = fmt.Errorf("exit code %d", out.ExitCode)
	}
	d.appendf(jobID, "Deployment failed: %v", err)
	d.finish(ctx, span, jobID, backend, admitted, store.Outcome{Error: err.Error()})
}

// fail records an infrastructure error in the job's log and error field.
func (d *Dispatcher) fail(ctx context.Context, span trace.Span, jobID, backend string, admitted time.Time, err error) {
	d.logger.Error("job failed before completion", "job_id", jobID, "error", err)
	d.appendf(jobID, "[ERROR] %v", err)
	d.finish(ctx, span, jobID, backend, admitted, store.Outcome{Error: err.Error()})
}

func (d *Dispatcher) finish(ctx context.Context, span trace.Span, jobID, backend string, admitted time.Time, outcome store.Outcome) {
	if !d.queue.Finish(jobID, outcome) {
		return
	}

	status := outcome.Status()
	if status == store.StatusFailed {
		span.SetStatus(codes.Error, outcome.Error)
	}
	d.telemetry.recordFinished(ctx, string(status), backend, time.Since(admitted))
	d.logger.Info("job finished", "job_id", jobID, "status", status, "error", outcome.Error)
}

func (d *Dispatcher) appendf(jobID, format string, args ...any) {
	line := fmt.Sprintf("[%s] %s", time.Now().UTC().Format(time.RFC3339), fmt.Sprintf(format, args...))
	d.registry.AppendLog(jobID, line)
}

// formatLine tags backend output with its source, e.g. "[STDOUT] cloning".
func formatLine(line runtime.LogLine) string {
	return fmt.Sprintf("[%s] %s", strings.ToUpper(line.Source), line.Text)
}
