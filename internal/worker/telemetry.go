package worker

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "devopsagent-dispatcher"

// telemetry bundles the dispatcher's tracer and instruments.
// Instruments come from the global providers, so they are no-ops until
// observability.InitMetrics / InitTracer have run.
type telemetry struct {
	tracer    trace.Tracer
	submitted metric.Int64Counter
	finished  metric.Int64Counter
	duration  metric.Float64Histogram
}

func newTelemetry(depth func() int64, logger *slog.Logger) *telemetry {
	meter := otel.Meter(instrumentationName)
	t := &telemetry{tracer: otel.Tracer(instrumentationName)}

	var err error
	if t.submitted, err = meter.Int64Counter("deploy.jobs.submitted",
		metric.WithDescription("Deployment requests accepted")); err != nil {
		logger.Warn("failed to create submitted counter", "error", err)
	}
	if t.finished, err = meter.Int64Counter("deploy.jobs.finished",
		metric.WithDescription("Deployment jobs that reached a terminal status")); err != nil {
		logger.Warn("failed to create finished counter", "error", err)
	}
	if t.duration, err = meter.Float64Histogram("deploy.job.duration",
		metric.WithDescription("Wall-clock time from admission to terminal status"),
		metric.WithUnit("s")); err != nil {
		logger.Warn("failed to create duration histogram", "error", err)
	}

	// Observable gauge, evaluated only when scraped.
	_, err = meter.Int64ObservableGauge("deploy.queue.depth",
		metric.WithDescription("Deployment jobs waiting for the active slot"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			obs.Observe(depth())
			return nil
		}),
	)
	if err != nil {
		logger.Warn("failed to register queue depth metric", "error", err)
	}
	return t
}

func (t *telemetry) recordSubmitted(ctx context.Context) {
	if t.submitted != nil {
		t.submitted.Add(ctx, 1)
	}
}

func (t *telemetry) recordFinished(ctx context.Context, status, backend string, elapsed time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("status", status),
		attribute.String("backend", backend),
	)
	if t.finished != nil {
		t.finished.Add(ctx, 1, attrs)
	}
	if t.duration != nil {
		t.duration.Record(ctx, elapsed.Seconds(), attrs)
	}
}
