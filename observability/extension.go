package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/xraph/herald/dlq"
	"github.com/xraph/herald/ext"
	"github.com/xraph/herald/job"
)

// Compile-time interface checks.
var (
	_ ext.Extension       = (*MetricsExtension)(nil)
	_ ext.JobSubmitted    = (*MetricsExtension)(nil)
	_ ext.JobStarted      = (*MetricsExtension)(nil)
	_ ext.JobProgress     = (*MetricsExtension)(nil)
	_ ext.JobCompleted    = (*MetricsExtension)(nil)
	_ ext.JobRetrying     = (*MetricsExtension)(nil)
	_ ext.JobCancelled    = (*MetricsExtension)(nil)
	_ ext.JobDeadLettered = (*MetricsExtension)(nil)
	_ ext.JobReclaimed    = (*MetricsExtension)(nil)
)

// Metric names recorded by MetricsExtension. Every counter carries a
// category attribute.
const (
	MetricSubmitted    = "herald.job.submitted"
	MetricStarted      = "herald.job.started"
	MetricProgress     = "herald.job.progress_reports"
	MetricCompleted    = "herald.job.completed"
	MetricRetried      = "herald.job.retried"
	MetricCancelled    = "herald.job.cancelled"
	MetricDeadLettered = "herald.job.dead_lettered"
	MetricReclaimed    = "herald.job.reclaimed"
)

// MetricsExtension records lifecycle counters through the OTel metric
// API. Register it as a herald extension to track submission rates,
// completions, retries, cancellations, dead letters and reclaimed
// leases per category.
type MetricsExtension struct {
	Submitted    metric.Int64Counter
	Started      metric.Int64Counter
	Progress     metric.Int64Counter
	Completed    metric.Int64Counter
	Retried      metric.Int64Counter
	Cancelled    metric.Int64Counter
	DeadLettered metric.Int64Counter
	Reclaimed    metric.Int64Counter
}

// NewMetricsExtension creates a MetricsExtension on the global
// MeterProvider.
func NewMetricsExtension() *MetricsExtension {
	return NewMetricsExtensionWithMeter(otel.Meter("github.com/xraph/herald/observability"))
}

// NewMetricsExtensionWithMeter creates a MetricsExtension with the
// provided meter. On error the OTel API returns noop instruments.
func NewMetricsExtensionWithMeter(meter metric.Meter) *MetricsExtension {
	counter := func(name, desc string) metric.Int64Counter {
		c, _ := meter.Int64Counter(name, metric.WithDescription(desc), metric.WithUnit("{job}"))
		return c
	}
	return &MetricsExtension{
		Submitted:    counter(MetricSubmitted, "Jobs accepted into a queue"),
		Started:      counter(MetricStarted, "Attempts started by a worker"),
		Progress:     counter(MetricProgress, "Progress reports stored"),
		Completed:    counter(MetricCompleted, "Jobs completed successfully"),
		Retried:      counter(MetricRetried, "Failed attempts rescheduled"),
		Cancelled:    counter(MetricCancelled, "Jobs ended by cancellation"),
		DeadLettered: counter(MetricDeadLettered, "Jobs moved to the dead-letter store"),
		Reclaimed:    counter(MetricReclaimed, "Leases reclaimed from lost workers"),
	}
}

// Name implements ext.Extension.
func (m *MetricsExtension) Name() string { return "observability-metrics" }

func category(r *job.Record) metric.AddOption {
	return metric.WithAttributes(attribute.String("category", r.Category))
}

// OnJobSubmitted implements ext.JobSubmitted.
func (m *MetricsExtension) OnJobSubmitted(ctx context.Context, r *job.Record) error {
	m.Submitted.Add(ctx, 1, category(r))
	return nil
}

// OnJobStarted implements ext.JobStarted.
func (m *MetricsExtension) OnJobStarted(ctx context.Context, r *job.Record) error {
	m.Started.Add(ctx, 1, category(r))
	return nil
}

// OnJobProgress implements ext.JobProgress.
func (m *MetricsExtension) OnJobProgress(ctx context.Context, r *job.Record, _ int, _ string) error {
	m.Progress.Add(ctx, 1, category(r))
	return nil
}

// OnJobCompleted implements ext.JobCompleted.
func (m *MetricsExtension) OnJobCompleted(ctx context.Context, r *job.Record, _ time.Duration) error {
	m.Completed.Add(ctx, 1, category(r))
	return nil
}

// OnJobRetrying implements ext.JobRetrying.
func (m *MetricsExtension) OnJobRetrying(ctx context.Context, r *job.Record, _ error, _ time.Time) error {
	m.Retried.Add(ctx, 1, category(r))
	return nil
}

// OnJobCancelled implements ext.JobCancelled.
func (m *MetricsExtension) OnJobCancelled(ctx context.Context, r *job.Record) error {
	m.Cancelled.Add(ctx, 1, category(r))
	return nil
}

// OnJobDeadLettered implements ext.JobDeadLettered.
func (m *MetricsExtension) OnJobDeadLettered(ctx context.Context, r *job.Record, entry *dlq.Entry) error {
	m.DeadLettered.Add(ctx, 1, metric.WithAttributes(
		attribute.String("category", r.Category),
		attribute.String("failure_kind", string(entry.FailureKind)),
	))
	return nil
}

// OnJobReclaimed implements ext.JobReclaimed.
func (m *MetricsExtension) OnJobReclaimed(ctx context.Context, r *job.Record) error {
	m.Reclaimed.Add(ctx, 1, category(r))
	return nil
}
