package observability

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Metrics holds the service's HTTP, job and cleanup instruments.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	meter metric.Meter

	// HTTP metrics (Latency, Traffic, Errors)
	HTTPRequestDuration metric.Float64Histogram
	HTTPRequestsTotal   metric.Int64Counter
	HTTPErrorsTotal     metric.Int64Counter

	// Job metrics (Latency, Traffic, Errors, Saturation)
	JobDuration        metric.Float64Histogram
	JobsTotal          metric.Int64Counter
	JobErrorsTotal     metric.Int64Counter
	JobsActive         metric.Int64UpDownCounter
	JobProgressUpdates metric.Int64Counter

	// Retention metrics
	CleanupRuns       metric.Int64Counter
	CleanupReclaimed  metric.Int64Counter
	CleanupBytesFreed metric.Int64Counter
	CleanupErrors     metric.Int64Counter
}

// NewMetrics creates and registers all metrics with a Prometheus exporter.
func NewMetrics(ctx context.Context) (*Metrics, http.Handler, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, nil, err
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)

	meter := provider.Meter("eemt-orchestrator")
	m := &Metrics{meter: meter}

	// HTTP metrics
	m.HTTPRequestDuration, err = meter.Float64Histogram(
		"http_request_duration_seconds",
		metric.WithDescription("HTTP request latency in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 60),
	)
	if err != nil {
		return nil, nil, err
	}

	m.HTTPRequestsTotal, err = meter.Int64Counter(
		"http_requests_total",
		metric.WithDescription("Total number of HTTP requests"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.HTTPErrorsTotal, err = meter.Int64Counter(
		"http_errors_total",
		metric.WithDescription("Total number of HTTP errors (4xx and 5xx)"),
	)
	if err != nil {
		return nil, nil, err
	}

	// Job metrics. Workflows run for minutes to a day.
	m.JobDuration, err = meter.Float64Histogram(
		"job_duration_seconds",
		metric.WithDescription("Job execution duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(10, 60, 300, 900, 1800, 3600, 7200, 14400, 28800, 43200, 86400),
	)
	if err != nil {
		return nil, nil, err
	}

	m.JobsTotal, err = meter.Int64Counter(
		"jobs_total",
		metric.WithDescription("Total number of jobs submitted"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.JobErrorsTotal, err = meter.Int64Counter(
		"job_errors_total",
		metric.WithDescription("Total number of failed jobs by reason"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.JobsActive, err = meter.Int64UpDownCounter(
		"jobs_active",
		metric.WithDescription("Number of pending or running jobs (saturation)"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.JobProgressUpdates, err = meter.Int64Counter(
		"job_progress_updates_total",
		metric.WithDescription("Total number of progress increases written to the job store"),
	)
	if err != nil {
		return nil, nil, err
	}

	// Retention metrics
	m.CleanupRuns, err = meter.Int64Counter(
		"cleanup_runs_total",
		metric.WithDescription("Total number of cleanup passes"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.CleanupReclaimed, err = meter.Int64Counter(
		"cleanup_jobs_reclaimed_total",
		metric.WithDescription("Total number of jobs whose artifacts were reclaimed"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.CleanupBytesFreed, err = meter.Int64Counter(
		"cleanup_bytes_freed_total",
		metric.WithDescription("Total artifact bytes deleted by cleanup"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.CleanupErrors, err = meter.Int64Counter(
		"cleanup_errors_total",
		metric.WithDescription("Total number of per-job cleanup failures"),
	)
	if err != nil {
		return nil, nil, err
	}

	return m, promhttp.Handler(), nil
}

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, path string, statusCode int, durationSeconds float64) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		methodAttr(method),
		pathAttr(path),
		statusAttr(statusCode),
	)

	m.HTTPRequestDuration.Record(ctx, durationSeconds, attrs)
	m.HTTPRequestsTotal.Add(ctx, 1, attrs)

	if statusCode >= 400 {
		m.HTTPErrorsTotal.Add(ctx, 1, attrs)
	}
}

// RecordJobSubmitted records a new job entering the pending state.
func (m *Metrics) RecordJobSubmitted(ctx context.Context, kind string) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(kindAttr(kind))
	m.JobsTotal.Add(ctx, 1, attrs)
	m.JobsActive.Add(ctx, 1, attrs)
}

// RecordJobFinished records a job reaching a terminal status. reason is
// empty for successful jobs.
func (m *Metrics) RecordJobFinished(ctx context.Context, kind, status, reason string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.JobDuration.Record(ctx, durationSeconds, metric.WithAttributes(kindAttr(kind), jobStatusAttr(status)))
	m.JobsActive.Add(ctx, -1, metric.WithAttributes(kindAttr(kind)))

	if reason != "" {
		m.JobErrorsTotal.Add(ctx, 1, metric.WithAttributes(kindAttr(kind), reasonAttr(reason)))
	}
}

// RecordProgressUpdate records one persisted progress increase.
func (m *Metrics) RecordProgressUpdate(ctx context.Context, kind string) {
	if m == nil {
		return
	}
	m.JobProgressUpdates.Add(ctx, 1, metric.WithAttributes(kindAttr(kind)))
}

// RecordCleanup records the outcome of one cleanup pass.
func (m *Metrics) RecordCleanup(ctx context.Context, dryRun bool, reclaimed map[string]int, bytesFreed int64, errors int) {
	if m == nil {
		return
	}
	m.CleanupRuns.Add(ctx, 1, metric.WithAttributes(dryRunAttr(dryRun)))
	if dryRun {
		return
	}
	for status, n := range reclaimed {
		m.CleanupReclaimed.Add(ctx, int64(n), metric.WithAttributes(jobStatusAttr(status)))
	}
	m.CleanupBytesFreed.Add(ctx, bytesFreed)
	if errors > 0 {
		m.CleanupErrors.Add(ctx, int64(errors))
	}
}
