package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/runtime"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/trace"
)

// Telemetry holds all telemetry instruments and providers.
// Every method is safe on a nil *Telemetry and on a disabled instance.
type Telemetry struct {
	meterProvider metric.MeterProvider
	tracer        trace.Tracer
	meter         metric.Meter
	exporter      *prometheus.Exporter
	logs          *sdklog.LoggerProvider
	serviceName   string

	// RED Metrics (Rate, Errors, Duration)
	httpRequestsTotal    metric.Int64Counter
	httpRequestDuration  metric.Float64Histogram
	httpRequestsInFlight metric.Int64UpDownCounter

	// Upload Metrics
	uploadsStarted      metric.Int64Counter
	uploadsFinished     metric.Int64Counter
	uploadsActive       metric.Int64UpDownCounter
	uploadDuration      metric.Float64Histogram
	uploadBytes         metric.Int64Counter
	uploadRetries       metric.Int64Counter
	blobOperationsTotal metric.Int64Counter
	blobErrors          metric.Int64Counter
	dbOperationsTotal   metric.Int64Counter
	dbOperationDuration metric.Float64Histogram
	connectivityChanges metric.Int64Counter
	persistenceFailures metric.Int64Counter
	notificationsTotal  metric.Int64Counter
}

// Config holds telemetry configuration.
type Config struct {
	Enabled        bool
	ServiceName    string
	ServiceVersion string
	OTLPEndpoint   string // optional, pushes metrics and logs over gRPC in addition to /metrics
	OTLPInterval   time.Duration
}

// New creates a new telemetry instance.
func New(ctx context.Context, cfg Config) (*Telemetry, error) {
	if !cfg.Enabled {
		return &Telemetry{}, nil
	}

	exporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	opts := []sdkmetric.Option{sdkmetric.WithReader(exporter)}

	if cfg.OTLPEndpoint != "" {
		otlp, err := otlpmetricgrpc.New(ctx,
			otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint),
			otlpmetricgrpc.WithInsecure(),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create otlp exporter: %w", err)
		}

		interval := cfg.OTLPInterval
		if interval <= 0 {
			interval = 30 * time.Second
		}

		opts = append(opts, sdkmetric.WithReader(sdkmetric.NewPeriodicReader(otlp, sdkmetric.WithInterval(interval))))
	}

	meterProvider := sdkmetric.NewMeterProvider(opts...)
	otel.SetMeterProvider(meterProvider)

	t := &Telemetry{
		meterProvider: meterProvider,
		tracer:        otel.Tracer(cfg.ServiceName),
		meter:         meterProvider.Meter(cfg.ServiceName, metric.WithInstrumentationVersion(cfg.ServiceVersion)),
		exporter:      exporter,
		serviceName:   cfg.ServiceName,
	}

	if cfg.OTLPEndpoint != "" {
		logs, err := newLoggerProvider(ctx, cfg.OTLPEndpoint)
		if err != nil {
			return nil, err
		}

		t.logs = logs
	}

	if err := t.initializeMetrics(); err != nil {
		return nil, fmt.Errorf("failed to initialize metrics: %w", err)
	}

	// memory, goroutines and GC come from the contrib runtime instrumentation
	if err := runtime.Start(runtime.WithMeterProvider(meterProvider)); err != nil {
		return nil, fmt.Errorf("failed to start runtime metrics: %w", err)
	}

	return t, nil
}

// Tracer returns the OpenTelemetry tracer.
func (t *Telemetry) Tracer() trace.Tracer {
	if t == nil || t.tracer == nil {
		return otel.Tracer("")
	}

	return t.tracer
}

// RecordHTTPRequest records HTTP request metrics.
func (t *Telemetry) RecordHTTPRequest(ctx context.Context, method, route, status string, duration time.Duration) {
	if t == nil || t.httpRequestsTotal == nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("route", route),
		attribute.String("status", status),
	)

	t.httpRequestsTotal.Add(ctx, 1, attrs)
	t.httpRequestDuration.Record(ctx, duration.Seconds(), attrs)
}

// AddHTTPInFlight moves the in-flight HTTP request gauge by delta.
func (t *Telemetry) AddHTTPInFlight(ctx context.Context, delta int64) {
	if t == nil || t.httpRequestsInFlight == nil {
		return
	}

	t.httpRequestsInFlight.Add(ctx, delta)
}

// RecordUploadStarted counts a new upload and marks it active.
func (t *Telemetry) RecordUploadStarted(ctx context.Context) {
	if t == nil || t.uploadsStarted == nil {
		return
	}

	t.uploadsStarted.Add(ctx, 1)
	t.uploadsActive.Add(ctx, 1)
}

// RecordUploadFinished records a terminal outcome: completed, failed or cancelled.
func (t *Telemetry) RecordUploadFinished(ctx context.Context, status string, duration time.Duration, bytes int64) {
	if t == nil || t.uploadsFinished == nil {
		return
	}

	attrs := metric.WithAttributes(attribute.String("status", status))

	t.uploadsFinished.Add(ctx, 1, attrs)
	t.uploadsActive.Add(ctx, -1)
	t.uploadDuration.Record(ctx, duration.Seconds(), attrs)

	if bytes > 0 {
		t.uploadBytes.Add(ctx, bytes, attrs)
	}
}

// RecordUploadRetry counts a retry scheduled after a transient failure.
func (t *Telemetry) RecordUploadRetry(ctx context.Context, attempt int) {
	if t == nil || t.uploadRetries == nil {
		return
	}

	t.uploadRetries.Add(ctx, 1, metric.WithAttributes(attribute.Int("attempt", attempt)))
}

// RecordBlobOperation records blob store operation metrics.
func (t *Telemetry) RecordBlobOperation(ctx context.Context, backend, operation, status string) {
	if t == nil || t.blobOperationsTotal == nil {
		return
	}

	t.blobOperationsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("backend", backend),
		attribute.String("operation", operation),
		attribute.String("status", status),
	))

	if status == "error" {
		t.blobErrors.Add(ctx, 1, metric.WithAttributes(
			attribute.String("backend", backend),
			attribute.String("operation", operation),
		))
	}
}

// RecordDBOperation records session store operation metrics.
func (t *Telemetry) RecordDBOperation(ctx context.Context, operation, status string, duration time.Duration) {
	if t == nil || t.dbOperationsTotal == nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.String("status", status),
	)

	t.dbOperationsTotal.Add(ctx, 1, attrs)
	t.dbOperationDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordPersistenceFailure counts a swallowed session store error.
func (t *Telemetry) RecordPersistenceFailure(ctx context.Context, operation string) {
	if t == nil || t.persistenceFailures == nil {
		return
	}

	t.persistenceFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("operation", operation)))
}

// RecordConnectivityChange counts online/offline transitions.
func (t *Telemetry) RecordConnectivityChange(ctx context.Context, status string) {
	if t == nil || t.connectivityChanges == nil {
		return
	}

	t.connectivityChanges.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// RecordNotification counts notifications by outcome.
func (t *Telemetry) RecordNotification(ctx context.Context, status string) {
	if t == nil || t.notificationsTotal == nil {
		return
	}

	t.notificationsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// Handler returns the HTTP handler for metrics endpoint.
func (t *Telemetry) Handler() http.Handler {
	if t == nil || t.exporter == nil {
		return http.NotFoundHandler()
	}

	return promhttp.Handler()
}

// Shutdown gracefully shuts down the telemetry system.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if t == nil {
		return nil
	}

	var errs []error

	if t.logs != nil {
		errs = append(errs, t.logs.Shutdown(ctx))
	}

	if mp, ok := t.meterProvider.(*sdkmetric.MeterProvider); ok {
		errs = append(errs, mp.Shutdown(ctx))
	}

	return errors.Join(errs...)
}

func (t *Telemetry) initializeMetrics() error {
	if err := t.initializeREDMetrics(); err != nil {
		return err
	}

	return t.initializeUploadMetrics()
}

func (t *Telemetry) initializeREDMetrics() error {
	var err error

	t.httpRequestsTotal, err = t.meter.Int64Counter(
		"http_requests_total",
		metric.WithDescription("Total number of HTTP requests"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create http_requests_total counter: %w", err)
	}

	t.httpRequestDuration, err = t.meter.Float64Histogram(
		"http_request_duration_seconds",
		metric.WithDescription("HTTP request duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return fmt.Errorf("failed to create http_request_duration histogram: %w", err)
	}

	t.httpRequestsInFlight, err = t.meter.Int64UpDownCounter(
		"http_requests_in_flight",
		metric.WithDescription("Number of HTTP requests currently being processed"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create http_requests_in_flight counter: %w", err)
	}

	return nil
}

func (t *Telemetry) initializeUploadMetrics() error {
	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
		unit string
	}{
		{&t.uploadsStarted, "uploads_started_total", "Total number of uploads started", "1"},
		{&t.uploadsFinished, "uploads_finished_total", "Total number of uploads that reached a terminal state", "1"},
		{&t.uploadBytes, "upload_bytes_total", "Bytes uploaded by finished uploads", "By"},
		{&t.uploadRetries, "upload_retries_total", "Retries scheduled after transient transfer failures", "1"},
		{&t.blobOperationsTotal, "blob_operations_total", "Total number of blob store operations", "1"},
		{&t.blobErrors, "blob_errors_total", "Total number of blob store errors", "1"},
		{&t.dbOperationsTotal, "db_operations_total", "Total number of session store operations", "1"},
		{&t.connectivityChanges, "connectivity_changes_total", "Online/offline transitions observed", "1"},
		{&t.persistenceFailures, "session_persistence_failures_total", "Session store errors that were logged and ignored", "1"},
		{&t.notificationsTotal, "notifications_total", "Notifications sent to the configured notifier", "1"},
	}

	for _, c := range counters {
		counter, err := t.meter.Int64Counter(c.name, metric.WithDescription(c.desc), metric.WithUnit(c.unit))
		if err != nil {
			return fmt.Errorf("failed to create %s counter: %w", c.name, err)
		}

		*c.dst = counter
	}

	var err error

	t.uploadsActive, err = t.meter.Int64UpDownCounter(
		"uploads_active",
		metric.WithDescription("Number of uploads that have not reached a terminal state"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create uploads_active counter: %w", err)
	}

	t.uploadDuration, err = t.meter.Float64Histogram(
		"upload_duration_seconds",
		metric.WithDescription("Time from start to terminal state in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return fmt.Errorf("failed to create upload_duration histogram: %w", err)
	}

	t.dbOperationDuration, err = t.meter.Float64Histogram(
		"db_operation_duration_seconds",
		metric.WithDescription("Session store operation duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return fmt.Errorf("failed to create db_operation_duration histogram: %w", err)
	}

	return nil
}
