// Package telemetry exposes the service's OpenTelemetry metrics through a
// Prometheus endpoint and, optionally, an OTLP collector.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	otelruntime "go.opentelemetry.io/contrib/instrumentation/runtime"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/trace"
)

// Telemetry holds the instruments every component records into. A nil
// *Telemetry is valid and records nothing.
type Telemetry struct {
	provider *sdkmetric.MeterProvider
	exporter *prometheus.Exporter
	tracer   trace.Tracer
	started  time.Time

	httpRequests metric.Int64Counter
	httpDuration metric.Float64Histogram
	httpInFlight metric.Int64UpDownCounter

	downloads        metric.Int64Counter
	downloadsActive  metric.Int64UpDownCounter
	downloadDuration metric.Float64Histogram
	downloadBytes    metric.Int64Counter

	syncRuns     metric.Int64Counter
	syncDuration metric.Float64Histogram
	taskPolls    metric.Int64Counter

	clientOps    metric.Int64Counter
	clientErrors metric.Int64Counter
	dbOps        metric.Int64Counter
	dbDuration   metric.Float64Histogram

	systemErrors metric.Int64Counter
}

// Config holds telemetry configuration.
type Config struct {
	Enabled        bool
	ServiceName    string
	ServiceVersion string
	// OTLPEndpoint, when set, pushes metrics to an OTLP gRPC collector in
	// addition to the Prometheus endpoint.
	OTLPEndpoint   string
	OTLPInsecure   bool
	ExportInterval time.Duration
}

// New creates the telemetry instance. When disabled every instrument is a
// no-op and Handler answers 404.
func New(ctx context.Context, cfg Config) (*Telemetry, error) {
	t := &Telemetry{
		tracer:  otel.Tracer(cfg.ServiceName),
		started: time.Now(),
	}

	if !cfg.Enabled {
		return t, t.register(noop.NewMeterProvider().Meter(cfg.ServiceName))
	}

	exporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	opts := []sdkmetric.Option{
		sdkmetric.WithResource(resource.NewSchemaless(
			attribute.String("service.name", cfg.ServiceName),
			attribute.String("service.version", cfg.ServiceVersion),
		)),
		sdkmetric.WithReader(exporter),
	}

	if cfg.OTLPEndpoint != "" {
		reader, err := newOTLPReader(ctx, cfg)
		if err != nil {
			return nil, err
		}

		opts = append(opts, sdkmetric.WithReader(reader))
	}

	t.provider = sdkmetric.NewMeterProvider(opts...)
	t.exporter = exporter

	otel.SetMeterProvider(t.provider)

	if err := t.register(t.provider.Meter(cfg.ServiceName)); err != nil {
		return nil, fmt.Errorf("failed to initialize metrics: %w", err)
	}

	// memory, GC, goroutines and scheduler
	if err := otelruntime.Start(otelruntime.WithMeterProvider(t.provider)); err != nil {
		return nil, fmt.Errorf("failed to start runtime instrumentation: %w", err)
	}

	return t, nil
}

func newOTLPReader(ctx context.Context, cfg Config) (sdkmetric.Reader, error) {
	opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint)}
	if cfg.OTLPInsecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}

	exp, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create otlp metric exporter: %w", err)
	}

	interval := cfg.ExportInterval
	if interval <= 0 {
		interval = time.Minute
	}

	return sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(interval)), nil
}

// instruments creates instruments on one meter and keeps every creation
// error, so register reads as a table.
type instruments struct {
	meter metric.Meter
	errs  []error
}

func (b *instruments) counter(name, desc, unit string) metric.Int64Counter {
	c, err := b.meter.Int64Counter(name, metric.WithDescription(desc), metric.WithUnit(unit))
	b.track(name, err)

	return c
}

func (b *instruments) upDown(name, desc string) metric.Int64UpDownCounter {
	c, err := b.meter.Int64UpDownCounter(name, metric.WithDescription(desc), metric.WithUnit("1"))
	b.track(name, err)

	return c
}

func (b *instruments) seconds(name, desc string) metric.Float64Histogram {
	h, err := b.meter.Float64Histogram(name, metric.WithDescription(desc), metric.WithUnit("s"))
	b.track(name, err)

	return h
}

func (b *instruments) track(name string, err error) {
	if err != nil {
		b.errs = append(b.errs, fmt.Errorf("%s: %w", name, err))
	}
}

func (t *Telemetry) register(meter metric.Meter) error {
	b := &instruments{meter: meter}

	t.httpRequests = b.counter("http_requests_total", "HTTP requests served by the API", "1")
	t.httpDuration = b.seconds("http_request_duration_seconds", "HTTP request duration")
	t.httpInFlight = b.upDown("http_requests_in_flight", "HTTP requests being served")

	t.downloads = b.counter("downloads_total", "File transfers by terminal status", "1")
	t.downloadsActive = b.upDown("downloads_active", "File transfers in flight")
	t.downloadDuration = b.seconds("download_duration_seconds", "File transfer duration from claim to outcome")
	t.downloadBytes = b.counter("download_bytes_total", "Bytes streamed from the portal", "By")

	t.syncRuns = b.counter("catalog_sync_total", "Catalog category synchronizations", "1")
	t.syncDuration = b.seconds("catalog_sync_duration_seconds", "Catalog category synchronization duration")
	t.taskPolls = b.counter("task_polls_total", "Custom download task polls by observed state", "1")

	t.clientOps = b.counter("client_operations_total", "Portal client operations", "1")
	t.clientErrors = b.counter("client_errors_total", "Failed portal client operations", "1")
	t.dbOps = b.counter("db_operations_total", "Metadata store operations", "1")
	t.dbDuration = b.seconds("db_operation_duration_seconds", "Metadata store operation duration")

	t.systemErrors = b.counter("system_errors_total", "Background failures by component", "1")

	_, err := meter.Float64ObservableGauge("system_uptime_seconds",
		metric.WithDescription("Seconds since the process started"),
		metric.WithUnit("s"),
		metric.WithFloat64Callback(func(_ context.Context, o metric.Float64Observer) error {
			o.Observe(time.Since(t.started).Seconds())

			return nil
		}),
	)
	b.track("system_uptime_seconds", err)

	return errors.Join(b.errs...)
}

// Tracer returns the OpenTelemetry tracer.
func (t *Telemetry) Tracer() trace.Tracer {
	return t.tracer
}

// RecordHTTPRequest records one served request. route must be a pattern, not
// a raw path.
func (t *Telemetry) RecordHTTPRequest(method, route, status string, duration time.Duration) {
	if t == nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("route", route),
		attribute.String("status", status),
	)

	t.httpRequests.Add(context.Background(), 1, attrs)
	t.httpDuration.Record(context.Background(), duration.Seconds(), attrs)
}

func (t *Telemetry) IncrementHTTPInFlight() {
	if t != nil {
		t.httpInFlight.Add(context.Background(), 1)
	}
}

func (t *Telemetry) DecrementHTTPInFlight() {
	if t != nil {
		t.httpInFlight.Add(context.Background(), -1)
	}
}

// RecordDownload records the terminal status of one file transfer.
func (t *Telemetry) RecordDownload(status string, duration time.Duration) {
	if t == nil {
		return
	}

	attrs := metric.WithAttributes(attribute.String("status", status))

	t.downloads.Add(context.Background(), 1, attrs)
	t.downloadDuration.Record(context.Background(), duration.Seconds(), attrs)
}

// RecordDownloadBytes adds n streamed bytes.
func (t *Telemetry) RecordDownloadBytes(n int64) {
	if t != nil && n > 0 {
		t.downloadBytes.Add(context.Background(), n)
	}
}

func (t *Telemetry) IncrementActiveDownloads() {
	if t != nil {
		t.downloadsActive.Add(context.Background(), 1)
	}
}

func (t *Telemetry) DecrementActiveDownloads() {
	if t != nil {
		t.downloadsActive.Add(context.Background(), -1)
	}
}

// RecordSync records one catalog category synchronization.
func (t *Telemetry) RecordSync(category, status string, duration time.Duration) {
	if t == nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("category", category),
		attribute.String("status", status),
	)

	t.syncRuns.Add(context.Background(), 1, attrs)
	t.syncDuration.Record(context.Background(), duration.Seconds(), attrs)
}

// RecordTaskPoll records one poll of a custom download task.
func (t *Telemetry) RecordTaskPoll(state string) {
	if t != nil {
		t.taskPolls.Add(context.Background(), 1, metric.WithAttributes(attribute.String("state", state)))
	}
}

// RecordClientOperation records portal client operation metrics.
func (t *Telemetry) RecordClientOperation(client, operation, status string) {
	if t == nil {
		return
	}

	t.clientOps.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("client", client),
		attribute.String("operation", operation),
		attribute.String("status", status),
	))

	if status == "error" {
		t.clientErrors.Add(context.Background(), 1, metric.WithAttributes(
			attribute.String("client", client),
			attribute.String("operation", operation),
		))
	}
}

// RecordDBOperation records database operation metrics.
func (t *Telemetry) RecordDBOperation(operation, status string, duration time.Duration) {
	if t == nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.String("status", status),
	)

	t.dbOps.Add(context.Background(), 1, attrs)
	t.dbDuration.Record(context.Background(), duration.Seconds(), attrs)
}

// RecordSystemError counts a failure of background work nobody waits on,
// such as the periodic catalog refresh.
func (t *Telemetry) RecordSystemError(component, errorType string) {
	if t != nil {
		t.systemErrors.Add(context.Background(), 1, metric.WithAttributes(
			attribute.String("component", component),
			attribute.String("error_type", errorType),
		))
	}
}

// Handler returns the HTTP handler for metrics endpoint.
func (t *Telemetry) Handler() http.Handler {
	if t == nil || t.exporter == nil {
		return http.NotFoundHandler()
	}

	return promhttp.Handler()
}

// Shutdown flushes and stops the meter provider.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if t == nil || t.provider == nil {
		return nil
	}

	return t.provider.Shutdown(ctx)
}
