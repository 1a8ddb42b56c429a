package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"

	"github.com/CodeMonkeyCybersecurity/vigil/internal/config"
	"github.com/CodeMonkeyCybersecurity/vigil/internal/core"
	"github.com/CodeMonkeyCybersecurity/vigil/pkg/types"
)

type telemetry struct {
	tracerProvider *sdktrace.TracerProvider

	scanCounter    metric.Int64Counter
	scanDuration   metric.Float64Histogram
	stageDuration  metric.Float64Histogram
	findingCounter metric.Int64Counter

	// busy holds the last reported state of each live worker; the
	// vigil.workers.busy gauge is observed from it.
	mu   sync.Mutex
	busy map[string]bool
}

func New(ctx context.Context, cfg config.TelemetryConfig) (core.Telemetry, error) {
	if !cfg.Enabled {
		return NewNoop(), nil
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	var exporter sdktrace.SpanExporter

	switch cfg.ExporterType {
	case "otlp":
		client := otlptracehttp.NewClient(
			otlptracehttp.WithEndpoint(cfg.Endpoint),
			otlptracehttp.WithInsecure(),
		)
		exp, err := otlptrace.New(ctx, client)
		if err != nil {
			return nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
		}
		exporter = exp
	default:
		return nil, fmt.Errorf("unsupported exporter type: %s", cfg.ExporterType)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.TraceIDRatioBased(cfg.SampleRate)),
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	t, err := newInstruments(otel.Meter(cfg.ServiceName))
	if err != nil {
		_ = tp.Shutdown(ctx)
		return nil, err
	}
	t.tracerProvider = tp
	return t, nil
}

func newInstruments(meter metric.Meter) (*telemetry, error) {
	scanCounter, err := meter.Int64Counter("vigil.scans.total",
		metric.WithDescription("Scans that reached a terminal status"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	scanDuration, err := meter.Float64Histogram("vigil.scan.duration",
		metric.WithDescription("Scan duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	stageDuration, err := meter.Float64Histogram("vigil.stage.duration",
		metric.WithDescription("Pipeline stage duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	findingCounter, err := meter.Int64Counter("vigil.vulnerabilities.total",
		metric.WithDescription("Vulnerabilities recorded"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	t := &telemetry{
		scanCounter:    scanCounter,
		scanDuration:   scanDuration,
		stageDuration:  stageDuration,
		findingCounter: findingCounter,
		busy:           make(map[string]bool),
	}

	_, err = meter.Int64ObservableGauge("vigil.workers.busy",
		metric.WithDescription("Whether each worker is processing a scan"),
		metric.WithUnit("1"),
		metric.WithInt64Callback(t.observeWorkers),
	)
	if err != nil {
		return nil, err
	}
	return t, nil
}

func (t *telemetry) observeWorkers(_ context.Context, o metric.Int64Observer) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	for id, busy := range t.busy {
		var v int64
		if busy {
			v = 1
		}
		o.Observe(v, metric.WithAttributes(attribute.String("worker.id", id)))
	}
	return nil
}

func (t *telemetry) RecordScan(status types.ScanStatus, duration time.Duration) {
	ctx := context.Background()
	attrs := metric.WithAttributes(attribute.String("scan.status", string(status)))

	t.scanCounter.Add(ctx, 1, attrs)
	t.scanDuration.Record(ctx, duration.Seconds(), attrs)
}

func (t *telemetry) RecordStage(stage string, duration time.Duration, err error) {
	t.stageDuration.Record(context.Background(), duration.Seconds(), metric.WithAttributes(
		attribute.String("stage", stage),
		attribute.Bool("success", err == nil),
	))
}

func (t *telemetry) RecordFinding(severity types.Severity) {
	t.findingCounter.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("vulnerability.severity", string(severity)),
	))
}

// RecordWorkerMetrics stores the worker's current state. Reporting the same
// state twice changes nothing; a stopped worker is dropped from the gauge.
func (t *telemetry) RecordWorkerMetrics(status *types.WorkerStatus) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if status.Status == types.WorkerStatusStopped {
		delete(t.busy, status.ID)
		return
	}
	t.busy[status.ID] = status.Status == types.WorkerStatusProcessing
}

func (t *telemetry) Close() error {
	if t.tracerProvider == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return t.tracerProvider.Shutdown(ctx)
}

type noopTelemetry struct{}

func NewNoop() core.Telemetry { return &noopTelemetry{} }

func (n *noopTelemetry) RecordScan(types.ScanStatus, time.Duration) {}
func (n *noopTelemetry) RecordStage(string, time.Duration, error)   {}
func (n *noopTelemetry) RecordFinding(types.Severity)               {}
func (n *noopTelemetry) RecordWorkerMetrics(*types.WorkerStatus)    {}
func (n *noopTelemetry) Close() error                               { return nil }
