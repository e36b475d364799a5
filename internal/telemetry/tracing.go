// Tracing wraps OpenTelemetry trace/metric providers around run and task
// execution, instrumenting this engine's run/stage/task/AI-call shape. When
// disabled, every operation is a genuine no-op provider, not a conditional
// around every call site.
package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
)

const (
	TracerName = "agentrun"
	MeterName  = "agentrun"
)

// Standard attribute keys for run/task spans.
var (
	AttrRunID   = attribute.Key("agentrun.run.id")
	AttrTaskID  = attribute.Key("agentrun.task.id")
	AttrAgent   = attribute.Key("agentrun.agent.name")
	AttrStage   = attribute.Key("agentrun.stage")
	AttrModel   = attribute.Key("agentrun.llm.model")
	AttrTokens  = attribute.Key("agentrun.llm.tokens")
)

// TraceConfig configures the OpenTelemetry providers. Distinct from the
// LLM-provider Config in cmd/agentrun, which names a chat backend.
type TraceConfig struct {
	Enabled     bool
	Exporter    string // "otlp-http", "stdout", "none"; default otlp-http
	Endpoint    string
	ServiceName string
	SampleRate  float64
}

// Provider wraps the tracer and meter this process uses, plus cleanup.
type Provider struct {
	Tracer   trace.Tracer
	Meter    metric.Meter
	shutdown func(context.Context) error
}

// InitTracing sets up OpenTelemetry with cfg. If cfg.Enabled is false,
// returns a genuine no-op provider: spans and instruments still work, they
// simply record nothing, so call sites never need an Enabled check.
func InitTracing(ctx context.Context, cfg TraceConfig) (*Provider, error) {
	if !cfg.Enabled {
		return &Provider{
			Tracer:   nooptrace.NewTracerProvider().Tracer(TracerName),
			Meter:    noop.NewMeterProvider().Meter(MeterName),
			shutdown: func(context.Context) error { return nil },
		}, nil
	}

	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "agentrun"
	}
	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceName(serviceName)))
	if err != nil {
		return nil, fmt.Errorf("telemetry: create resource: %w", err)
	}

	exporter, err := createExporter(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("telemetry: create exporter: %w", err)
	}

	sampleRate := cfg.SampleRate
	if sampleRate <= 0 {
		sampleRate = 1.0
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(sampleRate))),
	)
	otel.SetTracerProvider(tp)

	mp := sdkmetric.NewMeterProvider(sdkmetric.WithResource(res))

	return &Provider{
		Tracer: tp.Tracer(TracerName),
		Meter:  mp.Meter(MeterName),
		shutdown: func(ctx context.Context) error {
			if err := tp.Shutdown(ctx); err != nil {
				return err
			}
			return mp.Shutdown(ctx)
		},
	}, nil
}

// NoopProvider returns a disabled Provider without touching the network,
// for tests and callers that don't want tracing wired up at all.
func NoopProvider() *Provider {
	p, _ := InitTracing(context.Background(), TraceConfig{Enabled: false})
	return p
}

// Shutdown flushes and releases provider resources.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.shutdown == nil {
		return nil
	}
	return p.shutdown(ctx)
}

func createExporter(ctx context.Context, cfg TraceConfig) (sdktrace.SpanExporter, error) {
	switch cfg.Exporter {
	case "otlp-http", "":
		endpoint := cfg.Endpoint
		if endpoint == "" {
			endpoint = "localhost:4318"
		}
		return otlptracehttp.New(ctx, otlptracehttp.WithEndpoint(endpoint), otlptracehttp.WithInsecure())
	case "stdout":
		return stdouttrace.New(stdouttrace.WithPrettyPrint())
	case "none":
		return &noopExporter{}, nil
	default:
		return nil, fmt.Errorf("unknown exporter: %s (supported: otlp-http, stdout, none)", cfg.Exporter)
	}
}

type noopExporter struct{}

func (e *noopExporter) ExportSpans(_ context.Context, _ []sdktrace.ReadOnlySpan) error { return nil }
func (e *noopExporter) Shutdown(_ context.Context) error                              { return nil }

// StartSpan starts an internal span carrying the given attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(attrs...), trace.WithSpanKind(trace.SpanKindInternal))
}

// StartClientSpan starts a span for an outbound call (chat provider, a
// scripted HTTP fetch from inside the sandbox).
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(attrs...), trace.WithSpanKind(trace.SpanKindClient))
}

// RunEndAttr tags a run.ends counter increment with its terminal state.
func RunEndAttr(endState string) metric.AddOption {
	return metric.WithAttributes(attribute.String("agentrun.run.end_state", endState))
}

// Metrics holds the run/task instruments this engine records.
type Metrics struct {
	RunDuration   metric.Float64Histogram
	TaskDuration  metric.Float64Histogram
	AIDuration    metric.Float64Histogram
	TokensUsed    metric.Int64Counter
	ActiveRuns    metric.Int64UpDownCounter
	RunEndsTotal  metric.Int64Counter
}

// NewMetrics creates every instrument from meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	if m.RunDuration, err = meter.Float64Histogram("agentrun.run.duration",
		metric.WithDescription("Run wall-clock duration in seconds"), metric.WithUnit("s")); err != nil {
		return nil, err
	}
	if m.TaskDuration, err = meter.Float64Histogram("agentrun.task.duration",
		metric.WithDescription("Task wall-clock duration in seconds"), metric.WithUnit("s")); err != nil {
		return nil, err
	}
	if m.AIDuration, err = meter.Float64Histogram("agentrun.ai.duration",
		metric.WithDescription("AI stage chat-call duration in seconds"), metric.WithUnit("s")); err != nil {
		return nil, err
	}
	if m.TokensUsed, err = meter.Int64Counter("agentrun.llm.tokens",
		metric.WithDescription("Total tokens consumed across chat calls")); err != nil {
		return nil, err
	}
	if m.ActiveRuns, err = meter.Int64UpDownCounter("agentrun.run.active",
		metric.WithDescription("Number of runs currently executing")); err != nil {
		return nil, err
	}
	if m.RunEndsTotal, err = meter.Int64Counter("agentrun.run.ends",
		metric.WithDescription("Total runs ended, by end_state")); err != nil {
		return nil, err
	}
	return m, nil
}
