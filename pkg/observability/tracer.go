// Package observability wires the Dispatcher's request span and the
// Metrics middleware's Prometheus collectors. Unlike the teacher's
// OTLP-over-gRPC exporter, this core ships a stdout trace exporter
// (go.opentelemetry.io/otel/exporters/stdout/stdouttrace) — there is no
// external collector in scope, only the host process itself — falling
// back to a no-op tracer when tracing is disabled.
package observability

import (
	"context"
	"fmt"
	"io"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	stdouttrace "go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const (
	AttrServiceName = "service.name"
	AttrAgentID     = "agent.id"
	AttrCommand     = "dispatch.command"
	AttrCacheHit    = "cache.hit"
	AttrAutonomous  = "agent.autonomous"

	SpanDispatch = "dispatch.request"
)

// Config controls whether and where spans are exported.
type Config struct {
	Enabled     bool
	ServiceName string
	// Writer receives the pretty-printed span JSON. Defaults to io.Discard
	// when nil; callers wanting console output pass os.Stdout.
	Writer io.Writer
}

// Tracer wraps a trace.Tracer, defaulting to a no-op implementation so
// call sites never need a nil check.
type Tracer struct {
	tracer   trace.Tracer
	provider trace.TracerProvider
}

// NewTracer builds a Tracer from cfg. A disabled config yields a tracer
// whose spans are created but never exported or sampled meaningfully.
func NewTracer(ctx context.Context, cfg Config) (*Tracer, error) {
	if !cfg.Enabled {
		provider := noop.NewTracerProvider()
		return &Tracer{tracer: provider.Tracer(cfg.serviceName()), provider: provider}, nil
	}

	writer := cfg.Writer
	if writer == nil {
		writer = io.Discard
	}

	exporter, err := stdouttrace.New(stdouttrace.WithWriter(writer), stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, fmt.Errorf("observability: create stdout trace exporter: %w", err)
	}

	res, err := resource.New(ctx, resource.WithAttributes(
		attribute.String(AttrServiceName, cfg.serviceName()),
	))
	if err != nil {
		return nil, fmt.Errorf("observability: build resource: %w", err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(provider)

	return &Tracer{tracer: provider.Tracer(cfg.serviceName()), provider: provider}, nil
}

func (c Config) serviceName() string {
	if c.ServiceName != "" {
		return c.ServiceName
	}
	return "agentrun"
}

// Start begins a span named name with the given attributes.
func (t *Tracer) Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, name, opts...)
}

// Shutdown flushes and stops the underlying provider, if it owns one.
func (t *Tracer) Shutdown(ctx context.Context) error {
	if sp, ok := t.provider.(*sdktrace.TracerProvider); ok {
		return sp.Shutdown(ctx)
	}
	return nil
}
