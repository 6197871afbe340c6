// Package telemetry sets up OpenTelemetry tracing for the automation workers.
package telemetry

import (
	"context"
	"errors"
	"fmt"

	"github.com/ByteMirror/swarm/config"
	"github.com/ByteMirror/swarm/log"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.10.0"
)

// Init installs a global tracer provider exporting to cfg.TracingURL over
// OTLP/HTTP and returns its shutdown function.
func Init(cfg config.ObservabilityConfig) (func(), error) {
	if cfg.ServiceName == "" {
		return nil, errors.New("service name cannot be empty")
	}
	if cfg.TracingURL == "" {
		return nil, errors.New("tracing URL cannot be empty")
	}

	client := otlptracehttp.NewClient(
		otlptracehttp.WithEndpoint(cfg.TracingURL),
		otlptracehttp.WithInsecure(),
	)
	traceExporter, err := otlptrace.New(context.Background(), client)
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	res, err := resource.New(context.Background(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String(cfg.ServiceName),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	tp := trace.NewTracerProvider(
		trace.WithBatcher(traceExporter),
		trace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	return func() {
		if err := tp.Shutdown(context.Background()); err != nil {
			log.ErrorLog.Printf("error shutting down tracer provider: %v", err)
		}
	}, nil
}

// Setup is Init for callers that treat tracing as optional: an empty
// TracingURL or a setup failure leaves the no-op provider in place.
func Setup(cfg config.ObservabilityConfig) func() {
	if cfg.TracingURL == "" {
		return func() {}
	}
	shutdown, err := Init(cfg)
	if err != nil {
		log.WarningLog.Printf("tracing disabled: %v", err)
		return func() {}
	}
	log.InfoLog.Printf("exporting traces to %s as %s", cfg.TracingURL, cfg.ServiceName)
	return shutdown
}
