// Package otel traces verticle lifecycle phases with OpenTelemetry.
package otel

import (
	"context"
	"fmt"
	"io"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// InstrumentationName identifies spans created by this package.
const InstrumentationName = "github.com/fluxorio/verticle"

var (
	mu       sync.RWMutex
	provider *sdktrace.TracerProvider
)

// NewTracerProvider builds a provider exporting with config.Exporter.
// stdout receives spans for the "stdout" exporter; nil means os.Stdout.
func NewTracerProvider(ctx context.Context, config Config, stdout io.Writer) (*sdktrace.TracerProvider, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid OpenTelemetry config: %w", err)
	}

	res, err := resource.New(ctx, resource.WithAttributes(config.attributes()...))
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	exporter, err := newExporter(config, stdout)
	if err != nil {
		return nil, err
	}

	return sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(config.SampleRate))),
	), nil
}

// Initialize installs a provider built from config as the global one.
func Initialize(ctx context.Context, config Config) error {
	mu.Lock()
	defer mu.Unlock()

	if provider != nil {
		return fmt.Errorf("OpenTelemetry already initialized")
	}
	tp, err := NewTracerProvider(ctx, config, nil)
	if err != nil {
		return err
	}

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	provider = tp
	return nil
}

// Tracer returns the tracer of the installed provider, or a no-op tracer.
func Tracer() trace.Tracer {
	mu.RLock()
	defer mu.RUnlock()
	if provider == nil {
		return noop.NewTracerProvider().Tracer(InstrumentationName)
	}
	return provider.Tracer(InstrumentationName)
}

// IsInitialized returns whether OpenTelemetry has been initialized
func IsInitialized() bool {
	mu.RLock()
	defer mu.RUnlock()
	return provider != nil
}

// Shutdown flushes and uninstalls the provider set by Initialize.
func Shutdown(ctx context.Context) error {
	mu.Lock()
	defer mu.Unlock()

	if provider == nil {
		return nil
	}
	err := provider.Shutdown(ctx)
	provider = nil
	return err
}
