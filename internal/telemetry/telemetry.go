// Package telemetry initialises optional OpenTelemetry trace, metric, and log
// providers backed by an OTLP gRPC collector. All three providers share a
// single gRPC connection.
//
// Call [Setup] once during startup and defer the returned [ShutdownFunc].
// Without a call to Setup the global providers stay no-ops, so the sync
// engine's spans and counters cost nothing.
package telemetry

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploggrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/log/global"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
)

// DefaultServiceName is reported as service.name when none is configured.
const DefaultServiceName = "keeper"

// Config mirrors the telemetry block of the YAML configuration.
type Config struct {
	// OTLPEndpoint is the gRPC host:port of the collector, e.g. "localhost:4317".
	OTLPEndpoint string

	// Insecure disables TLS for the collector connection.
	Insecure bool

	// ServiceName defaults to DefaultServiceName.
	ServiceName string

	// Headers are sent as gRPC metadata on every export, typically an
	// Authorization token.
	Headers map[string]string

	// SampleRatio is the fraction of sync traces kept. Values outside (0, 1)
	// sample everything.
	SampleRatio float64

	// Version is reported as service.version when set.
	Version string
}

// ShutdownFunc flushes and closes all providers. Call it with a fresh
// context; the main context is usually cancelled by then.
type ShutdownFunc func(context.Context) error

// Setup installs the global trace, metric, and log providers. The returned
// ShutdownFunc is never nil, so callers can defer it unconditionally.
func Setup(ctx context.Context, cfg Config) (ShutdownFunc, error) {
	if cfg.OTLPEndpoint == "" {
		return noopShutdown, errors.New("otlp endpoint is required")
	}

	res, err := buildResource(cfg)
	if err != nil {
		return noopShutdown, err
	}

	var creds credentials.TransportCredentials
	if cfg.Insecure {
		creds = insecure.NewCredentials()
	} else {
		creds = credentials.NewTLS(nil)
	}
	conn, err := grpc.NewClient(cfg.OTLPEndpoint, grpc.WithTransportCredentials(creds))
	if err != nil {
		return noopShutdown, fmt.Errorf("dialling OTLP collector at %q: %w", cfg.OTLPEndpoint, err)
	}

	// --- Traces ----------------------------------------------------------

	traceExp, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithGRPCConn(conn),
		otlptracegrpc.WithHeaders(cfg.Headers),
	)
	if err != nil {
		_ = conn.Close()
		return noopShutdown, fmt.Errorf("creating OTLP trace exporter: %w", err)
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExp),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler(cfg.SampleRatio)),
	)
	otel.SetTracerProvider(tp)

	// --- Metrics ---------------------------------------------------------

	metricExp, err := otlpmetricgrpc.New(ctx,
		otlpmetricgrpc.WithGRPCConn(conn),
		otlpmetricgrpc.WithHeaders(cfg.Headers),
	)
	if err != nil {
		_ = tp.Shutdown(ctx)
		_ = conn.Close()
		return noopShutdown, fmt.Errorf("creating OTLP metric exporter: %w", err)
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExp)),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(mp)

	// --- Logs ------------------------------------------------------------

	logExp, err := otlploggrpc.New(ctx,
		otlploggrpc.WithGRPCConn(conn),
		otlploggrpc.WithHeaders(cfg.Headers),
	)
	if err != nil {
		_ = tp.Shutdown(ctx)
		_ = mp.Shutdown(ctx)
		_ = conn.Close()
		return noopShutdown, fmt.Errorf("creating OTLP log exporter: %w", err)
	}
	lp := sdklog.NewLoggerProvider(
		sdklog.WithProcessor(sdklog.NewBatchProcessor(logExp)),
		sdklog.WithResource(res),
	)
	global.SetLoggerProvider(lp)

	return func(ctx context.Context) error {
		var errs []error
		if err := tp.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("trace provider shutdown: %w", err))
		}
		if err := mp.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("metric provider shutdown: %w", err))
		}
		if err := lp.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("log provider shutdown: %w", err))
		}
		if err := conn.Close(); err != nil {
			errs = append(errs, fmt.Errorf("OTLP gRPC connection close: %w", err))
		}
		return errors.Join(errs...)
	}, nil
}

// buildResource describes this service instance. NewSchemaless avoids the
// schema URL conflict between resource.Default and our semconv version.
func buildResource(cfg Config) (*resource.Resource, error) {
	name := cfg.ServiceName
	if name == "" {
		name = DefaultServiceName
	}
	svc := resource.NewSchemaless(semconv.ServiceName(name))
	if cfg.Version != "" {
		svc = resource.NewSchemaless(semconv.ServiceName(name), semconv.ServiceVersion(cfg.Version))
	}
	res, err := resource.Merge(resource.Default(), svc)
	if err != nil {
		return nil, fmt.Errorf("building OTel resource: %w", err)
	}
	return res, nil
}

func sampler(ratio float64) sdktrace.Sampler {
	if ratio <= 0 || ratio >= 1 {
		return sdktrace.AlwaysSample()
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))
}

func noopShutdown(context.Context) error { return nil }
