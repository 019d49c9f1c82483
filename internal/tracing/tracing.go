// Package tracing exports one span per lifecycle phase over OTLP gRPC.
package tracing

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/moolen/apptest/internal/config"
	"github.com/moolen/apptest/internal/logging"
)

const tracerName = "github.com/moolen/apptest"

// Config holds tracing configuration
type Config struct {
	Enabled  bool
	Endpoint string // OTLP gRPC endpoint, e.g. "localhost:4317"
	Insecure bool   // plaintext connection instead of TLS
}

// ConfigFrom extracts the tracing settings of the run configuration.
func ConfigFrom(cfg *config.Config) Config {
	return Config{
		Enabled:  cfg.TracingEnabled,
		Endpoint: cfg.TracingEndpoint,
		Insecure: cfg.TracingInsecure,
	}
}

// Provider wraps the OpenTelemetry TracerProvider.
type Provider struct {
	tracerProvider *sdktrace.TracerProvider
	logger         *logging.Logger
	enabled        bool
}

// NewProvider creates the provider. When tracing is disabled every span is a
// no-op and Shutdown does nothing.
func NewProvider(cfg Config) (*Provider, error) {
	logger := logging.GetLogger("tracing")

	if !cfg.Enabled {
		logger.Debug("Tracing disabled")
		return &Provider{logger: logger}, nil
	}

	if cfg.Endpoint == "" {
		return nil, config.NewConfigError("tracing enabled but endpoint not configured")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	otlpOptions := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		otlpOptions = append(otlpOptions,
			otlptracegrpc.WithInsecure(),
			otlptracegrpc.WithDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
		)
	} else {
		creds := credentials.NewTLS(&tls.Config{MinVersion: tls.VersionTLS12})
		otlpOptions = append(otlpOptions, otlptracegrpc.WithDialOption(grpc.WithTransportCredentials(creds)))
	}

	exporter, err := otlptracegrpc.New(ctx, otlpOptions...)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
	}

	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceName("apptest")))
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	tracerProvider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)
	otel.SetTracerProvider(tracerProvider)

	logger.Info("Tracing initialized with endpoint: %s", cfg.Endpoint)

	return &Provider{
		tracerProvider: tracerProvider,
		logger:         logger,
		enabled:        true,
	}, nil
}

// Tracer returns the tracer used for lifecycle spans.
func (p *Provider) Tracer() trace.Tracer {
	if !p.enabled {
		return noop.NewTracerProvider().Tracer(tracerName)
	}
	return p.tracerProvider.Tracer(tracerName)
}

// IsEnabled returns whether tracing is enabled
func (p *Provider) IsEnabled() bool {
	return p.enabled
}

// Shutdown flushes remaining spans.
func (p *Provider) Shutdown(ctx context.Context) error {
	if !p.enabled {
		return nil
	}
	if err := p.tracerProvider.Shutdown(ctx); err != nil {
		p.logger.ErrorWithErr("Error shutting down tracer provider", err)
		return err
	}
	return nil
}

// StartPhase starts the span of a lifecycle phase.
func StartPhase(ctx context.Context, tracer trace.Tracer, unit, phase string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "apptest."+phase, trace.WithAttributes(
		attribute.String("apptest.unit", unit),
		attribute.String("apptest.phase", phase),
	))
}

// EndPhase records err on span and ends it.
func EndPhase(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
