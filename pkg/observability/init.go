package observability

import (
	"context"
	"io"
	"os"
	"sync"
	"time"

	"github.com/ajitpratap0/memcap/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
)

// TracingConfig contains tracing configuration
type TracingConfig struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	SamplingRate   float64
	ExporterType   string // "stdout", "none"
	Writer         io.Writer
	BatchTimeout   time.Duration
	MaxExportBatch int
	MaxQueueSize   int
}

var (
	mu       sync.RWMutex
	tracer   trace.Tracer = otel.Tracer("memcap")
	provider *sdktrace.TracerProvider
)

// Initialize installs a tracer provider built from config as the global
// provider. Calling it again replaces the previous provider after
// shutting it down.
func Initialize(config TracingConfig) error {
	res, err := resource.New(context.Background(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String(config.ServiceName),
			semconv.ServiceVersionKey.String(config.ServiceVersion),
			semconv.DeploymentEnvironmentKey.String(config.Environment),
		),
	)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeConfig, "failed to create tracing resource")
	}

	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler(config.SamplingRate)),
	}

	switch config.ExporterType {
	case "none":
	case "", "stdout":
		w := config.Writer
		if w == nil {
			w = os.Stdout
		}
		exporter, err := stdouttrace.New(stdouttrace.WithWriter(w), stdouttrace.WithPrettyPrint())
		if err != nil {
			return errors.Wrap(err, errors.ErrorTypeConfig, "failed to create stdout exporter")
		}
		opts = append(opts, sdktrace.WithBatcher(exporter,
			sdktrace.WithBatchTimeout(config.BatchTimeout),
			sdktrace.WithMaxExportBatchSize(config.MaxExportBatch),
			sdktrace.WithMaxQueueSize(config.MaxQueueSize),
		))
	default:
		return errors.Newf(errors.ErrorTypeConfig, "unknown trace exporter %q", config.ExporterType)
	}

	tp := sdktrace.NewTracerProvider(opts...)
	install(tp, config.ServiceName)

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return nil
}

// UseTracerProvider installs an externally built provider, e.g. one with a
// span recorder in tests.
func UseTracerProvider(tp *sdktrace.TracerProvider) {
	install(tp, "memcap")
}

func install(tp *sdktrace.TracerProvider, name string) {
	mu.Lock()
	prev := provider
	provider = tp
	tracer = tp.Tracer(name)
	mu.Unlock()

	otel.SetTracerProvider(tp)
	if prev != nil && prev != tp {
		_ = prev.Shutdown(context.Background())
	}
}

func sampler(rate float64) sdktrace.Sampler {
	switch {
	case rate <= 0:
		return sdktrace.NeverSample()
	case rate >= 1.0:
		return sdktrace.AlwaysSample()
	default:
		return sdktrace.TraceIDRatioBased(rate)
	}
}

// GetTracer returns the global tracer
func GetTracer() trace.Tracer {
	mu.RLock()
	defer mu.RUnlock()
	return tracer
}

// DefaultConfig returns a default tracing configuration
func DefaultConfig() TracingConfig {
	return TracingConfig{
		ServiceName:    "memcap",
		ServiceVersion: "1.0.0",
		Environment:    getEnv("ENVIRONMENT", "development"),
		SamplingRate:   1.0,
		ExporterType:   getEnv("TRACING_EXPORTER", "stdout"),
		BatchTimeout:   5 * time.Second,
		MaxExportBatch: 512,
		MaxQueueSize:   2048,
	}
}

// getEnv gets environment variable with default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// Shutdown flushes and stops the installed provider
func Shutdown(ctx context.Context) error {
	mu.Lock()
	tp := provider
	provider = nil
	tracer = otel.Tracer("memcap")
	mu.Unlock()

	if tp == nil {
		return nil
	}
	if err := tp.Shutdown(ctx); err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, "failed to shutdown tracer")
	}
	return nil
}
