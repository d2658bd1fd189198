// Package telemetry wires OpenTelemetry tracing for the service.
package telemetry

import (
	"context"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

type Config struct {
	ServiceName string
	Endpoint    string
	Insecure    bool
	SampleRatio float64
}

// Setup installs W3C trace propagation and, when an endpoint is configured, an OTLP/gRPC
// exporter. The returned function flushes pending spans.
func Setup(ctx context.Context, cfg Config, logger logrus.FieldLogger) func(context.Context) error {
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	log := logger.WithField("module", "telemetry")
	if cfg.Endpoint == "" {
		log.Debug("no otlp endpoint, tracing stays local")
		return func(context.Context) error { return nil }
	}

	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		log.WithError(err).Warn("otlp exporter unavailable, tracing disabled")
		return func(context.Context) error { return nil }
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceName(cfg.ServiceName)),
		resource.WithHost(),
	)
	if err != nil {
		log.WithError(err).Warn("partial otel resource")
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(sampleRatio(cfg.SampleRatio)))),
	)
	otel.SetTracerProvider(provider)
	log.WithFields(logrus.Fields{"endpoint": cfg.Endpoint, "sample_ratio": sampleRatio(cfg.SampleRatio)}).Info("tracing enabled")
	return provider.Shutdown
}

func sampleRatio(ratio float64) float64 {
	if ratio <= 0 || ratio > 1 {
		return 1
	}
	return ratio
}
