// Package telemetry wires the OTLP trace and metric pipelines. Everything is
// behind OTEL_ENABLED; a disabled gateway carries zero exporter goroutines.
package telemetry

import (
	"context"
	"time"

	"github.com/Laisky/errors/v2"
	"github.com/Laisky/zap"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdkresource "go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/causewayapi/causeway/common"
	"github.com/causewayapi/causeway/common/config"
	"github.com/causewayapi/causeway/common/logger"
)

// metricExportInterval is how often the periodic reader pushes to the
// collector.
const metricExportInterval = 15 * time.Second

// ProviderBundle owns whatever providers were installed so main can drain
// them on shutdown. A nil bundle (telemetry disabled) shuts down cleanly.
type ProviderBundle struct {
	shutdowns []func(context.Context) error
}

// InitOpenTelemetry installs global tracer and meter providers exporting
// over OTLP/HTTP. Returns nil without error when telemetry is disabled.
func InitOpenTelemetry(ctx context.Context) (*ProviderBundle, error) {
	if !config.OpenTelemetryEnabled {
		return nil, nil
	}
	if config.OpenTelemetryEndpoint == "" {
		return nil, errors.New("OTEL_EXPORTER_OTLP_ENDPOINT is required when OTEL_ENABLED is true")
	}

	res, err := gatewayResource(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "build telemetry resource")
	}

	bundle := &ProviderBundle{}

	traceOpts := []otlptracehttp.Option{
		otlptracehttp.WithEndpoint(config.OpenTelemetryEndpoint),
		otlptracehttp.WithCompression(otlptracehttp.GzipCompression),
	}
	if config.OpenTelemetryInsecure {
		traceOpts = append(traceOpts, otlptracehttp.WithInsecure())
	}
	traceExporter, err := otlptracehttp.New(ctx, traceOpts...)
	if err != nil {
		return nil, errors.Wrap(err, "create OTLP trace exporter")
	}
	tracerProvider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tracerProvider)
	bundle.shutdowns = append(bundle.shutdowns, tracerProvider.Shutdown)

	metricOpts := []otlpmetrichttp.Option{
		otlpmetrichttp.WithEndpoint(config.OpenTelemetryEndpoint),
		otlpmetrichttp.WithCompression(otlpmetrichttp.GzipCompression),
	}
	if config.OpenTelemetryInsecure {
		metricOpts = append(metricOpts, otlpmetrichttp.WithInsecure())
	}
	metricExporter, err := otlpmetrichttp.New(ctx, metricOpts...)
	if err != nil {
		_ = bundle.Shutdown(ctx)
		return nil, errors.Wrap(err, "create OTLP metric exporter")
	}
	meterProvider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExporter,
			sdkmetric.WithInterval(metricExportInterval))),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(meterProvider)
	bundle.shutdowns = append(bundle.shutdowns, meterProvider.Shutdown)

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	logger.Logger.Info("telemetry initialized",
		zap.String("endpoint", config.OpenTelemetryEndpoint),
		zap.String("service", config.OpenTelemetryServiceName),
		zap.Bool("insecure", config.OpenTelemetryInsecure))

	return bundle, nil
}

// Shutdown flushes and stops every installed provider, in reverse install
// order so metrics drain before the trace pipeline closes.
func (p *ProviderBundle) Shutdown(ctx context.Context) error {
	if p == nil {
		return nil
	}
	var firstErr error
	for i := len(p.shutdowns) - 1; i >= 0; i-- {
		if err := p.shutdowns[i](ctx); err != nil && firstErr == nil {
			firstErr = errors.Wrap(err, "shutdown telemetry provider")
		}
	}
	return firstErr
}

func gatewayResource(ctx context.Context) (*sdkresource.Resource, error) {
	attrs := []attribute.KeyValue{
		attribute.String("service.name", config.OpenTelemetryServiceName),
		attribute.String("service.version", common.Version),
	}
	if config.OpenTelemetryEnvironment != "" {
		attrs = append(attrs, attribute.String("deployment.environment", config.OpenTelemetryEnvironment))
	}
	return sdkresource.New(ctx,
		sdkresource.WithFromEnv(),
		sdkresource.WithHost(),
		sdkresource.WithTelemetrySDK(),
		sdkresource.WithAttributes(attrs...),
	)
}
