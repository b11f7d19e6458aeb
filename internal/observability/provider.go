package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
)

const (
	ExporterOTLP = "otlp"
	ExporterNone = "none"
)

// MeterConfig selects how pipeline metrics leave the process.
type MeterConfig struct {
	ServiceName string
	Exporter    string
	Endpoint    string
	Insecure    bool
	Interval    time.Duration
}

// SetupMeterProvider installs an SDK meter provider as the global provider.
// Shutting the provider down flushes pending data points and stops the
// exporter.
func SetupMeterProvider(ctx context.Context, cfg MeterConfig) (*sdkmetric.MeterProvider, error) {
	rsc := resource.NewSchemaless(attribute.String("service.name", cfg.ServiceName))

	opts := []sdkmetric.Option{sdkmetric.WithResource(rsc)}
	switch cfg.Exporter {
	case ExporterOTLP:
		exporter, err := newOTLPExporter(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to create otlp metric exporter: %w", err)
		}
		opts = append(opts, sdkmetric.WithReader(
			sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(cfg.Interval)),
		))
	case ExporterNone:
	default:
		return nil, fmt.Errorf("unknown metrics exporter %q", cfg.Exporter)
	}

	provider := sdkmetric.NewMeterProvider(opts...)
	otel.SetMeterProvider(provider)

	Component("metrics").WithField("exporter", cfg.Exporter).Info("Meter provider initialized")
	return provider, nil
}

// newOTLPExporter falls back to the OTEL_EXPORTER_OTLP_* environment when no
// endpoint is configured.
func newOTLPExporter(ctx context.Context, cfg MeterConfig) (sdkmetric.Exporter, error) {
	var opts []otlpmetrichttp.Option
	if cfg.Endpoint != "" {
		opts = append(opts, otlpmetrichttp.WithEndpoint(cfg.Endpoint))
	}
	if cfg.Insecure {
		opts = append(opts, otlpmetrichttp.WithInsecure())
	}
	return otlpmetrichttp.New(ctx, opts...)
}
