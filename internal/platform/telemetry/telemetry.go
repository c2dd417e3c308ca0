// Package telemetry builds the OpenTelemetry meter provider used to export
// queue and provider latency metrics to an OTLP collector.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdkresource "go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// ErrMissingEndpoint is returned when export is enabled without a collector.
var ErrMissingEndpoint = errors.New("telemetry: collector endpoint is required")

// DefaultExportInterval matches the SDK's periodic reader default.
const DefaultExportInterval = time.Minute

// Config controls metric export.
type Config struct {
	ServiceName       string
	ServiceVersion    string
	CollectorEndpoint string
	ExportInterval    time.Duration
	Insecure          bool
}

func (c Config) resource() *sdkresource.Resource {
	return sdkresource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(c.ServiceName),
		semconv.ServiceVersion(c.ServiceVersion),
		semconv.TelemetrySDKLanguageGo,
	)
}

// NewMeterProvider creates a meter provider that pushes to the configured
// OTLP gRPC collector on a fixed interval. The exporter connects lazily, so
// an unreachable collector only shows up as failed exports in the log.
// Callers own Shutdown.
func NewMeterProvider(ctx context.Context, cfg Config, logger *slog.Logger) (*sdkmetric.MeterProvider, error) {
	if cfg.CollectorEndpoint == "" {
		return nil, ErrMissingEndpoint
	}
	if cfg.ExportInterval <= 0 {
		cfg.ExportInterval = DefaultExportInterval
	}

	opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(cfg.CollectorEndpoint)}
	if cfg.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}
	exp, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("can't initialize metric exporter: %w", err)
	}

	reader := sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(cfg.ExportInterval))
	if logger != nil {
		logger.Info("metric export enabled",
			slog.String("endpoint", cfg.CollectorEndpoint),
			slog.Duration("interval", cfg.ExportInterval))
	}
	return newMeterProvider(cfg, reader), nil
}

func newMeterProvider(cfg Config, reader sdkmetric.Reader) *sdkmetric.MeterProvider {
	return sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(cfg.resource()),
		sdkmetric.WithReader(reader),
	)
}
