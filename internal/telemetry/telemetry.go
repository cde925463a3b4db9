// Package telemetry provides OpenTelemetry initialization and the instrument
// bundle recorded by enrichment runs.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

// Config holds configuration for telemetry setup.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	OTLPEndpoint   string
	Enabled        bool
}

// Provider holds the initialized telemetry providers.
type Provider struct {
	TracerProvider *sdktrace.TracerProvider
	MeterProvider  *sdkmetric.MeterProvider
	Tracer         trace.Tracer
	Meter          metric.Meter
}

// Shutdown gracefully shuts down the telemetry providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.TracerProvider != nil {
		if err := p.TracerProvider.Shutdown(ctx); err != nil {
			return err
		}
	}
	if p.MeterProvider != nil {
		if err := p.MeterProvider.Shutdown(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Init initializes OpenTelemetry with the given configuration.
// Returns a Provider that must be shut down when the application exits.
func Init(ctx context.Context, cfg Config) (*Provider, error) {
	if !cfg.Enabled {
		return newNoopProvider(cfg), nil
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
			semconv.DeploymentEnvironment(cfg.Environment),
		),
	)
	if err != nil {
		return nil, err
	}

	tracerProvider, err := initTracerProvider(ctx, cfg, res)
	if err != nil {
		return nil, err
	}

	meterProvider, err := initMeterProvider(ctx, cfg, res)
	if err != nil {
		_ = tracerProvider.Shutdown(ctx) //nolint:errcheck // best effort cleanup
		return nil, err
	}

	otel.SetTracerProvider(tracerProvider)
	otel.SetMeterProvider(meterProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return &Provider{
		TracerProvider: tracerProvider,
		MeterProvider:  meterProvider,
		Tracer:         tracerProvider.Tracer(cfg.ServiceName),
		Meter:          meterProvider.Meter(cfg.ServiceName),
	}, nil
}

func initTracerProvider(ctx context.Context, cfg Config, res *resource.Resource) (*sdktrace.TracerProvider, error) {
	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)

	return tp, nil
}

func initMeterProvider(ctx context.Context, cfg Config, res *resource.Resource) (*sdkmetric.MeterProvider, error) {
	exporter, err := otlpmetricgrpc.New(ctx,
		otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint),
		otlpmetricgrpc.WithInsecure(),
	)
	if err != nil {
		return nil, err
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter,
			sdkmetric.WithInterval(15*time.Second),
		)),
		sdkmetric.WithResource(res),
	)

	return mp, nil
}

// newNoopProvider creates a provider with noop tracer and meter for disabled telemetry.
func newNoopProvider(cfg Config) *Provider {
	return &Provider{
		Tracer: otel.Tracer(cfg.ServiceName),
		Meter:  otel.Meter(cfg.ServiceName),
	}
}

// RunInstruments are the instruments recorded once per enrichment run.
type RunInstruments struct {
	ElevationsResolved metric.Int64Counter
	ElevationFailures  metric.Int64Counter
	TileFetches        metric.Int64Counter
	TileCacheHits      metric.Int64Counter
	MissingTiles       metric.Int64Counter
	RunDuration        metric.Float64Histogram
}

// NewRunInstruments registers the per-run instruments on the given meter.
func NewRunInstruments(meter metric.Meter) (*RunInstruments, error) {
	resolved, err := meter.Int64Counter("trailbook.elevation.resolved",
		metric.WithDescription("Waypoint elevations resolved against the DEM"))
	if err != nil {
		return nil, err
	}
	failures, err := meter.Int64Counter("trailbook.elevation.failures",
		metric.WithDescription("Waypoints whose elevation lookup failed"))
	if err != nil {
		return nil, err
	}
	fetches, err := meter.Int64Counter("trailbook.tiles.fetches",
		metric.WithDescription("Map tiles fetched from the remote server"))
	if err != nil {
		return nil, err
	}
	hits, err := meter.Int64Counter("trailbook.tiles.cache_hits",
		metric.WithDescription("Map tiles served from the local cache"))
	if err != nil {
		return nil, err
	}
	missing, err := meter.Int64Counter("trailbook.tiles.missing",
		metric.WithDescription("Covering tiles rendered as blank patches"))
	if err != nil {
		return nil, err
	}
	duration, err := meter.Float64Histogram("trailbook.run.duration",
		metric.WithDescription("End to end enrichment run duration"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, err
	}
	return &RunInstruments{
		ElevationsResolved: resolved,
		ElevationFailures:  failures,
		TileFetches:        fetches,
		TileCacheHits:      hits,
		MissingTiles:       missing,
		RunDuration:        duration,
	}, nil
}
