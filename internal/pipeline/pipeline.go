// Package pipeline orchestrates a full route enrichment run: elevation
// resolution, hiking metrics, composite map, and elevation profile.
package pipeline

import (
	"context"
	"fmt"
	"image"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/trailbook/trailbook/internal/elevation"
	"github.com/trailbook/trailbook/internal/hiking"
	"github.com/trailbook/trailbook/internal/mapimage"
	"github.com/trailbook/trailbook/internal/profile"
	"github.com/trailbook/trailbook/internal/route"
	"github.com/trailbook/trailbook/internal/telemetry"
)

// GapPolicy decides what happens to waypoints left unresolved after the
// elevation stage.
type GapPolicy int

const (
	// GapInterpolate fills unresolved waypoints linearly from their resolved
	// neighbors.
	GapInterpolate GapPolicy = iota
	// GapFail aborts the run when any waypoint is left unresolved.
	GapFail
)

// Config holds configuration for the enrichment pipeline.
type Config struct {
	// Elevation is the DEM provider. Optional: without one the input route
	// must already carry every elevation.
	Elevation elevation.Provider

	// Tiles is the map tile source (required unless DisableMap).
	Tiles mapimage.TileSource

	// FlatSpeedKmh is the hiker's flat-ground speed. Default: 4.5.
	FlatSpeedKmh float64

	// GapPolicy for unresolved elevations. Default: GapInterpolate.
	GapPolicy GapPolicy

	// Concurrency bounds elevation lookups and tile fetches. Default: 4.
	Concurrency int

	// TileBudget and TargetResolution tune the composite map.
	TileBudget       int
	TargetResolution int

	// MarkerIntervalM draws a track marker every such many meters when
	// positive.
	MarkerIntervalM float64

	// ProfileWidth/ProfileHeight size the profile image. Zero means defaults.
	ProfileWidth  int
	ProfileHeight int

	// DisableMap skips the composite map stage.
	DisableMap bool

	// Instruments, when set, receives per-run measurements.
	Instruments *telemetry.RunInstruments

	// Tracer, when set, wraps each run in a span.
	Tracer trace.Tracer

	// Logger for pipeline operations.
	Logger zerolog.Logger
}

// Result is the outcome of one enrichment run. Route is the same value that
// was passed in, now enriched in place.
type Result struct {
	RunID   string
	Route   *route.Route
	Summary *hiking.Summary

	Map          *mapimage.CompositeMap
	Profile      image.Image
	Series       []profile.Point
	Failures     []elevation.Failure
	Interpolated int
	Elapsed      time.Duration
}

// statsSource is implemented by tile sources that track cache activity.
type statsSource interface {
	Stats() (cacheHits, fetches int64)
}

// Pipeline runs enrichment end to end.
type Pipeline struct {
	cfg        Config
	estimator  *hiking.Estimator
	compositor *mapimage.Compositor
	renderer   *profile.Renderer
	logger     zerolog.Logger
}

// New creates a pipeline with the given configuration.
func New(cfg Config) *Pipeline {
	p := &Pipeline{
		cfg: cfg,
		estimator: hiking.NewEstimator(hiking.EstimatorConfig{
			FlatSpeedKmh: cfg.FlatSpeedKmh,
			Logger:       cfg.Logger,
		}),
		renderer: profile.NewRenderer(profile.RendererConfig{
			Width:  cfg.ProfileWidth,
			Height: cfg.ProfileHeight,
			Logger: cfg.Logger,
		}),
		logger: cfg.Logger,
	}
	if !cfg.DisableMap {
		p.compositor = mapimage.NewCompositor(mapimage.CompositorConfig{
			Tiles:            cfg.Tiles,
			TileBudget:       cfg.TileBudget,
			TargetResolution: cfg.TargetResolution,
			Concurrency:      cfg.Concurrency,
			MarkerIntervalM:  cfg.MarkerIntervalM,
			Logger:           cfg.Logger,
		})
	}
	return p
}

// Run enriches the route in place and produces the run artifacts. The route
// is validated first; elevation failures are tolerated per the gap policy; a
// completely unavailable map is fatal while partial tile loss degrades to
// blank patches.
func (p *Pipeline) Run(ctx context.Context, rt *route.Route) (*Result, error) {
	if err := rt.Validate(); err != nil {
		return nil, err
	}

	runID := uuid.NewString()
	started := time.Now()
	if p.cfg.Tracer != nil {
		var span trace.Span
		ctx, span = p.cfg.Tracer.Start(ctx, "pipeline.run",
			trace.WithAttributes(
				attribute.String("run.id", runID),
				attribute.String("route.name", rt.Name),
				attribute.Int("route.waypoints", len(rt.Waypoints)),
			))
		defer span.End()
	}
	logger := p.logger.With().Str("run_id", runID).Str("route", rt.Name).Logger()
	logger.Info().Int("waypoints", len(rt.Waypoints)).Msg("enrichment run started")

	result := &Result{RunID: runID, Route: rt}
	if err := p.resolveElevations(ctx, rt, result, logger); err != nil {
		return nil, err
	}

	// The map needs only coordinates, so it renders while metrics are
	// computed.
	type mapOutcome struct {
		m   *mapimage.CompositeMap
		err error
	}
	mapDone := make(chan mapOutcome, 1)
	if p.compositor != nil {
		go func() {
			m, err := p.compositor.Render(ctx, rt)
			mapDone <- mapOutcome{m: m, err: err}
		}()
	} else {
		mapDone <- mapOutcome{}
	}

	summary, err := p.estimator.Compute(rt)
	if err != nil {
		<-mapDone
		return nil, err
	}
	result.Summary = &summary

	outcome := <-mapDone
	if outcome.err != nil {
		return nil, outcome.err
	}
	result.Map = outcome.m

	series, err := profile.Series(rt)
	if err != nil {
		return nil, err
	}
	result.Series = series
	img, err := p.renderer.Render(series)
	if err != nil {
		return nil, fmt.Errorf("rendering profile: %w", err)
	}
	result.Profile = img

	result.Elapsed = time.Since(started)
	p.record(ctx, result)

	logger.Info().
		Float64("distance_m", summary.DistanceM).
		Dur("estimated", summary.Duration).
		Int("elevation_failures", len(result.Failures)).
		Dur("elapsed", result.Elapsed).
		Msg("enrichment run finished")
	return result, nil
}

// resolveElevations runs the elevation stage and applies the gap policy.
func (p *Pipeline) resolveElevations(ctx context.Context, rt *route.Route, result *Result, logger zerolog.Logger) error {
	if p.cfg.Elevation == nil {
		if !rt.FullyResolved() {
			return &route.Error{
				Stage:   "elevation",
				Code:    "NO_PROVIDER",
				Message: "route has unresolved elevations and no provider is configured",
				Err:     route.ErrIncompleteRoute,
			}
		}
		return nil
	}

	resolver := elevation.NewResolver(elevation.ResolverConfig{
		Provider:    p.cfg.Elevation,
		Concurrency: p.cfg.Concurrency,
		Logger:      logger,
	})
	failures, err := resolver.Resolve(ctx, rt)
	if err != nil {
		return err
	}
	result.Failures = failures

	if rt.FullyResolved() {
		return nil
	}
	switch p.cfg.GapPolicy {
	case GapInterpolate:
		gaps := len(rt.MissingElevations())
		if err := elevation.Interpolate(rt); err != nil {
			return err
		}
		result.Interpolated = gaps
		logger.Warn().Int("gaps", gaps).Msg("unresolved elevations interpolated")
		return nil
	default:
		return &route.Error{
			Stage:   "elevation",
			Code:    "UNRESOLVED",
			Message: fmt.Sprintf("%d waypoints left unresolved", len(rt.MissingElevations())),
			Err:     route.ErrIncompleteRoute,
		}
	}
}

// record publishes the run's measurements when instruments are configured.
func (p *Pipeline) record(ctx context.Context, result *Result) {
	inst := p.cfg.Instruments
	if inst == nil {
		return
	}
	resolved := len(result.Route.Waypoints) - len(result.Failures)
	inst.ElevationsResolved.Add(ctx, int64(resolved))
	inst.ElevationFailures.Add(ctx, int64(len(result.Failures)))
	if result.Map != nil {
		inst.MissingTiles.Add(ctx, int64(result.Map.MissingTiles))
	}
	if src, ok := p.cfg.Tiles.(statsSource); ok {
		hits, fetches := src.Stats()
		inst.TileCacheHits.Add(ctx, hits)
		inst.TileFetches.Add(ctx, fetches)
	}
	inst.RunDuration.Record(ctx, result.Elapsed.Seconds())
}
