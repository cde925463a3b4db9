// Package main provides the entrypoint for the trailbook route enrichment CLI.
package main

import (
	"context"
	"flag"
	"fmt"
	"image"
	"image/png"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/trailbook/trailbook/internal/cache"
	"github.com/trailbook/trailbook/internal/elevation"
	"github.com/trailbook/trailbook/internal/elevation/srtm"
	"github.com/trailbook/trailbook/internal/gpxio"
	"github.com/trailbook/trailbook/internal/pipeline"
	"github.com/trailbook/trailbook/internal/route"
	"github.com/trailbook/trailbook/internal/telemetry"
	"github.com/trailbook/trailbook/internal/tiles"
	"github.com/trailbook/trailbook/pkg/polyline"
)

// Version and BuildTime are set at compile time via ldflags.
var (
	Version   = "dev"
	BuildTime = "unknown"
)

func main() {
	const serviceName = "trailbook"

	var (
		inPath         = flag.String("in", "", "input GPX file")
		encodedTrack   = flag.String("polyline", "", "encoded polyline track instead of a GPX file")
		trackName      = flag.String("name", "", "route name for polyline input")
		outDir         = flag.String("out", ".", "output directory")
		flatSpeed      = flag.Float64("flat-speed", 4.5, "hiker flat-ground speed in km/h")
		densify        = flag.Float64("densify", 0, "resample the track every such many meters before enrichment")
		tileBudget     = flag.Int("tile-budget", 60, "maximum map tiles per run")
		markerInterval = flag.Float64("marker-interval", 0, "track marker spacing in meters, 0 disables")
		strictGaps     = flag.Bool("strict-gaps", false, "fail instead of interpolating unresolved elevations")
		noMap          = flag.Bool("no-map", false, "skip the composite map")
		startFlag      = flag.String("start", "", "hike start time (RFC3339) for GPX timestamps")
		debug          = flag.Bool("debug", false, "enable debug logging")
	)
	flag.Parse()

	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		With().
		Timestamp().
		Str("service", serviceName).
		Logger()
	if !*debug {
		log = log.Level(zerolog.InfoLevel)
	}

	if *inPath == "" && *encodedTrack == "" {
		flag.Usage()
		os.Exit(2)
	}

	log.Info().Str("version", Version).Str("build_time", BuildTime).Msg("starting trailbook")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, log, options{
		inPath:         *inPath,
		encodedTrack:   *encodedTrack,
		trackName:      *trackName,
		outDir:         *outDir,
		flatSpeed:      *flatSpeed,
		densify:        *densify,
		tileBudget:     *tileBudget,
		markerInterval: *markerInterval,
		strictGaps:     *strictGaps,
		noMap:          *noMap,
		start:          *startFlag,
	}); err != nil {
		log.Fatal().Err(err).Msg("enrichment failed")
	}
}

type options struct {
	inPath         string
	encodedTrack   string
	trackName      string
	outDir         string
	flatSpeed      float64
	densify        float64
	tileBudget     int
	markerInterval float64
	strictGaps     bool
	noMap          bool
	start          string
}

func run(ctx context.Context, log zerolog.Logger, opts options) error {
	var start time.Time
	if opts.start != "" {
		parsed, err := time.Parse(time.RFC3339, opts.start)
		if err != nil {
			return fmt.Errorf("parsing -start: %w", err)
		}
		start = parsed
	}

	otlpEndpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	if otlpEndpoint == "" {
		otlpEndpoint = "localhost:4317"
	}
	tp, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName:    "trailbook",
		ServiceVersion: Version,
		Environment:    os.Getenv("APP_ENV"),
		OTLPEndpoint:   otlpEndpoint,
		Enabled:        os.Getenv("OTEL_ENABLED") == "true",
	})
	if err != nil {
		return fmt.Errorf("initializing telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if shutdownErr := tp.Shutdown(shutdownCtx); shutdownErr != nil {
			log.Error().Err(shutdownErr).Msg("failed to shutdown telemetry")
		}
	}()
	instruments, err := telemetry.NewRunInstruments(tp.Meter)
	if err != nil {
		return fmt.Errorf("initializing instruments: %w", err)
	}

	cacheDir := os.Getenv("TRAILBOOK_CACHE_DIR")
	if cacheDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("resolving cache dir: %w", err)
		}
		cacheDir = filepath.Join(home, ".trailbook")
	}
	demCache, err := cache.NewDirStore(filepath.Join(cacheDir, "dem"))
	if err != nil {
		return fmt.Errorf("opening DEM cache: %w", err)
	}
	tileCache, err := cache.NewDirStore(filepath.Join(cacheDir, "tiles"))
	if err != nil {
		return fmt.Errorf("opening tile cache: %w", err)
	}

	// Without Earthdata credentials the DEM stage is skipped and the input
	// must already carry elevations.
	var provider elevation.Provider
	username := os.Getenv("TRAILBOOK_DEM_USERNAME")
	password := os.Getenv("TRAILBOOK_DEM_PASSWORD")
	if username != "" && password != "" {
		provider = srtm.NewClient(srtm.ClientConfig{
			Username: username,
			Password: password,
			Cache:    demCache,
			Logger:   log,
		})
	} else {
		log.Warn().Msg("no DEM credentials, input must be fully resolved")
	}

	rt, err := loadRoute(opts)
	if err != nil {
		return err
	}

	if opts.densify > 0 {
		// Resampling discards per-point elevations; the DEM stage restores
		// them for the denser track.
		if provider == nil && rt.FullyResolved() {
			log.Warn().Msg("skipping densify: it would discard elevations and no DEM provider is configured")
		} else {
			before := len(rt.Waypoints)
			densifyRoute(rt, opts.densify)
			log.Info().Int("before", before).Int("after", len(rt.Waypoints)).Msg("track densified")
		}
	}

	gapPolicy := pipeline.GapInterpolate
	if opts.strictGaps {
		gapPolicy = pipeline.GapFail
	}
	p := pipeline.New(pipeline.Config{
		Elevation:       provider,
		Tiles:           tiles.NewFetcher(tiles.FetcherConfig{Cache: tileCache, Logger: log}),
		FlatSpeedKmh:    opts.flatSpeed,
		GapPolicy:       gapPolicy,
		TileBudget:      opts.tileBudget,
		MarkerIntervalM: opts.markerInterval,
		DisableMap:      opts.noMap,
		Instruments:     instruments,
		Tracer:          tp.Tracer,
		Logger:          log,
	})

	result, err := p.Run(ctx, rt)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(opts.outDir, 0o755); err != nil {
		return fmt.Errorf("creating output dir: %w", err)
	}
	name := "route"
	if opts.inPath != "" {
		name = stem(opts.inPath)
	} else if opts.trackName != "" {
		name = opts.trackName
	}
	base := filepath.Join(opts.outDir, name)

	if err := gpxio.WriteFile(base+"-enriched.gpx", result.Route, start); err != nil {
		return err
	}
	if result.Map != nil {
		if err := writePNG(base+"-map.png", result.Map.Image); err != nil {
			return err
		}
	}
	if err := writePNG(base+"-profile.png", result.Profile); err != nil {
		return err
	}

	for _, failure := range result.Failures {
		log.Warn().Str("waypoint", failure.String()).Msg("elevation unresolved")
	}

	s := result.Summary
	fmt.Printf("%s\n", result.Route.Name)
	fmt.Printf("  distance   %.1f km\n", s.DistanceM/1000)
	fmt.Printf("  ascent     %.0f m\n", s.AscentM)
	fmt.Printf("  descent    %.0f m\n", s.DescentM)
	fmt.Printf("  estimated  %s (at %.1f km/h on the flat)\n", s.Duration.Round(time.Minute), s.FlatSpeedKmh)
	return nil
}

// loadRoute reads the input track, either a GPX file or an encoded polyline.
func loadRoute(opts options) (*route.Route, error) {
	if opts.inPath != "" {
		rt, err := gpxio.ReadFile(opts.inPath)
		if err != nil {
			return nil, err
		}
		if rt.Name == "" {
			rt.Name = stem(opts.inPath)
		}
		return rt, nil
	}

	coords := polyline.Decode(opts.encodedTrack)
	if len(coords) < 2 {
		return nil, fmt.Errorf("polyline decoded to %d points, need at least 2", len(coords))
	}
	rt := &route.Route{Name: opts.trackName}
	if rt.Name == "" {
		rt.Name = "route"
	}
	for _, c := range coords {
		rt.Waypoints = append(rt.Waypoints, route.Waypoint{Lat: c.Lat, Lon: c.Lon})
	}
	return rt, nil
}

// densifyRoute resamples the route's coordinates at a fixed interval,
// replacing its waypoints with bare coordinate points.
func densifyRoute(rt *route.Route, intervalM float64) {
	coords := make([]polyline.Coordinate, len(rt.Waypoints))
	for i, wp := range rt.Waypoints {
		coords[i] = polyline.Coordinate{Lat: wp.Lat, Lon: wp.Lon}
	}
	dense := polyline.Densify(coords, intervalM)
	rt.Waypoints = rt.Waypoints[:0]
	for _, c := range dense {
		rt.Waypoints = append(rt.Waypoints, route.Waypoint{Lat: c.Lat, Lon: c.Lon})
	}
}

// stem returns the input file name without directory or extension.
func stem(path string) string {
	base := filepath.Base(path)
	return base[:len(base)-len(filepath.Ext(base))]
}

func writePNG(path string, img image.Image) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating %s: %w", path, err)
	}
	if err := png.Encode(f, img); err != nil {
		f.Close()
		return fmt.Errorf("encoding %s: %w", path, err)
	}
	return f.Close()
}
