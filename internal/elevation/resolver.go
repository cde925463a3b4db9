package elevation

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/trailbook/trailbook/internal/route"
)

// ResolverConfig holds configuration for the elevation resolver.
type ResolverConfig struct {
	// Provider is the DEM data source (required).
	Provider Provider

	// Logger for resolver operations.
	Logger zerolog.Logger

	// Concurrency bounds the number of in-flight provider lookups.
	// Default: 4.
	Concurrency int
}

// Resolver fills missing waypoint elevations through a bounded worker pool.
// Lookups for distinct waypoints are independent and run concurrently; a
// single lookup failure never cancels its siblings. An authentication failure
// is the exception: all later lookups would fail identically, so the stage is
// cut short.
type Resolver struct {
	provider    Provider
	logger      zerolog.Logger
	concurrency int

	resolved atomic.Int64
	failed   atomic.Int64
}

// NewResolver creates a resolver with the given configuration.
func NewResolver(cfg ResolverConfig) *Resolver {
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 4
	}
	return &Resolver{
		provider:    cfg.Provider,
		logger:      cfg.Logger,
		concurrency: concurrency,
	}
}

// Stats returns the cumulative resolved/failed waypoint counts.
func (r *Resolver) Stats() (resolved, failed int64) {
	return r.resolved.Load(), r.failed.Load()
}

type lookupResult struct {
	index int
	value float64
	err   error
}

// Resolve fills the elevation of every waypoint that lacks one, mutating the
// route in place. Per-waypoint failures are returned as records, sorted by
// waypoint index; the route keeps its gaps for those. The error return is
// non-nil only for stage-fatal conditions: context cancellation or an
// authentication rejection.
func (r *Resolver) Resolve(ctx context.Context, rt *route.Route) ([]Failure, error) {
	missing := rt.MissingElevations()
	if len(missing) == 0 {
		return nil, nil
	}

	r.logger.Info().
		Str("route", rt.Name).
		Int("waypoints", len(rt.Waypoints)).
		Int("missing", len(missing)).
		Str("provider", r.provider.Name()).
		Msg("resolving waypoint elevations")

	lookupCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	jobs := make(chan int, len(missing))
	results := make(chan lookupResult, len(missing))

	workers := r.concurrency
	if workers > len(missing) {
		workers = len(missing)
	}

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for idx := range jobs {
				select {
				case <-lookupCtx.Done():
					results <- lookupResult{index: idx, err: lookupCtx.Err()}
					continue
				default:
				}
				wp := &rt.Waypoints[idx]
				value, err := r.provider.Elevation(lookupCtx, wp.Lat, wp.Lon)
				results <- lookupResult{index: idx, value: value, err: err}
			}
		}()
	}

	for _, idx := range missing {
		jobs <- idx
	}
	close(jobs)

	go func() {
		wg.Wait()
		close(results)
	}()

	var failures []Failure
	var authErr error
	for res := range results {
		if res.err != nil {
			if errors.Is(res.err, ErrAuthentication) && authErr == nil {
				authErr = res.err
				cancel() // all later lookups would fail the same way
			}
			r.failed.Add(1)
			wp := rt.Waypoints[res.index]
			failures = append(failures, Failure{Index: res.index, Lat: wp.Lat, Lon: wp.Lon, Err: res.err})
			continue
		}
		rt.Waypoints[res.index].SetElevation(res.value)
		r.resolved.Add(1)
	}

	sort.Slice(failures, func(i, j int) bool { return failures[i].Index < failures[j].Index })

	if authErr != nil {
		return failures, &route.Error{
			Stage:   "elevation",
			Code:    "AUTHENTICATION",
			Message: "aborting elevation resolution",
			Err:     authErr,
		}
	}
	if err := ctx.Err(); err != nil {
		return failures, err
	}

	if len(failures) > 0 {
		r.logger.Warn().
			Str("route", rt.Name).
			Int("failed", len(failures)).
			Msg("elevation resolution completed with gaps")
	}
	return failures, nil
}

// Interpolate fills remaining elevation gaps from the nearest resolved
// neighbors, linearly in sequence position. Gaps at the route edges copy the
// nearest resolved value. Returns route.ErrIncompleteRoute when no waypoint
// at all carries an elevation to interpolate from.
func Interpolate(rt *route.Route) error {
	missing := rt.MissingElevations()
	if len(missing) == 0 {
		return nil
	}
	if len(missing) == len(rt.Waypoints) {
		return route.ErrIncompleteRoute
	}

	n := len(rt.Waypoints)
	for _, idx := range missing {
		prev, next := -1, -1
		for i := idx - 1; i >= 0; i-- {
			if rt.Waypoints[i].Elevation != nil {
				prev = i
				break
			}
		}
		for i := idx + 1; i < n; i++ {
			if rt.Waypoints[i].Elevation != nil {
				next = i
				break
			}
		}
		switch {
		case prev >= 0 && next >= 0:
			span := float64(next - prev)
			frac := float64(idx-prev) / span
			v := *rt.Waypoints[prev].Elevation*(1-frac) + *rt.Waypoints[next].Elevation*frac
			rt.Waypoints[idx].SetElevation(v)
		case prev >= 0:
			rt.Waypoints[idx].SetElevation(*rt.Waypoints[prev].Elevation)
		default:
			rt.Waypoints[idx].SetElevation(*rt.Waypoints[next].Elevation)
		}
	}
	return nil
}
