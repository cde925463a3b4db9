// Package hiking computes cumulative distance and terrain-aware walking-time
// estimates for a route with fully resolved elevations, using Tobler's hiking
// function.
package hiking

import (
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"

	"github.com/trailbook/trailbook/internal/route"
)

// Earth radii in meters, used for the latitude-dependent radius model.
const (
	radiusEquator = 6378137.0
	radiusPole    = 6356752.0
)

const (
	// minSegmentM is the horizontal distance below which a segment is treated
	// as stationary: it contributes no time and no slope.
	minSegmentM = 0.001

	// maxSlope caps the slope fed into the speed model. Steeper apparent
	// slopes come from GPS elevation spikes, not terrain, and are flattened.
	// 1.2 corresponds to about 50 degrees.
	maxSlope = 1.2
)

// EstimatorConfig holds configuration for the metrics estimator.
type EstimatorConfig struct {
	// FlatSpeedKmh is the baseline walking speed on flat terrain in km/h
	// (required, typical range 4.5-5).
	FlatSpeedKmh float64

	// Logger for estimator operations.
	Logger zerolog.Logger
}

// Estimator computes per-waypoint metrics for resolved routes.
type Estimator struct {
	flatSpeedKmh float64
	logger       zerolog.Logger
}

// NewEstimator creates an estimator. FlatSpeedKmh defaults to 4.5 km/h.
func NewEstimator(cfg EstimatorConfig) *Estimator {
	flatSpeed := cfg.FlatSpeedKmh
	if flatSpeed <= 0 {
		flatSpeed = 4.5
	}
	return &Estimator{flatSpeedKmh: flatSpeed, logger: cfg.Logger}
}

// Summary aggregates a route's metrics.
type Summary struct {
	DistanceM    float64
	AscentM      float64
	DescentM     float64
	Duration     time.Duration
	FlatSpeedKmh float64
}

// EarthRadius returns the sea-level earth radius in meters at the given
// latitude.
func EarthRadius(lat float64) float64 {
	rad := lat * math.Pi / 180
	cos, sin := math.Cos(rad), math.Sin(rad)
	num := math.Pow(radiusEquator*radiusEquator*cos, 2) + math.Pow(radiusPole*radiusPole*sin, 2)
	den := math.Pow(radiusEquator*cos, 2) + math.Pow(radiusPole*sin, 2)
	return math.Sqrt(num / den)
}

// Distance returns the great-circle distance in meters between two waypoints
// using the haversine formula. The earth radius is taken at the segment's mean
// latitude and, when both elevations are known, raised by their mean.
func Distance(a, b route.Waypoint) float64 {
	lat1 := a.Lat * math.Pi / 180
	lat2 := b.Lat * math.Pi / 180
	dLat := lat2 - lat1
	dLon := (b.Lon - a.Lon) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))

	radius := EarthRadius((a.Lat + b.Lat) / 2)
	if a.Elevation != nil && b.Elevation != nil {
		radius += (*a.Elevation + *b.Elevation) / 2
	}
	return radius * c
}

// Speed returns the walking speed in km/h predicted by Tobler's hiking
// function for the given slope (rise over run): flat * exp(-3.5*|slope+0.05|).
// The function peaks on a slight downhill and penalizes deviation in both
// directions. Slopes beyond +-maxSlope are capped, which also floors the
// returned speed for vertical segments.
func Speed(slope, flatSpeedKmh float64) float64 {
	if slope > maxSlope {
		slope = maxSlope
	}
	if slope < -maxSlope {
		slope = -maxSlope
	}
	return flatSpeedKmh * math.Exp(-3.5*math.Abs(slope+0.05))
}

// Compute derives per-waypoint metrics in place and returns the route summary.
// Fails with route.ErrIncompleteRoute when any waypoint still lacks elevation:
// the caller must resolve or interpolate gaps first.
func (e *Estimator) Compute(rt *route.Route) (Summary, error) {
	if err := rt.Validate(); err != nil {
		return Summary{}, err
	}
	if missing := rt.MissingElevations(); len(missing) > 0 {
		return Summary{}, &route.Error{
			Stage:   "metrics",
			Code:    "INCOMPLETE",
			Message: fmt.Sprintf("%d waypoints lack elevation", len(missing)),
			Err:     route.ErrIncompleteRoute,
		}
	}

	wps := rt.Waypoints
	wps[0].Metrics = &route.Metrics{}

	for i := 1; i < len(wps); i++ {
		prev := wps[i-1].Metrics
		d := Distance(wps[i-1], wps[i])

		rise := *wps[i].Elevation - *wps[i-1].Elevation
		if math.Abs(rise) > maxSlope*d {
			// GPS elevation spike: the apparent grade exceeds real terrain.
			e.logger.Warn().
				Int("waypoint", i).
				Float64("rise_m", rise).
				Float64("run_m", d).
				Msg("slope spike flattened")
			rise = 0
		}

		m := &route.Metrics{
			CumulativeDistanceM: prev.CumulativeDistanceM + d,
			CumulativeAscentM:   prev.CumulativeAscentM,
			CumulativeDescentM:  prev.CumulativeDescentM,
		}
		if rise > 0 {
			m.CumulativeAscentM += rise
		} else {
			m.CumulativeDescentM -= rise
		}

		if d >= minSegmentM {
			speedMS := Speed(rise/d, e.flatSpeedKmh) * 1000 / 3600
			m.SegmentTimeS = d / speedMS
		}
		m.CumulativeTimeS = prev.CumulativeTimeS + m.SegmentTimeS
		wps[i].Metrics = m
	}

	last := wps[len(wps)-1].Metrics
	summary := Summary{
		DistanceM:    last.CumulativeDistanceM,
		AscentM:      last.CumulativeAscentM,
		DescentM:     last.CumulativeDescentM,
		Duration:     time.Duration(last.CumulativeTimeS * float64(time.Second)),
		FlatSpeedKmh: e.flatSpeedKmh,
	}

	e.logger.Info().
		Str("route", rt.Name).
		Float64("distance_km", summary.DistanceM/1000).
		Float64("ascent_m", summary.AscentM).
		Float64("descent_m", summary.DescentM).
		Dur("duration", summary.Duration).
		Msg("route metrics computed")

	return summary, nil
}
