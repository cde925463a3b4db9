// Package route defines the core data model shared by the enrichment pipeline
// stages: waypoints, routes, per-waypoint metrics, and bounding boxes.
package route

import (
	"errors"
	"fmt"
	"time"

	"github.com/trailbook/trailbook/pkg/mercator"
)

// Sentinel errors shared across pipeline stages.
var (
	// ErrEmptyRoute indicates a route with fewer than two waypoints.
	ErrEmptyRoute = errors.New("route needs at least two waypoints")
	// ErrIncompleteRoute indicates waypoints still lacking elevation at a
	// stage that requires fully resolved elevations.
	ErrIncompleteRoute = errors.New("route has waypoints without elevation")
)

// Metrics holds the derived per-waypoint values computed by the metrics stage.
// Cumulative fields are non-decreasing across the waypoint sequence.
type Metrics struct {
	CumulativeDistanceM float64
	SegmentTimeS        float64
	CumulativeTimeS     float64
	CumulativeAscentM   float64
	CumulativeDescentM  float64
}

// Waypoint is a single point of a route. Elevation is nil until resolved.
// The elevation resolver and the metrics estimator mutate waypoints in place.
type Waypoint struct {
	Lat       float64
	Lon       float64
	Elevation *float64
	Timestamp time.Time // zero value when the source carried no time
	Name      string

	Metrics *Metrics // nil until the metrics stage has run
}

// SetElevation fills the waypoint's elevation.
func (w *Waypoint) SetElevation(m float64) {
	w.Elevation = &m
}

// Route is an ordered sequence of waypoints. It owns its waypoints exclusively
// for the duration of a pipeline run.
type Route struct {
	Name      string
	Waypoints []Waypoint
}

// Validate checks the route invariants: length >= 2 and every coordinate in
// range. Returns mercator.ErrInvalidCoordinate for out-of-range coordinates.
func (r *Route) Validate() error {
	if len(r.Waypoints) < 2 {
		return fmt.Errorf("route %q has %d waypoints: %w", r.Name, len(r.Waypoints), ErrEmptyRoute)
	}
	for i, wp := range r.Waypoints {
		if err := mercator.ValidateCoordinate(wp.Lat, wp.Lon); err != nil {
			return fmt.Errorf("waypoint %d: %w", i, err)
		}
	}
	return nil
}

// MissingElevations returns the indexes of waypoints without elevation.
func (r *Route) MissingElevations() []int {
	var missing []int
	for i := range r.Waypoints {
		if r.Waypoints[i].Elevation == nil {
			missing = append(missing, i)
		}
	}
	return missing
}

// FullyResolved reports whether every waypoint carries an elevation.
func (r *Route) FullyResolved() bool {
	return len(r.MissingElevations()) == 0
}

// BoundingBox is the minimal geographic rectangle containing all waypoints.
// Derived once from a route and read-only afterward.
type BoundingBox struct {
	MinLat float64
	MaxLat float64
	MinLon float64
	MaxLon float64
}

// Bounds converts the box to the projection package's bounds type.
func (b BoundingBox) Bounds() mercator.Bounds {
	return mercator.Bounds{MinLat: b.MinLat, MaxLat: b.MaxLat, MinLon: b.MinLon, MaxLon: b.MaxLon}
}

// BoundingBox computes the bounding box of the route's waypoints.
func (r *Route) BoundingBox() (BoundingBox, error) {
	if len(r.Waypoints) == 0 {
		return BoundingBox{}, ErrEmptyRoute
	}
	b := BoundingBox{
		MinLat: r.Waypoints[0].Lat,
		MaxLat: r.Waypoints[0].Lat,
		MinLon: r.Waypoints[0].Lon,
		MaxLon: r.Waypoints[0].Lon,
	}
	for _, wp := range r.Waypoints[1:] {
		b.MinLat = min(b.MinLat, wp.Lat)
		b.MaxLat = max(b.MaxLat, wp.Lat)
		b.MinLon = min(b.MinLon, wp.Lon)
		b.MaxLon = max(b.MaxLon, wp.Lon)
	}
	return b, nil
}

// Error provides stage-annotated error information for pipeline failures.
type Error struct {
	Stage   string // pipeline stage that produced the error
	Code    string // short machine-readable code
	Message string // human-readable message
	Err     error  // underlying error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}
