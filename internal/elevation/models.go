// Package elevation fills missing waypoint elevations from a Digital
// Elevation Model provider, with per-waypoint partial-failure tolerance.
package elevation

import (
	"context"
	"errors"
	"fmt"
)

// Sentinel errors for elevation resolution.
var (
	// ErrAuthentication indicates the DEM service rejected the configured
	// credentials. Permanent: never retried, aborts the whole stage.
	ErrAuthentication = errors.New("elevation service rejected credentials")
	// ErrCellUnavailable indicates the DEM cell covering a coordinate does
	// not exist on the remote service (typically open water).
	ErrCellUnavailable = errors.New("elevation cell unavailable")
	// ErrUnavailable indicates a transient failure that survived all retries.
	ErrUnavailable = errors.New("elevation service unavailable")
)

// Provider supplies ground elevation for a coordinate. Implementations are
// expected to be deterministic for a fixed input so cached and fresh lookups
// agree across runs.
type Provider interface {
	// Elevation returns the ground elevation in meters at the coordinate.
	Elevation(ctx context.Context, lat, lon float64) (float64, error)
	// Name returns the provider identifier for logging.
	Name() string
}

// Failure records a waypoint whose elevation could not be resolved. Failures
// are accumulated per stage rather than aborting sibling lookups.
type Failure struct {
	Index int
	Lat   float64
	Lon   float64
	Err   error
}

func (f Failure) String() string {
	return fmt.Sprintf("waypoint %d (%.5f,%.5f): %v", f.Index, f.Lat, f.Lon, f.Err)
}
