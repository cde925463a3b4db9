// Package mercator provides spherical Web Mercator projection math for the
// slippy-map tile pyramid: geographic coordinates to global pixel coordinates,
// tile addressing, and covering-tile computation for bounding boxes.
// See https://wiki.openstreetmap.org/wiki/Slippy_map_tilenames
package mercator

import (
	"errors"
	"fmt"
	"math"
)

// TileSize is the edge length in pixels of a single map tile.
const TileSize = 256

// ErrInvalidCoordinate indicates a latitude or longitude outside the valid range.
var ErrInvalidCoordinate = errors.New("invalid coordinate")

// TileCoordinate is an integer address in the tile pyramid.
// Invariant: 0 <= X,Y < 2^Zoom.
type TileCoordinate struct {
	Zoom int
	X    int
	Y    int
}

// String returns the zoom/x/y form used in tile URLs and cache keys.
func (t TileCoordinate) String() string {
	return fmt.Sprintf("%d/%d/%d", t.Zoom, t.X, t.Y)
}

// Bounds is a geographic bounding box in degrees.
type Bounds struct {
	MinLat float64
	MaxLat float64
	MinLon float64
	MaxLon float64
}

// ValidateCoordinate checks that lat and lon are within [-90,90] and [-180,180].
func ValidateCoordinate(lat, lon float64) error {
	if math.IsNaN(lat) || lat < -90 || lat > 90 {
		return fmt.Errorf("latitude %v out of range [-90, 90]: %w", lat, ErrInvalidCoordinate)
	}
	if math.IsNaN(lon) || lon < -180 || lon > 180 {
		return fmt.Errorf("longitude %v out of range [-180, 180]: %w", lon, ErrInvalidCoordinate)
	}
	return nil
}

// Project converts a geographic coordinate to global pixel coordinates at the
// given zoom level. The global pixel space spans [0, 256*2^zoom) on both axes.
// Latitudes beyond the Mercator singularity are clamped to the pixel range.
func Project(lat, lon float64, zoom int) (px, py float64, err error) {
	if err := ValidateCoordinate(lat, lon); err != nil {
		return 0, 0, err
	}
	world := float64(TileSize) * math.Exp2(float64(zoom))
	px = (lon + 180) / 360 * world
	py = (1 - math.Asinh(math.Tan(lat*math.Pi/180))/math.Pi) / 2 * world
	if py < 0 {
		py = 0
	}
	if py > world {
		py = world
	}
	return px, py, nil
}

// Unproject converts global pixel coordinates at the given zoom level back to
// a geographic coordinate. It is the inverse of Project.
func Unproject(px, py float64, zoom int) (lat, lon float64) {
	world := float64(TileSize) * math.Exp2(float64(zoom))
	lon = px/world*360 - 180
	lat = math.Atan(math.Sinh(math.Pi*(1-2*py/world))) * 180 / math.Pi
	return lat, lon
}

// TileFor returns the tile containing the given coordinate at the given zoom.
func TileFor(lat, lon float64, zoom int) (TileCoordinate, error) {
	px, py, err := Project(lat, lon, zoom)
	if err != nil {
		return TileCoordinate{}, err
	}
	n := 1 << zoom
	x := clamp(int(math.Floor(px/TileSize)), 0, n-1)
	y := clamp(int(math.Floor(py/TileSize)), 0, n-1)
	return TileCoordinate{Zoom: zoom, X: x, Y: y}, nil
}

// TileOrigin returns the geographic coordinate of the tile's north-west corner.
func TileOrigin(t TileCoordinate) (lat, lon float64) {
	return Unproject(float64(t.X)*TileSize, float64(t.Y)*TileSize, t.Zoom)
}

// BoundingTiles returns the tiles covering the bounding box at the given zoom,
// expanded by one tile of margin on every side so that waypoints on the box
// edge stay clear of the composite border. The result is ordered row-major,
// north to south then west to east.
func BoundingTiles(b Bounds, zoom int) ([]TileCoordinate, error) {
	nw, err := TileFor(b.MaxLat, b.MinLon, zoom)
	if err != nil {
		return nil, err
	}
	se, err := TileFor(b.MinLat, b.MaxLon, zoom)
	if err != nil {
		return nil, err
	}
	n := 1 << zoom
	minX := clamp(nw.X-1, 0, n-1)
	maxX := clamp(se.X+1, 0, n-1)
	minY := clamp(nw.Y-1, 0, n-1)
	maxY := clamp(se.Y+1, 0, n-1)

	tiles := make([]TileCoordinate, 0, (maxX-minX+1)*(maxY-minY+1))
	for y := minY; y <= maxY; y++ {
		for x := minX; x <= maxX; x++ {
			tiles = append(tiles, TileCoordinate{Zoom: zoom, X: x, Y: y})
		}
	}
	return tiles, nil
}

// CoveringTileCount returns the number of tiles BoundingTiles would produce
// without materializing them.
func CoveringTileCount(b Bounds, zoom int) (int, error) {
	nw, err := TileFor(b.MaxLat, b.MinLon, zoom)
	if err != nil {
		return 0, err
	}
	se, err := TileFor(b.MinLat, b.MaxLon, zoom)
	if err != nil {
		return 0, err
	}
	n := 1 << zoom
	minX := clamp(nw.X-1, 0, n-1)
	maxX := clamp(se.X+1, 0, n-1)
	minY := clamp(nw.Y-1, 0, n-1)
	maxY := clamp(se.Y+1, 0, n-1)
	return (maxX - minX + 1) * (maxY - minY + 1), nil
}

// MetersPerPixel returns the ground resolution of the projection at the given
// latitude and zoom level.
func MetersPerPixel(lat float64, zoom int) float64 {
	return 156543.03 * math.Cos(lat*math.Pi/180) / math.Exp2(float64(zoom))
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
