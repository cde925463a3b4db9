package mercator

import (
	"errors"
	"math"
	"testing"
)

func TestProject_RoundTrip(t *testing.T) {
	cases := []struct {
		name     string
		lat, lon float64
		zoom     int
	}{
		{"alps", 46.0, 7.0, 14},
		{"equator", 0.0, 0.0, 10},
		{"southern", -33.8688, 151.2093, 12},
		{"western", 51.5074, -0.1278, 16},
		{"high_lat", 69.6492, 18.9553, 8},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			px, py, err := Project(tc.lat, tc.lon, tc.zoom)
			if err != nil {
				t.Fatalf("Project returned error: %v", err)
			}
			lat, lon := Unproject(px, py, tc.zoom)

			// One pixel of rounding error at this zoom, in degrees.
			tolLon := 360 / (256 * math.Exp2(float64(tc.zoom)))
			tolLat := tolLon // conservative: Mercator stretches latitude
			if math.Abs(lat-tc.lat) > tolLat {
				t.Errorf("latitude round trip: got %v, want %v (tol %v)", lat, tc.lat, tolLat)
			}
			if math.Abs(lon-tc.lon) > tolLon {
				t.Errorf("longitude round trip: got %v, want %v (tol %v)", lon, tc.lon, tolLon)
			}
		})
	}
}

func TestProject_InvalidCoordinate(t *testing.T) {
	cases := []struct {
		name     string
		lat, lon float64
	}{
		{"lat_too_high", 90.1, 0},
		{"lat_too_low", -90.1, 0},
		{"lon_too_high", 0, 180.1},
		{"lon_too_low", 0, -180.1},
		{"nan_lat", math.NaN(), 0},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, _, err := Project(tc.lat, tc.lon, 10)
			if !errors.Is(err, ErrInvalidCoordinate) {
				t.Errorf("expected ErrInvalidCoordinate, got %v", err)
			}
		})
	}
}

func TestTileFor_KnownTile(t *testing.T) {
	// Zermatt area, verified against the slippy map tile calculator.
	tile, err := TileFor(46.0, 7.0, 14)
	if err != nil {
		t.Fatalf("TileFor returned error: %v", err)
	}
	if tile.X != 8510 || tile.Y != 5828 {
		t.Errorf("got tile %d/%d/%d, want 14/8510/5828", tile.Zoom, tile.X, tile.Y)
	}
}

func TestTileFor_PoleClamped(t *testing.T) {
	tile, err := TileFor(90, 0, 5)
	if err != nil {
		t.Fatalf("TileFor returned error: %v", err)
	}
	if tile.Y != 0 {
		t.Errorf("pole should clamp to top row, got y=%d", tile.Y)
	}
	tile, err = TileFor(-90, 0, 5)
	if err != nil {
		t.Fatalf("TileFor returned error: %v", err)
	}
	if tile.Y != 31 {
		t.Errorf("south pole should clamp to bottom row, got y=%d", tile.Y)
	}
}

func TestBoundingTiles_MarginAndOrder(t *testing.T) {
	b := Bounds{MinLat: 46.0, MaxLat: 46.01, MinLon: 7.0, MaxLon: 7.01}
	tiles, err := BoundingTiles(b, 14)
	if err != nil {
		t.Fatalf("BoundingTiles returned error: %v", err)
	}
	if len(tiles) == 0 {
		t.Fatal("expected at least one covering tile")
	}

	// Every waypoint tile must be strictly inside the covering set, thanks to
	// the one tile margin.
	inner, err := TileFor(b.MaxLat, b.MinLon, 14)
	if err != nil {
		t.Fatal(err)
	}
	var minX, maxX, minY, maxY = tiles[0].X, tiles[0].X, tiles[0].Y, tiles[0].Y
	for _, tile := range tiles {
		if tile.Zoom != 14 {
			t.Fatalf("tile %v has wrong zoom", tile)
		}
		minX = min(minX, tile.X)
		maxX = max(maxX, tile.X)
		minY = min(minY, tile.Y)
		maxY = max(maxY, tile.Y)
	}
	if inner.X <= minX || inner.X >= maxX || inner.Y <= minY || inner.Y >= maxY {
		t.Errorf("tile %v should be strictly inside covering range x[%d,%d] y[%d,%d]",
			inner, minX, maxX, minY, maxY)
	}

	count, err := CoveringTileCount(b, 14)
	if err != nil {
		t.Fatal(err)
	}
	if count != len(tiles) {
		t.Errorf("CoveringTileCount = %d, want %d", count, len(tiles))
	}
}

func TestMetersPerPixel(t *testing.T) {
	// At the equator, zoom 0: one pixel covers ~156.5km.
	got := MetersPerPixel(0, 0)
	if math.Abs(got-156543.03) > 0.01 {
		t.Errorf("MetersPerPixel(0,0) = %v, want 156543.03", got)
	}
	// Higher zoom halves the resolution per level.
	if r := MetersPerPixel(0, 1) / got; math.Abs(r-0.5) > 1e-9 {
		t.Errorf("zoom 1 should halve resolution, ratio %v", r)
	}
}
