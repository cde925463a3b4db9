package mapimage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trailbook/trailbook/internal/route"
	"github.com/trailbook/trailbook/internal/tiles"
	"github.com/trailbook/trailbook/pkg/mercator"
)

// fakeTiles serves a uniform PNG for every tile, with selectable failures.
type fakeTiles struct {
	pngBytes []byte
	failAll  bool
	missing  map[mercator.TileCoordinate]bool
	calls    atomic.Int32
}

func newFakeTiles(t *testing.T) *fakeTiles {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, mercator.TileSize, mercator.TileSize))
	for y := 0; y < mercator.TileSize; y++ {
		for x := 0; x < mercator.TileSize; x++ {
			img.Set(x, y, color.RGBA{R: 200, G: 220, B: 200, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return &fakeTiles{pngBytes: buf.Bytes(), missing: map[mercator.TileCoordinate]bool{}}
}

func (f *fakeTiles) Tile(_ context.Context, coord mercator.TileCoordinate) ([]byte, error) {
	f.calls.Add(1)
	if f.failAll {
		return nil, fmt.Errorf("tile %s: %w", coord, tiles.ErrTileUnavailable)
	}
	if f.missing[coord] {
		return nil, fmt.Errorf("tile %s: %w", coord, tiles.ErrTileMissing)
	}
	return f.pngBytes, nil
}

func shortRoute() *route.Route {
	return &route.Route{
		Name: "col des posettes",
		Waypoints: []route.Waypoint{
			{Lat: 46.0, Lon: 7.0},
			{Lat: 46.001, Lon: 7.001},
			{Lat: 46.002, Lon: 7.002},
		},
	}
}

func TestSelectZoom_WithinBudget(t *testing.T) {
	c := NewCompositor(CompositorConfig{Tiles: newFakeTiles(t), TileBudget: 60, Logger: zerolog.Nop()})
	b := mercator.Bounds{MinLat: 46.0, MaxLat: 46.002, MinLon: 7.0, MaxLon: 7.002}

	zoom, count, err := c.selectZoom(b)
	require.NoError(t, err)
	assert.LessOrEqual(t, count, 60)
	assert.GreaterOrEqual(t, zoom, minZoom)
	assert.LessOrEqual(t, zoom, maxZoom)
}

func TestSelectZoom_StepsDownForLongRoutes(t *testing.T) {
	// A route spanning half a degree would need far more tiles than the
	// budget allows at its naive zoom.
	b := mercator.Bounds{MinLat: 46.0, MaxLat: 46.5, MinLon: 7.0, MaxLon: 7.5}
	budget := 12
	c := NewCompositor(CompositorConfig{Tiles: newFakeTiles(t), TileBudget: budget, Logger: zerolog.Nop()})

	zoom, count, err := c.selectZoom(b)
	require.NoError(t, err)
	assert.LessOrEqual(t, count, budget, "tile count must respect the budget")

	naive := naiveZoom(b, 1024)
	assert.Less(t, zoom, naive, "zoom must be stepped down from the naive choice")

	// One zoom level higher would have blown the budget.
	higher, err := mercator.CoveringTileCount(b, zoom+1)
	require.NoError(t, err)
	assert.Greater(t, higher, budget)
}

func TestRender_FullCoverage(t *testing.T) {
	source := newFakeTiles(t)
	c := NewCompositor(CompositorConfig{Tiles: source, Logger: zerolog.Nop()})

	m, err := c.Render(context.Background(), shortRoute())
	require.NoError(t, err)
	require.NotNil(t, m.Image)
	assert.Zero(t, m.MissingTiles)

	// Canvas spans whole tiles.
	bounds := m.Image.Bounds()
	assert.Zero(t, bounds.Dx()%mercator.TileSize)
	assert.Zero(t, bounds.Dy()%mercator.TileSize)

	// Every waypoint projects inside the canvas, off the border thanks to
	// the one-tile margin.
	for _, wp := range shortRoute().Waypoints {
		x, y, err := m.PixelAt(wp.Lat, wp.Lon)
		require.NoError(t, err)
		assert.Greater(t, x, float64(mercator.TileSize)/2)
		assert.Less(t, x, float64(bounds.Dx())-float64(mercator.TileSize)/2)
		assert.Greater(t, y, float64(mercator.TileSize)/2)
		assert.Less(t, y, float64(bounds.Dy())-float64(mercator.TileSize)/2)
	}
}

func TestRender_PartialTileFailureDegrades(t *testing.T) {
	source := newFakeTiles(t)
	rt := shortRoute()

	// Mark one covering tile as permanently missing.
	bbox, err := rt.BoundingBox()
	require.NoError(t, err)
	c := NewCompositor(CompositorConfig{Tiles: source, Logger: zerolog.Nop()})
	zoom, _, err := c.selectZoom(bbox.Bounds())
	require.NoError(t, err)
	covering, err := mercator.BoundingTiles(bbox.Bounds(), zoom)
	require.NoError(t, err)
	source.missing[covering[0]] = true

	m, err := c.Render(context.Background(), rt)
	require.NoError(t, err, "partial tile failure must not be fatal")
	assert.Equal(t, 1, m.MissingTiles)

	wantW := 0
	minX, maxX := covering[0].X, covering[len(covering)-1].X
	wantW = (maxX - minX + 1) * mercator.TileSize
	assert.Equal(t, wantW, m.Image.Bounds().Dx(), "canvas keeps its full size despite the blank patch")
}

func TestRender_AllTilesFailed(t *testing.T) {
	source := newFakeTiles(t)
	source.failAll = true
	c := NewCompositor(CompositorConfig{Tiles: source, Logger: zerolog.Nop()})

	_, err := c.Render(context.Background(), shortRoute())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrMapUnavailable))
	var stageErr *route.Error
	assert.True(t, errors.As(err, &stageErr))
}

func TestRender_IntervalMarkersNeedMetrics(t *testing.T) {
	source := newFakeTiles(t)
	c := NewCompositor(CompositorConfig{Tiles: source, MarkerIntervalM: 100, Logger: zerolog.Nop()})

	// Waypoints without metrics: rendering must still succeed.
	m, err := c.Render(context.Background(), shortRoute())
	require.NoError(t, err)
	assert.NotNil(t, m.Image)
}
