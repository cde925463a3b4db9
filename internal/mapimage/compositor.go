// Package mapimage composes fetched map tiles into a single raster covering a
// route's bounding box and overlays the route polyline, markers, and a scale
// bar.
package mapimage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"math"
	"sync"

	// Tile servers deliver PNG or JPEG payloads.
	_ "image/jpeg"
	_ "image/png"

	"github.com/fogleman/gg"
	"github.com/golang/freetype/truetype"
	"github.com/rs/zerolog"
	"golang.org/x/image/font"
	"golang.org/x/image/font/gofont/goregular"

	"github.com/trailbook/trailbook/internal/route"
	"github.com/trailbook/trailbook/internal/tiles"
	"github.com/trailbook/trailbook/pkg/mercator"
)

// ErrMapUnavailable indicates that no tile of the covering set could be
// retrieved. Partial unavailability degrades to blank patches instead.
var ErrMapUnavailable = errors.New("map unavailable")

const (
	trackColor  = "#236AB9"
	markerColor = "#FC7307"

	minZoom = 1
	maxZoom = 17
)

// TileSource supplies raw tile bytes; implemented by tiles.Fetcher.
type TileSource interface {
	Tile(ctx context.Context, coord mercator.TileCoordinate) ([]byte, error)
}

// CompositorConfig holds configuration for the map compositor.
type CompositorConfig struct {
	// Tiles is the tile source (required).
	Tiles TileSource

	// TileBudget caps the covering-tile count; the zoom level is stepped
	// down until the count fits. Default: 60.
	TileBudget int

	// TargetResolution is the desired pixel extent of the bounding box's
	// larger side, driving the naive zoom choice. Default: 1024.
	TargetResolution int

	// Concurrency bounds in-flight tile fetches. Default: 4.
	Concurrency int

	// MarkerIntervalM, when positive, draws a marker every such many meters
	// of cumulative distance (requires computed metrics).
	MarkerIntervalM float64

	// Logger for compositor operations.
	Logger zerolog.Logger
}

// Compositor renders composite route maps.
type Compositor struct {
	tiles            TileSource
	tileBudget       int
	targetResolution int
	concurrency      int
	markerIntervalM  float64
	logger           zerolog.Logger
}

// NewCompositor creates a compositor with the given configuration.
func NewCompositor(cfg CompositorConfig) *Compositor {
	tileBudget := cfg.TileBudget
	if tileBudget <= 0 {
		tileBudget = 60
	}
	targetResolution := cfg.TargetResolution
	if targetResolution <= 0 {
		targetResolution = 1024
	}
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 4
	}
	return &Compositor{
		tiles:            cfg.Tiles,
		tileBudget:       tileBudget,
		targetResolution: targetResolution,
		concurrency:      concurrency,
		markerIntervalM:  cfg.MarkerIntervalM,
		logger:           cfg.Logger,
	}
}

// CompositeMap is a stitched raster plus the affine mapping from geographic
// coordinates to its pixel space. Read-only once rendered.
type CompositeMap struct {
	Image image.Image
	Zoom  int

	// OriginPxX/OriginPxY are the global-pixel coordinates of the canvas
	// origin at Zoom, i.e. the north-west corner of the tile union.
	OriginPxX float64
	OriginPxY float64

	// MissingTiles counts covering tiles rendered as blank patches.
	MissingTiles int
}

// PixelAt maps a geographic coordinate to pixel coordinates within the
// composite image.
func (m *CompositeMap) PixelAt(lat, lon float64) (x, y float64, err error) {
	px, py, err := mercator.Project(lat, lon, m.Zoom)
	if err != nil {
		return 0, 0, err
	}
	return px - m.OriginPxX, py - m.OriginPxY, nil
}

// naiveZoom derives the zoom level at which the bounding box's larger side
// spans roughly the target resolution.
func naiveZoom(b mercator.Bounds, targetResolution int) int {
	n := float64(targetResolution) / mercator.TileSize

	latSpan := math.Abs(asinhTan(b.MaxLat) - asinhTan(b.MinLat))
	lonSpan := math.Abs(b.MaxLon-b.MinLon) * math.Pi / 180

	zoom := float64(maxZoom)
	if latSpan > 0 {
		zoom = math.Min(zoom, math.Log2(n*math.Pi/latSpan)+1)
	}
	if lonSpan > 0 {
		zoom = math.Min(zoom, math.Log2(n*math.Pi/lonSpan)+1)
	}
	z := int(zoom)
	if z < minZoom {
		z = minZoom
	}
	if z > maxZoom {
		z = maxZoom
	}
	return z
}

func asinhTan(deg float64) float64 {
	return math.Asinh(math.Tan(deg * math.Pi / 180))
}

// selectZoom applies the tile budget: starting from the naive zoom, the level
// is stepped down until the covering count fits, trading detail for bounded
// memory and network use on very long routes.
func (c *Compositor) selectZoom(b mercator.Bounds) (zoom, tileCount int, err error) {
	zoom = naiveZoom(b, c.targetResolution)
	for {
		tileCount, err = mercator.CoveringTileCount(b, zoom)
		if err != nil {
			return 0, 0, err
		}
		if tileCount <= c.tileBudget || zoom == minZoom {
			return zoom, tileCount, nil
		}
		zoom--
	}
}

type tileResult struct {
	coord mercator.TileCoordinate
	img   image.Image
	err   error
}

// Render produces the composite map for the route. Tile fetches run on a
// bounded worker pool; a failed tile becomes a blank patch and never cancels
// its siblings. Fails with ErrMapUnavailable only when every covering tile is
// unobtainable.
func (c *Compositor) Render(ctx context.Context, rt *route.Route) (*CompositeMap, error) {
	bbox, err := rt.BoundingBox()
	if err != nil {
		return nil, err
	}
	bounds := bbox.Bounds()

	zoom, tileCount, err := c.selectZoom(bounds)
	if err != nil {
		return nil, err
	}
	covering, err := mercator.BoundingTiles(bounds, zoom)
	if err != nil {
		return nil, err
	}

	c.logger.Info().
		Str("route", rt.Name).
		Int("zoom", zoom).
		Int("tiles", tileCount).
		Msg("rendering composite map")

	minX, minY := covering[0].X, covering[0].Y
	maxX, maxY := covering[len(covering)-1].X, covering[len(covering)-1].Y
	width := (maxX - minX + 1) * mercator.TileSize
	height := (maxY - minY + 1) * mercator.TileSize

	dc := gg.NewContext(width, height)
	dc.SetHexColor("#E8E8E8") // blank-patch background
	dc.Clear()

	missing := c.drawTiles(ctx, dc, covering, minX, minY)
	if missing == len(covering) {
		return nil, &route.Error{
			Stage:   "map",
			Code:    "ALL_TILES_FAILED",
			Message: fmt.Sprintf("all %d covering tiles failed", len(covering)),
			Err:     ErrMapUnavailable,
		}
	}

	composite := &CompositeMap{
		Zoom:         zoom,
		OriginPxX:    float64(minX) * mercator.TileSize,
		OriginPxY:    float64(minY) * mercator.TileSize,
		MissingTiles: missing,
	}

	c.drawRoute(dc, rt, composite)
	c.drawScaleBar(dc, (bounds.MinLat+bounds.MaxLat)/2, zoom)

	composite.Image = dc.Image()
	return composite, nil
}

// drawTiles fetches the covering set concurrently and pastes each tile at its
// offset. Returns the number of tiles left blank.
func (c *Compositor) drawTiles(ctx context.Context, dc *gg.Context, covering []mercator.TileCoordinate, minX, minY int) int {
	jobs := make(chan mercator.TileCoordinate, len(covering))
	results := make(chan tileResult, len(covering))

	workers := c.concurrency
	if workers > len(covering) {
		workers = len(covering)
	}

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for coord := range jobs {
				data, err := c.tiles.Tile(ctx, coord)
				if err != nil {
					results <- tileResult{coord: coord, err: err}
					continue
				}
				img, _, err := image.Decode(bytes.NewReader(data))
				results <- tileResult{coord: coord, img: img, err: err}
			}
		}()
	}

	for _, coord := range covering {
		jobs <- coord
	}
	close(jobs)

	go func() {
		wg.Wait()
		close(results)
	}()

	missing := 0
	for res := range results {
		if res.err != nil {
			missing++
			if !errors.Is(res.err, tiles.ErrTileMissing) {
				c.logger.Warn().Err(res.err).Stringer("tile", res.coord).Msg("tile left blank")
			}
			continue
		}
		dc.DrawImage(res.img,
			(res.coord.X-minX)*mercator.TileSize,
			(res.coord.Y-minY)*mercator.TileSize)
	}
	return missing
}

// drawRoute overlays the polyline, the start/end markers, and optional
// interval markers.
func (c *Compositor) drawRoute(dc *gg.Context, rt *route.Route, m *CompositeMap) {
	wps := rt.Waypoints

	dc.SetHexColor(trackColor)
	dc.SetLineWidth(4)
	for i, wp := range wps {
		x, y, err := m.PixelAt(wp.Lat, wp.Lon)
		if err != nil {
			continue
		}
		if i == 0 {
			dc.MoveTo(x, y)
		} else {
			dc.LineTo(x, y)
		}
	}
	dc.Stroke()

	// Interval markers along the track, driven by cumulative distance.
	if c.markerIntervalM > 0 {
		dc.SetHexColor(markerColor)
		next := c.markerIntervalM
		for _, wp := range wps {
			if wp.Metrics == nil {
				break
			}
			if wp.Metrics.CumulativeDistanceM >= next {
				if x, y, err := m.PixelAt(wp.Lat, wp.Lon); err == nil {
					dc.DrawCircle(x, y, 4)
					dc.Fill()
				}
				next += c.markerIntervalM
			}
		}
	}

	// Start and end get distinguishable markers.
	c.drawEndpoint(dc, m, wps[0], "#2E8B57")
	c.drawEndpoint(dc, m, wps[len(wps)-1], markerColor)
}

func (c *Compositor) drawEndpoint(dc *gg.Context, m *CompositeMap, wp route.Waypoint, hexColor string) {
	x, y, err := m.PixelAt(wp.Lat, wp.Lon)
	if err != nil {
		return
	}
	dc.SetHexColor("#FFFFFF")
	dc.DrawCircle(x, y, 8)
	dc.Fill()
	dc.SetHexColor(hexColor)
	dc.DrawCircle(x, y, 6)
	dc.Fill()
}

// drawScaleBar renders a round-number distance scale in the bottom-right
// corner, sized from the ground resolution at the map's mid latitude.
func (c *Compositor) drawScaleBar(dc *gg.Context, midLat float64, zoom int) {
	meterPerPixel := mercator.MetersPerPixel(midLat, zoom)
	const targetPx = 150.0

	scaleM := math.Pow(10, math.Floor(math.Log10(targetPx*meterPerPixel)))
	scalePx := scaleM / meterPerPixel

	x1 := float64(dc.Width()) - 20
	y := float64(dc.Height()) - 20
	x0 := x1 - scalePx

	dc.SetHexColor("#000000")
	dc.SetLineWidth(2)
	dc.DrawLine(x0, y, x1, y)
	dc.Stroke()

	label := fmt.Sprintf("%.0fm", scaleM)
	if scaleM >= 1000 {
		label = fmt.Sprintf("%.1fkm", scaleM/1000)
	}
	if face := LabelFace(18); face != nil {
		dc.SetFontFace(face)
		dc.DrawStringAnchored(label, x1, y-6, 1, 0)
	}
}

var (
	fontOnce   sync.Once
	parsedFont *truetype.Font
)

// LabelFace returns a font face for image labels, parsing the embedded Go
// Regular font once. Returns nil if the embedded font fails to parse.
func LabelFace(size float64) font.Face {
	fontOnce.Do(func() {
		f, err := truetype.Parse(goregular.TTF)
		if err != nil {
			return
		}
		parsedFont = f
	})
	if parsedFont == nil {
		return nil
	}
	return truetype.NewFace(parsedFont, &truetype.Options{Size: size})
}
