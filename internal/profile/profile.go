// Package profile renders the elevation-versus-distance profile of an
// enriched route and exposes the underlying series for external assemblers.
package profile

import (
	"fmt"
	"image"
	"math"

	"github.com/fogleman/gg"
	"github.com/rs/zerolog"

	"github.com/trailbook/trailbook/internal/mapimage"
	"github.com/trailbook/trailbook/internal/route"
)

// Point is one sample of the profile series.
type Point struct {
	DistanceM  float64
	ElevationM float64
	TimeS      float64
}

// Series extracts the profile samples from an enriched route. Requires both
// elevations and metrics; fails with route.ErrIncompleteRoute otherwise.
func Series(rt *route.Route) ([]Point, error) {
	points := make([]Point, 0, len(rt.Waypoints))
	for i := range rt.Waypoints {
		wp := &rt.Waypoints[i]
		if wp.Elevation == nil || wp.Metrics == nil {
			return nil, fmt.Errorf("waypoint %d not enriched: %w", i, route.ErrIncompleteRoute)
		}
		points = append(points, Point{
			DistanceM:  wp.Metrics.CumulativeDistanceM,
			ElevationM: *wp.Elevation,
			TimeS:      wp.Metrics.CumulativeTimeS,
		})
	}
	return points, nil
}

const (
	border    = 40
	distBarM  = 5000.0 // distance graduation every 5km
	timeBarS  = 3600.0 // time graduation every hour
	curveFill = "#4A5282"
	barFill   = "#CCCCCC"
	timeFill  = "#171928"
	textFill  = "#111111"
)

// RendererConfig holds configuration for the profile renderer.
type RendererConfig struct {
	// Width is the output image width in pixels. Default: 1024.
	Width int

	// Height is the output image height in pixels. Default: Width/4.
	Height int

	// Logger for renderer operations.
	Logger zerolog.Logger
}

// Renderer draws profile images.
type Renderer struct {
	width  int
	height int
	logger zerolog.Logger
}

// NewRenderer creates a renderer with the given configuration.
func NewRenderer(cfg RendererConfig) *Renderer {
	width := cfg.Width
	if width <= 0 {
		width = 1024
	}
	height := cfg.Height
	if height <= 0 {
		height = width / 4
	}
	return &Renderer{width: width, height: height, logger: cfg.Logger}
}

// Render draws the filled elevation curve with distance graduations along the
// bottom and hour graduations along the top.
func (r *Renderer) Render(series []Point) (image.Image, error) {
	if len(series) < 2 {
		return nil, fmt.Errorf("profile needs at least two points, have %d", len(series))
	}

	innerW := r.width - 2*border
	innerH := r.height - 2*border

	minEle, maxEle := series[0].ElevationM, series[0].ElevationM
	for _, p := range series[1:] {
		minEle = math.Min(minEle, p.ElevationM)
		maxEle = math.Max(maxEle, p.ElevationM)
	}
	if maxEle-minEle < 1 {
		// Flat route: pad the elevation axis so the curve stays visible.
		minEle -= 10
		maxEle += 10
	}
	totalDist := series[len(series)-1].DistanceM
	if totalDist <= 0 {
		return nil, fmt.Errorf("profile has zero total distance")
	}

	xAt := func(distM float64) float64 {
		return border + distM/totalDist*float64(innerW-1)
	}
	yAt := func(eleM float64) float64 {
		return border + float64(innerH-1) - (eleM-minEle)/(maxEle-minEle)*float64(innerH-1)
	}
	baseY := border + float64(innerH-1)

	r.logger.Debug().
		Int("points", len(series)).
		Float64("total_distance_m", totalDist).
		Msg("rendering elevation profile")

	dc := gg.NewContext(r.width, r.height)
	dc.SetHexColor("#FFFFFF")
	dc.Clear()

	// Filled elevation curve.
	dc.SetHexColor(curveFill)
	dc.MoveTo(xAt(0), baseY)
	for _, p := range series {
		dc.LineTo(xAt(p.DistanceM), yAt(p.ElevationM))
	}
	dc.LineTo(xAt(totalDist), baseY)
	dc.ClosePath()
	dc.Fill()

	face := mapimage.LabelFace(12)
	if face != nil {
		dc.SetFontFace(face)
	}

	// Distance graduations: a bar from the curve down every 5km.
	dc.SetLineWidth(1)
	for km := distBarM; km < totalDist; km += distBarM {
		x := xAt(km)
		dc.SetHexColor(barFill)
		dc.DrawLine(x, yOnCurve(series, km, yAt), x, baseY)
		dc.Stroke()
		if face != nil {
			dc.SetHexColor(textFill)
			dc.DrawStringAnchored(fmt.Sprintf("%.0fkm", km/1000), x, baseY+14, 0.5, 0.5)
		}
	}

	// Hour graduations: a bar from the curve up every hour.
	lastTime := series[len(series)-1].TimeS
	for h := timeBarS; h < lastTime; h += timeBarS {
		x := xAt(distanceAtTime(series, h))
		dc.SetHexColor(timeFill)
		dc.DrawLine(x, float64(border), x, yOnCurve(series, distanceAtTime(series, h), yAt))
		dc.Stroke()
		if face != nil {
			dc.DrawStringAnchored(fmt.Sprintf("%.0fH", h/timeBarS), x, float64(border)-10, 0.5, 0.5)
		}
	}

	// Min/max elevation labels on the left axis.
	if face != nil {
		dc.SetHexColor(textFill)
		dc.DrawStringAnchored(fmt.Sprintf("%.0fm", maxEle), float64(border)-4, float64(border), 1, 0.5)
		dc.DrawStringAnchored(fmt.Sprintf("%.0fm", minEle), float64(border)-4, baseY, 1, 0.5)
	}

	return dc.Image(), nil
}

// yOnCurve returns the curve's y coordinate at the given distance, linearly
// interpolated between the surrounding samples.
func yOnCurve(series []Point, distM float64, yAt func(float64) float64) float64 {
	for i := 1; i < len(series); i++ {
		if series[i].DistanceM >= distM {
			a, b := series[i-1], series[i]
			span := b.DistanceM - a.DistanceM
			if span <= 0 {
				return yAt(b.ElevationM)
			}
			frac := (distM - a.DistanceM) / span
			return yAt(a.ElevationM*(1-frac) + b.ElevationM*frac)
		}
	}
	return yAt(series[len(series)-1].ElevationM)
}

// distanceAtTime returns the cumulative distance reached at the given
// cumulative time, linearly interpolated between the surrounding samples.
func distanceAtTime(series []Point, timeS float64) float64 {
	for i := 1; i < len(series); i++ {
		if series[i].TimeS >= timeS {
			a, b := series[i-1], series[i]
			span := b.TimeS - a.TimeS
			if span <= 0 {
				return b.DistanceM
			}
			frac := (timeS - a.TimeS) / span
			return a.DistanceM*(1-frac) + b.DistanceM*frac
		}
	}
	return series[len(series)-1].DistanceM
}
