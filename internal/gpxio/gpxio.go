// Package gpxio converts between GPX documents and routes. Reading flattens
// every track segment into a single waypoint sequence; writing emits an
// enriched single-track GPX carrying elevations and estimated timestamps.
package gpxio

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/tkrajina/gpxgo/gpx"

	"github.com/trailbook/trailbook/internal/route"
)

// ErrNoTrack indicates a GPX document without track or route points.
var ErrNoTrack = errors.New("gpx document has no track points")

// Read parses a GPX document into a route. Track points are preferred; a
// document with only route points falls back to those.
func Read(r io.Reader) (*route.Route, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading gpx: %w", err)
	}
	doc, err := gpx.ParseBytes(data)
	if err != nil {
		return nil, fmt.Errorf("parsing gpx: %w", err)
	}

	rt := &route.Route{Name: doc.Name}
	for _, track := range doc.Tracks {
		if rt.Name == "" {
			rt.Name = track.Name
		}
		for _, segment := range track.Segments {
			for _, p := range segment.Points {
				rt.Waypoints = append(rt.Waypoints, fromGPXPoint(p))
			}
		}
	}
	if len(rt.Waypoints) == 0 {
		for _, rte := range doc.Routes {
			for _, p := range rte.Points {
				rt.Waypoints = append(rt.Waypoints, fromGPXPoint(p))
			}
		}
	}
	if len(rt.Waypoints) == 0 {
		return nil, ErrNoTrack
	}
	return rt, nil
}

// ReadFile parses the GPX file at path into a route.
func ReadFile(path string) (*route.Route, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening gpx file: %w", err)
	}
	defer f.Close()
	return Read(f)
}

func fromGPXPoint(p gpx.GPXPoint) route.Waypoint {
	wp := route.Waypoint{
		Lat:       p.Latitude,
		Lon:       p.Longitude,
		Name:      p.Name,
		Timestamp: p.Timestamp,
	}
	if p.Elevation.NotNull() {
		wp.SetElevation(p.Elevation.Value())
	}
	return wp
}

// Write serializes an enriched route as a GPX 1.1 document with a single
// track. Elevations are carried on each point; when metrics are present and
// start is non-zero, each point gets a timestamp offset by its cumulative
// estimated time.
func Write(w io.Writer, rt *route.Route, start time.Time) error {
	doc := &gpx.GPX{
		Version: "1.1",
		Creator: "trailbook",
		Name:    rt.Name,
	}

	segment := gpx.GPXTrackSegment{}
	for i := range rt.Waypoints {
		wp := &rt.Waypoints[i]
		p := gpx.GPXPoint{Point: gpx.Point{Latitude: wp.Lat, Longitude: wp.Lon}}
		if wp.Elevation != nil {
			p.Elevation = *gpx.NewNullableFloat64(*wp.Elevation)
		}
		p.Name = wp.Name
		if !start.IsZero() && wp.Metrics != nil {
			p.Timestamp = start.Add(time.Duration(wp.Metrics.CumulativeTimeS * float64(time.Second)))
		} else if !wp.Timestamp.IsZero() {
			p.Timestamp = wp.Timestamp
		}
		segment.Points = append(segment.Points, p)
	}
	doc.Tracks = []gpx.GPXTrack{{Name: rt.Name, Segments: []gpx.GPXTrackSegment{segment}}}

	xmlBytes, err := doc.ToXml(gpx.ToXmlParams{Version: "1.1", Indent: true})
	if err != nil {
		return fmt.Errorf("serializing gpx: %w", err)
	}
	if _, err := w.Write(xmlBytes); err != nil {
		return fmt.Errorf("writing gpx: %w", err)
	}
	return nil
}

// WriteFile serializes the route to the GPX file at path.
func WriteFile(path string, rt *route.Route, start time.Time) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating gpx file: %w", err)
	}
	if err := Write(f, rt, start); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
