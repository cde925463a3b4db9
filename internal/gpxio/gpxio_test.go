package gpxio

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trailbook/trailbook/internal/route"
)

const trackGPX = `<?xml version="1.0" encoding="UTF-8"?>
<gpx version="1.1" creator="test" xmlns="http://www.topografix.com/GPX/1/1">
  <trk>
    <name>vallee blanche</name>
    <trkseg>
      <trkpt lat="45.9237" lon="6.8694"><ele>3777</ele></trkpt>
      <trkpt lat="45.9251" lon="6.8712"><ele>3731</ele></trkpt>
      <trkpt lat="45.9266" lon="6.8730"></trkpt>
    </trkseg>
  </trk>
</gpx>`

const routeOnlyGPX = `<?xml version="1.0" encoding="UTF-8"?>
<gpx version="1.1" creator="test" xmlns="http://www.topografix.com/GPX/1/1">
  <rte>
    <rtept lat="46.0" lon="7.0"></rtept>
    <rtept lat="46.1" lon="7.1"></rtept>
  </rte>
</gpx>`

func TestRead_Track(t *testing.T) {
	rt, err := Read(strings.NewReader(trackGPX))
	require.NoError(t, err)

	assert.Equal(t, "vallee blanche", rt.Name)
	require.Len(t, rt.Waypoints, 3)
	assert.Equal(t, 45.9237, rt.Waypoints[0].Lat)
	require.NotNil(t, rt.Waypoints[0].Elevation)
	assert.Equal(t, 3777.0, *rt.Waypoints[0].Elevation)
	assert.Nil(t, rt.Waypoints[2].Elevation, "missing <ele> stays unresolved")
}

func TestRead_RouteFallback(t *testing.T) {
	rt, err := Read(strings.NewReader(routeOnlyGPX))
	require.NoError(t, err)
	require.Len(t, rt.Waypoints, 2)
	assert.Equal(t, 46.1, rt.Waypoints[1].Lat)
}

func TestRead_Empty(t *testing.T) {
	empty := `<?xml version="1.0"?><gpx version="1.1" creator="t" xmlns="http://www.topografix.com/GPX/1/1"></gpx>`
	_, err := Read(strings.NewReader(empty))
	assert.ErrorIs(t, err, ErrNoTrack)
}

func TestRead_Malformed(t *testing.T) {
	_, err := Read(strings.NewReader("not xml at all"))
	assert.Error(t, err)
}

func TestWrite_RoundTrip(t *testing.T) {
	ele0, ele1 := 1000.0, 1150.0
	rt := &route.Route{
		Name: "grand balcon",
		Waypoints: []route.Waypoint{
			{Lat: 46.0, Lon: 7.0, Elevation: &ele0, Metrics: &route.Metrics{CumulativeTimeS: 0}},
			{Lat: 46.01, Lon: 7.01, Elevation: &ele1, Metrics: &route.Metrics{CumulativeTimeS: 1800}},
		},
	}
	start := time.Date(2026, 8, 23, 9, 0, 0, 0, time.UTC)

	var buf bytes.Buffer
	require.NoError(t, Write(&buf, rt, start))

	parsed, err := Read(&buf)
	require.NoError(t, err)
	assert.Equal(t, "grand balcon", parsed.Name)
	require.Len(t, parsed.Waypoints, 2)
	require.NotNil(t, parsed.Waypoints[1].Elevation)
	assert.Equal(t, 1150.0, *parsed.Waypoints[1].Elevation)

	// Estimated timestamps: start plus the cumulative time of each point.
	assert.Equal(t, start, parsed.Waypoints[0].Timestamp.UTC())
	assert.Equal(t, start.Add(30*time.Minute), parsed.Waypoints[1].Timestamp.UTC())
}

func TestWriteFile_ReadFile(t *testing.T) {
	ele := 800.0
	rt := &route.Route{
		Name: "lac blanc",
		Waypoints: []route.Waypoint{
			{Lat: 46.0, Lon: 7.0, Elevation: &ele},
			{Lat: 46.001, Lon: 7.001, Elevation: &ele},
		},
	}
	path := t.TempDir() + "/out.gpx"
	require.NoError(t, WriteFile(path, rt, time.Time{}))

	parsed, err := ReadFile(path)
	require.NoError(t, err)
	assert.Len(t, parsed.Waypoints, 2)
	assert.True(t, parsed.Waypoints[0].Timestamp.IsZero(), "no start time means no timestamps")
}
