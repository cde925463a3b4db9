package srtm

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trailbook/trailbook/internal/cache"
	"github.com/trailbook/trailbook/internal/elevation"
)

const testResolution = 3

// buildCell zips a 3x3 big-endian int16 grid the way USGS distributes cells.
// Rows run north to south.
func buildCell(t *testing.T, cell string, rows [testResolution][testResolution]int16) []byte {
	t.Helper()
	raster := make([]byte, testResolution*testResolution*2)
	for y := 0; y < testResolution; y++ {
		for x := 0; x < testResolution; x++ {
			binary.BigEndian.PutUint16(raster[(x+y*testResolution)*2:], uint16(rows[y][x]))
		}
	}
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create(cell + ".hgt")
	require.NoError(t, err)
	_, err = w.Write(raster)
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func flatCell(t *testing.T, cell string, value int16) []byte {
	var rows [testResolution][testResolution]int16
	for y := range rows {
		for x := range rows[y] {
			rows[y][x] = value
		}
	}
	return buildCell(t, cell, rows)
}

func newTestClient(t *testing.T, server *httptest.Server, store cache.Store) *Client {
	t.Helper()
	return NewClient(ClientConfig{
		Username:   "user",
		Password:   "pass",
		Cache:      store,
		BaseURL:    server.URL,
		Resolution: testResolution,
		HTTPClient: server.Client(),
		Logger:     zerolog.Nop(),
	})
}

func TestCellID(t *testing.T) {
	cases := []struct {
		lat, lon float64
		want     string
	}{
		{46.5, 7.5, "N46E007"},
		{46.0, 7.0, "N46E007"},
		{-8.5, 120.5, "S09E120"},
		{46.2, -0.5, "N46W001"},
		{-33.9, -70.7, "S34W071"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, CellID(tc.lat, tc.lon), "CellID(%v,%v)", tc.lat, tc.lon)
	}
}

func TestClient_ElevationAndCache(t *testing.T) {
	var fetches atomic.Int32
	payload := flatCell(t, "N46E007", 1000)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fetches.Add(1)
		user, pass, ok := r.BasicAuth()
		if !ok || user != "user" || pass != "pass" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		require.Equal(t, "/N46E007.SRTMGL1.hgt.zip", r.URL.Path)
		_, _ = w.Write(payload)
	}))
	defer server.Close()

	store := cache.NewMemStore()
	client := newTestClient(t, server, store)

	ele, err := client.Elevation(context.Background(), 46.5, 7.5)
	require.NoError(t, err)
	assert.InDelta(t, 1000, ele, 0.01)
	assert.Equal(t, int32(1), fetches.Load())

	// Same cell, different point: served from the decoded memo.
	_, err = client.Elevation(context.Background(), 46.25, 7.75)
	require.NoError(t, err)
	assert.Equal(t, int32(1), fetches.Load())

	// A fresh client over the same store must hit the disk cache, not the
	// network.
	client2 := newTestClient(t, server, store)
	ele, err = client2.Elevation(context.Background(), 46.1, 7.9)
	require.NoError(t, err)
	assert.InDelta(t, 1000, ele, 0.01)
	assert.Equal(t, int32(1), fetches.Load(), "cache hit must not issue a request")

	hits, remote := client2.Stats()
	assert.Equal(t, int64(1), hits)
	assert.Equal(t, int64(0), remote)
}

func TestClient_BilinearSampling(t *testing.T) {
	// Grid covering one degree; row 0 is the northern edge (lat frac = 1).
	rows := [testResolution][testResolution]int16{
		{100, 200, 300},
		{400, 500, 600},
		{700, 800, 900},
	}
	payload := buildCell(t, "N46E007", rows)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write(payload)
	}))
	defer server.Close()

	client := newTestClient(t, server, cache.NewMemStore())
	ctx := context.Background()

	// Grid corners sample exactly.
	ele, err := client.Elevation(ctx, 46.9999999, 7.0000001)
	require.NoError(t, err)
	assert.InDelta(t, 100, ele, 1)

	ele, err = client.Elevation(ctx, 46.0000001, 7.9999999)
	require.NoError(t, err)
	assert.InDelta(t, 900, ele, 1)

	// The cell center lands exactly on the middle sample.
	ele, err = client.Elevation(ctx, 46.5, 7.5)
	require.NoError(t, err)
	assert.InDelta(t, 500, ele, 0.01)

	// Determinism: repeated lookups agree bit for bit.
	a, err := client.Elevation(ctx, 46.123, 7.456)
	require.NoError(t, err)
	b, err := client.Elevation(ctx, 46.123, 7.456)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestClient_AuthenticationRejected(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	client := newTestClient(t, server, cache.NewMemStore())
	_, err := client.Elevation(context.Background(), 46.5, 7.5)
	assert.ErrorIs(t, err, elevation.ErrAuthentication)
}

func TestClient_MissingCellSentinel(t *testing.T) {
	var fetches atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fetches.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	store := cache.NewMemStore()
	client := newTestClient(t, server, store)

	_, err := client.Elevation(context.Background(), 0.5, -140.5) // open ocean
	assert.ErrorIs(t, err, elevation.ErrCellUnavailable)
	assert.Equal(t, int32(1), fetches.Load())

	// The sentinel persists: a fresh client over the same store must not
	// refetch the missing cell.
	client2 := newTestClient(t, server, store)
	_, err = client2.Elevation(context.Background(), 0.6, -140.4)
	assert.ErrorIs(t, err, elevation.ErrCellUnavailable)
	assert.Equal(t, int32(1), fetches.Load())
}

func TestClient_TransientServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	client := newTestClient(t, server, cache.NewMemStore())
	_, err := client.Elevation(context.Background(), 46.5, 7.5)
	require.Error(t, err)
	assert.ErrorIs(t, err, elevation.ErrUnavailable)
	assert.False(t, errors.Is(err, elevation.ErrAuthentication))
}
