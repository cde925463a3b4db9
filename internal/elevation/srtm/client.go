// Package srtm provides a DEM provider backed by the USGS SRTMGL1 dataset:
// 1 arc-second elevation rasters distributed as zipped .hgt cells, one per
// 1x1 degree, behind NASA Earthdata authentication.
package srtm

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"sync"

	"github.com/rs/zerolog"

	"github.com/trailbook/trailbook/internal/cache"
	"github.com/trailbook/trailbook/internal/elevation"
	"github.com/trailbook/trailbook/internal/resilience"
)

const (
	// ProviderName identifies this elevation provider.
	ProviderName = "srtmgl1"

	// DefaultBaseURL is the USGS distribution endpoint for SRTMGL1 cells.
	DefaultBaseURL = "https://e4ftl01.cr.usgs.gov/MEASURES/SRTMGL1.003/2000.02.11"

	// DefaultAuthHost is the NASA Earthdata login host. Requests are
	// redirected there and back; credentials must survive that round trip
	// without leaking to any third host.
	DefaultAuthHost = "urs.earthdata.nasa.gov"

	// DefaultResolution is the SRTMGL1 grid edge: 3601x3601 samples per cell
	// (SRTM3 cells would be 1201).
	DefaultResolution = 3601

	// voidSample marks missing data in SRTM rasters.
	voidSample = -32768

	// maxDecodedCells bounds the in-memory decoded raster memo. A cell is
	// ~26MB decoded; routes rarely span more than a handful.
	maxDecodedCells = 4
)

// blankSentinel is cached for cells the remote service reports as missing
// (open water), so repeated runs never refetch them.
var blankSentinel = []byte{}

// HTTPDoer executes HTTP requests.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// ClientConfig holds configuration for the SRTM client.
type ClientConfig struct {
	// Username and Password are the Earthdata credentials (required).
	Username string
	Password string

	// Cache is the persistent cell store (required).
	Cache cache.Store

	// BaseURL overrides the distribution endpoint (tests).
	BaseURL string

	// AuthHost overrides the Earthdata login host (tests).
	AuthHost string

	// Resolution overrides the cell grid edge (tests use small grids).
	Resolution int

	// HTTPClient overrides the resilient default client (tests).
	HTTPClient HTTPDoer

	// Logger for client operations.
	Logger zerolog.Logger
}

// Client fetches, caches, and samples SRTM cells. It implements
// elevation.Provider. Safe for concurrent use.
type Client struct {
	username   string
	password   string
	store      cache.Store
	baseURL    string
	authHost   string
	resolution int
	httpClient HTTPDoer
	logger     zerolog.Logger

	mu        sync.Mutex
	decoded   map[string][]byte // cell id -> raw .hgt samples
	fetchMu   map[string]*sync.Mutex
	cacheHits int64
	fetches   int64
}

// NewClient creates an SRTM elevation provider.
func NewClient(cfg ClientConfig) *Client {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	authHost := cfg.AuthHost
	if authHost == "" {
		authHost = DefaultAuthHost
	}
	resolution := cfg.Resolution
	if resolution == 0 {
		resolution = DefaultResolution
	}

	c := &Client{
		username:   cfg.Username,
		password:   cfg.Password,
		store:      cfg.Cache,
		baseURL:    baseURL,
		authHost:   authHost,
		resolution: resolution,
		logger:     cfg.Logger,
		decoded:    make(map[string][]byte),
		fetchMu:    make(map[string]*sync.Mutex),
	}

	if cfg.HTTPClient != nil {
		c.httpClient = cfg.HTTPClient
	} else {
		c.httpClient = resilience.NewClient(resilience.ClientConfig{
			Name:           ProviderName,
			RedirectPolicy: c.checkRedirect,
		})
	}
	return c
}

// Name implements elevation.Provider.
func (c *Client) Name() string {
	return ProviderName
}

// Stats returns cumulative cache-hit and remote-fetch counts.
func (c *Client) Stats() (cacheHits, fetches int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cacheHits, c.fetches
}

// CellID returns the SRTM cell name covering the coordinate, e.g. N46E007.
// Cells are addressed by the floor of the coordinate: S09E120 covers
// latitudes [-9,-8).
func CellID(lat, lon float64) string {
	latCell := int(math.Floor(lat))
	lonCell := int(math.Floor(lon))
	ns, ew := "N", "E"
	if latCell < 0 {
		ns = "S"
		latCell = -latCell
	}
	if lonCell < 0 {
		ew = "W"
		lonCell = -lonCell
	}
	return fmt.Sprintf("%s%02d%s%03d", ns, latCell, ew, lonCell)
}

// Elevation implements elevation.Provider using bilinear interpolation of the
// four samples surrounding the coordinate. Bilinear (rather than nearest
// neighbor) was chosen to match the source dataset's intended use; it is
// deterministic for a fixed input and cache-compatible across runs.
func (c *Client) Elevation(ctx context.Context, lat, lon float64) (float64, error) {
	cell := CellID(lat, lon)
	raster, err := c.cellRaster(ctx, cell)
	if err != nil {
		return 0, err
	}
	return c.sample(raster, lat, lon), nil
}

// cellRaster returns the decoded .hgt samples for a cell, consulting the
// in-memory memo, then the disk cache, then the remote service. A per-cell
// lock collapses concurrent waypoint lookups into a single fetch.
func (c *Client) cellRaster(ctx context.Context, cell string) ([]byte, error) {
	c.mu.Lock()
	if raster, ok := c.decoded[cell]; ok {
		c.mu.Unlock()
		if raster == nil {
			return nil, fmt.Errorf("cell %s: %w", cell, elevation.ErrCellUnavailable)
		}
		return raster, nil
	}
	lock, ok := c.fetchMu[cell]
	if !ok {
		lock = &sync.Mutex{}
		c.fetchMu[cell] = lock
	}
	c.mu.Unlock()

	lock.Lock()
	defer lock.Unlock()

	// Another waypoint may have decoded the cell while we waited.
	c.mu.Lock()
	if raster, ok := c.decoded[cell]; ok {
		c.mu.Unlock()
		if raster == nil {
			return nil, fmt.Errorf("cell %s: %w", cell, elevation.ErrCellUnavailable)
		}
		return raster, nil
	}
	c.mu.Unlock()

	key := cell + ".SRTMGL1.hgt.zip"
	payload, hit, err := c.store.Get(key)
	if err != nil {
		return nil, fmt.Errorf("reading cell cache: %w", err)
	}
	if hit {
		c.mu.Lock()
		c.cacheHits++
		c.mu.Unlock()
	} else {
		payload, err = c.fetchCell(ctx, cell, key)
		if err != nil {
			if errors.Is(err, elevation.ErrCellUnavailable) {
				c.memoize(cell, nil)
			}
			return nil, err
		}
	}

	if len(payload) == 0 {
		// Cached blank sentinel: the cell is known to be missing remotely.
		c.memoize(cell, nil)
		return nil, fmt.Errorf("cell %s: %w", cell, elevation.ErrCellUnavailable)
	}

	raster, err := decodeCell(payload, cell, c.resolution)
	if err != nil {
		return nil, fmt.Errorf("decoding cell %s: %w", cell, err)
	}
	c.memoize(cell, raster)
	return raster, nil
}

func (c *Client) memoize(cell string, raster []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.decoded) >= maxDecodedCells {
		for k := range c.decoded {
			delete(c.decoded, k)
			break
		}
	}
	c.decoded[cell] = raster
}

// fetchCell downloads a cell archive and persists it to the cache before
// returning, so overlapping routes across runs never refetch the same cell.
func (c *Client) fetchCell(ctx context.Context, cell, key string) ([]byte, error) {
	url := fmt.Sprintf("%s/%s.SRTMGL1.hgt.zip", c.baseURL, cell)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.SetBasicAuth(c.username, c.password)

	c.logger.Info().Str("cell", cell).Msg("downloading DEM cell")
	c.mu.Lock()
	c.fetches++
	c.mu.Unlock()

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if resilience.ContextError(err) {
			return nil, err
		}
		return nil, fmt.Errorf("fetching cell %s: %w", cell, elevation.ErrUnavailable)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, fmt.Errorf("cell %s: %w", cell, elevation.ErrAuthentication)
	case resp.StatusCode == http.StatusNotFound:
		// Missing cells (open water) are cached as a blank sentinel to
		// avoid repeated futile fetches.
		if err := c.store.Put(key, blankSentinel); err != nil {
			c.logger.Warn().Err(err).Str("cell", cell).Msg("caching blank cell sentinel failed")
		}
		return nil, fmt.Errorf("cell %s: %w", cell, elevation.ErrCellUnavailable)
	default:
		return nil, fmt.Errorf("cell %s: status %d: %w", cell, resp.StatusCode, elevation.ErrUnavailable)
	}

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading cell %s: %w", cell, elevation.ErrUnavailable)
	}
	if err := c.store.Put(key, payload); err != nil {
		return nil, fmt.Errorf("caching cell %s: %w", cell, err)
	}
	return payload, nil
}

// checkRedirect keeps Earthdata authentication working across the login
// redirect without leaking credentials to unrelated hosts: the Authorization
// header is re-applied only when the redirect stays on the origin host or
// lands on the Earthdata login host.
func (c *Client) checkRedirect(req *http.Request, via []*http.Request) error {
	if len(via) >= 10 {
		return errors.New("stopped after 10 redirects")
	}
	origin := via[0].URL.Hostname()
	host := req.URL.Hostname()
	if host == origin || host == c.authHost {
		req.SetBasicAuth(c.username, c.password)
	} else {
		req.Header.Del("Authorization")
	}
	return nil
}

// decodeCell extracts the raw sample grid from a zipped .hgt archive.
func decodeCell(payload []byte, cell string, resolution int) ([]byte, error) {
	zr, err := zip.NewReader(bytes.NewReader(payload), int64(len(payload)))
	if err != nil {
		return nil, fmt.Errorf("opening archive: %w", err)
	}
	want := cell + ".hgt"
	for _, f := range zr.File {
		if f.Name != want {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("opening %s: %w", want, err)
		}
		defer rc.Close()
		raster, err := io.ReadAll(rc)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", want, err)
		}
		if len(raster) != resolution*resolution*2 {
			return nil, fmt.Errorf("raster %s has %d bytes, want %d", want, len(raster), resolution*resolution*2)
		}
		return raster, nil
	}
	return nil, fmt.Errorf("archive has no %s entry", want)
}

// sample performs bilinear interpolation on the raw grid. Samples are
// big-endian int16, row 0 at the cell's northern edge; voids contribute zero.
func (c *Client) sample(raster []byte, lat, lon float64) float64 {
	res := c.resolution
	fracLon := lon - math.Floor(lon)
	fracLat := lat - math.Floor(lat)
	x := fracLon * float64(res-1)
	y := (1 - fracLat) * float64(res-1)

	x0 := int(x)
	y0 := int(y)
	x1 := min(x0+1, res-1)
	y1 := min(y0+1, res-1)
	fx := x - float64(x0)
	fy := y - float64(y0)

	at := func(gx, gy int) float64 {
		pos := (gx + gy*res) * 2
		v := int16(binary.BigEndian.Uint16(raster[pos : pos+2]))
		if v == voidSample {
			return 0
		}
		return float64(v)
	}

	return at(x0, y0)*(1-fx)*(1-fy) +
		at(x1, y0)*fx*(1-fy) +
		at(x0, y1)*(1-fx)*fy +
		at(x1, y1)*fx*fy
}
