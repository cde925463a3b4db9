// Package tiles retrieves raster map tiles from a slippy-map tile server with
// persistent caching, bounded retries, and rate limiting.
package tiles

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/trailbook/trailbook/internal/cache"
	"github.com/trailbook/trailbook/internal/resilience"
	"github.com/trailbook/trailbook/pkg/mercator"
)

const (
	// DefaultURLTemplate points at OpenTopoMap; the placeholders are
	// zoom, x, y.
	DefaultURLTemplate = "https://tile.opentopomap.org/%d/%d/%d.png"

	// DefaultRateLimit bounds remote fetches per second. Public tile servers
	// are shared infrastructure.
	DefaultRateLimit = rate.Limit(4)
)

// Sentinel errors for tile retrieval.
var (
	// ErrTileMissing indicates the server has no such tile (cached 404).
	// The compositor substitutes a blank patch.
	ErrTileMissing = errors.New("tile permanently missing")
	// ErrTileUnavailable indicates a fetch failure that survived all retries.
	ErrTileUnavailable = errors.New("tile unavailable")
)

// blankSentinel marks a permanently missing tile in the cache.
var blankSentinel = []byte{}

// HTTPDoer executes HTTP requests.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// FetcherConfig holds configuration for the tile fetcher.
type FetcherConfig struct {
	// Cache is the persistent tile store (required).
	Cache cache.Store

	// URLTemplate overrides the tile server URL scheme.
	URLTemplate string

	// HTTPClient overrides the resilient default client (tests).
	HTTPClient HTTPDoer

	// RateLimit bounds remote fetches per second; cache hits are not limited.
	RateLimit rate.Limit

	// Logger for fetcher operations.
	Logger zerolog.Logger
}

// Fetcher retrieves tiles cache-first. Fetches for distinct coordinates are
// independent and safe to issue concurrently; the cache write path is
// idempotent per key.
type Fetcher struct {
	store       cache.Store
	urlTemplate string
	httpClient  HTTPDoer
	limiter     *rate.Limiter
	logger      zerolog.Logger

	cacheHits atomic.Int64
	fetches   atomic.Int64
}

// NewFetcher creates a tile fetcher.
func NewFetcher(cfg FetcherConfig) *Fetcher {
	urlTemplate := cfg.URLTemplate
	if urlTemplate == "" {
		urlTemplate = DefaultURLTemplate
	}
	limit := cfg.RateLimit
	if limit == 0 {
		limit = DefaultRateLimit
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = resilience.NewClient(resilience.ClientConfig{Name: "tiles"})
	}
	return &Fetcher{
		store:       cfg.Cache,
		urlTemplate: urlTemplate,
		httpClient:  httpClient,
		limiter:     rate.NewLimiter(limit, 1),
		logger:      cfg.Logger,
	}
}

// Stats returns cumulative cache-hit and remote-fetch counts.
func (f *Fetcher) Stats() (cacheHits, fetches int64) {
	return f.cacheHits.Load(), f.fetches.Load()
}

// cacheKey returns the cache entry name for a tile coordinate.
func cacheKey(t mercator.TileCoordinate) string {
	return fmt.Sprintf("tile-%d-%d-%d.png", t.Zoom, t.X, t.Y)
}

// Tile returns the raw image bytes for a tile coordinate. Bytes are cached
// verbatim, never re-encoded, so repeated runs reuse bit-exact payloads.
// Returns ErrTileMissing for tiles the server reports as absent (the result
// is cached so the miss is never refetched) and ErrTileUnavailable once
// retries are exhausted on a transient failure.
func (f *Fetcher) Tile(ctx context.Context, coord mercator.TileCoordinate) ([]byte, error) {
	key := cacheKey(coord)
	data, hit, err := f.store.Get(key)
	if err != nil {
		return nil, fmt.Errorf("reading tile cache: %w", err)
	}
	if hit {
		f.cacheHits.Add(1)
		if len(data) == 0 {
			return nil, fmt.Errorf("tile %s: %w", coord, ErrTileMissing)
		}
		return data, nil
	}

	if err := f.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	url := fmt.Sprintf(f.urlTemplate, coord.Zoom, coord.X, coord.Y)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	f.logger.Debug().Stringer("tile", coord).Msg("downloading map tile")
	f.fetches.Add(1)

	resp, err := f.httpClient.Do(req)
	if err != nil {
		if resilience.ContextError(err) {
			return nil, err
		}
		return nil, fmt.Errorf("tile %s: %w", coord, ErrTileUnavailable)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusNotFound:
		// Cache the miss as a blank sentinel so it is never refetched.
		if err := f.store.Put(key, blankSentinel); err != nil {
			f.logger.Warn().Err(err).Stringer("tile", coord).Msg("caching blank tile sentinel failed")
		}
		return nil, fmt.Errorf("tile %s: %w", coord, ErrTileMissing)
	default:
		return nil, fmt.Errorf("tile %s: status %d: %w", coord, resp.StatusCode, ErrTileUnavailable)
	}

	data, err = io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading tile %s: %w", coord, ErrTileUnavailable)
	}
	if err := f.store.Put(key, data); err != nil {
		return nil, fmt.Errorf("caching tile %s: %w", coord, err)
	}
	return data, nil
}
