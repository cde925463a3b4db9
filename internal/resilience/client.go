// Package resilience provides the bounded-retry HTTP client shared by the
// network-facing pipeline components. Transient failures (network errors, 5xx)
// are retried with exponential backoff behind a circuit breaker; 4xx responses
// are returned to the caller without retry so that authentication and
// missing-resource conditions can be classified as permanent.
package resilience

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker/v2"
)

var (
	// ErrCircuitOpen is returned when the circuit breaker rejects a request.
	ErrCircuitOpen = errors.New("circuit breaker is open")
)

// ClientConfig holds configuration for the resilient HTTP client.
type ClientConfig struct {
	// Name identifies this client for circuit breaker naming.
	Name string

	// Timeout is the per-request timeout, distinct from the retry schedule.
	// Default: 15 seconds.
	Timeout time.Duration

	// MaxRetries is the maximum number of retry attempts after the first try.
	// Default: 3.
	MaxRetries uint64

	// InitialInterval is the initial retry backoff interval. Default: 200ms.
	InitialInterval time.Duration

	// MaxInterval is the maximum retry backoff interval. Default: 5 seconds.
	MaxInterval time.Duration

	// RedirectPolicy, when set, is installed as the underlying http.Client's
	// CheckRedirect hook. The DEM client uses it to keep credentials from
	// leaking to third-party hosts on cross-host redirects.
	RedirectPolicy func(req *http.Request, via []*http.Request) error

	// BreakerDisabled turns the circuit breaker off. Used in tests that
	// deliberately exhaust retries many times in a row.
	BreakerDisabled bool
}

// Client is a retrying HTTP client with circuit breaker protection.
type Client struct {
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker[*http.Response]
	config     ClientConfig
}

// NewClient creates a resilient HTTP client with the given configuration.
func NewClient(cfg ClientConfig) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	if cfg.InitialInterval == 0 {
		cfg.InitialInterval = 200 * time.Millisecond
	}
	if cfg.MaxInterval == 0 {
		cfg.MaxInterval = 5 * time.Second
	}

	var cb *gobreaker.CircuitBreaker[*http.Response]
	if !cfg.BreakerDisabled {
		cb = gobreaker.NewCircuitBreaker[*http.Response](gobreaker.Settings{ //nolint:bodyclose // type param, not response
			Name:        cfg.Name,
			MaxRequests: 1,
			Timeout:     60 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
				return counts.Requests >= 8 && failureRatio >= 0.6
			},
		})
	}

	return &Client{
		httpClient: &http.Client{
			Timeout:       cfg.Timeout,
			CheckRedirect: cfg.RedirectPolicy,
		},
		breaker: cb,
		config:  cfg,
	}
}

// ServerError represents an HTTP 5xx response, retried as transient.
type ServerError struct {
	StatusCode int
}

func (e *ServerError) Error() string {
	return "server error: " + http.StatusText(e.StatusCode)
}

// Do executes the request, retrying transient failures with exponential
// backoff. Responses with status below 500 are returned as-is: callers decide
// whether a 4xx is a permanent condition. When retries are exhausted on a 5xx
// the last response is returned alongside a nil error, mirroring the
// underlying status to the caller.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	ctx := req.Context()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.config.InitialInterval
	bo.MaxInterval = c.config.MaxInterval
	bo.MaxElapsedTime = 0 // retries are bounded by MaxRetries, not wall time

	policy := backoff.WithContext(backoff.WithMaxRetries(bo, c.config.MaxRetries), ctx)

	var lastResp *http.Response

	attempt := func() (*http.Response, error) {
		reqClone := req.Clone(ctx)
		resp, err := c.httpClient.Do(reqClone)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode >= 500 {
			return resp, &ServerError{StatusCode: resp.StatusCode}
		}
		return resp, nil
	}

	operation := func() error {
		var resp *http.Response
		var err error
		if c.breaker != nil {
			resp, err = c.breaker.Execute(attempt) //nolint:bodyclose // caller closes
		} else {
			resp, err = attempt() //nolint:bodyclose // caller closes
		}
		if err != nil {
			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
				return backoff.Permanent(ErrCircuitOpen)
			}
			if resp != nil {
				drainAndClose(lastResp)
				lastResp = resp
			}
			return err
		}
		drainAndClose(lastResp)
		lastResp = resp
		return nil
	}

	if err := backoff.Retry(operation, policy); err != nil {
		if lastResp != nil {
			return lastResp, nil
		}
		return nil, err
	}
	return lastResp, nil
}

// drainAndClose releases a superseded response body so the connection can be
// reused between retry attempts.
func drainAndClose(resp *http.Response) {
	if resp == nil {
		return
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
}

// ContextError reports whether err stems from context cancellation or expiry.
func ContextError(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
