package thingspeak

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/i474232898/station-telemetry/internal/telemetry"
)

// BackoffConfig controls exponential backoff behaviour. MaxRetries of zero
// disables retries.
type BackoffConfig struct {
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// HTTPClientConfig bundles HTTP client and resilience settings.
type HTTPClientConfig struct {
	Client  *http.Client
	Backoff BackoffConfig
}

var (
	errCircuitOpen   = errors.New("circuit breaker open")
	errNoHTTPClient  = errors.New("http client not configured")
	errInvalidConfig = errors.New("invalid backoff configuration")
)

// breakers hands out one circuit breaker per channel so a failing station
// does not trip the others.
type breakers struct {
	mu sync.Mutex
	m  map[string]*gobreaker.CircuitBreaker
}

func newBreakers() *breakers {
	return &breakers{m: make(map[string]*gobreaker.CircuitBreaker)}
}

func (b *breakers) get(channelID string) *gobreaker.CircuitBreaker {
	b.mu.Lock()
	defer b.mu.Unlock()

	cb, ok := b.m[channelID]
	if !ok {
		cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "thingspeak-" + channelID,
			MaxRequests: 5,
			Interval:    1 * time.Minute,
			Timeout:     2 * time.Minute,
		})
		b.m[channelID] = cb
	}
	return cb
}

// retryable reports whether a status code indicates a transient failure.
func retryable(status int) bool {
	return status == http.StatusTooManyRequests || status >= 500
}

// doRequest executes the HTTP request through the circuit breaker.
// Transport errors become *telemetry.NetworkError, non-2xx statuses become
// *telemetry.RemoteFetchError. Only transport errors, 429 and 5xx count as
// breaker failures and only those are retried.
func doRequest(
	ctx context.Context,
	stationID string,
	cfg HTTPClientConfig,
	cb *gobreaker.CircuitBreaker,
	buildRequest func(ctx context.Context) (*http.Request, error),
) (*http.Response, error) {
	if cfg.Client == nil {
		return nil, errNoHTTPClient
	}
	if cfg.Backoff.MaxRetries < 0 || (cfg.Backoff.MaxRetries > 0 && cfg.Backoff.InitialInterval <= 0) {
		return nil, errInvalidConfig
	}

	var attempt int
	var lastErr error

	for {
		if ctx.Err() != nil {
			return nil, &telemetry.NetworkError{StationID: stationID, Err: ctx.Err()}
		}

		req, err := buildRequest(ctx)
		if err != nil {
			return nil, err
		}

		result, err := cb.Execute(func() (interface{}, error) {
			resp, execErr := cfg.Client.Do(req)
			if execErr != nil {
				return nil, &telemetry.NetworkError{StationID: stationID, Err: execErr}
			}
			if retryable(resp.StatusCode) {
				drain(resp)
				return nil, &telemetry.RemoteFetchError{StationID: stationID, StatusCode: resp.StatusCode}
			}
			return resp, nil
		})

		if err == nil {
			resp, ok := result.(*http.Response)
			if !ok {
				return nil, fmt.Errorf("unexpected result type from circuit breaker")
			}
			if resp.StatusCode < 200 || resp.StatusCode >= 300 {
				drain(resp)
				return nil, &telemetry.RemoteFetchError{StationID: stationID, StatusCode: resp.StatusCode}
			}
			return resp, nil
		}

		// If circuit is open, propagate immediately.
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, &telemetry.NetworkError{StationID: stationID, Err: fmt.Errorf("%w: %v", errCircuitOpen, err)}
		}

		lastErr = err
		if attempt >= cfg.Backoff.MaxRetries {
			return nil, lastErr
		}

		delay := cfg.Backoff.InitialInterval * time.Duration(math.Pow(2, float64(attempt)))
		if delay > cfg.Backoff.MaxInterval && cfg.Backoff.MaxInterval > 0 {
			delay = cfg.Backoff.MaxInterval
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, &telemetry.NetworkError{StationID: stationID, Err: ctx.Err()}
		case <-timer.C:
		}

		attempt++
	}
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
}
