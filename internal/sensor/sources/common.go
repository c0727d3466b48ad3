package sources

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sony/gobreaker"

	"github.com/i474232898/humidor-monitor/internal/common"
	"github.com/i474232898/humidor-monitor/internal/sensor"
)

// HTTPClientConfig bundles the HTTP client and breaker settings of a cloud account.
type HTTPClientConfig struct {
	Client *http.Client

	// Breaker trips after this many consecutive transient failures.
	BreakerFailures uint32
	// BreakerTimeout is how long the breaker stays open.
	BreakerTimeout time.Duration
}

var (
	errRateLimited  = errors.New("rate limited")
	errServerError  = errors.New("server error")
	errUnexpected   = errors.New("unexpected status code")
	errCircuitOpen  = errors.New("circuit breaker open")
	errNoHTTPClient = errors.New("http client not configured")
)

// authHints are fragments vendors put in error bodies for expired sessions.
var authHints = []string{"expired", "invalid token", "access denied", "unauthorized", "not authorized"}

func newBreaker(name string, cfg HTTPClientConfig) *gobreaker.CircuitBreaker {
	failures := cfg.BreakerFailures
	if failures == 0 {
		failures = 5
	}
	timeout := cfg.BreakerTimeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     timeout,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= failures
		},
		// Auth and not-found answers prove the API is reachable.
		IsSuccessful: func(err error) bool {
			return err == nil || !sensor.Retryable(err)
		},
	})
}

// doRequest executes one HTTP request through the circuit breaker and maps
// the response onto the sensor error taxonomy. Retries belong to the caller.
func doRequest(
	ctx context.Context,
	cfg HTTPClientConfig,
	cb *gobreaker.CircuitBreaker,
	buildRequest func(ctx context.Context) (*http.Request, error),
) (*http.Response, error) {
	if cfg.Client == nil {
		return nil, errNoHTTPClient
	}
	if ctx.Err() != nil {
		return nil, fmt.Errorf("%w: %v", sensor.ErrSourceUnavailable, ctx.Err())
	}

	req, err := buildRequest(ctx)
	if err != nil {
		return nil, err
	}

	result, err := cb.Execute(func() (interface{}, error) {
		resp, execErr := cfg.Client.Do(req)
		if execErr != nil {
			return nil, fmt.Errorf("%w: %v", sensor.ErrSourceUnavailable, execErr)
		}
		if statusErr := mapStatus(resp); statusErr != nil {
			resp.Body.Close()
			return nil, statusErr
		}
		return resp, nil
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("%w: %w: %v", sensor.ErrSourceUnavailable, errCircuitOpen, err)
		}
		return nil, err
	}

	resp, ok := result.(*http.Response)
	if !ok {
		return nil, fmt.Errorf("unexpected result type from circuit breaker")
	}
	return resp, nil
}

// mapStatus turns a non-2xx response into a taxonomy error.
func mapStatus(resp *http.Response) error {
	code := resp.StatusCode
	if code >= 200 && code < 300 {
		return nil
	}

	msg := readErrorMessage(resp.Body)
	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return fmt.Errorf("%w: status %d %s", sensor.ErrAuthRequired, code, msg)
	case code == http.StatusNotFound:
		return fmt.Errorf("%w: status %d %s", sensor.ErrNotFound, code, msg)
	case code == http.StatusTooManyRequests:
		return fmt.Errorf("%w: %w", sensor.ErrSourceUnavailable, errRateLimited)
	case code >= 500:
		return fmt.Errorf("%w: %w: %d", sensor.ErrSourceUnavailable, errServerError, code)
	case code == http.StatusBadRequest && common.HasAnyFold(msg, authHints...):
		// Some vendors answer 400 with a token complaint instead of 401.
		return fmt.Errorf("%w: %s", sensor.ErrAuthRequired, msg)
	default:
		return fmt.Errorf("%w: %w: %d %s", sensor.ErrSourceUnavailable, errUnexpected, code, msg)
	}
}

func readErrorMessage(body io.Reader) string {
	raw, err := io.ReadAll(io.LimitReader(body, 4096))
	if err != nil || len(raw) == 0 {
		return ""
	}
	var payload struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if json.Unmarshal(raw, &payload) == nil {
		if payload.Message != "" {
			return payload.Message
		}
		if payload.Error != "" {
			return payload.Error
		}
	}
	return string(raw)
}
