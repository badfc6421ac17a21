package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

const (
	positionsPath = "/positions/"
	marketsPath   = "/markets"
)

// Options parameterise the HTTP snapshot client.
type Options struct {
	BaseURL         string
	Timeout         time.Duration
	UserAgent       string
	RateLimit       float64
	Burst           int
	BreakerFailures uint32
	BreakerCooldown time.Duration
}

// Client fetches position and market snapshots from the position API.
type Client struct {
	opts    Options
	logger  zerolog.Logger
	client  *http.Client
	baseURL string
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
}

// NewClient constructs a snapshot client.
func NewClient(opts Options, logger zerolog.Logger) *Client {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	limit := rate.Inf
	if opts.RateLimit > 0 {
		limit = rate.Limit(opts.RateLimit)
	}
	burst := opts.Burst
	if burst <= 0 {
		burst = 1
	}
	failures := opts.BreakerFailures
	if failures == 0 {
		failures = 5
	}
	cooldown := opts.BreakerCooldown
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}

	c := &Client{
		opts:    opts,
		logger:  logger.With().Str("component", "snapshot_client").Logger(),
		client:  &http.Client{Timeout: timeout},
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		limiter: rate.NewLimiter(limit, burst),
	}
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "snapshot",
		MaxRequests: 1,
		Timeout:     cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		// A per-owner answer such as a 500 for one address is not an outage.
		IsSuccessful: func(err error) bool {
			var apiErr *APIError
			if errors.As(err, &apiErr) {
				return !apiErr.Outage()
			}
			return err == nil
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.logger.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("snapshot breaker state changed")
		},
	})
	return c
}

// FetchPositions returns the active positions owned by address.
func (c *Client) FetchPositions(ctx context.Context, address string) ([]PositionSnapshot, error) {
	if address == "" {
		return nil, errors.New("address required")
	}

	var payload struct {
		Positions []PositionSnapshot `json:"positions"`
	}
	found, err := c.getJSON(ctx, positionsPath+url.PathEscape(address), &payload)
	if err != nil {
		return nil, fmt.Errorf("fetch positions: %w", err)
	}
	if !found {
		return nil, nil
	}

	active := make([]PositionSnapshot, 0, len(payload.Positions))
	for _, pos := range payload.Positions {
		if pos.Status != "" && !strings.EqualFold(pos.Status, StatusActive) {
			continue
		}
		active = append(active, pos)
	}
	return active, nil
}

// FetchMarkets returns per-branch aggregates.
func (c *Client) FetchMarkets(ctx context.Context) ([]MarketSnapshot, error) {
	var payload struct {
		Markets []MarketSnapshot `json:"markets"`
	}
	if _, err := c.getJSON(ctx, marketsPath, &payload); err != nil {
		return nil, fmt.Errorf("fetch markets: %w", err)
	}
	return payload.Markets, nil
}

// getJSON decodes a GET response into out. A 404 reports found=false without error.
func (c *Client) getJSON(ctx context.Context, path string, out any) (bool, error) {
	if c.baseURL == "" {
		return false, errors.New("snapshot base url not configured")
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return false, err
	}

	result, err := c.breaker.Execute(func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/json")
		if ua := strings.TrimSpace(c.opts.UserAgent); ua != "" {
			req.Header.Set("User-Agent", ua)
		} else {
			req.Header.Set("User-Agent", "trove-guardian/1.0")
		}

		resp, err := c.client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode == http.StatusNotFound {
			return []byte(nil), nil
		}
		if resp.StatusCode != http.StatusOK {
			return nil, parseHTTPError(resp.StatusCode, body)
		}
		return body, nil
	})
	if err != nil {
		return false, err
	}

	body, _ := result.([]byte)
	if body == nil {
		return false, nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return false, fmt.Errorf("decode %s: %w", path, err)
	}
	return true, nil
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// APIError is a non-2xx answer from the position API.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("position api error (%d)", e.Status)
	}
	return fmt.Sprintf("position api error (%d): %s", e.Status, e.Message)
}

// Outage reports whether the status means the upstream itself is unavailable.
func (e *APIError) Outage() bool {
	switch e.Status {
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}

func parseHTTPError(status int, payload []byte) error {
	apiErr := &APIError{Status: status}
	var body errorResponse
	if err := json.Unmarshal(payload, &body); err == nil && (body.Message != "" || body.Error != "") {
		apiErr.Message = body.Message
		if apiErr.Message == "" {
			apiErr.Message = body.Error
		}
		return apiErr
	}
	apiErr.Message = strings.TrimSpace(string(payload))
	return apiErr
}

var _ Source = (*Client)(nil)
