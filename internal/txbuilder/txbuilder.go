package txbuilder

import (
	"bytes"
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
)

// UnsignedTx is a transaction prepared for the owner to sign.
type UnsignedTx struct {
	To    string `json:"to"`
	Data  string `json:"data"`
	Value string `json:"value"`
	Gas   string `json:"gas"`
}

// Error is the builder's error envelope.
type Error struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("tx builder error (%d): %s", e.Status, e.Message)
	}
	return fmt.Sprintf("tx builder error (%d) %s: %s", e.Status, e.Code, e.Message)
}

// Builder requests unsigned transactions for a named operation.
type Builder interface {
	Build(ctx context.Context, operation string, params map[string]string) (UnsignedTx, error)
}

// Options configure the HTTP builder client.
type Options struct {
	BaseURL         string
	APIKey          string
	Timeout         time.Duration
	BreakerFailures uint32
	BreakerCooldown time.Duration
}

// Client talks to the remote transaction-building service.
type Client struct {
	opts    Options
	baseURL string
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
	logger  zerolog.Logger
}

// NewClient constructs a builder client.
func NewClient(opts Options, logger zerolog.Logger) *Client {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
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
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		client:  &http.Client{Timeout: timeout},
		logger:  logger.With().Str("component", "txbuilder").Logger(),
	}
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "txbuilder",
		Timeout: cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		// Rejections by the builder are answers, not outages.
		IsSuccessful: func(err error) bool {
			var builderErr *Error
			return err == nil || (errors.As(err, &builderErr) && builderErr.Status < 500)
		},
	})
	return c
}

// Build posts params to {base}/tx/{operation} and decodes the unsigned transaction.
func (c *Client) Build(ctx context.Context, operation string, params map[string]string) (UnsignedTx, error) {
	if c.baseURL == "" {
		return UnsignedTx{}, errors.New("tx builder base url not configured")
	}
	if operation == "" {
		return UnsignedTx{}, errors.New("operation required")
	}

	body, err := json.Marshal(params)
	if err != nil {
		return UnsignedTx{}, fmt.Errorf("marshal builder params: %w", err)
	}

	result, err := c.breaker.Execute(func() (interface{}, error) {
		endpoint := c.baseURL + "/tx/" + url.PathEscape(operation)
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("create builder request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "application/json")
		if c.opts.APIKey != "" {
			req.Header.Set("X-API-Key", c.opts.APIKey)
		}

		resp, err := c.client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("send builder request: %w", err)
		}
		defer resp.Body.Close()

		payload, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("read builder response: %w", err)
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return nil, parseError(resp.StatusCode, payload)
		}

		var tx UnsignedTx
		if err := json.Unmarshal(payload, &tx); err != nil {
			return nil, fmt.Errorf("decode unsigned tx: %w", err)
		}
		if tx.To == "" || tx.Data == "" {
			return nil, errors.New("builder returned an incomplete transaction")
		}
		return tx, nil
	})
	if err != nil {
		return UnsignedTx{}, err
	}

	tx := result.(UnsignedTx)
	c.logger.Debug().Str("operation", operation).Str("to", tx.To).Msg("unsigned transaction prepared")
	return tx, nil
}

func parseError(status int, payload []byte) error {
	var envelope struct {
		Error *Error `json:"error"`
	}
	if err := json.Unmarshal(payload, &envelope); err == nil && envelope.Error != nil {
		envelope.Error.Status = status
		return envelope.Error
	}
	msg := strings.TrimSpace(string(payload))
	if msg == "" {
		msg = http.StatusText(status)
	}
	return &Error{Status: status, Message: msg}
}

var _ Builder = (*Client)(nil)
