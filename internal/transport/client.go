// Package transport is a small Telegram Bot API client covering what the bot needs:
// copying, relaying and deleting messages, membership lookups and the update loop.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"
)

const (
	// DefaultBaseURL is the public Bot API endpoint
	DefaultBaseURL = "https://api.telegram.org"
	// DefaultRequestTimeout bounds every call except getUpdates
	DefaultRequestTimeout = 30 * time.Second
	// DefaultMaxRetryAfter is the longest 429 backoff the client waits out itself
	DefaultMaxRetryAfter = 5 * time.Second
)

// ClientConfig holds configuration for creating a Client.
type ClientConfig struct {
	// Token is the bot credential. Required.
	Token string
	// BaseURL defaults to DefaultBaseURL.
	BaseURL string
	// HTTPClient is used for all requests. If nil, a client with an otelhttp transport is used.
	HTTPClient *http.Client
	// Logger is used for structured logging. If nil, slog.Default() is used.
	Logger *slog.Logger
	// RequestsPerSecond limits outbound calls. Zero means unlimited.
	RequestsPerSecond float64
	Burst             int
	RequestTimeout    time.Duration
	MaxRetryAfter     time.Duration
}

// Client is a Bot API client. It is safe for concurrent use.
type Client struct {
	baseURL        string
	token          string
	httpClient     *http.Client
	limiter        *rate.Limiter
	logger         *slog.Logger
	requestTimeout time.Duration
	maxRetryAfter  time.Duration
}

// NewClient creates a new Bot API client.
func NewClient(config ClientConfig) (*Client, error) {
	if config.Token == "" {
		return nil, errors.New("transport: Token is required")
	}

	baseURL := config.BaseURL
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("transport: invalid BaseURL %q: %w", baseURL, err)
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	limiter := rate.NewLimiter(rate.Inf, 0)
	if config.RequestsPerSecond > 0 {
		burst := config.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(config.RequestsPerSecond), burst)
	}

	requestTimeout := config.RequestTimeout
	if requestTimeout <= 0 {
		requestTimeout = DefaultRequestTimeout
	}
	maxRetryAfter := config.MaxRetryAfter
	if maxRetryAfter <= 0 {
		maxRetryAfter = DefaultMaxRetryAfter
	}

	return &Client{
		baseURL:        strings.TrimRight(baseURL, "/"),
		token:          config.Token,
		httpClient:     httpClient,
		limiter:        limiter,
		logger:         logger,
		requestTimeout: requestTimeout,
		maxRetryAfter:  maxRetryAfter,
	}, nil
}

// call invokes method with params as the JSON body and decodes the result into out.
// A rate-limited call is retried once when the server asks for a short enough pause.
func (c *Client) call(ctx context.Context, method string, params any, out any) error {
	err := c.doRequest(ctx, method, params, out)

	var transportErr *Error
	if errors.As(err, &transportErr) && transportErr.Kind == KindRateLimited &&
		transportErr.RetryAfter > 0 && transportErr.RetryAfter <= c.maxRetryAfter {
		c.logger.Warn("rate limited by bot api, retrying",
			"method", method,
			"retry_after", transportErr.RetryAfter,
		)
		timer := time.NewTimer(transportErr.RetryAfter)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		err = c.doRequest(ctx, method, params, out)
	}
	return err
}

func (c *Client) doRequest(ctx context.Context, method string, params any, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return &Error{Method: method, Kind: KindUnavailable, Err: err}
	}

	if method != "getUpdates" {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.requestTimeout)
		defer cancel()
	}

	var body io.Reader
	if params != nil {
		payload, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("transport: failed to encode %s request: %w", method, err)
		}
		body = bytes.NewReader(payload)
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodPost, c.methodURL(method), body)
	if err != nil {
		return fmt.Errorf("transport: failed to build %s request: %w", method, err)
	}
	if params != nil {
		request.Header.Set("Content-Type", "application/json")
	}

	response, err := c.httpClient.Do(request)
	if err != nil {
		// Timeouts and cancellations stay matchable through Unwrap.
		return &Error{Method: method, Kind: KindUnavailable, Err: c.redact(err)}
	}
	defer response.Body.Close()

	raw, err := io.ReadAll(response.Body)
	if err != nil {
		return &Error{Method: method, Kind: KindUnavailable, Err: c.redact(err)}
	}

	var envelope apiResponse
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return &Error{
			Method:      method,
			Kind:        classify(response.StatusCode, ""),
			Code:        response.StatusCode,
			Description: fmt.Sprintf("unparseable response: %s", truncate(raw, 200)),
		}
	}

	if !envelope.OK {
		code := envelope.ErrorCode
		if code == 0 {
			code = response.StatusCode
		}
		transportErr := &Error{
			Method:      method,
			Kind:        classify(code, envelope.Description),
			Code:        code,
			Description: envelope.Description,
		}
		if envelope.Parameters != nil && envelope.Parameters.RetryAfter > 0 {
			transportErr.RetryAfter = time.Duration(envelope.Parameters.RetryAfter) * time.Second
		}
		return transportErr
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(envelope.Result, out); err != nil {
		return fmt.Errorf("transport: failed to parse %s result: %w", method, err)
	}
	return nil
}

func (c *Client) methodURL(method string) string {
	return c.baseURL + "/bot" + c.token + "/" + method
}

// redact strips the bot token out of URL errors before they reach logs
func (c *Client) redact(err error) error {
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		urlErr.URL = strings.ReplaceAll(urlErr.URL, c.token, "<token>")
	}
	return err
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
