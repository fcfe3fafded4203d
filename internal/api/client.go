package api

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/tasktree/tasktree-sync/internal/auth"
	"github.com/tasktree/tasktree-sync/internal/clock"
	"github.com/tasktree/tasktree-sync/internal/retry"
)

// Client provides access to the backend REST and GraphQL APIs.
type Client struct {
	baseURL    string
	tokens     auth.TokenSource
	httpClient *http.Client
	logger     *slog.Logger

	retry retry.Options
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// NewClient creates a new API client. baseURL includes any proxy path
// prefix, e.g. https://tasks.example.com/api.
func NewClient(baseURL string, tokens auth.TokenSource, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		tokens:  tokens,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger: slog.Default(),
		retry:  retry.DefaultOptions(),
	}

	for _, opt := range opts {
		opt(c)
	}
	c.retry.Logger = c.logger

	return c
}

// WithTimeout sets the HTTP client timeout.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		c.httpClient.Timeout = d
	}
}

// WithRetries sets the retry policy.
func WithRetries(maxAttempts int, initialDelay, maxDelay time.Duration) ClientOption {
	return func(c *Client) {
		c.retry.MaxAttempts = maxAttempts
		c.retry.InitialDelay = initialDelay
		c.retry.MaxDelay = maxDelay
	}
}

// WithOnRetry sets an observer called before each retry wait.
func WithOnRetry(fn retry.RetryFunc) ClientOption {
	return func(c *Client) {
		c.retry.OnRetry = fn
	}
}

// WithClock sets the clock used for retry waits.
func WithClock(clk clock.Clock) ClientOption {
	return func(c *Client) {
		c.retry.Clock = clk
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = hc
	}
}
