package retry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/tasktree/tasktree-sync/internal/clock"
)

// ErrAttemptsExhausted wraps the last error once every attempt failed.
var ErrAttemptsExhausted = errors.New("retry attempts exhausted")

// Doer sends a single HTTP request. *http.Client satisfies it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// RetryFunc observes a retry before the wait begins. Attempt is the
// one-based number of the attempt that just failed.
type RetryFunc func(attempt int, delay time.Duration, err error)

// Options configures Do.
type Options struct {
	MaxAttempts  int           // Total attempts including the first (default: 3)
	InitialDelay time.Duration // Wait after the first failure (default: 1s)
	MaxDelay     time.Duration // Cap on any single wait (default: 10s)
	OnRetry      RetryFunc
	Clock        clock.Clock
	Logger       *slog.Logger
}

// DefaultOptions returns sensible defaults.
func DefaultOptions() Options {
	return Options{
		MaxAttempts:  3,
		InitialDelay: time.Second,
		MaxDelay:     10 * time.Second,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = d.MaxAttempts
	}
	if o.InitialDelay <= 0 {
		o.InitialDelay = d.InitialDelay
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = d.MaxDelay
	}
	if o.Clock == nil {
		o.Clock = clock.Real()
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// StatusError is a retriable server response.
type StatusError struct {
	StatusCode int
	Status     string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("server error: %s", e.Status)
}

// Delay returns min(initial * 2^attempt, max).
func Delay(attempt int, initial, max time.Duration) time.Duration {
	d := initial
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= max || d <= 0 {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}

// Do sends req, retrying network errors and 5xx responses. The first
// final response is returned with its body open. When every attempt
// fails the last error is returned wrapped in ErrAttemptsExhausted.
func Do(ctx context.Context, doer Doer, req *http.Request, opts Options) (*http.Response, error) {
	opts = opts.withDefaults()

	if req.Body != nil && req.Body != http.NoBody && req.GetBody == nil && opts.MaxAttempts > 1 {
		opts.Logger.Warn("request body cannot be replayed, sending once",
			"method", req.Method,
			"url", req.URL.Redacted(),
		)
		opts.MaxAttempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < opts.MaxAttempts; attempt++ {
		if attempt > 0 {
			delay := Delay(attempt-1, opts.InitialDelay, opts.MaxDelay)
			if opts.OnRetry != nil {
				opts.OnRetry(attempt, delay, lastErr)
			}
			opts.Logger.Debug("retrying request",
				"attempt", attempt+1,
				"delay", delay,
				"url", req.URL.Redacted(),
				"error", lastErr,
			)

			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-opts.Clock.After(delay):
			}
		}

		attemptReq, err := cloneRequest(ctx, req)
		if err != nil {
			return nil, err
		}

		resp, err := doer.Do(attemptReq)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = err
			continue
		}

		if resp.StatusCode < 500 {
			return resp, nil
		}

		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		lastErr = &StatusError{StatusCode: resp.StatusCode, Status: resp.Status}
	}

	return nil, fmt.Errorf("%w after %d attempts: %w", ErrAttemptsExhausted, opts.MaxAttempts, lastErr)
}

// cloneRequest returns a copy of req bound to ctx with a fresh body.
func cloneRequest(ctx context.Context, req *http.Request) (*http.Request, error) {
	clone := req.Clone(ctx)
	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return nil, fmt.Errorf("rewind request body: %w", err)
		}
		clone.Body = body
	}
	return clone, nil
}
