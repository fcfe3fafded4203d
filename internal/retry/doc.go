// Package retry wraps a single HTTP request with bounded exponential
// backoff.
//
// Network failures and 5xx responses are retried; any other response,
// 4xx included, is final. Delays double from InitialDelay up to MaxDelay
// with no jitter.
package retry
