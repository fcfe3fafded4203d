// Package status serves the local status endpoints of a running sync
// client: /health for backend liveness and /debug/subscriptions for
// stream, cache, journal and poller state.
package status
