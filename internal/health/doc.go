// Package health implements the Connection Monitor.
//
// The monitor polls the backend liveness endpoint independently of any
// request the application makes:
//   - every 30s while the backend is considered up, every 5s while down
//   - any response below 500 counts as up; network errors, timeouts and 5xx as down
//   - a down→up transition resets the query cache and emits Recovered
//   - an up→down transition emits Lost
package health
