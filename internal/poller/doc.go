// Package poller implements the fallback snapshot poller.
//
// While a project's event stream is not connected, pushed updates are
// missed. The poller refetches the cached queries of those projects on
// a slow interval so cached data does not go stale indefinitely.
// Projects with a connected stream are skipped.
package poller
