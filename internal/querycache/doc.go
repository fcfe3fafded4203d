// Package querycache is the client-side store of backend query results.
//
// Views register the queries they display; the registration is
// ref-counted and a query stays active until its last release. Two
// writers mutate the store: the connection monitor resets it when the
// backend comes back, and the streaming client refetches every active
// query after a change event. Both are idempotent, so overlapping
// triggers only cost redundant fetches.
package querycache
