// Package api provides the backend client for the project-management service.
//
// REST endpoints live under {base}/projects; hierarchy reads go through the
// GraphQL endpoint at {base}/graphql. Every request is sent through
// retry.Do, so network failures and 5xx responses are retried with
// exponential backoff while 4xx responses surface immediately as *APIError.
package api
