// Package stream implements the streaming event client.
//
// The client keeps one server-push transport per subscription key
// (a project id) while at least one listener is subscribed:
//   - Connects lazily on first Subscribe and tears down on last Unsubscribe
//   - Arms a connect timeout per attempt
//   - Reconnects with capped exponential backoff, then falls back to a
//     slow persistent retry once the attempt budget is spent
//   - Fans recognized events out to listeners and asks the query cache
//     to refetch active queries
//
// Transports are pluggable through Dialer. SSEDialer speaks
// text/event-stream; WebSocketDialer speaks a JSON envelope over
// gorilla/websocket.
package stream
