// Package journal records streamed project events into PostgreSQL.
//
// The journal is an optional audit sink. Events are queued without
// blocking the stream reader, batched, and inserted with
// ON CONFLICT (event_id) DO NOTHING. When the server assigns event ids,
// an event redelivered after a reconnect is stored once. Without a
// server id every delivery gets its own row, so two events with the
// same payload are never merged.
package journal
