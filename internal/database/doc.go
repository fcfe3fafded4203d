// Package database opens the PostgreSQL pool backing the event journal.
package database
