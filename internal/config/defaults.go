package config

import (
	"strings"
	"time"
)

// Default values for optional configuration fields.
const (
	DefaultBaseURL              = "http://localhost:4000"
	DefaultAPITimeout           = 30 * time.Second
	DefaultMaxRetries           = 3
	DefaultRetryInitialDelay    = 1 * time.Second
	DefaultRetryMaxDelay        = 10 * time.Second
	DefaultConnectedInterval    = 30 * time.Second
	DefaultDisconnectedInterval = 5 * time.Second
	DefaultHealthTimeout        = 5 * time.Second
	DefaultTransport            = TransportSSE
	DefaultConnectTimeout       = 15 * time.Second
	DefaultMaxAttempts          = 10
	DefaultBaseDelay            = 3 * time.Second
	DefaultMaxDelay             = 30 * time.Second
	DefaultPersistentInterval   = 30 * time.Second
	DefaultCacheConcurrency     = 4
	DefaultPollInterval         = 5 * time.Minute
	DefaultPollConcurrency      = 4
	DefaultPollTimeout          = 30 * time.Second
	DefaultDBPort               = 5432
	DefaultDBSSLMode            = "prefer"
	DefaultMaxConns             = 4
	DefaultMinConns             = 1
	DefaultBatchSize            = 100
	DefaultFlushInterval        = 1 * time.Second
	DefaultBufferSize           = 1000
	DefaultLogLevel             = "info"
	DefaultLogFormat            = "text"
)

// Stream transports.
const (
	TransportSSE       = "sse"
	TransportWebSocket = "websocket"
)

func (c *SyncConfig) applyDefaults() {
	// API defaults
	if c.API.BaseURL == "" {
		c.API.BaseURL = DefaultBaseURL
	}
	c.API.BaseURL = strings.TrimRight(c.API.BaseURL, "/")
	if c.API.PathPrefix != "" {
		c.API.PathPrefix = "/" + strings.Trim(c.API.PathPrefix, "/")
	}
	if c.API.Timeout == 0 {
		c.API.Timeout = DefaultAPITimeout
	}
	if c.API.MaxRetries == 0 {
		c.API.MaxRetries = DefaultMaxRetries
	}
	if c.API.RetryInitialDelay == 0 {
		c.API.RetryInitialDelay = DefaultRetryInitialDelay
	}
	if c.API.RetryMaxDelay == 0 {
		c.API.RetryMaxDelay = DefaultRetryMaxDelay
	}

	// Health defaults
	if c.Health.ConnectedInterval == 0 {
		c.Health.ConnectedInterval = DefaultConnectedInterval
	}
	if c.Health.DisconnectedInterval == 0 {
		c.Health.DisconnectedInterval = DefaultDisconnectedInterval
	}
	if c.Health.Timeout == 0 {
		c.Health.Timeout = DefaultHealthTimeout
	}

	// Stream defaults
	if c.Stream.Transport == "" {
		c.Stream.Transport = DefaultTransport
	}
	if c.Stream.ConnectTimeout == 0 {
		c.Stream.ConnectTimeout = DefaultConnectTimeout
	}
	if c.Stream.MaxAttempts == 0 {
		c.Stream.MaxAttempts = DefaultMaxAttempts
	}
	if c.Stream.BaseDelay == 0 {
		c.Stream.BaseDelay = DefaultBaseDelay
	}
	if c.Stream.MaxDelay == 0 {
		c.Stream.MaxDelay = DefaultMaxDelay
	}
	if c.Stream.PersistentInterval == 0 {
		c.Stream.PersistentInterval = DefaultPersistentInterval
	}

	if c.Cache.Concurrency == 0 {
		c.Cache.Concurrency = DefaultCacheConcurrency
	}

	if c.Poller.Interval == 0 {
		c.Poller.Interval = DefaultPollInterval
	}
	if c.Poller.Concurrency == 0 {
		c.Poller.Concurrency = DefaultPollConcurrency
	}
	if c.Poller.Timeout == 0 {
		c.Poller.Timeout = DefaultPollTimeout
	}

	// Journal defaults
	applyDBDefaults(&c.Journal.Database)
	if c.Journal.BatchSize == 0 {
		c.Journal.BatchSize = DefaultBatchSize
	}
	if c.Journal.FlushInterval == 0 {
		c.Journal.FlushInterval = DefaultFlushInterval
	}
	if c.Journal.BufferSize == 0 {
		c.Journal.BufferSize = DefaultBufferSize
	}

	if c.Log.Level == "" {
		c.Log.Level = DefaultLogLevel
	}
	if c.Log.Format == "" {
		c.Log.Format = DefaultLogFormat
	}
}

func applyDBDefaults(db *DBConfig) {
	if db.Port == 0 {
		db.Port = DefaultDBPort
	}
	if db.SSLMode == "" {
		db.SSLMode = DefaultDBSSLMode
	}
	if db.MaxConns == 0 {
		db.MaxConns = DefaultMaxConns
	}
	if db.MinConns == 0 {
		db.MinConns = DefaultMinConns
	}
}
