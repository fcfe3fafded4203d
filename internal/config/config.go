package config

import "time"

// SyncConfig is the root configuration for a sync client.
type SyncConfig struct {
	API     APIConfig     `yaml:"api"`
	Health  HealthConfig  `yaml:"health"`
	Stream  StreamConfig  `yaml:"stream"`
	Cache   CacheConfig   `yaml:"cache"`
	Poller  PollerConfig  `yaml:"poller"`
	Journal JournalConfig `yaml:"journal"`
	Status  StatusConfig  `yaml:"status"`
	Log     LogConfig     `yaml:"log"`
}

// APIConfig holds backend endpoint and request settings.
type APIConfig struct {
	BaseURL           string        `yaml:"base_url"`
	PathPrefix        string        `yaml:"path_prefix"` // e.g. "/api" behind a path-based proxy
	Token             string        `yaml:"token"`
	TokenPath         string        `yaml:"token_path"` // File holding the token, read when Token is empty
	Timeout           time.Duration `yaml:"timeout"`
	MaxRetries        int           `yaml:"max_retries"`
	RetryInitialDelay time.Duration `yaml:"retry_initial_delay"`
	RetryMaxDelay     time.Duration `yaml:"retry_max_delay"`
}

// HealthConfig holds connection monitor settings.
type HealthConfig struct {
	ConnectedInterval    time.Duration `yaml:"connected_interval"`
	DisconnectedInterval time.Duration `yaml:"disconnected_interval"`
	Timeout              time.Duration `yaml:"timeout"`
}

// StreamConfig holds streaming event client settings.
type StreamConfig struct {
	Transport          string        `yaml:"transport"` // "sse" or "websocket"
	ConnectTimeout     time.Duration `yaml:"connect_timeout"`
	MaxAttempts        int           `yaml:"max_attempts"`
	BaseDelay          time.Duration `yaml:"base_delay"`
	MaxDelay           time.Duration `yaml:"max_delay"`
	PersistentInterval time.Duration `yaml:"persistent_interval"`
}

// CacheConfig holds query cache settings.
type CacheConfig struct {
	Concurrency int `yaml:"concurrency"`
}

// PollerConfig holds the fallback poller. It refreshes projects whose
// stream is down.
type PollerConfig struct {
	Enabled     bool          `yaml:"enabled"`
	Interval    time.Duration `yaml:"interval"`
	Concurrency int           `yaml:"concurrency"`
	Timeout     time.Duration `yaml:"timeout"`
}

// JournalConfig holds the optional event journal.
type JournalConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Database      DBConfig      `yaml:"database"`
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	BufferSize    int           `yaml:"buffer_size"`
}

// DBConfig holds a single database connection.
type DBConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"ssl_mode"`
	MaxConns int    `yaml:"max_conns"`
	MinConns int    `yaml:"min_conns"`
}

// StatusConfig holds the local status server.
type StatusConfig struct {
	Port int `yaml:"port"` // 0 disables the server
}

// LogConfig holds logger settings.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text or json
}

// Endpoint returns the REST and GraphQL base, including any path prefix.
func (c APIConfig) Endpoint() string {
	return c.BaseURL + c.PathPrefix
}

// HealthURL returns the liveness endpoint.
func (c APIConfig) HealthURL() string {
	return c.BaseURL + c.PathPrefix + "/sse/health"
}

// StreamURL returns the base of the per-project streaming endpoint.
func (c APIConfig) StreamURL() string {
	return c.BaseURL + c.PathPrefix + "/sse/project"
}
