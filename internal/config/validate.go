package config

import (
	"errors"
	"fmt"
	"net/url"
)

// Validate checks that all required fields are set and values are valid.
func (c *SyncConfig) Validate() error {
	u, err := url.Parse(c.API.BaseURL)
	if err != nil || u.Host == "" {
		return fmt.Errorf("api.base_url must be an absolute URL, got %q", c.API.BaseURL)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("api.base_url scheme must be http or https, got %q", u.Scheme)
	}
	if c.API.MaxRetries < 1 {
		return errors.New("api.max_retries must be >= 1")
	}
	if c.API.RetryInitialDelay > c.API.RetryMaxDelay {
		return fmt.Errorf("api.retry_initial_delay (%s) cannot exceed retry_max_delay (%s)",
			c.API.RetryInitialDelay, c.API.RetryMaxDelay)
	}

	if c.Health.ConnectedInterval <= 0 || c.Health.DisconnectedInterval <= 0 {
		return errors.New("health intervals must be positive")
	}
	if c.Health.Timeout <= 0 {
		return errors.New("health.timeout must be positive")
	}

	switch c.Stream.Transport {
	case TransportSSE, TransportWebSocket:
	default:
		return fmt.Errorf("stream.transport must be %q or %q, got %q", TransportSSE, TransportWebSocket, c.Stream.Transport)
	}
	if c.Stream.MaxAttempts < 1 {
		return errors.New("stream.max_attempts must be >= 1")
	}
	if c.Stream.ConnectTimeout <= 0 || c.Stream.BaseDelay <= 0 || c.Stream.PersistentInterval <= 0 {
		return errors.New("stream durations must be positive")
	}
	if c.Stream.BaseDelay > c.Stream.MaxDelay {
		return fmt.Errorf("stream.base_delay (%s) cannot exceed max_delay (%s)", c.Stream.BaseDelay, c.Stream.MaxDelay)
	}

	if c.Cache.Concurrency < 1 {
		return errors.New("cache.concurrency must be >= 1")
	}

	if c.Poller.Enabled {
		if c.Poller.Interval <= 0 || c.Poller.Timeout <= 0 {
			return errors.New("poller durations must be positive")
		}
		if c.Poller.Concurrency < 1 {
			return errors.New("poller.concurrency must be >= 1")
		}
	}

	if c.Journal.Enabled {
		if err := c.Journal.Database.validate("journal.database"); err != nil {
			return err
		}
		if c.Journal.BatchSize < 1 {
			return errors.New("journal.batch_size must be >= 1")
		}
		if c.Journal.BufferSize < 1 {
			return errors.New("journal.buffer_size must be >= 1")
		}
	}

	if c.Status.Port < 0 || c.Status.Port > 65535 {
		return fmt.Errorf("status.port must be between 0 and 65535, got %d", c.Status.Port)
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be one of debug, info, warn, error, got %q", c.Log.Level)
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		return fmt.Errorf("log.format must be text or json, got %q", c.Log.Format)
	}

	return nil
}

func (db *DBConfig) validate(prefix string) error {
	if db.Host == "" {
		return fmt.Errorf("%s.host is required", prefix)
	}
	if db.Name == "" {
		return fmt.Errorf("%s.name is required", prefix)
	}
	if db.User == "" {
		return fmt.Errorf("%s.user is required", prefix)
	}
	if db.Password == "" {
		return fmt.Errorf("%s.password is required", prefix)
	}
	if db.MaxConns < 1 {
		return fmt.Errorf("%s.max_conns must be >= 1", prefix)
	}
	if db.MinConns < 0 {
		return fmt.Errorf("%s.min_conns must be >= 0", prefix)
	}
	if db.MinConns > db.MaxConns {
		return fmt.Errorf("%s.min_conns (%d) cannot exceed max_conns (%d)", prefix, db.MinConns, db.MaxConns)
	}
	return nil
}
