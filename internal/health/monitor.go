package health

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/tasktree/tasktree-sync/internal/clock"
)

// CacheResetter drops cached query results. Called on recovery.
type CacheResetter interface {
	Reset(ctx context.Context) error
}

// Transition is a change in backend liveness.
type Transition int

const (
	// Lost means the backend stopped answering.
	Lost Transition = iota
	// Recovered means the backend answers again.
	Recovered
)

func (t Transition) String() string {
	if t == Recovered {
		return "recovered"
	}
	return "lost"
}

// Config holds monitor configuration.
type Config struct {
	URL                  string        // Liveness endpoint, e.g. {base}/sse/health
	ConnectedInterval    time.Duration // Poll interval while up (default: 30s)
	DisconnectedInterval time.Duration // Poll interval while down (default: 5s)
	Timeout              time.Duration // Per-check timeout (default: 5s)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		ConnectedInterval:    30 * time.Second,
		DisconnectedInterval: 5 * time.Second,
		Timeout:              5 * time.Second,
	}
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithClock sets the clock used to schedule checks.
func WithClock(c clock.Clock) Option {
	return func(m *Monitor) { m.clock = c }
}

// WithHTTPClient sets the client used for checks.
func WithHTTPClient(hc *http.Client) Option {
	return func(m *Monitor) { m.httpClient = hc }
}

// WithNotifier registers a callback for liveness transitions.
func WithNotifier(fn func(Transition)) Option {
	return func(m *Monitor) { m.notify = fn }
}

// Monitor tracks backend liveness.
type Monitor struct {
	cfg        Config
	cache      CacheResetter
	logger     *slog.Logger
	clock      clock.Clock
	httpClient *http.Client
	notify     func(Transition)

	mu        sync.Mutex
	running   bool
	gen       uint64 // bumped on every Start and Stop; stale checks compare against it
	connected bool
	lastCheck time.Time
	timer     clock.Timer
	ctx       context.Context
	cancel    context.CancelFunc
}

// NewMonitor creates a stopped Monitor. cache may be nil.
func NewMonitor(cfg Config, cache CacheResetter, logger *slog.Logger, opts ...Option) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	d := DefaultConfig()
	if cfg.ConnectedInterval <= 0 {
		cfg.ConnectedInterval = d.ConnectedInterval
	}
	if cfg.DisconnectedInterval <= 0 {
		cfg.DisconnectedInterval = d.DisconnectedInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = d.Timeout
	}

	m := &Monitor{
		cfg:        cfg,
		cache:      cache,
		logger:     logger,
		clock:      clock.Real(),
		httpClient: &http.Client{},
		connected:  true,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start performs one check immediately and keeps polling until Stop.
// Starting a running monitor is a no-op.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = true
	m.gen++
	gen := m.gen
	m.ctx, m.cancel = context.WithCancel(ctx)
	m.mu.Unlock()

	m.logger.Info("connection monitor started",
		"url", m.cfg.URL,
		"connected_interval", m.cfg.ConnectedInterval,
		"disconnected_interval", m.cfg.DisconnectedInterval,
	)

	go m.runCheck(gen)
	return nil
}

// Stop cancels the pending check. A check already in flight finishes
// without rescheduling. Stopping a stopped monitor is a no-op.
func (m *Monitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running {
		return
	}
	m.running = false
	m.gen++
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.cancel()
	m.logger.Info("connection monitor stopped")
}

// IsConnected reports the result of the last check.
func (m *Monitor) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

// LastCheck returns when the last check completed.
func (m *Monitor) LastCheck() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastCheck
}

// Running reports whether the monitor is started.
func (m *Monitor) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// runCheck performs one check and arms the next one.
func (m *Monitor) runCheck(gen uint64) {
	m.mu.Lock()
	if !m.running || gen != m.gen {
		m.mu.Unlock()
		return
	}
	ctx := m.ctx
	m.mu.Unlock()

	up := m.check(ctx)

	m.mu.Lock()
	if !m.running || gen != m.gen {
		m.mu.Unlock()
		return
	}
	was := m.connected
	m.connected = up
	m.lastCheck = m.clock.Now()

	interval := m.cfg.ConnectedInterval
	if !up {
		interval = m.cfg.DisconnectedInterval
	}
	m.timer = m.clock.AfterFunc(interval, func() { m.runCheck(gen) })
	m.mu.Unlock()

	switch {
	case was && !up:
		m.logger.Warn("backend connection lost, polling faster", "interval", interval)
		m.emit(Lost)
	case !was && up:
		m.logger.Info("backend connection recovered, resetting cache", "interval", interval)
		if m.cache != nil {
			if err := m.cache.Reset(ctx); err != nil {
				m.logger.Warn("cache reset after recovery failed", "error", err)
			}
		}
		m.emit(Recovered)
	}
}

func (m *Monitor) emit(t Transition) {
	if m.notify != nil {
		m.notify(t)
	}
}

// check reports whether the backend answered below 500 within the timeout.
func (m *Monitor) check(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.cfg.URL, nil)
	if err != nil {
		m.logger.Error("build health request", "error", err)
		return false
	}

	resp, err := m.httpClient.Do(req)
	if err != nil {
		m.logger.Debug("health check failed", "error", err)
		return false
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	if resp.StatusCode >= 500 {
		m.logger.Debug("health check server error", "status", resp.StatusCode)
		return false
	}
	return true
}
