package poller

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tasktree/tasktree-sync/internal/stream"
)

// QueryFetcher refetches one cached query. Satisfied by *querycache.Cache.
type QueryFetcher interface {
	Fetch(ctx context.Context, key string) (any, error)
}

// StreamStates reports per-project stream state. Satisfied by *stream.Client.
type StreamStates interface {
	State(key string) stream.State
}

// Config holds poller configuration.
type Config struct {
	Interval    time.Duration // Poll interval (default: 5m)
	Concurrency int           // Max concurrent fetches (default: 4)
	Timeout     time.Duration // Per-fetch timeout (default: 30s)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Interval:    5 * time.Minute,
		Concurrency: 4,
		Timeout:     30 * time.Second,
	}
}

// Stats summarises poll activity.
type Stats struct {
	Cycles  int64
	Fetched int64
	Skipped int64
	Errors  int64
}

// Poller refreshes queries for projects whose stream is down.
type Poller struct {
	cfg     Config
	cache   QueryFetcher
	streams StreamStates
	logger  *slog.Logger

	mu      sync.Mutex
	watched map[string]string // project id → query key

	cycles, fetched, skipped, errors atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a new Poller.
func New(cfg Config, cache QueryFetcher, streams StreamStates, logger *slog.Logger) *Poller {
	if logger == nil {
		logger = slog.Default()
	}
	d := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = d.Interval
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = d.Concurrency
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = d.Timeout
	}
	return &Poller{
		cfg:     cfg,
		cache:   cache,
		streams: streams,
		logger:  logger,
		watched: make(map[string]string),
	}
}

// Watch registers queryKey to be refreshed while projectID's stream is down.
func (p *Poller) Watch(projectID, queryKey string) {
	p.mu.Lock()
	p.watched[projectID] = queryKey
	p.mu.Unlock()
}

// Unwatch stops refreshing projectID.
func (p *Poller) Unwatch(projectID string) {
	p.mu.Lock()
	delete(p.watched, projectID)
	p.mu.Unlock()
}

// Start begins the polling loop.
func (p *Poller) Start(ctx context.Context) error {
	p.ctx, p.cancel = context.WithCancel(ctx)

	p.wg.Add(1)
	go p.run()

	p.logger.Info("fallback poller started",
		"interval", p.cfg.Interval,
		"concurrency", p.cfg.Concurrency,
	)
	return nil
}

// Stop gracefully shuts down the poller.
func (p *Poller) Stop(ctx context.Context) error {
	if p.cancel != nil {
		p.cancel()
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("fallback poller stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats returns poll counters.
func (p *Poller) Stats() Stats {
	return Stats{
		Cycles:  p.cycles.Load(),
		Fetched: p.fetched.Load(),
		Skipped: p.skipped.Load(),
		Errors:  p.errors.Load(),
	}
}

func (p *Poller) run() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.pollAll()
		}
	}
}

// pollAll refetches every watched project without a connected stream.
func (p *Poller) pollAll() {
	start := time.Now()
	p.cycles.Add(1)

	p.mu.Lock()
	projects := make([]string, 0, len(p.watched))
	for id := range p.watched {
		projects = append(projects, id)
	}
	keys := make(map[string]string, len(p.watched))
	for id, key := range p.watched {
		keys[id] = key
	}
	p.mu.Unlock()
	sort.Strings(projects)

	var stale []string
	for _, id := range projects {
		if p.streams.State(id) == stream.Connected {
			p.skipped.Add(1)
			continue
		}
		stale = append(stale, id)
	}
	if len(stale) == 0 {
		p.logger.Debug("all streams connected, nothing to poll")
		return
	}

	// Semaphore for bounded concurrency.
	sem := make(chan struct{}, p.cfg.Concurrency)
	var wg sync.WaitGroup
	var fetched, failed atomic.Int64

	for _, id := range stale {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()

			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-p.ctx.Done():
				return
			}

			if err := p.pollProject(keys[id]); err != nil {
				p.logger.Warn("failed to poll project", "project", id, "error", err)
				failed.Add(1)
				return
			}
			fetched.Add(1)
		}(id)
	}
	wg.Wait()

	p.fetched.Add(fetched.Load())
	p.errors.Add(failed.Load())

	p.logger.Info("poll cycle complete",
		"projects", len(stale),
		"fetched", fetched.Load(),
		"errors", failed.Load(),
		"duration", time.Since(start),
	)
}

func (p *Poller) pollProject(queryKey string) error {
	ctx, cancel := context.WithTimeout(p.ctx, p.cfg.Timeout)
	defer cancel()

	_, err := p.cache.Fetch(ctx, queryKey)
	return err
}
