package querycache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

// ErrNotRegistered is returned by Fetch for keys with no active query.
var ErrNotRegistered = errors.New("query not registered")

// Fetcher loads one query result from the backend.
type Fetcher func(ctx context.Context) (any, error)

// Cache holds results for active queries. Safe for concurrent use.
type Cache struct {
	logger      *slog.Logger
	concurrency int
	now         func() time.Time

	mu      sync.Mutex
	entries map[string]*entry

	refetches atomic.Int64
	resets    atomic.Int64
}

// entry is one active query. issued counts fetches started; stored is
// the ticket of the result currently held, so an older fetch finishing
// late never replaces a newer result.
type entry struct {
	fetch     Fetcher
	refs      int
	issued    uint64
	stored    uint64
	result    any
	hasResult bool
	fetchedAt time.Time
	lastErr   error
}

// Option configures a Cache.
type Option func(*Cache)

// WithConcurrency bounds how many fetches RefetchActive runs at once.
func WithConcurrency(n int) Option {
	return func(c *Cache) {
		if n > 0 {
			c.concurrency = n
		}
	}
}

// WithNow sets the time source used for FetchedAt.
func WithNow(now func() time.Time) Option {
	return func(c *Cache) {
		c.now = now
	}
}

// New creates an empty cache.
func New(logger *slog.Logger, opts ...Option) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Cache{
		logger:      logger,
		concurrency: 4,
		now:         time.Now,
		entries:     make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Register marks key active with fetch as its loader. Registering an
// already active key adds a reference and replaces the loader. The
// returned release func drops the reference; the entry is evicted when
// no references remain. Release is idempotent.
func (c *Cache) Register(key string, fetch Fetcher) (release func()) {
	c.mu.Lock()
	e, ok := c.entries[key]
	if !ok {
		e = &entry{}
		c.entries[key] = e
	}
	e.fetch = fetch
	e.refs++
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			if c.entries[key] != e {
				return
			}
			e.refs--
			if e.refs <= 0 {
				delete(c.entries, key)
			}
		})
	}
}

// Get returns the last stored result for key.
func (c *Cache) Get(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok || !e.hasResult {
		return nil, false
	}
	return e.result, true
}

// Fetch runs the loader for key and stores the result.
func (c *Cache) Fetch(ctx context.Context, key string) (any, error) {
	c.mu.Lock()
	e, ok := c.entries[key]
	if !ok {
		c.mu.Unlock()
		return nil, fmt.Errorf("%s: %w", key, ErrNotRegistered)
	}
	e.issued++
	ticket := e.issued
	fetch := e.fetch
	c.mu.Unlock()

	result, err := fetch(ctx)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.entries[key] != e || ticket <= e.stored {
		// Evicted, reset, or overtaken by a newer fetch.
		return result, err
	}
	if err != nil {
		e.lastErr = err
		return nil, err
	}
	e.stored = ticket
	e.result = result
	e.hasResult = true
	e.fetchedAt = c.now()
	e.lastErr = nil
	return result, nil
}

// RefetchActive re-runs every active query, at most concurrency at a
// time. Every query is attempted; failures are joined.
func (c *Cache) RefetchActive(ctx context.Context) error {
	keys := c.Keys()
	if len(keys) == 0 {
		return nil
	}
	c.refetches.Add(1)

	var (
		mu   sync.Mutex
		errs []error
	)
	g := new(errgroup.Group)
	g.SetLimit(c.concurrency)
	for _, key := range keys {
		key := key
		g.Go(func() error {
			if _, err := c.Fetch(ctx, key); err != nil && !errors.Is(err, ErrNotRegistered) {
				mu.Lock()
				errs = append(errs, fmt.Errorf("refetch %s: %w", key, err))
				mu.Unlock()
			}
			return nil
		})
	}
	g.Wait()

	if len(errs) > 0 {
		c.logger.Warn("refetch incomplete", "queries", len(keys), "failed", len(errs))
		return errors.Join(errs...)
	}
	c.logger.Debug("refetched active queries", "queries", len(keys))
	return nil
}

// Reset drops every stored result, discards fetches still in flight,
// and refetches the active queries.
func (c *Cache) Reset(ctx context.Context) error {
	c.mu.Lock()
	for _, e := range c.entries {
		e.stored = e.issued
		e.result = nil
		e.hasResult = false
		e.fetchedAt = time.Time{}
		e.lastErr = nil
	}
	n := len(c.entries)
	c.mu.Unlock()

	c.resets.Add(1)
	c.logger.Info("query cache reset", "active_queries", n)
	return c.RefetchActive(ctx)
}

// Keys returns the active query keys in sorted order.
func (c *Cache) Keys() []string {
	c.mu.Lock()
	keys := make([]string, 0, len(c.entries))
	for k := range c.entries {
		keys = append(keys, k)
	}
	c.mu.Unlock()
	sort.Strings(keys)
	return keys
}

// Stats describes the cache.
type Stats struct {
	ActiveQueries int   `json:"active_queries"`
	CachedResults int   `json:"cached_results"`
	Refetches     int64 `json:"refetches"`
	Resets        int64 `json:"resets"`
}

// Stats returns current counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := Stats{
		ActiveQueries: len(c.entries),
		Refetches:     c.refetches.Load(),
		Resets:        c.resets.Load(),
	}
	for _, e := range c.entries {
		if e.hasResult {
			s.CachedResults++
		}
	}
	return s
}

// QueryState describes one active query.
type QueryState struct {
	Key       string    `json:"key"`
	Refs      int       `json:"refs"`
	Cached    bool      `json:"cached"`
	FetchedAt time.Time `json:"fetched_at,omitzero"`
	LastError string    `json:"last_error,omitempty"`
}

// Queries returns the state of every active query, sorted by key.
func (c *Cache) Queries() []QueryState {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]QueryState, 0, len(c.entries))
	for k, e := range c.entries {
		qs := QueryState{Key: k, Refs: e.refs, Cached: e.hasResult, FetchedAt: e.fetchedAt}
		if e.lastErr != nil {
			qs.LastError = e.lastErr.Error()
		}
		out = append(out, qs)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}
