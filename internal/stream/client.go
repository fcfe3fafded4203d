package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tasktree/tasktree-sync/internal/auth"
	"github.com/tasktree/tasktree-sync/internal/clock"
	"github.com/tasktree/tasktree-sync/internal/retry"
)

// Errors
var (
	ErrClosed   = errors.New("stream client closed")
	ErrEmptyKey = errors.New("empty subscription key")
)

// State is the connection state of one subscription key.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Reconnecting
	PersistentRetry
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	case PersistentRetry:
		return "persistent_retry"
	}
	return "disconnected"
}

// Refetcher re-runs every active query. Satisfied by *querycache.Cache.
type Refetcher interface {
	RefetchActive(ctx context.Context) error
}

// Listener receives events for one key. Listeners run on the
// transport's reader goroutine and should return quickly.
type Listener func(Event)

// Config configures the client.
type Config struct {
	URL                string        // Stream base, e.g. {base}/sse/project
	ConnectTimeout     time.Duration // Limit for a transport to open (default: 15s)
	MaxAttempts        int           // Backoff attempts before persistent retry (default: 10)
	BaseDelay          time.Duration // First backoff delay (default: 3s)
	MaxDelay           time.Duration // Backoff cap (default: 30s)
	PersistentInterval time.Duration // Persistent retry cadence (default: 30s)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		ConnectTimeout:     15 * time.Second,
		MaxAttempts:        10,
		BaseDelay:          3 * time.Second,
		MaxDelay:           30 * time.Second,
		PersistentInterval: 30 * time.Second,
	}
}

// Option configures a Client.
type Option func(*Client)

// WithClock sets the clock used for timers and timestamps.
func WithClock(c clock.Clock) Option {
	return func(cl *Client) { cl.clock = c }
}

// Subscription is a handle returned by Subscribe.
type Subscription struct {
	ID     uuid.UUID
	Key    string
	client *Client
}

// Unsubscribe removes the listener. Safe to call more than once.
func (s *Subscription) Unsubscribe() {
	s.client.unsubscribe(s.Key, s.ID)
}

// SubscriptionStats describes one key.
type SubscriptionStats struct {
	Key           string    `json:"key"`
	State         string    `json:"state"`
	Attempts      int       `json:"attempts"`
	Listeners     int       `json:"listeners"`
	LastConnected time.Time `json:"last_connected,omitzero"`
}

// ClientStats provides statistics about the client.
type ClientStats struct {
	Subscriptions []SubscriptionStats `json:"subscriptions"`
	Connected     int                 `json:"connected"`
	Events        int64               `json:"events"`
	Dropped       int64               `json:"dropped"`
}

// subscription is the whole per-key state. gen identifies the current
// transport; callbacks and timers carrying an older gen are ignored, so
// exactly one teardown runs per transport. Generations come from a
// client-wide counter and are never reused, even across records for
// the same key.
type subscription struct {
	key    string
	logger *slog.Logger

	state     State
	listeners map[uuid.UUID]Listener
	transport Transport
	gen       uint64
	attempts  int

	connectTimer clock.Timer
	retryTimer   clock.Timer

	persistent    clock.Timer
	persistentGen uint64

	lastConnected time.Time
}

// Client multiplexes per-key server-push transports. Construct one per
// session and Close it on teardown.
type Client struct {
	cfg    Config
	dialer Dialer
	tokens auth.TokenSource
	cache  Refetcher
	logger *slog.Logger
	clock  clock.Clock

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	closed  bool
	subs    map[string]*subscription
	lastGen uint64
	events  int64
	dropped int64
}

// NewClient creates a client. cache may be nil. A nil tokens source is
// treated as unauthenticated.
func NewClient(cfg Config, dialer Dialer, tokens auth.TokenSource, cache Refetcher, logger *slog.Logger, opts ...Option) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if tokens == nil {
		tokens = auth.StaticToken("")
	}
	d := DefaultConfig()
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = d.ConnectTimeout
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = d.MaxAttempts
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = d.BaseDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = d.MaxDelay
	}
	if cfg.PersistentInterval <= 0 {
		cfg.PersistentInterval = d.PersistentInterval
	}
	cfg.URL = strings.TrimRight(cfg.URL, "/")

	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		cfg:    cfg,
		dialer: dialer,
		tokens: tokens,
		cache:  cache,
		logger: logger,
		clock:  clock.Real(),
		ctx:    ctx,
		cancel: cancel,
		subs:   make(map[string]*subscription),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Subscribe adds a listener for key, connecting if no transport exists.
func (c *Client) Subscribe(key string, l Listener) (*Subscription, error) {
	if key == "" {
		return nil, ErrEmptyKey
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}

	s, ok := c.subs[key]
	if !ok {
		s = &subscription{
			key:       key,
			logger:    c.logger.With("project", key),
			listeners: make(map[uuid.UUID]Listener),
		}
		c.subs[key] = s
	}

	id := uuid.New()
	s.listeners[id] = l

	var stale []Transport
	if s.state == Disconnected {
		stale = c.connectLocked(s)
	}
	c.mu.Unlock()

	closeTransports(stale)
	return &Subscription{ID: id, Key: key, client: c}, nil
}

func (c *Client) unsubscribe(key string, id uuid.UUID) {
	c.mu.Lock()
	s, ok := c.subs[key]
	if !ok {
		c.mu.Unlock()
		return
	}
	delete(s.listeners, id)

	var stale []Transport
	if len(s.listeners) == 0 {
		stale = c.removeLocked(s)
		s.logger.Info("last listener left, stream closed")
	}
	c.mu.Unlock()

	closeTransports(stale)
}

// Close cancels every timer and closes every transport. Later
// Subscribe calls return ErrClosed.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true

	var stale []Transport
	for _, s := range c.subs {
		stale = append(stale, c.removeLocked(s)...)
	}
	c.mu.Unlock()

	c.cancel()
	closeTransports(stale)
	c.logger.Info("stream client closed", "transports", len(stale))
	return nil
}

// State returns the state of key. Unknown keys are Disconnected.
func (c *Client) State(key string) State {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.subs[key]; ok {
		return s.state
	}
	return Disconnected
}

// Stats returns per-key statistics sorted by key.
func (c *Client) Stats() ClientStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats := ClientStats{Events: c.events, Dropped: c.dropped}
	for _, s := range c.subs {
		if s.state == Connected {
			stats.Connected++
		}
		stats.Subscriptions = append(stats.Subscriptions, SubscriptionStats{
			Key:           s.key,
			State:         s.state.String(),
			Attempts:      s.attempts,
			Listeners:     len(s.listeners),
			LastConnected: s.lastConnected,
		})
	}
	sort.Slice(stats.Subscriptions, func(i, j int) bool {
		return stats.Subscriptions[i].Key < stats.Subscriptions[j].Key
	})
	return stats
}

// connectLocked creates a transport for s. Without a credential it
// leaves s Disconnected and schedules nothing.
func (c *Client) connectLocked(s *subscription) []Transport {
	token, ok := c.tokens.Token()
	if !ok {
		s.state = Disconnected
		s.logger.Warn("no credential, not connecting")
		return nil
	}

	s.gen = c.nextGenLocked()
	gen := s.gen
	s.state = Connecting

	key := s.key
	h := Handler{
		OnOpen:    func() { c.onOpen(key, gen) },
		OnMessage: func(f Frame) { c.onMessage(key, gen, f) },
		OnClose:   func(err error) { c.onClose(key, gen, err) },
	}

	t, err := c.dialer.Dial(c.ctx, c.streamURL(key, token), h)
	if err != nil {
		s.logger.Warn("dial stream failed", "error", err)
		return c.failLocked(s, err)
	}
	s.transport = t
	s.connectTimer = c.clock.AfterFunc(c.cfg.ConnectTimeout, func() {
		c.onClose(key, gen, fmt.Errorf("connect timeout after %s", c.cfg.ConnectTimeout))
	})
	s.logger.Debug("stream connecting", "attempt", s.attempts)
	return nil
}

// nextGenLocked returns a generation never handed out before.
func (c *Client) nextGenLocked() uint64 {
	c.lastGen++
	return c.lastGen
}

func (c *Client) streamURL(key, token string) string {
	return c.cfg.URL + "/" + url.PathEscape(key) + "?token=" + url.QueryEscape(token)
}

// current returns the subscription for key if gen is still its live
// transport. Caller holds c.mu.
func (c *Client) current(key string, gen uint64) (*subscription, bool) {
	s, ok := c.subs[key]
	if !ok || s.gen != gen || s.transport == nil {
		return nil, false
	}
	return s, true
}

func (c *Client) onOpen(key string, gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.current(key, gen)
	if !ok || s.state != Connecting {
		return
	}
	stopTimer(&s.connectTimer)
	c.stopPersistentLocked(s)
	s.state = Connected
	s.attempts = 0
	s.lastConnected = c.clock.Now()
	s.logger.Info("stream connected")
}

// onClose handles transport close, transport error and connect timeout.
// Only the first trigger for a transport generation acts.
func (c *Client) onClose(key string, gen uint64, err error) {
	c.mu.Lock()
	s, ok := c.current(key, gen)
	if !ok {
		c.mu.Unlock()
		return
	}
	s.logger.Warn("stream disconnected", "state", s.state, "error", err)
	stale := c.failLocked(s, err)
	c.mu.Unlock()

	closeTransports(stale)
}

// failLocked tears down the current transport and schedules the next
// attempt if listeners remain.
func (c *Client) failLocked(s *subscription, err error) []Transport {
	stale := c.teardownLocked(s)
	if len(s.listeners) == 0 {
		return append(stale, c.removeLocked(s)...)
	}

	if s.attempts < c.cfg.MaxAttempts {
		delay := retry.Delay(s.attempts, c.cfg.BaseDelay, c.cfg.MaxDelay)
		s.attempts++
		s.state = Reconnecting
		gen := s.gen
		s.retryTimer = c.clock.AfterFunc(delay, func() { c.onRetry(s.key, gen) })
		s.logger.Info("stream reconnect scheduled", "attempt", s.attempts, "delay", delay)
		return stale
	}

	s.state = PersistentRetry
	if s.persistent == nil {
		s.logger.Warn("reconnect attempts exhausted, retrying periodically",
			"attempts", s.attempts,
			"interval", c.cfg.PersistentInterval,
			"error", err,
		)
		c.armPersistentLocked(s)
	}
	return stale
}

// teardownLocked invalidates the current transport and stops its
// connect timer. The transport is returned for closing outside the lock.
func (c *Client) teardownLocked(s *subscription) []Transport {
	s.gen = c.nextGenLocked()
	stopTimer(&s.connectTimer)
	s.state = Disconnected
	if s.transport == nil {
		return nil
	}
	t := s.transport
	s.transport = nil
	return []Transport{t}
}

// removeLocked stops every timer for s and forgets it.
func (c *Client) removeLocked(s *subscription) []Transport {
	stale := c.teardownLocked(s)
	stopTimer(&s.retryTimer)
	c.stopPersistentLocked(s)
	if c.subs[s.key] == s {
		delete(c.subs, s.key)
	}
	return stale
}

func (c *Client) onRetry(key string, gen uint64) {
	c.mu.Lock()
	s, ok := c.subs[key]
	if !ok || s.gen != gen || s.state != Reconnecting {
		c.mu.Unlock()
		return
	}
	s.retryTimer = nil
	stale := c.connectLocked(s)
	c.mu.Unlock()

	closeTransports(stale)
}

func (c *Client) armPersistentLocked(s *subscription) {
	s.persistentGen = c.nextGenLocked()
	pgen := s.persistentGen
	s.persistent = c.clock.AfterFunc(c.cfg.PersistentInterval, func() { c.onPersistent(s.key, pgen) })
}

func (c *Client) stopPersistentLocked(s *subscription) {
	s.persistentGen = c.nextGenLocked()
	stopTimer(&s.persistent)
}

// onPersistent fires every PersistentInterval until a connection opens
// or no listener remains.
func (c *Client) onPersistent(key string, pgen uint64) {
	c.mu.Lock()
	s, ok := c.subs[key]
	if !ok || s.persistentGen != pgen {
		c.mu.Unlock()
		return
	}
	if len(s.listeners) == 0 {
		stale := c.removeLocked(s)
		c.mu.Unlock()
		closeTransports(stale)
		return
	}

	c.armPersistentLocked(s)
	stale := c.teardownLocked(s)
	s.logger.Info("persistent stream retry")
	stale = append(stale, c.connectLocked(s)...)
	if s.state == Disconnected {
		// No credential; leave the record for the next Subscribe.
		c.stopPersistentLocked(s)
	}
	c.mu.Unlock()

	closeTransports(stale)
}

func (c *Client) onMessage(key string, gen uint64, f Frame) {
	c.mu.Lock()
	s, ok := c.current(key, gen)
	if !ok {
		c.mu.Unlock()
		return
	}
	if !EventType(f.Event).Recognized() {
		c.mu.Unlock()
		s.logger.Debug("ignoring unrecognized event", "event", f.Event)
		return
	}
	ev, err := parseEvent(key, f, c.clock.Now())
	if err != nil {
		c.dropped++
		c.mu.Unlock()
		s.logger.Warn("dropping malformed event", "event", f.Event, "error", err)
		return
	}
	c.events++
	listeners := make([]Listener, 0, len(s.listeners))
	for _, l := range s.listeners {
		listeners = append(listeners, l)
	}
	logger := s.logger
	c.mu.Unlock()

	for _, l := range listeners {
		deliver(logger, l, ev)
	}

	if c.cache == nil || !ev.Type.Refetches() {
		return
	}
	if err := c.cache.RefetchActive(c.ctx); err != nil && c.ctx.Err() == nil {
		logger.Warn("refetch after event failed", "event", ev.Type, "error", err)
	}
}

// deliver calls l, recovering a panic so one listener cannot break the
// transport reader.
func deliver(logger *slog.Logger, l Listener, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("stream listener panicked", "event", ev.Type, "panic", r)
		}
	}()
	l(ev)
}

func stopTimer(t *clock.Timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}

func closeTransports(ts []Transport) {
	for _, t := range ts {
		t.Close()
	}
}
