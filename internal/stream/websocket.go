package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WebSocketConfig configures WebSocket transports.
type WebSocketConfig struct {
	HandshakeTimeout time.Duration // Upgrade handshake limit
	PingInterval     time.Duration // How often we ping the server
	PingTimeout      time.Duration // Max silence before the connection is stale
	WriteTimeout     time.Duration // Write deadline for control frames
}

// DefaultWebSocketConfig returns sensible defaults.
func DefaultWebSocketConfig() WebSocketConfig {
	return WebSocketConfig{
		HandshakeTimeout: 10 * time.Second,
		PingInterval:     30 * time.Second,
		PingTimeout:      60 * time.Second,
		WriteTimeout:     5 * time.Second,
	}
}

// envelope is the wire format of a WebSocket message.
type envelope struct {
	ID    string          `json:"id,omitempty"`
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// WebSocketDialer opens transports over gorilla/websocket. The stream
// URL's http scheme is rewritten to ws.
type WebSocketDialer struct {
	cfg    WebSocketConfig
	logger *slog.Logger
}

// NewWebSocketDialer creates a dialer.
func NewWebSocketDialer(cfg WebSocketConfig, logger *slog.Logger) *WebSocketDialer {
	d := DefaultWebSocketConfig()
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = d.HandshakeTimeout
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = d.PingInterval
	}
	if cfg.PingTimeout <= 0 {
		cfg.PingTimeout = d.PingTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = d.WriteTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &WebSocketDialer{cfg: cfg, logger: logger}
}

// Dial starts the handshake in the background and returns immediately.
func (d *WebSocketDialer) Dial(ctx context.Context, url string, h Handler) (Transport, error) {
	wsURL, err := toWebSocketURL(url)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(ctx)
	t := &wsTransport{
		cfg:    d.cfg,
		logger: d.logger,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go t.run(ctx, wsURL, h)
	return t, nil
}

func toWebSocketURL(url string) (string, error) {
	switch {
	case strings.HasPrefix(url, "https://"):
		return "wss://" + strings.TrimPrefix(url, "https://"), nil
	case strings.HasPrefix(url, "http://"):
		return "ws://" + strings.TrimPrefix(url, "http://"), nil
	case strings.HasPrefix(url, "ws://"), strings.HasPrefix(url, "wss://"):
		return url, nil
	}
	return "", fmt.Errorf("unsupported stream url scheme: %q", url)
}

type wsTransport struct {
	cfg    WebSocketConfig
	logger *slog.Logger
	cancel context.CancelFunc

	mu      sync.Mutex
	conn    *websocket.Conn
	closed  bool
	done    chan struct{}
	writeMu sync.Mutex
}

// Close sends a close frame if connected and drops the connection.
func (t *wsTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	conn := t.conn
	t.mu.Unlock()

	close(t.done)
	t.cancel()

	if conn == nil {
		return nil
	}
	t.writeMu.Lock()
	conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	t.writeMu.Unlock()
	return conn.Close()
}

func (t *wsTransport) run(ctx context.Context, url string, h Handler) {
	dialer := websocket.Dialer{HandshakeTimeout: t.cfg.HandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, url, http.Header{})
	if err != nil {
		h.OnClose(fmt.Errorf("dial websocket: %w", err))
		return
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		conn.Close()
		h.OnClose(context.Canceled)
		return
	}
	t.conn = conn
	t.mu.Unlock()

	// Any inbound traffic proves liveness.
	extend := func() { conn.SetReadDeadline(time.Now().Add(t.cfg.PingTimeout)) }
	extend()
	conn.SetPingHandler(func(data string) error {
		extend()
		t.writeMu.Lock()
		defer t.writeMu.Unlock()
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(t.cfg.WriteTimeout))
	})
	conn.SetPongHandler(func(string) error {
		extend()
		return nil
	})

	go t.heartbeat(conn)

	h.OnOpen()
	err = t.readLoop(conn, h, extend)
	t.Close()
	h.OnClose(err)
}

func (t *wsTransport) readLoop(conn *websocket.Conn, h Handler, extend func()) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-t.done:
				return context.Canceled
			default:
			}
			var ce *websocket.CloseError
			if errors.As(err, &ce) && ce.Code == websocket.CloseNormalClosure {
				return ErrStreamEnded
			}
			return fmt.Errorf("read websocket: %w", err)
		}
		extend()

		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			t.logger.Warn("dropping malformed websocket envelope", "error", err, "size", len(data))
			continue
		}
		h.OnMessage(Frame{ID: env.ID, Event: env.Event, Data: env.Data})
	}
}

// heartbeat pings the server until the transport closes.
func (t *wsTransport) heartbeat(conn *websocket.Conn) {
	ticker := time.NewTicker(t.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
			t.writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, []byte("keepalive"), time.Now().Add(t.cfg.WriteTimeout))
			t.writeMu.Unlock()
			if err != nil {
				t.logger.Debug("failed to send ping", "error", err)
				return
			}
		}
	}
}
