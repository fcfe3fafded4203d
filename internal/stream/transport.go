package stream

import (
	"context"
	"errors"
)

// ErrStreamEnded is passed to OnClose when the server ends the stream cleanly.
var ErrStreamEnded = errors.New("stream ended by server")

// Frame is one named message read off a transport. ID is the
// server-assigned event id, empty when the server sends none.
type Frame struct {
	ID    string
	Event string
	Data  []byte
}

// Handler receives transport callbacks. OnOpen fires at most once,
// before any OnMessage. OnClose fires at most once, last, and may
// still fire after Close.
type Handler struct {
	OnOpen    func()
	OnMessage func(Frame)
	OnClose   func(error)
}

// Transport is a live or pending server-push connection.
type Transport interface {
	// Close tears the connection down without waiting for its reader.
	Close() error
}

// Dialer opens transports. Dial must not block on the network and must
// not invoke handler callbacks before it returns.
type Dialer interface {
	Dial(ctx context.Context, url string, h Handler) (Transport, error)
}
