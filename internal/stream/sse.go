package stream

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
)

// SSEDialer opens text/event-stream transports.
type SSEDialer struct {
	client *http.Client
	logger *slog.Logger
}

// NewSSEDialer creates a dialer. hc must not set a Timeout, which would
// cut long-lived streams; nil uses a fresh client.
func NewSSEDialer(hc *http.Client, logger *slog.Logger) *SSEDialer {
	if hc == nil {
		hc = &http.Client{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SSEDialer{client: hc, logger: logger}
}

// Dial starts the request in the background and returns immediately.
func (d *SSEDialer) Dial(ctx context.Context, url string, h Handler) (Transport, error) {
	ctx, cancel := context.WithCancel(ctx)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("build stream request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	t := &sseTransport{cancel: cancel}
	go t.run(d.client, req, h, d.logger)
	return t, nil
}

type sseTransport struct {
	cancel context.CancelFunc
	once   sync.Once
}

// Close cancels the request, which unblocks the reader.
func (t *sseTransport) Close() error {
	t.once.Do(t.cancel)
	return nil
}

func (t *sseTransport) run(hc *http.Client, req *http.Request, h Handler, logger *slog.Logger) {
	defer t.Close()

	resp, err := hc.Do(req)
	if err != nil {
		h.OnClose(fmt.Errorf("open stream: %w", err))
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		h.OnClose(fmt.Errorf("open stream: unexpected status %d", resp.StatusCode))
		return
	}

	h.OnOpen()

	scanner := newSSEScanner(resp.Body)
	for scanner.Next() {
		h.OnMessage(scanner.Frame())
	}
	if err := scanner.Err(); err != nil {
		logger.Debug("sse stream read failed", "error", err)
		h.OnClose(fmt.Errorf("read stream: %w", err))
		return
	}
	h.OnClose(ErrStreamEnded)
}
