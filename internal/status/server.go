package status

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/tasktree/tasktree-sync/internal/querycache"
	"github.com/tasktree/tasktree-sync/internal/stream"
	"github.com/tasktree/tasktree-sync/internal/version"
)

// Liveness is satisfied by *health.Monitor.
type Liveness interface {
	IsConnected() bool
	LastCheck() time.Time
}

// StreamStats is satisfied by *stream.Client.
type StreamStats interface {
	Stats() stream.ClientStats
}

// CacheStats is satisfied by *querycache.Cache.
type CacheStats interface {
	Stats() querycache.Stats
	Queries() []querycache.QueryState
}

// Sources are the components reported on. Extras are optional named
// stat providers, e.g. the journal and poller.
type Sources struct {
	Health  Liveness
	Streams StreamStats
	Cache   CacheStats
	Extras  map[string]func() any
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status           string       `json:"status"`
	BackendConnected bool         `json:"backend_connected"`
	LastCheck        time.Time    `json:"last_check,omitzero"`
	StreamsConnected int          `json:"streams_connected"`
	Streams          int          `json:"streams"`
	Build            version.Info `json:"build"`
}

// SubscriptionsResponse is the body of GET /debug/subscriptions.
type SubscriptionsResponse struct {
	Stream  stream.ClientStats      `json:"stream"`
	Cache   querycache.Stats        `json:"cache"`
	Queries []querycache.QueryState `json:"queries"`
	Extras  map[string]any          `json:"extras,omitempty"`
}

// NewRouter creates the chi router with the status routes.
func NewRouter(src Sources, logger *slog.Logger) *chi.Mux {
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(requestLogger(logger))
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		resp := HealthResponse{
			Status:           "ok",
			BackendConnected: src.Health.IsConnected(),
			LastCheck:        src.Health.LastCheck(),
			Build:            version.Get(),
		}
		st := src.Streams.Stats()
		resp.Streams = len(st.Subscriptions)
		resp.StreamsConnected = st.Connected

		code := http.StatusOK
		if !resp.BackendConnected {
			resp.Status = "degraded"
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, resp)
	})

	r.Get("/debug/subscriptions", func(w http.ResponseWriter, _ *http.Request) {
		resp := SubscriptionsResponse{
			Stream:  src.Streams.Stats(),
			Cache:   src.Cache.Stats(),
			Queries: src.Cache.Queries(),
		}
		if len(src.Extras) > 0 {
			resp.Extras = make(map[string]any, len(src.Extras))
			for name, fn := range src.Extras {
				resp.Extras[name] = fn()
			}
		}
		writeJSON(w, http.StatusOK, resp)
	})

	return r
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// requestLogger logs each request at debug level.
func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			logger.Debug("status request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"request_id", middleware.GetReqID(r.Context()),
				"duration_ms", time.Since(start).Milliseconds(),
			)
		})
	}
}

// Server runs the status router until its context ends.
type Server struct {
	srv    *http.Server
	logger *slog.Logger
}

// NewServer creates a server listening on port.
func NewServer(port int, src Sources, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		srv: &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           NewRouter(src, logger),
			ReadHeaderTimeout: 5 * time.Second,
		},
		logger: logger,
	}
}

// Run listens and serves until ctx is cancelled, then shuts down.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return fmt.Errorf("listen status server: %w", err)
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("status server listening", "addr", ln.Addr().String())
		errCh <- s.srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve status: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown status server: %w", err)
	}
	s.logger.Info("status server stopped")
	return nil
}
