package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/tasktree/tasktree-sync/internal/auth"
	"github.com/tasktree/tasktree-sync/internal/retry"
)

// fastRetries keeps retry waits short in tests.
var fastRetries = WithRetries(3, time.Millisecond, 5*time.Millisecond)

// TestNewClient tests client construction with various options.
func TestNewClient(t *testing.T) {
	t.Run("default values", func(t *testing.T) {
		c := NewClient("https://tasks.example.com/api/", auth.StaticToken("tok"))

		if c.baseURL != "https://tasks.example.com/api" {
			t.Errorf("baseURL = %q, want %q", c.baseURL, "https://tasks.example.com/api")
		}
		if c.httpClient.Timeout != 30*time.Second {
			t.Errorf("Timeout = %v, want %v", c.httpClient.Timeout, 30*time.Second)
		}
		if c.retry.MaxAttempts != 3 {
			t.Errorf("retry.MaxAttempts = %d, want %d", c.retry.MaxAttempts, 3)
		}
		if c.retry.InitialDelay != time.Second {
			t.Errorf("retry.InitialDelay = %v, want %v", c.retry.InitialDelay, time.Second)
		}
		if c.logger == nil {
			t.Error("logger should not be nil")
		}
	})

	t.Run("with options", func(t *testing.T) {
		logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
		customClient := &http.Client{Timeout: 10 * time.Second}
		c := NewClient("https://tasks.example.com", nil,
			WithHTTPClient(customClient),
			WithTimeout(15*time.Second),
			WithRetries(5, 2*time.Second, 20*time.Second),
			WithLogger(logger),
		)
		if c.httpClient != customClient {
			t.Error("custom HTTP client not set")
		}
		if c.httpClient.Timeout != 15*time.Second {
			t.Errorf("Timeout = %v, want %v", c.httpClient.Timeout, 15*time.Second)
		}
		if c.retry.MaxAttempts != 5 || c.retry.InitialDelay != 2*time.Second || c.retry.MaxDelay != 20*time.Second {
			t.Errorf("retry = %+v, want 5/2s/20s", c.retry)
		}
		if c.logger != logger || c.retry.Logger != logger {
			t.Error("logger not set correctly")
		}
	})
}

// TestAPIError tests the APIError type.
func TestAPIError(t *testing.T) {
	err := &APIError{StatusCode: 404, Message: "Not Found"}
	if got, want := err.Error(), "tasktree api error 404: Not Found"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}

	tests := []struct {
		code     int
		expected bool
	}{
		{500, true},
		{503, true},
		{429, true},
		{400, false},
		{401, false},
		{404, false},
	}
	for _, tt := range tests {
		err := &APIError{StatusCode: tt.code}
		if got := err.IsRetryable(); got != tt.expected {
			t.Errorf("IsRetryable() for status %d = %v, want %v", tt.code, got, tt.expected)
		}
	}
}

// TestDoRequest tests the HTTP request functionality.
func TestDoRequest(t *testing.T) {
	t.Run("headers", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("Accept") != "application/json" {
				t.Errorf("Accept header = %q, want %q", r.Header.Get("Accept"), "application/json")
			}
			if r.Header.Get("Authorization") != "Bearer test-token" {
				t.Errorf("Authorization header = %q, want %q", r.Header.Get("Authorization"), "Bearer test-token")
			}
			w.Write([]byte(`{"status": "ok"}`))
		}))
		defer server.Close()

		c := NewClient(server.URL, auth.StaticToken("test-token"))
		body, err := c.doRequest(context.Background(), http.MethodGet, "/test", nil, nil)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if string(body) != `{"status": "ok"}` {
			t.Errorf("body = %q, want %q", string(body), `{"status": "ok"}`)
		}
	})

	t.Run("no credential", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("Authorization") != "" {
				t.Errorf("Authorization header should be empty, got %q", r.Header.Get("Authorization"))
			}
			w.Write([]byte(`{}`))
		}))
		defer server.Close()

		c := NewClient(server.URL, auth.StaticToken(""))
		if _, err := c.doRequest(context.Background(), http.MethodGet, "/test", nil, nil); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	})

	t.Run("4xx is not retried", func(t *testing.T) {
		var attempts atomic.Int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			attempts.Add(1)
			w.WriteHeader(http.StatusForbidden)
			w.Write([]byte(`{"error": "course feature disabled"}`))
		}))
		defer server.Close()

		c := NewClient(server.URL, nil, fastRetries)
		_, err := c.doRequest(context.Background(), http.MethodGet, "/test", nil, nil)

		var apiErr *APIError
		if !errors.As(err, &apiErr) {
			t.Fatalf("expected *APIError, got %T (%v)", err, err)
		}
		if apiErr.StatusCode != http.StatusForbidden {
			t.Errorf("StatusCode = %d, want %d", apiErr.StatusCode, http.StatusForbidden)
		}
		if !strings.Contains(string(apiErr.Body), "course feature disabled") {
			t.Errorf("Body = %q, want it to contain the server message", apiErr.Body)
		}
		if attempts.Load() != 1 {
			t.Errorf("attempts = %d, want 1", attempts.Load())
		}
	})

	t.Run("5xx retried then succeeds", func(t *testing.T) {
		var attempts atomic.Int32
		var observed []int
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if attempts.Add(1) < 3 {
				w.WriteHeader(http.StatusBadGateway)
				return
			}
			w.Write([]byte(`{"ok": true}`))
		}))
		defer server.Close()

		c := NewClient(server.URL, nil, fastRetries, WithOnRetry(func(attempt int, _ time.Duration, _ error) {
			observed = append(observed, attempt)
		}))
		body, err := c.doRequest(context.Background(), http.MethodGet, "/test", nil, nil)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if string(body) != `{"ok": true}` {
			t.Errorf("body = %q", body)
		}
		if attempts.Load() != 3 {
			t.Errorf("attempts = %d, want 3", attempts.Load())
		}
		if len(observed) != 2 || observed[0] != 1 || observed[1] != 2 {
			t.Errorf("OnRetry attempts = %v, want [1 2]", observed)
		}
	})

	t.Run("5xx exhausts retries", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		}))
		defer server.Close()

		c := NewClient(server.URL, nil, fastRetries)
		_, err := c.doRequest(context.Background(), http.MethodGet, "/test", nil, nil)
		if !errors.Is(err, retry.ErrAttemptsExhausted) {
			t.Fatalf("error = %v, want ErrAttemptsExhausted", err)
		}
	})

	t.Run("context cancellation", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			time.Sleep(100 * time.Millisecond)
		}))
		defer server.Close()

		c := NewClient(server.URL, nil)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		_, err := c.doRequest(ctx, http.MethodGet, "/test", nil, nil)
		if !errors.Is(err, context.Canceled) {
			t.Errorf("error = %v, want context.Canceled", err)
		}
	})
}

// newBackend serves the REST and GraphQL routes the client uses.
func newBackend(t *testing.T) *httptest.Server {
	t.Helper()
	r := chi.NewRouter()

	r.Get("/api/projects/{projectID}", func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "projectID")
		if id == "missing" {
			http.Error(w, `{"error":"not found"}`, http.StatusNotFound)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"project": map[string]any{"id": id, "name": "Capstone", "courseId": "cs-401"},
		})
	})

	r.Post("/api/graphql", func(w http.ResponseWriter, r *http.Request) {
		var req GraphQLRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode graphql request: %v", err)
		}
		if !strings.Contains(req.Query, "ProjectTree") {
			t.Errorf("unexpected query %q", req.Query)
		}
		switch req.Variables["id"] {
		case "p1":
			w.Write([]byte(`{"data":{"project":{"id":"p1","name":"Capstone","epics":[
				{"id":"e1","title":"Auth","features":[
					{"id":"f1","title":"Login","tasks":[
						{"id":"t1","title":"Form","status":"done","assignees":[{"id":"u1","name":"Ada"}]},
						{"id":"t2","title":"Errors","status":"todo"}
					]},
					{"id":"f2","title":"Logout","tasks":[]}
				]},
				{"id":"e2","title":"Export","features":[]}
			]}}}`))
		case "none":
			w.Write([]byte(`{"data":{"project":null}}`))
		default:
			w.Write([]byte(`{"data":null,"errors":[{"message":"forbidden","path":["project"]}]}`))
		}
	})

	return httptest.NewServer(r)
}

func TestGetProject(t *testing.T) {
	server := newBackend(t)
	defer server.Close()
	c := NewClient(server.URL+"/api", nil, fastRetries)

	p, err := c.GetProject(context.Background(), "p1")
	if err != nil {
		t.Fatalf("GetProject failed: %v", err)
	}
	if p.ID != "p1" || p.Name != "Capstone" || p.CourseID != "cs-401" {
		t.Errorf("project = %+v", p)
	}

	_, err = c.GetProject(context.Background(), "missing")
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusNotFound {
		t.Errorf("error = %v, want 404 APIError", err)
	}
}

func TestGetProjectTree(t *testing.T) {
	server := newBackend(t)
	defer server.Close()
	c := NewClient(server.URL+"/api", nil, fastRetries)

	tree, err := c.GetProjectTree(context.Background(), "p1")
	if err != nil {
		t.Fatalf("GetProjectTree failed: %v", err)
	}
	if tree.ID != "p1" {
		t.Errorf("ID = %q, want p1", tree.ID)
	}

	got := tree.Counts()
	want := TreeCounts{Epics: 2, Features: 2, Tasks: 2, Unassigned: 1}
	if got != want {
		t.Errorf("Counts() = %+v, want %+v", got, want)
	}
	if name := tree.Epics[0].Features[0].Tasks[0].Assignees[0].Name; name != "Ada" {
		t.Errorf("assignee = %q, want Ada", name)
	}
}

func TestGetProjectTree_Errors(t *testing.T) {
	server := newBackend(t)
	defer server.Close()
	c := NewClient(server.URL+"/api", nil, fastRetries)

	_, err := c.GetProjectTree(context.Background(), "other")
	var gqlErrs GraphQLErrors
	if !errors.As(err, &gqlErrs) {
		t.Fatalf("error = %v, want GraphQLErrors", err)
	}
	if gqlErrs.Error() != "graphql: forbidden" {
		t.Errorf("Error() = %q", gqlErrs.Error())
	}

	_, err = c.GetProjectTree(context.Background(), "none")
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != 404 {
		t.Errorf("error = %v, want 404 APIError", err)
	}
}
