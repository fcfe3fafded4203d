// Package auth provides the bearer credential used for backend requests
// and the streaming endpoint's token query parameter.
package auth

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
)

// ErrNoCredential is returned when neither a token nor a token file is configured.
var ErrNoCredential = errors.New("no credential configured")

// TokenSource supplies the current credential. ok is false when the
// caller is not authenticated.
type TokenSource interface {
	Token() (token string, ok bool)
}

// StaticToken is a fixed credential. The empty string means unauthenticated.
type StaticToken string

// Token returns the token and whether it is non-empty.
func (s StaticToken) Token() (string, bool) {
	return string(s), s != ""
}

// Credentials holds a token that can be swapped at runtime, e.g. after
// a re-login. Safe for concurrent use.
type Credentials struct {
	mu    sync.RWMutex
	token string
}

// LoadCredentials builds Credentials from an inline token, falling back
// to the contents of tokenPath.
func LoadCredentials(token, tokenPath string) (*Credentials, error) {
	if token != "" {
		return &Credentials{token: token}, nil
	}
	if tokenPath == "" {
		return nil, ErrNoCredential
	}

	loaded, err := LoadToken(tokenPath)
	if err != nil {
		return nil, fmt.Errorf("load token: %w", err)
	}
	return &Credentials{token: loaded}, nil
}

// LoadToken reads a token file, trimming surrounding whitespace.
func LoadToken(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read token file: %w", err)
	}

	token := strings.TrimSpace(string(data))
	if token == "" {
		return "", fmt.Errorf("token file %s is empty", path)
	}
	return token, nil
}

// Token returns the current token.
func (c *Credentials) Token() (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token, c.token != ""
}

// Set replaces the token. An empty token logs the client out.
func (c *Credentials) Set(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

// AuthorizationHeader returns the Authorization header value, or "" when
// unauthenticated.
func AuthorizationHeader(src TokenSource) string {
	if src == nil {
		return ""
	}
	token, ok := src.Token()
	if !ok {
		return ""
	}
	return "Bearer " + token
}
