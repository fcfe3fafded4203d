package auth

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestStaticToken(t *testing.T) {
	if tok, ok := StaticToken("abc").Token(); !ok || tok != "abc" {
		t.Errorf("Token() = %q, %v, want %q, true", tok, ok, "abc")
	}
	if _, ok := StaticToken("").Token(); ok {
		t.Error("empty StaticToken reported ok")
	}
}

func TestLoadCredentials_Inline(t *testing.T) {
	creds, err := LoadCredentials("inline-token", "/does/not/matter")
	if err != nil {
		t.Fatalf("LoadCredentials failed: %v", err)
	}

	tok, ok := creds.Token()
	if !ok || tok != "inline-token" {
		t.Errorf("Token() = %q, %v, want %q, true", tok, ok, "inline-token")
	}
}

func TestLoadCredentials_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token")
	if err := os.WriteFile(path, []byte("  file-token\n"), 0600); err != nil {
		t.Fatalf("write token: %v", err)
	}

	creds, err := LoadCredentials("", path)
	if err != nil {
		t.Fatalf("LoadCredentials failed: %v", err)
	}

	if tok, _ := creds.Token(); tok != "file-token" {
		t.Errorf("Token() = %q, want %q", tok, "file-token")
	}
}

func TestLoadCredentials_Errors(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(t *testing.T) string
		wantErr string
	}{
		{
			name:    "nothing configured",
			setup:   func(t *testing.T) string { return "" },
			wantErr: "no credential configured",
		},
		{
			name:    "missing file",
			setup:   func(t *testing.T) string { return filepath.Join(t.TempDir(), "absent") },
			wantErr: "read token file",
		},
		{
			name: "empty file",
			setup: func(t *testing.T) string {
				path := filepath.Join(t.TempDir(), "empty")
				if err := os.WriteFile(path, []byte("\n"), 0600); err != nil {
					t.Fatalf("write token: %v", err)
				}
				return path
			},
			wantErr: "is empty",
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadCredentials("", tt.setup(t))
			if err == nil {
				t.Fatalf("expected error containing %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %q, want it to contain %q", err.Error(), tt.wantErr)
			}
		})
	}

	if _, err := LoadCredentials("", ""); !errors.Is(err, ErrNoCredential) {
		t.Errorf("error = %v, want ErrNoCredential", err)
	}
}

func TestCredentials_Set(t *testing.T) {
	creds := &Credentials{}
	if _, ok := creds.Token(); ok {
		t.Fatal("zero Credentials reported ok")
	}

	creds.Set("rotated")
	if tok, ok := creds.Token(); !ok || tok != "rotated" {
		t.Errorf("Token() = %q, %v, want %q, true", tok, ok, "rotated")
	}

	creds.Set("")
	if _, ok := creds.Token(); ok {
		t.Error("Token() ok after logout")
	}
}

func TestAuthorizationHeader(t *testing.T) {
	if got := AuthorizationHeader(StaticToken("abc")); got != "Bearer abc" {
		t.Errorf("AuthorizationHeader = %q, want %q", got, "Bearer abc")
	}
	if got := AuthorizationHeader(StaticToken("")); got != "" {
		t.Errorf("AuthorizationHeader = %q, want empty", got)
	}
	if got := AuthorizationHeader(nil); got != "" {
		t.Errorf("AuthorizationHeader(nil) = %q, want empty", got)
	}
}
