package graph

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
)

// tokenServer issues "token-N" with the given lifetime and counts requests.
func tokenServer(t *testing.T, expiresIn int) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"access_token": fmt.Sprintf("token-%d", n),
			"token_type":   "Bearer",
			"expires_in":   expiresIn,
		})
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func TestCredentials_ClientCredentialsForm(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Errorf("failed to parse form: %v", err)
		}
		for k, v := range map[string]string{
			"grant_type":    "client_credentials",
			"client_id":     "cid",
			"client_secret": "csecret",
			"scope":         graphScope,
		} {
			if got := r.PostForm.Get(k); got != v {
				t.Errorf("%s: got %q, want %q", k, got, v)
			}
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"abc","token_type":"Bearer","expires_in":3600}`))
	}))
	defer srv.Close()

	token, err := newCredentials(srv.URL, "cid", "csecret", srv.Client()).Token()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if token != "abc" {
		t.Errorf("token: got %q, want %q", token, "abc")
	}
}

func TestCredentials_Caching(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		expiresIn int
		wantCalls int32
	}{
		{"long-lived token is reused", 3600, 1},
		// Lifetimes inside the renewal buffer are never reused.
		{"token inside renewal buffer is refetched", 60, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			srv, calls := tokenServer(t, tt.expiresIn)
			c := newCredentials(srv.URL, "cid", "csecret", srv.Client())
			for i := 0; i < 3; i++ {
				if _, err := c.Token(); err != nil {
					t.Fatalf("call %d: %v", i, err)
				}
			}
			if got := calls.Load(); got != tt.wantCalls {
				t.Errorf("token requests: got %d, want %d", got, tt.wantCalls)
			}
		})
	}
}

func TestCredentials_Refresh(t *testing.T) {
	t.Parallel()

	srv, calls := tokenServer(t, 3600)
	c := newCredentials(srv.URL, "cid", "csecret", srv.Client())

	if _, err := c.Token(); err != nil {
		t.Fatalf("first call: %v", err)
	}
	token, err := c.Refresh()
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if token != "token-2" || calls.Load() != 2 {
		t.Errorf("refresh: token %q, calls %d", token, calls.Load())
	}
	if again, _ := c.Token(); again != "token-2" {
		t.Errorf("refreshed token should be cached, got %q", again)
	}
}

func TestCredentials_ConcurrentAccess(t *testing.T) {
	t.Parallel()

	srv, calls := tokenServer(t, 3600)
	c := newCredentials(srv.URL, "cid", "csecret", srv.Client())

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if token, err := c.Token(); err != nil || token != "token-1" {
				t.Errorf("got %q, %v", token, err)
			}
		}()
	}
	wg.Wait()

	if calls.Load() != 1 {
		t.Errorf("token requests: got %d, want 1", calls.Load())
	}
}

func TestCredentials_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		handler http.HandlerFunc
		want    string
	}{
		{
			name: "oauth error",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				w.Write([]byte(`{"error":"invalid_client","error_description":"secret csecret expired"}`))
			},
			want: "token endpoint returned HTTP 401 (invalid_client)",
		},
		{
			name: "server error",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusInternalServerError)
			},
			want: "token endpoint returned HTTP 500",
		},
		{
			name: "missing token",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.Write([]byte(`{"token_type":"Bearer","expires_in":3600}`))
			},
			want: "failed to acquire token",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()

			_, err := newCredentials(srv.URL, "cid", "csecret", srv.Client()).Token()
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if !strings.HasPrefix(err.Error(), tt.want) {
				t.Errorf("error: got %q, want prefix %q", err.Error(), tt.want)
			}
			if strings.Contains(err.Error(), "csecret") {
				t.Error("error must not echo the token response body")
			}
		})
	}
}
