package api

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

// TestNewClient tests client construction with various options.
func TestNewClient(t *testing.T) {
	t.Run("default values", func(t *testing.T) {
		c := NewClient("http://ha.local:8123/api/", "test-token")

		if c.baseURL != "http://ha.local:8123/api" {
			t.Errorf("baseURL = %q, want trailing slash trimmed", c.baseURL)
		}
		if c.token != "test-token" {
			t.Errorf("token = %q, want %q", c.token, "test-token")
		}
		if c.httpClient.Timeout != 30*time.Second {
			t.Errorf("Timeout = %v, want %v", c.httpClient.Timeout, 30*time.Second)
		}
		if c.maxRetries != 3 {
			t.Errorf("maxRetries = %d, want %d", c.maxRetries, 3)
		}
		if c.retryBackoff != time.Second {
			t.Errorf("retryBackoff = %v, want %v", c.retryBackoff, time.Second)
		}
		if c.logger == nil {
			t.Error("logger should not be nil")
		}
	})

	t.Run("with options", func(t *testing.T) {
		logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
		c := NewClient("http://ha.local/api", "token",
			WithTimeout(15*time.Second),
			WithRetries(10, 500*time.Millisecond),
			WithLogger(logger),
		)
		if c.httpClient.Timeout != 15*time.Second {
			t.Errorf("Timeout = %v, want %v", c.httpClient.Timeout, 15*time.Second)
		}
		if c.maxRetries != 10 || c.retryBackoff != 500*time.Millisecond {
			t.Errorf("retries = %d/%v", c.maxRetries, c.retryBackoff)
		}
		if c.logger != logger {
			t.Error("logger not set correctly")
		}
	})

	t.Run("with custom HTTP client", func(t *testing.T) {
		customClient := &http.Client{Timeout: 10 * time.Second}
		c := NewClient("http://ha.local/api", "", WithHTTPClient(customClient))
		if c.httpClient != customClient {
			t.Error("custom HTTP client not set")
		}
	})

	t.Run("with TLS config", func(t *testing.T) {
		c := NewClient("https://ha.local/api", "", WithTLSConfig(&tls.Config{InsecureSkipVerify: true}))
		transport, ok := c.httpClient.Transport.(*http.Transport)
		if !ok || transport.TLSClientConfig == nil || !transport.TLSClientConfig.InsecureSkipVerify {
			t.Error("TLS config not applied")
		}

		plain := NewClient("http://ha.local/api", "", WithTLSConfig(nil))
		if plain.httpClient.Transport != nil {
			t.Error("nil TLS config should leave the default transport")
		}
	})
}

// TestAPIError tests the APIError type.
func TestAPIError(t *testing.T) {
	err := &APIError{StatusCode: 404, Message: "Not Found"}
	if got := err.Error(); got != "home assistant api error 404: Not Found" {
		t.Errorf("Error() = %q", got)
	}

	tests := []struct {
		code         int
		retryable    bool
		unauthorized bool
		notFound     bool
	}{
		{400, false, false, false},
		{401, false, true, false},
		{403, false, true, false},
		{404, false, false, true},
		{429, true, false, false},
		{500, true, false, false},
		{503, true, false, false},
	}
	for _, tt := range tests {
		e := &APIError{StatusCode: tt.code}
		if e.IsRetryable() != tt.retryable {
			t.Errorf("IsRetryable(%d) = %v, want %v", tt.code, e.IsRetryable(), tt.retryable)
		}
		if e.IsUnauthorized() != tt.unauthorized {
			t.Errorf("IsUnauthorized(%d) = %v, want %v", tt.code, e.IsUnauthorized(), tt.unauthorized)
		}
		if e.IsNotFound() != tt.notFound {
			t.Errorf("IsNotFound(%d) = %v, want %v", tt.code, e.IsNotFound(), tt.notFound)
		}
	}
}

// TestDoRequest tests the HTTP request functionality.
func TestDoRequest(t *testing.T) {
	t.Run("successful request", func(t *testing.T) {
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

		c := NewClient(server.URL, "test-token")
		body, err := c.doRequest(context.Background(), http.MethodGet, "/test", nil)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if string(body) != `{"status": "ok"}` {
			t.Errorf("body = %q", string(body))
		}
	})

	t.Run("request without token", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("Authorization") != "" {
				t.Errorf("Authorization header should be empty, got %q", r.Header.Get("Authorization"))
			}
			w.Write([]byte(`{}`))
		}))
		defer server.Close()

		c := NewClient(server.URL, "")
		if _, err := c.doRequest(context.Background(), http.MethodGet, "/test", nil); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	})

	t.Run("request with body", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("Content-Type") != "application/json" {
				t.Errorf("Content-Type = %q", r.Header.Get("Content-Type"))
			}
			body, _ := io.ReadAll(r.Body)
			if string(body) != `{"a":1}` {
				t.Errorf("body = %q", body)
			}
			w.Write([]byte(`[]`))
		}))
		defer server.Close()

		c := NewClient(server.URL, "token")
		if _, err := c.doRequest(context.Background(), http.MethodPost, "/test", []byte(`{"a":1}`)); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	})

	t.Run("4xx error returns APIError", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte(`401: Unauthorized`))
		}))
		defer server.Close()

		c := NewClient(server.URL, "bad")
		_, err := c.doRequest(context.Background(), http.MethodGet, "/test", nil)

		var apiErr *APIError
		if !errors.As(err, &apiErr) {
			t.Fatalf("expected *APIError, got %T", err)
		}
		if !apiErr.IsUnauthorized() {
			t.Errorf("StatusCode = %d, want 401", apiErr.StatusCode)
		}
		if !strings.Contains(string(apiErr.Body), "Unauthorized") {
			t.Errorf("Body = %q", apiErr.Body)
		}
	})

	t.Run("context cancellation", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			time.Sleep(100 * time.Millisecond)
		}))
		defer server.Close()

		c := NewClient(server.URL, "token")
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		_, err := c.doRequest(ctx, http.MethodGet, "/test", nil)
		if !errors.Is(err, context.Canceled) {
			t.Errorf("error = %v, want context canceled", err)
		}
	})
}

// TestDoWithRetry tests the retry logic.
func TestDoWithRetry(t *testing.T) {
	t.Run("retries on 5xx and succeeds", func(t *testing.T) {
		var attempts int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if atomic.AddInt32(&attempts, 1) < 3 {
				w.WriteHeader(http.StatusBadGateway)
				return
			}
			w.Write([]byte(`{"ok": true}`))
		}))
		defer server.Close()

		c := NewClient(server.URL, "token", WithRetries(3, 10*time.Millisecond))
		if _, err := c.doWithRetry(context.Background(), http.MethodGet, "/test", nil); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if attempts != 3 {
			t.Errorf("attempts = %d, want 3", attempts)
		}
	})

	t.Run("does not retry on 4xx (except 429)", func(t *testing.T) {
		var attempts int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(&attempts, 1)
			w.WriteHeader(http.StatusBadRequest)
		}))
		defer server.Close()

		c := NewClient(server.URL, "token", WithRetries(3, 10*time.Millisecond))
		if _, err := c.doWithRetry(context.Background(), http.MethodGet, "/test", nil); err == nil {
			t.Fatal("expected error, got nil")
		}
		if attempts != 1 {
			t.Errorf("attempts = %d, want 1", attempts)
		}
	})

	t.Run("max retries exceeded", func(t *testing.T) {
		var attempts int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(&attempts, 1)
			w.WriteHeader(http.StatusTooManyRequests)
		}))
		defer server.Close()

		c := NewClient(server.URL, "token", WithRetries(2, 10*time.Millisecond))
		_, err := c.doWithRetry(context.Background(), http.MethodGet, "/test", nil)
		if err == nil || !strings.Contains(err.Error(), "max retries exceeded") {
			t.Errorf("error = %v, want max retries exceeded", err)
		}
		// 1 initial + 2 retries = 3 attempts
		if attempts != 3 {
			t.Errorf("attempts = %d, want 3", attempts)
		}
	})
}

// newHAServer serves a handful of Home Assistant REST endpoints.
func newHAServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/api/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/" {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte(`{"message": "API running."}`))
	})
	mux.HandleFunc("/api/config", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"location_name": "Home", "version": "2024.10.1", "time_zone": "Europe/Berlin", "components": ["light"]}`))
	})
	mux.HandleFunc("/api/states", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[
			{"entity_id": "light.kitchen", "state": "on", "attributes": {"friendly_name": "Kitchen"}},
			{"entity_id": "sensor.temp", "state": "21.5", "attributes": {"unit_of_measurement": "°C"}}
		]`))
	})
	mux.HandleFunc("/api/states/light.kitchen", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"entity_id": "light.kitchen", "state": "on"}`))
	})
	mux.HandleFunc("/api/services/light/turn_on", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode body: %v", err)
		}
		if body["entity_id"] != "light.kitchen" {
			t.Errorf("service data = %v", body)
		}
		w.Write([]byte(`[{"entity_id": "light.kitchen", "state": "on"}]`))
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

func TestCheckAPI(t *testing.T) {
	server := newHAServer(t)
	c := NewClient(server.URL+"/api", "token")

	status, err := c.CheckAPI(context.Background())
	if err != nil {
		t.Fatalf("CheckAPI() error = %v", err)
	}
	if status.Message != "API running." {
		t.Errorf("Message = %q", status.Message)
	}
}

func TestGetConfig(t *testing.T) {
	server := newHAServer(t)
	c := NewClient(server.URL+"/api", "token")

	cfg, err := c.GetConfig(context.Background())
	if err != nil {
		t.Fatalf("GetConfig() error = %v", err)
	}
	if cfg.LocationName != "Home" || cfg.TimeZone != "Europe/Berlin" || len(cfg.Components) != 1 {
		t.Errorf("GetConfig() = %+v", cfg)
	}
}

func TestGetStates(t *testing.T) {
	server := newHAServer(t)
	c := NewClient(server.URL+"/api", "token")

	states, err := c.GetStates(context.Background())
	if err != nil {
		t.Fatalf("GetStates() error = %v", err)
	}
	if len(states) != 2 {
		t.Fatalf("len = %d, want 2", len(states))
	}
	if states[0].FriendlyName() != "Kitchen" || states[1].Domain() != "sensor" {
		t.Errorf("GetStates() = %+v", states)
	}
}

func TestGetState(t *testing.T) {
	server := newHAServer(t)
	c := NewClient(server.URL+"/api", "token", WithRetries(0, time.Millisecond))

	e, err := c.GetState(context.Background(), "light.kitchen")
	if err != nil {
		t.Fatalf("GetState() error = %v", err)
	}
	if !e.IsOn() {
		t.Errorf("GetState() = %+v", e)
	}

	_, err = c.GetState(context.Background(), "light.missing")
	var apiErr *APIError
	if !errors.As(err, &apiErr) || !apiErr.IsNotFound() {
		t.Errorf("GetState(missing) error = %v, want 404", err)
	}

	if _, err := c.GetState(context.Background(), ""); err == nil {
		t.Error("GetState(\"\") should fail")
	}
}

func TestCallService(t *testing.T) {
	server := newHAServer(t)
	c := NewClient(server.URL+"/api", "token")

	changed, err := c.CallService(context.Background(), "light", "turn_on", map[string]any{"entity_id": "light.kitchen"})
	if err != nil {
		t.Fatalf("CallService() error = %v", err)
	}
	if len(changed) != 1 || changed[0].EntityID != "light.kitchen" {
		t.Errorf("CallService() = %+v", changed)
	}

	if _, err := c.CallService(context.Background(), "", "turn_on", nil); err == nil {
		t.Error("CallService without domain should fail")
	}
}

func TestJSONUnmarshalErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{not json`))
	}))
	defer server.Close()

	c := NewClient(server.URL, "token")
	_, err := c.GetStates(context.Background())
	if err == nil || !strings.Contains(err.Error(), "unmarshal response") {
		t.Errorf("error = %v, want unmarshal error", err)
	}
}
