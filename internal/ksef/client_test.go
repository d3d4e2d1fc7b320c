package ksef

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestClient(url string, opts ...Option) *Client {
	opts = append([]Option{WithRetryDelays(0, 0, 0)}, opts...)
	return NewClient(url, testLogger(), opts...)
}

func TestClientRetries(t *testing.T) {
	tests := []struct {
		name         string
		statuses     []int
		wantAttempts int32
		wantOK       bool
		wantStatus   int
	}{
		{"success first time", []int{200}, 1, true, 200},
		{"500 then success", []int{500, 200}, 2, true, 200},
		{"502 three times gives up", []int{502, 502, 502, 200}, 3, false, 502},
		{"400 is never retried", []int{400, 200}, 1, false, 400},
		{"401 is never retried", []int{401, 200}, 1, false, 401},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				n := calls.Add(1)
				status := tt.statuses[min(int(n)-1, len(tt.statuses)-1)]
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(status)
				_, _ = w.Write([]byte(`{"n":1}`))
			}))
			defer server.Close()

			env := newTestClient(server.URL).Get(context.Background(), "/x", RequestOptions{})

			if got := calls.Load(); got != tt.wantAttempts {
				t.Errorf("server saw %d calls, want %d", got, tt.wantAttempts)
			}
			if env.Attempts != int(tt.wantAttempts) {
				t.Errorf("envelope reports %d attempts, want %d", env.Attempts, tt.wantAttempts)
			}
			if env.OK != tt.wantOK || env.Status != tt.wantStatus {
				t.Errorf("got ok=%v status=%d, want ok=%v status=%d", env.OK, env.Status, tt.wantOK, tt.wantStatus)
			}
		})
	}
}

func TestClientConnectionError(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	env := newTestClient(url).Get(context.Background(), "/x", RequestOptions{})

	if env.OK || env.Status != 0 {
		t.Fatalf("got ok=%v status=%d, want a status 0 failure", env.OK, env.Status)
	}
	if !env.Transient() {
		t.Error("connection error should be transient")
	}
	if env.Attempts != DefaultMaxAttempts {
		t.Errorf("attempts = %d, want %d", env.Attempts, DefaultMaxAttempts)
	}
	if env.Error == "" {
		t.Error("expected error text")
	}
}

func TestClientUsesRetrySchedule(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	client := NewClient(server.URL, testLogger(), WithRetryDelays(20*time.Millisecond, 40*time.Millisecond, time.Hour))

	start := time.Now()
	env := client.Get(context.Background(), "/x", RequestOptions{})
	elapsed := time.Since(start)

	if env.Attempts != 3 {
		t.Fatalf("attempts = %d, want 3", env.Attempts)
	}
	// the third delay is never used within three attempts
	if elapsed < 60*time.Millisecond || elapsed > 10*time.Second {
		t.Errorf("elapsed %v does not match the 20ms+40ms schedule", elapsed)
	}
}

func TestClientCancelledContext(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	env := newTestClient(server.URL).Get(ctx, "/x", RequestOptions{})
	if env.OK || env.Status != 0 {
		t.Errorf("got ok=%v status=%d, want status 0 failure", env.OK, env.Status)
	}
}

func TestClientRequestShape(t *testing.T) {
	var (
		gotAuth, gotContentType, gotMethod, gotBody string
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotContentType = r.Header.Get("Content-Type")
		gotMethod = r.Method
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("plain text body"))
	}))
	defer server.Close()

	env := newTestClient(server.URL).Put(context.Background(), "/doc", RequestOptions{
		SessionToken: "tok-1",
		Body:         []byte("<a/>"),
		ContentType:  "application/xml",
	})

	if gotMethod != http.MethodPut {
		t.Errorf("method = %s", gotMethod)
	}
	if gotAuth != "Bearer tok-1" {
		t.Errorf("Authorization = %q", gotAuth)
	}
	if gotContentType != "application/xml" {
		t.Errorf("Content-Type = %q", gotContentType)
	}
	if gotBody != "<a/>" {
		t.Errorf("body = %q", gotBody)
	}
	if !env.OK || env.Data != nil || string(env.Raw) != "plain text body" {
		t.Errorf("unparsable body should be kept as raw text, got data=%q raw=%q", env.Data, env.Raw)
	}
}

func TestClientRateLimit(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := newTestClient(server.URL, WithRateLimit(1, 1))

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	first := client.Get(ctx, "/x", RequestOptions{})
	second := client.Get(ctx, "/x", RequestOptions{})

	if !first.OK {
		t.Errorf("first call should pass the limiter, got status %d", first.Status)
	}
	if second.OK {
		t.Error("second call should have been held by the limiter until the context expired")
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("server saw %d calls, want 1", got)
	}
}
