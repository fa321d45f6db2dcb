package httpx

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	clierr "github.com/ggonzalez94/xbridge/internal/errors"
)

func TestDoJSONRetriesServerError(t *testing.T) {
	var count int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&count, 1)
		if n == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = w.Write([]byte(`{"error":"x"}`))
			return
		}
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	client := New(2*time.Second, 1)
	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, srv.URL, nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	var out map[string]any
	if _, err := client.DoJSON(context.Background(), req, &out); err != nil {
		t.Fatalf("DoJSON failed: %v", err)
	}
	if out["ok"] != true {
		t.Fatalf("unexpected response: %#v", out)
	}
}

func TestGetJSONClientErrorCarriesProviderMessage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("x-api-key") != "k" {
			t.Fatalf("expected header to be forwarded")
		}
		if !strings.HasPrefix(r.Header.Get("User-Agent"), "xbridge/") {
			t.Fatalf("unexpected user agent: %s", r.Header.Get("User-Agent"))
		}
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"message":"No available quotes for the requested transfer"}`))
	}))
	defer srv.Close()

	var out map[string]any
	_, err := GetJSON(context.Background(), New(time.Second, 2), srv.URL, map[string]string{"x-api-key": "k"}, &out)
	if err == nil {
		t.Fatal("expected error")
	}
	cliErr, ok := clierr.As(err)
	if !ok || cliErr.Code != clierr.CodeUnsupported {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(cliErr.Message, "No available quotes") {
		t.Fatalf("expected provider message in error, got %q", cliErr.Message)
	}
}

func TestDoJSONRateLimitExhaustsRetries(t *testing.T) {
	var count int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&count, 1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	_, err := GetJSON(context.Background(), New(time.Second, 1), srv.URL, nil, nil)
	if clierr.ExitCode(err) != int(clierr.CodeRateLimited) {
		t.Fatalf("expected rate limited error, got %v", err)
	}
	if atomic.LoadInt32(&count) != 2 {
		t.Fatalf("expected 2 attempts, got %d", count)
	}
}

func TestDoJSONHonorsRetryAfter(t *testing.T) {
	var count int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&count, 1) == 1 {
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	start := time.Now()
	var out map[string]any
	if _, err := GetJSON(context.Background(), New(2*time.Second, 1), srv.URL, nil, &out); err != nil {
		t.Fatalf("GetJSON failed: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 900*time.Millisecond {
		t.Fatalf("expected Retry-After wait, retried after %s", elapsed)
	}
}

func TestClassifyStatuses(t *testing.T) {
	cases := []struct {
		status    int
		code      clierr.Code
		retryable bool
	}{
		{http.StatusUnauthorized, clierr.CodeAuth, false},
		{http.StatusTooManyRequests, clierr.CodeRateLimited, true},
		{http.StatusBadGateway, clierr.CodeUnavailable, true},
		{http.StatusBadRequest, clierr.CodeUnsupported, false},
	}
	for _, tc := range cases {
		err, retryable := classify(tc.status, nil)
		if clierr.CodeOf(err) != tc.code || retryable != tc.retryable {
			t.Fatalf("status %d: got %v retryable=%v", tc.status, err, retryable)
		}
	}
	if err, _ := classify(http.StatusOK, nil); err != nil {
		t.Fatalf("2xx must not be an error: %v", err)
	}
}
