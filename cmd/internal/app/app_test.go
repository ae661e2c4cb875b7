package app

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestRuntimeBaseURL(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		in   string
		want string
	}{
		{name: "explicit localhost", in: "127.0.0.1:8080", want: "http://127.0.0.1:8080"},
		{name: "bind all v4", in: "0.0.0.0:8080", want: "http://127.0.0.1:8080"},
		{name: "bind all v6", in: "[::]:9090", want: "http://127.0.0.1:9090"},
		{name: "ipv6 host", in: "[2001:db8::1]:9090", want: "http://[2001:db8::1]:9090"},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := runtimeBaseURL(tc.in)
			if got != tc.want {
				t.Fatalf("runtimeBaseURL(%q)=%q want=%q", tc.in, got, tc.want)
			}
		})
	}
}

func TestWSBaseURL(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want string
	}{
		{in: "http://127.0.0.1:8080", want: "ws://127.0.0.1:8080"},
		{in: "https://beacon.example.com", want: "wss://beacon.example.com"},
		{in: "127.0.0.1:8080", want: "ws://127.0.0.1:8080"},
	}

	for _, tc := range cases {
		got := wsBaseURL(tc.in)
		if got != tc.want {
			t.Fatalf("wsBaseURL(%q)=%q want=%q", tc.in, got, tc.want)
		}
	}
}

func newTestApp(t *testing.T, mutate func(*Config)) *App {
	t.Helper()

	cfg := LoadConfig()
	cfg.DatabaseURL = ""
	cfg.RedisURL = ""
	cfg.NotifyMode = "log"
	if mutate != nil {
		mutate(&cfg)
	}

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	a, err := New(context.Background(), cfg, log)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(a.closeStores)
	return a
}

func TestApp_Routes(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(newTestApp(t, nil).Handler())
	defer srv.Close()

	cases := []struct {
		path       string
		wantStatus int
		wantBody   string
	}{
		{path: "/healthz", wantStatus: http.StatusOK, wantBody: "ok"},
		{path: "/readyz", wantStatus: http.StatusOK, wantBody: "ready"},
		{path: "/metrics", wantStatus: http.StatusOK, wantBody: "beacon_"},
		{path: "/api/alerts/missing", wantStatus: http.StatusNotFound, wantBody: "not_found"},
		{path: "/ws/track", wantStatus: http.StatusBadRequest},
	}

	for _, tc := range cases {
		resp, err := http.Get(srv.URL + tc.path)
		if err != nil {
			t.Fatalf("GET %s: %v", tc.path, err)
		}
		body, _ := io.ReadAll(resp.Body)
		_ = resp.Body.Close()

		if resp.StatusCode != tc.wantStatus {
			t.Fatalf("GET %s status=%d want=%d body=%q", tc.path, resp.StatusCode, tc.wantStatus, body)
		}
		if tc.wantBody != "" && !strings.Contains(string(body), tc.wantBody) {
			t.Fatalf("GET %s body %q missing %q", tc.path, body, tc.wantBody)
		}
		if got := resp.Header.Get("X-Content-Type-Options"); got != "nosniff" {
			t.Fatalf("GET %s missing security headers", tc.path)
		}
	}
}

func TestApp_ReadyzRequiresDB(t *testing.T) {
	t.Parallel()

	a := newTestApp(t, func(c *Config) { c.ReadinessRequireDB = true })

	rr := httptest.NewRecorder()
	a.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 without a database, got %d", rr.Code)
	}
}

func TestNew_UnknownNotifyMode(t *testing.T) {
	t.Parallel()

	cfg := LoadConfig()
	cfg.DatabaseURL = ""
	cfg.RedisURL = ""
	cfg.NotifyMode = "pager"

	if _, err := New(context.Background(), cfg, slog.New(slog.NewTextHandler(io.Discard, nil))); err == nil {
		t.Fatalf("expected error for unknown notify mode")
	}
}

func TestApp_RunStopsOnCancel(t *testing.T) {
	t.Parallel()

	a := newTestApp(t, func(c *Config) { c.HTTPAddr = "127.0.0.1:0" })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("Run did not return after cancel")
	}
}
