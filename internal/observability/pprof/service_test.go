package pprof

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	logx "schedd/pkg/logx"
)

func TestHandlerRoutes(t *testing.T) {
	t.Parallel()
	s := New(Config{}, logx.Nop(), func() any { return map[string]int{"pending": 3} })
	h := s.Handler(Config{Prefix: "ops/pprof"})

	cases := []struct {
		path string
		code int
		body string
	}{
		{"/healthz", http.StatusOK, "ok"},
		{"/status", http.StatusOK, `"pending": 3`},
		{"/ops/pprof/", http.StatusOK, "goroutine"},
		{"/ops/pprof", http.StatusPermanentRedirect, ""},
		{"/debug/pprof/", http.StatusNotFound, ""},
	}
	for _, tc := range cases {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tc.path, nil))
		if rec.Code != tc.code {
			t.Errorf("%s: code = %d, want %d", tc.path, rec.Code, tc.code)
			continue
		}
		if tc.body != "" && !strings.Contains(rec.Body.String(), tc.body) {
			t.Errorf("%s: body %q missing %q", tc.path, rec.Body.String(), tc.body)
		}
	}
}

func TestHandlerToken(t *testing.T) {
	t.Parallel()
	h := New(Config{}, logx.Nop(), nil).Handler(Config{Token: "s3cret"})

	get := func(path, auth string) int {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		if auth != "" {
			req.Header.Set("Authorization", auth)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}
	if c := get("/healthz", ""); c != http.StatusUnauthorized {
		t.Fatalf("no token: %d", c)
	}
	if c := get("/healthz?token=nope", ""); c != http.StatusUnauthorized {
		t.Fatalf("bad query token: %d", c)
	}
	if c := get("/healthz?token=s3cret", ""); c != http.StatusOK {
		t.Fatalf("query token: %d", c)
	}
	if c := get("/healthz", "Bearer s3cret"); c != http.StatusOK {
		t.Fatalf("bearer token: %d", c)
	}
	if c := get("/status", "Bearer s3cret"); c != http.StatusNotFound {
		t.Fatalf("status without source: %d", c)
	}
}

func TestServiceLifecycle(t *testing.T) {
	s := New(Config{}, logx.Nop(), func() any { return struct{ State string }{"running"} })
	ctx := context.Background()
	s.Reconfigure(ctx, Config{Enabled: true, Addr: "127.0.0.1:0"})

	addr := waitAddr(t, s)
	resp, err := http.Get("http://" + addr + "/status")
	if err != nil {
		t.Fatal(err)
	}
	var got struct{ State string }
	err = json.NewDecoder(resp.Body).Decode(&got)
	resp.Body.Close()
	if err != nil || got.State != "running" {
		t.Fatalf("status = %+v, %v", got, err)
	}

	// A token change restarts the listener.
	s.Reconfigure(ctx, Config{Enabled: true, Addr: "127.0.0.1:0", Token: "t"})
	addr = waitAddr(t, s)
	resp, err = http.Get("http://" + addr + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("healthz after token = %d", resp.StatusCode)
	}

	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	s.Reconfigure(stopCtx, Config{Enabled: false})
	if s.Addr() != "" {
		t.Fatalf("still listening on %s", s.Addr())
	}
	s.Stop(stopCtx)
}

func TestInsecureBindRefused(t *testing.T) {
	t.Parallel()
	s := New(Config{Enabled: true, Addr: "0.0.0.0:0"}, logx.Nop(), nil)
	err := s.serveOnce(context.Background())
	if err != errInsecureBind {
		t.Fatalf("err = %v", err)
	}
}

func TestIsLoopbackAddr(t *testing.T) {
	t.Parallel()
	for addr, want := range map[string]bool{
		"127.0.0.1:6060": true,
		"localhost:1":    true,
		"[::1]:80":       true,
		":6060":          false,
		"10.0.0.1:80":    false,
		"garbage":        false,
	} {
		if got := isLoopbackAddr(addr); got != want {
			t.Errorf("isLoopbackAddr(%q) = %v", addr, got)
		}
	}
}

func waitAddr(t *testing.T, s *Service) string {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if a := s.Addr(); a != "" {
			return a
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("listener never came up")
	return ""
}
