// Package pprof serves the optional debug listener: net/http/pprof profiles,
// a liveness probe and a JSON status document supplied by the caller.
package pprof

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	hpprof "net/http/pprof"
	"net/netip"
	"strings"
	"sync"
	"time"

	rtsup "schedd/internal/runtime/supervisor"
	logx "schedd/pkg/logx"
)

// Config controls the debug listener.
//
// Security:
//   - Prefer binding to localhost (default).
//   - A non-loopback address needs Token or AllowInsecure.
type Config struct {
	Enabled       bool
	Addr          string
	Prefix        string
	Token         string
	AllowInsecure bool

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// StatusFunc returns the value rendered as JSON at /status.
type StatusFunc func() any

var errInsecureBind = errors.New("debug listener refused to start: insecure bind")

const (
	restartMin    = 500 * time.Millisecond
	restartMax    = 10 * time.Second
	shutdownGrace = 2 * time.Second
)

type Service struct {
	mu     sync.Mutex
	log    logx.Logger
	cfg    Config
	status StatusFunc

	sup  *rtsup.Supervisor // nil while stopped
	prev *rtsup.Supervisor // last stopped instance, may still be shutting down
	ln   net.Listener
}

func New(cfg Config, log logx.Logger, status StatusFunc) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{cfg: cfg, log: log, status: status}
}

// Addr is the bound listen address, or "" while not serving.
func (s *Service) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Reconfigure applies cfg, starting, stopping or restarting the listener as
// needed. Safe to call during hot reload.
func (s *Service) Reconfigure(ctx context.Context, cfg Config) {
	s.mu.Lock()
	changed := s.cfg != cfg
	s.cfg = cfg
	running := s.sup != nil
	s.mu.Unlock()

	if running && (changed || !cfg.Enabled) {
		s.Stop(ctx)
	}
	s.Start(ctx)
}

// Start serves if enabled and not already serving. The listener outlives
// ctx; only Stop ends it.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.sup != nil || !s.cfg.Enabled {
		s.mu.Unlock()
		return
	}
	prev := s.prev
	sup := rtsup.New(context.WithoutCancel(ctx), rtsup.WithLogger(s.log))
	s.sup = sup
	s.mu.Unlock()

	sup.Go("debug.serve", func(c context.Context) error {
		// The previous listener must release its port first.
		if prev != nil {
			select {
			case <-prev.Done():
			case <-c.Done():
				return context.Canceled
			}
		}
		return s.serveLoop(c)
	})
}

// Stop shuts the listener down, waiting until it is gone or ctx ends.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	sup := s.sup
	if sup == nil {
		s.mu.Unlock()
		return
	}
	s.sup, s.prev = nil, sup
	s.mu.Unlock()

	sup.Cancel()
	select {
	case <-sup.Done():
		s.log.Info("debug listener stopped")
	case <-ctx.Done():
		s.log.Warn("debug listener still shutting down", logx.Err(ctx.Err()))
	}
}

func (s *Service) serveLoop(ctx context.Context) error {
	delay := restartMin
	for {
		err := s.serveOnce(ctx)
		if ctx.Err() != nil {
			return context.Canceled
		}
		if errors.Is(err, errInsecureBind) {
			return err
		}
		s.log.Warn("debug listener exited, restarting", logx.Err(err), logx.Duration("in", delay))

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return context.Canceled
		case <-t.C:
		}
		delay = min(delay*2, restartMax)
	}
}

func (s *Service) serveOnce(ctx context.Context) error {
	s.mu.Lock()
	cur := s.cfg
	s.mu.Unlock()

	addr := strings.TrimSpace(cur.Addr)
	if addr == "" {
		addr = "127.0.0.1:6060"
	}
	if cur.Token == "" && !isLoopbackAddr(addr) {
		if !cur.AllowInsecure {
			s.log.Error("debug listener needs a token or allow_insecure on a non-loopback addr", logx.String("addr", addr))
			return errInsecureBind
		}
		s.log.Warn("debug listener running without token on non-loopback addr", logx.String("addr", addr))
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:           s.Handler(cur),
		ReadTimeout:       cur.ReadTimeout,
		ReadHeaderTimeout: cur.ReadTimeout,
		WriteTimeout:      cur.WriteTimeout,
		IdleTimeout:       cur.IdleTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		if s.ln == ln {
			s.ln = nil
		}
		s.mu.Unlock()
	}()

	stop := context.AfterFunc(ctx, func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		_ = srv.Shutdown(sctx)
	})
	defer stop()

	s.log.Info("debug listener started",
		logx.String("addr", ln.Addr().String()),
		logx.String("prefix", normalizePrefix(cur.Prefix)),
		logx.Bool("token_set", cur.Token != ""),
	)
	err = srv.Serve(ln)
	if ctx.Err() != nil {
		return context.Canceled
	}
	if err == nil || errors.Is(err, http.ErrServerClosed) {
		return errors.New("debug listener exited unexpectedly")
	}
	return err
}

// Handler builds the mux for cfg: /healthz, /status and pprof under the
// configured prefix, all behind the optional token.
func (s *Service) Handler(cfg Config) http.Handler {
	prefix := normalizePrefix(cfg.Prefix)
	base := strings.TrimSuffix(prefix, "/")
	wrap := func(h http.HandlerFunc) http.HandlerFunc { return withAuth(cfg.Token, h) }

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", wrap(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))
	mux.HandleFunc("/status", wrap(s.serveStatus))

	mux.HandleFunc(prefix, wrap(pprofIndexAt(prefix)))
	mux.HandleFunc(base+"/cmdline", wrap(hpprof.Cmdline))
	mux.HandleFunc(base+"/profile", wrap(hpprof.Profile))
	mux.HandleFunc(base+"/symbol", wrap(hpprof.Symbol))
	mux.HandleFunc(base+"/trace", wrap(hpprof.Trace))
	mux.HandleFunc(base, func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, prefix, http.StatusPermanentRedirect)
	})
	return mux
}

func (s *Service) serveStatus(w http.ResponseWriter, _ *http.Request) {
	if s.status == nil {
		http.Error(w, "no status source", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(s.status()); err != nil {
		s.log.Warn("status encode failed", logx.Err(err))
	}
}

// withAuth accepts "Authorization: Bearer <token>" or ?token=<token>.
func withAuth(token string, h http.HandlerFunc) http.HandlerFunc {
	want := []byte(strings.TrimSpace(token))
	if len(want) == 0 {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		got := r.URL.Query().Get("token")
		if got == "" {
			got, _ = strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		}
		if subtle.ConstantTimeCompare([]byte(strings.TrimSpace(got)), want) != 1 {
			unauthorized(w)
			return
		}
		h(w, r)
	}
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	http.Error(w, "unauthorized", http.StatusUnauthorized)
}

func normalizePrefix(prefix string) string {
	p := strings.TrimSpace(prefix)
	if p == "" {
		p = "/debug/pprof/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if !strings.HasSuffix(p, "/") {
		p += "/"
	}
	return p
}

// pprof.Index expects paths rooted at /debug/pprof/, so custom prefixes are
// rewritten before delegating.
func pprofIndexAt(prefix string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r2 := r.Clone(r.Context())
		r2.URL.Path = "/debug/pprof/" + strings.TrimPrefix(r.URL.Path, prefix)
		hpprof.Index(w, r2)
	}
}

func isLoopbackAddr(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil || host == "" {
		return false
	}
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip, err := netip.ParseAddr(host)
	return err == nil && ip.IsLoopback()
}
