package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	rtsup "runq/internal/runtime/supervisor"
	logx "runq/pkg/logx"
)

const defaultAddr = "127.0.0.1:8080"

// Config controls the HTTP server.
//
// Binding to a non-loopback address requires Token or AllowInsecure.
type Config struct {
	Enabled       bool
	Addr          string
	Token         string
	AllowInsecure bool

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

var errInsecureBind = errors.New("api refused to start: non-loopback addr requires token or allow_insecure")

type Service struct {
	handler http.Handler

	mu  sync.Mutex
	log logx.Logger
	cfg Config

	ln  net.Listener
	srv *http.Server
	sup *rtsup.Supervisor
}

func New(cfg Config, handler http.Handler, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{cfg: cfg, handler: handler, log: log.With(logx.String("comp", "api"))}
}

// Addr returns the bound listen address, or "" when not serving.
func (s *Service) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Supervisor returns the internal supervisor (nil if not started).
func (s *Service) Supervisor() *rtsup.Supervisor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sup
}

// Start is idempotent. The server runs under a restart loop until Stop.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.sup != nil || !s.cfg.Enabled {
		s.mu.Unlock()
		return
	}
	sup := rtsup.New(ctx, rtsup.WithLogger(s.log), rtsup.WithCancelOnError(false))
	s.sup = sup
	s.mu.Unlock()

	sup.GoRestart("http.serve", s.serveOnce, rtsup.WithBackoff(500*time.Millisecond, 10*time.Second))
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	sup, srv := s.sup, s.srv
	s.sup = nil
	s.mu.Unlock()
	if sup == nil {
		return
	}
	sup.Cancel()
	if srv != nil {
		_ = srv.Shutdown(ctx)
	}
	_ = sup.Wait(ctx)
	s.log.Info("api stopped")
}

// Reconfigure applies cfg, restarting the server when anything it binds with
// changed.
func (s *Service) Reconfigure(ctx context.Context, cfg Config) {
	s.mu.Lock()
	prev := s.cfg
	running := s.sup != nil
	s.cfg = cfg
	s.mu.Unlock()

	switch {
	case !cfg.Enabled:
		if running {
			s.Stop(ctx)
		}
	case !running:
		s.Start(ctx)
	case prev != cfg:
		s.Stop(ctx)
		s.Start(ctx)
	}
}

func (s *Service) serveOnce(ctx context.Context) error {
	s.mu.Lock()
	cur := s.cfg
	s.mu.Unlock()

	addr := strings.TrimSpace(cur.Addr)
	if addr == "" {
		addr = defaultAddr
	}
	if err := checkBind(addr, cur); err != nil {
		s.log.Error("api refused to start", logx.String("addr", addr), logx.Err(err))
		return err
	}
	if cur.AllowInsecure && cur.Token == "" && !isLoopbackAddr(addr) {
		s.log.Warn("api running without token on non-loopback addr (insecure)", logx.String("addr", addr))
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		if ctx.Err() != nil {
			return context.Canceled
		}
		return err
	}
	srv := &http.Server{
		Handler:      withAuth(cur.Token, s.handler),
		ReadTimeout:  cur.ReadTimeout,
		WriteTimeout: cur.WriteTimeout,
		IdleTimeout:  cur.IdleTimeout,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}
	defer func() { _ = srv.Close() }()

	s.mu.Lock()
	s.ln, s.srv = ln, srv
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		cctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = srv.Shutdown(cctx)
		cancel()
	}()

	s.log.Info("api started", logx.String("addr", ln.Addr().String()), logx.Bool("token_set", cur.Token != ""))
	err = srv.Serve(ln)

	s.mu.Lock()
	if s.srv == srv {
		s.srv, s.ln = nil, nil
	}
	s.mu.Unlock()

	if ctx.Err() != nil {
		return context.Canceled
	}
	if err == nil || errors.Is(err, http.ErrServerClosed) {
		return errors.New("api server exited unexpectedly")
	}
	return err
}

func checkBind(addr string, cfg Config) error {
	if cfg.AllowInsecure || strings.TrimSpace(cfg.Token) != "" || isLoopbackAddr(addr) {
		return nil
	}
	return errInsecureBind
}

// withAuth accepts "Authorization: Bearer <token>" or ?token=<token>.
// /healthz stays open for probes.
func withAuth(token string, h http.Handler) http.Handler {
	tok := strings.TrimSpace(token)
	if tok == "" {
		return h
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/healthz" {
			h.ServeHTTP(w, r)
			return
		}
		if got := r.URL.Query().Get("token"); got != "" {
			if got == tok {
				h.ServeHTTP(w, r)
				return
			}
			unauthorized(w)
			return
		}
		const p = "Bearer "
		if ah := r.Header.Get("Authorization"); strings.HasPrefix(ah, p) && strings.TrimSpace(strings.TrimPrefix(ah, p)) == tok {
			h.ServeHTTP(w, r)
			return
		}
		unauthorized(w)
	})
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	http.Error(w, "unauthorized", http.StatusUnauthorized)
}

func isLoopbackAddr(addr string) bool {
	h, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	h = strings.TrimSpace(h)
	if h == "" {
		// all interfaces
		return false
	}
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}
