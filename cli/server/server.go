// Package server is the HTTP transport of the kyber daemon: listener with
// port retry, CORS, bearer-token auth, request logging and graceful
// shutdown around a route-registering handler.
package server

import (
	"bufio"
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"syscall"
	"time"

	"github.com/cyph3rasi/kyber/core/runtime"
)

// Config configures the HTTP server.
type Config struct {
	Port            int
	Host            string        // bind address ("" = all interfaces)
	Token           string        // bearer token; empty disables auth
	ShutdownTimeout time.Duration // graceful shutdown timeout (0 = immediate)
	Logger          runtime.Logger
}

// Registrar installs routes on a mux.
type Registrar interface {
	Register(mux *http.ServeMux)
}

// Server serves the status and control API.
type Server struct {
	port            int
	host            string
	token           string
	shutdownTimeout time.Duration
	logger          runtime.Logger
	registrars      []Registrar
	srv             *http.Server
	ready           chan struct{}
}

// New creates a Server. Routes are added with Mount before Start.
func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = runtime.NopLogger()
	}
	return &Server{
		port:            cfg.Port,
		host:            cfg.Host,
		token:           cfg.Token,
		shutdownTimeout: cfg.ShutdownTimeout,
		logger:          cfg.Logger,
		ready:           make(chan struct{}),
	}
}

// Mount adds a set of routes.
func (s *Server) Mount(r Registrar) {
	s.registrars = append(s.registrars, r)
}

// Port returns the configured port, or the port actually bound once Start
// has resolved conflicts.
func (s *Server) Port() int {
	return s.port
}

// Ready is closed once the listener is bound.
func (s *Server) Ready() <-chan struct{} {
	return s.ready
}

// Handler returns the fully wrapped handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	for _, r := range s.registrars {
		r.Register(mux)
	}
	return corsMiddleware(s.authMiddleware(s.logMiddleware(mux)))
}

// Start serves until ctx is cancelled or the listener fails.
func (s *Server) Start(ctx context.Context) error {
	s.srv = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      0, // event streams have no write deadline
		IdleTimeout:       120 * time.Second,
	}

	// Try the configured port, then the next ones on conflict.
	var ln net.Listener
	var listenErr error
	actualPort := s.port
	for range 10 {
		addr := net.JoinHostPort(s.host, fmt.Sprint(actualPort))
		ln, listenErr = net.Listen("tcp", addr)
		if listenErr == nil {
			break
		}
		if !isAddrInUse(listenErr) {
			return fmt.Errorf("listen on %s: %w", addr, listenErr)
		}
		actualPort++
	}
	if listenErr != nil {
		return fmt.Errorf("all ports %d-%d in use: %w", s.port, actualPort, listenErr)
	}
	if actualPort == 0 {
		actualPort = ln.Addr().(*net.TCPAddr).Port
	}
	if actualPort != s.port && s.port != 0 {
		s.logger.Warn("configured port in use", map[string]any{"configured": s.port, "port": actualPort})
	}
	s.port = actualPort
	s.srv.Addr = ln.Addr().String()
	close(s.ready)
	s.logger.Info("api listening", map[string]any{"addr": s.srv.Addr, "auth": s.token != ""})

	go func() {
		<-ctx.Done()
		shutdownCtx := context.Background()
		if s.shutdownTimeout > 0 {
			var cancel context.CancelFunc
			shutdownCtx, cancel = context.WithTimeout(shutdownCtx, s.shutdownTimeout)
			defer cancel()
		}
		if err := s.srv.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("api shutdown", map[string]any{"error": err.Error()})
		}
	}()

	if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// authMiddleware requires the bearer token on every route but /healthz.
// Browsers cannot set headers on EventSource or websocket requests, so the
// stream routes also accept ?token=.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	if s.token == "" {
		return next
	}
	want := []byte(s.token)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/healthz" {
			next.ServeHTTP(w, r)
			return
		}
		got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok && (r.URL.Path == "/events" || r.URL.Path == "/ws") {
			got, ok = r.URL.Query().Get("token"), true
		}
		if !ok || subtle.ConstantTimeCompare([]byte(got), want) != 1 {
			w.Header().Set("WWW-Authenticate", `Bearer realm="kyber"`)
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":"unauthorized"}` + "\n"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) logMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		fields := map[string]any{
			"method":   r.Method,
			"path":     r.URL.Path,
			"status":   rec.status,
			"duration": time.Since(start).String(),
		}
		if rec.status >= 500 {
			s.logger.Warn("request failed", fields)
			return
		}
		s.logger.Debug("request", fields)
	})
}

// statusRecorder captures the response status while still exposing the
// streaming interfaces of the wrapped writer.
type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (r *statusRecorder) WriteHeader(code int) {
	if !r.wroteHeader {
		r.status = code
		r.wroteHeader = true
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("hijacking not supported")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// isAddrInUse returns true if the error indicates the address is already in use.
func isAddrInUse(err error) bool {
	return errors.Is(err, syscall.EADDRINUSE)
}
