package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rafaelwaynne/procwatch/internal/config"
	"github.com/rafaelwaynne/procwatch/internal/metrics"
	"github.com/rafaelwaynne/procwatch/internal/monitor"
	"github.com/rafaelwaynne/procwatch/internal/scan"
)

const defaultRequestTimeout = 60 * time.Second

// Scanner runs scans on demand.
type Scanner interface {
	ScanByID(ctx context.Context, id string) (monitor.ScanResult, error)
	ScanAll(ctx context.Context) (scan.Report, error)
	Running() bool
}

// DigestRunner runs one digest pass.
type DigestRunner interface {
	Run(ctx context.Context) ([]monitor.DigestItem, error)
}

// Options wires the server's collaborators. Digest, Realtime and Ready are
// optional.
type Options struct {
	Store       monitor.Store
	Scanner     Scanner
	Digest      DigestRunner
	Broadcaster monitor.Broadcaster
	Realtime    http.Handler
	IDs         monitor.IDGenerator
	Clock       monitor.Clock
	Auth        config.AuthConfig
	MockPages   bool
	Ready       func(ctx context.Context) error
	// BaseContext bounds background bulk scans started over HTTP.
	BaseContext    context.Context
	RequestTimeout time.Duration
	Logger         *zap.Logger
}

// Server wires HTTP handlers to the scan orchestrator and the store.
type Server struct {
	router chi.Router
	opts   Options
	logger *zap.Logger
	bg     sync.WaitGroup
}

// NewServer constructs a Server with middleware and routes.
func NewServer(opts Options) (*Server, error) {
	if opts.Store == nil || opts.Scanner == nil || opts.IDs == nil || opts.Clock == nil {
		return nil, errors.New("api: store, scanner, ids and clock are required")
	}
	if opts.Auth.Enabled && opts.Auth.APIKey == "" {
		return nil, errors.New("api: api key required when auth is enabled")
	}
	if opts.BaseContext == nil {
		opts.BaseContext = context.Background()
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = defaultRequestTimeout
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	s := &Server{opts: opts, logger: opts.Logger.Named("api")}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Group(func(r chi.Router) {
		if opts.Auth.Enabled {
			r.Use(apiKeyMiddleware(opts.Auth.APIKey))
		}
		// The stream is long-lived and needs the raw connection, so it
		// stays outside the request timeout.
		if opts.Realtime != nil {
			r.Method(http.MethodGet, "/ws", opts.Realtime)
		}
		r.Group(func(r chi.Router) {
			r.Use(timeoutMiddleware(opts.RequestTimeout))
			r.Route("/api", func(r chi.Router) {
				r.Route("/processes", func(r chi.Router) {
					r.Get("/", s.listProcesses)
					r.Post("/", s.createProcess)
					r.Route("/{id}", func(r chi.Router) {
						r.Get("/", s.getProcess)
						r.Put("/", s.updateProcess)
						r.Delete("/", s.deleteProcess)
						r.Post("/history", s.addHistory)
						r.Post("/scan", s.scanProcess)
						r.Get("/scans", s.listScanLogs)
					})
				})
				r.Post("/scan", s.scanAll)
				r.Post("/digest", s.runDigest)
				if opts.MockPages {
					r.Get("/test/process-page", s.mockProcessPage)
				}
			})
		})
	})

	s.router = r
	return s, nil
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Wait blocks until background bulk scans started over HTTP return or ctx
// expires.
func (s *Server) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.bg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for background scans: %w", ctx.Err())
	}
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if s.opts.Ready != nil {
		if err := s.opts.Ready(r.Context()); err != nil {
			writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		s.logger.Info("request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			zap.String("request_id", requestID(r.Context())),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				s.logger.Error("panic recovered", zap.Any("error", rec), zap.String("path", r.URL.Path))
				writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

type requestIDKey struct{}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				writeError(w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
