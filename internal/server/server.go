// Package server hosts the read-only status API: health probes, build info,
// queue statistics, and the deployment audit trail.
package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	apperrors "github.com/Interops-io/infrastructure/internal/errors"
	"github.com/Interops-io/infrastructure/internal/server/handlers"
	"github.com/Interops-io/infrastructure/internal/server/middleware"
	"github.com/Interops-io/infrastructure/pkg/history"
	"github.com/Interops-io/infrastructure/pkg/queue"
)

const adminTokenEnv = "INTEROPS_ADMIN_TOKEN"

// Server is the embedded status HTTP server.
type Server struct {
	host string
	log  *zap.Logger

	mu   sync.Mutex
	port int

	version    handlers.VersionInfo
	queueStore *queue.Store
	histStore  *history.Store
	adminToken string

	readTimeout  time.Duration
	writeTimeout time.Duration
	idleTimeout  time.Duration
	rateRPS      float64
	rateBurst    int

	router  chi.Router
	httpSrv *http.Server
}

// Option customizes a Server at construction time.
type Option func(*Server)

func WithLogger(log *zap.Logger) Option {
	return func(s *Server) {
		if log != nil {
			s.log = log
		}
	}
}

func WithVersionInfo(info handlers.VersionInfo) Option {
	return func(s *Server) { s.version = info }
}

// WithQueue exposes queue statistics and record listings.
func WithQueue(store *queue.Store) Option {
	return func(s *Server) { s.queueStore = store }
}

// WithHistory exposes the deployment audit trail.
func WithHistory(store *history.Store) Option {
	return func(s *Server) { s.histStore = store }
}

func WithTimeouts(read, write, idle time.Duration) Option {
	return func(s *Server) {
		if read > 0 {
			s.readTimeout = read
		}
		if write > 0 {
			s.writeTimeout = write
		}
		if idle > 0 {
			s.idleTimeout = idle
		}
	}
}

// WithRateLimit throttles the whole API surface. Zero rps disables it.
func WithRateLimit(rps float64, burst int) Option {
	return func(s *Server) {
		s.rateRPS = rps
		s.rateBurst = burst
	}
}

// New builds a server with its routes registered. The admin sweep endpoint is
// registered only when INTEROPS_ADMIN_TOKEN is set in the environment.
func New(host string, port int, opts ...Option) *Server {
	s := &Server{
		host:         host,
		port:         port,
		log:          zap.NewNop(),
		version:      handlers.VersionInfo{Version: "dev"},
		adminToken:   strings.TrimSpace(os.Getenv(adminTokenEnv)),
		readTimeout:  10 * time.Second,
		writeTimeout: 30 * time.Second,
		idleTimeout:  120 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.router = s.buildRouter()
	return s
}

// Handler returns the configured route tree.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Port reports the configured port, or the bound one once Start has listened.
func (s *Server) Port() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.port
}

// Start listens and serves until Shutdown. A configured port of 0 binds an
// ephemeral port; Port reports it once Start has returned from Listen.
func (s *Server) Start() error {
	addr := net.JoinHostPort(s.host, strconv.Itoa(s.Port()))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}

	srv := &http.Server{
		Handler:      s.router,
		ReadTimeout:  s.readTimeout,
		WriteTimeout: s.writeTimeout,
		IdleTimeout:  s.idleTimeout,
	}
	s.mu.Lock()
	if tcp, ok := ln.Addr().(*net.TCPAddr); ok {
		s.port = tcp.Port
	}
	s.httpSrv = srv
	s.mu.Unlock()

	s.log.Info("status server listening", zap.String("addr", ln.Addr().String()))
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.httpSrv
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recovery)
	r.Use(middleware.Logging(s.log))
	if s.rateRPS > 0 {
		r.Use(middleware.RateLimit(s.rateRPS, s.rateBurst))
	}

	r.NotFound(func(w http.ResponseWriter, req *http.Request) {
		apperrors.WriteHTTPError(w, http.StatusNotFound, apperrors.HTTPErrorDetail{
			Code:      apperrors.CodeNotFound,
			Message:   fmt.Sprintf("no route for %s", req.URL.Path),
			RequestID: apperrors.RequestIDFrom(req.Context()),
		})
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, req *http.Request) {
		apperrors.WriteHTTPError(w, http.StatusMethodNotAllowed, apperrors.HTTPErrorDetail{
			Code:      apperrors.CodeMethodNotAllowed,
			Message:   fmt.Sprintf("method %s not allowed for %s", req.Method, req.URL.Path),
			RequestID: apperrors.RequestIDFrom(req.Context()),
		})
	})

	r.Get("/health", handlers.HealthHandler)
	r.Get("/health/live", handlers.LivenessHandler)
	r.Get("/health/ready", handlers.ReadinessHandler)
	r.Get("/health/startup", handlers.StartupHandler)
	r.Get("/version", handlers.VersionHandler(s.version))

	if s.queueStore != nil {
		qh := handlers.NewQueueHandler(s.queueStore, s.log)
		r.Route("/api/v1/queue", func(r chi.Router) {
			r.Get("/stats", qh.Stats)
			r.Get("/records", qh.Records)
		})
	}
	if s.histStore != nil {
		hh := handlers.NewHistoryHandler(s.histStore, s.log)
		r.Route("/api/v1/history", func(r chi.Router) {
			r.Get("/recent", hh.Recent)
			r.Get("/summary", hh.Summary)
			r.Get("/runs/{id}", hh.Run)
		})
	}
	if s.adminToken != "" && s.queueStore != nil {
		r.Post("/admin/sweep", s.handleAdminSweep)
	}
	return r
}

// handleAdminSweep removes terminal records older than max_age from the
// processed and failed partitions. Pending is never swept.
func (s *Server) handleAdminSweep(w http.ResponseWriter, req *http.Request) {
	if !s.authorized(req) {
		apperrors.WriteHTTPError(w, http.StatusUnauthorized, apperrors.HTTPErrorDetail{
			Code:      apperrors.CodeUnauthorized,
			Message:   "admin token required",
			RequestID: apperrors.RequestIDFrom(req.Context()),
		})
		return
	}

	maxAge := 30 * 24 * time.Hour
	if raw := req.URL.Query().Get("max_age"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			apperrors.WriteHTTPError(w, http.StatusBadRequest, apperrors.HTTPErrorDetail{
				Code:      apperrors.CodeInvalidArgument,
				Message:   fmt.Sprintf("invalid max_age %q", raw),
				RequestID: apperrors.RequestIDFrom(req.Context()),
			})
			return
		}
		maxAge = d
	}

	cutoff := time.Now().UTC().Add(-maxAge)
	removed := map[string]int{}
	for _, p := range []queue.Partition{queue.PartitionProcessed, queue.PartitionFailed} {
		ids, err := s.queueStore.Sweep(p, cutoff)
		if err != nil {
			s.log.Error("sweep partition", zap.String("partition", string(p)), zap.Error(err))
			apperrors.RespondWithError(w, req, apperrors.Wrap(apperrors.CodeInternal, err, "sweep queue"))
			return
		}
		removed[string(p)] = len(ids)
	}
	s.log.Info("admin sweep completed",
		zap.Time("cutoff", cutoff),
		zap.Int("processed", removed["processed"]),
		zap.Int("failed", removed["failed"]))

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"cutoff":  cutoff,
		"removed": removed,
	})
}

func (s *Server) authorized(req *http.Request) bool {
	auth := req.Header.Get("Authorization")
	token, ok := strings.CutPrefix(auth, "Bearer ")
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(s.adminToken)) == 1
}
