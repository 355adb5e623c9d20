// Package adminapi is the dev binary's admin/health HTTP surface,
// adapted from the teacher's internal/server (chi router, chi/v5
// middleware stack, go-chi/cors) with the Convex-auth/Asynq-worker/
// Redis-queue machinery stripped out — this daemon has no job queue or
// external auth provider, only connection counters an operator wants to
// poll (spec §6 doesn't mandate this surface, but every daemon in the
// pack ships one, so it's carried as ambient tooling).
package adminapi

import (
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/nodeforge/sshd/internal/sftp"
)

// Stats exposes live counters the health/status endpoints report. All
// fields are updated with atomic ops by the daemon's accept loop.
type Stats struct {
	ActiveSessions int64
	TotalAccepted  int64
	TotalRejected  int64
}

func (s *Stats) IncAccepted()   { atomic.AddInt64(&s.TotalAccepted, 1) }
func (s *Stats) IncRejected()   { atomic.AddInt64(&s.TotalRejected, 1) }
func (s *Stats) SessionOpened() { atomic.AddInt64(&s.ActiveSessions, 1) }
func (s *Stats) SessionClosed() { atomic.AddInt64(&s.ActiveSessions, -1) }

type statsSnapshot struct {
	Status          string `json:"status"`
	ActiveSessions  int64  `json:"active_sessions"`
	TotalAccepted   int64  `json:"total_accepted"`
	TotalRejected   int64  `json:"total_rejected"`
	OpenSFTPHandles int    `json:"open_sftp_handles"`
}

// Server is the admin HTTP listener, separate from the SSH listener
// (spec §6 notes the dev CLI's `-o` options are independent of any
// embedder-facing web surface).
type Server struct {
	httpServer *http.Server
	stats      *Stats
}

// New builds the chi router (/healthz and /stats) and binds it to addr.
func New(addr string, stats *Stats) *Server {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.Timeout(15 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET"},
	}))

	r.Get("/healthz", healthHandler)
	r.Get("/stats", statsHandler(stats))

	return &Server{
		httpServer: &http.Server{Addr: addr, Handler: r, ReadTimeout: 15 * time.Second, WriteTimeout: 15 * time.Second},
		stats:      stats,
	}
}

func healthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(statsSnapshot{Status: "ok"})
}

func statsHandler(stats *Stats) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(statsSnapshot{
			Status:          "ok",
			ActiveSessions:  atomic.LoadInt64(&stats.ActiveSessions),
			TotalAccepted:   atomic.LoadInt64(&stats.TotalAccepted),
			TotalRejected:   atomic.LoadInt64(&stats.TotalRejected),
			OpenSFTPHandles: sftp.OpenHandleCount(),
		})
	}
}

// ListenAndServe blocks serving the admin API until the process exits or
// Shutdown is called from another goroutine.
func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown() error {
	return s.httpServer.Close()
}
