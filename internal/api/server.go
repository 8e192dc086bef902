// ABOUTME: HTTP server struct, constructor, and handler wiring for tally.
// ABOUTME: The trigger endpoint runs one poll cycle; jobs listing serves operators.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/tallyhr/tally/internal/config"
	"github.com/tallyhr/tally/internal/queue"
	"github.com/tallyhr/tally/internal/store"
)

// Server holds the dependencies for the HTTP layer.
type Server struct {
	store       *store.Store
	runner      *queue.Runner
	cfg         *config.Config
	rateLimiter *ipRateLimiter
}

// NewServer creates a Server around the store and queue runner.
func NewServer(s *store.Store, r *queue.Runner, cfg *config.Config) *Server {
	evictTTL := cfg.RateLimitEvictTTL
	if evictTTL == 0 {
		evictTTL = 15 * time.Minute
	}
	// 30 trigger calls per minute, burst of 10 — the trigger is meant to be
	// hit by a scheduler, not a crowd.
	rl := newIPRateLimiter(rate.Limit(30.0/60), 10, evictTTL)
	return &Server{
		store:       s,
		runner:      r,
		cfg:         cfg,
		rateLimiter: rl,
	}
}

// Handler builds and returns the http.Handler.
func (srv *Server) Handler() http.Handler {
	var db *pgxpool.Pool
	if srv.store != nil {
		db = srv.store.Pool()
	}
	r := chi.NewRouter()

	// ── Security headers ──────────────────────────────────────────────────────
	// Must be first so they appear on every response including errors.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			w.Header().Set("X-Frame-Options", "DENY")
			w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
			next.ServeHTTP(w, r)
		})
	})

	// ── Standard chi middleware ───────────────────────────────────────────────
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	// 1 MB global body limit — protect against OOM from large request bodies.
	r.Use(middleware.RequestSize(1 << 20))
	r.Use(middleware.Recoverer)

	// ── Infrastructure endpoints ──────────────────────────────────────────────
	r.Get("/healthz", healthzHandler(db))
	r.Handle("/metrics", promhttp.Handler())

	// ── Job queue API ─────────────────────────────────────────────────────────
	r.Route("/api/v1/jobs", func(r chi.Router) {
		r.Use(srv.RequireTriggerToken())
		r.With(srv.triggerRateLimit()).Post("/run", srv.runJobsHandler)
		r.Get("/", srv.listJobsHandler)
	})

	return r
}

// runResponse is the trigger endpoint's body: the committed outcome per
// claimed job.
type runResponse struct {
	Success bool           `json:"success"`
	Results []queue.Result `json:"results"`
}

// runJobsHandler runs one claim → dispatch → commit cycle. The cycle only
// fails as a whole when the job store is unreachable.
func (srv *Server) runJobsHandler(w http.ResponseWriter, r *http.Request) {
	results, err := srv.runner.RunCycle(r.Context())
	if err != nil {
		slog.Error("trigger cycle failed", "error", err)
		http.Error(w, "job store unavailable", http.StatusServiceUnavailable)
		return
	}
	if results == nil {
		results = []queue.Result{}
	}
	writeJSON(w, http.StatusOK, runResponse{Success: true, Results: results})
}

// jobView is the listing projection of a job row.
type jobView struct {
	ID           string          `json:"id"`
	Queue        string          `json:"queue"`
	State        string          `json:"state"`
	Payload      json.RawMessage `json:"payload"`
	FailureCount int32           `json:"failureCount"`
	ScheduledAt  time.Time       `json:"scheduledAt"`
	LastError    *string         `json:"lastError,omitempty"`
	CreatedAt    time.Time       `json:"createdAt"`
}

// listJobsHandler serves GET /api/v1/jobs?queue=&state= for operators.
func (srv *Server) listJobsHandler(w http.ResponseWriter, r *http.Request) {
	filter := store.JobFilter{
		Queue: r.URL.Query().Get("queue"),
		State: store.JobState(r.URL.Query().Get("state")),
	}
	switch filter.State {
	case "", store.JobAvailable, store.JobRunning, store.JobDead:
	default:
		http.Error(w, "invalid state filter", http.StatusBadRequest)
		return
	}

	jobs, err := srv.store.ListJobs(r.Context(), filter)
	if err != nil {
		slog.Error("list jobs failed", "error", err)
		http.Error(w, "job store unavailable", http.StatusServiceUnavailable)
		return
	}

	views := make([]jobView, 0, len(jobs))
	for _, j := range jobs {
		views = append(views, jobView{
			ID:           j.ID.String(),
			Queue:        j.Queue,
			State:        string(j.State),
			Payload:      j.Payload,
			FailureCount: j.FailureCount,
			ScheduledAt:  j.ScheduledAt,
			LastError:    j.LastError,
			CreatedAt:    j.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": views})
}

// healthzHandler reports liveness and, when a pool is configured, database
// reachability.
func healthzHandler(db *pgxpool.Pool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if db != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := db.Ping(ctx); err != nil {
				http.Error(w, "database unreachable", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok")) //nolint:errcheck
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("write json response", "error", err)
	}
}
