package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/lazypower/atlas/internal/event"
	"github.com/lazypower/atlas/internal/query"
	"github.com/lazypower/atlas/internal/store"
)

// Server is the atlas HTTP API server. Consumers (dashboards, CLIs)
// are pure clients of these endpoints.
type Server struct {
	db      *store.DB
	engine  *query.Engine
	router  chi.Router
	version string
	started time.Time
}

// New creates a new Server with the given database, query engine, and
// version string.
func New(db *store.DB, engine *query.Engine, version string) *Server {
	s := &Server{
		db:      db,
		engine:  engine,
		version: version,
		started: time.Now(),
	}
	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", s.handleHealth)

		r.Post("/events", s.handleIngest)
		r.Post("/events/batch", s.handleIngestBatch)
		r.Get("/events/{eventID}", s.handleGetEvent)
		r.Get("/sessions/{sessionID}/events", s.handleSessionEvents)

		r.Get("/context", s.handleContext)
		r.Get("/lineage/{nodeID}", s.handleLineage)
		r.Get("/deadletters", s.handleDeadLetters)
	})

	s.router = r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	dbOK := true
	if err := s.db.Ping(); err != nil {
		dbOK = false
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": s.version,
		"uptime":  time.Since(s.started).Seconds(),
		"db":      dbOK,
		"db_path": s.db.Path,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeErr maps domain errors onto HTTP statuses without losing the
// error kind.
func writeErr(w http.ResponseWriter, err error) {
	var ve *event.ValidationError
	var nf *event.NotFoundError
	var ns *query.NoSeedFoundError

	status := http.StatusInternalServerError
	kind := "internal"
	switch {
	case errors.As(err, &ve):
		status, kind = http.StatusBadRequest, "validation"
	case errors.As(err, &nf):
		status, kind = http.StatusNotFound, "not_found"
	case errors.As(err, &ns):
		status, kind = http.StatusNotFound, "no_seed_found"
	case errors.Is(err, store.ErrStoreUnavailable):
		status, kind = http.StatusServiceUnavailable, "store_unavailable"
	}
	writeJSON(w, status, map[string]string{"error": err.Error(), "kind": kind})
}
