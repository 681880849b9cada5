package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/lazypower/atlas/internal/event"
	"github.com/lazypower/atlas/internal/query"
	"github.com/lazypower/atlas/internal/scoring"
)

// handleIngest appends one event envelope to the ledger. Idempotent on
// event_id: a duplicate reports the original position on the same
// success path.
func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	var ev event.Envelope
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		writeErr(w, &event.ValidationError{Field: "body", Reason: "invalid json"})
		return
	}
	if err := ev.Validate(); err != nil {
		writeErr(w, err)
		return
	}

	pos, dup, err := s.db.Ingest(&ev)
	if err != nil {
		writeErr(w, err)
		return
	}

	status := http.StatusCreated
	if dup {
		status = http.StatusOK
	}
	writeJSON(w, status, map[string]any{
		"global_position": pos,
		"duplicate":       dup,
	})
}

// handleIngestBatch ingests N envelopes and returns N positions in the
// same order. Every envelope is validated before any write.
func (s *Server) handleIngestBatch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Events []*event.Envelope `json:"events"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, &event.ValidationError{Field: "body", Reason: "invalid json"})
		return
	}
	if len(req.Events) == 0 {
		writeErr(w, &event.ValidationError{Field: "events", Reason: "at least one event required"})
		return
	}
	for _, ev := range req.Events {
		if err := ev.Validate(); err != nil {
			writeErr(w, err)
			return
		}
	}

	positions, err := s.db.IngestBatch(req.Events)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"global_positions": positions})
}

func (s *Server) handleGetEvent(w http.ResponseWriter, r *http.Request) {
	eventID := chi.URLParam(r, "eventID")
	ev, err := s.db.GetEvent(eventID)
	if err != nil {
		writeErr(w, err)
		return
	}
	if ev == nil {
		writeErr(w, &event.NotFoundError{Kind: "event", ID: eventID})
		return
	}
	writeJSON(w, http.StatusOK, ev)
}

func (s *Server) handleSessionEvents(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	evs, err := s.db.SessionEvents(sessionID)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"session_id": sessionID,
		"events":     evs,
	})
}

// handleContext runs the retrieval pipeline: session_id plus optional
// query text and scoring-weight overrides.
func (s *Server) handleContext(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	req := query.Request{
		SessionID: q.Get("session_id"),
		Query:     q.Get("q"),
		Cursor:    q.Get("cursor"),
	}
	if ps := q.Get("page_size"); ps != "" {
		n, err := strconv.Atoi(ps)
		if err != nil || n <= 0 {
			writeErr(w, &event.ValidationError{Field: "page_size", Reason: "must be a positive integer"})
			return
		}
		req.PageSize = n
	}

	if weights, ok, err := weightOverrides(q.Get("w_recency"), q.Get("w_importance"), q.Get("w_relevance"), q.Get("w_affinity")); err != nil {
		writeErr(w, err)
		return
	} else if ok {
		req.Weights = weights
	}

	resp, err := s.engine.Retrieve(req, time.Now())
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func weightOverrides(recency, importance, relevance, affinity string) (*scoring.Weights, bool, error) {
	if recency == "" && importance == "" && relevance == "" && affinity == "" {
		return nil, false, nil
	}
	w := scoring.DefaultWeights()
	set := func(field, raw string, dst *float64) error {
		if raw == "" {
			return nil
		}
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil || f < 0 {
			return &event.ValidationError{Field: field, Reason: "must be a non-negative number"}
		}
		*dst = f
		return nil
	}
	if err := set("w_recency", recency, &w.Recency); err != nil {
		return nil, false, err
	}
	if err := set("w_importance", importance, &w.Importance); err != nil {
		return nil, false, err
	}
	if err := set("w_relevance", relevance, &w.Relevance); err != nil {
		return nil, false, err
	}
	if err := set("w_affinity", affinity, &w.Affinity); err != nil {
		return nil, false, err
	}
	return &w, true, nil
}

// handleLineage returns the causal/derivation chain from a node back
// to its source events.
func (s *Server) handleLineage(w http.ResponseWriter, r *http.Request) {
	nodeID := chi.URLParam(r, "nodeID")
	maxHops := 0
	if raw := r.URL.Query().Get("max_hops"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeErr(w, &event.ValidationError{Field: "max_hops", Reason: "must be a positive integer"})
			return
		}
		maxHops = n
	}

	chain, err := s.engine.Lineage(nodeID, maxHops)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"node_id": nodeID,
		"hops":    len(chain) - 1,
		"chain":   chain,
	})
}

func (s *Server) handleDeadLetters(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := 100
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeErr(w, &event.ValidationError{Field: "limit", Reason: "must be a positive integer"})
			return
		}
		limit = n
	}

	letters, err := s.db.ListDeadLetters(q.Get("group"), limit)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"dead_letters": letters})
}
