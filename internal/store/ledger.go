package store

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/lazypower/atlas/internal/event"
)

// Ingest appends an event to the ledger. The dedup lookup, stream
// append, document write, and dedup record all run in one
// transaction, so the ledger is never observably half-written.
//
// Returns the assigned global position and whether the event was a
// duplicate. A duplicate is a no-op that returns the position recorded
// on first ingestion, without touching any stream.
func (db *DB) Ingest(ev *event.Envelope) (int64, bool, error) {
	pos, dup, err := db.tryIngest(ev)
	if err == nil {
		return pos, dup, nil
	}

	// Two callers racing on the same event_id can both miss the dedup
	// lookup; the loser's insert hits a UNIQUE constraint. The loser
	// converges on the winner's position. The same path covers an id
	// whose dedup record expired while its document is still retained:
	// the surviving document is the dedup record of last resort.
	if isConstraintErr(err) {
		if winner, found, derr := db.dedupPosition(ev.EventID); derr == nil && found {
			return winner, true, nil
		}
		if doc, derr := db.GetEvent(ev.EventID); derr == nil && doc != nil {
			return doc.GlobalPosition, true, nil
		}
	}
	return 0, false, err
}

func (db *DB) tryIngest(ev *event.Envelope) (int64, bool, error) {
	tx, err := db.Begin()
	if err != nil {
		return 0, false, unavailable("begin ingest", err)
	}
	defer tx.Rollback()

	var existing int64
	err = tx.QueryRow("SELECT global_position FROM dedup WHERE event_id = ?", ev.EventID).Scan(&existing)
	if err == nil {
		return existing, true, nil
	}
	if err != sql.ErrNoRows {
		return 0, false, unavailable("dedup lookup", err)
	}

	now := time.Now().UnixMilli()
	res, err := tx.Exec(`
		INSERT INTO stream_entries (event_id, session_id, occurred_at, added_at)
		VALUES (?, ?, ?, ?)
	`, ev.EventID, ev.SessionID, ev.OccurredAt, now)
	if err != nil {
		return 0, false, fmt.Errorf("append stream: %w", err)
	}
	pos, err := res.LastInsertId()
	if err != nil {
		return 0, false, fmt.Errorf("stream position: %w", err)
	}

	if _, err := tx.Exec(`
		INSERT INTO events (event_id, event_type, occurred_at, session_id, agent_id, trace_id,
			payload_ref, payload, tool_name, parent_event_id, ended_at, status, importance,
			schema_version, global_position, ingested_at)
		VALUES (?, ?, ?, ?, NULLIF(?, ''), NULLIF(?, ''), NULLIF(?, ''), NULLIF(?, ''),
			NULLIF(?, ''), NULLIF(?, ''), ?, NULLIF(?, ''), ?, ?, ?, ?)
	`, ev.EventID, ev.EventType, ev.OccurredAt, ev.SessionID, ev.AgentID, ev.TraceID,
		ev.PayloadRef, string(ev.Payload), ev.ToolName, ev.ParentEventID, ev.EndedAt,
		ev.Status, ev.Importance, schemaVersionOf(ev), pos, now); err != nil {
		return 0, false, fmt.Errorf("write event doc: %w", err)
	}

	if _, err := tx.Exec(`
		INSERT INTO dedup (event_id, occurred_at, global_position) VALUES (?, ?, ?)
	`, ev.EventID, ev.OccurredAt, pos); err != nil {
		return 0, false, fmt.Errorf("record dedup: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, false, unavailable("commit ingest", err)
	}
	return pos, false, nil
}

func schemaVersionOf(ev *event.Envelope) int {
	if ev.SchemaVersion == 0 {
		return 1
	}
	return ev.SchemaVersion
}

func isConstraintErr(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint") || strings.Contains(msg, "constraint failed")
}

func (db *DB) dedupPosition(eventID string) (int64, bool, error) {
	var pos int64
	err := db.QueryRow("SELECT global_position FROM dedup WHERE event_id = ?", eventID).Scan(&pos)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, unavailable("dedup lookup", err)
	}
	return pos, true, nil
}

// IngestBatch ingests envelopes in order and returns one position per
// envelope, preserving input order.
func (db *DB) IngestBatch(evs []*event.Envelope) ([]int64, error) {
	positions := make([]int64, 0, len(evs))
	for _, ev := range evs {
		pos, _, err := db.Ingest(ev)
		if err != nil {
			return nil, fmt.Errorf("ingest %s: %w", ev.EventID, err)
		}
		positions = append(positions, pos)
	}
	return positions, nil
}

const eventColumns = `event_id, event_type, occurred_at, session_id, agent_id, trace_id,
	payload_ref, payload, tool_name, parent_event_id, ended_at, status, importance,
	schema_version, global_position`

// GetEvent returns the persisted event document, or nil if absent.
func (db *DB) GetEvent(eventID string) (*event.Envelope, error) {
	row := db.QueryRow("SELECT "+eventColumns+" FROM events WHERE event_id = ?", eventID)
	ev, err := scanEvent(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get event: %w", err)
	}
	return ev, nil
}

// SessionEvents returns the session sub-stream in ingestion order.
func (db *DB) SessionEvents(sessionID string) ([]*event.Envelope, error) {
	rows, err := db.Query("SELECT "+eventColumns+" FROM events WHERE session_id = ? ORDER BY global_position", sessionID)
	if err != nil {
		return nil, unavailable("session events", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// EventsAfter returns up to limit event documents with positions
// strictly greater than after, in position order. Used by the group
// reader and by rebuild.
func (db *DB) EventsAfter(after int64, limit int) ([]*event.Envelope, error) {
	rows, err := db.Query(
		"SELECT "+eventColumns+" FROM events WHERE global_position > ? ORDER BY global_position LIMIT ?",
		after, limit)
	if err != nil {
		return nil, unavailable("events after", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// EventsByPositions returns event documents for the given positions,
// in position order. Positions with no surviving document are skipped.
func (db *DB) EventsByPositions(positions []int64) ([]*event.Envelope, error) {
	if len(positions) == 0 {
		return nil, nil
	}
	ph := make([]string, len(positions))
	args := make([]any, len(positions))
	for i, p := range positions {
		ph[i] = "?"
		args[i] = p
	}
	rows, err := db.Query(
		"SELECT "+eventColumns+" FROM events WHERE global_position IN ("+strings.Join(ph, ",")+") ORDER BY global_position",
		args...)
	if err != nil {
		return nil, unavailable("events by positions", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// LedgerSize returns the number of persisted event documents.
func (db *DB) LedgerSize() (int, error) {
	var n int
	err := db.QueryRow("SELECT COUNT(*) FROM events").Scan(&n)
	return n, err
}

// PreviousSessionEvent returns the event in the same session with the
// greatest occurred_at strictly before the given time (position breaks
// occurred_at ties). Nil if the event is first in its session.
func (db *DB) PreviousSessionEvent(sessionID string, occurredAt int64, beforePosition int64) (*event.Envelope, error) {
	row := db.QueryRow(`
		SELECT `+eventColumns+` FROM events
		WHERE session_id = ? AND (occurred_at < ? OR (occurred_at = ? AND global_position < ?))
		ORDER BY occurred_at DESC, global_position DESC LIMIT 1
	`, sessionID, occurredAt, occurredAt, beforePosition)
	ev, err := scanEvent(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("previous session event: %w", err)
	}
	return ev, nil
}

// NextSessionEvent returns the event in the same session with the
// smallest occurred_at strictly after the given time (position breaks
// occurred_at ties). Nil if the event is last in its session.
func (db *DB) NextSessionEvent(sessionID string, occurredAt int64, afterPosition int64) (*event.Envelope, error) {
	row := db.QueryRow(`
		SELECT `+eventColumns+` FROM events
		WHERE session_id = ? AND (occurred_at > ? OR (occurred_at = ? AND global_position > ?))
		ORDER BY occurred_at ASC, global_position ASC LIMIT 1
	`, sessionID, occurredAt, occurredAt, afterPosition)
	ev, err := scanEvent(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("next session event: %w", err)
	}
	return ev, nil
}

// TrimStream deletes stream entries older than the cutoff. Event
// documents are retained independently; positions stay monotonic
// because the stream uses AUTOINCREMENT.
func (db *DB) TrimStream(olderThan int64) (int, error) {
	res, err := db.Exec("DELETE FROM stream_entries WHERE added_at < ?", olderThan)
	if err != nil {
		return 0, fmt.Errorf("trim stream: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// ExpireDedup deletes dedup records whose occurred_at is older than the
// cutoff. An event re-ingested after its dedup record expires is
// treated as a new, distinct event; that window is a configured
// trade-off, not silent loss.
func (db *DB) ExpireDedup(olderThan int64) (int, error) {
	res, err := db.Exec("DELETE FROM dedup WHERE occurred_at < ?", olderThan)
	if err != nil {
		return 0, fmt.Errorf("expire dedup: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (*event.Envelope, error) {
	var ev event.Envelope
	var agentID, traceID, payloadRef, payload, toolName, parentID, status sql.NullString
	var endedAt sql.NullInt64
	err := row.Scan(&ev.EventID, &ev.EventType, &ev.OccurredAt, &ev.SessionID, &agentID, &traceID,
		&payloadRef, &payload, &toolName, &parentID, &endedAt, &status, &ev.Importance,
		&ev.SchemaVersion, &ev.GlobalPosition)
	if err != nil {
		return nil, err
	}
	ev.AgentID = agentID.String
	ev.TraceID = traceID.String
	ev.PayloadRef = payloadRef.String
	if payload.Valid && payload.String != "" {
		ev.Payload = []byte(payload.String)
	}
	ev.ToolName = toolName.String
	ev.ParentEventID = parentID.String
	if endedAt.Valid {
		ev.EndedAt = endedAt.Int64
	}
	ev.Status = status.String
	return &ev, nil
}

func scanEvents(rows *sql.Rows) ([]*event.Envelope, error) {
	var evs []*event.Envelope
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		evs = append(evs, ev)
	}
	return evs, rows.Err()
}
