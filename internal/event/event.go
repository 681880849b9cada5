package event

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Envelope is the immutable event record appended to the ledger.
// GlobalPosition is zero until ingestion assigns it; once assigned it
// never changes.
type Envelope struct {
	EventID        string          `json:"event_id"`
	EventType      string          `json:"event_type"` // dot-namespaced, e.g. "agent.invoke"
	OccurredAt     int64           `json:"occurred_at"`
	SessionID      string          `json:"session_id"`
	AgentID        string          `json:"agent_id,omitempty"`
	TraceID        string          `json:"trace_id,omitempty"`
	PayloadRef     string          `json:"payload_ref,omitempty"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	ToolName       string          `json:"tool_name,omitempty"`
	ParentEventID  string          `json:"parent_event_id,omitempty"`
	EndedAt        int64           `json:"ended_at,omitempty"`
	Status         string          `json:"status,omitempty"`
	Importance     int             `json:"importance,omitempty"` // 1-10 hint, 0 = unset
	SchemaVersion  int             `json:"schema_version,omitempty"`
	GlobalPosition int64           `json:"global_position,omitempty"`
}

// ValidationError reports a malformed envelope field. Rejected before
// any write.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// NotFoundError reports a referenced event, session, or node that does
// not exist.
type NotFoundError struct {
	Kind string // "event", "session", "node"
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.ID)
}

// Validate checks the envelope before it may enter the ledger.
func (ev *Envelope) Validate() error {
	if ev.EventID == "" {
		return &ValidationError{Field: "event_id", Reason: "required"}
	}
	if _, err := uuid.Parse(ev.EventID); err != nil {
		return &ValidationError{Field: "event_id", Reason: "must be a UUID"}
	}
	if ev.EventType == "" {
		return &ValidationError{Field: "event_type", Reason: "required"}
	}
	if !strings.Contains(ev.EventType, ".") {
		return &ValidationError{Field: "event_type", Reason: "must be dot-namespaced, e.g. agent.invoke"}
	}
	if ev.SessionID == "" {
		return &ValidationError{Field: "session_id", Reason: "required"}
	}
	if ev.OccurredAt <= 0 {
		return &ValidationError{Field: "occurred_at", Reason: "must be a positive epoch-milliseconds timestamp"}
	}
	if ev.ParentEventID != "" {
		if _, err := uuid.Parse(ev.ParentEventID); err != nil {
			return &ValidationError{Field: "parent_event_id", Reason: "must be a UUID"}
		}
	}
	if ev.Importance < 0 || ev.Importance > 10 {
		return &ValidationError{Field: "importance", Reason: "must be between 1 and 10"}
	}
	if ev.GlobalPosition != 0 {
		return &ValidationError{Field: "global_position", Reason: "assigned by the ledger, must be unset"}
	}
	return nil
}

// ImportanceOrDefault returns the 1-10 importance hint, defaulting to 5
// when the producer supplied none.
func (ev *Envelope) ImportanceOrDefault() int {
	if ev.Importance == 0 {
		return 5
	}
	return ev.Importance
}
