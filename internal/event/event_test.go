package event

import (
	"errors"
	"testing"

	"github.com/google/uuid"
)

func valid() *Envelope {
	return &Envelope{
		EventID:    uuid.NewString(),
		EventType:  "agent.invoke",
		OccurredAt: 1_700_000_000_000,
		SessionID:  "sess-1",
	}
}

func TestValidateAccepts(t *testing.T) {
	ev := valid()
	ev.ParentEventID = uuid.NewString()
	ev.Importance = 10
	if err := ev.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestValidateRejects(t *testing.T) {
	cases := []struct {
		name  string
		mut   func(*Envelope)
		field string
	}{
		{"missing id", func(e *Envelope) { e.EventID = "" }, "event_id"},
		{"non-uuid id", func(e *Envelope) { e.EventID = "abc-123" }, "event_id"},
		{"missing type", func(e *Envelope) { e.EventType = "" }, "event_type"},
		{"unnamespaced type", func(e *Envelope) { e.EventType = "invoke" }, "event_type"},
		{"missing session", func(e *Envelope) { e.SessionID = "" }, "session_id"},
		{"zero timestamp", func(e *Envelope) { e.OccurredAt = 0 }, "occurred_at"},
		{"negative timestamp", func(e *Envelope) { e.OccurredAt = -5 }, "occurred_at"},
		{"non-uuid parent", func(e *Envelope) { e.ParentEventID = "nope" }, "parent_event_id"},
		{"importance too high", func(e *Envelope) { e.Importance = 11 }, "importance"},
		{"preassigned position", func(e *Envelope) { e.GlobalPosition = 9 }, "global_position"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			ev := valid()
			c.mut(ev)
			err := ev.Validate()
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("err = %v, want ValidationError", err)
			}
			if verr.Field != c.field {
				t.Errorf("field = %q, want %q", verr.Field, c.field)
			}
		})
	}
}

func TestImportanceOrDefault(t *testing.T) {
	ev := valid()
	if got := ev.ImportanceOrDefault(); got != 5 {
		t.Errorf("unset importance = %d, want 5", got)
	}
	ev.Importance = 2
	if got := ev.ImportanceOrDefault(); got != 2 {
		t.Errorf("set importance = %d, want 2", got)
	}
}

func TestErrorMessages(t *testing.T) {
	verr := &ValidationError{Field: "event_id", Reason: "required"}
	if verr.Error() != "invalid event_id: required" {
		t.Errorf("ValidationError = %q", verr.Error())
	}
	nf := &NotFoundError{Kind: "event", ID: "abc"}
	if nf.Error() != `event "abc" not found` {
		t.Errorf("NotFoundError = %q", nf.Error())
	}
}
