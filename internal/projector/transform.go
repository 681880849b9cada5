package projector

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/lazypower/atlas/internal/event"
	"github.com/lazypower/atlas/internal/store"
)

// Consumer group names for the built-in projections.
const (
	GroupStructural = "structural"
	GroupEnrichment = "enrichment"
)

// Structural is the structural projection: every event becomes an
// Event node; a FOLLOWS edge links it to the previous event in its
// session, and parent_event_id yields a CAUSED_BY edge from parent to
// child.
func Structural(db *store.DB, ev *event.Envelope) ([]store.GraphNode, []store.GraphEdge, error) {
	node := eventNode(ev)
	nodes := []store.GraphNode{node}
	var edges []store.GraphEdge

	prev, err := db.PreviousSessionEvent(ev.SessionID, ev.OccurredAt, ev.GlobalPosition)
	if err != nil {
		return nil, nil, err
	}
	if prev != nil {
		edges = append(edges, store.GraphEdge{
			SourceType: store.NodeEvent,
			SourceKey:  prev.EventID,
			TargetType: store.NodeEvent,
			TargetKey:  ev.EventID,
			Type:       store.EdgeFollows,
			Properties: map[string]any{"delta_ms": ev.OccurredAt - prev.OccurredAt},
		})
	}

	// A late arrival may land between two already-projected events; the
	// successor's FOLLOWS edge must then point here instead. Emitting
	// the corrected edge displaces the stale one (FOLLOWS is unique per
	// target), keeping the live graph equal to a full rebuild.
	next, err := db.NextSessionEvent(ev.SessionID, ev.OccurredAt, ev.GlobalPosition)
	if err != nil {
		return nil, nil, err
	}
	if next != nil {
		edges = append(edges, store.GraphEdge{
			SourceType: store.NodeEvent,
			SourceKey:  ev.EventID,
			TargetType: store.NodeEvent,
			TargetKey:  next.EventID,
			Type:       store.EdgeFollows,
			Properties: map[string]any{"delta_ms": next.OccurredAt - ev.OccurredAt},
		})
	}

	if ev.ParentEventID != "" {
		edges = append(edges, store.GraphEdge{
			SourceType: store.NodeEvent,
			SourceKey:  ev.ParentEventID,
			TargetType: store.NodeEvent,
			TargetKey:  ev.EventID,
			Type:       store.EdgeCausedBy,
			Properties: map[string]any{"mechanism": "direct"},
		})
	}
	return nodes, edges, nil
}

func eventNode(ev *event.Envelope) store.GraphNode {
	attrs := map[string]any{"event_type": ev.EventType}
	if ev.ToolName != "" {
		attrs["tool_name"] = ev.ToolName
	}
	if ev.Status != "" {
		attrs["status"] = ev.Status
	}
	if ev.EndedAt != 0 {
		attrs["ended_at"] = ev.EndedAt
	}
	if ev.PayloadRef != "" {
		attrs["payload_ref"] = ev.PayloadRef
	}
	return store.GraphNode{
		Type:       store.NodeEvent,
		Key:        ev.EventID,
		Attributes: attrs,
		Content:    eventContent(ev),
		Importance: ev.ImportanceOrDefault(),
		Provenance: store.Provenance{
			SourceEventIDs: []string{ev.EventID},
			OccurredAt:     ev.OccurredAt,
			SessionID:      ev.SessionID,
			AgentID:        ev.AgentID,
			TraceID:        ev.TraceID,
		},
		GlobalPosition: ev.GlobalPosition,
		LastEventAt:    ev.OccurredAt,
	}
}

// eventContent assembles the text the relevance factor matches against.
func eventContent(ev *event.Envelope) string {
	parts := []string{ev.EventType}
	if ev.ToolName != "" {
		parts = append(parts, ev.ToolName)
	}
	if len(ev.Payload) > 0 {
		var m map[string]any
		if err := json.Unmarshal(ev.Payload, &m); err == nil {
			for _, k := range []string{"text", "summary", "name", "statement", "description"} {
				if s, ok := m[k].(string); ok && s != "" {
					parts = append(parts, s)
				}
			}
		}
	}
	return strings.Join(parts, " ")
}

// Enrichment derives personalization nodes from event payloads: user
// preferences, observed entities, agent skills, workflows, behavioral
// patterns, and summaries. It runs as an independent consumer group at
// its own pace.
func Enrichment(db *store.DB, ev *event.Envelope) ([]store.GraphNode, []store.GraphEdge, error) {
	payload := map[string]any{}
	if len(ev.Payload) > 0 {
		if err := json.Unmarshal(ev.Payload, &payload); err != nil {
			return nil, nil, fmt.Errorf("decode payload: %w", err)
		}
	}

	var nodes []store.GraphNode
	var edges []store.GraphEdge
	prov := store.Provenance{
		SourceEventIDs: []string{ev.EventID},
		OccurredAt:     ev.OccurredAt,
		SessionID:      ev.SessionID,
		AgentID:        ev.AgentID,
		TraceID:        ev.TraceID,
	}

	switch {
	case strings.HasPrefix(ev.EventType, "user.preference"):
		key := stringField(payload, "preference_id")
		if key == "" {
			return nil, nil, fmt.Errorf("user.preference event missing preference_id")
		}
		userID := stringField(payload, "user_id")
		if userID == "" {
			userID = "default"
		}
		pref := store.GraphNode{
			Type:       store.NodePreference,
			Key:        key,
			Attributes: map[string]any{"strength": numberField(payload, "strength", 1)},
			Content:    stringField(payload, "statement"),
			Importance: ev.ImportanceOrDefault(),
			Provenance: prov, GlobalPosition: ev.GlobalPosition, LastEventAt: ev.OccurredAt,
		}
		profile := store.GraphNode{
			Type: store.NodeUserProfile, Key: userID,
			Content:    "user profile " + userID,
			Importance: ev.ImportanceOrDefault(),
			Provenance: prov, GlobalPosition: ev.GlobalPosition, LastEventAt: ev.OccurredAt,
		}
		nodes = append(nodes, pref, profile)
		edges = append(edges,
			edge(profile, store.EdgePrefers, pref, map[string]any{"strength": numberField(payload, "strength", 1)}),
			derivedFrom(pref, ev))

	case strings.HasPrefix(ev.EventType, "entity."):
		key := stringField(payload, "entity_id")
		if key == "" {
			return nil, nil, fmt.Errorf("entity event missing entity_id")
		}
		entity := store.GraphNode{
			Type: store.NodeEntity, Key: key,
			Attributes: map[string]any{"kind": stringField(payload, "kind")},
			Content:    stringField(payload, "name") + " " + stringField(payload, "description"),
			Importance: ev.ImportanceOrDefault(),
			Provenance: prov, GlobalPosition: ev.GlobalPosition, LastEventAt: ev.OccurredAt,
		}
		nodes = append(nodes, entity)
		edges = append(edges,
			store.GraphEdge{
				SourceType: store.NodeEvent, SourceKey: ev.EventID,
				TargetType: store.NodeEntity, TargetKey: key,
				Type: store.EdgeAbout,
			},
			derivedFrom(entity, ev))

	case strings.HasPrefix(ev.EventType, "workflow."):
		key := stringField(payload, "workflow_id")
		if key == "" {
			return nil, nil, fmt.Errorf("workflow event missing workflow_id")
		}
		wf := store.GraphNode{
			Type: store.NodeWorkflow, Key: key,
			Content:    stringField(payload, "name"),
			Importance: ev.ImportanceOrDefault(),
			Provenance: prov, GlobalPosition: ev.GlobalPosition, LastEventAt: ev.OccurredAt,
		}
		nodes = append(nodes, wf)
		edges = append(edges, store.GraphEdge{
			SourceType: store.NodeEvent, SourceKey: ev.EventID,
			TargetType: store.NodeWorkflow, TargetKey: key,
			Type: store.EdgePartOf,
		})

	case strings.HasPrefix(ev.EventType, "pattern."):
		key := stringField(payload, "pattern_id")
		if key == "" {
			return nil, nil, fmt.Errorf("pattern event missing pattern_id")
		}
		userID := stringField(payload, "user_id")
		if userID == "" {
			userID = "default"
		}
		pattern := store.GraphNode{
			Type: store.NodeBehavioralPattern, Key: key,
			Content:    stringField(payload, "description"),
			Importance: ev.ImportanceOrDefault(),
			Provenance: prov, GlobalPosition: ev.GlobalPosition, LastEventAt: ev.OccurredAt,
		}
		profile := store.GraphNode{
			Type: store.NodeUserProfile, Key: userID,
			Content:    "user profile " + userID,
			Importance: ev.ImportanceOrDefault(),
			Provenance: prov, GlobalPosition: ev.GlobalPosition, LastEventAt: ev.OccurredAt,
		}
		nodes = append(nodes, pattern, profile)
		edges = append(edges,
			edge(profile, store.EdgeExhibits, pattern, nil),
			derivedFrom(pattern, ev))

	case strings.HasPrefix(ev.EventType, "summary."):
		key := stringField(payload, "summary_id")
		if key == "" {
			key = ev.EventID
		}
		summary := store.GraphNode{
			Type: store.NodeSummary, Key: key,
			Content:    stringField(payload, "text"),
			Importance: ev.ImportanceOrDefault(),
			Provenance: prov, GlobalPosition: ev.GlobalPosition, LastEventAt: ev.OccurredAt,
		}
		nodes = append(nodes, summary)
		edges = append(edges, derivedFrom(summary, ev))
	}

	// Agent and tool usage enrich the graph regardless of event type.
	if ev.AgentID != "" {
		agent := store.GraphNode{
			Type: store.NodeEntity, Key: ev.AgentID,
			Attributes: map[string]any{"kind": "agent"},
			Content:    "agent " + ev.AgentID,
			Importance: ev.ImportanceOrDefault(),
			Provenance: prov, GlobalPosition: ev.GlobalPosition, LastEventAt: ev.OccurredAt,
		}
		nodes = append(nodes, agent)
		edges = append(edges, store.GraphEdge{
			SourceType: store.NodeEvent, SourceKey: ev.EventID,
			TargetType: store.NodeEntity, TargetKey: ev.AgentID,
			Type: store.EdgePerformedBy,
		})
		if ev.ToolName != "" {
			skill := store.GraphNode{
				Type: store.NodeSkill, Key: ev.ToolName,
				Content:    "tool " + ev.ToolName,
				Importance: ev.ImportanceOrDefault(),
				Provenance: prov, GlobalPosition: ev.GlobalPosition, LastEventAt: ev.OccurredAt,
			}
			nodes = append(nodes, skill)
			edges = append(edges,
				edge(agent, store.EdgeHasSkill, skill, nil),
				derivedFrom(skill, ev))
		}
	}

	return nodes, edges, nil
}

func edge(source store.GraphNode, t store.EdgeType, target store.GraphNode, props map[string]any) store.GraphEdge {
	return store.GraphEdge{
		SourceType: source.Type, SourceKey: source.Key,
		TargetType: target.Type, TargetKey: target.Key,
		Type: t, Properties: props,
	}
}

func derivedFrom(n store.GraphNode, ev *event.Envelope) store.GraphEdge {
	return store.GraphEdge{
		SourceType: n.Type, SourceKey: n.Key,
		TargetType: store.NodeEvent, TargetKey: ev.EventID,
		Type: store.EdgeDerivedFrom,
	}
}

func stringField(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

func numberField(m map[string]any, key string, fallback float64) float64 {
	if f, ok := m[key].(float64); ok {
		return f
	}
	return fallback
}
