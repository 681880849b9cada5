package store

import (
	"testing"
)

func TestUpsertNodeIdempotent(t *testing.T) {
	db := testDB(t)

	node := GraphNode{
		Type:       NodeEvent,
		Key:        "ev-1",
		Attributes: map[string]any{"event_type": "agent.invoke"},
		Content:    "agent.invoke search",
		Importance: 7,
		Provenance: Provenance{
			SourceEventIDs: []string{"ev-1"},
			OccurredAt:     1000,
			SessionID:      "sess-1",
		},
		GlobalPosition: 3,
		LastEventAt:    1000,
	}

	if err := db.UpsertNodes([]GraphNode{node}); err != nil {
		t.Fatalf("UpsertNodes: %v", err)
	}
	if err := db.UpsertNodes([]GraphNode{node}); err != nil {
		t.Fatalf("replay UpsertNodes: %v", err)
	}

	nodes, edges, err := db.GraphCounts()
	if err != nil {
		t.Fatalf("GraphCounts: %v", err)
	}
	if nodes != 1 || edges != 0 {
		t.Errorf("counts = %d nodes %d edges, want 1/0", nodes, edges)
	}

	got, err := db.GetNode(NodeEvent, "ev-1")
	if err != nil {
		t.Fatalf("GetNode: %v", err)
	}
	if got == nil {
		t.Fatal("node missing after upsert")
	}
	if got.Importance != 7 || got.GlobalPosition != 3 {
		t.Errorf("importance=%d position=%d, want 7/3", got.Importance, got.GlobalPosition)
	}
	if got.Attributes["event_type"] != "agent.invoke" {
		t.Errorf("attributes = %v", got.Attributes)
	}
	if got.Provenance.SessionID != "sess-1" {
		t.Errorf("provenance session = %q", got.Provenance.SessionID)
	}
}

func TestUpsertNodeMergesByNaturalKey(t *testing.T) {
	db := testDB(t)

	db.UpsertNodes([]GraphNode{{
		Type: NodePreference, Key: "dark-mode",
		Content: "prefers dark mode", Importance: 5,
		GlobalPosition: 2, LastEventAt: 1000,
	}})
	db.UpsertNodes([]GraphNode{{
		Type: NodePreference, Key: "dark-mode",
		Content: "strongly prefers dark mode", Importance: 8,
		GlobalPosition: 9, LastEventAt: 2000,
	}})

	got, _ := db.GetNode(NodePreference, "dark-mode")
	if got.Content != "strongly prefers dark mode" {
		t.Errorf("content = %q", got.Content)
	}
	if got.Importance != 8 {
		t.Errorf("importance = %d, want 8", got.Importance)
	}
	// First assigned position sticks; last_event_at advances.
	if got.GlobalPosition != 2 {
		t.Errorf("global position = %d, want 2", got.GlobalPosition)
	}
	if got.LastEventAt != 2000 {
		t.Errorf("last_event_at = %d, want 2000", got.LastEventAt)
	}

	// Same type namespace only: an Entity with the same key is distinct.
	db.UpsertNodes([]GraphNode{{Type: NodeEntity, Key: "dark-mode", Content: "x"}})
	nodes, _, _ := db.GraphCounts()
	if nodes != 2 {
		t.Errorf("nodes = %d, want 2", nodes)
	}
}

func TestUpsertEdgesIdempotent(t *testing.T) {
	db := testDB(t)

	edge := GraphEdge{
		SourceType: NodeEvent, SourceKey: "ev-1",
		TargetType: NodeEvent, TargetKey: "ev-2",
		Type:       EdgeFollows,
		Properties: map[string]any{"delta_ms": float64(250)},
	}
	if err := db.UpsertEdges([]GraphEdge{edge}); err != nil {
		t.Fatalf("UpsertEdges: %v", err)
	}
	if err := db.UpsertEdges([]GraphEdge{edge}); err != nil {
		t.Fatalf("replay UpsertEdges: %v", err)
	}

	_, edges, _ := db.GraphCounts()
	if edges != 1 {
		t.Errorf("edges = %d, want 1", edges)
	}

	out, err := db.OutgoingEdges(NodeEvent, "ev-1")
	if err != nil {
		t.Fatalf("OutgoingEdges: %v", err)
	}
	if len(out) != 1 || out[0].Type != EdgeFollows {
		t.Fatalf("outgoing = %+v", out)
	}
	if out[0].Properties["delta_ms"] != float64(250) {
		t.Errorf("delta_ms = %v", out[0].Properties["delta_ms"])
	}

	in, _ := db.IncomingEdges(NodeEvent, "ev-2")
	if len(in) != 1 {
		t.Errorf("incoming = %+v", in)
	}
}

func TestUpsertEdgesDisplacesFollowsPredecessor(t *testing.T) {
	db := testDB(t)

	if err := db.UpsertEdges([]GraphEdge{{
		SourceType: NodeEvent, SourceKey: "ev-1",
		TargetType: NodeEvent, TargetKey: "ev-3",
		Type:       EdgeFollows,
		Properties: map[string]any{"delta_ms": float64(20)},
	}}); err != nil {
		t.Fatalf("UpsertEdges: %v", err)
	}

	// A new predecessor replaces the old FOLLOWS edge into the same
	// target instead of accumulating alongside it.
	if err := db.UpsertEdges([]GraphEdge{{
		SourceType: NodeEvent, SourceKey: "ev-2",
		TargetType: NodeEvent, TargetKey: "ev-3",
		Type:       EdgeFollows,
		Properties: map[string]any{"delta_ms": float64(10)},
	}}); err != nil {
		t.Fatalf("UpsertEdges replacement: %v", err)
	}

	in, err := db.IncomingEdges(NodeEvent, "ev-3")
	if err != nil {
		t.Fatalf("IncomingEdges: %v", err)
	}
	if len(in) != 1 {
		t.Fatalf("incoming = %+v, want exactly one FOLLOWS", in)
	}
	if in[0].SourceKey != "ev-2" || in[0].Properties["delta_ms"] != float64(10) {
		t.Errorf("surviving edge = %+v, want from ev-2 with delta 10", in[0])
	}

	// Non-FOLLOWS edges are untouched by the displacement rule.
	if err := db.UpsertEdges([]GraphEdge{
		{SourceType: NodeEvent, SourceKey: "ev-1", TargetType: NodeEntity, TargetKey: "api", Type: EdgeAbout},
		{SourceType: NodeEvent, SourceKey: "ev-2", TargetType: NodeEntity, TargetKey: "api", Type: EdgeAbout},
	}); err != nil {
		t.Fatalf("UpsertEdges abouts: %v", err)
	}
	abouts, _ := db.IncomingEdges(NodeEntity, "api")
	if len(abouts) != 2 {
		t.Errorf("ABOUT edges = %d, want 2", len(abouts))
	}
}

func TestNodesBySessionOrdered(t *testing.T) {
	db := testDB(t)

	db.UpsertNodes([]GraphNode{
		{Type: NodeEvent, Key: "b", Provenance: Provenance{SessionID: "s1"}, GlobalPosition: 2},
		{Type: NodeEvent, Key: "a", Provenance: Provenance{SessionID: "s1"}, GlobalPosition: 1},
		{Type: NodeEvent, Key: "c", Provenance: Provenance{SessionID: "s2"}, GlobalPosition: 3},
	})

	nodes, err := db.NodesBySession("s1")
	if err != nil {
		t.Fatalf("NodesBySession: %v", err)
	}
	if len(nodes) != 2 {
		t.Fatalf("got %d nodes, want 2", len(nodes))
	}
	if nodes[0].Key != "a" || nodes[1].Key != "b" {
		t.Errorf("order = %s,%s want a,b", nodes[0].Key, nodes[1].Key)
	}
}

func TestResetGraph(t *testing.T) {
	db := testDB(t)

	db.UpsertNodes([]GraphNode{{Type: NodeEvent, Key: "x"}})
	db.UpsertEdges([]GraphEdge{{
		SourceType: NodeEvent, SourceKey: "x",
		TargetType: NodeEvent, TargetKey: "y", Type: EdgeFollows,
	}})

	if err := db.ResetGraph(); err != nil {
		t.Fatalf("ResetGraph: %v", err)
	}
	nodes, edges, _ := db.GraphCounts()
	if nodes != 0 || edges != 0 {
		t.Errorf("counts after reset = %d/%d, want 0/0", nodes, edges)
	}
}
