package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// NodeType enumerates the graph's typed node variants.
type NodeType string

const (
	NodeEvent             NodeType = "Event"
	NodeEntity            NodeType = "Entity"
	NodeSummary           NodeType = "Summary"
	NodeUserProfile       NodeType = "UserProfile"
	NodePreference        NodeType = "Preference"
	NodeSkill             NodeType = "Skill"
	NodeWorkflow          NodeType = "Workflow"
	NodeBehavioralPattern NodeType = "BehavioralPattern"
)

// EdgeType enumerates the graph's typed relations.
type EdgeType string

const (
	EdgeFollows      EdgeType = "FOLLOWS"
	EdgeCausedBy     EdgeType = "CAUSED_BY"
	EdgeSimilarTo    EdgeType = "SIMILAR_TO"
	EdgeDerivedFrom  EdgeType = "DERIVED_FROM"
	EdgePartOf       EdgeType = "PART_OF"
	EdgeReferences   EdgeType = "REFERENCES"
	EdgePerformedBy  EdgeType = "PERFORMED_BY"
	EdgeOccurredIn   EdgeType = "OCCURRED_IN"
	EdgeAbout        EdgeType = "ABOUT"
	EdgePrefers      EdgeType = "PREFERS"
	EdgeExhibits     EdgeType = "EXHIBITS"
	EdgeHasSkill     EdgeType = "HAS_SKILL"
	EdgeInstanceOf   EdgeType = "INSTANCE_OF"
	EdgeSummarizes   EdgeType = "SUMMARIZES"
	EdgeLeadsTo      EdgeType = "LEADS_TO"
	EdgeObservedWith EdgeType = "OBSERVED_WITH"
)

// Provenance records where a derived node came from.
type Provenance struct {
	SourceEventIDs []string `json:"source_event_ids,omitempty"`
	OccurredAt     int64    `json:"occurred_at,omitempty"`
	SessionID      string   `json:"session_id,omitempty"`
	AgentID        string   `json:"agent_id,omitempty"`
	TraceID        string   `json:"trace_id,omitempty"`
}

// GraphNode is a typed node in the derived projection. Core fields are
// fixed; Attributes is the open bag for type-specific fields. The
// natural key is unique per type, and upserts merge by it.
type GraphNode struct {
	Type           NodeType       `json:"type"`
	Key            string         `json:"key"`
	Attributes     map[string]any `json:"attributes,omitempty"`
	Content        string         `json:"content,omitempty"`
	Importance     int            `json:"importance"`
	Provenance     Provenance     `json:"provenance"`
	GlobalPosition int64          `json:"global_position,omitempty"`
	LastEventAt    int64          `json:"last_event_at,omitempty"`
}

// Ref returns the node's graph-wide identifier, "Type:key".
func (n *GraphNode) Ref() string {
	return string(n.Type) + ":" + n.Key
}

// GraphEdge is a typed relation between two nodes. Edges are derived
// from ledger contents and safe to regenerate.
type GraphEdge struct {
	SourceType NodeType       `json:"source_type"`
	SourceKey  string         `json:"source_key"`
	TargetType NodeType       `json:"target_type"`
	TargetKey  string         `json:"target_key"`
	Type       EdgeType       `json:"type"`
	Properties map[string]any `json:"properties,omitempty"`
}

// SourceRef returns "Type:key" for the edge source.
func (e *GraphEdge) SourceRef() string { return string(e.SourceType) + ":" + e.SourceKey }

// TargetRef returns "Type:key" for the edge target.
func (e *GraphEdge) TargetRef() string { return string(e.TargetType) + ":" + e.TargetKey }

// UpsertNodes applies a batch of node upserts in one transaction.
// Merge-by-natural-key: an existing node has its mutable fields
// updated, a missing one is created. Replaying the same input is a
// no-op beyond bookkeeping timestamps.
func (db *DB) UpsertNodes(nodes []GraphNode) error {
	if len(nodes) == 0 {
		return nil
	}
	tx, err := db.Begin()
	if err != nil {
		return unavailable("begin upsert nodes", err)
	}
	defer tx.Rollback()

	now := time.Now().UnixMilli()
	for _, n := range nodes {
		attrs, err := marshalMap(n.Attributes)
		if err != nil {
			return fmt.Errorf("node %s attributes: %w", n.Ref(), err)
		}
		sources, err := marshalStrings(n.Provenance.SourceEventIDs)
		if err != nil {
			return fmt.Errorf("node %s sources: %w", n.Ref(), err)
		}

		// global_position keeps its first assigned value so rank tie
		// breaking stays deterministic across replays.
		if _, err := tx.Exec(`
			INSERT INTO graph_nodes (node_type, natural_key, attributes, content, importance,
				source_event_ids, occurred_at, session_id, agent_id, trace_id,
				global_position, last_event_at, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, NULLIF(?, ''), NULLIF(?, ''), NULLIF(?, ''), ?, ?, ?, ?)
			ON CONFLICT (node_type, natural_key) DO UPDATE SET
				attributes       = excluded.attributes,
				content          = excluded.content,
				importance       = excluded.importance,
				source_event_ids = excluded.source_event_ids,
				occurred_at      = excluded.occurred_at,
				session_id       = excluded.session_id,
				agent_id         = excluded.agent_id,
				trace_id         = excluded.trace_id,
				global_position  = CASE WHEN graph_nodes.global_position = 0
					THEN excluded.global_position ELSE graph_nodes.global_position END,
				last_event_at    = MAX(graph_nodes.last_event_at, excluded.last_event_at),
				updated_at       = excluded.updated_at
		`, n.Type, n.Key, attrs, n.Content, n.Importance,
			sources, n.Provenance.OccurredAt, n.Provenance.SessionID, n.Provenance.AgentID,
			n.Provenance.TraceID, n.GlobalPosition, n.LastEventAt, now, now); err != nil {
			return fmt.Errorf("upsert node %s: %w", n.Ref(), err)
		}
	}
	if err := tx.Commit(); err != nil {
		return unavailable("commit upsert nodes", err)
	}
	return nil
}

// UpsertEdges applies a batch of edge upserts in one transaction,
// merged by (source, type, target).
func (db *DB) UpsertEdges(edges []GraphEdge) error {
	if len(edges) == 0 {
		return nil
	}
	tx, err := db.Begin()
	if err != nil {
		return unavailable("begin upsert edges", err)
	}
	defer tx.Rollback()

	now := time.Now().UnixMilli()
	for _, e := range edges {
		props, err := marshalMap(e.Properties)
		if err != nil {
			return fmt.Errorf("edge %s-%s->%s properties: %w", e.SourceRef(), e.Type, e.TargetRef(), err)
		}
		// A node has exactly one FOLLOWS predecessor. When a late event
		// becomes the new predecessor, the stale edge from the old one
		// is displaced in the same transaction.
		if e.Type == EdgeFollows {
			if _, err := tx.Exec(`
				DELETE FROM graph_edges
				WHERE edge_type = ? AND target_type = ? AND target_key = ?
					AND NOT (source_type = ? AND source_key = ?)
			`, e.Type, e.TargetType, e.TargetKey, e.SourceType, e.SourceKey); err != nil {
				return fmt.Errorf("displace follows into %s: %w", e.TargetRef(), err)
			}
		}
		if _, err := tx.Exec(`
			INSERT INTO graph_edges (source_type, source_key, target_type, target_key, edge_type,
				properties, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (source_type, source_key, edge_type, target_type, target_key) DO UPDATE SET
				properties = excluded.properties,
				updated_at = excluded.updated_at
		`, e.SourceType, e.SourceKey, e.TargetType, e.TargetKey, e.Type, props, now, now); err != nil {
			return fmt.Errorf("upsert edge %s-%s->%s: %w", e.SourceRef(), e.Type, e.TargetRef(), err)
		}
	}
	if err := tx.Commit(); err != nil {
		return unavailable("commit upsert edges", err)
	}
	return nil
}

const nodeColumns = `node_type, natural_key, attributes, content, importance,
	source_event_ids, occurred_at, session_id, agent_id, trace_id,
	global_position, last_event_at`

// GetNode returns a node by type and natural key, or nil if absent.
func (db *DB) GetNode(nodeType NodeType, key string) (*GraphNode, error) {
	row := db.QueryRow("SELECT "+nodeColumns+" FROM graph_nodes WHERE node_type = ? AND natural_key = ?", nodeType, key)
	n, err := scanGraphNode(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get node: %w", err)
	}
	return n, nil
}

// NodesBySession returns all nodes whose provenance ties them to the
// session, in ledger order.
func (db *DB) NodesBySession(sessionID string) ([]GraphNode, error) {
	rows, err := db.Query(
		"SELECT "+nodeColumns+" FROM graph_nodes WHERE session_id = ? ORDER BY global_position", sessionID)
	if err != nil {
		return nil, unavailable("nodes by session", err)
	}
	defer rows.Close()
	return scanGraphNodes(rows)
}

// NodesByTypes returns nodes of the given types, most recent first.
func (db *DB) NodesByTypes(types []NodeType, limit int) ([]GraphNode, error) {
	if len(types) == 0 {
		return nil, nil
	}
	ph := make([]string, len(types))
	args := make([]any, 0, len(types)+1)
	for i, t := range types {
		ph[i] = "?"
		args = append(args, t)
	}
	args = append(args, limit)
	rows, err := db.Query(
		"SELECT "+nodeColumns+" FROM graph_nodes WHERE node_type IN ("+strings.Join(ph, ",")+
			") ORDER BY last_event_at DESC LIMIT ?", args...)
	if err != nil {
		return nil, unavailable("nodes by types", err)
	}
	defer rows.Close()
	return scanGraphNodes(rows)
}

const edgeColumns = "source_type, source_key, target_type, target_key, edge_type, properties"

// OutgoingEdges returns edges whose source is the given node.
func (db *DB) OutgoingEdges(nodeType NodeType, key string) ([]GraphEdge, error) {
	rows, err := db.Query(
		"SELECT "+edgeColumns+" FROM graph_edges WHERE source_type = ? AND source_key = ? ORDER BY id", nodeType, key)
	if err != nil {
		return nil, unavailable("outgoing edges", err)
	}
	defer rows.Close()
	return scanGraphEdges(rows)
}

// IncomingEdges returns edges whose target is the given node.
func (db *DB) IncomingEdges(nodeType NodeType, key string) ([]GraphEdge, error) {
	rows, err := db.Query(
		"SELECT "+edgeColumns+" FROM graph_edges WHERE target_type = ? AND target_key = ? ORDER BY id", nodeType, key)
	if err != nil {
		return nil, unavailable("incoming edges", err)
	}
	defer rows.Close()
	return scanGraphEdges(rows)
}

// GraphCounts returns node and edge totals.
func (db *DB) GraphCounts() (nodes, edges int, err error) {
	if err = db.QueryRow("SELECT COUNT(*) FROM graph_nodes").Scan(&nodes); err != nil {
		return 0, 0, err
	}
	if err = db.QueryRow("SELECT COUNT(*) FROM graph_edges").Scan(&edges); err != nil {
		return 0, 0, err
	}
	return nodes, edges, nil
}

// ResetGraph deletes every node and edge. The graph is fully derived,
// so this is always safe; rebuild replays the ledger to restore it.
func (db *DB) ResetGraph() error {
	tx, err := db.Begin()
	if err != nil {
		return unavailable("begin reset graph", err)
	}
	defer tx.Rollback()
	if _, err := tx.Exec("DELETE FROM graph_edges"); err != nil {
		return fmt.Errorf("clear edges: %w", err)
	}
	if _, err := tx.Exec("DELETE FROM graph_nodes"); err != nil {
		return fmt.Errorf("clear nodes: %w", err)
	}
	return tx.Commit()
}

func marshalMap(m map[string]any) (string, error) {
	if len(m) == 0 {
		return "", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func marshalStrings(s []string) (string, error) {
	if len(s) == 0 {
		return "", nil
	}
	b, err := json.Marshal(s)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func scanGraphNode(row rowScanner) (*GraphNode, error) {
	var n GraphNode
	var attrs, sources, sessionID, agentID, traceID, content sql.NullString
	var occurredAt sql.NullInt64
	err := row.Scan(&n.Type, &n.Key, &attrs, &content, &n.Importance,
		&sources, &occurredAt, &sessionID, &agentID, &traceID,
		&n.GlobalPosition, &n.LastEventAt)
	if err != nil {
		return nil, err
	}
	n.Content = content.String
	if attrs.Valid && attrs.String != "" {
		if err := json.Unmarshal([]byte(attrs.String), &n.Attributes); err != nil {
			return nil, fmt.Errorf("decode attributes for %s: %w", n.Ref(), err)
		}
	}
	if sources.Valid && sources.String != "" {
		if err := json.Unmarshal([]byte(sources.String), &n.Provenance.SourceEventIDs); err != nil {
			return nil, fmt.Errorf("decode sources for %s: %w", n.Ref(), err)
		}
	}
	if occurredAt.Valid {
		n.Provenance.OccurredAt = occurredAt.Int64
	}
	n.Provenance.SessionID = sessionID.String
	n.Provenance.AgentID = agentID.String
	n.Provenance.TraceID = traceID.String
	return &n, nil
}

func scanGraphNodes(rows *sql.Rows) ([]GraphNode, error) {
	var nodes []GraphNode
	for rows.Next() {
		n, err := scanGraphNode(rows)
		if err != nil {
			return nil, fmt.Errorf("scan node: %w", err)
		}
		nodes = append(nodes, *n)
	}
	return nodes, rows.Err()
}

func scanGraphEdges(rows *sql.Rows) ([]GraphEdge, error) {
	var edges []GraphEdge
	for rows.Next() {
		var e GraphEdge
		var props sql.NullString
		if err := rows.Scan(&e.SourceType, &e.SourceKey, &e.TargetType, &e.TargetKey, &e.Type, &props); err != nil {
			return nil, fmt.Errorf("scan edge: %w", err)
		}
		if props.Valid && props.String != "" {
			if err := json.Unmarshal([]byte(props.String), &e.Properties); err != nil {
				return nil, fmt.Errorf("decode edge properties: %w", err)
			}
		}
		edges = append(edges, e)
	}
	return edges, rows.Err()
}
