package store

import (
	"fmt"
)

type migration struct {
	Version     int
	Description string
	SQL         string
}

var migrations = []migration{
	{
		Version:     1,
		Description: "events + stream_entries + dedup: the append-only ledger",
		SQL: `
CREATE TABLE events (
    event_id        TEXT PRIMARY KEY,
    event_type      TEXT NOT NULL,
    occurred_at     INTEGER NOT NULL,
    session_id      TEXT NOT NULL,
    agent_id        TEXT,
    trace_id        TEXT,
    payload_ref     TEXT,
    payload         TEXT,
    tool_name       TEXT,
    parent_event_id TEXT,
    ended_at        INTEGER,
    status          TEXT,
    importance      INTEGER NOT NULL DEFAULT 0,
    schema_version  INTEGER NOT NULL DEFAULT 1,
    global_position INTEGER NOT NULL UNIQUE,
    ingested_at     INTEGER NOT NULL
);

CREATE INDEX idx_events_session ON events(session_id, global_position);
CREATE INDEX idx_events_parent  ON events(parent_event_id);

-- The global ordered stream. AUTOINCREMENT keeps positions monotonic
-- even across trims. The session sub-stream is this table filtered by
-- session_id.
CREATE TABLE stream_entries (
    position    INTEGER PRIMARY KEY AUTOINCREMENT,
    event_id    TEXT NOT NULL,
    session_id  TEXT NOT NULL,
    occurred_at INTEGER NOT NULL,
    added_at    INTEGER NOT NULL
);

CREATE INDEX idx_stream_session ON stream_entries(session_id, position);
CREATE INDEX idx_stream_added   ON stream_entries(added_at);

-- One row per distinct event_id; occurred_at doubles as the expiry
-- ordering score.
CREATE TABLE dedup (
    event_id        TEXT PRIMARY KEY,
    occurred_at     INTEGER NOT NULL,
    global_position INTEGER NOT NULL
);

CREATE INDEX idx_dedup_occurred ON dedup(occurred_at);
`,
	},
	{
		Version:     2,
		Description: "consumer groups: cursors + pending entries with leases",
		SQL: `
CREATE TABLE group_cursors (
    group_name         TEXT PRIMARY KEY,
    delivered_position INTEGER NOT NULL DEFAULT 0,
    updated_at         INTEGER NOT NULL
);

CREATE TABLE group_pending (
    group_name       TEXT NOT NULL,
    position         INTEGER NOT NULL,
    event_id         TEXT NOT NULL,
    claimed_by       TEXT NOT NULL,
    lease_expires_at INTEGER NOT NULL,
    delivery_count   INTEGER NOT NULL DEFAULT 1,
    PRIMARY KEY (group_name, position)
);

CREATE INDEX idx_pending_lease ON group_pending(group_name, lease_expires_at);
`,
	},
	{
		Version:     3,
		Description: "graph_nodes + graph_edges: derived projection",
		SQL: `
CREATE TABLE graph_nodes (
    id               INTEGER PRIMARY KEY,
    node_type        TEXT NOT NULL,
    natural_key      TEXT NOT NULL,
    attributes       TEXT,
    content          TEXT,
    importance       INTEGER NOT NULL DEFAULT 5,
    source_event_ids TEXT,
    occurred_at      INTEGER,
    session_id       TEXT,
    agent_id         TEXT,
    trace_id         TEXT,
    global_position  INTEGER NOT NULL DEFAULT 0,
    last_event_at    INTEGER NOT NULL DEFAULT 0,
    created_at       INTEGER NOT NULL,
    updated_at       INTEGER NOT NULL,

    UNIQUE (node_type, natural_key)
);

CREATE INDEX idx_nodes_session ON graph_nodes(session_id);
CREATE INDEX idx_nodes_type    ON graph_nodes(node_type);

CREATE TABLE graph_edges (
    id          INTEGER PRIMARY KEY,
    source_type TEXT NOT NULL,
    source_key  TEXT NOT NULL,
    target_type TEXT NOT NULL,
    target_key  TEXT NOT NULL,
    edge_type   TEXT NOT NULL,
    properties  TEXT,
    created_at  INTEGER NOT NULL,
    updated_at  INTEGER NOT NULL,

    UNIQUE (source_type, source_key, edge_type, target_type, target_key)
);

CREATE INDEX idx_edges_source ON graph_edges(source_type, source_key);
CREATE INDEX idx_edges_target ON graph_edges(target_type, target_key);
`,
	},
	{
		Version:     4,
		Description: "dead_letters: events that exhausted projection retries",
		SQL: `
CREATE TABLE dead_letters (
    id             INTEGER PRIMARY KEY,
    group_name     TEXT NOT NULL,
    position       INTEGER NOT NULL,
    event_id       TEXT NOT NULL,
    reason         TEXT NOT NULL,
    delivery_count INTEGER NOT NULL,
    failed_at      INTEGER NOT NULL
);

CREATE INDEX idx_dead_group ON dead_letters(group_name, failed_at DESC);
`,
	},
	{
		Version:     5,
		Description: "dead_letters unique per (group, position): redelivery after a failed ack must not duplicate rows",
		SQL: `
CREATE UNIQUE INDEX idx_dead_entry ON dead_letters(group_name, position);
`,
	},
}

func (db *DB) migrate() error {
	// Create schema_versions table if it doesn't exist
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_versions (
			version     INTEGER PRIMARY KEY,
			description TEXT NOT NULL,
			applied_at  INTEGER NOT NULL DEFAULT (strftime('%s', 'now') * 1000)
		)
	`)
	if err != nil {
		return fmt.Errorf("create schema_versions: %w", err)
	}

	for _, m := range migrations {
		var count int
		err := db.QueryRow("SELECT COUNT(*) FROM schema_versions WHERE version = ?", m.Version).Scan(&count)
		if err != nil {
			return fmt.Errorf("check migration %d: %w", m.Version, err)
		}
		if count > 0 {
			continue
		}

		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", m.Version, err)
		}

		if _, err := tx.Exec(m.SQL); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %d (%s): %w", m.Version, m.Description, err)
		}

		if _, err := tx.Exec(
			"INSERT INTO schema_versions (version, description) VALUES (?, ?)",
			m.Version, m.Description,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.Version, err)
		}
	}

	return nil
}

// SchemaVersion returns the current schema version.
func (db *DB) SchemaVersion() (int, error) {
	var version int
	err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_versions").Scan(&version)
	return version, err
}
