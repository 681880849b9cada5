package store

import (
	"database/sql"
	"fmt"

	"github.com/lazypower/atlas/internal/event"
)

// PendingEntry is a stream entry delivered to a consumer group and not
// yet acknowledged.
type PendingEntry struct {
	Position      int64
	Event         *event.Envelope
	DeliveryCount int
}

// EnsureGroup creates the cursor row for a consumer group if it does
// not exist. Groups are independent; each keeps its own cursor.
func (db *DB) EnsureGroup(group string, now int64) error {
	_, err := db.Exec(`
		INSERT INTO group_cursors (group_name, delivered_position, updated_at)
		VALUES (?, 0, ?)
		ON CONFLICT (group_name) DO NOTHING
	`, group, now)
	if err != nil {
		return unavailable("ensure group", err)
	}
	return nil
}

// ReadGroup delivers up to limit entries to a consumer in a group.
// Entries whose lease expired are reclaimed first (redelivery, with
// delivery_count bumped); the remainder are fresh entries past the
// group's delivered position. Every returned entry is pending under a
// lease owned by this consumer until acknowledged; that is the
// at-least-once contract.
func (db *DB) ReadGroup(group, consumer string, limit int, leaseExpiresAt, now int64) ([]PendingEntry, error) {
	tx, err := db.Begin()
	if err != nil {
		return nil, unavailable("begin read group", err)
	}
	defer tx.Rollback()

	var entries []PendingEntry

	// Reclaim expired leases first so stuck entries are redelivered
	// before new work.
	rows, err := tx.Query(`
		SELECT position, event_id, delivery_count FROM group_pending
		WHERE group_name = ? AND lease_expires_at <= ?
		ORDER BY position LIMIT ?
	`, group, now, limit)
	if err != nil {
		return nil, unavailable("reclaim pending", err)
	}
	type reclaim struct {
		position int64
		eventID  string
		count    int
	}
	var reclaims []reclaim
	for rows.Next() {
		var r reclaim
		if err := rows.Scan(&r.position, &r.eventID, &r.count); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan pending: %w", err)
		}
		reclaims = append(reclaims, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, r := range reclaims {
		if _, err := tx.Exec(`
			UPDATE group_pending SET claimed_by = ?, lease_expires_at = ?, delivery_count = delivery_count + 1
			WHERE group_name = ? AND position = ?
		`, consumer, leaseExpiresAt, group, r.position); err != nil {
			return nil, fmt.Errorf("reclaim entry %d: %w", r.position, err)
		}
		entries = append(entries, PendingEntry{Position: r.position, DeliveryCount: r.count + 1})
	}

	// Fresh entries past the delivered high-water mark.
	if remaining := limit - len(entries); remaining > 0 {
		var delivered int64
		err := tx.QueryRow("SELECT delivered_position FROM group_cursors WHERE group_name = ?", group).Scan(&delivered)
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("consumer group %q not created", group)
		}
		if err != nil {
			return nil, unavailable("read cursor", err)
		}

		fresh, err := tx.Query(`
			SELECT position, event_id FROM stream_entries
			WHERE position > ? ORDER BY position LIMIT ?
		`, delivered, remaining)
		if err != nil {
			return nil, unavailable("read stream", err)
		}
		type delivery struct {
			position int64
			eventID  string
		}
		var deliveries []delivery
		for fresh.Next() {
			var d delivery
			if err := fresh.Scan(&d.position, &d.eventID); err != nil {
				fresh.Close()
				return nil, fmt.Errorf("scan stream entry: %w", err)
			}
			deliveries = append(deliveries, d)
		}
		fresh.Close()
		if err := fresh.Err(); err != nil {
			return nil, err
		}

		for _, d := range deliveries {
			if _, err := tx.Exec(`
				INSERT INTO group_pending (group_name, position, event_id, claimed_by, lease_expires_at, delivery_count)
				VALUES (?, ?, ?, ?, ?, 1)
			`, group, d.position, d.eventID, consumer, leaseExpiresAt); err != nil {
				return nil, fmt.Errorf("record pending %d: %w", d.position, err)
			}
			entries = append(entries, PendingEntry{Position: d.position, DeliveryCount: 1})
		}

		if len(deliveries) > 0 {
			last := deliveries[len(deliveries)-1].position
			if _, err := tx.Exec(`
				UPDATE group_cursors SET delivered_position = ?, updated_at = ?
				WHERE group_name = ?
			`, last, now, group); err != nil {
				return nil, fmt.Errorf("advance cursor: %w", err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, unavailable("commit read group", err)
	}

	// Join the event documents outside the delivery transaction; the
	// documents are immutable so there is no read skew to worry about.
	positions := make([]int64, len(entries))
	for i, e := range entries {
		positions[i] = e.Position
	}
	evs, err := db.EventsByPositions(positions)
	if err != nil {
		return nil, err
	}
	byPos := make(map[int64]*event.Envelope, len(evs))
	for _, ev := range evs {
		byPos[ev.GlobalPosition] = ev
	}
	filled := entries[:0]
	for _, e := range entries {
		if ev, ok := byPos[e.Position]; ok {
			e.Event = ev
			filled = append(filled, e)
		}
	}
	return filled, nil
}

// Ack removes acknowledged positions from the group's pending set.
// Positions not pending are ignored.
func (db *DB) Ack(group string, positions []int64) error {
	if len(positions) == 0 {
		return nil
	}
	tx, err := db.Begin()
	if err != nil {
		return unavailable("begin ack", err)
	}
	defer tx.Rollback()

	for _, p := range positions {
		if _, err := tx.Exec(
			"DELETE FROM group_pending WHERE group_name = ? AND position = ?", group, p); err != nil {
			return fmt.Errorf("ack %d: %w", p, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return unavailable("commit ack", err)
	}
	return nil
}

// GroupCursor returns the group's delivered position and pending count.
func (db *DB) GroupCursor(group string) (delivered int64, pending int, err error) {
	err = db.QueryRow("SELECT delivered_position FROM group_cursors WHERE group_name = ?", group).Scan(&delivered)
	if err == sql.ErrNoRows {
		return 0, 0, &event.NotFoundError{Kind: "consumer group", ID: group}
	}
	if err != nil {
		return 0, 0, unavailable("group cursor", err)
	}
	if err = db.QueryRow("SELECT COUNT(*) FROM group_pending WHERE group_name = ?", group).Scan(&pending); err != nil {
		return 0, 0, unavailable("pending count", err)
	}
	return delivered, pending, nil
}

// ResetGroup rewinds a group to the start of the ledger and clears its
// pending set. Used by rebuild.
func (db *DB) ResetGroup(group string, now int64) error {
	tx, err := db.Begin()
	if err != nil {
		return unavailable("begin reset group", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM group_pending WHERE group_name = ?", group); err != nil {
		return fmt.Errorf("clear pending: %w", err)
	}
	if _, err := tx.Exec(`
		INSERT INTO group_cursors (group_name, delivered_position, updated_at) VALUES (?, 0, ?)
		ON CONFLICT (group_name) DO UPDATE SET delivered_position = 0, updated_at = excluded.updated_at
	`, group, now); err != nil {
		return fmt.Errorf("reset cursor: %w", err)
	}
	return tx.Commit()
}
