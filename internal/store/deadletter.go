package store

import (
	"database/sql"
	"fmt"
	"time"
)

// DeadLetter records an event that exhausted its projection retries.
// Dead letters are never silently dropped; they stay listable until an
// operator clears them.
type DeadLetter struct {
	ID            int64  `json:"id"`
	Group         string `json:"group"`
	Position      int64  `json:"position"`
	EventID       string `json:"event_id"`
	Reason        string `json:"reason"`
	DeliveryCount int    `json:"delivery_count"`
	FailedAt      int64  `json:"failed_at"`
}

// AddDeadLetter records a permanently failed projection entry. A crash
// between recording and acknowledging redelivers the entry, so the
// insert is idempotent per (group, position); the first record wins.
func (db *DB) AddDeadLetter(group string, position int64, eventID, reason string, deliveryCount int) error {
	_, err := db.Exec(`
		INSERT INTO dead_letters (group_name, position, event_id, reason, delivery_count, failed_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (group_name, position) DO NOTHING
	`, group, position, eventID, reason, deliveryCount, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("add dead letter: %w", err)
	}
	return nil
}

// ListDeadLetters returns dead letters, newest first. An empty group
// lists across all consumer groups.
func (db *DB) ListDeadLetters(group string, limit int) ([]DeadLetter, error) {
	var rows *sql.Rows
	var err error
	if group == "" {
		rows, err = db.Query(`
			SELECT id, group_name, position, event_id, reason, delivery_count, failed_at
			FROM dead_letters ORDER BY failed_at DESC, id DESC LIMIT ?
		`, limit)
	} else {
		rows, err = db.Query(`
			SELECT id, group_name, position, event_id, reason, delivery_count, failed_at
			FROM dead_letters WHERE group_name = ? ORDER BY failed_at DESC, id DESC LIMIT ?
		`, group, limit)
	}
	if err != nil {
		return nil, unavailable("list dead letters", err)
	}
	defer rows.Close()

	var letters []DeadLetter
	for rows.Next() {
		var d DeadLetter
		if err := rows.Scan(&d.ID, &d.Group, &d.Position, &d.EventID, &d.Reason, &d.DeliveryCount, &d.FailedAt); err != nil {
			return nil, fmt.Errorf("scan dead letter: %w", err)
		}
		letters = append(letters, d)
	}
	return letters, rows.Err()
}
