package store

import (
	"testing"
)

func ingestN(t *testing.T, db *DB, sessionID string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		if _, _, err := db.Ingest(testEvent(sessionID, int64(1000+i))); err != nil {
			t.Fatalf("ingest %d: %v", i, err)
		}
	}
}

func TestReadGroupDeliversInOrder(t *testing.T) {
	db := testDB(t)
	ingestN(t, db, "sess-g", 5)

	if err := db.EnsureGroup("structural", 0); err != nil {
		t.Fatalf("EnsureGroup: %v", err)
	}

	entries, err := db.ReadGroup("structural", "w1", 3, 10_000, 0)
	if err != nil {
		t.Fatalf("ReadGroup: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("got %d entries, want 3", len(entries))
	}
	for i, e := range entries {
		if e.Position != int64(i+1) {
			t.Errorf("entry %d position = %d, want %d", i, e.Position, i+1)
		}
		if e.Event == nil {
			t.Fatalf("entry %d missing event document", i)
		}
		if e.DeliveryCount != 1 {
			t.Errorf("entry %d delivery count = %d, want 1", i, e.DeliveryCount)
		}
	}

	// Unacked entries are leased, not redelivered before expiry.
	more, err := db.ReadGroup("structural", "w1", 10, 10_000, 5)
	if err != nil {
		t.Fatalf("second ReadGroup: %v", err)
	}
	if len(more) != 2 {
		t.Errorf("got %d fresh entries, want 2", len(more))
	}
}

func TestAckAndRedelivery(t *testing.T) {
	db := testDB(t)
	ingestN(t, db, "sess-r", 2)
	db.EnsureGroup("structural", 0)

	entries, _ := db.ReadGroup("structural", "w1", 10, 100, 0)
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(entries))
	}

	// Ack only the first; the second's lease expires and is redelivered
	// to another worker with a bumped delivery count.
	if err := db.Ack("structural", []int64{entries[0].Position}); err != nil {
		t.Fatalf("Ack: %v", err)
	}

	redelivered, err := db.ReadGroup("structural", "w2", 10, 1000, 200)
	if err != nil {
		t.Fatalf("ReadGroup after expiry: %v", err)
	}
	if len(redelivered) != 1 {
		t.Fatalf("got %d redelivered entries, want 1", len(redelivered))
	}
	if redelivered[0].Position != entries[1].Position {
		t.Errorf("redelivered position = %d, want %d", redelivered[0].Position, entries[1].Position)
	}
	if redelivered[0].DeliveryCount != 2 {
		t.Errorf("delivery count = %d, want 2", redelivered[0].DeliveryCount)
	}
}

func TestGroupsAreIndependent(t *testing.T) {
	db := testDB(t)
	ingestN(t, db, "sess-i", 3)
	db.EnsureGroup("structural", 0)
	db.EnsureGroup("enrichment", 0)

	a, _ := db.ReadGroup("structural", "w1", 10, 1000, 0)
	b, _ := db.ReadGroup("enrichment", "w1", 10, 1000, 0)
	if len(a) != 3 || len(b) != 3 {
		t.Fatalf("structural=%d enrichment=%d, want 3 each", len(a), len(b))
	}

	// Acking one group leaves the other's pending set alone.
	db.Ack("structural", []int64{1, 2, 3})
	_, pendA, _ := db.GroupCursor("structural")
	_, pendB, _ := db.GroupCursor("enrichment")
	if pendA != 0 {
		t.Errorf("structural pending = %d, want 0", pendA)
	}
	if pendB != 3 {
		t.Errorf("enrichment pending = %d, want 3", pendB)
	}
}

func TestResetGroupRewinds(t *testing.T) {
	db := testDB(t)
	ingestN(t, db, "sess-rw", 2)
	db.EnsureGroup("structural", 0)

	entries, _ := db.ReadGroup("structural", "w1", 10, 1000, 0)
	db.Ack("structural", []int64{entries[0].Position, entries[1].Position})

	if err := db.ResetGroup("structural", 0); err != nil {
		t.Fatalf("ResetGroup: %v", err)
	}
	again, err := db.ReadGroup("structural", "w1", 10, 1000, 0)
	if err != nil {
		t.Fatalf("ReadGroup after reset: %v", err)
	}
	if len(again) != 2 {
		t.Errorf("got %d entries after rewind, want 2", len(again))
	}
}

func TestDeadLetters(t *testing.T) {
	db := testDB(t)

	if err := db.AddDeadLetter("structural", 7, "ev-7", "transform exploded", 4); err != nil {
		t.Fatalf("AddDeadLetter: %v", err)
	}
	if err := db.AddDeadLetter("enrichment", 9, "ev-9", "bad payload", 4); err != nil {
		t.Fatalf("AddDeadLetter: %v", err)
	}

	all, err := db.ListDeadLetters("", 10)
	if err != nil {
		t.Fatalf("ListDeadLetters: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("got %d dead letters, want 2", len(all))
	}

	structural, _ := db.ListDeadLetters("structural", 10)
	if len(structural) != 1 || structural[0].EventID != "ev-7" {
		t.Errorf("structural dead letters = %+v", structural)
	}
	if structural[0].Reason != "transform exploded" {
		t.Errorf("reason = %q", structural[0].Reason)
	}
}

func TestDeadLetterRecordedOncePerEntry(t *testing.T) {
	db := testDB(t)

	// A redelivered entry fails again and is reported a second time;
	// only the first record for that (group, position) survives.
	if err := db.AddDeadLetter("structural", 7, "ev-7", "transform exploded", 4); err != nil {
		t.Fatalf("AddDeadLetter: %v", err)
	}
	if err := db.AddDeadLetter("structural", 7, "ev-7", "transform exploded", 5); err != nil {
		t.Fatalf("AddDeadLetter redelivery: %v", err)
	}

	rows, err := db.ListDeadLetters("structural", 10)
	if err != nil {
		t.Fatalf("ListDeadLetters: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("got %d dead letters, want 1", len(rows))
	}
	if rows[0].DeliveryCount != 4 {
		t.Errorf("delivery count = %d, want first record preserved", rows[0].DeliveryCount)
	}

	// The same position in a different group is a distinct entry.
	if err := db.AddDeadLetter("enrichment", 7, "ev-7", "bad payload", 4); err != nil {
		t.Fatalf("AddDeadLetter other group: %v", err)
	}
	all, err := db.ListDeadLetters("", 10)
	if err != nil {
		t.Fatalf("ListDeadLetters: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("got %d dead letters across groups, want 2", len(all))
	}
}
