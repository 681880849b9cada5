package projector

import (
	"context"
	"fmt"
	"log"

	"github.com/lazypower/atlas/internal/store"
)

// Rebuild resets the derived graph and replays the entire ledger
// through the given transforms. The graph is a deterministic function
// of ledger contents, so the result is identical to what the live
// projectors produced.
func Rebuild(ctx context.Context, db *store.DB, transforms []Transform, batchSize int) error {
	if batchSize <= 0 {
		batchSize = 256
	}
	if err := db.ResetGraph(); err != nil {
		return fmt.Errorf("reset graph: %w", err)
	}

	var after int64
	replayed := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		events, err := db.EventsAfter(after, batchSize)
		if err != nil {
			return fmt.Errorf("read ledger: %w", err)
		}
		if len(events) == 0 {
			break
		}

		var nodes []store.GraphNode
		var edges []store.GraphEdge
		for _, ev := range events {
			for _, transform := range transforms {
				n, e, terr := transform(db, ev)
				if terr != nil {
					// Rebuild mirrors live projection: a failing event
					// is skipped, not fatal, and stays inspectable.
					log.Printf("rebuild: skip event %s: %v", ev.EventID, terr)
					continue
				}
				nodes = append(nodes, n...)
				edges = append(edges, e...)
			}
			after = ev.GlobalPosition
		}

		if err := db.UpsertNodes(nodes); err != nil {
			return fmt.Errorf("apply nodes: %w", err)
		}
		if err := db.UpsertEdges(edges); err != nil {
			return fmt.Errorf("apply edges: %w", err)
		}
		replayed += len(events)
	}

	log.Printf("rebuild: replayed %d events", replayed)
	return nil
}
