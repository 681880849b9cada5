package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/lazypower/atlas/internal/projector"
	"github.com/lazypower/atlas/internal/store"
	"github.com/spf13/cobra"
)

var rebuildCmd = &cobra.Command{
	Use:   "rebuild",
	Short: "Reset the graph and replay the full ledger through the projectors",
	Long:  "The graph is fully derived from the event ledger, so it can always be dropped and rebuilt. This replays every persisted event through the structural and enrichment transforms.",
	RunE:  runRebuild,
}

func runRebuild(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	dbPath := cfg.Database.Path
	if dbPath == "" {
		dbPath, err = store.DefaultDBPath()
		if err != nil {
			return fmt.Errorf("resolve db path: %w", err)
		}
	}

	db, err := store.Open(dbPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	transforms := []projector.Transform{projector.Structural, projector.Enrichment}
	if err := projector.Rebuild(context.Background(), db, transforms, cfg.Projector.BatchSize); err != nil {
		return fmt.Errorf("rebuild: %w", err)
	}

	nodes, edges, err := db.GraphCounts()
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "rebuilt graph: %d nodes, %d edges\n", nodes, edges)
	return nil
}
