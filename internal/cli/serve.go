package cli

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lazypower/atlas/internal/config"
	"github.com/lazypower/atlas/internal/projector"
	"github.com/lazypower/atlas/internal/query"
	"github.com/lazypower/atlas/internal/scoring"
	"github.com/lazypower/atlas/internal/server"
	"github.com/lazypower/atlas/internal/store"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the ingestion API, projectors, and retrieval endpoints",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	// Resolve database path
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

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hostname, _ := os.Hostname()
	popts := projector.Options{
		BatchSize:  cfg.Projector.BatchSize,
		Lease:      cfg.Projector.Lease.Std(),
		MaxRetries: cfg.Projector.MaxRetries,
		Poll:       cfg.Projector.PollInterval.Std(),
	}

	// Two independent consumer groups over the same stream, each at
	// its own pace.
	structural := projector.New(db, projector.GroupStructural, hostname+"-structural", projector.Structural, popts)
	enrichment := projector.New(db, projector.GroupEnrichment, hostname+"-enrichment", projector.Enrichment, popts)
	go func() {
		if err := structural.Run(ctx); err != nil && ctx.Err() == nil {
			log.Printf("structural projector stopped: %v", err)
		}
	}()
	go func() {
		if err := enrichment.Run(ctx); err != nil && ctx.Err() == nil {
			log.Printf("enrichment projector stopped: %v", err)
		}
	}()

	startRetentionSweep(ctx, db, cfg.Retention)

	engine := query.New(db, query.Options{
		Caps: query.Caps{
			MaxDepth:   cfg.Traversal.MaxDepth,
			MaxNodes:   cfg.Traversal.MaxNodes,
			MaxElapsed: cfg.Traversal.MaxElapsed.Std(),
		},
		HalfLife: cfg.Scoring.HalfLife.Std(),
		Weights: scoring.Weights{
			Recency:    cfg.Scoring.RecencyWeight,
			Importance: cfg.Scoring.ImportanceWeight,
			Relevance:  cfg.Scoring.RelevanceWeight,
			Affinity:   cfg.Scoring.AffinityWeight,
		},
		ProactiveLimit: cfg.Traversal.ProactiveLimit,
	})

	srv := server.New(db, engine, VersionString())
	addr := cfg.ListenAddr()

	httpServer := &http.Server{
		Addr:    addr,
		Handler: srv,
	}

	// Graceful shutdown
	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	go func() {
		fmt.Fprintf(os.Stderr, "atlas serving on %s\n", addr)
		fmt.Fprintf(os.Stderr, "  db: %s\n", dbPath)
		fmt.Fprintf(os.Stderr, "  groups: %s, %s\n", structural.Group(), enrichment.Group())
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fmt.Fprintf(os.Stderr, "server error: %v\n", err)
			os.Exit(1)
		}
	}()

	<-done
	fmt.Fprintln(os.Stderr, "\nshutting down...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	return httpServer.Shutdown(shutdownCtx)
}

// startRetentionSweep trims aged stream entries and expired dedup
// records on an interval. Event documents are untouched; they live
// under the longer document window.
func startRetentionSweep(ctx context.Context, db *store.DB, cfg config.RetentionConfig) {
	if cfg.SweepInterval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(cfg.SweepInterval.Std())
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				now := time.Now()
				if cfg.StreamWindow > 0 {
					if n, err := db.TrimStream(now.Add(-cfg.StreamWindow.Std()).UnixMilli()); err != nil {
						log.Printf("retention: trim stream: %v", err)
					} else if n > 0 {
						log.Printf("retention: trimmed %d stream entries", n)
					}
				}
				if cfg.DedupWindow > 0 {
					if n, err := db.ExpireDedup(now.Add(-cfg.DedupWindow.Std()).UnixMilli()); err != nil {
						log.Printf("retention: expire dedup: %v", err)
					} else if n > 0 {
						log.Printf("retention: expired %d dedup records", n)
					}
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

func loadConfig() (config.Config, error) {
	path := configPath
	if path == "" {
		var err error
		path, err = config.DefaultPath()
		if err != nil {
			return config.Config{}, err
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}
