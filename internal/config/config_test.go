package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	if cfg.Server.Port != 38888 {
		t.Errorf("port = %d", cfg.Server.Port)
	}
	if cfg.Scoring.HalfLife.Std() != 90*24*time.Hour {
		t.Errorf("half life = %v", cfg.Scoring.HalfLife.Std())
	}
	if cfg.Traversal.MaxDepth != 3 || cfg.Traversal.MaxNodes != 50 {
		t.Errorf("traversal caps = %+v", cfg.Traversal)
	}
	if cfg.Retention.DedupWindow.Std() != 30*24*time.Hour {
		t.Errorf("dedup window = %v", cfg.Retention.DedupWindow.Std())
	}
	sum := cfg.Scoring.RecencyWeight + cfg.Scoring.ImportanceWeight +
		cfg.Scoring.RelevanceWeight + cfg.Scoring.AffinityWeight
	if sum < 0.999 || sum > 1.001 {
		t.Errorf("default weights sum to %v, want 1", sum)
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != Default().Server.Port {
		t.Errorf("missing file did not yield defaults: %+v", cfg.Server)
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	raw := `
server:
  bind: 0.0.0.0
  port: 9999
projector:
  lease: 45s
  poll_interval: 100ms
retention:
  dedup_window: 72h
traversal:
  max_nodes: 25
`
	if err := os.WriteFile(path, []byte(raw), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Bind != "0.0.0.0" || cfg.Server.Port != 9999 {
		t.Errorf("server = %+v", cfg.Server)
	}
	if cfg.Projector.Lease.Std() != 45*time.Second {
		t.Errorf("lease = %v", cfg.Projector.Lease.Std())
	}
	if cfg.Projector.PollInterval.Std() != 100*time.Millisecond {
		t.Errorf("poll interval = %v", cfg.Projector.PollInterval.Std())
	}
	if cfg.Retention.DedupWindow.Std() != 72*time.Hour {
		t.Errorf("dedup window = %v", cfg.Retention.DedupWindow.Std())
	}
	// Untouched sections keep their defaults.
	if cfg.Traversal.MaxNodes != 25 || cfg.Traversal.MaxDepth != 3 {
		t.Errorf("traversal = %+v", cfg.Traversal)
	}
	if cfg.Projector.BatchSize != 64 {
		t.Errorf("batch size = %d, want default 64", cfg.Projector.BatchSize)
	}
}

func TestLoadRejectsBadDuration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("projector:\n  lease: soon\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for unparseable duration")
	}
}

func TestListenAddr(t *testing.T) {
	cfg := Default()
	if got := cfg.ListenAddr(); got != "127.0.0.1:38888" {
		t.Errorf("ListenAddr = %q", got)
	}
}
