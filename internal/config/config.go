package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so config files can use "30s", "24h"
// style strings.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("duration must be a string like \"30s\": %w", err)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config holds all atlas configuration. Tunables are resolved once at
// process start and passed down as explicit parameters; nothing here
// is mutated after load.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Projector ProjectorConfig `yaml:"projector"`
	Retention RetentionConfig `yaml:"retention"`
	Scoring   ScoringConfig   `yaml:"scoring"`
	Traversal TraversalConfig `yaml:"traversal"`
}

type ServerConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

type ProjectorConfig struct {
	BatchSize    int      `yaml:"batch_size"`
	Lease        Duration `yaml:"lease"`
	MaxRetries   int      `yaml:"max_retries"`
	PollInterval Duration `yaml:"poll_interval"`
}

type RetentionConfig struct {
	// StreamWindow bounds how long stream entries stay readable; event
	// documents are retained independently under DocumentWindow.
	StreamWindow   Duration `yaml:"stream_window"`
	DocumentWindow Duration `yaml:"document_window"`
	// DedupWindow bounds dedup-record lifetime. Re-ingesting an event
	// id after its record expires creates a new, distinct event; the
	// window is the documented trade-off, not silent loss.
	DedupWindow Duration `yaml:"dedup_window"`
	// SweepInterval is how often the retention sweep runs.
	SweepInterval Duration `yaml:"sweep_interval"`
}

type ScoringConfig struct {
	HalfLife         Duration `yaml:"half_life"`
	RecencyWeight    float64  `yaml:"recency_weight"`
	ImportanceWeight float64  `yaml:"importance_weight"`
	RelevanceWeight  float64  `yaml:"relevance_weight"`
	AffinityWeight   float64  `yaml:"affinity_weight"`
}

type TraversalConfig struct {
	MaxDepth       int      `yaml:"max_depth"`
	MaxNodes       int      `yaml:"max_nodes"`
	MaxElapsed     Duration `yaml:"max_elapsed"`
	ProactiveLimit int      `yaml:"proactive_limit"`
}

// Default returns a Config with sensible defaults.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Bind: "127.0.0.1",
			Port: 38888,
		},
		Database: DatabaseConfig{
			Path: "", // resolved at runtime via store.DefaultDBPath()
		},
		Projector: ProjectorConfig{
			BatchSize:    64,
			Lease:        Duration(30 * time.Second),
			MaxRetries:   3,
			PollInterval: Duration(250 * time.Millisecond),
		},
		Retention: RetentionConfig{
			StreamWindow:   Duration(7 * 24 * time.Hour),
			DocumentWindow: Duration(365 * 24 * time.Hour),
			DedupWindow:    Duration(30 * 24 * time.Hour),
			SweepInterval:  Duration(time.Hour),
		},
		Scoring: ScoringConfig{
			HalfLife:         Duration(90 * 24 * time.Hour),
			RecencyWeight:    0.35,
			ImportanceWeight: 0.2,
			RelevanceWeight:  0.35,
			AffinityWeight:   0.1,
		},
		Traversal: TraversalConfig{
			MaxDepth:       3,
			MaxNodes:       50,
			MaxElapsed:     Duration(2 * time.Second),
			ProactiveLimit: 5,
		},
	}
}

// DefaultPath returns the default config file location:
// ~/.atlas/config.yaml
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home dir: %w", err)
	}
	return home + "/.atlas/config.yaml", nil
}

// Load reads a YAML config file over the defaults. A missing file is
// not an error; the defaults apply.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// ListenAddr returns the bind:port address string.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Bind, c.Server.Port)
}
