// Package config defines raftd's on-disk configuration format and loads it
// with gopkg.in/yaml.v3, the same library and nesting style the
// predecessor job-queue CLI used for its own config file.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// NodeConfig identifies this node within the cluster.
type NodeConfig struct {
	ID string `yaml:"id"`
}

// ElectionConfig tunes the randomized election timer NodeCore resets on
// every accepted AppendEntries call.
type ElectionConfig struct {
	TimeoutMinMs int `yaml:"timeout_min_ms"`
	TimeoutMaxMs int `yaml:"timeout_max_ms"`
}

// LogStoreConfig configures the durable, file-backed LogStore. It is the
// direct descendant of the predecessor's WAL config block: Dir replaces
// Path, BufferSize and FlushIntervalMs keep their names because the
// batch-commit behavior they tune is unchanged.
type LogStoreConfig struct {
	Dir             string `yaml:"dir"`
	BufferSize      int    `yaml:"buffer_size"`
	FlushIntervalMs int    `yaml:"flush_interval_ms"`
}

// CompactionConfig configures internal/compactor. It replaces the
// predecessor's Snapshot config block; SnapshotDir keeps its name since
// the file format it points at (atomic JSON snapshot writes) is the same.
type CompactionConfig struct {
	MaxAppliedLogsToKeep uint64 `yaml:"max_applied_logs_to_keep"`
	SnapshotDir          string `yaml:"snapshot_dir"`
}

// MetricsConfig configures the Prometheus HTTP endpoint.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// TransportConfig configures the gRPC server internal/transport listens on.
type TransportConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

// DebugConfig configures the local HTTP endpoint `raftd status` queries for
// a running node's term/leader/commit/applied. It is deliberately separate
// from TransportConfig: the debug endpoint is plain JSON over HTTP, not a
// gRPC service, and is meant for localhost-only operator tooling.
type DebugConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

// Config is raftd's top-level configuration.
type Config struct {
	Node       NodeConfig       `yaml:"node"`
	Election   ElectionConfig   `yaml:"election"`
	LogStore   LogStoreConfig   `yaml:"log_store"`
	Compaction CompactionConfig `yaml:"compaction"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Transport  TransportConfig  `yaml:"transport"`
	Debug      DebugConfig      `yaml:"debug"`
}

// Default returns a Config with the same conservative defaults raftd ships
// in configs/default.yaml.
func Default() Config {
	return Config{
		Election: ElectionConfig{TimeoutMinMs: 150, TimeoutMaxMs: 300},
		LogStore: LogStoreConfig{Dir: "data/log", BufferSize: 64, FlushIntervalMs: 5},
		Compaction: CompactionConfig{
			MaxAppliedLogsToKeep: 1000,
			SnapshotDir:          "data/snapshot",
		},
		Metrics:   MetricsConfig{Enabled: true, Port: 9090},
		Transport: TransportConfig{ListenAddr: ":7070"},
		Debug:     DebugConfig{ListenAddr: "127.0.0.1:7071"},
	}
}

// Load reads and parses a YAML config file at path, filling in defaults
// for anything the file leaves zero.
func Load(path string) (Config, error) {
	cfg := Default()

	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if cfg.Node.ID == "" {
		return Config{}, fmt.Errorf("config: node.id is required")
	}
	return cfg, nil
}

// ElectionTimeoutMin returns the configured minimum election timeout as a
// time.Duration.
func (c Config) ElectionTimeoutMin() time.Duration {
	return time.Duration(c.Election.TimeoutMinMs) * time.Millisecond
}

// ElectionTimeoutMax returns the configured maximum election timeout as a
// time.Duration.
func (c Config) ElectionTimeoutMax() time.Duration {
	return time.Duration(c.Election.TimeoutMaxMs) * time.Millisecond
}

// FlushInterval returns the configured log-store flush interval as a
// time.Duration.
func (c Config) FlushInterval() time.Duration {
	return time.Duration(c.LogStore.FlushIntervalMs) * time.Millisecond
}
