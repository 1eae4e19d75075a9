// =============================================================================
// BROKER CONFIGURATION - FILE, ENVIRONMENT, DEFAULTS
// =============================================================================
//
// Configuration is resolved in three layers, later layers winning:
//
//   defaults ──► YAML file (--config) ──► FORGEPRINT_* environment
//
// The environment layer covers the handful of settings that differ per
// deployment (node id, data dir, listen addresses) so one image can run
// anywhere; everything else lives in the file.
//
// Validation runs once at startup and accumulates every problem before
// failing, so the operator fixes the whole file in one pass instead of
// one error per restart.
//
// =============================================================================

package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML accepts "10s" / "5m" strings.
type Duration time.Duration

// UnmarshalYAML parses either a duration string or an integer nanosecond
// count.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err == nil {
		parsed, err := time.ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", raw, err)
		}
		*d = Duration(parsed)
		return nil
	}
	var ns int64
	if err := value.Decode(&ns); err != nil {
		return fmt.Errorf("invalid duration: %s", value.Value)
	}
	*d = Duration(ns)
	return nil
}

// MarshalYAML renders the duration back as a string.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config is the full broker configuration.
type Config struct {
	// NodeID is this broker's identity in controller directives.
	NodeID string `yaml:"node_id"`

	// DataDir is where partition logs and internal topics live.
	DataDir string `yaml:"data_dir"`

	// ClientAddress serves the HTTP client API.
	ClientAddress string `yaml:"client_address"`

	// OpsAddress serves health and Prometheus metrics, kept off the
	// client listener so scrapes never compete with traffic.
	OpsAddress string `yaml:"ops_address"`

	Log         LogConfig         `yaml:"log"`
	Storage     StorageConfig     `yaml:"storage"`
	Replication ReplicationConfig `yaml:"replication"`
	Group       GroupConfig       `yaml:"group"`
	Offsets     OffsetsConfig     `yaml:"offsets"`
	Txn         TxnConfig         `yaml:"transactions"`
	Metrics     MetricsConfig     `yaml:"metrics"`
}

// LogConfig controls the slog setup.
type LogConfig struct {
	// Level is debug, info, warn or error.
	Level string `yaml:"level"`

	// Format is text or json.
	Format string `yaml:"format"`
}

// StorageConfig controls segments and retention.
type StorageConfig struct {
	SegmentMaxBytes    int64    `yaml:"segment_max_bytes"`
	SegmentMaxAge      Duration `yaml:"segment_max_age"`
	IndexIntervalBytes int64    `yaml:"index_interval_bytes"`
	SyncInterval       Duration `yaml:"sync_interval"`
	RetentionInterval  Duration `yaml:"retention_interval"`

	// Defaults for topics created without an explicit config.
	DefaultPartitions    int      `yaml:"default_partitions"`
	DefaultRetentionAge  Duration `yaml:"default_retention_age"`
	DefaultRetentionSize int64    `yaml:"default_retention_bytes"`
}

// ReplicationConfig controls the ISR and the produce path.
type ReplicationConfig struct {
	MinInSync       int      `yaml:"min_insync_replicas"`
	LagTimeMax      Duration `yaml:"replica_lag_time_max"`
	AckTimeout      Duration `yaml:"ack_timeout"`
	FetchInterval   Duration `yaml:"fetch_interval"`
	FetchMaxRecords int      `yaml:"fetch_max_records"`
}

// GroupConfig controls consumer group coordination.
type GroupConfig struct {
	SessionTimeoutMin     Duration `yaml:"session_timeout_min"`
	SessionTimeoutMax     Duration `yaml:"session_timeout_max"`
	InitialRebalanceDelay Duration `yaml:"initial_rebalance_delay"`
}

// OffsetsConfig controls committed-offset retention.
type OffsetsConfig struct {
	RetentionAge Duration `yaml:"retention_age"`
}

// TxnConfig controls transaction timeouts.
type TxnConfig struct {
	DefaultTimeout Duration `yaml:"default_timeout"`
	MaxTimeout     Duration `yaml:"max_timeout"`
}

// MetricsConfig controls the Prometheus registry.
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Namespace string `yaml:"namespace"`
}

// Default returns the configuration a broker runs with when given nothing.
func Default() Config {
	return Config{
		NodeID:        "forgeprint-1",
		DataDir:       "./data",
		ClientAddress: ":8080",
		OpsAddress:    ":9090",
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Storage: StorageConfig{
			SegmentMaxBytes:    256 * 1024 * 1024,
			IndexIntervalBytes: 4096,
			SyncInterval:       Duration(time.Second),
			RetentionInterval:  Duration(5 * time.Minute),
			DefaultPartitions:  3,
		},
		Replication: ReplicationConfig{
			MinInSync:       1,
			LagTimeMax:      Duration(10 * time.Second),
			AckTimeout:      Duration(30 * time.Second),
			FetchInterval:   Duration(100 * time.Millisecond),
			FetchMaxRecords: 1000,
		},
		Group: GroupConfig{
			SessionTimeoutMin:     Duration(6 * time.Second),
			SessionTimeoutMax:     Duration(5 * time.Minute),
			InitialRebalanceDelay: Duration(3 * time.Second),
		},
		Offsets: OffsetsConfig{
			RetentionAge: Duration(7 * 24 * time.Hour),
		},
		Txn: TxnConfig{
			DefaultTimeout: Duration(time.Minute),
			MaxTimeout:     Duration(15 * time.Minute),
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Namespace: "forgeprint",
		},
	}
}

// Load resolves the configuration: defaults, then the YAML file if path is
// non-empty, then environment overrides, then validation.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// applyEnv overrides the per-deployment settings from the environment.
func applyEnv(cfg *Config) {
	envString("FORGEPRINT_NODE_ID", &cfg.NodeID)
	envString("FORGEPRINT_DATA_DIR", &cfg.DataDir)
	envString("FORGEPRINT_CLIENT_ADDRESS", &cfg.ClientAddress)
	envString("FORGEPRINT_OPS_ADDRESS", &cfg.OpsAddress)
	envString("FORGEPRINT_LOG_LEVEL", &cfg.Log.Level)
	envString("FORGEPRINT_LOG_FORMAT", &cfg.Log.Format)
}

func envString(key string, dst *string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		*dst = v
	}
}
