package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
)

// =============================================================================
// VALIDATION
// =============================================================================
//
// Every check appends to one error list; the broker refuses to start on any
// failure and the operator sees the whole list at once.
//
// =============================================================================

// ValidationError holds every configuration problem found in one pass.
type ValidationError struct {
	Errors []string
}

// Error formats one problem inline and several as a numbered list.
func (e *ValidationError) Error() string {
	if len(e.Errors) == 1 {
		return fmt.Sprintf("configuration validation failed: %s", e.Errors[0])
	}

	var b strings.Builder
	b.WriteString("configuration validation failed:\n")
	for i, err := range e.Errors {
		fmt.Fprintf(&b, "  %d. %s\n", i+1, err)
	}
	return b.String()
}

// Validate checks the whole configuration and returns a *ValidationError
// listing every problem, or nil.
func (c *Config) Validate() error {
	var errs []string

	if c.NodeID == "" {
		errs = append(errs, "node_id: must not be empty")
	} else if strings.ContainsAny(c.NodeID, " \t\n\r") {
		errs = append(errs, "node_id: must not contain whitespace")
	}

	if c.DataDir == "" {
		errs = append(errs, "data_dir: must not be empty")
	} else {
		errs = append(errs, validateDataDir(c.DataDir)...)
	}

	if err := validateAddress(c.ClientAddress); err != nil {
		errs = append(errs, fmt.Sprintf("client_address: %v", err))
	}
	if err := validateAddress(c.OpsAddress); err != nil {
		errs = append(errs, fmt.Sprintf("ops_address: %v", err))
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Sprintf("log.level: must be debug, info, warn or error, got %q", c.Log.Level))
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Sprintf("log.format: must be text or json, got %q", c.Log.Format))
	}

	if c.Storage.SegmentMaxBytes <= 0 {
		errs = append(errs, fmt.Sprintf("storage.segment_max_bytes: must be > 0, got %d", c.Storage.SegmentMaxBytes))
	}
	if c.Storage.IndexIntervalBytes <= 0 {
		errs = append(errs, fmt.Sprintf("storage.index_interval_bytes: must be > 0, got %d", c.Storage.IndexIntervalBytes))
	}
	if c.Storage.SyncInterval < 0 {
		errs = append(errs, "storage.sync_interval: must not be negative")
	}
	if c.Storage.DefaultPartitions <= 0 {
		errs = append(errs, fmt.Sprintf("storage.default_partitions: must be > 0, got %d", c.Storage.DefaultPartitions))
	}

	if c.Replication.MinInSync <= 0 {
		errs = append(errs, fmt.Sprintf("replication.min_insync_replicas: must be > 0, got %d", c.Replication.MinInSync))
	}
	if c.Replication.LagTimeMax <= 0 {
		errs = append(errs, "replication.replica_lag_time_max: must be > 0")
	}
	if c.Replication.AckTimeout <= 0 {
		errs = append(errs, "replication.ack_timeout: must be > 0")
	}

	if c.Group.SessionTimeoutMin <= 0 {
		errs = append(errs, "group.session_timeout_min: must be > 0")
	}
	if c.Group.SessionTimeoutMax < c.Group.SessionTimeoutMin {
		errs = append(errs, fmt.Sprintf("group.session_timeout_max: %v is below session_timeout_min %v",
			c.Group.SessionTimeoutMax.Std(), c.Group.SessionTimeoutMin.Std()))
	}

	if c.Offsets.RetentionAge <= 0 {
		errs = append(errs, "offsets.retention_age: must be > 0")
	}

	if c.Txn.DefaultTimeout <= 0 {
		errs = append(errs, "transactions.default_timeout: must be > 0")
	}
	if c.Txn.MaxTimeout < c.Txn.DefaultTimeout {
		errs = append(errs, fmt.Sprintf("transactions.max_timeout: %v is below default_timeout %v",
			c.Txn.MaxTimeout.Std(), c.Txn.DefaultTimeout.Std()))
	}

	if c.Metrics.Enabled && c.Metrics.Namespace == "" {
		errs = append(errs, "metrics.namespace: must not be empty when metrics are enabled")
	}

	if len(errs) > 0 {
		return &ValidationError{Errors: errs}
	}
	return nil
}

// validateDataDir checks the data directory is usable, or creatable if it
// does not exist yet.
func validateDataDir(dir string) []string {
	var errs []string

	absDir, err := filepath.Abs(dir)
	if err != nil {
		return append(errs, fmt.Sprintf("data_dir: cannot resolve path %q: %v", dir, err))
	}

	info, err := os.Stat(absDir)
	if err == nil {
		if !info.IsDir() {
			errs = append(errs, fmt.Sprintf("data_dir: %q exists but is not a directory", absDir))
		}
		return errs
	}
	if !os.IsNotExist(err) {
		return append(errs, fmt.Sprintf("data_dir: cannot access %q: %v", absDir, err))
	}

	parent := filepath.Dir(absDir)
	if _, err := os.Stat(parent); err != nil {
		errs = append(errs, fmt.Sprintf("data_dir: %q does not exist and parent %q is not accessible: %v", absDir, parent, err))
	}
	return errs
}

// validateAddress checks host:port or :port form.
func validateAddress(addr string) error {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("must be host:port format: %w", err)
	}
	if port == "" {
		return fmt.Errorf("port must not be empty")
	}
	return nil
}
