package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "forgeprint.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	cfg.DataDir = t.TempDir()
	require.NoError(t, cfg.Validate())
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, `
node_id: broker-7
data_dir: `+dir+`
client_address: ":7100"
replication:
  min_insync_replicas: 2
  replica_lag_time_max: 5s
group:
  session_timeout_min: 3s
transactions:
  default_timeout: 30s
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "broker-7", cfg.NodeID)
	assert.Equal(t, ":7100", cfg.ClientAddress)
	assert.Equal(t, 2, cfg.Replication.MinInSync)
	assert.Equal(t, 5*time.Second, cfg.Replication.LagTimeMax.Std())
	assert.Equal(t, 3*time.Second, cfg.Group.SessionTimeoutMin.Std())
	assert.Equal(t, 30*time.Second, cfg.Txn.DefaultTimeout.Std())

	// Untouched sections keep their defaults.
	assert.Equal(t, ":9090", cfg.OpsAddress)
	assert.Equal(t, 7*24*time.Hour, cfg.Offsets.RetentionAge.Std())
}

func TestEnvironmentWinsOverFile(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, `
node_id: from-file
data_dir: `+dir+`
`)
	t.Setenv("FORGEPRINT_NODE_ID", "from-env")
	t.Setenv("FORGEPRINT_LOG_LEVEL", "debug")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.NodeID)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("/nonexistent/forgeprint.yaml")
	require.Error(t, err)
}

func TestLoadMalformedYAML(t *testing.T) {
	path := writeFile(t, "node_id: [unclosed")
	_, err := Load(path)
	require.Error(t, err)
}

func TestValidateAccumulatesAllErrors(t *testing.T) {
	cfg := Default()
	cfg.NodeID = ""
	cfg.ClientAddress = "no-port"
	cfg.Log.Level = "loud"
	cfg.Replication.MinInSync = 0
	cfg.Group.SessionTimeoutMin = Duration(10 * time.Second)
	cfg.Group.SessionTimeoutMax = Duration(time.Second)
	cfg.Txn.MaxTimeout = Duration(time.Millisecond)
	cfg.DataDir = t.TempDir()

	err := cfg.Validate()
	require.Error(t, err)

	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Len(t, verr.Errors, 6)
	for _, msg := range verr.Errors {
		assert.NotEmpty(t, msg)
	}
}

func TestValidateDataDir(t *testing.T) {
	cfg := Default()

	// A plain file where the directory should be.
	file := filepath.Join(t.TempDir(), "occupied")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o644))
	cfg.DataDir = file
	require.Error(t, cfg.Validate())

	// A directory that does not exist yet under an existing parent is
	// fine: the broker creates it at startup.
	cfg.DataDir = filepath.Join(t.TempDir(), "fresh")
	require.NoError(t, cfg.Validate())

	// Missing parent is not.
	cfg.DataDir = "/nonexistent-root/depth/data"
	require.Error(t, cfg.Validate())
}

func TestNodeIDWhitespaceRejected(t *testing.T) {
	cfg := Default()
	cfg.DataDir = t.TempDir()
	cfg.NodeID = "broker 1"
	require.Error(t, cfg.Validate())
}
