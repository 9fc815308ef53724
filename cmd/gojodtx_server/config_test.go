package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/require"

	"github.com/sushant-115/gojodtx/core/config"
)

func parse(t *testing.T, args ...string) serverConfig {
	t.Helper()
	v := newViper()
	cmd := &cobra.Command{Use: "test"}
	require.NoError(t, bindFlags(cmd, v))
	require.NoError(t, cmd.ParseFlags(args))
	cfg, err := resolveConfig(v)
	require.NoError(t, err)
	return cfg
}

func TestFlagName(t *testing.T) {
	require.Equal(t, "dtx-transaction-timeout", flagName(config.DtxTransactionTimeout))
	require.Equal(t, "journal-dir", flagName(config.JournalDir))
}

func TestDefaultsLeaveDTXValuesUnset(t *testing.T) {
	cfg := parse(t)
	require.Empty(t, cfg.values)
	require.Equal(t, defaultAdminAdr, cfg.adminListen)
	require.True(t, cfg.recover)
	require.Equal(t, "info", cfg.log.Level)
}

func TestFlagsPopulateRegistryValues(t *testing.T) {
	dir := t.TempDir()
	cfg := parse(t,
		"--journal-dir", dir,
		"--node-listen", "127.0.0.1:7400",
		"--dtx-transaction-timeout", "3s",
		"--cluster-peers", "a,b",
		"--recover=false",
		"--log-level", "debug",
	)
	require.Equal(t, dir, cfg.values[config.JournalDir])
	require.Equal(t, "3s", cfg.values[config.DtxTransactionTimeout])
	require.False(t, cfg.recover)
	require.Equal(t, "debug", cfg.log.Level)

	reg, err := config.BuildDTX(cfg.values, time.Now())
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b"}, reg.Strings(config.ClusterPeers))
	require.Equal(t, 3*time.Second, reg.Duration(config.DtxTransactionTimeout))
	require.Equal(t, "127.0.0.1:7400", reg.String(config.NodeListen))
}

func TestEnvironmentOverridesDefaults(t *testing.T) {
	t.Setenv("GOJODTX_DTX_QUORUM", "2")
	t.Setenv("GOJODTX_ADMIN_LISTEN", "127.0.0.1:9999")
	cfg := parse(t)
	require.Equal(t, "2", cfg.values[config.DtxQuorum])
	require.Equal(t, "127.0.0.1:9999", cfg.adminListen)
}

func TestConfigFileAndFlagPrecedence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gojodtx.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
journal:
  dir: /var/lib/gojodtx
  backend: bolt
dtx:
  quorum: 2
cluster:
  peers:
    - 6ba7b810-9dad-11d1-80b4-00c04fd430c8@10.0.0.2:7400
log:
  format: console
`), 0o600))

	cfg := parse(t, "--config", path, "--journal-backend", "file")
	require.Equal(t, "/var/lib/gojodtx", cfg.values[config.JournalDir])
	require.Equal(t, "file", cfg.values[config.JournalBackend])
	require.Equal(t, "console", cfg.log.Format)

	reg, err := config.BuildDTX(withListen(cfg.values), time.Now())
	require.NoError(t, err)
	require.Equal(t, int64(2), reg.Int(config.DtxQuorum))
	require.Equal(t, []string{"6ba7b810-9dad-11d1-80b4-00c04fd430c8@10.0.0.2:7400"}, reg.Strings(config.ClusterPeers))
}

func TestMissingConfigFile(t *testing.T) {
	v := newViper()
	cmd := &cobra.Command{Use: "test"}
	require.NoError(t, bindFlags(cmd, v))
	require.NoError(t, cmd.ParseFlags([]string{"--config", filepath.Join(t.TempDir(), "absent.yaml")}))
	_, err := resolveConfig(v)
	require.Error(t, err)
}

func withListen(values map[string]any) map[string]any {
	values[config.NodeListen] = "127.0.0.1:7400"
	return values
}

func TestSegmentSizeAcceptsHumanSizes(t *testing.T) {
	cfg := parse(t, "--journal-segment-size", "64MiB")
	require.Equal(t, int64(64<<20), cfg.values[config.JournalSegmentSize])

	v := newViper()
	cmd := &cobra.Command{Use: "test"}
	require.NoError(t, bindFlags(cmd, v))
	require.NoError(t, cmd.ParseFlags([]string{"--journal-segment-size", "lots"}))
	_, err := resolveConfig(v)
	require.ErrorContains(t, err, config.JournalSegmentSize)
}
