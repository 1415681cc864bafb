package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad_YAML(t *testing.T) {
	path := writeFile(t, "gojoidx.yaml", `
logger:
  level: debug
  format: console
telemetry:
  enabled: true
  metrics_addr: ":9464"
index:
  path: /var/lib/gojoidx/index.db
  key_size: 24
  leaf_version: 1
  compression: lz4
server:
  addr: ":7070"
  idle_timeout: 90s
  snapshot_dir: /var/lib/gojoidx/snapshots
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Logger.Level)
	assert.Equal(t, "console", cfg.Logger.Format)
	assert.Equal(t, "stdout", cfg.Logger.OutputFile)
	assert.True(t, cfg.Telemetry.Enabled)
	assert.Equal(t, ":9464", cfg.Telemetry.MetricsAddr)
	assert.Equal(t, "/var/lib/gojoidx/index.db", cfg.Index.Path)
	assert.Equal(t, 24, cfg.Index.KeySize)
	assert.Equal(t, uint32(1), cfg.Index.LeafVersion)
	assert.Equal(t, "lz4", cfg.Index.Compression)
	assert.Equal(t, Default().Index.PageSize, cfg.Index.PageSize)
	assert.Equal(t, ":7070", cfg.Server.Addr)

	opts, err := cfg.Server.Options()
	require.NoError(t, err)
	assert.Equal(t, 90*time.Second, opts.IdleTimeout)
	assert.Equal(t, Default().Server.MaxLineBytes, opts.MaxLineBytes)
	assert.Equal(t, "/var/lib/gojoidx/snapshots", opts.SnapshotDir)
}

func TestLoad_TOML(t *testing.T) {
	path := writeFile(t, "gojoidx.toml", `
[logger]
level = "warn"

[index]
path = "index.db"
page_size = 8192
pool_size = 64
compression = "none"

[server]
addr = "127.0.0.1:9191"
requests_per_sec = 250.0
burst = 50
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "warn", cfg.Logger.Level)
	assert.Equal(t, "index.db", cfg.Index.Path)
	assert.Equal(t, 8192, cfg.Index.PageSize)
	assert.Equal(t, 64, cfg.Index.PoolSize)
	assert.Equal(t, "none", cfg.Index.Compression)
	assert.Equal(t, uint32(2), cfg.Index.LeafVersion)
	assert.Equal(t, "127.0.0.1:9191", cfg.Server.Addr)
	assert.Equal(t, 250.0, cfg.Server.RequestsPerSec)
	assert.Equal(t, 50, cfg.Server.Burst)
}

func TestLoad_INI(t *testing.T) {
	path := writeFile(t, "gojoidx.ini", `
[logger]
level = error

[index]
path = data/index.db
key_size = 16

[server]
addr = :6060
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "error", cfg.Logger.Level)
	assert.Equal(t, "data/index.db", cfg.Index.Path)
	assert.Equal(t, 16, cfg.Index.KeySize)
	assert.Equal(t, ":6060", cfg.Server.Addr)
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.ErrorIs(t, err, os.ErrNotExist)

	_, err = Load(writeFile(t, "gojoidx.json", `{}`))
	require.ErrorIs(t, err, ErrUnsupportedFormat)

	_, err = Load(writeFile(t, "bad.yaml", "index: [unclosed"))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	cfg.Index.PageSize = 1000
	cfg.Index.LeafVersion = 3
	cfg.Index.Compression = "brotli"
	cfg.Server.IdleTimeout = "soon"
	cfg.Server.TLSCertFile = "server.crt"
	err := cfg.Validate()
	require.ErrorIs(t, err, ErrInvalid)
	for _, field := range []string{"page_size", "leaf_version", "compression", "idle_timeout", "tls_ca_file"} {
		assert.Contains(t, err.Error(), field)
	}
}

func TestServerTLSConfig(t *testing.T) {
	tlsCfg, err := Default().Server.TLSConfig()
	require.NoError(t, err)
	assert.Nil(t, tlsCfg)

	_, err = Server{TLSKeyFile: "server.key"}.TLSConfig()
	require.ErrorIs(t, err, ErrInvalid)
}
