// Package config loads the gojoidx configuration file. The format follows the
// extension: .yaml/.yml, .toml or .ini.
package config

import (
	"crypto/tls"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml"
	"github.com/sushant-115/gojoidx/core/indexmanager"
	"github.com/sushant-115/gojoidx/core/security/encryption/internaltls"
	"github.com/sushant-115/gojoidx/core/storage_engine/rowstore"
	"github.com/sushant-115/gojoidx/internal/server"
	"github.com/sushant-115/gojoidx/pkg/logger"
	"github.com/sushant-115/gojoidx/pkg/telemetry"
	"go.uber.org/multierr"
	"gopkg.in/ini.v1"
	"gopkg.in/yaml.v3"
)

var (
	ErrUnsupportedFormat = errors.New("unsupported config format")
	ErrInvalid           = errors.New("invalid config")
)

// Server configures the TCP front end.
type Server struct {
	Addr           string  `yaml:"addr" toml:"addr"`
	MaxLineBytes   int     `yaml:"max_line_bytes" toml:"max_line_bytes"`
	RequestsPerSec float64 `yaml:"requests_per_sec" toml:"requests_per_sec"`
	Burst          int     `yaml:"burst" toml:"burst"`
	// IdleTimeout is a Go duration such as "5m"; empty disables it.
	IdleTimeout string `yaml:"idle_timeout" toml:"idle_timeout"`
	// TLS files enable mutual TLS when all three are set.
	TLSCAFile   string `yaml:"tls_ca_file" toml:"tls_ca_file"`
	TLSCertFile string `yaml:"tls_cert_file" toml:"tls_cert_file"`
	TLSKeyFile  string `yaml:"tls_key_file" toml:"tls_key_file"`
	// SnapshotDir is where SNAPSHOT writes; empty disables SNAPSHOT.
	SnapshotDir string `yaml:"snapshot_dir" toml:"snapshot_dir"`
}

// TLSConfig loads the server TLS configuration, or returns nil when TLS is off.
func (s Server) TLSConfig() (*tls.Config, error) {
	if s.TLSCAFile == "" && s.TLSCertFile == "" && s.TLSKeyFile == "" {
		return nil, nil
	}
	if s.TLSCAFile == "" || s.TLSCertFile == "" || s.TLSKeyFile == "" {
		return nil, fmt.Errorf("%w: server.tls_ca_file, tls_cert_file and tls_key_file must be set together", ErrInvalid)
	}
	return internaltls.LoadServerConfig(s.TLSCAFile, s.TLSCertFile, s.TLSKeyFile)
}

// Options converts the section into server options.
func (s Server) Options() (server.Options, error) {
	opts := server.Options{
		MaxLineBytes:   s.MaxLineBytes,
		RequestsPerSec: s.RequestsPerSec,
		Burst:          s.Burst,
		SnapshotDir:    s.SnapshotDir,
	}
	if s.IdleTimeout != "" {
		d, err := time.ParseDuration(s.IdleTimeout)
		if err != nil {
			return opts, fmt.Errorf("%w: server.idle_timeout: %v", ErrInvalid, err)
		}
		opts.IdleTimeout = d
	}
	return opts, nil
}

// Config is the whole configuration file.
type Config struct {
	Logger    logger.Config       `yaml:"logger" toml:"logger"`
	Telemetry telemetry.Config    `yaml:"telemetry" toml:"telemetry"`
	Index     indexmanager.Config `yaml:"index" toml:"index"`
	Server    Server              `yaml:"server" toml:"server"`
}

// Default returns the configuration used for unset fields.
func Default() Config {
	opts := server.DefaultOptions()
	return Config{
		Logger:    logger.Config{Level: "info", Format: "json", OutputFile: "stdout"},
		Telemetry: telemetry.Config{ServiceName: "gojoidx", TraceSampleRatio: 1},
		Index:     indexmanager.DefaultConfig(),
		Server: Server{
			Addr:         "localhost:9090",
			MaxLineBytes: opts.MaxLineBytes,
			Burst:        opts.Burst,
		},
	}
}

// Load reads path, fills unset fields from Default and validates the result.
func Load(path string) (Config, error) {
	var cfg Config
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("reading config %s: %w", path, err)
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &cfg)
	case ".toml":
		err = toml.Unmarshal(data, &cfg)
	case ".ini":
		err = decodeINI(data, &cfg)
	default:
		return cfg, fmt.Errorf("%w: %q", ErrUnsupportedFormat, ext)
	}
	if err != nil {
		return cfg, fmt.Errorf("parsing config %s: %w", path, err)
	}
	cfg.ApplyDefaults()
	return cfg, cfg.Validate()
}

// decodeINI maps sections to the top-level fields; keys are snake_case field names.
func decodeINI(data []byte, cfg *Config) error {
	f, err := ini.Load(data)
	if err != nil {
		return err
	}
	f.NameMapper = ini.SnackCase
	return f.MapTo(cfg)
}

// ApplyDefaults replaces zero values with those of Default.
func (c *Config) ApplyDefaults() {
	d := Default()
	setDefault(&c.Logger.Level, d.Logger.Level)
	setDefault(&c.Logger.Format, d.Logger.Format)
	setDefault(&c.Logger.OutputFile, d.Logger.OutputFile)
	setDefault(&c.Telemetry.ServiceName, d.Telemetry.ServiceName)
	setDefault(&c.Telemetry.TraceSampleRatio, d.Telemetry.TraceSampleRatio)
	setDefault(&c.Index.PageSize, d.Index.PageSize)
	setDefault(&c.Index.PoolSize, d.Index.PoolSize)
	setDefault(&c.Index.KeySize, d.Index.KeySize)
	setDefault(&c.Index.LeafVersion, d.Index.LeafVersion)
	setDefault(&c.Index.Compression, d.Index.Compression)
	setDefault(&c.Index.RowCacheBytes, d.Index.RowCacheBytes)
	setDefault(&c.Server.Addr, d.Server.Addr)
	setDefault(&c.Server.MaxLineBytes, d.Server.MaxLineBytes)
	setDefault(&c.Server.Burst, d.Server.Burst)
}

func setDefault[T comparable](field *T, value T) {
	var zero T
	if *field == zero {
		*field = value
	}
}

// Validate checks ranges and enumerations.
func (c *Config) Validate() error {
	var errs error
	invalid := func(format string, args ...any) {
		errs = multierr.Append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalid}, args...)...))
	}
	if ps := c.Index.PageSize; ps < 256 || ps > 1<<16 || ps&(ps-1) != 0 {
		invalid("index.page_size %d must be a power of two in [256, 65536]", ps)
	}
	if c.Index.PoolSize < 3 {
		invalid("index.pool_size %d must be at least 3", c.Index.PoolSize)
	}
	if c.Index.KeySize < 1 || c.Index.KeySize > c.Index.PageSize/8 {
		invalid("index.key_size %d must be in [1, page_size/8]", c.Index.KeySize)
	}
	if v := c.Index.LeafVersion; v != 1 && v != 2 {
		invalid("index.leaf_version %d must be 1 or 2", v)
	}
	if c.Index.MaxLeafItems < 0 || c.Index.MaxInnerKeys < 0 {
		invalid("index.max_leaf_items and index.max_inner_keys must not be negative")
	}
	if _, err := rowstore.ParseCompression(c.Index.Compression); err != nil {
		invalid("index.compression: %v", err)
	}
	if c.Index.RowCacheBytes < 0 || c.Index.SnapshotRateBytesPerSec < 0 {
		invalid("index.row_cache_bytes and index.snapshot_rate_bytes_per_sec must not be negative")
	}
	if r := c.Telemetry.TraceSampleRatio; r < 0 || r > 1 {
		invalid("telemetry.trace_sample_ratio %v must be in [0, 1]", r)
	}
	if c.Server.RequestsPerSec < 0 {
		invalid("server.requests_per_sec must not be negative")
	}
	if _, err := c.Server.Options(); err != nil {
		errs = multierr.Append(errs, err)
	}
	if n := countSet(c.Server.TLSCAFile, c.Server.TLSCertFile, c.Server.TLSKeyFile); n != 0 && n != 3 {
		invalid("server.tls_ca_file, tls_cert_file and tls_key_file must be set together")
	}
	return errs
}

func countSet(values ...string) int {
	n := 0
	for _, v := range values {
		if v != "" {
			n++
		}
	}
	return n
}
