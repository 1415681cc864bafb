// Package logger builds the zap logger used across gojoidx.
package logger

import (
	"fmt"
	"os"
	"strings"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds all the configuration for the logger.
type Config struct {
	// Level sets the minimum log level (e.g., "debug", "info", "warn", "error").
	Level string `yaml:"level" toml:"level"`
	// Format specifies the log output format ("json" or "console").
	Format string `yaml:"format" toml:"format"`
	// OutputFile is a comma-separated list of destinations. "stdout" and
	// "stderr" name the console streams, anything else is a file path.
	OutputFile string `yaml:"output_file" toml:"output_file"`
	// Service is attached to every entry; defaults to "gojoidx".
	Service string `yaml:"service" toml:"service"`
	// Sampling keeps the first 100 entries per message and second, then
	// every 100th. Per-request debug logs of a busy server stay bounded.
	Sampling bool `yaml:"sampling" toml:"sampling"`
}

// New creates a new zap.Logger based on the provided configuration.
// An unknown level falls back to info with a warning.
func New(config Config) (*zap.Logger, error) {
	log, _, err := Build(config)
	return log, err
}

// Build is New that also returns the level handle. The handle can be changed
// at runtime and served over HTTP (zap.AtomicLevel is an http.Handler).
func Build(config Config) (*zap.Logger, zap.AtomicLevel, error) {
	level := zap.NewAtomicLevelAt(zap.InfoLevel)
	levelErr := level.UnmarshalText([]byte(config.Level))
	if levelErr != nil {
		level.SetLevel(zap.InfoLevel)
	}

	sink, err := openSinks(config.OutputFile)
	if err != nil {
		return nil, level, err
	}

	core := zapcore.NewCore(newEncoder(config.Format), sink, level)
	if config.Sampling {
		core = zapcore.NewSamplerWithOptions(core, time.Second, 100, 100)
	}

	service := config.Service
	if service == "" {
		service = "gojoidx"
	}
	log := zap.New(core, zap.AddCaller(), zap.ErrorOutput(zapcore.Lock(os.Stderr))).
		With(zap.String("service", service))
	if config.Level != "" && levelErr != nil {
		log.Warn("Unknown log level, using info", zap.String("level", config.Level))
	}
	return log, level, nil
}

func newEncoder(format string) zapcore.Encoder {
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder

	switch strings.ToLower(format) {
	case "console":
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		return zapcore.NewConsoleEncoder(encoderConfig)
	default:
		return zapcore.NewJSONEncoder(encoderConfig)
	}
}

// openSinks opens every destination in outputs and fans entries out to all of them.
func openSinks(outputs string) (zapcore.WriteSyncer, error) {
	var (
		syncers []zapcore.WriteSyncer
		files   []*os.File
	)
	for _, out := range strings.Split(outputs, ",") {
		out = strings.TrimSpace(out)
		switch strings.ToLower(out) {
		case "stdout", "":
			syncers = append(syncers, zapcore.Lock(os.Stdout))
		case "stderr":
			syncers = append(syncers, zapcore.Lock(os.Stderr))
		default:
			file, err := os.OpenFile(out, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
			if err != nil {
				var errs error
				for _, f := range files {
					errs = multierr.Append(errs, f.Close())
				}
				return nil, multierr.Append(fmt.Errorf("failed to open log file %s: %w", out, err), errs)
			}
			files = append(files, file)
			syncers = append(syncers, zapcore.AddSync(file))
		}
	}
	if len(syncers) == 1 {
		return syncers[0], nil
	}
	return zapcore.NewMultiWriteSyncer(syncers...), nil
}
