package main

import (
	"context"
	"crypto/tls"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/sushant-115/gojoidx/core/indexmanager"
	"github.com/sushant-115/gojoidx/core/security/encryption/internaltls"
	"github.com/sushant-115/gojoidx/internal/server"
	"github.com/sushant-115/gojoidx/pkg/config"
	"github.com/sushant-115/gojoidx/pkg/logger"
	"github.com/sushant-115/gojoidx/pkg/telemetry"
	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "", "path to a .yaml, .toml or .ini config file")
	addr := flag.String("addr", "", "listen address (overrides server.addr)")
	dataPath := flag.String("data", "", "index file (overrides index.path)")
	logLevel := flag.String("log-level", "", "log level (overrides logger.level)")
	genCerts := flag.String("gen-certs", "", "write a CA, server and client certificates into this directory and exit")
	certHosts := flag.String("cert-hosts", "localhost,127.0.0.1", "comma-separated names for the generated server certificate")
	flag.Parse()

	if *genCerts != "" {
		if err := internaltls.GenerateBundle(*genCerts, strings.Split(*certHosts, ","), 365*24*time.Hour); err != nil {
			fmt.Fprintf(os.Stderr, "FATAL: generating certificates: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Certificates written to %s\n", *genCerts)
		return
	}

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "FATAL: %v\n", err)
			os.Exit(1)
		}
		cfg = loaded
	}
	if *addr != "" {
		cfg.Server.Addr = *addr
	}
	if *dataPath != "" {
		cfg.Index.Path = *dataPath
	}
	if *logLevel != "" {
		cfg.Logger.Level = *logLevel
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: %v\n", err)
		os.Exit(1)
	}

	log, level, err := logger.Build(cfg.Logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: creating logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	if err := run(cfg, log, level); err != nil {
		log.Fatal("Server stopped with error", zap.Error(err))
	}
}

func run(cfg config.Config, log *zap.Logger, level zap.AtomicLevel) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tel, shutdownTelemetry, err := telemetry.New(cfg.Telemetry, telemetry.WithHandler("/log/level", level))
	if err != nil {
		return fmt.Errorf("initializing telemetry: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(ctx); err != nil {
			log.Error("Failed to shut down telemetry", zap.Error(err))
		}
	}()
	if tel.MetricsAddr != "" {
		log.Info("Serving metrics and log level", zap.String("addr", tel.MetricsAddr))
	}

	index, err := indexmanager.NewBTreeIndexManager(cfg.Index, log, tel)
	if err != nil {
		return fmt.Errorf("opening index: %w", err)
	}
	defer func() {
		if err := index.Close(); err != nil {
			log.Error("Failed to close index", zap.Error(err))
		}
	}()

	opts, err := cfg.Server.Options()
	if err != nil {
		return err
	}
	tlsCfg, err := cfg.Server.TLSConfig()
	if err != nil {
		return err
	}
	ln, err := net.Listen("tcp", cfg.Server.Addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", cfg.Server.Addr, err)
	}
	if tlsCfg != nil {
		ln = tls.NewListener(ln, tlsCfg)
	}
	log.Info("gojoidx listening",
		zap.String("addr", ln.Addr().String()),
		zap.Bool("tls", tlsCfg != nil),
		zap.String("commands", "PUT <key> <value>, GET <key>, DELETE <key>, RANGE <start|-> <end|-> [limit], SIZE, STATS, SNAPSHOT <name>"),
		zap.String("snapshot_dir", opts.SnapshotDir))

	err = server.New(index, log, opts).Serve(ctx, ln)
	log.Info("Shutting down")
	return err
}
