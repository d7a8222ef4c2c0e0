// Command pgbus-listen is a long-running listener over a pgbus envelope
// ledger. It subscribes to the configured channels, dispatches ready
// envelopes, and logs every payload it handles - useful on its own as an
// audit tail of the bus, and as the reference harness for embedding the
// library in an application daemon.
//
// The audit handler claims envelopes and marks them done, so do not point
// this command at channels that application processes handle - it would
// consume their work. Give it channels of its own.
//
// Usage:
//
//	pgbus-listen -config pgbus.yaml
//
// Any config key can be overridden with a PGBUS_* environment variable.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/erlorenz/pgbus"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	log, err := buildLogger(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer log.Sync()

	if err := run(cfg, log); err != nil {
		log.Fatal("listener exited", zap.Error(err))
	}
}

func run(cfg *Config, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer pool.Close()

	storeOpts := []pgbus.PGStoreOption{pgbus.WithStaleAfter(cfg.LockStaleAfter())}
	if cfg.PruneAfterHours > 0 {
		after := time.Duration(cfg.PruneAfterHours) * time.Hour
		storeOpts = append(storeOpts, pgbus.WithPrune(time.Hour, after))
	}
	store := pgbus.NewPGStore(pool, storeOpts...)
	defer store.Close()

	if err := store.CreateTable(ctx); err != nil {
		return fmt.Errorf("create ledger table: %w", err)
	}

	registry, err := buildRegistry(cfg, log)
	if err != nil {
		return fmt.Errorf("build registry: %w", err)
	}

	var metrics *pgbus.Metrics
	if cfg.MetricsAddr != "" {
		reg := prometheus.NewRegistry()
		metrics = pgbus.NewMetrics(reg)
		go serveMetrics(cfg.MetricsAddr, reg, log)
	}

	listener := pgbus.NewListener(
		store,
		pgbus.NewPGLocker(pool),
		registry,
		pgbus.NewPGSource(pool),
		pgbus.ListenerConfig{
			Channels:    cfg.Channels,
			PollTimeout: cfg.PollTimeout(),
			MaxAttempts: cfg.MaxAttempts,
			BatchSize:   cfg.BatchSize,
			Workers:     cfg.Workers,
			Logger:      log,
			Metrics:     metrics,
		},
	)

	log.Info("starting listener",
		zap.Strings("channels", cfg.Channels),
		zap.Duration("poll_timeout", cfg.PollTimeout()),
		zap.Int("max_attempts", cfg.MaxAttempts))

	err = listener.Run(ctx)
	log.Info("listener stopped")
	return err
}

// buildRegistry registers the daemon's built-in audit handler for every
// configured channel. Applications embedding the library register their own
// handlers here instead.
func buildRegistry(cfg *Config, log *zap.Logger) (*pgbus.Registry, error) {
	registry := pgbus.NewRegistry()
	for _, channel := range cfg.Channels {
		ch := channel
		err := registry.Register(ch, "audit-log", func(ctx context.Context, payload []byte) error {
			log.Info("envelope payload",
				zap.String("channel", ch),
				zap.ByteString("payload", payload))
			return nil
		}, true)
		if err != nil {
			return nil, err
		}
	}
	return registry, nil
}

func serveMetrics(addr string, reg *prometheus.Registry, log *zap.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	log.Info("metrics endpoint", zap.String("addr", addr))
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Error("metrics server", zap.Error(err))
	}
}

func buildLogger(level, format string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("log_level %q: %w", level, err)
	}

	var cfg zap.Config
	switch format {
	case "", "json":
		cfg = zap.NewProductionConfig()
	case "console":
		cfg = zap.NewDevelopmentConfig()
	default:
		return nil, fmt.Errorf("log_format %q: want json or console", format)
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	return cfg.Build()
}
