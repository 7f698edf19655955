package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"escrowledger/config"
	"escrowledger/core"
	"escrowledger/native/escrow"
	"escrowledger/observability/logging"
	telemetry "escrowledger/observability/otel"
	"escrowledger/rpc"
	"escrowledger/storage"
	"escrowledger/storage/eventstore"
)

var version = "dev"

func main() {
	configFile := flag.String("config", "./config.toml", "Path to the configuration file (TOML, or YAML by extension)")
	flag.Parse()

	if err := run(*configFile); err != nil {
		fmt.Fprintf(os.Stderr, "escrowd: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := logging.Setup("escrowd", cfg.Environment, logging.Options{
		Level:      cfg.Logging.Level,
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
	})

	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.Config{
		ServiceName:    "escrowd",
		ServiceVersion: version,
		Environment:    cfg.Environment,
		Endpoint:       cfg.Telemetry.Endpoint,
		Insecure:       cfg.Telemetry.Insecure,
		Headers:        telemetry.ParseHeaders(cfg.Telemetry.Headers),
		Metrics:        cfg.Telemetry.Metrics,
		Traces:         cfg.Telemetry.Traces,
		Attributes:     map[string]string{"escrow.ledger": rpc.FormatAddress(escrow.DefaultAddress)},
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()

	allocations, err := cfg.ParsedAllocations()
	if err != nil {
		return fmt.Errorf("parse allocations: %w", err)
	}

	db, err := storage.NewLevelDB(filepath.Join(cfg.DataDir, "state"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	nodeCfg := core.Config{
		CancelCooldown: cfg.CancelCooldown.Duration,
		Paused:         cfg.Pauses.Escrow,
		Allocations:    allocations,
		Logger:         logger,
	}
	if dsn := cfg.EventArchiveDSN(); dsn != "" {
		archive, err := eventstore.Open(dsn)
		if err != nil {
			return fmt.Errorf("open event archive: %w", err)
		}
		defer func() {
			if err := archive.Close(); err != nil {
				logger.Warn("close event archive", slog.Any("error", err))
			}
		}()
		nodeCfg.Archive = archive
	} else {
		logger.Warn("event archive disabled; history is kept in memory only")
	}

	node, err := core.NewNode(db, nodeCfg)
	if err != nil {
		return fmt.Errorf("start node: %w", err)
	}
	logger.Info("escrow ledger ready",
		slog.String("ledger", rpc.FormatAddress(node.LedgerAddress())),
		slog.Int("events", node.Events().Len()),
		slog.Bool("paused", cfg.Pauses.Escrow))

	if cfg.Auth.JWTSecret == "" {
		logger.Warn("no JWT secret configured; mutating RPC methods will be rejected", slog.String("env", config.EnvJWTSecret))
	} else {
		logger.Info("rpc authentication enabled",
			logging.MaskField("jwtSecret", cfg.Auth.JWTSecret),
			slog.String("issuer", cfg.Auth.Issuer),
			slog.String("audience", cfg.Auth.Audience))
	}
	trustedProxies, err := cfg.RateLimit.ParsedTrustedProxies()
	if err != nil {
		return err
	}
	server := rpc.NewServer(node, rpc.ServerConfig{
		Auth: rpc.AuthConfig{
			Secret:    cfg.Auth.JWTSecret,
			Issuer:    cfg.Auth.Issuer,
			Audience:  cfg.Auth.Audience,
			ClockSkew: cfg.Auth.ClockSkew.Duration,
		},
		RequestsPerSecond: cfg.RateLimit.RequestsPerSecond,
		Burst:             cfg.RateLimit.Burst,
		TrustedProxies:    trustedProxies,
		Logger:            logger,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := server.Start(ctx, cfg.RPCAddress); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("rpc server: %w", err)
	}
	logger.Info("escrowd stopped")
	return nil
}
