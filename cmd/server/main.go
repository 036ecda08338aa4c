// Package main provides the entry point for the TA Profiler API server.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/lvonguyen/taprofiler/internal/api"
	"github.com/lvonguyen/taprofiler/internal/cache"
	"github.com/lvonguyen/taprofiler/internal/config"
	"github.com/lvonguyen/taprofiler/internal/enrichment"
	"github.com/lvonguyen/taprofiler/internal/export"
	"github.com/lvonguyen/taprofiler/internal/httpclient"
	"github.com/lvonguyen/taprofiler/internal/observability"
	"github.com/lvonguyen/taprofiler/internal/store"
)

// Version information (injected at build time via ldflags)
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "Path to config file")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *showVersion {
		fmt.Printf("taprofiler %s (commit: %s, built: %s)\n", Version, GitCommit, BuildTime)
		os.Exit(0)
	}

	// .env is optional; real deployments set the environment directly
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v, using defaults\n", err)
		cfg = config.DefaultConfig()
	}

	telemetry, err := observability.New(observability.Config{
		ServiceName:    "taprofiler",
		ServiceVersion: Version,
		LogLevel:       cfg.Logging.Level,
		LogFormat:      cfg.Logging.Format,
		MetricsEnabled: true,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "telemetry init failed: %v\n", err)
		os.Exit(1)
	}
	defer telemetry.Shutdown()
	logger := telemetry.Logger()

	logger.Info("Starting TA Profiler server", zap.String("version", Version))

	st, err := openStore(cfg, logger)
	if err != nil {
		logger.Fatal("Failed to open store", zap.Error(err))
	}

	httpClient, err := httpclient.New(httpclient.Config{
		Timeout:       cfg.HTTP.Timeout,
		MaxRetries:    cfg.HTTP.MaxRetries,
		BackoffFactor: cfg.HTTP.BackoffFactor,
		ProxyURL:      cfg.HTTP.ProxyURL,
		UserAgent:     "taprofiler/" + Version,
	}, logger)
	if err != nil {
		logger.Fatal("Failed to build HTTP client", zap.Error(err))
	}

	feedly := enrichment.NewClient(enrichment.Config{
		BaseURL:  cfg.Enrichment.BaseURL,
		TokenEnv: cfg.Enrichment.TokenEnv,
		CacheTTL: cfg.Enrichment.CacheTTL,
	}, httpClient, openCache(cfg, logger), logger)

	exporter := export.NewEngine(st, feedly, logger)
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      api.NewServer(st, exporter, telemetry, logger).Router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		logger.Info("Server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Server error", zap.Error(err))
		}
	}()

	sig := <-sigChan
	logger.Info("Shutting down", zap.String("signal", sig.String()))

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Shutdown error", zap.Error(err))
	}
	logger.Info("Server stopped")
}

func openStore(cfg *config.Config, logger *zap.Logger) (store.Store, error) {
	if cfg.Database.Driver == "memory" {
		logger.Warn("Using in-memory store, data will not survive restarts")
		return store.NewMemory(), nil
	}

	dsn := os.Getenv(cfg.Database.DSNEnv)
	if dsn == "" {
		return nil, fmt.Errorf("database DSN env %s is not set", cfg.Database.DSNEnv)
	}
	return store.NewGorm(store.GormConfig{
		DSN:            dsn,
		ConnectRetries: cfg.Database.ConnectRetries,
		ConnectBackoff: cfg.Database.ConnectBackoff,
	}, logger)
}

func openCache(cfg *config.Config, logger *zap.Logger) cache.Cache {
	if cfg.Redis.Enabled {
		logger.Info("Using Redis enrichment cache", zap.String("addr", cfg.Redis.Addr))
		return cache.NewRedis(cache.RedisConfig{
			Addr:        cfg.Redis.Addr,
			PasswordEnv: cfg.Redis.PasswordEnv,
			DB:          cfg.Redis.DB,
			PoolSize:    cfg.Redis.PoolSize,
		}, logger)
	}
	return cache.NewMemory()
}
