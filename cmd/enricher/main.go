// Package main provides the entry point for the reconciliation cycle
// runner. It fetches the taxonomy, resolves identities, enriches
// actors, and commits the results in a single pass.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/lvonguyen/taprofiler/internal/cache"
	"github.com/lvonguyen/taprofiler/internal/catalog"
	"github.com/lvonguyen/taprofiler/internal/config"
	"github.com/lvonguyen/taprofiler/internal/enrichment"
	"github.com/lvonguyen/taprofiler/internal/httpclient"
	"github.com/lvonguyen/taprofiler/internal/ingest"
	"github.com/lvonguyen/taprofiler/internal/observability"
	"github.com/lvonguyen/taprofiler/internal/store"
)

// Version is injected at build time via ldflags.
var Version = "dev"

func main() {
	configPath := flag.String("config", "configs/config.yaml", "Path to config file")
	maxActors := flag.Int("max-actors", -1, "Override enrichment quota (0 = unlimited)")
	flag.Parse()

	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v, using defaults\n", err)
		cfg = config.DefaultConfig()
	}
	if *maxActors >= 0 {
		cfg.Enrichment.MaxActors = *maxActors
	}

	telemetry, err := observability.New(observability.Config{
		ServiceName:    "taprofiler-enricher",
		ServiceVersion: Version,
		LogLevel:       cfg.Logging.Level,
		LogFormat:      cfg.Logging.Format,
		MetricsEnabled: false,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "telemetry init failed: %v\n", err)
		os.Exit(1)
	}
	defer telemetry.Shutdown()
	logger := telemetry.Logger()

	if err := run(cfg, logger); err != nil {
		logger.Error("Reconciliation failed", zap.Error(err))
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx := context.Background()

	httpClient, err := httpclient.New(httpclient.Config{
		Timeout:       cfg.HTTP.Timeout,
		MaxRetries:    cfg.HTTP.MaxRetries,
		BackoffFactor: cfg.HTTP.BackoffFactor,
		ProxyURL:      cfg.HTTP.ProxyURL,
		UserAgent:     "taprofiler/" + Version,
	}, logger)
	if err != nil {
		return err
	}

	st, err := openStore(cfg, logger)
	if err != nil {
		return err
	}
	seedOrganization(ctx, st, cfg, logger)

	malpedia := catalog.NewMalpedia(httpClient, cfg.Catalog.MalpediaBaseURL, cfg.Catalog.MalpediaSnapshot, logger)
	if err := malpedia.Load(ctx); err != nil {
		logger.Warn("Primary catalog unavailable, resolution will miss", zap.Error(err))
	}
	galaxy := catalog.NewGalaxy(httpClient, cfg.Catalog.GalaxyURL, cfg.Catalog.GalaxySnapshot, logger)
	if err := galaxy.Load(ctx); err != nil {
		logger.Warn("Galaxy catalog unavailable, resolution will miss", zap.Error(err))
	}
	resolver := catalog.NewResolver(cfg.Catalog.MappingsPath, malpedia, galaxy, logger)

	feedly := enrichment.NewClient(enrichment.Config{
		BaseURL:  cfg.Enrichment.BaseURL,
		TokenEnv: cfg.Enrichment.TokenEnv,
		CacheTTL: cfg.Enrichment.CacheTTL,
	}, httpClient, openCache(cfg, logger), logger)

	data, err := ingest.FetchBundle(ctx, httpClient, cfg.Taxonomy.BundleURL, cfg.Taxonomy.BundlePath, logger)
	if err != nil {
		return err
	}
	bundle, err := ingest.ParseBundle(data, logger)
	if err != nil {
		return err
	}

	reconciler := ingest.NewReconciler(ingest.ReconcilerConfig{
		MaxActors: cfg.Enrichment.MaxActors,
		CallDelay: cfg.Enrichment.CallDelay,
	}, resolver, feedly, st, nil, logger)

	summary, err := reconciler.Run(ctx, bundle)
	if err != nil {
		return err
	}
	if summary.RateLimited {
		logger.Warn("Cycle ended early on vendor rate limit, partial results committed")
	}
	return nil
}

// seedOrganization writes the configured organization profile and
// trusted domains unless the store already has them.
func seedOrganization(ctx context.Context, st store.Store, cfg *config.Config, logger *zap.Logger) {
	if _, err := st.GetOrganizationProfile(ctx); errors.Is(err, store.ErrNotFound) {
		profile := &store.OrganizationProfile{
			Name:    cfg.Organization.Name,
			Sector:  cfg.Organization.Sector,
			Country: cfg.Organization.Country,
		}
		if err := st.SaveOrganizationProfile(ctx, profile); err != nil {
			logger.Warn("Failed to seed organization profile", zap.Error(err))
		}
	}
	if _, err := st.GetSettings(ctx); errors.Is(err, store.ErrNotFound) {
		settings := &store.Settings{TrustedDomains: cfg.Analysis.TrustedDomains}
		if err := st.SaveSettings(ctx, settings); err != nil {
			logger.Warn("Failed to seed settings", zap.Error(err))
		}
	}
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
