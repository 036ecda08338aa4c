// Package config provides configuration management for the TA Profiler.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all TA Profiler configuration.
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Database     DatabaseConfig     `yaml:"database"`
	Redis        RedisConfig        `yaml:"redis"`
	HTTP         HTTPConfig         `yaml:"http"`
	Taxonomy     TaxonomyConfig     `yaml:"taxonomy"`
	Catalog      CatalogConfig      `yaml:"catalog"`
	Enrichment   EnrichmentConfig   `yaml:"enrichment"`
	Organization OrganizationConfig `yaml:"organization"`
	Analysis     AnalysisConfig     `yaml:"analysis"`
	Logging      LoggingConfig      `yaml:"logging"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig holds persistence settings. Driver is "postgres" or
// "memory"; the DSN is read from the environment so credentials stay out
// of config files.
type DatabaseConfig struct {
	Driver         string        `yaml:"driver"`
	DSNEnv         string        `yaml:"dsn_env"`
	ConnectRetries int           `yaml:"connect_retries"`
	ConnectBackoff time.Duration `yaml:"connect_backoff"`
}

// RedisConfig holds Redis connection settings for the enrichment cache.
type RedisConfig struct {
	Enabled     bool          `yaml:"enabled"`
	Addr        string        `yaml:"addr"`
	PasswordEnv string        `yaml:"password_env"`
	DB          int           `yaml:"db"`
	PoolSize    int           `yaml:"pool_size"`
	CacheTTL    time.Duration `yaml:"cache_ttl"`
}

// HTTPConfig holds outbound HTTP client settings shared by the catalog
// and enrichment fetchers.
type HTTPConfig struct {
	Timeout       time.Duration `yaml:"timeout"`
	MaxRetries    int           `yaml:"max_retries"`
	BackoffFactor time.Duration `yaml:"backoff_factor"`
	ProxyURL      string        `yaml:"proxy_url"`
}

// TaxonomyConfig holds settings for the ATT&CK taxonomy source.
type TaxonomyConfig struct {
	BundleURL  string `yaml:"bundle_url"`
	BundlePath string `yaml:"bundle_path"`
}

// CatalogConfig holds settings for the identity catalogs and the manual
// override mapping file.
type CatalogConfig struct {
	MalpediaBaseURL  string `yaml:"malpedia_base_url"`
	MalpediaSnapshot string `yaml:"malpedia_snapshot"`
	GalaxyURL        string `yaml:"galaxy_url"`
	GalaxySnapshot   string `yaml:"galaxy_snapshot"`
	MappingsPath     string `yaml:"mappings_path"`
}

// EnrichmentConfig holds Feedly enrichment settings.
type EnrichmentConfig struct {
	BaseURL   string        `yaml:"base_url"`
	TokenEnv  string        `yaml:"token_env"`
	Timeout   time.Duration `yaml:"timeout"`
	CallDelay time.Duration `yaml:"call_delay"`
	MaxActors int           `yaml:"max_actors"` // 0 = unlimited
	CacheTTL  time.Duration `yaml:"cache_ttl"`
}

// OrganizationConfig seeds the organization profile used for relevance.
type OrganizationConfig struct {
	Name    string `yaml:"name"`
	Sector  string `yaml:"sector"`
	Country string `yaml:"country"`
}

// AnalysisConfig holds analysis settings.
type AnalysisConfig struct {
	TrustedDomains []string `yaml:"trusted_domains"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, console
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	return cfg, nil
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Database: DatabaseConfig{
			Driver:         "postgres",
			DSNEnv:         "DATABASE_URL",
			ConnectRetries: 5,
			ConnectBackoff: 2 * time.Second,
		},
		Redis: RedisConfig{
			Enabled:  false,
			Addr:     "localhost:6379",
			DB:       0,
			PoolSize: 10,
			CacheTTL: 1 * time.Hour,
		},
		HTTP: HTTPConfig{
			Timeout:       30 * time.Second,
			MaxRetries:    3,
			BackoffFactor: 500 * time.Millisecond,
		},
		Taxonomy: TaxonomyConfig{
			BundleURL: "https://raw.githubusercontent.com/mitre/cti/master/enterprise-attack/enterprise-attack.json",
		},
		Catalog: CatalogConfig{
			MalpediaBaseURL:  "https://malpedia.caad.fkie.fraunhofer.de",
			MalpediaSnapshot: "data/malpedia_actors.json",
			GalaxyURL:        "https://raw.githubusercontent.com/MISP/misp-galaxy/main/clusters/mitre-intrusion-set.json",
			GalaxySnapshot:   "data/mitre_intrusion_set.json",
			MappingsPath:     "data/entity_mappings.json",
		},
		Enrichment: EnrichmentConfig{
			BaseURL:   "https://api.feedly.com",
			TokenEnv:  "FEEDLY_API_TOKEN",
			Timeout:   30 * time.Second,
			CallDelay: 2 * time.Second,
			MaxActors: 0,
			CacheTTL:  6 * time.Hour,
		},
		Organization: OrganizationConfig{
			Sector:  "Financial Services",
			Country: "United States",
		},
		Analysis: AnalysisConfig{
			TrustedDomains: []string{
				"attack.mitre.org",
				"malpedia.caad.fkie.fraunhofer.de",
				"cisa.gov",
				"mandiant.com",
				"crowdstrike.com",
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}
