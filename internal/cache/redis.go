package cache

import (
	"context"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// negativeSentinel marks cached misses. Redis cannot store nil values,
// so Get translates it back to a nil payload.
const negativeSentinel = "\x00taprofiler:none"

// Redis backs the cache with a shared Redis instance. Cache failures are
// logged and treated as misses, never surfaced to callers.
type Redis struct {
	client *redis.Client
	prefix string
	logger *zap.Logger
}

// RedisConfig configures the Redis cache backend.
type RedisConfig struct {
	Addr        string `yaml:"addr"`
	PasswordEnv string `yaml:"password_env"`
	DB          int    `yaml:"db"`
	PoolSize    int    `yaml:"pool_size"`
}

// NewRedis creates a Redis-backed cache.
func NewRedis(cfg RedisConfig, logger *zap.Logger) *Redis {
	password := ""
	if cfg.PasswordEnv != "" {
		password = os.Getenv(cfg.PasswordEnv)
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})

	return &Redis{
		client: client,
		prefix: "taprofiler:enrichment:",
		logger: logger,
	}
}

// Get returns the cached payload for key.
func (r *Redis) Get(ctx context.Context, key string) ([]byte, bool) {
	value, err := r.client.Get(ctx, r.prefix+key).Bytes()
	if err == redis.Nil {
		return nil, false
	}
	if err != nil {
		r.logger.Warn("Redis cache read failed", zap.String("key", key), zap.Error(err))
		return nil, false
	}
	if string(value) == negativeSentinel {
		return nil, true
	}
	return value, true
}

// Set stores a payload under key for ttl.
func (r *Redis) Set(ctx context.Context, key string, value []byte, ttl time.Duration) {
	stored := value
	if stored == nil {
		stored = []byte(negativeSentinel)
	}
	if err := r.client.Set(ctx, r.prefix+key, stored, ttl).Err(); err != nil {
		r.logger.Warn("Redis cache write failed", zap.String("key", key), zap.Error(err))
	}
}

// Close releases the underlying Redis connection pool.
func (r *Redis) Close() error {
	return r.client.Close()
}
