package redis

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/effigo/internal/common"
)

// RedisDB wraps a Redis client used as the shared job/character store when
// the service runs with out-of-process workers.
type RedisDB struct {
	client *goredis.Client
	logger arbor.ILogger
}

// NewRedisDB connects to Redis using the configured URL and verifies the
// connection with a ping before returning.
func NewRedisDB(logger arbor.ILogger, config *common.RedisConfig) (*RedisDB, error) {
	opts, err := goredis.ParseURL(config.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}

	client := goredis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	logger.Info().Str("addr", opts.Addr).Msg("Redis storage connection established")

	return &RedisDB{
		client: client,
		logger: logger,
	}, nil
}

// Client returns the underlying Redis client
func (r *RedisDB) Client() *goredis.Client {
	return r.client
}

// Close closes the Redis connection
func (r *RedisDB) Close() error {
	if r.client != nil {
		return r.client.Close()
	}
	return nil
}
