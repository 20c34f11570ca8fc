package storage

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/property-exchange/internal/config"
	"github.com/redis/go-redis/v9"
)

// RedisCache holds the Redis connection shared by the holding locker and the price cache
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache connects to Redis and fails when the server does not answer a ping
func NewRedisCache(cfg *config.RedisConfig) (*RedisCache, error) {
	opts := &redis.Options{
		Addr:         net.JoinHostPort(cfg.Host, cfg.Port),
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.MaxConnections,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  time.Second,
		WriteTimeout: time.Second,
	}
	cache := NewRedisCacheFromClient(redis.NewClient(opts))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := cache.Ping(ctx); err != nil {
		_ = cache.Close()
		return nil, fmt.Errorf("redis at %s did not answer: %w", opts.Addr, err)
	}
	return cache, nil
}

// NewRedisCacheFromClient wraps an existing client
func NewRedisCacheFromClient(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

// Client returns the underlying client for scripted commands
func (r *RedisCache) Client() *redis.Client {
	return r.client
}

// Ping is used as the redis health check
func (r *RedisCache) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisCache) Close() error {
	return r.client.Close()
}

func (r *RedisCache) get(ctx context.Context, key string) (string, error) {
	return r.client.Get(ctx, key).Result()
}

func (r *RedisCache) set(ctx context.Context, key, value string, ttl time.Duration) error {
	return r.client.Set(ctx, key, value, ttl).Err()
}

func (r *RedisCache) del(ctx context.Context, key string) error {
	return r.client.Del(ctx, key).Err()
}
