package storage

import (
	"context"
	"errors"
	"time"

	"github.com/go-redis/redis/v8"

	logx "runq/pkg/logx"
)

const defaultRedisDialTimeout = 5 * time.Second

// RedisClient is the subset of go-redis used by the redis driver.
type RedisClient interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Ping(ctx context.Context) *redis.StatusCmd
	Close() error
}

type redisKV struct {
	client RedisClient
}

func (r *redisKV) get(ctx context.Context, key string) ([]byte, bool, error) {
	b, err := r.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return b, true, nil
}

func (r *redisKV) set(ctx context.Context, key string, val []byte) error {
	return r.client.Set(ctx, key, val, 0).Err()
}

func (r *redisKV) close() error { return r.client.Close() }

// NewRedis wraps an existing client. The backend owns the client from now on
// and closes it on Cleanup.
func NewRedis(client RedisClient, prefix string, log logx.Logger) Backend {
	if log.IsZero() {
		log = logx.Nop()
	}
	return newKVBackend("redis", prefix, &redisKV{client: client}, log)
}

func openRedis(cfg RedisConfig, prefix string, log logx.Logger) (Backend, error) {
	dial := cfg.DialTimeout
	if dial <= 0 {
		dial = defaultRedisDialTimeout
	}
	client := redis.NewClient(&redis.Options{
		Addr:        cfg.Addr(),
		DB:          cfg.DB,
		Username:    cfg.Username,
		Password:    cfg.Password,
		DialTimeout: dial,
	})

	// An unreachable server is not fatal: admission keeps working in memory
	// and every persistence call reports the outage.
	ctx, cancel := context.WithTimeout(context.Background(), dial)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		log.Warn("redis ping failed", logx.String("addr", cfg.Addr()), logx.Err(err))
	} else {
		log.Info("redis connected", logx.String("addr", cfg.Addr()), logx.Int("db", cfg.DB))
	}
	return NewRedis(client, prefix, log), nil
}
