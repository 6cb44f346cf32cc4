package bridge

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	redisDefaultKeyPrefix = "leadbridge:table:"
	redisOperationTimeout = 5 * time.Second
)

// RedisTableBackend keeps every table as one string key. The DSN may carry
// ?prefix=<key prefix> to share a database between deployments.
type RedisTableBackend struct {
	rdb    redis.UniversalClient
	prefix string
}

func NewRedisTableBackend(dsn string) (*RedisTableBackend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	prefix := redisDefaultKeyPrefix
	if idx := strings.Index(dsn, "?"); idx >= 0 {
		query := dsn[idx+1:]
		kept := make([]string, 0)
		for _, part := range strings.Split(query, "&") {
			if value, ok := strings.CutPrefix(part, "prefix="); ok {
				if value != "" {
					prefix = value
				}
				continue
			}
			if part != "" {
				kept = append(kept, part)
			}
		}
		dsn = dsn[:idx]
		if len(kept) > 0 {
			dsn += "?" + strings.Join(kept, "&")
		}
	}
	opts, err := redis.ParseURL(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse redis dsn: %w", err)
	}
	opts.DialTimeout = redisOperationTimeout
	return NewRedisTableBackendWithClient(redis.NewClient(opts), prefix), nil
}

func NewRedisTableBackendWithClient(rdb redis.UniversalClient, prefix string) *RedisTableBackend {
	if strings.TrimSpace(prefix) == "" {
		prefix = redisDefaultKeyPrefix
	}
	return &RedisTableBackend{rdb: rdb, prefix: prefix}
}

func (b *RedisTableBackend) Load(name string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(context.Background(), redisOperationTimeout)
	defer cancel()
	data, err := b.rdb.Get(ctx, b.prefix+name).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (b *RedisTableBackend) Save(name string, data []byte) error {
	if err := validateTableName(name); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), redisOperationTimeout)
	defer cancel()
	return b.rdb.Set(ctx, b.prefix+name, data, 0).Err()
}

func (b *RedisTableBackend) Close() error {
	if b == nil || b.rdb == nil {
		return nil
	}
	return b.rdb.Close()
}
