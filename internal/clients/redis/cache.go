package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/listenup-audio/backend/internal/domain"
	"github.com/listenup-audio/backend/internal/pkg/logger"
)

const cacheKeyPrefix = "cache:step:"

// Index maps deterministic cache keys to prior step outputs. Expiry rides
// on the store's TTL; expired entries simply miss.
type Index interface {
	Lookup(ctx context.Context, key string) (*domain.CacheEntry, bool, error)
	Put(ctx context.Context, key string, entry domain.CacheEntry, ttl time.Duration) error
	Close() error
}

type redisIndex struct {
	log *logger.Logger
	rdb *goredis.Client
}

func NewIndex(log *logger.Logger) (Index, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}

	addr := strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	if addr == "" {
		return nil, fmt.Errorf("missing REDIS_ADDR")
	}

	rdb := goredis.NewClient(&goredis.Options{
		Addr:        addr,
		DialTimeout: 5 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	return &redisIndex{
		log: log.With("service", "RedisCacheIndex"),
		rdb: rdb,
	}, nil
}

func (i *redisIndex) Lookup(ctx context.Context, key string) (*domain.CacheEntry, bool, error) {
	raw, err := i.rdb.Get(ctx, cacheKeyPrefix+key).Bytes()
	if err == goredis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var entry domain.CacheEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		i.log.Warn("corrupt cache entry, evicting", "key", key, "error", err)
		_ = i.rdb.Del(ctx, cacheKeyPrefix+key).Err()
		return nil, false, nil
	}
	return &entry, true, nil
}

func (i *redisIndex) Put(ctx context.Context, key string, entry domain.CacheEntry, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	raw, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return i.rdb.Set(ctx, cacheKeyPrefix+key, raw, ttl).Err()
}

func (i *redisIndex) Close() error {
	if i == nil || i.rdb == nil {
		return nil
	}
	return i.rdb.Close()
}
