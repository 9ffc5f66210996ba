package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/listenup-audio/backend/internal/pkg/logger"
)

// Bus is the durable message fabric between the orchestrator and the worker
// fleet: named FIFO queues plus atomic integer counters for fan-in joins.
type Bus interface {
	Push(ctx context.Context, queue string, payload any) error
	// Pop blocks up to timeout for the next message on the queue. A nil
	// result with nil error means the timeout elapsed.
	Pop(ctx context.Context, queue string, timeout time.Duration) ([]byte, error)

	SetCounter(ctx context.Context, key string, value int64) error
	// DecrCounter atomically decrements and returns the new value; the
	// decrement-and-get is the happens-before edge for join readiness.
	DecrCounter(ctx context.Context, key string) (int64, error)
	GetCounter(ctx context.Context, key string) (int64, bool, error)
	DeleteCounter(ctx context.Context, key string) error

	Close() error
}

type redisBus struct {
	log *logger.Logger
	rdb *goredis.Client
}

func NewBus(log *logger.Logger) (Bus, error) {
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

	return &redisBus{
		log: log.With("service", "RedisQueueBus"),
		rdb: rdb,
	}, nil
}

func (b *redisBus) Push(ctx context.Context, queue string, payload any) error {
	if b == nil || b.rdb == nil {
		return fmt.Errorf("redis queue bus not initialized")
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return b.rdb.RPush(ctx, queue, raw).Err()
}

func (b *redisBus) Pop(ctx context.Context, queue string, timeout time.Duration) ([]byte, error) {
	if b == nil || b.rdb == nil {
		return nil, fmt.Errorf("redis queue bus not initialized")
	}
	res, err := b.rdb.BLPop(ctx, timeout, queue).Result()
	if err == goredis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	// BLPOP returns [queue, payload].
	if len(res) < 2 {
		return nil, nil
	}
	return []byte(res[1]), nil
}

func (b *redisBus) SetCounter(ctx context.Context, key string, value int64) error {
	return b.rdb.Set(ctx, key, value, 0).Err()
}

func (b *redisBus) DecrCounter(ctx context.Context, key string) (int64, error) {
	return b.rdb.Decr(ctx, key).Result()
}

func (b *redisBus) GetCounter(ctx context.Context, key string) (int64, bool, error) {
	v, err := b.rdb.Get(ctx, key).Int64()
	if err == goredis.Nil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return v, true, nil
}

func (b *redisBus) DeleteCounter(ctx context.Context, key string) error {
	return b.rdb.Del(ctx, key).Err()
}

func (b *redisBus) Close() error {
	if b == nil || b.rdb == nil {
		return nil
	}
	return b.rdb.Close()
}
