package drops

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/MarcoPoloResearchLab/cardbot/internal/svcerr"
	"github.com/redis/go-redis/v9"
)

const (
	opCounterIncrement = "drops.counter_increment"
	opCounterRead      = "drops.counter_read"

	defaultRedisPrefix = "cardbot:drops"
)

// CounterStore keeps the per-chat message counters. Counters only grow.
type CounterStore interface {
	Increment(ctx context.Context, chatID int64) (int64, error)
	Count(ctx context.Context, chatID int64) (int64, error)
}

// MemoryCounter holds counters in process. Each chat has its own atomic cell.
type MemoryCounter struct {
	cells sync.Map
}

// NewMemoryCounter returns an empty in-process counter store.
func NewMemoryCounter() *MemoryCounter {
	return &MemoryCounter{}
}

// Increment adds one to the chat's counter.
func (m *MemoryCounter) Increment(_ context.Context, chatID int64) (int64, error) {
	return m.cell(chatID).Add(1), nil
}

// Count reads the chat's counter.
func (m *MemoryCounter) Count(_ context.Context, chatID int64) (int64, error) {
	value, ok := m.cells.Load(chatID)
	if !ok {
		return 0, nil
	}
	return value.(*atomic.Int64).Load(), nil
}

func (m *MemoryCounter) cell(chatID int64) *atomic.Int64 {
	if value, ok := m.cells.Load(chatID); ok {
		return value.(*atomic.Int64)
	}
	value, _ := m.cells.LoadOrStore(chatID, new(atomic.Int64))
	return value.(*atomic.Int64)
}

// RedisCounterConfig describes a Redis-backed counter store.
type RedisCounterConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

// RedisCounter shares counters between processes through INCR.
type RedisCounter struct {
	client *redis.Client
	prefix string
}

// NewRedisCounter connects a counter store to Redis.
func NewRedisCounter(cfg RedisCounterConfig) (*RedisCounter, error) {
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		return nil, errors.New("drops: redis addr is required")
	}
	prefix := strings.TrimSpace(cfg.Prefix)
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	return &RedisCounter{
		client: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: cfg.Password,
			DB:       cfg.DB,
		}),
		prefix: prefix,
	}, nil
}

// Increment runs INCR on the chat's key.
func (r *RedisCounter) Increment(ctx context.Context, chatID int64) (int64, error) {
	value, err := r.client.Incr(ctx, r.key(chatID)).Result()
	if err != nil {
		return 0, svcerr.Storage(opCounterIncrement, "redis_failed", err)
	}
	return value, nil
}

// Count reads the chat's key; a missing key reads as zero.
func (r *RedisCounter) Count(ctx context.Context, chatID int64) (int64, error) {
	value, err := r.client.Get(ctx, r.key(chatID)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, svcerr.Storage(opCounterRead, "redis_failed", err)
	}
	return value, nil
}

// Ping verifies connectivity.
func (r *RedisCounter) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close releases the client.
func (r *RedisCounter) Close() error {
	return r.client.Close()
}

func (r *RedisCounter) key(chatID int64) string {
	return fmt.Sprintf("%s:chat:%d:messages", r.prefix, chatID)
}
