// Package throttle caps how many sends a sender makes per fixed window (an hour by
// default). The Redis limiter is shared by every run; Memory is per process.
package throttle

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

type Limiter interface {
	// Take consumes one unit for key in the window containing now and reports whether it
	// was within the limit.
	Take(ctx context.Context, key string, now time.Time) (bool, error)
}

// Unlimited always allows.
type Unlimited struct{}

func (Unlimited) Take(context.Context, string, time.Time) (bool, error) { return true, nil }

type RedisConfig struct {
	Redis     *redis.Client
	Max       int
	Window    time.Duration // usually 1h
	KeyPrefix string        // e.g. "rl:sender:"
}

// Redis is a fixed-window counter: INCR and EXPIRE in one pipeline.
type Redis struct {
	cfg RedisConfig
}

func NewRedis(cfg RedisConfig) *Redis {
	if cfg.Window <= 0 {
		cfg.Window = time.Hour
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "rl:sender:"
	}
	return &Redis{cfg: cfg}
}

func (r *Redis) Take(ctx context.Context, key string, now time.Time) (bool, error) {
	if r.cfg.Max <= 0 || r.cfg.Redis == nil {
		return true, nil
	}
	// fixed-window key: rl:sender:{id}:{window index}
	bucket := now.UnixNano() / int64(r.cfg.Window)
	k := r.cfg.KeyPrefix + key + ":" + strconv.FormatInt(bucket, 10)

	pipe := r.cfg.Redis.Pipeline()
	cnt := pipe.Incr(ctx, k)
	pipe.Expire(ctx, k, r.cfg.Window*2)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, err
	}
	return cnt.Val() <= int64(r.cfg.Max), nil
}

// Memory is the same fixed window kept in process.
type Memory struct {
	mu     sync.Mutex
	max    int
	window time.Duration
	counts map[string]int
}

func NewMemory(max int, window time.Duration) *Memory {
	if window <= 0 {
		window = time.Hour
	}
	return &Memory{max: max, window: window, counts: map[string]int{}}
}

func (m *Memory) Take(_ context.Context, key string, now time.Time) (bool, error) {
	if m.max <= 0 {
		return true, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	k := key + ":" + strconv.FormatInt(now.UnixNano()/int64(m.window), 10)
	m.counts[k]++
	return m.counts[k] <= m.max, nil
}
