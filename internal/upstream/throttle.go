package upstream

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

// Throttle blocks until the caller identified by key may issue one request.
type Throttle interface {
	Wait(ctx context.Context, key string) error
}

type ThrottleConfig struct {
	RatePerSecond float64
	Burst         int
	// MaxWait caps how long Wait blocks before giving up with ErrThrottled.
	MaxWait time.Duration
}

func (c ThrottleConfig) withDefaults() ThrottleConfig {
	if c.RatePerSecond <= 0 {
		c.RatePerSecond = 1
	}
	if c.Burst <= 0 {
		c.Burst = 1
	}
	if c.MaxWait <= 0 {
		c.MaxWait = 5 * time.Second
	}
	return c
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// LocalThrottle keeps one token bucket per key in process memory.
type LocalThrottle struct {
	config  ThrottleConfig
	mu      sync.Mutex
	buckets map[string]*bucket
	idleTTL time.Duration
}

func NewLocalThrottle(config ThrottleConfig) *LocalThrottle {
	return &LocalThrottle{
		config:  config.withDefaults(),
		buckets: make(map[string]*bucket),
		idleTTL: 10 * time.Minute,
	}
}

func (t *LocalThrottle) Wait(ctx context.Context, key string) error {
	limiter := t.limiterFor(key)

	waitCtx, cancel := context.WithTimeout(ctx, t.config.MaxWait)
	defer cancel()

	if err := limiter.Wait(waitCtx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %v", ErrThrottled, err)
	}
	return nil
}

func (t *LocalThrottle) limiterFor(key string) *rate.Limiter {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	for existing, item := range t.buckets {
		if existing != key && now.Sub(item.lastSeen) > t.idleTTL {
			delete(t.buckets, existing)
		}
	}

	item, ok := t.buckets[key]
	if !ok {
		item = &bucket{limiter: rate.NewLimiter(rate.Limit(t.config.RatePerSecond), t.config.Burst)}
		t.buckets[key] = item
	}
	item.lastSeen = now
	return item.limiter
}

var tokenBucketScript = redis.NewScript(`
-- KEYS[1] = bucket key
-- ARGV[1] = capacity
-- ARGV[2] = refill tokens per second
-- ARGV[3] = now in ms
-- ARGV[4] = ttl in ms
--
-- Returns 0 when a token was taken, otherwise the ms until one is available.
local capacity = tonumber(ARGV[1])
local refill = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local state = redis.call('HMGET', KEYS[1], 'tokens', 'ts')
local tokens = tonumber(state[1])
local ts = tonumber(state[2])
if tokens == nil or ts == nil then
  tokens = capacity
  ts = now
end

local elapsed = math.max(0, now - ts)
tokens = math.min(capacity, tokens + (elapsed / 1000.0) * refill)

local wait = 0
if tokens >= 1 then
  tokens = tokens - 1
else
  wait = math.ceil(((1 - tokens) / refill) * 1000)
end

redis.call('HSET', KEYS[1], 'tokens', tostring(tokens), 'ts', tostring(now))
redis.call('PEXPIRE', KEYS[1], ttl)
return wait
`)

// RedisThrottle shares token buckets across processes through Redis.
type RedisThrottle struct {
	client *redis.Client
	config ThrottleConfig
	prefix string
	now    func() time.Time
}

func NewRedisThrottle(client *redis.Client, prefix string, config ThrottleConfig) *RedisThrottle {
	if prefix == "" {
		prefix = "reconciler:throttle:"
	}
	return &RedisThrottle{
		client: client,
		config: config.withDefaults(),
		prefix: prefix,
		now:    time.Now,
	}
}

func (t *RedisThrottle) Wait(ctx context.Context, key string) error {
	deadline := t.now().Add(t.config.MaxWait)
	ttl := time.Duration(float64(t.config.Burst)/t.config.RatePerSecond*float64(time.Second)) + time.Minute

	for {
		wait, err := t.take(ctx, key, ttl)
		if err != nil {
			return err
		}
		if wait <= 0 {
			return nil
		}
		if t.now().Add(wait).After(deadline) {
			return ErrThrottled
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (t *RedisThrottle) take(ctx context.Context, key string, ttl time.Duration) (time.Duration, error) {
	result, err := tokenBucketScript.Run(
		ctx,
		t.client,
		[]string{t.prefix + key},
		t.config.Burst,
		strconv.FormatFloat(t.config.RatePerSecond, 'f', -1, 64),
		t.now().UnixMilli(),
		ttl.Milliseconds(),
	).Int64()
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return 0, err
		}
		return 0, fmt.Errorf("run token bucket script: %w", err)
	}
	return time.Duration(result) * time.Millisecond, nil
}
