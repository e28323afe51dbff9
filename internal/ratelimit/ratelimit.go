// Package ratelimit throttles the public token endpoints with fixed windows
// counted in Redis.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

type Result struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

type Limiter interface {
	Allow(ctx context.Context, key string) (Result, error)
}

type LimiterFunc func(ctx context.Context, key string) (Result, error)

func (f LimiterFunc) Allow(ctx context.Context, key string) (Result, error) { return f(ctx, key) }

// Redis counts hits per key in the current window with INCR and lets the key
// expire with the window.
type Redis struct {
	Client redis.Cmdable
	Limit  int
	Window time.Duration
	Prefix string
	Now    func() time.Time
}

func NewRedis(addr string, limit int, window time.Duration) Redis {
	return Redis{
		Client: redis.NewClient(&redis.Options{
			Addr:        addr,
			DialTimeout: 2 * time.Second,
			ReadTimeout: time.Second,
		}),
		Limit:  limit,
		Window: window,
		Prefix: "proofline:rl",
	}
}

func (l Redis) Allow(ctx context.Context, key string) (Result, error) {
	now := time.Now()
	if l.Now != nil {
		now = l.Now()
	}
	k, reset := l.windowKey(key, now)
	pipe := l.Client.TxPipeline()
	incr := pipe.Incr(ctx, k)
	pipe.Expire(ctx, k, l.Window)
	if _, err := pipe.Exec(ctx); err != nil {
		return Result{}, fmt.Errorf("rate limit %s: %w", key, err)
	}
	n := int(incr.Val())
	if n > l.Limit {
		return Result{Allowed: false, RetryAfter: reset}, nil
	}
	return Result{Allowed: true, Remaining: l.Limit - n}, nil
}

// windowKey returns the counter key for now's window and the time left in it.
func (l Redis) windowKey(key string, now time.Time) (string, time.Duration) {
	start := now.Truncate(l.Window)
	prefix := l.Prefix
	if prefix == "" {
		prefix = "rl"
	}
	return fmt.Sprintf("%s:%s:%d", prefix, key, start.Unix()), start.Add(l.Window).Sub(now)
}
