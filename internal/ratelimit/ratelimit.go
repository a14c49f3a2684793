package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Limiter gates outbound provider calls per account so one tenant's burst
// cannot trip the provider-side rate limit for everyone.
type Limiter interface {
	// Allow reports whether one more send under key fits in the window now.
	Allow(ctx context.Context, key string) (bool, error)
}

// RedisSlidingWindow counts sends in a rolling window backed by a Redis
// sorted set keyed by timestamp.
type RedisSlidingWindow struct {
	cmd      redis.Cmdable
	window   time.Duration
	rate     int
	keyspace string
}

var _ Limiter = (*RedisSlidingWindow)(nil)

func NewRedisSlidingWindow(cmd redis.Cmdable, window time.Duration, rate int) *RedisSlidingWindow {
	return &RedisSlidingWindow{cmd: cmd, window: window, rate: rate, keyspace: "ratelimit:send:"}
}

func (l *RedisSlidingWindow) Allow(ctx context.Context, key string) (bool, error) {
	now := time.Now()
	rkey := l.keyspace + key
	cutoff := now.Add(-l.window).UnixMilli()

	pipe := l.cmd.TxPipeline()
	pipe.ZRemRangeByScore(ctx, rkey, "-inf", fmt.Sprintf("%d", cutoff))
	card := pipe.ZCard(ctx, rkey)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, err
	}
	if card.Val() >= int64(l.rate) {
		return false, nil
	}

	add := l.cmd.TxPipeline()
	add.ZAdd(ctx, rkey, redis.Z{
		Score:  float64(now.UnixMilli()),
		Member: fmt.Sprintf("%d-%d", now.UnixNano(), card.Val()),
	})
	add.Expire(ctx, rkey, l.window)
	_, err := add.Exec(ctx)
	return err == nil, err
}

// Noop is used when no Redis is configured; every send is allowed.
type Noop struct{}

var _ Limiter = Noop{}

func (Noop) Allow(context.Context, string) (bool, error) { return true, nil }
