package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// SlidingWindow implements a sliding window rate limiter backed by Redis
// sorted sets. Every event is a member scored by its timestamp; members older
// than the window are trimmed before counting.
type SlidingWindow struct {
	Client redis.Cmdable
	Prefix string
}

// Allow registers an event for the given key and returns whether it is within
// the limit. A limiter without a client allows everything.
func (l SlidingWindow) Allow(ctx context.Context, key string, window time.Duration, max int) (Decision, error) {
	now := time.Now()
	until := now.Add(window)
	if l.Client == nil || max <= 0 || window <= 0 {
		return Decision{Allowed: true, Remaining: max, ResetAt: until}, nil
	}

	score := float64(now.UnixNano())
	cutoff := float64(now.Add(-window).UnixNano())
	redisKey := l.Prefix + key
	member := fmt.Sprintf("%s:%s", key, uuid.NewString())

	pipe := l.Client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, redisKey, "-inf", fmt.Sprintf("%f", cutoff))
	pipe.ZAdd(ctx, redisKey, redis.Z{Score: score, Member: member})
	countCmd := pipe.ZCard(ctx, redisKey)
	pipe.Expire(ctx, redisKey, window)
	if _, err := pipe.Exec(ctx); err != nil {
		return Decision{ResetAt: until}, err
	}

	current := int(countCmd.Val())
	remaining := max - current
	if remaining < 0 {
		remaining = 0
	}
	return Decision{Allowed: current <= max, Remaining: remaining, ResetAt: until}, nil
}
