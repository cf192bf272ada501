package services

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// RateLimiter implements sliding-window admission per (actor, action) against
// the shared cache, so the limit holds across all instances.
type RateLimiter struct {
	client *redis.Client
	log    *slog.Logger
}

func NewRateLimiter(client *redis.Client, log *slog.Logger) *RateLimiter {
	return &RateLimiter{client: client, log: log}
}

// Decision is the result of an admission check.
type Decision struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time
}

// admitScript prunes, counts, and records in one atomic step. A split
// check-then-record would admit more than the limit under concurrent callers
// for the same actor.
var admitScript = redis.NewScript(`
	local key = KEYS[1]
	local now = tonumber(ARGV[1])
	local window_start = tonumber(ARGV[2])
	local limit = tonumber(ARGV[3])
	local window_ms = tonumber(ARGV[4])

	-- Remove expired entries
	redis.call('ZREMRANGEBYSCORE', key, '-inf', window_start)

	-- Count current actions in window
	local current = redis.call('ZCARD', key)

	if current < limit then
		-- Generate unique member using atomic counter
		local counter = redis.call('INCR', key .. ':counter')
		redis.call('ZADD', key, now, now .. ':' .. counter)
		local expire_seconds = math.ceil(window_ms / 1000)
		redis.call('EXPIRE', key, expire_seconds)
		redis.call('EXPIRE', key .. ':counter', expire_seconds)
		return {1, limit - current - 1, 0}
	else
		-- Oldest entry determines when the window frees a slot
		local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
		local reset_at = 0
		if oldest and #oldest >= 2 then
			reset_at = tonumber(oldest[2]) + window_ms
		end
		return {0, 0, reset_at}
	end
`)

// Admit decides whether the actor may perform the action now, recording the
// action in the same atomic step when allowed. Over-limit is a decision with
// a ResetAt for backoff, never an error.
//
// A cache outage fails open with a warning: limiting is protective, and a
// broken limiter must not take messaging down with it.
func (l *RateLimiter) Admit(ctx context.Context, actorID, actionKind string, limit int, window time.Duration) Decision {
	now := time.Now()
	key := "ratelimit:" + actorID + ":" + actionKind

	result, err := admitScript.Run(ctx, l.client, []string{key},
		now.UnixMilli(), now.Add(-window).UnixMilli(), limit, window.Milliseconds()).Int64Slice()
	if err != nil {
		l.log.Warn("rate limiter unavailable, admitting", "actor", actorID, "action", actionKind, "err", err)
		return Decision{Allowed: true, Remaining: limit - 1, ResetAt: now.Add(window)}
	}
	if len(result) != 3 {
		l.log.Warn("rate limiter bad reply, admitting", "actor", actorID, "action", actionKind, "len", len(result))
		return Decision{Allowed: true, Remaining: limit - 1, ResetAt: now.Add(window)}
	}

	d := Decision{
		Allowed:   result[0] == 1,
		Remaining: int(result[1]),
	}
	if result[2] > 0 {
		d.ResetAt = time.UnixMilli(result[2])
	} else {
		d.ResetAt = now.Add(window)
	}
	return d
}

// Reset clears the window for a specific (actor, action) pair.
func (l *RateLimiter) Reset(ctx context.Context, actorID, actionKind string) error {
	key := "ratelimit:" + actorID + ":" + actionKind
	if err := l.client.Del(ctx, key, key+":counter").Err(); err != nil {
		return fmt.Errorf("rate limit reset: %w: %v", ErrDependencyUnavailable, err)
	}
	return nil
}
