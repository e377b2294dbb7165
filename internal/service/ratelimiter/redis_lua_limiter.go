// Package ratelimiter implements the per-principal sliding window limits
// applied in front of the HTTP surface. Limits are advisory: on Redis errors
// the limiter fails open so the API keeps serving.
package ratelimiter

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Route classes. Every rate-limited endpoint belongs to exactly one.
const (
	ClassLogin      = "login"
	ClassRegister   = "register"
	ClassJobs       = "jobs"
	ClassAccounts   = "accounts"
	ClassWorkerRead = "worker_read"
)

type Limiter interface {
	// Allow records one request for principal in class. When denied,
	// retryAfter is the time until the oldest counted request leaves the
	// window.
	Allow(ctx context.Context, class, principal string) (allowed bool, retryAfter time.Duration, err error)
}

// ClassConfig is the request budget for one route class.
type ClassConfig struct {
	Limit  int64
	Window time.Duration
}

// Classes builds the standard class table. workerWindow applies to
// worker_read only; every other class shares window.
func Classes(window, workerWindow time.Duration) map[string]ClassConfig {
	return map[string]ClassConfig{
		ClassLogin:      {Limit: 5, Window: window},
		ClassRegister:   {Limit: 10, Window: window},
		ClassJobs:       {Limit: 30, Window: window},
		ClassAccounts:   {Limit: 50, Window: window},
		ClassWorkerRead: {Limit: 100, Window: workerWindow},
	}
}

type RedisLuaLimiter struct {
	redis   *redis.Client
	classes map[string]ClassConfig
	script  *redis.Script
	mu      sync.RWMutex
}

func NewRedisLuaLimiter(rdb *redis.Client, classes map[string]ClassConfig) *RedisLuaLimiter {
	if rdb == nil {
		return nil
	}
	if classes == nil {
		classes = map[string]ClassConfig{}
	}
	return &RedisLuaLimiter{
		redis:   rdb,
		classes: classes,
		script:  redis.NewScript(luaSlidingWindowScript),
	}
}

// Sliding window over a sorted set: members are individual requests scored
// by arrival time in nanoseconds. Expired entries are trimmed before
// counting, so a denied principal recovers as soon as the oldest request
// ages out rather than at a fixed boundary.
const luaSlidingWindowScript = `
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local member = ARGV[4]

redis.call("ZREMRANGEBYSCORE", key, 0, now - window)
local count = redis.call("ZCARD", key)
if count < limit then
  redis.call("ZADD", key, now, member)
  redis.call("PEXPIRE", key, math.ceil(window / 1000000))
  return { 1, 0 }
end

local retry_after = window
local oldest = redis.call("ZRANGE", key, 0, 0, "WITHSCORES")
if oldest[2] then
  retry_after = (tonumber(oldest[2]) + window) - now
end
return { 0, retry_after }
`

func (l *RedisLuaLimiter) Allow(ctx context.Context, class, principal string) (bool, time.Duration, error) {
	if l == nil || l.redis == nil {
		return true, 0, nil
	}
	l.mu.RLock()
	cfg, ok := l.classes[class]
	l.mu.RUnlock()
	if !ok || cfg.Limit <= 0 || cfg.Window <= 0 {
		return true, 0, nil
	}

	now := time.Now().UnixNano()
	redisKey := "rate:" + class + ":" + principal
	member := uuid.NewString()

	res, err := l.script.Run(ctx, l.redis, []string{redisKey}, now, cfg.Window.Nanoseconds(), cfg.Limit, member).Result()
	if err != nil {
		slog.Error("redis rate limiter script error", slog.String("class", class), slog.Any("error", err))
		// Fail open on Redis errors to avoid hard outages; limits here are advisory.
		return true, 0, err
	}

	vals, ok := res.([]interface{})
	if !ok || len(vals) < 2 {
		slog.Error("redis rate limiter unexpected script result", slog.String("class", class), slog.Any("result", res))
		return true, 0, nil
	}

	allowed := toInt64(vals[0]) == 1
	retryAfter := time.Duration(toInt64(vals[1]))
	if retryAfter < 0 {
		retryAfter = 0
	}
	return allowed, retryAfter, nil
}

// SetClassConfig updates or creates the budget for a route class. It is safe
// for concurrent use.
func (l *RedisLuaLimiter) SetClassConfig(class string, cfg ClassConfig) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.classes == nil {
		l.classes = map[string]ClassConfig{}
	}
	l.classes[class] = cfg
}

func toInt64(v interface{}) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case int:
		return int64(t)
	case float64:
		return int64(t)
	default:
		return 0
	}
}
