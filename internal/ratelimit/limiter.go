// Package ratelimit throttles terminal requests per screen and endpoint.
package ratelimit

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"semaphore/display/internal/metrics"
)

// Rule allows Limit requests per Window.
type Rule struct {
	Limit  int
	Window time.Duration
}

// slidingWindow trims the set to the window, then admits the request if
// there is room. Returns the milliseconds until the oldest entry expires when
// the request is refused, 0 otherwise.
var slidingWindow = redis.NewScript(`
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', now - window)
if redis.call('ZCARD', KEYS[1]) < limit then
  redis.call('ZADD', KEYS[1], now, ARGV[4])
  redis.call('PEXPIRE', KEYS[1], window)
  return 0
end
local oldest = redis.call('ZRANGE', KEYS[1], 0, 0, 'WITHSCORES')
local wait = window - (now - tonumber(oldest[2]))
if wait < 1 then
  wait = 1
end
return wait
`)

type Limiter struct {
	redis     *redis.Client
	rules     map[string]Rule
	opTimeout time.Duration
	metrics   *metrics.Counters
	now       func() time.Time

	mu    sync.Mutex
	local map[string]*rate.Limiter
}

// New builds a limiter with one rule per endpoint name. redisClient may be
// nil; limits are then kept per process.
func New(redisClient *redis.Client, rules map[string]Rule, opTimeout time.Duration, counters *metrics.Counters) *Limiter {
	if opTimeout <= 0 {
		opTimeout = 500 * time.Millisecond
	}
	return &Limiter{
		redis:     redisClient,
		rules:     rules,
		opTimeout: opTimeout,
		metrics:   counters,
		now:       time.Now,
		local:     map[string]*rate.Limiter{},
	}
}

// Allow reports whether the request may proceed and, if not, how long the
// caller should wait. Endpoints without a rule are never limited.
func (l *Limiter) Allow(ctx context.Context, endpoint, subject string) (bool, time.Duration) {
	rule, ok := l.rules[endpoint]
	if !ok || rule.Limit <= 0 || rule.Window <= 0 {
		return true, 0
	}
	key := fmt.Sprintf("display:rl:%s:%s", endpoint, subject)

	allowed, retry, err := l.allowRedis(ctx, key, rule)
	if err != nil {
		if l.redis != nil {
			log.Printf("rate limiter falling back to local limits: %v", err)
		}
		allowed, retry = l.allowLocal(key, rule)
	}
	if !allowed {
		l.metrics.RateLimited()
	}
	return allowed, retry
}

func (l *Limiter) allowRedis(ctx context.Context, key string, rule Rule) (bool, time.Duration, error) {
	if l.redis == nil {
		return false, 0, redis.ErrClosed
	}
	opCtx, cancel := context.WithTimeout(ctx, l.opTimeout)
	defer cancel()
	now := l.now().UnixMilli()
	wait, err := slidingWindow.Run(opCtx, l.redis, []string{key},
		now,
		rule.Window.Milliseconds(),
		rule.Limit,
		strconv.FormatInt(now, 10)+"-"+uuid.NewString(),
	).Int64()
	if err != nil {
		return false, 0, err
	}
	if wait > 0 {
		return false, time.Duration(wait) * time.Millisecond, nil
	}
	return true, 0, nil
}

func (l *Limiter) allowLocal(key string, rule Rule) (bool, time.Duration) {
	l.mu.Lock()
	lim, ok := l.local[key]
	if !ok {
		lim = rate.NewLimiter(rate.Every(rule.Window/time.Duration(rule.Limit)), rule.Limit)
		l.local[key] = lim
	}
	l.mu.Unlock()

	now := l.now()
	r := lim.ReserveN(now, 1)
	if !r.OK() {
		return false, rule.Window
	}
	delay := r.DelayFrom(now)
	if delay == 0 {
		return true, 0
	}
	r.CancelAt(now)
	return false, delay
}

// RetryAfterSeconds rounds a wait up to whole seconds for the Retry-After
// header.
func RetryAfterSeconds(wait time.Duration) int {
	if wait <= 0 {
		return 1
	}
	return int((wait + time.Second - 1) / time.Second)
}
