package ratelimit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
)

// Scopes keep the buckets of different callers apart.
const (
	ScopeProducer = "producer"
	ScopeAdmin    = "admin"
	ScopeWebhook  = "webhook"
)

const keyPrefix = "inspector:rl"

type Bucket struct {
	RequestsPerMinute int `yaml:"requestsPerMinute"`
	BurstSize         int `yaml:"burstSize"`
}

func (b Bucket) Enabled() bool {
	return b.RequestsPerMinute > 0 && b.BurstSize > 0
}

func (b Bucket) perMillisecond() float64 {
	return float64(b.RequestsPerMinute) / float64(time.Minute.Milliseconds())
}

// idleTTL is how long an untouched bucket is kept: two full refills, clamped to [30s, 1h].
func (b Bucket) idleTTL() time.Duration {
	if !b.Enabled() {
		return 2 * time.Minute
	}
	refill := time.Duration(float64(b.BurstSize) / float64(b.RequestsPerMinute) * float64(time.Minute))
	ttl := 2*refill + 5*time.Second
	return min(max(ttl, 30*time.Second), time.Hour)
}

type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
}

type Limiter interface {
	Allow(ctx context.Context, scope string, subject string, bucket Bucket) (Decision, error)
}

// TokenBucketLimiter keeps one token bucket per scope and subject in Redis, so every
// inspector process behind the same Redis shares the quota.
type TokenBucketLimiter struct {
	rdb *redis.Client
	now func() time.Time
}

type Option func(*TokenBucketLimiter)

// WithClock replaces time.Now when computing refills.
func WithClock(now func() time.Time) Option {
	return func(l *TokenBucketLimiter) { l.now = now }
}

func NewTokenBucketLimiter(rdb *redis.Client, opts ...Option) *TokenBucketLimiter {
	l := &TokenBucketLimiter{rdb: rdb, now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Key returns the Redis key for subject in scope. Subjects are hashed so tokens and
// webhook hosts never appear in Redis.
func Key(scope, subject string) string {
	scope = strings.TrimSpace(scope)
	if scope == "" {
		scope = "default"
	}
	subject = strings.TrimSpace(subject)
	if subject == "" {
		subject = "unknown"
	}
	sum := sha256.Sum256([]byte(subject))
	return fmt.Sprintf("%s:%s:%s", keyPrefix, scope, hex.EncodeToString(sum[:]))
}

// Returns {allowed, retry_after_ms}.
var takeTokenScript = redis.NewScript(`
local key = KEYS[1]
local per_ms = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local ttl_ms = tonumber(ARGV[4])

local state = redis.call("HMGET", key, "tokens", "ts")
local tokens = tonumber(state[1]) or capacity
local ts = tonumber(state[2]) or now
if now < ts then ts = now end

tokens = math.min(capacity, tokens + (now - ts) * per_ms)

local allowed = 0
local wait_ms = 0
if tokens >= 1 then
  allowed = 1
  tokens = tokens - 1
else
  wait_ms = math.ceil((1 - tokens) / per_ms)
end

redis.call("HSET", key, "tokens", tokens, "ts", now)
redis.call("PEXPIRE", key, ttl_ms)
return {allowed, wait_ms}
`)

func (l *TokenBucketLimiter) Allow(ctx context.Context, scope string, subject string, bucket Bucket) (Decision, error) {
	if l == nil || l.rdb == nil || !bucket.Enabled() {
		return Decision{Allowed: true}, nil
	}
	args := []interface{}{
		bucket.perMillisecond(),
		bucket.BurstSize,
		l.now().UTC().UnixMilli(),
		bucket.idleTTL().Milliseconds(),
	}
	res, err := takeTokenScript.Run(ctx, l.rdb, []string{Key(scope, subject)}, args...).Result()
	if err != nil {
		return Decision{}, fmt.Errorf("ratelimit %s: %w", scope, err)
	}
	vals, ok := res.([]interface{})
	if !ok || len(vals) < 2 {
		return Decision{}, fmt.Errorf("unexpected redis ratelimit response: %T", res)
	}
	allowed, _ := vals[0].(int64)
	waitMS, _ := vals[1].(int64)
	if allowed == 1 {
		return Decision{Allowed: true}, nil
	}
	return Decision{RetryAfter: time.Duration(math.Max(float64(waitMS), 1)) * time.Millisecond}, nil
}

// Wait blocks until lim admits subject, sleeping RetryAfter between tries. It returns how
// many times the call was denied. A limiter error admits the call; a sleep error is returned.
func Wait(ctx context.Context, lim Limiter, scope, subject string, bucket Bucket, sleep func(context.Context, time.Duration) error) (int, error) {
	if lim == nil || !bucket.Enabled() {
		return 0, nil
	}
	denied := 0
	for {
		dec, err := lim.Allow(ctx, scope, subject, bucket)
		if err != nil || dec.Allowed {
			return denied, nil
		}
		denied++
		if err := sleep(ctx, dec.RetryAfter); err != nil {
			return denied, err
		}
	}
}
