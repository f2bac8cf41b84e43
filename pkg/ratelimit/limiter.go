// Package ratelimit implements the per-tenant, per-upstream token bucket.
//
// Bucket state lives in the shared KV so all replicas draw from the same
// budget; the refill-and-consume step is a single Lua script, atomic by
// key. When the KV is unreachable the limiter degrades to a per-process
// bucket so upstreams stay protected during an outage.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

// tokenBucketScript refills and consumes atomically.
// KEYS[1] = bucket key
// ARGV[1] = refill rate (tokens/second)
// ARGV[2] = capacity
// ARGV[3] = cost
// ARGV[4] = now (seconds, microsecond precision)
// Returns {allowed, wait_ms}: wait_ms is the time until enough tokens
// accumulate when the acquire is denied.
var tokenBucketScript = redis.NewScript(`
local key = KEYS[1]
local rate = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local cost = tonumber(ARGV[3])
local now = tonumber(ARGV[4])

local state = redis.call("HMGET", key, "tokens", "last_refill")
local tokens = tonumber(state[1])
local last_refill = tonumber(state[2])

if not tokens or not last_refill then
    tokens = capacity
    last_refill = now
end

local elapsed = now - last_refill
if elapsed > 0 then
    tokens = tokens + elapsed * rate
    if tokens > capacity then
        tokens = capacity
    end
    last_refill = now
end

local allowed = 0
local wait_ms = 0
if tokens >= cost then
    tokens = tokens - cost
    allowed = 1
else
    wait_ms = math.ceil((cost - tokens) / rate * 1000)
end

redis.call("HMSET", key, "tokens", tokens, "last_refill", last_refill)
redis.call("EXPIRE", key, 120)

return {allowed, wait_ms}
`)

// Key identifies one bucket.
type Key struct {
	TenantID      string
	Upstream      string // "manychat", "graph", "llm"
	EndpointClass string // "send", "lookup", "chat", ...
}

func (k Key) String() string {
	return fmt.Sprintf("ratelimit:%s:%s:%s", k.TenantID, k.Upstream, k.EndpointClass)
}

// Params are the bucket parameters for one upstream endpoint class.
type Params struct {
	Capacity        float64
	RefillPerSecond float64
}

// Limiter is the token-bucket rate limiter.
type Limiter struct {
	rdb      *redis.Client
	params   map[string]Params // by upstream
	fallback sync.Map          // Key.String() → *rate.Limiter
	usage    sync.Map          // tenant+upstream → *usageState
	acquires *prometheus.CounterVec
	logger   *slog.Logger

	now func() time.Time
}

type usageState struct {
	mu        sync.Mutex
	throttled bool
}

// DefaultParams returns the built-in per-upstream bucket parameters.
func DefaultParams() map[string]Params {
	return map[string]Params{
		"graph":    {Capacity: 40, RefillPerSecond: 4},
		"manychat": {Capacity: 25, RefillPerSecond: 2.5},
		"llm":      {Capacity: 10, RefillPerSecond: 1},
	}
}

// New creates a limiter. acquireCounter may be nil.
func New(rdb *redis.Client, params map[string]Params, acquireCounter *prometheus.CounterVec) *Limiter {
	if params == nil {
		params = DefaultParams()
	}
	return &Limiter{
		rdb:      rdb,
		params:   params,
		acquires: acquireCounter,
		logger:   slog.Default().With("component", "ratelimit"),
		now:      time.Now,
	}
}

// Acquire takes n tokens from the bucket for key. It returns zero when the
// caller may proceed immediately, otherwise the duration to wait before the
// next refill slot. While the upstream reports high usage the effective
// capacity is halved and every result carries extra jitter.
func (l *Limiter) Acquire(ctx context.Context, key Key, n int) (time.Duration, error) {
	p, ok := l.params[key.Upstream]
	if !ok {
		p = Params{Capacity: 10, RefillPerSecond: 1}
	}
	throttled := l.isThrottled(key)
	if throttled {
		p.Capacity /= 2
	}

	wait, err := l.acquireShared(ctx, key, p, n)
	if err != nil {
		l.logger.Warn("KV unreachable, using in-process bucket", "upstream", key.Upstream, "error", err)
		wait = l.acquireLocal(key, p, n)
	}

	if throttled && wait > 0 {
		wait += time.Duration(rand.Float64() * 0.1 * float64(wait))
	}
	l.count(key.Upstream, wait)
	return wait, nil
}

// Wait acquires n tokens and sleeps out any returned delay, honoring ctx.
func (l *Limiter) Wait(ctx context.Context, key Key, n int) error {
	for {
		wait, err := l.Acquire(ctx, key, n)
		if err != nil {
			return err
		}
		if wait == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// ObserveUsage feeds upstream usage telemetry (percent of quota) back into
// the limiter. Above 90% the bucket shrinks; below 75% it recovers.
func (l *Limiter) ObserveUsage(key Key, percent float64) {
	stateAny, _ := l.usage.LoadOrStore(key.TenantID+"/"+key.Upstream, &usageState{})
	state := stateAny.(*usageState)

	state.mu.Lock()
	defer state.mu.Unlock()
	switch {
	case percent > 90 && !state.throttled:
		state.throttled = true
		l.logger.Warn("Upstream usage high, shrinking bucket",
			"upstream", key.Upstream, "tenant_id", key.TenantID, "usage_pct", percent)
	case percent < 75 && state.throttled:
		state.throttled = false
		l.logger.Info("Upstream usage recovered, restoring bucket",
			"upstream", key.Upstream, "tenant_id", key.TenantID, "usage_pct", percent)
	}
}

func (l *Limiter) isThrottled(key Key) bool {
	stateAny, ok := l.usage.Load(key.TenantID + "/" + key.Upstream)
	if !ok {
		return false
	}
	state := stateAny.(*usageState)
	state.mu.Lock()
	defer state.mu.Unlock()
	return state.throttled
}

func (l *Limiter) acquireShared(ctx context.Context, key Key, p Params, n int) (time.Duration, error) {
	now := float64(l.now().UnixMicro()) / 1e6
	res, err := tokenBucketScript.Run(ctx, l.rdb, []string{key.String()},
		p.RefillPerSecond, p.Capacity, n, now).Result()
	if err != nil {
		return 0, fmt.Errorf("token bucket script: %w", err)
	}
	vals, ok := res.([]interface{})
	if !ok || len(vals) != 2 {
		return 0, fmt.Errorf("unexpected script result %v", res)
	}
	allowed, _ := vals[0].(int64)
	waitMS, _ := vals[1].(int64)
	if allowed == 1 {
		return 0, nil
	}
	return time.Duration(waitMS) * time.Millisecond, nil
}

func (l *Limiter) acquireLocal(key Key, p Params, n int) time.Duration {
	limAny, _ := l.fallback.LoadOrStore(key.String(),
		rate.NewLimiter(rate.Limit(p.RefillPerSecond), int(p.Capacity)))
	res := limAny.(*rate.Limiter).ReserveN(l.now(), n)
	if !res.OK() {
		res.Cancel()
		return time.Second
	}
	return res.Delay()
}

func (l *Limiter) count(upstream string, wait time.Duration) {
	if l.acquires == nil {
		return
	}
	outcome := "granted"
	if wait > 0 {
		outcome = "delayed"
	}
	l.acquires.WithLabelValues(upstream, outcome).Inc()
}
