/*
Copyright 2026 Jordi Gil.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package ratelimit implements per-identity sliding-window rate limiting
// on a Redis backend, with a bounded in-memory fallback and a circuit
// breaker around the backend, per spec.md §4.G.
package ratelimit

import (
	"context"
	"fmt"
	"hash/fnv"
	"net/http"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"

	internalerrors "github.com/jordigilh/errorscope/internal/errors"
	"github.com/jordigilh/errorscope/pkg/metrics"
	"github.com/jordigilh/errorscope/pkg/pressure"
)

// Result is the outcome of a Check call.
type Result struct {
	Count        int
	Limited      bool
	ResetAt      time.Time
	FallbackMode bool
}

// Policy is a per-endpoint sliding-window configuration.
type Policy struct {
	WindowMs time.Duration
	Max      int
}

// Limiter is the rate limiter's public contract.
type Limiter struct {
	logger *logrus.Logger

	redisClient *redis.Client
	breaker     *gobreaker.CircuitBreaker

	fallback *fallbackLimiter

	mu       sync.RWMutex
	policies map[string]Policy
	defaultPolicy Policy

	idHash *identityHasher

	collectors *metrics.RateLimit
}

// Config configures a Limiter.
type Config struct {
	Redis              *redis.Client
	DefaultPolicy      Policy
	BreakerThreshold   uint32
	BreakerResetTimeout time.Duration
	FallbackMaxEntries int
	FallbackMaxBytes   int64
}

// New builds a Limiter.
func New(cfg Config, logger *logrus.Logger) *Limiter {
	if logger == nil {
		logger = logrus.New()
	}
	if cfg.DefaultPolicy.WindowMs <= 0 {
		cfg.DefaultPolicy.WindowMs = time.Minute
	}
	if cfg.DefaultPolicy.Max <= 0 {
		cfg.DefaultPolicy.Max = 60
	}
	if cfg.BreakerThreshold == 0 {
		cfg.BreakerThreshold = 5
	}
	if cfg.BreakerResetTimeout <= 0 {
		cfg.BreakerResetTimeout = 60 * time.Second
	}

	l := &Limiter{
		logger:        logger,
		redisClient:   cfg.Redis,
		fallback:      newFallbackLimiter(cfg.FallbackMaxEntries, cfg.FallbackMaxBytes),
		policies:      make(map[string]Policy),
		defaultPolicy: cfg.DefaultPolicy,
		idHash:        newIdentityHasher(25),
	}

	breakerSettings := gobreaker.Settings{
		Name:    "ratelimit-backend",
		Timeout: cfg.BreakerResetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.WithFields(logrus.Fields{
				"breaker": name, "from": from.String(), "to": to.String(),
			}).Warn("rate limit backend circuit breaker state change")
			if l.collectors != nil {
				l.collectors.BreakerState.Set(float64(to))
			}
		},
	}
	l.breaker = gobreaker.NewCircuitBreaker(breakerSettings)

	return l
}

// AttachMetrics wires a shared metrics.RateLimit collector set into this
// limiter. Breaker-state transitions update it going forward; fallback
// size gauges are refreshed on every Check that takes the fallback path.
func (l *Limiter) AttachMetrics(collectors *metrics.RateLimit) {
	l.collectors = collectors
}

// SetPolicy edits the per-endpoint policy table at runtime.
func (l *Limiter) SetPolicy(endpoint string, p Policy) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.policies[endpoint] = p
}

func (l *Limiter) policyFor(endpoint string) Policy {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if p, ok := l.policies[endpoint]; ok {
		return p
	}
	return l.defaultPolicy
}

// Identity derives a bounded, FNV-hashed identity key from an IP and
// User-Agent, capping both hash inputs at 200 characters and caching
// results in a small LRU to avoid per-request hashing cost.
func (l *Limiter) Identity(ip, userAgent string) string {
	return l.idHash.identity(ip, userAgent)
}

// slidingWindowScript atomically trims expired timestamps, checks the
// limit, and (if admitted) records the new timestamp, all in one round
// trip, per spec.md's atomicity requirement.
const slidingWindowScript = `
local key = KEYS[1]
local now = tonumber(ARGV[1])
local windowMs = tonumber(ARGV[2])
local max = tonumber(ARGV[3])
local ttlSeconds = tonumber(ARGV[4])

redis.call('ZREMRANGEBYSCORE', key, '-inf', now - windowMs)
local count = redis.call('ZCARD', key)

if count >= max then
	return {count, 1}
end

redis.call('ZADD', key, now, tostring(now) .. '-' .. tostring(math.random()))
redis.call('EXPIRE', key, ttlSeconds)
return {count + 1, 0}
`

// Check evaluates identity against endpoint's policy, using the
// distributed backend when the circuit breaker is closed/half-open, and
// the in-memory fallback otherwise.
func (l *Limiter) Check(ctx context.Context, identity, endpoint string) (Result, error) {
	policy := l.policyFor(endpoint)
	now := time.Now()

	if l.redisClient != nil {
		res, err := l.breaker.Execute(func() (any, error) {
			return l.checkRedis(ctx, identity, endpoint, policy, now)
		})
		if err == nil {
			return res.(Result), nil
		}
		l.logger.WithError(err).WithField("endpoint", endpoint).
			Warn("rate limit backend unavailable, using in-memory fallback")
	}

	r := l.fallback.check(identity, endpoint, policy, now)
	r.FallbackMode = true
	if l.collectors != nil {
		stats := l.fallback.stats()
		l.collectors.FallbackActive.Set(float64(stats.Entries))
		l.collectors.FallbackBytes.Set(float64(stats.TotalBytes))
	}
	return r, nil
}

func (l *Limiter) checkRedis(ctx context.Context, identity, endpoint string, policy Policy, now time.Time) (Result, error) {
	key := fmt.Sprintf("errorscope:ratelimit:%s:%s", endpoint, identity)
	ttlSeconds := int64(policy.WindowMs/time.Second) + 1

	raw, err := l.redisClient.Eval(ctx, slidingWindowScript, []string{key},
		now.UnixMilli(), policy.WindowMs.Milliseconds(), policy.Max, ttlSeconds).Result()
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", internalerrors.ErrBackendUnavailable, err)
	}

	vals, ok := raw.([]any)
	if !ok || len(vals) != 2 {
		return Result{}, fmt.Errorf("%w: unexpected script result shape", internalerrors.ErrBackendUnavailable)
	}
	count := toInt(vals[0])
	limited := toInt(vals[1]) == 1

	return Result{
		Count:   count,
		Limited: limited,
		ResetAt: now.Add(policy.WindowMs),
	}, nil
}

func toInt(v any) int {
	switch t := v.(type) {
	case int64:
		return int(t)
	case int:
		return t
	default:
		return 0
	}
}

// Reset clears identity's counters for endpoint, in both backend and
// fallback.
func (l *Limiter) Reset(ctx context.Context, identity, endpoint string) error {
	if l.redisClient != nil {
		key := fmt.Sprintf("errorscope:ratelimit:%s:%s", endpoint, identity)
		if err := l.redisClient.Del(ctx, key).Err(); err != nil {
			l.logger.WithError(err).Warn("failed to reset backend rate limit key")
		}
	}
	l.fallback.reset(identity, endpoint)
	return nil
}

// Stats reports fallback-mode bookkeeping size, for observability.
func (l *Limiter) Stats() FallbackStats {
	return l.fallback.stats()
}

// Stop halts the in-memory fallback limiter's background janitor. Callers
// that construct a Limiter for the lifetime of a process should call this
// during shutdown, alongside the other components' Stop/Shutdown/Close.
func (l *Limiter) Stop() {
	l.fallback.Stop()
}

// AttachPressure subscribes the fallback limiter to memory pressure
// transitions: on High it drops the oldest 30% of fallback entries, on
// Critical the oldest 50%. The fallback's 5-minute staleness cutoff and
// 60s janitor period do not change with pressure.
func (l *Limiter) AttachPressure(m *pressure.Monitor) {
	m.OnLevelChange(func(lvl pressure.Level) {
		l.fallback.reconfigureForPressure(lvl)
	})
}

// Middleware returns net/http middleware enforcing endpoint's policy,
// setting the headers and 429 body spec.md §6 describes.
func (l *Limiter) Middleware(endpoint string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity := l.Identity(clientIP(r), r.UserAgent())
			policy := l.policyFor(endpoint)

			result, err := l.Check(r.Context(), identity, endpoint)
			if err != nil {
				// Limiter defects never block application traffic.
				l.logger.WithError(err).Error("rate limiter check failed, admitting request")
				next.ServeHTTP(w, r)
				return
			}

			remaining := policy.Max - result.Count
			if remaining < 0 {
				remaining = 0
			}
			w.Header().Set("X-RateLimit-Limit", fmt.Sprintf("%d", policy.Max))
			w.Header().Set("X-RateLimit-Remaining", fmt.Sprintf("%d", remaining))
			w.Header().Set("X-RateLimit-Reset", result.ResetAt.UTC().Format(time.RFC3339))

			if result.Limited {
				retryAfter := int(time.Until(result.ResetAt).Seconds())
				if retryAfter < 0 {
					retryAfter = 0
				}
				w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfter))
				body := map[string]any{
					"error":      internalerrors.ErrRateLimited.Error(),
					"endpoint":   endpoint,
					"retryAfter": retryAfter,
					"limit":      policy.Max,
					"current":    result.Count,
				}
				if result.FallbackMode {
					body["fallbackMode"] = true
				}
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				_ = writeJSONBody(w, body)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return fwd
	}
	return r.RemoteAddr
}

// identityHasher caps hash inputs and caches the FNV digest of
// (ip, user-agent) pairs in a small LRU to avoid O(crypto) cost per
// request, per spec.md's identity derivation rule.
type identityHasher struct {
	mu       sync.Mutex
	capacity int
	order    []string
	cache    map[string]string
}

func newIdentityHasher(capacity int) *identityHasher {
	return &identityHasher{capacity: capacity, cache: make(map[string]string)}
}

const identityInputCap = 200

func (h *identityHasher) identity(ip, userAgent string) string {
	if len(ip) > identityInputCap {
		ip = ip[:identityInputCap]
	}
	if len(userAgent) > identityInputCap {
		userAgent = userAgent[:identityInputCap]
	}
	raw := ip + "|" + userAgent

	h.mu.Lock()
	defer h.mu.Unlock()
	if v, ok := h.cache[raw]; ok {
		for i, k := range h.order {
			if k == raw {
				h.order = append(h.order[:i], h.order[i+1:]...)
				break
			}
		}
		h.order = append(h.order, raw)
		return v
	}

	hasher := fnv.New64a()
	_, _ = hasher.Write([]byte(raw))
	digest := fmt.Sprintf("%x", hasher.Sum64())

	if len(h.order) >= h.capacity {
		oldest := h.order[0]
		h.order = h.order[1:]
		delete(h.cache, oldest)
	}
	h.order = append(h.order, raw)
	h.cache[raw] = digest

	return digest
}
