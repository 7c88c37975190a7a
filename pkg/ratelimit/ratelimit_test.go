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

package ratelimit

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/require"

	"github.com/jordigilh/errorscope/pkg/pressure"
)

func newMiniredisLimiter(t *testing.T, policy Policy) (*Limiter, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	l := New(Config{Redis: client, DefaultPolicy: policy}, nil)
	t.Cleanup(l.fallback.Stop)
	return l, mr
}

func TestLimiter_SlidingWindowAgainstRealRedisEval(t *testing.T) {
	l, _ := newMiniredisLimiter(t, Policy{WindowMs: time.Minute, Max: 2})
	ctx := context.Background()

	r1, err := l.Check(ctx, "id", "ep")
	require.NoError(t, err)
	require.False(t, r1.Limited)
	require.False(t, r1.FallbackMode)

	r2, err := l.Check(ctx, "id", "ep")
	require.NoError(t, err)
	require.False(t, r2.Limited)

	r3, err := l.Check(ctx, "id", "ep")
	require.NoError(t, err)
	require.True(t, r3.Limited)
	require.Equal(t, 2, r3.Count)
}

func TestLimiter_SlidingWindowAgainstRealRedisSlidesWithTime(t *testing.T) {
	l, _ := newMiniredisLimiter(t, Policy{WindowMs: 50 * time.Millisecond, Max: 1})
	ctx := context.Background()

	require.False(t, mustCheck(t, l, ctx).Limited)
	require.True(t, mustCheck(t, l, ctx).Limited)

	time.Sleep(80 * time.Millisecond)
	require.False(t, mustCheck(t, l, ctx).Limited, "window should have expired the earlier timestamp")
}

func mustCheck(t *testing.T, l *Limiter, ctx context.Context) Result {
	t.Helper()
	r, err := l.Check(ctx, "id", "ep")
	require.NoError(t, err)
	return r
}

func TestLimiter_ResetClearsRealRedisBackedWindow(t *testing.T) {
	l, _ := newMiniredisLimiter(t, Policy{WindowMs: time.Minute, Max: 1})
	ctx := context.Background()

	require.False(t, mustCheck(t, l, ctx).Limited)
	require.True(t, mustCheck(t, l, ctx).Limited)

	require.NoError(t, l.Reset(ctx, "id", "ep"))
	require.False(t, mustCheck(t, l, ctx).Limited)
}

func TestFallbackLimiter_SlidingWindowAdmitsUpToMaxThenLimits(t *testing.T) {
	policy := Policy{WindowMs: 50 * time.Millisecond, Max: 3}
	f := newFallbackLimiter(100, 0)
	defer f.Stop()

	now := time.Now()
	for i := 0; i < 3; i++ {
		r := f.check("id", "ep", policy, now)
		require.False(t, r.Limited, "admission %d should be under the limit", i)
	}
	r := f.check("id", "ep", policy, now)
	require.True(t, r.Limited)
	require.Equal(t, 3, r.Count)
}

func TestFallbackLimiter_SlidingWindowForgivesAfterExpiry(t *testing.T) {
	policy := Policy{WindowMs: 20 * time.Millisecond, Max: 1}
	f := newFallbackLimiter(100, 0)
	defer f.Stop()

	now := time.Now()
	require.False(t, f.check("id", "ep", policy, now).Limited)
	require.True(t, f.check("id", "ep", policy, now).Limited)

	later := now.Add(30 * time.Millisecond)
	require.False(t, f.check("id", "ep", policy, later).Limited, "window should have slid past the first timestamp")
}

func TestFallbackLimiter_EvictsOldestWhenOverEntryCapacity(t *testing.T) {
	policy := Policy{WindowMs: time.Minute, Max: 10}
	f := newFallbackLimiter(2, 0)
	defer f.Stop()

	now := time.Now()
	f.check("a", "ep", policy, now)
	f.check("b", "ep", policy, now)
	f.check("c", "ep", policy, now) // evicts "a"

	stats := f.stats()
	require.LessOrEqual(t, stats.Entries, 2)
}

func TestFallbackLimiter_ResetClearsIdentity(t *testing.T) {
	policy := Policy{WindowMs: time.Minute, Max: 1}
	f := newFallbackLimiter(100, 0)
	defer f.Stop()

	now := time.Now()
	require.False(t, f.check("id", "ep", policy, now).Limited)
	require.True(t, f.check("id", "ep", policy, now).Limited)

	f.reset("id", "ep")
	require.False(t, f.check("id", "ep", policy, now).Limited)
}

func TestFallbackLimiter_ReconfigureForPressureDropsFractionOfEntries(t *testing.T) {
	policy := Policy{WindowMs: time.Minute, Max: 10}
	f := newFallbackLimiter(100, 0)
	defer f.Stop()

	now := time.Now()
	for i := 0; i < 10; i++ {
		f.check(string(rune('a'+i)), "ep", policy, now)
	}
	require.Equal(t, 10, f.stats().Entries)

	f.reconfigureForPressure(pressure.Critical)
	require.Less(t, f.stats().Entries, 10)
}

func TestLimiter_CheckUsesFallbackWhenNoRedisConfigured(t *testing.T) {
	l := New(Config{DefaultPolicy: Policy{WindowMs: time.Minute, Max: 2}}, nil)
	defer l.fallback.Stop()

	ctx := context.Background()
	r1, err := l.Check(ctx, "id", "ep")
	require.NoError(t, err)
	require.True(t, r1.FallbackMode)
	require.False(t, r1.Limited)

	_, _ = l.Check(ctx, "id", "ep")
	r3, err := l.Check(ctx, "id", "ep")
	require.NoError(t, err)
	require.True(t, r3.Limited)
}

func TestLimiter_BreakerOpensAfterConsecutiveBackendFailures(t *testing.T) {
	// Point at a Redis address nothing is listening on so every call fails
	// fast; after BreakerThreshold consecutive failures the breaker trips
	// open and subsequent Checks fall back without attempting the network.
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1", // reserved, nothing listens here
		DialTimeout: 20 * time.Millisecond,
		ReadTimeout: 20 * time.Millisecond,
	})
	defer client.Close()

	l := New(Config{
		Redis:               client,
		DefaultPolicy:       Policy{WindowMs: time.Minute, Max: 100},
		BreakerThreshold:    2,
		BreakerResetTimeout: time.Hour,
	}, nil)
	defer l.fallback.Stop()

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		r, err := l.Check(ctx, "id", "ep")
		require.NoError(t, err)
		require.True(t, r.FallbackMode)
	}

	require.Equal(t, gobreaker.StateOpen, l.breaker.State())
}

func TestLimiter_StopHaltsFallbackJanitorWithoutPanic(t *testing.T) {
	l := New(Config{}, nil)

	ctx := context.Background()
	_, err := l.Check(ctx, "id", "ep")
	require.NoError(t, err)

	require.NotPanics(t, l.Stop)
}

func TestLimiter_IdentityIsStableAndBounded(t *testing.T) {
	l := New(Config{}, nil)
	defer l.fallback.Stop()

	a := l.Identity("1.2.3.4", "agent-x")
	b := l.Identity("1.2.3.4", "agent-x")
	c := l.Identity("1.2.3.4", "agent-y")
	require.Equal(t, a, b)
	require.NotEqual(t, a, c)
}

func TestLimiter_MiddlewareReturns429WithHeadersWhenLimited(t *testing.T) {
	l := New(Config{DefaultPolicy: Policy{WindowMs: time.Minute, Max: 1}}, nil)
	defer l.fallback.Stop()

	handler := l.Middleware("ep")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.RemoteAddr = "9.9.9.9:1234"

	rec1 := httptest.NewRecorder()
	handler.ServeHTTP(rec1, req)
	require.Equal(t, http.StatusOK, rec1.Code)

	rec2 := httptest.NewRecorder()
	handler.ServeHTTP(rec2, req)
	require.Equal(t, http.StatusTooManyRequests, rec2.Code)
	require.NotEmpty(t, rec2.Header().Get("Retry-After"))
}
