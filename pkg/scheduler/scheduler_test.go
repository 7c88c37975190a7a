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

package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	internalerrors "github.com/jordigilh/errorscope/internal/errors"
	"github.com/jordigilh/errorscope/pkg/cache"
	"github.com/jordigilh/errorscope/pkg/errorrecord"
	"github.com/jordigilh/errorscope/pkg/pressure"
	"github.com/jordigilh/errorscope/pkg/provider"
)

// blockingAnalyzer holds every call open until release is closed, so a
// test can pin tasks in the "active" state to exercise admission counting
// deterministically.
type blockingAnalyzer struct {
	release chan struct{}
	calls   atomic.Int64
}

func (b *blockingAnalyzer) Analyze(ctx context.Context, prompt string) (provider.Advice, error) {
	b.calls.Add(1)
	select {
	case <-b.release:
	case <-ctx.Done():
	}
	return provider.Advice{}, nil
}

type immediateAnalyzer struct {
	calls atomic.Int64
}

func (a *immediateAnalyzer) Analyze(ctx context.Context, prompt string) (provider.Advice, error) {
	a.calls.Add(1)
	return provider.Advice{}, nil
}

func recordFor(name string) errorrecord.Record {
	full, short := Fingerprint(name, "boom", 500, "stack\nframe2")
	return errorrecord.New(name, "boom", 500, true, "stack\nframe2", "", full, short)
}

func TestDynLimitFor(t *testing.T) {
	cases := []struct {
		level pressure.Level
		want  int
	}{
		{pressure.Low, 100},
		{pressure.Medium, 70},
		{pressure.High, 40},
		{pressure.Critical, 20},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, dynLimitFor(100, tc.level))
	}
}

func TestScheduler_RejectsAboveQueueLimit(t *testing.T) {
	analyzer := &blockingAnalyzer{release: make(chan struct{})}
	sched := New(Config{Concurrency: 3, QueueLimit: 3, AbsoluteMax: 100, SafeThreshold: 1000},
		cache.Null(), nil, analyzer, nil)

	for i := 0; i < 3; i++ {
		_, err := sched.Schedule(context.Background(), recordFor("err"+string(rune('A'+i))))
		require.NoError(t, err)
	}

	_, err := sched.Schedule(context.Background(), recordFor("overflow"))
	require.Error(t, err)
	var rej *internalerrors.Rejection
	require.True(t, errors.As(err, &rej))
	require.ErrorIs(t, rej, internalerrors.ErrQueueFull)

	close(analyzer.release)
	sched.Shutdown()
}

func TestScheduler_RejectsAboveAbsoluteMax(t *testing.T) {
	analyzer := &blockingAnalyzer{release: make(chan struct{})}
	sched := New(Config{Concurrency: 2, QueueLimit: 100, AbsoluteMax: 2, SafeThreshold: 1000},
		cache.Null(), nil, analyzer, nil)

	for i := 0; i < 2; i++ {
		_, err := sched.Schedule(context.Background(), recordFor("err"+string(rune('A'+i))))
		require.NoError(t, err)
	}

	_, err := sched.Schedule(context.Background(), recordFor("overflow"))
	require.Error(t, err)
	var rej *internalerrors.Rejection
	require.True(t, errors.As(err, &rej))
	require.ErrorIs(t, rej, internalerrors.ErrAbsoluteMax)

	close(analyzer.release)
	sched.Shutdown()
}

func TestScheduler_CacheHitShortCircuitsAnalysis(t *testing.T) {
	c, err := cache.New(10, 0)
	require.NoError(t, err)
	analyzer := &immediateAnalyzer{}
	sched := New(Config{Concurrency: 1, QueueLimit: 10, AbsoluteMax: 10, SafeThreshold: 1000},
		c, nil, analyzer, nil)
	defer sched.Shutdown()

	record := recordFor("cached")
	cached := provider.Advice{Kind: provider.AdviceStructured, Structured: &provider.StructuredAdvice{Summary: "already known"}}
	c.Set(record.FingerprintID, cached)

	future, err := sched.Schedule(context.Background(), record)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	advice, err := future.Wait(ctx)
	require.NoError(t, err)
	require.Equal(t, "already known", advice.Structured.Summary)
	require.Equal(t, int64(0), analyzer.calls.Load())
}

func TestScheduler_ShutdownRejectsNewSchedules(t *testing.T) {
	analyzer := &immediateAnalyzer{}
	sched := New(Config{Concurrency: 1, QueueLimit: 10, AbsoluteMax: 10, SafeThreshold: 1000},
		cache.Null(), nil, analyzer, nil)
	sched.Shutdown()

	_, err := sched.Schedule(context.Background(), recordFor("after-shutdown"))
	require.Error(t, err)
	require.ErrorIs(t, err, internalerrors.ErrShutdown)
}

func TestScheduler_DrainedPendingTasksResolveAsShutdownRejection(t *testing.T) {
	analyzer := &blockingAnalyzer{release: make(chan struct{})}
	sched := New(Config{Concurrency: 1, QueueLimit: 10, AbsoluteMax: 10, SafeThreshold: 1000},
		cache.Null(), nil, analyzer, nil)

	// The first task occupies the sole worker; the second sits pending.
	_, err := sched.Schedule(context.Background(), recordFor("active"))
	require.NoError(t, err)
	pendingFuture, err := sched.Schedule(context.Background(), recordFor("pending"))
	require.NoError(t, err)

	go func() {
		time.Sleep(20 * time.Millisecond)
		close(analyzer.release)
	}()
	sched.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, waitErr := pendingFuture.Wait(ctx)
	require.ErrorIs(t, waitErr, internalerrors.ErrShutdown)
}

func TestScheduler_QueueLengthAndRejectCount(t *testing.T) {
	analyzer := &blockingAnalyzer{release: make(chan struct{})}
	sched := New(Config{Concurrency: 1, QueueLimit: 1, AbsoluteMax: 10, SafeThreshold: 1000},
		cache.Null(), nil, analyzer, nil)

	_, err := sched.Schedule(context.Background(), recordFor("first"))
	require.NoError(t, err)
	require.Equal(t, 1, sched.QueueLength())

	_, err = sched.Schedule(context.Background(), recordFor("second"))
	require.Error(t, err)
	require.Equal(t, 1, sched.RejectCount())

	close(analyzer.release)
	sched.Shutdown()
}
