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

// Package scheduler implements the analysis scheduler: bounded queue,
// concurrency limiter, pressure-aware admission control, and background
// analysis execution. It is the hardest subsystem in the core.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	internalerrors "github.com/jordigilh/errorscope/internal/errors"
	"github.com/jordigilh/errorscope/pkg/cache"
	"github.com/jordigilh/errorscope/pkg/errorrecord"
	"github.com/jordigilh/errorscope/pkg/metrics"
	"github.com/jordigilh/errorscope/pkg/pressure"
	"github.com/jordigilh/errorscope/pkg/provider"
)

const safeThresholdDefault = 1000

// Analyzer is the subset of provider.Registry the scheduler depends on,
// narrowed to ease testing with a stub.
type Analyzer interface {
	Analyze(ctx context.Context, prompt string) (provider.Advice, error)
}

// Config tunes the scheduler. Concurrency and QueueLimit are clamped to
// SafeThreshold at construction; values above it are logged once and
// capped.
type Config struct {
	Concurrency    int
	QueueLimit     int // Q, the Low-pressure queue capacity
	SafeThreshold  int
	AbsoluteMax    int // hard cap, default 200
	MetricInterval time.Duration
	MaxTaskAge     time.Duration // default fixed 40s (10s timeout * (2 retries+2)); not read from the HTTP client's settings
	ShutdownGrace  time.Duration
}

// Outcome is a completed task's result.
type Outcome struct {
	Advice provider.Advice
	Err    error
}

// Future is returned by Schedule for callers that want to observe a
// task's eventual result. The pipeline entry does not await it.
type Future struct {
	ch chan Outcome
}

// Wait blocks until the task completes or ctx is done.
func (f *Future) Wait(ctx context.Context) (provider.Advice, error) {
	select {
	case o := <-f.ch:
		return o.Advice, o.Err
	case <-ctx.Done():
		return provider.Advice{}, ctx.Err()
	}
}

type task struct {
	record    errorrecord.Record
	signature errorrecord.Signature
	future    *Future
	deadline  time.Time
}

// Scheduler is the admission-controlled, concurrency-bounded analysis
// pipeline.
type Scheduler struct {
	cfg      Config
	cache    cache.Interface
	monitor  *pressure.Monitor
	analyzer Analyzer
	logger   *logrus.Logger

	mu        sync.Mutex
	active    int
	pending   int
	rejects   int
	draining  bool
	metricsOn bool

	taskCh chan *task

	workersWG   sync.WaitGroup
	activeWG    sync.WaitGroup
	metricsStop chan struct{}
	metricsWG   sync.WaitGroup
	collectors  *metrics.Scheduler

	clampLogged sync.Map
}

// New builds a Scheduler and starts its worker pool. The worker pool runs
// for the lifetime of the Scheduler; call Shutdown to stop it.
func New(cfg Config, c cache.Interface, monitor *pressure.Monitor, analyzer Analyzer, logger *logrus.Logger) *Scheduler {
	if logger == nil {
		logger = logrus.New()
	}
	if cfg.SafeThreshold <= 0 {
		cfg.SafeThreshold = safeThresholdDefault
	}
	if cfg.AbsoluteMax <= 0 {
		cfg.AbsoluteMax = 200
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = 30 * time.Second
	}
	if cfg.MaxTaskAge <= 0 {
		cfg.MaxTaskAge = 40 * time.Second
	}

	s := &Scheduler{
		cfg:      cfg,
		cache:    c,
		monitor:  monitor,
		analyzer: analyzer,
		logger:   logger,
	}

	s.cfg.Concurrency = s.clampOnce("concurrency", cfg.Concurrency, cfg.SafeThreshold, 5)
	s.cfg.QueueLimit = s.clampOnce("queue_limit", cfg.QueueLimit, cfg.SafeThreshold, 100)
	s.cfg.AbsoluteMax = s.clampOnce("absolute_max", cfg.AbsoluteMax, cfg.SafeThreshold, 200)

	s.taskCh = make(chan *task, s.cfg.AbsoluteMax)

	for i := 0; i < s.cfg.Concurrency; i++ {
		s.workersWG.Add(1)
		go s.worker()
	}

	if c != nil {
		// no-op placeholder for symmetry with AttachPressure on other components
	}

	return s
}

func (s *Scheduler) clampOnce(field string, v, max, fallback int) int {
	if v <= 0 {
		v = fallback
	}
	if v <= max {
		return v
	}
	if _, already := s.clampLogged.LoadOrStore(field, struct{}{}); !already {
		s.logger.WithFields(logrus.Fields{"field": field, "value": v, "max": max}).
			Warn("scheduler configuration value exceeds safe threshold, clamping")
	}
	return max
}

// dynLimitFor returns the pressure-adjusted admission ceiling.
func dynLimitFor(q int, level pressure.Level) int {
	switch level {
	case pressure.Medium:
		return int(float64(q) * 0.7)
	case pressure.High:
		return int(float64(q) * 0.4)
	case pressure.Critical:
		return int(float64(q) * 0.2)
	default:
		return q
	}
}

const criticalSizeCeiling = 10 * 1024 // 10 KiB

// Schedule is the admission entry point: it derives the signature from
// the record's precomputed fingerprint, best-effort caches the full error, checks the cache for an existing
// advice, and otherwise admits the task into the bounded queue.
//
// The admission order follows spec.md §4.F steps 3-8 literally: the
// pressure-aware dynamic limit (step 6) is checked before the absolute
// hard cap (step 7), per the ordering decision recorded in SPEC_FULL.md
// §4.F and DESIGN.md.
func (s *Scheduler) Schedule(ctx context.Context, record errorrecord.Record) (*Future, error) {
	signature := record.ToSignature()

	if s.cache != nil {
		s.cache.Set(errorrecord.CacheKeyFull(record.SignatureID), record)
	}

	s.mu.Lock()
	if s.draining {
		s.mu.Unlock()
		return nil, internalerrors.NewRejection(internalerrors.ErrShutdown, "")
	}

	total := s.active + s.pending
	level := pressure.Low
	if s.monitor != nil {
		level = s.monitor.Current()
	}
	limit := dynLimitFor(s.cfg.QueueLimit, level)

	if total >= limit {
		s.rejects++
		s.mu.Unlock()
		s.logger.WithFields(logrus.Fields{
			"pressure": level.String(), "limit": limit, "active": s.active, "pending": s.pending,
		}).Warn("scheduler admission rejected: queue full")
		return nil, internalerrors.NewRejection(internalerrors.ErrQueueFull, fmt.Sprintf("limit=%d", limit))
	}

	if total >= s.cfg.AbsoluteMax {
		s.rejects++
		s.mu.Unlock()
		s.logger.WithFields(logrus.Fields{"active": s.active, "pending": s.pending}).
			Error("scheduler admission rejected: absolute max reached")
		return nil, internalerrors.NewRejection(internalerrors.ErrAbsoluteMax, "")
	}

	if level == pressure.Critical && signature.EstimateSize() > criticalSizeCeiling {
		s.rejects++
		s.mu.Unlock()
		s.logger.Error("scheduler admission rejected: signature too large under critical pressure")
		return nil, internalerrors.NewRejection(internalerrors.ErrTooLarge, "")
	}
	s.mu.Unlock()

	if s.cache != nil {
		if cached, ok := s.cache.Get(record.FingerprintID); ok {
			if advice, ok := cached.(provider.Advice); ok {
				f := &Future{ch: make(chan Outcome, 1)}
				f.ch <- Outcome{Advice: advice}
				return f, nil
			}
		}
	}

	s.mu.Lock()
	wasIdle := s.active+s.pending == 0
	s.pending++
	s.mu.Unlock()

	if wasIdle {
		s.StartMetrics()
	}

	t := &task{
		record:    record,
		signature: signature,
		future:    &Future{ch: make(chan Outcome, 1)},
		deadline:  time.Now().Add(s.cfg.MaxTaskAge),
	}

	select {
	case s.taskCh <- t:
	default:
		// The channel is sized to AbsoluteMax and admission already
		// enforces total <= AbsoluteMax, so this should not happen; if it
		// ever does, treat it the same as AbsoluteMax rejection rather
		// than block the caller.
		s.mu.Lock()
		s.pending--
		s.rejects++
		s.mu.Unlock()
		return nil, internalerrors.NewRejection(internalerrors.ErrAbsoluteMax, "queue buffer exhausted")
	}

	return t.future, nil
}

func (s *Scheduler) worker() {
	defer s.workersWG.Done()
	for t := range s.taskCh {
		s.mu.Lock()
		draining := s.draining
		s.mu.Unlock()
		if draining {
			s.mu.Lock()
			s.pending--
			idle := s.active+s.pending == 0
			s.mu.Unlock()
			t.future.ch <- Outcome{Err: internalerrors.NewRejection(internalerrors.ErrShutdown, "")}
			if idle {
				s.StopMetrics()
			}
			continue
		}
		s.runTask(t)
	}
}

func (s *Scheduler) runTask(t *task) {
	s.mu.Lock()
	s.pending--
	s.active++
	s.mu.Unlock()
	s.activeWG.Add(1)
	defer s.activeWG.Done()

	ctx, cancel := context.WithDeadline(context.Background(), t.deadline)
	defer cancel()

	prompt := buildPrompt(t.record)
	advice, err := s.analyzer.Analyze(ctx, prompt)

	if err != nil {
		s.logger.WithError(err).WithField("fingerprint", t.record.FingerprintID).
			Debug("analysis failed, resolving with empty advice")
		advice = provider.Advice{}
	} else if !advice.IsEmpty() && s.cache != nil {
		s.cache.Set(t.record.FingerprintID, advice)
	}

	s.mu.Lock()
	s.active--
	idle := s.active+s.pending == 0
	s.mu.Unlock()

	t.future.ch <- Outcome{Advice: advice, Err: err}

	if idle {
		s.StopMetrics()
	}
}

func buildPrompt(record errorrecord.Record) string {
	return fmt.Sprintf(
		"Error: %s\nMessage: %s\nStatus: %d\nStack:\n%s\nContext: %s",
		record.ErrorName, record.Message, record.StatusCode, record.StackTrace, record.Context,
	)
}

// QueueLength returns the number of tasks currently pending or active.
func (s *Scheduler) QueueLength() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active + s.pending
}

// RejectCount returns the cumulative number of rejected admissions.
func (s *Scheduler) RejectCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rejects
}

// Shutdown transitions the scheduler into a draining state: further
// Schedule calls are rejected immediately, in-flight tasks run to
// completion or their deadline (whichever first), and queued-but-not-yet-
// started tasks resolve as Rejected{Shutdown}.
func (s *Scheduler) Shutdown() {
	s.mu.Lock()
	if s.draining {
		s.mu.Unlock()
		return
	}
	s.draining = true
	s.mu.Unlock()

	close(s.taskCh)

	done := make(chan struct{})
	go func() {
		s.activeWG.Wait()
		s.workersWG.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(s.cfg.ShutdownGrace):
		s.logger.Warn("scheduler shutdown grace period elapsed with tasks still in flight")
	}

	s.StopMetrics()
}
