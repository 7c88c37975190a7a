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

// Package pressure samples heap and system memory and classifies the
// result into a coarse PressureLevel that drives backpressure across the
// scheduler, cache, and rate limiter.
package pressure

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pbnjay/memory"
	"github.com/sirupsen/logrus"
)

// Level is the ordered pressure classification, Low < Medium < High < Critical.
type Level int32

const (
	Low Level = iota
	Medium
	High
	Critical
)

func (l Level) String() string {
	switch l {
	case Low:
		return "low"
	case Medium:
		return "medium"
	case High:
		return "high"
	case Critical:
		return "critical"
	default:
		return "unknown"
	}
}

// Sample is a single memory observation.
type Sample struct {
	HeapUsed    uint64
	HeapTotal   uint64
	SystemFree  uint64
	SystemTotal uint64
	Timestamp   time.Time
	Pressure    Level
}

// intervalFor returns the adaptive sampling interval for a pressure level.
func intervalFor(l Level) time.Duration {
	switch l {
	case Medium:
		return 5 * time.Second
	case High:
		return 2 * time.Second
	case Critical:
		return 1 * time.Second
	default:
		return 10 * time.Second
	}
}

func classify(s Sample) Level {
	heapRatio := 0.0
	if s.HeapTotal > 0 {
		heapRatio = float64(s.HeapUsed) / float64(s.HeapTotal)
	}
	sysRatio := 0.0
	if s.SystemTotal > 0 {
		sysRatio = float64(s.SystemTotal-s.SystemFree) / float64(s.SystemTotal)
	}
	p := heapRatio
	if sysRatio > p {
		p = sysRatio
	}
	switch {
	case p >= 0.85:
		return Critical
	case p >= 0.70:
		return High
	case p >= 0.50:
		return Medium
	default:
		return Low
	}
}

// Monitor samples memory on an adaptive interval and fans level-change
// notifications out to subscribers, while also exposing a polled Current()
// snapshot for callers that don't want a channel subscription (§9: both
// are acceptable redesigns of the source's callback-heavy subscription
// model; this implementation documents offering both).
type Monitor struct {
	logger *logrus.Logger

	current atomic.Int32 // Level
	sample  atomic.Pointer[Sample]

	mu          sync.Mutex
	subscribers []chan Level
	cancel      context.CancelFunc
	wg          sync.WaitGroup

	lastGCHint atomic.Int64 // unix nano of last forced GC hint

	cleanupMu sync.Mutex
	cleanups  []func(Level)
}

// New creates a Monitor. It does not start sampling until Start is called.
func New(logger *logrus.Logger) *Monitor {
	if logger == nil {
		logger = logrus.New()
	}
	m := &Monitor{logger: logger}
	m.current.Store(int32(Low))
	m.sample.Store(&Sample{Pressure: Low, Timestamp: time.Now()})
	return m
}

// Start begins the adaptive sampling loop. Safe to call once; a second
// call is a no-op.
func (m *Monitor) Start() {
	m.mu.Lock()
	if m.cancel != nil {
		m.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.mu.Unlock()

	m.wg.Add(1)
	go m.loop(ctx)
}

// Stop halts sampling and closes subscriber channels.
func (m *Monitor) Stop() {
	m.mu.Lock()
	cancel := m.cancel
	m.cancel = nil
	m.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	m.wg.Wait()

	m.mu.Lock()
	for _, ch := range m.subscribers {
		close(ch)
	}
	m.subscribers = nil
	m.mu.Unlock()
}

func (m *Monitor) loop(ctx context.Context) {
	defer m.wg.Done()

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			s := m.sampleOnce()
			timer.Reset(intervalFor(s.Pressure))
		}
	}
}

// sampleOnce performs a single sample-and-classify pass, updates the
// stored snapshot, and fires subscriber/cleanup callbacks on level change.
// On sampling failure it returns the last known sample, never an error,
// per the monitor's failure model.
func (m *Monitor) sampleOnce() Sample {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	sysFree := memory.FreeMemory()
	sysTotal := memory.TotalMemory()

	prev := m.sample.Load()
	if sysTotal == 0 {
		// Sampling failed to produce a usable system reading; pin at the
		// last known level rather than propagate an error.
		return *prev
	}

	s := Sample{
		HeapUsed:    ms.HeapAlloc,
		HeapTotal:   ms.HeapSys,
		SystemFree:  sysFree,
		SystemTotal: sysTotal,
		Timestamp:   time.Now(),
	}
	s.Pressure = classify(s)
	m.sample.Store(&s)

	oldLevel := Level(m.current.Load())
	if s.Pressure != oldLevel {
		m.current.Store(int32(s.Pressure))
		m.notify(s.Pressure)
		if s.Pressure == Critical {
			m.maybeHintGC()
		}
	}
	return s
}

func (m *Monitor) notify(l Level) {
	m.mu.Lock()
	subs := make([]chan Level, len(m.subscribers))
	copy(subs, m.subscribers)
	m.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- l:
		default:
			// Slow subscriber; drop rather than block the sampler.
		}
	}

	m.cleanupMu.Lock()
	cleanups := make([]func(Level), len(m.cleanups))
	copy(cleanups, m.cleanups)
	m.cleanupMu.Unlock()

	for _, cb := range cleanups {
		cb(l)
	}
}

// maybeHintGC calls runtime.GC at most once per 30 seconds, on Critical
// transitions only.
func (m *Monitor) maybeHintGC() {
	now := time.Now().UnixNano()
	last := m.lastGCHint.Load()
	if now-last < int64(30*time.Second) {
		return
	}
	if m.lastGCHint.CompareAndSwap(last, now) {
		runtime.GC()
	}
}

// Current returns the last classified pressure level. Never blocks, never
// errors.
func (m *Monitor) Current() Level {
	return Level(m.current.Load())
}

// Stats returns the last memory sample.
func (m *Monitor) Stats() Sample {
	return *m.sample.Load()
}

// Subscribe registers a channel that receives the new level on every
// pressure-level change. The channel is buffered by the caller's choice;
// a full channel drops the notification rather than blocking the sampler.
func (m *Monitor) Subscribe(ch chan Level) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscribers = append(m.subscribers, ch)
}

// OnLevelChange registers a cleanup callback invoked synchronously from
// the sampling goroutine on every level change, matching the scheduler/
// cache/rate-limiter cleanup hooks described for pressure transitions.
func (m *Monitor) OnLevelChange(cb func(Level)) {
	m.cleanupMu.Lock()
	defer m.cleanupMu.Unlock()
	m.cleanups = append(m.cleanups, cb)
}
