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
	"runtime"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/jordigilh/errorscope/pkg/metrics"
	"github.com/jordigilh/errorscope/pkg/pressure"
)

// AttachMetrics wires a shared metrics.Scheduler collector set into this
// scheduler; metric emission is a no-op until this has been called, since
// a scheduler built without a registry (e.g. in unit tests) should not
// register collectors against the default global registry.
func (s *Scheduler) AttachMetrics(collectors *metrics.Scheduler) {
	s.mu.Lock()
	s.collectors = collectors
	s.mu.Unlock()
}

// StartMetrics begins periodic metric emission. It is idempotent and is
// invoked automatically on an idle-to-active transition; StopMetrics
// should be called on the matching active-to-idle transition to avoid a
// dangling ticker goroutine while the scheduler has no work.
func (s *Scheduler) StartMetrics() {
	if s.cfg.MetricInterval <= 0 {
		return
	}

	s.mu.Lock()
	if s.metricsOn {
		s.mu.Unlock()
		return
	}
	s.metricsOn = true
	s.metricsStop = make(chan struct{})
	s.mu.Unlock()

	s.metricsWG.Add(1)
	go s.metricsLoop(s.metricsStop)
}

func (s *Scheduler) metricsLoop(stop chan struct{}) {
	defer s.metricsWG.Done()
	ticker := time.NewTicker(s.cfg.MetricInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.emitSnapshot()
		}
	}
}

func (s *Scheduler) emitSnapshot() {
	level := pressure.Low
	if s.monitor != nil {
		level = s.monitor.Current()
	}
	limit := dynLimitFor(s.cfg.QueueLimit, level)

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	heapMiB := float64(mem.HeapInuse) / (1 << 20)

	queueLength := s.QueueLength()
	rejects := s.RejectCount()

	s.mu.Lock()
	collectors := s.collectors
	s.mu.Unlock()
	if collectors != nil {
		collectors.QueueLength.Set(float64(queueLength))
		collectors.Rejects.Set(float64(rejects))
		collectors.Pressure.Set(float64(level))
		collectors.DynLimit.Set(float64(limit))
		collectors.HeapUsedMiB.Set(heapMiB)
	}

	s.logger.WithFields(logrus.Fields{
		"queueLength": queueLength, "rejects": rejects,
		"pressure": level.String(), "dynLimit": limit, "heapUsedMiB": heapMiB,
	}).Debug("scheduler metrics snapshot")
}

// StopMetrics halts periodic metric emission. It is invoked automatically
// on an active-to-idle transition and also from Shutdown.
func (s *Scheduler) StopMetrics() {
	s.mu.Lock()
	if !s.metricsOn {
		s.mu.Unlock()
		return
	}
	s.metricsOn = false
	stop := s.metricsStop
	s.mu.Unlock()

	close(stop)
	s.metricsWG.Wait()
}
