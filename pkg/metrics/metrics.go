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

// Package metrics holds the Prometheus collectors shared by the scheduler
// and rate limiter, so both subsystems' admission/backpressure behavior is
// observable through a single registry.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Scheduler groups the gauges spec.md's §4.F metrics record emits.
type Scheduler struct {
	QueueLength prometheus.Gauge
	Rejects     prometheus.Gauge
	Pressure    prometheus.Gauge
	DynLimit    prometheus.Gauge
	HeapUsedMiB prometheus.Gauge
}

// NewScheduler builds and registers the scheduler collector set.
func NewScheduler(reg prometheus.Registerer) *Scheduler {
	s := &Scheduler{
		QueueLength: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "errorscope", Subsystem: "scheduler", Name: "queue_length",
			Help: "Number of analysis tasks currently pending or active.",
		}),
		Rejects: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "errorscope", Subsystem: "scheduler", Name: "rejects_total",
			Help: "Cumulative number of admission rejections.",
		}),
		Pressure: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "errorscope", Subsystem: "scheduler", Name: "pressure_level",
			Help: "Current memory pressure level (0=Low..3=Critical).",
		}),
		DynLimit: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "errorscope", Subsystem: "scheduler", Name: "dyn_limit",
			Help: "Current pressure-adjusted admission ceiling.",
		}),
		HeapUsedMiB: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "errorscope", Subsystem: "scheduler", Name: "heap_used_mib",
			Help: "Process heap in use, in MiB, sampled alongside scheduler metrics.",
		}),
	}
	reg.MustRegister(s.QueueLength, s.Rejects, s.Pressure, s.DynLimit, s.HeapUsedMiB)
	return s
}

// RateLimit groups the gauges observing the rate limiter's backend health
// and fallback bookkeeping size.
type RateLimit struct {
	BreakerState   prometheus.Gauge
	FallbackActive prometheus.Gauge
	FallbackBytes  prometheus.Gauge
}

// NewRateLimit builds and registers the rate limiter collector set.
func NewRateLimit(reg prometheus.Registerer) *RateLimit {
	r := &RateLimit{
		BreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "errorscope", Subsystem: "ratelimit", Name: "breaker_state",
			Help: "Circuit breaker state (0=Closed,1=HalfOpen,2=Open).",
		}),
		FallbackActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "errorscope", Subsystem: "ratelimit", Name: "fallback_entries",
			Help: "Number of identity+endpoint entries held by the in-memory fallback limiter.",
		}),
		FallbackBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "errorscope", Subsystem: "ratelimit", Name: "fallback_bytes",
			Help: "Approximate byte footprint of the in-memory fallback limiter.",
		}),
	}
	reg.MustRegister(r.BreakerState, r.FallbackActive, r.FallbackBytes)
	return r
}
