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
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	internalerrors "github.com/jordigilh/errorscope/internal/errors"
	"github.com/jordigilh/errorscope/pkg/cache"
	"github.com/jordigilh/errorscope/pkg/provider"
)

func TestSchedulerSuite(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Scheduler Suite")
}

var _ = Describe("Scheduler admission under pressure", func() {
	var (
		sched    *Scheduler
		analyzer *blockingAnalyzer
	)

	BeforeEach(func() {
		analyzer = &blockingAnalyzer{release: make(chan struct{})}
		sched = New(Config{Concurrency: 1, QueueLimit: 10, AbsoluteMax: 10, SafeThreshold: 1000},
			cache.Null(), nil, analyzer, nil)
	})

	AfterEach(func() {
		close(analyzer.release)
		sched.Shutdown()
	})

	When("a cache hit exists for the incoming fingerprint", func() {
		It("short-circuits analysis and resolves the future synchronously", func() {
			c, err := cache.New(10, 0)
			Expect(err).NotTo(HaveOccurred())

			cachedAnalyzer := &immediateAnalyzer{}
			cachedSched := New(Config{Concurrency: 1, QueueLimit: 10, AbsoluteMax: 10, SafeThreshold: 1000},
				c, nil, cachedAnalyzer, nil)
			defer cachedSched.Shutdown()

			record := recordFor("pressure-cached")
			advice := provider.Advice{Kind: provider.AdviceStructured, Structured: &provider.StructuredAdvice{Summary: "seen before"}}
			c.Set(record.FingerprintID, advice)

			future, err := cachedSched.Schedule(context.Background(), record)
			Expect(err).NotTo(HaveOccurred())

			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			got, err := future.Wait(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(got.Structured.Summary).To(Equal("seen before"))
			Expect(cachedAnalyzer.calls.Load()).To(BeZero())
		})
	})

	When("the queue is already at its admission limit", func() {
		It("rejects new tasks with ErrQueueFull rather than blocking the caller", func() {
			_, err := sched.Schedule(context.Background(), recordFor("occupying-the-only-worker"))
			Expect(err).NotTo(HaveOccurred())

			tight := New(Config{Concurrency: 1, QueueLimit: 1, AbsoluteMax: 10, SafeThreshold: 1000},
				cache.Null(), nil, &blockingAnalyzer{release: make(chan struct{})}, nil)
			defer tight.Shutdown()

			_, err = tight.Schedule(context.Background(), recordFor("first"))
			Expect(err).NotTo(HaveOccurred())

			_, err = tight.Schedule(context.Background(), recordFor("second"))
			Expect(err).To(MatchError(internalerrors.ErrQueueFull))
		})
	})
})
