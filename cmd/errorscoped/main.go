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

// Command errorscoped is an example daemon wiring every errorscope
// component together. It is ambient-stack scaffolding, not part of the
// library's core contract: an application embeds the pkg/* packages
// directly and owns its own bootstrap.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/jordigilh/errorscope/internal/config"
	"github.com/jordigilh/errorscope/internal/logging"
	"github.com/jordigilh/errorscope/pkg/cache"
	"github.com/jordigilh/errorscope/pkg/httpclient"
	"github.com/jordigilh/errorscope/pkg/metrics"
	"github.com/jordigilh/errorscope/pkg/pipeline"
	"github.com/jordigilh/errorscope/pkg/pressure"
	"github.com/jordigilh/errorscope/pkg/provider"
	"github.com/jordigilh/errorscope/pkg/ratelimit"
	"github.com/jordigilh/errorscope/pkg/scheduler"
	"github.com/jordigilh/errorscope/pkg/secrets"
)

// Runtime owns every component's lifecycle explicitly; nothing here is a
// package-level singleton or global, per the "module-level singletons"
// redesign recorded in SPEC_FULL.md §9.
type Runtime struct {
	logger     *logrus.Logger
	monitor    *pressure.Monitor
	cache      cache.Interface
	secrets    *secrets.Store
	scheduler  *scheduler.Scheduler
	limiter    *ratelimit.Limiter
	entry      *pipeline.Entry
	server     *http.Server
	cfgWatcher *config.Watcher
}

// NewRuntime constructs every component from cfg but starts nothing.
func NewRuntime(cfg config.Config, logger *logrus.Logger) (*Runtime, error) {
	monitor := pressure.New(logger)

	c := cache.New0(cfg.Cache.Limit, cfg.Cache.TTL)
	if concreteCache, ok := c.(*cache.Cache); ok {
		concreteCache.AttachPressure(monitor)
	}

	var store *secrets.Store
	if cfg.Secrets.Passphrase != "" {
		s, err := secrets.Open(cfg.Secrets.StorePath, cfg.Secrets.Passphrase, cfg.Secrets.BackupRetain, logger)
		if err != nil {
			return nil, err
		}
		store = s
	}

	httpClient := httpclient.New(httpclient.Config{
		Timeout:        cfg.HTTP.Timeout,
		RetryAttempts:  cfg.HTTP.RetryAttempts,
		RetryBaseDelay: cfg.HTTP.RetryBaseDelay,
		RetryMaxDelay:  cfg.HTTP.RetryMaxDelay,
		MaxSockets:     cfg.HTTP.MaxSockets,
		MaxFreeSockets: cfg.HTTP.MaxFreeSockets,
		SafeThreshold:  cfg.Scheduler.SafeThreshold,
	}, logger)

	registry := buildProviderRegistry(cfg, httpClient, store, logger)
	if err := registry.SetActive(cfg.Provider.Active); err != nil {
		return nil, err
	}

	sched := scheduler.New(scheduler.Config{
		Concurrency:    cfg.Scheduler.Concurrency,
		QueueLimit:     cfg.Scheduler.QueueLimit,
		SafeThreshold:  cfg.Scheduler.SafeThreshold,
		AbsoluteMax:    cfg.Scheduler.AbsoluteMax,
		MetricInterval: cfg.Scheduler.MetricInterval,
	}, c, monitor, registry, logger)
	sched.AttachMetrics(metrics.NewScheduler(prometheus.DefaultRegisterer))

	limiter := ratelimit.New(ratelimit.Config{
		Redis:              redisClientFor(cfg.RateLimit.RedisAddr),
		DefaultPolicy:      ratelimit.Policy{WindowMs: cfg.RateLimit.DefaultWindow, Max: cfg.RateLimit.DefaultMax},
		BreakerThreshold:   uint32(cfg.RateLimit.BreakerThreshold),
		BreakerResetTimeout: cfg.RateLimit.BreakerReset,
		FallbackMaxEntries: cfg.RateLimit.FallbackMaxEntries,
		FallbackMaxBytes:   cfg.RateLimit.FallbackMaxBytes,
	}, logger)
	limiter.AttachMetrics(metrics.NewRateLimit(prometheus.DefaultRegisterer))
	limiter.AttachPressure(monitor)

	entry := pipeline.New(sched, logger)

	return &Runtime{
		logger:    logger,
		monitor:   monitor,
		cache:     c,
		secrets:   store,
		scheduler: sched,
		limiter:   limiter,
		entry:     entry,
	}, nil
}

// AttachConfigWatcher wires a live config.Watcher into the runtime so Stop
// releases its fsnotify resources too. Reload currently only re-validates
// and logs the new configuration; re-applying it to already-constructed
// components is out of scope for this example daemon.
func (r *Runtime) AttachConfigWatcher(w *config.Watcher) {
	r.cfgWatcher = w
	w.OnReload(func(cfg config.Config) {
		r.logger.WithField("provider", cfg.Provider.Active).Info("errorscoped: configuration file reloaded")
	})
}

func redisClientFor(addr string) *redis.Client {
	if addr == "" {
		return nil
	}
	return redis.NewClient(&redis.Options{Addr: addr})
}

func buildProviderRegistry(cfg config.Config, httpClient *httpclient.Client, store *secrets.Store, logger *logrus.Logger) *provider.Registry {
	registry := provider.NewRegistry(logger)

	creds := provider.CredentialSource{
		Store: store,
		EnvVars: map[string]string{
			"openai":    "OPENAI_API_KEY",
			"google":    "GEMINI_API_KEY",
			"anthropic": "ANTHROPIC_API_KEY",
			"bedrock":   "BEDROCK_API_KEY",
			"mistral":   "MISTRAL_API_KEY",
		},
	}

	defaultLimits := provider.ModelLimits{MaxTokens: 1024, Temperature: 0.2, TopP: 1.0}

	registry.Register(provider.NewOpenAI(httpClient, "https://api.openai.com", "gpt-4o-mini", defaultLimits,
		func() (string, error) { return creds.Resolve("openai") }))
	registry.Register(provider.NewGoogle(httpClient, "https://generativelanguage.googleapis.com", "gemini-1.5-flash", defaultLimits,
		func() (string, error) { return creds.Resolve("google") }))

	if key, err := creds.Resolve("anthropic"); err == nil && key != "" {
		registry.Register(provider.NewAnthropic(key, "claude-3-5-sonnet-latest", defaultLimits))
	}
	if key, err := creds.Resolve("mistral"); err == nil && key != "" {
		registry.Register(provider.NewMistral(key, "mistral-large-latest", defaultLimits))
	}

	return registry
}

// Start wires the HTTP demo server (rate-limit middleware plus a metrics
// endpoint) and begins background sampling. It does not block.
func (r *Runtime) Start(addr string) {
	r.monitor.Start()

	if r.secrets != nil {
		if err := r.secrets.WatchExternalRotation(); err != nil {
			r.logger.WithError(err).Warn("errorscoped: failed to start secrets file watcher")
		}
	}

	router := chi.NewRouter()
	router.Use(cors.Handler(cors.Options{AllowedOrigins: []string{"*"}, AllowedMethods: []string{http.MethodGet, http.MethodPost}}))
	router.Use(r.limiter.Middleware("default"))

	router.Handle("/metrics", promhttp.Handler())
	router.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	router.Post("/report", r.handleReport)

	r.server = &http.Server{Addr: addr, Handler: router}
	go func() {
		if err := r.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.logger.WithError(err).Error("errorscoped: http server exited")
		}
	}()
}

func (r *Runtime) handleReport(w http.ResponseWriter, req *http.Request) {
	r.entry.Handle(req.Context(), pipeline.Input{
		ErrorName:  "ReportedError",
		Message:    "client-reported error",
		StatusCode: http.StatusInternalServerError,
	}, &pipeline.Responder{W: w, R: req}, nil)
}

// Stop shuts down the HTTP server within ctx's deadline, then drains the
// scheduler (bounded by its own ShutdownGrace, not by ctx) and stops the
// monitor.
func (r *Runtime) Stop(ctx context.Context) {
	if r.server != nil {
		_ = r.server.Shutdown(ctx)
	}
	r.scheduler.Shutdown()
	r.monitor.Stop()
	r.limiter.Stop()
	if cacheWithShutdown, ok := r.cache.(*cache.Cache); ok {
		cacheWithShutdown.Shutdown()
	}
	if r.secrets != nil {
		_ = r.secrets.Close()
	}
	if r.cfgWatcher != nil {
		_ = r.cfgWatcher.Stop()
	}
}

func main() {
	logger := logging.New(logging.Config{Level: "info", Format: "json", Output: os.Stdout})

	cfgWatcher, err := config.WatchFile(os.Getenv("ERRORSCOPE_CONFIG"), logger)
	if err != nil {
		logger.WithError(err).Fatal("errorscoped: failed to load configuration")
	}

	rt, err := NewRuntime(cfgWatcher.Current(), logger)
	if err != nil {
		logger.WithError(err).Fatal("errorscoped: failed to build runtime")
	}
	rt.AttachConfigWatcher(cfgWatcher)
	rt.Start(":8080")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	rt.Stop(ctx)
}
