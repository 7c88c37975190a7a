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

// Package config loads and validates the core's configuration: an optional
// YAML file, overridden by environment variables, with every numeric
// value clamped to SafeThreshold and every clamp logged exactly once.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Scheduler holds §4.F tunables.
type Scheduler struct {
	Concurrency   int           `yaml:"concurrency" validate:"gte=0"`
	QueueLimit    int           `yaml:"queue_limit" validate:"gte=0"`
	SafeThreshold int           `yaml:"safe_threshold" validate:"gte=0"`
	AbsoluteMax   int           `yaml:"absolute_max" validate:"gte=0"`
	MetricInterval time.Duration `yaml:"metric_interval"`
}

// Cache holds §4.B tunables.
type Cache struct {
	Limit int           `yaml:"limit"`
	TTL   time.Duration `yaml:"ttl"`
}

// HTTPClient holds §4.C tunables.
type HTTPClient struct {
	Timeout         time.Duration `yaml:"timeout"`
	RetryAttempts   int           `yaml:"retry_attempts"`
	RetryBaseDelay  time.Duration `yaml:"retry_base_delay"`
	RetryMaxDelay   time.Duration `yaml:"retry_max_delay"`
	MaxSockets      int           `yaml:"max_sockets"`
	MaxFreeSockets  int           `yaml:"max_free_sockets"`
}

// Provider holds §4.D tunables.
type Provider struct {
	Active      string            `yaml:"active" validate:"required"`
	Credentials map[string]string `yaml:"-"` // populated from env/secrets, never from file
}

// Secrets holds §4.E tunables.
type Secrets struct {
	Passphrase     string `yaml:"-"` // ENCRYPTION_KEY only, never from file
	StorePath      string `yaml:"store_path" validate:"required"`
	BackupRetain   int    `yaml:"backup_retain" validate:"gte=0"`
}

// RateLimit holds §4.G tunables.
type RateLimit struct {
	RedisAddr        string        `yaml:"redis_addr"`
	DefaultWindow    time.Duration `yaml:"default_window"`
	DefaultMax       int           `yaml:"default_max" validate:"gte=0"`
	BreakerThreshold int           `yaml:"breaker_threshold" validate:"gte=0"`
	BreakerReset     time.Duration `yaml:"breaker_reset"`
	FallbackMaxEntries int         `yaml:"fallback_max_entries" validate:"gte=0"`
	FallbackMaxBytes   int64       `yaml:"fallback_max_bytes" validate:"gte=0"`
}

// Logging holds the ambient logging configuration.
type Logging struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" validate:"oneof=json text"`
}

// Config is the root configuration document.
type Config struct {
	Scheduler Scheduler `yaml:"scheduler"`
	Cache     Cache     `yaml:"cache"`
	HTTP      HTTPClient `yaml:"http"`
	Provider  Provider  `yaml:"provider"`
	Secrets   Secrets   `yaml:"secrets"`
	RateLimit RateLimit `yaml:"ratelimit"`
	Logging   Logging   `yaml:"logging"`
}

// Default returns a Config populated with spec.md §6's documented
// defaults, before any file or environment overrides are applied.
func Default() Config {
	return Config{
		Scheduler: Scheduler{
			Concurrency:    5,
			QueueLimit:     100,
			SafeThreshold:  1000,
			AbsoluteMax:    200,
			MetricInterval: 0,
		},
		Cache: Cache{
			Limit: 0,
			TTL:   0,
		},
		HTTP: HTTPClient{
			Timeout:        10 * time.Second,
			RetryAttempts:  2,
			RetryBaseDelay: 100 * time.Millisecond,
			RetryMaxDelay:  0,
			MaxSockets:     50,
			MaxFreeSockets: 10,
		},
		Provider: Provider{
			Active:      "openai",
			Credentials: map[string]string{},
		},
		Secrets: Secrets{
			StorePath:    "/var/lib/errorscope/secrets.json",
			BackupRetain: 3,
		},
		RateLimit: RateLimit{
			DefaultWindow:      time.Minute,
			DefaultMax:         60,
			BreakerThreshold:   5,
			BreakerReset:       60 * time.Second,
			FallbackMaxEntries: 10000,
			FallbackMaxBytes:   64 << 20,
		},
		Logging: Logging{
			Level:  "info",
			Format: "json",
		},
	}
}

// clampLogged tracks which (field) clamps have already been logged, so a
// repeatedly-reloaded config only warns once per field per process, per
// spec.md's "clamped and logged exactly once per process" requirement.
var clampLogged sync.Map

func clampInt(logger *logrus.Logger, field string, v, max int) int {
	if v <= max {
		return v
	}
	if _, already := clampLogged.LoadOrStore(field, struct{}{}); !already {
		logger.WithFields(logrus.Fields{
			"field": field,
			"value": v,
			"max":   max,
		}).Warn("configuration value exceeds safe threshold, clamping")
	}
	return max
}

// Load reads an optional YAML file at path (skipped if empty or missing),
// then applies environment variable overrides, then validates and clamps.
func Load(path string, logger *logrus.Logger) (Config, error) {
	if logger == nil {
		logger = logrus.New()
	}
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if uerr := yaml.Unmarshal(data, &cfg); uerr != nil {
				return Config{}, fmt.Errorf("config: parsing %s: %w", path, uerr)
			}
		case os.IsNotExist(err):
			// absent file is not an error; defaults + env apply
		default:
			return Config{}, fmt.Errorf("config: reading %s: %w", path, err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := validate(&cfg); err != nil {
		return Config{}, err
	}

	clamp(&cfg, logger)

	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v, ok := envInt("CONCURRENCY"); ok {
		cfg.Scheduler.Concurrency = v
	}
	if v, ok := envInt("QUEUE_LIMIT"); ok {
		cfg.Scheduler.QueueLimit = v
	}
	if v, ok := envInt("SAFE_THRESHOLD"); ok {
		cfg.Scheduler.SafeThreshold = v
	}
	if v, ok := envInt("CACHE_LIMIT"); ok {
		cfg.Cache.Limit = v
	}
	if v, ok := envDuration("CACHE_TTL", time.Second); ok {
		cfg.Cache.TTL = v
	}
	if v, ok := envDuration("HTTP_TIMEOUT_MS", time.Millisecond); ok {
		cfg.HTTP.Timeout = v
	}
	if v, ok := envInt("RETRY_ATTEMPTS"); ok {
		cfg.HTTP.RetryAttempts = v
	}
	if v, ok := envDuration("RETRY_BASE_MS", time.Millisecond); ok {
		cfg.HTTP.RetryBaseDelay = v
	}
	if v, ok := envDuration("RETRY_MAX_MS", time.Millisecond); ok {
		cfg.HTTP.RetryMaxDelay = v
	}
	if v, ok := envInt("MAX_SOCKETS"); ok {
		cfg.HTTP.MaxSockets = v
	}
	if v, ok := envInt("MAX_FREE_SOCKETS"); ok {
		cfg.HTTP.MaxFreeSockets = v
	}
	if v, ok := envDuration("METRIC_INTERVAL_MS", time.Millisecond); ok {
		cfg.Scheduler.MetricInterval = v
	}
	if v := os.Getenv("ENCRYPTION_KEY"); v != "" {
		cfg.Secrets.Passphrase = v
	}
	if v := os.Getenv("PROVIDER"); v != "" {
		cfg.Provider.Active = v
	}
	for _, envVar := range []string{"OPENAI_API_KEY", "GEMINI_API_KEY", "ANTHROPIC_API_KEY", "BEDROCK_API_KEY", "MISTRAL_API_KEY"} {
		if v := os.Getenv(envVar); v != "" {
			cfg.Provider.Credentials[envVar] = v
		}
	}
}

func envInt(name string) (int, bool) {
	raw := os.Getenv(name)
	if raw == "" {
		return 0, false
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return v, true
}

func envDuration(name string, unit time.Duration) (time.Duration, bool) {
	v, ok := envInt(name)
	if !ok {
		return 0, false
	}
	return time.Duration(v) * unit, true
}

// insecurePassphrases is the deny-list of known-bad defaults §4.E rejects.
var insecurePassphrases = map[string]bool{
	"changeme":        true,
	"password":        true,
	"secret":          true,
	"default":         true,
	"insecure":        true,
	"12345678901234567890": true,
}

var structValidator = validator.New()

func validate(cfg *Config) error {
	if err := structValidator.Struct(cfg); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if cfg.Secrets.Passphrase != "" {
		if len(cfg.Secrets.Passphrase) < 16 {
			return fmt.Errorf("config: ENCRYPTION_KEY must be at least 16 characters")
		}
		if insecurePassphrases[cfg.Secrets.Passphrase] {
			return fmt.Errorf("config: ENCRYPTION_KEY matches a known-insecure default")
		}
	}
	return nil
}

// Watcher reloads Config from disk whenever the underlying file changes,
// using the same fsnotify-watch-the-containing-directory approach as
// pkg/secrets' external-rotation watcher.
type Watcher struct {
	path    string
	logger  *logrus.Logger
	watcher *fsnotify.Watcher
	done    chan struct{}

	mu        sync.RWMutex
	current   Config
	listeners []func(Config)
}

// WatchFile loads the configuration at path (via Load, so env overrides,
// validation, and clamping all apply) and, if path is non-empty, starts a
// watcher that reloads and notifies subscribers whenever the file
// changes. The returned Watcher owns the fsnotify resources; call Stop to
// release them.
func WatchFile(path string, logger *logrus.Logger) (*Watcher, error) {
	if logger == nil {
		logger = logrus.New()
	}
	cfg, err := Load(path, logger)
	if err != nil {
		return nil, err
	}

	w := &Watcher{path: path, logger: logger, current: cfg, done: make(chan struct{})}
	if path == "" {
		return w, nil
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config: starting file watcher: %w", err)
	}
	if err := fsw.Add(filepath.Dir(path)); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("config: watching config directory: %w", err)
	}
	w.watcher = fsw

	go w.run()
	return w, nil
}

func (w *Watcher) run() {
	for {
		select {
		case <-w.done:
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != filepath.Clean(w.path) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			cfg, err := Load(w.path, w.logger)
			if err != nil {
				w.logger.WithError(err).Warn("failed to reload configuration after file change")
				continue
			}
			w.mu.Lock()
			w.current = cfg
			listeners := append([]func(Config){}, w.listeners...)
			w.mu.Unlock()
			for _, fn := range listeners {
				fn(cfg)
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.WithError(err).Warn("config file watcher error")
		}
	}
}

// Current returns the most recently loaded configuration.
func (w *Watcher) Current() Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// OnReload registers fn to be invoked, from the watcher's own goroutine,
// every time the config file is successfully reloaded.
func (w *Watcher) OnReload(fn func(Config)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.listeners = append(w.listeners, fn)
}

// Stop releases the underlying fsnotify watcher, if one is running.
func (w *Watcher) Stop() error {
	close(w.done)
	if w.watcher != nil {
		return w.watcher.Close()
	}
	return nil
}

// clamp enforces SAFE_THRESHOLD across every limit-shaped field.
func clamp(cfg *Config, logger *logrus.Logger) {
	threshold := cfg.Scheduler.SafeThreshold
	if threshold <= 0 {
		threshold = 1000
	}
	cfg.Scheduler.Concurrency = clampInt(logger, "scheduler.concurrency", cfg.Scheduler.Concurrency, threshold)
	cfg.Scheduler.QueueLimit = clampInt(logger, "scheduler.queue_limit", cfg.Scheduler.QueueLimit, threshold)
	cfg.Scheduler.AbsoluteMax = clampInt(logger, "scheduler.absolute_max", cfg.Scheduler.AbsoluteMax, threshold)
	cfg.HTTP.MaxSockets = clampInt(logger, "http.max_sockets", cfg.HTTP.MaxSockets, threshold)
	cfg.HTTP.MaxFreeSockets = clampInt(logger, "http.max_free_sockets", cfg.HTTP.MaxFreeSockets, threshold)
}
