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

// Package httpclient implements the retrying HTTP client shared by every
// model provider: exponential backoff (base*2^i plus a random jitter in
// [0, base)), Retry-After
// honoring, an optional client-side outbound rate cap, and a bounded
// keep-alive connection pool.
package httpclient

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/jordigilh/errorscope/internal/errors"
)

const safeThresholdDefault = 1000

// Config tunes pool size, timeout, and retry policy. All limits are
// clamped to SafeThreshold (or 1000, if unset).
type Config struct {
	Timeout        time.Duration
	RetryAttempts  int // additional attempts beyond the first
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration // 0 = uncapped
	MaxSockets     int
	MaxFreeSockets int
	SafeThreshold  int
	// OutboundRPS caps the sustained rate of outbound requests this client
	// issues, independent of the distributed per-identity limiter in
	// pkg/ratelimit. Zero disables client-side throttling.
	OutboundRPS   float64
	OutboundBurst int
}

func (c Config) threshold() int {
	if c.SafeThreshold <= 0 {
		return safeThresholdDefault
	}
	return c.SafeThreshold
}

func clamp(v, max int) int {
	if v > max {
		return max
	}
	return v
}

// Response is the normalized result of a Post call.
type Response struct {
	StatusCode int
	Body       []byte
	Headers    http.Header
}

// Client is a retrying HTTP client with a bounded connection pool. It
// never panics and never returns a transport error to callers as
// anything but a Go error value; callers decide semantics.
type Client struct {
	httpClient *http.Client
	cfg        Config
	logger     *logrus.Logger
	limiter    *rate.Limiter

	mu  sync.Mutex
	rng *rand.Rand
}

// New builds a Client from cfg.
func New(cfg Config, logger *logrus.Logger) *Client {
	if logger == nil {
		logger = logrus.New()
	}
	threshold := cfg.threshold()
	cfg.MaxSockets = clamp(nonZero(cfg.MaxSockets, 50), threshold)
	cfg.MaxFreeSockets = clamp(nonZero(cfg.MaxFreeSockets, 10), threshold)
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = 100 * time.Millisecond
	}

	transport := &http.Transport{
		MaxIdleConns:        cfg.MaxSockets,
		MaxIdleConnsPerHost: cfg.MaxFreeSockets,
		MaxConnsPerHost:     cfg.MaxSockets,
		IdleConnTimeout:     90 * time.Second,
	}

	var limiter *rate.Limiter
	if cfg.OutboundRPS > 0 {
		burst := cfg.OutboundBurst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.OutboundRPS), burst)
	}

	return &Client{
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   cfg.Timeout,
		},
		cfg:     cfg,
		logger:  logger,
		limiter: limiter,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func nonZero(v, fallback int) int {
	if v <= 0 {
		return fallback
	}
	return v
}

// Post performs a POST with retry-with-backoff. The context controls the
// overall call including all retries; each attempt also respects the
// client's configured per-request Timeout.
func (c *Client) Post(ctx context.Context, url string, body []byte, headers http.Header) (*Response, error) {
	var lastErr error

	attempts := c.cfg.RetryAttempts + 1
	var pendingRetryAfter *time.Duration
	var pendingNoHeaderRetry bool

	for i := 0; i < attempts; i++ {
		if i > 0 {
			delay := c.delayForAttempt(i-1, pendingRetryAfter, pendingNoHeaderRetry)
			if err := sleepCtx(ctx, delay); err != nil {
				return nil, err
			}
		}
		pendingRetryAfter = nil
		pendingNoHeaderRetry = false

		resp, retryAfter, err := c.attempt(ctx, url, body, headers)
		if err != nil {
			lastErr = err
			c.logger.WithError(err).WithField("attempt", i+1).Debug("http attempt failed")
			continue
		}

		if resp.StatusCode < 400 {
			return resp, nil
		}
		if !isRetryableStatus(resp.StatusCode) {
			// Non-retryable 4xx (anything but 429/503): fail immediately.
			return resp, fmt.Errorf("%w: status %d", errors.ErrProviderUnavailable, resp.StatusCode)
		}

		lastErr = fmt.Errorf("%w: status %d", errors.ErrProviderUnavailable, resp.StatusCode)
		pendingRetryAfter = retryAfter
		pendingNoHeaderRetry = retryAfter == nil
		if i == attempts-1 {
			return resp, lastErr
		}
	}

	if lastErr == nil {
		lastErr = errors.ErrProviderUnavailable
	}
	return nil, lastErr
}

func isRetryableStatus(code int) bool {
	return code == http.StatusTooManyRequests || code == http.StatusServiceUnavailable
}

// attempt performs exactly one HTTP round trip, returning any
// Retry-After value found on a 429/503 response.
func (c *Client) attempt(ctx context.Context, url string, body []byte, headers http.Header) (*Response, *time.Duration, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, nil, fmt.Errorf("%w: outbound rate limiter: %v", errors.ErrProviderUnavailable, err)
		}
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, nil, fmt.Errorf("errorscope: building request: %w", err)
	}
	for k, vs := range headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	httpResp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", errors.ErrProviderUnavailable, err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("errorscope: reading response body: %w", err)
	}

	resp := &Response{StatusCode: httpResp.StatusCode, Body: respBody, Headers: httpResp.Header}

	var retryAfter *time.Duration
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusServiceUnavailable {
		if d, ok := parseRetryAfter(httpResp.Header.Get("Retry-After")); ok {
			retryAfter = &d
		}
	}

	return resp, retryAfter, nil
}

// parseRetryAfter parses a Retry-After header as either delta-seconds or
// an HTTP-date, per RFC 9110 §10.2.3.
func parseRetryAfter(header string) (time.Duration, bool) {
	if header == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(header); err == nil {
		if secs < 0 {
			return 0, false
		}
		return time.Duration(secs) * time.Second, true
	}
	if t, err := http.ParseTime(header); err == nil {
		d := time.Until(t)
		if d < 0 {
			d = 0
		}
		return d, true
	}
	return 0, false
}

// delayForAttempt computes the backoff delay before attempt i (0-indexed):
// base*2^i + uniform[0, base). If retryAfter is set (a parsed Retry-After
// header from the prior attempt), it is used as-is instead. If the prior
// attempt was a retryable 429/503 with no usable Retry-After header,
// noHeaderRetry is true and the computed delay is doubled, per spec.md
// §4.C's "otherwise use 2x computed" rule. All delays are clamped to
// RetryMaxDelay if configured.
func (c *Client) delayForAttempt(i int, retryAfter *time.Duration, noHeaderRetry bool) time.Duration {
	var delay time.Duration
	if retryAfter != nil {
		delay = *retryAfter
	} else {
		base := c.cfg.RetryBaseDelay
		pow := time.Duration(1) << uint(i)
		computed := base * pow

		c.mu.Lock()
		jitter := time.Duration(c.rng.Int63n(int64(base)))
		c.mu.Unlock()

		delay = computed + jitter
		if noHeaderRetry {
			delay *= 2
		}
	}
	if c.cfg.RetryMaxDelay > 0 && delay > c.cfg.RetryMaxDelay {
		delay = c.cfg.RetryMaxDelay
	}
	return delay
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
