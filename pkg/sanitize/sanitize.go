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

// Package sanitize provides the pluggable log-payload scrubber described
// in the external interfaces section: it redacts credential-shaped values
// before a log record reaches its sink. It is a pure function of its
// input plus configured limits — it owns no state and talks to nothing.
package sanitize

import (
	"regexp"
	"strings"
)

var (
	creditCardRe = regexp.MustCompile(`\b(?:\d[ -]?){13,19}\b`)
	ssnRe        = regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)
	emailRe      = regexp.MustCompile(`\b[\w.+-]+@[\w-]+\.[\w.-]+\b`)
	phoneRe      = regexp.MustCompile(`\b(?:\+?\d{1,2}[ -]?)?\(?\d{3}\)?[ -]?\d{3}[ -]?\d{4}\b`)
	sensitiveKey = regexp.MustCompile(`(?i)(password|token|secret|api_key|credential)`)
)

const redacted = "[REDACTED]"

// Options bounds the cost of sanitizing attacker-controlled or merely
// very large payloads.
type Options struct {
	// MaxDepth bounds recursion into nested maps/slices. Zero uses the
	// default of 3.
	MaxDepth int
	// MaxArrayLen caps how many elements of a slice are scanned. Zero
	// uses the default of 50.
	MaxArrayLen int
}

func (o Options) depth() int {
	if o.MaxDepth <= 0 {
		return 3
	}
	return o.MaxDepth
}

func (o Options) arrayLen() int {
	if o.MaxArrayLen <= 0 {
		return 50
	}
	return o.MaxArrayLen
}

// DefaultOptions is the zero-value Options, depth 3 / array len 50.
var DefaultOptions = Options{}

// String redacts credential-and-PII-shaped substrings from a flat string.
func String(s string) string {
	s = creditCardRe.ReplaceAllString(s, redacted)
	s = ssnRe.ReplaceAllString(s, redacted)
	s = emailRe.ReplaceAllString(s, redacted)
	s = phoneRe.ReplaceAllString(s, redacted)
	return s
}

// Value recursively sanitizes an arbitrary JSON-shaped value (as produced
// by encoding/json Unmarshal into interface{}, or a map[string]any built
// by hand), bounded by opts. Keys matching the sensitive-key pattern have
// their values fully redacted regardless of type.
func Value(v any, opts Options) any {
	return sanitizeAt(v, opts, 0)
}

func sanitizeAt(v any, opts Options, depth int) any {
	if depth >= opts.depth() {
		return redacted
	}
	switch t := v.(type) {
	case string:
		return String(t)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			if sensitiveKey.MatchString(k) {
				out[k] = redacted
				continue
			}
			out[k] = sanitizeAt(val, opts, depth+1)
		}
		return out
	case []any:
		n := len(t)
		if n > opts.arrayLen() {
			n = opts.arrayLen()
		}
		out := make([]any, n)
		for i := 0; i < n; i++ {
			out[i] = sanitizeAt(t[i], opts, depth+1)
		}
		return out
	default:
		return v
	}
}

// Fields sanitizes a flat field map, the shape logrus.Fields takes,
// applying both the key-name check and string-value scrubbing.
func Fields(fields map[string]any) map[string]any {
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		if sensitiveKey.MatchString(k) {
			out[k] = redacted
			continue
		}
		if s, ok := v.(string); ok {
			out[k] = String(s)
			continue
		}
		out[k] = Value(v, DefaultOptions)
	}
	return out
}

// stripControlChars removes non-printable control characters, used by
// Stack for log sanitization of raw stack traces. Fingerprint stack
// normalization in the scheduler uses its own stripControl.
func stripControlChars(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r < 0x20 && r != '\n' && r != '\t' {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Stack sanitizes a raw stack trace string: strips control characters and
// redacts embedded PII/secret-shaped substrings.
func Stack(s string) string {
	return String(stripControlChars(s))
}
