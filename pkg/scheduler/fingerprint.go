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
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strconv"
	"strings"
)

var digitRunRe = regexp.MustCompile(`\d+`)

// normalizeStackHead keeps the first maxFrames lines of a stack trace,
// strips control characters, and replaces digit runs with "N" so that
// two occurrences of the same fault at different line numbers or PIDs
// still collapse to one fingerprint, per spec.md §3.
func normalizeStackHead(stack string, maxFrames int) string {
	lines := strings.Split(stack, "\n")
	if len(lines) > maxFrames {
		lines = lines[:maxFrames]
	}
	var b strings.Builder
	for _, line := range lines {
		b.WriteString(stripControl(line))
		b.WriteByte('\n')
	}
	return digitRunRe.ReplaceAllString(b.String(), "N")
}

func stripControl(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r < 0x20 && r != '\t' {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Fingerprint computes the stable content-derived identifier for an
// error: a digest over (errorName, message, code, normalizedStackHead),
// truncated to 16 hex characters for use as a queue-side ID, with the
// full digest available for cache keys.
func Fingerprint(errorName, message string, statusCode int, stack string) (full string, short string) {
	normalized := normalizeStackHead(stack, 5)
	h := sha256.New()
	h.Write([]byte(errorName))
	h.Write([]byte{0})
	h.Write([]byte(message))
	h.Write([]byte{0})
	h.Write([]byte(strconv.Itoa(statusCode)))
	h.Write([]byte{0})
	h.Write([]byte(normalized))
	sum := h.Sum(nil)
	full = hex.EncodeToString(sum)
	short = full[:16]
	return full, short
}
