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

package provider

import (
	"encoding/json"
	"errors"
	"strings"
)

// ErrMalformedResponse is returned when a provider's raw HTTP response
// cannot even be parsed into its transport envelope (as opposed to the
// advice payload inside it failing to parse, which ParseAdvice handles by
// returning an Empty advice rather than an error).
var ErrMalformedResponse = errors.New("errorscope: malformed provider response")

// ParseAdvice parses a model's text output into an Advice. Per spec.md
// §6, the parser accepts either a JSON string or an object; anything
// else yields an Empty advice (never an error) so the scheduler can
// degrade gracefully.
func ParseAdvice(raw string) (Advice, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return Advice{Kind: AdviceEmpty}, nil
	}

	// A model may wrap its JSON in a fenced code block despite the
	// system directive; strip that before attempting to parse.
	trimmed = stripCodeFence(trimmed)

	var structured StructuredAdvice
	if err := json.Unmarshal([]byte(trimmed), &structured); err == nil && structured.Summary != "" {
		return Advice{Kind: AdviceStructured, Structured: &structured}, nil
	}

	var generic any
	if err := json.Unmarshal([]byte(trimmed), &generic); err == nil {
		return Advice{Kind: AdviceRaw, Raw: json.RawMessage(trimmed)}, nil
	}

	// Not valid JSON in either shape: malformed output degrades to Empty,
	// never an error the scheduler must special-case.
	return Advice{Kind: AdviceEmpty}, nil
}

func stripCodeFence(s string) string {
	if !strings.HasPrefix(s, "```") {
		return s
	}
	lines := strings.SplitN(s, "\n", 2)
	if len(lines) < 2 {
		return s
	}
	body := lines[1]
	body = strings.TrimSuffix(strings.TrimSpace(body), "```")
	return strings.TrimSpace(body)
}
