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

// Package provider multiplexes multiple remote model providers behind a
// single Analyze(prompt) contract, so switching the active provider never
// changes a caller's code.
package provider

import (
	"context"
	"encoding/json"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/jordigilh/errorscope/pkg/secrets"
)

// AdviceKind tags which shape an Advice holds, per the "dynamic-typed
// advice objects" redesign in spec.md §9: parsed once here, never
// downstream.
type AdviceKind int

const (
	AdviceEmpty AdviceKind = iota
	AdviceStructured
	AdviceRaw
)

// StructuredAdvice is the common shape providers are instructed to
// return.
type StructuredAdvice struct {
	Summary         string   `json:"summary"`
	RootCause       string   `json:"rootCause"`
	Remediation     []string `json:"remediation"`
	Confidence      float64  `json:"confidence"`
	RelatedPatterns []string `json:"relatedPatterns,omitempty"`
}

// Advice is the tagged variant returned by Analyze. Kind Empty means the
// provider returned nothing usable; the scheduler treats that the same
// as a transport failure (future resolves with an empty Advice).
type Advice struct {
	Kind       AdviceKind
	Structured *StructuredAdvice
	Raw        json.RawMessage
}

// IsEmpty reports whether advice carries no usable content.
func (a Advice) IsEmpty() bool { return a.Kind == AdviceEmpty }

// ModelLimits declares a model's per-request ceilings.
type ModelLimits struct {
	MaxTokens   int
	Temperature float64
	TopP        float64
}

// Provider is the contract every backend (openai, google, anthropic,
// bedrock, mistral) implements. Analyze never returns a transport error
// to its caller as anything the caller must special-case: an upstream
// failure or an unparseable response envelope surfaces as an empty
// Advice alongside a non-nil error, which the scheduler logs and drops;
// advice text that does not parse yields an empty Advice and a nil error.
type Provider interface {
	Name() string
	Models() map[string]ModelLimits
	Analyze(ctx context.Context, prompt string) (Advice, error)
}

// Registry holds every declared provider and the name of the active one.
// Declaring more providers than are active documents that switching
// providers requires only a config change, never a caller-code change.
type Registry struct {
	active    string
	providers map[string]Provider
	logger    *logrus.Logger
}

// NewRegistry builds an empty registry; call Register for each backend,
// then SetActive.
func NewRegistry(logger *logrus.Logger) *Registry {
	if logger == nil {
		logger = logrus.New()
	}
	return &Registry{providers: make(map[string]Provider), logger: logger}
}

// Register adds a provider implementation under its declared name.
func (r *Registry) Register(p Provider) {
	r.providers[p.Name()] = p
}

// SetActive selects which registered provider Analyze calls route to. An
// unknown name is a configuration error, per spec.md §8's boundary
// behaviors.
func (r *Registry) SetActive(name string) error {
	if _, ok := r.providers[name]; !ok {
		return ErrUnknownProvider(name)
	}
	r.active = name
	return nil
}

// Active returns the currently selected provider's name.
func (r *Registry) Active() string { return r.active }

// Analyze routes to the active provider. If no provider is active or the
// call fails, it returns an empty Advice and a non-nil error; the
// scheduler never propagates this to the application.
func (r *Registry) Analyze(ctx context.Context, prompt string) (Advice, error) {
	p, ok := r.providers[r.active]
	if !ok {
		return Advice{}, ErrUnknownProvider(r.active)
	}
	advice, err := p.Analyze(ctx, prompt)
	if err != nil {
		r.logger.WithError(err).WithField("provider", r.active).Debug("provider analysis failed")
		return Advice{}, err
	}
	return advice, nil
}

// ErrUnknownProvider is returned by SetActive/Analyze for an unregistered
// provider name.
type ErrUnknownProvider string

func (e ErrUnknownProvider) Error() string { return "errorscope: unknown provider: " + string(e) }

// CredentialSource resolves a provider's API key from the secrets store,
// falling back to its environment variable per spec.md §4.E.
type CredentialSource struct {
	Store   *secrets.Store
	EnvVars map[string]string // providerName -> env var name
}

// Resolve returns the plaintext credential for providerName, or an empty
// string if none is configured anywhere.
func (c CredentialSource) Resolve(providerName string) (string, error) {
	if c.Store != nil {
		key, err := c.Store.Get(providerName)
		if err != nil {
			return "", err
		}
		if key != "" {
			return key, nil
		}
	}
	if envVar, ok := c.EnvVars[providerName]; ok {
		return os.Getenv(envVar), nil
	}
	return "", nil
}
