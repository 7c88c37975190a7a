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
	"context"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// AnthropicProvider implements Provider against the Anthropic Messages
// API via the official SDK, rather than the package's own httpclient,
// because the SDK already owns retry/backoff for this one backend.
type AnthropicProvider struct {
	client *anthropic.Client
	model  anthropic.Model
	limits ModelLimits
}

// NewAnthropic builds an AnthropicProvider. apiKey is resolved once at
// construction, mirroring the SDK's own client-lifetime credential model
// (unlike OpenAIProvider, which re-resolves per call through the
// package's own retrying client).
func NewAnthropic(apiKey, model string, limits ModelLimits) *AnthropicProvider {
	client := anthropic.NewClient(option.WithAPIKey(apiKey))
	return &AnthropicProvider{
		client: &client,
		model:  anthropic.Model(model),
		limits: limits,
	}
}

func (p *AnthropicProvider) Name() string { return "anthropic" }

func (p *AnthropicProvider) Models() map[string]ModelLimits {
	return map[string]ModelLimits{string(p.model): p.limits}
}

func (p *AnthropicProvider) Analyze(ctx context.Context, prompt string) (Advice, error) {
	maxTokens := int64(p.limits.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = 1024
	}

	msg, err := p.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     p.model,
		MaxTokens: maxTokens,
		System: []anthropic.TextBlockParam{
			{Text: systemDirective},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		return Advice{}, err
	}

	var text string
	for _, block := range msg.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}

	return ParseAdvice(text)
}
