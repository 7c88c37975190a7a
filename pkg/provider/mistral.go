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

	mistral "github.com/gage-technologies/mistral-go"
)

// MistralProvider implements Provider against Mistral's chat-completions
// API via its Go client.
type MistralProvider struct {
	client *mistral.MistralClient
	model  string
	limits ModelLimits
}

// NewMistral builds a MistralProvider.
func NewMistral(apiKey, model string, limits ModelLimits) *MistralProvider {
	client := mistral.NewMistralClientDefault(apiKey)
	return &MistralProvider{client: client, model: model, limits: limits}
}

func (p *MistralProvider) Name() string { return "mistral" }

func (p *MistralProvider) Models() map[string]ModelLimits {
	return map[string]ModelLimits{p.model: p.limits}
}

func (p *MistralProvider) Analyze(ctx context.Context, prompt string) (Advice, error) {
	resp, err := p.client.Chat(p.model, []mistral.ChatMessage{
		{Role: "system", Content: systemDirective},
		{Role: "user", Content: prompt},
	}, &mistral.ChatRequestParams{
		Temperature: float32(p.limits.Temperature),
		TopP:        float32(p.limits.TopP),
		MaxTokens:   p.limits.MaxTokens,
	})
	if err != nil {
		return Advice{}, err
	}
	if len(resp.Choices) == 0 {
		return Advice{}, ErrMalformedResponse
	}

	return ParseAdvice(resp.Choices[0].Message.Content)
}
