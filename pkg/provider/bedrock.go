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
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
)

// BedrockProvider implements Provider against an AWS Bedrock-hosted
// model, for operators who want their model traffic to stay inside AWS
// rather than call a provider's public API directly.
type BedrockProvider struct {
	client  *bedrockruntime.Client
	modelID string
	limits  ModelLimits
}

// NewBedrock builds a BedrockProvider over an already-configured Bedrock
// runtime client (credential resolution for AWS follows the SDK's own
// chain — access keys, instance role, etc. — rather than this package's
// secrets store, since Bedrock auth is SigV4, not a bearer token).
func NewBedrock(client *bedrockruntime.Client, modelID string, limits ModelLimits) *BedrockProvider {
	return &BedrockProvider{client: client, modelID: modelID, limits: limits}
}

func (p *BedrockProvider) Name() string { return "bedrock" }

func (p *BedrockProvider) Models() map[string]ModelLimits {
	return map[string]ModelLimits{p.modelID: p.limits}
}

type bedrockInvokeBody struct {
	AnthropicVersion string             `json:"anthropic_version"`
	MaxTokens        int                `json:"max_tokens"`
	Temperature      float64            `json:"temperature"`
	System           string             `json:"system"`
	Messages         []bedrockMessage   `json:"messages"`
}

type bedrockMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type bedrockInvokeResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
}

func (p *BedrockProvider) Analyze(ctx context.Context, prompt string) (Advice, error) {
	maxTokens := p.limits.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 1024
	}

	body := bedrockInvokeBody{
		AnthropicVersion: "bedrock-2023-05-31",
		MaxTokens:        maxTokens,
		Temperature:      p.limits.Temperature,
		System:           systemDirective,
		Messages:         []bedrockMessage{{Role: "user", Content: prompt}},
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return Advice{}, fmt.Errorf("errorscope: marshaling bedrock request: %w", err)
	}

	out, err := p.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     &p.modelID,
		ContentType: strPtr("application/json"),
		Accept:      strPtr("application/json"),
		Body:        payload,
	})
	if err != nil {
		return Advice{}, err
	}

	var resp bedrockInvokeResponse
	if err := json.Unmarshal(out.Body, &resp); err != nil || len(resp.Content) == 0 {
		return Advice{}, ErrMalformedResponse
	}

	return ParseAdvice(resp.Content[0].Text)
}

func strPtr(s string) *string { return &s }
