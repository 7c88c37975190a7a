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
	"strings"

	"github.com/pkoukk/tiktoken-go"

	"github.com/jordigilh/errorscope/pkg/httpclient"
)

const systemDirective = "You are a root-cause analysis assistant. Respond with a single JSON object " +
	"with fields summary, rootCause, remediation (array of strings), confidence (0-1), and " +
	"optionally relatedPatterns (array of strings). Respond with JSON only, no prose."

// OpenAIProvider implements Provider against OpenAI's chat-completions
// endpoint shape.
type OpenAIProvider struct {
	client      *httpclient.Client
	apiKey      func() (string, error)
	baseURL     string
	model       string
	limits      ModelLimits
	encoding    *tiktoken.Tiktoken
}

// NewOpenAI builds an OpenAIProvider. apiKey is resolved lazily on every
// call so credential rotation takes effect without reconstructing the
// provider.
func NewOpenAI(client *httpclient.Client, baseURL, model string, limits ModelLimits, apiKey func() (string, error)) *OpenAIProvider {
	enc, _ := tiktoken.GetEncoding("cl100k_base")
	return &OpenAIProvider{
		client:   client,
		apiKey:   apiKey,
		baseURL:  strings.TrimSuffix(baseURL, "/"),
		model:    model,
		limits:   limits,
		encoding: enc,
	}
}

func (p *OpenAIProvider) Name() string { return "openai" }

func (p *OpenAIProvider) Models() map[string]ModelLimits {
	return map[string]ModelLimits{p.model: p.limits}
}

// truncateToTokenBudget trims prompt so its token count (estimated via
// tiktoken-go) stays within the model's declared max, client-side, rather
// than letting an oversized stack trace be rejected upstream.
func (p *OpenAIProvider) truncateToTokenBudget(prompt string) string {
	if p.encoding == nil || p.limits.MaxTokens <= 0 {
		return prompt
	}
	tokens := p.encoding.Encode(prompt, nil, nil)
	if len(tokens) <= p.limits.MaxTokens {
		return prompt
	}
	return p.encoding.Decode(tokens[:p.limits.MaxTokens])
}

type openAIChatRequest struct {
	Model          string               `json:"model"`
	Messages       []openAIChatMessage  `json:"messages"`
	Temperature    float64              `json:"temperature"`
	TopP           float64              `json:"top_p"`
	ResponseFormat openAIResponseFormat `json:"response_format"`
}

type openAIChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIResponseFormat struct {
	Type string `json:"type"`
}

type openAIChatResponse struct {
	Choices []struct {
		Message openAIChatMessage `json:"message"`
	} `json:"choices"`
}

func (p *OpenAIProvider) Analyze(ctx context.Context, prompt string) (Advice, error) {
	key, err := p.apiKey()
	if err != nil {
		return Advice{}, err
	}

	reqBody := openAIChatRequest{
		Model: p.model,
		Messages: []openAIChatMessage{
			{Role: "system", Content: systemDirective},
			{Role: "user", Content: p.truncateToTokenBudget(prompt)},
		},
		Temperature:    p.limits.Temperature,
		TopP:           p.limits.TopP,
		ResponseFormat: openAIResponseFormat{Type: "json_object"},
	}
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return Advice{}, fmt.Errorf("errorscope: marshaling openai request: %w", err)
	}

	headers := map[string][]string{
		"Content-Type":  {"application/json"},
		"Authorization": {"Bearer " + key},
	}
	resp, err := p.client.Post(ctx, p.baseURL+"/v1/chat/completions", payload, headers)
	if err != nil {
		return Advice{}, err
	}

	var chat openAIChatResponse
	if err := json.Unmarshal(resp.Body, &chat); err != nil || len(chat.Choices) == 0 {
		return Advice{}, ErrMalformedResponse
	}

	return ParseAdvice(chat.Choices[0].Message.Content)
}
