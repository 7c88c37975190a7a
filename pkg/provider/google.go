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

	"github.com/jordigilh/errorscope/pkg/httpclient"
)

// GoogleProvider implements Provider against the Gemini generateContent
// REST endpoint. Unlike AnthropicProvider it goes through the package's
// own retrying httpclient, since Gemini's key is a simple query-string
// API key rather than a signed request.
type GoogleProvider struct {
	client  *httpclient.Client
	apiKey  func() (string, error)
	baseURL string
	model   string
	limits  ModelLimits
}

// NewGoogle builds a GoogleProvider.
func NewGoogle(client *httpclient.Client, baseURL, model string, limits ModelLimits, apiKey func() (string, error)) *GoogleProvider {
	return &GoogleProvider{client: client, apiKey: apiKey, baseURL: baseURL, model: model, limits: limits}
}

func (p *GoogleProvider) Name() string { return "google" }

func (p *GoogleProvider) Models() map[string]ModelLimits {
	return map[string]ModelLimits{p.model: p.limits}
}

type geminiRequest struct {
	Contents         []geminiContent        `json:"contents"`
	SystemInstruction geminiContent         `json:"systemInstruction"`
	GenerationConfig geminiGenerationConfig `json:"generationConfig"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiGenerationConfig struct {
	Temperature      float64 `json:"temperature"`
	TopP             float64 `json:"topP"`
	MaxOutputTokens  int     `json:"maxOutputTokens"`
	ResponseMimeType string  `json:"responseMimeType"`
}

type geminiResponse struct {
	Candidates []struct {
		Content geminiContent `json:"content"`
	} `json:"candidates"`
}

func (p *GoogleProvider) Analyze(ctx context.Context, prompt string) (Advice, error) {
	key, err := p.apiKey()
	if err != nil {
		return Advice{}, err
	}

	reqBody := geminiRequest{
		Contents:          []geminiContent{{Role: "user", Parts: []geminiPart{{Text: prompt}}}},
		SystemInstruction: geminiContent{Parts: []geminiPart{{Text: systemDirective}}},
		GenerationConfig: geminiGenerationConfig{
			Temperature:      p.limits.Temperature,
			TopP:             p.limits.TopP,
			MaxOutputTokens:  p.limits.MaxTokens,
			ResponseMimeType: "application/json",
		},
	}
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return Advice{}, fmt.Errorf("errorscope: marshaling google request: %w", err)
	}

	url := fmt.Sprintf("%s/v1beta/models/%s:generateContent?key=%s", p.baseURL, p.model, key)
	headers := map[string][]string{"Content-Type": {"application/json"}}

	resp, err := p.client.Post(ctx, url, payload, headers)
	if err != nil {
		return Advice{}, err
	}

	var gr geminiResponse
	if err := json.Unmarshal(resp.Body, &gr); err != nil || len(gr.Candidates) == 0 || len(gr.Candidates[0].Content.Parts) == 0 {
		return Advice{}, ErrMalformedResponse
	}

	return ParseAdvice(gr.Candidates[0].Content.Parts[0].Text)
}
