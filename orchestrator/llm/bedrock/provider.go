// Copyright 2025 Digbi Health
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package bedrock provides an LLM provider implementation for AWS
// Bedrock managed models using AWS SDK v2. Requests are signed with AWS
// Signature V4 via IAM roles; no API key handling is needed.
package bedrock

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"

	"digbigpt/platform/orchestrator/llm"
)

const (
	// DefaultModel is the default Bedrock model identifier
	DefaultModel = "anthropic.claude-3-5-sonnet-20241022-v2:0"

	// DefaultMaxTokens is the default max tokens for completions
	DefaultMaxTokens = 4096
)

// InvokeAPI is the subset of the Bedrock runtime client the provider
// uses (enables testing)
type InvokeAPI interface {
	InvokeModel(ctx context.Context, params *bedrockruntime.InvokeModelInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelOutput, error)
}

// Provider implements llm.Provider for AWS Bedrock
type Provider struct {
	client  InvokeAPI
	region  string
	model   string
	healthy bool
	mu      sync.RWMutex
}

// Config contains configuration for the Bedrock provider
type Config struct {
	Region string    // Required: AWS region
	Model  string    // Optional: default model identifier
	Client InvokeAPI // Optional: custom client for tests
}

// NewProvider creates a new Bedrock provider instance. When no client is
// supplied, AWS credentials are resolved from the default chain.
func NewProvider(ctx context.Context, cfg Config) (*Provider, error) {
	if cfg.Region == "" {
		return nil, fmt.Errorf("bedrock region is required")
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}

	client := cfg.Client
	if client == nil {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
		if err != nil {
			return nil, fmt.Errorf("failed to load AWS config: %w", err)
		}
		client = bedrockruntime.NewFromConfig(awsCfg)
	}

	return &Provider{
		client:  client,
		region:  cfg.Region,
		model:   cfg.Model,
		healthy: true,
	}, nil
}

// Name returns the provider name
func (p *Provider) Name() string { return "bedrock" }

// Type returns the provider type
func (p *Provider) Type() llm.ProviderType { return llm.ProviderTypeBedrock }

// IsHealthy returns whether the provider is healthy
func (p *Provider) IsHealthy() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.healthy
}

func (p *Provider) setHealthy(healthy bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.healthy = healthy
}

// Complete generates a completion via InvokeModel
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	start := time.Now()

	model := req.Model
	if model == "" {
		model = p.model
	}

	requestBody, err := p.buildRequestBody(req, model)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}

	requestJSON, err := json.Marshal(requestBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	output, err := p.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(model),
		Body:        requestJSON,
		ContentType: aws.String("application/json"),
		Accept:      aws.String("application/json"),
	})
	if err != nil {
		p.setHealthy(false)
		return nil, fmt.Errorf("bedrock API error: %w", err)
	}
	p.setHealthy(true)

	resp, err := p.parseResponseBody(output.Body, model)
	if err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}

	resp.Model = model
	resp.Latency = time.Since(start)
	return resp, nil
}

// buildRequestBody builds the request body based on model family
func (p *Provider) buildRequestBody(req llm.CompletionRequest, model string) (map[string]interface{}, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}

	switch detectModelFamily(model) {
	case "anthropic":
		body := map[string]interface{}{
			"anthropic_version": "bedrock-2023-05-31",
			"max_tokens":        maxTokens,
			"temperature":       req.Temperature,
			"messages": []map[string]string{
				{"role": "user", "content": req.Prompt},
			},
		}
		if req.SystemPrompt != "" {
			body["system"] = req.SystemPrompt
		}
		return body, nil
	case "amazon":
		return map[string]interface{}{
			"inputText": req.Prompt,
			"textGenerationConfig": map[string]interface{}{
				"maxTokenCount": maxTokens,
				"temperature":   req.Temperature,
			},
		}, nil
	default:
		return nil, fmt.Errorf("unsupported bedrock model family for %q", model)
	}
}

// anthropicBody is the Bedrock response shape for Anthropic models
type anthropicBody struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// titanBody is the Bedrock response shape for Amazon Titan models
type titanBody struct {
	Results []struct {
		OutputText       string `json:"outputText"`
		CompletionReason string `json:"completionReason"`
		TokenCount       int    `json:"tokenCount"`
	} `json:"results"`
	InputTextTokenCount int `json:"inputTextTokenCount"`
}

// parseResponseBody parses the response based on model family
func (p *Provider) parseResponseBody(body []byte, model string) (*llm.CompletionResponse, error) {
	switch detectModelFamily(model) {
	case "anthropic":
		var parsed anthropicBody
		if err := json.Unmarshal(body, &parsed); err != nil {
			return nil, err
		}
		var content strings.Builder
		for _, block := range parsed.Content {
			if block.Type == "text" {
				content.WriteString(block.Text)
			}
		}
		return &llm.CompletionResponse{
			Content:      content.String(),
			FinishReason: parsed.StopReason,
			Usage: llm.UsageStats{
				PromptTokens:     parsed.Usage.InputTokens,
				CompletionTokens: parsed.Usage.OutputTokens,
				TotalTokens:      parsed.Usage.InputTokens + parsed.Usage.OutputTokens,
			},
		}, nil
	case "amazon":
		var parsed titanBody
		if err := json.Unmarshal(body, &parsed); err != nil {
			return nil, err
		}
		if len(parsed.Results) == 0 {
			return nil, fmt.Errorf("empty titan response")
		}
		return &llm.CompletionResponse{
			Content:      parsed.Results[0].OutputText,
			FinishReason: parsed.Results[0].CompletionReason,
			Usage: llm.UsageStats{
				PromptTokens:     parsed.InputTextTokenCount,
				CompletionTokens: parsed.Results[0].TokenCount,
				TotalTokens:      parsed.InputTextTokenCount + parsed.Results[0].TokenCount,
			},
		}, nil
	default:
		return nil, fmt.Errorf("unsupported bedrock model family for %q", model)
	}
}

// detectModelFamily identifies the model family from a Bedrock model ID
func detectModelFamily(model string) string {
	switch {
	case strings.HasPrefix(model, "anthropic."), strings.Contains(model, ".anthropic."):
		return "anthropic"
	case strings.HasPrefix(model, "amazon."), strings.Contains(model, ".amazon."):
		return "amazon"
	default:
		return "unknown"
	}
}
