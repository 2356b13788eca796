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

package orchestrator

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// AgentConfigFile represents a complete agent configuration file
// following the Kubernetes-style apiVersion/kind pattern
type AgentConfigFile struct {
	APIVersion string          `yaml:"apiVersion"`
	Kind       string          `yaml:"kind"`
	Metadata   AgentMetadata   `yaml:"metadata"`
	Spec       AgentConfigSpec `yaml:"spec"`
}

// AgentMetadata contains identification and description for the config
type AgentMetadata struct {
	Name        string `yaml:"name"`
	Domain      string `yaml:"domain"`
	Description string `yaml:"description"`
}

// AgentConfigSpec defines a domain's agents and routing rules
type AgentConfigSpec struct {
	Agents       []AgentDef    `yaml:"agents"`
	Routing      []RoutingRule `yaml:"routing"`
	DefaultAgent string        `yaml:"default_agent"`
}

// AgentDef defines a single agent: its prompt, model, permitted tools,
// guardrails, and the behaviors the coordinator enforces post-run
type AgentDef struct {
	Name              string          `yaml:"name"`
	Description       string          `yaml:"description"`
	PromptTemplate    string          `yaml:"prompt_template"`
	LLM               *LLMAgentConfig `yaml:"llm,omitempty"`
	Tools             []string        `yaml:"tools,omitempty"`
	Guardrails        []string        `yaml:"guardrails,omitempty"`
	RequiredBehaviors []string        `yaml:"required_behaviors,omitempty"`
}

// LLMAgentConfig specifies LLM settings for an agent
type LLMAgentConfig struct {
	Provider    string  `yaml:"provider"`    // anthropic, bedrock
	Model       string  `yaml:"model"`       // claude-3-5-sonnet, etc.
	Temperature float64 `yaml:"temperature"` // 0.0 - 1.0
	MaxTokens   int     `yaml:"max_tokens"`  // Maximum response tokens
}

// RoutingRule maps question keywords to an agent. Rules are evaluated in
// priority order; the first rule with any keyword present in the
// lowercased question wins.
type RoutingRule struct {
	Keywords []string `yaml:"keywords"`
	Agent    string   `yaml:"agent"`
	Priority int      `yaml:"priority,omitempty"`
}

// Configuration constants
const (
	// MaxLLMTemperature is the maximum allowed temperature for LLM calls
	MaxLLMTemperature = 2.0

	// DefaultMaxTokens is used when an agent omits max_tokens
	DefaultMaxTokens = 2048

	// expectedKind is the only config kind this service loads
	expectedKind = "AgentConfig"
)

// LoadAgentConfig loads and validates a single YAML config file
func LoadAgentConfig(path string) (*AgentConfigFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config AgentConfigFile
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := ValidateAgentConfig(&config); err != nil {
		return nil, err
	}

	return &config, nil
}

// ValidateAgentConfig checks structural validity of a parsed config
func ValidateAgentConfig(config *AgentConfigFile) error {
	if config.Kind != expectedKind {
		return fmt.Errorf("unexpected kind %q, want %q", config.Kind, expectedKind)
	}
	if config.Metadata.Domain == "" {
		return fmt.Errorf("metadata.domain is required")
	}
	if len(config.Spec.Agents) == 0 {
		return fmt.Errorf("spec.agents must not be empty")
	}

	names := make(map[string]bool)
	for i := range config.Spec.Agents {
		agent := &config.Spec.Agents[i]
		if agent.Name == "" {
			return fmt.Errorf("agent %d: name is required", i)
		}
		if names[agent.Name] {
			return fmt.Errorf("duplicate agent name %q", agent.Name)
		}
		names[agent.Name] = true

		if agent.PromptTemplate == "" {
			return fmt.Errorf("agent %q: prompt_template is required", agent.Name)
		}
		if agent.LLM != nil {
			if agent.LLM.Provider == "" {
				return fmt.Errorf("agent %q: llm.provider is required", agent.Name)
			}
			if agent.LLM.Temperature < 0 || agent.LLM.Temperature > MaxLLMTemperature {
				return fmt.Errorf("agent %q: llm.temperature %.2f out of range [0, %.1f]",
					agent.Name, agent.LLM.Temperature, MaxLLMTemperature)
			}
		}
	}

	for i, rule := range config.Spec.Routing {
		if len(rule.Keywords) == 0 {
			return fmt.Errorf("routing rule %d: keywords must not be empty", i)
		}
		if rule.Agent == "" {
			return fmt.Errorf("routing rule %d: agent is required", i)
		}
		if !names[rule.Agent] {
			return fmt.Errorf("routing rule %d: unknown agent %q", i, rule.Agent)
		}
	}

	if config.Spec.DefaultAgent != "" && !names[config.Spec.DefaultAgent] {
		return fmt.Errorf("default_agent %q is not a defined agent", config.Spec.DefaultAgent)
	}

	return nil
}

// MaxTokens returns the configured token limit or the default
func (a *AgentDef) MaxTokens() int {
	if a.LLM != nil && a.LLM.MaxTokens > 0 {
		return a.LLM.MaxTokens
	}
	return DefaultMaxTokens
}

// Matches reports whether any of the rule's keywords appears in the
// lowercased question
func (r *RoutingRule) Matches(questionLower string) bool {
	for _, kw := range r.Keywords {
		if kw != "" && strings.Contains(questionLower, strings.ToLower(kw)) {
			return true
		}
	}
	return false
}
