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
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// AgentRegistry manages agent configurations with thread-safe access and
// keyword-based query routing. Configurations are loaded from a directory
// of YAML files and can be hot-reloaded.
type AgentRegistry struct {
	configs      map[string]*AgentConfigFile // domain -> config
	agents       map[string]*AgentDef        // agent name -> definition
	routing      []RoutingRule               // merged, sorted by priority desc
	defaultAgent string
	configDir    string
	lastReload   time.Time
	reloadCount  int64
	mu           sync.RWMutex
}

// RegistryStats provides statistics about the registry
type RegistryStats struct {
	DomainCount  int       `json:"domain_count"`
	AgentCount   int       `json:"agent_count"`
	RoutingRules int       `json:"routing_rules"`
	ConfigDir    string    `json:"config_dir"`
	LastReload   time.Time `json:"last_reload"`
	ReloadCount  int64     `json:"reload_count"`
	DefaultAgent string    `json:"default_agent"`
}

// NewAgentRegistry creates an empty registry
func NewAgentRegistry() *AgentRegistry {
	return &AgentRegistry{
		configs: make(map[string]*AgentConfigFile),
		agents:  make(map[string]*AgentDef),
	}
}

// LoadFromDirectory loads all YAML agent configurations from a directory
func (r *AgentRegistry) LoadFromDirectory(dir string) error {
	return r.LoadFromDirectoryWithContext(context.Background(), dir)
}

// LoadFromDirectoryWithContext loads configurations with cancellation
// support. The registry swaps state atomically: a failed load leaves the
// previous configuration untouched.
func (r *AgentRegistry) LoadFromDirectoryWithContext(ctx context.Context, dir string) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	if dir == "" {
		return fmt.Errorf("directory path cannot be empty")
	}

	info, err := os.Stat(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("directory does not exist: %s", dir)
		}
		return fmt.Errorf("failed to access directory %s: %w", dir, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("path is not a directory: %s", dir)
	}

	files, err := findYAMLFiles(dir)
	if err != nil {
		return fmt.Errorf("failed to scan directory: %w", err)
	}

	newConfigs := make(map[string]*AgentConfigFile)
	newAgents := make(map[string]*AgentDef)
	var allRules []RoutingRule
	defaultAgent := ""

	for _, file := range files {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		config, err := LoadAgentConfig(file)
		if err != nil {
			return fmt.Errorf("failed to load config %s: %w", file, err)
		}

		domain := config.Metadata.Domain
		if _, exists := newConfigs[domain]; exists {
			return fmt.Errorf("duplicate domain %q found in %s", domain, file)
		}
		newConfigs[domain] = config

		for i := range config.Spec.Agents {
			agent := &config.Spec.Agents[i]
			if _, exists := newAgents[agent.Name]; exists {
				return fmt.Errorf("agent %q defined in multiple domains", agent.Name)
			}
			newAgents[agent.Name] = agent
		}

		allRules = append(allRules, config.Spec.Routing...)

		if config.Spec.DefaultAgent != "" {
			if defaultAgent != "" && defaultAgent != config.Spec.DefaultAgent {
				return fmt.Errorf("conflicting default agents %q and %q", defaultAgent, config.Spec.DefaultAgent)
			}
			defaultAgent = config.Spec.DefaultAgent
		}
	}

	// Higher priority rules match first.
	sort.SliceStable(allRules, func(i, j int) bool {
		return allRules[i].Priority > allRules[j].Priority
	})

	r.mu.Lock()
	r.configDir = dir
	r.configs = newConfigs
	r.agents = newAgents
	r.routing = allRules
	r.defaultAgent = defaultAgent
	r.lastReload = time.Now()
	atomic.AddInt64(&r.reloadCount, 1)
	r.mu.Unlock()

	return nil
}

// Reload re-reads the directory the registry was last loaded from
func (r *AgentRegistry) Reload(ctx context.Context) error {
	r.mu.RLock()
	dir := r.configDir
	r.mu.RUnlock()
	if dir == "" {
		return fmt.Errorf("registry has not been loaded yet")
	}
	return r.LoadFromDirectoryWithContext(ctx, dir)
}

// ResolveAgent returns the definition for an agent identifier.
// Unknown identifiers fail with *ConfigurationError before any run
// occurs.
func (r *AgentRegistry) ResolveAgent(agentID string) (*AgentDef, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	agent, ok := r.agents[agentID]
	if !ok {
		return nil, &ConfigurationError{AgentID: agentID, Reason: "unknown agent"}
	}
	return agent, nil
}

// RouteQuery selects the agent for a natural-language question by keyword
// matching. Falls back to the configured default agent when no rule
// matches.
func (r *AgentRegistry) RouteQuery(question string) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	questionLower := strings.ToLower(question)
	for _, rule := range r.routing {
		if rule.Matches(questionLower) {
			return rule.Agent, nil
		}
	}

	if r.defaultAgent == "" {
		return "", &ConfigurationError{Reason: "no routing rule matched and no default agent configured"}
	}
	return r.defaultAgent, nil
}

// ListAgents returns agent names in sorted order
func (r *AgentRegistry) ListAgents() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.agents))
	for name := range r.agents {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Stats returns registry statistics for the health endpoint
func (r *AgentRegistry) Stats() RegistryStats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return RegistryStats{
		DomainCount:  len(r.configs),
		AgentCount:   len(r.agents),
		RoutingRules: len(r.routing),
		ConfigDir:    r.configDir,
		LastReload:   r.lastReload,
		ReloadCount:  atomic.LoadInt64(&r.reloadCount),
		DefaultAgent: r.defaultAgent,
	}
}

// findYAMLFiles returns the sorted YAML files directly inside dir
func findYAMLFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var files []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext == ".yaml" || ext == ".yml" {
			files = append(files, filepath.Join(dir, entry.Name()))
		}
	}
	sort.Strings(files)
	return files, nil
}
