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
	"sort"
)

// Table is a columns/rows result returned by data-fetch tools and carried
// through to the API response.
type Table struct {
	Columns []string `json:"columns"`
	Rows    [][]any  `json:"rows"`
}

// EmptyTable returns a table with no columns or rows, the shape the API
// returns when an agent produced a text-only answer
func EmptyTable() *Table {
	return &Table{Columns: []string{}, Rows: [][]any{}}
}

// ToolArgs carries named arguments into a tool call
type ToolArgs map[string]any

// Tool is a callable data-fetch function an agent may invoke during a run.
// Tools are thin wrappers over external data sources; they hold no
// conversation state.
type Tool interface {
	// Name is the unique tool identifier agents reference in config.
	Name() string

	// Type is the tool category recorded as a trace marker on tool turns
	// (e.g. "claims_sql", "file_search"). Required-behavior predicates
	// match against this value.
	Type() string

	// Call executes the tool and returns its result table.
	Call(ctx context.Context, args ToolArgs) (*Table, error)
}

// ToolRegistry is the immutable name -> tool mapping built once at process
// startup and passed explicitly into the agent runtime. There is no
// self-registration: every tool is listed at the construction site.
type ToolRegistry struct {
	tools map[string]Tool
}

// NewToolRegistry builds a registry from an explicit tool list.
// Duplicate names are a startup configuration error.
func NewToolRegistry(tools ...Tool) (*ToolRegistry, error) {
	m := make(map[string]Tool, len(tools))
	for _, t := range tools {
		if t.Name() == "" {
			return nil, fmt.Errorf("tool with empty name")
		}
		if _, exists := m[t.Name()]; exists {
			return nil, fmt.Errorf("duplicate tool name %q", t.Name())
		}
		m[t.Name()] = t
	}
	return &ToolRegistry{tools: m}, nil
}

// Lookup returns the tool registered under name
func (r *ToolRegistry) Lookup(name string) (Tool, bool) {
	t, ok := r.tools[name]
	return t, ok
}

// Names returns the registered tool names in sorted order
func (r *ToolRegistry) Names() []string {
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ToolTypeFileSearch is the trace marker for knowledge-base lookups.
// The knowledge-base required behavior checks for this type.
const ToolTypeFileSearch = "file_search"

// KnowledgeBaseSearchFunc performs a knowledge-base search and returns
// matching passages. Implementations wrap whatever vector or file store
// the deployment uses.
type KnowledgeBaseSearchFunc func(ctx context.Context, query string) ([]string, error)

// kbSearchTool exposes a knowledge-base search as a tool so runs leave a
// file_search trace marker the coordinator can check.
type kbSearchTool struct {
	search KnowledgeBaseSearchFunc
}

// NewKnowledgeBaseTool wraps a search function as the file_search tool
func NewKnowledgeBaseTool(search KnowledgeBaseSearchFunc) Tool {
	return &kbSearchTool{search: search}
}

func (t *kbSearchTool) Name() string { return "file_search" }
func (t *kbSearchTool) Type() string { return ToolTypeFileSearch }

func (t *kbSearchTool) Call(ctx context.Context, args ToolArgs) (*Table, error) {
	query, _ := args["question"].(string)
	passages, err := t.search(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("knowledge-base search failed: %w", err)
	}

	table := &Table{Columns: []string{"passage"}}
	for _, p := range passages {
		table.Rows = append(table.Rows, []any{p})
	}
	return table, nil
}

// argString reads a string argument with a default
func argString(args ToolArgs, key, def string) string {
	if v, ok := args[key].(string); ok && v != "" {
		return v
	}
	return def
}

// argInt reads an integer argument with a default, accepting the float64
// values JSON decoding produces
func argInt(args ToolArgs, key string, def int) int {
	switch v := args[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return def
	}
}
