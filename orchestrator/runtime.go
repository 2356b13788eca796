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
	"encoding/json"
	"fmt"
	"strings"

	"digbigpt/platform/orchestrator/llm"
	"digbigpt/platform/shared/logger"
)

// LLMRuntime is the production AgentRuntime: it executes the agent's
// permitted tools, composes a prompt from the turn list, calls the
// configured LLM provider, and evaluates the agent's guardrails on the
// redacted output.
//
// Tool turns already present in the input are not re-executed. This is
// what makes full-history replay cheap: the retried run sees the prior
// tool results verbatim instead of hitting the warehouse again.
type LLMRuntime struct {
	tools           *ToolRegistry
	guardrails      GuardrailSet
	providers       *llm.Registry
	redactor        *PHIRedactor
	defaultProvider string
	log             *logger.Logger
}

// NewLLMRuntime wires the runtime from its explicit capability set.
// defaultProvider names the llm.Registry entry used when an agent's
// config does not pick one.
func NewLLMRuntime(tools *ToolRegistry, guardrails GuardrailSet, providers *llm.Registry, defaultProvider string) *LLMRuntime {
	return &LLMRuntime{
		tools:           tools,
		guardrails:      guardrails,
		providers:       providers,
		redactor:        NewPHIRedactor(),
		defaultProvider: defaultProvider,
		log:             logger.New("agent-runtime"),
	}
}

// Invoke executes one agent run over the given turn list.
// See AgentRuntime for the error contract.
func (r *LLMRuntime) Invoke(ctx context.Context, agent *AgentDef, mctx *ModelContext, turns []Turn) (*RunRecord, error) {
	working := make([]Turn, len(turns))
	copy(working, turns)

	working, err := r.executeTools(ctx, agent, mctx, working)
	if err != nil {
		return nil, err
	}

	output, err := r.complete(ctx, agent, working)
	if err != nil {
		return nil, err
	}
	output = r.redactor.RedactText(output)

	working = append(working, AssistantTurn(output))

	// The trace must be captured before guardrail evaluation so a trip
	// still leaves replayable turns behind.
	mctx.RecordRunTurns(working)

	if trip := r.evaluateGuardrails(agent, output, mctx, working); trip != nil {
		return nil, trip
	}

	return NewRunRecord(agent.Name, working, output), nil
}

// executeTools runs each of the agent's permitted tools that has not
// already produced a tool turn in the input, appending the results.
func (r *LLMRuntime) executeTools(ctx context.Context, agent *AgentDef, mctx *ModelContext, working []Turn) ([]Turn, error) {
	for _, name := range agent.Tools {
		if hasToolTurn(working, name) {
			continue
		}

		tool, ok := r.tools.Lookup(name)
		if !ok {
			return nil, &ConfigurationError{AgentID: agent.Name, Reason: fmt.Sprintf("unknown tool %q", name)}
		}

		args := ToolArgs{
			"question":   mctx.Query,
			"user_token": mctx.UserToken,
		}
		for k, v := range mctx.ToolParams() {
			args[k] = v
		}

		table, err := tool.Call(ctx, args)
		if err != nil {
			return nil, fmt.Errorf("tool %q failed: %w", name, err)
		}

		table = r.redactor.RedactTable(table)
		mctx.RecordTable(tool.Name(), table)

		result, err := json.Marshal(table)
		if err != nil {
			return nil, fmt.Errorf("tool %q result encoding failed: %w", name, err)
		}
		working = append(working, ToolTurn(tool.Name(), tool.Type(), string(result)))
	}
	return working, nil
}

// complete renders the turn list into a prompt and calls the agent's
// configured provider.
func (r *LLMRuntime) complete(ctx context.Context, agent *AgentDef, working []Turn) (string, error) {
	providerName := r.defaultProvider
	var model string
	var temperature float64
	if agent.LLM != nil {
		if agent.LLM.Provider != "" {
			providerName = agent.LLM.Provider
		}
		model = agent.LLM.Model
		temperature = agent.LLM.Temperature
	}

	provider, err := r.providers.Get(providerName)
	if err != nil {
		return "", &ConfigurationError{AgentID: agent.Name, Reason: err.Error()}
	}

	resp, err := provider.Complete(ctx, llm.CompletionRequest{
		Prompt:       renderTurns(working),
		SystemPrompt: agent.PromptTemplate,
		Model:        model,
		Temperature:  temperature,
		MaxTokens:    agent.MaxTokens(),
	})
	if err != nil {
		return "", fmt.Errorf("llm completion failed: %w", err)
	}
	return resp.Content, nil
}

// evaluateGuardrails applies the agent's configured guardrails in config
// order and converts the first failing verdict into a trip.
func (r *LLMRuntime) evaluateGuardrails(agent *AgentDef, output string, mctx *ModelContext, working []Turn) *GuardrailTrip {
	for _, name := range agent.Guardrails {
		guardrail, ok := r.guardrails[name]
		if !ok {
			// Unknown names are rejected at startup; a miss here means the
			// set and the registry were built from different config trees.
			r.log.Warn(mctx.UserToken, mctx.ContextID, "Skipping unknown guardrail",
				map[string]interface{}{"agent": agent.Name, "guardrail": name})
			continue
		}

		verdict := guardrail.Evaluate(output, mctx)
		if !verdict.Tripped {
			continue
		}

		trace := make([]Turn, len(working))
		copy(trace, working)
		return &GuardrailTrip{
			Guardrail: guardrail.Name(),
			Reason:    verdict.Reason,
			Excerpt:   verdict.Excerpt,
			Guidance:  guardrail.Guidance(),
			Turns:     trace,
		}
	}
	return nil
}

// hasToolTurn reports whether a tool turn for the named tool already
// exists in the turn list
func hasToolTurn(turns []Turn, name string) bool {
	for _, t := range turns {
		if t.Role == TurnRoleTool && t.ToolName == name {
			return true
		}
	}
	return false
}

// renderTurns flattens a turn list into the user-prompt text sent to the
// provider. Tool results are labeled so the model can cite them.
func renderTurns(turns []Turn) string {
	var b strings.Builder
	for _, t := range turns {
		switch t.Role {
		case TurnRoleTool:
			fmt.Fprintf(&b, "[tool %s result]\n%s\n\n", t.ToolName, t.ToolResult)
		case TurnRoleSystem:
			fmt.Fprintf(&b, "[instruction]\n%s\n\n", t.Content)
		default:
			fmt.Fprintf(&b, "[%s]\n%s\n\n", t.Role, t.Content)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}
