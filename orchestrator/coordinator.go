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
	"errors"
	"fmt"
	"sort"
	"sync"

	"digbigpt/platform/shared/logger"
)

// BehaviorCategory orders corrective guidance deterministically when
// several required behaviors fail on the same run. Tool-usage guidance
// always precedes content guidance.
type BehaviorCategory int

const (
	BehaviorCategoryToolUsage BehaviorCategory = iota
	BehaviorCategoryContent
)

// RequiredBehavior is a post-run policy check supplied by the caller.
// Check inspects the completed RunRecord; Guidance is the corrective
// instruction appended to the replay payload when the check fails.
type RequiredBehavior struct {
	Name     string
	Category BehaviorCategory
	Check    func(*RunRecord) bool
	Guidance string
}

// RequireToolUsage builds the standard knowledge-base style behavior:
// the run must contain at least one tool turn of the given type.
func RequireToolUsage(toolType, guidance string) RequiredBehavior {
	return RequiredBehavior{
		Name:     "tool_usage_" + toolType,
		Category: BehaviorCategoryToolUsage,
		Check: func(rec *RunRecord) bool {
			return rec.UsedToolType(toolType)
		},
		Guidance: guidance,
	}
}

// KnowledgeBaseGuidance is the corrective instruction appended when a run
// skipped the knowledge-base search. Mirrors the guidance the production
// prompt set uses.
const KnowledgeBaseGuidance = "Before finalizing your answer, perform a knowledge-base search " +
	"using the file_search tool so your response reflects the latest KB context."

// AgentRuntime executes one agent run. The coordinator treats it as an
// opaque capability: prompt templating, the LLM call, and tool execution
// happen behind this interface.
//
// Invoke returns the completed RunRecord, or a *GuardrailTrip when a
// content check failed, or any other error for upstream runtime failures.
// Implementations record the run's turn list into the ModelContext scratch
// area before returning, including on a guardrail trip.
type AgentRuntime interface {
	Invoke(ctx context.Context, agent *AgentDef, mctx *ModelContext, turns []Turn) (*RunRecord, error)
}

// AgentResolver resolves an agent identifier to its definition.
// Satisfied by *AgentRegistry.
type AgentResolver interface {
	ResolveAgent(agentID string) (*AgentDef, error)
}

// FinalResult is the settled outcome of Execute.
type FinalResult struct {
	// Text is the settled answer.
	Text string `json:"text"`

	// AgentUsed is the agent that produced the settled answer.
	AgentUsed string `json:"agent_used"`

	// CorrectiveRetryApplied is true when any corrective retry was issued.
	CorrectiveRetryApplied bool `json:"corrective_retry_applied"`

	// RetrySucceeded is true when a corrective retry was issued and the
	// retried run cleared the defect that triggered it.
	RetrySucceeded bool `json:"retry_succeeded"`

	// Record is the run record behind Text.
	Record *RunRecord `json:"-"`
}

// Coordinator executes one agent invocation, inspects the result for
// required-behavior defects and guardrail trips, and issues at most one
// corrective retry per defect category.
//
// Replay strategies:
//
//   - full-history replay (missing required behavior): the retry input is
//     the entire prior turn list verbatim plus exactly one appended system
//     message carrying the corrective guidance. Context is preserved so
//     the agent does not repeat already-completed tool work.
//
//   - latest-turn replay (guardrail trip): the retry input is only the
//     latest user turn and the latest assistant output plus one corrective
//     system message. Tool history is irrelevant to fixing a content
//     violation and resending it only inflates context size.
//
// The coordinator holds no mutable state across requests; it is safe for
// concurrent use.
type Coordinator struct {
	resolver AgentResolver
	runtime  AgentRuntime
	metrics  *MetricsCollector
	log      *logger.Logger
}

// NewCoordinator builds a Coordinator over the given resolver and runtime
func NewCoordinator(resolver AgentResolver, runtime AgentRuntime) *Coordinator {
	return &Coordinator{
		resolver: resolver,
		runtime:  runtime,
		log:      logger.New("coordinator"),
	}
}

// WithMetrics attaches a metrics collector. Retry and trip counters stay
// silent when none is attached.
func (c *Coordinator) WithMetrics(m *MetricsCollector) *Coordinator {
	c.metrics = m
	return c
}

// Execute runs the agent once and applies the bounded corrective-retry
// policy. See the Coordinator doc comment for the replay strategies.
//
// Error classes:
//   - *ConfigurationError: unknown agent, returned before any invocation
//   - *InvalidInputError: context missing query or user identity
//   - *GuardrailTrip: the corrective retry also tripped (terminal)
//   - anything else from the runtime is propagated unmodified
func (c *Coordinator) Execute(ctx context.Context, agentID string, mctx *ModelContext, behaviors []RequiredBehavior) (*FinalResult, error) {
	agent, err := c.resolver.ResolveAgent(agentID)
	if err != nil {
		return nil, err
	}
	if mctx == nil {
		return nil, &InvalidInputError{Field: "context"}
	}
	if err := mctx.Validate(); err != nil {
		return nil, err
	}

	input := mctx.InitialTurns()

	var (
		behaviorRetryUsed  bool
		guardrailRetryUsed bool
	)

	for {
		rec, err := c.runtime.Invoke(ctx, agent, mctx, input)
		if err != nil {
			var trip *GuardrailTrip
			if !errors.As(err, &trip) {
				// Upstream runtime failure: not ours to retry.
				return nil, err
			}

			mctx.RecordGuardrailTrip(trip)
			c.metrics.ObserveGuardrailTrip(trip.Guardrail)

			if guardrailRetryUsed {
				// The retry tripped as well. Terminal for this request.
				c.log.Warn(mctx.UserToken, mctx.ContextID, "Guardrail tripped on corrective retry, surfacing failure",
					map[string]interface{}{"agent": agentID, "guardrail": trip.Guardrail})
				return nil, fmt.Errorf("corrective retry failed: %w", trip)
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				// Request cancelled between run and retry.
				return nil, ctxErr
			}

			guardrailRetryUsed = true
			c.metrics.ObserveRetry(RetryCategoryGuardrail)
			input = latestTurnReplay(trip, mctx)
			c.log.Warn(mctx.UserToken, mctx.ContextID, "Guardrail tripped, retrying with latest-turn replay",
				map[string]interface{}{"agent": agentID, "guardrail": trip.Guardrail, "reason": trip.Reason})
			continue
		}

		failing := failingBehaviors(rec, behaviors)
		if len(failing) > 0 && !behaviorRetryUsed {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}

			behaviorRetryUsed = true
			c.metrics.ObserveRetry(RetryCategoryBehavior)
			input = fullHistoryReplay(rec, failing)
			c.log.Info(mctx.UserToken, mctx.ContextID, "Required behavior missing, retrying with full-history replay",
				map[string]interface{}{"agent": agentID, "behaviors": behaviorNames(failing)})
			continue
		}

		retryApplied := behaviorRetryUsed || guardrailRetryUsed
		return &FinalResult{
			Text:                   rec.Output,
			AgentUsed:              agentID,
			CorrectiveRetryApplied: retryApplied,
			RetrySucceeded:         retryApplied && len(failing) == 0,
			Record:                 rec,
		}, nil
	}
}

// branchResult pairs a fan-out branch with its outcome.
type branchResult struct {
	AgentID string
	Result  *FinalResult
	Err     error
}

// ExecuteFanOut dispatches one query to several agents concurrently.
// Each branch receives its own forked ModelContext so run-trace capture
// in one branch cannot collide with a sibling. Results are returned in
// the order of agentIDs.
func (c *Coordinator) ExecuteFanOut(ctx context.Context, agentIDs []string, mctx *ModelContext, behaviors []RequiredBehavior) []branchResult {
	results := make([]branchResult, len(agentIDs))

	var wg sync.WaitGroup
	for i, agentID := range agentIDs {
		wg.Add(1)
		go func(i int, agentID string) {
			defer wg.Done()
			branch := mctx.Fork(agentID)
			res, err := c.Execute(ctx, agentID, branch, behaviors)
			results[i] = branchResult{AgentID: agentID, Result: res, Err: err}
		}(i, agentID)
	}
	wg.Wait()

	return results
}

// failingBehaviors returns the behaviors the record does not satisfy, in
// deterministic order: tool-usage checks first, then content checks, ties
// broken by name.
func failingBehaviors(rec *RunRecord, behaviors []RequiredBehavior) []RequiredBehavior {
	var failing []RequiredBehavior
	for _, b := range behaviors {
		if b.Check != nil && !b.Check(rec) {
			failing = append(failing, b)
		}
	}
	sort.SliceStable(failing, func(i, j int) bool {
		if failing[i].Category != failing[j].Category {
			return failing[i].Category < failing[j].Category
		}
		return failing[i].Name < failing[j].Name
	})
	return failing
}

// fullHistoryReplay copies the prior run's entire turn list verbatim and
// appends exactly one corrective system message concatenating the guidance
// for every failing behavior.
func fullHistoryReplay(rec *RunRecord, failing []RequiredBehavior) []Turn {
	turns := rec.CopyTurns()

	guidance := ""
	for _, b := range failing {
		if guidance != "" {
			guidance += " "
		}
		guidance += b.Guidance
	}

	return append(turns, SystemTurn(guidance))
}

// latestTurnReplay builds the retry input for a guardrail trip: only the
// most recent user turn and the most recent assistant output, then one
// corrective system message. Intermediate tool turns are discarded.
func latestTurnReplay(trip *GuardrailTrip, mctx *ModelContext) []Turn {
	source := trip.Turns
	if len(source) == 0 {
		source = mctx.LastRunTurns()
	}

	var turns []Turn

	if user, ok := lastTurnWithRole(source, TurnRoleUser); ok {
		turns = append(turns, user)
	} else if mctx.Query != "" {
		turns = append(turns, UserTurn(mctx.Query))
	}

	if assistant, ok := lastTurnWithRole(source, TurnRoleAssistant); ok {
		turns = append(turns, assistant)
	} else if trip.Excerpt != "" {
		// The trip blocked the output before it became a turn; replay the
		// offending fragment so the agent can see what to fix.
		turns = append(turns, AssistantTurn(trip.Excerpt))
	}

	return append(turns, SystemTurn(trip.Guidance))
}

func lastTurnWithRole(turns []Turn, role TurnRole) (Turn, bool) {
	for i := len(turns) - 1; i >= 0; i-- {
		if turns[i].Role == role {
			return turns[i], true
		}
	}
	return Turn{}, false
}

func behaviorNames(behaviors []RequiredBehavior) []string {
	names := make([]string, len(behaviors))
	for i, b := range behaviors {
		names[i] = b.Name
	}
	return names
}
