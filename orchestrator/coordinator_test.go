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
	"strings"
	"sync"
	"testing"
)

// mapResolver resolves agents from a fixed map
type mapResolver map[string]*AgentDef

func (r mapResolver) ResolveAgent(agentID string) (*AgentDef, error) {
	agent, ok := r[agentID]
	if !ok {
		return nil, &ConfigurationError{AgentID: agentID, Reason: "unknown agent"}
	}
	return agent, nil
}

// invokeOutcome scripts one runtime invocation
type invokeOutcome struct {
	record *RunRecord
	err    error

	// onInvoke runs before the outcome is returned, with the input turns.
	onInvoke func(input []Turn)
}

// scriptedRuntime returns pre-scripted outcomes in order and captures
// every input turn list it was invoked with. Safe for fan-out tests.
type scriptedRuntime struct {
	mu       sync.Mutex
	outcomes []invokeOutcome
	inputs   [][]Turn
	contexts []*ModelContext
}

func (r *scriptedRuntime) Invoke(ctx context.Context, agent *AgentDef, mctx *ModelContext, turns []Turn) (*RunRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	captured := make([]Turn, len(turns))
	copy(captured, turns)
	r.inputs = append(r.inputs, captured)
	r.contexts = append(r.contexts, mctx)

	if len(r.outcomes) == 0 {
		return nil, fmt.Errorf("scripted runtime exhausted after %d calls", len(r.inputs))
	}
	outcome := r.outcomes[0]
	r.outcomes = r.outcomes[1:]

	if outcome.onInvoke != nil {
		outcome.onInvoke(turns)
	}
	if outcome.record != nil {
		mctx.RecordRunTurns(outcome.record.Turns)
	} else if outcome.err != nil {
		var trip *GuardrailTrip
		if errors.As(outcome.err, &trip) {
			mctx.RecordRunTurns(trip.Turns)
		}
	}
	return outcome.record, outcome.err
}

func testAgent(name string) *AgentDef {
	return &AgentDef{Name: name, PromptTemplate: "answer the question"}
}

func testContext() *ModelContext {
	return NewModelContext("ctx-1", "how much did we spend on Ozempic in 2024?", "user-token-1", "DIGBI_GPT")
}

func newTestCoordinator(runtime AgentRuntime) *Coordinator {
	return NewCoordinator(mapResolver{"agent-a": testAgent("agent-a"), "agent-b": testAgent("agent-b")}, runtime)
}

func kbBehavior() RequiredBehavior {
	return RequireToolUsage(ToolTypeFileSearch, KnowledgeBaseGuidance)
}

func recordWithKB(output string, seed []Turn) *RunRecord {
	turns := append([]Turn{}, seed...)
	turns = append(turns,
		ToolTurn("file_search", ToolTypeFileSearch, `{"columns":["passage"],"rows":[]}`),
		AssistantTurn(output),
	)
	return NewRunRecord("agent-a", turns, output)
}

func recordWithoutKB(output string, seed []Turn) *RunRecord {
	turns := append([]Turn{}, seed...)
	turns = append(turns, AssistantTurn(output))
	return NewRunRecord("agent-a", turns, output)
}

func TestExecuteCleanFirstRun(t *testing.T) {
	mctx := testContext()
	runtime := &scriptedRuntime{outcomes: []invokeOutcome{
		{record: recordWithKB("the spend was $120,000", mctx.InitialTurns())},
	}}
	coordinator := newTestCoordinator(runtime)

	result, err := coordinator.Execute(context.Background(), "agent-a", mctx, []RequiredBehavior{kbBehavior()})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	if len(runtime.inputs) != 1 {
		t.Errorf("expected exactly 1 invocation, got %d", len(runtime.inputs))
	}
	if result.CorrectiveRetryApplied {
		t.Error("clean run should not report a corrective retry")
	}
	if result.RetrySucceeded {
		t.Error("RetrySucceeded must be false when no retry was issued")
	}
	if result.Text != "the spend was $120,000" {
		t.Errorf("unexpected answer text: %q", result.Text)
	}
	if result.AgentUsed != "agent-a" {
		t.Errorf("unexpected agent: %q", result.AgentUsed)
	}
}

func TestExecuteFullHistoryReplayOnMissingToolUsage(t *testing.T) {
	mctx := testContext()
	first := recordWithoutKB("answered without searching", mctx.InitialTurns())

	runtime := &scriptedRuntime{outcomes: []invokeOutcome{
		{record: first},
		{record: recordWithKB("answered with KB context", first.Turns)},
	}}
	coordinator := newTestCoordinator(runtime)

	result, err := coordinator.Execute(context.Background(), "agent-a", mctx, []RequiredBehavior{kbBehavior()})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	if len(runtime.inputs) != 2 {
		t.Fatalf("expected 2 invocations, got %d", len(runtime.inputs))
	}

	// Retry input must be the full prior turn list plus exactly one
	// appended system message.
	retry := runtime.inputs[1]
	if len(retry) != len(first.Turns)+1 {
		t.Fatalf("retry input has %d turns, want %d", len(retry), len(first.Turns)+1)
	}
	for i, turn := range first.Turns {
		if retry[i] != turn {
			t.Errorf("retry turn %d differs from prior history: %+v vs %+v", i, retry[i], turn)
		}
	}
	last := retry[len(retry)-1]
	if last.Role != TurnRoleSystem {
		t.Errorf("appended turn role = %q, want system", last.Role)
	}
	if last.Content != KnowledgeBaseGuidance {
		t.Errorf("appended guidance = %q, want knowledge-base guidance", last.Content)
	}

	if !result.CorrectiveRetryApplied {
		t.Error("CorrectiveRetryApplied should be true")
	}
	if !result.RetrySucceeded {
		t.Error("RetrySucceeded should be true: the retry cleared the defect")
	}
}

func TestExecuteBehaviorRetryBoundedToOne(t *testing.T) {
	mctx := testContext()
	first := recordWithoutKB("still no search", mctx.InitialTurns())
	second := recordWithoutKB("still no search after guidance", first.Turns)

	runtime := &scriptedRuntime{outcomes: []invokeOutcome{
		{record: first},
		{record: second},
	}}
	coordinator := newTestCoordinator(runtime)

	result, err := coordinator.Execute(context.Background(), "agent-a", mctx, []RequiredBehavior{kbBehavior()})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	if len(runtime.inputs) != 2 {
		t.Errorf("expected exactly 2 invocations (one retry), got %d", len(runtime.inputs))
	}
	if !result.CorrectiveRetryApplied {
		t.Error("CorrectiveRetryApplied should be true")
	}
	if result.RetrySucceeded {
		t.Error("RetrySucceeded must be false when the retry output is still defective")
	}
	if result.Text != "still no search after guidance" {
		t.Errorf("the second run's output must be returned, got %q", result.Text)
	}
}

func TestExecuteGuidanceOrderToolBeforeContent(t *testing.T) {
	mctx := testContext()
	first := recordWithoutKB("missing both behaviors", mctx.InitialTurns())

	contentCheck := RequiredBehavior{
		Name:     "answer_cites_year",
		Category: BehaviorCategoryContent,
		Check:    func(rec *RunRecord) bool { return strings.Contains(rec.Output, "2024") },
		Guidance: "State the claim year the figures cover.",
	}

	runtime := &scriptedRuntime{outcomes: []invokeOutcome{
		{record: first},
		{record: recordWithKB("spend in 2024 was $120,000", first.Turns)},
	}}
	coordinator := newTestCoordinator(runtime)

	// Content behavior listed first; the replay must still put tool
	// guidance ahead of it.
	_, err := coordinator.Execute(context.Background(), "agent-a", mctx,
		[]RequiredBehavior{contentCheck, kbBehavior()})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	retry := runtime.inputs[1]
	guidance := retry[len(retry)-1].Content
	toolIdx := strings.Index(guidance, KnowledgeBaseGuidance)
	contentIdx := strings.Index(guidance, contentCheck.Guidance)
	if toolIdx < 0 || contentIdx < 0 {
		t.Fatalf("corrective message missing guidance: %q", guidance)
	}
	if toolIdx > contentIdx {
		t.Error("tool-usage guidance must precede content guidance")
	}
}

func TestExecuteLatestTurnReplayOnGuardrailTrip(t *testing.T) {
	mctx := testContext()
	tripTurns := []Turn{
		UserTurn(mctx.Query),
		ToolTurn("file_search", ToolTypeFileSearch, `{"columns":["passage"],"rows":[]}`),
		AssistantTurn("watch this video to learn more"),
	}
	trip := &GuardrailTrip{
		Guardrail: "referenced_video_does_not_exist",
		Reason:    "video_reference_without_recommendation",
		Excerpt:   "watch this video",
		Guidance:  VideoReferenceGuidance,
		Turns:     tripTurns,
	}

	runtime := &scriptedRuntime{outcomes: []invokeOutcome{
		{err: trip},
		{record: recordWithKB("here is the written guidance instead", nil)},
	}}
	coordinator := newTestCoordinator(runtime)

	result, err := coordinator.Execute(context.Background(), "agent-a", mctx, nil)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	if len(runtime.inputs) != 2 {
		t.Fatalf("expected 2 invocations, got %d", len(runtime.inputs))
	}

	retry := runtime.inputs[1]
	if len(retry) != 3 {
		t.Fatalf("latest-turn replay has %d turns, want 3 (user, assistant, system)", len(retry))
	}
	if retry[0].Role != TurnRoleUser || retry[0].Content != mctx.Query {
		t.Errorf("first replay turn should be the latest user turn, got %+v", retry[0])
	}
	if retry[1].Role != TurnRoleAssistant || retry[1].Content != "watch this video to learn more" {
		t.Errorf("second replay turn should be the latest assistant output, got %+v", retry[1])
	}
	if retry[2].Role != TurnRoleSystem || retry[2].Content != VideoReferenceGuidance {
		t.Errorf("third replay turn should carry the corrective guidance, got %+v", retry[2])
	}
	for _, turn := range retry {
		if turn.Role == TurnRoleTool {
			t.Error("latest-turn replay must not carry tool turns")
		}
	}

	if !result.CorrectiveRetryApplied || !result.RetrySucceeded {
		t.Errorf("retry flags = applied %v, succeeded %v; want both true",
			result.CorrectiveRetryApplied, result.RetrySucceeded)
	}
	if mctx.LastGuardrailTrip() == nil {
		t.Error("the trip must be recorded in the context scratch area")
	}
}

func TestExecuteGuardrailTripOnRetryIsTerminal(t *testing.T) {
	mctx := testContext()
	makeTrip := func() *GuardrailTrip {
		return &GuardrailTrip{
			Guardrail: "support_no_kit_registration",
			Reason:    "kit_registration_instruction",
			Excerpt:   "register your kit",
			Guidance:  KitRegistrationGuidance,
			Turns:     []Turn{UserTurn(mctx.Query), AssistantTurn("please register your kit first")},
		}
	}

	runtime := &scriptedRuntime{outcomes: []invokeOutcome{
		{err: makeTrip()},
		{err: makeTrip()},
	}}
	coordinator := newTestCoordinator(runtime)

	_, err := coordinator.Execute(context.Background(), "agent-a", mctx, nil)
	if err == nil {
		t.Fatal("expected terminal error when the retry trips again")
	}

	var trip *GuardrailTrip
	if !errors.As(err, &trip) {
		t.Fatalf("terminal error should wrap the trip, got %v", err)
	}
	if trip.Guardrail != "support_no_kit_registration" {
		t.Errorf("wrong guardrail in terminal error: %q", trip.Guardrail)
	}
	if len(runtime.inputs) != 2 {
		t.Errorf("expected exactly 2 invocations, got %d", len(runtime.inputs))
	}
}

func TestExecuteIndependentRetryBudgets(t *testing.T) {
	// A guardrail retry does not consume the behavior retry and vice
	// versa: trip first, then a run missing the required tool, then a
	// clean run. Three invocations total.
	mctx := testContext()
	trip := &GuardrailTrip{
		Guardrail: "no_duplicate_links",
		Reason:    "duplicate_link",
		Excerpt:   "https://digbi.health/start",
		Guidance:  DuplicateLinkGuidance,
		Turns:     []Turn{UserTurn(mctx.Query), AssistantTurn("see https://digbi.health/start")},
	}
	second := recordWithoutKB("no link, but no search either", nil)

	runtime := &scriptedRuntime{outcomes: []invokeOutcome{
		{err: trip},
		{record: second},
		{record: recordWithKB("clean on the third run", second.Turns)},
	}}
	coordinator := newTestCoordinator(runtime)

	result, err := coordinator.Execute(context.Background(), "agent-a", mctx, []RequiredBehavior{kbBehavior()})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if len(runtime.inputs) != 3 {
		t.Fatalf("expected 3 invocations, got %d", len(runtime.inputs))
	}
	if !result.RetrySucceeded {
		t.Error("final run cleared the defect, RetrySucceeded should be true")
	}
}

func TestExecuteUnknownAgentNoInvocation(t *testing.T) {
	runtime := &scriptedRuntime{}
	coordinator := newTestCoordinator(runtime)

	_, err := coordinator.Execute(context.Background(), "nope", testContext(), nil)

	var cfgErr *ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected *ConfigurationError, got %v", err)
	}
	if len(runtime.inputs) != 0 {
		t.Errorf("unknown agent must not reach the runtime, saw %d invocations", len(runtime.inputs))
	}
}

func TestExecuteInvalidInput(t *testing.T) {
	runtime := &scriptedRuntime{}
	coordinator := newTestCoordinator(runtime)

	mctx := NewModelContext("ctx-1", "", "user-token-1", "DIGBI_GPT")
	_, err := coordinator.Execute(context.Background(), "agent-a", mctx, nil)

	var inputErr *InvalidInputError
	if !errors.As(err, &inputErr) {
		t.Fatalf("expected *InvalidInputError, got %v", err)
	}
	if inputErr.Field != "query" {
		t.Errorf("wrong field: %q", inputErr.Field)
	}
	if len(runtime.inputs) != 0 {
		t.Errorf("invalid input must not reach the runtime, saw %d invocations", len(runtime.inputs))
	}
}

func TestExecuteUpstreamFailurePropagatedUnmodified(t *testing.T) {
	upstream := errors.New("model endpoint returned 500")
	runtime := &scriptedRuntime{outcomes: []invokeOutcome{{err: upstream}}}
	coordinator := newTestCoordinator(runtime)

	_, err := coordinator.Execute(context.Background(), "agent-a", testContext(), nil)
	if !errors.Is(err, upstream) {
		t.Fatalf("upstream error must propagate unmodified, got %v", err)
	}
	if len(runtime.inputs) != 1 {
		t.Errorf("upstream failure must not be retried, saw %d invocations", len(runtime.inputs))
	}
}

func TestExecuteCancellationSuppressesRetry(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	mctx := testContext()

	trip := &GuardrailTrip{
		Guardrail: "no_duplicate_links",
		Reason:    "duplicate_link",
		Guidance:  DuplicateLinkGuidance,
		Turns:     []Turn{UserTurn(mctx.Query), AssistantTurn("see the link")},
	}
	runtime := &scriptedRuntime{outcomes: []invokeOutcome{
		{err: trip, onInvoke: func([]Turn) { cancel() }},
	}}
	coordinator := newTestCoordinator(runtime)

	_, err := coordinator.Execute(ctx, "agent-a", mctx, nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if len(runtime.inputs) != 1 {
		t.Errorf("cancelled request must not start a retry, saw %d invocations", len(runtime.inputs))
	}
}

func TestExecuteFanOutScratchIsolation(t *testing.T) {
	mctx := testContext()

	runtime := &scriptedRuntime{outcomes: []invokeOutcome{
		{record: recordWithKB("branch answer", nil)},
		{record: recordWithKB("branch answer", nil)},
	}}
	coordinator := newTestCoordinator(runtime)

	results := coordinator.ExecuteFanOut(context.Background(), []string{"agent-a", "agent-b"}, mctx, nil)

	if len(results) != 2 {
		t.Fatalf("expected 2 branch results, got %d", len(results))
	}
	if results[0].AgentID != "agent-a" || results[1].AgentID != "agent-b" {
		t.Errorf("results out of order: %q, %q", results[0].AgentID, results[1].AgentID)
	}
	for _, br := range results {
		if br.Err != nil {
			t.Errorf("branch %s failed: %v", br.AgentID, br.Err)
		}
	}

	if len(runtime.contexts) != 2 {
		t.Fatalf("expected 2 branch contexts, got %d", len(runtime.contexts))
	}
	a, b := runtime.contexts[0], runtime.contexts[1]
	if a == mctx || b == mctx {
		t.Error("branches must run on forks, not the parent context")
	}
	if len(mctx.Data) != 0 {
		t.Error("branch run traces must not leak into the parent scratch area")
	}
	if a.LastRunTurns() == nil || b.LastRunTurns() == nil {
		t.Error("each branch must capture its own run trace")
	}
	if !strings.HasPrefix(a.ContextID, mctx.ContextID+"/") {
		t.Errorf("fork context ID should extend the parent's: %q", a.ContextID)
	}
}

func TestLatestTurnReplayFallsBackToScratch(t *testing.T) {
	// A trip with no captured turns falls back to the last run recorded
	// in the context, then to the query itself.
	mctx := testContext()
	mctx.RecordRunTurns([]Turn{
		UserTurn(mctx.Query),
		AssistantTurn("offending output"),
	})

	trip := &GuardrailTrip{
		Guardrail: "no_duplicate_links",
		Guidance:  DuplicateLinkGuidance,
	}

	turns := latestTurnReplay(trip, mctx)
	if len(turns) != 3 {
		t.Fatalf("expected 3 turns, got %d", len(turns))
	}
	if turns[1].Content != "offending output" {
		t.Errorf("assistant turn should come from the recorded run, got %q", turns[1].Content)
	}
}

func TestLatestTurnReplayUsesExcerptWhenNoAssistantTurn(t *testing.T) {
	mctx := testContext()
	trip := &GuardrailTrip{
		Guardrail: "referenced_video_does_not_exist",
		Excerpt:   "watch this video",
		Guidance:  VideoReferenceGuidance,
		Turns:     []Turn{UserTurn(mctx.Query)},
	}

	turns := latestTurnReplay(trip, mctx)
	if len(turns) != 3 {
		t.Fatalf("expected 3 turns, got %d", len(turns))
	}
	if turns[1].Role != TurnRoleAssistant || turns[1].Content != "watch this video" {
		t.Errorf("excerpt should stand in for the missing assistant turn, got %+v", turns[1])
	}
}
