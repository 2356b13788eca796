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

// TurnRole identifies who produced a conversation turn
type TurnRole string

const (
	TurnRoleSystem    TurnRole = "system"
	TurnRoleUser      TurnRole = "user"
	TurnRoleAssistant TurnRole = "assistant"
	TurnRoleTool      TurnRole = "tool"
)

// Turn is a single entry in a run's conversation.
//
// Turn order is semantically meaningful: tool calls appear between the user
// turn that triggered them and the assistant turn that consumed their
// results. Replay strategies may copy and append turns but never reorder
// or truncate a captured sequence.
type Turn struct {
	Role    TurnRole `json:"role"`
	Content string   `json:"content"`

	// ToolName and ToolType are set only for TurnRoleTool entries.
	// ToolType is the marker the coordinator's required-behavior
	// predicates match against (e.g. "file_search").
	ToolName string `json:"tool_name,omitempty"`
	ToolType string `json:"tool_type,omitempty"`

	// ToolResult holds the serialized tool output for tool turns.
	ToolResult string `json:"tool_result,omitempty"`
}

// SystemTurn builds a system-role turn
func SystemTurn(content string) Turn {
	return Turn{Role: TurnRoleSystem, Content: content}
}

// UserTurn builds a user-role turn
func UserTurn(content string) Turn {
	return Turn{Role: TurnRoleUser, Content: content}
}

// AssistantTurn builds an assistant-role turn
func AssistantTurn(content string) Turn {
	return Turn{Role: TurnRoleAssistant, Content: content}
}

// ToolTurn builds a tool-role turn carrying the invocation and its result
func ToolTurn(name, toolType, result string) Turn {
	return Turn{Role: TurnRoleTool, ToolName: name, ToolType: toolType, ToolResult: result}
}

// RunRecord captures one completed execution attempt of an agent.
//
// A RunRecord is immutable once captured: corrective retries produce a new
// record seeded from a copy of this one, they never mutate it in place.
type RunRecord struct {
	// AgentID is the agent that produced this run.
	AgentID string `json:"agent_id"`

	// Turns is the ordered conversation, including tool invocations
	// and their results.
	Turns []Turn `json:"turns"`

	// Output is the final answer text of the run.
	Output string `json:"output"`

	// ToolTypesUsed is the set of tool types invoked during the run,
	// derived from Turns at capture time.
	ToolTypesUsed map[string]bool `json:"tool_types_used"`
}

// NewRunRecord captures a run from its turn list and final output.
// The turn slice is copied so later mutation of the caller's slice
// cannot reach into the record.
func NewRunRecord(agentID string, turns []Turn, output string) *RunRecord {
	copied := make([]Turn, len(turns))
	copy(copied, turns)

	used := make(map[string]bool)
	for _, turn := range copied {
		if turn.Role == TurnRoleTool && turn.ToolType != "" {
			used[turn.ToolType] = true
		}
	}

	return &RunRecord{
		AgentID:       agentID,
		Turns:         copied,
		Output:        output,
		ToolTypesUsed: used,
	}
}

// UsedToolType reports whether any tool turn of the given type appears in
// the record. This is the tool-usage marker consumed by required-behavior
// predicates.
func (r *RunRecord) UsedToolType(toolType string) bool {
	return r.ToolTypesUsed[toolType]
}

// LastUserTurn returns the most recent user turn, or false if none exists
func (r *RunRecord) LastUserTurn() (Turn, bool) {
	for i := len(r.Turns) - 1; i >= 0; i-- {
		if r.Turns[i].Role == TurnRoleUser {
			return r.Turns[i], true
		}
	}
	return Turn{}, false
}

// LastAssistantTurn returns the most recent assistant turn, or false if
// none exists
func (r *RunRecord) LastAssistantTurn() (Turn, bool) {
	for i := len(r.Turns) - 1; i >= 0; i-- {
		if r.Turns[i].Role == TurnRoleAssistant {
			return r.Turns[i], true
		}
	}
	return Turn{}, false
}

// CopyTurns returns a copy of the record's turn list for use as the seed
// of a replay payload; callers may append without touching the record.
func (r *RunRecord) CopyTurns() []Turn {
	copied := make([]Turn, len(r.Turns))
	copy(copied, r.Turns)
	return copied
}
