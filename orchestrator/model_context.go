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

// ModelContext is the per-request state carried through one user query.
//
// It is owned exclusively by the request handling the query and discarded
// once the response is sent. The scratch area is never shared across
// requests: when a single request fans out to several agents in parallel,
// each branch receives its own Fork with an independently owned scratch
// map so one branch's run-trace capture cannot be overwritten by a
// sibling.
type ModelContext struct {
	// ContextID uniquely identifies this request's context.
	ContextID string

	// Query is the user's natural-language question.
	Query string

	// UserToken identifies the user for audit logging. Required.
	UserToken string

	// UserType distinguishes caller populations (e.g. "DIGBI_GPT").
	UserType string

	// Language is the preferred response language, if known.
	Language string

	// ConversationHistory carries prior turns supplied by the caller.
	ConversationHistory []Turn

	// Data is the request-scoped scratch area for cross-run signals:
	// the last run's turn list, guardrail failure detail, the last tool
	// result table. Owned by exactly one goroutine at a time.
	Data map[string]any
}

// Scratch keys used by the runtime and coordinator.
const (
	scratchKeyLastRunTurns  = "last_run_turns"
	scratchKeyGuardrailTrip = "guardrail_trip"
	scratchKeyLastTableName = "last_table_tool"
	scratchKeyLastTable     = "last_table"
	scratchKeyToolParams    = "tool_params"
)

// NewModelContext builds a context for one incoming request
func NewModelContext(contextID, query, userToken, userType string) *ModelContext {
	return &ModelContext{
		ContextID: contextID,
		Query:     query,
		UserToken: userToken,
		UserType:  userType,
		Data:      make(map[string]any),
	}
}

// Validate checks the fields the coordinator requires before any run
func (c *ModelContext) Validate() error {
	if c.Query == "" {
		return &InvalidInputError{Field: "query"}
	}
	if c.UserToken == "" {
		return &InvalidInputError{Field: "user_token"}
	}
	return nil
}

// Fork returns a shallow copy with a fresh scratch map for a parallel
// fan-out branch. Identity and query fields are shared by value; the
// conversation history slice is shared read-only; the scratch area is new.
func (c *ModelContext) Fork(branchID string) *ModelContext {
	fork := &ModelContext{
		ContextID:           c.ContextID + "/" + branchID,
		Query:               c.Query,
		UserToken:           c.UserToken,
		UserType:            c.UserType,
		Language:            c.Language,
		ConversationHistory: c.ConversationHistory,
		Data:                make(map[string]any),
	}
	// Caller-supplied tool params are request inputs, not run state; every
	// branch sees them.
	if params := c.ToolParams(); params != nil {
		fork.Data[scratchKeyToolParams] = params
	}
	return fork
}

// RecordRunTurns stores the turn list of the most recent run in the
// scratch area. The slice is copied so the stored trace stays stable even
// if the caller keeps appending.
func (c *ModelContext) RecordRunTurns(turns []Turn) {
	copied := make([]Turn, len(turns))
	copy(copied, turns)
	c.Data[scratchKeyLastRunTurns] = copied
}

// LastRunTurns returns the turn list recorded for the most recent run,
// or nil if no run has completed yet
func (c *ModelContext) LastRunTurns() []Turn {
	turns, _ := c.Data[scratchKeyLastRunTurns].([]Turn)
	return turns
}

// RecordGuardrailTrip stores the most recent guardrail failure detail
func (c *ModelContext) RecordGuardrailTrip(trip *GuardrailTrip) {
	c.Data[scratchKeyGuardrailTrip] = trip
}

// LastGuardrailTrip returns the most recent guardrail failure, if any
func (c *ModelContext) LastGuardrailTrip() *GuardrailTrip {
	trip, _ := c.Data[scratchKeyGuardrailTrip].(*GuardrailTrip)
	return trip
}

// RecordTable stores the most recent tool result table for response
// formatting
func (c *ModelContext) RecordTable(toolName string, table *Table) {
	c.Data[scratchKeyLastTableName] = toolName
	c.Data[scratchKeyLastTable] = table
}

// LastTable returns the most recent tool result table, or nil
func (c *ModelContext) LastTable() *Table {
	table, _ := c.Data[scratchKeyLastTable].(*Table)
	return table
}

// SetToolParams stores caller-supplied tool arguments (drug names,
// member hashes, years) the runtime merges into every tool call
func (c *ModelContext) SetToolParams(params map[string]any) {
	if len(params) == 0 {
		return
	}
	c.Data[scratchKeyToolParams] = params
}

// ToolParams returns the caller-supplied tool arguments, or nil
func (c *ModelContext) ToolParams() map[string]any {
	params, _ := c.Data[scratchKeyToolParams].(map[string]any)
	return params
}

// InitialTurns builds the seed turn list for the first run of this
// request: prior conversation history followed by the current question.
func (c *ModelContext) InitialTurns() []Turn {
	turns := make([]Turn, 0, len(c.ConversationHistory)+1)
	turns = append(turns, c.ConversationHistory...)
	turns = append(turns, UserTurn(c.Query))
	return turns
}
