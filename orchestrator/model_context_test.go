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
	"errors"
	"testing"
)

func TestModelContextValidate(t *testing.T) {
	tests := []struct {
		name      string
		query     string
		userToken string
		wantField string
	}{
		{"valid", "what is my spend?", "tok-1", ""},
		{"missing query", "", "tok-1", "query"},
		{"missing user token", "what is my spend?", "", "user_token"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mctx := NewModelContext("ctx", tt.query, tt.userToken, "DIGBI_GPT")
			err := mctx.Validate()

			if tt.wantField == "" {
				if err != nil {
					t.Errorf("Validate() = %v, want nil", err)
				}
				return
			}

			var inputErr *InvalidInputError
			if !errors.As(err, &inputErr) {
				t.Fatalf("expected *InvalidInputError, got %v", err)
			}
			if inputErr.Field != tt.wantField {
				t.Errorf("field = %q, want %q", inputErr.Field, tt.wantField)
			}
		})
	}
}

func TestForkIsolatesScratch(t *testing.T) {
	parent := testContext()
	parent.RecordRunTurns([]Turn{UserTurn("q")})

	fork := parent.Fork("agent-a")

	if fork.ContextID != parent.ContextID+"/agent-a" {
		t.Errorf("fork context ID = %q", fork.ContextID)
	}
	if fork.Query != parent.Query || fork.UserToken != parent.UserToken {
		t.Error("fork must share identity and query fields")
	}
	if fork.LastRunTurns() != nil {
		t.Error("fork must not inherit the parent's run trace")
	}

	fork.RecordRunTurns([]Turn{UserTurn("q"), AssistantTurn("a")})
	if len(parent.LastRunTurns()) != 1 {
		t.Error("writes to the fork must not reach the parent")
	}
}

func TestForkCarriesToolParams(t *testing.T) {
	parent := testContext()
	parent.SetToolParams(map[string]any{"drug_name": "ozempic", "year": 2024})

	fork := parent.Fork("agent-a")
	params := fork.ToolParams()
	if params["drug_name"] != "ozempic" {
		t.Errorf("fork lost tool params: %v", params)
	}
}

func TestRecordRunTurnsCopies(t *testing.T) {
	mctx := testContext()
	turns := []Turn{UserTurn("q")}
	mctx.RecordRunTurns(turns)

	turns[0] = AssistantTurn("mutated")
	if mctx.LastRunTurns()[0].Role != TurnRoleUser {
		t.Error("recorded turns must be a copy, not an alias")
	}
}

func TestInitialTurnsIncludesHistory(t *testing.T) {
	mctx := testContext()
	mctx.ConversationHistory = []Turn{
		UserTurn("earlier question"),
		AssistantTurn("earlier answer"),
	}

	turns := mctx.InitialTurns()
	if len(turns) != 3 {
		t.Fatalf("expected 3 turns, got %d", len(turns))
	}
	if turns[2].Role != TurnRoleUser || turns[2].Content != mctx.Query {
		t.Errorf("last turn must be the current question, got %+v", turns[2])
	}
}

func TestRunRecordDerivesToolTypes(t *testing.T) {
	rec := NewRunRecord("agent-a", []Turn{
		UserTurn("q"),
		ToolTurn("get_top_drug_spend", ToolTypeClaimsSQL, "{}"),
		AssistantTurn("a"),
	}, "a")

	if !rec.UsedToolType(ToolTypeClaimsSQL) {
		t.Error("claims_sql tool type should be marked used")
	}
	if rec.UsedToolType(ToolTypeFileSearch) {
		t.Error("file_search was not used")
	}
}
