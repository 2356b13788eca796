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

import "fmt"

// ConfigurationError indicates an unknown agent identifier or a malformed
// agent definition. Fatal for the request: retrying an unresolvable agent
// cannot help.
type ConfigurationError struct {
	AgentID string
	Reason  string
}

func (e *ConfigurationError) Error() string {
	if e.AgentID != "" {
		return fmt.Sprintf("agent configuration error for %q: %s", e.AgentID, e.Reason)
	}
	return fmt.Sprintf("agent configuration error: %s", e.Reason)
}

// InvalidInputError indicates the model context is missing required fields
// (query, user identity). Fatal, no retry.
type InvalidInputError struct {
	Field string
}

func (e *InvalidInputError) Error() string {
	return fmt.Sprintf("invalid input: missing required field %q", e.Field)
}

// GuardrailTrip is raised by the agent runtime when a post-run content
// check fails. It is the only error type the coordinator treats as
// recoverable via latest-turn replay.
type GuardrailTrip struct {
	// Guardrail is the name of the check that tripped.
	Guardrail string

	// Reason is a short machine-readable reason code.
	Reason string

	// Excerpt is the offending fragment of the agent's output.
	Excerpt string

	// Guidance is the corrective instruction to append on retry.
	Guidance string

	// Turns is the turn list of the run that tripped, captured before the
	// trip was raised, so latest-turn replay can be constructed even when
	// no RunRecord was returned.
	Turns []Turn
}

func (e *GuardrailTrip) Error() string {
	return fmt.Sprintf("guardrail %q tripped: %s", e.Guardrail, e.Reason)
}
