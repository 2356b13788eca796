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

// Package orchestrator implements the DigbiGPT question-answering
// service: agent configuration and keyword routing, claims-database and
// knowledge-base tools, PHI redaction, post-run guardrails, and the run
// coordinator that applies bounded corrective retries.
//
// The coordinator is the heart of the package. One user question becomes
// one agent run; a defective run earns at most one corrective retry per
// defect category. A run that skipped a required tool is replayed with
// its full turn history plus one corrective system message, so completed
// tool work is not repeated. A run whose output tripped a guardrail is
// replayed with only the latest user turn and assistant output plus the
// guardrail's corrective guidance. A retry that trips again is terminal.
package orchestrator
