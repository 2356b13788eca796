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

/*
Package logger provides structured JSON logging for DigbiGPT components.

# Overview

The logger outputs single-line JSON to stdout, making entries directly
consumable by CloudWatch or any other log aggregation system.

Each log entry includes:
  - Timestamp (RFC3339Nano format)
  - Log level (DEBUG, INFO, WARN, ERROR)
  - Component name (orchestrator, claims-tools, etc.)
  - Instance ID and container name (for distributed tracing)
  - User token (for per-member correlation; never raw PHI)
  - Request ID (for request correlation)
  - Custom fields

# Usage

Create a logger for your component:

	log := logger.New("orchestrator")

Log messages with user and request context:

	log.Info("user-123", "req-456", "Processing claims query", map[string]interface{}{
	    "agent": "DRUG_SPEND_AGENT",
	})

Log errors with status codes:

	log.ErrorWithCode("user-123", "req-456", "Query failed", 500, err, nil)

# Thread Safety

Logger instances are safe for concurrent use from multiple goroutines.
*/
package logger
