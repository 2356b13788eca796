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
	"database/sql"
	"time"

	"digbigpt/platform/shared/logger"
)

// auditBufferSize bounds the number of entries queued for async write
const auditBufferSize = 256

// AuditEntry is one row of the request audit trail. Question text is
// stored post-redaction only.
type AuditEntry struct {
	ContextID        string
	UserToken        string
	UserType         string
	Question         string
	AgentUsed        string
	Status           string
	RetryApplied     bool
	RetrySucceeded   bool
	GuardrailTripped string
	DurationMs       int64
	CreatedAt        time.Time
}

// AuditLogger persists request outcomes to Postgres on a background
// worker so the request path never blocks on the audit write. When the
// buffer is full the entry is dropped and counted, not blocked on.
type AuditLogger struct {
	db       *sql.DB
	entries  chan AuditEntry
	done     chan struct{}
	redactor *PHIRedactor
	log      *logger.Logger
}

// NewAuditLogger starts the background writer over the given database
func NewAuditLogger(db *sql.DB) *AuditLogger {
	a := &AuditLogger{
		db:       db,
		entries:  make(chan AuditEntry, auditBufferSize),
		done:     make(chan struct{}),
		redactor: NewPHIRedactor(),
		log:      logger.New("audit"),
	}
	go a.run()
	return a
}

// Record queues an audit entry for async persistence. Never blocks.
func (a *AuditLogger) Record(entry AuditEntry) {
	if a == nil {
		return
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	entry.Question = a.redactor.RedactText(entry.Question)

	select {
	case a.entries <- entry:
	default:
		a.log.Warn(entry.UserToken, entry.ContextID, "Audit buffer full, dropping entry", nil)
	}
}

// Close drains queued entries and stops the writer
func (a *AuditLogger) Close() {
	close(a.entries)
	<-a.done
}

func (a *AuditLogger) run() {
	defer close(a.done)
	for entry := range a.entries {
		if err := a.insert(entry); err != nil {
			a.log.Error(entry.UserToken, entry.ContextID, "Audit write failed",
				map[string]interface{}{"error": err.Error()})
		}
	}
}

func (a *AuditLogger) insert(entry AuditEntry) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := a.db.ExecContext(ctx, `
		INSERT INTO request_audit (
			context_id, user_token, user_type, question, agent_used,
			status, retry_applied, retry_succeeded, guardrail_tripped,
			duration_ms, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		entry.ContextID, entry.UserToken, entry.UserType, entry.Question,
		entry.AgentUsed, entry.Status, entry.RetryApplied, entry.RetrySucceeded,
		entry.GuardrailTripped, entry.DurationMs, entry.CreatedAt,
	)
	return err
}

// EnsureAuditSchema creates the audit table when it does not exist.
// Deployments that manage schema via migrations can skip this.
func EnsureAuditSchema(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS request_audit (
			id BIGSERIAL PRIMARY KEY,
			context_id TEXT NOT NULL,
			user_token TEXT NOT NULL,
			user_type TEXT,
			question TEXT,
			agent_used TEXT,
			status TEXT NOT NULL,
			retry_applied BOOLEAN NOT NULL DEFAULT FALSE,
			retry_succeeded BOOLEAN NOT NULL DEFAULT FALSE,
			guardrail_tripped TEXT,
			duration_ms BIGINT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`)
	return err
}
