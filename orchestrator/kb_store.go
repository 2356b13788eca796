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
	"fmt"
)

// kbSearchLimit caps the passages one search returns
const kbSearchLimit = 5

// KBStore serves knowledge-base passages from Postgres full-text search.
// Passages are curated support and program content loaded out of band.
type KBStore struct {
	db *sql.DB
}

// NewKBStore wraps an open database handle
func NewKBStore(db *sql.DB) *KBStore {
	return &KBStore{db: db}
}

// Search returns the passages best matching the question
func (s *KBStore) Search(ctx context.Context, question string) ([]string, error) {
	const query = `
		SELECT passage
		FROM kb_passages
		WHERE search_vector @@ plainto_tsquery('english', $1)
		ORDER BY ts_rank(search_vector, plainto_tsquery('english', $1)) DESC
		LIMIT $2`

	rows, err := s.db.QueryContext(ctx, query, question, kbSearchLimit)
	if err != nil {
		return nil, fmt.Errorf("kb search failed: %w", err)
	}
	defer rows.Close()

	var passages []string
	for rows.Next() {
		var passage string
		if err := rows.Scan(&passage); err != nil {
			return nil, fmt.Errorf("kb row scan failed: %w", err)
		}
		passages = append(passages, passage)
	}
	return passages, rows.Err()
}

// SearchFunc adapts the store to the tool registry's search signature
func (s *KBStore) SearchFunc() KnowledgeBaseSearchFunc {
	return s.Search
}

// EnsureKBSchema creates the passages table and its search index when
// they do not exist
func EnsureKBSchema(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS kb_passages (
			id BIGSERIAL PRIMARY KEY,
			title TEXT,
			passage TEXT NOT NULL,
			search_vector TSVECTOR GENERATED ALWAYS AS (to_tsvector('english', passage)) STORED
		)`)
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx,
		`CREATE INDEX IF NOT EXISTS kb_passages_search_idx ON kb_passages USING GIN (search_vector)`)
	return err
}
