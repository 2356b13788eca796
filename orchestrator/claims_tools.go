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

// ToolTypeClaimsSQL is the trace marker for claims database lookups
const ToolTypeClaimsSQL = "claims_sql"

// ClaimsStore executes the pre-vetted SQL queries against the claims
// database. Only these fixed queries ever run; agents cannot inject SQL.
type ClaimsStore struct {
	db *sql.DB
}

// NewClaimsStore wraps an open claims database handle
func NewClaimsStore(db *sql.DB) *ClaimsStore {
	return &ClaimsStore{db: db}
}

// queryTable runs a query and folds the rows into a Table
func (s *ClaimsStore) queryTable(ctx context.Context, query string, args ...any) (*Table, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("claims query failed: %w", err)
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("failed to read claims columns: %w", err)
	}

	table := &Table{Columns: columns}
	for rows.Next() {
		values := make([]any, len(columns))
		scanTargets := make([]any, len(columns))
		for i := range values {
			scanTargets[i] = &values[i]
		}
		if err := rows.Scan(scanTargets...); err != nil {
			return nil, fmt.Errorf("failed to scan claims row: %w", err)
		}
		// Byte slices come back for text columns with some drivers.
		for i, v := range values {
			if b, ok := v.([]byte); ok {
				values[i] = string(b)
			}
		}
		table.Rows = append(table.Rows, values)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("claims row iteration failed: %w", err)
	}

	return table, nil
}

// TopDrugSpend returns the members with the highest spend on a drug in a
// given year
func (s *ClaimsStore) TopDrugSpend(ctx context.Context, drugName string, year, limit int) (*Table, error) {
	const query = `
		SELECT
			m.member_first_name,
			m.member_last_name,
			COUNT(*) AS fill_count,
			SUM(ce.client_amount_due) AS total_spend,
			ROUND(AVG(ce.client_amount_due), 2) AS avg_spend_per_fill,
			MIN(ce.date_of_service) AS first_fill_date,
			MAX(ce.date_of_service) AS last_fill_date
		FROM claims_entries ce
		JOIN claims_drugs cd ON ce.claim_entry_id = cd.claim_entry_id
		JOIN members m ON ce.member_id_hash = m.member_id_hash
		WHERE UPPER(cd.product_service_name) LIKE '%' || UPPER($1) || '%'
		  AND EXTRACT(YEAR FROM ce.date_of_service) = $2
		GROUP BY m.member_id_hash, m.member_first_name, m.member_last_name
		ORDER BY total_spend DESC
		LIMIT $3`
	return s.queryTable(ctx, query, drugName, year, limit)
}

// MemberDiseaseHistory returns the diagnosis timeline for one member
func (s *ClaimsStore) MemberDiseaseHistory(ctx context.Context, memberIDHash string) (*Table, error) {
	const query = `
		SELECT
			cd.icd_code,
			ic.description AS diagnosis_description,
			MIN(ce.date_of_service) AS first_seen,
			MAX(ce.date_of_service) AS last_seen,
			COUNT(*) AS claim_count,
			CASE WHEN cd.is_primary THEN 'Yes' ELSE 'No' END AS primary_diagnosis
		FROM claims_entries ce
		JOIN claims_diagnoses cd ON ce.claim_entry_id = cd.claim_entry_id
		LEFT JOIN icd10_codes ic ON cd.icd_code = ic.code
		WHERE ce.member_id_hash = $1
		GROUP BY cd.icd_code, ic.description, cd.is_primary
		ORDER BY first_seen DESC`
	return s.queryTable(ctx, query, memberIDHash)
}

// DuplicateMedications finds members on multiple similar medications in a
// recent window
func (s *ClaimsStore) DuplicateMedications(ctx context.Context, drugPattern string, daysLookback, limit int) (*Table, error) {
	const query = `
		WITH recent_drugs AS (
			SELECT
				ce.member_id_hash,
				cd.product_service_name,
				ce.date_of_service
			FROM claims_entries ce
			JOIN claims_drugs cd ON ce.claim_entry_id = cd.claim_entry_id
			WHERE UPPER(cd.product_service_name) LIKE '%' || UPPER($1) || '%'
			  AND ce.date_of_service >= CURRENT_DATE - ($2 || ' days')::interval
		),
		member_drugs AS (
			SELECT
				rd.member_id_hash,
				COUNT(DISTINCT rd.product_service_name) AS drug_count,
				STRING_AGG(DISTINCT rd.product_service_name, ', ') AS drugs,
				MIN(rd.date_of_service) AS first_date,
				MAX(rd.date_of_service) AS last_date
			FROM recent_drugs rd
			GROUP BY rd.member_id_hash
			HAVING COUNT(DISTINCT rd.product_service_name) > 1
		)
		SELECT
			m.member_first_name,
			m.member_last_name,
			md.drug_count,
			md.drugs,
			md.first_date,
			md.last_date
		FROM member_drugs md
		JOIN members m ON md.member_id_hash = m.member_id_hash
		ORDER BY md.drug_count DESC, md.last_date DESC
		LIMIT $3`
	return s.queryTable(ctx, query, drugPattern, daysLookback, limit)
}

// DiseaseCohortSummary returns aggregate statistics for a disease cohort
// in a given year
func (s *ClaimsStore) DiseaseCohortSummary(ctx context.Context, diseaseCategory string, year int) (*Table, error) {
	const query = `
		WITH cohort_members AS (
			SELECT DISTINCT member_id_hash
			FROM claims_members_cohorts
			WHERE disease_category = $1
			  AND year_of_service = $2
		)
		SELECT
			$1 AS disease_category,
			$2 AS year,
			COUNT(DISTINCT cm.member_id_hash) AS total_members,
			COUNT(DISTINCT ce.claim_entry_id) AS total_claims,
			SUM(ce.client_amount_due) AS total_spend,
			ROUND(AVG(ce.client_amount_due), 2) AS avg_claim_amount,
			COUNT(DISTINCT cd.product_service_name) AS unique_drugs_used
		FROM cohort_members cm
		LEFT JOIN claims_entries ce ON cm.member_id_hash = ce.member_id_hash
			AND EXTRACT(YEAR FROM ce.date_of_service) = $2
		LEFT JOIN claims_drugs cd ON ce.claim_entry_id = cd.claim_entry_id`
	return s.queryTable(ctx, query, diseaseCategory, year)
}

// Ping verifies claims database connectivity for health checks
func (s *ClaimsStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Claims tools wrap the store's pre-vetted queries as agent tools.

type topDrugSpendTool struct{ store *ClaimsStore }

// NewTopDrugSpendTool builds the top-drug-spend lookup tool
func NewTopDrugSpendTool(store *ClaimsStore) Tool { return &topDrugSpendTool{store: store} }

func (t *topDrugSpendTool) Name() string { return "get_top_drug_spend" }
func (t *topDrugSpendTool) Type() string { return ToolTypeClaimsSQL }

func (t *topDrugSpendTool) Call(ctx context.Context, args ToolArgs) (*Table, error) {
	drugName := argString(args, "drug_name", "")
	if drugName == "" {
		return nil, fmt.Errorf("get_top_drug_spend requires drug_name")
	}
	year := argInt(args, "year", 0)
	if year == 0 {
		return nil, fmt.Errorf("get_top_drug_spend requires year")
	}
	limit := argInt(args, "limit", 10)
	return t.store.TopDrugSpend(ctx, drugName, year, limit)
}

type memberHistoryTool struct{ store *ClaimsStore }

// NewMemberHistoryTool builds the member disease-history lookup tool
func NewMemberHistoryTool(store *ClaimsStore) Tool { return &memberHistoryTool{store: store} }

func (t *memberHistoryTool) Name() string { return "get_member_disease_history" }
func (t *memberHistoryTool) Type() string { return ToolTypeClaimsSQL }

func (t *memberHistoryTool) Call(ctx context.Context, args ToolArgs) (*Table, error) {
	memberIDHash := argString(args, "member_id_hash", "")
	if memberIDHash == "" {
		return nil, fmt.Errorf("get_member_disease_history requires member_id_hash")
	}
	return t.store.MemberDiseaseHistory(ctx, memberIDHash)
}

type duplicateMedicationsTool struct{ store *ClaimsStore }

// NewDuplicateMedicationsTool builds the duplicate-medications lookup tool
func NewDuplicateMedicationsTool(store *ClaimsStore) Tool {
	return &duplicateMedicationsTool{store: store}
}

func (t *duplicateMedicationsTool) Name() string { return "get_duplicate_medications" }
func (t *duplicateMedicationsTool) Type() string { return ToolTypeClaimsSQL }

func (t *duplicateMedicationsTool) Call(ctx context.Context, args ToolArgs) (*Table, error) {
	pattern := argString(args, "drug_pattern", "")
	if pattern == "" {
		return nil, fmt.Errorf("get_duplicate_medications requires drug_pattern")
	}
	daysLookback := argInt(args, "days_lookback", 90)
	limit := argInt(args, "limit", 20)
	return t.store.DuplicateMedications(ctx, pattern, daysLookback, limit)
}

type cohortSummaryTool struct{ store *ClaimsStore }

// NewCohortSummaryTool builds the disease-cohort summary tool
func NewCohortSummaryTool(store *ClaimsStore) Tool { return &cohortSummaryTool{store: store} }

func (t *cohortSummaryTool) Name() string { return "get_disease_cohort_summary" }
func (t *cohortSummaryTool) Type() string { return ToolTypeClaimsSQL }

func (t *cohortSummaryTool) Call(ctx context.Context, args ToolArgs) (*Table, error) {
	category := argString(args, "disease_category", "")
	if category == "" {
		return nil, fmt.Errorf("get_disease_cohort_summary requires disease_category")
	}
	year := argInt(args, "year", 0)
	if year == 0 {
		return nil, fmt.Errorf("get_disease_cohort_summary requires year")
	}
	return t.store.DiseaseCohortSummary(ctx, category, year)
}

// NewClaimsToolRegistry builds the standard tool set over a claims store
// and an optional knowledge-base search. Called once at startup; the
// returned registry is immutable.
func NewClaimsToolRegistry(store *ClaimsStore, kbSearch KnowledgeBaseSearchFunc) (*ToolRegistry, error) {
	tools := []Tool{
		NewTopDrugSpendTool(store),
		NewMemberHistoryTool(store),
		NewDuplicateMedicationsTool(store),
		NewCohortSummaryTool(store),
	}
	if kbSearch != nil {
		tools = append(tools, NewKnowledgeBaseTool(kbSearch))
	}
	return NewToolRegistry(tools...)
}
