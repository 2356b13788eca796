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
	"strings"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
)

func newMockStore(t *testing.T) (*ClaimsStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewClaimsStore(db), mock
}

func TestTopDrugSpend(t *testing.T) {
	store, mock := newMockStore(t)

	rows := sqlmock.NewRows([]string{
		"member_first_name", "member_last_name", "fill_count",
		"total_spend", "avg_spend_per_fill", "first_fill_date", "last_fill_date",
	}).AddRow("Hannah", "Smith", 4, 4800.00, 1200.00, "2024-01-10", "2024-11-02")

	mock.ExpectQuery("SELECT").
		WithArgs("ozempic", 2024, 10).
		WillReturnRows(rows)

	table, err := store.TopDrugSpend(context.Background(), "ozempic", 2024, 10)
	if err != nil {
		t.Fatalf("TopDrugSpend failed: %v", err)
	}

	if len(table.Columns) != 7 {
		t.Errorf("expected 7 columns, got %d", len(table.Columns))
	}
	if len(table.Rows) != 1 {
		t.Fatalf("expected 1 row, got %d", len(table.Rows))
	}
	if table.Rows[0][0] != "Hannah" {
		t.Errorf("first cell = %v", table.Rows[0][0])
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestMemberDiseaseHistoryByteSlicesBecomeStrings(t *testing.T) {
	store, mock := newMockStore(t)

	rows := sqlmock.NewRows([]string{
		"icd_code", "diagnosis_description", "first_seen", "last_seen",
		"claim_count", "primary_diagnosis",
	}).AddRow([]byte("E11.9"), []byte("Type 2 diabetes"), "2023-01-05", "2024-06-01", 12, "Yes")

	mock.ExpectQuery("SELECT").
		WithArgs("abc123hash").
		WillReturnRows(rows)

	table, err := store.MemberDiseaseHistory(context.Background(), "abc123hash")
	if err != nil {
		t.Fatalf("MemberDiseaseHistory failed: %v", err)
	}

	if got, ok := table.Rows[0][0].(string); !ok || got != "E11.9" {
		t.Errorf("byte slice cell should become string, got %T %v", table.Rows[0][0], table.Rows[0][0])
	}
}

func TestClaimsToolArgValidation(t *testing.T) {
	store, _ := newMockStore(t)

	tests := []struct {
		name string
		tool Tool
		args ToolArgs
		want string
	}{
		{"drug spend missing drug", NewTopDrugSpendTool(store), ToolArgs{"year": 2024}, "drug_name"},
		{"drug spend missing year", NewTopDrugSpendTool(store), ToolArgs{"drug_name": "ozempic"}, "year"},
		{"history missing hash", NewMemberHistoryTool(store), ToolArgs{}, "member_id_hash"},
		{"duplicates missing pattern", NewDuplicateMedicationsTool(store), ToolArgs{}, "drug_pattern"},
		{"cohort missing category", NewCohortSummaryTool(store), ToolArgs{"year": 2024}, "disease_category"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.tool.Call(context.Background(), tt.args)
			if err == nil {
				t.Fatal("expected argument error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not name %q", err, tt.want)
			}
		})
	}
}

func TestClaimsToolJSONNumericArgs(t *testing.T) {
	// JSON decoding hands tools float64 for numbers; they must still work.
	store, mock := newMockStore(t)

	mock.ExpectQuery("SELECT").
		WithArgs("metformin", 2023, 5).
		WillReturnRows(sqlmock.NewRows([]string{"member_first_name"}))

	tool := NewTopDrugSpendTool(store)
	_, err := tool.Call(context.Background(), ToolArgs{
		"drug_name": "metformin",
		"year":      float64(2023),
		"limit":     float64(5),
	})
	if err != nil {
		t.Fatalf("Call failed: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestClaimsToolTypes(t *testing.T) {
	store, _ := newMockStore(t)
	for _, tool := range []Tool{
		NewTopDrugSpendTool(store),
		NewMemberHistoryTool(store),
		NewDuplicateMedicationsTool(store),
		NewCohortSummaryTool(store),
	} {
		if tool.Type() != ToolTypeClaimsSQL {
			t.Errorf("tool %q type = %q, want %q", tool.Name(), tool.Type(), ToolTypeClaimsSQL)
		}
	}
}

func TestNewClaimsToolRegistry(t *testing.T) {
	store, _ := newMockStore(t)

	kb := func(ctx context.Context, q string) ([]string, error) { return nil, nil }
	registry, err := NewClaimsToolRegistry(store, kb)
	if err != nil {
		t.Fatalf("NewClaimsToolRegistry failed: %v", err)
	}

	names := registry.Names()
	want := []string{
		"file_search",
		"get_disease_cohort_summary",
		"get_duplicate_medications",
		"get_member_disease_history",
		"get_top_drug_spend",
	}
	if len(names) != len(want) {
		t.Fatalf("names = %v", names)
	}
	for i, n := range want {
		if names[i] != n {
			t.Errorf("names[%d] = %q, want %q", i, names[i], n)
		}
	}
}
