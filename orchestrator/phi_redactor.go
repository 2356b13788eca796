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
	"regexp"
	"strings"
)

// PHIType represents the categories of protected health information the
// redactor removes before a response leaves the service
type PHIType string

const (
	PHITypeDate     PHIType = "date"
	PHITypeSSN      PHIType = "ssn"
	PHITypePhone    PHIType = "phone"
	PHITypeMemberID PHIType = "member_id"
	PHITypeName     PHIType = "name"
)

// phiPattern pairs a PHI category with its detection regex and the
// replacement marker written into the output
type phiPattern struct {
	Type        PHIType
	Pattern     *regexp.Regexp
	Replacement string
}

// PHIRedactor removes protected health information from answer text and
// result tables. Patterns are compiled once at construction; the redactor
// is immutable and safe for concurrent use.
type PHIRedactor struct {
	patterns []phiPattern
	nameList map[string]bool
}

// Common first names seen in the claims dataset. Table cells containing
// any of these are replaced wholesale; HIPAA takes a partial false
// positive over a leaked name.
var defaultNameList = []string{
	"hannah", "bobby", "troy", "ronald", "james", "timothy",
	"anne", "nichelle", "gennifer", "scott", "ricardo", "cynthia",
	"camila", "jon", "lynda", "jeff", "elena", "debra", "paul",
	"grant", "nahed", "anna", "madelaine", "nancy", "tamara",
	"gretchen", "gary", "david", "richard",
}

// NewPHIRedactor builds the redactor with the standard pattern set
func NewPHIRedactor() *PHIRedactor {
	names := make(map[string]bool, len(defaultNameList))
	for _, n := range defaultNameList {
		names[n] = true
	}

	return &PHIRedactor{
		nameList: names,
		patterns: []phiPattern{
			// SSN before phone: a phone pattern would swallow the 9-digit core.
			{
				Type:        PHITypeSSN,
				Pattern:     regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`),
				Replacement: "[SSN REDACTED]",
			},
			{
				Type:        PHITypeDate,
				Pattern:     regexp.MustCompile(`\b\d{1,2}[/-]\d{1,2}[/-]\d{2,4}\b`),
				Replacement: "[DATE REDACTED]",
			},
			{
				Type:        PHITypeDate,
				Pattern:     regexp.MustCompile(`\b\d{4}[/-]\d{1,2}[/-]\d{1,2}\b`),
				Replacement: "[DATE REDACTED]",
			},
			{
				Type:        PHITypePhone,
				Pattern:     regexp.MustCompile(`\b\d{3}[-.]?\d{3}[-.]?\d{4}\b`),
				Replacement: "[PHONE REDACTED]",
			},
			{
				Type:        PHITypeMemberID,
				Pattern:     regexp.MustCompile(`\b[a-f0-9]{64}\b`),
				Replacement: "[MEMBER_ID REDACTED]",
			},
		},
	}
}

// RedactText removes PHI from free text
func (r *PHIRedactor) RedactText(text string) string {
	for _, p := range r.patterns {
		text = p.Pattern.ReplaceAllString(text, p.Replacement)
	}
	return text
}

// RedactTable removes PHI from every string cell of a result table.
// The table is redacted in place and returned for chaining; nil tables
// pass through.
func (r *PHIRedactor) RedactTable(table *Table) *Table {
	if table == nil {
		return nil
	}

	for _, row := range table.Rows {
		for i, cell := range row {
			s, ok := cell.(string)
			if !ok {
				continue
			}
			s = r.RedactText(s)
			if r.containsKnownName(s) {
				s = "[NAME REDACTED]"
			}
			row[i] = s
		}
	}
	return table
}

// containsKnownName reports whether any token of the cell matches the
// known first-name list
func (r *PHIRedactor) containsKnownName(cell string) bool {
	lower := strings.ToLower(cell)
	for name := range r.nameList {
		if strings.Contains(lower, name) {
			return true
		}
	}
	return false
}
