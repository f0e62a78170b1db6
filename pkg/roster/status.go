// SPDX-License-Identifier: AGPL-3.0-only

package roster

import "strings"

// Status is the canonical three-state employment status stored per org.
type Status string

const (
	StatusActive   Status = "active"
	StatusInactive Status = "inactive"
	StatusLeft     Status = "left"
)

// statusVocabulary maps free-form HR vocabulary onto the canonical states.
// Exact (case-insensitive) matches are tried first, then substring matches,
// so "Full-Time Employee" still resolves to active.
var statusVocabulary = map[Status][]string{
	StatusActive: {
		"active", "employed", "current", "working", "full-time", "fulltime",
		"part-time", "parttime", "contractor", "consultant", "intern",
	},
	StatusInactive: {
		"inactive", "on leave", "onleave", "leave", "sabbatical", "maternity",
		"paternity", "medical", "suspended",
	},
	StatusLeft: {
		"left", "terminated", "former", "resigned", "retired", "departed",
		"exited", "quit", "fired", "removed",
	},
}

// vocabularyOrder fixes the match order so substring resolution is
// deterministic when more than one state's vocabulary could match.
var vocabularyOrder = []Status{StatusActive, StatusInactive, StatusLeft}

// NormalizeStatus resolves a free-form status string to a canonical Status.
// Empty input defaults to active; unknown non-empty input defaults to
// inactive. The function is idempotent: canonical states map to themselves.
func NormalizeStatus(raw string) Status {
	s := strings.ToLower(strings.TrimSpace(raw))
	if s == "" {
		return StatusActive
	}

	for _, canonical := range vocabularyOrder {
		for _, term := range statusVocabulary[canonical] {
			if s == term {
				return canonical
			}
		}
	}
	for _, canonical := range vocabularyOrder {
		for _, term := range statusVocabulary[canonical] {
			if strings.Contains(s, term) {
				return canonical
			}
		}
	}
	return StatusInactive
}
