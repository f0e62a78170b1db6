// SPDX-License-Identifier: AGPL-3.0-only

// Package roster holds the employee roster data model shared by the
// ingestion bridge, the reconciler and the HTTP server.
package roster

import (
	"regexp"
	"strings"
	"time"
)

// Source tags record which channel last touched an employee document.
// Downstream consumers depend on the literal values, so they are never
// rewritten or normalized further.
const (
	SourceEmailUpsert = "email:upsert"
	SourceEmailDelta  = "email:delta"
	SourceKafkaUpsert = "kafka:upsert"
	SourceKafkaDelta  = "kafka:delta"
)

// Organization is the per-org reconciliation state. CurrentEpoch increases
// by one per run; LastFinalizedEpoch trails it and never exceeds it.
type Organization struct {
	ID                 string
	Name               string
	CurrentEpoch       int64
	LastFinalizedEpoch int64
	UpdatedAt          time.Time
}

// Employee is a roster member. The logical identity is (orgID, Email);
// the store-assigned document id is opaque and carries no meaning.
type Employee struct {
	Email           string
	StatusInOrg     Status
	PresentInLatest bool
	LastSeenEpoch   int64
	UpdatedAt       time.Time
	Source          string
	LastEventID     string
}

// UpsertRow is one row of a snapshot event, after channel-level decoding.
type UpsertRow struct {
	Email       string `json:"email"`
	StatusInOrg string `json:"statusInOrg"`
	EventID     string `json:"eventId,omitempty"`
}

// DeltaType enumerates the single-employee status transitions.
type DeltaType string

const (
	DeltaLeft        DeltaType = "left"
	DeltaInactive    DeltaType = "inactive"
	DeltaReactivated DeltaType = "reactivated"
)

// ValidDeltaType reports whether t is one of the known transitions.
func ValidDeltaType(t DeltaType) bool {
	switch t {
	case DeltaLeft, DeltaInactive, DeltaReactivated:
		return true
	}
	return false
}

// Delta is a single-employee status change. Deltas never create employees.
type Delta struct {
	Email     string    `json:"email"`
	DeltaType DeltaType `json:"deltaType"`
	EventID   string    `json:"eventId,omitempty"`
}

var emailRe = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)

// NormalizeEmail lowercases and trims an address. It is applied at every
// ingestion boundary so the rest of the system only sees canonical emails.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// ValidEmail reports whether the (already normalized) address is usable as
// a roster key.
func ValidEmail(email string) bool {
	return emailRe.MatchString(email)
}
