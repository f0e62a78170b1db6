// SPDX-License-Identifier: AGPL-3.0-only

package roster

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeStatus(t *testing.T) {
	tests := map[string]struct {
		input    string
		expected Status
	}{
		"empty defaults to active":       {input: "", expected: StatusActive},
		"whitespace defaults to active":  {input: "   ", expected: StatusActive},
		"exact active":                   {input: "active", expected: StatusActive},
		"exact uppercase":                {input: "ACTIVE", expected: StatusActive},
		"employed":                       {input: "Employed", expected: StatusActive},
		"full-time":                      {input: "full-time", expected: StatusActive},
		"contractor":                     {input: "contractor", expected: StatusActive},
		"on leave":                       {input: "On Leave", expected: StatusInactive},
		"sabbatical":                     {input: "sabbatical", expected: StatusInactive},
		"suspended":                      {input: "suspended", expected: StatusInactive},
		"terminated":                     {input: "terminated", expected: StatusLeft},
		"resigned":                       {input: "Resigned", expected: StatusLeft},
		"fired":                          {input: "fired", expected: StatusLeft},
		"substring full-time employee":   {input: "Full-Time Employee", expected: StatusActive},
		"substring voluntarily resigned": {input: "voluntarily resigned", expected: StatusLeft},
		"substring maternity leave":      {input: "maternity leave", expected: StatusInactive},
		"unknown defaults to inactive":   {input: "flurble", expected: StatusInactive},
		"trimmed":                        {input: "  left  ", expected: StatusLeft},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tc.expected, NormalizeStatus(tc.input))
		})
	}
}

func TestNormalizeStatusIdempotent(t *testing.T) {
	inputs := []string{"", "active", "on leave", "terminated", "something else", "Full-Time Employee"}
	for _, in := range inputs {
		first := NormalizeStatus(in)
		require.Equal(t, first, NormalizeStatus(string(first)), "normalize(normalize(%q))", in)
	}
}

func TestNormalizeEmail(t *testing.T) {
	assert.Equal(t, "alice@x.com", NormalizeEmail("  Alice@X.com "))
	assert.Equal(t, "bob@x.com", NormalizeEmail("BOB@X.COM"))
}

func TestValidEmail(t *testing.T) {
	valid := []string{"alice@x.com", "a.b+c@sub.domain.org"}
	invalid := []string{"", "no-at-sign", "two@@x.com", "spaces in@x.com", "missing@tld"}

	for _, e := range valid {
		assert.True(t, ValidEmail(e), e)
	}
	for _, e := range invalid {
		assert.False(t, ValidEmail(e), e)
	}
}

func TestValidDeltaType(t *testing.T) {
	assert.True(t, ValidDeltaType(DeltaLeft))
	assert.True(t, ValidDeltaType(DeltaInactive))
	assert.True(t, ValidDeltaType(DeltaReactivated))
	assert.False(t, ValidDeltaType(DeltaType("rehired")))
	assert.False(t, ValidDeltaType(DeltaType("")))
}
