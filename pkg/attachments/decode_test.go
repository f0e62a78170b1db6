// SPDX-License-Identifier: AGPL-3.0-only

package attachments

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/ctopuviyan/OrgOnboarder/pkg/roster"
)

func TestDetectFormat(t *testing.T) {
	tests := []struct {
		filename    string
		contentType string
		expected    Format
		wantErr     bool
	}{
		{filename: "roster.csv", expected: FormatCSV},
		{filename: "Roster.XLSX", expected: FormatXLSX},
		{filename: "rows.json", expected: FormatJSON},
		{filename: "upload", contentType: "text/csv", expected: FormatCSV},
		{filename: "upload", contentType: "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet", expected: FormatXLSX},
		{filename: "upload", contentType: "application/json", expected: FormatJSON},
		{filename: "roster.pdf", contentType: "application/pdf", wantErr: true},
	}
	for _, tc := range tests {
		format, err := DetectFormat(tc.filename, tc.contentType)
		if tc.wantErr {
			assert.ErrorIs(t, err, ErrUnsupportedFormat)
			continue
		}
		require.NoError(t, err, tc.filename)
		assert.Equal(t, tc.expected, format)
	}
}

func TestDecodeUpsertsCSV(t *testing.T) {
	input := strings.Join([]string{
		"Email,Employment Status,Department",
		"Alice@X.com,Active,Engineering",
		"bob@x.com,Terminated,Sales",
		"not-an-email,Active,HR",
		"carol@x.com,,Support",
	}, "\n")

	rows, dropped, err := DecodeUpserts(FormatCSV, strings.NewReader(input))
	require.NoError(t, err)
	assert.Equal(t, 1, dropped)
	require.Len(t, rows, 3)
	assert.Equal(t, roster.UpsertRow{Email: "alice@x.com", StatusInOrg: "Active"}, rows[0])
	assert.Equal(t, roster.UpsertRow{Email: "bob@x.com", StatusInOrg: "Terminated"}, rows[1])
	assert.Equal(t, roster.UpsertRow{Email: "carol@x.com", StatusInOrg: ""}, rows[2])
}

func TestDecodeUpsertsCSVNoEmailColumn(t *testing.T) {
	_, _, err := DecodeUpserts(FormatCSV, strings.NewReader("name,dept\nAlice,Eng\n"))
	require.Error(t, err)
}

func TestDecodeUpsertsJSON(t *testing.T) {
	input := `[
		{"email": "Alice@X.com", "statusInOrg": "active"},
		{"email": "bob@x.com", "status": "on leave"},
		{"email": "bogus"}
	]`
	rows, dropped, err := DecodeUpserts(FormatJSON, strings.NewReader(input))
	require.NoError(t, err)
	assert.Equal(t, 1, dropped)
	require.Len(t, rows, 2)
	assert.Equal(t, "alice@x.com", rows[0].Email)
	assert.Equal(t, "on leave", rows[1].StatusInOrg, "short status key is accepted")
}

func TestDecodeUpsertsJSONMalformed(t *testing.T) {
	_, _, err := DecodeUpserts(FormatJSON, strings.NewReader(`{"not":"an array"}`))
	require.Error(t, err)
}

func TestDecodeUpsertsXLSX(t *testing.T) {
	f := excelize.NewFile()
	sheet := f.GetSheetName(0)
	require.NoError(t, f.SetSheetRow(sheet, "A1", &[]interface{}{"email", "status"}))
	require.NoError(t, f.SetSheetRow(sheet, "A2", &[]interface{}{"Alice@X.com", "Active"}))
	require.NoError(t, f.SetSheetRow(sheet, "A3", &[]interface{}{"bad-row", "Active"}))

	var buf bytes.Buffer
	require.NoError(t, f.Write(&buf))

	rows, dropped, err := DecodeUpserts(FormatXLSX, &buf)
	require.NoError(t, err)
	assert.Equal(t, 1, dropped)
	require.Len(t, rows, 1)
	assert.Equal(t, "alice@x.com", rows[0].Email)
}

func TestDecodeDeltasCSV(t *testing.T) {
	input := strings.Join([]string{
		"email,delta_type",
		"alice@x.com,left",
		"bob@x.com,reactivated",
		"carol@x.com,promoted",
	}, "\n")

	deltas, dropped, err := DecodeDeltas(FormatCSV, strings.NewReader(input))
	require.NoError(t, err)
	assert.Equal(t, 1, dropped, "unknown delta types are dropped")
	require.Len(t, deltas, 2)
	assert.Equal(t, roster.DeltaLeft, deltas[0].DeltaType)
	assert.Equal(t, roster.DeltaReactivated, deltas[1].DeltaType)
}

func TestDecodeDeltasJSON(t *testing.T) {
	input := `[{"email": "Alice@X.com", "deltaType": "inactive", "eventId": "d-7"}]`
	deltas, dropped, err := DecodeDeltas(FormatJSON, strings.NewReader(input))
	require.NoError(t, err)
	assert.Zero(t, dropped)
	require.Len(t, deltas, 1)
	assert.Equal(t, roster.Delta{Email: "alice@x.com", DeltaType: roster.DeltaInactive, EventID: "d-7"}, deltas[0])
}

func TestDecodeEmptyInputs(t *testing.T) {
	rows, dropped, err := DecodeUpserts(FormatCSV, strings.NewReader(""))
	require.NoError(t, err)
	assert.Empty(t, rows)
	assert.Zero(t, dropped)
}
