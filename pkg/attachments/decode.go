// SPDX-License-Identifier: AGPL-3.0-only

// Package attachments decodes roster files received on the email ingestion
// channel. CSV, XLSX and JSON are supported; the format is picked from the
// filename extension with a content-type fallback.
package attachments

import (
	"encoding/csv"
	"io"
	"strings"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"github.com/xuri/excelize/v2"

	"github.com/ctopuviyan/OrgOnboarder/pkg/roster"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Format identifies a supported attachment encoding.
type Format string

const (
	FormatCSV  Format = "csv"
	FormatXLSX Format = "xlsx"
	FormatJSON Format = "json"
)

// ErrUnsupportedFormat is returned for attachments that are none of the
// supported encodings.
var ErrUnsupportedFormat = errors.New("unsupported attachment format")

// DetectFormat picks the attachment format from the filename extension,
// falling back to the declared content type.
func DetectFormat(filename, contentType string) (Format, error) {
	name := strings.ToLower(filename)
	switch {
	case strings.HasSuffix(name, ".csv"):
		return FormatCSV, nil
	case strings.HasSuffix(name, ".xlsx"):
		return FormatXLSX, nil
	case strings.HasSuffix(name, ".json"):
		return FormatJSON, nil
	}

	ct := strings.ToLower(contentType)
	switch {
	case strings.Contains(ct, "csv"):
		return FormatCSV, nil
	case strings.Contains(ct, "spreadsheetml"), strings.Contains(ct, "ms-excel"):
		return FormatXLSX, nil
	case strings.Contains(ct, "json"):
		return FormatJSON, nil
	}
	return "", errors.Wrapf(ErrUnsupportedFormat, "%s (%s)", filename, contentType)
}

// emailHeaders and statusHeaders are the column names accepted for the two
// roster columns, compared case-insensitively with spaces and underscores
// stripped.
var (
	emailHeaders  = []string{"email", "emailaddress", "mail", "workemail"}
	statusHeaders = []string{"status", "statusinorg", "employmentstatus", "state"}
	deltaHeaders  = []string{"deltatype", "delta", "action", "transition"}
)

func normalizeHeader(h string) string {
	h = strings.ToLower(strings.TrimSpace(h))
	h = strings.ReplaceAll(h, " ", "")
	return strings.ReplaceAll(h, "_", "")
}

func findColumn(header []string, candidates []string) int {
	for i, h := range header {
		n := normalizeHeader(h)
		for _, c := range candidates {
			if n == c {
				return i
			}
		}
	}
	return -1
}

// DecodeUpserts reads upsert rows from an attachment. Rows with an invalid
// email are dropped; the second return value counts them.
func DecodeUpserts(format Format, r io.Reader) ([]roster.UpsertRow, int, error) {
	if format == FormatJSON {
		return decodeJSONUpserts(r)
	}
	rows, err := tabular(format, r)
	if err != nil {
		return nil, 0, err
	}
	return upsertsFromTable(rows)
}

// DecodeDeltas reads delta rows from an attachment.
func DecodeDeltas(format Format, r io.Reader) ([]roster.Delta, int, error) {
	if format == FormatJSON {
		return decodeJSONDeltas(r)
	}
	rows, err := tabular(format, r)
	if err != nil {
		return nil, 0, err
	}
	return deltasFromTable(rows)
}

// tabular reads a CSV or XLSX attachment into rows of cells.
func tabular(format Format, r io.Reader) ([][]string, error) {
	switch format {
	case FormatCSV:
		reader := csv.NewReader(r)
		reader.FieldsPerRecord = -1
		reader.TrimLeadingSpace = true
		rows, err := reader.ReadAll()
		if err != nil {
			return nil, errors.Wrap(err, "reading csv")
		}
		return rows, nil

	case FormatXLSX:
		f, err := excelize.OpenReader(r)
		if err != nil {
			return nil, errors.Wrap(err, "opening workbook")
		}
		defer func() { _ = f.Close() }()

		sheets := f.GetSheetList()
		if len(sheets) == 0 {
			return nil, nil
		}
		rows, err := f.GetRows(sheets[0])
		if err != nil {
			return nil, errors.Wrapf(err, "reading sheet %s", sheets[0])
		}
		return rows, nil
	}
	return nil, errors.Wrapf(ErrUnsupportedFormat, "%s", format)
}

func upsertsFromTable(rows [][]string) ([]roster.UpsertRow, int, error) {
	if len(rows) == 0 {
		return nil, 0, nil
	}
	emailCol := findColumn(rows[0], emailHeaders)
	if emailCol < 0 {
		return nil, 0, errors.New("no email column in header row")
	}
	statusCol := findColumn(rows[0], statusHeaders)

	var out []roster.UpsertRow
	dropped := 0
	for _, row := range rows[1:] {
		if emailCol >= len(row) {
			dropped++
			continue
		}
		email := roster.NormalizeEmail(row[emailCol])
		if !roster.ValidEmail(email) {
			dropped++
			continue
		}
		status := ""
		if statusCol >= 0 && statusCol < len(row) {
			status = row[statusCol]
		}
		out = append(out, roster.UpsertRow{Email: email, StatusInOrg: status})
	}
	return out, dropped, nil
}

func deltasFromTable(rows [][]string) ([]roster.Delta, int, error) {
	if len(rows) == 0 {
		return nil, 0, nil
	}
	emailCol := findColumn(rows[0], emailHeaders)
	deltaCol := findColumn(rows[0], deltaHeaders)
	if emailCol < 0 || deltaCol < 0 {
		return nil, 0, errors.New("delta attachments need email and deltaType columns")
	}

	var out []roster.Delta
	dropped := 0
	for _, row := range rows[1:] {
		if emailCol >= len(row) || deltaCol >= len(row) {
			dropped++
			continue
		}
		email := roster.NormalizeEmail(row[emailCol])
		deltaType := roster.DeltaType(strings.ToLower(strings.TrimSpace(row[deltaCol])))
		if !roster.ValidEmail(email) || !roster.ValidDeltaType(deltaType) {
			dropped++
			continue
		}
		out = append(out, roster.Delta{Email: email, DeltaType: deltaType})
	}
	return out, dropped, nil
}

// jsonUpsertRow tolerates both "statusInOrg" and the shorter "status" key
// seen in exported files.
type jsonUpsertRow struct {
	Email       string `json:"email"`
	StatusInOrg string `json:"statusInOrg"`
	Status      string `json:"status"`
}

func decodeJSONUpserts(r io.Reader) ([]roster.UpsertRow, int, error) {
	var raw []jsonUpsertRow
	if err := json.NewDecoder(r).Decode(&raw); err != nil {
		return nil, 0, errors.Wrap(err, "decoding json rows")
	}

	var out []roster.UpsertRow
	dropped := 0
	for _, row := range raw {
		email := roster.NormalizeEmail(row.Email)
		if !roster.ValidEmail(email) {
			dropped++
			continue
		}
		status := row.StatusInOrg
		if status == "" {
			status = row.Status
		}
		out = append(out, roster.UpsertRow{Email: email, StatusInOrg: status})
	}
	return out, dropped, nil
}

func decodeJSONDeltas(r io.Reader) ([]roster.Delta, int, error) {
	var raw []roster.Delta
	if err := json.NewDecoder(r).Decode(&raw); err != nil {
		return nil, 0, errors.Wrap(err, "decoding json deltas")
	}

	var out []roster.Delta
	dropped := 0
	for _, delta := range raw {
		delta.Email = roster.NormalizeEmail(delta.Email)
		if !roster.ValidEmail(delta.Email) || !roster.ValidDeltaType(delta.DeltaType) {
			dropped++
			continue
		}
		out = append(out, delta)
	}
	return out, dropped, nil
}
