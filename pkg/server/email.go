// SPDX-License-Identifier: AGPL-3.0-only

package server

import (
	"bytes"
	"io"
	"net/http"
	"strings"

	jsoniter "github.com/json-iterator/go"

	"github.com/ctopuviyan/OrgOnboarder/pkg/attachments"
	"github.com/ctopuviyan/OrgOnboarder/pkg/roster"
)

const (
	kindUpserts = "upserts"
	kindDeltas  = "deltas"
)

type emailJSONRequest struct {
	OrgID   string              `json:"orgId"`
	OrgName string              `json:"orgName"`
	Kind    string              `json:"kind"`
	Rows    jsoniter.RawMessage `json:"rows"`
}

// handleEmail ingests a roster attachment: multipart with a file part, or a
// JSON body carrying rows inline. Upsert attachments represent a full
// snapshot, so they always run inside a fresh epoch that is finalized on
// completion.
func (s *Server) handleEmail(w http.ResponseWriter, r *http.Request) {
	var (
		orgID, orgName, kind string
		format               attachments.Format
		content              io.Reader
	)

	contentType := r.Header.Get("Content-Type")
	switch {
	case strings.HasPrefix(contentType, "multipart/"):
		if err := r.ParseMultipartForm(maxBodyBytes); err != nil {
			s.writeError(w, http.StatusBadRequest, "bad_request", "malformed multipart body: "+err.Error())
			return
		}
		orgID = r.FormValue("orgId")
		orgName = r.FormValue("orgName")
		kind = r.FormValue("kind")

		file, header, err := r.FormFile("file")
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "bad_request", "file part is required")
			return
		}
		defer func() { _ = file.Close() }()

		format, err = attachments.DetectFormat(header.Filename, header.Header.Get("Content-Type"))
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "bad_request", err.Error())
			return
		}
		content = file

	default:
		var req emailJSONRequest
		if !s.decodeBody(w, r, &req) {
			return
		}
		orgID, orgName, kind = req.OrgID, req.OrgName, req.Kind
		if len(req.Rows) == 0 {
			// Absent rows behave as an empty snapshot.
			req.Rows = jsoniter.RawMessage("[]")
		}
		format = attachments.FormatJSON
		content = bytes.NewReader(req.Rows)
	}

	if orgID == "" {
		s.writeError(w, http.StatusBadRequest, "bad_request", "orgId is required")
		return
	}
	if kind == "" {
		kind = kindUpserts
	}

	switch kind {
	case kindUpserts:
		s.emailUpserts(w, r, orgID, orgName, format, content)
	case kindDeltas:
		s.emailDeltas(w, r, orgID, format, content)
	default:
		s.writeError(w, http.StatusBadRequest, "bad_request", "kind must be upserts or deltas")
	}
}

func (s *Server) emailUpserts(w http.ResponseWriter, r *http.Request, orgID, orgName string, format attachments.Format, content io.Reader) {
	rows, dropped, err := attachments.DecodeUpserts(format, content)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	epoch, err := s.epochs.BeginRun(r.Context(), orgID, orgName)
	if err != nil {
		s.writeInternalError(w, r, err)
		return
	}

	result, err := s.processor.ProcessUpserts(r.Context(), orgID, rows, epoch, roster.SourceEmailUpsert)
	if err != nil {
		s.writeInternalError(w, r, err)
		return
	}

	// An emailed roster is a complete snapshot; close the epoch so absent
	// employees are marked immediately.
	if err := s.epochs.FinalizeRun(r.Context(), orgID, epoch); err != nil {
		s.writeInternalError(w, r, err)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":   true,
		"processed": result.Processed,
		"skipped":   result.Skipped + dropped,
		"kind":      kindUpserts,
	})
}

func (s *Server) emailDeltas(w http.ResponseWriter, r *http.Request, orgID string, format attachments.Format, content io.Reader) {
	deltas, dropped, err := attachments.DecodeDeltas(format, content)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	result, err := s.processor.ProcessDeltas(r.Context(), orgID, deltas, roster.SourceEmailDelta)
	if err != nil {
		s.writeInternalError(w, r, err)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":   true,
		"processed": result.Processed,
		"skipped":   result.Skipped + dropped,
		"kind":      kindDeltas,
	})
}
