package web

import (
	"net/http"

	"github.com/JonMunkholm/sheetvc/internal/core"
)

type compareRequest struct {
	FromVersionID string           `json:"from_version_id"`
	ToVersionID   string           `json:"to_version_id"`
	DiffOptions   core.DiffOptions `json:"diff_options"`
}

// handleCompare diffs two versions of the same spreadsheet.
func (s *Server) handleCompare(w http.ResponseWriter, r *http.Request) {
	var req compareRequest
	if err := decodeJSON(w, r, 0, &req); err != nil {
		s.respondError(w, r, err)
		return
	}
	if err := requireField("from_version_id", req.FromVersionID); err != nil {
		s.respondError(w, r, err)
		return
	}
	if err := requireField("to_version_id", req.ToVersionID); err != nil {
		s.respondError(w, r, err)
		return
	}

	diff, err := s.service.Diff(r.Context(), req.FromVersionID, req.ToVersionID, req.DiffOptions)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, diff)
}

type detectRequest struct {
	BaseVersionID string `json:"base_version_id"`
	VersionAID    string `json:"version_a_id"`
	VersionBID    string `json:"version_b_id"`
}

type detectResponse struct {
	Conflicts      []*core.Conflict `json:"conflicts"`
	Count          int              `json:"count"`
	MergeRequestID string           `json:"merge_request_id,omitempty"`
	Reused         bool             `json:"reused"`
}

// handleDetectConflicts runs three-way conflict detection. A non-empty
// result is recorded as a merge request, or attached to the open one for the
// same triple.
func (s *Server) handleDetectConflicts(w http.ResponseWriter, r *http.Request) {
	var req detectRequest
	if err := decodeJSON(w, r, 0, &req); err != nil {
		s.respondError(w, r, err)
		return
	}
	for _, f := range []struct{ name, value string }{
		{"base_version_id", req.BaseVersionID},
		{"version_a_id", req.VersionAID},
		{"version_b_id", req.VersionBID},
	} {
		if err := requireField(f.name, f.value); err != nil {
			s.respondError(w, r, err)
			return
		}
	}

	result, err := s.service.DetectConflicts(r.Context(), req.BaseVersionID, req.VersionAID, req.VersionBID)
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	resp := detectResponse{
		Conflicts: result.Conflicts,
		Count:     len(result.Conflicts),
		Reused:    result.Reused,
	}
	if resp.Conflicts == nil {
		resp.Conflicts = []*core.Conflict{}
	}
	if result.MergeRequest != nil {
		resp.MergeRequestID = result.MergeRequest.ID
	}
	writeJSON(w, resp)
}
