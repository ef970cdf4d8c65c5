package web

import (
	"encoding/json"
	"net/http"

	"github.com/JonMunkholm/sheetvc/internal/core"
)

type mergeRequestBody struct {
	VersionAID string `json:"version_a_id"`
	VersionBID string `json:"version_b_id"`
	Strategy   string `json:"strategy"`
}

// handleMerge merges two versions in one call. Without conflicts the merged
// version is returned directly; otherwise the outcome carries the merge
// request and whatever the strategy left unresolved.
func (s *Server) handleMerge(w http.ResponseWriter, r *http.Request) {
	var body mergeRequestBody
	if err := decodeJSON(w, r, 0, &body); err != nil {
		s.respondError(w, r, err)
		return
	}
	if err := requireField("version_a_id", body.VersionAID); err != nil {
		s.respondError(w, r, err)
		return
	}
	if err := requireField("version_b_id", body.VersionBID); err != nil {
		s.respondError(w, r, err)
		return
	}
	strategy, err := core.ParseStrategy(body.Strategy)
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	outcome, err := s.service.Merge(r.Context(), body.VersionAID, body.VersionBID, strategy)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, outcome)
}

func (s *Server) handleGetMergeRequest(w http.ResponseWriter, r *http.Request) {
	mr, err := s.service.GetMergeRequest(r.Context(), pathParam(r, "id"))
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, mr)
}

type resolveMergeBody struct {
	Strategy string `json:"strategy"`
}

func (s *Server) handleResolveMerge(w http.ResponseWriter, r *http.Request) {
	var body resolveMergeBody
	if err := decodeJSON(w, r, 0, &body); err != nil {
		s.respondError(w, r, err)
		return
	}
	strategy, err := core.ParseStrategy(body.Strategy)
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	outcome, err := s.service.ResolveMerge(r.Context(), pathParam(r, "id"), strategy)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, outcome)
}

func (s *Server) handleFinalizeMerge(w http.ResponseWriter, r *http.Request) {
	outcome, err := s.service.FinalizeMerge(r.Context(), pathParam(r, "id"))
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, outcome)
}

func (s *Server) handleAbandonMerge(w http.ResponseWriter, r *http.Request) {
	mr, err := s.service.AbandonMerge(r.Context(), pathParam(r, "id"))
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, mr)
}

// resolveConflictBody keeps value raw so an explicit null can be told apart
// from a missing field.
type resolveConflictBody struct {
	Value json.RawMessage `json:"value"`
}

func (s *Server) handleResolveConflict(w http.ResponseWriter, r *http.Request) {
	var body resolveConflictBody
	if err := decodeJSON(w, r, 0, &body); err != nil {
		s.respondError(w, r, err)
		return
	}
	if len(body.Value) == 0 {
		s.respondError(w, r, core.NewValidationError("value", "is required"))
		return
	}
	var value core.Value
	if err := json.Unmarshal(body.Value, &value); err != nil {
		s.respondError(w, r, core.NewValidationError("value", "invalid JSON: %v", err))
		return
	}

	outcome, err := s.service.ResolveConflict(r.Context(), pathParam(r, "id"), value)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, outcome)
}
