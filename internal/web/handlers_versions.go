package web

import (
	"encoding/json"
	"fmt"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"github.com/JonMunkholm/sheetvc/internal/core"
	"github.com/JonMunkholm/sheetvc/internal/logging"
)

// multipartMemory is how much of a multipart form is buffered in memory
// before spilling to temporary files.
const multipartMemory = 32 << 20

// createVersionJSON is the JSON form of a version upload.
type createVersionJSON struct {
	SpreadsheetID string         `json:"spreadsheet_id"`
	ParentID      string         `json:"parent_id"`
	Detached      bool           `json:"detached"`
	ChangeSummary string         `json:"change_summary"`
	Headers       []string       `json:"headers"`
	Rows          [][]core.Value `json:"rows"`
}

// handleCreateVersion accepts a sheet as multipart upload (field "file"), as
// a JSON grid, or as a raw CSV/JSON body with metadata in the query string.
func (s *Server) handleCreateVersion(w http.ResponseWriter, r *http.Request) {
	req, err := s.parseCreateVersion(w, r)
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	result, err := s.service.CreateVersion(r.Context(), req)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSONStatus(w, http.StatusCreated, result)
}

func (s *Server) parseCreateVersion(w http.ResponseWriter, r *http.Request) (core.CreateVersionRequest, error) {
	limit := s.cfg.Content.MaxPayloadSize
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))

	switch mediaType {
	case "multipart/form-data":
		return s.parseMultipartVersion(w, r, limit)
	case "application/json":
		return parseJSONVersion(w, r, limit)
	default:
		return parseRawVersion(w, r, limit)
	}
}

func (s *Server) parseMultipartVersion(w http.ResponseWriter, r *http.Request, limit int64) (core.CreateVersionRequest, error) {
	var req core.CreateVersionRequest
	if limit > 0 {
		// Room for the form fields around the file.
		r.Body = http.MaxBytesReader(w, r.Body, limit+multipartMemory)
	}
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		if statusFor(err) == http.StatusRequestEntityTooLarge {
			return req, err
		}
		return req, core.NewValidationError("body", "invalid multipart form: %v", err)
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		return req, core.NewValidationError("file", "is required")
	}
	defer file.Close()

	format, err := core.DetectFormat(header.Header.Get("Content-Type"), header.Filename)
	if err != nil {
		return req, err
	}
	payload, err := core.ReadPayload(file, limit)
	if err != nil {
		return req, err
	}

	detached, err := parseBool(r.FormValue("detached"))
	if err != nil {
		return req, err
	}
	return core.CreateVersionRequest{
		SpreadsheetID: strings.TrimSpace(r.FormValue("spreadsheet_id")),
		Payload:       payload,
		Format:        format,
		ParentID:      strings.TrimSpace(r.FormValue("parent_id")),
		Detached:      detached,
		ChangeSummary: r.FormValue("change_summary"),
	}, nil
}

func parseJSONVersion(w http.ResponseWriter, r *http.Request, limit int64) (core.CreateVersionRequest, error) {
	var body createVersionJSON
	if err := decodeJSON(w, r, limit, &body); err != nil {
		return core.CreateVersionRequest{}, err
	}
	payload, err := json.Marshal(core.Grid{Headers: body.Headers, Rows: body.Rows})
	if err != nil {
		return core.CreateVersionRequest{}, core.UnsupportedFormat("invalid grid: %v", err)
	}
	return core.CreateVersionRequest{
		SpreadsheetID: strings.TrimSpace(body.SpreadsheetID),
		Payload:       payload,
		Format:        core.FormatJSON,
		ParentID:      strings.TrimSpace(body.ParentID),
		Detached:      body.Detached,
		ChangeSummary: body.ChangeSummary,
	}, nil
}

func parseRawVersion(w http.ResponseWriter, r *http.Request, limit int64) (core.CreateVersionRequest, error) {
	var req core.CreateVersionRequest
	q := r.URL.Query()

	format, err := core.DetectFormat(r.Header.Get("Content-Type"), q.Get("filename"))
	if err != nil {
		return req, err
	}
	if limit > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, limit+1)
	}
	payload, err := core.ReadPayload(r.Body, limit)
	if err != nil {
		return req, err
	}

	detached, err := parseBool(q.Get("detached"))
	if err != nil {
		return req, err
	}
	return core.CreateVersionRequest{
		SpreadsheetID: strings.TrimSpace(q.Get("spreadsheet_id")),
		Payload:       payload,
		Format:        format,
		ParentID:      strings.TrimSpace(q.Get("parent_id")),
		Detached:      detached,
		ChangeSummary: q.Get("change_summary"),
	}, nil
}

func parseBool(s string) (bool, error) {
	if s == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(s)
	if err != nil {
		return false, core.NewValidationError("detached", "must be a boolean")
	}
	return b, nil
}

func (s *Server) handleGetVersion(w http.ResponseWriter, r *http.Request) {
	v, err := s.service.GetVersion(r.Context(), pathParam(r, "id"))
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, v)
}

// versionDataResponse is a version with its grid.
type versionDataResponse struct {
	*core.Version
	Data *core.Grid `json:"data"`
}

func (s *Server) handleVersionData(w http.ResponseWriter, r *http.Request) {
	snap, err := s.service.VersionData(r.Context(), pathParam(r, "id"))
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, versionDataResponse{Version: snap.Version, Data: snap.Grid})
}

// handleExportVersion streams a version's grid as a CSV download.
func (s *Server) handleExportVersion(w http.ResponseWriter, r *http.Request) {
	snap, err := s.service.VersionData(r.Context(), pathParam(r, "id"))
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	filename := fmt.Sprintf("%s_%d.csv", snap.Version.SpreadsheetID, snap.Version.Sequence)
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": filename}))
	if err := core.WriteCSV(w, snap.Grid); err != nil {
		logging.FromContext(r.Context()).Error("csv export failed", "version_id", snap.Version.ID, "error", err)
	}
}

// versionListResponse wraps a version listing.
type versionListResponse struct {
	Versions []*core.Version `json:"versions"`
	Count    int             `json:"count"`
}

func (s *Server) handleListVersions(w http.ResponseWriter, r *http.Request) {
	versions, err := s.service.ListVersions(r.Context(), pathParam(r, "id"))
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, versionListResponse{Versions: versions, Count: len(versions)})
}

func (s *Server) handleVersionsByHash(w http.ResponseWriter, r *http.Request) {
	versions, err := s.service.VersionsByHash(r.Context(), pathParam(r, "hash"))
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, versionListResponse{Versions: versions, Count: len(versions)})
}

func (s *Server) handleCommonAncestor(w http.ResponseWriter, r *http.Request) {
	v, err := s.service.CommonAncestor(r.Context(), pathParam(r, "id"), pathParam(r, "other"))
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, v)
}
