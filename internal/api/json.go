package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"swiftaid/internal/dispatch"
	"swiftaid/internal/logger"
	"swiftaid/internal/store"
)

const maxBodyBytes = 1 << 20

// Problem represents an RFC7807 problem details response body.
type Problem struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeProblem(w http.ResponseWriter, status int, title, detail, instance string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(Problem{
		Type:     "about:blank",
		Title:    title,
		Status:   status,
		Detail:   detail,
		Instance: instance,
	})
}

// decodeJSON reads the request body into v. An empty body is accepted when
// optional is set. On failure the problem response has been written.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any, optional bool) bool {
	err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v)
	if err == nil || (optional && errors.Is(err, io.EOF)) {
		return true
	}
	writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
	return false
}

// writeError maps engine and store errors onto problem responses.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch dispatch.KindOf(err) {
	case dispatch.ErrValidation:
		writeProblem(w, http.StatusBadRequest, "Validation failed", err.Error(), r.URL.Path)
	case dispatch.ErrNotFound:
		writeProblem(w, http.StatusNotFound, "Not Found", err.Error(), r.URL.Path)
	case dispatch.ErrInvalidState:
		writeProblem(w, http.StatusConflict, "Invalid state", err.Error(), r.URL.Path)
	case dispatch.ErrDriverUnavailable:
		writeProblem(w, http.StatusConflict, "Driver unavailable", err.Error(), r.URL.Path)
	case dispatch.ErrAlreadyRated:
		writeProblem(w, http.StatusConflict, "Already rated", err.Error(), r.URL.Path)
	default:
		if errors.Is(err, store.ErrNotFound) {
			writeProblem(w, http.StatusNotFound, "Not Found", "", r.URL.Path)
			return
		}
		s.Log.Error().Err(err).Str("request_id", logger.RequestID(r.Context())).Str("path", r.URL.Path).Msg("request failed")
		writeProblem(w, http.StatusInternalServerError, "Internal error", "", r.URL.Path)
	}
}

func forbidden(w http.ResponseWriter, r *http.Request, detail string) {
	writeProblem(w, http.StatusForbidden, "Forbidden", detail, r.URL.Path)
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allow string) {
	w.Header().Set("Allow", allow)
	writeProblem(w, http.StatusMethodNotAllowed, "Method Not Allowed", "", r.URL.Path)
}
