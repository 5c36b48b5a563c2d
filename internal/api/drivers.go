package api

import (
	"net/http"
	"strings"

	"swiftaid/internal/dispatch"
	"swiftaid/internal/model"
)

// DriversHandler handles GET/POST /v1/drivers
func (s *Server) DriversHandler(w http.ResponseWriter, r *http.Request) {
	p, ok := s.getPrincipal(w, r)
	if !ok {
		return
	}
	switch r.Method {
	case http.MethodGet:
		f := model.DriverFilter{Status: model.DriverStatus(r.URL.Query().Get("status"))}
		items, err := s.Engine.ListDrivers(r.Context(), f)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": items})
	case http.MethodPost:
		if !p.IsAdmin() {
			forbidden(w, r, "admin required")
			return
		}
		var d model.Driver
		if !decodeJSON(w, r, &d, false) {
			return
		}
		created, err := s.Engine.RegisterDriver(r.Context(), d)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, created)
	default:
		methodNotAllowed(w, r, "GET, POST")
	}
}

// DriverByIDHandler handles GET /v1/drivers/{id} and POST /v1/drivers/{id}/status
func (s *Server) DriverByIDHandler(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/drivers/"), "/")
	parts := strings.Split(rest, "/")
	id := parts[0]
	if id == "" {
		writeProblem(w, http.StatusNotFound, "Not Found", "missing id", r.URL.Path)
		return
	}
	p, ok := s.getPrincipal(w, r)
	if !ok {
		return
	}
	switch {
	case len(parts) == 1:
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, "GET")
			return
		}
		d, err := s.Engine.GetDriver(r.Context(), id)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, d)
	case len(parts) == 2 && parts[1] == "status":
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, "POST")
			return
		}
		if !p.IsAdmin() && !(p.IsDriver() && p.DriverID == id) {
			forbidden(w, r, "drivers may only update their own status")
			return
		}
		var upd dispatch.DriverStatusUpdate
		if !decodeJSON(w, r, &upd, false) {
			return
		}
		d, err := s.Engine.UpdateDriverStatus(r.Context(), id, upd)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, d)
	default:
		writeProblem(w, http.StatusNotFound, "Not Found", "", r.URL.Path)
	}
}
