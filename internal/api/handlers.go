package api

import (
	"net/http"
	"strconv"
	"strings"

	"swiftaid/internal/auth"
	"swiftaid/internal/dispatch"
	"swiftaid/internal/model"
	"swiftaid/internal/severity"
)

// RequestsHandler handles POST/GET /v1/requests
func (s *Server) RequestsHandler(w http.ResponseWriter, r *http.Request) {
	p, ok := s.getPrincipal(w, r)
	if !ok {
		return
	}
	switch r.Method {
	case http.MethodPost:
		if p.IsDriver() {
			forbidden(w, r, "drivers cannot raise requests")
			return
		}
		var in dispatch.NewRequest
		if !decodeJSON(w, r, &in, false) {
			return
		}
		// requesters always file under their own identity
		if !p.IsAdmin() || in.UserID == "" {
			in.UserID = p.UserID
		}
		req, err := s.Engine.CreateRequest(r.Context(), in)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, req)
	case http.MethodGet:
		q := r.URL.Query()
		f := model.RequestFilter{
			Status:     model.RequestStatus(q.Get("status")),
			UserID:     q.Get("userId"),
			AssignedTo: q.Get("assignedTo"),
		}
		if p.Role == auth.RoleRequester {
			f.UserID = p.UserID
		}
		items, err := s.Engine.ListRequests(r.Context(), f)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": items})
	default:
		methodNotAllowed(w, r, "GET, POST")
	}
}

// RequestByIDHandler handles /v1/requests/{id} and its actions:
// assign, start, complete, cancel, status, messages, rating, suggestions, events/stream.
func (s *Server) RequestByIDHandler(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/requests/")
	parts := strings.Split(strings.Trim(rest, "/"), "/")
	id := parts[0]
	if id == "" {
		writeProblem(w, http.StatusNotFound, "Not Found", "missing id", r.URL.Path)
		return
	}
	action := strings.Join(parts[1:], "/")

	p, ok := s.getPrincipal(w, r)
	if !ok {
		return
	}
	req, err := s.Engine.GetRequest(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	if action == "" {
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, "GET")
			return
		}
		writeJSON(w, http.StatusOK, req)
		return
	}
	if action == "events/stream" || action == "suggestions" {
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, "GET")
			return
		}
	} else if r.Method != http.MethodPost {
		methodNotAllowed(w, r, "POST")
		return
	}

	switch action {
	case "events/stream":
		if !isParticipant(p, req) {
			forbidden(w, r, "not a participant of this request")
			return
		}
		s.streamEvents(w, r, id)
	case "assign":
		if !p.IsAdmin() {
			forbidden(w, r, "admin required")
			return
		}
		var body struct {
			DriverID string `json:"driverId" validate:"required"`
		}
		if !s.decodeValid(w, r, &body, false) {
			return
		}
		s.respond(w, r)(s.Engine.AssignDriver(r.Context(), id, body.DriverID))
	case "start":
		if !p.IsAdmin() && !isAssignedDriver(p, req) {
			forbidden(w, r, "assigned driver or admin required")
			return
		}
		s.respond(w, r)(s.Engine.StartResponse(r.Context(), id))
	case "complete":
		if !p.IsAdmin() && !isAssignedDriver(p, req) {
			forbidden(w, r, "assigned driver or admin required")
			return
		}
		var body noteBody
		if !s.decodeValid(w, r, &body, true) {
			return
		}
		s.respond(w, r)(s.Engine.CompleteRequest(r.Context(), id, body.Note))
	case "cancel":
		if !p.IsAdmin() && !isOwner(p, req) {
			forbidden(w, r, "request owner or admin required")
			return
		}
		var body noteBody
		if !s.decodeValid(w, r, &body, true) {
			return
		}
		s.respond(w, r)(s.Engine.CancelRequest(r.Context(), id, body.Note))
	case "status":
		if !p.IsAdmin() {
			forbidden(w, r, "admin required")
			return
		}
		var body struct {
			Status model.RequestStatus `json:"status" validate:"required"`
			Note   string              `json:"note" validate:"max=2000"`
		}
		if !s.decodeValid(w, r, &body, false) {
			return
		}
		s.respond(w, r)(s.Engine.UpdateStatus(r.Context(), id, body.Status, body.Note))
	case "messages":
		if !isParticipant(p, req) {
			forbidden(w, r, "not a participant of this request")
			return
		}
		var body struct {
			Text string `json:"text"`
		}
		if !decodeJSON(w, r, &body, false) {
			return
		}
		s.respond(w, r)(s.Engine.AddMessage(r.Context(), id, senderName(p, req), body.Text))
	case "rating":
		if !isOwner(p, req) {
			forbidden(w, r, "only the requester can rate")
			return
		}
		var body struct {
			Rating   int    `json:"rating"`
			Feedback string `json:"feedback"`
		}
		if !decodeJSON(w, r, &body, false) {
			return
		}
		s.respond(w, r)(s.Engine.AddRating(r.Context(), id, body.Rating, body.Feedback))
	case "suggestions":
		if !p.IsAdmin() {
			forbidden(w, r, "admin required")
			return
		}
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		items, err := s.Engine.SuggestDrivers(r.Context(), id, limit)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": items})
	default:
		writeProblem(w, http.StatusNotFound, "Not Found", "unknown action "+action, r.URL.Path)
	}
}

type noteBody struct {
	Note string `json:"note" validate:"max=2000"`
}

// respond writes the engine result of a request mutation.
func (s *Server) respond(w http.ResponseWriter, r *http.Request) func(model.Request, error) {
	return func(req model.Request, err error) {
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, req)
	}
}

// decodeValid decodes and validates a request DTO.
func (s *Server) decodeValid(w http.ResponseWriter, r *http.Request, v any, optional bool) bool {
	if !decodeJSON(w, r, v, optional) {
		return false
	}
	if err := s.validate.Struct(v); err != nil {
		writeProblem(w, http.StatusBadRequest, "Validation failed", dispatch.DescribeValidation(err), r.URL.Path)
		return false
	}
	return true
}

// FirstAidHandler handles GET /v1/first-aid?type=
func (s *Server) FirstAidHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, "GET")
		return
	}
	typ := strings.ToLower(strings.TrimSpace(r.URL.Query().Get("type")))
	if typ == "" {
		typ = dispatch.GeneralFirstAid
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"type":  typ,
		"tips":  dispatch.FirstAidTips(typ),
		"types": dispatch.FirstAidTypes(),
	})
}

// TriageHandler handles POST /v1/triage: a severity preview, nothing is stored.
func (s *Server) TriageHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, "POST")
		return
	}
	var body struct {
		Description string `json:"description" validate:"required,max=4000"`
	}
	if !s.decodeValid(w, r, &body, false) {
		return
	}
	level, keyword := severity.Matched(body.Description)
	writeJSON(w, http.StatusOK, map[string]any{"severity": level, "keyword": keyword})
}
