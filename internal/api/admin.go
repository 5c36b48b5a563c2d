package api

import (
	"net/http"
	"strconv"
	"strings"

	"swiftaid/internal/model"
	"swiftaid/internal/store"
)

// NotificationsHandler handles GET /v1/notifications?unread=true&limit=
func (s *Server) NotificationsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, "GET")
		return
	}
	p, ok := s.getPrincipal(w, r)
	if !ok {
		return
	}
	unread, _ := strconv.ParseBool(r.URL.Query().Get("unread"))
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	items, err := s.Inbox.List(r.Context(), inboxID(p), unread, limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

// NotificationReadHandler handles POST /v1/notifications/{id}/read
func (s *Server) NotificationReadHandler(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/notifications/")
	id, ok := strings.CutSuffix(rest, "/read")
	if !ok || id == "" || strings.Contains(id, "/") {
		writeProblem(w, http.StatusNotFound, "Not Found", "", r.URL.Path)
		return
	}
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, "POST")
		return
	}
	p, ok := s.getPrincipal(w, r)
	if !ok {
		return
	}
	if err := s.Inbox.MarkRead(r.Context(), inboxID(p), id); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// SubscriptionsHandler handles POST/GET /v1/subscriptions
func (s *Server) SubscriptionsHandler(w http.ResponseWriter, r *http.Request) {
	p, ok := s.getPrincipal(w, r)
	if !ok {
		return
	}
	if !p.IsAdmin() {
		forbidden(w, r, "admin required")
		return
	}
	switch r.Method {
	case http.MethodPost:
		var req model.SubscriptionRequest
		if !s.decodeValid(w, r, &req, false) {
			return
		}
		sub, err := s.Store.CreateSubscription(r.Context(), req)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, sub)
	case http.MethodGet:
		items, err := s.Store.ListSubscriptions(r.Context())
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": items})
	default:
		methodNotAllowed(w, r, "GET, POST")
	}
}

// SubscriptionByIDHandler handles DELETE /v1/subscriptions/{id}
func (s *Server) SubscriptionByIDHandler(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/v1/subscriptions/")
	if id == "" || strings.Contains(id, "/") {
		writeProblem(w, http.StatusNotFound, "Not Found", "", r.URL.Path)
		return
	}
	if r.Method != http.MethodDelete {
		methodNotAllowed(w, r, "DELETE")
		return
	}
	p, ok := s.getPrincipal(w, r)
	if !ok {
		return
	}
	if !p.IsAdmin() {
		forbidden(w, r, "admin required")
		return
	}
	if err := s.Store.DeleteSubscription(r.Context(), id); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// WebhookDeliveriesHandler handles GET /v1/admin/webhook-deliveries?status=&limit=
func (s *Server) WebhookDeliveriesHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, "GET")
		return
	}
	p, ok := s.getPrincipal(w, r)
	if !ok {
		return
	}
	if !p.IsAdmin() {
		forbidden(w, r, "admin required")
		return
	}
	status := r.URL.Query().Get("status")
	switch status {
	case "", store.DeliveryPending, store.DeliveryRetry, store.DeliveryDelivered, store.DeliveryFailed:
	default:
		writeProblem(w, http.StatusBadRequest, "Validation failed", "unknown status "+status, r.URL.Path)
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	items, err := s.Store.ListWebhookDeliveries(r.Context(), status, limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

// WebhookDeliveryRetryHandler handles POST /v1/admin/webhook-deliveries/{id}/retry
func (s *Server) WebhookDeliveryRetryHandler(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/admin/webhook-deliveries/")
	id, ok := strings.CutSuffix(rest, "/retry")
	if !ok || id == "" || strings.Contains(id, "/") {
		writeProblem(w, http.StatusNotFound, "Not Found", "", r.URL.Path)
		return
	}
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, "POST")
		return
	}
	p, ok := s.getPrincipal(w, r)
	if !ok {
		return
	}
	if !p.IsAdmin() {
		forbidden(w, r, "admin required")
		return
	}
	if err := s.Store.RetryWebhookDelivery(r.Context(), id); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"id": id, "status": store.DeliveryPending})
}
