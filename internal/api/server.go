// Package api exposes the dispatch engine over HTTP/JSON, with SSE and
// WebSocket change streams.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"swiftaid/internal/auth"
	"swiftaid/internal/dispatch"
	"swiftaid/internal/events"
	"swiftaid/internal/logger"
	"swiftaid/internal/metrics"
	"swiftaid/internal/notify"
	"swiftaid/internal/store"
)

type Server struct {
	Engine *dispatch.Engine
	Store  store.Store
	Inbox  *notify.Inbox
	Auth   *auth.Verifier
	Broker events.EventBroker
	Log    zerolog.Logger

	// Debug is rendered by /debug; keep secrets out of it.
	Debug map[string]any

	limiter  *clientLimiter
	validate *validator.Validate
}

type Options struct {
	RateRPS   float64
	RateBurst int
}

func NewServer(eng *dispatch.Engine, s store.Store, verifier *auth.Verifier, broker events.EventBroker, log zerolog.Logger, opts Options) *Server {
	metrics.RegisterDefault()
	return &Server{
		Engine:   eng,
		Store:    s,
		Inbox:    notify.NewInbox(s),
		Auth:     verifier,
		Broker:   broker,
		Log:      log,
		limiter:  newClientLimiter(opts.RateRPS, opts.RateBurst),
		validate: dispatch.NewValidator(),
	}
}

// Handler returns the full route table wrapped in access logging, metrics and
// rate limiting.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Requests
	mux.HandleFunc("/v1/requests", s.RequestsHandler)
	mux.HandleFunc("/v1/requests/", s.RequestByIDHandler) // includes /assign, /start, /messages, /events/stream ...
	mux.HandleFunc("/v1/first-aid", s.FirstAidHandler)
	mux.HandleFunc("/v1/triage", s.TriageHandler)

	// Drivers
	mux.HandleFunc("/v1/drivers", s.DriversHandler)
	mux.HandleFunc("/v1/drivers/", s.DriverByIDHandler)

	// Inbox
	mux.HandleFunc("/v1/notifications", s.NotificationsHandler)
	mux.HandleFunc("/v1/notifications/", s.NotificationReadHandler)

	// Webhooks
	mux.HandleFunc("/v1/subscriptions", s.SubscriptionsHandler)
	mux.HandleFunc("/v1/subscriptions/", s.SubscriptionByIDHandler)
	mux.HandleFunc("/v1/admin/webhook-deliveries", s.WebhookDeliveriesHandler)
	mux.HandleFunc("/v1/admin/webhook-deliveries/", s.WebhookDeliveryRetryHandler)

	// Live stream
	mux.HandleFunc("/v1/ws", s.WSHandler)

	// Ops
	mux.HandleFunc("/healthz", s.HealthHandler)
	mux.HandleFunc("/readyz", s.ReadyHandler)
	mux.HandleFunc("/debug", s.DebugJSON)
	mux.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))

	// Docs
	mux.HandleFunc("/openapi.yaml", s.OpenAPIHandler)
	mux.HandleFunc("/openapi.json", s.OpenAPIHandler)
	mux.HandleFunc("/docs", s.DocsHandler)

	return logger.Middleware(s.Log, s.instrument(s.rateLimit(mux)))
}

func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) ReadyHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 500*time.Millisecond)
	defer cancel()
	if err := s.Store.Ping(ctx); err != nil {
		writeProblem(w, http.StatusServiceUnavailable, "Not Ready", err.Error(), r.URL.Path)
		return
	}
	type pinger interface{ Ping(ctx context.Context) error }
	if p, ok := s.Broker.(pinger); ok {
		if err := p.Ping(ctx); err != nil {
			writeProblem(w, http.StatusServiceUnavailable, "Not Ready", "event broker: "+err.Error(), r.URL.Path)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
