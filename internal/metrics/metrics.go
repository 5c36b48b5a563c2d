package metrics

import (
    "sync"

    "github.com/prometheus/client_golang/prometheus"
    "github.com/prometheus/client_golang/prometheus/collectors"
)

var (
    // Registry is the dedicated Prometheus registry for the API
    Registry = prometheus.NewRegistry()
    // HTTPRequests counts requests by method, route, and status
    HTTPRequests = prometheus.NewCounterVec(
        prometheus.CounterOpts{Name: "http_requests_total", Help: "Total HTTP requests."},
        []string{"method", "route", "status"},
    )
    // HTTPDuration records request durations in seconds
    HTTPDuration = prometheus.NewHistogramVec(
        prometheus.HistogramOpts{Name: "http_request_duration_seconds", Help: "HTTP request duration in seconds.", Buckets: prometheus.DefBuckets},
        []string{"method", "route", "status"},
    )

    // RequestsCreated counts new emergency requests by classified severity
    RequestsCreated = prometheus.NewCounterVec(
        prometheus.CounterOpts{Name: "dispatch_requests_created_total", Help: "Emergency requests created by severity."},
        []string{"severity"},
    )
    // RequestTransitions counts successful request status changes by target status
    RequestTransitions = prometheus.NewCounterVec(
        prometheus.CounterOpts{Name: "dispatch_request_transitions_total", Help: "Request status transitions by target status."},
        []string{"status"},
    )
    // Rejections counts engine calls refused by a precondition, by operation and error kind
    Rejections = prometheus.NewCounterVec(
        prometheus.CounterOpts{Name: "dispatch_rejections_total", Help: "Rejected dispatch operations by op and kind."},
        []string{"op", "kind"},
    )
    // DriverStatus counts driver status changes by new status
    DriverStatus = prometheus.NewCounterVec(
        prometheus.CounterOpts{Name: "dispatch_driver_status_total", Help: "Driver status changes by status."},
        []string{"status"},
    )
    // AssignedETA records the ETA handed out on assignment, in minutes
    AssignedETA = prometheus.NewHistogram(
        prometheus.HistogramOpts{Name: "dispatch_assigned_eta_minutes", Help: "Estimated arrival given at assignment, minutes.", Buckets: []float64{5, 7, 9, 11, 13, 15}},
    )

    // WebhookDeliveries counts webhook delivery outcomes by event type and status
    WebhookDeliveries = prometheus.NewCounterVec(
        prometheus.CounterOpts{Name: "webhook_deliveries_total", Help: "Webhook deliveries by event type and status."},
        []string{"event_type", "status"},
    )
    // WebhookLatency tracks webhook delivery latencies in milliseconds
    WebhookLatency = prometheus.NewHistogramVec(
        prometheus.HistogramOpts{Name: "webhook_delivery_latency_ms", Help: "Webhook delivery latency in ms.", Buckets: []float64{10, 50, 100, 200, 500, 1000, 2000, 5000}},
        []string{"event_type", "status"},
    )
    // NotificationsSent counts notifier calls by sink and outcome
    NotificationsSent = prometheus.NewCounterVec(
        prometheus.CounterOpts{Name: "notifications_total", Help: "Notifications by sink and outcome."},
        []string{"sink", "outcome"},
    )
)

// RegisterDefault registers collectors to Registry. Safe to call more than once.
func RegisterDefault() {
    regOnce.Do(func() {
        Registry.MustRegister(
            HTTPRequests, HTTPDuration,
            RequestsCreated, RequestTransitions, Rejections, DriverStatus, AssignedETA,
            WebhookDeliveries, WebhookLatency, NotificationsSent,
        )
        // Go/process collectors on our registry
        Registry.MustRegister(collectors.NewGoCollector())
        Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
    })
}

var regOnce sync.Once
