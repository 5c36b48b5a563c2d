package webhooks

import (
	"bytes"
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"swiftaid/internal/metrics"
	"swiftaid/internal/store"
)

// Worker polls the delivery queue and POSTs due items. Failures back off
// exponentially; after MaxAttempts the item is dead-lettered.
type Worker struct {
	Store       store.Store
	HTTP        *http.Client
	Log         zerolog.Logger
	MaxAttempts int
	Interval    time.Duration
	Stop        chan struct{}

	stopOnce sync.Once
	done     chan struct{}
}

func NewWorker(s store.Store, maxAttempts int, log zerolog.Logger) *Worker {
	if maxAttempts <= 0 {
		maxAttempts = 10
	}
	return &Worker{
		Store:       s,
		HTTP:        &http.Client{Timeout: 5 * time.Second},
		Log:         log,
		MaxAttempts: maxAttempts,
		Interval:    time.Second,
		Stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}
}

func (w *Worker) Start() {
	go func() {
		defer close(w.done)
		ticker := time.NewTicker(w.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-w.Stop:
				return
			case <-ticker.C:
				w.processOnce()
			}
		}
	}()
}

// Shutdown stops the poll loop and waits for an in-flight batch, or ctx.
func (w *Worker) Shutdown(ctx context.Context) error {
	w.stopOnce.Do(func() { close(w.Stop) })
	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Worker) processOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	items, err := w.Store.FetchDueWebhookDeliveries(ctx, 50)
	if err != nil {
		w.Log.Warn().Err(err).Msg("fetch webhook deliveries")
		return
	}
	for _, it := range items {
		w.deliver(ctx, it)
	}
}

func (w *Worker) deliver(ctx context.Context, it store.WebhookDelivery) {
	success := false
	next := time.Now().Add(nextBackoff(it.Attempts))
	code := 0
	lastErr := ""
	start := time.Now()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, it.URL, bytes.NewReader(it.Payload))
	if err == nil {
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Event-Type", it.EventType)
		req.Header.Set("X-Delivery-Id", it.ID)
		if it.Secret != "" {
			req.Header.Set("X-Signature", SignHMAC(it.Secret, it.Payload))
		}
		var resp *http.Response
		resp, err = w.HTTP.Do(req)
		if err == nil {
			code = resp.StatusCode
			_ = resp.Body.Close()
			success = code >= 200 && code < 300
		}
	}
	latency := int(time.Since(start).Milliseconds())
	switch {
	case err != nil:
		lastErr = err.Error()
	case !success:
		lastErr = http.StatusText(code)
	}

	status := store.DeliveryDelivered
	if !success {
		status = store.DeliveryRetry
		if it.Attempts+1 >= w.MaxAttempts {
			status = store.DeliveryFailed
		}
	}
	metrics.WebhookDeliveries.WithLabelValues(it.EventType, status).Inc()
	metrics.WebhookLatency.WithLabelValues(it.EventType, status).Observe(float64(latency))

	if status == store.DeliveryFailed {
		w.Log.Warn().Str("delivery", it.ID).Str("url", it.URL).Int("attempts", it.Attempts+1).Str("error", lastErr).Msg("webhook dead-lettered")
		if err := w.Store.FailWebhookDelivery(ctx, it.ID, lastErr, code, latency); err != nil {
			w.Log.Error().Err(err).Str("delivery", it.ID).Msg("record webhook failure")
		}
		return
	}
	if err := w.Store.MarkWebhookDelivery(ctx, it.ID, success, &next, lastErr, code, latency); err != nil {
		w.Log.Error().Err(err).Str("delivery", it.ID).Msg("record webhook attempt")
	}
}

func nextBackoff(attempts int) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	if attempts > 12 {
		attempts = 12
	}
	base := time.Second * time.Duration(1<<attempts)
	if base > time.Hour {
		base = time.Hour
	}
	return base
}
