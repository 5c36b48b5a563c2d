package webhooks

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"swiftaid/internal/events"
	"swiftaid/internal/model"
	"swiftaid/internal/store"
)

type recordStore struct {
	*store.Memory
	mu    sync.Mutex
	marks []markRec
	fails []string
}

type markRec struct {
	ID      string
	Success bool
	Code    int
	LastErr string
}

func (r *recordStore) MarkWebhookDelivery(ctx context.Context, id string, success bool, nextAttemptAt *time.Time, lastError string, responseCode int, latencyMs int) error {
	r.mu.Lock()
	r.marks = append(r.marks, markRec{ID: id, Success: success, Code: responseCode, LastErr: lastError})
	r.mu.Unlock()
	return r.Memory.MarkWebhookDelivery(ctx, id, success, nextAttemptAt, lastError, responseCode, latencyMs)
}

func (r *recordStore) FailWebhookDelivery(ctx context.Context, id string, lastError string, responseCode int, latencyMs int) error {
	r.mu.Lock()
	r.fails = append(r.fails, id)
	r.mu.Unlock()
	return r.Memory.FailWebhookDelivery(ctx, id, lastError, responseCode, latencyMs)
}

func newTestWorker(s store.Store, client *http.Client, max int) *Worker {
	w := NewWorker(s, max, zerolog.Nop())
	w.HTTP = client
	return w
}

func TestWorkerProcessOnce_SuccessAndSignature(t *testing.T) {
	var gotSig, gotType string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSig = r.Header.Get("X-Signature")
		gotType = r.Header.Get("X-Event-Type")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	rs := &recordStore{Memory: store.NewMemory()}
	id, err := rs.Memory.EnqueueWebhook(context.Background(), "", "request.assigned", srv.URL, "secret", []byte(`{"id":"evt1"}`))
	require.NoError(t, err)

	newTestWorker(rs, srv.Client(), 3).processOnce()

	assert.Equal(t, "request.assigned", gotType)
	assert.True(t, VerifyHMAC("secret", gotBody, gotSig))
	require.Len(t, rs.marks, 1)
	assert.True(t, rs.marks[0].Success)

	done, err := rs.ListWebhookDeliveries(context.Background(), store.DeliveryDelivered, 0)
	require.NoError(t, err)
	require.Len(t, done, 1)
	assert.Equal(t, id, done[0].ID)
}

func TestWorkerProcessOnce_RetryThenDeadLetter(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusBadGateway) }))
	defer srv.Close()
	rs := &recordStore{Memory: store.NewMemory()}
	ctx := context.Background()
	id, _ := rs.Memory.EnqueueWebhook(ctx, "", "request.created", srv.URL, "", []byte(`{}`))
	w := newTestWorker(rs, srv.Client(), 2)

	w.processOnce()
	require.Len(t, rs.marks, 1)
	assert.False(t, rs.marks[0].Success)
	assert.Equal(t, http.StatusBadGateway, rs.marks[0].Code)
	assert.Equal(t, "Bad Gateway", rs.marks[0].LastErr)

	// not due yet
	w.processOnce()
	assert.Len(t, rs.marks, 1)

	require.NoError(t, rs.RetryWebhookDelivery(ctx, id))
	w.processOnce()
	assert.Equal(t, []string{id}, rs.fails)
	dead, _ := rs.ListWebhookDeliveries(ctx, store.DeliveryFailed, 0)
	require.Len(t, dead, 1)
	assert.Equal(t, 2, dead[0].Attempts)
}

func TestWorkerShutdown(t *testing.T) {
	w := NewWorker(store.NewMemory(), 0, zerolog.Nop())
	assert.Equal(t, 10, w.MaxAttempts)
	w.Interval = 10 * time.Millisecond
	w.Start()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, w.Shutdown(ctx))
	require.NoError(t, w.Shutdown(ctx))
}

func TestNextBackoff(t *testing.T) {
	assert.Equal(t, time.Second, nextBackoff(-1))
	assert.Equal(t, 8*time.Second, nextBackoff(3))
	assert.Equal(t, time.Hour, nextBackoff(40))
}

func TestPublisherEnqueuesPerSubscription(t *testing.T) {
	mem := store.NewMemory()
	ctx := context.Background()
	_, err := mem.CreateSubscription(ctx, model.SubscriptionRequest{URL: "http://a.example/hook", Events: []string{"request.assigned"}})
	require.NoError(t, err)
	_, err = mem.CreateSubscription(ctx, model.SubscriptionRequest{URL: "http://b.example/hook", Events: []string{"*"}})
	require.NoError(t, err)
	_, err = mem.CreateSubscription(ctx, model.SubscriptionRequest{URL: "http://c.example/hook", Events: []string{"request.rated"}})
	require.NoError(t, err)

	p := NewPublisher(mem, zerolog.Nop())
	p.Publish(events.Event{Type: "request.assigned", RequestID: "req_1", DriverID: "drv_1", At: time.Unix(0, 0), Data: map[string]string{"status": "assigned"}})

	due, err := mem.FetchDueWebhookDeliveries(ctx, 0)
	require.NoError(t, err)
	require.Len(t, due, 2)
	var env Envelope
	require.NoError(t, json.Unmarshal(due[0].Payload, &env))
	assert.Equal(t, "request.assigned", env.Type)
	assert.Equal(t, "req_1", env.RequestID)
	assert.Equal(t, "1970-01-01T00:00:00Z", env.TS)
}
