package store

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"swiftaid/internal/model"
)

// Memory is a simple in-memory store used when no DATABASE_URL is set.
// All methods hand out copies so callers never alias stored slices.
type Memory struct {
	mu       sync.Mutex
	requests map[string]model.Request // id -> request
	reqOrder []string                 // insertion order, oldest first
	drivers  map[string]model.Driver  // id -> driver
	drvOrder []string
	inbox    map[string][]model.Notification // recipient -> notifications, oldest first
	subs     []model.Subscription
	// Webhooks queue state
	deliveries map[string]*WebhookDelivery
	delOrder   []string
}

func NewMemory() *Memory {
	return &Memory{
		requests:   map[string]model.Request{},
		drivers:    map[string]model.Driver{},
		inbox:      map[string][]model.Notification{},
		deliveries: map[string]*WebhookDelivery{},
	}
}

func (m *Memory) Ping(ctx context.Context) error { return nil }

func (m *Memory) InsertRequest(ctx context.Context, r model.Request) error {
	m.mu.Lock(); defer m.mu.Unlock()
	if _, ok := m.requests[r.ID]; ok { return ErrExists }
	m.requests[r.ID] = r.Clone()
	m.reqOrder = append(m.reqOrder, r.ID)
	return nil
}

func (m *Memory) GetRequest(ctx context.Context, id string) (model.Request, error) {
	m.mu.Lock(); defer m.mu.Unlock()
	r, ok := m.requests[id]
	if !ok { return model.Request{}, ErrNotFound }
	return r.Clone(), nil
}

// ListRequests returns matching requests, most recent first.
func (m *Memory) ListRequests(ctx context.Context, f model.RequestFilter) ([]model.Request, error) {
	m.mu.Lock(); defer m.mu.Unlock()
	out := []model.Request{}
	for i := len(m.reqOrder) - 1; i >= 0; i-- {
		r := m.requests[m.reqOrder[i]]
		if !matchRequest(r, f) { continue }
		out = append(out, r.Clone())
	}
	return out, nil
}

func (m *Memory) SaveRequest(ctx context.Context, r model.Request) error {
	m.mu.Lock(); defer m.mu.Unlock()
	if err := m.checkRequest(r); err != nil { return err }
	m.requests[r.ID] = r.Clone()
	return nil
}

func (m *Memory) InsertDriver(ctx context.Context, d model.Driver) error {
	m.mu.Lock(); defer m.mu.Unlock()
	if _, ok := m.drivers[d.ID]; ok { return ErrExists }
	m.drivers[d.ID] = d.Clone()
	m.drvOrder = append(m.drvOrder, d.ID)
	return nil
}

func (m *Memory) GetDriver(ctx context.Context, id string) (model.Driver, error) {
	m.mu.Lock(); defer m.mu.Unlock()
	d, ok := m.drivers[id]
	if !ok { return model.Driver{}, ErrNotFound }
	return d.Clone(), nil
}

func (m *Memory) ListDrivers(ctx context.Context, f model.DriverFilter) ([]model.Driver, error) {
	m.mu.Lock(); defer m.mu.Unlock()
	out := []model.Driver{}
	for _, id := range m.drvOrder {
		d := m.drivers[id]
		if f.Status != "" && d.Status != f.Status { continue }
		out = append(out, d.Clone())
	}
	return out, nil
}

func (m *Memory) SaveDriver(ctx context.Context, d model.Driver) error {
	m.mu.Lock(); defer m.mu.Unlock()
	if err := m.checkDriver(d); err != nil { return err }
	m.drivers[d.ID] = d.Clone()
	return nil
}

func (m *Memory) SaveDispatch(ctx context.Context, r model.Request, d model.Driver) error {
	m.mu.Lock(); defer m.mu.Unlock()
	if err := m.checkRequest(r); err != nil { return err }
	if err := m.checkDriver(d); err != nil { return err }
	m.requests[r.ID] = r.Clone()
	m.drivers[d.ID] = d.Clone()
	return nil
}

func (m *Memory) checkRequest(r model.Request) error {
	cur, ok := m.requests[r.ID]
	if !ok { return ErrNotFound }
	if cur.Version != r.Version-1 { return ErrConflict }
	return nil
}

func (m *Memory) checkDriver(d model.Driver) error {
	cur, ok := m.drivers[d.ID]
	if !ok { return ErrNotFound }
	if cur.Version != d.Version-1 { return ErrConflict }
	return nil
}

func matchRequest(r model.Request, f model.RequestFilter) bool {
	if f.Status != "" && r.Status != f.Status { return false }
	if f.UserID != "" && r.UserID != f.UserID { return false }
	if f.AssignedTo != "" && r.AssignedTo != f.AssignedTo { return false }
	return true
}

// Notifications

func (m *Memory) InsertNotification(ctx context.Context, n model.Notification) error {
	m.mu.Lock(); defer m.mu.Unlock()
	m.inbox[n.RecipientID] = append(m.inbox[n.RecipientID], n)
	return nil
}

// ListNotifications returns the recipient's inbox, newest first.
func (m *Memory) ListNotifications(ctx context.Context, recipientID string, unreadOnly bool, limit int) ([]model.Notification, error) {
	m.mu.Lock(); defer m.mu.Unlock()
	if limit <= 0 { limit = 100 }
	items := m.inbox[recipientID]
	out := []model.Notification{}
	for i := len(items) - 1; i >= 0 && len(out) < limit; i-- {
		if unreadOnly && items[i].Read { continue }
		out = append(out, items[i])
	}
	return out, nil
}

func (m *Memory) MarkNotificationRead(ctx context.Context, recipientID, id string) error {
	m.mu.Lock(); defer m.mu.Unlock()
	items := m.inbox[recipientID]
	for i := range items {
		if items[i].ID == id {
			items[i].Read = true
			return nil
		}
	}
	return ErrNotFound
}

// Subscriptions

func (m *Memory) CreateSubscription(ctx context.Context, req model.SubscriptionRequest) (model.Subscription, error) {
	m.mu.Lock(); defer m.mu.Unlock()
	s := model.Subscription{ID: uuid.New().String(), URL: req.URL, Events: slices.Clone(req.Events), Secret: req.Secret}
	m.subs = append(m.subs, s)
	return s, nil
}

func (m *Memory) GetSubscriptionsForEvent(ctx context.Context, eventType string) ([]model.Subscription, error) {
	m.mu.Lock(); defer m.mu.Unlock()
	var out []model.Subscription
	for _, s := range m.subs {
		if slices.Contains(s.Events, eventType) || slices.Contains(s.Events, "*") { out = append(out, s) }
	}
	return out, nil
}

func (m *Memory) ListSubscriptions(ctx context.Context) ([]model.Subscription, error) {
	m.mu.Lock(); defer m.mu.Unlock()
	return slices.Clone(m.subs), nil
}

func (m *Memory) DeleteSubscription(ctx context.Context, id string) error {
	m.mu.Lock(); defer m.mu.Unlock()
	for i, s := range m.subs {
		if s.ID == id {
			m.subs = slices.Delete(m.subs, i, i+1)
			return nil
		}
	}
	return ErrNotFound
}

// Webhook deliveries

func (m *Memory) EnqueueWebhook(ctx context.Context, subscriptionID, eventType, url, secret string, payload []byte) (string, error) {
	m.mu.Lock(); defer m.mu.Unlock()
	id := uuid.New().String()
	now := time.Now()
	m.deliveries[id] = &WebhookDelivery{ID: id, SubscriptionID: subscriptionID, EventType: eventType, URL: url, Secret: secret, Payload: payload, Status: DeliveryPending, NextAttemptAt: &now}
	m.delOrder = append(m.delOrder, id)
	return id, nil
}

func (m *Memory) FetchDueWebhookDeliveries(ctx context.Context, limit int) ([]WebhookDelivery, error) {
	m.mu.Lock(); defer m.mu.Unlock()
	now := time.Now()
	out := []WebhookDelivery{}
	for _, id := range m.delOrder {
		d := m.deliveries[id]
		if d.Status != DeliveryPending && d.Status != DeliveryRetry { continue }
		if d.NextAttemptAt != nil && d.NextAttemptAt.After(now) { continue }
		out = append(out, *d)
		if limit > 0 && len(out) >= limit { break }
	}
	return out, nil
}

func (m *Memory) MarkWebhookDelivery(ctx context.Context, id string, success bool, nextAttemptAt *time.Time, lastError string, responseCode int, latencyMs int) error {
	m.mu.Lock(); defer m.mu.Unlock()
	d := m.deliveries[id]
	if d == nil { return ErrNotFound }
	d.Attempts++
	d.ResponseCode = responseCode
	d.LatencyMs = latencyMs
	if success {
		now := time.Now()
		d.Status = DeliveryDelivered
		d.DeliveredAt = &now
		d.NextAttemptAt = nil
		return nil
	}
	d.Status = DeliveryRetry
	d.LastError = lastError
	if nextAttemptAt == nil {
		t := time.Now().Add(time.Minute)
		nextAttemptAt = &t
	}
	d.NextAttemptAt = nextAttemptAt
	return nil
}

func (m *Memory) FailWebhookDelivery(ctx context.Context, id string, lastError string, responseCode int, latencyMs int) error {
	m.mu.Lock(); defer m.mu.Unlock()
	d := m.deliveries[id]
	if d == nil { return ErrNotFound }
	d.Attempts++
	d.Status = DeliveryFailed
	d.LastError = lastError
	d.ResponseCode = responseCode
	d.LatencyMs = latencyMs
	d.NextAttemptAt = nil
	return nil
}

func (m *Memory) ListWebhookDeliveries(ctx context.Context, status string, limit int) ([]WebhookDelivery, error) {
	m.mu.Lock(); defer m.mu.Unlock()
	if limit <= 0 || limit > 500 { limit = 100 }
	out := []WebhookDelivery{}
	for _, id := range m.delOrder {
		d := m.deliveries[id]
		if status != "" && d.Status != status { continue }
		out = append(out, *d)
		if len(out) >= limit { break }
	}
	return out, nil
}

// RetryWebhookDelivery requeues a delivery immediately, including dead-lettered ones.
func (m *Memory) RetryWebhookDelivery(ctx context.Context, id string) error {
	m.mu.Lock(); defer m.mu.Unlock()
	d := m.deliveries[id]
	if d == nil { return ErrNotFound }
	now := time.Now()
	d.Status = DeliveryPending
	d.NextAttemptAt = &now
	return nil
}
