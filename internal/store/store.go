package store

import (
	"context"
	"errors"
	"time"

	"swiftaid/internal/model"
)

// Store is the persistence boundary used by the dispatch engine and the API server.
//
// Save* methods use optimistic versioning: the caller bumps Version by one and
// the write only lands if the stored row is still at Version-1.
type Store interface {
	// Requests
	InsertRequest(ctx context.Context, r model.Request) error
	GetRequest(ctx context.Context, id string) (model.Request, error)
	ListRequests(ctx context.Context, f model.RequestFilter) ([]model.Request, error)
	SaveRequest(ctx context.Context, r model.Request) error

	// Drivers
	InsertDriver(ctx context.Context, d model.Driver) error
	GetDriver(ctx context.Context, id string) (model.Driver, error)
	ListDrivers(ctx context.Context, f model.DriverFilter) ([]model.Driver, error)
	SaveDriver(ctx context.Context, d model.Driver) error

	// SaveDispatch persists a request and a driver together or not at all.
	SaveDispatch(ctx context.Context, r model.Request, d model.Driver) error

	// Notification inbox
	InsertNotification(ctx context.Context, n model.Notification) error
	ListNotifications(ctx context.Context, recipientID string, unreadOnly bool, limit int) ([]model.Notification, error)
	MarkNotificationRead(ctx context.Context, recipientID, id string) error

	// Subscriptions
	CreateSubscription(ctx context.Context, req model.SubscriptionRequest) (model.Subscription, error)
	GetSubscriptionsForEvent(ctx context.Context, eventType string) ([]model.Subscription, error)
	ListSubscriptions(ctx context.Context) ([]model.Subscription, error)
	DeleteSubscription(ctx context.Context, id string) error

	// Webhook deliveries
	EnqueueWebhook(ctx context.Context, subscriptionID, eventType, url, secret string, payload []byte) (string, error)
	FetchDueWebhookDeliveries(ctx context.Context, limit int) ([]WebhookDelivery, error)
	MarkWebhookDelivery(ctx context.Context, id string, success bool, nextAttemptAt *time.Time, lastError string, responseCode int, latencyMs int) error
	FailWebhookDelivery(ctx context.Context, id string, lastError string, responseCode int, latencyMs int) error
	ListWebhookDeliveries(ctx context.Context, status string, limit int) ([]WebhookDelivery, error)
	RetryWebhookDelivery(ctx context.Context, id string) error

	Ping(ctx context.Context) error
}

var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("version conflict")
	ErrExists   = errors.New("already exists")
)
