// Package notify delivers engine notifications to recipients.
//
// The inbox sink persists notifications for polling clients; the log sink is
// the development stand-in for SMS and push gateways.
package notify

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"swiftaid/internal/metrics"
	"swiftaid/internal/model"
	"swiftaid/internal/store"
)

// Sink is anything that can take a notification. It matches dispatch.Notifier.
type Sink interface {
	Notify(ctx context.Context, n model.Notification) error
}

// Inbox stores notifications so recipients can list and acknowledge them.
type Inbox struct {
	Store store.Store
}

func NewInbox(s store.Store) *Inbox { return &Inbox{Store: s} }

func (i *Inbox) Notify(ctx context.Context, n model.Notification) error {
	err := i.Store.InsertNotification(ctx, n)
	observe("inbox", err)
	return err
}

// List returns a recipient's notifications, newest first.
func (i *Inbox) List(ctx context.Context, recipientID string, unreadOnly bool, limit int) ([]model.Notification, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return i.Store.ListNotifications(ctx, recipientID, unreadOnly, limit)
}

func (i *Inbox) MarkRead(ctx context.Context, recipientID, id string) error {
	return i.Store.MarkNotificationRead(ctx, recipientID, id)
}

// Log writes each notification as a structured log line.
type Log struct {
	Logger zerolog.Logger
}

func NewLog(l zerolog.Logger) *Log { return &Log{Logger: l} }

func (l *Log) Notify(ctx context.Context, n model.Notification) error {
	ev := l.Logger.Info()
	if n.Severity == model.SeverityCritical {
		ev = l.Logger.Warn()
	}
	ev.Str("recipient", n.RecipientID).
		Str("event", n.Event).
		Str("request", n.RequestID).
		Str("severity", string(n.Severity)).
		Str("title", n.Title).
		Msg(n.Message)
	observe("log", nil)
	return nil
}

// Multi fans a notification out to every sink. All sinks are tried; the
// errors are joined.
type Multi []Sink

func (m Multi) Notify(ctx context.Context, n model.Notification) error {
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Notify(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func observe(sink string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	metrics.NotificationsSent.WithLabelValues(sink, outcome).Inc()
}
