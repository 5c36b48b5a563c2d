package webhooks

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"swiftaid/internal/events"
	"swiftaid/internal/store"
)

// Publisher turns dispatch events into queued webhook deliveries, one per
// matching subscription. The Worker sends them.
type Publisher struct {
	Store store.Store
	Log   zerolog.Logger
}

func NewPublisher(s store.Store, log zerolog.Logger) *Publisher {
	return &Publisher{Store: s, Log: log}
}

// Envelope is the JSON body POSTed to subscribers.
type Envelope struct {
	ID        string `json:"id"`
	Type      string `json:"type"`
	RequestID string `json:"requestId,omitempty"`
	DriverID  string `json:"driverId,omitempty"`
	TS        string `json:"ts"`
	Data      any    `json:"data"`
}

// Publish implements events.Publisher.
func (p *Publisher) Publish(evt events.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	p.Emit(ctx, evt)
}

// Emit enqueues evt for all subscriptions to its type.
func (p *Publisher) Emit(ctx context.Context, evt events.Event) {
	subs, err := p.Store.GetSubscriptionsForEvent(ctx, evt.Type)
	if err != nil {
		p.Log.Warn().Err(err).Str("event", evt.Type).Msg("webhook subscriptions lookup failed")
		return
	}
	if len(subs) == 0 {
		return
	}
	at := evt.At
	if at.IsZero() {
		at = time.Now()
	}
	body, err := json.Marshal(Envelope{
		ID:        "evt_" + uuid.NewString(),
		Type:      evt.Type,
		RequestID: evt.RequestID,
		DriverID:  evt.DriverID,
		TS:        at.UTC().Format(time.RFC3339),
		Data:      evt.Data,
	})
	if err != nil {
		p.Log.Error().Err(err).Str("event", evt.Type).Msg("webhook payload encode failed")
		return
	}
	for _, s := range subs {
		if _, err := p.Store.EnqueueWebhook(ctx, s.ID, evt.Type, s.URL, s.Secret, body); err != nil {
			p.Log.Warn().Err(err).Str("subscription", s.ID).Str("event", evt.Type).Msg("webhook enqueue failed")
		}
	}
}
