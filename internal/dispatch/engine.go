// Package dispatch owns the emergency request lifecycle and the driver
// availability it is coupled to.
//
// Every mutation of one request, and of one driver, is serialized through a
// per-entity lock. Operations touching both take the request lock first.
// Notifications and change events go out only after locks are released.
package dispatch

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"swiftaid/internal/events"
	"swiftaid/internal/metrics"
	"swiftaid/internal/model"
	"swiftaid/internal/store"
)

// Notifier receives lifecycle notifications. A returned error is logged, never
// surfaced to the engine's caller.
type Notifier interface {
	Notify(ctx context.Context, n model.Notification) error
}

type Engine struct {
	store    store.Store
	notifier Notifier
	events   events.Publisher
	clock    Clock
	rand     Random
	log      zerolog.Logger
	validate *validator.Validate
	etaMin   int
	etaMax   int
	locks    *keyedMutex
}

type Option func(*Engine)

func WithNotifier(n Notifier) Option             { return func(e *Engine) { e.notifier = n } }
func WithEvents(p events.Publisher) Option       { return func(e *Engine) { e.events = p } }
func WithClock(c Clock) Option                   { return func(e *Engine) { e.clock = c } }
func WithRandom(r Random) Option                 { return func(e *Engine) { e.rand = r } }
func WithLogger(l zerolog.Logger) Option         { return func(e *Engine) { e.log = l } }
func WithValidator(v *validator.Validate) Option { return func(e *Engine) { e.validate = v } }

// WithETA bounds the estimated arrival handed out on assignment, in whole minutes.
func WithETA(minMinutes, maxMinutes int) Option {
	return func(e *Engine) {
		if minMinutes >= 0 && maxMinutes >= minMinutes {
			e.etaMin, e.etaMax = minMinutes, maxMinutes
		}
	}
}

func New(s store.Store, opts ...Option) *Engine {
	e := &Engine{
		store:  s,
		clock:  systemClock{},
		rand:   systemRandom{},
		log:    zerolog.Nop(),
		etaMin: 5,
		etaMax: 15,
		locks:  newKeyedMutex(),
	}
	for _, o := range opts {
		o(e)
	}
	if e.validate == nil {
		e.validate = newValidator()
	}
	return e
}

func newID(prefix string) string { return prefix + uuid.NewString() }

func (e *Engine) loadRequest(ctx context.Context, op, id string) (model.Request, error) {
	r, err := e.store.GetRequest(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return model.Request{}, notFound(op, "request", id)
	}
	if err != nil {
		return model.Request{}, fmt.Errorf("%s: load request %s: %w", op, id, err)
	}
	return r, nil
}

func (e *Engine) loadDriver(ctx context.Context, op, id string) (model.Driver, error) {
	d, err := e.store.GetDriver(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return model.Driver{}, notFound(op, "driver", id)
	}
	if err != nil {
		return model.Driver{}, fmt.Errorf("%s: load driver %s: %w", op, id, err)
	}
	return d, nil
}

func storeErr(op string, err error) error {
	return fmt.Errorf("%s: persist: %w", op, err)
}

// reject records a refused call. Taxonomy errors are expected and logged at debug.
func (e *Engine) reject(op string, err error) {
	kind := KindOf(err)
	if kind == nil {
		metrics.Rejections.WithLabelValues(op, "internal").Inc()
		e.log.Error().Err(err).Str("op", op).Msg("dispatch operation failed")
		return
	}
	metrics.Rejections.WithLabelValues(op, kind.Error()).Inc()
	e.log.Debug().Err(err).Str("op", op).Msg("dispatch precondition rejected")
}

func (e *Engine) notify(ctx context.Context, n model.Notification) {
	if e.notifier == nil || n.RecipientID == "" {
		return
	}
	if n.ID == "" {
		n.ID = newID("ntf_")
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = e.clock.Now()
	}
	if err := e.notifier.Notify(ctx, n); err != nil {
		e.log.Warn().Err(err).Str("recipient", n.RecipientID).Str("event", n.Event).Msg("notification failed")
	}
}

func (e *Engine) publish(typ string, r *model.Request, d *model.Driver) {
	if e.events == nil {
		return
	}
	evt := events.Event{Type: typ, At: e.clock.Now()}
	if r != nil {
		evt.RequestID = r.ID
		evt.DriverID = r.AssignedTo
		evt.Data = r.Clone()
	}
	if d != nil {
		evt.DriverID = d.ID
		if r == nil {
			evt.Data = d.Clone()
		}
	}
	e.events.Publish(evt)
}

func (e *Engine) appendSystem(r *model.Request, text string) {
	r.Messages = append(r.Messages, model.Message{ID: newID("msg_"), Sender: model.SystemSender, Text: text, Timestamp: e.clock.Now()})
}
