// Package events fans out request and driver change notifications to live stream subscribers.
package events

import (
	"sync"
	"time"
)

// Event is one change to a request or driver. It is delivered to subscribers of
// RequestID and of DriverID.
type Event struct {
	Type      string    `json:"type"`
	RequestID string    `json:"requestId,omitempty"`
	DriverID  string    `json:"driverId,omitempty"`
	At        time.Time `json:"ts"`
	Data      any       `json:"data,omitempty"`
}

// Keys lists the entity ids an event is routed to.
func (e Event) Keys() []string {
	var keys []string
	if e.RequestID != "" { keys = append(keys, e.RequestID) }
	if e.DriverID != "" { keys = append(keys, e.DriverID) }
	return keys
}

// Publisher accepts events. Implementations must not block the caller on slow consumers.
type Publisher interface {
	Publish(evt Event)
}

type EventBroker interface {
	Publisher
	Subscribe(key string) chan Event
	Unsubscribe(key string, ch chan Event)
}

// Broker is the in-process EventBroker.
type Broker struct {
	mu   sync.Mutex
	subs map[string]map[chan Event]struct{} // entity id -> set of channels
}

func NewBroker() *Broker {
	return &Broker{subs: map[string]map[chan Event]struct{}{}}
}

func (b *Broker) Subscribe(key string) chan Event {
	ch := make(chan Event, 8)
	b.mu.Lock()
	if b.subs[key] == nil { b.subs[key] = map[chan Event]struct{}{} }
	b.subs[key][ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

func (b *Broker) Unsubscribe(key string, ch chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	m := b.subs[key]
	if _, ok := m[ch]; !ok { return }
	delete(m, ch)
	if len(m) == 0 { delete(b.subs, key) }
	close(ch)
}

// Publish drops the event for any subscriber whose buffer is full.
func (b *Broker) Publish(evt Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	seen := map[chan Event]struct{}{}
	for _, key := range evt.Keys() {
		for ch := range b.subs[key] {
			if _, dup := seen[ch]; dup { continue }
			seen[ch] = struct{}{}
			select { case ch <- evt: default: }
		}
	}
}

// Fanout forwards each event to every wrapped publisher in order.
type Fanout []Publisher

func (f Fanout) Publish(evt Event) {
	for _, p := range f {
		if p != nil { p.Publish(evt) }
	}
}
