package events

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RedisBroker implements EventBroker over Redis Pub/Sub so several API
// instances share one change stream.
type RedisBroker struct {
	rdb *redis.Client
	log zerolog.Logger

	mu  sync.Mutex
	pss map[chan Event]*redis.PubSub
}

func NewRedisBroker(url string, log zerolog.Logger) (*RedisBroker, error) {
	opt, err := redis.ParseURL(url)
	if err != nil { return nil, err }
	rdb := redis.NewClient(opt)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, err
	}
	return &RedisBroker{rdb: rdb, log: log, pss: map[chan Event]*redis.PubSub{}}, nil
}

func (b *RedisBroker) Subscribe(key string) chan Event {
	ch := make(chan Event, 16)
	ctx := context.Background()
	ps := b.rdb.Subscribe(ctx, b.chanName(key))
	// initial consume to ensure subscription
	if _, err := ps.Receive(ctx); err != nil {
		b.log.Warn().Err(err).Str("key", key).Msg("redis subscribe")
	}
	b.mu.Lock()
	b.pss[ch] = ps
	b.mu.Unlock()
	go func() {
		defer close(ch)
		for msg := range ps.Channel() {
			var evt Event
			if err := json.Unmarshal([]byte(msg.Payload), &evt); err == nil {
				select { case ch <- evt: default: }
			}
		}
	}()
	return ch
}

// Unsubscribe closes the underlying PubSub; the reader goroutine then closes ch.
func (b *RedisBroker) Unsubscribe(key string, ch chan Event) {
	b.mu.Lock()
	ps := b.pss[ch]
	delete(b.pss, ch)
	b.mu.Unlock()
	if ps != nil { _ = ps.Close() }
}

func (b *RedisBroker) Publish(evt Event) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	data, err := json.Marshal(evt)
	if err != nil { return }
	for _, key := range evt.Keys() {
		if err := b.rdb.Publish(ctx, b.chanName(key), data).Err(); err != nil {
			b.log.Warn().Err(err).Str("key", key).Str("type", evt.Type).Msg("redis publish")
		}
	}
}

func (b *RedisBroker) Ping(ctx context.Context) error { return b.rdb.Ping(ctx).Err() }

func (b *RedisBroker) Close() error { return b.rdb.Close() }

func (b *RedisBroker) chanName(key string) string { return "dispatch:" + key }
