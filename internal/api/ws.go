package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"swiftaid/internal/auth"
	"swiftaid/internal/events"
)

// WebSocket change stream, graphql-transport-ws style framing:
//
//	-> {"type":"connection_init"}            <- {"type":"connection_ack"}
//	-> {"type":"subscribe","id":"1","payload":{"requestId":"req_..."}}
//	<- {"type":"next","id":"1","payload":<event>}
//	-> {"type":"complete","id":"1"}
//
// A payload may name driverId instead of requestId to follow a driver.

var upgrader = websocket.Upgrader{CheckOrigin: func(_ *http.Request) bool { return true }}

type wsMessage struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type wsSubscribe struct {
	RequestID string `json:"requestId"`
	DriverID  string `json:"driverId"`
}

type wsSub struct {
	key string
	ch  chan events.Event
}

// WSHandler handles /v1/ws. Browsers cannot set headers on the upgrade, so a
// bearer token may also arrive as ?access_token=.
func (s *Server) WSHandler(w http.ResponseWriter, r *http.Request) {
	if tok := r.URL.Query().Get("access_token"); tok != "" && r.Header.Get("Authorization") == "" {
		r.Header.Set("Authorization", "Bearer "+tok)
	}
	p, ok := s.getPrincipal(w, r)
	if !ok {
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer func() { _ = conn.Close() }()

	var wmu sync.Mutex
	write := func(v any) error {
		wmu.Lock()
		defer wmu.Unlock()
		_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		return conn.WriteJSON(v)
	}
	fail := func(id, msg string) {
		b, _ := json.Marshal(map[string]string{"message": msg})
		_ = write(wsMessage{Type: "error", ID: id, Payload: b})
		_ = write(wsMessage{Type: "complete", ID: id})
	}

	var mu sync.Mutex
	subs := map[string]wsSub{}
	done := make(chan struct{})
	defer func() {
		close(done)
		mu.Lock()
		for id, sb := range subs {
			s.Broker.Unsubscribe(sb.key, sb.ch)
			delete(subs, id)
		}
		mu.Unlock()
	}()

	conn.SetReadLimit(1 << 16)
	_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error { return conn.SetReadDeadline(time.Now().Add(60 * time.Second)) })

	for {
		var msg wsMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		switch msg.Type {
		case "connection_init":
			_ = write(wsMessage{Type: "connection_ack"})
			go func() {
				ticker := time.NewTicker(20 * time.Second)
				defer ticker.Stop()
				for {
					select {
					case <-done:
						return
					case <-ticker.C:
						if err := write(wsMessage{Type: "ping"}); err != nil {
							return
						}
					}
				}
			}()
		case "ping":
			_ = write(wsMessage{Type: "pong"})
		case "subscribe":
			if msg.ID == "" {
				fail("", "subscription id required")
				continue
			}
			var pl wsSubscribe
			_ = json.Unmarshal(msg.Payload, &pl)
			key, reason := s.authorizeStream(r, p, pl)
			if reason != "" {
				fail(msg.ID, reason)
				continue
			}
			mu.Lock()
			if _, dup := subs[msg.ID]; dup {
				mu.Unlock()
				fail(msg.ID, "subscription id already in use")
				continue
			}
			ch := s.Broker.Subscribe(key)
			subs[msg.ID] = wsSub{key: key, ch: ch}
			mu.Unlock()
			go func(id string, c chan events.Event) {
				for evt := range c {
					payload, err := json.Marshal(evt)
					if err != nil {
						continue
					}
					if err := write(wsMessage{Type: "next", ID: id, Payload: payload}); err != nil {
						return
					}
				}
				_ = write(wsMessage{Type: "complete", ID: id})
			}(msg.ID, ch)
		case "complete":
			mu.Lock()
			if sb, ok := subs[msg.ID]; ok {
				s.Broker.Unsubscribe(sb.key, sb.ch)
				delete(subs, msg.ID)
			}
			mu.Unlock()
		default:
			// ignore
		}
	}
}

// authorizeStream resolves the broker key for a subscription, or the reason it
// is refused.
func (s *Server) authorizeStream(r *http.Request, p auth.Principal, pl wsSubscribe) (string, string) {
	switch {
	case pl.RequestID != "":
		req, err := s.Engine.GetRequest(r.Context(), pl.RequestID)
		if err != nil {
			return "", "request not found"
		}
		if !isParticipant(p, req) {
			return "", "forbidden"
		}
		return req.ID, ""
	case pl.DriverID != "":
		if !p.IsAdmin() && !(p.IsDriver() && p.DriverID == pl.DriverID) {
			return "", "forbidden"
		}
		return pl.DriverID, ""
	}
	return "", "requestId or driverId required"
}
