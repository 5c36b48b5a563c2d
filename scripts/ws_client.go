// Package main runs a demo WebSocket client that follows one emergency request.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/gorilla/websocket"
)

type wsMessage struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func post(base, path, user, role string, body any) (*http.Response, error) {
	b, _ := json.Marshal(body)
	req, _ := http.NewRequest(http.MethodPost, base+path, bytes.NewReader(b))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-User-Id", user)
	req.Header.Set("X-Role", role)
	return http.DefaultClient.Do(req)
}

func main() {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	driverID := os.Getenv("DRIVER_ID")
	if driverID == "" {
		driverID = "2" // seeded John Smith
	}
	base := fmt.Sprintf("http://localhost:%s", port)

	// Raise a request as a demo requester
	resp, err := post(base, "/v1/requests", "demo-user", "requester", map[string]any{
		"userName":    "Demo User",
		"location":    map[string]any{"address": "1 Market St", "coordinates": map[string]float64{"lat": 37.7936, "lng": -122.3958}},
		"description": "Person collapsed, not breathing",
	})
	if err != nil {
		log.Fatal(err)
	}
	var created struct {
		ID       string `json:"id"`
		Severity string `json:"severity"`
	}
	err = json.NewDecoder(resp.Body).Decode(&created)
	_ = resp.Body.Close()
	if err != nil || created.ID == "" {
		log.Fatalf("create request failed: status %d: %v", resp.StatusCode, err)
	}
	log.Printf("Request ID: %s (severity %s)", created.ID, created.Severity)

	// Connect WS as the requester
	u := url.URL{Scheme: "ws", Host: "localhost:" + port, Path: "/v1/ws", RawQuery: "access_token=demo-user:requester"}
	c, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		log.Fatal("dial:", err)
	}
	defer func() { _ = c.Close() }()

	if err := c.WriteJSON(wsMessage{Type: "connection_init"}); err != nil {
		log.Fatal(err)
	}
	pl, _ := json.Marshal(map[string]string{"requestId": created.ID})
	if err := c.WriteJSON(wsMessage{Type: "subscribe", ID: "1", Payload: pl}); err != nil {
		log.Fatal(err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			var m wsMessage
			if err := c.ReadJSON(&m); err != nil {
				log.Printf("read: %v", err)
				return
			}
			log.Printf("WS <- %s: %s", m.Type, string(m.Payload))
		}
	}()

	// Dispatch a driver so the subscription sees request.assigned
	time.Sleep(500 * time.Millisecond)
	aresp, err := post(base, "/v1/requests/"+created.ID+"/assign", "dispatcher", "admin", map[string]string{"driverId": driverID})
	if err != nil {
		log.Fatal(err)
	}
	_ = aresp.Body.Close()
	log.Printf("assign %s -> %d", driverID, aresp.StatusCode)

	// Wait briefly to receive a few messages
	select {
	case <-time.After(2 * time.Second):
	case <-done:
	}
}
