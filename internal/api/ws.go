package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WebSocket streaming of run events, one subscription per run.

var upgrader = websocket.Upgrader{CheckOrigin: func(_ *http.Request) bool { return true }}

type wsMessage struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type subscribePayload struct {
	RunID string `json:"runId"`
	// Events selects what flows: "all" (default), "generation" for
	// progress only, "lifecycle" for everything but progress.
	Events string `json:"events"`
}

func wantEvent(filter, eventType string) bool {
	switch filter {
	case "generation":
		return eventType == "run.generation"
	case "lifecycle":
		return eventType != "run.generation"
	default:
		return true
	}
}

// WSHandler handles /ws
func (s *Server) WSHandler(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer func() { _ = conn.Close() }()

	// Track subscriptions: message id -> run and channel
	type sub struct {
		runID string
		ch    chan SSEEvent
	}
	subs := map[string]sub{}

	conn.SetReadLimit(1 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error { _ = conn.SetReadDeadline(time.Now().Add(60 * time.Second)); return nil })

	// Serialize writes; the fanout and keepalive goroutines share the conn.
	var wmu sync.Mutex
	write := func(v any) error {
		wmu.Lock()
		defer wmu.Unlock()
		return conn.WriteJSON(v)
	}

	_, org := s.withOrg(r)

	// Expect connection_init first
	for {
		var msg wsMessage
		if err := conn.ReadJSON(&msg); err != nil {
			break
		}
		switch msg.Type {
		case "connection_init":
			_ = write(wsMessage{Type: "connection_ack"})
			// Start keepalive
			go func() {
				ticker := time.NewTicker(20 * time.Second)
				defer ticker.Stop()
				for range ticker.C {
					if err := write(wsMessage{Type: "ping"}); err != nil {
						return
					}
				}
			}()
		case "ping":
			_ = write(wsMessage{Type: "pong"})
		case "subscribe":
			var pl subscribePayload
			_ = json.Unmarshal(msg.Payload, &pl)
			if pl.RunID == "" {
				_ = write(wsMessage{Type: "error", ID: msg.ID, Payload: []byte(`{"message":"runId required"}`)})
				_ = write(wsMessage{Type: "complete", ID: msg.ID})
				continue
			}
			// The run must exist in the caller's org.
			if _, err := s.Store.GetRun(r.Context(), org, pl.RunID); err != nil {
				_ = write(wsMessage{Type: "error", ID: msg.ID, Payload: []byte(`{"message":"run not found"}`)})
				_ = write(wsMessage{Type: "complete", ID: msg.ID})
				continue
			}
			ch := s.Broker.Subscribe(org, pl.RunID)
			subs[msg.ID] = sub{runID: pl.RunID, ch: ch}
			// Fanout goroutine
			go func(id string, c chan SSEEvent, filter string) {
				for evt := range c {
					if !wantEvent(filter, evt.Type) {
						continue
					}
					payload, _ := json.Marshal(map[string]any{"event": evt.Type, "data": evt.Data})
					_ = write(wsMessage{Type: "next", ID: id, Payload: payload})
				}
				_ = write(wsMessage{Type: "complete", ID: id})
			}(msg.ID, ch, pl.Events)
		case "complete":
			if s0, ok := subs[msg.ID]; ok {
				s.Broker.Unsubscribe(org, s0.runID, s0.ch)
				delete(subs, msg.ID)
			}
		default:
			// ignore
		}
	}
	// Cleanup
	for id, s0 := range subs {
		s.Broker.Unsubscribe(org, s0.runID, s0.ch)
		delete(subs, id)
	}
}
