// Package main runs a demo WebSocket client for run events: it posts a
// scenario and a run, subscribes over /ws and prints what arrives.
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

const demoConfig = "wood:10\nmake_plank:(wood:2):(plank:1):5\noptimize:(plank)\n"

func main() {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	base := fmt.Sprintf("http://localhost:%s", port)

	post := func(path, contentType string, body []byte) *http.Response {
		req, _ := http.NewRequest(http.MethodPost, base+path, bytes.NewReader(body))
		req.Header.Set("Content-Type", contentType)
		req.Header.Set("X-Org-Id", "org_demo")
		req.Header.Set("X-Role", "admin")
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			log.Fatal(err)
		}
		return resp
	}

	// Create a scenario from raw config text
	resp := post("/v1/scenarios?name=demo", "text/plain", []byte(demoConfig))
	var scen struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&scen); err != nil {
		log.Fatal(err)
	}
	_ = resp.Body.Close()
	log.Printf("Scenario ID: %s", scen.ID)

	// Queue a run
	runBody, _ := json.Marshal(map[string]any{"scenarioId": scen.ID, "budget": 100, "seed": 42})
	resp = post("/v1/runs", "application/json", runBody)
	var run struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&run); err != nil {
		log.Fatal(err)
	}
	_ = resp.Body.Close()
	log.Printf("Run ID: %s", run.ID)

	// Connect WS
	u := url.URL{Scheme: "ws", Host: "localhost:" + port, Path: "/ws"}
	hdr := http.Header{}
	hdr.Set("X-Org-Id", "org_demo")
	hdr.Set("X-Role", "admin")
	c, _, err := websocket.DefaultDialer.Dial(u.String(), hdr)
	if err != nil {
		log.Fatal("dial:", err)
	}
	defer func() { _ = c.Close() }()

	// connection_init
	if err := c.WriteJSON(wsMessage{Type: "connection_init"}); err != nil {
		log.Fatal(err)
	}
	// subscribe to all events for the run
	pl, _ := json.Marshal(map[string]any{"runId": run.ID, "events": "all"})
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

	// Wait for lifecycle events to arrive
	select {
	case <-time.After(10 * time.Second):
	case <-done:
	}
}
