package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"courierdispatch/internal/model"
)

const (
	heartbeatEvery = 15 * time.Second
	wsPingEvery    = 20 * time.Second
	wsReadTimeout  = 60 * time.Second
)

var upgrader = websocket.Upgrader{CheckOrigin: func(_ *http.Request) bool { return true }}

// streamTopic checks that zone (and driver, when set) exist and returns the
// broker topic to follow.
func (s *Server) streamTopic(zone, driver string) (string, error) {
	if driver == "" {
		if _, err := s.Dispatch.ZoneStatus(zone); err != nil {
			return "", err
		}
		return zoneTopic(zone), nil
	}
	if _, err := s.Dispatch.Queue(zone, driver); err != nil {
		return "", err
	}
	return driverTopic(zone, driver), nil
}

// streamSSE serves dispatch events as text/event-stream until the client leaves.
func (s *Server) streamSSE(w http.ResponseWriter, r *http.Request, zone, driver string) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	topic, err := s.streamTopic(zone, driver)
	if err != nil {
		writeError(w, r, err, false)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeProblem(w, http.StatusInternalServerError, "Streaming unsupported", "", r.URL.Path)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	ch := s.Broker.Subscribe(topic)
	defer s.Broker.Unsubscribe(topic, ch)

	heartbeat := func() {
		fmt.Fprintf(w, "event: heartbeat\n")
		fmt.Fprintf(w, "data: {\"topic\":%q,\"ts\":%q}\n\n", topic, time.Now().UTC().Format(time.RFC3339))
		flusher.Flush()
	}
	heartbeat()
	ticker := time.NewTicker(heartbeatEvery)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			b, _ := json.Marshal(evt)
			fmt.Fprintf(w, "id: %s\n", evt.ID)
			fmt.Fprintf(w, "event: %s\n", evt.Type)
			fmt.Fprintf(w, "data: %s\n\n", b)
			flusher.Flush()
		case <-ticker.C:
			heartbeat()
		}
	}
}

// wsMessage is the envelope of every WebSocket frame sent to clients.
type wsMessage struct {
	Type  string               `json:"type"` // snapshot | event | ping
	Queue *model.DriverQueue   `json:"queue,omitempty"`
	Event *model.DispatchEvent `json:"event,omitempty"`
}

// streamWS sends the driver's current queue, then every event for it. The
// client only needs to answer pings; anything it sends is discarded.
func (s *Server) streamWS(w http.ResponseWriter, r *http.Request, zone, driver string) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	topic, err := s.streamTopic(zone, driver)
	if err != nil {
		writeError(w, r, err, false)
		return
	}
	ch := s.Broker.Subscribe(topic)
	defer s.Broker.Unsubscribe(topic, ch)
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer func() { _ = conn.Close() }()

	conn.SetReadLimit(1 << 16)
	_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	conn.SetPongHandler(func(string) error { return conn.SetReadDeadline(time.Now().Add(wsReadTimeout)) })
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	q, err := s.Dispatch.Queue(zone, driver)
	if err != nil {
		return
	}
	if err := conn.WriteJSON(wsMessage{Type: "snapshot", Queue: &q}); err != nil {
		return
	}
	ticker := time.NewTicker(wsPingEvery)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-r.Context().Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			if err := conn.WriteJSON(wsMessage{Type: "event", Event: &evt}); err != nil {
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				return
			}
		}
	}
}
