// Command ws_client tails a driver's queue over WebSocket and, with -demo,
// admits two pickups and optimizes so there is something to see.
//
//	go run scripts/ws_client.go -zone Z1 -driver D1 -demo
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/gorilla/websocket"
)

type wsMessage struct {
	Type  string          `json:"type"`
	Queue json.RawMessage `json:"queue,omitempty"`
	Event json.RawMessage `json:"event,omitempty"`
}

func main() {
	zone := flag.String("zone", "Z1", "zone id")
	driver := flag.String("driver", "D1", "driver id")
	demo := flag.Bool("demo", false, "admit two pickups and optimize after connecting")
	wait := flag.Duration("wait", 10*time.Second, "how long to listen")
	flag.Parse()

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	base := fmt.Sprintf("http://localhost:%s", port)

	u := url.URL{Scheme: "ws", Host: "localhost:" + port, Path: fmt.Sprintf("/zones/%s/drivers/%s/ws", *zone, *driver)}
	c, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		log.Fatal("dial:", err)
	}
	defer func() { _ = c.Close() }()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			var m wsMessage
			if err := c.ReadJSON(&m); err != nil {
				log.Printf("read: %v", err)
				return
			}
			switch m.Type {
			case "snapshot":
				log.Printf("WS <- snapshot: %s", string(m.Queue))
			default:
				log.Printf("WS <- %s: %s", m.Type, string(m.Event))
			}
		}
	}()

	if *demo {
		time.Sleep(300 * time.Millisecond)
		for _, loc := range [][2]float64{{37.51, 127.01}, {37.52, 127.03}} {
			body := fmt.Sprintf(`{"zone":%q,"location":{"lat":%v,"lng":%v},"label":"ws demo"}`, *zone, loc[0], loc[1])
			post(base+"/pickups", body)
		}
		post(fmt.Sprintf("%s/zones/%s/drivers/%s/optimize", base, *zone, *driver), "")
	}

	select {
	case <-time.After(*wait):
	case <-done:
	}
}

func post(url, body string) {
	req, _ := http.NewRequest(http.MethodPost, url, bytes.NewReader([]byte(body)))
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		log.Printf("POST %s: %v", url, err)
		return
	}
	_ = resp.Body.Close()
	log.Printf("POST %s -> %d", url, resp.StatusCode)
}
