package events

import (
	"encoding/json"
	"net/http"
	"strconv"
	"sync"

	"github.com/gorilla/websocket"

	"swarmq/log"
)

// Hub fans the event stream out to WebSocket clients and routes their
// confirmation decisions back to the broker. Each client first receives
// retained history past its requested sequence number, then live events.
type Hub struct {
	bus       *Bus
	confirmer *Confirmer
	upgrader  websocket.Upgrader

	mu      sync.Mutex
	clients map[*websocket.Conn]bool
}

// decisionMessage is the inbound frame a client sends to resolve a pending
// confirmation request.
type decisionMessage struct {
	RequestID string `json:"request_id"`
	Approved  bool   `json:"approved"`
}

// NewHub creates a hub serving the given bus and confirmation broker.
func NewHub(bus *Bus, confirmer *Confirmer) *Hub {
	return &Hub{
		bus:       bus,
		confirmer: confirmer,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		clients: make(map[*websocket.Conn]bool),
	}
}

// ServeHTTP upgrades the request and streams events to the client. The
// optional "since" query parameter replays retained events after that
// sequence number before the live feed starts.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.WarningLog.Printf("websocket upgrade failed: %v", err)
		return
	}

	var since uint64
	if raw := r.URL.Query().Get("since"); raw != "" {
		since, _ = strconv.ParseUint(raw, 10, 64)
	}

	h.addClient(conn, since)
}

func (h *Hub) addClient(conn *websocket.Conn, since uint64) {
	h.mu.Lock()
	h.clients[conn] = true
	n := len(h.clients)
	h.mu.Unlock()

	log.InfoLog.Printf("websocket client connected, %d total", n)

	sub := h.bus.Subscribe(256)

	// Reader goroutine detects disconnects and handles confirmation
	// decisions sent back over the same connection.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var msg decisionMessage
			if err := json.Unmarshal(data, &msg); err != nil || msg.RequestID == "" {
				continue
			}
			if h.confirmer != nil && !h.confirmer.Resolve(msg.RequestID, msg.Approved) {
				log.WarningLog.Printf("decision for unknown confirmation request %s", msg.RequestID)
			}
		}
	}()

	go func() {
		defer func() {
			h.bus.Unsubscribe(sub)
			h.mu.Lock()
			delete(h.clients, conn)
			h.mu.Unlock()
			conn.Close()
			log.InfoLog.Printf("websocket client disconnected")
		}()

		for _, ev := range h.bus.ReplaySince(since) {
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
			since = ev.Seq
		}

		for {
			select {
			case ev, ok := <-sub.C:
				if !ok {
					return
				}
				if ev.Seq <= since {
					continue
				}
				if err := conn.WriteJSON(ev); err != nil {
					return
				}
			case <-done:
				return
			}
		}
	}()
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}
