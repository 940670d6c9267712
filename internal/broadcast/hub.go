// Package broadcast pushes live position and lifecycle updates to WebSocket
// subscribers. Slow clients are dropped rather than allowed to stall the
// feed.
package broadcast

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/banshee-data/roomsense/internal/monitoring"
	"github.com/banshee-data/roomsense/internal/positioning"
)

// Message is the wire envelope every subscriber receives.
type Message struct {
	Type      string      `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   interface{} `json:"payload"`
}

// Message types.
const (
	TypePositions = "positions"
	TypeEvent     = "event"
	TypeStatus    = "status"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}

		requestHost := r.Host
		originHost := u.Host
		if h, _, err := net.SplitHostPort(requestHost); err == nil {
			requestHost = h
		}
		if h, _, err := net.SplitHostPort(originHost); err == nil {
			originHost = h
		}

		if strings.EqualFold(requestHost, originHost) {
			return true
		}
		return originHost == "localhost" || originHost == "127.0.0.1"
	},
}

// Hub fans messages out to all connected subscribers. Start Run in its own
// goroutine before serving connections.
type Hub struct {
	mu         sync.RWMutex
	clients    map[*client]bool
	broadcast  chan []byte
	register   chan *client
	unregister chan *client

	sent    atomic.Uint64
	dropped atomic.Uint64
}

func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*client]bool),
		broadcast:  make(chan []byte, 16),
		register:   make(chan *client),
		unregister: make(chan *client),
	}
}

// Run owns the client set until the context is cancelled.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				delete(h.clients, c)
				close(c.send)
			}
			h.mu.Unlock()
			return
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			h.mu.Unlock()
			monitoring.Debugf("broadcast: client connected: %s", c.conn.RemoteAddr())
		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			h.mu.Unlock()
			monitoring.Debugf("broadcast: client disconnected: %s", c.conn.RemoteAddr())
		case data := <-h.broadcast:
			h.mu.RLock()
			for c := range h.clients {
				select {
				case c.send <- data:
					h.sent.Add(1)
				default:
					// Full buffer means the client cannot keep up; cut it
					// loose so everyone else stays current.
					h.dropped.Add(1)
					monitoring.Logf("broadcast: dropping slow client %s", c.conn.RemoteAddr())
					go func(c *client) { h.unregister <- c }(c)
				}
			}
			h.mu.RUnlock()
		}
	}
}

// PublishPositions sends a position batch to every subscriber.
func (h *Hub) PublishPositions(positions []positioning.DevicePosition) {
	h.publish(TypePositions, positions)
}

// PublishEvent forwards one lifecycle event. Event IDs are unique per
// emission so each reaches subscribers at most once.
func (h *Hub) PublishEvent(ev positioning.Event) {
	h.publish(TypeEvent, ev)
}

// PublishStatus sends a status snapshot.
func (h *Hub) PublishStatus(status interface{}) {
	h.publish(TypeStatus, status)
}

func (h *Hub) publish(msgType string, payload interface{}) {
	data, err := json.Marshal(Message{
		Type:      msgType,
		Timestamp: time.Now(),
		Payload:   payload,
	})
	if err != nil {
		monitoring.Logf("broadcast: marshal %s: %v", msgType, err)
		return
	}
	select {
	case h.broadcast <- data:
	default:
		h.dropped.Add(1)
	}
}

// ClientCount returns the number of connected subscribers.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Stats is a snapshot of hub counters.
type Stats struct {
	Clients int    `json:"clients"`
	Sent    uint64 `json:"sent"`
	Dropped uint64 `json:"dropped"`
}

func (h *Hub) Stats() Stats {
	return Stats{
		Clients: h.ClientCount(),
		Sent:    h.sent.Load(),
		Dropped: h.dropped.Load(),
	}
}

// ServeWS upgrades an HTTP request and registers the subscriber.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		monitoring.Logf("broadcast: upgrade failed: %v", err)
		return
	}

	c := &client{
		conn: conn,
		send: make(chan []byte, 64),
		hub:  h,
	}
	h.register <- c

	go c.writePump()
	go c.readPump()
}
