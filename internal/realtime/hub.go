// Package realtime pushes watchdog activity to connected dashboards
// over WebSocket. The hub owns the client set; the watchdog loop feeds
// it through the events bus, so slow or dead dashboards never block a
// connectivity check.
package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/neboloop/keeper/internal/events"
	"github.com/neboloop/keeper/internal/logging"
	"github.com/neboloop/keeper/internal/middleware"
	"github.com/neboloop/keeper/internal/watchdog"
)

// Frame is the JSON envelope pushed to connected clients.
type Frame struct {
	Type string    `json:"type"`
	At   time.Time `json:"at"`
	Data any       `json:"data,omitempty"`
}

// Frame types pushed by the hub.
const (
	FrameCheck    = "check"
	FrameRecovery = "recovery"
	FrameState    = "state"
	FrameRotation = "rotation"
	FrameSnapshot = "snapshot"
	FramePong     = "pong"
)

// Hub manages dashboard connections and fans frames out to them.
type Hub struct {
	clientMu sync.RWMutex
	clients  map[string]*Client

	register   chan *Client
	unregister chan *Client
	done       chan struct{}

	// snapshotFn builds the frame sent to a client right after it
	// connects (and on request), so dashboards paint without waiting
	// for the next check.
	snapshotFn   func() *Frame
	snapshotFnMu sync.RWMutex

	upgrader websocket.Upgrader
}

// NewHub creates a hub. Call Run to start its registration loop.
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[string]*Client),
		register:   make(chan *Client, 1),
		unregister: make(chan *Client, 1),
		done:       make(chan struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return origin == "" || middleware.IsLocalhostOrigin(origin)
			},
		},
	}
}

// SetSnapshotFunc sets the builder for the frame pushed to clients on
// connect.
func (h *Hub) SetSnapshotFunc(fn func() *Frame) {
	h.snapshotFnMu.Lock()
	defer h.snapshotFnMu.Unlock()
	h.snapshotFn = fn
}

func (h *Hub) snapshotFrame() *Frame {
	h.snapshotFnMu.RLock()
	fn := h.snapshotFn
	h.snapshotFnMu.RUnlock()
	if fn == nil {
		return nil
	}
	return fn()
}

// Run processes client registration until ctx is cancelled, then
// closes every connection.
func (h *Hub) Run(ctx context.Context) {
	defer func() {
		close(h.done)
		h.closeAll()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case c := <-h.register:
			h.addClient(c)
		case c := <-h.unregister:
			h.removeClient(c)
		}
	}
}

func (h *Hub) addClient(c *Client) {
	h.clientMu.Lock()

	// A reconnecting dashboard reuses its client ID; drop the stale
	// connection before accepting the new one.
	if existing, ok := h.clients[c.ID]; ok {
		logging.Debugf("realtime: replacing client %s", c.ID)
		existing.Close()
	}
	h.clients[c.ID] = c
	h.clientMu.Unlock()

	logging.Infof("realtime: client connected: %s", c.ID)

	if frame := h.snapshotFrame(); frame != nil {
		go func() {
			if err := c.SendFrame(frame); err != nil {
				logging.Debugf("realtime: snapshot push to %s failed: %v", c.ID, err)
			}
		}()
	}
}

func (h *Hub) removeClient(c *Client) {
	h.clientMu.Lock()
	defer h.clientMu.Unlock()

	// Only drop the map entry if this client is still the registered
	// one; addClient may already have replaced it.
	if existing, ok := h.clients[c.ID]; ok && existing == c {
		delete(h.clients, c.ID)
		logging.Infof("realtime: client disconnected: %s", c.ID)
	}
	c.Close()
}

func (h *Hub) closeAll() {
	h.clientMu.Lock()
	defer h.clientMu.Unlock()
	for id, c := range h.clients {
		c.Close()
		delete(h.clients, id)
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.clientMu.RLock()
	defer h.clientMu.RUnlock()
	return len(h.clients)
}

// Broadcast sends a frame to every connected client. Clients with full
// send buffers are skipped rather than waited on.
func (h *Hub) Broadcast(frame *Frame) {
	data, err := json.Marshal(frame)
	if err != nil {
		logging.Warnf("realtime: marshal %s frame: %v", frame.Type, err)
		return
	}

	h.clientMu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.clientMu.RUnlock()

	for _, c := range clients {
		if err := c.enqueue(data); err != nil {
			logging.Debugf("realtime: drop %s frame for %s: %v", frame.Type, c.ID, err)
		}
	}
}

// Attach subscribes the hub to the watchdog's event topics and returns
// a detach function.
func (h *Hub) Attach(bus *events.Bus) func() {
	subs := []events.Subscription{
		events.Subscribe(bus, events.TopicCheck, func(_ context.Context, ev watchdog.CheckEvent) error {
			h.Broadcast(&Frame{Type: FrameCheck, At: time.Now().UTC(), Data: ev})
			return nil
		}),
		events.Subscribe(bus, events.TopicRecovery, func(_ context.Context, ev watchdog.RecoveryEvent) error {
			h.Broadcast(&Frame{Type: FrameRecovery, At: time.Now().UTC(), Data: ev})
			return nil
		}),
		events.Subscribe(bus, events.TopicState, func(_ context.Context, ev watchdog.StateChangeEvent) error {
			h.Broadcast(&Frame{Type: FrameState, At: time.Now().UTC(), Data: ev})
			return nil
		}),
		events.Subscribe(bus, events.TopicRotation, func(_ context.Context, ev watchdog.RotationEvent) error {
			h.Broadcast(&Frame{Type: FrameRotation, At: time.Now().UTC(), Data: ev})
			return nil
		}),
	}

	return func() {
		for _, sub := range subs {
			sub.Unsubscribe()
		}
	}
}

// HandleWebSocket upgrades the request and registers the connection
// with the hub.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Errorf("realtime: upgrade failed: %v", err)
		return
	}

	clientID := r.URL.Query().Get("client_id")
	if clientID == "" {
		clientID = "client-" + uuid.NewString()[:8]
	}

	client := NewClient(conn, h, clientID)

	select {
	case h.register <- client:
	case <-h.done:
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}
