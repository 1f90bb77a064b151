package ws

import (
	"encoding/json"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/usage-relay/backend/internal/event"
)

const (
	sendBufferSize = 64
	writeWait      = 10 * time.Second
)

// ErrTooManyConnections is returned by AddClient when the hub is full.
var ErrTooManyConnections = errors.New("too many websocket connections")

type client struct {
	conn   *websocket.Conn
	hub    *Hub
	userID string
	key    string
	send   chan []byte
}

func (c *client) writePump() {
	defer c.conn.Close()
	for msg := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			c.hub.RemoveClient(c)
			return
		}
	}
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
}

// Hub tracks live connections grouped by user channel. It implements
// event.Transport. Each connection has one writer goroutine draining a
// buffered queue, so messages to a connection are written in the order they
// were sent. A connection whose queue is full is disconnected.
type Hub struct {
	mu       sync.RWMutex
	clients  map[*client]bool
	channels map[string]map[*client]bool
	maxConns int // 0 means unlimited
}

var _ event.Transport = (*Hub)(nil)

func NewHub(maxConns int) *Hub {
	return &Hub{
		clients:  make(map[*client]bool),
		channels: make(map[string]map[*client]bool),
		maxConns: maxConns,
	}
}

// AddClient registers conn under userID's channel and starts its writer.
func (h *Hub) AddClient(conn *websocket.Conn, userID string) (*client, error) {
	c := &client{
		conn:   conn,
		hub:    h,
		userID: userID,
		key:    event.UserChannel(userID),
		send:   make(chan []byte, sendBufferSize),
	}

	h.mu.Lock()
	if h.maxConns > 0 && len(h.clients) >= h.maxConns {
		h.mu.Unlock()
		return nil, ErrTooManyConnections
	}
	h.clients[c] = true
	group, ok := h.channels[c.key]
	if !ok {
		group = make(map[*client]bool)
		h.channels[c.key] = group
	}
	group[c] = true
	h.mu.Unlock()

	go c.writePump()
	return c, nil
}

// RemoveClient unregisters c and stops its writer. Safe to call repeatedly.
func (h *Hub) RemoveClient(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	if group, ok := h.channels[c.key]; ok {
		delete(group, c)
		if len(group) == 0 {
			delete(h.channels, c.key)
		}
	}
	close(c.send)
}

// SendToChannel delivers a message to every connection under key.
func (h *Hub) SendToChannel(key, name string, payload any) {
	data, ok := encode(name, payload)
	if !ok {
		return
	}

	h.mu.RLock()
	group := h.channels[key]
	slow := h.enqueueLocked(group, data)
	h.mu.RUnlock()

	h.dropSlow(slow)
}

// SendToAll delivers a message to every connection.
func (h *Hub) SendToAll(name string, payload any) {
	data, ok := encode(name, payload)
	if !ok {
		return
	}

	h.mu.RLock()
	slow := h.enqueueLocked(h.clients, data)
	h.mu.RUnlock()

	h.dropSlow(slow)
}

// reply sends a message to a single connection.
func (h *Hub) reply(c *client, msg WSMessage) {
	data, ok := encode(string(msg.Type), msg.Payload)
	if !ok {
		return
	}

	h.mu.RLock()
	var slow []*client
	if h.clients[c] {
		slow = h.enqueueLocked(map[*client]bool{c: true}, data)
	}
	h.mu.RUnlock()

	h.dropSlow(slow)
}

// enqueueLocked queues data on every client in set and returns the ones
// whose queue was full. Caller must hold at least the read lock, which keeps
// the queues open while sending.
func (h *Hub) enqueueLocked(set map[*client]bool, data []byte) []*client {
	var slow []*client
	for c := range set {
		select {
		case c.send <- data:
		default:
			slow = append(slow, c)
		}
	}
	return slow
}

func (h *Hub) dropSlow(slow []*client) {
	for _, c := range slow {
		log.Printf("ws client for %s too slow, disconnecting", c.userID)
		h.RemoveClient(c)
	}
}

// ClientCount returns the number of live connections.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ChannelCount returns the number of live connections under key.
func (h *Hub) ChannelCount(key string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.channels[key])
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		close(c.send)
	}
	h.clients = make(map[*client]bool)
	h.channels = make(map[string]map[*client]bool)
}

func encode(name string, payload any) ([]byte, bool) {
	data, err := json.Marshal(WSMessage{Type: MessageType(name), Payload: payload})
	if err != nil {
		log.Printf("ws marshal error for %s: %v", name, err)
		return nil, false
	}
	return data, true
}
