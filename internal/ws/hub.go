package ws

import (
	"encoding/json"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ErrTooManyConnections is returned by AddClient when the hub is full.
var ErrTooManyConnections = errors.New("too many websocket connections")

const writeWait = 10 * time.Second

// Replayer supplies the last-known messages for a token so a newly
// connected overlay never renders blank. Replay runs with the hub locked
// and must not call back into the hub.
type Replayer interface {
	Replay(token string) []Message
}

type client struct {
	conn  *websocket.Conn
	hub   *Hub
	token string
	send  chan []byte
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
}

// Hub fans messages out to the overlay clients connected for each token.
type Hub struct {
	mu       sync.RWMutex
	rooms    map[string]map[*client]bool
	count    int
	maxConns int
	replayer Replayer
}

// NewHub creates a hub. maxConns <= 0 means unlimited.
func NewHub(maxConns int) *Hub {
	return &Hub{
		rooms:    make(map[string]map[*client]bool),
		maxConns: maxConns,
	}
}

// SetReplayer configures the source of replayed state. Must be called
// before clients connect.
func (h *Hub) SetReplayer(r Replayer) {
	h.replayer = r
}

// AddClient registers conn for token. Last-known data is queued ahead of
// anything sent to the room afterwards: the replay is read and enqueued
// under the same lock that admits the client, and Send waits on that lock.
func (h *Hub) AddClient(token string, conn *websocket.Conn) (*client, error) {
	c := &client{
		conn:  conn,
		hub:   h,
		token: token,
		send:  make(chan []byte, 64),
	}

	h.mu.Lock()
	if h.maxConns > 0 && h.count >= h.maxConns {
		h.mu.Unlock()
		return nil, ErrTooManyConnections
	}
	if h.replayer != nil {
		enqueueReplay(c, h.replayer.Replay(token))
	}
	room, ok := h.rooms[token]
	if !ok {
		room = make(map[*client]bool)
		h.rooms[token] = room
	}
	room[c] = true
	h.count++
	h.mu.Unlock()

	go c.writePump()
	return c, nil
}

// enqueueReplay buffers msgs on a client nobody else can see yet.
func enqueueReplay(c *client, msgs []Message) {
	for _, msg := range msgs {
		data, err := json.Marshal(msg)
		if err != nil {
			continue
		}
		select {
		case c.send <- data:
		default:
			// Replay larger than the buffer, drop the rest
			return
		}
	}
}

func (h *Hub) RemoveClient(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	room, ok := h.rooms[c.token]
	if !ok || !room[c] {
		return
	}
	delete(room, c)
	if len(room) == 0 {
		delete(h.rooms, c.token)
	}
	h.count--
	close(c.send)
}

// Send delivers msg to every overlay connected for token. Clients that
// cannot keep up are disconnected.
func (h *Hub) Send(token string, msg Message) {
	if h.RoomSize(token) == 0 {
		return
	}

	data, err := json.Marshal(msg)
	if err != nil {
		log.Printf("[hub] marshal %s: %v", msg.Type, err)
		return
	}

	var slow []*client
	h.mu.RLock()
	for c := range h.rooms[token] {
		select {
		case c.send <- data:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		log.Printf("[hub] overlay client too slow, disconnecting")
		h.RemoveClient(c)
	}
}

// ClientCount is the total number of connected overlays.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.count
}

// RoomSize is the number of overlays connected for token.
func (h *Hub) RoomSize(token string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[token])
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for token, room := range h.rooms {
		for c := range room {
			close(c.send)
		}
		delete(h.rooms, token)
	}
	h.count = 0
}
