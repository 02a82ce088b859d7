// Package stream pushes recorded events to websocket subscribers as they happen.
package stream

import (
	"encoding/json"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/trackerd/internal/tracker"
)

// Message types sent to subscribers.
const (
	MsgEvent = "event"
)

// Message is the envelope of everything written to a subscriber.
type Message struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

// sendBuffer is the per-client backlog; a client that falls further behind is dropped.
const sendBuffer = 64

// Client is one subscriber connection, returned by AddClient.
type Client struct {
	conn *websocket.Conn
	send chan []byte
}

func newClient(conn *websocket.Conn) *Client {
	c := &Client{
		conn: conn,
		send: make(chan []byte, sendBuffer),
	}
	go c.writePump()
	return c
}

func (c *Client) writePump() {
	defer c.conn.Close()
	for msg := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
}

// Broadcaster fans recorded events out to connected clients.
type Broadcaster struct {
	mu      sync.RWMutex
	clients map[*Client]bool
	closed  bool
}

// NewBroadcaster creates an empty broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{clients: make(map[*Client]bool)}
}

// AddClient starts streaming to conn. After Close the connection is
// closed right away.
func (b *Broadcaster) AddClient(conn *websocket.Conn) *Client {
	c := newClient(conn)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(c.send)
		return c
	}
	b.clients[c] = true

	return c
}

// Close disconnects every client and refuses new ones.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	for c := range b.clients {
		delete(b.clients, c)
		close(c.send)
	}
}

// RemoveClient stops streaming to c and closes its connection.
func (b *Broadcaster) RemoveClient(c *Client) {
	b.mu.Lock()
	if _, ok := b.clients[c]; ok {
		delete(b.clients, c)
		close(c.send)
	}
	b.mu.Unlock()
}

// PublishEvent sends a recorded event to every client. It never blocks.
func (b *Broadcaster) PublishEvent(event tracker.Event) {
	b.broadcast(Message{Type: MsgEvent, Payload: event})
}

func (b *Broadcaster) broadcast(msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to encode stream message")
		return
	}

	// Sends happen under the read lock so RemoveClient can't close a channel mid-send
	var slow []*Client
	b.mu.RLock()
	for c := range b.clients {
		select {
		case c.send <- data:
		default:
			slow = append(slow, c)
		}
	}
	b.mu.RUnlock()

	for _, c := range slow {
		log.Warn().Msg("Stream client too slow, disconnecting")
		b.RemoveClient(c)
	}
}

// ClientCount returns the number of connected clients.
func (b *Broadcaster) ClientCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}
