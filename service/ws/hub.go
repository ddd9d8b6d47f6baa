package ws

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Client is one open websocket connection for an authenticated user. A user
// may hold several connections at once (phone and desk, for example).
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	userID uint
}

// Hub tracks live connections per user and fans appointment events out to
// them. It implements the realtime Publisher used by the notification
// dispatcher.
type Hub struct {
	mu      sync.RWMutex
	clients map[uint][]*Client
}

func NewHub() *Hub {
	return &Hub{
		clients: make(map[uint][]*Client),
	}
}

// Publish sends an event to every open connection of a user. A user with no
// connections is not an error; realtime delivery is inherently best-effort.
func (h *Hub) Publish(userID uint, event string, payload map[string]interface{}) error {
	msg, err := json.Marshal(map[string]interface{}{
		"event":   event,
		"payload": payload,
	})
	if err != nil {
		return err
	}

	h.mu.RLock()
	connections := append([]*Client(nil), h.clients[userID]...)
	h.mu.RUnlock()

	for _, client := range connections {
		select {
		case client.send <- msg:
		default:
			// Slow consumer, drop the connection rather than block the hub.
			h.unregister(client)
		}
	}
	return nil
}

func (h *Hub) register(client *Client) {
	h.mu.Lock()
	h.clients[client.userID] = append(h.clients[client.userID], client)
	h.mu.Unlock()
}

func (h *Hub) unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	connections := h.clients[client.userID]
	for i, c := range connections {
		if c == client {
			h.clients[client.userID] = append(connections[:i], connections[i+1:]...)
			close(client.send)
			break
		}
	}
	if len(h.clients[client.userID]) == 0 {
		delete(h.clients, client.userID)
	}
}

// ConnectionCount reports how many connections a user currently holds.
func (h *Hub) ConnectionCount(userID uint) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[userID])
}

// readPump drains inbound frames so pings and close frames are processed.
// Clients only listen on this socket; inbound payloads are discarded.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("websocket read error: %v", err)
			}
			break
		}
	}
}

// writePump pushes hub messages to the connection and keeps it alive with
// periodic pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(54 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
