package websocket

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/cortex-x/go-eid-card-service/internal/domain"
	"github.com/effective-security/xlog"
	"github.com/gorilla/websocket"
)

var logger = xlog.NewPackageLogger("github.com/cortex-x/go-eid-card-service", "websocket")

// ErrHubStopped is returned when broadcasting after Run returned
var ErrHubStopped = errors.New("hub stopped")

type Client struct {
	conn   *websocket.Conn
	send   chan []byte
	hub    *Hub
	closed bool
	mu     sync.Mutex
}

type Hub struct {
	clients    map[*Client]bool
	broadcast  chan []byte
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
	mu         sync.RWMutex
}

func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan []byte),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
	}
}

// Run dispatches messages until ctx is done, then closes all clients
func (h *Hub) Run(ctx context.Context) {
	defer func() {
		close(h.done)
		h.mu.Lock()
		for client := range h.clients {
			delete(h.clients, client)
			close(client.send)
		}
		h.mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			total := len(h.clients)
			h.mu.Unlock()
			logger.KV(xlog.DEBUG, "status", "registered", "clients", total)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			total := len(h.clients)
			h.mu.Unlock()
			logger.KV(xlog.DEBUG, "status", "unregistered", "clients", total)

		case message := <-h.broadcast:
			h.mu.RLock()
			clients := make([]*Client, 0, len(h.clients))
			for client := range h.clients {
				clients = append(clients, client)
			}
			h.mu.RUnlock()

			for _, client := range clients {
				select {
				case client.send <- message:
				default:
					// slow client
					h.mu.Lock()
					if _, ok := h.clients[client]; ok {
						delete(h.clients, client)
						close(client.send)
					}
					h.mu.Unlock()
					client.markClosed()
				}
			}
		}
	}
}

// ClientCount returns the number of connected clients
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) BroadcastMessage(messageType string, payload any) error {
	data, err := json.Marshal(domain.WebSocketMessage{
		Type:    messageType,
		Payload: payload,
	})
	if err != nil {
		return errors.WithMessagef(err, "failed to encode %s message", messageType)
	}

	select {
	case h.broadcast <- data:
		return nil
	case <-h.done:
		return ErrHubStopped
	}
}

// BroadcastError sends ERROR message for err
func (h *Hub) BroadcastError(err error) {
	if berr := h.BroadcastMessage(domain.MessageTypeError, domain.NewErrorResponse(err)); berr != nil {
		logger.KV(xlog.WARNING, "reason", "broadcast", "type", domain.MessageTypeError, "err", berr.Error())
	}
}

// Broadcast sends the message and logs failures
func (h *Hub) Broadcast(messageType string, payload any) {
	if err := h.BroadcastMessage(messageType, payload); err != nil {
		logger.KV(xlog.WARNING, "reason", "broadcast", "type", messageType, "err", err.Error())
	}
}

func (h *Hub) RegisterClient(conn *websocket.Conn) (*Client, error) {
	client := &Client{
		conn: conn,
		send: make(chan []byte, 256),
		hub:  h,
	}
	select {
	case h.register <- client:
		return client, nil
	case <-h.done:
		return nil, ErrHubStopped
	}
}

func (h *Hub) unregisterClient(client *Client) {
	if !client.markClosed() {
		return
	}
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

// markClosed returns false if the client was already closed
func (c *Client) markClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.closed = true
	return true
}

func (c *Client) WritePump() {
	defer func() {
		_ = c.conn.Close()
	}()

	for message := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
			logger.KV(xlog.DEBUG, "reason", "write", "err", err.Error())
			return
		}
	}

	_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
}

// ReadPump drains the connection to handle pings and close frames;
// clients are not expected to send messages.
func (c *Client) ReadPump() {
	defer func() {
		c.hub.unregisterClient(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(512)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logger.KV(xlog.WARNING, "reason", "read", "err", err.Error())
			}
			return
		}
	}
}
