// Package push streams events to WebSocket clients by topic.
package push

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"curve-market/internal/events"
	"curve-market/internal/observability"
)

// Client actions.
const (
	ActionSubscribe   = "subscribe"
	ActionUnsubscribe = "unsubscribe"
)

const (
	sendBuffer     = 256
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	maxMessageSize = 4096
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Request is a client control message.
type Request struct {
	Action string `json:"action"`
	Topic  string `json:"topic"`
}

// Message is what clients receive for every matching event.
type Message struct {
	Topic string          `json:"topic"`
	Event events.Envelope `json:"event"`
}

// Ack confirms a control message.
type Ack struct {
	Action string `json:"action"`
	Topic  string `json:"topic"`
	Error  string `json:"error,omitempty"`
}

type client struct {
	conn   *websocket.Conn
	send   chan []byte
	topics map[string]struct{}
	once   sync.Once
}

func (c *client) close() {
	c.once.Do(func() { close(c.send) })
}

// Hub fans bus events out to WebSocket clients. A topic ending in "*"
// matches every topic with that prefix ("trades.*"); "*" alone matches all.
// Slow clients lose messages instead of blocking the bus.
type Hub struct {
	logger  *zap.Logger
	mu      sync.RWMutex
	clients map[*client]struct{}
	closed  bool
}

var _ events.Handler = (*Hub)(nil)

// NewHub creates a new Hub.
func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		logger:  logger.Named("push"),
		clients: make(map[*client]struct{}),
	}
}

// ServeHTTP upgrades the connection and serves the client until it leaves.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("WebSocket upgrade failed", zap.Error(err))
		return
	}

	c := &client{
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
		topics: make(map[string]struct{}),
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close()
		return
	}
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	observability.SetWSConnections(n)

	go h.writePump(c)
	h.readPump(c)
}

// Handle delivers ev to every client subscribed to a matching topic.
func (h *Hub) Handle(_ context.Context, topic string, ev events.Event) error {
	data, err := json.Marshal(Message{Topic: topic, Event: ev.Envelope()})
	if err != nil {
		return err
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for c := range h.clients {
		if !c.matches(topic) {
			continue
		}
		select {
		case c.send <- data:
		default:
			observability.RecordEventDropped("ws")
		}
	}
	return nil
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close disconnects every client and rejects new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for c := range h.clients {
		c.close()
		delete(h.clients, c)
	}
	observability.SetWSConnections(0)
}

func (c *client) matches(topic string) bool {
	for pattern := range c.topics {
		if Match(pattern, topic) {
			return true
		}
	}
	return false
}

// Match reports whether topic matches pattern.
func Match(pattern, topic string) bool {
	if prefix, ok := strings.CutSuffix(pattern, "*"); ok {
		return strings.HasPrefix(topic, prefix)
	}
	return pattern == topic
}

func (h *Hub) readPump(c *client) {
	defer func() {
		h.mu.Lock()
		delete(h.clients, c)
		n := len(h.clients)
		c.close()
		h.mu.Unlock()
		observability.SetWSConnections(n)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		var req Request
		if err := json.Unmarshal(data, &req); err != nil {
			h.reply(c, Ack{Error: "invalid message"})
			continue
		}
		req.Topic = strings.TrimSpace(req.Topic)
		if req.Topic == "" {
			h.reply(c, Ack{Action: req.Action, Error: "topic required"})
			continue
		}

		h.mu.Lock()
		switch req.Action {
		case ActionSubscribe:
			c.topics[req.Topic] = struct{}{}
		case ActionUnsubscribe:
			delete(c.topics, req.Topic)
		default:
			h.mu.Unlock()
			h.reply(c, Ack{Action: req.Action, Topic: req.Topic, Error: "unknown action"})
			continue
		}
		h.mu.Unlock()

		h.logger.Debug("Client subscription changed",
			zap.String("action", req.Action),
			zap.String("topic", req.Topic))
		h.reply(c, Ack{Action: req.Action, Topic: req.Topic})
	}
}

func (h *Hub) reply(c *client, ack Ack) {
	data, err := json.Marshal(ack)
	if err != nil {
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	if _, ok := h.clients[c]; !ok {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
