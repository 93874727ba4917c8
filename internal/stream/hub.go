// Package stream pushes score updates to websocket subscribers.
package stream

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/terminal-bench/riskengine/internal/telemetry"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendBuffer     = 32
	maxSubscribed  = 100
)

// Message is the envelope for both directions
type Message struct {
	Type        string          `json:"type"`
	Portfolios  []string        `json:"portfolios,omitempty"`
	PortfolioID string          `json:"portfolioId,omitempty"`
	Data        json.RawMessage `json:"data,omitempty"`
	Error       string          `json:"error,omitempty"`
}

const (
	TypeSubscribe   = "subscribe"
	TypeUnsubscribe = "unsubscribe"
	TypeSubscribed  = "subscribed"
	TypeScore       = "score"
	TypeAlert       = "alert"
	TypeError       = "error"
)

// Client is one websocket connection
type Client struct {
	ID     uuid.UUID
	UserID string

	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once

	mu   sync.RWMutex
	subs map[string]struct{}
}

func (c *Client) subscribed(portfolioID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.subs[portfolioID]
	return ok
}

func (c *Client) close() {
	c.once.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

// Hub tracks connected clients and fans out updates by portfolio
type Hub struct {
	upgrader websocket.Upgrader
	logger   *zap.Logger
	metrics  *telemetry.Metrics

	mu      sync.RWMutex
	clients map[uuid.UUID]*Client
}

func NewHub(logger *zap.Logger, metrics *telemetry.Metrics) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		logger:  logger.Named("stream"),
		metrics: metrics,
		clients: make(map[uuid.UUID]*Client),
	}
}

// Serve upgrades the request and runs the client until it disconnects
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, userID string) error {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return fmt.Errorf("websocket upgrade: %w", err)
	}

	client := &Client{
		ID:     uuid.New(),
		UserID: userID,
		hub:    h,
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
		done:   make(chan struct{}),
		subs:   make(map[string]struct{}),
	}
	h.register(client)

	go h.writePump(client)
	go h.readPump(client)
	return nil
}

// Clients returns the number of connected clients
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Publish sends v to every client subscribed to portfolioID. Clients whose
// buffer is full miss the message.
func (h *Hub) Publish(msgType, portfolioID string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", msgType, err)
	}
	frame, err := json.Marshal(Message{Type: msgType, PortfolioID: portfolioID, Data: data})
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.clients {
		if !c.subscribed(portfolioID) {
			continue
		}
		select {
		case c.send <- frame:
		case <-c.done:
		default:
			h.logger.Warn("client too slow, dropping update",
				zap.String("client", c.ID.String()),
				zap.String("portfolio", portfolioID),
			)
		}
	}
	return nil
}

// Close disconnects every client
func (h *Hub) Close() {
	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		c.close()
	}
}

func (h *Hub) register(c *Client) {
	h.mu.Lock()
	h.clients[c.ID] = c
	n := len(h.clients)
	h.mu.Unlock()
	h.metrics.SetStreamClients(n)
}

func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	delete(h.clients, c.ID)
	n := len(h.clients)
	h.mu.Unlock()
	h.metrics.SetStreamClients(n)
}

func (h *Hub) readPump(c *Client) {
	defer func() {
		h.unregister(c)
		c.close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("read failed", zap.String("client", c.ID.String()), zap.Error(err))
			}
			return
		}
		h.handle(c, raw)
	}
}

func (h *Hub) writePump(c *Client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case frame := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return
		}
	}
}

func (h *Hub) handle(c *Client, raw []byte) {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		h.reply(c, Message{Type: TypeError, Error: "malformed message"})
		return
	}

	switch msg.Type {
	case TypeSubscribe:
		c.mu.Lock()
		for _, id := range msg.Portfolios {
			if id != "" && len(c.subs) < maxSubscribed {
				c.subs[id] = struct{}{}
			}
		}
		c.mu.Unlock()
	case TypeUnsubscribe:
		c.mu.Lock()
		for _, id := range msg.Portfolios {
			delete(c.subs, id)
		}
		c.mu.Unlock()
	default:
		h.reply(c, Message{Type: TypeError, Error: fmt.Sprintf("unknown message type %q", msg.Type)})
		return
	}

	h.reply(c, Message{Type: TypeSubscribed, Portfolios: c.subscriptions()})
}

func (c *Client) subscriptions() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.subs))
	for id := range c.subs {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (h *Hub) reply(c *Client, msg Message) {
	frame, err := json.Marshal(msg)
	if err != nil {
		return
	}
	select {
	case c.send <- frame:
	case <-c.done:
	default:
	}
}
