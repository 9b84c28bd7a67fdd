// Package ws streams chain events to dashboard clients over WebSocket.
package ws

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/agentmesh/agentmesh/libs/chain"
)

// Message is one frame pushed to dashboard clients.
type Message struct {
	Type      string      `json:"type"` // "task_update", "agent_update", "system"
	Event     string      `json:"event,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data,omitempty"`
}

// Client is one connected dashboard.
type Client struct {
	id   string
	conn *websocket.Conn
	send chan *Message
	hub  *Hub
}

// Hub fans chain events out to connected clients.
type Hub struct {
	logger *zap.Logger

	clientsMu sync.RWMutex
	clients   map[*Client]bool

	register   chan *Client
	unregister chan *Client
	broadcast  chan *Message

	upgrader websocket.Upgrader
}

// NewHub creates an idle hub; call Run to start it.
func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		logger:     logger,
		clients:    make(map[*Client]bool),
		register:   make(chan *Client, 10),
		unregister: make(chan *Client, 10),
		broadcast:  make(chan *Message, 100),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// Run processes registrations and broadcasts until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("websocket hub started")
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			h.logger.Info("websocket hub stopped")
			return

		case client := <-h.register:
			h.clientsMu.Lock()
			h.clients[client] = true
			count := len(h.clients)
			h.clientsMu.Unlock()
			h.logger.Info("websocket client connected",
				zap.String("client_id", client.id),
				zap.Int("active", count),
			)
			client.send <- &Message{
				Type:      "system",
				Timestamp: time.Now(),
				Data:      map[string]string{"message": "connected to agentmesh event stream"},
			}

		case client := <-h.unregister:
			h.clientsMu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			count := len(h.clients)
			h.clientsMu.Unlock()
			h.logger.Info("websocket client disconnected",
				zap.String("client_id", client.id),
				zap.Int("active", count),
			)

		case msg := <-h.broadcast:
			h.clientsMu.RLock()
			for client := range h.clients {
				select {
				case client.send <- msg:
				default:
					// Client buffer full; it will catch up or drop off.
				}
			}
			h.clientsMu.RUnlock()
		}
	}
}

// Broadcast queues a message for all connected clients.
func (h *Hub) Broadcast(msg *Message) {
	select {
	case h.broadcast <- msg:
	default:
		h.logger.Warn("broadcast buffer full, message dropped", zap.String("type", msg.Type))
	}
}

// Bridge subscribes to the chain and forwards its events as dashboard
// messages until ctx is cancelled.
func (h *Hub) Bridge(ctx context.Context, c *chain.Chain) {
	events, cancel := c.Subscribe(256)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			h.Broadcast(&Message{
				Type:      messageType(ev),
				Event:     ev.EventName(),
				Timestamp: time.Now(),
				Data:      ev,
			})
		}
	}
}

// messageType maps a chain event onto the dashboard's message categories.
func messageType(ev chain.Event) string {
	switch ev.(type) {
	case chain.TaskCreated, chain.TaskOpened, chain.TaskAssigned, chain.TaskStarted,
		chain.TaskCompleted, chain.TaskFailed, chain.TaskCancelled,
		chain.BidPlaced, chain.AuctionFinalized, chain.TaskEvaluated:
		return "task_update"
	case chain.AgentRegistered, chain.AgentDeactivated, chain.AgentActivated,
		chain.CapabilitiesUpdated, chain.BiddingStrategyUpdated,
		chain.LearningEventRecorded, chain.AgentCollaborationStarted:
		return "agent_update"
	default:
		return "system"
	}
}

// ServeWS upgrades an HTTP request into a hub client connection.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	client := &Client{
		id:   uuid.New().String(),
		conn: conn,
		send: make(chan *Message, 64),
		hub:  h,
	}
	h.register <- client

	go client.writePump()
	go client.readPump()
}

func (h *Hub) closeAll() {
	h.clientsMu.Lock()
	defer h.clientsMu.Unlock()
	for client := range h.clients {
		close(client.send)
		_ = client.conn.Close()
		delete(h.clients, client)
	}
}

// writePump drains the send channel onto the connection.
func (c *Client) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := c.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump discards inbound frames and detects disconnects.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		_ = c.conn.Close()
	}()
	c.conn.SetReadLimit(1024)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
