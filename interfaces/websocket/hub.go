// Package websocket pushes live session state to connected canvas clients:
// graph refreshes, sync status, presence rosters. The inbound direction
// carries cursor movements only; graph mutations arrive over REST.
package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"loomsync/pkg/errors"
)

// Hub maintains active connections grouped by editing session. A session can
// have several connections (tabs) and each receives every push.
type Hub struct {
	connections map[string]map[*Client]bool
	mu          sync.RWMutex

	register   chan *Client
	unregister chan *Client
	broadcast  chan *pushMessage

	ctx    context.Context
	cancel context.CancelFunc
	logger *zap.Logger
}

type pushMessage struct {
	SessionID string          `json:"-"`
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data"`
	Timestamp int64           `json:"timestamp"`
}

func NewHub(logger *zap.Logger) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		connections: make(map[string]map[*Client]bool),
		register:    make(chan *Client, 100),
		unregister:  make(chan *Client, 100),
		broadcast:   make(chan *pushMessage, 1000),
		ctx:         ctx,
		cancel:      cancel,
		logger:      logger,
	}
}

// Run is the hub's event loop. Call it once, in its own goroutine.
func (h *Hub) Run() {
	for {
		select {
		case <-h.ctx.Done():
			h.closeAllConnections()
			return
		case client := <-h.register:
			h.registerClient(client)
		case client := <-h.unregister:
			h.unregisterClient(client)
		case msg := <-h.broadcast:
			h.push(msg)
		}
	}
}

// Stop shuts the hub down and closes every connection.
func (h *Hub) Stop() {
	h.cancel()
}

// SendToSession queues a typed message for every connection of a session.
func (h *Hub) SendToSession(sessionID, messageType string, data interface{}) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return errors.Wrap(err, "marshal push message")
	}
	msg := &pushMessage{
		SessionID: sessionID,
		Type:      messageType,
		Data:      payload,
		Timestamp: time.Now().Unix(),
	}
	select {
	case h.broadcast <- msg:
		return nil
	default:
		h.logger.Warn("push dropped, broadcast channel full",
			zap.String("sessionID", sessionID),
			zap.String("type", messageType))
		return nil
	}
}

// ConnectionCount reports the live connections for a session.
func (h *Hub) ConnectionCount(sessionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.connections[sessionID])
}

func (h *Hub) registerClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.connections[client.sessionID] == nil {
		h.connections[client.sessionID] = make(map[*Client]bool)
	}
	h.connections[client.sessionID][client] = true
	h.logger.Info("websocket client connected",
		zap.String("sessionID", client.sessionID),
		zap.String("connectionID", client.id),
	)
}

func (h *Hub) unregisterClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	clients, ok := h.connections[client.sessionID]
	if !ok {
		return
	}
	if _, ok := clients[client]; !ok {
		return
	}
	delete(clients, client)
	close(client.send)
	if len(clients) == 0 {
		delete(h.connections, client.sessionID)
	}
	h.logger.Info("websocket client disconnected",
		zap.String("sessionID", client.sessionID),
		zap.String("connectionID", client.id),
	)
}

func (h *Hub) push(msg *pushMessage) {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.connections[msg.SessionID]))
	for client := range h.connections[msg.SessionID] {
		clients = append(clients, client)
	}
	h.mu.RUnlock()

	if len(clients) == 0 {
		return
	}

	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("failed to marshal push message", zap.Error(err))
		return
	}

	for _, client := range clients {
		select {
		case client.send <- data:
		default:
			// A full send buffer means the client stopped reading.
			h.logger.Warn("closing slow websocket client",
				zap.String("sessionID", client.sessionID),
				zap.String("connectionID", client.id))
			go func(c *Client) {
				c.hub.unregister <- c
				c.conn.Close()
			}(client)
		}
	}
}

func (h *Hub) closeAllConnections() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for sessionID, clients := range h.connections {
		for client := range clients {
			close(client.send)
			client.conn.Close()
		}
		delete(h.connections, sessionID)
	}
}
