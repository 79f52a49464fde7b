package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nerrad567/devicebus-core/internal/bus"
	"github.com/nerrad567/devicebus-core/internal/infrastructure/config"
	"github.com/nerrad567/devicebus-core/internal/infrastructure/logging"
	"github.com/nerrad567/devicebus-core/internal/message"
)

// WebSocket constants.
const (
	WSTypeSubscribe   = "subscribe"
	WSTypeUnsubscribe = "unsubscribe"
	WSTypePing        = "ping"
	WSTypePong        = "pong"
	WSTypeEvent       = "event"
	WSTypeResponse    = "response"
	WSTypeError       = "error"

	// wsSendBufferSize is the per-client outbound message buffer size.
	wsSendBufferSize = 256

	// tapQueueSize bounds the bus queue behind each tapped channel.
	tapQueueSize = 1024
)

// WSMessage represents a message sent to/from a WebSocket client.
type WSMessage struct {
	Type      string `json:"type"`
	ID        string `json:"id,omitempty"`
	EventType string `json:"event_type,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   any    `json:"payload,omitempty"`
}

// WSSubscribePayload is the payload for subscribe/unsubscribe messages.
// Channels are bus topic patterns such as "bus.device.upstream".
type WSSubscribePayload struct {
	Channels []string `json:"channels"`
}

// Hub manages WebSocket connections and the bus subscriptions that feed
// them.
//
// Lock ordering: tapMu is never held while acquiring mu for writing, and
// bus.Unsubscribe is only called with tapMu held, since it waits for the
// tap handler which takes mu for reading.
type Hub struct {
	cfg     config.WebSocketConfig
	bus     bus.Bus
	node    string
	logger  *logging.Logger
	clients map[*WSClient]struct{}
	mu      sync.RWMutex

	taps  map[string]int // channel -> subscribed clients
	tapMu sync.Mutex
}

// WSClient represents a connected WebSocket client.
type WSClient struct {
	hub           *Hub
	conn          *websocket.Conn
	send          chan []byte
	subscriptions map[string]struct{}
	mu            sync.RWMutex
}

// NewHub creates a new WebSocket hub tapping b.
func NewHub(cfg config.WebSocketConfig, b bus.Bus, node string, logger *logging.Logger) *Hub {
	return &Hub{
		cfg:     cfg,
		bus:     b,
		node:    node,
		logger:  logger,
		clients: make(map[*WSClient]struct{}),
		taps:    make(map[string]int),
	}
}

// Run starts the hub's main loop. It blocks until the context is cancelled.
func (h *Hub) Run(ctx context.Context) {
	<-ctx.Done()
	h.closeAll()
}

// Register adds a client to the hub.
func (h *Hub) Register(client *WSClient) {
	h.mu.Lock()
	h.clients[client] = struct{}{}
	h.mu.Unlock()
	h.logger.Debug("websocket client connected", "clients", h.ClientCount())
}

// Unregister removes a client from the hub and releases its taps.
// Only the goroutine that removes the client from the map closes the send
// channel.
func (h *Hub) Unregister(client *WSClient) {
	h.mu.Lock()
	_, existed := h.clients[client]
	delete(h.clients, client)
	h.mu.Unlock()

	if !existed {
		return
	}
	close(client.send)

	client.mu.Lock()
	channels := make([]string, 0, len(client.subscriptions))
	for ch := range client.subscriptions {
		channels = append(channels, ch)
	}
	client.subscriptions = make(map[string]struct{})
	client.mu.Unlock()

	for _, ch := range channels {
		h.untap(ch)
	}
	h.logger.Debug("websocket client disconnected", "clients", h.ClientCount())
}

// Broadcast sends an event to all clients subscribed to the given channel.
func (h *Hub) Broadcast(channel string, payload any) {
	msg := WSMessage{
		Type:      WSTypeEvent,
		EventType: channel,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Payload:   payload,
	}

	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("failed to marshal broadcast message", "error", err)
		return
	}

	h.mu.RLock()
	clients := make([]*WSClient, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	h.mu.RUnlock()

	for _, client := range clients {
		if client.isSubscribed(channel) {
			client.trySend(data)
		}
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// TapCount returns the number of channels with a live bus subscription.
func (h *Hub) TapCount() int {
	h.tapMu.Lock()
	defer h.tapMu.Unlock()
	return len(h.taps)
}

// tapName is the bus subscription name (and group) for a tapped channel.
// It is node-scoped so every node's tap receives its own copy.
func (h *Hub) tapName(channel string) string {
	return "wstap." + h.node + "." + channel
}

// tap adds one reference to channel, subscribing to the bus on the first.
func (h *Hub) tap(channel string) error {
	h.tapMu.Lock()
	defer h.tapMu.Unlock()

	if n := h.taps[channel]; n > 0 {
		h.taps[channel] = n + 1
		return nil
	}

	name := h.tapName(channel)
	err := h.bus.Subscribe(bus.Subscription{
		Name:      name,
		Pattern:   channel,
		Group:     name,
		QueueSize: tapQueueSize,
		Handler: func(_ context.Context, msg message.DeviceMessage) error {
			h.Broadcast(channel, msg)
			return nil
		},
	})
	if err != nil {
		return err
	}
	h.taps[channel] = 1
	h.logger.Debug("bus tap opened", "channel", channel)
	return nil
}

// untap drops one reference to channel, unsubscribing on the last.
func (h *Hub) untap(channel string) {
	h.tapMu.Lock()
	defer h.tapMu.Unlock()

	n := h.taps[channel]
	if n > 1 {
		h.taps[channel] = n - 1
		return
	}
	if n == 0 {
		return
	}
	delete(h.taps, channel)
	if err := h.bus.Unsubscribe(h.tapName(channel)); err != nil {
		h.logger.Debug("bus tap close failed", "channel", channel, "error", err)
	}
}

// closeAll disconnects all clients and closes every tap.
func (h *Hub) closeAll() {
	h.mu.Lock()
	for client := range h.clients {
		close(client.send)
		if client.conn != nil {
			client.conn.Close()
		}
		delete(h.clients, client)
	}
	h.mu.Unlock()

	h.tapMu.Lock()
	defer h.tapMu.Unlock()
	for channel := range h.taps {
		//nolint:errcheck // The bus may already be closed during shutdown
		h.bus.Unsubscribe(h.tapName(channel))
		delete(h.taps, channel)
	}
}

// handleWebSocket upgrades the HTTP connection to a bus tap session.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || s.isAllowedOrigin(origin)
		},
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	client := &WSClient{
		hub:           s.hub,
		conn:          conn,
		send:          make(chan []byte, wsSendBufferSize),
		subscriptions: make(map[string]struct{}),
	}

	s.hub.Register(client)

	go client.writePump(s.wsCfg)
	go client.readPump(s.wsCfg)
}

// readPump reads messages from the WebSocket connection.
func (c *WSClient) readPump(cfg config.WebSocketConfig) {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(int64(cfg.MaxMessageSize))
	pingInterval := time.Duration(cfg.PingInterval) * time.Second
	pongWait := time.Duration(cfg.PongTimeout) * time.Second
	//nolint:errcheck // Best-effort deadline on connection setup
	c.conn.SetReadDeadline(time.Now().Add(pingInterval + pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pingInterval + pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("websocket read error", "error", err)
			}
			return
		}
		//nolint:errcheck // Best-effort deadline reset
		c.conn.SetReadDeadline(time.Now().Add(pingInterval + pongWait))
		c.handleMessage(data)
	}
}

// writePump writes messages to the WebSocket connection.
func (c *WSClient) writePump(cfg config.WebSocketConfig) {
	ticker := time.NewTicker(time.Duration(cfg.PingInterval) * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	writeWait := time.Duration(cfg.PongTimeout) * time.Second

	for {
		select {
		case data, ok := <-c.send:
			if !ok {
				//nolint:errcheck // Best-effort close message
				c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			//nolint:errcheck // Best-effort deadline; write error caught below
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			//nolint:errcheck // Best-effort deadline; ping error caught below
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleMessage processes an incoming WebSocket message.
func (c *WSClient) handleMessage(data []byte) {
	var msg WSMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		c.sendError("", "invalid JSON message")
		return
	}

	switch msg.Type {
	case WSTypeSubscribe:
		c.handleSubscribe(msg)
	case WSTypeUnsubscribe:
		c.handleUnsubscribe(msg)
	case WSTypePing:
		c.sendResponse(msg.ID, WSTypePong, nil)
	default:
		c.sendError(msg.ID, "unknown message type: "+msg.Type)
	}
}

func decodeChannels(payload any) ([]string, bool) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, false
	}
	var sub WSSubscribePayload
	if err := json.Unmarshal(raw, &sub); err != nil || len(sub.Channels) == 0 {
		return nil, false
	}
	return sub.Channels, true
}

// handleSubscribe taps each requested channel. Channels the bus rejects
// are reported back and left out of the subscription.
func (c *WSClient) handleSubscribe(msg WSMessage) {
	channels, ok := decodeChannels(msg.Payload)
	if !ok {
		c.sendError(msg.ID, "invalid subscribe payload")
		return
	}

	subscribed := make([]string, 0, len(channels))
	rejected := map[string]string{}
	for _, ch := range channels {
		if c.isSubscribed(ch) {
			subscribed = append(subscribed, ch)
			continue
		}
		if err := c.hub.tap(ch); err != nil {
			rejected[ch] = err.Error()
			continue
		}
		c.mu.Lock()
		c.subscriptions[ch] = struct{}{}
		c.mu.Unlock()
		subscribed = append(subscribed, ch)
	}

	c.hub.logger.Debug("websocket client subscribed", "channels", subscribed)

	resp := map[string]any{"subscribed": subscribed}
	if len(rejected) > 0 {
		resp["rejected"] = rejected
	}
	c.sendResponse(msg.ID, WSTypeResponse, resp)
}

// handleUnsubscribe removes channels from the client's subscription list.
func (c *WSClient) handleUnsubscribe(msg WSMessage) {
	channels, ok := decodeChannels(msg.Payload)
	if !ok {
		c.sendError(msg.ID, "invalid unsubscribe payload")
		return
	}

	for _, ch := range channels {
		c.mu.Lock()
		_, had := c.subscriptions[ch]
		delete(c.subscriptions, ch)
		c.mu.Unlock()
		if had {
			c.hub.untap(ch)
		}
	}

	c.sendResponse(msg.ID, WSTypeResponse, map[string]any{
		"unsubscribed": channels,
	})
}

// trySend attempts to send data to the client's send channel.
// Closed channels (client disconnected during broadcast) and full buffers
// (slow client) drop the message.
func (c *WSClient) trySend(data []byte) {
	defer func() {
		recover() //nolint:errcheck // Absorb send-on-closed-channel panic
	}()

	select {
	case c.send <- data:
	default:
	}
}

// isSubscribed checks if the client is subscribed to a channel.
func (c *WSClient) isSubscribed(channel string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.subscriptions[channel]
	return ok
}

// sendResponse sends a response message to the client.
func (c *WSClient) sendResponse(id, msgType string, payload any) {
	msg := WSMessage{
		Type:      msgType,
		ID:        id,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Payload:   payload,
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	c.trySend(data)
}

// sendError sends an error message to the client.
func (c *WSClient) sendError(id, text string) {
	c.sendResponse(id, WSTypeError, map[string]string{"message": text})
}
