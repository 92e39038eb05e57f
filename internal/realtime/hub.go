// Package realtime streams deal events to the chat bridge over WebSocket.
//
// Every event carries a sequence number so a subscriber can tell when it
// missed events and should re-read the affected deals. A new connection
// receives everything; sending a Subscription as a JSON text frame narrows
// the stream.
package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dealpact/dealpact/internal/metrics"
)

// MaxClients bounds concurrent WebSocket connections.
const MaxClients = 1000

const (
	sendBuffer   = 64
	readLimit    = 4 << 10
	pongWait     = 60 * time.Second
	pingInterval = 30 * time.Second
	writeWait    = 10 * time.Second
)

// EventType names a deal event.
type EventType string

const (
	EventDealCreated    EventType = "deal_created"
	EventDealTransition EventType = "deal_transition"
	EventDealBound      EventType = "deal_bound"
	EventDealAssigned   EventType = "deal_assigned"
	EventEvidence       EventType = "evidence"
	EventSettlement     EventType = "settlement"
)

// Event is one message on the stream.
type Event struct {
	Seq       uint64      `json:"seq"`
	Type      EventType   `json:"type"`
	DealCode  string      `json:"dealCode,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data,omitempty"`
}

// Subscription narrows a client's stream. Empty lists match everything.
type Subscription struct {
	EventTypes []EventType `json:"eventTypes"`
	DealCodes  []string    `json:"dealCodes"`
}

// filter is a Subscription compiled for lookups.
type filter struct {
	types map[EventType]struct{}
	deals map[string]struct{}
}

func (s Subscription) compile() filter {
	var f filter
	if len(s.EventTypes) > 0 {
		f.types = make(map[EventType]struct{}, len(s.EventTypes))
		for _, t := range s.EventTypes {
			f.types[t] = struct{}{}
		}
	}
	if len(s.DealCodes) > 0 {
		f.deals = make(map[string]struct{}, len(s.DealCodes))
		for _, c := range s.DealCodes {
			f.deals[strings.ToUpper(strings.TrimSpace(c))] = struct{}{}
		}
	}
	return f
}

func (f filter) matches(ev *Event) bool {
	if f.types != nil {
		if _, ok := f.types[ev.Type]; !ok {
			return false
		}
	}
	if f.deals != nil {
		if _, ok := f.deals[strings.ToUpper(ev.DealCode)]; !ok {
			return false
		}
	}
	return true
}

// Client is one WebSocket subscriber.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	mu     sync.RWMutex
	filter filter
}

func (c *Client) subscribe(s Subscription) {
	f := s.compile()
	c.mu.Lock()
	c.filter = f
	c.mu.Unlock()
}

func (c *Client) wants(ev *Event) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.filter.matches(ev)
}

// HubOption configures a Hub.
type HubOption func(*Hub)

// WithAllowedOrigins lists browser origins that may connect. Requests
// without an Origin header (the bridge) are always accepted.
func WithAllowedOrigins(origins ...string) HubOption {
	return func(h *Hub) {
		for _, o := range origins {
			if o = strings.TrimRight(o, "/"); o != "" {
				h.origins[o] = struct{}{}
			}
		}
	}
}

// Hub fans deal events out to subscribers.
type Hub struct {
	clients    map[*Client]struct{}
	events     chan *Event
	register   chan *Client
	unregister chan *Client
	mu         sync.RWMutex
	done       chan struct{} // closed when Run returns
	logger     *slog.Logger
	upgrader   websocket.Upgrader
	origins    map[string]struct{}
	maxClients int

	seq          atomic.Uint64
	totalEvents  atomic.Int64
	droppedSlow  atomic.Int64
	totalClients atomic.Int64
	peakClients  atomic.Int64
}

// NewHub creates a hub. Call Run to start delivering events.
func NewHub(logger *slog.Logger, opts ...HubOption) *Hub {
	h := &Hub{
		clients:    make(map[*Client]struct{}),
		events:     make(chan *Event, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		logger:     logger,
		origins:    make(map[string]struct{}),
		maxClients: MaxClients,
	}
	for _, opt := range opts {
		opt(h)
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	_, ok := h.origins[strings.TrimRight(origin, "/")]
	return ok
}

// Run delivers events until ctx ends, then closes every connection.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("realtime hub started")
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				h.removeLocked(c)
			}
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(0)
			h.logger.Info("realtime hub stopped")
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = struct{}{}
			n := int64(len(h.clients))
			h.mu.Unlock()
			h.totalClients.Add(1)
			if n > h.peakClients.Load() {
				h.peakClients.Store(n)
			}
			metrics.ActiveWebSocketClients.Set(float64(n))
			h.logger.Debug("realtime client connected", "clients", n)

		case c := <-h.unregister:
			h.mu.Lock()
			h.removeLocked(c)
			n := len(h.clients)
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(float64(n))
			h.logger.Debug("realtime client disconnected", "clients", n)

		case ev := <-h.events:
			h.deliver(ev)
		}
	}
}

// deliver sends ev to matching clients. A client whose buffer is full is
// disconnected rather than allowed to stall the hub.
func (h *Hub) deliver(ev *Event) {
	h.totalEvents.Add(1)
	payload, err := json.Marshal(ev)
	if err != nil {
		h.logger.Error("realtime event not serializable", "type", ev.Type, "deal", ev.DealCode, "error", err)
		return
	}

	var slow []*Client
	h.mu.RLock()
	for c := range h.clients {
		if !c.wants(ev) {
			continue
		}
		select {
		case c.send <- payload:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	if len(slow) == 0 {
		return
	}
	h.mu.Lock()
	for _, c := range slow {
		h.removeLocked(c)
	}
	n := len(h.clients)
	h.mu.Unlock()
	h.droppedSlow.Add(int64(len(slow)))
	metrics.ActiveWebSocketClients.Set(float64(n))
	h.logger.Warn("dropped slow realtime clients", "count", len(slow))
}

// removeLocked closes c's send channel once. Callers hold h.mu.
func (h *Hub) removeLocked(c *Client) {
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
}

// Publish queues a deal event. It never blocks; when the queue is full the
// event is dropped and subscribers see a gap in Seq.
func (h *Hub) Publish(eventType, dealCode string, data interface{}) {
	ev := &Event{
		Seq:       h.seq.Add(1),
		Type:      EventType(eventType),
		DealCode:  dealCode,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
	select {
	case h.events <- ev:
	default:
		h.logger.Warn("realtime queue full, dropping event", "type", eventType, "deal", dealCode, "seq", ev.Seq)
	}
}

// Stats returns hub counters.
func (h *Hub) Stats() map[string]interface{} {
	h.mu.RLock()
	n := len(h.clients)
	h.mu.RUnlock()

	return map[string]interface{}{
		"connectedClients": n,
		"totalEvents":      h.totalEvents.Load(),
		"totalClients":     h.totalClients.Load(),
		"peakClients":      h.peakClients.Load(),
		"droppedClients":   h.droppedSlow.Load(),
		"lastSeq":          h.seq.Load(),
	}
}

// HandleWebSocket upgrades the request and registers the connection.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	select {
	case <-h.done:
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	h.mu.RLock()
	full := len(h.clients) >= h.maxClients
	h.mu.RUnlock()
	if full {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	c := &Client{hub: h, conn: conn, send: make(chan []byte, sendBuffer)}
	select {
	case h.register <- c:
	case <-h.done:
		_ = conn.Close()
		return
	}

	go c.writePump()
	go c.readPump()
}

// readPump applies subscription frames until the connection fails.
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(readLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				c.hub.logger.Warn("websocket read error", "error", err)
			}
			return
		}
		var sub Subscription
		if err := json.Unmarshal(msg, &sub); err != nil {
			c.hub.logger.Debug("ignoring malformed subscription frame", "error", err)
			continue
		}
		c.subscribe(sub)
	}
}

// writePump drains the send buffer and keeps the connection alive.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.hub.logger.Debug("websocket write failed", "error", err)
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
