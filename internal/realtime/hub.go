// Package realtime streams escrow notifications to WebSocket clients.
//
// Clients connect to /ws and may narrow their feed by sending a
// subscription message at any time:
//
//	{"eventTypes":["DisputeOpened"],"parties":["seller-42"]}
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/mbd888/holdfast/internal/metrics"
	"github.com/mbd888/holdfast/internal/notify"
)

var (
	ErrHubStopped   = errors.New("realtime hub stopped")
	ErrHubSaturated = errors.New("realtime broadcast queue full")
)

// MaxClients is the maximum number of concurrent WebSocket connections.
const MaxClients = 10000

const (
	queueSize    = 256
	readLimit    = 64 * 1024
	pongWait     = 60 * time.Second
	pingInterval = 30 * time.Second
	writeWait    = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     sameHostOrigin,
}

// sameHostOrigin admits non-browser clients and pages served by this host.
func sameHostOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	return origin == "" || origin == "http://"+r.Host || origin == "https://"+r.Host
}

// Subscription filters a client's feed. Empty filters match everything.
type Subscription struct {
	AllEvents  bool               `json:"allEvents"`
	EventTypes []notify.EventType `json:"eventTypes"`
	Parties    []string           `json:"parties"`
	EscrowIDs  []string           `json:"escrowIds"`
}

func (s Subscription) matches(event *notify.Event) bool {
	if s.AllEvents {
		return true
	}
	if len(s.EventTypes) > 0 && !slices.Contains(s.EventTypes, event.Type) {
		return false
	}
	if len(s.EscrowIDs) > 0 {
		escrowID, _ := event.Data["escrowId"].(string)
		if !slices.Contains(s.EscrowIDs, escrowID) {
			return false
		}
	}
	if len(s.Parties) > 0 {
		return slices.ContainsFunc(event.Parties(), func(p string) bool {
			return slices.Contains(s.Parties, p)
		})
	}
	return true
}

// Client is one WebSocket connection.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	mu   sync.RWMutex
	sub  Subscription
}

func (c *Client) subscription() Subscription {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sub
}

func (c *Client) subscribe(sub Subscription) {
	c.mu.Lock()
	c.sub = sub
	c.mu.Unlock()
}

// Hub fans notifications out to connected clients. It is a notify.Sink.
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan *notify.Event
	register   chan *Client
	unregister chan *Client
	mu         sync.RWMutex
	logger     *slog.Logger
	done       chan struct{} // closed when Run exits
	maxClients int

	totalEvents  atomic.Int64
	totalClients atomic.Int64
	peakClients  atomic.Int64
}

// NewHub creates a hub. Call Run to start delivering.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan *notify.Event, queueSize),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		logger:     logger,
		done:       make(chan struct{}),
		maxClients: MaxClients,
	}
}

// Run delivers events until ctx ends, then disconnects every client.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("realtime hub started")
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.disconnectAll()
			h.logger.Info("realtime hub stopped")
			return
		case c := <-h.register:
			h.add(c)
		case c := <-h.unregister:
			h.remove(c)
		case event := <-h.broadcast:
			h.deliver(event)
		}
	}
}

func (h *Hub) add(c *Client) {
	h.mu.Lock()
	h.clients[c] = true
	n := int64(len(h.clients))
	h.mu.Unlock()

	h.totalClients.Add(1)
	if n > h.peakClients.Load() {
		h.peakClients.Store(n)
	}
	metrics.ActiveWebSocketClients.Set(float64(n))
	h.logger.Debug("realtime client connected", "clients", n)
}

func (h *Hub) remove(c *Client) {
	h.mu.Lock()
	h.drop(c)
	n := len(h.clients)
	h.mu.Unlock()
	metrics.ActiveWebSocketClients.Set(float64(n))
	h.logger.Debug("realtime client disconnected", "clients", n)
}

// drop must be called with h.mu held. Closing send makes writePump say goodbye.
func (h *Hub) drop(c *Client) {
	if h.clients[c] {
		delete(h.clients, c)
		close(c.send)
	}
}

func (h *Hub) disconnectAll() {
	h.mu.Lock()
	for c := range h.clients {
		h.drop(c)
	}
	h.mu.Unlock()
	metrics.ActiveWebSocketClients.Set(0)
}

// deliver sends event to every matching client. Clients whose queue is full
// are disconnected rather than allowed to stall the feed.
func (h *Hub) deliver(event *notify.Event) {
	h.totalEvents.Add(1)
	payload, err := json.Marshal(event)
	if err != nil {
		h.logger.Warn("realtime event not serializable", "eventId", event.ID, "error", err)
		return
	}

	var slow []*Client
	h.mu.RLock()
	for c := range h.clients {
		if !h.shouldSend(c, event) {
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
		h.drop(c)
	}
	h.mu.Unlock()
	h.logger.Warn("dropped slow realtime clients", "count", len(slow), "eventType", event.Type)
}

func (h *Hub) shouldSend(c *Client, event *notify.Event) bool {
	return c.subscription().matches(event)
}

// Name implements notify.Sink.
func (h *Hub) Name() string { return "websocket" }

// Send implements notify.Sink by queueing the event for broadcast.
func (h *Hub) Send(_ context.Context, event *notify.Event) error {
	select {
	case <-h.done:
		return ErrHubStopped
	default:
	}
	select {
	case h.broadcast <- event:
		return nil
	default:
		return ErrHubSaturated
	}
}

// Stats reports connection and delivery counters for /health.
func (h *Hub) Stats() map[string]interface{} {
	h.mu.RLock()
	n := len(h.clients)
	h.mu.RUnlock()

	return map[string]interface{}{
		"connectedClients": n,
		"totalEvents":      h.totalEvents.Load(),
		"totalClients":     h.totalClients.Load(),
		"peakClients":      h.peakClients.Load(),
	}
}

// HandleWebSocket upgrades the request and starts the client's pumps.
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

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	c := &Client{
		hub:  h,
		conn: conn,
		send: make(chan []byte, queueSize),
		sub:  Subscription{AllEvents: true},
	}
	h.register <- c

	go c.writePump()
	go c.readPump()
}

// Handler returns the hub's WebSocket upgrade endpoint as a gin handler.
func (h *Hub) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		h.HandleWebSocket(c.Writer, c.Request)
	}
}

// readPump applies subscription updates until the connection closes.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(readLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				c.hub.logger.Debug("websocket read error", "error", err)
			}
			return
		}
		var sub Subscription
		if err := json.Unmarshal(message, &sub); err != nil {
			continue
		}
		c.subscribe(sub)
	}
}

// writePump forwards queued events and keeps the connection alive with pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.hub.logger.Debug("websocket write error", "error", err)
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
