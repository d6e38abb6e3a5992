// Package realtime implements the subscription push service: WebSocket
// clients subscribe to one of overview|requests|rateLimits|backends|all
// and receive periodic snapshots plus alert lifecycle events as they
// occur.
//
// Each connection gets one read loop and one write loop; all writes to
// a connection happen from its write loop.
package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/aegis-gateway/aegis/internal/obs/log"
)

// SubscriptionType selects which snapshot a client receives.
type SubscriptionType string

const (
	SubOverview   SubscriptionType = "overview"
	SubRequests   SubscriptionType = "requests"
	SubRateLimits SubscriptionType = "rateLimits"
	SubBackends   SubscriptionType = "backends"
	SubAll        SubscriptionType = "all"
)

// MessageType is the `type` field of the JSON frame.
type MessageType string

const (
	MsgSubscribe   MessageType = "subscribe"
	MsgUnsubscribe MessageType = "unsubscribe"
	MsgPing        MessageType = "ping"
	MsgPong        MessageType = "pong"
	MsgMetrics     MessageType = "metrics"
	MsgAlert       MessageType = "alert"
	MsgError       MessageType = "error"
	MsgConnected   MessageType = "connected"
)

// Message is the wire frame exchanged over the subscription socket.
type Message struct {
	Type      MessageType     `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// subscribeRequest is the payload of an inbound "subscribe" message.
type subscribeRequest struct {
	Type          SubscriptionType `json:"type"`
	IntervalMS    int64            `json:"intervalMs"`
}

// Snapshotter resolves the current data for a subscription type. The
// metrics collector and health checker are adapted into one by the
// caller wiring the hub together.
type Snapshotter interface {
	Snapshot(ctx context.Context, sub SubscriptionType) (any, error)
}

const (
	defaultInterval  = 5 * time.Second
	defaultKeepAlive = 30 * time.Second
)

// Config configures a Hub.
type Config struct {
	Snapshotter Snapshotter
	// MaxConnectionsPerSource bounds concurrent sockets from one peer
	// address. Zero means unbounded.
	MaxConnectionsPerSource int
	KeepAliveInterval       time.Duration
	Logger                  *log.Logger
}

// Hub accepts and manages realtime subscription connections.
type Hub struct {
	snapshotter Snapshotter
	maxPerSrc   int
	keepAlive   time.Duration
	log         *log.Logger
	upgrader    websocket.Upgrader

	mu        sync.Mutex
	clients   map[string]*client
	bySource  map[string]int
}

// New builds a Hub.
func New(cfg Config) *Hub {
	logger := cfg.Logger
	if logger == nil {
		logger = log.Noop()
	}
	keepAlive := cfg.KeepAliveInterval
	if keepAlive <= 0 {
		keepAlive = defaultKeepAlive
	}
	return &Hub{
		snapshotter: cfg.Snapshotter,
		maxPerSrc:   cfg.MaxConnectionsPerSource,
		keepAlive:   keepAlive,
		log:         logger.Named("realtime"),
		upgrader:    websocket.Upgrader{ReadBufferSize: 4096, WriteBufferSize: 4096, CheckOrigin: func(*http.Request) bool { return true }},
		clients:     make(map[string]*client),
		bySource:    make(map[string]int),
	}
}

type client struct {
	id       string
	source   string
	conn     *websocket.Conn
	send     chan Message
	mu       sync.Mutex
	sub      SubscriptionType
	interval time.Duration
	reconfig chan struct{} // signals writeLoop that interval changed
	cancel   context.CancelFunc
}

// snapshotInterval returns the client's current snapshot cadence.
func (c *client) snapshotInterval() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.interval
}

// ServeHTTP upgrades r to a WebSocket connection and runs the
// subscription lifecycle until the peer disconnects.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	source := r.RemoteAddr
	if host, _, err := net.SplitHostPort(source); err == nil {
		source = host
	}
	if !h.admit(source) {
		http.Error(w, "too many connections from this source", http.StatusTooManyRequests)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.release(source)
		h.log.Warn(r.Context(), "websocket upgrade failed", "error", err)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	c := &client{
		id:       uuid.NewString(),
		source:   source,
		conn:     conn,
		send:     make(chan Message, 32),
		sub:      SubOverview,
		interval: defaultInterval,
		reconfig: make(chan struct{}, 1),
		cancel:   cancel,
	}

	h.mu.Lock()
	h.clients[c.id] = c
	h.mu.Unlock()

	defer h.remove(c)

	h.sendConnected(c)
	h.pushSnapshot(ctx, c)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); h.writeLoop(ctx, c) }()
	go func() { defer wg.Done(); defer c.cancel(); h.readLoop(ctx, c) }()
	wg.Wait()
}

func (h *Hub) admit(source string) bool {
	if h.maxPerSrc <= 0 {
		return true
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.bySource[source] >= h.maxPerSrc {
		return false
	}
	h.bySource[source]++
	return true
}

func (h *Hub) release(source string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.bySource[source] > 0 {
		h.bySource[source]--
	}
}

func (h *Hub) remove(c *client) {
	c.cancel()
	h.mu.Lock()
	delete(h.clients, c.id)
	h.mu.Unlock()
	h.release(c.source)
	c.conn.Close()
}

func (h *Hub) sendConnected(c *client) {
	data, _ := json.Marshal(map[string]string{"clientId": c.id})
	h.enqueue(c, Message{Type: MsgConnected, Data: data, Timestamp: time.Now()})
}

// readLoop processes inbound subscribe/unsubscribe/ping messages and
// pong keep-alive frames until the connection closes.
func (h *Hub) readLoop(ctx context.Context, c *client) {
	c.conn.SetReadDeadline(time.Now().Add(2 * h.keepAlive))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(2 * h.keepAlive))
		return nil
	})

	for {
		var msg Message
		if err := c.conn.ReadJSON(&msg); err != nil {
			return
		}
		switch msg.Type {
		case MsgSubscribe:
			var req subscribeRequest
			if err := json.Unmarshal(msg.Data, &req); err != nil {
				h.enqueue(c, errorMessage("invalid subscribe payload"))
				continue
			}
			c.mu.Lock()
			c.sub = req.Type
			if req.IntervalMS > 0 {
				c.interval = time.Duration(req.IntervalMS) * time.Millisecond
			}
			c.mu.Unlock()
			select {
			case c.reconfig <- struct{}{}:
			default:
			}
			h.pushSnapshot(ctx, c)
		case MsgUnsubscribe:
			c.mu.Lock()
			c.sub = ""
			c.mu.Unlock()
		case MsgPing:
			h.enqueue(c, Message{Type: MsgPong, Timestamp: time.Now()})
		}
	}
}

// writeLoop owns the connection's write side: it drains c.send, emits
// periodic snapshots at the client's configured interval, and issues
// keep-alive pings. A client that misses one keep-alive round trip
// (no pong before the next ping) is terminated.
func (h *Hub) writeLoop(ctx context.Context, c *client) {
	snapshotTicker := time.NewTicker(c.snapshotInterval())
	keepAliveTicker := time.NewTicker(h.keepAlive)
	defer snapshotTicker.Stop()
	defer keepAliveTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.reconfig:
			snapshotTicker.Reset(c.snapshotInterval())
		case msg, ok := <-c.send:
			if !ok {
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := c.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-snapshotTicker.C:
			h.pushSnapshot(ctx, c)
		case <-keepAliveTicker.C:
			c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *Hub) pushSnapshot(ctx context.Context, c *client) {
	c.mu.Lock()
	sub := c.sub
	c.mu.Unlock()
	if sub == "" || h.snapshotter == nil {
		return
	}

	snapshot, err := h.snapshotter.Snapshot(ctx, sub)
	if err != nil {
		h.enqueue(c, errorMessage(fmt.Sprintf("snapshot unavailable: %v", err)))
		return
	}
	data, err := json.Marshal(snapshot)
	if err != nil {
		return
	}
	h.enqueue(c, Message{Type: MsgMetrics, Data: data, Timestamp: time.Now()})
}

// enqueue delivers msg to c best-effort: a full send buffer (a slow
// peer) drops the message rather than blocking the producer.
func (h *Hub) enqueue(c *client, msg Message) {
	select {
	case c.send <- msg:
	default:
	}
}

// BroadcastAlert pushes an alert lifecycle event to every connected
// client, regardless of their metric subscription.
func (h *Hub) BroadcastAlert(event any) {
	data, err := json.Marshal(event)
	if err != nil {
		return
	}
	msg := Message{Type: MsgAlert, Data: data, Timestamp: time.Now()}

	h.mu.Lock()
	clients := make([]*client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		h.enqueue(c, msg)
	}
}

// ConnectionCount returns the number of currently connected clients.
func (h *Hub) ConnectionCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func errorMessage(msg string) Message {
	data, _ := json.Marshal(map[string]string{"message": msg})
	return Message{Type: MsgError, Data: data, Timestamp: time.Now()}
}
