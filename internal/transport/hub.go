// Package transport provides the WebSocket message channel between the
// coordinator, participants, and the session core.
//
// A single listening endpoint serves both roles; the AUTH frame's role
// field makes the distinction. Inbound frames are routed to the session
// manager; outbound events fan out to a session's subscribers.
package transport

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/lazysuperheroes/hedera-multisig/internal/metrics"
	"github.com/lazysuperheroes/hedera-multisig/internal/protocol"
	"github.com/lazysuperheroes/hedera-multisig/internal/ratelimit"
	"github.com/lazysuperheroes/hedera-multisig/internal/session"
)

// normalCloseCodes are WebSocket close codes that indicate an expected disconnect.
var normalCloseCodes = []int{
	websocket.CloseNormalClosure,
	websocket.CloseGoingAway,
	websocket.CloseNoStatusReceived,
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		// Auth happens in-protocol via PIN; the origin gate would only
		// exclude the browser clients the tunnel exists to serve.
		return true
	},
}

// Options bound the transport's resource usage.
type Options struct {
	MaxFrameBytes int64
	MsgRatePerSec int
	MsgBurst      int
	PingInterval  time.Duration
	SendQueueSize int
}

// DefaultOptions mirror the documented transport limits.
func DefaultOptions() Options {
	return Options{
		MaxFrameBytes: 256 << 10,
		MsgRatePerSec: 20,
		MsgBurst:      40,
		PingInterval:  30 * time.Second,
		SendQueueSize: 64,
	}
}

// MaxConnections bounds concurrent WebSocket connections.
const MaxConnections = 10000

// subscribers are the live connections attached to one session.
type subscribers struct {
	participants map[string]*Client // keyed by participant ID
	coordinator  *Client
}

// Hub owns every connection and implements session.Broadcaster.
type Hub struct {
	manager *session.Manager
	opts    Options
	logger  *slog.Logger
	limiter *ratelimit.Limiter

	mu       sync.RWMutex
	clients  map[*Client]bool
	sessions map[string]*subscribers
	closed   bool
}

// NewHub creates the transport hub.
func NewHub(manager *session.Manager, opts Options, logger *slog.Logger) *Hub {
	if opts.SendQueueSize <= 0 {
		opts = DefaultOptions()
	}
	return &Hub{
		manager:  manager,
		opts:     opts,
		logger:   logger,
		limiter:  ratelimit.New(ratelimit.MessageConfig(opts.MsgRatePerSec, opts.MsgBurst)),
		clients:  make(map[*Client]bool),
		sessions: make(map[string]*subscribers),
	}
}

// HandleWebSocket upgrades an HTTP request into a protocol connection.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	shuttingDown := h.closed
	n := len(h.clients)
	h.mu.RUnlock()
	if shuttingDown {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}
	if n >= MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	c := newClient(h, conn)

	h.mu.Lock()
	h.clients[c] = true
	n = len(h.clients)
	h.mu.Unlock()
	metrics.ActiveConnections.Set(float64(n))
	h.logger.Info("connection opened", "conn_id", c.id, "remote", conn.RemoteAddr().String(), "total", n)

	go c.writePump()
	go c.readPump()
}

// attach registers an authenticated client under its session.
func (h *Hub) attach(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	subs, ok := h.sessions[c.sessionID]
	if !ok {
		subs = &subscribers{participants: make(map[string]*Client)}
		h.sessions[c.sessionID] = subs
	}
	if c.role == protocol.RoleCoordinator {
		if prev := subs.coordinator; prev != nil && prev != c {
			// Latest coordinator connection wins; the stale one closes.
			go prev.close()
		}
		subs.coordinator = c
	} else {
		subs.participants[c.participantID] = c
	}
}

// detach removes a client from its session and the connection set.
func (h *Hub) detach(c *Client) {
	h.mu.Lock()
	delete(h.clients, c)
	if subs, ok := h.sessions[c.sessionID]; ok {
		if subs.coordinator == c {
			subs.coordinator = nil
		}
		if c.participantID != "" && subs.participants[c.participantID] == c {
			delete(subs.participants, c.participantID)
		}
		if subs.coordinator == nil && len(subs.participants) == 0 {
			delete(h.sessions, c.sessionID)
		}
	}
	n := len(h.clients)
	h.mu.Unlock()
	h.limiter.Forget(c.id)
	metrics.ActiveConnections.Set(float64(n))
}

// snapshotSubscribers returns the current subscriber list for a session.
func (h *Hub) snapshotSubscribers(sessionID string) []*Client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	subs, ok := h.sessions[sessionID]
	if !ok {
		return nil
	}
	out := make([]*Client, 0, len(subs.participants)+1)
	if subs.coordinator != nil {
		out = append(out, subs.coordinator)
	}
	for _, c := range subs.participants {
		out = append(out, c)
	}
	return out
}

// Broadcast fans a frame out to every subscriber of a session. A send
// failure affects only the slow subscriber: its queue overflow evicts it.
func (h *Hub) Broadcast(sessionID string, msg protocol.Message) {
	raw := msg.Encode()
	for _, c := range h.snapshotSubscribers(sessionID) {
		c.enqueue(raw)
	}
}

// SendParticipant delivers one frame to one participant.
func (h *Hub) SendParticipant(sessionID, participantID string, msg protocol.Message) bool {
	h.mu.RLock()
	var c *Client
	if subs, ok := h.sessions[sessionID]; ok {
		c = subs.participants[participantID]
	}
	h.mu.RUnlock()
	if c == nil {
		return false
	}
	return c.enqueue(msg.Encode())
}

// SendCoordinator delivers one frame to the coordinator subscription.
func (h *Hub) SendCoordinator(sessionID string, msg protocol.Message) {
	h.mu.RLock()
	var c *Client
	if subs, ok := h.sessions[sessionID]; ok {
		c = subs.coordinator
	}
	h.mu.RUnlock()
	if c != nil {
		c.enqueue(msg.Encode())
	}
}

// CloseSession drops every subscription of a deleted session.
func (h *Hub) CloseSession(sessionID string) {
	for _, c := range h.snapshotSubscribers(sessionID) {
		c.close()
	}
}

// Shutdown refuses new upgrades and closes every connection.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		c.close()
	}
	h.limiter.Stop()
	metrics.ActiveConnections.Set(0)
	h.logger.Info("transport hub stopped")
}
