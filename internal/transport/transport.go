// Package transport is the websocket edge cmd/spaced uses to push JSON-encoded space.Event
// notifications to connected participants and to detect their disconnects. Grounded on the
// teacher's internal/websocket Client/Hub idiom: gorilla/websocket connections pumped by a
// ReadPump/WritePump pair with token-bucket rate limiting and ping/pong keepalive
// (client.go), registered into a mutex-guarded Hub (hub.go) generalized from a
// broadcast-channel Run() loop since this Hub's registration traffic is low-frequency
// compared to the chat application's per-message fan-out. Generalized from a JSON
// models.WebSocketMessage protocol keyed by uuid.UUID to an opaque []byte payload keyed by
// identity.ID: internal/spaceapi owns what the bytes mean (currently JSON-encoded
// space.Event values), not this package.
package transport

import (
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jaydenbeard/spacecore/internal/identity"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxFrameSize   = 1 << 20 // 1MB, generous for a control operation or application message
	tokenRefillHz  = 50.0    // tokens added per second
	tokenBurstCap  = 200.0
	sendBufferSize = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// FrameHandler is invoked once per inbound frame read from a client.
type FrameHandler func(from identity.ID, frame []byte)

// Client is one participant's websocket connection.
type Client struct {
	conn *websocket.Conn
	id   identity.ID
	hub  *Hub
	send chan []byte

	tokenMu       sync.Mutex
	messageTokens float64
	lastRefill    time.Time
}

// NewClient upgrades r/w into a websocket connection for participant id and registers it
// with hub.
func NewClient(hub *Hub, id identity.ID, w http.ResponseWriter, r *http.Request) (*Client, error) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}

	c := &Client{
		conn:          conn,
		id:            id,
		hub:           hub,
		send:          make(chan []byte, sendBufferSize),
		messageTokens: tokenBurstCap,
		lastRefill:    time.Now(),
	}
	hub.register(c)
	return c, nil
}

// canSendMessage refills the per-client token bucket and reports whether a frame may be
// accepted right now, bounding how fast one connection can push frames into the handler.
func (c *Client) canSendMessage() bool {
	c.tokenMu.Lock()
	defer c.tokenMu.Unlock()

	now := time.Now()
	elapsed := now.Sub(c.lastRefill).Seconds()
	c.lastRefill = now
	c.messageTokens += elapsed * tokenRefillHz
	if c.messageTokens > tokenBurstCap {
		c.messageTokens = tokenBurstCap
	}

	if c.messageTokens < 1 {
		return false
	}
	c.messageTokens--
	return true
}

// ReadPump reads frames from the connection and invokes handler for each, until the
// connection closes. Run this in its own goroutine; it unregisters the client on return.
func (c *Client) ReadPump(handler FrameHandler) {
	defer func() {
		c.hub.unregister(c)
		if err := c.conn.Close(); err != nil {
			log.Printf("transport: close on read pump exit: %v", err)
		}
	}()

	c.conn.SetReadLimit(maxFrameSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		log.Printf("transport: set read deadline: %v", err)
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, frame, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("transport: unexpected close for %s: %v", c.id, err)
			}
			break
		}

		if !c.canSendMessage() {
			continue
		}

		handler(c.id, frame)
	}
}

// WritePump drains c.send to the connection and sends periodic pings, until send closes or
// a write fails. Run this in its own goroutine.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		if err := c.conn.Close(); err != nil {
			log.Printf("transport: close on write pump exit: %v", err)
		}
	}()

	for {
		select {
		case frame, ok := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Hub tracks locally connected clients and, per group, which of those clients are current
// members, so an inbound pubsub fan-out for a group can be routed to exactly the clients
// connected to this instance that belong to it.
type Hub struct {
	mu      sync.RWMutex
	clients map[identity.ID]*Client
	groups  map[identity.ID]map[identity.ID]bool // groupID -> set of locally connected member IDs
}

// NewHub returns an empty Hub.
func NewHub() *Hub {
	return &Hub{
		clients: make(map[identity.ID]*Client),
		groups:  make(map[identity.ID]map[identity.ID]bool),
	}
}

func (h *Hub) register(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c.id] = c
}

func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if existing, ok := h.clients[c.id]; ok && existing == c {
		delete(h.clients, c.id)
		close(c.send)
	}
	for _, members := range h.groups {
		delete(members, c.id)
	}
}

// JoinGroup records that member is locally connected and currently viewing groupID,
// letting callers answer "who is connected to this group right now" without walking
// every Client.
func (h *Hub) JoinGroup(groupID, member identity.ID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	members, ok := h.groups[groupID]
	if !ok {
		members = make(map[identity.ID]bool)
		h.groups[groupID] = members
	}
	members[member] = true
}

// LeaveGroup reverses JoinGroup, e.g. once Remove(member) commits locally.
func (h *Hub) LeaveGroup(groupID, member identity.ID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if members, ok := h.groups[groupID]; ok {
		delete(members, member)
	}
}

// Deliver sends frame to member if they are connected to this instance, reporting whether
// local delivery happened. Callers fall back to pubsub.Publish when it returns false.
func (h *Hub) Deliver(member identity.ID, frame []byte) bool {
	h.mu.RLock()
	client, ok := h.clients[member]
	h.mu.RUnlock()
	if !ok {
		return false
	}
	select {
	case client.send <- frame:
		return true
	default:
		log.Printf("transport: send buffer full for %s, dropping frame", member)
		return false
	}
}

// ConnectionCount returns the number of locally connected clients, for metrics.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
