// Package hub is the WebSocket fan-out layer: it accepts client
// connections, authenticates them, tracks room membership, and broadcasts
// synchronized status updates.
package hub

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/statusrelay/relay/internal/eventbus"
	"github.com/statusrelay/relay/internal/types"
)

// SubmitFunc receives inbound status updates; the orchestrator's
// Synchronize is wired here.
type SubmitFunc func(ctx context.Context, update *types.StatusUpdate) error

// Options configures the hub.
type Options struct {
	// MaxConnections caps concurrent clients; excess connects are closed
	// with 1013 (try again later).
	MaxConnections int

	// AuthEnabled requires a successful auth message before anything else.
	AuthEnabled bool

	// AuthTimeout closes unauthenticated connections with 1008.
	AuthTimeout time.Duration

	// HeartbeatInterval is the ping period.
	HeartbeatInterval time.Duration

	// HeartbeatGrace is the response window after each ping: a connection
	// with no activity within it is closed with 1001.
	HeartbeatGrace time.Duration

	// WriteTimeout bounds each socket write; zero means 5s.
	WriteTimeout time.Duration

	// RateLimit and RateBurst bound inbound messages per connection.
	// Excess messages are dropped, never closed.
	RateLimit rate.Limit
	RateBurst int

	// SendBuffer is the per-connection outbound queue length.
	SendBuffer int

	// ReadLimit caps inbound frame size in bytes.
	ReadLimit int64
}

// DefaultOptions returns production defaults.
func DefaultOptions() Options {
	return Options{
		MaxConnections:    1000,
		AuthEnabled:       true,
		AuthTimeout:       10 * time.Second,
		HeartbeatInterval: 30 * time.Second,
		HeartbeatGrace:    10 * time.Second,
		WriteTimeout:      defaultWriteWait,
		RateLimit:         rate.Limit(50),
		RateBurst:         100,
		SendBuffer:        64,
		ReadLimit:         1 << 20,
	}
}

// Stats is a point-in-time snapshot of hub counters.
type Stats struct {
	Connections      int   `json:"connections"`
	TotalAccepted    int64 `json:"total_accepted"`
	MessagesReceived int64 `json:"messages_received"`
	DroppedMessages  int64 `json:"dropped_messages"`
	Broadcasts       int64 `json:"broadcasts"`
	Rooms            int   `json:"rooms"`
}

// UpdateNotice is the broadcast payload for a completed synchronization.
type UpdateNotice struct {
	SyncID     string           `json:"sync_id"`
	EntityID   string           `json:"entity_id"`
	EntityType string           `json:"entity_type"`
	Status     string           `json:"status"`
	Source     types.SystemName `json:"source"`
	Success    bool             `json:"success"`
}

// Hub owns the connection table and room membership.
type Hub struct {
	opts   Options
	auth   Authenticator
	bus    *eventbus.Bus
	submit SubmitFunc

	upgrader websocket.Upgrader

	mu    sync.RWMutex
	conns map[string]*connection
	rooms map[string]map[string]*connection

	accepted  int64
	received  int64
	dropped   int64
	broadcast int64

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a hub. auth may be nil only when Options.AuthEnabled is
// false; submit may be nil for receive-only deployments.
func New(opts Options, auth Authenticator, bus *eventbus.Bus, submit SubmitFunc) *Hub {
	return &Hub{
		opts:   opts,
		auth:   auth,
		bus:    bus,
		submit: submit,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		conns: make(map[string]*connection),
		rooms: make(map[string]map[string]*connection),
	}
}

// Start launches the heartbeat loop.
func (h *Hub) Start(ctx context.Context) {
	ctx, h.cancel = context.WithCancel(ctx)
	h.wg.Add(1)
	go h.heartbeatLoop(ctx)
}

// Stop closes every connection with 1001 and waits for goroutines.
func (h *Hub) Stop() {
	if h.cancel != nil {
		h.cancel()
	}
	for _, c := range h.snapshot() {
		c.close(websocket.CloseGoingAway, "server shutting down")
	}
	h.wg.Wait()
}

// Handler returns the HTTP upgrade handler.
func (h *Hub) Handler() http.Handler {
	return http.HandlerFunc(h.serveWS)
}

func (h *Hub) serveWS(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	h.mu.Lock()
	if h.opts.MaxConnections > 0 && len(h.conns) >= h.opts.MaxConnections {
		h.mu.Unlock()
		msg := websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "connection limit reached")
		_ = ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(h.writeWait()))
		_ = ws.Close()
		return
	}

	c := &connection{
		id:           uuid.NewString(),
		hub:          h,
		ws:           ws,
		send:         make(chan *Envelope, h.opts.SendBuffer),
		limiter:      rate.NewLimiter(h.opts.RateLimit, h.opts.RateBurst),
		rooms:        make(map[string]bool),
		lastActivity: time.Now(),
	}
	if !h.opts.AuthEnabled {
		c.authenticated = true
	}
	c.done = make(chan struct{})
	h.conns[c.id] = c
	h.accepted++
	h.mu.Unlock()

	if h.opts.AuthEnabled && h.opts.AuthTimeout > 0 {
		c.authTimer = time.AfterFunc(h.opts.AuthTimeout, func() {
			if !c.isAuthenticated() {
				c.close(websocket.ClosePolicyViolation, "authentication timeout")
			}
		})
	}

	h.publish(&eventbus.Event{
		Type: eventbus.EventConnectionNew,
		Connection: &eventbus.ConnectionPayload{
			ConnectionID: c.id,
			RemoteAddr:   ws.RemoteAddr().String(),
		},
	})

	h.wg.Add(2)
	go c.writeLoop()
	go c.readLoop()

	if env, err := newEnvelope(MsgWelcome, welcomeData{
		ConnectionID: c.id,
		AuthRequired: h.opts.AuthEnabled,
	}); err == nil {
		c.enqueue(env)
	}
}

// Broadcast fans payload out: to the named room's members, or when room
// is empty, to every authenticated subscribed connection whose filter
// admits the payload's entity type. Returns the number of recipients.
func (h *Hub) Broadcast(payload interface{}, room string) int {
	env, err := newEnvelope(MsgBroadcast, payload)
	if err != nil {
		return 0
	}

	entityType := ""
	if notice, ok := payload.(*UpdateNotice); ok {
		entityType = notice.EntityType
	}

	var targets []*connection
	h.mu.RLock()
	if room != "" {
		for _, c := range h.rooms[room] {
			if c.isAuthenticated() {
				targets = append(targets, c)
			}
		}
	} else {
		for _, c := range h.conns {
			if c.wantsBroadcast(entityType) {
				targets = append(targets, c)
			}
		}
	}
	h.mu.RUnlock()

	for _, c := range targets {
		c.enqueue(env)
	}

	h.mu.Lock()
	h.broadcast++
	h.mu.Unlock()
	return len(targets)
}

// SendToConnection delivers payload directly to one connection.
func (h *Hub) SendToConnection(id string, payload interface{}) error {
	h.mu.RLock()
	c, ok := h.conns[id]
	h.mu.RUnlock()
	if !ok {
		return fmt.Errorf("hub: connection %s not found", id)
	}
	env, err := newEnvelope(MsgDirect, payload)
	if err != nil {
		return err
	}
	c.enqueue(env)
	return nil
}

// JoinRoom adds a connection to a room, creating the room on first join.
func (h *Hub) JoinRoom(connID, room string) error {
	h.mu.Lock()
	c, ok := h.conns[connID]
	if !ok {
		h.mu.Unlock()
		return fmt.Errorf("hub: connection %s not found", connID)
	}
	members := h.rooms[room]
	if members == nil {
		members = make(map[string]*connection)
		h.rooms[room] = members
	}
	members[connID] = c
	h.mu.Unlock()

	c.mu.Lock()
	c.rooms[room] = true
	c.mu.Unlock()

	h.publish(&eventbus.Event{
		Type:       eventbus.EventRoomJoined,
		Connection: &eventbus.ConnectionPayload{ConnectionID: connID, Room: room},
	})
	return nil
}

// LeaveRoom removes a connection from a room, destroying the room on last
// leave.
func (h *Hub) LeaveRoom(connID, room string) error {
	h.mu.Lock()
	c, ok := h.conns[connID]
	if !ok {
		h.mu.Unlock()
		return fmt.Errorf("hub: connection %s not found", connID)
	}
	if members := h.rooms[room]; members != nil {
		delete(members, connID)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
	h.mu.Unlock()

	c.mu.Lock()
	delete(c.rooms, room)
	c.mu.Unlock()

	h.publish(&eventbus.Event{
		Type:       eventbus.EventRoomLeft,
		Connection: &eventbus.ConnectionPayload{ConnectionID: connID, Room: room},
	})
	return nil
}

// RoomMembers returns the connection IDs in a room.
func (h *Hub) RoomMembers(room string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, 0, len(h.rooms[room]))
	for id := range h.rooms[room] {
		out = append(out, id)
	}
	return out
}

// Snapshot returns current hub counters.
func (h *Hub) Snapshot() Stats {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return Stats{
		Connections:      len(h.conns),
		TotalAccepted:    h.accepted,
		MessagesReceived: h.received,
		DroppedMessages:  h.dropped,
		Broadcasts:       h.broadcast,
		Rooms:            len(h.rooms),
	}
}

func (h *Hub) heartbeatLoop(ctx context.Context) {
	defer h.wg.Done()
	if h.opts.HeartbeatInterval <= 0 {
		return
	}

	ticker := time.NewTicker(h.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			grace := h.opts.HeartbeatGrace
			if grace <= 0 {
				grace = 10 * time.Second
			}
			for _, c := range h.snapshot() {
				c := c
				if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(h.writeWait())); err != nil {
					c.close(websocket.CloseGoingAway, "heartbeat failed")
					continue
				}
				// The response window is fixed per ping, not per tick: a
				// silent connection is closed grace after the ping even
				// when the next tick is far away.
				pingAt := time.Now()
				time.AfterFunc(grace, func() {
					if c.idleSince().Before(pingAt) {
						c.close(websocket.CloseGoingAway, "heartbeat timeout")
					}
				})
			}
		}
	}
}

// writeWait is the per-write deadline.
func (h *Hub) writeWait() time.Duration {
	if h.opts.WriteTimeout > 0 {
		return h.opts.WriteTimeout
	}
	return defaultWriteWait
}

func (h *Hub) snapshot() []*connection {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*connection, 0, len(h.conns))
	for _, c := range h.conns {
		out = append(out, c)
	}
	return out
}

// remove drops a closed connection from the table and its rooms.
func (h *Hub) remove(c *connection, reason string) {
	c.mu.Lock()
	rooms := make([]string, 0, len(c.rooms))
	for room := range c.rooms {
		rooms = append(rooms, room)
	}
	c.mu.Unlock()

	h.mu.Lock()
	delete(h.conns, c.id)
	for _, room := range rooms {
		if members := h.rooms[room]; members != nil {
			delete(members, c.id)
			if len(members) == 0 {
				delete(h.rooms, room)
			}
		}
	}
	h.mu.Unlock()

	h.publish(&eventbus.Event{
		Type: eventbus.EventConnectionClosed,
		Connection: &eventbus.ConnectionPayload{
			ConnectionID: c.id,
			Error:        reason,
		},
	})
}

func (h *Hub) countDrop() {
	h.mu.Lock()
	h.dropped++
	h.mu.Unlock()
}

func (h *Hub) countMessage() {
	h.mu.Lock()
	h.received++
	h.mu.Unlock()
}

func (h *Hub) publish(ev *eventbus.Event) {
	if h.bus != nil {
		h.bus.Publish(context.Background(), ev)
	}
}
