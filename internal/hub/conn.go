package hub

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/statusrelay/relay/internal/eventbus"
	"github.com/statusrelay/relay/internal/types"
)

const defaultWriteWait = 5 * time.Second

// connection is one client of the hub. The reader goroutine owns inbound
// frames; every write goes through the send channel so frames never
// interleave.
type connection struct {
	id      string
	hub     *Hub
	ws      *websocket.Conn
	send    chan *Envelope
	limiter *rate.Limiter

	mu            sync.Mutex
	authenticated bool
	subject       string
	subscribed    bool
	entityFilter  map[string]bool
	rooms         map[string]bool
	lastActivity  time.Time

	authTimer *time.Timer
	closeOnce sync.Once
	done      chan struct{}
}

func (c *connection) touch() {
	c.mu.Lock()
	c.lastActivity = time.Now()
	c.mu.Unlock()
}

func (c *connection) idleSince() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActivity
}

func (c *connection) isAuthenticated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.authenticated
}

// wantsBroadcast reports whether an unrouted broadcast for entityType
// should reach this connection.
func (c *connection) wantsBroadcast(entityType string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.authenticated || !c.subscribed {
		return false
	}
	if entityType == "" || len(c.entityFilter) == 0 {
		return true
	}
	return c.entityFilter[entityType]
}

// enqueue hands an envelope to the writer. A full send buffer means the
// client stopped consuming; the connection is closed as an internal error.
func (c *connection) enqueue(env *Envelope) {
	select {
	case c.send <- env:
	case <-c.done:
	default:
		c.close(websocket.CloseInternalServerErr, "send buffer overflow")
	}
}

func (c *connection) writeLoop() {
	defer c.hub.wg.Done()
	for {
		select {
		case <-c.done:
			return
		case env := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.hub.writeWait()))
			if err := c.ws.WriteJSON(env); err != nil {
				c.reportError(err)
				c.close(websocket.CloseInternalServerErr, "write failed")
				return
			}
		}
	}
}

func (c *connection) readLoop() {
	defer c.hub.wg.Done()
	defer c.close(websocket.CloseNormalClosure, "connection closed")

	if c.hub.opts.ReadLimit > 0 {
		c.ws.SetReadLimit(c.hub.opts.ReadLimit)
	}
	c.ws.SetPongHandler(func(string) error {
		c.touch()
		return nil
	})

	for {
		var env Envelope
		if err := c.ws.ReadJSON(&env); err != nil {
			// Reads against a connection we closed ourselves fail too;
			// only the peer's failures are worth an event.
			select {
			case <-c.done:
			default:
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					c.reportError(err)
				}
			}
			return
		}
		c.touch()

		if !c.limiter.Allow() {
			c.hub.countDrop()
			continue
		}
		c.hub.countMessage()
		c.handle(&env)
	}
}

// handle runs the per-connection state machine for one inbound message.
func (c *connection) handle(env *Envelope) {
	// Any non-auth message on an unauthenticated connection is rejected
	// but does not close the stream.
	if !c.isAuthenticated() && env.Type != MsgAuth {
		c.enqueue(errorEnvelope("not authenticated"))
		return
	}

	switch env.Type {
	case MsgAuth:
		c.handleAuth(env)
	case MsgSubscribe:
		var data subscribeData
		_ = json.Unmarshal(env.Data, &data)
		c.mu.Lock()
		c.subscribed = true
		c.entityFilter = make(map[string]bool, len(data.EntityTypes))
		for _, et := range data.EntityTypes {
			c.entityFilter[et] = true
		}
		c.mu.Unlock()
		if reply, err := newEnvelope(MsgSubscribed, data); err == nil {
			c.enqueue(reply)
		}
	case MsgUnsubscribe:
		c.mu.Lock()
		c.subscribed = false
		c.entityFilter = nil
		c.mu.Unlock()
		if reply, err := newEnvelope(MsgUnsubscribed, nil); err == nil {
			c.enqueue(reply)
		}
	case MsgPing:
		if reply, err := newEnvelope(MsgPong, pongData{Timestamp: time.Now().UnixMilli()}); err == nil {
			c.enqueue(reply)
		}
	case MsgJoinRoom:
		var data roomData
		if err := json.Unmarshal(env.Data, &data); err != nil || data.Room == "" {
			c.enqueue(errorEnvelope("join_room requires a room"))
			return
		}
		if err := c.hub.JoinRoom(c.id, data.Room); err != nil {
			c.enqueue(errorEnvelope(err.Error()))
		}
	case MsgLeaveRoom:
		var data roomData
		if err := json.Unmarshal(env.Data, &data); err != nil || data.Room == "" {
			c.enqueue(errorEnvelope("leave_room requires a room"))
			return
		}
		if err := c.hub.LeaveRoom(c.id, data.Room); err != nil {
			c.enqueue(errorEnvelope(err.Error()))
		}
	case MsgStatusUpdate:
		c.handleStatusUpdate(env)
	default:
		c.enqueue(errorEnvelope("unknown message type: " + env.Type))
	}
}

func (c *connection) handleAuth(env *Envelope) {
	if c.isAuthenticated() {
		c.enqueue(errorEnvelope("already authenticated"))
		return
	}

	var data authData
	if err := json.Unmarshal(env.Data, &data); err != nil || data.Token == "" {
		c.close(websocket.ClosePolicyViolation, "auth requires a token")
		return
	}
	subject, err := c.hub.auth.Authenticate(data.Token)
	if err != nil {
		c.close(websocket.ClosePolicyViolation, "authentication rejected")
		return
	}

	c.mu.Lock()
	c.authenticated = true
	c.subject = subject
	c.mu.Unlock()
	if c.authTimer != nil {
		c.authTimer.Stop()
	}

	c.hub.publish(&eventbus.Event{
		Type: eventbus.EventConnectionAuthenticated,
		Connection: &eventbus.ConnectionPayload{
			ConnectionID: c.id,
			RemoteAddr:   c.ws.RemoteAddr().String(),
		},
	})
	if reply, err := newEnvelope(MsgAuthSuccess, authSuccessData{ConnectionID: c.id, Subject: subject}); err == nil {
		c.enqueue(reply)
	}
}

func (c *connection) handleStatusUpdate(env *Envelope) {
	var update types.StatusUpdate
	if err := json.Unmarshal(env.Data, &update); err != nil {
		c.enqueue(errorEnvelope("malformed status update"))
		return
	}
	if err := update.Validate(); err != nil {
		c.enqueue(errorEnvelope(err.Error()))
		return
	}

	c.hub.publish(&eventbus.Event{
		Type: eventbus.EventMessageReceived,
		Connection: &eventbus.ConnectionPayload{
			ConnectionID: c.id,
			MessageType:  MsgStatusUpdate,
		},
	})

	if c.hub.submit == nil {
		c.enqueue(errorEnvelope("status updates not accepted"))
		return
	}
	// Synchronization can take a while; keep the reader responsive.
	go func() {
		if err := c.hub.submit(context.Background(), &update); err != nil {
			c.enqueue(errorEnvelope(err.Error()))
		}
	}()
}

func (c *connection) reportError(err error) {
	c.hub.publish(&eventbus.Event{
		Type: eventbus.EventConnectionError,
		Connection: &eventbus.ConnectionPayload{
			ConnectionID: c.id,
			Error:        err.Error(),
		},
	})
}

// close transitions to Closing exactly once: leave rooms, cancel timers,
// remove from the table, and close the socket with the given code.
func (c *connection) close(code int, reason string) {
	c.closeOnce.Do(func() {
		close(c.done)
		if c.authTimer != nil {
			c.authTimer.Stop()
		}
		msg := websocket.FormatCloseMessage(code, reason)
		_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(c.hub.writeWait()))
		_ = c.ws.Close()
		c.hub.remove(c, reason)
	})
}
