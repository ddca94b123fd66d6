package hub

import (
	"encoding/json"
	"fmt"
	"time"
)

// Inbound message types.
const (
	MsgAuth         = "auth"
	MsgSubscribe    = "subscribe"
	MsgUnsubscribe  = "unsubscribe"
	MsgStatusUpdate = "status_update"
	MsgPing         = "ping"
	MsgJoinRoom     = "join_room"
	MsgLeaveRoom    = "leave_room"
)

// Outbound message types.
const (
	MsgWelcome      = "welcome"
	MsgAuthSuccess  = "auth_success"
	MsgSubscribed   = "subscribed"
	MsgUnsubscribed = "unsubscribed"
	MsgPong         = "pong"
	MsgError        = "error"
	MsgBroadcast    = "broadcast"
	MsgDirect       = "direct"
)

// Envelope is the wire frame: every message in either direction carries a
// type, a millisecond timestamp, and a type-specific data payload.
type Envelope struct {
	Type      string          `json:"type"`
	Timestamp int64           `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// newEnvelope marshals payload into a stamped envelope.
func newEnvelope(msgType string, payload interface{}) (*Envelope, error) {
	env := &Envelope{
		Type:      msgType,
		Timestamp: time.Now().UnixMilli(),
	}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("hub: marshal %s payload: %w", msgType, err)
		}
		env.Data = data
	}
	return env, nil
}

// errorEnvelope builds an error reply; marshaling a plain string cannot
// fail.
func errorEnvelope(message string) *Envelope {
	env, _ := newEnvelope(MsgError, map[string]string{"message": message})
	return env
}

// authData is the payload of an inbound auth message.
type authData struct {
	Token string `json:"token"`
}

// authSuccessData acknowledges authentication with the connection's id.
type authSuccessData struct {
	ConnectionID string `json:"connection_id"`
	Subject      string `json:"subject,omitempty"`
}

// pongData answers an application-level ping.
type pongData struct {
	Timestamp int64 `json:"timestamp"`
}

// subscribeData optionally narrows broadcasts to entity types.
type subscribeData struct {
	EntityTypes []string `json:"entity_types,omitempty"`
}

// roomData names the room of a join_room / leave_room message.
type roomData struct {
	Room string `json:"room"`
}

// welcomeData is sent on accept.
type welcomeData struct {
	ConnectionID string `json:"connection_id"`
	AuthRequired bool   `json:"auth_required"`
}
