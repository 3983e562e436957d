// Package protocol defines the WebSocket frames exchanged between clients and
// the presence gateway.
package protocol

import (
	"time"

	"github.com/allyhub/messaging/internal/domain"
)

// Frame types from client to gateway
const (
	TypeHello       = "hello"
	TypeSubscribe   = "subscribe"
	TypeUnsubscribe = "unsubscribe"
	TypePublish     = "publish"
)

// Frame types from gateway to client
const (
	TypeHelloAck     = "hello_ack"
	TypeSubscribed   = "subscribed"
	TypeUnsubscribed = "unsubscribed"
	TypeEvent        = "event"
	TypeError        = "error"
)

// BaseMessage contains common fields for all frames.
type BaseMessage struct {
	Type      string `json:"type"`
	Ts        int64  `json:"ts"`
	RequestID string `json:"request_id,omitempty"`
}

// NewBase stamps a frame header.
func NewBase(frameType, requestID string) BaseMessage {
	return BaseMessage{Type: frameType, Ts: time.Now().UnixMilli(), RequestID: requestID}
}

// HelloMessage authenticates the connection.
type HelloMessage struct {
	BaseMessage
	Token string `json:"token"`
}

// HelloAckMessage confirms the authenticated user.
type HelloAckMessage struct {
	BaseMessage
	UserID string `json:"user_id"`
}

// ChannelMessage is used by subscribe, unsubscribe and their confirmations.
type ChannelMessage struct {
	BaseMessage
	Channel string `json:"channel"`
}

// PublishMessage asks the gateway to forward an event.
type PublishMessage struct {
	BaseMessage
	Channel string               `json:"channel"`
	Event   domain.PresenceEvent `json:"event"`
}

// EventMessage delivers an event received on a subscribed channel.
type EventMessage struct {
	BaseMessage
	Channel string               `json:"channel"`
	Event   domain.PresenceEvent `json:"event"`
}

// ErrorMessage is sent by the gateway when a frame is rejected.
type ErrorMessage struct {
	BaseMessage
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error codes beyond the domain codes
const (
	ErrorCodeInvalidMessage = "invalid_message"
	ErrorCodeHelloRequired  = "hello_required"
)
