package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventPayload is the kind-specific part of a PresenceEvent. The set of
// implementations is closed: only the payload types in this file satisfy it.
type EventPayload interface {
	Kind() EventKind
	sealed()
}

// TypingStart announces that the actor started composing.
type TypingStart struct{}

// TypingStop announces that the actor stopped composing.
type TypingStop struct{}

// Online announces that the actor connected.
type Online struct{}

// Offline announces that the actor's last connection closed.
type Offline struct{}

// MessageSent tells the peer that a message was stored. Message is optional;
// without it the receiver refetches the tail of the history.
type MessageSent struct {
	MessageID string   `json:"message_id"`
	Message   *Message `json:"message,omitempty"`
}

// ReadReceipt lists the messages the actor has read.
type ReadReceipt struct {
	MessageIDs []string `json:"message_ids"`
}

// NewMessage is the badge notification sent on a personal channel.
type NewMessage struct {
	MessageID string `json:"message_id"`
	SenderID  string `json:"sender_id"`
	Preview   string `json:"preview"`
}

func (TypingStart) Kind() EventKind { return EventTypingStart }
func (TypingStop) Kind() EventKind  { return EventTypingStop }
func (Online) Kind() EventKind      { return EventOnline }
func (Offline) Kind() EventKind     { return EventOffline }
func (MessageSent) Kind() EventKind { return EventMessageSent }
func (ReadReceipt) Kind() EventKind { return EventReadReceipt }
func (NewMessage) Kind() EventKind  { return EventNewMessage }

func (TypingStart) sealed() {}
func (TypingStop) sealed()  {}
func (Online) sealed()      {}
func (Offline) sealed()     {}
func (MessageSent) sealed() {}
func (ReadReceipt) sealed() {}
func (NewMessage) sealed()  {}

// PresenceEvent is an ephemeral signal carried by the presence channel.
// It is never persisted.
type PresenceEvent struct {
	ConversationID string
	ActorID        string
	Timestamp      time.Time
	Payload        EventPayload
}

// NewEvent builds an event stamped with the current time.
func NewEvent(conversationID, actorID string, payload EventPayload) PresenceEvent {
	return PresenceEvent{
		ConversationID: conversationID,
		ActorID:        actorID,
		Timestamp:      time.Now(),
		Payload:        payload,
	}
}

// Kind returns the payload kind, or "" for an event without payload.
func (e PresenceEvent) Kind() EventKind {
	if e.Payload == nil {
		return ""
	}
	return e.Payload.Kind()
}

// Validate checks that the event carries the fields its kind requires.
func (e PresenceEvent) Validate() error {
	if e.Payload == nil {
		return fmt.Errorf("%w: event kind is required", ErrValidation)
	}
	if e.ActorID == "" {
		return fmt.Errorf("%w: actor_id is required", ErrValidation)
	}
	switch p := e.Payload.(type) {
	case TypingStart, TypingStop, Online, Offline:
	case MessageSent:
		if p.MessageID == "" {
			return fmt.Errorf("%w: message_sent requires message_id", ErrValidation)
		}
	case ReadReceipt:
		if len(p.MessageIDs) == 0 {
			return fmt.Errorf("%w: read_receipt requires message_ids", ErrValidation)
		}
	case NewMessage:
		if p.MessageID == "" {
			return fmt.Errorf("%w: new_message requires message_id", ErrValidation)
		}
	}
	switch e.Payload.(type) {
	case Online, Offline, NewMessage:
	default:
		if e.ConversationID == "" {
			return fmt.Errorf("%w: conversation_id is required for %s", ErrValidation, e.Kind())
		}
	}
	return nil
}

type eventWire struct {
	Kind           EventKind `json:"kind"`
	ConversationID string    `json:"conversation_id,omitempty"`
	ActorID        string    `json:"actor_id"`
	Timestamp      int64     `json:"timestamp"` // Unix milliseconds

	MessageID  string   `json:"message_id,omitempty"`
	Message    *Message `json:"message,omitempty"`
	MessageIDs []string `json:"message_ids,omitempty"`
	SenderID   string   `json:"sender_id,omitempty"`
	Preview    string   `json:"preview,omitempty"`
}

// MarshalJSON flattens the payload into the event object.
func (e PresenceEvent) MarshalJSON() ([]byte, error) {
	w := eventWire{
		Kind:           e.Kind(),
		ConversationID: e.ConversationID,
		ActorID:        e.ActorID,
		Timestamp:      e.Timestamp.UnixMilli(),
	}
	switch p := e.Payload.(type) {
	case MessageSent:
		w.MessageID = p.MessageID
		w.Message = p.Message
	case ReadReceipt:
		w.MessageIDs = p.MessageIDs
	case NewMessage:
		w.MessageID = p.MessageID
		w.SenderID = p.SenderID
		w.Preview = p.Preview
	}
	return json.Marshal(w)
}

// UnmarshalJSON decodes a flat event object into the matching payload type.
func (e *PresenceEvent) UnmarshalJSON(data []byte) error {
	var w eventWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	var payload EventPayload
	switch w.Kind {
	case EventTypingStart:
		payload = TypingStart{}
	case EventTypingStop:
		payload = TypingStop{}
	case EventOnline:
		payload = Online{}
	case EventOffline:
		payload = Offline{}
	case EventMessageSent:
		payload = MessageSent{MessageID: w.MessageID, Message: w.Message}
	case EventReadReceipt:
		payload = ReadReceipt{MessageIDs: w.MessageIDs}
	case EventNewMessage:
		payload = NewMessage{MessageID: w.MessageID, SenderID: w.SenderID, Preview: w.Preview}
	default:
		return fmt.Errorf("%w: unknown event kind %q", ErrValidation, w.Kind)
	}
	*e = PresenceEvent{
		ConversationID: w.ConversationID,
		ActorID:        w.ActorID,
		Timestamp:      time.UnixMilli(w.Timestamp),
		Payload:        payload,
	}
	return nil
}
