package service

import (
	"context"
	"fmt"
	"time"

	"github.com/allyhub/messaging/internal/domain"
	"github.com/allyhub/messaging/internal/policy"
	"github.com/allyhub/messaging/internal/presence"
)

// AuthorizeSubscribe checks that the actor may listen on key. Conversation
// channels are open to participants; user channels to their owner.
func (s *Service) AuthorizeSubscribe(ctx context.Context, actorID, key string) error {
	kind, id, ok := presence.ParseKey(key)
	if !ok {
		return fmt.Errorf("%w: invalid channel key %q", domain.ErrValidation, key)
	}
	input := policy.Input{
		Action:  policy.ActionSubscribe,
		ActorID: actorID,
		Channel: &policy.Channel{Kind: kind, ID: id},
	}
	if kind == "conversation" {
		conv, err := s.store.GetConversation(ctx, id)
		if err != nil {
			return err
		}
		input.Participants = conv.Participants()
	}
	return s.policyEngine.Authorize(ctx, input)
}

// AuthorizePublish checks a client event for key and returns the event as it
// may be forwarded: actor, conversation and timestamp come from the server, and
// message_sent carries the stored message rather than the client's copy.
func (s *Service) AuthorizePublish(ctx context.Context, actorID, key string, ev domain.PresenceEvent) (domain.PresenceEvent, error) {
	kind, id, ok := presence.ParseKey(key)
	if !ok {
		return ev, fmt.Errorf("%w: invalid channel key %q", domain.ErrValidation, key)
	}
	input := policy.Input{
		Action:    policy.ActionPublish,
		ActorID:   actorID,
		Channel:   &policy.Channel{Kind: kind, ID: id},
		EventKind: string(ev.Kind()),
	}
	var conv *domain.Conversation
	if kind == "conversation" {
		var err error
		conv, err = s.store.GetConversation(ctx, id)
		if err != nil {
			return ev, err
		}
		input.Participants = conv.Participants()
	}
	if err := s.policyEngine.Authorize(ctx, input); err != nil {
		return ev, err
	}
	if conv == nil {
		return ev, fmt.Errorf("%w: clients publish on conversation channels only", domain.ErrPermission)
	}

	ev.ActorID = actorID
	ev.ConversationID = conv.ID
	ev.Timestamp = time.Now()
	if err := ev.Validate(); err != nil {
		return ev, err
	}

	switch p := ev.Payload.(type) {
	case domain.MessageSent:
		msg, err := s.store.GetMessage(ctx, p.MessageID)
		if err != nil {
			return ev, err
		}
		if msg.ConversationID != conv.ID || msg.SenderID != actorID {
			return ev, fmt.Errorf("%w: message %s was not sent by %s in this conversation", domain.ErrPermission, p.MessageID, actorID)
		}
		ev.Payload = domain.MessageSent{MessageID: msg.ID, Message: msg}
	case domain.ReadReceipt:
		for _, messageID := range p.MessageIDs {
			msg, err := s.store.GetMessage(ctx, messageID)
			if err != nil {
				return ev, err
			}
			if msg.ConversationID != conv.ID || msg.SenderID == actorID {
				return ev, fmt.Errorf("%w: %s cannot acknowledge message %s", domain.ErrPermission, actorID, messageID)
			}
			if !msg.IsRead() {
				return ev, fmt.Errorf("%w: message %s is not marked read", domain.ErrValidation, messageID)
			}
		}
	}
	return ev, nil
}
