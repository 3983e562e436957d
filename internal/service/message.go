package service

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/allyhub/messaging/internal/domain"
	"github.com/allyhub/messaging/internal/policy"
	"github.com/allyhub/messaging/internal/presence"
	"github.com/allyhub/messaging/internal/repository"
)

// ListMessages returns one page of history in ascending order. before is an
// exclusive cursor; nil starts from the newest message.
func (s *Service) ListMessages(ctx context.Context, actorID, conversationID string, before *time.Time, limit int) (*domain.ListMessagesResponse, error) {
	if _, err := s.authorizeConversation(ctx, actorID, conversationID, policy.ActionReadConversation); err != nil {
		return nil, err
	}
	limit = repository.NormalizeLimit(limit)
	messages, err := s.store.ListMessages(ctx, conversationID, before, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}

	resp := &domain.ListMessagesResponse{Messages: messages}
	if len(messages) == 0 {
		return resp, nil
	}
	resp.NextBefore = messages[0].CreatedAt.UnixMicro()
	if len(messages) == limit {
		older, err := s.store.ListMessages(ctx, conversationID, &messages[0].CreatedAt, 1)
		if err != nil {
			return nil, fmt.Errorf("failed to list messages: %w", err)
		}
		resp.HasMore = len(older) > 0
	}
	return resp, nil
}

// SendMessage stores a message from the actor. With only RecipientID set the
// conversation is created on first exchange. The recipient gets a new_message
// badge on their personal channel; the conversation's message_sent signal is
// left to the sending client.
func (s *Service) SendMessage(ctx context.Context, actorID string, req domain.SendMessageRequest) (*domain.Message, error) {
	if strings.TrimSpace(req.Content) == "" && req.Attachment.Empty() {
		return nil, fmt.Errorf("%w: message needs content or an attachment", domain.ErrValidation)
	}
	if n := utf8.RuneCountInString(req.Content); n > s.maxContentChars {
		return nil, fmt.Errorf("%w: content is %d characters, limit is %d", domain.ErrValidation, n, s.maxContentChars)
	}

	var conv *domain.Conversation
	var msg *domain.Message
	var err error
	switch {
	case req.ConversationID != "":
		conv, err = s.authorizeConversation(ctx, actorID, req.ConversationID, policy.ActionWriteConversation)
		if err == nil {
			msg, err = s.store.CreateMessage(ctx, conv.ID, actorID, req.Content, req.Attachment)
		}
	case req.RecipientID != "":
		a, b := domain.NormalizePair(actorID, req.RecipientID)
		err = s.policyEngine.Authorize(ctx, policy.Input{
			Action:       policy.ActionWriteConversation,
			ActorID:      actorID,
			Participants: []string{a, b},
		})
		if err == nil {
			conv, msg, err = s.store.CreateFirstMessage(ctx, actorID, req.RecipientID, req.Content, req.Attachment)
		}
	default:
		err = fmt.Errorf("%w: conversation_id or recipient_id is required", domain.ErrValidation)
	}
	if err != nil {
		return nil, err
	}
	s.logger.Info("message created", "message_id", msg.ID, "conversation_id", conv.ID, "sender_id", actorID)

	recipient := conv.Peer(actorID)
	s.publish(ctx, presence.UserKey(recipient), domain.NewEvent(conv.ID, actorID, domain.NewMessage{
		MessageID: msg.ID,
		SenderID:  actorID,
		Preview:   domain.Preview(req.Content, req.Attachment),
	}))
	if err := s.notifier.MessageCreated(ctx, conv, msg); err != nil {
		s.logger.Warn("message notification failed", "message_id", msg.ID, "error", err)
	}
	return msg, nil
}

// MarkRead records that the actor viewed a message sent by the other
// participant. Repeated calls return the original read time.
func (s *Service) MarkRead(ctx context.Context, actorID, messageID string) (*domain.Message, error) {
	msg, err := s.store.GetMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	conv, err := s.store.GetConversation(ctx, msg.ConversationID)
	if err != nil {
		return nil, err
	}
	if err := s.policyEngine.Authorize(ctx, policy.Input{
		Action:       policy.ActionMarkRead,
		ActorID:      actorID,
		Participants: conv.Participants(),
		Message:      &policy.MessageRef{SenderID: msg.SenderID},
	}); err != nil {
		return nil, err
	}
	return s.store.MarkRead(ctx, messageID, actorID)
}
