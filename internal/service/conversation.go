package service

import (
	"context"

	"github.com/allyhub/messaging/internal/domain"
	"github.com/allyhub/messaging/internal/policy"
)

// ListConversations lists the actor's conversations, newest activity first.
func (s *Service) ListConversations(ctx context.Context, actorID string, includeArchived bool) ([]domain.Conversation, error) {
	return s.store.ListConversations(ctx, actorID, includeArchived)
}

// OpenConversation returns the conversation between the actor and peerID,
// creating it if needed.
func (s *Service) OpenConversation(ctx context.Context, actorID, peerID string) (*domain.Conversation, error) {
	conv, err := s.store.GetOrCreateConversation(ctx, actorID, peerID)
	if err != nil {
		return nil, err
	}
	if err := s.policyEngine.Authorize(ctx, policy.Input{
		Action:       policy.ActionWriteConversation,
		ActorID:      actorID,
		Participants: conv.Participants(),
	}); err != nil {
		return nil, err
	}
	return conv, nil
}

// GetConversation returns a conversation the actor participates in.
func (s *Service) GetConversation(ctx context.Context, actorID, conversationID string) (*domain.Conversation, error) {
	return s.authorizeConversation(ctx, actorID, conversationID, policy.ActionReadConversation)
}

// ArchiveConversation hides a conversation until its next message.
func (s *Service) ArchiveConversation(ctx context.Context, actorID, conversationID string) error {
	if _, err := s.authorizeConversation(ctx, actorID, conversationID, policy.ActionArchiveConversation); err != nil {
		return err
	}
	if err := s.store.ArchiveConversation(ctx, conversationID); err != nil {
		return err
	}
	s.logger.Info("conversation archived", "conversation_id", conversationID, "actor_id", actorID)
	return nil
}
