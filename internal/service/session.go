package service

import (
	"context"
	"io"
	"time"

	"github.com/allyhub/messaging/internal/domain"
)

// Session binds the service to one authenticated actor. It satisfies the
// same contract as the REST client so in-process callers and remote clients
// are interchangeable.
type Session struct {
	svc     *Service
	actorID string
}

// ForActor returns a Session acting as actorID.
func (s *Service) ForActor(actorID string) *Session {
	return &Session{svc: s, actorID: actorID}
}

// ActorID returns the bound actor.
func (s *Session) ActorID() string { return s.actorID }

func (s *Session) ListConversations(ctx context.Context, includeArchived bool) ([]domain.Conversation, error) {
	return s.svc.ListConversations(ctx, s.actorID, includeArchived)
}

func (s *Session) OpenConversation(ctx context.Context, peerID string) (*domain.Conversation, error) {
	return s.svc.OpenConversation(ctx, s.actorID, peerID)
}

func (s *Session) GetConversation(ctx context.Context, conversationID string) (*domain.Conversation, error) {
	return s.svc.GetConversation(ctx, s.actorID, conversationID)
}

func (s *Session) ListMessages(ctx context.Context, conversationID string, before *time.Time, limit int) (*domain.ListMessagesResponse, error) {
	return s.svc.ListMessages(ctx, s.actorID, conversationID, before, limit)
}

func (s *Session) SendMessage(ctx context.Context, req domain.SendMessageRequest) (*domain.Message, error) {
	return s.svc.SendMessage(ctx, s.actorID, req)
}

func (s *Session) MarkRead(ctx context.Context, messageID string) (*domain.Message, error) {
	return s.svc.MarkRead(ctx, s.actorID, messageID)
}

func (s *Session) UploadAttachment(ctx context.Context, filename string, content io.Reader) (*domain.AttachmentRef, error) {
	return s.svc.UploadAttachment(ctx, s.actorID, filename, content)
}
