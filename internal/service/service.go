// Package service implements the messaging use cases. Every call carries the
// authenticated actor and is checked against the policy before the store is
// touched.
package service

import (
	"context"
	"log/slog"

	"github.com/allyhub/messaging/internal/blob"
	"github.com/allyhub/messaging/internal/domain"
	"github.com/allyhub/messaging/internal/notify"
	"github.com/allyhub/messaging/internal/obs"
	"github.com/allyhub/messaging/internal/policy"
	"github.com/allyhub/messaging/internal/presence"
	"github.com/allyhub/messaging/internal/repository"
)

// DefaultMaxContentChars limits message content length in runes.
const DefaultMaxContentChars = 4000

type Service struct {
	store           repository.Store
	policyEngine    *policy.Engine
	channel         presence.Channel
	notifier        notify.Notifier
	attachments     *blob.Store
	logger          *slog.Logger
	maxContentChars int
}

func New(store repository.Store, policyEngine *policy.Engine, channel presence.Channel, notifier notify.Notifier, attachments *blob.Store, logger *slog.Logger, maxContentChars int) *Service {
	if notifier == nil {
		notifier = notify.Noop{}
	}
	if attachments == nil {
		attachments = blob.NewStore(blob.NoopUploader{}, 0, logger)
	}
	if logger == nil {
		logger = obs.Discard()
	}
	if maxContentChars <= 0 {
		maxContentChars = DefaultMaxContentChars
	}
	return &Service{
		store:           store,
		policyEngine:    policyEngine,
		channel:         channel,
		notifier:        notifier,
		attachments:     attachments,
		logger:          logger,
		maxContentChars: maxContentChars,
	}
}

// Health reports whether the message store is reachable.
func (s *Service) Health(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// authorizeConversation loads a conversation and checks action for actor.
func (s *Service) authorizeConversation(ctx context.Context, actorID, conversationID, action string) (*domain.Conversation, error) {
	conv, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if err := s.policyEngine.Authorize(ctx, policy.Input{
		Action:       action,
		ActorID:      actorID,
		Participants: conv.Participants(),
	}); err != nil {
		return nil, err
	}
	return conv, nil
}

// publish sends ev without letting a channel failure reach the caller.
func (s *Service) publish(ctx context.Context, key string, ev domain.PresenceEvent) {
	if s.channel == nil {
		return
	}
	if err := s.channel.Publish(ctx, key, ev); err != nil {
		s.logger.Warn("presence publish failed", "key", key, "kind", ev.Kind(), "error", err)
	}
}
