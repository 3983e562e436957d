// Package presence carries ephemeral presence events (typing, online state,
// read receipts) between the participants of a conversation.
//
// Delivery is best-effort and at-most-once: events may be dropped, and
// subscribers must treat them as idempotent signals.
package presence

import (
	"context"
	"strings"

	"github.com/allyhub/messaging/internal/domain"
)

// Handler receives events for one subscription, in per-subscription order.
type Handler func(ev domain.PresenceEvent)

// Subscription is the cancellation handle returned by Subscribe.
// Unsubscribe is idempotent and safe to call from inside the handler.
type Subscription interface {
	Key() string
	Unsubscribe()
}

// Channel is a keyed publish/subscribe channel.
type Channel interface {
	// Publish is fire-and-forget. A non-nil error wraps
	// domain.ErrChannelUnavailable and is never fatal to the caller.
	Publish(ctx context.Context, key string, ev domain.PresenceEvent) error
	Subscribe(ctx context.Context, key string, handler Handler) (Subscription, error)
}

const (
	conversationPrefix = "conversation:"
	userPrefix         = "user:"
)

// ConversationKey is the channel key of a conversation.
func ConversationKey(conversationID string) string {
	return conversationPrefix + conversationID
}

// UserKey is the personal channel key of a user.
func UserKey(userID string) string {
	return userPrefix + userID
}

// ParseKey splits a channel key into its kind ("conversation" or "user") and
// id. ok is false for malformed keys.
func ParseKey(key string) (kind, id string, ok bool) {
	switch {
	case strings.HasPrefix(key, conversationPrefix):
		kind, id = "conversation", strings.TrimPrefix(key, conversationPrefix)
	case strings.HasPrefix(key, userPrefix):
		kind, id = "user", strings.TrimPrefix(key, userPrefix)
	default:
		return "", "", false
	}
	return kind, id, id != ""
}
