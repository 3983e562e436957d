// Package repository defines the message store interface and its SQL
// implementation.
package repository

import (
	"context"
	"time"

	"github.com/allyhub/messaging/internal/domain"
)

// Store defines the interface for durable conversation and message data.
// Every method is atomic: a message and its attachment become visible
// together or not at all.
type Store interface {
	// Conversation operations
	GetOrCreateConversation(ctx context.Context, userA, userB string) (*domain.Conversation, error)
	GetConversation(ctx context.Context, conversationID string) (*domain.Conversation, error)
	ListConversations(ctx context.Context, userID string, includeArchived bool) ([]domain.Conversation, error)
	ArchiveConversation(ctx context.Context, conversationID string) error

	// Message operations
	CreateMessage(ctx context.Context, conversationID, senderID, content string, attachment *domain.AttachmentRef) (*domain.Message, error)
	CreateFirstMessage(ctx context.Context, senderID, recipientID, content string, attachment *domain.AttachmentRef) (*domain.Conversation, *domain.Message, error)
	GetMessage(ctx context.Context, messageID string) (*domain.Message, error)
	ListMessages(ctx context.Context, conversationID string, before *time.Time, limit int) ([]domain.Message, error)
	MarkRead(ctx context.Context, messageID, readerID string) (*domain.Message, error)

	// Lifecycle
	Ping(ctx context.Context) error
	Close() error
}

const (
	// DefaultPageSize is used when a caller passes a non-positive limit.
	DefaultPageSize = 50
	// MaxPageSize caps a single page of history.
	MaxPageSize = 200
)

// NormalizeLimit clamps a page size into [1, MaxPageSize].
func NormalizeLimit(limit int) int {
	if limit <= 0 {
		return DefaultPageSize
	}
	if limit > MaxPageSize {
		return MaxPageSize
	}
	return limit
}
