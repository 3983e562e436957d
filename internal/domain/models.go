// Package domain defines the core messaging models shared by the store,
// the presence channel and the conversation controller.
package domain

import (
	"strings"
	"time"
)

// Conversation is the durable thread between exactly two participants.
// ParticipantA always sorts before ParticipantB.
type Conversation struct {
	ID                 string     `json:"id"`
	ParticipantA       string     `json:"participant_a_id"`
	ParticipantB       string     `json:"participant_b_id"`
	LastMessagePreview string     `json:"last_message_preview"`
	LastMessageAt      *time.Time `json:"last_message_at,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	ArchivedAt         *time.Time `json:"archived_at,omitempty"`
	UnreadCount        int        `json:"unread_count"`
}

// HasParticipant reports whether userID is one of the two participants.
func (c *Conversation) HasParticipant(userID string) bool {
	return userID != "" && (c.ParticipantA == userID || c.ParticipantB == userID)
}

// Participants returns both participant ids.
func (c *Conversation) Participants() []string {
	return []string{c.ParticipantA, c.ParticipantB}
}

// Peer returns the other participant, or "" if userID is not a participant.
func (c *Conversation) Peer(userID string) string {
	switch userID {
	case c.ParticipantA:
		return c.ParticipantB
	case c.ParticipantB:
		return c.ParticipantA
	}
	return ""
}

// Archived reports whether the conversation is hidden from the default list.
func (c *Conversation) Archived() bool {
	return c.ArchivedAt != nil
}

// Message belongs to exactly one conversation. Everything except ReadAt is
// immutable once stored.
type Message struct {
	ID             string      `json:"id"`
	ConversationID string      `json:"conversation_id"`
	SenderID       string      `json:"sender_id"`
	Content        string      `json:"content"`
	CreatedAt      time.Time   `json:"created_at"`
	ReadAt         *time.Time  `json:"read_at,omitempty"`
	Attachment     *Attachment `json:"attachment,omitempty"`
}

// IsRead reports whether the recipient has viewed the message.
func (m *Message) IsRead() bool {
	return m.ReadAt != nil
}

// Attachment is created together with its message and never changes.
type Attachment struct {
	ID          string         `json:"id"`
	MessageID   string         `json:"message_id"`
	Kind        AttachmentKind `json:"kind"`
	Filename    string         `json:"filename"`
	SizeBytes   int64          `json:"size_bytes"`
	StoragePath string         `json:"storage_path"`
}

// AttachmentRef is the upload handle returned by attachment storage and
// passed along when creating a message.
type AttachmentRef struct {
	Kind        AttachmentKind `json:"kind"`
	Filename    string         `json:"filename"`
	SizeBytes   int64          `json:"size_bytes"`
	StoragePath string         `json:"storage_path"`
}

// Empty reports whether the reference points at nothing.
func (r *AttachmentRef) Empty() bool {
	return r == nil || strings.TrimSpace(r.StoragePath) == ""
}

// NormalizePair orders two participant ids so an unordered pair has a single
// stored representation.
func NormalizePair(a, b string) (string, string) {
	a, b = strings.TrimSpace(a), strings.TrimSpace(b)
	if b < a {
		return b, a
	}
	return a, b
}

// PreviewLimit is the maximum preview length in runes.
const PreviewLimit = 120

// Preview builds the conversation list preview for a message.
func Preview(content string, att *AttachmentRef) string {
	runes := []rune(strings.TrimSpace(content))
	if len(runes) > 0 {
		if len(runes) > PreviewLimit {
			return string(runes[:PreviewLimit])
		}
		return string(runes)
	}
	if att.Empty() {
		return ""
	}
	return "[" + string(att.Kind) + "] " + att.Filename
}
