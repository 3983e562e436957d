package domain

import "time"

// SendMessageRequest creates a message. Either ConversationID or RecipientID
// must be set; RecipientID creates the conversation on first exchange. The
// content length limit is configured on the service.
type SendMessageRequest struct {
	ConversationID string         `json:"conversation_id,omitempty"`
	RecipientID    string         `json:"recipient_id,omitempty"`
	Content        string         `json:"content"`
	Attachment     *AttachmentRef `json:"attachment,omitempty"`
}

// CreateConversationRequest opens (or returns) the conversation with a peer.
type CreateConversationRequest struct {
	ParticipantID string `json:"participant_id" validate:"required"`
}

// ListMessagesResponse is one page of history in ascending order.
// NextBefore is the cursor for the previous page.
type ListMessagesResponse struct {
	Messages   []Message `json:"messages"`
	NextBefore int64     `json:"next_before,omitempty"` // Unix microseconds
	HasMore    bool      `json:"has_more"`
}

// ListConversationsResponse lists a user's conversations, newest activity first.
type ListConversationsResponse struct {
	Conversations []Conversation `json:"conversations"`
}

// ErrorResponse is the REST error body.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// Cursor converts a unix-microsecond cursor value to a time, or nil for zero.
func Cursor(micros int64) *time.Time {
	if micros <= 0 {
		return nil
	}
	t := time.UnixMicro(micros)
	return &t
}
