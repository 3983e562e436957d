// Package client talks to the messaging server: a REST client for the
// message store and a WebSocket client for the presence channel.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/allyhub/messaging/internal/domain"
)

// StoreClient is the REST client of the message store API. It acts as the
// user identified by its token.
type StoreClient struct {
	http *resty.Client
}

// NewStoreClient creates a client for baseURL (http://host:port).
func NewStoreClient(baseURL, token string, timeout time.Duration) *StoreClient {
	client := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetAuthToken(token).
		SetHeader("User-Agent", "messaging-chatcli/1.0")
	if timeout > 0 {
		client.SetTimeout(timeout)
	}
	return &StoreClient{http: client}
}

// do executes req and maps transport and API failures onto domain errors.
func (c *StoreClient) do(ctx context.Context, req *resty.Request, method, path string) error {
	var apiErr domain.ErrorResponse
	resp, err := req.SetContext(ctx).SetError(&apiErr).Execute(method, path)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
	}
	if !resp.IsError() {
		return nil
	}
	if sentinel := domain.ErrorFromCode(apiErr.Code); sentinel != nil {
		return fmt.Errorf("%w: %s", sentinel, apiErr.Error)
	}
	if resp.StatusCode() >= http.StatusInternalServerError {
		return fmt.Errorf("%w: status %d", domain.ErrStoreUnavailable, resp.StatusCode())
	}
	return fmt.Errorf("messaging api error (status %d): %s", resp.StatusCode(), resp.String())
}

// ListConversations lists the caller's conversations.
func (c *StoreClient) ListConversations(ctx context.Context, includeArchived bool) ([]domain.Conversation, error) {
	var result domain.ListConversationsResponse
	req := c.http.R().SetResult(&result)
	if includeArchived {
		req.SetQueryParam("archived", "true")
	}
	if err := c.do(ctx, req, resty.MethodGet, "/v1/conversations"); err != nil {
		return nil, err
	}
	return result.Conversations, nil
}

// OpenConversation returns the conversation with peerID, creating it.
func (c *StoreClient) OpenConversation(ctx context.Context, peerID string) (*domain.Conversation, error) {
	var conv domain.Conversation
	req := c.http.R().
		SetBody(domain.CreateConversationRequest{ParticipantID: peerID}).
		SetResult(&conv)
	if err := c.do(ctx, req, resty.MethodPost, "/v1/conversations"); err != nil {
		return nil, err
	}
	return &conv, nil
}

// GetConversation fetches one conversation.
func (c *StoreClient) GetConversation(ctx context.Context, conversationID string) (*domain.Conversation, error) {
	var conv domain.Conversation
	req := c.http.R().
		SetPathParam("conversation_id", conversationID).
		SetResult(&conv)
	if err := c.do(ctx, req, resty.MethodGet, "/v1/conversations/{conversation_id}"); err != nil {
		return nil, err
	}
	return &conv, nil
}

// ArchiveConversation archives a conversation.
func (c *StoreClient) ArchiveConversation(ctx context.Context, conversationID string) error {
	req := c.http.R().SetPathParam("conversation_id", conversationID)
	return c.do(ctx, req, resty.MethodPost, "/v1/conversations/{conversation_id}/archive")
}

// ListMessages fetches one page of history.
func (c *StoreClient) ListMessages(ctx context.Context, conversationID string, before *time.Time, limit int) (*domain.ListMessagesResponse, error) {
	var page domain.ListMessagesResponse
	req := c.http.R().
		SetPathParam("conversation_id", conversationID).
		SetResult(&page)
	if before != nil {
		req.SetQueryParam("before", strconv.FormatInt(before.UnixMicro(), 10))
	}
	if limit > 0 {
		req.SetQueryParam("limit", strconv.Itoa(limit))
	}
	if err := c.do(ctx, req, resty.MethodGet, "/v1/conversations/{conversation_id}/messages"); err != nil {
		return nil, err
	}
	return &page, nil
}

// SendMessage stores a message.
func (c *StoreClient) SendMessage(ctx context.Context, sendReq domain.SendMessageRequest) (*domain.Message, error) {
	var msg domain.Message
	req := c.http.R().SetBody(sendReq).SetResult(&msg)
	if err := c.do(ctx, req, resty.MethodPost, "/v1/messages"); err != nil {
		return nil, err
	}
	return &msg, nil
}

// MarkRead marks a message read by the caller.
func (c *StoreClient) MarkRead(ctx context.Context, messageID string) (*domain.Message, error) {
	var msg domain.Message
	req := c.http.R().
		SetPathParam("message_id", messageID).
		SetResult(&msg)
	if err := c.do(ctx, req, resty.MethodPost, "/v1/messages/{message_id}/read"); err != nil {
		return nil, err
	}
	return &msg, nil
}

// UploadAttachment uploads a file and returns its handle.
func (c *StoreClient) UploadAttachment(ctx context.Context, filename string, content io.Reader) (*domain.AttachmentRef, error) {
	if content == nil {
		return nil, errors.New("content is required")
	}
	var ref domain.AttachmentRef
	req := c.http.R().
		SetFileReader("file", filename, content).
		SetResult(&ref)
	if err := c.do(ctx, req, resty.MethodPost, "/v1/attachments"); err != nil {
		return nil, err
	}
	return &ref, nil
}
