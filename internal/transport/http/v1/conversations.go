package v1

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/allyhub/messaging/internal/domain"
)

// ListConversations lists the caller's conversations.
// GET /v1/conversations?archived=true
func (h *Handler) ListConversations(c echo.Context) error {
	includeArchived, _ := strconv.ParseBool(c.QueryParam("archived"))

	conversations, err := h.service.ListConversations(c.Request().Context(), actor(c), includeArchived)
	if err != nil {
		return h.respondError(c, err)
	}
	return c.JSON(http.StatusOK, domain.ListConversationsResponse{Conversations: conversations})
}

// CreateConversation returns the conversation with a peer, creating it if needed.
// POST /v1/conversations
func (h *Handler) CreateConversation(c echo.Context) error {
	var req domain.CreateConversationRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if err := c.Validate(&req); err != nil {
		return badRequest(c, err.Error())
	}

	conv, err := h.service.OpenConversation(c.Request().Context(), actor(c), req.ParticipantID)
	if err != nil {
		return h.respondError(c, err)
	}
	return c.JSON(http.StatusOK, conv)
}

// GetConversation returns one conversation.
// GET /v1/conversations/:conversation_id
func (h *Handler) GetConversation(c echo.Context) error {
	conv, err := h.service.GetConversation(c.Request().Context(), actor(c), c.Param("conversation_id"))
	if err != nil {
		return h.respondError(c, err)
	}
	return c.JSON(http.StatusOK, conv)
}

// ArchiveConversation hides a conversation until its next message.
// POST /v1/conversations/:conversation_id/archive
func (h *Handler) ArchiveConversation(c echo.Context) error {
	if err := h.service.ArchiveConversation(c.Request().Context(), actor(c), c.Param("conversation_id")); err != nil {
		return h.respondError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}
