package v1

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/allyhub/messaging/internal/domain"
)

// ListMessages returns one page of a conversation's history.
// GET /v1/conversations/:conversation_id/messages?before=<unix µs>&limit=n
func (h *Handler) ListMessages(c echo.Context) error {
	limit := 0
	if l := c.QueryParam("limit"); l != "" {
		val, err := strconv.Atoi(l)
		if err != nil {
			return badRequest(c, "limit must be an integer")
		}
		limit = val
	}
	var before int64
	if b := c.QueryParam("before"); b != "" {
		val, err := strconv.ParseInt(b, 10, 64)
		if err != nil {
			return badRequest(c, "before must be a unix microsecond timestamp")
		}
		before = val
	}

	resp, err := h.service.ListMessages(c.Request().Context(), actor(c), c.Param("conversation_id"), domain.Cursor(before), limit)
	if err != nil {
		return h.respondError(c, err)
	}
	return c.JSON(http.StatusOK, resp)
}

// SendConversationMessage stores a message in an existing conversation.
// POST /v1/conversations/:conversation_id/messages
func (h *Handler) SendConversationMessage(c echo.Context) error {
	var req domain.SendMessageRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	req.ConversationID = c.Param("conversation_id")
	req.RecipientID = ""
	return h.send(c, req)
}

// SendMessage stores a message, creating the conversation on first exchange.
// POST /v1/messages
func (h *Handler) SendMessage(c echo.Context) error {
	var req domain.SendMessageRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	return h.send(c, req)
}

func (h *Handler) send(c echo.Context, req domain.SendMessageRequest) error {
	if err := c.Validate(&req); err != nil {
		return badRequest(c, err.Error())
	}
	msg, err := h.service.SendMessage(c.Request().Context(), actor(c), req)
	if err != nil {
		return h.respondError(c, err)
	}
	return c.JSON(http.StatusCreated, msg)
}

// MarkRead marks a message read by the caller.
// POST /v1/messages/:message_id/read
func (h *Handler) MarkRead(c echo.Context) error {
	msg, err := h.service.MarkRead(c.Request().Context(), actor(c), c.Param("message_id"))
	if err != nil {
		return h.respondError(c, err)
	}
	return c.JSON(http.StatusOK, msg)
}
