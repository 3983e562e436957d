// Package v1 provides the /v1 REST handlers of the message store API.
package v1

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/allyhub/messaging/internal/domain"
	"github.com/allyhub/messaging/internal/obs"
	"github.com/allyhub/messaging/internal/service"
)

// Handler handles HTTP requests.
type Handler struct {
	service *service.Service
	logger  *slog.Logger
}

// NewHandler creates a new handler.
func NewHandler(service *service.Service, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = obs.Discard()
	}
	return &Handler{
		service: service,
		logger:  logger,
	}
}

// RegisterRoutes registers the API routes. auth guards everything except
// health checks.
func (h *Handler) RegisterRoutes(e *echo.Echo, auth echo.MiddlewareFunc, uploadLimit echo.MiddlewareFunc) {
	e.GET("/health", h.Health)

	g := e.Group("/v1", auth)

	// Conversations
	g.GET("/conversations", h.ListConversations)
	g.POST("/conversations", h.CreateConversation)
	g.GET("/conversations/:conversation_id", h.GetConversation)
	g.POST("/conversations/:conversation_id/archive", h.ArchiveConversation)

	// Messages
	g.GET("/conversations/:conversation_id/messages", h.ListMessages)
	g.POST("/conversations/:conversation_id/messages", h.SendConversationMessage)
	g.POST("/messages", h.SendMessage)
	g.POST("/messages/:message_id/read", h.MarkRead)

	// Attachments
	if uploadLimit != nil {
		g.POST("/attachments", h.UploadAttachment, uploadLimit)
	} else {
		g.POST("/attachments", h.UploadAttachment)
	}
}

// Health returns health status.
func (h *Handler) Health(c echo.Context) error {
	if err := h.service.Health(c.Request().Context()); err != nil {
		return c.JSON(http.StatusServiceUnavailable, map[string]string{
			"status": "unhealthy",
			"error":  err.Error(),
		})
	}
	return c.JSON(http.StatusOK, map[string]string{
		"status": "healthy",
	})
}

// StatusOf maps an error to its HTTP status.
func StatusOf(err error) int {
	switch {
	case errors.Is(err, domain.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrUnauthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, domain.ErrPermission):
		return http.StatusForbidden
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrStoreUnavailable), errors.Is(err, domain.ErrChannelUnavailable),
		errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// respondError writes the error body for err.
func (h *Handler) respondError(c echo.Context, err error) error {
	status := StatusOf(err)
	message := err.Error()
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed",
			"method", c.Request().Method,
			"path", c.Path(),
			"error", err,
		)
		message = "internal error"
	}
	return c.JSON(status, domain.ErrorResponse{Error: message, Code: domain.ErrorCode(err)})
}

func badRequest(c echo.Context, message string) error {
	return c.JSON(http.StatusBadRequest, domain.ErrorResponse{Error: message, Code: domain.CodeValidation})
}
