package v1

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

// UploadAttachment stores the multipart "file" field and returns the upload
// handle to attach to a message.
// POST /v1/attachments
func (h *Handler) UploadAttachment(c echo.Context) error {
	file, err := c.FormFile("file")
	if err != nil {
		return badRequest(c, "multipart field \"file\" is required")
	}
	src, err := file.Open()
	if err != nil {
		return badRequest(c, "cannot read uploaded file")
	}
	defer src.Close()

	ref, err := h.service.UploadAttachment(c.Request().Context(), actor(c), file.Filename, src)
	if err != nil {
		return h.respondError(c, err)
	}
	return c.JSON(http.StatusCreated, ref)
}
