package v1

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/allyhub/messaging/internal/domain"
)

const userIDKey = "user_id"

// TokenVerifier resolves a bearer token to a user id.
type TokenVerifier interface {
	Verify(token string) (string, error)
}

// Authenticate rejects requests without a valid bearer token and stores the
// caller's id on the context.
func Authenticate(tokens TokenVerifier) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			userID, err := tokens.Verify(c.Request().Header.Get(echo.HeaderAuthorization))
			if err != nil {
				return c.JSON(http.StatusUnauthorized, domain.ErrorResponse{Error: err.Error(), Code: domain.CodeUnauthenticated})
			}
			c.Set(userIDKey, userID)
			return next(c)
		}
	}
}

// actor returns the authenticated caller.
func actor(c echo.Context) string {
	id, _ := c.Get(userIDKey).(string)
	return id
}
