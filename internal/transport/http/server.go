// Package http provides the HTTP server of the messaging service.
package http

import (
	"fmt"
	"log/slog"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/allyhub/messaging/internal/blob"
	"github.com/allyhub/messaging/internal/obs"
	"github.com/allyhub/messaging/internal/service"
	v1 "github.com/allyhub/messaging/internal/transport/http/v1"
	"github.com/allyhub/messaging/internal/transport/ws"
)

// Options configures NewServer.
type Options struct {
	// FilesDir is served under /files when attachments are stored locally.
	FilesDir string
	// MaxUploadBytes bounds attachment uploads.
	MaxUploadBytes int64
}

// NewServer creates and configures the HTTP server: REST API, WebSocket
// gateway, metrics and local attachment files.
func NewServer(svc *service.Service, gateway *ws.Server, tokens v1.TokenVerifier, opts Options, logger *slog.Logger) *echo.Echo {
	if logger == nil {
		logger = obs.Discard()
	}
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Validator = v1.NewValidator()

	// Middleware
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogStatus:    true,
		LogURI:       true,
		LogMethod:    true,
		LogLatency:   true,
		LogError:     true,
		HandleError:  true,
		LogRequestID: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			attrs := []any{
				"method", v.Method,
				"uri", v.URI,
				"status", v.Status,
				"latency", v.Latency,
			}
			if v.Error != nil {
				logger.Error("request failed", append(attrs, "error", v.Error)...)
				return nil
			}
			logger.Info("request", attrs...)
			return nil
		},
	}))
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())

	// Handlers
	v1Handler := v1.NewHandler(svc, logger)
	var uploadLimit echo.MiddlewareFunc
	if opts.MaxUploadBytes > 0 {
		// Leave room for multipart framing.
		uploadLimit = middleware.BodyLimit(fmt.Sprintf("%dK", opts.MaxUploadBytes/1024+64))
	}

	// Register Routes
	v1Handler.RegisterRoutes(e, v1.Authenticate(tokens), uploadLimit)
	e.GET("/ws", gateway.HandleWebSocket)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	if opts.FilesDir != "" {
		e.Group(blob.DefaultURLPrefix, v1.Authenticate(tokens)).Static("/", opts.FilesDir)
	}

	return e
}
