package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/allyhub/messaging/internal/auth"
	"github.com/allyhub/messaging/internal/blob"
	"github.com/allyhub/messaging/internal/config"
	"github.com/allyhub/messaging/internal/notify"
	"github.com/allyhub/messaging/internal/obs"
	"github.com/allyhub/messaging/internal/policy"
	"github.com/allyhub/messaging/internal/presence"
	"github.com/allyhub/messaging/internal/repository"
	"github.com/allyhub/messaging/internal/service"
	httpserver "github.com/allyhub/messaging/internal/transport/http"
	"github.com/allyhub/messaging/internal/transport/ws"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	logger := obs.NewLogger(cfg.Env)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("messaging server failed", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("starting messaging server",
		"env", cfg.Env,
		"http_port", cfg.HTTPPort,
		"database_driver", cfg.DatabaseDriver,
		"blob_driver", cfg.BlobDriver,
	)

	// Initialize store
	store, err := repository.Open(cfg.DatabaseDriver, cfg.DatabaseURL, logger)
	if err != nil {
		return fmt.Errorf("initialize store: %w", err)
	}
	defer store.Close()

	// Initialize policy engine
	policyEngine, err := policy.NewDefaultEngine(ctx)
	if err != nil {
		return fmt.Errorf("initialize policy engine: %w", err)
	}

	// Initialize presence channel
	hub := presence.NewHub(logger)
	go hub.Run(ctx)
	var channel presence.Channel = hub
	if cfg.RedisURL != "" {
		redisClient, err := presence.NewRedisClient(cfg.RedisURL)
		if err != nil {
			return err
		}
		defer redisClient.Close()
		redisChannel := presence.NewRedisChannel(hub, redisClient, "", logger)
		go func() {
			if err := redisChannel.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("redis presence relay stopped", "error", err)
			}
		}()
		channel = redisChannel
		logger.Info("presence fan-out via redis")
	}

	// Initialize notifier
	var notifier notify.Notifier = notify.Noop{}
	if len(cfg.KafkaBrokers) > 0 {
		kafkaNotifier, err := notify.NewKafkaNotifier(cfg.KafkaBrokers, cfg.KafkaTopic, logger)
		if err != nil {
			return fmt.Errorf("initialize kafka notifier: %w", err)
		}
		notifier = kafkaNotifier
		logger.Info("message notifications via kafka", "topic", cfg.KafkaTopic)
	}
	defer notifier.Close()

	// Initialize attachment storage
	var uploader blob.Uploader
	var filesDir string
	switch cfg.BlobDriver {
	case "s3":
		uploader, err = blob.NewS3Uploader(blob.S3Options{
			Endpoint:  cfg.S3Endpoint,
			UseSSL:    cfg.S3UseSSL,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			Bucket:    cfg.S3Bucket,
			PublicURL: cfg.S3PublicURL,
		}, logger)
	default:
		var local *blob.LocalUploader
		local, err = blob.NewLocalUploader(cfg.BlobDir, blob.DefaultURLPrefix)
		if local != nil {
			uploader, filesDir = local, local.Dir()
		}
	}
	if err != nil {
		return fmt.Errorf("initialize attachment storage: %w", err)
	}
	attachments := blob.NewStore(uploader, cfg.AttachmentMaxBytes, logger)

	// Initialize service
	svc := service.New(store, policyEngine, channel, notifier, attachments, logger, cfg.MessageMaxChars)
	tokens := auth.NewTokens(cfg.AuthSecret, cfg.AuthTokenTTL)

	// Initialize WebSocket gateway and HTTP server
	gateway := ws.NewServer(ws.Options{
		PingInterval:   cfg.PingInterval,
		WriteTimeout:   cfg.WriteTimeout,
		ReadTimeout:    cfg.ReadTimeout,
		MaxMessageSize: cfg.MaxMessageSize,
	}, channel, svc, tokens, logger)
	server := httpserver.NewServer(svc, gateway, tokens, httpserver.Options{
		FilesDir:       filesDir,
		MaxUploadBytes: cfg.AttachmentMaxBytes,
	}, logger)

	errCh := make(chan error, 1)
	go func() {
		addr := fmt.Sprintf(":%d", cfg.HTTPPort)
		logger.Info("http server started", "addr", addr)
		if err := server.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Wait for interrupt signal
	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	}

	logger.Info("shutting down messaging server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to shutdown http server gracefully", "error", err)
	}
	logger.Info("messaging server stopped")
	return nil
}
