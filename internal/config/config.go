// Package config provides configuration for the messaging server and client.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
)

// Config holds the server configuration.
type Config struct {
	Env string `env:"APP_ENV" envDefault:"dev"`

	// Server settings
	HTTPPort int `env:"HTTP_PORT" envDefault:"8080"`

	// Database
	DatabaseDriver string `env:"DATABASE_DRIVER" envDefault:"sqlite3"`
	DatabaseURL    string `env:"DATABASE_URL" envDefault:"file:messaging.db?cache=shared&mode=rwc"`

	// Auth settings
	AuthSecret   string        `env:"AUTH_SECRET" envDefault:"dev-secret"`
	AuthTokenTTL time.Duration `env:"AUTH_TOKEN_TTL" envDefault:"24h"`

	// WebSocket settings
	PingInterval   time.Duration `env:"WS_PING_INTERVAL" envDefault:"30s"`
	WriteTimeout   time.Duration `env:"WS_WRITE_TIMEOUT" envDefault:"10s"`
	ReadTimeout    time.Duration `env:"WS_READ_TIMEOUT" envDefault:"60s"`
	MaxMessageSize int64         `env:"WS_MAX_MESSAGE_SIZE" envDefault:"65536"`

	// Cross-instance presence fan-out; empty keeps fan-out in-process.
	RedisURL string `env:"REDIS_URL"`

	// Message notifications; empty disables the Kafka producer.
	KafkaBrokers []string `env:"KAFKA_BROKERS" envSeparator:","`
	KafkaTopic   string   `env:"KAFKA_TOPIC" envDefault:"messaging.message_created"`

	// Attachment storage
	BlobDriver  string `env:"BLOB_DRIVER" envDefault:"local"`
	BlobDir     string `env:"BLOB_DIR" envDefault:"./data/files"`
	S3Endpoint  string `env:"S3_ENDPOINT"`
	S3AccessKey string `env:"S3_ACCESS_KEY"`
	S3SecretKey string `env:"S3_SECRET_KEY"`
	S3Bucket    string `env:"S3_BUCKET" envDefault:"attachments"`
	S3UseSSL    bool   `env:"S3_USE_SSL" envDefault:"false"`
	S3PublicURL string `env:"S3_PUBLIC_URL"`

	// Limits
	AttachmentMaxBytes int64 `env:"ATTACHMENT_MAX_BYTES" envDefault:"10485760"`
	MessageMaxChars    int   `env:"MESSAGE_MAX_CHARS" envDefault:"4000"`
}

// Load loads configuration from an optional .env file and the environment.
func Load() (*Config, error) {
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(); err != nil {
			return nil, fmt.Errorf("load .env: %w", err)
		}
	}
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.DatabaseDriver {
	case "sqlite3", "postgres":
	default:
		return fmt.Errorf("unsupported DATABASE_DRIVER: %s", c.DatabaseDriver)
	}
	switch c.BlobDriver {
	case "local", "s3":
	default:
		return fmt.Errorf("unsupported BLOB_DRIVER: %s", c.BlobDriver)
	}
	if c.AuthSecret == "" {
		return fmt.Errorf("AUTH_SECRET is required")
	}
	if c.Env != "dev" && c.Env != "local" && c.AuthSecret == "dev-secret" {
		return fmt.Errorf("AUTH_SECRET must be set outside dev")
	}
	return nil
}

// ClientConfig holds settings for the terminal client.
type ClientConfig struct {
	ServerURL string `env:"CHAT_SERVER_URL" envDefault:"http://localhost:8080"`
	Token     string `env:"CHAT_TOKEN"`
	Secret    string `env:"AUTH_SECRET" envDefault:"dev-secret"`

	TypingIdle          time.Duration `env:"CHAT_TYPING_IDLE" envDefault:"3s"`
	RemoteTypingTimeout time.Duration `env:"CHAT_REMOTE_TYPING_TIMEOUT" envDefault:"6s"`
	RequestTimeout      time.Duration `env:"CHAT_REQUEST_TIMEOUT" envDefault:"10s"`
}

// LoadClient loads the client configuration from the environment.
func LoadClient() (*ClientConfig, error) {
	cfg := &ClientConfig{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	return cfg, nil
}
