package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/allyhub/messaging/internal/domain"
	"github.com/allyhub/messaging/internal/obs"
)

// DefaultRedisPrefix namespaces presence channels in Redis.
const DefaultRedisPrefix = "presence:"

// RedisChannel fans events out across server instances. Publish goes to
// Redis only; Run relays every message Redis delivers into the local hub, so
// local subscribers see each event exactly once.
type RedisChannel struct {
	hub    *Hub
	client *redis.Client
	prefix string
	logger *slog.Logger
	ready  chan struct{}
	once   sync.Once

	retryInterval    time.Duration
	maxRetryInterval time.Duration
}

const (
	redisInitialRetryInterval = 500 * time.Millisecond
	redisMaxRetryInterval     = 30 * time.Second
)

// NewRedisChannel wraps hub with Redis fan-out.
func NewRedisChannel(hub *Hub, client *redis.Client, prefix string, logger *slog.Logger) *RedisChannel {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	if logger == nil {
		logger = obs.Discard()
	}
	return &RedisChannel{
		hub:    hub,
		client: client,
		prefix: prefix,
		logger: logger,
		ready:  make(chan struct{}),

		retryInterval:    redisInitialRetryInterval,
		maxRetryInterval: redisMaxRetryInterval,
	}
}

// NewRedisClient parses url (redis://...) into a client.
func NewRedisClient(url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	return redis.NewClient(opts), nil
}

// Publish sends ev to every instance subscribed to key.
func (r *RedisChannel) Publish(ctx context.Context, key string, ev domain.PresenceEvent) error {
	if err := ev.Validate(); err != nil {
		return err
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := r.client.Publish(ctx, r.prefix+key, data).Err(); err != nil {
		obs.RecordEventDropped("redis_publish")
		return fmt.Errorf("%w: %v", domain.ErrChannelUnavailable, err)
	}
	obs.RecordEventPublished(string(ev.Kind()))
	return nil
}

// Subscribe registers handler with the local hub.
func (r *RedisChannel) Subscribe(ctx context.Context, key string, handler Handler) (Subscription, error) {
	return r.hub.Subscribe(ctx, key, handler)
}

// Ready is closed once the Redis pattern subscription is active.
func (r *RedisChannel) Ready() <-chan struct{} {
	return r.ready
}

// Run relays Redis messages into the hub until ctx is cancelled. A failed
// subscription is retried with exponential backoff, so a Redis outage at
// startup only delays cross-instance fan-out.
func (r *RedisChannel) Run(ctx context.Context) error {
	backoff := r.retryInterval
	for attempt := 1; ; attempt++ {
		subscribed, err := r.relay(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if subscribed {
			attempt, backoff = 1, r.retryInterval
		}
		r.logger.Warn("redis presence relay interrupted, retrying",
			"attempt", attempt,
			"backoff", backoff,
			"error", err,
		)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		if next := backoff * 2; next <= r.maxRetryInterval {
			backoff = next
		} else {
			backoff = r.maxRetryInterval
		}
	}
}

// relay runs one pattern subscription. subscribed reports whether Redis
// accepted it before the session ended.
func (r *RedisChannel) relay(ctx context.Context) (subscribed bool, err error) {
	pubsub := r.client.PSubscribe(ctx, r.prefix+"*")
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		obs.RecordEventDropped("redis_subscribe")
		return false, fmt.Errorf("%w: subscribe: %v", domain.ErrChannelUnavailable, err)
	}
	r.once.Do(func() { close(r.ready) })
	r.logger.Info("redis presence relay started", "pattern", r.prefix+"*")

	messages := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return true, ctx.Err()
		case msg, ok := <-messages:
			if !ok {
				return true, fmt.Errorf("%w: subscription closed", domain.ErrChannelUnavailable)
			}
			var ev domain.PresenceEvent
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				obs.RecordEventDropped("decode")
				r.logger.Warn("dropping malformed presence event", "channel", msg.Channel, "error", err)
				continue
			}
			r.hub.relay(strings.TrimPrefix(msg.Channel, r.prefix), ev)
		}
	}
}

var _ Channel = (*RedisChannel)(nil)
