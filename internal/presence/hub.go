package presence

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/allyhub/messaging/internal/domain"
	"github.com/allyhub/messaging/internal/obs"
)

const (
	subscriberBuffer = 256
	broadcastBuffer  = 1024
)

// subscriber is one registered handler with its own delivery goroutine.
type subscriber struct {
	id      string
	key     string
	handler Handler
	send    chan domain.PresenceEvent
	hub     *Hub
	closed  atomic.Bool
	once    sync.Once
}

func (s *subscriber) Key() string { return s.key }

// Unsubscribe removes the subscriber from the hub. Events still queued for
// it are discarded.
func (s *subscriber) Unsubscribe() {
	s.once.Do(func() {
		s.closed.Store(true)
		s.hub.unregisterSub(s)
	})
}

func (s *subscriber) deliver() {
	for ev := range s.send {
		if s.closed.Load() {
			continue
		}
		s.handler(ev)
	}
}

type keyedEvent struct {
	key string
	ev  domain.PresenceEvent
}

// Hub is the in-process presence channel. Run must be running for Publish
// and Subscribe to make progress.
type Hub struct {
	// Subscribers indexed by channel key, then by subscriber ID
	channels map[string]map[string]*subscriber

	register   chan *subscriber
	unregister chan *subscriber
	broadcast  chan keyedEvent

	done   chan struct{}
	once   sync.Once
	logger *slog.Logger
	mu     sync.RWMutex
}

// NewHub creates a new Hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = obs.Discard()
	}
	return &Hub{
		channels:   make(map[string]map[string]*subscriber),
		register:   make(chan *subscriber),
		unregister: make(chan *subscriber),
		broadcast:  make(chan keyedEvent, broadcastBuffer),
		done:       make(chan struct{}),
		logger:     logger,
	}
}

// Run starts the hub's main loop and returns when ctx is cancelled. All
// remaining subscriptions are closed on return.
func (h *Hub) Run(ctx context.Context) {
	defer h.shutdown()
	for {
		select {
		case <-ctx.Done():
			return

		case sub := <-h.register:
			h.mu.Lock()
			if h.channels[sub.key] == nil {
				h.channels[sub.key] = make(map[string]*subscriber)
			}
			h.channels[sub.key][sub.id] = sub
			h.mu.Unlock()
			obs.ActiveSubscriptions.Inc()
			h.logger.Debug("subscription registered", "key", sub.key, "subscription_id", sub.id)

		case sub := <-h.unregister:
			h.remove(sub)

		case msg := <-h.broadcast:
			h.fanOut(msg)
		}
	}
}

func (h *Hub) remove(sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	subs, ok := h.channels[sub.key]
	if !ok {
		return
	}
	if _, exists := subs[sub.id]; !exists {
		return
	}
	delete(subs, sub.id)
	if len(subs) == 0 {
		delete(h.channels, sub.key)
	}
	close(sub.send)
	obs.ActiveSubscriptions.Dec()
	h.logger.Debug("subscription removed", "key", sub.key, "subscription_id", sub.id)
}

func (h *Hub) fanOut(msg keyedEvent) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for id, sub := range h.channels[msg.key] {
		select {
		case sub.send <- msg.ev:
		default:
			// Slow subscriber: drop rather than block everyone else.
			obs.RecordEventDropped("subscriber_full")
			h.logger.Warn("subscriber buffer full, dropping event", "key", msg.key, "subscription_id", id, "kind", msg.ev.Kind())
		}
	}
}

func (h *Hub) shutdown() {
	h.once.Do(func() { close(h.done) })
	h.mu.Lock()
	defer h.mu.Unlock()
	for key, subs := range h.channels {
		for _, sub := range subs {
			sub.closed.Store(true)
			close(sub.send)
			obs.ActiveSubscriptions.Dec()
		}
		delete(h.channels, key)
	}
}

// Publish queues ev for every local subscriber of key.
func (h *Hub) Publish(ctx context.Context, key string, ev domain.PresenceEvent) error {
	if err := ev.Validate(); err != nil {
		return err
	}
	select {
	case <-h.done:
		obs.RecordEventDropped("hub_closed")
		return fmt.Errorf("%w: hub stopped", domain.ErrChannelUnavailable)
	default:
	}
	select {
	case h.broadcast <- keyedEvent{key: key, ev: ev}:
		obs.RecordEventPublished(string(ev.Kind()))
		return nil
	default:
		obs.RecordEventDropped("hub_full")
		return fmt.Errorf("%w: broadcast queue full", domain.ErrChannelUnavailable)
	}
}

// relay queues an event received from another instance for local
// subscribers only.
func (h *Hub) relay(key string, ev domain.PresenceEvent) {
	select {
	case h.broadcast <- keyedEvent{key: key, ev: ev}:
	case <-h.done:
	default:
		obs.RecordEventDropped("hub_full")
	}
}

// Subscribe registers handler for key until the returned subscription is
// cancelled or the hub stops.
func (h *Hub) Subscribe(ctx context.Context, key string, handler Handler) (Subscription, error) {
	if _, _, ok := ParseKey(key); !ok {
		return nil, fmt.Errorf("%w: invalid channel key %q", domain.ErrValidation, key)
	}
	sub := &subscriber{
		id:      uuid.NewString(),
		key:     key,
		handler: handler,
		send:    make(chan domain.PresenceEvent, subscriberBuffer),
		hub:     h,
	}
	select {
	case h.register <- sub:
	case <-h.done:
		return nil, fmt.Errorf("%w: hub stopped", domain.ErrChannelUnavailable)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	go sub.deliver()
	return sub, nil
}

func (h *Hub) unregisterSub(sub *subscriber) {
	select {
	case h.unregister <- sub:
	case <-h.done:
	}
}

// SubscriberCount returns the number of subscribers of key.
func (h *Hub) SubscriberCount(key string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.channels[key])
}

var _ Channel = (*Hub)(nil)
