package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/allyhub/messaging/internal/domain"
	"github.com/allyhub/messaging/internal/obs"
	"github.com/allyhub/messaging/internal/presence"
	"github.com/allyhub/messaging/internal/protocol"
)

const (
	clientSendBuffer = 64
	clientWriteWait  = 10 * time.Second
)

// ChannelClient is a presence.Channel backed by the gateway WebSocket.
// Handlers run on the read goroutine, in arrival order.
type ChannelClient struct {
	url    string
	token  string
	logger *slog.Logger
	dialer *websocket.Dialer

	mu       sync.Mutex
	conn     *websocket.Conn
	send     chan []byte
	done     chan struct{}
	userID   string
	handlers map[string]map[*channelSubscription]presence.Handler
	pending  map[string]chan error
}

// NewChannelClient creates a client for the gateway at wsURL (ws://host/ws).
// An http(s) URL is converted to its ws(s) equivalent.
func NewChannelClient(wsURL, token string, logger *slog.Logger) *ChannelClient {
	if logger == nil {
		logger = obs.Discard()
	}
	return &ChannelClient{
		url:      WebSocketURL(wsURL),
		token:    token,
		logger:   logger,
		dialer:   websocket.DefaultDialer,
		handlers: make(map[string]map[*channelSubscription]presence.Handler),
		pending:  make(map[string]chan error),
	}
}

// WebSocketURL derives the gateway URL from a server base URL.
func WebSocketURL(base string) string {
	u := strings.TrimRight(base, "/")
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	if !strings.HasSuffix(u, "/ws") {
		u += "/ws"
	}
	return u
}

// Connect dials the gateway and authenticates.
func (c *ChannelClient) Connect(ctx context.Context) error {
	conn, _, err := c.dialer.DialContext(ctx, c.url, http.Header{})
	if err != nil {
		return fmt.Errorf("%w: dial: %v", domain.ErrChannelUnavailable, err)
	}

	hello := protocol.HelloMessage{
		BaseMessage: protocol.NewBase(protocol.TypeHello, uuid.NewString()),
		Token:       c.token,
	}
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetReadDeadline(deadline)
		conn.SetWriteDeadline(deadline)
	}
	if err := conn.WriteJSON(hello); err != nil {
		conn.Close()
		return fmt.Errorf("%w: send hello: %v", domain.ErrChannelUnavailable, err)
	}

	_, data, err := conn.ReadMessage()
	if err != nil {
		conn.Close()
		return fmt.Errorf("%w: read hello ack: %v", domain.ErrChannelUnavailable, err)
	}
	var base protocol.BaseMessage
	if err := json.Unmarshal(data, &base); err != nil {
		conn.Close()
		return fmt.Errorf("%w: decode hello ack: %v", domain.ErrChannelUnavailable, err)
	}
	if base.Type == protocol.TypeError {
		conn.Close()
		return decodeError(data)
	}
	var ack protocol.HelloAckMessage
	if base.Type != protocol.TypeHelloAck || json.Unmarshal(data, &ack) != nil {
		conn.Close()
		return fmt.Errorf("%w: unexpected frame %q", domain.ErrChannelUnavailable, base.Type)
	}
	conn.SetReadDeadline(time.Time{})
	conn.SetWriteDeadline(time.Time{})

	c.mu.Lock()
	c.conn = conn
	c.send = make(chan []byte, clientSendBuffer)
	c.done = make(chan struct{})
	c.userID = ack.UserID
	send, done := c.send, c.done
	c.mu.Unlock()

	go c.writeLoop(conn, send, done)
	go c.readLoop(conn, done)

	c.logger.Debug("presence channel connected", "user_id", ack.UserID)
	return nil
}

// UserID returns the id confirmed by the gateway, or "" before Connect.
func (c *ChannelClient) UserID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

// Disconnect closes the connection and drops all subscriptions.
func (c *ChannelClient) Disconnect() error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.shutdown(conn)
	return nil
}

// shutdown releases connection state once. Pending requests fail.
func (c *ChannelClient) shutdown(conn *websocket.Conn) {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	close(c.done)
	c.conn = nil
	c.handlers = make(map[string]map[*channelSubscription]presence.Handler)
	pending := c.pending
	c.pending = make(map[string]chan error)
	c.mu.Unlock()

	conn.Close()
	for _, ch := range pending {
		ch <- domain.ErrChannelUnavailable
	}
}

// Publish enqueues an event. It never blocks on the network.
func (c *ChannelClient) Publish(_ context.Context, key string, ev domain.PresenceEvent) error {
	frame := protocol.PublishMessage{
		BaseMessage: protocol.NewBase(protocol.TypePublish, uuid.NewString()),
		Channel:     key,
		Event:       ev,
	}
	return c.enqueue(frame)
}

// Subscribe registers handler for key. The first local subscription to a key
// waits for the gateway to confirm it.
func (c *ChannelClient) Subscribe(ctx context.Context, key string, handler presence.Handler) (presence.Subscription, error) {
	sub := &channelSubscription{client: c, key: key}

	c.mu.Lock()
	if c.conn == nil {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: not connected", domain.ErrChannelUnavailable)
	}
	set, exists := c.handlers[key]
	if !exists {
		set = make(map[*channelSubscription]presence.Handler)
		c.handlers[key] = set
	}
	set[sub] = handler
	if exists {
		c.mu.Unlock()
		return sub, nil
	}
	requestID := uuid.NewString()
	result := make(chan error, 1)
	c.pending[requestID] = result
	c.mu.Unlock()

	err := c.enqueue(protocol.ChannelMessage{
		BaseMessage: protocol.NewBase(protocol.TypeSubscribe, requestID),
		Channel:     key,
	})
	if err == nil {
		select {
		case err = <-result:
		case <-ctx.Done():
			err = ctx.Err()
		}
	}
	if err != nil {
		c.mu.Lock()
		delete(c.pending, requestID)
		c.mu.Unlock()
		sub.Unsubscribe()
		return nil, err
	}
	return sub, nil
}

func (c *ChannelClient) enqueue(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrValidation, err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return fmt.Errorf("%w: not connected", domain.ErrChannelUnavailable)
	}
	select {
	case c.send <- data:
		return nil
	default:
		return fmt.Errorf("%w: send buffer full", domain.ErrChannelUnavailable)
	}
}

func (c *ChannelClient) writeLoop(conn *websocket.Conn, send <-chan []byte, done <-chan struct{}) {
	for {
		select {
		case data := <-send:
			conn.SetWriteDeadline(time.Now().Add(clientWriteWait))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.logger.Debug("presence write failed", "error", err)
				c.shutdown(conn)
				return
			}
		case <-done:
			return
		}
	}
}

func (c *ChannelClient) readLoop(conn *websocket.Conn, done <-chan struct{}) {
	defer c.shutdown(conn)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-done:
			default:
				c.logger.Warn("presence channel lost", "error", err)
			}
			return
		}
		c.handleFrame(data)
	}
}

func (c *ChannelClient) handleFrame(data []byte) {
	var base protocol.BaseMessage
	if err := json.Unmarshal(data, &base); err != nil {
		c.logger.Debug("undecodable frame", "error", err)
		return
	}

	switch base.Type {
	case protocol.TypeEvent:
		var msg protocol.EventMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.logger.Debug("undecodable event", "error", err)
			return
		}
		for _, handler := range c.handlersFor(msg.Channel) {
			handler(msg.Event)
		}
	case protocol.TypeSubscribed:
		c.resolve(base.RequestID, nil)
	case protocol.TypeError:
		err := decodeError(data)
		if !c.resolve(base.RequestID, err) {
			c.logger.Debug("gateway rejected frame", "request_id", base.RequestID, "error", err)
		}
	case protocol.TypeUnsubscribed:
	default:
		c.logger.Debug("unexpected frame", "type", base.Type)
	}
}

func (c *ChannelClient) handlersFor(key string) []presence.Handler {
	c.mu.Lock()
	defer c.mu.Unlock()
	set := c.handlers[key]
	handlers := make([]presence.Handler, 0, len(set))
	for _, h := range set {
		handlers = append(handlers, h)
	}
	return handlers
}

func (c *ChannelClient) resolve(requestID string, err error) bool {
	c.mu.Lock()
	ch, ok := c.pending[requestID]
	delete(c.pending, requestID)
	c.mu.Unlock()
	if ok {
		ch <- err
	}
	return ok
}

func (c *ChannelClient) remove(sub *channelSubscription) {
	c.mu.Lock()
	set := c.handlers[sub.key]
	if _, ok := set[sub]; !ok {
		c.mu.Unlock()
		return
	}
	delete(set, sub)
	last := len(set) == 0
	if last {
		delete(c.handlers, sub.key)
	}
	c.mu.Unlock()

	if last {
		if err := c.enqueue(protocol.ChannelMessage{
			BaseMessage: protocol.NewBase(protocol.TypeUnsubscribe, uuid.NewString()),
			Channel:     sub.key,
		}); err != nil && !errors.Is(err, domain.ErrChannelUnavailable) {
			c.logger.Debug("unsubscribe failed", "channel", sub.key, "error", err)
		}
	}
}

// decodeError converts an error frame into a domain error.
func decodeError(data []byte) error {
	var msg protocol.ErrorMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrChannelUnavailable, err)
	}
	if sentinel := domain.ErrorFromCode(msg.Code); sentinel != nil {
		return fmt.Errorf("%w: %s", sentinel, msg.Message)
	}
	return fmt.Errorf("gateway error %s: %s", msg.Code, msg.Message)
}

type channelSubscription struct {
	client *ChannelClient
	key    string
	once   sync.Once
}

func (s *channelSubscription) Key() string { return s.key }

func (s *channelSubscription) Unsubscribe() {
	s.once.Do(func() { s.client.remove(s) })
}
