// Package ws provides the WebSocket presence gateway.
package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/allyhub/messaging/internal/domain"
	"github.com/allyhub/messaging/internal/obs"
	"github.com/allyhub/messaging/internal/presence"
	"github.com/allyhub/messaging/internal/protocol"
)

// Authorizer decides what an authenticated user may do on the channel.
type Authorizer interface {
	AuthorizeSubscribe(ctx context.Context, actorID, key string) error
	AuthorizePublish(ctx context.Context, actorID, key string, ev domain.PresenceEvent) (domain.PresenceEvent, error)
}

// TokenVerifier resolves a bearer token to a user id.
type TokenVerifier interface {
	Verify(token string) (string, error)
}

// Options holds connection timing parameters.
type Options struct {
	PingInterval   time.Duration
	WriteTimeout   time.Duration
	ReadTimeout    time.Duration
	MaxMessageSize int64
}

const (
	sendBuffer     = 256
	handlerTimeout = 10 * time.Second
)

// Server handles WebSocket connections.
type Server struct {
	opts     Options
	channel  presence.Channel
	authz    Authorizer
	tokens   TokenVerifier
	logger   *slog.Logger
	upgrader websocket.Upgrader

	// members tracks, per conversation channel, how many local connections
	// each user has subscribed. Counts are per instance: behind Redis fan-out
	// an offline event may be announced while the user is still connected to
	// another instance, so clients treat presence as best-effort.
	members map[string]map[string]int
	mu      sync.Mutex
}

// NewServer creates a new WebSocket server.
func NewServer(opts Options, channel presence.Channel, authz Authorizer, tokens TokenVerifier, logger *slog.Logger) *Server {
	if opts.PingInterval <= 0 {
		opts.PingInterval = 30 * time.Second
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = 60 * time.Second
	}
	if opts.MaxMessageSize <= 0 {
		opts.MaxMessageSize = 64 * 1024
	}
	if logger == nil {
		logger = obs.Discard()
	}
	return &Server{
		opts:    opts,
		channel: channel,
		authz:   authz,
		tokens:  tokens,
		logger:  logger,
		members: make(map[string]map[string]int),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				// Tokens, not cookies, authenticate the socket.
				return true
			},
		},
	}
}

// connection is one client socket.
type connection struct {
	id     string
	ws     *websocket.Conn
	send   chan []byte
	done   chan struct{}
	once   sync.Once
	userID string
	subs   map[string]presence.Subscription
	mu     sync.Mutex
}

func (c *connection) close() {
	c.once.Do(func() {
		close(c.done)
		c.ws.Close()
	})
}

// enqueue queues a frame without blocking; a full buffer drops it.
func (c *connection) enqueue(data []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- data:
		return true
	case <-c.done:
		return false
	default:
		return false
	}
}

func (c *connection) user() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

// HandleWebSocket handles WebSocket upgrade and connection lifecycle.
func (s *Server) HandleWebSocket(c echo.Context) error {
	ws, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		s.logger.Warn("failed to upgrade websocket", "error", err)
		return err
	}

	conn := &connection{
		id:   uuid.NewString(),
		ws:   ws,
		send: make(chan []byte, sendBuffer),
		done: make(chan struct{}),
		subs: make(map[string]presence.Subscription),
	}
	ws.SetReadLimit(s.opts.MaxMessageSize)
	obs.ActiveConnections.Inc()
	s.logger.Debug("connection opened", "connection_id", conn.id)

	go s.writePump(conn)
	go s.readPump(conn)

	return nil
}

// readPump reads frames from the connection and handles them in order.
func (s *Server) readPump(conn *connection) {
	defer s.teardown(conn)

	conn.ws.SetReadDeadline(time.Now().Add(s.opts.ReadTimeout))
	conn.ws.SetPongHandler(func(string) error {
		conn.ws.SetReadDeadline(time.Now().Add(s.opts.ReadTimeout))
		return nil
	})

	for {
		_, message, err := conn.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.logger.Warn("websocket read failed", "connection_id", conn.id, "error", err)
			}
			return
		}
		s.handleMessage(conn, message)
	}
}

// writePump writes queued frames and keeps the connection alive with pings.
func (s *Server) writePump(conn *connection) {
	ticker := time.NewTicker(s.opts.PingInterval)
	defer func() {
		ticker.Stop()
		conn.close()
	}()

	for {
		select {
		case <-conn.done:
			conn.ws.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout))
			conn.ws.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case message := <-conn.send:
			conn.ws.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout))
			if err := conn.ws.WriteMessage(websocket.TextMessage, message); err != nil {
				s.logger.Warn("failed to write frame", "connection_id", conn.id, "error", err)
				return
			}

		case <-ticker.C:
			conn.ws.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout))
			if err := conn.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// teardown releases every subscription of a closed connection and
// announces offline where this was the user's last connection.
func (s *Server) teardown(conn *connection) {
	conn.close()
	obs.ActiveConnections.Dec()

	conn.mu.Lock()
	subs := conn.subs
	conn.subs = map[string]presence.Subscription{}
	userID := conn.userID
	conn.mu.Unlock()

	for key, sub := range subs {
		sub.Unsubscribe()
		if s.leave(key, userID) {
			s.announce(key, userID, domain.Offline{})
		}
	}
	s.logger.Debug("connection closed", "connection_id", conn.id, "user_id", userID)
}

// handleMessage dispatches incoming frames to the appropriate handlers.
func (s *Server) handleMessage(conn *connection, data []byte) {
	var base protocol.BaseMessage
	if err := json.Unmarshal(data, &base); err != nil {
		s.sendError(conn, "", protocol.ErrorCodeInvalidMessage, "invalid JSON message")
		return
	}

	if base.Type != protocol.TypeHello && conn.user() == "" {
		s.sendError(conn, base.RequestID, protocol.ErrorCodeHelloRequired, "must send hello first")
		return
	}

	switch base.Type {
	case protocol.TypeHello:
		s.handleHello(conn, data)
	case protocol.TypeSubscribe:
		s.handleSubscribe(conn, data)
	case protocol.TypeUnsubscribe:
		s.handleUnsubscribe(conn, data)
	case protocol.TypePublish:
		s.handlePublish(conn, data)
	default:
		s.sendError(conn, base.RequestID, protocol.ErrorCodeInvalidMessage, "unknown message type: "+base.Type)
	}
}

// handleHello authenticates the connection.
func (s *Server) handleHello(conn *connection, data []byte) {
	var msg protocol.HelloMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.sendError(conn, "", protocol.ErrorCodeInvalidMessage, "invalid hello message")
		return
	}

	userID, err := s.tokens.Verify(msg.Token)
	if err != nil {
		s.sendError(conn, msg.RequestID, domain.CodeUnauthenticated, err.Error())
		return
	}

	conn.mu.Lock()
	current := conn.userID
	if current == "" {
		conn.userID = userID
	}
	conn.mu.Unlock()
	if current != "" && current != userID {
		s.sendError(conn, msg.RequestID, domain.CodePermission, "connection already authenticated as another user")
		return
	}

	s.sendJSON(conn, protocol.HelloAckMessage{
		BaseMessage: protocol.NewBase(protocol.TypeHelloAck, msg.RequestID),
		UserID:      userID,
	})
	s.logger.Info("hello handshake completed", "connection_id", conn.id, "user_id", userID)
}

// handleSubscribe registers the connection on a channel.
func (s *Server) handleSubscribe(conn *connection, data []byte) {
	var msg protocol.ChannelMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.sendError(conn, "", protocol.ErrorCodeInvalidMessage, "invalid subscribe message")
		return
	}
	userID := conn.user()

	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()

	if err := s.authz.AuthorizeSubscribe(ctx, userID, msg.Channel); err != nil {
		s.sendDomainError(conn, msg.RequestID, err)
		return
	}

	conn.mu.Lock()
	_, exists := conn.subs[msg.Channel]
	conn.mu.Unlock()
	if exists {
		s.sendJSON(conn, protocol.ChannelMessage{
			BaseMessage: protocol.NewBase(protocol.TypeSubscribed, msg.RequestID),
			Channel:     msg.Channel,
		})
		return
	}

	key := msg.Channel
	sub, err := s.channel.Subscribe(ctx, key, func(ev domain.PresenceEvent) {
		s.forward(conn, key, ev)
	})
	if err != nil {
		s.sendDomainError(conn, msg.RequestID, err)
		return
	}
	conn.mu.Lock()
	conn.subs[key] = sub
	conn.mu.Unlock()

	s.sendJSON(conn, protocol.ChannelMessage{
		BaseMessage: protocol.NewBase(protocol.TypeSubscribed, msg.RequestID),
		Channel:     key,
	})

	if kind, _, _ := presence.ParseKey(key); kind == "conversation" {
		first, others := s.join(key, userID)
		for _, other := range others {
			// Tell the newcomer who is already here.
			s.forward(conn, key, domain.NewEvent(conversationID(key), other, domain.Online{}))
		}
		if first {
			s.announce(key, userID, domain.Online{})
		}
	}
}

// handleUnsubscribe releases one subscription.
func (s *Server) handleUnsubscribe(conn *connection, data []byte) {
	var msg protocol.ChannelMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.sendError(conn, "", protocol.ErrorCodeInvalidMessage, "invalid unsubscribe message")
		return
	}

	conn.mu.Lock()
	sub, ok := conn.subs[msg.Channel]
	delete(conn.subs, msg.Channel)
	userID := conn.userID
	conn.mu.Unlock()

	if ok {
		sub.Unsubscribe()
		if kind, _, _ := presence.ParseKey(msg.Channel); kind == "conversation" && s.leave(msg.Channel, userID) {
			s.announce(msg.Channel, userID, domain.Offline{})
		}
	}
	s.sendJSON(conn, protocol.ChannelMessage{
		BaseMessage: protocol.NewBase(protocol.TypeUnsubscribed, msg.RequestID),
		Channel:     msg.Channel,
	})
}

// handlePublish forwards a client event after authorization. Successful
// publishes are not acknowledged.
func (s *Server) handlePublish(conn *connection, data []byte) {
	var msg protocol.PublishMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.sendError(conn, "", protocol.ErrorCodeInvalidMessage, "invalid publish message: "+err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()

	ev, err := s.authz.AuthorizePublish(ctx, conn.user(), msg.Channel, msg.Event)
	if err != nil {
		s.sendDomainError(conn, msg.RequestID, err)
		return
	}
	if err := s.channel.Publish(ctx, msg.Channel, ev); err != nil {
		s.logger.Warn("presence publish failed", "channel", msg.Channel, "kind", ev.Kind(), "error", err)
		s.sendDomainError(conn, msg.RequestID, err)
	}
}

// forward queues an event frame for the connection.
func (s *Server) forward(conn *connection, key string, ev domain.PresenceEvent) {
	data, err := json.Marshal(protocol.EventMessage{
		BaseMessage: protocol.NewBase(protocol.TypeEvent, ""),
		Channel:     key,
		Event:       ev,
	})
	if err != nil {
		s.logger.Error("failed to marshal event", "error", err)
		return
	}
	if !conn.enqueue(data) {
		obs.RecordEventDropped("connection_full")
	}
}

// announce publishes a server-originated presence event.
func (s *Server) announce(key, userID string, payload domain.EventPayload) {
	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()
	if err := s.channel.Publish(ctx, key, domain.NewEvent(conversationID(key), userID, payload)); err != nil {
		s.logger.Warn("presence announce failed", "channel", key, "kind", payload.Kind(), "error", err)
	}
}

func (s *Server) join(key, userID string) (first bool, others []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	users := s.members[key]
	if users == nil {
		users = make(map[string]int)
		s.members[key] = users
	}
	for other := range users {
		if other != userID {
			others = append(others, other)
		}
	}
	users[userID]++
	return users[userID] == 1, others
}

func (s *Server) leave(key, userID string) (last bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	users := s.members[key]
	if users == nil || users[userID] == 0 {
		return false
	}
	users[userID]--
	if users[userID] > 0 {
		return false
	}
	delete(users, userID)
	if len(users) == 0 {
		delete(s.members, key)
	}
	return true
}

func conversationID(key string) string {
	if kind, id, ok := presence.ParseKey(key); ok && kind == "conversation" {
		return id
	}
	return ""
}

func (s *Server) sendJSON(conn *connection, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		s.logger.Error("failed to marshal frame", "error", err)
		return
	}
	conn.enqueue(data)
}

// sendError sends an error frame to a connection.
func (s *Server) sendError(conn *connection, requestID, code, message string) {
	s.sendJSON(conn, protocol.ErrorMessage{
		BaseMessage: protocol.NewBase(protocol.TypeError, requestID),
		Code:        code,
		Message:     message,
	})
}

func (s *Server) sendDomainError(conn *connection, requestID string, err error) {
	s.sendError(conn, requestID, domain.ErrorCode(err), err.Error())
}
