package ws

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/allyhub/messaging/internal/auth"
	"github.com/allyhub/messaging/internal/domain"
	"github.com/allyhub/messaging/internal/policy"
	"github.com/allyhub/messaging/internal/presence"
	"github.com/allyhub/messaging/internal/protocol"
	"github.com/allyhub/messaging/internal/repository/repotest"
	"github.com/allyhub/messaging/internal/service"
)

type gatewayFixture struct {
	url    string
	tokens *auth.Tokens
	svc    *service.Service
}

func newGatewayFixture(t *testing.T) *gatewayFixture {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	engine, err := policy.NewDefaultEngine(ctx)
	require.NoError(t, err)
	hub := presence.NewHub(nil)
	go hub.Run(ctx)

	svc := service.New(repotest.NewSQLiteStore(t), engine, hub, nil, nil, nil, 0)
	tokens := auth.NewTokens("test-secret", time.Hour)
	gateway := NewServer(Options{}, hub, svc, tokens, nil)

	e := echo.New()
	e.GET("/ws", gateway.HandleWebSocket)
	srv := httptest.NewServer(e)
	t.Cleanup(srv.Close)

	return &gatewayFixture{
		url:    "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws",
		tokens: tokens,
		svc:    svc,
	}
}

type testClient struct {
	t  *testing.T
	ws *websocket.Conn
}

func (f *gatewayFixture) dial(t *testing.T) *testClient {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(f.url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	return &testClient{t: t, ws: ws}
}

func (f *gatewayFixture) login(t *testing.T, userID string) *testClient {
	t.Helper()
	c := f.dial(t)
	token, err := f.tokens.Issue(userID)
	require.NoError(t, err)
	c.send(protocol.HelloMessage{BaseMessage: protocol.NewBase(protocol.TypeHello, "h1"), Token: token})
	var ack protocol.HelloAckMessage
	c.expect(protocol.TypeHelloAck, &ack)
	require.Equal(t, userID, ack.UserID)
	return c
}

func (c *testClient) send(v interface{}) {
	c.t.Helper()
	require.NoError(c.t, c.ws.WriteJSON(v))
}

// expect reads frames until one of frameType arrives, skipping others.
func (c *testClient) expect(frameType string, into interface{}) {
	c.t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		require.NoError(c.t, c.ws.SetReadDeadline(deadline))
		_, data, err := c.ws.ReadMessage()
		require.NoError(c.t, err, "waiting for %s", frameType)
		var base protocol.BaseMessage
		require.NoError(c.t, json.Unmarshal(data, &base))
		if base.Type == frameType {
			if into != nil {
				require.NoError(c.t, json.Unmarshal(data, into))
			}
			return
		}
	}
}

// expectEvent reads until an event of kind arrives.
func (c *testClient) expectEvent(kind domain.EventKind) protocol.EventMessage {
	c.t.Helper()
	for {
		var ev protocol.EventMessage
		c.expect(protocol.TypeEvent, &ev)
		if ev.Event.Kind() == kind {
			return ev
		}
	}
}

func (c *testClient) subscribe(channel string) {
	c.t.Helper()
	c.send(protocol.ChannelMessage{BaseMessage: protocol.NewBase(protocol.TypeSubscribe, "s-"+channel), Channel: channel})
	c.expect(protocol.TypeSubscribed, nil)
}

func TestHelloRequired(t *testing.T) {
	f := newGatewayFixture(t)
	c := f.dial(t)

	c.send(protocol.ChannelMessage{BaseMessage: protocol.NewBase(protocol.TypeSubscribe, "r1"), Channel: presence.UserKey("alice")})
	var errMsg protocol.ErrorMessage
	c.expect(protocol.TypeError, &errMsg)
	assert.Equal(t, protocol.ErrorCodeHelloRequired, errMsg.Code)
	assert.Equal(t, "r1", errMsg.RequestID)

	c.send(protocol.HelloMessage{BaseMessage: protocol.NewBase(protocol.TypeHello, "r2"), Token: "bogus"})
	c.expect(protocol.TypeError, &errMsg)
	assert.Equal(t, domain.CodeUnauthenticated, errMsg.Code)
}

func TestTypingIsRelayedWithServerActor(t *testing.T) {
	f := newGatewayFixture(t)
	conv, err := f.svc.OpenConversation(context.Background(), "alice", "bob")
	require.NoError(t, err)
	key := presence.ConversationKey(conv.ID)

	alice := f.login(t, "alice")
	bob := f.login(t, "bob")
	bob.subscribe(key)
	alice.subscribe(key)
	bob.expectEvent(domain.EventOnline)

	alice.send(protocol.PublishMessage{
		BaseMessage: protocol.NewBase(protocol.TypePublish, "p1"),
		Channel:     key,
		Event:       domain.PresenceEvent{ConversationID: conv.ID, ActorID: "bob", Payload: domain.TypingStart{}},
	})

	ev := bob.expectEvent(domain.EventTypingStart)
	assert.Equal(t, key, ev.Channel)
	assert.Equal(t, "alice", ev.Event.ActorID, "actor comes from the token, not the payload")
}

func TestOutsiderCannotSubscribeOrPublish(t *testing.T) {
	f := newGatewayFixture(t)
	conv, err := f.svc.OpenConversation(context.Background(), "alice", "bob")
	require.NoError(t, err)
	key := presence.ConversationKey(conv.ID)

	mallory := f.login(t, "mallory")
	mallory.send(protocol.ChannelMessage{BaseMessage: protocol.NewBase(protocol.TypeSubscribe, "s1"), Channel: key})
	var errMsg protocol.ErrorMessage
	mallory.expect(protocol.TypeError, &errMsg)
	assert.Equal(t, domain.CodePermission, errMsg.Code)

	mallory.send(protocol.PublishMessage{
		BaseMessage: protocol.NewBase(protocol.TypePublish, "p1"),
		Channel:     key,
		Event:       domain.PresenceEvent{Payload: domain.TypingStart{}},
	})
	mallory.expect(protocol.TypeError, &errMsg)
	assert.Equal(t, domain.CodePermission, errMsg.Code)
}

func TestServerOnlyKindsAreRejected(t *testing.T) {
	f := newGatewayFixture(t)
	conv, err := f.svc.OpenConversation(context.Background(), "alice", "bob")
	require.NoError(t, err)

	alice := f.login(t, "alice")
	alice.send(protocol.PublishMessage{
		BaseMessage: protocol.NewBase(protocol.TypePublish, "p1"),
		Channel:     presence.ConversationKey(conv.ID),
		Event:       domain.PresenceEvent{Payload: domain.Offline{}},
	})
	var errMsg protocol.ErrorMessage
	alice.expect(protocol.TypeError, &errMsg)
	assert.Equal(t, domain.CodePermission, errMsg.Code)
	assert.Equal(t, "p1", errMsg.RequestID)
}

func TestOfflineOnDisconnect(t *testing.T) {
	f := newGatewayFixture(t)
	conv, err := f.svc.OpenConversation(context.Background(), "alice", "bob")
	require.NoError(t, err)
	key := presence.ConversationKey(conv.ID)

	bob := f.login(t, "bob")
	bob.subscribe(key)

	alice := f.login(t, "alice")
	alice.subscribe(key)
	// The newcomer learns that bob is already present.
	online := alice.expectEvent(domain.EventOnline)
	assert.Equal(t, "bob", online.Event.ActorID)

	bob.expectEvent(domain.EventOnline)
	require.NoError(t, alice.ws.Close())

	offline := bob.expectEvent(domain.EventOffline)
	assert.Equal(t, "alice", offline.Event.ActorID)
	assert.Equal(t, conv.ID, offline.Event.ConversationID)
}

func TestPersonalChannelReceivesNewMessageBadge(t *testing.T) {
	f := newGatewayFixture(t)
	bob := f.login(t, "bob")
	bob.subscribe(presence.UserKey("bob"))

	msg, err := f.svc.SendMessage(context.Background(), "alice", domain.SendMessageRequest{RecipientID: "bob", Content: "Hola"})
	require.NoError(t, err)

	ev := bob.expectEvent(domain.EventNewMessage)
	badge := ev.Event.Payload.(domain.NewMessage)
	assert.Equal(t, msg.ID, badge.MessageID)
	assert.Equal(t, "alice", badge.SenderID)
}
