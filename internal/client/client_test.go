package client

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/allyhub/messaging/internal/auth"
	"github.com/allyhub/messaging/internal/blob"
	"github.com/allyhub/messaging/internal/domain"
	"github.com/allyhub/messaging/internal/policy"
	"github.com/allyhub/messaging/internal/presence"
	"github.com/allyhub/messaging/internal/repository/repotest"
	"github.com/allyhub/messaging/internal/service"
	httpserver "github.com/allyhub/messaging/internal/transport/http"
	"github.com/allyhub/messaging/internal/transport/ws"
)

type serverFixture struct {
	url    string
	tokens *auth.Tokens
	srv    *httptest.Server
}

func newServerFixture(t *testing.T) *serverFixture {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	engine, err := policy.NewDefaultEngine(ctx)
	require.NoError(t, err)
	hub := presence.NewHub(nil)
	go hub.Run(ctx)

	dir := t.TempDir()
	uploader, err := blob.NewLocalUploader(dir, "")
	require.NoError(t, err)

	svc := service.New(repotest.NewSQLiteStore(t), engine, hub, nil, blob.NewStore(uploader, 1<<20, nil), nil, 0)
	tokens := auth.NewTokens("test-secret", time.Hour)
	gateway := ws.NewServer(ws.Options{}, hub, svc, tokens, nil)
	e := httpserver.NewServer(svc, gateway, tokens, httpserver.Options{FilesDir: dir, MaxUploadBytes: 1 << 20}, nil)

	srv := httptest.NewServer(e)
	t.Cleanup(srv.Close)
	return &serverFixture{url: srv.URL, tokens: tokens, srv: srv}
}

func (f *serverFixture) token(t *testing.T, userID string) string {
	t.Helper()
	token, err := f.tokens.Issue(userID)
	require.NoError(t, err)
	return token
}

func (f *serverFixture) store(t *testing.T, userID string) *StoreClient {
	return NewStoreClient(f.url, f.token(t, userID), 5*time.Second)
}

func (f *serverFixture) channel(t *testing.T, userID string) *ChannelClient {
	t.Helper()
	c := NewChannelClient(f.url, f.token(t, userID), nil)
	require.NoError(t, c.Connect(context.Background()))
	t.Cleanup(func() { c.Disconnect() })
	return c
}

func TestStoreClientRoundTrip(t *testing.T) {
	f := newServerFixture(t)
	ctx := context.Background()
	alice, bob := f.store(t, "alice"), f.store(t, "bob")

	conv, err := alice.OpenConversation(ctx, "bob")
	require.NoError(t, err)
	assert.True(t, conv.HasParticipant("bob"))

	first, err := alice.SendMessage(ctx, domain.SendMessageRequest{ConversationID: conv.ID, Content: "Hi"})
	require.NoError(t, err)
	second, err := bob.SendMessage(ctx, domain.SendMessageRequest{ConversationID: conv.ID, Content: "Hello"})
	require.NoError(t, err)

	page, err := bob.ListMessages(ctx, conv.ID, nil, 1)
	require.NoError(t, err)
	require.Len(t, page.Messages, 1)
	assert.Equal(t, second.ID, page.Messages[0].ID)
	assert.True(t, page.HasMore)

	older, err := bob.ListMessages(ctx, conv.ID, domain.Cursor(page.NextBefore), 10)
	require.NoError(t, err)
	require.Len(t, older.Messages, 1)
	assert.Equal(t, first.ID, older.Messages[0].ID)
	assert.False(t, older.HasMore)

	read, err := bob.MarkRead(ctx, first.ID)
	require.NoError(t, err)
	assert.True(t, read.IsRead())

	convs, err := alice.ListConversations(ctx, false)
	require.NoError(t, err)
	require.Len(t, convs, 1)
	assert.Equal(t, "Hello", convs[0].LastMessagePreview)

	require.NoError(t, alice.ArchiveConversation(ctx, conv.ID))
	convs, err = alice.ListConversations(ctx, false)
	require.NoError(t, err)
	assert.Empty(t, convs)
	convs, err = alice.ListConversations(ctx, true)
	require.NoError(t, err)
	assert.Len(t, convs, 1)
}

func TestStoreClientMapsErrors(t *testing.T) {
	f := newServerFixture(t)
	ctx := context.Background()
	alice := f.store(t, "alice")

	_, err := alice.SendMessage(ctx, domain.SendMessageRequest{RecipientID: "bob", Content: "  "})
	assert.ErrorIs(t, err, domain.ErrValidation)

	msg, err := alice.SendMessage(ctx, domain.SendMessageRequest{RecipientID: "bob", Content: "x"})
	require.NoError(t, err)

	_, err = f.store(t, "mallory").ListMessages(ctx, msg.ConversationID, nil, 0)
	assert.ErrorIs(t, err, domain.ErrPermission)

	_, err = alice.GetConversation(ctx, "conv_missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, err = NewStoreClient(f.url, "bogus", time.Second).ListConversations(ctx, false)
	assert.ErrorIs(t, err, domain.ErrUnauthenticated)
}

func TestStoreClientUnreachable(t *testing.T) {
	f := newServerFixture(t)
	alice := f.store(t, "alice")
	f.srv.Close()

	_, err := alice.ListConversations(context.Background(), false)
	assert.ErrorIs(t, err, domain.ErrStoreUnavailable)
}

func TestUploadAttachmentThenSend(t *testing.T) {
	f := newServerFixture(t)
	ctx := context.Background()
	alice := f.store(t, "alice")

	ref, err := alice.UploadAttachment(ctx, "notes.txt", strings.NewReader("some notes"))
	require.NoError(t, err)
	assert.Equal(t, domain.AttachmentKindFile, ref.Kind)

	msg, err := alice.SendMessage(ctx, domain.SendMessageRequest{RecipientID: "bob", Attachment: ref})
	require.NoError(t, err)
	require.NotNil(t, msg.Attachment)
	assert.Equal(t, "notes.txt", msg.Attachment.Filename)
}

func TestChannelClientTypingRelay(t *testing.T) {
	f := newServerFixture(t)
	ctx := context.Background()

	conv, err := f.store(t, "alice").OpenConversation(ctx, "bob")
	require.NoError(t, err)
	key := presence.ConversationKey(conv.ID)

	alice, bob := f.channel(t, "alice"), f.channel(t, "bob")
	assert.Equal(t, "alice", alice.UserID())

	events := make(chan domain.PresenceEvent, 16)
	_, err = bob.Subscribe(ctx, key, func(ev domain.PresenceEvent) { events <- ev })
	require.NoError(t, err)
	_, err = alice.Subscribe(ctx, key, func(domain.PresenceEvent) {})
	require.NoError(t, err)

	require.NoError(t, alice.Publish(ctx, key, domain.NewEvent(conv.ID, "alice", domain.TypingStart{})))

	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-events:
			if ev.Kind() != domain.EventTypingStart {
				continue
			}
			assert.Equal(t, "alice", ev.ActorID)
			assert.Equal(t, conv.ID, ev.ConversationID)
			return
		case <-deadline:
			t.Fatal("typing_start not delivered")
		}
	}
}

func TestChannelClientSubscribeDenied(t *testing.T) {
	f := newServerFixture(t)
	ctx := context.Background()

	conv, err := f.store(t, "alice").OpenConversation(ctx, "bob")
	require.NoError(t, err)

	mallory := f.channel(t, "mallory")
	_, err = mallory.Subscribe(ctx, presence.ConversationKey(conv.ID), func(domain.PresenceEvent) {})
	assert.ErrorIs(t, err, domain.ErrPermission)
}

func TestChannelClientConnectRejectsBadToken(t *testing.T) {
	f := newServerFixture(t)
	c := NewChannelClient(f.url, "bogus", nil)
	err := c.Connect(context.Background())
	assert.ErrorIs(t, err, domain.ErrUnauthenticated)
}

func TestChannelClientDisconnected(t *testing.T) {
	f := newServerFixture(t)
	c := f.channel(t, "alice")
	require.NoError(t, c.Disconnect())

	err := c.Publish(context.Background(), presence.UserKey("alice"), domain.NewEvent("", "alice", domain.Online{}))
	assert.True(t, errors.Is(err, domain.ErrChannelUnavailable))
	_, err = c.Subscribe(context.Background(), presence.UserKey("alice"), func(domain.PresenceEvent) {})
	assert.ErrorIs(t, err, domain.ErrChannelUnavailable)
}

func TestWebSocketURL(t *testing.T) {
	assert.Equal(t, "ws://localhost:8080/ws", WebSocketURL("http://localhost:8080"))
	assert.Equal(t, "wss://chat.example.com/ws", WebSocketURL("https://chat.example.com/"))
	assert.Equal(t, "ws://h/ws", WebSocketURL("ws://h/ws"))
}
