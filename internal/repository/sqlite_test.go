package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/allyhub/messaging/internal/domain"
)

func newTestStore(t *testing.T) *SQLStore {
	t.Helper()
	store, err := NewSQLiteStore(":memory:", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

// frozenClock makes every call return the same instant so ordering must come
// from the store itself.
func frozenClock(s *SQLStore) {
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return fixed }
}

func TestGetOrCreateConversationIsUnorderedPair(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	first, err := store.GetOrCreateConversation(ctx, "bob", "alice")
	require.NoError(t, err)
	assert.Equal(t, "alice", first.ParticipantA)
	assert.Equal(t, "bob", first.ParticipantB)

	second, err := store.GetOrCreateConversation(ctx, "alice", "bob")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	_, err = store.GetOrCreateConversation(ctx, "alice", "alice")
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestGetOrCreateConversationConcurrent(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	var wg sync.WaitGroup
	ids := make([]string, 8)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			conv, err := store.GetOrCreateConversation(ctx, "alice", "bob")
			if assert.NoError(t, err) {
				ids[i] = conv.ID
			}
		}(i)
	}
	wg.Wait()
	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
}

func TestCreateMessageOrderingAcrossPages(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	frozenClock(store)

	conv, err := store.GetOrCreateConversation(ctx, "alice", "bob")
	require.NoError(t, err)

	var created []*domain.Message
	for i := 0; i < 5; i++ {
		sender := "alice"
		if i%2 == 1 {
			sender = "bob"
		}
		msg, err := store.CreateMessage(ctx, conv.ID, sender, fmt.Sprintf("m%d", i), nil)
		require.NoError(t, err)
		if len(created) > 0 {
			assert.True(t, msg.CreatedAt.After(created[len(created)-1].CreatedAt))
		}
		created = append(created, msg)
	}

	newest, err := store.ListMessages(ctx, conv.ID, nil, 2)
	require.NoError(t, err)
	require.Len(t, newest, 2)
	assert.Equal(t, "m3", newest[0].Content)
	assert.Equal(t, "m4", newest[1].Content)

	older, err := store.ListMessages(ctx, conv.ID, &newest[0].CreatedAt, 10)
	require.NoError(t, err)
	require.Len(t, older, 3)
	assert.Equal(t, []string{"m0", "m1", "m2"}, []string{older[0].Content, older[1].Content, older[2].Content})
}

func TestCreateMessageValidation(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	conv, err := store.GetOrCreateConversation(ctx, "alice", "bob")
	require.NoError(t, err)

	_, err = store.CreateMessage(ctx, conv.ID, "alice", "   ", nil)
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, err = store.CreateMessage(ctx, conv.ID, "mallory", "hi", nil)
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, err = store.CreateMessage(ctx, "conv_missing", "alice", "hi", nil)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, err = store.CreateMessage(ctx, conv.ID, "alice", "", &domain.AttachmentRef{Kind: "video", Filename: "a.mp4", StoragePath: "x"})
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestCreateFirstMessageCreatesConversationWithMessage(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	conv, msg, err := store.CreateFirstMessage(ctx, "bob", "alice", "Hola", nil)
	require.NoError(t, err)
	assert.Equal(t, "alice", conv.ParticipantA)
	assert.Equal(t, "bob", conv.ParticipantB)
	assert.Equal(t, conv.ID, msg.ConversationID)
	assert.Equal(t, "Hola", conv.LastMessagePreview)
	require.NotNil(t, conv.LastMessageAt)
	assert.True(t, conv.LastMessageAt.Equal(msg.CreatedAt))

	again, second, err := store.CreateFirstMessage(ctx, "alice", "bob", "again", nil)
	require.NoError(t, err)
	assert.Equal(t, conv.ID, again.ID)
	assert.True(t, second.CreatedAt.After(msg.CreatedAt))
}

func TestCreateFirstMessageRejectedLeavesNoConversation(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	_, _, err := store.CreateFirstMessage(ctx, "alice", "bob", "", &domain.AttachmentRef{Kind: "video", Filename: "a.mp4", StoragePath: "x"})
	assert.ErrorIs(t, err, domain.ErrValidation)
	_, _, err = store.CreateFirstMessage(ctx, "alice", "alice", "hi", nil)
	assert.ErrorIs(t, err, domain.ErrValidation)

	for _, user := range []string{"alice", "bob"} {
		convs, err := store.ListConversations(ctx, user, true)
		require.NoError(t, err)
		assert.Empty(t, convs, user)
	}
}

func TestCreateFirstMessageConcurrent(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	var wg sync.WaitGroup
	ids := make([]string, 8)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			conv, _, err := store.CreateFirstMessage(ctx, "alice", "bob", fmt.Sprintf("m%d", i), nil)
			if assert.NoError(t, err) {
				ids[i] = conv.ID
			}
		}(i)
	}
	wg.Wait()
	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}

	msgs, err := store.ListMessages(ctx, ids[0], nil, 50)
	require.NoError(t, err)
	assert.Len(t, msgs, len(ids))
}

func TestEmptyConversationHasNoLastMessageTime(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	conv, err := store.GetOrCreateConversation(ctx, "alice", "bob")
	require.NoError(t, err)
	assert.Nil(t, conv.LastMessageAt)

	data, err := json.Marshal(conv)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "last_message_at")
}

func TestCreateMessageWithAttachment(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	conv, err := store.GetOrCreateConversation(ctx, "alice", "bob")
	require.NoError(t, err)

	msg, err := store.CreateMessage(ctx, conv.ID, "alice", "", &domain.AttachmentRef{
		Kind:        domain.AttachmentKindImage,
		Filename:    "cat.png",
		SizeBytes:   2048,
		StoragePath: "uploads/cat.png",
	})
	require.NoError(t, err)
	require.NotNil(t, msg.Attachment)

	got, err := store.GetMessage(ctx, msg.ID)
	require.NoError(t, err)
	require.NotNil(t, got.Attachment)
	assert.Equal(t, msg.Attachment.ID, got.Attachment.ID)
	assert.Equal(t, int64(2048), got.Attachment.SizeBytes)

	convs, err := store.ListConversations(ctx, "bob", false)
	require.NoError(t, err)
	require.Len(t, convs, 1)
	assert.Equal(t, "[image] cat.png", convs[0].LastMessagePreview)
	assert.Equal(t, 1, convs[0].UnreadCount)
}

func TestMarkRead(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	conv, err := store.GetOrCreateConversation(ctx, "alice", "bob")
	require.NoError(t, err)
	msg, err := store.CreateMessage(ctx, conv.ID, "alice", "hello", nil)
	require.NoError(t, err)

	_, err = store.MarkRead(ctx, msg.ID, "alice")
	assert.ErrorIs(t, err, domain.ErrPermission)

	_, err = store.MarkRead(ctx, msg.ID, "mallory")
	assert.ErrorIs(t, err, domain.ErrPermission)

	read, err := store.MarkRead(ctx, msg.ID, "bob")
	require.NoError(t, err)
	require.NotNil(t, read.ReadAt)

	store.now = func() time.Time { return time.Now().Add(time.Hour) }
	again, err := store.MarkRead(ctx, msg.ID, "bob")
	require.NoError(t, err)
	assert.True(t, read.ReadAt.Equal(*again.ReadAt), "read_at never moves")

	_, err = store.MarkRead(ctx, "msg_missing", "bob")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestArchiveConversation(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	conv, err := store.GetOrCreateConversation(ctx, "alice", "bob")
	require.NoError(t, err)

	require.NoError(t, store.ArchiveConversation(ctx, conv.ID))
	convs, err := store.ListConversations(ctx, "alice", false)
	require.NoError(t, err)
	assert.Empty(t, convs)

	convs, err = store.ListConversations(ctx, "alice", true)
	require.NoError(t, err)
	require.Len(t, convs, 1)
	assert.True(t, convs[0].Archived())

	_, err = store.CreateMessage(ctx, conv.ID, "bob", "back again", nil)
	require.NoError(t, err)
	convs, err = store.ListConversations(ctx, "alice", false)
	require.NoError(t, err)
	require.Len(t, convs, 1)
	assert.False(t, convs[0].Archived())

	assert.ErrorIs(t, store.ArchiveConversation(ctx, "conv_missing"), domain.ErrNotFound)
}

func TestListConversationsByActivity(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	withBob, err := store.GetOrCreateConversation(ctx, "alice", "bob")
	require.NoError(t, err)
	withCarol, err := store.GetOrCreateConversation(ctx, "alice", "carol")
	require.NoError(t, err)

	_, err = store.CreateMessage(ctx, withCarol.ID, "carol", "first", nil)
	require.NoError(t, err)
	time.Sleep(2 * time.Millisecond)
	_, err = store.CreateMessage(ctx, withBob.ID, "bob", "second", nil)
	require.NoError(t, err)

	convs, err := store.ListConversations(ctx, "alice", false)
	require.NoError(t, err)
	require.Len(t, convs, 2)
	assert.Equal(t, withBob.ID, convs[0].ID)
	assert.Equal(t, withCarol.ID, convs[1].ID)
}

func TestClosedStoreIsUnavailable(t *testing.T) {
	store, err := NewSQLiteStore(":memory:", nil)
	require.NoError(t, err)
	require.NoError(t, store.Close())

	_, err = store.GetConversation(context.Background(), "conv_1")
	assert.ErrorIs(t, err, domain.ErrStoreUnavailable)
}

func TestRebindPostgres(t *testing.T) {
	assert.Equal(t, "a = $1 AND b = $2", postgresDialect.rebind("a = ? AND b = ?"))
	assert.Equal(t, "a = ?", sqliteDialect.rebind("a = ?"))
}
