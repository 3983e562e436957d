package presence

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/allyhub/messaging/internal/domain"
)

func startRedisChannel(t *testing.T, addr string) *RedisChannel {
	t.Helper()
	client, err := NewRedisClient("redis://" + addr)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	ch := NewRedisChannel(startHub(t), client, "", nil)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = ch.Run(ctx) }()

	select {
	case <-ch.Ready():
	case <-time.After(2 * time.Second):
		t.Fatal("redis relay did not start")
	}
	return ch
}

func TestRedisChannelFansOutAcrossInstances(t *testing.T) {
	mr := miniredis.RunT(t)
	instanceA := startRedisChannel(t, mr.Addr())
	instanceB := startRedisChannel(t, mr.Addr())

	key := ConversationKey("c1")
	onA, _ := collect(t, instanceA, key)
	onB, _ := collect(t, instanceB, key)

	ev := domain.NewEvent("c1", "alice", domain.ReadReceipt{MessageIDs: []string{"m1", "m2"}})
	require.NoError(t, instanceA.Publish(context.Background(), key, ev))

	for _, events := range []<-chan domain.PresenceEvent{onA, onB} {
		got := waitEvent(t, events)
		receipt, ok := got.Payload.(domain.ReadReceipt)
		require.True(t, ok)
		assert.Equal(t, []string{"m1", "m2"}, receipt.MessageIDs)
	}
	// Exactly once locally: the publisher's own hub only sees the relayed copy.
	assertNoEvent(t, onA)
}

func TestRedisChannelPublishFailureIsTransient(t *testing.T) {
	mr := miniredis.RunT(t)
	client, err := NewRedisClient("redis://" + mr.Addr())
	require.NoError(t, err)
	defer client.Close()
	ch := NewRedisChannel(startHub(t), client, "", nil)

	mr.Close()
	err = ch.Publish(context.Background(), ConversationKey("c1"), domain.NewEvent("c1", "alice", domain.TypingStop{}))
	assert.ErrorIs(t, err, domain.ErrChannelUnavailable)
}

func TestRedisChannelRunRecoversFromOutage(t *testing.T) {
	mr := miniredis.RunT(t)
	client, err := NewRedisClient("redis://" + mr.Addr())
	require.NoError(t, err)
	defer client.Close()

	hub := startHub(t)
	ch := NewRedisChannel(hub, client, "", nil)
	ch.retryInterval = 20 * time.Millisecond
	ch.maxRetryInterval = 50 * time.Millisecond

	mr.Close()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ch.Run(ctx) }()

	select {
	case <-ch.Ready():
		t.Fatal("relay reported ready while redis was down")
	case <-time.After(100 * time.Millisecond):
	}

	require.NoError(t, mr.Restart())
	select {
	case <-ch.Ready():
	case <-time.After(3 * time.Second):
		t.Fatal("relay did not recover after redis came back")
	}

	events, sub := collect(t, ch, ConversationKey("c1"))
	defer sub.Unsubscribe()
	require.NoError(t, ch.Publish(context.Background(), ConversationKey("c1"), domain.NewEvent("c1", "alice", domain.TypingStart{})))
	assert.Equal(t, domain.EventTypingStart, waitEvent(t, events).Kind())

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
