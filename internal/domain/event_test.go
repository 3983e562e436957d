package domain

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPresenceEventDecodesIntoPayloadVariant(t *testing.T) {
	raw := `{"kind":"read_receipt","conversation_id":"c1","actor_id":"u2","timestamp":1700000000000,"message_ids":["m1","m2"]}`

	var ev PresenceEvent
	require.NoError(t, json.Unmarshal([]byte(raw), &ev))

	receipt, ok := ev.Payload.(ReadReceipt)
	require.True(t, ok, "expected ReadReceipt payload, got %T", ev.Payload)
	assert.Equal(t, []string{"m1", "m2"}, receipt.MessageIDs)
	assert.Equal(t, EventReadReceipt, ev.Kind())
	assert.Equal(t, time.UnixMilli(1700000000000), ev.Timestamp)
}

func TestPresenceEventRejectsUnknownKind(t *testing.T) {
	var ev PresenceEvent
	err := json.Unmarshal([]byte(`{"kind":"shout","actor_id":"u1"}`), &ev)
	assert.True(t, errors.Is(err, ErrValidation))
}

func TestPresenceEventMessageSentCarriesBody(t *testing.T) {
	msg := &Message{ID: "m1", ConversationID: "c1", SenderID: "u1", Content: "Hola"}
	ev := NewEvent("c1", "u1", MessageSent{MessageID: "m1", Message: msg})

	data, err := json.Marshal(ev)
	require.NoError(t, err)

	var decoded PresenceEvent
	require.NoError(t, json.Unmarshal(data, &decoded))
	sent, ok := decoded.Payload.(MessageSent)
	require.True(t, ok)
	require.NotNil(t, sent.Message)
	assert.Equal(t, "Hola", sent.Message.Content)
}

func TestPresenceEventValidate(t *testing.T) {
	cases := []struct {
		name string
		ev   PresenceEvent
		ok   bool
	}{
		{"typing", NewEvent("c1", "u1", TypingStart{}), true},
		{"missing conversation", NewEvent("", "u1", TypingStop{}), false},
		{"missing actor", NewEvent("c1", "", TypingStop{}), false},
		{"receipt without ids", NewEvent("c1", "u1", ReadReceipt{}), false},
		{"sent without id", NewEvent("c1", "u1", MessageSent{}), false},
		{"online without conversation", NewEvent("", "u1", Online{}), true},
		{"no payload", PresenceEvent{ActorID: "u1", ConversationID: "c1"}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.ev.Validate()
			if tc.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrValidation)
			}
		})
	}
}

func TestPreview(t *testing.T) {
	assert.Equal(t, "Hola", Preview("  Hola ", nil))
	assert.Equal(t, "[image] foto.png", Preview("", &AttachmentRef{Kind: AttachmentKindImage, Filename: "foto.png", StoragePath: "/files/x"}))
	assert.Equal(t, "", Preview("", nil))

	long := make([]rune, PreviewLimit+10)
	for i := range long {
		long[i] = 'a'
	}
	assert.Len(t, []rune(Preview(string(long), nil)), PreviewLimit)
}

func TestNormalizePair(t *testing.T) {
	a, b := NormalizePair("zoe", "ana")
	assert.Equal(t, "ana", a)
	assert.Equal(t, "zoe", b)
}
