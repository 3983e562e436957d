package notify

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/IBM/sarama/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/allyhub/messaging/internal/domain"
)

func fixture() (*domain.Conversation, *domain.Message) {
	conv := &domain.Conversation{ID: "conv_1", ParticipantA: "alice", ParticipantB: "bob"}
	msg := &domain.Message{
		ID:             "msg_1",
		ConversationID: "conv_1",
		SenderID:       "alice",
		Content:        "Hola",
		CreatedAt:      time.UnixMicro(1_700_000_000_000_000),
	}
	return conv, msg
}

func TestKafkaNotifierSendsMessageCreated(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		var ev MessageCreatedEvent
		if err := json.Unmarshal(val, &ev); err != nil {
			return err
		}
		if ev.RecipientID != "bob" || ev.Preview != "Hola" || ev.Event != "message_created" {
			return errors.New("unexpected payload")
		}
		return nil
	})

	notifier := NewKafkaNotifierWithProducer(producer, "messaging.message_created", nil)
	conv, msg := fixture()
	require.NoError(t, notifier.MessageCreated(context.Background(), conv, msg))
	require.NoError(t, notifier.Close())
}

func TestKafkaNotifierReportsFailure(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageAndFail(errors.New("broker down"))

	notifier := NewKafkaNotifierWithProducer(producer, "messaging.message_created", nil)
	conv, msg := fixture()
	err := notifier.MessageCreated(context.Background(), conv, msg)
	assert.ErrorContains(t, err, "broker down")
	require.NoError(t, notifier.Close())
}

func TestMessageCreatedEventAttachmentPreview(t *testing.T) {
	conv, msg := fixture()
	msg.Content = ""
	msg.Attachment = &domain.Attachment{Kind: domain.AttachmentKindFile, Filename: "plan.pdf", StoragePath: "/files/plan.pdf"}

	ev := NewMessageCreatedEvent(conv, msg)
	assert.Equal(t, "[file] plan.pdf", ev.Preview)
	assert.True(t, ev.HasAttachment)
}
