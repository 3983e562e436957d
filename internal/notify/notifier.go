// Package notify forwards stored messages to out-of-band consumers such as
// push or e-mail workers.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/IBM/sarama"

	"github.com/allyhub/messaging/internal/domain"
	"github.com/allyhub/messaging/internal/obs"
)

// Notifier is told about every stored message.
type Notifier interface {
	MessageCreated(ctx context.Context, conv *domain.Conversation, msg *domain.Message) error
	Close() error
}

// MessageCreatedEvent is the record written for each new message.
type MessageCreatedEvent struct {
	Event          string    `json:"event"`
	MessageID      string    `json:"message_id"`
	ConversationID string    `json:"conversation_id"`
	SenderID       string    `json:"sender_id"`
	RecipientID    string    `json:"recipient_id"`
	Preview        string    `json:"preview"`
	HasAttachment  bool      `json:"has_attachment"`
	CreatedAt      time.Time `json:"created_at"`
}

// NewMessageCreatedEvent builds the record for msg.
func NewMessageCreatedEvent(conv *domain.Conversation, msg *domain.Message) MessageCreatedEvent {
	var ref *domain.AttachmentRef
	if msg.Attachment != nil {
		ref = &domain.AttachmentRef{Kind: msg.Attachment.Kind, Filename: msg.Attachment.Filename, StoragePath: msg.Attachment.StoragePath}
	}
	return MessageCreatedEvent{
		Event:          "message_created",
		MessageID:      msg.ID,
		ConversationID: msg.ConversationID,
		SenderID:       msg.SenderID,
		RecipientID:    conv.Peer(msg.SenderID),
		Preview:        domain.Preview(msg.Content, ref),
		HasAttachment:  msg.Attachment != nil,
		CreatedAt:      msg.CreatedAt,
	}
}

// KafkaNotifier writes one record per message, keyed by conversation so a
// conversation's records stay in order within a partition.
type KafkaNotifier struct {
	producer sarama.SyncProducer
	topic    string
	logger   *slog.Logger
}

// NewKafkaNotifier connects a sync producer to brokers.
func NewKafkaNotifier(brokers []string, topic string, logger *slog.Logger) (*KafkaNotifier, error) {
	cfg := sarama.NewConfig()
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Idempotent = true
	cfg.Producer.Return.Successes = true
	cfg.Net.MaxOpenRequests = 1
	producer, err := sarama.NewSyncProducer(brokers, cfg)
	if err != nil {
		return nil, fmt.Errorf("kafka: create producer: %w", err)
	}
	return NewKafkaNotifierWithProducer(producer, topic, logger), nil
}

// NewKafkaNotifierWithProducer wraps an existing producer.
func NewKafkaNotifierWithProducer(producer sarama.SyncProducer, topic string, logger *slog.Logger) *KafkaNotifier {
	if logger == nil {
		logger = obs.Discard()
	}
	return &KafkaNotifier{producer: producer, topic: topic, logger: logger}
}

// MessageCreated publishes the message_created record.
func (n *KafkaNotifier) MessageCreated(ctx context.Context, conv *domain.Conversation, msg *domain.Message) error {
	payload, err := json.Marshal(NewMessageCreatedEvent(conv, msg))
	if err != nil {
		return fmt.Errorf("kafka: marshal event: %w", err)
	}
	record := &sarama.ProducerMessage{
		Topic: n.topic,
		Key:   sarama.StringEncoder(msg.ConversationID),
		Value: sarama.ByteEncoder(payload),
		Headers: []sarama.RecordHeader{
			{Key: []byte("event"), Value: []byte("message_created")},
		},
	}
	partition, offset, err := n.producer.SendMessage(record)
	if err != nil {
		return fmt.Errorf("kafka: send message: %w", err)
	}
	n.logger.Debug("message notification sent", "message_id", msg.ID, "partition", partition, "offset", offset)
	return nil
}

// Close closes the producer.
func (n *KafkaNotifier) Close() error {
	if n.producer == nil {
		return nil
	}
	return n.producer.Close()
}

// Noop discards notifications.
type Noop struct{}

func (Noop) MessageCreated(context.Context, *domain.Conversation, *domain.Message) error { return nil }
func (Noop) Close() error                                                                { return nil }

var _ Notifier = (*KafkaNotifier)(nil)
var _ Notifier = Noop{}
