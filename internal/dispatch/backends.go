package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	kafka "github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"
)

// LogBackend writes effects to the log. It is the default when no broker
// is configured.
type LogBackend struct {
	log logrus.FieldLogger
}

func NewLogBackend(log logrus.FieldLogger) *LogBackend {
	return &LogBackend{log: log}
}

func (b *LogBackend) Notify(ctx context.Context, userID uuid.UUID, message string) error {
	b.log.WithField("user_id", userID).Info("notification: " + message)
	return nil
}

func (b *LogBackend) Publish(ctx context.Context, topic string, payload []byte) error {
	b.log.WithField("topic", topic).Info("broadcast: " + string(payload))
	return nil
}

// notification is the wire form of a notify effect on a broker.
type notification struct {
	UserID  uuid.UUID `json:"user_id"`
	Message string    `json:"message"`
	SentAt  time.Time `json:"sent_at"`
}

// KafkaBackend publishes broadcasts to their own topic and notifications
// to a single topic keyed by user, for a downstream mail or SMS sender.
type KafkaBackend struct {
	writer      *kafka.Writer
	notifyTopic string
}

func NewKafkaBackend(brokers []string, notifyTopic string) *KafkaBackend {
	return &KafkaBackend{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			Balancer:               &kafka.Hash{},
			RequiredAcks:           kafka.RequireOne,
			AllowAutoTopicCreation: true,
		},
		notifyTopic: notifyTopic,
	}
}

func (b *KafkaBackend) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := b.writer.WriteMessages(ctx, kafka.Message{Topic: topic, Value: payload}); err != nil {
		return fmt.Errorf("kafka publish %s: %w", topic, err)
	}
	return nil
}

func (b *KafkaBackend) Notify(ctx context.Context, userID uuid.UUID, message string) error {
	value, err := json.Marshal(notification{UserID: userID, Message: message, SentAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}
	err = b.writer.WriteMessages(ctx, kafka.Message{
		Topic: b.notifyTopic,
		Key:   []byte(userID.String()),
		Value: value,
	})
	if err != nil {
		return fmt.Errorf("kafka notify: %w", err)
	}
	return nil
}

func (b *KafkaBackend) Close() error {
	return b.writer.Close()
}

// RedisBackend uses Redis pub/sub. Notifications go to a per-user channel.
type RedisBackend struct {
	client *redis.Client
}

func NewRedisBackend(url string) (*RedisBackend, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return &RedisBackend{client: redis.NewClient(opts)}, nil
}

// NotifyChannel is the channel a user's notifications are published on.
func NotifyChannel(userID uuid.UUID) string {
	return "notifications:" + userID.String()
}

func (b *RedisBackend) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := b.client.Publish(ctx, topic, payload).Err(); err != nil {
		return fmt.Errorf("redis publish %s: %w", topic, err)
	}
	return nil
}

func (b *RedisBackend) Notify(ctx context.Context, userID uuid.UUID, message string) error {
	value, err := json.Marshal(notification{UserID: userID, Message: message, SentAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}
	if err := b.client.Publish(ctx, NotifyChannel(userID), value).Err(); err != nil {
		return fmt.Errorf("redis notify: %w", err)
	}
	return nil
}

func (b *RedisBackend) Close() error {
	return b.client.Close()
}
