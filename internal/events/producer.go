package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/IBM/sarama"
	"github.com/sirupsen/logrus"
)

type KafkaProducer struct {
	producer sarama.SyncProducer
	logger   *logrus.Logger
	now      func() time.Time
}

func NewProducerConfig() *sarama.Config {
	config := sarama.NewConfig()
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Retry.Max = 5
	config.Producer.Return.Successes = true
	config.Version = sarama.V2_6_0_0
	return config
}

func NewKafkaProducer(brokers string, logger *logrus.Logger) (*KafkaProducer, error) {
	producer, err := sarama.NewSyncProducer(strings.Split(brokers, ","), NewProducerConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to create producer: %w", err)
	}
	return NewKafkaProducerFrom(producer, logger), nil
}

// NewKafkaProducerFrom wraps an existing sync producer.
func NewKafkaProducerFrom(producer sarama.SyncProducer, logger *logrus.Logger) *KafkaProducer {
	return &KafkaProducer{producer: producer, logger: logger, now: time.Now}
}

func (p *KafkaProducer) OrderCreated(ctx context.Context, event OrderCreatedEvent) error {
	event.EventTime = p.now().UTC()
	return p.send(OrderCreatedTopic, event.OrderID, event, nil)
}

func (p *KafkaProducer) StatusChanged(ctx context.Context, event StatusChangedEvent) error {
	event.EventTime = p.now().UTC()
	return p.send(StatusChangedTopic, event.OrderID, event, nil)
}

func (p *KafkaProducer) NotificationFailed(ctx context.Context, failure NotificationFailure) error {
	if failure.FailedAt.IsZero() {
		failure.FailedAt = p.now().UTC()
	}
	metadata := MessageMetadata{
		RetryCount:    failure.Attempts,
		FirstFailure:  failure.FailedAt,
		LastFailure:   failure.FailedAt,
		OriginalTopic: notificationSourceName,
		ErrorMessage:  failure.Error,
	}
	return p.deadLetter(failure, metadata)
}

// Redeliver puts a failure back on the DLQ with updated metadata after a
// replay attempt failed.
func (p *KafkaProducer) Redeliver(failure NotificationFailure, metadata MessageMetadata, replayErr error) error {
	metadata.RetryCount++
	metadata.LastFailure = p.now().UTC()
	metadata.ErrorMessage = replayErr.Error()
	failure.Error = replayErr.Error()
	return p.deadLetter(failure, metadata)
}

func (p *KafkaProducer) deadLetter(failure NotificationFailure, metadata MessageMetadata) error {
	metadataBytes, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	headers := []sarama.RecordHeader{
		{Key: []byte("metadata"), Value: metadataBytes},
		{Key: []byte("original_topic"), Value: []byte(metadata.OriginalTopic)},
		{Key: []byte("failure_time"), Value: []byte(metadata.LastFailure.Format(time.RFC3339))},
	}

	key := failure.OrderID
	if key == "" {
		key = failure.To
	}
	if err := p.send(NotificationDLQTopic, key, failure, headers); err != nil {
		return err
	}

	p.logger.WithFields(logrus.Fields{
		"dlq_topic":   NotificationDLQTopic,
		"order_id":    failure.OrderID,
		"retry_count": metadata.RetryCount,
		"error":       failure.Error,
	}).Warn("Notification sent to dead letter queue")
	return nil
}

func (p *KafkaProducer) send(topic, key string, payload interface{}, headers []sarama.RecordHeader) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal %s event: %w", topic, err)
	}

	msg := &sarama.ProducerMessage{
		Topic:   topic,
		Key:     sarama.StringEncoder(key),
		Value:   sarama.ByteEncoder(data),
		Headers: headers,
	}

	partition, offset, err := p.producer.SendMessage(msg)
	if err != nil {
		p.logger.WithError(err).WithField("topic", topic).Error("Failed to send message to Kafka")
		return err
	}

	p.logger.WithFields(logrus.Fields{
		"topic":     topic,
		"partition": partition,
		"offset":    offset,
		"key":       key,
	}).Debug("Event published to Kafka")

	return nil
}

func (p *KafkaProducer) Close() error {
	return p.producer.Close()
}
