package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/IBM/sarama"
	"github.com/sirupsen/logrus"
)

type FailedNotificationHandler interface {
	HandleFailedNotification(ctx context.Context, failure NotificationFailure, metadata MessageMetadata) error
}

// DLQConsumer reads dead-lettered notifications and hands them to a
// handler. Messages are marked consumed whether or not the handler
// succeeds; the handler is responsible for re-queueing.
type DLQConsumer struct {
	consumerGroup sarama.ConsumerGroup
	handler       *dlqHandler
	logger        *logrus.Logger
	topics        []string
}

type ConsumerStats struct {
	Processed int64 `json:"processed"`
	Handled   int64 `json:"handled"`
	Failed    int64 `json:"failed"`
	Malformed int64 `json:"malformed"`
}

type dlqHandler struct {
	handler FailedNotificationHandler
	logger  *logrus.Logger

	processed atomic.Int64
	handled   atomic.Int64
	failed    atomic.Int64
	malformed atomic.Int64
}

func NewDLQConsumer(brokers, groupID string, handler FailedNotificationHandler, logger *logrus.Logger) (*DLQConsumer, error) {
	config := sarama.NewConfig()
	config.Consumer.Group.Rebalance.Strategy = sarama.BalanceStrategyRoundRobin
	config.Consumer.Offsets.Initial = sarama.OffsetOldest
	config.Version = sarama.V2_6_0_0

	consumerGroup, err := sarama.NewConsumerGroup(strings.Split(brokers, ","), groupID, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer group: %w", err)
	}

	return &DLQConsumer{
		consumerGroup: consumerGroup,
		handler:       &dlqHandler{handler: handler, logger: logger},
		logger:        logger,
		topics:        []string{NotificationDLQTopic},
	}, nil
}

func (c *DLQConsumer) Start(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			c.logger.Info("Kafka consumer context cancelled")
			return nil
		default:
			if err := c.consumerGroup.Consume(ctx, c.topics, c.handler); err != nil {
				c.logger.WithError(err).Error("Error consuming from Kafka")
				return err
			}
		}
	}
}

func (c *DLQConsumer) Stats() ConsumerStats {
	return c.handler.stats()
}

func (c *DLQConsumer) Close() error {
	return c.consumerGroup.Close()
}

func (h *dlqHandler) Setup(sarama.ConsumerGroupSession) error {
	h.logger.Info("DLQ consumer session setup")
	return nil
}

func (h *dlqHandler) Cleanup(sarama.ConsumerGroupSession) error {
	h.logger.Info("DLQ consumer session cleanup")
	return nil
}

func (h *dlqHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case message := <-claim.Messages():
			if message == nil {
				return nil
			}
			h.handleMessage(session.Context(), message)
			session.MarkMessage(message, "")

		case <-session.Context().Done():
			return nil
		}
	}
}

func (h *dlqHandler) handleMessage(ctx context.Context, message *sarama.ConsumerMessage) {
	h.processed.Add(1)

	var failure NotificationFailure
	if err := json.Unmarshal(message.Value, &failure); err != nil {
		h.malformed.Add(1)
		h.logger.WithError(err).WithField("offset", message.Offset).Error("Failed to unmarshal dead-lettered notification")
		return
	}
	metadata := extractMetadata(message)

	h.logger.WithFields(logrus.Fields{
		"order_id":      failure.OrderID,
		"recipient":     failure.To,
		"retry_count":   metadata.RetryCount,
		"first_failure": metadata.FirstFailure,
		"last_failure":  metadata.LastFailure,
		"error_message": metadata.ErrorMessage,
	}).Warn("DLQ message details")

	if err := h.handler.HandleFailedNotification(ctx, failure, metadata); err != nil {
		h.failed.Add(1)
		h.logger.WithError(err).WithField("order_id", failure.OrderID).Error("Failed to handle DLQ message")
		return
	}
	h.handled.Add(1)
}

func (h *dlqHandler) stats() ConsumerStats {
	return ConsumerStats{
		Processed: h.processed.Load(),
		Handled:   h.handled.Load(),
		Failed:    h.failed.Load(),
		Malformed: h.malformed.Load(),
	}
}

func extractMetadata(message *sarama.ConsumerMessage) MessageMetadata {
	metadata := MessageMetadata{OriginalTopic: message.Topic}
	for _, header := range message.Headers {
		if header == nil || string(header.Key) != "metadata" {
			continue
		}
		if err := json.Unmarshal(header.Value, &metadata); err != nil {
			metadata.OriginalTopic = message.Topic
		}
		break
	}
	return metadata
}
