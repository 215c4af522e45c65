package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/jogardn/restaurant-orders/pkg/models"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return logger
}

func TestPublishStatusChanged(t *testing.T) {
	sp := mocks.NewSyncProducer(t, NewProducerConfig())
	sp.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		var event StatusChangedEvent
		if err := json.Unmarshal(val, &event); err != nil {
			return err
		}
		if event.OrderID != "ORD-1" || event.To != models.StatusPickedUp {
			return fmt.Errorf("unexpected event %+v", event)
		}
		if event.EventTime.IsZero() {
			return errors.New("event time not set")
		}
		return nil
	})

	p := NewKafkaProducerFrom(sp, testLogger())
	err := p.StatusChanged(context.Background(), StatusChangedEvent{
		OrderID: "ORD-1",
		From:    models.StatusOrderPlaced,
		To:      models.StatusPickedUp,
	})
	if err != nil {
		t.Fatalf("StatusChanged failed: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Errorf("Close failed: %v", err)
	}
}

func TestPublishOrderCreated(t *testing.T) {
	sp := mocks.NewSyncProducer(t, NewProducerConfig())
	sp.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		var event OrderCreatedEvent
		if err := json.Unmarshal(val, &event); err != nil {
			return err
		}
		if !event.TotalAmount.Equal(decimal.RequireFromString("240.50")) {
			return fmt.Errorf("unexpected total %s", event.TotalAmount)
		}
		return nil
	})

	p := NewKafkaProducerFrom(sp, testLogger())
	err := p.OrderCreated(context.Background(), OrderCreatedEvent{
		OrderID:     "ORD-1",
		TotalAmount: decimal.RequireFromString("240.50"),
		ItemCount:   2,
	})
	if err != nil {
		t.Fatalf("OrderCreated failed: %v", err)
	}
	p.Close()
}

func TestPublishFailureIsReturned(t *testing.T) {
	sp := mocks.NewSyncProducer(t, NewProducerConfig())
	sp.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	p := NewKafkaProducerFrom(sp, testLogger())
	err := p.NotificationFailed(context.Background(), NotificationFailure{OrderID: "ORD-1", To: "ana@example.com"})
	if !errors.Is(err, sarama.ErrOutOfBrokers) {
		t.Errorf("expected ErrOutOfBrokers, got %v", err)
	}
	p.Close()
}

type recordingHandler struct {
	mu       sync.Mutex
	failures []NotificationFailure
	metadata []MessageMetadata
	err      error
}

func (h *recordingHandler) HandleFailedNotification(ctx context.Context, f NotificationFailure, m MessageMetadata) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failures = append(h.failures, f)
	h.metadata = append(h.metadata, m)
	return h.err
}

func TestDLQHandlerParsesMetadata(t *testing.T) {
	rec := &recordingHandler{}
	h := &dlqHandler{handler: rec, logger: testLogger()}

	failure := NotificationFailure{OrderID: "ORD-1", To: "ana@example.com", Subject: "Order update", Attempts: 4, Error: "relay down"}
	value, _ := json.Marshal(failure)
	meta, _ := json.Marshal(MessageMetadata{RetryCount: 2, OriginalTopic: "notification-dispatcher", LastFailure: time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC)})

	h.handleMessage(context.Background(), &sarama.ConsumerMessage{
		Topic:   NotificationDLQTopic,
		Value:   value,
		Headers: []*sarama.RecordHeader{{Key: []byte("metadata"), Value: meta}},
	})

	if len(rec.failures) != 1 {
		t.Fatalf("expected handler to be called once, got %d", len(rec.failures))
	}
	if rec.failures[0].Subject != "Order update" {
		t.Errorf("unexpected failure payload %+v", rec.failures[0])
	}
	if rec.metadata[0].RetryCount != 2 || rec.metadata[0].OriginalTopic != "notification-dispatcher" {
		t.Errorf("unexpected metadata %+v", rec.metadata[0])
	}
	if s := h.stats(); s.Processed != 1 || s.Handled != 1 {
		t.Errorf("unexpected stats %+v", s)
	}
}

func TestDLQHandlerCountsFailures(t *testing.T) {
	rec := &recordingHandler{err: errors.New("still down")}
	h := &dlqHandler{handler: rec, logger: testLogger()}

	value, _ := json.Marshal(NotificationFailure{OrderID: "ORD-1"})
	h.handleMessage(context.Background(), &sarama.ConsumerMessage{Topic: NotificationDLQTopic, Value: value})
	h.handleMessage(context.Background(), &sarama.ConsumerMessage{Topic: NotificationDLQTopic, Value: []byte("{not json")})

	s := h.stats()
	if s.Processed != 2 || s.Failed != 1 || s.Malformed != 1 || s.Handled != 0 {
		t.Errorf("unexpected stats %+v", s)
	}
	if rec.metadata[0].OriginalTopic != NotificationDLQTopic || rec.metadata[0].RetryCount != 0 {
		t.Errorf("missing header should yield default metadata, got %+v", rec.metadata[0])
	}
}
