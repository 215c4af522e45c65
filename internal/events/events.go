package events

import (
	"context"
	"time"

	"github.com/jogardn/restaurant-orders/pkg/models"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

const (
	OrderCreatedTopic      = "order.created"
	StatusChangedTopic     = "order.status_changed"
	NotificationDLQTopic   = "order.notification.dlq"
	notificationSourceName = "notification-dispatcher"
)

type OrderCreatedEvent struct {
	OrderID      string           `json:"order_id"`
	CustomerName string           `json:"customer_name"`
	OrderType    models.OrderType `json:"order_type"`
	TotalAmount  decimal.Decimal  `json:"total_amount"`
	ItemCount    int              `json:"item_count"`
	CreatedAt    time.Time        `json:"created_at"`
	EventTime    time.Time        `json:"event_time"`
}

type StatusChangedEvent struct {
	OrderID   string             `json:"order_id"`
	OrderType models.OrderType   `json:"order_type"`
	From      models.OrderStatus `json:"from"`
	To        models.OrderStatus `json:"to"`
	Forced    bool               `json:"forced,omitempty"`
	UpdatedAt time.Time          `json:"updated_at"`
	EventTime time.Time          `json:"event_time"`
}

// NotificationFailure is an email that could not be delivered after all
// retries. It carries the rendered message so it can be resent as is.
type NotificationFailure struct {
	OrderID  string             `json:"order_id,omitempty"`
	Status   models.OrderStatus `json:"status,omitempty"`
	To       string             `json:"to"`
	Subject  string             `json:"subject"`
	Text     string             `json:"text"`
	HTML     string             `json:"html,omitempty"`
	Attempts int                `json:"attempts"`
	Error    string             `json:"error"`
	FailedAt time.Time          `json:"failed_at"`
}

// MessageMetadata travels in the "metadata" header of dead-lettered
// messages.
type MessageMetadata struct {
	RetryCount    int       `json:"retry_count"`
	FirstFailure  time.Time `json:"first_failure"`
	LastFailure   time.Time `json:"last_failure"`
	OriginalTopic string    `json:"original_topic"`
	ErrorMessage  string    `json:"error_message"`
}

type Publisher interface {
	OrderCreated(ctx context.Context, event OrderCreatedEvent) error
	StatusChanged(ctx context.Context, event StatusChangedEvent) error
	NotificationFailed(ctx context.Context, failure NotificationFailure) error
	Close() error
}

// NopPublisher drops every event. It stands in when no brokers are
// configured.
type NopPublisher struct {
	Logger *logrus.Logger
}

func (p NopPublisher) OrderCreated(ctx context.Context, event OrderCreatedEvent) error {
	p.log(OrderCreatedTopic, event.OrderID)
	return nil
}

func (p NopPublisher) StatusChanged(ctx context.Context, event StatusChangedEvent) error {
	p.log(StatusChangedTopic, event.OrderID)
	return nil
}

func (p NopPublisher) NotificationFailed(ctx context.Context, failure NotificationFailure) error {
	p.log(NotificationDLQTopic, failure.OrderID)
	return nil
}

func (p NopPublisher) Close() error { return nil }

func (p NopPublisher) log(topic, orderID string) {
	if p.Logger == nil {
		return
	}
	p.Logger.WithFields(logrus.Fields{
		"topic":    topic,
		"order_id": orderID,
	}).Debug("Kafka disabled, event not published")
}
