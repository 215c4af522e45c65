package notify

import (
	"context"
	"fmt"

	"github.com/jogardn/restaurant-orders/internal/events"
	"github.com/sirupsen/logrus"
)

// DefaultMaxReplays bounds how many times one dead-lettered email is
// resent before it is left parked in the DLQ.
const DefaultMaxReplays = MaxRetries * 2

type Redeliverer interface {
	Redeliver(failure events.NotificationFailure, metadata events.MessageMetadata, replayErr error) error
}

// Replayer resends dead-lettered notifications. A failed resend goes back
// on the DLQ with its retry count raised.
type Replayer struct {
	mailer     Mailer
	requeue    Redeliverer
	maxReplays int
	logger     *logrus.Logger
}

func NewReplayer(mailer Mailer, requeue Redeliverer, maxReplays int, logger *logrus.Logger) *Replayer {
	if maxReplays <= 0 {
		maxReplays = DefaultMaxReplays
	}
	return &Replayer{mailer: mailer, requeue: requeue, maxReplays: maxReplays, logger: logger}
}

func (r *Replayer) HandleFailedNotification(ctx context.Context, failure events.NotificationFailure, metadata events.MessageMetadata) error {
	log := r.logger.WithFields(logrus.Fields{
		"order_id":    failure.OrderID,
		"retry_count": metadata.RetryCount,
	})

	if metadata.RetryCount >= r.maxReplays {
		log.Error("Notification exceeded maximum replay attempts, leaving parked")
		return nil
	}

	err := r.mailer.Send(ctx, Message{
		To:      failure.To,
		Subject: failure.Subject,
		Text:    failure.Text,
		HTML:    failure.HTML,
		OrderID: failure.OrderID,
		Status:  string(failure.Status),
	})
	if err == nil {
		log.Info("Notification replayed from DLQ")
		return nil
	}

	if r.requeue == nil {
		return fmt.Errorf("replay notification: %w", err)
	}
	if requeueErr := r.requeue.Redeliver(failure, metadata, err); requeueErr != nil {
		return fmt.Errorf("replay failed (%v) and requeue failed: %w", err, requeueErr)
	}
	log.WithError(err).Warn("Replay failed, notification requeued")
	return nil
}
