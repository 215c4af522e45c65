package orders

import (
	"context"
	"errors"
	"fmt"

	"github.com/jogardn/restaurant-orders/internal/events"
	"github.com/jogardn/restaurant-orders/internal/lifecycle"
	"github.com/jogardn/restaurant-orders/internal/notify"
	"github.com/jogardn/restaurant-orders/internal/store"
	"github.com/jogardn/restaurant-orders/internal/websocket"
	"github.com/jogardn/restaurant-orders/pkg/models"
	"github.com/sirupsen/logrus"
)

type TransitionResult struct {
	Order    *models.Order      `json:"order"`
	Previous models.OrderStatus `json:"previous_status"`
	Changed  bool               `json:"changed"`
	// Deliveries holds one entry per email queued by the transition,
	// intermediates first.
	Deliveries []*notify.Delivery `json:"-"`
}

// errUnchanged aborts the transaction when the locked row already holds the
// target status.
var errUnchanged = errors.New("order already at target status")

// TransitionStatus moves order id to target.
//
// Statuses skipped by a forward jump get their own email, sent before the
// new status is stored; they are never persisted. The status write and the
// sales bookkeeping share one transaction. If it fails the error is
// returned, the final email is not sent, and emails already queued for
// skipped statuses stand. Requesting the current status does nothing.
// force allows corrections to any status of the order's type; corrections
// send only the final email.
func (l *Ledger) TransitionStatus(ctx context.Context, id string, target models.OrderStatus, force bool) (*TransitionResult, error) {
	order, err := l.GetOrder(ctx, id)
	if err != nil {
		return nil, err
	}

	result := &TransitionResult{Order: order, Previous: order.Status}
	if order.Status == target {
		return result, nil
	}

	if err := lifecycle.CheckTransition(order.OrderType, order.Status, target, force); err != nil {
		return nil, err
	}

	log := l.logger.WithFields(logrus.Fields{
		"order_id": id,
		"from":     order.Status,
		"to":       target,
		"forced":   force,
	})

	if !force {
		for _, step := range lifecycle.Intermediates(order.OrderType, order.Status, target) {
			if d := l.notifier.NotifyStatus(ctx, order, step); d != nil {
				result.Deliveries = append(result.Deliveries, d)
			}
		}
	}

	var updated *models.Order
	err = l.store.Tx(ctx, func(repo store.Repository) error {
		locked, err := repo.LockOrder(ctx, id)
		if err != nil {
			return err
		}
		if locked.Status == target {
			return errUnchanged
		}
		// Another writer may have moved the order since it was read.
		if locked.Status != order.Status {
			if err := lifecycle.CheckTransition(locked.OrderType, locked.Status, target, force); err != nil {
				return err
			}
		}

		from, enteredFrom := locked.Status, locked.UpdatedAt
		locked.Status = target
		locked.UpdatedAt = l.now().UTC()
		if err := repo.UpdateOrderStatus(ctx, id, target, locked.UpdatedAt); err != nil {
			return err
		}
		if err := l.sales.ApplyTransition(ctx, repo, locked, from, target, enteredFrom); err != nil {
			return err
		}
		result.Previous = from
		updated = locked
		return nil
	})
	if errors.Is(err, errUnchanged) {
		log.Info("Order already at requested status")
		return result, nil
	}
	if err != nil {
		log.WithError(err).Error("Failed to update order status")
		return nil, fmt.Errorf("update status of order %s: %w", id, orderErr(err, id))
	}

	if updated.CustomerEmail == "" {
		updated.CustomerEmail = order.CustomerEmail
	}
	result.Order = updated
	result.Changed = true

	if d := l.notifier.NotifyStatus(ctx, updated, target); d != nil {
		result.Deliveries = append(result.Deliveries, d)
	}

	log.WithField("emails", len(result.Deliveries)).Info("Order status updated")

	event := events.StatusChangedEvent{
		OrderID:   id,
		OrderType: updated.OrderType,
		From:      result.Previous,
		To:        target,
		Forced:    force,
		UpdatedAt: updated.UpdatedAt,
		EventTime: l.now().UTC(),
	}
	if err := l.publisher.StatusChanged(ctx, event); err != nil {
		log.WithError(err).Error("Failed to publish status changed event")
	}
	l.hub.Broadcast(websocket.TypeOrderStatusChanged, id, event)

	return result, nil
}
