// Package sales maintains per-period revenue totals for completed orders.
package sales

import (
	"context"
	"fmt"
	"time"

	"github.com/jogardn/restaurant-orders/internal/apperr"
	"github.com/jogardn/restaurant-orders/internal/lifecycle"
	"github.com/jogardn/restaurant-orders/internal/store"
	"github.com/jogardn/restaurant-orders/pkg/models"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// PeriodStart truncates t (taken in UTC) to the first day of its period.
// Weeks start on Monday.
func PeriodStart(period models.PeriodType, t time.Time) time.Time {
	t = t.UTC()
	day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)

	switch period {
	case models.PeriodWeek:
		offset := (int(day.Weekday()) + 6) % 7
		return day.AddDate(0, 0, -offset)
	case models.PeriodMonth:
		return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	case models.PeriodYear:
		return time.Date(t.Year(), time.January, 1, 0, 0, 0, 0, time.UTC)
	default:
		return day
	}
}

func ValidPeriod(p models.PeriodType) bool {
	for _, known := range models.PeriodTypes {
		if p == known {
			return true
		}
	}
	return false
}

type Aggregator struct {
	store  store.Store
	logger *logrus.Logger
}

func NewAggregator(s store.Store, logger *logrus.Logger) *Aggregator {
	return &Aggregator{store: s, logger: logger}
}

// ApplyTransition adjusts the period buckets for an order moving from one
// status to another. It runs inside the caller's transaction and is a no-op
// unless the move enters or leaves a completed status.
//
// A move into completed is booked on order.UpdatedAt. A move out of
// completed is taken back from the buckets of enteredFrom, the time the
// order reached from, so a later correction undoes the original booking.
func (a *Aggregator) ApplyTransition(ctx context.Context, repo store.Repository, order *models.Order, from, to models.OrderStatus, enteredFrom time.Time) error {
	wasCompleted := lifecycle.IsCompleted(order.OrderType, from)
	isCompleted := lifecycle.IsCompleted(order.OrderType, to)

	var delta decimal.Decimal
	at := order.UpdatedAt
	switch {
	case !wasCompleted && isCompleted:
		delta = order.TotalAmount
	case wasCompleted && !isCompleted:
		delta = order.TotalAmount.Neg()
		at = enteredFrom
	default:
		return nil
	}

	for _, period := range models.PeriodTypes {
		start := PeriodStart(period, at)
		if err := repo.AdjustSalesSummary(ctx, period, start, delta); err != nil {
			return fmt.Errorf("adjust %s summary: %w", period, err)
		}
	}

	a.logger.WithFields(logrus.Fields{
		"order_id": order.ID,
		"from":     from,
		"to":       to,
		"delta":    delta.StringFixed(2),
		"booked":   at.Format("2006-01-02"),
	}).Info("Sales summaries updated")

	return nil
}

type Report struct {
	Period    models.PeriodType      `json:"period"`
	From      time.Time              `json:"from"`
	To        time.Time              `json:"to"`
	Summaries []*models.SalesSummary `json:"summaries"`
	Total     decimal.Decimal        `json:"total"`
}

// Report lists the buckets of one period type whose start falls within
// [from, to], newest first, with their grand total.
func (a *Aggregator) Report(ctx context.Context, period models.PeriodType, from, to time.Time) (*Report, error) {
	if !ValidPeriod(period) {
		return nil, apperr.Validation("unknown period %q", period)
	}
	from = PeriodStart(period, from)
	to = to.UTC()
	if to.Before(from) {
		return nil, apperr.Validation("'from' must not be after 'to'")
	}

	var summaries []*models.SalesSummary
	err := a.store.Read(ctx, func(repo store.Repository) error {
		var err error
		summaries, err = repo.ListSalesSummaries(ctx, period, from, to)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("list sales summaries: %w", err)
	}

	total := decimal.Zero
	for _, s := range summaries {
		total = total.Add(s.TotalAmount)
	}

	return &Report{Period: period, From: from, To: to, Summaries: summaries, Total: total}, nil
}
