// Package orders owns placed orders: creation with stock adjustment, the
// status state machine with its notifications and sales bookkeeping, and
// the read side used by customers and staff.
package orders

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/jogardn/restaurant-orders/internal/apperr"
	"github.com/jogardn/restaurant-orders/internal/events"
	"github.com/jogardn/restaurant-orders/internal/inventory"
	"github.com/jogardn/restaurant-orders/internal/lifecycle"
	"github.com/jogardn/restaurant-orders/internal/notify"
	"github.com/jogardn/restaurant-orders/internal/sales"
	"github.com/jogardn/restaurant-orders/internal/store"
	"github.com/jogardn/restaurant-orders/internal/websocket"
	"github.com/jogardn/restaurant-orders/pkg/models"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

const idAttempts = 3

type Notifier interface {
	NotifyStatus(ctx context.Context, order *models.Order, status models.OrderStatus) *notify.Delivery
}

type Broadcaster interface {
	Broadcast(messageType, orderID string, data interface{})
}

type IdempotencyKeys interface {
	Claim(ctx context.Context, key string) (bool, error)
	Release(ctx context.Context, key string) error
}

type MenuInvalidator interface {
	InvalidateMenu(ctx context.Context)
}

// Deps wires the Ledger. Store, Adjuster, Sales and Notifier are required;
// the rest fall back to no-ops.
type Deps struct {
	Store     store.Store
	Adjuster  *inventory.Adjuster
	Sales     *sales.Aggregator
	Notifier  Notifier
	Publisher events.Publisher
	Hub       Broadcaster
	Keys      IdempotencyKeys
	Menu      MenuInvalidator
	Logger    *logrus.Logger
}

type Ledger struct {
	store     store.Store
	adjuster  *inventory.Adjuster
	sales     *sales.Aggregator
	notifier  Notifier
	publisher events.Publisher
	hub       Broadcaster
	keys      IdempotencyKeys
	menu      MenuInvalidator
	logger    *logrus.Logger
	now       func() time.Time
}

type nopBroadcaster struct{}

func (nopBroadcaster) Broadcast(string, string, interface{}) {}

type nopKeys struct{}

func (nopKeys) Claim(context.Context, string) (bool, error) { return true, nil }
func (nopKeys) Release(context.Context, string) error       { return nil }

type nopMenu struct{}

func (nopMenu) InvalidateMenu(context.Context) {}

func NewLedger(deps Deps) *Ledger {
	l := &Ledger{
		store:     deps.Store,
		adjuster:  deps.Adjuster,
		sales:     deps.Sales,
		notifier:  deps.Notifier,
		publisher: deps.Publisher,
		hub:       deps.Hub,
		keys:      deps.Keys,
		menu:      deps.Menu,
		logger:    deps.Logger,
		now:       time.Now,
	}
	if l.publisher == nil {
		l.publisher = events.NopPublisher{Logger: l.logger}
	}
	if l.hub == nil {
		l.hub = nopBroadcaster{}
	}
	if l.keys == nil {
		l.keys = nopKeys{}
	}
	if l.menu == nil {
		l.menu = nopMenu{}
	}
	return l
}

type ItemRequest struct {
	ProductName string `json:"product_name"`
	Quantity    int    `json:"quantity"`
	// Price is used only when no catalog product has this name.
	Price decimal.Decimal `json:"price"`
	Size  string          `json:"size,omitempty"`
}

type CreateOrderRequest struct {
	CustomerName  string               `json:"customer_name"`
	CustomerEmail string               `json:"customer_email,omitempty"`
	OrderType     models.OrderType     `json:"order_type"`
	PaymentMethod models.PaymentMethod `json:"payment_method"`
	Items         []ItemRequest        `json:"items"`

	UserID         *int64 `json:"-"`
	IdempotencyKey string `json:"-"`
}

var paymentMethods = map[models.PaymentMethod]bool{
	models.PaymentCash:         true,
	models.PaymentGCash:        true,
	models.PaymentBankTransfer: true,
}

func (r *CreateOrderRequest) normalize() {
	r.CustomerName = strings.TrimSpace(r.CustomerName)
	r.CustomerEmail = strings.TrimSpace(r.CustomerEmail)
	if r.PaymentMethod == "" {
		r.PaymentMethod = models.PaymentCash
	}
	for i := range r.Items {
		r.Items[i].ProductName = strings.TrimSpace(r.Items[i].ProductName)
	}
}

func (r *CreateOrderRequest) validate() error {
	var result *multierror.Error
	if r.CustomerName == "" {
		result = multierror.Append(result, errors.New("customer_name is required"))
	}
	if r.CustomerEmail != "" {
		if _, err := mail.ParseAddress(r.CustomerEmail); err != nil {
			result = multierror.Append(result, fmt.Errorf("customer_email %q is not a valid address", r.CustomerEmail))
		}
	}
	if !lifecycle.ValidType(r.OrderType) {
		result = multierror.Append(result, fmt.Errorf("unknown order_type %q", r.OrderType))
	}
	if !paymentMethods[r.PaymentMethod] {
		result = multierror.Append(result, fmt.Errorf("unknown payment_method %q", r.PaymentMethod))
	} else if r.OrderType == models.OrderTypeDineIn && r.PaymentMethod != models.PaymentCash {
		result = multierror.Append(result, errors.New("dine-in orders are paid in cash"))
	}
	if len(r.Items) == 0 {
		result = multierror.Append(result, errors.New("order must contain at least one item"))
	}
	for i, item := range r.Items {
		if item.ProductName == "" {
			result = multierror.Append(result, fmt.Errorf("item %d: product_name is required", i+1))
		}
		if item.Quantity <= 0 {
			result = multierror.Append(result, fmt.Errorf("item %d: quantity must be positive", i+1))
		}
		if item.Price.IsNegative() {
			result = multierror.Append(result, fmt.Errorf("item %d: price must not be negative", i+1))
		}
	}

	if err := result.ErrorOrNil(); err != nil {
		msgs := make([]string, 0, len(result.Errors))
		for _, e := range result.Errors {
			msgs = append(msgs, e.Error())
		}
		return apperr.Wrap(apperr.KindValidation, err, "invalid order: "+strings.Join(msgs, "; "))
	}
	return nil
}

// NewOrderID returns ORD-<yyyymmddhhmmss>-<8 upper-case hex digits>.
func NewOrderID(t time.Time) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return "ORD-" + t.UTC().Format("20060102150405") + "-" + strings.ToUpper(suffix)
}

// CreateOrder validates req and stores the order with its items while
// decrementing catalog stock, all in one transaction. Line prices come from
// the catalog (the size price when the label matches); items with no
// catalog product keep the price sent by the client.
func (l *Ledger) CreateOrder(ctx context.Context, req CreateOrderRequest) (*models.Order, error) {
	req.normalize()
	if err := req.validate(); err != nil {
		return nil, err
	}

	if req.IdempotencyKey != "" {
		ok, err := l.keys.Claim(ctx, req.IdempotencyKey)
		if err != nil {
			l.logger.WithError(err).Warn("Idempotency check unavailable, accepting order")
		} else if !ok {
			return nil, apperr.Conflict("order request %q was already submitted", req.IdempotencyKey)
		}
	}

	order, err := l.insertOrder(ctx, req)
	if err != nil {
		if req.IdempotencyKey != "" {
			if relErr := l.keys.Release(ctx, req.IdempotencyKey); relErr != nil {
				l.logger.WithError(relErr).Warn("Failed to release idempotency key")
			}
		}
		return nil, err
	}

	l.logger.WithFields(logrus.Fields{
		"order_id":     order.ID,
		"order_type":   order.OrderType,
		"total_amount": order.TotalAmount.StringFixed(2),
		"items_count":  len(order.Items),
	}).Info("Order created successfully")

	event := events.OrderCreatedEvent{
		OrderID:      order.ID,
		CustomerName: order.CustomerName,
		OrderType:    order.OrderType,
		TotalAmount:  order.TotalAmount,
		ItemCount:    len(order.Items),
		CreatedAt:    order.CreatedAt,
		EventTime:    l.now().UTC(),
	}
	if err := l.publisher.OrderCreated(ctx, event); err != nil {
		l.logger.WithError(err).WithField("order_id", order.ID).Error("Failed to publish order created event")
	}
	l.hub.Broadcast(websocket.TypeOrderCreated, order.ID, order.Clone())
	l.menu.InvalidateMenu(ctx)

	return order, nil
}

func (l *Ledger) insertOrder(ctx context.Context, req CreateOrderRequest) (*models.Order, error) {
	for attempt := 1; ; attempt++ {
		now := l.now().UTC()
		order := &models.Order{
			ID:            NewOrderID(now),
			CustomerName:  req.CustomerName,
			CustomerEmail: req.CustomerEmail,
			UserID:        req.UserID,
			OrderType:     req.OrderType,
			PaymentMethod: req.PaymentMethod,
			Status:        lifecycle.Initial(req.OrderType),
			CreatedAt:     now,
			UpdatedAt:     now,
		}

		err := l.store.Tx(ctx, func(repo store.Repository) error {
			total := decimal.Zero
			items := make([]models.OrderItem, 0, len(req.Items))
			for _, item := range req.Items {
				product, err := l.adjuster.Decrement(ctx, repo, item.ProductName, item.Quantity)
				if err != nil {
					return err
				}
				unit := item.Price
				if product != nil {
					unit = product.PriceFor(item.Size)
				}
				line := unit.Mul(decimal.NewFromInt(int64(item.Quantity)))
				total = total.Add(line)
				items = append(items, models.OrderItem{
					ProductName: item.ProductName,
					Quantity:    item.Quantity,
					UnitPrice:   unit,
					TotalPrice:  line,
					Size:        item.Size,
				})
			}
			order.Items = items
			order.TotalAmount = total
			return repo.CreateOrder(ctx, order)
		})
		if errors.Is(err, store.ErrDuplicate) && attempt < idAttempts {
			l.logger.WithField("order_id", order.ID).Warn("Order id collision, regenerating")
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("create order: %w", err)
		}
		return order, nil
	}
}

func orderErr(err error, id string) error {
	if errors.Is(err, store.ErrNotFound) {
		return apperr.NotFound("order %s not found", id)
	}
	return err
}

func (l *Ledger) GetOrder(ctx context.Context, id string) (*models.Order, error) {
	var order *models.Order
	err := l.store.Read(ctx, func(repo store.Repository) error {
		var err error
		order, err = repo.GetOrder(ctx, id)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("get order %s: %w", id, orderErr(err, id))
	}
	return order, nil
}

type StatusView struct {
	OrderID     string             `json:"order_id"`
	OrderType   models.OrderType   `json:"order_type"`
	Status      models.OrderStatus `json:"status"`
	DisplayName string             `json:"display_name"`
	Detail      string             `json:"detail"`
	Steps       []lifecycle.Step   `json:"steps"`
	UpdatedAt   time.Time          `json:"updated_at"`
}

// OrderStatusView is what a customer tracking an order sees.
func (l *Ledger) OrderStatusView(ctx context.Context, id string) (*StatusView, error) {
	order, err := l.GetOrder(ctx, id)
	if err != nil {
		return nil, err
	}
	return &StatusView{
		OrderID:     order.ID,
		OrderType:   order.OrderType,
		Status:      order.Status,
		DisplayName: lifecycle.DisplayName(order.Status),
		Detail:      lifecycle.Detail(order.Status),
		Steps:       lifecycle.TrackingSteps(order.OrderType, order.Status),
		UpdatedAt:   order.UpdatedAt,
	}, nil
}

func (l *Ledger) ListOrders(ctx context.Context, filter store.OrderFilter) ([]*models.Order, error) {
	if filter.Type != "" && !lifecycle.ValidType(filter.Type) {
		return nil, apperr.Validation("unknown order_type %q", filter.Type)
	}
	if filter.Status != "" && !knownStatus(filter.Status) {
		return nil, apperr.Validation("unknown status %q", filter.Status)
	}
	if filter.Type != "" && filter.Status != "" && !lifecycle.ValidStatus(filter.Type, filter.Status) {
		return nil, apperr.Validation("status %q does not apply to %s orders, expected one of %s or %s",
			filter.Status, filter.Type, joinStatuses(lifecycle.Pipeline(filter.Type)), models.StatusCancelled)
	}

	var orders []*models.Order
	err := l.store.Read(ctx, func(repo store.Repository) error {
		var err error
		orders, err = repo.ListOrders(ctx, filter)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	return orders, nil
}

func joinStatuses(statuses []models.OrderStatus) string {
	names := make([]string, len(statuses))
	for i, s := range statuses {
		names[i] = string(s)
	}
	return strings.Join(names, ", ")
}

func knownStatus(s models.OrderStatus) bool {
	for _, t := range []models.OrderType{models.OrderTypeDineIn, models.OrderTypePickup, models.OrderTypeDelivery} {
		if lifecycle.ValidStatus(t, s) {
			return true
		}
	}
	return false
}

// DeleteOrder removes an order and its items. Stock and sales totals are
// left as they are.
func (l *Ledger) DeleteOrder(ctx context.Context, id string) error {
	err := l.store.Tx(ctx, func(repo store.Repository) error {
		return repo.DeleteOrder(ctx, id)
	})
	if err != nil {
		return fmt.Errorf("delete order %s: %w", id, orderErr(err, id))
	}
	l.logger.WithField("order_id", id).Info("Order deleted")
	l.hub.Broadcast(websocket.TypeOrderDeleted, id, nil)
	return nil
}
