// Package store persists orders, catalog, sales summaries and accounts.
//
// Services talk to a Store and run their work through Tx or Read; the
// Repository handed to the callback is bound to the transaction (or to the
// plain connection for Read), so the same code serves both.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/jogardn/restaurant-orders/pkg/models"
	"github.com/shopspring/decimal"
)

var (
	ErrNotFound  = errors.New("record not found")
	ErrDuplicate = errors.New("duplicate record")
)

type Store interface {
	// Tx runs fn inside one transaction. Any error from fn rolls back every
	// write fn made.
	Tx(ctx context.Context, fn func(Repository) error) error
	// Read runs fn against a non-transactional handle. Writes made through
	// it commit individually.
	Read(ctx context.Context, fn func(Repository) error) error
	Ping(ctx context.Context) error
	Close() error
}

type OrderFilter struct {
	Status models.OrderStatus
	Type   models.OrderType
	Limit  int
}

type ProductFilter struct {
	// MenuOnly restricts the listing to active products shown in the menu.
	MenuOnly bool
	Category string
}

type Repository interface {
	CreateOrder(ctx context.Context, order *models.Order) error
	GetOrder(ctx context.Context, id string) (*models.Order, error)
	// LockOrder loads an order and holds its row lock until the surrounding
	// transaction ends.
	LockOrder(ctx context.Context, id string) (*models.Order, error)
	ListOrders(ctx context.Context, filter OrderFilter) ([]*models.Order, error)
	UpdateOrderStatus(ctx context.Context, id string, status models.OrderStatus, updatedAt time.Time) error
	SetOrderEmail(ctx context.Context, id, email string) error
	DeleteOrder(ctx context.Context, id string) error

	CreateProduct(ctx context.Context, p *models.Product) error
	GetProduct(ctx context.Context, id int64) (*models.Product, error)
	// LockProductByName matches the name exactly (case-sensitive) and holds
	// the row lock until the surrounding transaction ends.
	LockProductByName(ctx context.Context, name string) (*models.Product, error)
	ListProducts(ctx context.Context, filter ProductFilter) ([]*models.Product, error)
	UpdateProduct(ctx context.Context, p *models.Product) error
	DeleteProduct(ctx context.Context, id int64) error
	// SetAllVisible turns on both visibility flags of every product and
	// returns how many rows changed.
	SetAllVisible(ctx context.Context) (int64, error)

	// AdjustSalesSummary adds delta to the bucket, creating it on first use.
	// The stored total never drops below zero.
	AdjustSalesSummary(ctx context.Context, period models.PeriodType, start time.Time, delta decimal.Decimal) error
	GetSalesSummary(ctx context.Context, period models.PeriodType, start time.Time) (*models.SalesSummary, error)
	ListSalesSummaries(ctx context.Context, period models.PeriodType, from, to time.Time) ([]*models.SalesSummary, error)

	CreateUser(ctx context.Context, u *models.User) error
	GetUser(ctx context.Context, id int64) (*models.User, error)
	GetUserByLogin(ctx context.Context, login string) (*models.User, error)
	UpdateUserPassword(ctx context.Context, id int64, hash string) error
	RecordSignupEvent(ctx context.Context, e *models.SignupEvent) error

	// SaveResetToken keeps a single token row per user, overwriting the
	// token and its creation time.
	SaveResetToken(ctx context.Context, t *models.PasswordResetToken) error
	GetResetToken(ctx context.Context, token string) (*models.PasswordResetToken, error)
	DeleteResetToken(ctx context.Context, userID int64) error
}
