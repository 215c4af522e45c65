package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type OrderType string

const (
	OrderTypeDineIn   OrderType = "dine_in"
	OrderTypeDelivery OrderType = "delivery"
	OrderTypePickup   OrderType = "pickup"
)

type OrderStatus string

const (
	StatusOrderPlaced      OrderStatus = "order_placed"
	StatusPreparing        OrderStatus = "preparing"
	StatusServed           OrderStatus = "served"
	StatusReadyForPickup   OrderStatus = "ready_for_pickup"
	StatusPickedUp         OrderStatus = "picked_up"
	StatusReadyForDelivery OrderStatus = "ready_for_delivery"
	StatusOutForDelivery   OrderStatus = "out_for_delivery"
	StatusDelivered        OrderStatus = "delivered"
	StatusCancelled        OrderStatus = "cancelled"
)

type PaymentMethod string

const (
	PaymentCash         PaymentMethod = "cash"
	PaymentGCash        PaymentMethod = "gcash"
	PaymentBankTransfer PaymentMethod = "bank_transfer"
)

type Order struct {
	ID            string          `json:"id"`
	CustomerName  string          `json:"customer_name"`
	CustomerEmail string          `json:"customer_email,omitempty"`
	UserID        *int64          `json:"user_id,omitempty"`
	OrderType     OrderType       `json:"order_type"`
	PaymentMethod PaymentMethod   `json:"payment_method"`
	TotalAmount   decimal.Decimal `json:"total_amount"`
	Status        OrderStatus     `json:"status"`
	Items         []OrderItem     `json:"items"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// OrderItem is a snapshot of the catalog at order time; it does not follow
// later product edits.
type OrderItem struct {
	ID          int64           `json:"id,omitempty"`
	OrderID     string          `json:"order_id,omitempty"`
	ProductName string          `json:"product_name"`
	Quantity    int             `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
	TotalPrice  decimal.Decimal `json:"total_price"`
	Size        string          `json:"size,omitempty"`
}

// Clone returns a deep copy so callers can hand snapshots to background
// workers without sharing the items slice.
func (o *Order) Clone() *Order {
	c := *o
	if o.UserID != nil {
		id := *o.UserID
		c.UserID = &id
	}
	c.Items = append([]OrderItem(nil), o.Items...)
	return &c
}

type OrderResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Order   *Order `json:"order,omitempty"`
}
