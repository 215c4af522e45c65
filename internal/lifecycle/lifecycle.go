// Package lifecycle holds the per-order-type status pipelines and the rules
// for moving an order along them.
package lifecycle

import (
	"github.com/jogardn/restaurant-orders/internal/apperr"
	"github.com/jogardn/restaurant-orders/pkg/models"
)

// Pipelines lists the forward statuses of each order type in order.
// Cancellation is not part of any pipeline; it is reachable from every
// non-terminal status.
var pipelines = map[models.OrderType][]models.OrderStatus{
	models.OrderTypeDineIn: {
		models.StatusOrderPlaced,
		models.StatusPreparing,
		models.StatusServed,
	},
	models.OrderTypePickup: {
		models.StatusOrderPlaced,
		models.StatusPreparing,
		models.StatusReadyForPickup,
		models.StatusPickedUp,
	},
	models.OrderTypeDelivery: {
		models.StatusOrderPlaced,
		models.StatusPreparing,
		models.StatusReadyForDelivery,
		models.StatusOutForDelivery,
		models.StatusDelivered,
	},
}

var displayNames = map[models.OrderStatus]string{
	models.StatusOrderPlaced:      "Order Placed",
	models.StatusPreparing:        "Preparing Order",
	models.StatusServed:           "Served",
	models.StatusReadyForPickup:   "Ready for Pickup",
	models.StatusPickedUp:         "Picked Up",
	models.StatusReadyForDelivery: "Ready for Delivery",
	models.StatusOutForDelivery:   "Out for Delivery",
	models.StatusDelivered:        "Delivered",
	models.StatusCancelled:        "Cancelled",
}

var details = map[models.OrderStatus]string{
	models.StatusOrderPlaced:      "Your order has been placed and is being processed.",
	models.StatusPreparing:        "Your order is being prepared.",
	models.StatusServed:           "Your order has been served. Enjoy your meal!",
	models.StatusReadyForPickup:   "Your order is ready for pickup at our store.",
	models.StatusPickedUp:         "Your order has been picked up.",
	models.StatusReadyForDelivery: "Your order is packed and waiting for a rider.",
	models.StatusOutForDelivery:   "Your order is out for delivery.",
	models.StatusDelivered:        "Your order has been successfully delivered.",
	models.StatusCancelled:        "Your order has been cancelled.",
}

func ValidType(t models.OrderType) bool {
	_, ok := pipelines[t]
	return ok
}

// Pipeline returns a copy of the forward statuses for t.
func Pipeline(t models.OrderType) []models.OrderStatus {
	return append([]models.OrderStatus(nil), pipelines[t]...)
}

func Initial(t models.OrderType) models.OrderStatus {
	return pipelines[t][0]
}

func index(t models.OrderType, s models.OrderStatus) int {
	for i, step := range pipelines[t] {
		if step == s {
			return i
		}
	}
	return -1
}

// ValidStatus reports whether s belongs to the status set of order type t.
func ValidStatus(t models.OrderType, s models.OrderStatus) bool {
	if !ValidType(t) {
		return false
	}
	return s == models.StatusCancelled || index(t, s) >= 0
}

// IsCompleted reports whether s is the successful end of t's pipeline.
func IsCompleted(t models.OrderType, s models.OrderStatus) bool {
	p := pipelines[t]
	return len(p) > 0 && p[len(p)-1] == s
}

func IsTerminal(t models.OrderType, s models.OrderStatus) bool {
	return s == models.StatusCancelled || IsCompleted(t, s)
}

// CheckTransition validates a move from one status to another. Corrections
// (force) may move to any status of the type, including backwards.
func CheckTransition(t models.OrderType, from, to models.OrderStatus, force bool) error {
	if !ValidType(t) {
		return apperr.Validation("unknown order type %q", t)
	}
	if !ValidStatus(t, to) {
		return apperr.Validation("status %q is not valid for %s orders", to, t)
	}
	if from == to || force {
		return nil
	}
	if IsTerminal(t, from) {
		return apperr.Conflict("order is already %s", DisplayName(from))
	}
	if to == models.StatusCancelled {
		return nil
	}
	if fi := index(t, from); fi >= 0 && index(t, to) < fi {
		return apperr.Conflict("cannot move order from %s back to %s", DisplayName(from), DisplayName(to))
	}
	return nil
}

// Intermediates returns the statuses strictly between from and to along t's
// pipeline. Only forward moves inside the pipeline have intermediates.
func Intermediates(t models.OrderType, from, to models.OrderStatus) []models.OrderStatus {
	fi, ti := index(t, from), index(t, to)
	if fi < 0 || ti < 0 || ti-fi < 2 {
		return nil
	}
	return append([]models.OrderStatus(nil), pipelines[t][fi+1:ti]...)
}

func DisplayName(s models.OrderStatus) string {
	if name, ok := displayNames[s]; ok {
		return name
	}
	return string(s)
}

func Detail(s models.OrderStatus) string {
	if d, ok := details[s]; ok {
		return d
	}
	return "Order status updated."
}

type Step struct {
	Status models.OrderStatus `json:"status"`
	Label  string             `json:"label"`
	Active bool               `json:"active"`
}

// TrackingSteps renders t's pipeline with every step up to current marked
// active.
func TrackingSteps(t models.OrderType, current models.OrderStatus) []Step {
	ci := index(t, current)
	steps := make([]Step, 0, len(pipelines[t]))
	for i, s := range pipelines[t] {
		steps = append(steps, Step{Status: s, Label: DisplayName(s), Active: ci >= 0 && i <= ci})
	}
	return steps
}
