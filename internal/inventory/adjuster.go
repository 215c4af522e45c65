// Package inventory keeps catalog stock in step with placed orders.
package inventory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jogardn/restaurant-orders/internal/store"
	"github.com/jogardn/restaurant-orders/pkg/models"
	"github.com/sirupsen/logrus"
)

// ZeroStockPolicy decides what happens to a product whose stock reaches
// zero.
type ZeroStockPolicy string

const (
	// MarkOutOfStock keeps the product listed and flags it out of stock.
	MarkOutOfStock ZeroStockPolicy = "mark_out_of_stock"
	// Hide turns off both visibility flags.
	Hide ZeroStockPolicy = "hide"
)

func ParsePolicy(s string) (ZeroStockPolicy, error) {
	switch ZeroStockPolicy(s) {
	case "", MarkOutOfStock:
		return MarkOutOfStock, nil
	case Hide:
		return Hide, nil
	default:
		return "", fmt.Errorf("unknown zero stock policy %q", s)
	}
}

type Adjuster struct {
	policy ZeroStockPolicy
	logger *logrus.Logger
	now    func() time.Time
}

func NewAdjuster(policy ZeroStockPolicy, logger *logrus.Logger) *Adjuster {
	return &Adjuster{policy: policy, logger: logger, now: time.Now}
}

func (a *Adjuster) Policy() ZeroStockPolicy {
	return a.policy
}

// Decrement lowers the stock of the product named exactly productName by
// quantity, never below zero. It must run inside the caller's transaction;
// the product row stays locked until that transaction ends. A missing
// product is not an error and yields (nil, nil).
func (a *Adjuster) Decrement(ctx context.Context, repo store.Repository, productName string, quantity int) (*models.Product, error) {
	product, err := repo.LockProductByName(ctx, productName)
	if errors.Is(err, store.ErrNotFound) {
		a.logger.WithField("product", productName).Debug("No catalog product for order item, skipping stock update")
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lock product %q: %w", productName, err)
	}

	previous := product.StockQuantity
	product.StockQuantity = previous - quantity
	if product.StockQuantity < 0 {
		product.StockQuantity = 0
	}

	if product.StockQuantity == 0 && a.policy == Hide {
		product.ShowInMenu = false
		product.IsActive = false
	}
	product.UpdatedAt = a.now().UTC()

	if err := repo.UpdateProduct(ctx, product); err != nil {
		return nil, fmt.Errorf("update stock for %q: %w", productName, err)
	}

	fields := logrus.Fields{
		"product":  productName,
		"previous": previous,
		"stock":    product.StockQuantity,
	}
	if product.StockQuantity == 0 {
		a.logger.WithFields(fields).WithField("policy", a.policy).Info("Product is out of stock")
	} else {
		a.logger.WithFields(fields).Debug("Stock decremented")
	}

	return product, nil
}

// Restocked applies the zero stock policy to a product whose stock was just
// raised through the catalog: under Hide a product coming back above zero is
// listed again.
func (a *Adjuster) Restocked(product *models.Product, previousStock int) {
	if a.policy != Hide {
		return
	}
	if previousStock == 0 && product.StockQuantity > 0 {
		product.ShowInMenu = true
		product.IsActive = true
	}
}
