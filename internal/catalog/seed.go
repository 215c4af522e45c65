package catalog

import (
	"context"
	"errors"
	"fmt"

	"github.com/jogardn/restaurant-orders/internal/store"
	"github.com/jogardn/restaurant-orders/pkg/models"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

type SeedItem struct {
	Name     string
	Price    int64
	Stock    int
	Category string
	// Sizes maps a size label to its price.
	Sizes map[string]int64
}

var DefaultMenu = []SeedItem{
	{Name: "Mais Con Yelo", Price: 130, Stock: 15, Category: "desserts", Sizes: map[string]int64{"M": 110, "L": 130}},
	{Name: "Biscoff Classic", Price: 200, Stock: 8, Category: "desserts", Sizes: map[string]int64{"M": 175, "L": 200}},
	{Name: "Buko Pandan", Price: 120, Stock: 12, Category: "desserts", Sizes: map[string]int64{"M": 100, "L": 120}},
	{Name: "Mango Graham", Price: 180, Stock: 10, Category: "desserts", Sizes: map[string]int64{"M": 150, "L": 180}},
	{Name: "Ube Macapuno", Price: 160, Stock: 10, Category: "desserts", Sizes: map[string]int64{"M": 130, "L": 160}},
	{Name: "Rocky Road", Price: 170, Stock: 10, Category: "desserts", Sizes: map[string]int64{"M": 140, "L": 170}},
	{Name: "Coffee Jelly", Price: 140, Stock: 10, Category: "desserts", Sizes: map[string]int64{"M": 115, "L": 140}},
	{Name: "Dulce de Leche", Price: 190, Stock: 10, Category: "desserts", Sizes: map[string]int64{"M": 160, "L": 190}},
	{Name: "Choco Peanut Banana", Price: 190, Stock: 10, Category: "desserts", Sizes: map[string]int64{"M": 160, "L": 190}},
	{Name: "Cookie Monster", Price: 190, Stock: 10, Category: "desserts", Sizes: map[string]int64{"M": 160, "L": 190}},
	{Name: "Cheesy Bacon", Price: 159, Stock: 20, Category: "spud"},
	{Name: "Chili Con Carne", Price: 179, Stock: 18, Category: "spud"},
	{Name: "Triple Cheese", Price: 129, Stock: 15, Category: "spud"},
	{Name: "Lasagna Jacket", Price: 129, Stock: 15, Category: "spud"},
	{Name: "Garlic Bread", Price: 90, Stock: 25, Category: "pasta_bread"},
	{Name: "Lasagna", Price: 250, Stock: 10, Category: "pasta_bread"},
	{Name: "Chicken Wrap", Price: 169, Stock: 15, Category: "wrap"},
	{Name: "Beef Wrap", Price: 139, Stock: 15, Category: "wrap"},
	{Name: "Kesodilla", Price: 99, Stock: 15, Category: "wrap"},
	{Name: "Chicken Poppers", Price: 149, Stock: 10, Category: "appetizers"},
	{Name: "Nachos", Price: 129, Stock: 15, Category: "appetizers"},
}

type SeedResult struct {
	Created int `json:"created"`
	Updated int `json:"updated"`
}

// Seed upserts items by exact name. Existing products get the seeded price,
// stock and category, keep their description, and are made visible again.
// Size options are only replaced when the item defines some.
func (s *Service) Seed(ctx context.Context, items []SeedItem) (SeedResult, error) {
	var result SeedResult
	now := s.now().UTC()

	err := s.store.Tx(ctx, func(repo store.Repository) error {
		for _, item := range items {
			sizes := make(map[string]decimal.Decimal, len(item.Sizes))
			for label, price := range item.Sizes {
				sizes[label] = decimal.NewFromInt(price)
			}

			p, err := repo.LockProductByName(ctx, item.Name)
			if errors.Is(err, store.ErrNotFound) {
				p = &models.Product{
					Name:          item.Name,
					Price:         decimal.NewFromInt(item.Price),
					StockQuantity: item.Stock,
					Category:      item.Category,
					SizeOptions:   sizes,
					ShowInMenu:    true,
					IsActive:      true,
					CreatedAt:     now,
					UpdatedAt:     now,
				}
				if err := repo.CreateProduct(ctx, p); err != nil {
					return fmt.Errorf("create %q: %w", item.Name, err)
				}
				result.Created++
				continue
			}
			if err != nil {
				return fmt.Errorf("lock %q: %w", item.Name, err)
			}

			p.Price = decimal.NewFromInt(item.Price)
			p.StockQuantity = item.Stock
			if item.Category != "" {
				p.Category = item.Category
			}
			if len(sizes) > 0 {
				p.SizeOptions = sizes
			}
			p.ShowInMenu = true
			p.IsActive = true
			p.UpdatedAt = now
			if err := repo.UpdateProduct(ctx, p); err != nil {
				return fmt.Errorf("update %q: %w", item.Name, err)
			}
			result.Updated++
		}
		return nil
	})
	if err != nil {
		return SeedResult{}, fmt.Errorf("seed menu: %w", err)
	}

	s.logger.WithFields(logrus.Fields{
		"created": result.Created,
		"updated": result.Updated,
	}).Info("Menu products loaded")
	s.invalidate(ctx)
	return result, nil
}
