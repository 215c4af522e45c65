package catalog

import (
	"context"
	"sync"
	"testing"

	"github.com/jogardn/restaurant-orders/internal/apperr"
	"github.com/jogardn/restaurant-orders/internal/inventory"
	"github.com/jogardn/restaurant-orders/internal/store"
	"github.com/jogardn/restaurant-orders/pkg/models"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

type fakeCache struct {
	mu          sync.Mutex
	data        []byte
	hits        int
	invalidated int
}

func (c *fakeCache) Menu(ctx context.Context) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.data == nil {
		return nil, false, nil
	}
	c.hits++
	return c.data, true, nil
}

func (c *fakeCache) SetMenu(ctx context.Context, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data = data
	return nil
}

func (c *fakeCache) InvalidateMenu(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data = nil
	c.invalidated++
	return nil
}

func newTestService(policy inventory.ZeroStockPolicy) (*Service, *store.Memory, *fakeCache) {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	s := store.NewMemory()
	cache := &fakeCache{}
	return NewService(s, inventory.NewAdjuster(policy, logger), cache, logger), s, cache
}

func boolPtr(b bool) *bool { return &b }

func TestCreateValidation(t *testing.T) {
	svc, _, _ := newTestService(inventory.MarkOutOfStock)
	ctx := context.Background()

	tests := []struct {
		name  string
		input ProductInput
	}{
		{"missing name", ProductInput{Name: "  ", Price: decimal.NewFromInt(10)}},
		{"negative price", ProductInput{Name: "Nachos", Price: decimal.NewFromInt(-1)}},
		{"negative stock", ProductInput{Name: "Nachos", Price: decimal.NewFromInt(1), StockQuantity: -2}},
		{"negative size price", ProductInput{
			Name:        "Rocky Road",
			Price:       decimal.NewFromInt(170),
			SizeOptions: map[string]decimal.Decimal{"M": decimal.NewFromInt(-140)},
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Create(ctx, tt.input)
			if apperr.KindOf(err) != apperr.KindValidation {
				t.Errorf("expected validation error, got %v", err)
			}
		})
	}
}

func TestCreateAndDuplicate(t *testing.T) {
	svc, _, cache := newTestService(inventory.MarkOutOfStock)
	ctx := context.Background()

	p, err := svc.Create(ctx, ProductInput{Name: "Nachos", Price: decimal.NewFromInt(129), StockQuantity: 15})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if !p.ShowInMenu || !p.IsActive {
		t.Error("new products should be visible by default")
	}
	if cache.invalidated != 1 {
		t.Errorf("expected menu invalidation, got %d", cache.invalidated)
	}

	_, err = svc.Create(ctx, ProductInput{Name: "Nachos", Price: decimal.NewFromInt(99)})
	if apperr.KindOf(err) != apperr.KindConflict {
		t.Errorf("expected conflict for duplicate name, got %v", err)
	}
}

func TestUpdateRestockUnderHide(t *testing.T) {
	tests := []struct {
		name        string
		policy      inventory.ZeroStockPolicy
		wantVisible bool
	}{
		{"hide reactivates", inventory.Hide, true},
		{"mark out of stock leaves flags", inventory.MarkOutOfStock, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, _, _ := newTestService(tt.policy)
			ctx := context.Background()

			p, err := svc.Create(ctx, ProductInput{
				Name:       "Lasagna",
				Price:      decimal.NewFromInt(250),
				ShowInMenu: boolPtr(false),
				IsActive:   boolPtr(false),
			})
			if err != nil {
				t.Fatalf("Create failed: %v", err)
			}

			updated, err := svc.Update(ctx, p.ID, ProductInput{Name: "Lasagna", Price: decimal.NewFromInt(250), StockQuantity: 4})
			if err != nil {
				t.Fatalf("Update failed: %v", err)
			}
			if updated.ShowInMenu != tt.wantVisible || updated.IsActive != tt.wantVisible {
				t.Errorf("expected visibility %v, got show=%v active=%v", tt.wantVisible, updated.ShowInMenu, updated.IsActive)
			}
			if updated.OutOfStock {
				t.Error("restocked product still flagged out of stock")
			}
		})
	}
}

func TestUpdateAndDeleteUnknown(t *testing.T) {
	svc, _, _ := newTestService(inventory.MarkOutOfStock)
	ctx := context.Background()

	_, err := svc.Update(ctx, 42, ProductInput{Name: "Ghost", Price: decimal.NewFromInt(1)})
	if apperr.KindOf(err) != apperr.KindNotFound {
		t.Errorf("expected not found on update, got %v", err)
	}
	if err := svc.Delete(ctx, 42); apperr.KindOf(err) != apperr.KindNotFound {
		t.Errorf("expected not found on delete, got %v", err)
	}
}

func TestMenuUsesCache(t *testing.T) {
	svc, s, cache := newTestService(inventory.MarkOutOfStock)
	ctx := context.Background()

	svc.Create(ctx, ProductInput{Name: "Nachos", Price: decimal.NewFromInt(129), StockQuantity: 0})
	svc.Create(ctx, ProductInput{Name: "Kesodilla", Price: decimal.NewFromInt(99), StockQuantity: 3, IsActive: boolPtr(false)})

	menu, err := svc.Menu(ctx)
	if err != nil {
		t.Fatalf("Menu failed: %v", err)
	}
	if len(menu) != 1 || menu[0].Name != "Nachos" {
		t.Fatalf("expected only the active product, got %+v", menu)
	}
	if !menu[0].OutOfStock {
		t.Error("empty product should be listed as out of stock")
	}

	// Change the store behind the cache's back; the cached copy is served.
	s.Tx(ctx, func(repo store.Repository) error {
		return repo.CreateProduct(ctx, &models.Product{Name: "Beef Wrap", ShowInMenu: true, IsActive: true, StockQuantity: 2})
	})
	menu, _ = svc.Menu(ctx)
	if len(menu) != 1 || cache.hits != 1 {
		t.Errorf("expected cached menu, got %d products and %d hits", len(menu), cache.hits)
	}

	svc.InvalidateMenu(ctx)
	menu, _ = svc.Menu(ctx)
	if len(menu) != 2 {
		t.Errorf("expected fresh menu after invalidation, got %d products", len(menu))
	}
}

func TestFixVisibility(t *testing.T) {
	svc, _, _ := newTestService(inventory.MarkOutOfStock)
	ctx := context.Background()

	svc.Create(ctx, ProductInput{Name: "Nachos", Price: decimal.NewFromInt(129), ShowInMenu: boolPtr(false)})
	svc.Create(ctx, ProductInput{Name: "Kesodilla", Price: decimal.NewFromInt(99)})

	n, err := svc.FixVisibility(ctx)
	if err != nil {
		t.Fatalf("FixVisibility failed: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 product changed, got %d", n)
	}

	menu, _ := svc.Menu(ctx)
	if len(menu) != 2 {
		t.Errorf("expected both products on the menu, got %d", len(menu))
	}
}

func TestSeedUpserts(t *testing.T) {
	svc, _, _ := newTestService(inventory.MarkOutOfStock)
	ctx := context.Background()

	existing, _ := svc.Create(ctx, ProductInput{
		Name:        "Nachos",
		Description: "House nachos",
		Price:       decimal.NewFromInt(100),
		IsActive:    boolPtr(false),
	})

	result, err := svc.Seed(ctx, DefaultMenu)
	if err != nil {
		t.Fatalf("Seed failed: %v", err)
	}
	if result.Created != len(DefaultMenu)-1 || result.Updated != 1 {
		t.Errorf("unexpected seed result %+v", result)
	}

	p, _ := svc.Get(ctx, existing.ID)
	if !p.Price.Equal(decimal.NewFromInt(129)) || p.StockQuantity != 15 || !p.IsActive {
		t.Errorf("existing product not refreshed: %+v", p)
	}
	if p.Description != "House nachos" {
		t.Errorf("seed should keep the description, got %q", p.Description)
	}

	all, _ := svc.List(ctx, store.ProductFilter{Category: "desserts"})
	for _, d := range all {
		if _, ok := d.SizeOptions["M"]; !ok {
			t.Errorf("%s missing M size", d.Name)
		}
		if !d.PriceFor("L").Equal(d.Price) {
			t.Errorf("%s: L price should equal base price", d.Name)
		}
	}

	again, err := svc.Seed(ctx, DefaultMenu)
	if err != nil || again.Created != 0 || again.Updated != len(DefaultMenu) {
		t.Errorf("second seed should only update: %+v err=%v", again, err)
	}
}
