// Package catalog manages the products sold by the restaurant and the
// public menu built from them.
package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/jogardn/restaurant-orders/internal/apperr"
	"github.com/jogardn/restaurant-orders/internal/inventory"
	"github.com/jogardn/restaurant-orders/internal/store"
	"github.com/jogardn/restaurant-orders/pkg/models"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

type MenuCache interface {
	Menu(ctx context.Context) ([]byte, bool, error)
	SetMenu(ctx context.Context, data []byte) error
	InvalidateMenu(ctx context.Context) error
}

// ProductInput carries the editable fields of a product. Nil visibility
// flags default to true on create and are left unchanged on update.
type ProductInput struct {
	Name          string                     `json:"name"`
	Description   string                     `json:"description"`
	Price         decimal.Decimal            `json:"price"`
	StockQuantity int                        `json:"stock_quantity"`
	Category      string                     `json:"category"`
	SizeOptions   map[string]decimal.Decimal `json:"size_options,omitempty"`
	ShowInMenu    *bool                      `json:"show_in_menu,omitempty"`
	IsActive      *bool                      `json:"is_active,omitempty"`
}

func (in *ProductInput) validate() error {
	var result *multierror.Error
	if strings.TrimSpace(in.Name) == "" {
		result = multierror.Append(result, errors.New("name is required"))
	}
	if in.Price.IsNegative() {
		result = multierror.Append(result, errors.New("price must not be negative"))
	}
	if in.StockQuantity < 0 {
		result = multierror.Append(result, errors.New("stock_quantity must not be negative"))
	}
	for size, price := range in.SizeOptions {
		if price.IsNegative() {
			result = multierror.Append(result, fmt.Errorf("size %q price must not be negative", size))
		}
	}
	if err := result.ErrorOrNil(); err != nil {
		return apperr.Wrap(apperr.KindValidation, err, "invalid product: "+joinErrors(result))
	}
	return nil
}

func joinErrors(m *multierror.Error) string {
	msgs := make([]string, 0, len(m.Errors))
	for _, e := range m.Errors {
		msgs = append(msgs, e.Error())
	}
	return strings.Join(msgs, "; ")
}

type Service struct {
	store    store.Store
	adjuster *inventory.Adjuster
	cache    MenuCache
	logger   *logrus.Logger
	now      func() time.Time
}

func NewService(s store.Store, adjuster *inventory.Adjuster, cache MenuCache, logger *logrus.Logger) *Service {
	return &Service{store: s, adjuster: adjuster, cache: cache, logger: logger, now: time.Now}
}

func productErr(err error, id int64) error {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return apperr.NotFound("product %d not found", id)
	case errors.Is(err, store.ErrDuplicate):
		return apperr.Wrap(apperr.KindConflict, err, "a product with this name already exists")
	default:
		return err
	}
}

func (s *Service) Create(ctx context.Context, in ProductInput) (*models.Product, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}

	now := s.now().UTC()
	p := &models.Product{
		Name:          strings.TrimSpace(in.Name),
		Description:   in.Description,
		Price:         in.Price,
		StockQuantity: in.StockQuantity,
		Category:      in.Category,
		SizeOptions:   in.SizeOptions,
		ShowInMenu:    in.ShowInMenu == nil || *in.ShowInMenu,
		IsActive:      in.IsActive == nil || *in.IsActive,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	err := s.store.Tx(ctx, func(repo store.Repository) error {
		return repo.CreateProduct(ctx, p)
	})
	if err != nil {
		return nil, fmt.Errorf("create product: %w", productErr(err, 0))
	}

	s.logger.WithFields(logrus.Fields{
		"product_id": p.ID,
		"name":       p.Name,
		"stock":      p.StockQuantity,
	}).Info("Product created")
	s.invalidate(ctx)
	return p, nil
}

// Update replaces the editable fields of product id. Raising the stock of an
// empty product goes through the zero stock policy.
func (s *Service) Update(ctx context.Context, id int64, in ProductInput) (*models.Product, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}

	var updated *models.Product
	err := s.store.Tx(ctx, func(repo store.Repository) error {
		p, err := repo.GetProduct(ctx, id)
		if err != nil {
			return err
		}
		previousStock := p.StockQuantity

		p.Name = strings.TrimSpace(in.Name)
		p.Description = in.Description
		p.Price = in.Price
		p.StockQuantity = in.StockQuantity
		p.Category = in.Category
		p.SizeOptions = in.SizeOptions
		if in.ShowInMenu != nil {
			p.ShowInMenu = *in.ShowInMenu
		}
		if in.IsActive != nil {
			p.IsActive = *in.IsActive
		}
		s.adjuster.Restocked(p, previousStock)
		p.UpdatedAt = s.now().UTC()

		if err := repo.UpdateProduct(ctx, p); err != nil {
			return err
		}
		updated = p
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("update product %d: %w", id, productErr(err, id))
	}

	s.logger.WithFields(logrus.Fields{
		"product_id": id,
		"stock":      updated.StockQuantity,
	}).Info("Product updated")
	s.invalidate(ctx)
	return updated, nil
}

func (s *Service) Delete(ctx context.Context, id int64) error {
	err := s.store.Tx(ctx, func(repo store.Repository) error {
		return repo.DeleteProduct(ctx, id)
	})
	if err != nil {
		return fmt.Errorf("delete product %d: %w", id, productErr(err, id))
	}
	s.logger.WithField("product_id", id).Info("Product deleted")
	s.invalidate(ctx)
	return nil
}

func (s *Service) Get(ctx context.Context, id int64) (*models.Product, error) {
	var p *models.Product
	err := s.store.Read(ctx, func(repo store.Repository) error {
		var err error
		p, err = repo.GetProduct(ctx, id)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("get product %d: %w", id, productErr(err, id))
	}
	return p, nil
}

// StockPolicy reports what happens to products that sell out.
func (s *Service) StockPolicy() inventory.ZeroStockPolicy {
	return s.adjuster.Policy()
}

func (s *Service) List(ctx context.Context, filter store.ProductFilter) ([]*models.Product, error) {
	var products []*models.Product
	err := s.store.Read(ctx, func(repo store.Repository) error {
		var err error
		products, err = repo.ListProducts(ctx, filter)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("list products: %w", err)
	}
	return products, nil
}

// Menu returns the public menu: active products shown in the menu,
// out-of-stock ones included and flagged. Results are served from the cache
// when present; cache failures fall through to the store.
func (s *Service) Menu(ctx context.Context) ([]*models.Product, error) {
	if data, ok, err := s.cache.Menu(ctx); err != nil {
		s.logger.WithError(err).Warn("Menu cache read failed")
	} else if ok {
		var products []*models.Product
		if err := json.Unmarshal(data, &products); err == nil {
			return products, nil
		}
		s.logger.Warn("Discarding undecodable cached menu")
	}

	products, err := s.List(ctx, store.ProductFilter{MenuOnly: true})
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(products); err == nil {
		if err := s.cache.SetMenu(ctx, data); err != nil {
			s.logger.WithError(err).Warn("Menu cache write failed")
		}
	}
	return products, nil
}

// InvalidateMenu drops the cached menu. Order placement calls it after stock
// changes.
func (s *Service) InvalidateMenu(ctx context.Context) {
	s.invalidate(ctx)
}

func (s *Service) invalidate(ctx context.Context) {
	if err := s.cache.InvalidateMenu(ctx); err != nil {
		s.logger.WithError(err).Warn("Menu cache invalidation failed")
	}
}

// FixVisibility turns both visibility flags on for every product and
// returns how many products changed.
func (s *Service) FixVisibility(ctx context.Context) (int64, error) {
	var n int64
	err := s.store.Tx(ctx, func(repo store.Repository) error {
		var err error
		n, err = repo.SetAllVisible(ctx)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("fix visibility: %w", err)
	}
	s.logger.WithField("updated", n).Info("Product visibility repaired")
	s.invalidate(ctx)
	return n, nil
}
