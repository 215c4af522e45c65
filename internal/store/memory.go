package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jogardn/restaurant-orders/pkg/models"
	"github.com/shopspring/decimal"
)

// Memory is an in-process Store. Transactions are serialized on one mutex
// and run against a copy of the data that replaces the live set on commit,
// so a failed transaction leaves nothing behind.
type Memory struct {
	mu   sync.Mutex
	data *dataset
}

type salesKey struct {
	period models.PeriodType
	start  string
}

type dataset struct {
	orders       map[string]*models.Order
	products     map[int64]*models.Product
	sales        map[salesKey]*models.SalesSummary
	users        map[int64]*models.User
	signups      []*models.SignupEvent
	resetTokens  map[int64]*models.PasswordResetToken
	nextItemID   int64
	nextProduct  int64
	nextSummary  int64
	nextUser     int64
	nextSignupID int64
}

func NewMemory() *Memory {
	return &Memory{data: &dataset{
		orders:      make(map[string]*models.Order),
		products:    make(map[int64]*models.Product),
		sales:       make(map[salesKey]*models.SalesSummary),
		users:       make(map[int64]*models.User),
		resetTokens: make(map[int64]*models.PasswordResetToken),
	}}
}

func (m *Memory) Tx(ctx context.Context, fn func(Repository) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	work := m.data.clone()
	if err := fn(&memRepo{d: work}); err != nil {
		return err
	}
	m.data = work
	return nil
}

func (m *Memory) Read(ctx context.Context, fn func(Repository) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	return fn(&memRepo{d: m.data})
}

func (m *Memory) Ping(ctx context.Context) error { return nil }

func (m *Memory) Close() error { return nil }

func (d *dataset) clone() *dataset {
	c := *d
	c.orders = make(map[string]*models.Order, len(d.orders))
	for k, v := range d.orders {
		c.orders[k] = v.Clone()
	}
	c.products = make(map[int64]*models.Product, len(d.products))
	for k, v := range d.products {
		c.products[k] = cloneProduct(v)
	}
	c.sales = make(map[salesKey]*models.SalesSummary, len(d.sales))
	for k, v := range d.sales {
		s := *v
		c.sales[k] = &s
	}
	c.users = make(map[int64]*models.User, len(d.users))
	for k, v := range d.users {
		u := *v
		c.users[k] = &u
	}
	c.signups = append([]*models.SignupEvent(nil), d.signups...)
	c.resetTokens = make(map[int64]*models.PasswordResetToken, len(d.resetTokens))
	for k, v := range d.resetTokens {
		t := *v
		c.resetTokens[k] = &t
	}
	return &c
}

func cloneProduct(p *models.Product) *models.Product {
	c := *p
	if p.SizeOptions != nil {
		c.SizeOptions = make(map[string]decimal.Decimal, len(p.SizeOptions))
		for k, v := range p.SizeOptions {
			c.SizeOptions[k] = v
		}
	}
	return &c
}

type memRepo struct {
	d *dataset
}

func (r *memRepo) CreateOrder(ctx context.Context, o *models.Order) error {
	if _, ok := r.d.orders[o.ID]; ok {
		return fmt.Errorf("insert order: %w: orders_pkey", ErrDuplicate)
	}
	for i := range o.Items {
		r.d.nextItemID++
		o.Items[i].ID = r.d.nextItemID
		o.Items[i].OrderID = o.ID
	}
	r.d.orders[o.ID] = o.Clone()
	return nil
}

func (r *memRepo) GetOrder(ctx context.Context, id string) (*models.Order, error) {
	o, ok := r.d.orders[id]
	if !ok {
		return nil, ErrNotFound
	}
	return o.Clone(), nil
}

func (r *memRepo) LockOrder(ctx context.Context, id string) (*models.Order, error) {
	return r.GetOrder(ctx, id)
}

func (r *memRepo) ListOrders(ctx context.Context, filter OrderFilter) ([]*models.Order, error) {
	orders := []*models.Order{}
	for _, o := range r.d.orders {
		if filter.Status != "" && o.Status != filter.Status {
			continue
		}
		if filter.Type != "" && o.OrderType != filter.Type {
			continue
		}
		orders = append(orders, o.Clone())
	}
	sort.Slice(orders, func(i, j int) bool {
		if orders[i].CreatedAt.Equal(orders[j].CreatedAt) {
			return orders[i].ID > orders[j].ID
		}
		return orders[i].CreatedAt.After(orders[j].CreatedAt)
	})
	if filter.Limit > 0 && len(orders) > filter.Limit {
		orders = orders[:filter.Limit]
	}
	return orders, nil
}

func (r *memRepo) UpdateOrderStatus(ctx context.Context, id string, status models.OrderStatus, updatedAt time.Time) error {
	o, ok := r.d.orders[id]
	if !ok {
		return ErrNotFound
	}
	o.Status = status
	o.UpdatedAt = updatedAt
	return nil
}

func (r *memRepo) SetOrderEmail(ctx context.Context, id, email string) error {
	o, ok := r.d.orders[id]
	if !ok {
		return ErrNotFound
	}
	o.CustomerEmail = email
	return nil
}

func (r *memRepo) DeleteOrder(ctx context.Context, id string) error {
	if _, ok := r.d.orders[id]; !ok {
		return ErrNotFound
	}
	delete(r.d.orders, id)
	return nil
}

func (r *memRepo) productByName(name string) *models.Product {
	for _, p := range r.d.products {
		if p.Name == name {
			return p
		}
	}
	return nil
}

func (r *memRepo) CreateProduct(ctx context.Context, p *models.Product) error {
	if p.StockQuantity < 0 {
		return fmt.Errorf("insert product: stock_quantity must not be negative")
	}
	if r.productByName(p.Name) != nil {
		return fmt.Errorf("insert product: %w: products_name_key", ErrDuplicate)
	}
	r.d.nextProduct++
	p.ID = r.d.nextProduct
	p.OutOfStock = p.StockQuantity == 0
	r.d.products[p.ID] = cloneProduct(p)
	return nil
}

func (r *memRepo) GetProduct(ctx context.Context, id int64) (*models.Product, error) {
	p, ok := r.d.products[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneProduct(p), nil
}

func (r *memRepo) LockProductByName(ctx context.Context, name string) (*models.Product, error) {
	p := r.productByName(name)
	if p == nil {
		return nil, ErrNotFound
	}
	return cloneProduct(p), nil
}

func (r *memRepo) ListProducts(ctx context.Context, filter ProductFilter) ([]*models.Product, error) {
	products := []*models.Product{}
	for _, p := range r.d.products {
		if filter.MenuOnly && !(p.IsActive && p.ShowInMenu) {
			continue
		}
		if filter.Category != "" && p.Category != filter.Category {
			continue
		}
		products = append(products, cloneProduct(p))
	}
	sort.Slice(products, func(i, j int) bool { return products[i].Name < products[j].Name })
	return products, nil
}

func (r *memRepo) UpdateProduct(ctx context.Context, p *models.Product) error {
	if _, ok := r.d.products[p.ID]; !ok {
		return ErrNotFound
	}
	if p.StockQuantity < 0 {
		return fmt.Errorf("update product: stock_quantity must not be negative")
	}
	if other := r.productByName(p.Name); other != nil && other.ID != p.ID {
		return fmt.Errorf("update product: %w: products_name_key", ErrDuplicate)
	}
	p.OutOfStock = p.StockQuantity == 0
	r.d.products[p.ID] = cloneProduct(p)
	return nil
}

func (r *memRepo) DeleteProduct(ctx context.Context, id int64) error {
	if _, ok := r.d.products[id]; !ok {
		return ErrNotFound
	}
	delete(r.d.products, id)
	return nil
}

func (r *memRepo) SetAllVisible(ctx context.Context) (int64, error) {
	var n int64
	now := time.Now().UTC()
	for _, p := range r.d.products {
		if p.ShowInMenu && p.IsActive {
			continue
		}
		p.ShowInMenu = true
		p.IsActive = true
		p.UpdatedAt = now
		n++
	}
	return n, nil
}

func newSalesKey(period models.PeriodType, start time.Time) salesKey {
	return salesKey{period: period, start: start.Format("2006-01-02")}
}

func (r *memRepo) AdjustSalesSummary(ctx context.Context, period models.PeriodType, start time.Time, delta decimal.Decimal) error {
	key := newSalesKey(period, start)
	s, ok := r.d.sales[key]
	if !ok {
		r.d.nextSummary++
		s = &models.SalesSummary{
			ID:          r.d.nextSummary,
			PeriodType:  period,
			PeriodStart: start,
			TotalAmount: decimal.Zero,
		}
		r.d.sales[key] = s
	}
	total := s.TotalAmount.Add(delta)
	if total.IsNegative() {
		total = decimal.Zero
	}
	s.TotalAmount = total
	s.UpdatedAt = time.Now().UTC()
	return nil
}

func (r *memRepo) GetSalesSummary(ctx context.Context, period models.PeriodType, start time.Time) (*models.SalesSummary, error) {
	s, ok := r.d.sales[newSalesKey(period, start)]
	if !ok {
		return nil, ErrNotFound
	}
	c := *s
	return &c, nil
}

func (r *memRepo) ListSalesSummaries(ctx context.Context, period models.PeriodType, from, to time.Time) ([]*models.SalesSummary, error) {
	summaries := []*models.SalesSummary{}
	for _, s := range r.d.sales {
		if s.PeriodType != period || s.PeriodStart.Before(from) || s.PeriodStart.After(to) {
			continue
		}
		c := *s
		summaries = append(summaries, &c)
	}
	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].PeriodStart.After(summaries[j].PeriodStart)
	})
	return summaries, nil
}

func (r *memRepo) CreateUser(ctx context.Context, u *models.User) error {
	for _, existing := range r.d.users {
		if existing.Username == u.Username {
			return fmt.Errorf("insert user: %w: users_username_key", ErrDuplicate)
		}
		if existing.Email == u.Email {
			return fmt.Errorf("insert user: %w: users_email_key", ErrDuplicate)
		}
	}
	r.d.nextUser++
	u.ID = r.d.nextUser
	c := *u
	r.d.users[u.ID] = &c
	return nil
}

func (r *memRepo) GetUser(ctx context.Context, id int64) (*models.User, error) {
	u, ok := r.d.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := *u
	return &c, nil
}

func (r *memRepo) GetUserByLogin(ctx context.Context, login string) (*models.User, error) {
	for _, u := range r.d.users {
		if u.Username == login || u.Email == login {
			c := *u
			return &c, nil
		}
	}
	return nil, ErrNotFound
}

func (r *memRepo) UpdateUserPassword(ctx context.Context, id int64, hash string) error {
	u, ok := r.d.users[id]
	if !ok {
		return ErrNotFound
	}
	u.PasswordHash = hash
	return nil
}

func (r *memRepo) RecordSignupEvent(ctx context.Context, e *models.SignupEvent) error {
	if _, ok := r.d.users[e.UserID]; !ok {
		return fmt.Errorf("insert signup event: user %d: %w", e.UserID, ErrNotFound)
	}
	r.d.nextSignupID++
	e.ID = r.d.nextSignupID
	c := *e
	r.d.signups = append(r.d.signups, &c)
	return nil
}

func (r *memRepo) SaveResetToken(ctx context.Context, t *models.PasswordResetToken) error {
	for uid, existing := range r.d.resetTokens {
		if uid != t.UserID && existing.Token == t.Token {
			return fmt.Errorf("save reset token: %w", ErrDuplicate)
		}
	}
	c := *t
	r.d.resetTokens[t.UserID] = &c
	return nil
}

func (r *memRepo) GetResetToken(ctx context.Context, token string) (*models.PasswordResetToken, error) {
	for _, t := range r.d.resetTokens {
		if t.Token == token {
			c := *t
			return &c, nil
		}
	}
	return nil, ErrNotFound
}

func (r *memRepo) DeleteResetToken(ctx context.Context, userID int64) error {
	delete(r.d.resetTokens, userID)
	return nil
}
