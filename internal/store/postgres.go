package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jogardn/restaurant-orders/pkg/models"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

const uniqueViolation = "23505"

type PostgresConfig struct {
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	SSLMode  string
}

func (c PostgresConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode)
}

type Postgres struct {
	db     *sql.DB
	logger *logrus.Logger
}

// OpenPostgres connects, waits for the database to accept connections and
// creates the schema if it is missing.
func OpenPostgres(ctx context.Context, cfg PostgresConfig, logger *logrus.Logger) (*Postgres, error) {
	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	for i := 0; i < 30; i++ {
		if err = db.PingContext(ctx); err == nil {
			logger.Info("Database connection established")
			break
		}
		logger.WithField("attempt", i+1).Info("Waiting for database...")
		select {
		case <-ctx.Done():
			db.Close()
			return nil, ctx.Err()
		case <-time.After(2 * time.Second):
		}
	}
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("database not reachable: %w", err)
	}

	if err := createTables(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}

	return NewPostgres(db, logger), nil
}

func NewPostgres(db *sql.DB, logger *logrus.Logger) *Postgres {
	return &Postgres{db: db, logger: logger}
}

func (s *Postgres) Tx(ctx context.Context, fn func(Repository) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := fn(&pgRepo{q: tx}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (s *Postgres) Read(ctx context.Context, fn func(Repository) error) error {
	return fn(&pgRepo{q: s.db})
}

func (s *Postgres) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Postgres) Close() error {
	return s.db.Close()
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

type pgRepo struct {
	q querier
}

func mapErr(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		return fmt.Errorf("%w: %s", ErrDuplicate, pqErr.Constraint)
	}
	return err
}

func expectRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

const orderColumns = `id, customer_name, customer_email, user_id, order_type, payment_method,
	total_amount, status, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanOrder(row rowScanner) (*models.Order, error) {
	o := &models.Order{}
	var userID sql.NullInt64
	err := row.Scan(&o.ID, &o.CustomerName, &o.CustomerEmail, &userID, &o.OrderType,
		&o.PaymentMethod, &o.TotalAmount, &o.Status, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if userID.Valid {
		id := userID.Int64
		o.UserID = &id
	}
	return o, nil
}

func (r *pgRepo) CreateOrder(ctx context.Context, o *models.Order) error {
	var userID sql.NullInt64
	if o.UserID != nil {
		userID = sql.NullInt64{Int64: *o.UserID, Valid: true}
	}

	_, err := r.q.ExecContext(ctx, `
		INSERT INTO orders (`+orderColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		o.ID, o.CustomerName, o.CustomerEmail, userID, o.OrderType, o.PaymentMethod,
		o.TotalAmount, o.Status, o.CreatedAt, o.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert order: %w", mapErr(err))
	}

	for i := range o.Items {
		item := &o.Items[i]
		item.OrderID = o.ID
		err := r.q.QueryRowContext(ctx, `
			INSERT INTO order_items (order_id, product_name, quantity, unit_price, total_price, size)
			VALUES ($1, $2, $3, $4, $5, $6)
			RETURNING id`,
			o.ID, item.ProductName, item.Quantity, item.UnitPrice, item.TotalPrice, item.Size,
		).Scan(&item.ID)
		if err != nil {
			return fmt.Errorf("insert order item: %w", err)
		}
	}
	return nil
}

func (r *pgRepo) getOrder(ctx context.Context, id string, lock bool) (*models.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE id = $1`
	if lock {
		query += ` FOR UPDATE`
	}
	o, err := scanOrder(r.q.QueryRowContext(ctx, query, id))
	if err != nil {
		return nil, mapErr(err)
	}
	if err := r.loadItems(ctx, []*models.Order{o}); err != nil {
		return nil, err
	}
	return o, nil
}

func (r *pgRepo) GetOrder(ctx context.Context, id string) (*models.Order, error) {
	return r.getOrder(ctx, id, false)
}

func (r *pgRepo) LockOrder(ctx context.Context, id string) (*models.Order, error) {
	return r.getOrder(ctx, id, true)
}

func (r *pgRepo) loadItems(ctx context.Context, orders []*models.Order) error {
	if len(orders) == 0 {
		return nil
	}
	byID := make(map[string]*models.Order, len(orders))
	ids := make([]string, 0, len(orders))
	for _, o := range orders {
		byID[o.ID] = o
		ids = append(ids, o.ID)
		o.Items = []models.OrderItem{}
	}

	rows, err := r.q.QueryContext(ctx, `
		SELECT id, order_id, product_name, quantity, unit_price, total_price, size
		FROM order_items WHERE order_id = ANY($1) ORDER BY id`, pq.Array(ids))
	if err != nil {
		return fmt.Errorf("query order items: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var item models.OrderItem
		if err := rows.Scan(&item.ID, &item.OrderID, &item.ProductName, &item.Quantity,
			&item.UnitPrice, &item.TotalPrice, &item.Size); err != nil {
			return fmt.Errorf("scan order item: %w", err)
		}
		if o, ok := byID[item.OrderID]; ok {
			o.Items = append(o.Items, item)
		}
	}
	return rows.Err()
}

func (r *pgRepo) ListOrders(ctx context.Context, filter OrderFilter) ([]*models.Order, error) {
	var (
		where []string
		args  []interface{}
	)
	if filter.Status != "" {
		args = append(args, filter.Status)
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if filter.Type != "" {
		args = append(args, filter.Type)
		where = append(where, fmt.Sprintf("order_type = $%d", len(args)))
	}

	query := `SELECT ` + orderColumns + ` FROM orders`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at DESC`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query orders: %w", err)
	}
	defer rows.Close()

	orders := []*models.Order{}
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		orders = append(orders, o)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if err := r.loadItems(ctx, orders); err != nil {
		return nil, err
	}
	return orders, nil
}

func (r *pgRepo) UpdateOrderStatus(ctx context.Context, id string, status models.OrderStatus, updatedAt time.Time) error {
	res, err := r.q.ExecContext(ctx,
		`UPDATE orders SET status = $1, updated_at = $2 WHERE id = $3`, status, updatedAt, id)
	if err != nil {
		return fmt.Errorf("update order status: %w", err)
	}
	return expectRow(res)
}

func (r *pgRepo) SetOrderEmail(ctx context.Context, id, email string) error {
	res, err := r.q.ExecContext(ctx, `UPDATE orders SET customer_email = $1 WHERE id = $2`, email, id)
	if err != nil {
		return fmt.Errorf("update order email: %w", err)
	}
	return expectRow(res)
}

func (r *pgRepo) DeleteOrder(ctx context.Context, id string) error {
	res, err := r.q.ExecContext(ctx, `DELETE FROM orders WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete order: %w", err)
	}
	return expectRow(res)
}

const productColumns = `id, name, description, price, stock_quantity, category, size_options,
	show_in_menu, is_active, created_at, updated_at`

func scanProduct(row rowScanner) (*models.Product, error) {
	p := &models.Product{}
	var sizes []byte
	err := row.Scan(&p.ID, &p.Name, &p.Description, &p.Price, &p.StockQuantity, &p.Category,
		&sizes, &p.ShowInMenu, &p.IsActive, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if len(sizes) > 0 {
		if err := json.Unmarshal(sizes, &p.SizeOptions); err != nil {
			return nil, fmt.Errorf("decode size options: %w", err)
		}
	}
	if len(p.SizeOptions) == 0 {
		p.SizeOptions = nil
	}
	p.OutOfStock = p.StockQuantity == 0
	return p, nil
}

func sizeJSON(p *models.Product) ([]byte, error) {
	if len(p.SizeOptions) == 0 {
		return []byte("{}"), nil
	}
	return json.Marshal(p.SizeOptions)
}

func (r *pgRepo) CreateProduct(ctx context.Context, p *models.Product) error {
	sizes, err := sizeJSON(p)
	if err != nil {
		return err
	}
	err = r.q.QueryRowContext(ctx, `
		INSERT INTO products (name, description, price, stock_quantity, category, size_options,
			show_in_menu, is_active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id`,
		p.Name, p.Description, p.Price, p.StockQuantity, p.Category, sizes,
		p.ShowInMenu, p.IsActive, p.CreatedAt, p.UpdatedAt,
	).Scan(&p.ID)
	if err != nil {
		return fmt.Errorf("insert product: %w", mapErr(err))
	}
	p.OutOfStock = p.StockQuantity == 0
	return nil
}

func (r *pgRepo) GetProduct(ctx context.Context, id int64) (*models.Product, error) {
	p, err := scanProduct(r.q.QueryRowContext(ctx,
		`SELECT `+productColumns+` FROM products WHERE id = $1`, id))
	if err != nil {
		return nil, mapErr(err)
	}
	return p, nil
}

func (r *pgRepo) LockProductByName(ctx context.Context, name string) (*models.Product, error) {
	p, err := scanProduct(r.q.QueryRowContext(ctx,
		`SELECT `+productColumns+` FROM products WHERE name = $1 FOR UPDATE`, name))
	if err != nil {
		return nil, mapErr(err)
	}
	return p, nil
}

func (r *pgRepo) ListProducts(ctx context.Context, filter ProductFilter) ([]*models.Product, error) {
	var (
		where []string
		args  []interface{}
	)
	if filter.MenuOnly {
		where = append(where, "is_active AND show_in_menu")
	}
	if filter.Category != "" {
		args = append(args, filter.Category)
		where = append(where, fmt.Sprintf("category = $%d", len(args)))
	}

	query := `SELECT ` + productColumns + ` FROM products`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY name`

	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query products: %w", err)
	}
	defer rows.Close()

	products := []*models.Product{}
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, fmt.Errorf("scan product: %w", err)
		}
		products = append(products, p)
	}
	return products, rows.Err()
}

func (r *pgRepo) UpdateProduct(ctx context.Context, p *models.Product) error {
	sizes, err := sizeJSON(p)
	if err != nil {
		return err
	}
	res, err := r.q.ExecContext(ctx, `
		UPDATE products SET name = $1, description = $2, price = $3, stock_quantity = $4,
			category = $5, size_options = $6, show_in_menu = $7, is_active = $8, updated_at = $9
		WHERE id = $10`,
		p.Name, p.Description, p.Price, p.StockQuantity, p.Category, sizes,
		p.ShowInMenu, p.IsActive, p.UpdatedAt, p.ID,
	)
	if err != nil {
		return fmt.Errorf("update product: %w", mapErr(err))
	}
	p.OutOfStock = p.StockQuantity == 0
	return expectRow(res)
}

func (r *pgRepo) DeleteProduct(ctx context.Context, id int64) error {
	res, err := r.q.ExecContext(ctx, `DELETE FROM products WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete product: %w", err)
	}
	return expectRow(res)
}

func (r *pgRepo) SetAllVisible(ctx context.Context) (int64, error) {
	res, err := r.q.ExecContext(ctx, `
		UPDATE products SET show_in_menu = TRUE, is_active = TRUE, updated_at = NOW()
		WHERE NOT show_in_menu OR NOT is_active`)
	if err != nil {
		return 0, fmt.Errorf("fix product visibility: %w", err)
	}
	return res.RowsAffected()
}

func (r *pgRepo) AdjustSalesSummary(ctx context.Context, period models.PeriodType, start time.Time, delta decimal.Decimal) error {
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO sales_summaries (period_type, period_start, total_amount, updated_at)
		VALUES ($1, $2, GREATEST($3::numeric, 0), $4)
		ON CONFLICT (period_type, period_start) DO UPDATE
		SET total_amount = GREATEST(sales_summaries.total_amount + $3::numeric, 0),
			updated_at = EXCLUDED.updated_at`,
		period, start, delta, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("adjust sales summary: %w", err)
	}
	return nil
}

func (r *pgRepo) GetSalesSummary(ctx context.Context, period models.PeriodType, start time.Time) (*models.SalesSummary, error) {
	s := &models.SalesSummary{}
	err := r.q.QueryRowContext(ctx, `
		SELECT id, period_type, period_start, total_amount, updated_at
		FROM sales_summaries WHERE period_type = $1 AND period_start = $2`, period, start,
	).Scan(&s.ID, &s.PeriodType, &s.PeriodStart, &s.TotalAmount, &s.UpdatedAt)
	if err != nil {
		return nil, mapErr(err)
	}
	return s, nil
}

func (r *pgRepo) ListSalesSummaries(ctx context.Context, period models.PeriodType, from, to time.Time) ([]*models.SalesSummary, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT id, period_type, period_start, total_amount, updated_at
		FROM sales_summaries
		WHERE period_type = $1 AND period_start >= $2 AND period_start <= $3
		ORDER BY period_start DESC`, period, from, to)
	if err != nil {
		return nil, fmt.Errorf("query sales summaries: %w", err)
	}
	defer rows.Close()

	summaries := []*models.SalesSummary{}
	for rows.Next() {
		s := &models.SalesSummary{}
		if err := rows.Scan(&s.ID, &s.PeriodType, &s.PeriodStart, &s.TotalAmount, &s.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan sales summary: %w", err)
		}
		summaries = append(summaries, s)
	}
	return summaries, rows.Err()
}

func (r *pgRepo) CreateUser(ctx context.Context, u *models.User) error {
	err := r.q.QueryRowContext(ctx, `
		INSERT INTO users (username, email, password_hash, is_staff, created_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id`,
		u.Username, u.Email, u.PasswordHash, u.IsStaff, u.CreatedAt,
	).Scan(&u.ID)
	if err != nil {
		return fmt.Errorf("insert user: %w", mapErr(err))
	}
	return nil
}

const userColumns = `id, username, email, password_hash, is_staff, created_at`

func scanUser(row rowScanner) (*models.User, error) {
	u := &models.User{}
	if err := row.Scan(&u.ID, &u.Username, &u.Email, &u.PasswordHash, &u.IsStaff, &u.CreatedAt); err != nil {
		return nil, mapErr(err)
	}
	return u, nil
}

func (r *pgRepo) GetUser(ctx context.Context, id int64) (*models.User, error) {
	return scanUser(r.q.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id))
}

func (r *pgRepo) GetUserByLogin(ctx context.Context, login string) (*models.User, error) {
	return scanUser(r.q.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE username = $1 OR email = $1 LIMIT 1`, login))
}

func (r *pgRepo) UpdateUserPassword(ctx context.Context, id int64, hash string) error {
	res, err := r.q.ExecContext(ctx, `UPDATE users SET password_hash = $1 WHERE id = $2`, hash, id)
	if err != nil {
		return fmt.Errorf("update password: %w", err)
	}
	return expectRow(res)
}

func (r *pgRepo) RecordSignupEvent(ctx context.Context, e *models.SignupEvent) error {
	err := r.q.QueryRowContext(ctx, `
		INSERT INTO signup_events (user_id, email, location, created_at)
		VALUES ($1, $2, $3, $4)
		RETURNING id`,
		e.UserID, e.Email, e.Location, e.CreatedAt,
	).Scan(&e.ID)
	if err != nil {
		return fmt.Errorf("insert signup event: %w", err)
	}
	return nil
}

func (r *pgRepo) SaveResetToken(ctx context.Context, t *models.PasswordResetToken) error {
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO password_reset_tokens (user_id, token, created_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id) DO UPDATE
		SET token = EXCLUDED.token, created_at = EXCLUDED.created_at`,
		t.UserID, t.Token, t.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("save reset token: %w", mapErr(err))
	}
	return nil
}

func (r *pgRepo) GetResetToken(ctx context.Context, token string) (*models.PasswordResetToken, error) {
	t := &models.PasswordResetToken{}
	err := r.q.QueryRowContext(ctx,
		`SELECT user_id, token, created_at FROM password_reset_tokens WHERE token = $1`, token,
	).Scan(&t.UserID, &t.Token, &t.CreatedAt)
	if err != nil {
		return nil, mapErr(err)
	}
	return t, nil
}

func (r *pgRepo) DeleteResetToken(ctx context.Context, userID int64) error {
	_, err := r.q.ExecContext(ctx, `DELETE FROM password_reset_tokens WHERE user_id = $1`, userID)
	if err != nil {
		return fmt.Errorf("delete reset token: %w", err)
	}
	return nil
}
