package orders

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jogardn/restaurant-orders/internal/apperr"
	"github.com/jogardn/restaurant-orders/internal/circuitbreaker"
	"github.com/jogardn/restaurant-orders/internal/events"
	"github.com/jogardn/restaurant-orders/internal/inventory"
	"github.com/jogardn/restaurant-orders/internal/notify"
	"github.com/jogardn/restaurant-orders/internal/sales"
	"github.com/jogardn/restaurant-orders/internal/store"
	"github.com/jogardn/restaurant-orders/internal/websocket"
	"github.com/jogardn/restaurant-orders/pkg/models"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

type recordingMailer struct {
	mu   sync.Mutex
	sent []notify.Message
}

func (m *recordingMailer) Send(ctx context.Context, msg notify.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, msg)
	return nil
}

func (m *recordingMailer) statuses() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.sent))
	for _, msg := range m.sent {
		out = append(out, msg.Status)
	}
	return out
}

func (m *recordingMailer) recipients() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.sent))
	for _, msg := range m.sent {
		out = append(out, msg.To)
	}
	return out
}

type recordingPublisher struct {
	events.NopPublisher
	mu      sync.Mutex
	created []events.OrderCreatedEvent
	changed []events.StatusChangedEvent
}

func (p *recordingPublisher) OrderCreated(ctx context.Context, e events.OrderCreatedEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.created = append(p.created, e)
	return nil
}

func (p *recordingPublisher) StatusChanged(ctx context.Context, e events.StatusChangedEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.changed = append(p.changed, e)
	return nil
}

type recordingHub struct {
	mu    sync.Mutex
	types []string
}

func (h *recordingHub) Broadcast(messageType, orderID string, data interface{}) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.types = append(h.types, messageType)
}

type memoryKeys struct {
	mu   sync.Mutex
	keys map[string]bool
}

func (k *memoryKeys) Claim(ctx context.Context, key string) (bool, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.keys[key] {
		return false, nil
	}
	k.keys[key] = true
	return true, nil
}

func (k *memoryKeys) Release(ctx context.Context, key string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.keys, key)
	return nil
}

// failingStore fails every transaction once failTx is set.
type failingStore struct {
	store.Store
	mu     sync.Mutex
	failTx bool
}

var errStoreDown = errors.New("database unavailable")

func (s *failingStore) Tx(ctx context.Context, fn func(store.Repository) error) error {
	s.mu.Lock()
	fail := s.failTx
	s.mu.Unlock()
	if fail {
		return errStoreDown
	}
	return s.Store.Tx(ctx, fn)
}

func (s *failingStore) setFail(fail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failTx = fail
}

type fixture struct {
	ledger    *Ledger
	store     *failingStore
	mailer    *recordingMailer
	publisher *recordingPublisher
	hub       *recordingHub
	clock     time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	f := &fixture{
		store:     &failingStore{Store: store.NewMemory()},
		mailer:    &recordingMailer{},
		publisher: &recordingPublisher{},
		hub:       &recordingHub{},
		clock:     time.Date(2024, 3, 6, 10, 0, 0, 0, time.UTC),
	}

	dispatcher := notify.NewDispatcher(notify.Config{
		Workers:           1,
		QueueSize:         64,
		MaxRetries:        0,
		InitialRetryDelay: time.Millisecond,
		MaxRetryDelay:     time.Millisecond,
		SendTimeout:       time.Second,
	}, f.mailer, circuitbreaker.NewManager(logger), f.store, f.publisher, logger)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		dispatcher.Close(ctx)
	})

	f.ledger = NewLedger(Deps{
		Store:     f.store,
		Adjuster:  inventory.NewAdjuster(inventory.MarkOutOfStock, logger),
		Sales:     sales.NewAggregator(f.store, logger),
		Notifier:  dispatcher,
		Publisher: f.publisher,
		Hub:       f.hub,
		Keys:      &memoryKeys{keys: map[string]bool{}},
		Logger:    logger,
	})
	f.ledger.now = func() time.Time { return f.clock }
	return f
}

func (f *fixture) advance(d time.Duration) {
	f.clock = f.clock.Add(d)
}

func (f *fixture) addProduct(t *testing.T, p *models.Product) {
	t.Helper()
	ctx := context.Background()
	if err := f.store.Tx(ctx, func(repo store.Repository) error { return repo.CreateProduct(ctx, p) }); err != nil {
		t.Fatalf("create product: %v", err)
	}
}

func (f *fixture) stockOf(t *testing.T, name string) int {
	t.Helper()
	ctx := context.Background()
	var stock int
	err := f.store.Read(ctx, func(repo store.Repository) error {
		p, err := repo.LockProductByName(ctx, name)
		if err != nil {
			return err
		}
		stock = p.StockQuantity
		return nil
	})
	if err != nil {
		t.Fatalf("read product %q: %v", name, err)
	}
	return stock
}

func (f *fixture) salesTotal(t *testing.T, period models.PeriodType) decimal.Decimal {
	t.Helper()
	return f.salesTotalAt(t, period, f.clock)
}

func (f *fixture) salesTotalAt(t *testing.T, period models.PeriodType, at time.Time) decimal.Decimal {
	t.Helper()
	ctx := context.Background()
	total := decimal.Zero
	err := f.store.Read(ctx, func(repo store.Repository) error {
		s, err := repo.GetSalesSummary(ctx, period, sales.PeriodStart(period, at))
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		total = s.TotalAmount
		return nil
	})
	if err != nil {
		t.Fatalf("read sales summary: %v", err)
	}
	return total
}

func waitAll(t *testing.T, deliveries []*notify.Delivery) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, d := range deliveries {
		if err := d.Wait(ctx); err != nil {
			t.Fatalf("delivery failed: %v", err)
		}
	}
}

func pickupRequest(email string, items ...ItemRequest) CreateOrderRequest {
	return CreateOrderRequest{
		CustomerName:  "Maria Santos",
		CustomerEmail: email,
		OrderType:     models.OrderTypePickup,
		PaymentMethod: models.PaymentGCash,
		Items:         items,
	}
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestPickupOrderScenario(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addProduct(t, &models.Product{
		Name:          "Mango Graham",
		Price:         decimal.NewFromInt(180),
		StockQuantity: 5,
		SizeOptions:   map[string]decimal.Decimal{"M": decimal.NewFromInt(150), "L": decimal.NewFromInt(180)},
		ShowInMenu:    true,
		IsActive:      true,
	})

	order, err := f.ledger.CreateOrder(ctx, pickupRequest("maria@example.com",
		ItemRequest{ProductName: "Mango Graham", Quantity: 2, Size: "M"}))
	if err != nil {
		t.Fatalf("CreateOrder failed: %v", err)
	}
	if got := f.stockOf(t, "Mango Graham"); got != 3 {
		t.Errorf("expected stock 3, got %d", got)
	}
	if !order.TotalAmount.Equal(decimal.NewFromInt(300)) {
		t.Errorf("expected total 300 from the M size price, got %s", order.TotalAmount)
	}
	if order.Status != models.StatusOrderPlaced {
		t.Errorf("expected order_placed, got %s", order.Status)
	}

	f.advance(time.Hour)
	result, err := f.ledger.TransitionStatus(ctx, order.ID, models.StatusPickedUp, false)
	if err != nil {
		t.Fatalf("TransitionStatus failed: %v", err)
	}
	if len(result.Deliveries) != 3 {
		t.Fatalf("expected 3 deliveries, got %d", len(result.Deliveries))
	}
	waitAll(t, result.Deliveries)

	want := []string{"preparing", "ready_for_pickup", "picked_up"}
	if got := f.mailer.statuses(); !equalStrings(got, want) {
		t.Errorf("expected emails %v, got %v", want, got)
	}

	stored, _ := f.ledger.GetOrder(ctx, order.ID)
	if stored.Status != models.StatusPickedUp {
		t.Errorf("expected persisted picked_up, got %s", stored.Status)
	}
	if !stored.UpdatedAt.Equal(f.clock) {
		t.Errorf("expected updated_at %s, got %s", f.clock, stored.UpdatedAt)
	}

	for _, period := range models.PeriodTypes {
		if got := f.salesTotal(t, period); !got.Equal(decimal.NewFromInt(300)) {
			t.Errorf("%s bucket: expected 300, got %s", period, got)
		}
	}
}

func TestIntermediatesForEveryJump(t *testing.T) {
	tests := []struct {
		orderType models.OrderType
		target    models.OrderStatus
		want      []string
	}{
		{models.OrderTypePickup, models.StatusPreparing, []string{"preparing"}},
		{models.OrderTypePickup, models.StatusReadyForPickup, []string{"preparing", "ready_for_pickup"}},
		{models.OrderTypeDelivery, models.StatusOutForDelivery, []string{"preparing", "ready_for_delivery", "out_for_delivery"}},
		{models.OrderTypeDelivery, models.StatusDelivered, []string{"preparing", "ready_for_delivery", "out_for_delivery", "delivered"}},
		{models.OrderTypeDelivery, models.StatusCancelled, []string{"cancelled"}},
	}

	for _, tt := range tests {
		t.Run(string(tt.orderType)+"_"+string(tt.target), func(t *testing.T) {
			f := newFixture(t)
			ctx := context.Background()

			req := pickupRequest("rider@example.com", ItemRequest{ProductName: "Nachos", Quantity: 1, Price: decimal.NewFromInt(129)})
			req.OrderType = tt.orderType
			order, err := f.ledger.CreateOrder(ctx, req)
			if err != nil {
				t.Fatalf("CreateOrder failed: %v", err)
			}

			result, err := f.ledger.TransitionStatus(ctx, order.ID, tt.target, false)
			if err != nil {
				t.Fatalf("TransitionStatus failed: %v", err)
			}
			waitAll(t, result.Deliveries)

			if got := f.mailer.statuses(); !equalStrings(got, tt.want) {
				t.Errorf("expected emails %v, got %v", tt.want, got)
			}
			if result.Order.Status != tt.target {
				t.Errorf("expected status %s, got %s", tt.target, result.Order.Status)
			}
		})
	}
}

func TestNoEmailStillPersists(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	order, err := f.ledger.CreateOrder(ctx, pickupRequest("", ItemRequest{ProductName: "Nachos", Quantity: 1, Price: decimal.NewFromInt(129)}))
	if err != nil {
		t.Fatalf("CreateOrder failed: %v", err)
	}

	result, err := f.ledger.TransitionStatus(ctx, order.ID, models.StatusReadyForPickup, false)
	if err != nil {
		t.Fatalf("TransitionStatus failed: %v", err)
	}
	if len(result.Deliveries) != 0 {
		t.Errorf("expected no deliveries, got %d", len(result.Deliveries))
	}
	stored, _ := f.ledger.GetOrder(ctx, order.ID)
	if stored.Status != models.StatusReadyForPickup {
		t.Errorf("expected ready_for_pickup, got %s", stored.Status)
	}
}

func TestAccountEmailFallback(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	user := &models.User{Username: "juan", Email: "juan@example.com", PasswordHash: "x"}
	if err := f.store.Tx(ctx, func(repo store.Repository) error { return repo.CreateUser(ctx, user) }); err != nil {
		t.Fatalf("create user: %v", err)
	}

	req := pickupRequest("", ItemRequest{ProductName: "Nachos", Quantity: 1, Price: decimal.NewFromInt(129)})
	req.UserID = &user.ID
	order, err := f.ledger.CreateOrder(ctx, req)
	if err != nil {
		t.Fatalf("CreateOrder failed: %v", err)
	}

	result, err := f.ledger.TransitionStatus(ctx, order.ID, models.StatusReadyForPickup, false)
	if err != nil {
		t.Fatalf("TransitionStatus failed: %v", err)
	}
	waitAll(t, result.Deliveries)

	for _, to := range f.mailer.recipients() {
		if to != "juan@example.com" {
			t.Errorf("expected account address, got %q", to)
		}
	}
	if len(f.mailer.recipients()) != 2 {
		t.Errorf("expected 2 emails, got %d", len(f.mailer.recipients()))
	}
	stored, _ := f.ledger.GetOrder(ctx, order.ID)
	if stored.CustomerEmail != "juan@example.com" {
		t.Errorf("expected account address written to the order, got %q", stored.CustomerEmail)
	}
}

func TestDineInNeverNotifies(t *testing.T) {
	targets := []models.OrderStatus{models.StatusPreparing, models.StatusServed, models.StatusCancelled}

	for _, target := range targets {
		t.Run(string(target), func(t *testing.T) {
			f := newFixture(t)
			ctx := context.Background()

			order, err := f.ledger.CreateOrder(ctx, CreateOrderRequest{
				CustomerName:  "Table 4",
				CustomerEmail: "table4@example.com",
				OrderType:     models.OrderTypeDineIn,
				Items:         []ItemRequest{{ProductName: "Lasagna", Quantity: 1, Price: decimal.NewFromInt(250)}},
			})
			if err != nil {
				t.Fatalf("CreateOrder failed: %v", err)
			}

			result, err := f.ledger.TransitionStatus(ctx, order.ID, target, false)
			if err != nil {
				t.Fatalf("TransitionStatus failed: %v", err)
			}
			if len(result.Deliveries) != 0 || len(f.mailer.statuses()) != 0 {
				t.Errorf("dine-in order produced notifications")
			}
		})
	}
}

func TestSameStatusIsNoop(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	order, _ := f.ledger.CreateOrder(ctx, pickupRequest("maria@example.com", ItemRequest{ProductName: "Nachos", Quantity: 1, Price: decimal.NewFromInt(129)}))
	f.advance(time.Minute)
	first, err := f.ledger.TransitionStatus(ctx, order.ID, models.StatusPreparing, false)
	if err != nil {
		t.Fatalf("TransitionStatus failed: %v", err)
	}
	waitAll(t, first.Deliveries)
	before := first.Order.UpdatedAt

	f.advance(time.Minute)
	again, err := f.ledger.TransitionStatus(ctx, order.ID, models.StatusPreparing, false)
	if err != nil {
		t.Fatalf("repeat TransitionStatus failed: %v", err)
	}
	if again.Changed || len(again.Deliveries) != 0 {
		t.Errorf("repeat request should be a no-op: %+v", again)
	}
	stored, _ := f.ledger.GetOrder(ctx, order.ID)
	if !stored.UpdatedAt.Equal(before) {
		t.Errorf("updated_at changed from %s to %s", before, stored.UpdatedAt)
	}
	if n := len(f.mailer.statuses()); n != 1 {
		t.Errorf("expected a single email overall, got %d", n)
	}
}

func TestTransitionRejected(t *testing.T) {
	tests := []struct {
		name   string
		setup  []models.OrderStatus
		target models.OrderStatus
		want   apperr.Kind
	}{
		{"unknown status", nil, models.OrderStatus("lost_in_transit"), apperr.KindValidation},
		{"status of another type", nil, models.StatusOutForDelivery, apperr.KindValidation},
		{"backwards", []models.OrderStatus{models.StatusReadyForPickup}, models.StatusPreparing, apperr.KindConflict},
		{"out of completed", []models.OrderStatus{models.StatusPickedUp}, models.StatusCancelled, apperr.KindConflict},
		{"out of cancelled", []models.OrderStatus{models.StatusCancelled}, models.StatusPreparing, apperr.KindConflict},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			ctx := context.Background()
			order, _ := f.ledger.CreateOrder(ctx, pickupRequest("", ItemRequest{ProductName: "Nachos", Quantity: 1, Price: decimal.NewFromInt(129)}))
			for _, s := range tt.setup {
				if _, err := f.ledger.TransitionStatus(ctx, order.ID, s, false); err != nil {
					t.Fatalf("setup transition to %s failed: %v", s, err)
				}
			}

			_, err := f.ledger.TransitionStatus(ctx, order.ID, tt.target, false)
			if got := apperr.KindOf(err); got != tt.want {
				t.Errorf("expected %s error, got %s (%v)", tt.want, got, err)
			}
		})
	}
}

func TestTransitionUnknownOrder(t *testing.T) {
	f := newFixture(t)
	_, err := f.ledger.TransitionStatus(context.Background(), "ORD-missing", models.StatusPreparing, false)
	if apperr.KindOf(err) != apperr.KindNotFound {
		t.Errorf("expected not found, got %v", err)
	}
	if len(f.mailer.statuses()) != 0 {
		t.Error("unknown order must not send email")
	}
}

func TestCorrectionReversesSales(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	order, _ := f.ledger.CreateOrder(ctx, pickupRequest("maria@example.com", ItemRequest{ProductName: "Nachos", Quantity: 2, Price: decimal.NewFromInt(129)}))
	done, err := f.ledger.TransitionStatus(ctx, order.ID, models.StatusPickedUp, false)
	if err != nil {
		t.Fatalf("TransitionStatus failed: %v", err)
	}
	waitAll(t, done.Deliveries)
	if got := f.salesTotal(t, models.PeriodDay); !got.Equal(decimal.NewFromInt(258)) {
		t.Fatalf("expected 258 after completion, got %s", got)
	}

	if _, err := f.ledger.TransitionStatus(ctx, order.ID, models.StatusReadyForPickup, false); apperr.KindOf(err) != apperr.KindConflict {
		t.Fatalf("expected conflict without force, got %v", err)
	}

	corrected, err := f.ledger.TransitionStatus(ctx, order.ID, models.StatusReadyForPickup, true)
	if err != nil {
		t.Fatalf("forced TransitionStatus failed: %v", err)
	}
	waitAll(t, corrected.Deliveries)
	if len(corrected.Deliveries) != 1 {
		t.Errorf("corrections send only the final email, got %d", len(corrected.Deliveries))
	}
	for _, period := range models.PeriodTypes {
		if got := f.salesTotal(t, period); !got.IsZero() {
			t.Errorf("%s bucket: expected 0 after correction, got %s", period, got)
		}
	}
}

func TestLateCorrectionReversesOriginalBuckets(t *testing.T) {
	// The fixture clock starts on Wednesday 2024-03-06.
	tests := []struct {
		name  string
		delay time.Duration
	}{
		{"next day", 24 * time.Hour},
		{"next week", 5 * 24 * time.Hour},
		{"next month", 26 * 24 * time.Hour},
		{"next year", 300 * 24 * time.Hour},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			ctx := context.Background()

			order, err := f.ledger.CreateOrder(ctx, pickupRequest("maria@example.com", ItemRequest{ProductName: "Nachos", Quantity: 2, Price: decimal.NewFromInt(129)}))
			if err != nil {
				t.Fatalf("CreateOrder failed: %v", err)
			}
			if _, err := f.ledger.TransitionStatus(ctx, order.ID, models.StatusPickedUp, false); err != nil {
				t.Fatalf("TransitionStatus failed: %v", err)
			}
			completed := f.clock

			f.advance(tt.delay)
			if _, err := f.ledger.TransitionStatus(ctx, order.ID, models.StatusReadyForPickup, true); err != nil {
				t.Fatalf("forced TransitionStatus failed: %v", err)
			}

			for _, period := range models.PeriodTypes {
				if got := f.salesTotalAt(t, period, completed); !got.IsZero() {
					t.Errorf("%s bucket of completion: expected 0 after correction, got %s", period, got)
				}
				if got := f.salesTotalAt(t, period, f.clock); !got.IsZero() {
					t.Errorf("%s bucket of correction: expected 0, got %s", period, got)
				}
			}
		})
	}
}

func TestFailedWriteKeepsIntermediates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	order, _ := f.ledger.CreateOrder(ctx, pickupRequest("maria@example.com", ItemRequest{ProductName: "Nachos", Quantity: 1, Price: decimal.NewFromInt(129)}))
	f.store.setFail(true)

	_, err := f.ledger.TransitionStatus(ctx, order.ID, models.StatusPickedUp, false)
	if !errors.Is(err, errStoreDown) {
		t.Fatalf("expected store error, got %v", err)
	}

	// Intermediate deliveries are already queued; wait for the worker.
	deadline := time.Now().Add(2 * time.Second)
	for len(f.mailer.statuses()) < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	want := []string{"preparing", "ready_for_pickup"}
	if got := f.mailer.statuses(); !equalStrings(got, want) {
		t.Errorf("expected only intermediate emails %v, got %v", want, got)
	}

	f.store.setFail(false)
	stored, _ := f.ledger.GetOrder(ctx, order.ID)
	if stored.Status != models.StatusOrderPlaced {
		t.Errorf("status must be unchanged after a failed write, got %s", stored.Status)
	}
}

func TestCreateOrderValidation(t *testing.T) {
	item := ItemRequest{ProductName: "Nachos", Quantity: 1, Price: decimal.NewFromInt(129)}

	tests := []struct {
		name   string
		mutate func(r *CreateOrderRequest)
	}{
		{"missing customer", func(r *CreateOrderRequest) { r.CustomerName = " " }},
		{"no items", func(r *CreateOrderRequest) { r.Items = nil }},
		{"zero quantity", func(r *CreateOrderRequest) { r.Items = []ItemRequest{{ProductName: "Nachos"}} }},
		{"unknown type", func(r *CreateOrderRequest) { r.OrderType = "drive_thru" }},
		{"unknown payment", func(r *CreateOrderRequest) { r.PaymentMethod = "barter" }},
		{"dine-in non-cash", func(r *CreateOrderRequest) {
			r.OrderType = models.OrderTypeDineIn
			r.PaymentMethod = models.PaymentGCash
		}},
		{"bad email", func(r *CreateOrderRequest) { r.CustomerEmail = "not-an-address" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			req := pickupRequest("maria@example.com", item)
			tt.mutate(&req)

			_, err := f.ledger.CreateOrder(context.Background(), req)
			if apperr.KindOf(err) != apperr.KindValidation {
				t.Errorf("expected validation error, got %v", err)
			}
		})
	}
}

func TestCreateOrderPricing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addProduct(t, &models.Product{Name: "Nachos", Price: decimal.NewFromInt(129), StockQuantity: 1, ShowInMenu: true, IsActive: true})

	order, err := f.ledger.CreateOrder(ctx, pickupRequest("",
		ItemRequest{ProductName: "Nachos", Quantity: 3, Price: decimal.NewFromInt(1)},
		ItemRequest{ProductName: "Secret Special", Quantity: 2, Price: decimal.RequireFromString("45.50")},
	))
	if err != nil {
		t.Fatalf("CreateOrder failed: %v", err)
	}

	if !order.Items[0].UnitPrice.Equal(decimal.NewFromInt(129)) {
		t.Errorf("catalog price should win, got %s", order.Items[0].UnitPrice)
	}
	if !order.Items[1].TotalPrice.Equal(decimal.NewFromInt(91)) {
		t.Errorf("unknown product keeps the client price, got %s", order.Items[1].TotalPrice)
	}
	if !order.TotalAmount.Equal(decimal.NewFromInt(478)) {
		t.Errorf("expected total 478, got %s", order.TotalAmount)
	}
	if got := f.stockOf(t, "Nachos"); got != 0 {
		t.Errorf("stock should clamp at 0, got %d", got)
	}
}

func TestCreateOrderIdempotency(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	req := pickupRequest("", ItemRequest{ProductName: "Nachos", Quantity: 1, Price: decimal.NewFromInt(129)})
	req.IdempotencyKey = "checkout-42"

	if _, err := f.ledger.CreateOrder(ctx, req); err != nil {
		t.Fatalf("first CreateOrder failed: %v", err)
	}
	if _, err := f.ledger.CreateOrder(ctx, req); apperr.KindOf(err) != apperr.KindConflict {
		t.Errorf("expected conflict on replay, got %v", err)
	}

	failing := req
	failing.IdempotencyKey = "checkout-43"
	f.store.setFail(true)
	if _, err := f.ledger.CreateOrder(ctx, failing); err == nil {
		t.Fatal("expected failure while the store is down")
	}
	f.store.setFail(false)
	if _, err := f.ledger.CreateOrder(ctx, failing); err != nil {
		t.Errorf("key should be released after a failed create: %v", err)
	}
}

func TestConcurrentOrdersNeverOversell(t *testing.T) {
	tests := []struct {
		name       string
		stock      int
		quantities []int
		want       int
	}{
		{"enough stock", 10, []int{3, 4}, 3},
		{"oversold", 5, []int{3, 4}, 0},
		{"many buyers", 10, []int{3, 3, 3, 3, 3, 3, 3, 3}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			ctx := context.Background()
			f.addProduct(t, &models.Product{Name: "Beef Wrap", Price: decimal.NewFromInt(139), StockQuantity: tt.stock, ShowInMenu: true, IsActive: true})

			var wg sync.WaitGroup
			for _, q := range tt.quantities {
				wg.Add(1)
				go func(q int) {
					defer wg.Done()
					if _, err := f.ledger.CreateOrder(ctx, pickupRequest("", ItemRequest{ProductName: "Beef Wrap", Quantity: q})); err != nil {
						t.Errorf("CreateOrder failed: %v", err)
					}
				}(q)
			}
			wg.Wait()

			if got := f.stockOf(t, "Beef Wrap"); got != tt.want {
				t.Errorf("expected stock %d, got %d", tt.want, got)
			}
		})
	}
}

func TestOrderIDFormat(t *testing.T) {
	id := NewOrderID(time.Date(2024, 3, 6, 10, 4, 5, 0, time.UTC))
	if !regexp.MustCompile(`^ORD-20240306100405-[0-9A-F]{8}$`).MatchString(id) {
		t.Errorf("unexpected order id %q", id)
	}
}

func TestEventsAndBroadcasts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	order, _ := f.ledger.CreateOrder(ctx, pickupRequest("", ItemRequest{ProductName: "Nachos", Quantity: 1, Price: decimal.NewFromInt(129)}))
	if _, err := f.ledger.TransitionStatus(ctx, order.ID, models.StatusPreparing, false); err != nil {
		t.Fatalf("TransitionStatus failed: %v", err)
	}
	if err := f.ledger.DeleteOrder(ctx, order.ID); err != nil {
		t.Fatalf("DeleteOrder failed: %v", err)
	}

	if len(f.publisher.created) != 1 || f.publisher.created[0].OrderID != order.ID {
		t.Errorf("unexpected created events %+v", f.publisher.created)
	}
	if len(f.publisher.changed) != 1 || f.publisher.changed[0].From != models.StatusOrderPlaced || f.publisher.changed[0].To != models.StatusPreparing {
		t.Errorf("unexpected status events %+v", f.publisher.changed)
	}
	want := []string{websocket.TypeOrderCreated, websocket.TypeOrderStatusChanged, websocket.TypeOrderDeleted}
	if !equalStrings(f.hub.types, want) {
		t.Errorf("expected broadcasts %v, got %v", want, f.hub.types)
	}

	if _, err := f.ledger.GetOrder(ctx, order.ID); apperr.KindOf(err) != apperr.KindNotFound {
		t.Errorf("expected deleted order to be gone, got %v", err)
	}
	if err := f.ledger.DeleteOrder(ctx, order.ID); apperr.KindOf(err) != apperr.KindNotFound {
		t.Errorf("expected not found deleting twice, got %v", err)
	}
}

func TestOrderStatusView(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	req := pickupRequest("", ItemRequest{ProductName: "Nachos", Quantity: 1, Price: decimal.NewFromInt(129)})
	req.OrderType = models.OrderTypeDelivery
	order, _ := f.ledger.CreateOrder(ctx, req)
	f.ledger.TransitionStatus(ctx, order.ID, models.StatusReadyForDelivery, false)

	view, err := f.ledger.OrderStatusView(ctx, order.ID)
	if err != nil {
		t.Fatalf("OrderStatusView failed: %v", err)
	}
	if view.DisplayName != "Ready for Delivery" {
		t.Errorf("unexpected display name %q", view.DisplayName)
	}
	active := 0
	for _, s := range view.Steps {
		if s.Active {
			active++
		}
	}
	if len(view.Steps) != 5 || active != 3 {
		t.Errorf("expected 3 of 5 steps active, got %d of %d", active, len(view.Steps))
	}
}

func TestListOrdersFilterValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.ledger.CreateOrder(ctx, pickupRequest("", ItemRequest{ProductName: "Nachos", Quantity: 1, Price: decimal.NewFromInt(129)}))

	if _, err := f.ledger.ListOrders(ctx, store.OrderFilter{Status: "lost"}); apperr.KindOf(err) != apperr.KindValidation {
		t.Errorf("expected validation error for unknown status, got %v", err)
	}
	if _, err := f.ledger.ListOrders(ctx, store.OrderFilter{Type: "drive_thru"}); apperr.KindOf(err) != apperr.KindValidation {
		t.Errorf("expected validation error for unknown type, got %v", err)
	}
	_, err := f.ledger.ListOrders(ctx, store.OrderFilter{Type: models.OrderTypeDineIn, Status: models.StatusPickedUp})
	if apperr.KindOf(err) != apperr.KindValidation {
		t.Errorf("expected validation error for a status of another type, got %v", err)
	}
	if msg := apperr.Message(err, ""); !strings.Contains(msg, "order_placed, preparing, served or cancelled") {
		t.Errorf("expected the dine-in statuses in the message, got %q", msg)
	}
	orders, err := f.ledger.ListOrders(ctx, store.OrderFilter{Type: models.OrderTypePickup, Status: models.StatusOrderPlaced})
	if err != nil || len(orders) != 1 {
		t.Errorf("expected one pickup order, got %d (%v)", len(orders), err)
	}
}
