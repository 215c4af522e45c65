// Package notify sends customer emails on order status changes.
//
// Messages are rendered on the caller's goroutine and delivered by a fixed
// pool of workers reading a bounded queue. Each submission returns a
// Delivery the caller may wait on; nothing the dispatcher does feeds back
// into order state.
package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jogardn/restaurant-orders/internal/circuitbreaker"
	"github.com/jogardn/restaurant-orders/internal/events"
	"github.com/jogardn/restaurant-orders/internal/store"
	"github.com/jogardn/restaurant-orders/pkg/models"
	"github.com/sirupsen/logrus"
)

const (
	DefaultWorkers      = 4
	DefaultQueueSize    = 256
	MaxRetries          = 3
	InitialRetryDelay   = 1 * time.Second
	MaxRetryDelay       = 30 * time.Second
	DefaultSendTimeout  = 30 * time.Second
	BreakerName         = "smtp"
	breakerMaxFailures  = 5
	breakerResetTimeout = 30 * time.Second
)

var (
	ErrQueueFull = errors.New("notification queue is full")
	ErrClosed    = errors.New("notification dispatcher is closed")
)

type Config struct {
	Workers   int
	QueueSize int
	// MaxRetries is the number of attempts after the first one.
	MaxRetries        int
	InitialRetryDelay time.Duration
	MaxRetryDelay     time.Duration
	// SendTimeout bounds a single transport call.
	SendTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = DefaultWorkers
	}
	if c.QueueSize <= 0 {
		c.QueueSize = DefaultQueueSize
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = MaxRetries
	}
	if c.InitialRetryDelay <= 0 {
		c.InitialRetryDelay = InitialRetryDelay
	}
	if c.MaxRetryDelay < c.InitialRetryDelay {
		c.MaxRetryDelay = MaxRetryDelay
		if c.MaxRetryDelay < c.InitialRetryDelay {
			c.MaxRetryDelay = c.InitialRetryDelay
		}
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = DefaultSendTimeout
	}
	return c
}

// Delivery tracks one queued message.
type Delivery struct {
	Message  Message
	done     chan struct{}
	err      error
	attempts int
}

func newDelivery(msg Message) *Delivery {
	return &Delivery{Message: msg, done: make(chan struct{})}
}

func (d *Delivery) finish(attempts int, err error) {
	d.attempts = attempts
	d.err = err
	close(d.done)
}

// Done is closed once the message was sent or given up on.
func (d *Delivery) Done() <-chan struct{} {
	return d.done
}

// Err reports the final outcome. It is only meaningful after Done is
// closed.
func (d *Delivery) Err() error {
	select {
	case <-d.done:
		return d.err
	default:
		return nil
	}
}

// Attempts is the number of transport calls made, valid after Done.
func (d *Delivery) Attempts() int {
	select {
	case <-d.done:
		return d.attempts
	default:
		return 0
	}
}

// Wait blocks until the delivery completes or ctx ends.
func (d *Delivery) Wait(ctx context.Context) error {
	select {
	case <-d.done:
		return d.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

type Stats struct {
	Queued  int64 `json:"queued"`
	Sent    int64 `json:"sent"`
	Retried int64 `json:"retried"`
	Failed  int64 `json:"failed"`
	Dropped int64 `json:"dropped"`
	Skipped int64 `json:"skipped"`
	Pending int   `json:"pending"`
}

type Dispatcher struct {
	cfg       Config
	mailer    Mailer
	breaker   *circuitbreaker.CircuitBreaker
	store     store.Store
	publisher events.Publisher
	logger    *logrus.Logger
	sleep     func(ctx context.Context, d time.Duration) error

	mu     sync.RWMutex
	closed bool
	jobs   chan *Delivery
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc

	queued  atomic.Int64
	sent    atomic.Int64
	retried atomic.Int64
	failed  atomic.Int64
	dropped atomic.Int64
	skipped atomic.Int64
}

// NewDispatcher starts cfg.Workers workers. s is used to look up the
// account email of orders without one; publisher receives messages that
// exhausted their retries.
func NewDispatcher(cfg Config, mailer Mailer, breakers *circuitbreaker.Manager, s store.Store, publisher events.Publisher, logger *logrus.Logger) *Dispatcher {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())

	d := &Dispatcher{
		cfg:    cfg,
		mailer: mailer,
		breaker: breakers.Guard(BreakerName, circuitbreaker.Config{
			MaxFailures: breakerMaxFailures,
			Timeout:     breakerResetTimeout,
			MaxRequests: 1,
		}),
		store:     s,
		publisher: publisher,
		logger:    logger,
		sleep:     sleepContext,
		jobs:      make(chan *Delivery, cfg.QueueSize),
		ctx:       ctx,
		cancel:    cancel,
	}

	for i := 0; i < cfg.Workers; i++ {
		d.wg.Add(1)
		go d.worker(i)
	}

	logger.WithFields(logrus.Fields{
		"workers":     cfg.Workers,
		"queue_size":  cfg.QueueSize,
		"max_retries": cfg.MaxRetries,
	}).Info("Notification dispatcher started")

	return d
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// NotifyStatus renders and queues the email telling the customer that order
// is at status. It returns nil when no email is due: dine-in orders, and
// orders with no address on file or on the linked account. A fallback
// account address is written back to the order, and to order itself.
func (d *Dispatcher) NotifyStatus(ctx context.Context, order *models.Order, status models.OrderStatus) *Delivery {
	log := d.logger.WithFields(logrus.Fields{
		"order_id": order.ID,
		"status":   status,
	})

	if order.OrderType == models.OrderTypeDineIn {
		d.skipped.Add(1)
		log.Debug("Dine-in order, no notification")
		return nil
	}

	if order.CustomerEmail == "" {
		email, err := d.accountEmail(ctx, order)
		if err != nil {
			log.WithError(err).Warn("Failed to resolve account email")
		}
		if email == "" {
			d.skipped.Add(1)
			log.Info("No email address for order, notification skipped")
			return nil
		}
		order.CustomerEmail = email
	}

	msg, err := renderStatus(order, status)
	if err != nil {
		d.skipped.Add(1)
		log.WithError(err).Error("Failed to render notification")
		return nil
	}

	return d.Enqueue(msg)
}

func (d *Dispatcher) accountEmail(ctx context.Context, order *models.Order) (string, error) {
	if order.UserID == nil || d.store == nil {
		return "", nil
	}

	var email string
	err := d.store.Read(ctx, func(repo store.Repository) error {
		user, err := repo.GetUser(ctx, *order.UserID)
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if user.Email == "" {
			return nil
		}
		email = user.Email
		return repo.SetOrderEmail(ctx, order.ID, email)
	})
	if err != nil {
		return email, fmt.Errorf("account email for order %s: %w", order.ID, err)
	}
	return email, nil
}

// Enqueue queues msg without blocking. A full queue or a closed dispatcher
// yields a Delivery that is already done with ErrQueueFull or ErrClosed.
func (d *Dispatcher) Enqueue(msg Message) *Delivery {
	delivery := newDelivery(msg)

	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		delivery.finish(0, ErrClosed)
		return delivery
	}

	select {
	case d.jobs <- delivery:
		d.queued.Add(1)
	default:
		d.dropped.Add(1)
		d.logger.WithFields(logrus.Fields{
			"order_id": msg.OrderID,
			"status":   msg.Status,
		}).Warn("Notification queue full, dropping email")
		delivery.finish(0, ErrQueueFull)
	}
	return delivery
}

func (d *Dispatcher) worker(id int) {
	defer d.wg.Done()
	for delivery := range d.jobs {
		d.deliver(delivery)
	}
	d.logger.WithField("worker", id).Debug("Notification worker stopped")
}

func (d *Dispatcher) deliver(delivery *Delivery) {
	msg := delivery.Message
	log := d.logger.WithFields(logrus.Fields{
		"order_id": msg.OrderID,
		"status":   msg.Status,
	})

	retryDelay := d.cfg.InitialRetryDelay
	attempts := 0
	var err error

	for attempt := 0; attempt <= d.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			log.WithFields(logrus.Fields{
				"attempt": attempt,
				"delay":   retryDelay,
			}).Info("Retrying notification")

			if sleepErr := d.sleep(d.ctx, retryDelay); sleepErr != nil {
				err = sleepErr
				break
			}
			d.retried.Add(1)

			retryDelay *= 2
			if retryDelay > d.cfg.MaxRetryDelay {
				retryDelay = d.cfg.MaxRetryDelay
			}
		}

		attempts++
		err = d.breaker.Execute(d.ctx, func(ctx context.Context) error {
			ctx, cancel := context.WithTimeout(ctx, d.cfg.SendTimeout)
			defer cancel()
			return d.mailer.Send(ctx, msg)
		})
		if err == nil {
			d.sent.Add(1)
			log.WithField("attempts", attempts).Info("Notification sent")
			delivery.finish(attempts, nil)
			return
		}

		log.WithError(err).WithField("attempt", attempt+1).Warn("Notification attempt failed")
	}

	d.failed.Add(1)
	log.WithError(err).WithField("attempts", attempts).Error("Notification failed after retries")
	d.deadLetter(msg, attempts, err)
	delivery.finish(attempts, err)
}

func (d *Dispatcher) deadLetter(msg Message, attempts int, cause error) {
	if d.publisher == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	failure := events.NotificationFailure{
		OrderID:  msg.OrderID,
		Status:   models.OrderStatus(msg.Status),
		To:       msg.To,
		Subject:  msg.Subject,
		Text:     msg.Text,
		HTML:     msg.HTML,
		Attempts: attempts,
		Error:    cause.Error(),
		FailedAt: time.Now().UTC(),
	}
	if err := d.publisher.NotificationFailed(ctx, failure); err != nil {
		d.logger.WithError(err).WithField("order_id", msg.OrderID).Error("Failed to dead-letter notification")
	}
}

func (d *Dispatcher) Stats() Stats {
	return Stats{
		Queued:  d.queued.Load(),
		Sent:    d.sent.Load(),
		Retried: d.retried.Load(),
		Failed:  d.failed.Load(),
		Dropped: d.dropped.Load(),
		Skipped: d.skipped.Load(),
		Pending: len(d.jobs),
	}
}

// Close stops accepting messages and waits for queued ones to be delivered.
// If ctx ends first, pending retries are abandoned.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	close(d.jobs)
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.cancel()
		return nil
	case <-ctx.Done():
		d.cancel()
		<-done
		return ctx.Err()
	}
}
