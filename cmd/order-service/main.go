package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jogardn/restaurant-orders/internal/accounts"
	"github.com/jogardn/restaurant-orders/internal/api"
	"github.com/jogardn/restaurant-orders/internal/cache"
	"github.com/jogardn/restaurant-orders/internal/catalog"
	"github.com/jogardn/restaurant-orders/internal/circuitbreaker"
	"github.com/jogardn/restaurant-orders/internal/config"
	"github.com/jogardn/restaurant-orders/internal/events"
	"github.com/jogardn/restaurant-orders/internal/inventory"
	"github.com/jogardn/restaurant-orders/internal/notify"
	"github.com/jogardn/restaurant-orders/internal/orders"
	"github.com/jogardn/restaurant-orders/internal/sales"
	"github.com/jogardn/restaurant-orders/internal/websocket"
	"github.com/sirupsen/logrus"
)

type cacheBackend interface {
	catalog.MenuCache
	orders.IdempotencyKeys
	api.Pinger
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("Invalid configuration")
	}
	logger := config.NewLogger(cfg.LogLevel)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := cfg.OpenStore(ctx, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to open store")
	}
	defer st.Close()

	var publisher events.Publisher = events.NopPublisher{Logger: logger}
	if cfg.KafkaBrokers != "" {
		producer, err := events.NewKafkaProducer(cfg.KafkaBrokers, logger)
		if err != nil {
			logger.WithError(err).Fatal("Failed to create Kafka producer")
		}
		publisher = producer
	} else {
		logger.Warn("KAFKA_BROKERS not set, order events are not published")
	}
	defer publisher.Close()

	var kv cacheBackend = cache.Nop{}
	if cfg.RedisAddr != "" {
		client, err := cache.Connect(ctx, cfg.RedisAddr)
		if err != nil {
			logger.WithError(err).Fatal("Failed to connect to Redis")
		}
		defer client.Close()
		kv = cache.NewRedis(client)
	}

	var mailer notify.Mailer = notify.LogMailer{Logger: logger}
	if cfg.SMTP.Host != "" {
		smtp, err := notify.NewSMTPMailer(cfg.SMTP)
		if err != nil {
			logger.WithError(err).Fatal("Failed to configure SMTP")
		}
		mailer = smtp
	} else {
		logger.Warn("SMTP_HOST not set, emails are logged instead of sent")
	}

	breakers := circuitbreaker.NewManager(logger)
	dispatcher := notify.NewDispatcher(cfg.Mail, mailer, breakers, st, publisher, logger)

	hub := websocket.NewHub(cfg.AllowedOrigins, logger)
	go hub.Run(ctx)

	adjuster := inventory.NewAdjuster(cfg.ZeroStockPolicy, logger)
	aggregator := sales.NewAggregator(st, logger)
	catalogSvc := catalog.NewService(st, adjuster, kv, logger)
	accountSvc := accounts.NewService(st, accounts.Config{
		JWTSecret:     []byte(cfg.JWTSecret),
		ResetTokenTTL: cfg.ResetTokenTTL,
	}, dispatcher, logger)
	ledger := orders.NewLedger(orders.Deps{
		Store:     st,
		Adjuster:  adjuster,
		Sales:     aggregator,
		Notifier:  dispatcher,
		Publisher: publisher,
		Hub:       hub,
		Keys:      kv,
		Menu:      catalogSvc,
		Logger:    logger,
	})

	server := api.NewServer(api.Deps{
		Ledger:         ledger,
		Catalog:        catalogSvc,
		Accounts:       accountSvc,
		Sales:          aggregator,
		Dispatcher:     dispatcher,
		Breakers:       breakers,
		Hub:            hub,
		Health:         map[string]api.Pinger{"database": st, "cache": kv},
		AllowedOrigins: cfg.AllowedOrigins,
		Logger:         logger,
	})

	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      server.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.WithFields(logrus.Fields{
			"port":    cfg.HTTPPort,
			"backend": cfg.StoreBackend,
			"policy":  cfg.ZeroStockPolicy,
		}).Info("Starting order service")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Fatal("Failed to start server")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("Shutting down server...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("Server forced to shutdown")
	}
	// Queued emails are flushed before the store and producer close.
	if err := dispatcher.Close(shutdownCtx); err != nil {
		logger.WithError(err).Error("Notification queue not drained")
	}
	cancel()

	logger.Info("Server gracefully stopped")
}
