package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jogardn/restaurant-orders/internal/config"
	"github.com/jogardn/restaurant-orders/internal/events"
	"github.com/jogardn/restaurant-orders/internal/notify"
	"github.com/sirupsen/logrus"
)

const statsInterval = time.Minute

// dlq-monitor replays dead-lettered status emails. Emails that fail again
// are re-queued on the DLQ until they exceed the replay limit.
func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("Invalid configuration")
	}
	logger := config.NewLogger(cfg.LogLevel)

	if cfg.KafkaBrokers == "" {
		logger.Fatal("KAFKA_BROKERS must be set to monitor the notification DLQ")
	}

	producer, err := events.NewKafkaProducer(cfg.KafkaBrokers, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to create Kafka producer")
	}
	defer producer.Close()

	var mailer notify.Mailer = notify.LogMailer{Logger: logger}
	if cfg.SMTP.Host != "" {
		smtp, err := notify.NewSMTPMailer(cfg.SMTP)
		if err != nil {
			logger.WithError(err).Fatal("Failed to configure SMTP")
		}
		mailer = smtp
	}

	replayer := notify.NewReplayer(mailer, producer, notify.DefaultMaxReplays, logger)
	consumer, err := events.NewDLQConsumer(cfg.KafkaBrokers, cfg.DLQGroupID, replayer, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to create DLQ consumer")
	}
	defer consumer.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		if err := consumer.Start(ctx); err != nil {
			logger.WithError(err).Error("DLQ consumer stopped")
			cancel()
		}
	}()

	go func() {
		ticker := time.NewTicker(statsInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s := consumer.Stats()
				logger.WithFields(logrus.Fields{
					"processed": s.Processed,
					"handled":   s.Handled,
					"failed":    s.Failed,
					"malformed": s.Malformed,
				}).Info("DLQ monitor stats")
			}
		}
	}()

	logger.WithField("topic", events.NotificationDLQTopic).Info("DLQ monitor started")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	select {
	case <-sigChan:
	case <-ctx.Done():
	}

	logger.Info("Shutting down DLQ monitor...")
}
