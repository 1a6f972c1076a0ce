package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"

	"famdigest/internal/adapters/email"
	"famdigest/internal/domain"
	"famdigest/internal/infra/config"
	applog "famdigest/internal/infra/log"
	"famdigest/internal/infra/metrics"
	"famdigest/internal/infra/queue"
)

func main() {
	cfg := config.Load()
	logger := applog.NewLogger(cfg.AppEnv, "notifier")

	metrics.MustRegister(prometheus.DefaultRegisterer)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	notifications, err := queue.NewRabbitNotifications(cfg.AMQPURL, cfg.Queues.Notifications)
	if err != nil {
		logger.Fatal().Err(err).Msg("notifier: нет подключения к очереди")
	}
	defer notifications.Close()

	mailer, err := email.NewMailer(email.Config{
		Host:     cfg.SMTP.Host,
		Port:     cfg.SMTP.Port,
		Username: cfg.SMTP.Username,
		Password: cfg.SMTP.Password,
		From:     cfg.SMTP.From,
		OpsEmail: cfg.SMTP.OpsEmail,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("notifier: smtp не настроен")
	}

	metrics.StartServer(ctx, applog.NewLogger(cfg.AppEnv, "metrics"), ":9090")

	logger.Info().Str("queue", cfg.Queues.Notifications).Msg("notifier: старт")
	err = notifications.Consume(ctx, func(ctx context.Context, n domain.Notification) error {
		if err := mailer.Deliver(ctx, n); err != nil {
			logger.Error().Err(err).Str("key", n.Key).Str("type", string(n.Type)).Msg("notifier: доставка уведомления")
			return err
		}
		logger.Info().Str("key", n.Key).Str("type", string(n.Type)).Msg("notifier: уведомление доставлено")
		return nil
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Error().Err(err).Msg("notifier: потребитель остановлен")
	}
	logger.Info().Msg("notifier: остановка")
}
